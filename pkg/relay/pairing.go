package relay

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/marmos91/rendezvous/internal/logger"
	"github.com/marmos91/rendezvous/internal/ratelimiter"
	"github.com/marmos91/rendezvous/pkg/metrics"
	"golang.org/x/sync/semaphore"
)

// direction is one half of a pairing: bytes flowing from src to dst.
type direction struct {
	src, dst Endpoint

	// credit bounds the bytes queued at dst but not yet flushed
	credit  *semaphore.Weighted
	limiter *ratelimiter.RateLimiter
	bytes   atomic.Int64
	label   string
}

// Pairing joins two endpoints that reciprocated RELAY requests. DATA from
// one side is forwarded, in order, to the other.
//
// Each direction is paced independently: Forward takes credit for the
// payload before queueing it at the destination, and the destination gives
// the credit back once the frame has been written to its socket. A slow
// reader therefore stalls only the sender feeding it. MaxInFlight is split
// evenly between the two directions, so a pairing never holds more than
// MaxInFlight unflushed bytes.
type Pairing struct {
	ID        string
	CreatedAt time.Time

	// Initiator sent the first RELAY; Responder reciprocated.
	Initiator Endpoint
	Responder Endpoint

	engine      *Engine
	maxInFlight int64 // per direction
	forward     direction // Initiator -> Responder
	backward    direction // Responder -> Initiator

	lastActivity atomic.Int64
	closed       atomic.Bool
	ctx          context.Context
	cancel       context.CancelFunc
}

func newPairing(e *Engine, initiator, responder Endpoint) *Pairing {
	maxInFlight := max(int64(e.config.MaxInFlight)/2, 1)
	ctx, cancel := context.WithCancel(context.Background())
	now := e.clock.Now()

	p := &Pairing{
		ID:          uuid.NewString(),
		CreatedAt:   now,
		Initiator:   initiator,
		Responder:   responder,
		engine:      e,
		maxInFlight: maxInFlight,
		forward: direction{
			src:     initiator,
			dst:     responder,
			credit:  semaphore.NewWeighted(maxInFlight),
			limiter: ratelimiter.New(uint(e.config.PairingBandwidth), 0),
			label:   metrics.DirectionIn,
		},
		backward: direction{
			src:     responder,
			dst:     initiator,
			credit:  semaphore.NewWeighted(maxInFlight),
			limiter: ratelimiter.New(uint(e.config.PairingBandwidth), 0),
			label:   metrics.DirectionOut,
		},
		ctx:    ctx,
		cancel: cancel,
	}
	p.lastActivity.Store(now.UnixNano())
	return p
}

// Peer returns the other endpoint, or nil if ep is not a member.
func (p *Pairing) Peer(ep Endpoint) Endpoint {
	switch ep {
	case p.Initiator:
		return p.Responder
	case p.Responder:
		return p.Initiator
	default:
		return nil
	}
}

func (p *Pairing) directionFrom(ep Endpoint) *direction {
	switch ep {
	case p.Initiator:
		return &p.forward
	case p.Responder:
		return &p.backward
	default:
		return nil
	}
}

// Forward queues payload for the endpoint opposite from.
//
// It blocks while the destination already holds this direction's half of
// MaxInFlight in unflushed bytes, or while a bandwidth limit is exhausted. It returns
// early with ErrPairingClosed when the pairing closes, or with ctx.Err().
func (p *Pairing) Forward(ctx context.Context, from Endpoint, payload []byte) error {
	dir := p.directionFrom(from)
	if dir == nil {
		return ErrNotMember
	}
	if p.closed.Load() {
		return ErrPairingClosed
	}

	// Unblock waits when the pairing closes underneath us
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(p.ctx, cancel)
	defer stop()

	weight := int64(len(payload))
	if weight > p.maxInFlight {
		weight = p.maxInFlight
	}
	if weight < 1 {
		weight = 1
	}

	if err := dir.credit.Acquire(ctx, weight); err != nil {
		return p.waitErr(err)
	}

	var once sync.Once
	release := func() {
		once.Do(func() { dir.credit.Release(weight) })
	}

	if err := dir.limiter.WaitN(ctx, len(payload)); err != nil {
		release()
		return p.waitErr(err)
	}
	if err := p.engine.bandwidth.WaitN(ctx, len(payload)); err != nil {
		release()
		return p.waitErr(err)
	}

	if err := dir.dst.SendData(payload, release); err != nil {
		release()
		return fmt.Errorf("forward to %s: %w", dir.dst.PublicID(), err)
	}

	dir.bytes.Add(int64(len(payload)))
	p.lastActivity.Store(p.engine.clock.Now().UnixNano())
	p.engine.metrics.RecordRelayBytes(dir.label, len(payload))
	return nil
}

func (p *Pairing) waitErr(err error) error {
	if p.closed.Load() {
		return ErrPairingClosed
	}
	return err
}

// Close tears the pairing down and closes both endpoints with reason.
// Only the first call has any effect.
func (p *Pairing) Close(reason error) {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	p.cancel()
	p.engine.remove(p, reason)

	logger.Debug("Relay %s closed: %s <-> %s (%v), %d/%d bytes",
		p.ID, p.Initiator.PublicID(), p.Responder.PublicID(), reason,
		p.forward.bytes.Load(), p.backward.bytes.Load())

	p.Initiator.Close(reason)
	p.Responder.Close(reason)
}

// Closed reports whether Close has been called.
func (p *Pairing) Closed() bool {
	return p.closed.Load()
}

// LastActivity returns the time DATA last moved in either direction.
func (p *Pairing) LastActivity() time.Time {
	return time.Unix(0, p.lastActivity.Load())
}

// BytesForwarded returns the payload bytes forwarded from the initiator and
// from the responder.
func (p *Pairing) BytesForwarded() (fromInitiator, fromResponder int64) {
	return p.forward.bytes.Load(), p.backward.bytes.Load()
}

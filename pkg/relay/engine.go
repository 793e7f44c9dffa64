// Package relay pairs endpoints that asked to relay to each other and
// forwards DATA between them with per-direction backpressure.
package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/marmos91/rendezvous/internal/logger"
	"github.com/marmos91/rendezvous/internal/protocol/wire"
	"github.com/marmos91/rendezvous/internal/ratelimiter"
	"github.com/marmos91/rendezvous/pkg/metrics"
)

// Endpoint is one side of a relay, implemented by a protocol session.
//
// All methods must be non-blocking with respect to the network: they queue
// work for the session's writer. Close must be idempotent.
type Endpoint interface {
	// PublicID identifies the endpoint to its peer.
	PublicID() string

	// SendData queues a DATA frame. release must be called once the frame
	// has been written (or dropped).
	SendData(payload []byte, release func()) error

	// SendRelayed moves the endpoint into p and queues a RELAYED frame
	// naming peer. It is called before any DATA can arrive from peer.
	SendRelayed(p *Pairing, peer Endpoint) error

	// SendError queues an ERROR frame.
	SendError(code wire.ErrorCode, message string) error

	// Close tears the endpoint down.
	Close(reason error)
}

type intentKey struct {
	requester Endpoint
	target    Endpoint
}

// intent is an unreciprocated RELAY request.
type intent struct {
	requester Endpoint
	target    Endpoint
	silent    bool
	timer     *clock.Timer
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock replaces the wall clock. Tests use clock.NewMock().
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithMetrics reports pairing lifecycle and relayed bytes.
func WithMetrics(m metrics.RelayMetrics) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// Engine matches RELAY requests and owns the live pairings.
//
// Invariant: an endpoint is a member of at most one pairing.
type Engine struct {
	mu       sync.Mutex
	pending  map[intentKey]*intent
	pairings map[string]*Pairing
	members  map[Endpoint]*Pairing

	config    Config
	clock     clock.Clock
	metrics   metrics.RelayMetrics
	bandwidth *ratelimiter.RateLimiter
}

// New creates a relay engine.
func New(config Config, opts ...Option) *Engine {
	config.ApplyDefaults()

	e := &Engine{
		pending:   make(map[intentKey]*intent),
		pairings:  make(map[string]*Pairing),
		members:   make(map[Endpoint]*Pairing),
		config:    config,
		clock:     clock.New(),
		metrics:   metrics.NewNoopRendezvousMetrics(),
		bandwidth: ratelimiter.New(uint(config.GlobalBandwidth), 0),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.config
}

// Request records that requester wants to relay with target.
//
// If target already asked for requester, the two are paired: both receive
// RELAYED and the new Pairing is returned. Otherwise the request waits up to
// RequestTimeout for target to reciprocate and (nil, nil) is returned; on
// expiry the requester receives RelayTimeout unless silent is set.
func (e *Engine) Request(requester, target Endpoint, silent bool) (*Pairing, error) {
	if !e.config.Enabled {
		return nil, ErrDisabled
	}
	if requester == target {
		return nil, ErrInvalidTarget
	}

	e.mu.Lock()

	if e.members[requester] != nil || e.members[target] != nil {
		e.mu.Unlock()
		return nil, ErrTargetBusy
	}

	if _, reciprocated := e.pending[intentKey{requester: target, target: requester}]; reciprocated {
		if e.config.MaxPairings > 0 && len(e.pairings) >= e.config.MaxPairings {
			e.mu.Unlock()
			return nil, fmt.Errorf("%w: %d pairings active", ErrTargetBusy, len(e.pairings))
		}

		// Both endpoints leave the matching pool
		e.dropIntentsLocked(requester, true)
		e.dropIntentsLocked(target, true)

		p := newPairing(e, target, requester)
		e.pairings[p.ID] = p
		e.members[target] = p
		e.members[requester] = p
		count := len(e.pairings)
		e.mu.Unlock()

		e.metrics.RecordRelayOpened()
		e.metrics.SetActivePairings(count)
		logger.Info("Relay %s established: %s <-> %s", p.ID, target.PublicID(), requester.PublicID())

		// The requester's read loop is running this call, so it cannot
		// forward anything before both sides are notified. The requester's
		// RELAYED is queued first so DATA from the initiator lands behind it
		if err := requester.SendRelayed(p, target); err != nil {
			p.Close(ErrPeerClosed)
			return nil, fmt.Errorf("notify %s: %w", requester.PublicID(), err)
		}
		if err := target.SendRelayed(p, requester); err != nil {
			p.Close(ErrPeerClosed)
			return nil, fmt.Errorf("notify %s: %w", target.PublicID(), err)
		}
		return p, nil
	}

	key := intentKey{requester: requester, target: target}
	if existing, ok := e.pending[key]; ok {
		// A repeated request keeps the original deadline; an explicit one
		// upgrades an implicit intent so its expiry is reported
		existing.silent = existing.silent && silent
		e.mu.Unlock()
		return nil, nil
	}

	in := &intent{requester: requester, target: target, silent: silent}
	in.timer = e.clock.AfterFunc(e.config.RequestTimeout, func() { e.expire(key, in) })
	e.pending[key] = in
	e.mu.Unlock()

	logger.Debug("Relay request %s -> %s pending (timeout %v, silent=%v)",
		requester.PublicID(), target.PublicID(), e.config.RequestTimeout, silent)
	return nil, nil
}

func (e *Engine) expire(key intentKey, in *intent) {
	e.mu.Lock()
	if e.pending[key] != in {
		e.mu.Unlock()
		return
	}
	delete(e.pending, key)
	silent := in.silent
	e.mu.Unlock()

	if silent {
		logger.Debug("Implicit relay intent %s -> %s expired",
			in.requester.PublicID(), in.target.PublicID())
		return
	}

	e.metrics.RecordRelayTimeout()
	logger.Debug("Relay request %s -> %s timed out", in.requester.PublicID(), in.target.PublicID())
	_ = in.requester.SendError(wire.CodeRelayTimeout,
		fmt.Sprintf("relay to %s not reciprocated within %v", in.target.PublicID(), e.config.RequestTimeout))
}

// dropIntentsLocked removes intents made by ep and, if asTarget is set,
// intents aimed at ep. Caller holds e.mu.
func (e *Engine) dropIntentsLocked(ep Endpoint, asTarget bool) {
	for key, in := range e.pending {
		if key.requester == ep || (asTarget && key.target == ep) {
			in.timer.Stop()
			delete(e.pending, key)
		}
	}
}

// Cancel drops the pending requests made by a closing endpoint. Requests
// other endpoints aimed at it run out their timeout as usual.
func (e *Engine) Cancel(ep Endpoint) {
	e.mu.Lock()
	e.dropIntentsLocked(ep, false)
	e.mu.Unlock()
}

// PairingOf returns the pairing ep belongs to, or nil.
func (e *Engine) PairingOf(ep Endpoint) *Pairing {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.members[ep]
}

// Pending returns the number of unreciprocated requests.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Count returns the number of live pairings.
func (e *Engine) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pairings)
}

// remove unlinks a closing pairing. Called once from Pairing.Close.
func (e *Engine) remove(p *Pairing, reason error) {
	e.mu.Lock()
	delete(e.pairings, p.ID)
	if e.members[p.Initiator] == p {
		delete(e.members, p.Initiator)
	}
	if e.members[p.Responder] == p {
		delete(e.members, p.Responder)
	}
	count := len(e.pairings)
	e.mu.Unlock()

	e.metrics.RecordRelayClosed(reasonLabel(reason))
	e.metrics.SetActivePairings(count)
}

func (e *Engine) snapshot() []*Pairing {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*Pairing, 0, len(e.pairings))
	for _, p := range e.pairings {
		out = append(out, p)
	}
	return out
}

// SweepIdle closes pairings that moved no DATA for IdleTimeout at now.
func (e *Engine) SweepIdle(now time.Time) []*Pairing {
	if e.config.IdleTimeout <= 0 {
		return nil
	}
	cutoff := now.Add(-e.config.IdleTimeout)

	var idle []*Pairing
	for _, p := range e.snapshot() {
		if p.LastActivity().Before(cutoff) {
			idle = append(idle, p)
		}
	}
	for _, p := range idle {
		logger.Info("Relay %s idle since %v, closing", p.ID, p.LastActivity().Format(time.RFC3339))
		p.Close(ErrIdle)
	}
	return idle
}

// Run sweeps idle pairings until ctx is cancelled, then shuts the engine
// down.
func (e *Engine) Run(ctx context.Context) error {
	defer e.Shutdown()

	if e.config.IdleTimeout <= 0 {
		<-ctx.Done()
		return nil
	}

	interval := e.config.IdleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := e.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.SweepIdle(e.clock.Now())
		}
	}
}

// Shutdown drops pending requests and closes every pairing with
// ErrShutdown.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	for key, in := range e.pending {
		in.timer.Stop()
		delete(e.pending, key)
	}
	e.mu.Unlock()

	for _, p := range e.snapshot() {
		p.Close(ErrShutdown)
	}
}

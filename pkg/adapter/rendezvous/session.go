package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/marmos91/rendezvous/internal/logger"
	"github.com/marmos91/rendezvous/internal/protocol/wire"
	"github.com/marmos91/rendezvous/internal/ratelimiter"
	"github.com/marmos91/rendezvous/pkg/metrics"
	"github.com/marmos91/rendezvous/pkg/registry"
	"github.com/marmos91/rendezvous/pkg/relay"
	"golang.org/x/sync/errgroup"
)

// Session close reasons
var (
	ErrSessionClosed     = errors.New("session closed")
	ErrClientClosed      = errors.New("client closed connection")
	ErrNotRegistered     = errors.New("frame before REGISTER")
	ErrProtocolViolation = errors.New("protocol violation")
	ErrRegisterTimeout   = errors.New("register timeout")
	ErrKeepAliveTimeout  = errors.New("keep-alive timeout")
	ErrUnregistered      = errors.New("client unregistered")
	ErrShutdown          = errors.New("server shutting down")
	ErrSendQueueFull     = errors.New("send queue full")
)

// State is the protocol state of a session.
type State int32

const (
	// StateUnauthenticated accepts only REGISTER.
	StateUnauthenticated State = iota

	// StateIdle is registered and not relaying.
	StateIdle

	// StateRelaying forwards DATA to the paired session.
	StateRelaying

	// StateClosed is terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "UNAUTHENTICATED"
	case StateIdle:
		return "IDLE"
	case StateRelaying:
		return "RELAYING"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// outbound is one queued frame. A non-nil closeReason marks the end of the
// stream: everything queued before it is flushed, then the session closes.
type outbound struct {
	op          wire.Opcode
	frame       []byte
	release     func()
	closeReason error
}

// Session is the per-connection protocol state machine.
//
// A session runs three loops under one errgroup: the reader decodes frames
// and drives the state machine, the writer is the only goroutine touching
// the socket for writes, and the keep-alive loop PINGs registered clients.
// Other sessions (CONNECT targets, relay peers) reach this one only through
// the outbound queue.
//
// Close is idempotent and lock-free on the close path, so the registry and
// relay engine may call it from their own goroutines at any time.
type Session struct {
	ID string

	adapter    *Adapter
	conn       net.Conn
	remoteIP   string
	remotePort uint16
	decoder    *wire.Decoder
	limiter    *ratelimiter.RateLimiter

	mu      sync.Mutex
	state   State
	host    *registry.Host
	pairing *relay.Pairing

	sendq      chan outbound
	registered chan struct{}
	done       chan struct{}
	closing    atomic.Bool
	reason     atomic.Pointer[error]

	registerDeadline time.Time
}

func newSession(a *Adapter, conn net.Conn) *Session {
	ip, port := splitAddr(conn.RemoteAddr())

	return &Session{
		ID:               uuid.NewString(),
		adapter:          a,
		conn:             conn,
		remoteIP:         ip,
		remotePort:       port,
		decoder:          wire.NewDecoder(a.config.MaxFrameSize.Int()),
		limiter:          ratelimiter.New(a.config.FrameRate, a.config.FrameBurst),
		state:            StateUnauthenticated,
		sendq:            make(chan outbound, a.config.SendQueueSize),
		registered:       make(chan struct{}),
		done:             make(chan struct{}),
		registerDeadline: time.Now().Add(a.config.RegisterTimeout),
	}
}

func splitAddr(addr net.Addr) (string, uint16) {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String(), uint16(tcp.Port)
	}
	return addr.String(), 0
}

// ============================================================================
// Lifecycle
// ============================================================================

// Serve runs the session until the connection closes or ctx is cancelled.
func (s *Session) Serve(ctx context.Context) {
	logger.Debug("[%s] session started for %s:%d", s.shortID(), s.remoteIP, s.remotePort)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(s.guard("reader", func() error { return s.readLoop(gctx) }))
	g.Go(s.guard("writer", func() error { return s.writeLoop(gctx) }))
	g.Go(s.guard("keepalive", func() error { return s.keepAliveLoop(gctx) }))

	// A blocked Read only returns once the socket is closed
	g.Go(func() error {
		select {
		case <-gctx.Done():
			if ctx.Err() != nil {
				s.Close(ErrShutdown)
			} else {
				s.Close(context.Cause(gctx))
			}
		case <-s.done:
		}
		return nil
	})

	_ = g.Wait()
	s.Close(ErrSessionClosed)
	s.drain()

	logger.Debug("[%s] session ended: %v", s.shortID(), s.CloseReason())
}

// guard turns a panic in a session loop into an error so one misbehaving
// connection cannot crash the server.
func (s *Session) guard(name string, fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("[%s] panic in %s loop for %s: %v", s.shortID(), name, s.remoteIP, r)
				err = fmt.Errorf("panic in %s: %v", name, r)
			}
		}()
		return fn()
	}
}

// Close tears the session down. Only the first call has any effect; its
// reason is kept for logging.
//
// Close unregisters the host, cancels pending relay requests and closes the
// pairing (which closes the peer). No session lock is held while calling
// into the registry or relay engine.
func (s *Session) Close(reason error) {
	if !s.closing.CompareAndSwap(false, true) {
		return
	}
	if reason == nil {
		reason = ErrSessionClosed
	}
	s.reason.Store(&reason)

	s.mu.Lock()
	s.state = StateClosed
	host := s.host
	pairing := s.pairing
	s.mu.Unlock()

	close(s.done)
	_ = s.conn.Close()

	s.adapter.relay.Cancel(s)
	if pairing != nil {
		pairing.Close(relay.ErrPeerClosed)
	}

	if host != nil && !errors.Is(reason, registry.ErrExpired) {
		if errors.Is(reason, ErrUnregistered) {
			s.adapter.registry.Remove(host, metrics.ReasonRequested)
		} else {
			s.adapter.registry.Unregister(host)
		}
	}

	logger.Debug("[%s] closed (%v)", s.shortID(), reason)
}

// CloseReason returns the reason passed to the first Close, or nil.
func (s *Session) CloseReason() error {
	if p := s.reason.Load(); p != nil {
		return *p
	}
	return nil
}

// drain returns relay credit held by frames that will never be written.
func (s *Session) drain() {
	for {
		select {
		case ob := <-s.sendq:
			if ob.release != nil {
				ob.release()
			}
		default:
			return
		}
	}
}

// State returns the current protocol state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Host returns the registered host, or nil before REGISTER.
func (s *Session) Host() *registry.Host {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.host
}

// PublicID implements relay.Endpoint.
func (s *Session) PublicID() string {
	if host := s.Host(); host != nil {
		return host.PublicID
	}
	return ""
}

func (s *Session) shortID() string {
	return s.ID[:8]
}

// ============================================================================
// Outbound
// ============================================================================

// enqueue hands a frame to the writer. It blocks while the queue is full and
// fails once the session is closing.
func (s *Session) enqueue(ob outbound) error {
	if s.closing.Load() {
		return ErrSessionClosed
	}
	select {
	case s.sendq <- ob:
		return nil
	case <-s.done:
		return ErrSessionClosed
	}
}

// tryEnqueue is enqueue for frames queued from another session's reader: it
// never waits for this session's writer.
func (s *Session) tryEnqueue(ob outbound) error {
	if s.closing.Load() {
		return ErrSessionClosed
	}
	select {
	case s.sendq <- ob:
		return nil
	case <-s.done:
		return ErrSessionClosed
	default:
		return ErrSendQueueFull
	}
}

func (s *Session) send(op wire.Opcode, payload []byte) error {
	return s.enqueue(outbound{op: op, frame: wire.Encode(op, payload)})
}

// closeAfterFlush closes the session once everything queued so far has been
// written.
func (s *Session) closeAfterFlush(reason error) {
	if err := s.enqueue(outbound{closeReason: reason}); err != nil {
		s.Close(reason)
	}
}

// SendData implements relay.Endpoint.
func (s *Session) SendData(payload []byte, release func()) error {
	return s.enqueue(outbound{op: wire.OpData, frame: wire.Encode(wire.OpData, payload), release: release})
}

// SendRelayed implements relay.Endpoint: the session enters RELAYING before
// the RELAYED frame is queued, so DATA from peer is accepted from then on.
func (s *Session) SendRelayed(p *relay.Pairing, peer relay.Endpoint) error {
	s.mu.Lock()
	if s.state != StateIdle {
		state := s.state
		s.mu.Unlock()
		if state == StateClosed {
			return ErrSessionClosed
		}
		return fmt.Errorf("%w: RELAYED in state %s", ErrProtocolViolation, state)
	}
	s.state = StateRelaying
	s.pairing = p
	s.mu.Unlock()

	logger.Debug("[%s] relaying to %s (pairing %s)", s.shortID(), peer.PublicID(), p.ID)
	return s.send(wire.OpRelayed, wire.Relayed{PeerPublicID: peer.PublicID()}.Marshal())
}

// SendError implements relay.Endpoint.
func (s *Session) SendError(code wire.ErrorCode, message string) error {
	s.adapter.metrics.RecordError(code.String())
	return s.send(wire.OpError, wire.Error{Code: code, Message: message}.Marshal())
}

// sendConnected tells this session about peer's endpoints.
func (s *Session) sendConnected(peer *registry.Host) error {
	return s.send(wire.OpConnected, connectedPayload(peer))
}

// notifyConnected queues CONNECTED on behalf of another session. A session
// whose queue is full is not keeping up and is closed.
func (s *Session) notifyConnected(peer *registry.Host) error {
	err := s.tryEnqueue(outbound{op: wire.OpConnected, frame: wire.Encode(wire.OpConnected, connectedPayload(peer))})
	if errors.Is(err, ErrSendQueueFull) {
		s.Close(err)
	}
	return err
}

func connectedPayload(peer *registry.Host) []byte {
	return wire.Connected{
		PeerPublicID: peer.PublicID,
		Address:      peer.Address,
		Port:         peer.Port,
		LocalAddress: peer.LocalAddress(),
	}.Marshal()
}

// fail reports code to the client, flushes it and closes the session. It
// returns once the session is closed so the reader stops consuming input.
func (s *Session) fail(code wire.ErrorCode, message string, reason error) error {
	logger.Debug("[%s] %s: %s", s.shortID(), code, message)
	_ = s.SendError(code, message)
	s.closeAfterFlush(reason)
	<-s.done
	return reason
}

// ============================================================================
// Loops
// ============================================================================

func (s *Session) writeLoop(ctx context.Context) error {
	for {
		select {
		case ob := <-s.sendq:
			if ob.closeReason != nil {
				s.Close(ob.closeReason)
				return ob.closeReason
			}

			if s.adapter.config.WriteTimeout > 0 {
				_ = s.conn.SetWriteDeadline(time.Now().Add(s.adapter.config.WriteTimeout))
			}
			_, err := s.conn.Write(ob.frame)
			if ob.release != nil {
				ob.release()
			}
			if err != nil {
				if s.closing.Load() {
					return ErrSessionClosed
				}
				return fmt.Errorf("write %s: %w", ob.op, err)
			}
			s.adapter.metrics.RecordFrame(ob.op.String(), metrics.DirectionOut)

		case <-s.done:
			return ErrSessionClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Session) keepAliveLoop(ctx context.Context) error {
	interval := s.adapter.config.KeepAliveInterval

	select {
	case <-s.registered:
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	if interval <= 0 {
		select {
		case <-s.done:
			return ErrSessionClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.send(wire.OpPing, nil); err != nil {
				return err
			}
		case <-s.done:
			return ErrSessionClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Session) readLoop(ctx context.Context) error {
	buf := make([]byte, 32*1024)

	for {
		s.refreshReadDeadline()

		n, readErr := s.conn.Read(buf)
		if n > 0 {
			s.decoder.Feed(buf[:n])
			for {
				frame, ok, err := s.decoder.Next()
				if err != nil {
					return s.decodeFailure(err)
				}
				if !ok {
					break
				}
				if err := s.handleFrame(ctx, frame); err != nil {
					return err
				}
			}
		}

		if readErr != nil {
			return s.readFailure(readErr)
		}
	}
}

func (s *Session) refreshReadDeadline() {
	var deadline time.Time
	if s.Host() == nil {
		deadline = s.registerDeadline
	} else if d := s.adapter.config.readDeadline(); d > 0 {
		deadline = time.Now().Add(d)
	}
	_ = s.conn.SetReadDeadline(deadline)
}

func (s *Session) readFailure(err error) error {
	if s.closing.Load() {
		return ErrSessionClosed
	}

	var netErr net.Error
	switch {
	case errors.Is(err, io.EOF):
		return ErrClientClosed
	case errors.As(err, &netErr) && netErr.Timeout():
		if s.Host() == nil {
			return ErrRegisterTimeout
		}
		return ErrKeepAliveTimeout
	default:
		return fmt.Errorf("read: %w", err)
	}
}

func (s *Session) decodeFailure(err error) error {
	if errors.Is(err, wire.ErrFrameTooLarge) {
		return s.fail(wire.CodeFrameTooLarge, err.Error(), fmt.Errorf("%w: %v", ErrProtocolViolation, err))
	}
	return s.fail(wire.CodeProtocolError, err.Error(), fmt.Errorf("%w: %v", ErrProtocolViolation, err))
}

// ============================================================================
// State Machine
// ============================================================================

func (s *Session) handleFrame(ctx context.Context, frame wire.Frame) error {
	s.adapter.metrics.RecordFrame(frame.Opcode.String(), metrics.DirectionIn)

	s.mu.Lock()
	state := s.state
	host := s.host
	s.mu.Unlock()

	if host != nil {
		s.adapter.registry.Touch(host)
	}

	if frame.Opcode != wire.OpData && !s.limiter.Allow() {
		logger.Debug("[%s] rate limited %s", s.shortID(), frame.Opcode)
		_ = s.SendError(wire.CodeRateLimited, fmt.Sprintf("%s dropped: too many control frames", frame.Opcode))
		return nil
	}

	switch state {
	case StateUnauthenticated:
		if frame.Opcode != wire.OpRegister {
			return s.fail(wire.CodeNotRegistered,
				fmt.Sprintf("%s before REGISTER", frame.Opcode), ErrNotRegistered)
		}
		return s.handleRegister()

	case StateIdle:
		switch frame.Opcode {
		case wire.OpConnect:
			return s.handleConnect(frame.Payload)
		case wire.OpRelay:
			return s.handleRelay(frame.Payload)
		case wire.OpAddress:
			return s.handleAddress(frame.Payload)
		case wire.OpUnregister:
			s.closeAfterFlush(ErrUnregistered)
			<-s.done
			return ErrUnregistered
		}

	case StateRelaying:
		if frame.Opcode == wire.OpData {
			return s.handleData(ctx, frame.Payload)
		}

	case StateClosed:
		return ErrSessionClosed
	}

	switch frame.Opcode {
	case wire.OpPing:
		return s.send(wire.OpPong, nil)
	case wire.OpPong:
		return nil
	}

	return s.fail(wire.CodeProtocolError,
		fmt.Sprintf("%s not allowed in state %s", frame.Opcode, state),
		fmt.Errorf("%w: %s in %s", ErrProtocolViolation, frame.Opcode, state))
}

func (s *Session) handleRegister() error {
	host, err := s.adapter.registry.Register(s, s.remoteIP, s.remotePort)
	if err != nil {
		logger.Warn("[%s] registration failed for %s: %v", s.shortID(), s.remoteIP, err)
		if errors.Is(err, registry.ErrRegistrationConflict) {
			return s.SendError(wire.CodeRegistrationConflict, "could not allocate a unique identifier, retry")
		}
		return err
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		s.adapter.registry.Unregister(host)
		return ErrSessionClosed
	}
	s.host = host
	s.state = StateIdle
	s.mu.Unlock()
	close(s.registered)

	logger.Info("[%s] registered %s", s.shortID(), host)
	return s.send(wire.OpRegistered, wire.Registered{
		PublicID: host.PublicID,
		LocalID:  host.LocalID,
		Address:  host.Address,
		Port:     host.Port,
	}.Marshal())
}

// resolveTarget parses a CONNECT/RELAY payload and finds the target session.
// A nil session with a nil error means an ERROR was already sent and the
// session stays IDLE.
func (s *Session) resolveTarget(op wire.Opcode, payload []byte) (*Session, *registry.Host, error) {
	target, err := wire.UnmarshalTarget(payload)
	if err != nil {
		return nil, nil, s.fail(wire.CodeProtocolError,
			fmt.Sprintf("malformed %s: %v", op, err), fmt.Errorf("%w: %v", ErrProtocolViolation, err))
	}

	targetHost, err := s.adapter.registry.ResolveByLocalID(target.ID)
	if err != nil {
		return nil, nil, s.SendError(wire.CodeUnknownTarget, fmt.Sprintf("no host with id %s", target.ID))
	}

	if targetHost == s.Host() {
		return nil, nil, s.SendError(wire.CodeInvalidTarget, fmt.Sprintf("%s targets the requesting host", op))
	}

	peer, ok := targetHost.Owner.(*Session)
	if !ok {
		return nil, nil, s.SendError(wire.CodeUnknownTarget, fmt.Sprintf("no host with id %s", target.ID))
	}
	return peer, targetHost, nil
}

func (s *Session) handleConnect(payload []byte) error {
	peer, peerHost, err := s.resolveTarget(wire.OpConnect, payload)
	if peer == nil {
		return err
	}
	self := s.Host()

	if err := peer.notifyConnected(self); err != nil {
		logger.Debug("[%s] CONNECT target %s went away: %v", s.shortID(), peerHost.PublicID, err)
		return s.SendError(wire.CodeUnknownTarget, fmt.Sprintf("host %s is no longer reachable", peerHost.LocalID))
	}
	if err := s.sendConnected(peerHost); err != nil {
		return err
	}
	logger.Debug("[%s] connected %s -> %s", s.shortID(), self.PublicID, peerHost.PublicID)

	if s.adapter.relay.Config().ImplicitOnConnect {
		if _, err := s.adapter.relay.Request(s, peer, true); err != nil {
			logger.Debug("[%s] implicit relay intent to %s not armed: %v", s.shortID(), peerHost.PublicID, err)
		}
	}
	return nil
}

func (s *Session) handleRelay(payload []byte) error {
	peer, peerHost, err := s.resolveTarget(wire.OpRelay, payload)
	if peer == nil {
		return err
	}

	_, err = s.adapter.relay.Request(s, peer, false)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, relay.ErrDisabled):
		return s.SendError(wire.CodeRelayDisabled, "relaying is disabled on this server")
	case errors.Is(err, relay.ErrTargetBusy):
		return s.SendError(wire.CodeTargetBusy, fmt.Sprintf("cannot relay to %s: %v", peerHost.LocalID, err))
	case errors.Is(err, relay.ErrInvalidTarget):
		return s.SendError(wire.CodeInvalidTarget, "RELAY targets the requesting host")
	default:
		// Pairing was torn down while notifying; Close already ran if it
		// was this side that failed
		logger.Debug("[%s] relay to %s failed: %v", s.shortID(), peerHost.PublicID, err)
		if s.closing.Load() {
			return ErrSessionClosed
		}
		return nil
	}
}

func (s *Session) handleAddress(payload []byte) error {
	addr, err := wire.UnmarshalAddress(payload)
	if err != nil {
		return s.fail(wire.CodeProtocolError,
			fmt.Sprintf("malformed ADDRESS: %v", err), fmt.Errorf("%w: %v", ErrProtocolViolation, err))
	}

	if _, _, err := net.SplitHostPort(addr.Value); err != nil {
		return s.fail(wire.CodeProtocolError,
			fmt.Sprintf("ADDRESS %q is not ip:port", addr.Value), fmt.Errorf("%w: %v", ErrProtocolViolation, err))
	}

	if host := s.Host(); host != nil {
		host.SetLocalAddress(addr.Value)
		logger.Debug("[%s] local address %s", s.shortID(), addr.Value)
	}
	return nil
}

func (s *Session) handleData(ctx context.Context, payload []byte) error {
	s.mu.Lock()
	pairing := s.pairing
	s.mu.Unlock()

	if pairing == nil {
		return ErrSessionClosed
	}

	if err := pairing.Forward(ctx, s, payload); err != nil {
		if errors.Is(err, relay.ErrPairingClosed) || s.closing.Load() {
			return ErrSessionClosed
		}
		return fmt.Errorf("relay: %w", err)
	}
	return nil
}

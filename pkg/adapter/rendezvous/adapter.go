package rendezvous

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/rendezvous/internal/logger"
	"github.com/marmos91/rendezvous/pkg/metrics"
	"github.com/marmos91/rendezvous/pkg/registry"
	"github.com/marmos91/rendezvous/pkg/relay"
)

// Adapter implements the adapter.Adapter interface for the rendezvous
// control protocol.
//
// Architecture:
// Adapter manages the TCP listener and connection lifecycle. Each accepted
// connection gets a Session that runs the protocol state machine. Sessions
// share the host registry (injected with SetRegistry) and the relay engine.
//
// Shutdown flow:
//  1. Context cancelled or Stop() called
//  2. Listener closed (no new connections)
//  3. shutdownCtx cancelled (every session closes itself)
//  4. Wait for sessions to finish cleanup (up to ShutdownTimeout)
//  5. Force-close any remaining sockets after timeout
//
// Thread safety:
// All methods are safe for concurrent use. The shutdown mechanism uses sync.Once
// to ensure idempotent behavior even if Stop() is called multiple times.
type Adapter struct {
	config Config

	// listener is the TCP listener for control connections, guarded by mu
	mu       sync.Mutex
	listener net.Listener

	registry *registry.Registry
	relay    *relay.Engine
	metrics  metrics.RendezvousMetrics

	// activeConns tracks running sessions for graceful shutdown
	activeConns sync.WaitGroup

	// shutdownOnce ensures shutdown is only initiated once
	shutdownOnce sync.Once

	// shutdown signals that graceful shutdown has been initiated
	shutdown chan struct{}

	// listening is closed once the listener is bound
	listening chan struct{}

	// boundPort is the port actually bound, 0 before Serve
	boundPort atomic.Int32

	// connCount tracks the current number of active connections
	connCount atomic.Int32

	// connSemaphore limits concurrent connections if MaxConnections > 0
	connSemaphore chan struct{}

	// shutdownCtx is cancelled during shutdown; every session derives from it
	shutdownCtx    context.Context
	cancelSessions context.CancelFunc

	// activeConnections maps remote address to net.Conn for forced closure
	activeConnections sync.Map
}

// New creates a rendezvous adapter.
//
// engine may be nil, in which case relaying is disabled. m may be nil for
// no metrics.
//
// Panics if config validation fails.
func New(config Config, engine *relay.Engine, m metrics.RendezvousMetrics) *Adapter {
	config.applyDefaults()

	if err := config.validate(); err != nil {
		panic(fmt.Sprintf("invalid rendezvous config: %v", err))
	}

	var connSemaphore chan struct{}
	if config.MaxConnections > 0 {
		connSemaphore = make(chan struct{}, config.MaxConnections)
		logger.Debug("Rendezvous connection limit: %d", config.MaxConnections)
	} else {
		logger.Debug("Rendezvous connection limit: unlimited")
	}

	if m == nil {
		m = metrics.NewNoopRendezvousMetrics()
	}
	if engine == nil {
		engine = relay.New(relay.Config{Enabled: false}, relay.WithMetrics(m))
	}

	shutdownCtx, cancelSessions := context.WithCancel(context.Background())

	return &Adapter{
		config:         config,
		relay:          engine,
		metrics:        m,
		shutdown:       make(chan struct{}),
		listening:      make(chan struct{}),
		connSemaphore:  connSemaphore,
		shutdownCtx:    shutdownCtx,
		cancelSessions: cancelSessions,
	}
}

// SetRegistry injects the shared host registry.
func (s *Adapter) SetRegistry(reg *registry.Registry) {
	s.registry = reg
	logger.Debug("Rendezvous host registry configured")
}

// Serve starts the rendezvous listener and blocks until the context is
// cancelled or an unrecoverable error occurs.
//
// Serve also runs the relay engine's idle sweep for its lifetime.
//
// Thread safety:
// Serve() should only be called once per Adapter instance.
func (s *Adapter) Serve(ctx context.Context) error {
	if s.registry == nil {
		return fmt.Errorf("rendezvous adapter: registry not set")
	}

	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to create rendezvous listener on %s: %w", addr, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	s.boundPort.Store(int32(listener.Addr().(*net.TCPAddr).Port))
	close(s.listening)

	// Stop may have run before the listener existed
	select {
	case <-s.shutdown:
		_ = listener.Close()
	default:
	}

	logger.Info("Rendezvous server listening on port %d", s.Port())
	logger.Debug("Rendezvous config: max_connections=%d max_frame=%v register_timeout=%v keepalive=%v+%v",
		s.config.MaxConnections, s.config.MaxFrameSize, s.config.RegisterTimeout,
		s.config.KeepAliveInterval, s.config.KeepAliveGrace)

	go func() {
		select {
		case <-ctx.Done():
			logger.Info("Rendezvous shutdown signal received: %v", ctx.Err())
		case <-s.shutdown:
		}
		s.initiateShutdown()
	}()

	go func() {
		if err := s.relay.Run(s.shutdownCtx); err != nil {
			logger.Warn("Relay engine stopped: %v", err)
		}
	}()

	if s.config.MetricsLogInterval > 0 {
		go s.logMetrics(s.shutdownCtx)
	}

	for {
		if s.connSemaphore != nil {
			select {
			case s.connSemaphore <- struct{}{}:
			case <-s.shutdown:
				return s.gracefulShutdown()
			}
		}

		tcpConn, err := listener.Accept()
		if err != nil {
			if s.connSemaphore != nil {
				<-s.connSemaphore
			}

			select {
			case <-s.shutdown:
				return s.gracefulShutdown()
			default:
				logger.Debug("Error accepting rendezvous connection: %v", err)
				continue
			}
		}

		s.activeConns.Add(1)
		s.connCount.Add(1)

		connAddr := tcpConn.RemoteAddr().String()
		s.activeConnections.Store(connAddr, tcpConn)

		s.metrics.RecordConnectionAccepted()
		currentConns := s.connCount.Load()
		s.metrics.SetActiveConnections(currentConns)

		logger.Debug("Rendezvous connection accepted from %s (active: %d)", connAddr, currentConns)

		session := newSession(s, tcpConn)
		go func(addr string) {
			defer func() {
				s.activeConnections.Delete(addr)

				s.activeConns.Done()
				s.connCount.Add(-1)
				if s.connSemaphore != nil {
					<-s.connSemaphore
				}

				s.metrics.RecordConnectionClosed()
				currentConns := s.connCount.Load()
				s.metrics.SetActiveConnections(currentConns)

				logger.Debug("Rendezvous connection closed from %s (active: %d)", addr, currentConns)
			}()

			session.Serve(s.shutdownCtx)
		}(connAddr)
	}
}

// initiateShutdown closes the listener and tells every session to close.
// Safe to call multiple times and from multiple goroutines.
func (s *Adapter) initiateShutdown() {
	s.shutdownOnce.Do(func() {
		logger.Debug("Rendezvous shutdown initiated")

		close(s.shutdown)

		s.mu.Lock()
		listener := s.listener
		s.mu.Unlock()
		if listener != nil {
			if err := listener.Close(); err != nil {
				logger.Debug("Error closing rendezvous listener: %v", err)
			}
		}

		s.cancelSessions()
	})
}

// gracefulShutdown waits for sessions to finish cleanup or the timeout.
func (s *Adapter) gracefulShutdown() error {
	activeCount := s.connCount.Load()
	logger.Info("Rendezvous graceful shutdown: waiting for %d active connection(s) (timeout: %v)",
		activeCount, s.config.ShutdownTimeout)

	select {
	case <-s.sessionsDone():
		logger.Info("Rendezvous graceful shutdown complete: all connections closed")
		return nil

	case <-time.After(s.config.ShutdownTimeout):
		remaining := s.connCount.Load()
		logger.Warn("Rendezvous shutdown timeout exceeded: %d connection(s) still active after %v - forcing closure",
			remaining, s.config.ShutdownTimeout)

		s.forceCloseConnections()

		return fmt.Errorf("rendezvous shutdown timeout: %d connections force-closed", remaining)
	}
}

func (s *Adapter) sessionsDone() <-chan struct{} {
	done := make(chan struct{})
	go func() {
		s.activeConns.Wait()
		close(done)
	}()
	return done
}

// forceCloseConnections closes every tracked socket so stuck reads and
// writes fail immediately.
func (s *Adapter) forceCloseConnections() {
	logger.Info("Force-closing active rendezvous connections")

	closedCount := 0
	s.activeConnections.Range(func(key, value any) bool {
		addr := key.(string)
		conn := value.(net.Conn)

		if err := conn.Close(); err != nil {
			logger.Debug("Error force-closing connection to %s: %v", addr, err)
		} else {
			closedCount++
			s.metrics.RecordConnectionForceClosed()
		}
		return true
	})

	if closedCount > 0 {
		logger.Info("Force-closed %d connection(s)", closedCount)
	}
}

// Stop initiates graceful shutdown of the rendezvous server.
//
// Stop is safe to call multiple times and safe to call concurrently with
// Serve(). It waits for sessions to finish until ctx is done.
func (s *Adapter) Stop(ctx context.Context) error {
	s.initiateShutdown()

	if ctx == nil {
		return s.gracefulShutdown()
	}

	select {
	case <-s.sessionsDone():
		return nil
	case <-ctx.Done():
		remaining := s.connCount.Load()
		logger.Warn("Rendezvous shutdown context cancelled: %d connection(s) still active: %v",
			remaining, ctx.Err())
		s.forceCloseConnections()
		return ctx.Err()
	}
}

// logMetrics periodically logs connection, host and relay counts.
func (s *Adapter) logMetrics(ctx context.Context) {
	ticker := time.NewTicker(s.config.MetricsLogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logger.Info("Rendezvous metrics: active_connections=%d registered_hosts=%d relay_pairings=%d relay_pending=%d",
				s.connCount.Load(), s.registry.Count(), s.relay.Count(), s.relay.Pending())
		}
	}
}

// GetActiveConnections returns the current number of active connections.
func (s *Adapter) GetActiveConnections() int32 {
	return s.connCount.Load()
}

// Listening is closed once the listener is bound.
func (s *Adapter) Listening() <-chan struct{} {
	return s.listening
}

// Port returns the bound TCP port, or the configured one before Serve.
func (s *Adapter) Port() int {
	if p := s.boundPort.Load(); p != 0 {
		return int(p)
	}
	return s.config.Port
}

// Protocol returns "Rendezvous" as the protocol identifier.
func (s *Adapter) Protocol() string {
	return "Rendezvous"
}

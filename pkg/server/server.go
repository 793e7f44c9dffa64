package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/rendezvous/internal/logger"
	"github.com/marmos91/rendezvous/pkg/adapter"
	"github.com/marmos91/rendezvous/pkg/metrics"
	"github.com/marmos91/rendezvous/pkg/registry"
	"go.uber.org/multierr"
)

// ErrAlreadyServed is returned by Serve on every call after the first.
var ErrAlreadyServed = errors.New("server already served")

// Server manages the lifecycle of the protocol adapters that share one host
// registry, plus the background services they rely on.
//
// Architecture:
// Server composes the enabled sub-services explicitly: the rendezvous
// adapter (TCP control protocol and relay), the echo adapter (UDP address
// discovery) and an optional metrics HTTP server. The registry's expiry janitor
// runs for the lifetime of Serve.
//
// Lifecycle:
//  1. Creation: New() with the shared registry
//  2. Registration: AddAdapter() for each protocol
//  3. Startup: Serve() starts the janitor, metrics server and all adapters
//  4. Shutdown: Context cancellation stops adapters in reverse order
//
// Thread safety:
// Server is safe for concurrent use. AddAdapter() may be called concurrently
// with other methods. Serve() should only be called once per server instance.
//
// Example usage:
//
//	srv := server.New(reg, server.WithMetricsServer(metricsServer))
//	srv.AddAdapter(rendezvous.New(rendezvousConfig, engine, m))
//	srv.AddAdapter(echo.New(echoConfig, echoMetrics))
//
//	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer cancel()
//
//	if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
//	    log.Fatal(err)
//	}
type Server struct {
	// registry is the shared host registry for all adapters
	registry *registry.Registry

	// metricsServer exposes /metrics when set
	metricsServer *metrics.Server

	// stopTimeout bounds the Stop() calls issued during shutdown
	stopTimeout time.Duration

	// adapters contains all registered protocol adapters
	adapters []adapter.Adapter

	// mu protects the adapters slice
	mu sync.RWMutex

	// served is set by the first Serve() call
	served atomic.Bool
}

// Option customizes a Server.
type Option func(*Server)

// WithMetricsServer runs s alongside the adapters.
func WithMetricsServer(s *metrics.Server) Option {
	return func(srv *Server) { srv.metricsServer = s }
}

// WithStopTimeout bounds how long shutdown waits for adapters. The default
// is 30 seconds.
func WithStopTimeout(d time.Duration) Option {
	return func(srv *Server) {
		if d > 0 {
			srv.stopTimeout = d
		}
	}
}

// New creates a Server around the shared host registry.
//
// Panics if reg is nil (indicates programmer error).
func New(reg *registry.Registry, opts ...Option) *Server {
	if reg == nil {
		panic("host registry cannot be nil")
	}

	s := &Server{
		registry:    reg,
		stopTimeout: 30 * time.Second,
		adapters:    make([]adapter.Adapter, 0, 2),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddAdapter registers a protocol adapter and injects the shared registry.
//
// Returns an error if an adapter for the same protocol is already
// registered. TCP and UDP adapters may share a port number.
//
// Panics if:
//   - adapter is nil (programmer error)
//   - Serve() has already been called (server is running)
func (s *Server) AddAdapter(a adapter.Adapter) error {
	if a == nil {
		panic("adapter cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.served.Load() {
		panic("cannot add adapter after Serve() has been called")
	}

	protocol := a.Protocol()
	for _, existing := range s.adapters {
		if existing.Protocol() == protocol {
			return fmt.Errorf("adapter for protocol %s already registered", protocol)
		}
	}

	a.SetRegistry(s.registry)
	s.adapters = append(s.adapters, a)

	logger.Info("Registered %s adapter on port %d", protocol, a.Port())
	return nil
}

// Serve starts all registered adapters and blocks until the context is
// cancelled or an adapter fails.
//
// Shutdown behavior:
// When the context is cancelled or an adapter fails, every adapter receives
// Stop() in reverse registration order, then Serve waits for all adapter
// goroutines, the registry janitor and the metrics server to return.
//
// Returns:
//   - context.Canceled (or the context's error) on a signalled shutdown
//   - the adapter's error, combined with any stop errors, if one failed
//   - ErrAlreadyServed on a second call
func (s *Server) Serve(ctx context.Context) error {
	if !s.served.CompareAndSwap(false, true) {
		return ErrAlreadyServed
	}

	s.mu.RLock()
	adapters := make([]adapter.Adapter, len(s.adapters))
	copy(adapters, s.adapters)
	s.mu.RUnlock()

	if len(adapters) == 0 {
		return fmt.Errorf("no adapters registered; call AddAdapter() before Serve()")
	}

	logger.Info("Starting rendezvous server with %d adapter(s)", len(adapters))

	// Background services stop with this context, after the adapters
	bgCtx, cancelBackground := context.WithCancel(context.Background())
	defer cancelBackground()

	var bg sync.WaitGroup
	bg.Add(1)
	go func() {
		defer bg.Done()
		if err := s.registry.Run(bgCtx); err != nil {
			logger.Warn("Host registry janitor stopped: %v", err)
		}
	}()

	if s.metricsServer != nil {
		s.metricsServer.SetStatusSource(func() metrics.Status {
			return s.status(adapters)
		})

		bg.Add(1)
		go func() {
			defer bg.Done()
			if err := s.metricsServer.Start(bgCtx); err != nil {
				logger.Error("Metrics server error: %v", err)
			}
		}()
	}

	errChan := make(chan adapterError, len(adapters))
	var wg sync.WaitGroup

	startTime := time.Now()
	for _, adp := range adapters {
		wg.Add(1)
		go func(a adapter.Adapter) {
			defer wg.Done()

			protocol := a.Protocol()
			logger.Info("Starting %s adapter on port %d", protocol, a.Port())

			if err := a.Serve(ctx); err != nil {
				if !errors.Is(err, context.Canceled) && ctx.Err() == nil {
					logger.Error("%s adapter failed: %v", protocol, err)
					errChan <- adapterError{protocol: protocol, err: err}
				} else {
					logger.Debug("%s adapter stopped: %v", protocol, err)
				}
			} else {
				logger.Info("%s adapter stopped", protocol)
			}
		}(adp)
	}

	go func() {
		for _, a := range adapters {
			select {
			case <-a.Listening():
			case <-ctx.Done():
				return
			}
		}
		logger.Info("All adapters started in %v", time.Since(startTime))
	}()

	var shutdownErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received (reason: %v)", ctx.Err())
		if err := s.stopAllAdapters(adapters); err != nil {
			logger.Warn("Adapter shutdown was not clean: %v", err)
		}
		shutdownErr = ctx.Err()

	case adapterErr := <-errChan:
		logger.Error("Adapter %s failed: %v - initiating shutdown of all adapters",
			adapterErr.protocol, adapterErr.err)
		shutdownErr = multierr.Append(
			fmt.Errorf("%s adapter error: %w", adapterErr.protocol, adapterErr.err),
			s.stopAllAdapters(adapters))
	}

	logger.Debug("Waiting for all adapters to complete shutdown")
	wg.Wait()

	cancelBackground()
	bg.Wait()

	logger.Info("Rendezvous server stopped")
	return shutdownErr
}

// adapterError pairs an adapter protocol name with its error for better error reporting.
type adapterError struct {
	protocol string
	err      error
}

// stopAllAdapters stops every adapter in reverse registration order and
// returns the combined stop errors.
func (s *Server) stopAllAdapters(adapters []adapter.Adapter) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.stopTimeout)
	defer cancel()

	logger.Info("Initiating graceful shutdown of %d adapter(s)", len(adapters))

	var errs error
	for i := len(adapters) - 1; i >= 0; i-- {
		adp := adapters[i]
		protocol := adp.Protocol()

		logger.Debug("Stopping %s adapter (port %d)", protocol, adp.Port())

		if err := adp.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Error stopping %s adapter: %v", protocol, err)
			errs = multierr.Append(errs, fmt.Errorf("stop %s: %w", protocol, err))
		} else {
			logger.Debug("%s adapter stopped", protocol)
		}
	}
	return errs
}

// status reports the live host count and the bound port of each adapter.
func (s *Server) status(adapters []adapter.Adapter) metrics.Status {
	st := metrics.Status{
		Hosts:    s.registry.Count(),
		Adapters: make(map[string]int, len(adapters)),
	}
	for _, a := range adapters {
		st.Adapters[a.Protocol()] = a.Port()
	}
	return st
}

// Adapters returns a snapshot of currently registered adapters.
func (s *Server) Adapters() []adapter.Adapter {
	s.mu.RLock()
	defer s.mu.RUnlock()

	adapters := make([]adapter.Adapter, len(s.adapters))
	copy(adapters, s.adapters)
	return adapters
}

// Registry returns the shared host registry.
func (s *Server) Registry() *registry.Registry {
	return s.registry
}

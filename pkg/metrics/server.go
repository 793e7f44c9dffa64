package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/marmos91/rendezvous/internal/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Status is the JSON document served at /status.
type Status struct {
	// Hosts is the number of registered hosts.
	Hosts int `json:"hosts"`

	// Adapters maps each running adapter's protocol to its bound port.
	Adapters map[string]int `json:"adapters"`
}

// Server exposes Prometheus metrics over HTTP.
//
// Endpoints:
//   - GET /metrics: Prometheus exposition (503 when metrics are disabled)
//   - GET /status: live Status as JSON, once a status source is set
type Server struct {
	httpServer *http.Server
	ready      chan struct{}
	stopOnce   sync.Once

	mu     sync.Mutex
	port   int
	status func() Status
}

// ServerConfig configures the metrics HTTP server.
type ServerConfig struct {
	// Host to bind to. Empty binds all interfaces.
	Host string

	// Port to listen on. 0 picks a free port, readable from Port once Ready
	// fires.
	Port int
}

// NewServer creates a stopped metrics server. Call Start to serve.
func NewServer(config ServerConfig) *Server {
	s := &Server{
		port:  config.Port,
		ready: make(chan struct{}),
	}

	mux := http.NewServeMux()
	if reg := GetRegistry(); reg != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	} else {
		mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics collection is disabled", http.StatusServiceUnavailable)
		})
	}
	mux.HandleFunc("/status", s.serveStatus)

	s.httpServer = &http.Server{
		Addr:              net.JoinHostPort(config.Host, strconv.Itoa(config.Port)),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// SetStatusSource installs the function queried on every /status request.
func (s *Server) SetStatusSource(fn func() Status) {
	s.mu.Lock()
	s.status = fn
	s.mu.Unlock()
}

func (s *Server) serveStatus(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	fn := s.status
	s.mu.Unlock()

	if fn == nil {
		http.Error(w, "status not available", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(fn()); err != nil {
		logger.Debug("Status response failed: %v", err)
	}
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("metrics server listen: %w", err)
	}

	s.mu.Lock()
	s.port = ln.Addr().(*net.TCPAddr).Port
	s.mu.Unlock()
	close(s.ready)

	logger.Info("Metrics server listening on port %d", s.Port())

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		// ctx is already done; shutdown gets a fresh deadline
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Stop(stopCtx)
	case err := <-errCh:
		return fmt.Errorf("metrics server failed: %w", err)
	}
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Stop shuts the HTTP server down. Safe to call more than once.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		if err = s.httpServer.Shutdown(ctx); err != nil {
			err = fmt.Errorf("metrics server shutdown: %w", err)
			return
		}
		logger.Info("Metrics server stopped")
	})
	return err
}

// Port returns the bound port, or the configured one before Start.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

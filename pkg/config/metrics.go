package config

import (
	"github.com/marmos91/rendezvous/pkg/metrics"
	promMetrics "github.com/marmos91/rendezvous/pkg/metrics/prometheus"
)

// MetricsResult bundles what InitializeMetrics builds.
type MetricsResult struct {
	// Server serves /metrics and /status. Nil when metrics are disabled.
	Server *metrics.Server

	// Rendezvous is shared by the registry, the relay engine and sessions.
	Rendezvous metrics.RendezvousMetrics

	// Echo counts echo replies by kind.
	Echo metrics.EchoMetrics
}

// InitializeMetrics returns Prometheus-backed metrics and an HTTP server when
// server.metrics.enabled is set, and no-op metrics with a nil server
// otherwise.
func InitializeMetrics(cfg *Config) *MetricsResult {
	if !cfg.Server.Metrics.Enabled {
		return &MetricsResult{
			Rendezvous: metrics.NewNoopRendezvousMetrics(),
			Echo:       metrics.NewNoopEchoMetrics(),
		}
	}

	metrics.InitRegistry()

	server := metrics.NewServer(metrics.ServerConfig{
		Host: cfg.Server.Metrics.Host,
		Port: cfg.Server.Metrics.Port,
	})

	return &MetricsResult{
		Server:     server,
		Rendezvous: promMetrics.NewRendezvousMetrics(),
		Echo:       promMetrics.NewEchoMetrics(),
	}
}

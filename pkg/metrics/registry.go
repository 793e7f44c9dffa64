// Package metrics defines the instrumentation interfaces of the rendezvous
// server and the HTTP endpoint that exposes them.
//
// Components take a metrics interface and default to a no-op
// implementation, so running without Prometheus costs nothing:
//
//	metrics.InitRegistry()
//	m := prometheus.NewRendezvousMetrics()
//	reg := registry.New(cfg, registry.WithMetrics(m))
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	registry     *prometheus.Registry
	registryOnce sync.Once
)

// InitRegistry creates the process-wide registry with the Go runtime and
// process collectors. Later calls are no-ops.
//
// Until it is called GetRegistry returns nil and the Prometheus constructors
// fall back to no-op metrics.
func InitRegistry() {
	registryOnce.Do(func() {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		registry = reg
	})
}

// GetRegistry returns the process-wide registry, or nil when metrics are off.
func GetRegistry() *prometheus.Registry {
	return registry
}

// IsEnabled reports whether InitRegistry has run.
func IsEnabled() bool {
	return registry != nil
}

package prometheus

import (
	"github.com/marmos91/rendezvous/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// echoMetrics is the Prometheus implementation of metrics.EchoMetrics.
type echoMetrics struct {
	requests *prometheus.CounterVec
}

// NewEchoMetrics creates a Prometheus-backed EchoMetrics.
//
// Returns a no-op implementation if metrics are not enabled (InitRegistry not called).
func NewEchoMetrics() metrics.EchoMetrics {
	if !metrics.IsEnabled() {
		return metrics.NewNoopEchoMetrics()
	}
	return newEchoMetrics(metrics.GetRegistry())
}

func newEchoMetrics(reg prometheus.Registerer) *echoMetrics {
	return &echoMetrics{
		requests: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "rendezvous_echo_requests_total",
				Help: "Total number of answered echo datagrams by kind",
			},
			[]string{"kind"},
		),
	}
}

func (m *echoMetrics) RecordEchoRequest(kind string) {
	m.requests.WithLabelValues(kind).Inc()
}

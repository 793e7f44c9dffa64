package prometheus

import (
	"github.com/marmos91/rendezvous/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// rendezvousMetrics is the Prometheus implementation of
// metrics.RendezvousMetrics.
type rendezvousMetrics struct {
	connectionsAccepted    prometheus.Counter
	connectionsClosed      prometheus.Counter
	connectionsForceClosed prometheus.Counter
	activeConnections      prometheus.Gauge
	framesTotal            *prometheus.CounterVec
	errorsTotal            *prometheus.CounterVec

	registrations         prometheus.Counter
	registrationConflicts prometheus.Counter
	unregistrations       *prometheus.CounterVec
	registeredHosts       prometheus.Gauge

	relaysOpened   prometheus.Counter
	relaysClosed   *prometheus.CounterVec
	relayTimeouts  prometheus.Counter
	relayBytes     *prometheus.CounterVec
	activePairings prometheus.Gauge
}

// NewRendezvousMetrics creates a Prometheus-backed RendezvousMetrics
// registered on the global registry.
//
// Returns a no-op implementation if metrics are not enabled (InitRegistry not called).
func NewRendezvousMetrics() metrics.RendezvousMetrics {
	if !metrics.IsEnabled() {
		return metrics.NewNoopRendezvousMetrics()
	}
	return newRendezvousMetrics(metrics.GetRegistry())
}

func newRendezvousMetrics(reg prometheus.Registerer) *rendezvousMetrics {
	factory := promauto.With(reg)

	return &rendezvousMetrics{
		connectionsAccepted: factory.NewCounter(prometheus.CounterOpts{
			Name: "rendezvous_connections_accepted_total",
			Help: "Total number of control connections accepted",
		}),
		connectionsClosed: factory.NewCounter(prometheus.CounterOpts{
			Name: "rendezvous_connections_closed_total",
			Help: "Total number of control connections closed",
		}),
		connectionsForceClosed: factory.NewCounter(prometheus.CounterOpts{
			Name: "rendezvous_connections_force_closed_total",
			Help: "Total number of connections force-closed on shutdown timeout",
		}),
		activeConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rendezvous_active_connections",
			Help: "Current number of open control connections",
		}),
		framesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rendezvous_frames_total",
				Help: "Total number of protocol frames by opcode and direction",
			},
			[]string{"opcode", "direction"},
		),
		errorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rendezvous_errors_total",
				Help: "Total number of ERROR frames sent by code",
			},
			[]string{"code"},
		),
		registrations: factory.NewCounter(prometheus.CounterOpts{
			Name: "rendezvous_registrations_total",
			Help: "Total number of successful host registrations",
		}),
		registrationConflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "rendezvous_registration_conflicts_total",
			Help: "Total number of registrations that could not find a unique id",
		}),
		unregistrations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rendezvous_unregistrations_total",
				Help: "Total number of removed hosts by reason",
			},
			[]string{"reason"},
		),
		registeredHosts: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rendezvous_registered_hosts",
			Help: "Current number of registered hosts",
		}),
		relaysOpened: factory.NewCounter(prometheus.CounterOpts{
			Name: "rendezvous_relays_opened_total",
			Help: "Total number of relay pairings established",
		}),
		relaysClosed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rendezvous_relays_closed_total",
				Help: "Total number of relay pairings closed by reason",
			},
			[]string{"reason"},
		),
		relayTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "rendezvous_relay_timeouts_total",
			Help: "Total number of relay requests that were never reciprocated",
		}),
		relayBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rendezvous_relay_bytes_total",
				Help: "Total DATA payload bytes forwarded by the relay",
			},
			[]string{"direction"},
		),
		activePairings: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rendezvous_relay_active_pairings",
			Help: "Current number of relay pairings",
		}),
	}
}

func (m *rendezvousMetrics) RecordConnectionAccepted() {
	m.connectionsAccepted.Inc()
}

func (m *rendezvousMetrics) RecordConnectionClosed() {
	m.connectionsClosed.Inc()
}

func (m *rendezvousMetrics) RecordConnectionForceClosed() {
	m.connectionsForceClosed.Inc()
}

func (m *rendezvousMetrics) SetActiveConnections(count int32) {
	m.activeConnections.Set(float64(count))
}

func (m *rendezvousMetrics) RecordFrame(opcode string, direction string) {
	m.framesTotal.WithLabelValues(opcode, direction).Inc()
}

func (m *rendezvousMetrics) RecordError(code string) {
	m.errorsTotal.WithLabelValues(code).Inc()
}

func (m *rendezvousMetrics) RecordRegistration() {
	m.registrations.Inc()
}

func (m *rendezvousMetrics) RecordRegistrationConflict() {
	m.registrationConflicts.Inc()
}

func (m *rendezvousMetrics) RecordUnregistration(reason string) {
	m.unregistrations.WithLabelValues(reason).Inc()
}

func (m *rendezvousMetrics) SetRegisteredHosts(count int) {
	m.registeredHosts.Set(float64(count))
}

func (m *rendezvousMetrics) RecordRelayOpened() {
	m.relaysOpened.Inc()
}

func (m *rendezvousMetrics) RecordRelayClosed(reason string) {
	m.relaysClosed.WithLabelValues(reason).Inc()
}

func (m *rendezvousMetrics) RecordRelayTimeout() {
	m.relayTimeouts.Inc()
}

func (m *rendezvousMetrics) RecordRelayBytes(direction string, bytes int) {
	m.relayBytes.WithLabelValues(direction).Add(float64(bytes))
}

func (m *rendezvousMetrics) SetActivePairings(count int) {
	m.activePairings.Set(float64(count))
}

package metrics

// Label values shared by the rendezvous components.
const (
	DirectionIn  = "in"
	DirectionOut = "out"

	// Unregistration and relay close reasons
	ReasonClosed     = "closed"
	ReasonExpired    = "expired"
	ReasonRequested  = "requested"
	ReasonIdle       = "idle"
	ReasonPeerClosed = "peer_closed"
	ReasonShutdown   = "shutdown"
	ReasonError      = "error"
)

// RegistryMetrics observes the host registry.
type RegistryMetrics interface {
	// RecordRegistration counts a successful REGISTER.
	RecordRegistration()

	// RecordRegistrationConflict counts a REGISTER that exhausted its id
	// generation attempts.
	RecordRegistrationConflict()

	// RecordUnregistration counts a removed host.
	//
	// Parameters:
	//   - reason: ReasonClosed, ReasonExpired or ReasonRequested
	RecordUnregistration(reason string)

	// SetRegisteredHosts updates the live host gauge.
	SetRegisteredHosts(count int)
}

// RelayMetrics observes the relay engine.
type RelayMetrics interface {
	// RecordRelayOpened counts a pairing created by a mutual RELAY.
	RecordRelayOpened()

	// RecordRelayClosed counts a torn down pairing.
	//
	// Parameters:
	//   - reason: ReasonIdle, ReasonPeerClosed, ReasonShutdown, ...
	RecordRelayClosed(reason string)

	// RecordRelayTimeout counts a RELAY intent that was never reciprocated.
	RecordRelayTimeout()

	// RecordRelayBytes counts forwarded DATA payload bytes.
	//
	// Parameters:
	//   - direction: DirectionIn for bytes received from the pairing's
	//     initiator, DirectionOut for bytes sent back to it
	RecordRelayBytes(direction string, bytes int)

	// SetActivePairings updates the live pairing gauge.
	SetActivePairings(count int)
}

// RendezvousMetrics provides observability for the rendezvous adapter.
//
// Implementations must never block: they are called from session read and
// write loops. This interface is optional - if not provided to the adapter,
// a no-op implementation is used with zero overhead.
type RendezvousMetrics interface {
	RegistryMetrics
	RelayMetrics

	// RecordConnectionAccepted increments the accepted connections counter.
	RecordConnectionAccepted()

	// RecordConnectionClosed increments the closed connections counter.
	RecordConnectionClosed()

	// RecordConnectionForceClosed counts connections closed after the
	// graceful shutdown timeout expired.
	RecordConnectionForceClosed()

	// SetActiveConnections updates the current connection count.
	SetActiveConnections(count int32)

	// RecordFrame counts a frame by opcode name and direction.
	RecordFrame(opcode string, direction string)

	// RecordError counts an ERROR frame sent to a client, by code name.
	RecordError(code string)
}

// EchoMetrics observes the UDP echo service.
type EchoMetrics interface {
	// RecordEchoRequest counts an answered datagram.
	//
	// Parameters:
	//   - kind: "stun" for Binding Requests, "text" for anything else
	RecordEchoRequest(kind string)
}

// NewNoopRendezvousMetrics returns a RendezvousMetrics that discards
// everything.
func NewNoopRendezvousMetrics() RendezvousMetrics {
	return noopRendezvousMetrics{}
}

// NewNoopEchoMetrics returns an EchoMetrics that discards everything.
func NewNoopEchoMetrics() EchoMetrics {
	return noopRendezvousMetrics{}
}

type noopRendezvousMetrics struct{}

func (noopRendezvousMetrics) RecordRegistration()                          {}
func (noopRendezvousMetrics) RecordRegistrationConflict()                  {}
func (noopRendezvousMetrics) RecordUnregistration(reason string)           {}
func (noopRendezvousMetrics) SetRegisteredHosts(count int)                 {}
func (noopRendezvousMetrics) RecordRelayOpened()                           {}
func (noopRendezvousMetrics) RecordRelayClosed(reason string)              {}
func (noopRendezvousMetrics) RecordRelayTimeout()                          {}
func (noopRendezvousMetrics) RecordRelayBytes(direction string, bytes int) {}
func (noopRendezvousMetrics) SetActivePairings(count int)                  {}
func (noopRendezvousMetrics) RecordConnectionAccepted()                    {}
func (noopRendezvousMetrics) RecordConnectionClosed()                      {}
func (noopRendezvousMetrics) RecordConnectionForceClosed()                 {}
func (noopRendezvousMetrics) SetActiveConnections(count int32)             {}
func (noopRendezvousMetrics) RecordFrame(opcode string, direction string)  {}
func (noopRendezvousMetrics) RecordError(code string)                      {}
func (noopRendezvousMetrics) RecordEchoRequest(kind string)                {}

package relay

import (
	"errors"

	"github.com/marmos91/rendezvous/pkg/metrics"
)

var (
	// ErrDisabled is returned by Request when relaying is turned off.
	ErrDisabled = errors.New("relay disabled")

	// ErrInvalidTarget is returned when an endpoint asks to relay to itself.
	ErrInvalidTarget = errors.New("cannot relay to self")

	// ErrTargetBusy is returned when either endpoint is already paired or
	// the pairing cap is reached.
	ErrTargetBusy = errors.New("relay target busy")

	// ErrIdle closes pairings that carried no DATA for IdleTimeout.
	ErrIdle = errors.New("relay idle")

	// ErrPeerClosed closes the surviving side of a pairing.
	ErrPeerClosed = errors.New("relay peer closed")

	// ErrShutdown closes pairings when the engine shuts down.
	ErrShutdown = errors.New("relay shut down")

	// ErrPairingClosed is returned by Forward once the pairing is closed.
	ErrPairingClosed = errors.New("pairing closed")

	// ErrNotMember is returned by Forward for an endpoint outside the pairing.
	ErrNotMember = errors.New("endpoint is not part of this pairing")
)

// reasonLabel maps a close reason to its metrics label.
func reasonLabel(reason error) string {
	switch {
	case errors.Is(reason, ErrIdle):
		return metrics.ReasonIdle
	case errors.Is(reason, ErrPeerClosed):
		return metrics.ReasonPeerClosed
	case errors.Is(reason, ErrShutdown):
		return metrics.ReasonShutdown
	case reason == nil:
		return metrics.ReasonClosed
	default:
		return metrics.ReasonError
	}
}

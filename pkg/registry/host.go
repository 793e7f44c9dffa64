package registry

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Owner is the session that registered a host. The registry closes it when
// the host expires.
type Owner interface {
	Close(reason error)
}

// Host is a registered client identity.
//
// Identifiers, the observed endpoint and the owner are fixed at registration.
// LastSeen and LocalAddress change while the host is live and are safe to
// read from any goroutine.
type Host struct {
	// PublicID is announced to peers the host connects to.
	PublicID string

	// LocalID is what other clients put in CONNECT and RELAY requests.
	LocalID string

	// Address and Port are the public endpoint observed on the control
	// connection.
	Address string
	Port    uint16

	Owner        Owner
	RegisteredAt time.Time

	lastSeen     atomic.Int64
	localAddress atomic.Pointer[string]
}

// LastSeen returns the time of the most recent Touch.
func (h *Host) LastSeen() time.Time {
	return time.Unix(0, h.lastSeen.Load())
}

// LocalAddress returns the self-reported local endpoint, or "".
func (h *Host) LocalAddress() string {
	if p := h.localAddress.Load(); p != nil {
		return *p
	}
	return ""
}

// SetLocalAddress records the host's self-reported local endpoint
// ("ip:port"). It is forwarded to peers as a secondary candidate.
func (h *Host) SetLocalAddress(addr string) {
	h.localAddress.Store(&addr)
}

// Endpoint returns the observed public endpoint as "ip:port".
func (h *Host) Endpoint() string {
	return fmt.Sprintf("%s:%d", h.Address, h.Port)
}

func (h *Host) String() string {
	return fmt.Sprintf("%s/%s@%s", h.PublicID, h.LocalID, h.Endpoint())
}

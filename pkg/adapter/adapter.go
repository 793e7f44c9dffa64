package adapter

import (
	"context"

	"github.com/marmos91/rendezvous/pkg/registry"
)

// Adapter is a network-facing service run by the server: the TCP rendezvous
// protocol or the UDP echo responder.
//
// Lifecycle: the server calls SetRegistry once, then Serve, and Stop on
// shutdown. Stop may run concurrently with Serve and more than once.
type Adapter interface {
	// Serve binds the listener(s) and blocks until ctx is cancelled or the
	// adapter fails. On cancellation it closes its sessions, bounded by its
	// shutdown timeout, and returns nil or context.Canceled.
	//
	// Returning before ctx is cancelled is treated as fatal: the server stops
	// every other adapter.
	Serve(ctx context.Context) error

	// SetRegistry injects the shared host registry before Serve. Adapters
	// that do not identify clients ignore it.
	SetRegistry(reg *registry.Registry)

	// Stop shuts the adapter down within ctx's deadline. Idempotent.
	Stop(ctx context.Context) error

	// Listening is closed once Serve has bound its listener(s). From then on
	// Port reports the bound port even when the configured port was 0.
	Listening() <-chan struct{}

	// Protocol names the adapter in logs and metrics, e.g. "Rendezvous".
	Protocol() string

	// Port returns the bound port, or the configured one before Serve.
	Port() int
}

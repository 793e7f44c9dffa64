package echo

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/marmos91/rendezvous/internal/logger"
	"github.com/marmos91/rendezvous/pkg/metrics"
	"github.com/marmos91/rendezvous/pkg/registry"
	"github.com/pion/stun"
	"go.uber.org/multierr"
)

// Request kinds reported to metrics.
const (
	KindSTUN = "stun"
	KindText = "text"
)

// Adapter answers UDP datagrams with the sender's observed address.
//
// Clients use it before registering to learn how their NAT maps outgoing
// traffic. A STUN Binding Request gets a Binding Success response with
// XOR-MAPPED-ADDRESS; any other datagram gets "ip:port" as plain text.
// Other STUN message types are ignored.
//
// The adapter is stateless: it never touches the host registry.
type Adapter struct {
	config  Config
	metrics metrics.EchoMetrics

	mu    sync.Mutex
	conns []net.PacketConn
	ports []int

	wg           sync.WaitGroup
	shutdownOnce sync.Once
	shutdown     chan struct{}
	listening    chan struct{}
}

// New creates an echo adapter. m may be nil for no metrics.
//
// Panics if config validation fails.
func New(config Config, m metrics.EchoMetrics) *Adapter {
	config.applyDefaults()

	if err := config.validate(); err != nil {
		panic(fmt.Sprintf("invalid echo config: %v", err))
	}
	if m == nil {
		m = metrics.NewNoopEchoMetrics()
	}

	return &Adapter{
		config:    config,
		metrics:   m,
		shutdown:  make(chan struct{}),
		listening: make(chan struct{}),
	}
}

// SetRegistry is a no-op: echo replies depend only on the datagram source.
func (a *Adapter) SetRegistry(*registry.Registry) {}

// Serve binds every configured port and answers datagrams until ctx is
// cancelled or Stop is called.
func (a *Adapter) Serve(ctx context.Context) error {
	conns := make([]net.PacketConn, 0, len(a.config.Ports))
	ports := make([]int, 0, len(a.config.Ports))

	for _, port := range a.config.Ports {
		addr := net.JoinHostPort(a.config.Host, strconv.Itoa(port))
		conn, err := net.ListenPacket("udp", addr)
		if err != nil {
			for _, c := range conns {
				_ = c.Close()
			}
			return fmt.Errorf("failed to create echo listener on %s: %w", addr, err)
		}
		conns = append(conns, conn)
		ports = append(ports, conn.LocalAddr().(*net.UDPAddr).Port)
	}

	a.mu.Lock()
	a.conns = conns
	a.ports = ports
	a.mu.Unlock()
	close(a.listening)

	logger.Info("Echo server listening on UDP port(s) %v", ports)

	for _, conn := range conns {
		a.wg.Add(1)
		go a.serveConn(conn)
	}

	select {
	case <-ctx.Done():
		logger.Info("Echo shutdown signal received: %v", ctx.Err())
	case <-a.shutdown:
	}

	err := a.closeConns()
	a.wg.Wait()
	logger.Info("Echo server stopped")
	return err
}

func (a *Adapter) serveConn(conn net.PacketConn) {
	defer a.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Panic in echo handler on %s: %v", conn.LocalAddr(), r)
		}
	}()

	buf := make([]byte, a.config.ReadBufferSize)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Debug("Echo read on %s failed: %v", conn.LocalAddr(), err)
			continue
		}

		udpAddr, ok := addr.(*net.UDPAddr)
		if !ok {
			continue
		}

		reply, kind := respond(buf[:n], udpAddr)
		if reply == nil {
			continue
		}
		if _, err := conn.WriteTo(reply, addr); err != nil {
			logger.Debug("Echo reply to %s failed: %v", addr, err)
			continue
		}
		a.metrics.RecordEchoRequest(kind)
	}
}

// respond builds the reply for one datagram. A nil reply means the datagram
// is dropped.
func respond(datagram []byte, from *net.UDPAddr) ([]byte, string) {
	if !stun.IsMessage(datagram) {
		return []byte(net.JoinHostPort(from.IP.String(), strconv.Itoa(from.Port))), KindText
	}

	req := &stun.Message{Raw: append([]byte(nil), datagram...)}
	if err := req.Decode(); err != nil {
		logger.Debug("Malformed STUN message from %s: %v", from, err)
		return nil, ""
	}
	if req.Type != stun.BindingRequest {
		logger.Debug("Ignoring STUN %s from %s", req.Type, from)
		return nil, ""
	}

	resp, err := stun.Build(
		stun.NewTransactionIDSetter(req.TransactionID),
		stun.BindingSuccess,
		&stun.XORMappedAddress{IP: from.IP, Port: from.Port},
		stun.NewSoftware("rendezvous"),
		stun.Fingerprint,
	)
	if err != nil {
		logger.Warn("Failed to build STUN response for %s: %v", from, err)
		return nil, ""
	}
	return resp.Raw, KindSTUN
}

func (a *Adapter) closeConns() error {
	a.mu.Lock()
	conns := a.conns
	a.conns = nil
	a.mu.Unlock()

	var err error
	for _, conn := range conns {
		if cerr := conn.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = multierr.Append(err, cerr)
		}
	}
	return err
}

// Stop closes the sockets and waits for handlers to return or ctx to end.
// Safe to call multiple times.
func (a *Adapter) Stop(ctx context.Context) error {
	a.shutdownOnce.Do(func() { close(a.shutdown) })
	err := a.closeConns()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return err
	case <-ctx.Done():
		return multierr.Append(err, ctx.Err())
	}
}

// Listening is closed once every port is bound.
func (a *Adapter) Listening() <-chan struct{} {
	return a.listening
}

// Ports returns the bound UDP ports, or nil before Serve.
func (a *Adapter) Ports() []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]int(nil), a.ports...)
}

// Port returns the first bound port, or the first configured one before
// Serve.
func (a *Adapter) Port() int {
	if ports := a.Ports(); len(ports) > 0 {
		return ports[0]
	}
	return a.config.Ports[0]
}

// Protocol returns "Echo" as the protocol identifier.
func (a *Adapter) Protocol() string {
	return "Echo"
}

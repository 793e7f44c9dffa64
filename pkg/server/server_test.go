package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/marmos91/rendezvous/internal/protocol/wire"
	"github.com/marmos91/rendezvous/pkg/adapter/echo"
	"github.com/marmos91/rendezvous/pkg/adapter/rendezvous"
	"github.com/marmos91/rendezvous/pkg/metrics"
	"github.com/marmos91/rendezvous/pkg/registry"
	"github.com/marmos91/rendezvous/pkg/relay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAdapter blocks in Serve until ctx or Stop, or fails with serveErr.
type fakeAdapter struct {
	protocol  string
	serveErr  error
	stopErr   error
	registry  *registry.Registry
	listening chan struct{}
	stopped   chan struct{}
	stops     atomic.Int32
}

func newFake(protocol string) *fakeAdapter {
	return &fakeAdapter{protocol: protocol, listening: make(chan struct{}), stopped: make(chan struct{})}
}

func (f *fakeAdapter) Serve(ctx context.Context) error {
	close(f.listening)
	if f.serveErr != nil {
		return f.serveErr
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-f.stopped:
		return nil
	}
}

func (f *fakeAdapter) SetRegistry(reg *registry.Registry) { f.registry = reg }

func (f *fakeAdapter) Stop(ctx context.Context) error {
	if f.stops.Add(1) == 1 {
		close(f.stopped)
	}
	return f.stopErr
}

func (f *fakeAdapter) Listening() <-chan struct{} { return f.listening }
func (f *fakeAdapter) Protocol() string           { return f.protocol }
func (f *fakeAdapter) Port() int                  { return 0 }

func TestAddAdapter_InjectsRegistry(t *testing.T) {
	reg := registry.New(registry.Config{})
	srv := New(reg)

	a := newFake("A")
	require.NoError(t, srv.AddAdapter(a))
	assert.Same(t, reg, a.registry)
	assert.Len(t, srv.Adapters(), 1)
}

func TestAddAdapter_DuplicateProtocol(t *testing.T) {
	srv := New(registry.New(registry.Config{}))
	require.NoError(t, srv.AddAdapter(newFake("A")))
	assert.Error(t, srv.AddAdapter(newFake("A")))
}

func TestNew_NilRegistryPanics(t *testing.T) {
	assert.Panics(t, func() { New(nil) })
}

func TestServe_NoAdapters(t *testing.T) {
	srv := New(registry.New(registry.Config{}))
	assert.Error(t, srv.Serve(context.Background()))
}

func TestServe_ContextCancel(t *testing.T) {
	srv := New(registry.New(registry.Config{}))
	a, b := newFake("A"), newFake("B")
	require.NoError(t, srv.AddAdapter(a))
	require.NoError(t, srv.AddAdapter(b))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	<-a.Listening()
	<-b.Listening()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return")
	}
	assert.Equal(t, int32(1), a.stops.Load())
	assert.Equal(t, int32(1), b.stops.Load())

	assert.ErrorIs(t, srv.Serve(context.Background()), ErrAlreadyServed)
	assert.Panics(t, func() { _ = srv.AddAdapter(newFake("C")) })
}

func TestServe_AdapterFailureStopsOthers(t *testing.T) {
	srv := New(registry.New(registry.Config{}))
	healthy := newFake("Healthy")
	broken := newFake("Broken")
	broken.serveErr = errors.New("bind failed")
	healthy.stopErr = errors.New("stuck")

	require.NoError(t, srv.AddAdapter(healthy))
	require.NoError(t, srv.AddAdapter(broken))

	err := srv.Serve(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, broken.serveErr)
	assert.ErrorIs(t, err, healthy.stopErr)
	assert.Equal(t, int32(1), healthy.stops.Load())
}

func TestServe_StatusEndpoint(t *testing.T) {
	ms := metrics.NewServer(metrics.ServerConfig{Host: "127.0.0.1"})
	srv := New(registry.New(registry.Config{}), WithMetricsServer(ms))
	require.NoError(t, srv.AddAdapter(newFake("A")))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	select {
	case <-ms.Ready():
	case <-time.After(3 * time.Second):
		t.Fatal("metrics server did not start")
	}

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/status", ms.Port()))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status metrics.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Zero(t, status.Hosts)
	assert.Equal(t, map[string]int{"A": 0}, status.Adapters)

	cancel()
	select {
	case <-done:
	case <-time.After(8 * time.Second):
		t.Fatal("Serve did not return")
	}
}

// TestServe_Integration runs both real adapters behind one server.
func TestServe_Integration(t *testing.T) {
	reg := registry.New(registry.Config{ExpiryTimeout: time.Minute})
	srv := New(reg, WithStopTimeout(5*time.Second))

	rv := rendezvous.New(rendezvous.Config{Host: "127.0.0.1"}, relay.New(relay.Config{Enabled: true}), nil)
	ec := echo.New(echo.Config{Host: "127.0.0.1", Ports: []int{0}}, nil)
	require.NoError(t, srv.AddAdapter(rv))
	require.NoError(t, srv.AddAdapter(ec))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	<-rv.Listening()
	<-ec.Listening()

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(rv.Port())))
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, wire.WriteFrame(conn, wire.OpRegister, nil))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	frame, err := wire.ReadFrame(conn, 0)
	require.NoError(t, err)
	require.Equal(t, wire.OpRegistered, frame.Opcode)
	assert.Equal(t, 1, srv.Registry().Count())

	udp, err := net.Dial("udp", net.JoinHostPort("127.0.0.1", strconv.Itoa(ec.Port())))
	require.NoError(t, err)
	defer udp.Close()
	_, err = udp.Write([]byte("?"))
	require.NoError(t, err)
	buf := make([]byte, 64)
	require.NoError(t, udp.SetReadDeadline(time.Now().Add(3*time.Second)))
	n, err := udp.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, udp.LocalAddr().String(), string(buf[:n]))

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
	assert.Equal(t, 0, reg.Count())
}

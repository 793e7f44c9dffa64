package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServer_ServesMetrics(t *testing.T) {
	InitRegistry()
	require.True(t, IsEnabled())

	srv := NewServer(ServerConfig{Host: "127.0.0.1", Port: 0})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()

	select {
	case <-srv.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("metrics server did not start")
	}
	require.NotZero(t, srv.Port())

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/metrics", srv.Port()))
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "go_goroutines")

	resp, err = http.Get(fmt.Sprintf("http://127.0.0.1:%d/nope", srv.Port()))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(6 * time.Second):
		t.Fatal("metrics server did not stop")
	}

	// Second stop is a no-op
	assert.NoError(t, srv.Stop(context.Background()))
}

func TestServer_Status(t *testing.T) {
	srv := NewServer(ServerConfig{Host: "127.0.0.1", Port: 0})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.Start(ctx) }()
	<-srv.Ready()

	url := fmt.Sprintf("http://127.0.0.1:%d/status", srv.Port())

	resp, err := http.Get(url)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	srv.SetStatusSource(func() Status {
		return Status{Hosts: 2, Adapters: map[string]int{"Rendezvous": 8890}}
	})

	resp, err = http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var status Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, 2, status.Hosts)
	assert.Equal(t, 8890, status.Adapters["Rendezvous"])
}

func TestNoopMetrics(t *testing.T) {
	m := NewNoopRendezvousMetrics()
	assert.NotPanics(t, func() {
		m.RecordConnectionAccepted()
		m.RecordFrame("DATA", DirectionIn)
		m.RecordUnregistration(ReasonExpired)
		m.SetActivePairings(3)
	})
}

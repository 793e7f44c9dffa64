package registry

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOwner struct {
	mu      sync.Mutex
	reasons []error
}

func (o *fakeOwner) Close(reason error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reasons = append(o.reasons, reason)
}

func (o *fakeOwner) closedWith() []error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]error(nil), o.reasons...)
}

// sequence returns an IDSource yielding ids in order, then "Exhausted".
func sequence(ids ...string) IDSource {
	var mu sync.Mutex
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		if len(ids) == 0 {
			return "Exhausted"
		}
		id := ids[0]
		ids = ids[1:]
		return id
	}
}

func TestRegister_AssignsDistinctIDs(t *testing.T) {
	r := New(Config{})

	host, err := r.Register(&fakeOwner{}, "203.0.113.7", 40000)
	require.NoError(t, err)

	assert.NotEmpty(t, host.PublicID)
	assert.NotEmpty(t, host.LocalID)
	assert.NotEqual(t, host.PublicID, host.LocalID)
	assert.Equal(t, "203.0.113.7:40000", host.Endpoint())
	assert.Equal(t, 1, r.Count())

	got, err := r.ResolveByLocalID(host.LocalID)
	require.NoError(t, err)
	assert.Same(t, host, got)

	got, err = r.ResolveByPublicID(host.PublicID)
	require.NoError(t, err)
	assert.Same(t, host, got)
}

func TestRegister_RetriesCollisions(t *testing.T) {
	r := New(Config{MaxAttempts: 5}, WithIDSource(sequence(
		"Alpha", "Beta", // first host
		"Alpha", "Gamma", // public id taken
		"Delta", "Delta", // public == local
		"Gamma", "Beta", // local id taken by the first host's local id
		"Gamma", "Alpha", // local id taken by the first host's public id
		"Gamma", "Epsilon", // fifth attempt succeeds
	)))

	first, err := r.Register(&fakeOwner{}, "10.0.0.1", 1)
	require.NoError(t, err)
	assert.Equal(t, "Alpha", first.PublicID)

	second, err := r.Register(&fakeOwner{}, "10.0.0.2", 2)
	require.NoError(t, err)
	assert.Equal(t, "Gamma", second.PublicID)
	assert.Equal(t, "Epsilon", second.LocalID)
}

func TestRegister_Conflict(t *testing.T) {
	r := New(Config{MaxAttempts: 3}, WithIDSource(func() string { return "Same" }))

	_, err := r.Register(&fakeOwner{}, "10.0.0.1", 1)
	assert.ErrorIs(t, err, ErrRegistrationConflict)
	assert.Zero(t, r.Count())
}

func TestResolve_NotFound(t *testing.T) {
	r := New(Config{})

	_, err := r.ResolveByLocalID("Nobody")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.ResolveByPublicID("Nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUnregister_Idempotent(t *testing.T) {
	r := New(Config{})
	host, err := r.Register(&fakeOwner{}, "10.0.0.1", 1)
	require.NoError(t, err)

	assert.True(t, r.Unregister(host))
	assert.False(t, r.Unregister(host))
	assert.False(t, r.Unregister(nil))

	_, err = r.ResolveByLocalID(host.LocalID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, r.Count())
}

func TestUnregister_FreesIDsForReuse(t *testing.T) {
	r := New(Config{}, WithIDSource(sequence("Alpha", "Beta", "Alpha", "Beta")))

	first, err := r.Register(&fakeOwner{}, "10.0.0.1", 1)
	require.NoError(t, err)
	require.True(t, r.Unregister(first))

	second, err := r.Register(&fakeOwner{}, "10.0.0.2", 2)
	require.NoError(t, err)
	assert.Equal(t, "Alpha", second.PublicID)

	// The stale handle must not evict the new owner of the same ids
	assert.False(t, r.Unregister(first))
	assert.Equal(t, 1, r.Count())
}

func TestSweep_ExpiresIdleHosts(t *testing.T) {
	mock := clock.NewMock()
	r := New(Config{ExpiryTimeout: time.Minute}, WithClock(mock))

	staleOwner, freshOwner := &fakeOwner{}, &fakeOwner{}
	stale, err := r.Register(staleOwner, "10.0.0.1", 1)
	require.NoError(t, err)
	fresh, err := r.Register(freshOwner, "10.0.0.2", 2)
	require.NoError(t, err)

	mock.Add(45 * time.Second)
	r.Touch(fresh)
	mock.Add(30 * time.Second)

	expired := r.Sweep(mock.Now())
	require.Len(t, expired, 1)
	assert.Same(t, stale, expired[0])

	assert.Equal(t, []error{ErrExpired}, staleOwner.closedWith())
	assert.Empty(t, freshOwner.closedWith())
	assert.Equal(t, 1, r.Count())

	// A session closing after expiry finds nothing left to remove
	assert.False(t, r.Unregister(stale))
}

func TestSweep_Disabled(t *testing.T) {
	mock := clock.NewMock()
	r := New(Config{}, WithClock(mock))
	_, err := r.Register(&fakeOwner{}, "10.0.0.1", 1)
	require.NoError(t, err)

	mock.Add(24 * time.Hour)
	assert.Empty(t, r.Sweep(mock.Now()))
	assert.Equal(t, 1, r.Count())
}

func TestRun_SweepsOnTicker(t *testing.T) {
	mock := clock.NewMock()
	r := New(Config{ExpiryTimeout: time.Minute, SweepInterval: 10 * time.Second}, WithClock(mock))

	owner := &fakeOwner{}
	_, err := r.Register(owner, "10.0.0.1", 1)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		mock.Add(10 * time.Second)
		return r.Count() == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []error{ErrExpired}, owner.closedWith())

	cancel()
	require.NoError(t, <-done)
}

// Owners may call back into the registry from Close.
func TestSweep_OwnerReentry(t *testing.T) {
	mock := clock.NewMock()
	r := New(Config{ExpiryTimeout: time.Second}, WithClock(mock))

	var host *Host
	owner := &reentrantOwner{registry: r, host: &host}
	var err error
	host, err = r.Register(owner, "10.0.0.1", 1)
	require.NoError(t, err)

	mock.Add(2 * time.Second)
	done := make(chan struct{})
	go func() {
		r.Sweep(mock.Now())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweep deadlocked on owner re-entry")
	}
	assert.False(t, owner.removed)
}

type reentrantOwner struct {
	registry *Registry
	host     **Host
	removed  bool
}

func (o *reentrantOwner) Close(reason error) {
	o.removed = o.registry.Unregister(*o.host)
	_ = o.registry.Count()
}

func TestHost_LocalAddress(t *testing.T) {
	r := New(Config{})
	host, err := r.Register(&fakeOwner{}, "10.0.0.1", 1)
	require.NoError(t, err)

	assert.Empty(t, host.LocalAddress())
	host.SetLocalAddress("192.168.1.20:5000")
	assert.Equal(t, "192.168.1.20:5000", host.LocalAddress())
}

func TestRegister_ConcurrentUniqueness(t *testing.T) {
	r := New(Config{WordCount: 1, MaxAttempts: 50})

	const workers = 40
	var wg sync.WaitGroup
	hosts := make(chan *Host, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			host, err := r.Register(&fakeOwner{}, fmt.Sprintf("10.0.0.%d", i), uint16(i))
			if err == nil {
				hosts <- host
			}
		}(i)
	}
	wg.Wait()
	close(hosts)

	ids := make(map[string]bool)
	for host := range hosts {
		assert.False(t, ids[host.PublicID], "duplicate id %s", host.PublicID)
		ids[host.PublicID] = true
		assert.False(t, ids[host.LocalID], "duplicate id %s", host.LocalID)
		ids[host.LocalID] = true
	}
	assert.Equal(t, r.Count(), len(ids)/2)
	assert.Len(t, r.Hosts(), r.Count())
}

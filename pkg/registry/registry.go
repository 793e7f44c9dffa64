// Package registry keeps the set of live hosts: registered client identities
// indexed by public and local identifier.
//
// The registry only holds its mutex for map operations. Owners of expired
// hosts are closed after the lock is released, so a session's close path can
// call back into the registry without deadlocking.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/marmos91/rendezvous/internal/logger"
	"github.com/marmos91/rendezvous/internal/wordid"
	"github.com/marmos91/rendezvous/pkg/metrics"
)

var (
	// ErrNotFound is returned when no live host has the requested id.
	ErrNotFound = errors.New("host not found")

	// ErrRegistrationConflict is returned when no unique identifier pair
	// could be generated within MaxAttempts.
	ErrRegistrationConflict = errors.New("registration conflict")

	// ErrExpired is the close reason given to owners of expired hosts.
	ErrExpired = errors.New("host expired")
)

// IDSource generates one candidate identifier.
type IDSource func() string

// Config tunes identifier generation and expiry.
type Config struct {
	// WordCount is the number of dictionary words per identifier.
	WordCount int `mapstructure:"word_count" validate:"min=1,max=8"`

	// MaxAttempts bounds id generation retries per registration.
	MaxAttempts int `mapstructure:"max_attempts" validate:"min=1"`

	// ExpiryTimeout removes hosts not seen for this long. 0 disables expiry.
	ExpiryTimeout time.Duration `mapstructure:"expiry_timeout" validate:"min=0"`

	// SweepInterval is how often Run checks for expired hosts.
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"min=0"`
}

// ApplyDefaults fills zero values with defaults.
func (c *Config) ApplyDefaults() {
	if c.WordCount <= 0 {
		c.WordCount = wordid.DefaultWordCount
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
}

// Option customizes a Registry.
type Option func(*Registry)

// WithClock replaces the wall clock. Tests use clock.NewMock().
func WithClock(c clock.Clock) Option {
	return func(r *Registry) { r.clock = c }
}

// WithIDSource replaces the word identifier generator.
func WithIDSource(src IDSource) Option {
	return func(r *Registry) { r.newID = src }
}

// WithMetrics reports registrations and the live host count.
func WithMetrics(m metrics.RegistryMetrics) Option {
	return func(r *Registry) {
		if m != nil {
			r.metrics = m
		}
	}
}

// Registry is the live host table.
//
// Invariant: at most one host per PublicID and per LocalID, and a host is
// present in both indexes or in neither.
type Registry struct {
	mu       sync.RWMutex
	byPublic map[string]*Host
	byLocal  map[string]*Host

	config  Config
	newID   IDSource
	clock   clock.Clock
	metrics metrics.RegistryMetrics
}

// New creates an empty registry.
func New(config Config, opts ...Option) *Registry {
	config.ApplyDefaults()

	r := &Registry{
		byPublic: make(map[string]*Host),
		byLocal:  make(map[string]*Host),
		config:   config,
		newID:    wordid.NewGenerator(config.WordCount).New,
		clock:    clock.New(),
		metrics:  metrics.NewNoopRendezvousMetrics(),
	}
	for _, opt := range opts {
		opt(r)
	}

	logger.Debug("Host registry: %d words per id from a %d word dictionary, expiry %v",
		config.WordCount, wordid.Words(), config.ExpiryTimeout)
	return r
}

// Register creates a host for owner with a fresh PublicID/LocalID pair.
//
// Both ids are unique against live hosts and differ from each other.
// Returns ErrRegistrationConflict after MaxAttempts failed draws.
func (r *Registry) Register(owner Owner, address string, port uint16) (*Host, error) {
	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		publicID, localID := r.newID(), r.newID()
		if publicID == "" || localID == "" || publicID == localID {
			continue
		}

		now := r.clock.Now()
		host := &Host{
			PublicID:     publicID,
			LocalID:      localID,
			Address:      address,
			Port:         port,
			Owner:        owner,
			RegisteredAt: now,
		}
		host.lastSeen.Store(now.UnixNano())

		if count, ok := r.insert(host); ok {
			r.metrics.RecordRegistration()
			r.metrics.SetRegisteredHosts(count)
			logger.Debug("Registered host %s (attempt %d)", host, attempt)
			return host, nil
		}
	}

	r.metrics.RecordRegistrationConflict()
	return nil, fmt.Errorf("%w: no unique id after %d attempts", ErrRegistrationConflict, r.config.MaxAttempts)
}

// insert adds host when neither of its ids is taken. Both indexes are
// checked against both ids so a PublicID can never shadow a LocalID.
func (r *Registry) insert(host *Host) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range []string{host.PublicID, host.LocalID} {
		if _, taken := r.byPublic[id]; taken {
			return 0, false
		}
		if _, taken := r.byLocal[id]; taken {
			return 0, false
		}
	}

	r.byPublic[host.PublicID] = host
	r.byLocal[host.LocalID] = host
	return len(r.byPublic), true
}

// ResolveByLocalID finds the live host with the given LocalID.
func (r *Registry) ResolveByLocalID(localID string) (*Host, error) {
	r.mu.RLock()
	host, ok := r.byLocal[localID]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: local id %q", ErrNotFound, localID)
	}
	return host, nil
}

// ResolveByPublicID finds the live host with the given PublicID.
func (r *Registry) ResolveByPublicID(publicID string) (*Host, error) {
	r.mu.RLock()
	host, ok := r.byPublic[publicID]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: public id %q", ErrNotFound, publicID)
	}
	return host, nil
}

// Touch marks the host as seen now.
func (r *Registry) Touch(host *Host) {
	host.lastSeen.Store(r.clock.Now().UnixNano())
}

// Unregister removes host after its session closed. It is idempotent and
// reports whether this call removed the host.
func (r *Registry) Unregister(host *Host) bool {
	return r.Remove(host, metrics.ReasonClosed)
}

// Remove is Unregister with an explicit reason for metrics.
func (r *Registry) Remove(host *Host, reason string) bool {
	if host == nil {
		return false
	}

	r.mu.Lock()
	removed := r.removeLocked(host)
	count := len(r.byPublic)
	r.mu.Unlock()

	if removed {
		r.metrics.RecordUnregistration(reason)
		r.metrics.SetRegisteredHosts(count)
		logger.Debug("Unregistered host %s (%s)", host, reason)
	}
	return removed
}

// removeLocked deletes host if it is still the live entry for its ids.
// Caller holds r.mu.
func (r *Registry) removeLocked(host *Host) bool {
	if r.byPublic[host.PublicID] != host {
		return false
	}
	delete(r.byPublic, host.PublicID)
	delete(r.byLocal, host.LocalID)
	return true
}

// Sweep removes hosts whose LastSeen is older than ExpiryTimeout at now and
// closes their owners with ErrExpired. Returns the removed hosts.
func (r *Registry) Sweep(now time.Time) []*Host {
	if r.config.ExpiryTimeout <= 0 {
		return nil
	}
	cutoff := now.Add(-r.config.ExpiryTimeout).UnixNano()

	var expired []*Host
	r.mu.Lock()
	for _, host := range r.byPublic {
		if host.lastSeen.Load() < cutoff {
			expired = append(expired, host)
		}
	}
	for _, host := range expired {
		r.removeLocked(host)
	}
	count := len(r.byPublic)
	r.mu.Unlock()

	if len(expired) == 0 {
		return nil
	}

	r.metrics.SetRegisteredHosts(count)
	for _, host := range expired {
		r.metrics.RecordUnregistration(metrics.ReasonExpired)
		logger.Info("Host %s expired (last seen %v ago)", host, now.Sub(host.LastSeen()).Truncate(time.Second))
		if host.Owner != nil {
			host.Owner.Close(ErrExpired)
		}
	}
	return expired
}

// Run sweeps expired hosts every SweepInterval until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) error {
	if r.config.ExpiryTimeout <= 0 {
		logger.Debug("Host expiry disabled")
		<-ctx.Done()
		return nil
	}

	ticker := r.clock.Ticker(r.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Sweep(r.clock.Now())
		}
	}
}

// Count returns the number of live hosts.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byPublic)
}

// Hosts returns a snapshot of the live hosts.
func (r *Registry) Hosts() []*Host {
	r.mu.RLock()
	defer r.mu.RUnlock()

	hosts := make([]*Host, 0, len(r.byPublic))
	for _, host := range r.byPublic {
		hosts = append(hosts, host)
	}
	return hosts
}

package relay

import (
	"time"

	"github.com/marmos91/rendezvous/internal/bytesize"
)

// Config controls relaying between paired hosts.
type Config struct {
	// Enabled turns RELAY handling on. When off, RELAY requests are
	// answered with RelayDisabled.
	Enabled bool `mapstructure:"enabled"`

	// RequestTimeout is how long an unreciprocated RELAY waits before the
	// requester gets RelayTimeout.
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"min=0"`

	// IdleTimeout closes pairings with no DATA in either direction for this
	// long. 0 disables the idle sweep.
	IdleTimeout time.Duration `mapstructure:"idle_timeout" validate:"min=0"`

	// MaxInFlight is the pairing's byte credit: how much forwarded data may
	// sit in the destinations' send queues. Each direction gets half before
	// its source is paused.
	MaxInFlight bytesize.Size `mapstructure:"max_in_flight" validate:"min=0"`

	// MaxPairings caps concurrent pairings. 0 means unlimited.
	MaxPairings int `mapstructure:"max_pairings" validate:"min=0"`

	// PairingBandwidth limits each pairing to this many bytes per second
	// per direction. 0 means unlimited.
	PairingBandwidth bytesize.Size `mapstructure:"pairing_bandwidth" validate:"min=0"`

	// GlobalBandwidth limits all relayed traffic to this many bytes per
	// second. 0 means unlimited.
	GlobalBandwidth bytesize.Size `mapstructure:"global_bandwidth" validate:"min=0"`

	// ImplicitOnConnect makes a CONNECT also arm a relay intent towards the
	// target. The intent expires silently if the target never relays back.
	ImplicitOnConnect bool `mapstructure:"implicit_on_connect"`
}

// ApplyDefaults fills zero values with defaults.
//
// Enabled and ImplicitOnConnect are left alone: the config layer sets
// their defaults before decoding.
func (c *Config) ApplyDefaults() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 256 * bytesize.KiB
	}
}

package echo

import "fmt"

// Config holds configuration for the UDP echo responder.
//
// Default values (applied by New if zero):
//   - ReadBufferSize: 1500 bytes (one Ethernet MTU)
type Config struct {
	// Enabled controls whether the echo adapter is active.
	Enabled bool `mapstructure:"enabled"`

	// Host is the address to bind. Empty binds all interfaces.
	Host string `mapstructure:"host"`

	// Ports lists the UDP ports to answer on. Several ports let clients
	// compare mappings across destinations. Port 0 binds an ephemeral port.
	Ports []int `mapstructure:"ports" validate:"dive,min=0,max=65535"`

	// ReadBufferSize is the largest datagram read; longer ones are
	// truncated, which is fine since only the source address matters.
	ReadBufferSize int `mapstructure:"read_buffer_size" validate:"min=0"`
}

func (c *Config) applyDefaults() {
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = 1500
	}
}

func (c *Config) validate() error {
	if len(c.Ports) == 0 {
		return fmt.Errorf("no echo ports configured")
	}
	for _, p := range c.Ports {
		if p < 0 || p > 65535 {
			return fmt.Errorf("invalid echo port %d: must be 0-65535", p)
		}
	}
	return nil
}

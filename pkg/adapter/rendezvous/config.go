package rendezvous

import (
	"fmt"
	"time"

	"github.com/marmos91/rendezvous/internal/bytesize"
	"github.com/marmos91/rendezvous/internal/protocol/wire"
)

// Config holds configuration parameters for the rendezvous listener and its
// sessions.
//
// Default values (applied by New if zero):
//   - MaxConnections: 0 (unlimited)
//   - MaxFrameSize: 64KiB
//   - RegisterTimeout: 10s
//   - WriteTimeout: 10s
//   - KeepAliveInterval: 15s
//   - KeepAliveGrace: 15s
//   - ShutdownTimeout: 30s
//   - MetricsLogInterval: 5m (0 disables)
//   - FrameRate: 50 control frames/s, FrameBurst: 100
//   - SendQueueSize: 256 frames
type Config struct {
	// Enabled controls whether the rendezvous adapter is active.
	Enabled bool `mapstructure:"enabled"`

	// Host is the address to bind. Empty binds all interfaces.
	Host string `mapstructure:"host"`

	// Port is the TCP port for control connections. Tests use 0 and read
	// the bound port from Port() once Listening() fires.
	Port int `mapstructure:"port" validate:"min=0,max=65535"`

	// MaxConnections limits concurrent control connections.
	// When reached, accepting pauses until a connection closes.
	// 0 means unlimited.
	MaxConnections int `mapstructure:"max_connections" validate:"min=0"`

	// MaxFrameSize is the largest payload a client may announce. Larger
	// frames are answered with FrameTooLarge and the session is closed.
	MaxFrameSize bytesize.Size `mapstructure:"max_frame_size" validate:"min=0"`

	// RegisterTimeout closes connections that do not REGISTER in time.
	RegisterTimeout time.Duration `mapstructure:"register_timeout" validate:"min=0"`

	// WriteTimeout bounds each socket write. A client that stops reading
	// for longer is disconnected.
	WriteTimeout time.Duration `mapstructure:"write_timeout" validate:"min=0"`

	// KeepAliveInterval is how often the server PINGs a registered client.
	// 0 disables keep-alive and the read deadline.
	KeepAliveInterval time.Duration `mapstructure:"keepalive_interval" validate:"min=0"`

	// KeepAliveGrace is added to KeepAliveInterval to form the read
	// deadline: no frame within interval+grace closes the session.
	KeepAliveGrace time.Duration `mapstructure:"keepalive_grace" validate:"min=0"`

	// ShutdownTimeout is the maximum duration to wait for sessions to wind
	// down during shutdown before their sockets are force-closed.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0"`

	// MetricsLogInterval is the interval at which to log connection, host
	// and relay counts. 0 disables periodic metrics logging.
	MetricsLogInterval time.Duration `mapstructure:"metrics_log_interval" validate:"min=0"`

	// FrameRate and FrameBurst bound non-DATA frames per session. Excess
	// frames are answered with RateLimited. FrameRate 0 disables limiting.
	FrameRate  uint `mapstructure:"frame_rate"`
	FrameBurst uint `mapstructure:"frame_burst"`

	// SendQueueSize is the depth of each session's outbound frame queue.
	SendQueueSize int `mapstructure:"send_queue_size" validate:"min=0"`
}

// applyDefaults fills in zero values with sensible defaults.
func (c *Config) applyDefaults() {
	// Note: Enabled, Port and FrameRate defaults are handled in pkg/config
	// so explicit false/0 values from configuration files survive.

	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = wire.DefaultMaxPayload
	}
	if c.RegisterTimeout == 0 {
		c.RegisterTimeout = 10 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 256
	}
}

// validate checks that the configuration is usable.
func (c *Config) validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d: must be 0-65535", c.Port)
	}
	if c.MaxConnections < 0 {
		return fmt.Errorf("invalid MaxConnections %d: must be >= 0", c.MaxConnections)
	}
	if c.MaxFrameSize > 1<<31-1 {
		return fmt.Errorf("invalid MaxFrameSize %v: must fit the 32-bit length field", c.MaxFrameSize)
	}
	if c.KeepAliveInterval < 0 || c.KeepAliveGrace < 0 {
		return fmt.Errorf("invalid keep-alive %v+%v: must be >= 0", c.KeepAliveInterval, c.KeepAliveGrace)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid ShutdownTimeout %v: must be > 0", c.ShutdownTimeout)
	}
	return nil
}

// readDeadline is the silence allowed from a registered client.
func (c *Config) readDeadline() time.Duration {
	if c.KeepAliveInterval <= 0 {
		return 0
	}
	return c.KeepAliveInterval + c.KeepAliveGrace
}

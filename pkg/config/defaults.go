package config

import (
	"strings"
	"time"

	"github.com/marmos91/rendezvous/internal/bytesize"
	"github.com/marmos91/rendezvous/internal/wordid"
	"github.com/spf13/viper"
)

// Default values for keys where zero has a meaning of its own ("disabled",
// "unlimited", "ephemeral port"). They are registered with viper so an
// explicit false or 0 in a file or the environment survives decoding.
const (
	DefaultRendezvousPort = 8890
	DefaultEchoPorts      = "8809"
	DefaultMetricsPort    = 9090
)

// setDefaults registers every key with viper. Registering the full tree is
// also what makes AutomaticEnv see keys absent from the config file.
func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "INFO")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.metrics.enabled", false)
	v.SetDefault("server.metrics.host", "")
	v.SetDefault("server.metrics.port", DefaultMetricsPort)

	v.SetDefault("registry.word_count", wordid.DefaultWordCount)
	v.SetDefault("registry.max_attempts", 5)
	v.SetDefault("registry.expiry_timeout", "2m")
	v.SetDefault("registry.sweep_interval", "30s")

	v.SetDefault("relay.enabled", true)
	v.SetDefault("relay.request_timeout", "30s")
	v.SetDefault("relay.idle_timeout", "2m")
	v.SetDefault("relay.max_in_flight", "256kb")
	v.SetDefault("relay.max_pairings", 0)
	v.SetDefault("relay.pairing_bandwidth", "0")
	v.SetDefault("relay.global_bandwidth", "0")
	v.SetDefault("relay.implicit_on_connect", false)

	v.SetDefault("adapters.rendezvous.enabled", true)
	v.SetDefault("adapters.rendezvous.host", "")
	v.SetDefault("adapters.rendezvous.port", DefaultRendezvousPort)
	v.SetDefault("adapters.rendezvous.max_connections", 0)
	v.SetDefault("adapters.rendezvous.max_frame_size", "64kb")
	v.SetDefault("adapters.rendezvous.register_timeout", "10s")
	v.SetDefault("adapters.rendezvous.write_timeout", "10s")
	v.SetDefault("adapters.rendezvous.keepalive_interval", "15s")
	v.SetDefault("adapters.rendezvous.keepalive_grace", "15s")
	v.SetDefault("adapters.rendezvous.shutdown_timeout", "30s")
	v.SetDefault("adapters.rendezvous.metrics_log_interval", "5m")
	v.SetDefault("adapters.rendezvous.frame_rate", 50)
	v.SetDefault("adapters.rendezvous.frame_burst", 100)
	v.SetDefault("adapters.rendezvous.send_queue_size", 256)

	v.SetDefault("adapters.echo.enabled", true)
	v.SetDefault("adapters.echo.host", "")
	v.SetDefault("adapters.echo.ports", DefaultEchoPorts)
	v.SetDefault("adapters.echo.read_buffer_size", 1500)
}

// ApplyDefaults sets default values for unspecified fields where zero is
// never a valid setting.
//
// Load already decodes over the viper defaults; ApplyDefaults covers configs
// built in code and normalizes values.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)
	cfg.Registry.ApplyDefaults()
	cfg.Relay.ApplyDefaults()
	applyRendezvousDefaults(cfg)
	applyEchoDefaults(cfg)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize log level to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

func applyRendezvousDefaults(cfg *Config) {
	rv := &cfg.Adapters.Rendezvous

	if rv.MaxFrameSize == 0 {
		rv.MaxFrameSize = 64 * bytesize.KiB
	}
	if rv.RegisterTimeout == 0 {
		rv.RegisterTimeout = 10 * time.Second
	}
	if rv.WriteTimeout == 0 {
		rv.WriteTimeout = 10 * time.Second
	}
	if rv.ShutdownTimeout == 0 {
		rv.ShutdownTimeout = cfg.Server.ShutdownTimeout
	}
	if rv.SendQueueSize == 0 {
		rv.SendQueueSize = 256
	}
}

func applyEchoDefaults(cfg *Config) {
	if cfg.Adapters.Echo.ReadBufferSize == 0 {
		cfg.Adapters.Echo.ReadBufferSize = 1500
	}
}

// GetDefaultConfig returns a Config with every default applied, exactly as
// Load would produce without a file or environment overrides.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
//   - Documentation
func GetDefaultConfig() *Config {
	v := viper.New()
	setDefaults(v)

	cfg, err := decode(v)
	if err != nil {
		// The defaults are constants; failing to decode them is a bug
		panic(err)
	}
	return cfg
}

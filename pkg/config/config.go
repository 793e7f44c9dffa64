package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/marmos91/rendezvous/pkg/adapter/echo"
	"github.com/marmos91/rendezvous/pkg/adapter/rendezvous"
	"github.com/marmos91/rendezvous/pkg/registry"
	"github.com/marmos91/rendezvous/pkg/relay"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment variable overrides, e.g.
// RENDEZVOUS_ADAPTERS_RENDEZVOUS_PORT=9000.
const EnvPrefix = "RENDEZVOUS"

// Config represents the complete rendezvous server configuration.
//
// This structure captures all configurable aspects of the server including:
//   - Logging configuration
//   - Server-wide settings (shutdown, metrics endpoint)
//   - Host registry identifiers and expiry
//   - Relay limits and timeouts
//   - Protocol adapter configurations (rendezvous TCP, echo UDP)
//
// Configuration sources (in order of precedence):
//  1. Environment variables (RENDEZVOUS_*)
//  2. Configuration file (YAML or TOML)
//  3. Default values (lowest priority)
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging"`

	// Server contains server-wide settings
	Server ServerConfig `mapstructure:"server"`

	// Registry controls host identifiers and expiry
	Registry registry.Config `mapstructure:"registry"`

	// Relay controls relaying between paired hosts
	Relay relay.Config `mapstructure:"relay"`

	// Adapters contains protocol adapter configurations
	Adapters AdaptersConfig `mapstructure:"adapters"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required"`
}

// ServerConfig contains server-wide settings.
type ServerConfig struct {
	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0"`

	// Metrics configures the Prometheus endpoint
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// MetricsConfig configures the Prometheus metrics HTTP server.
type MetricsConfig struct {
	// Enabled turns metrics collection and the /metrics endpoint on
	Enabled bool `mapstructure:"enabled"`

	// Host is the address to bind. Empty binds all interfaces.
	Host string `mapstructure:"host"`

	// Port is the HTTP port for /metrics
	Port int `mapstructure:"port" validate:"min=0,max=65535"`
}

// AdaptersConfig contains all protocol adapter configurations.
//
// The adapter config types are used directly to avoid duplication.
type AdaptersConfig struct {
	// Rendezvous is the TCP control protocol
	Rendezvous rendezvous.Config `mapstructure:"rendezvous"`

	// Echo is the UDP address discovery service
	Echo echo.Config `mapstructure:"echo"`
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (RENDEZVOUS_*)
//  2. Configuration file
//  3. Default values
//
// A missing configuration file is not an error: the defaults are used.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// decode unmarshals v through the custom decode hooks and applies the
// remaining defaults.
func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)
	return &cfg, nil
}

// setupViper configures viper with defaults, environment variables and
// config file settings.
func setupViper(v *viper.Viper, configPath string) {
	setDefaults(v)

	// Example: RENDEZVOUS_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Default location: $XDG_CONFIG_HOME/rendezvous/config.{yaml,toml}
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to current
// directory (.) if home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "rendezvous")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "rendezvous")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// ConfigExists checks if a config file exists at the default location.
func ConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for init command).
func GetConfigDir() string {
	return getConfigDir()
}

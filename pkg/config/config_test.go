package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/marmos91/rendezvous/internal/bytesize"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_PartialFile(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
logging:
  level: "debug"

relay:
  max_in_flight: 1Mb
  idle_timeout: 90

adapters:
  rendezvous:
    port: 9000
    keepalive_interval: 5s
  echo:
    ports: "9100-9102, 9200+1"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "DEBUG", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, "stdout", cfg.Logging.Output)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)

	assert.Equal(t, bytesize.MiB, cfg.Relay.MaxInFlight)
	assert.Equal(t, 90*time.Second, cfg.Relay.IdleTimeout)
	assert.True(t, cfg.Relay.Enabled)

	assert.Equal(t, 9000, cfg.Adapters.Rendezvous.Port)
	assert.Equal(t, 5*time.Second, cfg.Adapters.Rendezvous.KeepAliveInterval)
	assert.Equal(t, 15*time.Second, cfg.Adapters.Rendezvous.KeepAliveGrace)
	assert.Equal(t, 64*bytesize.KiB, cfg.Adapters.Rendezvous.MaxFrameSize)
	assert.Equal(t, []int{9100, 9101, 9102, 9200, 9201}, cfg.Adapters.Echo.Ports)
}

func TestLoad_NoConfigFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "INFO", cfg.Logging.Level)
	assert.Equal(t, DefaultRendezvousPort, cfg.Adapters.Rendezvous.Port)
	assert.Equal(t, []int{8809}, cfg.Adapters.Echo.Ports)
	assert.Equal(t, 3, cfg.Registry.WordCount)
	assert.Equal(t, 2*time.Minute, cfg.Registry.ExpiryTimeout)
}

func TestLoad_ExplicitZeroValuesSurvive(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
relay:
  enabled: false
  idle_timeout: 0
registry:
  expiry_timeout: 0s
adapters:
  rendezvous:
    port: 0
    keepalive_interval: 0
    frame_rate: 0
  echo:
    enabled: false
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.False(t, cfg.Relay.Enabled)
	assert.Zero(t, cfg.Relay.IdleTimeout)
	assert.Zero(t, cfg.Registry.ExpiryTimeout)
	assert.Zero(t, cfg.Adapters.Rendezvous.Port)
	assert.Zero(t, cfg.Adapters.Rendezvous.KeepAliveInterval)
	assert.Zero(t, cfg.Adapters.Rendezvous.FrameRate)
	assert.False(t, cfg.Adapters.Echo.Enabled)
}

func TestLoad_TOML(t *testing.T) {
	path := writeConfig(t, "config.toml", `
[logging]
format = "json"

[adapters.rendezvous]
port = 7000
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, 7000, cfg.Adapters.Rendezvous.Port)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("RENDEZVOUS_LOGGING_LEVEL", "WARN")
	t.Setenv("RENDEZVOUS_ADAPTERS_RENDEZVOUS_PORT", "9999")
	t.Setenv("RENDEZVOUS_RELAY_MAX_IN_FLIGHT", "32kb")
	t.Setenv("RENDEZVOUS_ADAPTERS_ECHO_PORTS", "5000+2")
	t.Setenv("RENDEZVOUS_RELAY_ENABLED", "false")

	path := writeConfig(t, "config.yaml", `
adapters:
  rendezvous:
    port: 9000
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "WARN", cfg.Logging.Level)
	assert.Equal(t, 9999, cfg.Adapters.Rendezvous.Port)
	assert.Equal(t, 32*bytesize.KiB, cfg.Relay.MaxInFlight)
	assert.Equal(t, []int{5000, 5001, 5002}, cfg.Adapters.Echo.Ports)
	assert.False(t, cfg.Relay.Enabled)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "invalid.yaml", "logging:\n  level: [unclosed\n")

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad log level", "logging:\n  level: LOUD\n"},
		{"bad byte size", "relay:\n  max_in_flight: 64Bb\n"},
		{"bad duration", "relay:\n  request_timeout: soon\n"},
		{"bad ports", "adapters:\n  echo:\n    ports: 10-5\n"},
		{"port out of range", "adapters:\n  rendezvous:\n    port: 70000\n"},
		{"word count", "registry:\n  word_count: 20\n"},
		{"no adapters", "adapters:\n  rendezvous:\n    enabled: false\n  echo:\n    enabled: false\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, "config.yaml", tt.content)
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestGetDefaultConfigPath(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
	assert.Equal(t, "/tmp/xdg/rendezvous/config.yaml", GetDefaultConfigPath())
	assert.Equal(t, "/tmp/xdg/rendezvous", GetConfigDir())
}

func TestConfigExists(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	assert.False(t, ConfigExists())

	_, err := InitConfig(false)
	require.NoError(t, err)
	assert.True(t, ConfigExists())
}

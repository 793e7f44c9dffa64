package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestInitConfigToPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	require.NoError(t, InitConfigToPath(path, false))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, GetDefaultConfig(), cfg)
}

func TestInitConfigToPath_AlreadyExists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: DEBUG\n"), 0644))

	err := InitConfigToPath(path, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "logging:\n  level: DEBUG\n", string(data))
}

func TestInitConfigToPath_Force(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0644))

	require.NoError(t, InitConfigToPath(path, true))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Rendezvous Server Configuration File")
}

func TestInitConfig_DefaultLocation(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	path, err := InitConfig(false)
	require.NoError(t, err)
	assert.Equal(t, GetDefaultConfigPath(), path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultRendezvousPort, cfg.Adapters.Rendezvous.Port)
}

func TestGenerateYAMLWithComments(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Adapters.Echo.Ports = []int{8809, 9000}

	out, err := generateYAMLWithComments(cfg)
	require.NoError(t, err)

	for _, comment := range []string{
		"# Rendezvous Server Configuration File",
		"# Host identifiers and expiry",
		"# Protocol adapters",
		"# PING interval, 0 disables keep-alive",
		"# Ports: 8809, 9000-9002 or 9000+2",
	} {
		assert.Contains(t, out, comment)
	}

	var doc map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &doc))
	for _, key := range []string{"logging", "server", "registry", "relay", "adapters"} {
		assert.Contains(t, doc, key)
	}

	adapters := doc["adapters"].(map[string]any)
	rv := adapters["rendezvous"].(map[string]any)
	echo := adapters["echo"].(map[string]any)
	assert.Equal(t, DefaultRendezvousPort, rv["port"])
	assert.Equal(t, "64KiB", rv["max_frame_size"])
	assert.Equal(t, "15s", rv["keepalive_interval"])
	assert.Equal(t, "8809, 9000", echo["ports"])
	assert.Equal(t, true, echo["enabled"])
}

func TestGenerateYAMLWithComments_EveryKeyCommented(t *testing.T) {
	out, err := generateYAMLWithComments(GetDefaultConfig())
	require.NoError(t, err)

	for _, line := range strings.Split(out, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") || strings.HasSuffix(trimmed, ":") {
			continue
		}
		assert.Contains(t, line, " # ", "value line without comment: %q", line)
	}
}

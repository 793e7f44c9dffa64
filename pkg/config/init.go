package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/marmos91/rendezvous/internal/bytesize"
	"gopkg.in/yaml.v3"
)

const configHeader = `Rendezvous Server Configuration File

Every key can be overridden with an environment variable named
RENDEZVOUS_<SECTION>_<KEY>, e.g. RENDEZVOUS_ADAPTERS_RENDEZVOUS_PORT=9000.
Durations use Go syntax (30s, 2m, 1h30m); a bare number is seconds.
Sizes accept binary suffixes (64kb, 1.5Mb, 256KiB).`

// InitConfig writes a sample configuration file to the default location and
// returns its path. An existing file is only replaced when force is set.
func InitConfig(force bool) (string, error) {
	path := GetDefaultConfigPath()
	if err := InitConfigToPath(path, force); err != nil {
		return "", err
	}
	return path, nil
}

// InitConfigToPath writes a sample configuration file to path, creating
// parent directories as needed.
func InitConfigToPath(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
		}
	}

	content, err := generateYAMLWithComments(GetDefaultConfig())
	if err != nil {
		return fmt.Errorf("failed to generate config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// generateYAMLWithComments renders cfg as YAML with a comment on every key.
func generateYAMLWithComments(cfg *Config) (string, error) {
	rv := cfg.Adapters.Rendezvous
	ec := cfg.Adapters.Echo

	root := mapping(
		section("logging", "Log output",
			field("level", str(cfg.Logging.Level), "DEBUG, INFO, WARN or ERROR"),
			field("format", str(cfg.Logging.Format), "text or json"),
			field("output", str(cfg.Logging.Output), "stdout, stderr or a file path"),
		),
		section("server", "Server-wide settings",
			field("shutdown_timeout", duration(cfg.Server.ShutdownTimeout), "Maximum time to wait for adapters to stop"),
			section("metrics", "Prometheus endpoint",
				field("enabled", boolean(cfg.Server.Metrics.Enabled), "Serve /metrics"),
				field("host", str(cfg.Server.Metrics.Host), "Bind address, empty for all interfaces"),
				field("port", integer(cfg.Server.Metrics.Port), "HTTP port"),
			),
		),
		section("registry", "Host identifiers and expiry",
			field("word_count", integer(cfg.Registry.WordCount), "Dictionary words per identifier"),
			field("max_attempts", integer(cfg.Registry.MaxAttempts), "Identifier generation retries before RegistrationConflict"),
			field("expiry_timeout", duration(cfg.Registry.ExpiryTimeout), "Evict hosts silent for this long, 0 disables"),
			field("sweep_interval", duration(cfg.Registry.SweepInterval), "How often to look for expired hosts"),
		),
		section("relay", "Relaying for hosts that cannot connect directly",
			field("enabled", boolean(cfg.Relay.Enabled), "Accept RELAY requests"),
			field("request_timeout", duration(cfg.Relay.RequestTimeout), "How long a RELAY waits for the peer to reciprocate"),
			field("idle_timeout", duration(cfg.Relay.IdleTimeout), "Close pairings without DATA for this long, 0 disables"),
			field("max_in_flight", size(cfg.Relay.MaxInFlight), "Unflushed bytes per pairing (half per direction) before a sender is paused"),
			field("max_pairings", integer(cfg.Relay.MaxPairings), "Concurrent pairings, 0 for unlimited"),
			field("pairing_bandwidth", size(cfg.Relay.PairingBandwidth), "Bytes per second per direction, 0 for unlimited"),
			field("global_bandwidth", size(cfg.Relay.GlobalBandwidth), "Bytes per second for all pairings, 0 for unlimited"),
			field("implicit_on_connect", boolean(cfg.Relay.ImplicitOnConnect), "CONNECT also arms a relay request towards the target"),
		),
		section("adapters", "Protocol adapters",
			section("rendezvous", "TCP control protocol",
				field("enabled", boolean(rv.Enabled), "Serve the control protocol"),
				field("host", str(rv.Host), "Bind address, empty for all interfaces"),
				field("port", integer(rv.Port), "TCP port"),
				field("max_connections", integer(rv.MaxConnections), "Concurrent connections, 0 for unlimited"),
				field("max_frame_size", size(rv.MaxFrameSize), "Largest accepted frame payload"),
				field("register_timeout", duration(rv.RegisterTimeout), "Close connections that do not REGISTER in time"),
				field("write_timeout", duration(rv.WriteTimeout), "Disconnect clients that stop reading for this long"),
				field("keepalive_interval", duration(rv.KeepAliveInterval), "PING interval, 0 disables keep-alive"),
				field("keepalive_grace", duration(rv.KeepAliveGrace), "Extra silence tolerated after a PING"),
				field("shutdown_timeout", duration(rv.ShutdownTimeout), "Wait for sessions before force-closing them"),
				field("metrics_log_interval", duration(rv.MetricsLogInterval), "Periodic counters log line, 0 disables"),
				field("frame_rate", integer(int(rv.FrameRate)), "Control frames per second per connection, 0 for unlimited"),
				field("frame_burst", integer(int(rv.FrameBurst)), "Control frame burst per connection"),
				field("send_queue_size", integer(rv.SendQueueSize), "Outbound frames queued per connection"),
			),
			section("echo", "UDP address discovery (plain text and STUN binding)",
				field("enabled", boolean(ec.Enabled), "Answer echo datagrams"),
				field("host", str(ec.Host), "Bind address, empty for all interfaces"),
				field("ports", str(FormatPorts(ec.Ports)), "Ports: 8809, 9000-9002 or 9000+2"),
				field("read_buffer_size", integer(ec.ReadBufferSize), "Largest datagram read"),
			),
		),
	)

	doc := &yaml.Node{Kind: yaml.DocumentNode, HeadComment: configHeader, Content: []*yaml.Node{root}}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return "", err
	}
	if err := enc.Close(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// keyValue is one mapping entry of the generated document.
type keyValue struct {
	key   *yaml.Node
	value *yaml.Node
}

func mapping(entries ...keyValue) *yaml.Node {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, e := range entries {
		node.Content = append(node.Content, e.key, e.value)
	}
	return node
}

func section(key, comment string, entries ...keyValue) keyValue {
	return keyValue{
		key:   &yaml.Node{Kind: yaml.ScalarNode, Value: key, HeadComment: comment},
		value: mapping(entries...),
	}
}

func field(key string, value *yaml.Node, comment string) keyValue {
	value.LineComment = comment
	return keyValue{key: &yaml.Node{Kind: yaml.ScalarNode, Value: key}, value: value}
}

func str(s string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: s, Style: yaml.DoubleQuotedStyle}
}

func boolean(b bool) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!bool", Value: strconv.FormatBool(b)}
}

func integer(n int) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!int", Value: strconv.Itoa(n)}
}

func duration(d time.Duration) *yaml.Node {
	return str(d.String())
}

func size(s bytesize.Size) *yaml.Node {
	return str(s.String())
}

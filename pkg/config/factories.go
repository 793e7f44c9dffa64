package config

import (
	"github.com/marmos91/rendezvous/internal/logger"
	"github.com/marmos91/rendezvous/pkg/metrics"
	"github.com/marmos91/rendezvous/pkg/registry"
	"github.com/marmos91/rendezvous/pkg/relay"
)

// ConfigureLogging applies the logging section to the global logger.
func ConfigureLogging(cfg *Config) error {
	return logger.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output)
}

// CreateRegistry builds the host registry from the registry section.
func CreateRegistry(cfg *Config, m metrics.RegistryMetrics) *registry.Registry {
	logger.Debug("Host registry config: word_count=%d max_attempts=%d expiry=%v sweep=%v",
		cfg.Registry.WordCount, cfg.Registry.MaxAttempts, cfg.Registry.ExpiryTimeout, cfg.Registry.SweepInterval)

	return registry.New(cfg.Registry, registry.WithMetrics(m))
}

// CreateRelayEngine builds the relay engine from the relay section.
func CreateRelayEngine(cfg *Config, m metrics.RelayMetrics) *relay.Engine {
	if cfg.Relay.Enabled {
		logger.Debug("Relay config: request_timeout=%v idle_timeout=%v max_in_flight=%v max_pairings=%d bandwidth=%v/s per pairing, %v/s total",
			cfg.Relay.RequestTimeout, cfg.Relay.IdleTimeout, cfg.Relay.MaxInFlight, cfg.Relay.MaxPairings,
			cfg.Relay.PairingBandwidth, cfg.Relay.GlobalBandwidth)
	} else {
		logger.Info("Relay disabled: RELAY requests will be refused")
	}

	return relay.New(cfg.Relay, relay.WithMetrics(m))
}

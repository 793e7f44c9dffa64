package config

import (
	"fmt"

	"github.com/marmos91/rendezvous/pkg/adapter"
	"github.com/marmos91/rendezvous/pkg/adapter/echo"
	"github.com/marmos91/rendezvous/pkg/adapter/rendezvous"
	"github.com/marmos91/rendezvous/pkg/relay"
)

// CreateAdapters creates all enabled protocol adapters from the configuration.
//
// Parameters:
//   - cfg: The complete configuration
//   - engine: Relay engine shared by rendezvous sessions
//   - m: Metrics from InitializeMetrics
//
// Returns:
//   - []adapter.Adapter: List of enabled adapters ready to be added to the server
//   - error: Any error during adapter creation
func CreateAdapters(cfg *Config, engine *relay.Engine, m *MetricsResult) ([]adapter.Adapter, error) {
	var adapters []adapter.Adapter

	if cfg.Adapters.Rendezvous.Enabled {
		adapters = append(adapters, rendezvous.New(cfg.Adapters.Rendezvous, engine, m.Rendezvous))
	}

	if cfg.Adapters.Echo.Enabled {
		adapters = append(adapters, echo.New(cfg.Adapters.Echo, m.Echo))
	}

	if len(adapters) == 0 {
		return nil, fmt.Errorf("no adapters enabled in configuration")
	}

	return adapters, nil
}

package config

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate validates the configuration using struct tags and custom rules.
//
// This function uses go-playground/validator for declarative validation
// via struct tags, with additional custom validation for complex rules
// that cannot be expressed in tags.
//
// Note: Log level normalization is handled in ApplyDefaults, not here.
// Validation accepts both uppercase and lowercase log levels.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	return validateCustomRules(cfg)
}

// validateCustomRules performs custom validation beyond struct tags.
func validateCustomRules(cfg *Config) error {
	rv := cfg.Adapters.Rendezvous
	ec := cfg.Adapters.Echo

	if !rv.Enabled && !ec.Enabled {
		return fmt.Errorf("adapters: at least one adapter must be enabled")
	}

	if ec.Enabled && len(ec.Ports) == 0 {
		return fmt.Errorf("adapters.echo.ports: at least one port is required when echo is enabled")
	}

	if rv.MaxFrameSize > 1<<31-1 {
		return fmt.Errorf("adapters.rendezvous.max_frame_size: %v exceeds the 32-bit length field", rv.MaxFrameSize)
	}

	// Keep-alive PONGs refresh lastSeen; expiry shorter than the PING
	// interval would evict healthy hosts
	if cfg.Registry.ExpiryTimeout > 0 && rv.KeepAliveInterval > 0 &&
		cfg.Registry.ExpiryTimeout <= rv.KeepAliveInterval {
		return fmt.Errorf("registry.expiry_timeout (%v) must be greater than adapters.rendezvous.keepalive_interval (%v)",
			cfg.Registry.ExpiryTimeout, rv.KeepAliveInterval)
	}

	if cfg.Server.Metrics.Enabled && cfg.Server.Metrics.Port != 0 &&
		rv.Enabled && cfg.Server.Metrics.Port == rv.Port {
		return fmt.Errorf("server.metrics.port %d collides with adapters.rendezvous.port", rv.Port)
	}

	return nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
		e := validationErrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
			e.Namespace(), e.Tag(), e.Value())
	}
	return err
}

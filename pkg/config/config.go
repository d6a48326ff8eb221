// Package config loads and validates the runtime configuration for the
// resilience daemon. All settings are plain immutable structs; each
// supervisor package owns its own section and its validation.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/storekeep/vigil/pkg/health"
	"github.com/storekeep/vigil/pkg/keeper"
	"github.com/storekeep/vigil/pkg/logging"
	"github.com/storekeep/vigil/pkg/monitor"
	"github.com/storekeep/vigil/pkg/resource"
	"github.com/storekeep/vigil/pkg/session"
	"github.com/storekeep/vigil/pkg/watchdog"
)

// Config aggregates every supervisor's policy plus daemon-level settings.
type Config struct {
	// Session configures the browser session handle
	Session session.Options `yaml:"session"`

	// Watchdog configures the liveness/recovery supervisor
	Watchdog watchdog.Config `yaml:"watchdog"`

	// Monitor configures the continuous health monitor
	Monitor monitor.Config `yaml:"monitor"`

	// Keeper configures the session keep-alive supervisor
	Keeper keeper.Config `yaml:"keeper"`

	// Resources configures local-machine budgets
	Resources resource.Limits `yaml:"resources"`

	// Health configures the on-demand probes
	Health health.Config `yaml:"health"`

	// Logging configures the shared component-logger policy
	Logging logging.Config `yaml:"logging"`

	// AdminAddr is the listen address for the /live, /ready and /metrics
	// endpoints. Empty disables the admin server.
	AdminAddr string `yaml:"admin_addr"`

	// ShutdownTimeout bounds graceful teardown of the admin server
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Default returns the configuration used when a field is absent from the
// file. keeper.probe_url has no sensible default and must be configured.
func Default() *Config {
	return &Config{
		Session:         session.DefaultOptions(),
		Watchdog:        watchdog.DefaultConfig(),
		Monitor:         monitor.DefaultConfig(),
		Keeper:          keeper.DefaultConfig(),
		Resources:       resource.DefaultLimits(),
		Health:          health.DefaultConfig(),
		Logging:         logging.DefaultConfig(),
		AdminAddr:       "127.0.0.1:9444",
		ShutdownTimeout: 10 * time.Second,
	}
}

// Load reads the YAML file at path over the defaults and validates the
// result. An empty path returns validated defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
		// Let the config probe see its own file.
		cfg.Health.ConfigPath = path
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate delegates to each section's own validation.
func (c *Config) Validate() error {
	if err := c.Watchdog.Validate(); err != nil {
		return fmt.Errorf("watchdog: %w", err)
	}
	if err := c.Monitor.Validate(); err != nil {
		return fmt.Errorf("monitor: %w", err)
	}
	if err := c.Keeper.Validate(); err != nil {
		return fmt.Errorf("keeper: %w", err)
	}
	if err := c.Resources.Validate(); err != nil {
		return fmt.Errorf("resources: %w", err)
	}
	if err := c.Health.Validate(); err != nil {
		return fmt.Errorf("health: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("shutdown_timeout cannot be negative")
	}
	return nil
}

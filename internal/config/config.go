// Package config provides application configuration management.
//
// Configuration is loaded from environment variables using the
// envconfig package, following the 12-factor app methodology.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog/log"

	"github.com/nrjones/ratelimitd/internal/audit"
	"github.com/nrjones/ratelimitd/internal/diststore"
	"github.com/nrjones/ratelimitd/internal/engine"
	"github.com/nrjones/ratelimitd/internal/rules"
)

// Config holds all application configuration, loaded once at startup.
type Config struct {
	Environment string `envconfig:"ENVIRONMENT" default:"development"`

	ServerHost string `envconfig:"RATELIMITD_HOST" default:"0.0.0.0"`
	ServerPort int    `envconfig:"RATELIMITD_PORT" default:"8080"`

	// Postgres holds the durable rule-store connection settings. Empty
	// DSN means rules live in memory only (no durability across
	// restarts) — the rule-management API still works, it just starts
	// from defaults on every boot.
	Postgres rules.PostgresConfig

	// RedisURL selects distributed mode when non-empty: every
	// admission coordinates through DistributedStore instead of the
	// process-local registry. Per spec.md §6's enumerated environment
	// variables, empty means local-only mode.
	RedisURL string `envconfig:"REDIS_URL"`

	// FallbackPolicy governs admission when the distributed store is
	// unreachable: "closed" (deny) or "open-local" (degrade to the
	// local registry). Per spec.md §6/§7.
	FallbackPolicy string `envconfig:"FALLBACK_POLICY" default:"closed"`

	// DefaultCapacity, DefaultRefillRate, DefaultWindowSeconds seed the
	// process-wide default rule applied to any key with no explicit
	// entry, per spec.md §6.
	DefaultCapacity      uint64  `envconfig:"DEFAULT_CAPACITY" default:"100"`
	DefaultRefillRate    float64 `envconfig:"DEFAULT_REFILL_RATE" default:"10"`
	DefaultWindowSeconds int     `envconfig:"DEFAULT_WINDOW_SECONDS" default:"60"`

	// MaxCapacity is checked against DefaultCapacity in Validate. Rules
	// set through the management API are not checked against it.
	MaxCapacity uint64 `envconfig:"MAX_CAPACITY" default:"100000"`

	// EvictionIntervalSeconds is loaded but not passed to LocalStore,
	// whose sweep of idle, full buckets always runs every
	// localstore.DefaultEvictionInterval (60s).
	EvictionIntervalSeconds int `envconfig:"EVICTION_INTERVAL_SECONDS" default:"60"`

	// StoreDeadline bounds every distributed store call (spec.md §5).
	StoreDeadline time.Duration `envconfig:"STORE_DEADLINE" default:"200ms"`

	Kafka audit.Config

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

// Load loads configuration from environment variables and validates
// it.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info().
		Str("environment", cfg.Environment).
		Str("server_host", cfg.ServerHost).
		Int("server_port", cfg.ServerPort).
		Bool("distributed_mode", cfg.RedisURL != "").
		Str("fallback_policy", cfg.FallbackPolicy).
		Str("log_level", cfg.LogLevel).
		Str("log_format", cfg.LogFormat).
		Msg("Configuration loaded successfully")

	return &cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	validEnvironments := map[string]bool{"development": true, "staging": true, "production": true, "test": true}
	if !validEnvironments[c.Environment] {
		return fmt.Errorf("invalid environment: %s (must be development, staging, production, or test)", c.Environment)
	}

	if c.ServerPort < 1 || c.ServerPort > 65535 {
		return fmt.Errorf("invalid server port: %d (must be between 1 and 65535)", c.ServerPort)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	if c.LogFormat != "json" && c.LogFormat != "console" {
		return fmt.Errorf("invalid log format: %s (must be json or console)", c.LogFormat)
	}

	switch engine.FallbackPolicy(c.FallbackPolicy) {
	case engine.FallbackClosed, engine.FallbackOpenLocal:
	default:
		return fmt.Errorf("invalid fallback policy: %s (must be closed or open-local)", c.FallbackPolicy)
	}

	if c.Postgres.DSN != "" {
		if c.Postgres.MaxOpenConns < 1 {
			return fmt.Errorf("db_max_open_conns must be at least 1")
		}
		if c.Postgres.MaxIdleConns < 1 {
			return fmt.Errorf("db_max_idle_conns must be at least 1")
		}
		if c.Postgres.MaxIdleConns > c.Postgres.MaxOpenConns {
			return fmt.Errorf("db_max_idle_conns (%d) cannot be greater than db_max_open_conns (%d)",
				c.Postgres.MaxIdleConns, c.Postgres.MaxOpenConns)
		}
	}

	dflt := rules.Rule{
		Capacity:   c.DefaultCapacity,
		RefillRate: c.DefaultRefillRate,
		Window:     time.Duration(c.DefaultWindowSeconds) * time.Second,
		Enabled:    true,
		Algorithm:  rules.TokenBucket,
	}
	if err := dflt.Validate(); err != nil {
		return fmt.Errorf("invalid default rule: %w", err)
	}
	if c.DefaultCapacity > c.MaxCapacity {
		return fmt.Errorf("default_capacity (%d) exceeds max_capacity (%d)", c.DefaultCapacity, c.MaxCapacity)
	}

	return nil
}

// IsDevelopment returns true if running in the development
// environment.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in the production environment.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// ServerAddress returns the server address in host:port format.
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.ServerHost, c.ServerPort)
}

// DefaultRule builds the process-wide default rule from the loaded
// configuration.
func (c *Config) DefaultRule() rules.Rule {
	return rules.Rule{
		Capacity:   c.DefaultCapacity,
		RefillRate: c.DefaultRefillRate,
		Window:     time.Duration(c.DefaultWindowSeconds) * time.Second,
		Enabled:    true,
		Algorithm:  rules.TokenBucket,
	}
}

// DistributedModeEnabled reports whether RedisURL selects distributed
// coordination (spec.md §4.6 step 3).
func (c *Config) DistributedModeEnabled() bool {
	return c.RedisURL != ""
}

// RedisConfig builds a diststore.Config from the loaded settings.
func (c *Config) RedisConfig() diststore.Config {
	return diststore.Config{
		URL:          c.RedisURL,
		PoolSize:     50,
		MinIdleConns: 10,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

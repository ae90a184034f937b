package config

import (
	"testing"
)

func baseValidConfig() Config {
	return Config{
		Environment:          "development",
		ServerHost:           "localhost",
		ServerPort:           8080,
		LogLevel:             "info",
		LogFormat:            "console",
		FallbackPolicy:       "closed",
		DefaultCapacity:      100,
		DefaultRefillRate:    10,
		DefaultWindowSeconds: 60,
		MaxCapacity:          100000,
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "valid development config", mutate: func(c *Config) {}, wantErr: false},
		{name: "valid production config", mutate: func(c *Config) {
			c.Environment = "production"
			c.LogLevel = "error"
			c.LogFormat = "json"
		}, wantErr: false},
		{name: "invalid environment", mutate: func(c *Config) { c.Environment = "invalid" }, wantErr: true},
		{name: "invalid port - too low", mutate: func(c *Config) { c.ServerPort = 0 }, wantErr: true},
		{name: "invalid port - too high", mutate: func(c *Config) { c.ServerPort = 70000 }, wantErr: true},
		{name: "invalid log level", mutate: func(c *Config) { c.LogLevel = "trace" }, wantErr: true},
		{name: "invalid log format", mutate: func(c *Config) { c.LogFormat = "xml" }, wantErr: true},
		{name: "invalid fallback policy", mutate: func(c *Config) { c.FallbackPolicy = "half-open" }, wantErr: true},
		{name: "default capacity exceeds max capacity", mutate: func(c *Config) { c.MaxCapacity = 10 }, wantErr: true},
		{name: "postgres max idle conns greater than max open conns", mutate: func(c *Config) {
			c.Postgres.DSN = "postgres://localhost:5432/test"
			c.Postgres.MaxOpenConns = 10
			c.Postgres.MaxIdleConns = 20
		}, wantErr: true},
		{name: "postgres config omitted is valid (in-memory rules only)", mutate: func(c *Config) {}, wantErr: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseValidConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := Config{Environment: "development"}
	if !cfg.IsDevelopment() {
		t.Error("expected IsDevelopment to return true")
	}
	cfg.Environment = "production"
	if cfg.IsDevelopment() {
		t.Error("expected IsDevelopment to return false")
	}
}

func TestConfig_IsProduction(t *testing.T) {
	cfg := Config{Environment: "production"}
	if !cfg.IsProduction() {
		t.Error("expected IsProduction to return true")
	}
	cfg.Environment = "development"
	if cfg.IsProduction() {
		t.Error("expected IsProduction to return false")
	}
}

func TestConfig_ServerAddress(t *testing.T) {
	cfg := Config{ServerHost: "localhost", ServerPort: 8080}
	if got := cfg.ServerAddress(); got != "localhost:8080" {
		t.Errorf("expected localhost:8080, got %s", got)
	}
}

func TestConfig_DistributedModeEnabled(t *testing.T) {
	cfg := baseValidConfig()
	if cfg.DistributedModeEnabled() {
		t.Error("expected distributed mode disabled with no REDIS_URL")
	}
	cfg.RedisURL = "redis://localhost:6379/0"
	if !cfg.DistributedModeEnabled() {
		t.Error("expected distributed mode enabled once REDIS_URL is set")
	}
}

func TestConfig_Load(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected Load to succeed with only defaults, got error: %v", err)
	}
	if cfg == nil {
		t.Fatal("expected config to be non-nil")
	}
	if cfg.Environment != "development" {
		t.Errorf("expected default environment to be 'development', got %s", cfg.Environment)
	}
	if cfg.ServerPort != 8080 {
		t.Errorf("expected default port to be 8080, got %d", cfg.ServerPort)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("expected default log level to be 'info', got %s", cfg.LogLevel)
	}
	if cfg.FallbackPolicy != "closed" {
		t.Errorf("expected default fallback policy to be 'closed', got %s", cfg.FallbackPolicy)
	}
}

// Package config provides configuration management with hot-reload support.
// It uses fsnotify to watch for file changes and atomic pointer swaps for
// zero-downtime updates.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/panelforge/panelforge/internal/artifact"
	"github.com/panelforge/panelforge/internal/fallback"
	"github.com/panelforge/panelforge/internal/store"
)

// Config represents the complete gateway configuration.
type Config struct {
	Server      ServerConfig       `yaml:"server"`
	Redis       store.RedisConfig  `yaml:"redis"`
	Auth        AuthConfig         `yaml:"auth"`
	RateLimit   RateLimitConfig    `yaml:"rate_limit"`
	Credit      CreditConfig       `yaml:"credit"`
	Idempotency IdempotencyConfig  `yaml:"idempotency"`
	Providers   []ProviderConfig   `yaml:"providers"`
	Profiles    []fallback.Profile `yaml:"profiles"`
	Artifacts   ArtifactConfig     `yaml:"artifacts"`
	Logging     LoggingConfig      `yaml:"logging"`
	Metrics     MetricsConfig      `yaml:"metrics"`
	Tracing     TracingConfig      `yaml:"tracing"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// AuthConfig contains identity verification settings.
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
}

// RateLimitConfig defines the pre-auth abuse guard.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	Burst             int  `yaml:"burst"`
}

// CreditConfig defines the per-user generation quota.
type CreditConfig struct {
	Capacity int64         `yaml:"capacity"`
	Window   time.Duration `yaml:"window"`
}

// IdempotencyConfig defines record lifetimes.
type IdempotencyConfig struct {
	LockTTL   time.Duration `yaml:"lock_ttl"`
	ReplayTTL time.Duration `yaml:"replay_ttl"`
}

// ProviderConfig defines a single image provider.
type ProviderConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	APIKey     string `yaml:"api_key"`
	BaseURL    string `yaml:"base_url"`
	TimeoutSec int    `yaml:"timeout_seconds"`
}

// ArtifactConfig selects the artifact backend.
type ArtifactConfig struct {
	Backend string            `yaml:"backend"` // s3, memory
	S3      artifact.S3Config `yaml:"s3"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TracingConfig contains OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
	Insecure    bool    `yaml:"insecure"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 180 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Redis: store.DefaultRedisConfig(),
		Auth: AuthConfig{
			CacheTTL: 5 * time.Minute,
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 60,
			Burst:             10,
		},
		Credit: CreditConfig{
			Capacity: 3,
			Window:   7 * 24 * time.Hour,
		},
		Idempotency: IdempotencyConfig{
			LockTTL:   45 * time.Second,
			ReplayTTL: 24 * time.Hour,
		},
		Artifacts: ArtifactConfig{
			Backend: "memory",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Endpoint:    "localhost:4317",
			ServiceName: "panelforge",
			SampleRate:  1.0,
			Insecure:    true,
		},
	}
}

// LoadFromFile reads, expands, and validates configuration.
// Environment references like ${OPENAI_API_KEY} are expanded so secrets
// stay out of config files.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	expanded := os.Expand(string(data), func(name string) string {
		return os.Getenv(name)
	})

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Credit.Capacity <= 0 {
		return fmt.Errorf("credit.capacity must be positive")
	}
	if c.Credit.Window <= 0 {
		return fmt.Errorf("credit.window must be positive")
	}
	if c.Idempotency.LockTTL <= 0 {
		return fmt.Errorf("idempotency.lock_ttl must be positive")
	}
	if c.Idempotency.ReplayTTL <= c.Idempotency.LockTTL {
		return fmt.Errorf("idempotency.replay_ttl must exceed lock_ttl")
	}

	providerNames := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("providers[%d]: name is required", i)
		}
		if p.Type == "" {
			return fmt.Errorf("provider %q: type is required", p.Name)
		}
		if providerNames[p.Name] {
			return fmt.Errorf("provider %q: duplicate name", p.Name)
		}
		providerNames[p.Name] = true
	}

	for i, prof := range c.Profiles {
		if prof.Provider == "" || prof.Model == "" {
			return fmt.Errorf("profiles[%d]: provider and model are required", i)
		}
		if !providerNames[prof.Provider] {
			return fmt.Errorf("profiles[%d]: unknown provider %q", i, prof.Provider)
		}
	}

	switch c.Artifacts.Backend {
	case "s3", "memory":
	default:
		return fmt.Errorf("artifacts.backend %q not supported", c.Artifacts.Backend)
	}

	return nil
}

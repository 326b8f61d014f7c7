// Package config loads and validates the gateway's YAML configuration and
// hot-reloads it on file changes. Reads are lock-free: the active config is an
// atomic pointer swapped whole, so in-flight requests keep the snapshot they
// started with.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lmrelay/lmrelay/internal/healthcheck"
	"github.com/lmrelay/lmrelay/internal/persistence"
	"github.com/lmrelay/lmrelay/internal/secret/vault"
	"github.com/lmrelay/lmrelay/internal/telemetry"
	"github.com/lmrelay/lmrelay/pkg/provider"
)

// Config is the complete gateway configuration.
type Config struct {
	Server      ServerConfig           `yaml:"server"`
	Router      RouterConfig           `yaml:"router"`
	Store       StoreConfig            `yaml:"store"`
	Cache       CacheConfig            `yaml:"cache_config"`
	Database    DatabaseConfig         `yaml:"database"`
	HealthCheck HealthCheckConfig      `yaml:"health_check"`
	Telemetry   TelemetryConfig        `yaml:"telemetry"`
	Vault       *vault.Config          `yaml:"vault,omitempty"`
	ModelList   []*provider.ModelGroup `yaml:"model_list"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	MetricsPath  string        `yaml:"metrics_path"`
}

// RouterConfig tunes selection, retry, and the latency recorder.
type RouterConfig struct {
	Strategy                  string        `yaml:"routing_strategy"`
	MaxAttempts               int           `yaml:"max_attempts"`
	DefaultTimeout            time.Duration `yaml:"default_timeout"`
	CooldownDuration          time.Duration `yaml:"cooldown_duration"`
	AllowedFails              int           `yaml:"allowed_fails"`
	LowestLatencyBuffer       float64       `yaml:"lowest_latency_buffer"`
	MaxLatencyListSize        int           `yaml:"max_latency_list_size"`
	MinTokensForLatency       int           `yaml:"min_tokens_for_latency"`
	MaxLatencySecondsPerToken float64       `yaml:"max_latency_seconds_per_token"`
	MaxTTFTSeconds            float64       `yaml:"max_ttft_seconds"`
}

// StoreConfig selects the shared state backend.
type StoreConfig struct {
	// Type is "memory" or "redis".
	Type  string      `yaml:"type"`
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig contains Redis connection settings, shared by the store and the
// response cache when both use Redis.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Type             string        `yaml:"type"` // "memory" or "redis"
	TTL              time.Duration `yaml:"ttl"`
	MaxCacheableSize int           `yaml:"max_cacheable_size"`
	KeyPrefix        string        `yaml:"key_prefix"`
}

// DatabaseConfig controls optional PostgreSQL persistence.
type DatabaseConfig struct {
	Enabled                      bool `yaml:"enabled"`
	AllowRequestsOnDBUnavailable bool `yaml:"allow_requests_on_db_unavailable"`

	persistence.Config `yaml:",inline"`
}

// HealthCheckConfig controls background deployment probing.
type HealthCheckConfig struct {
	Background      bool          `yaml:"background_health_checks"`
	Interval        time.Duration `yaml:"health_check_interval"`
	ProbeTimeout    time.Duration `yaml:"probe_timeout"`
	Concurrency     int           `yaml:"concurrency"`
	ProbesPerSecond float64       `yaml:"probes_per_second"`
}

// CheckerConfig converts to the healthcheck package's config.
func (h HealthCheckConfig) CheckerConfig() healthcheck.Config {
	return healthcheck.Config{
		Enabled:         h.Background,
		Interval:        h.Interval,
		ProbeTimeout:    h.ProbeTimeout,
		Concurrency:     h.Concurrency,
		ProbesPerSecond: h.ProbesPerSecond,
	}
}

// TelemetryConfig controls logging, tracing, and export sinks.
type TelemetryConfig struct {
	TurnOffMessageLogging bool                    `yaml:"turn_off_message_logging"`
	AsyncQueueSize        int                     `yaml:"async_queue_size"`
	Logging               LoggingConfig           `yaml:"logging"`
	Tracing               telemetry.TracingConfig `yaml:"tracing"`
	S3                    *telemetry.S3Config     `yaml:"s3,omitempty"`
}

// LoggingConfig contains slog settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Default returns a configuration with production defaults. Every zero value
// a loaded file leaves behind falls back to these.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 120 * time.Second,
			IdleTimeout:  60 * time.Second,
			MetricsPath:  "/metrics",
		},
		Router: RouterConfig{
			Strategy:                  "latency-based",
			MaxAttempts:               3,
			CooldownDuration:          60 * time.Second,
			MaxLatencyListSize:        10,
			MinTokensForLatency:       5,
			MaxLatencySecondsPerToken: 60,
			MaxTTFTSeconds:            60,
		},
		Store: StoreConfig{
			Type: "memory",
			Redis: RedisConfig{
				Addr: "localhost:6379",
			},
		},
		Cache: CacheConfig{
			Enabled:          false,
			Type:             "memory",
			TTL:              time.Hour,
			MaxCacheableSize: 10 << 20,
		},
		HealthCheck: HealthCheckConfig{
			Background:   false,
			Interval:     30 * time.Second,
			ProbeTimeout: 10 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Logging: LoggingConfig{Level: "info", Format: "json"},
			Tracing: telemetry.DefaultTracingConfig(),
		},
	}
}

// Load reads and parses a YAML configuration file. ${VAR} references are
// expanded from the environment before parsing, so secrets can stay out of
// the file even without a secret manager.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// normalize fills derivable fields: deployment group back-references and
// generated IDs for deployments that declare none.
func (c *Config) normalize() {
	for _, mg := range c.ModelList {
		for i, d := range mg.Deployments {
			if d.Group == "" {
				d.Group = mg.Name
			}
			if d.ID == "" {
				d.ID = fmt.Sprintf("%s-%d", mg.Name, i)
			}
		}
	}
}

// Validate checks the configuration for hard errors.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Router.MaxAttempts <= 0 {
		return fmt.Errorf("router.max_attempts must be positive")
	}
	if c.Router.LowestLatencyBuffer < 0 {
		return fmt.Errorf("router.lowest_latency_buffer cannot be negative")
	}
	if c.Router.AllowedFails < 0 {
		return fmt.Errorf("router.allowed_fails cannot be negative")
	}
	switch c.Store.Type {
	case "memory", "redis":
	default:
		return fmt.Errorf("store.type must be memory or redis, got %q", c.Store.Type)
	}
	if c.Cache.Enabled {
		switch c.Cache.Type {
		case "memory", "redis":
		default:
			return fmt.Errorf("cache_config.type must be memory or redis, got %q", c.Cache.Type)
		}
	}

	if len(c.ModelList) == 0 {
		return fmt.Errorf("model_list must contain at least one group")
	}
	groupNames := make(map[string]bool, len(c.ModelList))
	for i, mg := range c.ModelList {
		if mg.Name == "" {
			return fmt.Errorf("model_list[%d]: name is required", i)
		}
		if groupNames[mg.Name] {
			return fmt.Errorf("model_list[%d]: duplicate group %q", i, mg.Name)
		}
		groupNames[mg.Name] = true
		if len(mg.Deployments) == 0 {
			return fmt.Errorf("model_list[%d] %q: at least one deployment is required", i, mg.Name)
		}
		for j, d := range mg.Deployments {
			if d.ProviderName == "" {
				return fmt.Errorf("group %q deployment[%d]: provider is required", mg.Name, j)
			}
			if d.ModelName == "" {
				return fmt.Errorf("group %q deployment[%d]: model is required", mg.Name, j)
			}
			if d.TPMLimit < 0 || d.RPMLimit < 0 {
				return fmt.Errorf("group %q deployment %q: capacity limits cannot be negative", mg.Name, d.ID)
			}
		}
	}
	for _, mg := range c.ModelList {
		for _, fb := range mg.Fallbacks {
			if !groupNames[fb] {
				return fmt.Errorf("group %q: unknown fallback group %q", mg.Name, fb)
			}
		}
	}
	return nil
}

// Warnings returns non-fatal configuration smells worth logging at startup.
func (c *Config) Warnings() []string {
	var warnings []string
	for _, mg := range c.ModelList {
		for _, d := range mg.Deployments {
			if d.APIKeyRef == "" {
				warnings = append(warnings, fmt.Sprintf("group %q deployment %q has no api_key", mg.Name, d.ID))
			}
			if healthcheck.IsWildcard(d.ModelName) && d.HealthCheckModel == "" {
				warnings = append(warnings, fmt.Sprintf("group %q deployment %q: wildcard model without health_check_model will fail probes", mg.Name, d.ID))
			}
		}
	}
	if c.Cache.Enabled && c.Cache.Type == "memory" && c.Store.Type == "redis" {
		warnings = append(warnings, "cache_config.type is memory while store is redis; cached responses will not be shared across instances")
	}
	if c.Database.AllowRequestsOnDBUnavailable && !c.Database.Enabled {
		warnings = append(warnings, "allow_requests_on_db_unavailable set without database.enabled")
	}
	return warnings
}

// Group returns the model group by name.
func (c *Config) Group(name string) (*provider.ModelGroup, bool) {
	for _, mg := range c.ModelList {
		if mg.Name == name {
			return mg, true
		}
	}
	return nil, false
}

// AllDeployments returns every deployment across all groups.
func (c *Config) AllDeployments() []*provider.Deployment {
	var out []*provider.Deployment
	for _, mg := range c.ModelList {
		out = append(out, mg.Deployments...)
	}
	return out
}

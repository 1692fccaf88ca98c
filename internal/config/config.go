// Package config loads and validates all runtime configuration for the
// gateway: global settings, users, providers, and logical models.
//
// Configuration is read from a TOML file (default name "config", discovered
// by viper as config.toml in the working directory) with environment
// variables overlaid on top for operational overrides, matching the
// env-first convention used across the rest of this repo. A .env file, if
// present, is loaded into the process environment before viper reads it.
//
// The returned *Config is an immutable snapshot: it is validated once at
// load time and never mutated afterward. Every invariant that cannot be
// expressed as a zero-value default is checked in Validate and reported as a
// single wrapped error so a misconfigured deployment fails fast, before a
// single backend record exists.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// BillingMode classifies how an upstream charges for a backend, which in
// turn determines whether the active prober may probe it.
type BillingMode string

const (
	BillingPerToken   BillingMode = "per_token"
	BillingPerRequest BillingMode = "per_request"
)

// Strategy names a backend selector algorithm. See internal/selector.
type Strategy string

const (
	StrategyRandom                 Strategy = "random"
	StrategyRoundRobin             Strategy = "round_robin"
	StrategyWeightedRandom         Strategy = "weighted_random"
	StrategyLeastLatency           Strategy = "least_latency"
	StrategyFailover               Strategy = "failover"
	StrategyWeightedFailover       Strategy = "weighted_failover"
	StrategySmartWeightedFailover  Strategy = "smart_weighted_failover"
)

// Settings holds the [settings] section: global timing and threshold knobs
// shared by the health registry, breaker, and prober.
type Settings struct {
	HealthCheckIntervalSeconds      int `mapstructure:"health_check_interval_seconds"`
	RequestTimeoutSeconds           int `mapstructure:"request_timeout_seconds"`
	MaxRetries                      int `mapstructure:"max_retries"`
	CircuitBreakerFailureThreshold  int `mapstructure:"circuit_breaker_failure_threshold"`
	CircuitBreakerTimeoutSeconds    int `mapstructure:"circuit_breaker_timeout_seconds"`
	RecoveryCheckIntervalSeconds    int `mapstructure:"recovery_check_interval_seconds"`
	MaxInternalRetries              int `mapstructure:"max_internal_retries"`
	HealthCheckTimeoutSeconds       int `mapstructure:"health_check_timeout_seconds"`
}

func (s Settings) RequestTimeout() time.Duration {
	return time.Duration(s.RequestTimeoutSeconds) * time.Second
}

func (s Settings) HealthCheckTimeout() time.Duration {
	return time.Duration(s.HealthCheckTimeoutSeconds) * time.Second
}

func (s Settings) HealthCheckInterval() time.Duration {
	return time.Duration(s.HealthCheckIntervalSeconds) * time.Second
}

func (s Settings) RecoveryCheckInterval() time.Duration {
	return time.Duration(s.RecoveryCheckIntervalSeconds) * time.Second
}

func (s Settings) CircuitBreakerCooldown() time.Duration {
	return time.Duration(s.CircuitBreakerTimeoutSeconds) * time.Second
}

// User is one entry under [users.<id>].
type User struct {
	ID            string   `mapstructure:"-"`
	Name          string   `mapstructure:"name"`
	Token         string   `mapstructure:"token"`
	AllowedModels []string `mapstructure:"allowed_models"`
	Enabled       bool     `mapstructure:"enabled"`
	Tags          []string `mapstructure:"tags"`
}

// AllowsModel reports whether the user may address the given logical model.
// An empty AllowedModels list means "all models".
func (u User) AllowsModel(model string) bool {
	if len(u.AllowedModels) == 0 {
		return true
	}
	for _, m := range u.AllowedModels {
		if m == model {
			return true
		}
	}
	return false
}

// Provider is one entry under [providers.<id>].
type Provider struct {
	ID             string            `mapstructure:"-"`
	Name           string            `mapstructure:"name"`
	Kind           string            `mapstructure:"kind"`
	BaseURL        string            `mapstructure:"base_url"`
	APIKey         string            `mapstructure:"api_key"`
	Models         []string          `mapstructure:"models"`
	Enabled        bool              `mapstructure:"enabled"`
	TimeoutSeconds int               `mapstructure:"timeout_seconds"`
	MaxRetries     int               `mapstructure:"max_retries"`
	Headers        map[string]string `mapstructure:"headers"`
}

func (p Provider) Timeout() time.Duration {
	if p.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(p.TimeoutSeconds) * time.Second
}

func (p Provider) hasModel(model string) bool {
	for _, m := range p.Models {
		if m == model {
			return true
		}
	}
	return false
}

// Backend is one entry in [[models.<id>.backends]].
type Backend struct {
	Provider    string      `mapstructure:"provider"`
	Model       string      `mapstructure:"model"`
	Weight      float64     `mapstructure:"weight"`
	Priority    int         `mapstructure:"priority"`
	Enabled     bool        `mapstructure:"enabled"`
	Tags        []string    `mapstructure:"tags"`
	BillingMode BillingMode `mapstructure:"billing_mode"`
}

// LogicalModel is one entry under [models.<id>].
type LogicalModel struct {
	ID       string   `mapstructure:"-"`
	Name     string   `mapstructure:"name"`
	Strategy Strategy `mapstructure:"strategy"`
	Enabled  bool     `mapstructure:"enabled"`
	Backends []Backend `mapstructure:"backends"`
}

// Config is the top-level, immutable configuration snapshot.
type Config struct {
	Port     int                 `mapstructure:"port"`
	LogLevel string              `mapstructure:"log_level"`

	Settings  Settings                `mapstructure:"settings"`
	Users     map[string]User         `mapstructure:"users"`
	Providers map[string]Provider     `mapstructure:"providers"`
	Models    map[string]LogicalModel `mapstructure:"models"`

	CacheMode   string `mapstructure:"cache_mode"`
	CacheTTL    time.Duration
	CacheTTLRaw string `mapstructure:"cache_ttl"`
	RedisURL    string `mapstructure:"redis_url"`

	ClickHouseDSN   string `mapstructure:"clickhouse_dsn"`
	CORSOrigins     []string `mapstructure:"cors_origins"`
}

// Load reads configuration from a TOML file named "config" (config.toml in
// the working directory, or CONFIG_FILE if set) with environment variables
// overlaid on top. A .env file in the working directory, if present, is
// loaded into the process environment first.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	if f := os.Getenv("CONFIG_FILE"); f != "" {
		v.SetConfigFile(f)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: %w", err)
		}
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("cache_mode", "memory")
	v.SetDefault("cache_ttl", "1h")
	v.SetDefault("cors_origins", []string{"*"})

	v.SetDefault("settings.health_check_interval_seconds", 30)
	v.SetDefault("settings.request_timeout_seconds", 30)
	v.SetDefault("settings.max_retries", 3)
	v.SetDefault("settings.circuit_breaker_failure_threshold", 5)
	v.SetDefault("settings.circuit_breaker_timeout_seconds", 60)
	v.SetDefault("settings.recovery_check_interval_seconds", 10)
	v.SetDefault("settings.max_internal_retries", 3)
	v.SetDefault("settings.health_check_timeout_seconds", 5)

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	cfg.CacheTTLRaw = v.GetString("cache_ttl")
	ttl, err := time.ParseDuration(cfg.CacheTTLRaw)
	if err != nil {
		return nil, fmt.Errorf("config: invalid cache_ttl %q: %w", cfg.CacheTTLRaw, err)
	}
	cfg.CacheTTL = ttl

	// mapstructure doesn't populate map keys into the "id" field of struct
	// values; stamp each id from its map key explicitly.
	for id, u := range cfg.Users {
		u.ID = id
		cfg.Users[id] = u
	}
	for id, p := range cfg.Providers {
		p.ID = id
		cfg.Providers[id] = p
	}
	for id, m := range cfg.Models {
		m.ID = id
		for i, b := range m.Backends {
			if b.BillingMode == "" {
				m.Backends[i].BillingMode = BillingPerToken
			}
		}
		cfg.Models[id] = m
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks every invariant named in the data-model's "Invariants on
// load" list. It is also exported directly so tests can build a Config
// literal and validate it without going through a file.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid log_level %q", c.LogLevel)
	}
	switch c.CacheMode {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf("config: invalid cache_mode %q", c.CacheMode)
	}
	if c.CacheMode == "redis" && c.RedisURL == "" {
		return errors.New("config: redis_url is required when cache_mode=redis")
	}

	if c.Settings.MaxInternalRetries < 1 {
		return fmt.Errorf("config: settings.max_internal_retries must be >= 1, got %d", c.Settings.MaxInternalRetries)
	}
	if c.Settings.CircuitBreakerFailureThreshold < 1 {
		return fmt.Errorf("config: settings.circuit_breaker_failure_threshold must be >= 1, got %d", c.Settings.CircuitBreakerFailureThreshold)
	}
	if c.Settings.CircuitBreakerTimeoutSeconds < 1 {
		return errors.New("config: settings.circuit_breaker_timeout_seconds must be positive")
	}
	if c.Settings.RequestTimeoutSeconds < 1 {
		return errors.New("config: settings.request_timeout_seconds must be positive")
	}

	for id, p := range c.Providers {
		if !p.Enabled {
			continue
		}
		if p.BaseURL == "" {
			return fmt.Errorf("config: provider %q: base_url is required", id)
		}
		if p.Kind == "" {
			return fmt.Errorf("config: provider %q: kind is required", id)
		}
	}

	var modelIDs []string
	for id := range c.Models {
		modelIDs = append(modelIDs, id)
	}
	sort.Strings(modelIDs)

	for _, id := range modelIDs {
		lm := c.Models[id]
		if !lm.Enabled {
			continue
		}
		if err := validStrategy(lm.Strategy); err != nil {
			return fmt.Errorf("config: model %q: %w", id, err)
		}

		enabledBackends := 0
		for i, b := range lm.Backends {
			prov, ok := c.Providers[b.Provider]
			if !ok {
				return fmt.Errorf("config: model %q backend[%d]: unknown provider %q", id, i, b.Provider)
			}
			if !prov.hasModel(b.Model) {
				return fmt.Errorf("config: model %q backend[%d]: model %q not declared in provider %q models list", id, i, b.Model, b.Provider)
			}
			if b.Weight <= 0 {
				return fmt.Errorf("config: model %q backend[%d]: weight must be > 0, got %v", id, i, b.Weight)
			}
			if b.Priority < 0 {
				return fmt.Errorf("config: model %q backend[%d]: priority must be >= 0, got %d", id, i, b.Priority)
			}
			if b.Enabled && prov.Enabled {
				enabledBackends++
			}
		}
		if enabledBackends == 0 {
			return fmt.Errorf("config: model %q is enabled but has no enabled backends", id)
		}
	}

	for id, u := range c.Users {
		if !u.Enabled {
			continue
		}
		for _, allowed := range u.AllowedModels {
			if _, ok := c.Models[allowed]; !ok {
				return fmt.Errorf("config: user %q: allowed_models references unknown model %q", id, allowed)
			}
		}
	}

	return nil
}

func validStrategy(s Strategy) error {
	switch s {
	case StrategyRandom, StrategyRoundRobin, StrategyWeightedRandom, StrategyLeastLatency,
		StrategyFailover, StrategyWeightedFailover, StrategySmartWeightedFailover:
		return nil
	default:
		return fmt.Errorf("invalid strategy %q", s)
	}
}

// ModelByClientName resolves the "model" field a client sends in a request
// body to a configured LogicalModel. Clients may address a model by its
// config id or by its declared display `name`; the id is tried first.
func (c *Config) ModelByClientName(name string) (LogicalModel, bool) {
	if lm, ok := c.Models[name]; ok {
		return lm, true
	}
	for _, lm := range c.Models {
		if lm.Name == name {
			return lm, true
		}
	}
	return LogicalModel{}, false
}

// UserByToken returns the enabled user whose token matches, or false.
func (c *Config) UserByToken(token string) (User, bool) {
	for _, u := range c.Users {
		if u.Enabled && u.Token != "" && u.Token == token {
			return u, true
		}
	}
	return User{}, false
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}

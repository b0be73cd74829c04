// Package config loads Relay's YAML configuration file, following the
// same defaults-then-override-then-validate shape as
// cellorg/internal/config.Load: a typed struct, a Load(filename) that
// tolerates a missing file by falling back to defaults, and a
// Validate pass that rejects nonsensical combinations before
// the caller starts wiring components.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// RateLimitConfig mirrors internal/reliability.RateLimitConfig in a
// YAML-friendly shape.
type RateLimitConfig struct {
	Enabled            bool           `yaml:"enabled"`
	WindowSecs         int            `yaml:"windowSecs"`
	MaxPerWindow       int            `yaml:"maxPerWindow"`
	PerSenderOverrides map[string]int `yaml:"perSenderOverrides"`
}

// BreakerConfig mirrors internal/reliability.BreakerConfig.
type BreakerConfig struct {
	Enabled            bool  `yaml:"enabled"`
	FailureThreshold   int   `yaml:"failureThreshold"`
	CooldownMs         int64 `yaml:"cooldownMs"`
	HalfOpenProbeCount int   `yaml:"halfOpenProbeCount"`
	SuccessToClose     int   `yaml:"successToClose"`
}

// BackpressureConfig mirrors internal/reliability.BackpressureConfig.
type BackpressureConfig struct {
	Enabled           bool    `yaml:"enabled"`
	MaxMailboxSize    int     `yaml:"maxMailboxSize"`
	PressureWarningAt float64 `yaml:"pressureWarningAt"`
}

// AccessRule mirrors internal/relaycore.AccessRule.
type AccessRule struct {
	ID    string `yaml:"id"`
	From  string `yaml:"from"`
	To    string `yaml:"to"`
	Allow bool   `yaml:"allow"`
}

// LoggingConfig configures internal/logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Config is the root Relay configuration.
type Config struct {
	DataDir           string          `yaml:"dataDir"`
	MaxHops           int             `yaml:"maxHops"`
	DefaultTTLMs      int64           `yaml:"defaultTtlMs"`
	DefaultCallBudget int             `yaml:"defaultCallBudget"`
	RateLimit         RateLimitConfig `yaml:"rateLimit"`
	Breaker           BreakerConfig   `yaml:"breaker"`
	Backpressure      BackpressureConfig `yaml:"backpressure"`
	AccessRules       []AccessRule    `yaml:"accessRules"`
	Logging           LoggingConfig   `yaml:"logging"`
	AdaptersConfigDir string          `yaml:"adaptersConfigDir"`
	BindingsConfigDir string          `yaml:"bindingsConfigDir"`
}

// Defaults returns the configuration used when no file is present, or to
// fill in fields a partial file omits.
func Defaults() Config {
	return Config{
		DataDir:           "./data",
		MaxHops:           5,
		DefaultTTLMs:      int64(60 * 60 * 1000),
		DefaultCallBudget: 10,
		RateLimit:         RateLimitConfig{Enabled: false, WindowSecs: 60, MaxPerWindow: 100},
		Breaker:           BreakerConfig{Enabled: true, FailureThreshold: 5, CooldownMs: 30000, HalfOpenProbeCount: 1, SuccessToClose: 2},
		Backpressure:      BackpressureConfig{Enabled: true, MaxMailboxSize: 1000, PressureWarningAt: 0.8},
		Logging:           LoggingConfig{Level: "info", JSON: false},
		AdaptersConfigDir: "./data/adapters",
		BindingsConfigDir: "./data/bindings",
	}
}

// Load reads filename and merges it over Defaults(). A missing file is
// not an error: Load returns the defaults unchanged, matching the
// teacher's tolerant config-loading convention.
func Load(filename string) (Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config %s: %w", filename, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", filename, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate rejects nonsensical configuration combinations.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("dataDir must not be empty")
	}
	if c.MaxHops <= 0 {
		return fmt.Errorf("maxHops must be positive")
	}
	if c.DefaultCallBudget <= 0 {
		return fmt.Errorf("defaultCallBudget must be positive")
	}
	if c.Backpressure.Enabled && c.Backpressure.MaxMailboxSize <= 0 {
		return fmt.Errorf("backpressure.maxMailboxSize must be positive when enabled")
	}
	if c.RateLimit.Enabled && c.RateLimit.MaxPerWindow <= 0 {
		return fmt.Errorf("rateLimit.maxPerWindow must be positive when enabled")
	}
	return nil
}

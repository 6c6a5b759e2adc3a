// Package config holds the server configuration
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Store backends
const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

// Config represents the server configuration
type Config struct {
	Debug bool   `yaml:"debug"`
	Port  string `yaml:"port"`

	FrontendOrigin string `yaml:"frontend-origin"`
	// AuthTokens is a comma-separated list of token:userID pairs
	AuthTokens string `yaml:"auth-tokens"`

	Store       string `yaml:"store"`
	RedisURL    string `yaml:"redis-url"`
	RedisPrefix string `yaml:"redis-prefix"`
	DatabaseURL string `yaml:"database-url"`

	Game GameConfig `yaml:"game"`
}

// GameConfig tunes sessions and the finalizer
type GameConfig struct {
	InitialTimeMs    int64 `yaml:"initial-time-ms"`
	TickMs           int64 `yaml:"tick-ms"`
	KFactor          int   `yaml:"k-factor"`
	FinalizeAttempts int   `yaml:"finalize-attempts"`
}

// InitialTime is the time each side starts with
func (g GameConfig) InitialTime() time.Duration {
	return time.Duration(g.InitialTimeMs) * time.Millisecond
}

// Tick is the clock update interval
func (g GameConfig) Tick() time.Duration {
	return time.Duration(g.TickMs) * time.Millisecond
}

// Default returns the configuration used when nothing overrides it
func Default() *Config {
	return &Config{
		Port:        "8080",
		Store:       StoreMemory,
		RedisPrefix: "arena:",
		Game: GameConfig{
			InitialTimeMs:    10 * 60 * 1000,
			TickMs:           1000,
			KFactor:          32,
			FinalizeAttempts: 5,
		},
	}
}

// Load reads the YAML file at path, if any, over the defaults and then
// applies environment overrides
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("config: %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from the environment
func (c *Config) ApplyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	str("PORT", &c.Port)
	str("FRONTEND_ORIGIN", &c.FrontendOrigin)
	str("AUTH_TOKENS", &c.AuthTokens)
	str("STORE", &c.Store)
	str("REDIS_URL", &c.RedisURL)
	str("REDIS_PREFIX", &c.RedisPrefix)
	str("DATABASE_URL", &c.DatabaseURL)

	var errs []error
	num := func(key string, set func(int64)) {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
			return
		}
		set(n)
	}
	num("INITIAL_TIME_MS", func(n int64) { c.Game.InitialTimeMs = n })
	num("TICK_MS", func(n int64) { c.Game.TickMs = n })
	num("K_FACTOR", func(n int64) { c.Game.KFactor = int(n) })
	num("FINALIZE_ATTEMPTS", func(n int64) { c.Game.FinalizeAttempts = int(n) })

	return errors.Join(errs...)
}

// Validate checks the settings the server cannot start without
func (c *Config) Validate() error {
	switch c.Store {
	case StoreMemory:
	case StoreRedis:
		if c.RedisURL == "" {
			return errors.New("config: redis store needs REDIS_URL")
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			return errors.New("config: postgres store needs DATABASE_URL")
		}
	default:
		return fmt.Errorf("config: unknown store %q", c.Store)
	}

	if c.Game.InitialTimeMs <= 0 {
		return errors.New("config: initial time must be positive")
	}
	if c.Game.TickMs <= 0 {
		return errors.New("config: tick must be positive")
	}
	return nil
}

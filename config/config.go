// Package config loads process settings from the environment and the rate
// limit policy from a YAML file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"golang.org/x/exp/slog"
)

// Config holds the process settings of the rategate binary.
type Config struct {
	Port     int    `envconfig:"SERVER_PORT" default:"8080"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// RedisURL selects the distributed backend; empty keeps everything in memory.
	RedisURL     string `envconfig:"REDIS_URL"`
	RedisPrefix  string `envconfig:"REDIS_PREFIX" default:"rategate"`
	StreamMaxLen int64  `envconfig:"STREAM_MAX_LEN" default:"10000"`
	// ReplayWindow replays this much broker history on startup.
	ReplayWindow time.Duration `envconfig:"REPLAY_WINDOW" default:"0s"`

	PolicyFile  string `envconfig:"POLICY_FILE" default:"policy.yaml"`
	WatchPolicy bool   `envconfig:"WATCH_POLICY" default:"true"`

	TrustedProxyDepth int `envconfig:"TRUSTED_PROXY_DEPTH" default:"0"`
	// APIKeyHeader is read only for keys listed in the policy's api_keys.
	APIKeyHeader string `envconfig:"API_KEY_HEADER" default:"X-API-Key"`

	NTPHost       string        `envconfig:"NTP_HOST"`
	SweepInterval time.Duration `envconfig:"SWEEP_INTERVAL" default:"1m"`

	TierCacheSize int64         `envconfig:"TIER_CACHE_SIZE" default:"10000"`
	TierCacheTTL  time.Duration `envconfig:"TIER_CACHE_TTL" default:"30s"`
}

// Load reads .env when present, then the environment.
func Load() (Config, error) {
	if err := LoadEnvFile(".env"); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("process env: %w", err)
	}
	return cfg, nil
}

// LoadEnvFile loads path into the environment if it exists. Variables already
// set are not overridden.
func LoadEnvFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		slog.Warn(fmt.Sprintf("Unexpected error looking for %s file: %s", path, err))
	}
	return nil
}

// Level maps LogLevel to a slog level, defaulting to info.
func (c Config) Level() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/parkerroan/rategate/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("SERVER_PORT", "")
	os.Unsetenv("SERVER_PORT")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "policy.yaml", cfg.PolicyFile)
	assert.Equal(t, time.Minute, cfg.SweepInterval)
	assert.Equal(t, 30*time.Second, cfg.TierCacheTTL)
	assert.True(t, cfg.WatchPolicy)
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("REDIS_URL", "localhost:6379")
	t.Setenv("TRUSTED_PROXY_DEPTH", "2")
	t.Setenv("SWEEP_INTERVAL", "15s")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "localhost:6379", cfg.RedisURL)
	assert.Equal(t, 2, cfg.TrustedProxyDepth)
	assert.Equal(t, 15*time.Second, cfg.SweepInterval)
	assert.Equal(t, slog.LevelDebug, cfg.Level())
}

func TestLoad_BadValue(t *testing.T) {
	t.Setenv("SERVER_PORT", "not-a-number")
	_, err := config.Load()
	assert.Error(t, err)
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("RATEGATE_TEST_VALUE=from-file\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("RATEGATE_TEST_VALUE") })

	require.NoError(t, config.LoadEnvFile(path))
	assert.Equal(t, "from-file", os.Getenv("RATEGATE_TEST_VALUE"))

	assert.NoError(t, config.LoadEnvFile(filepath.Join(t.TempDir(), "missing.env")))
}

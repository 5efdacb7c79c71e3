package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/hitl/internal/correlation"
	"github.com/rendis/hitl/internal/scheduler"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg := loadConfig()
	assert.Equal(t, ":4300", cfg.ListenAddr)
	assert.Equal(t, "http://localhost:4300", cfg.PublicBaseURL)
	assert.Equal(t, correlation.BackendDurable, cfg.CorrelationBackend)
	assert.Equal(t, scheduler.DefaultSpec, cfg.SweepCron)
	assert.Equal(t, 168, cfg.RetentionHours)
	assert.Equal(t, 10, cfg.PoolSize)
	assert.Equal(t, filepath.Join(hitlDir(), "hitl.db"), cfg.DBPath)
}

func TestLoadConfig_Layering(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	require.NoError(t, os.MkdirAll(filepath.Join(home, ".hitl"), 0o700))

	settings, err := json.Marshal(map[string]any{
		"listen_addr":         ":5000",
		"log_level":           "debug",
		"correlation_backend": "redis",
		"pool_size":           3,
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(settingsPath(), settings, 0o600))

	t.Setenv("HITL_LOG_LEVEL", "warn")
	t.Setenv("HITL_INDEFINITE_WAIT", "true")
	t.Setenv("HITL_POOL_SIZE", "not-a-number")

	cfg := loadConfig()
	assert.Equal(t, ":5000", cfg.ListenAddr)
	assert.Equal(t, "http://localhost:5000", cfg.PublicBaseURL)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, correlation.BackendRedis, cfg.CorrelationBackend)
	assert.True(t, cfg.IndefiniteWait)
	assert.Equal(t, 3, cfg.PoolSize)
}

func TestDiffConfigs(t *testing.T) {
	old := defaultConfig()

	d := diffConfigs(old, old)
	assert.False(t, d.LogLevelChanged)
	assert.False(t, d.SweepChanged)
	assert.Empty(t, d.RestartNeeded)

	next := old
	next.LogLevel = "debug"
	next.RetentionHours = 24
	next.ListenAddr = ":9999"
	next.RedisPrefix = "other"
	d = diffConfigs(old, next)
	assert.True(t, d.LogLevelChanged)
	assert.True(t, d.SweepChanged)
	assert.Equal(t, []string{"listen_addr", "redis"}, d.RestartNeeded)
}

func TestInstallConfig(t *testing.T) {
	base := defaultConfig()
	base.PublicBaseURL = ""

	cfg, err := installConfig([]string{"-listen-addr", ":7000", "-mcp-stdio", "-sweep-cron", "@hourly"}, base)
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.ListenAddr)
	assert.Equal(t, "http://localhost:7000", cfg.PublicBaseURL)
	assert.True(t, cfg.MCPStdio)
	assert.Equal(t, "@hourly", cfg.SweepCron)
	assert.Len(t, cfg.VaultSalt, 32)

	base.VaultSalt = "fixed"
	cfg, err = installConfig(nil, base)
	require.NoError(t, err)
	assert.Equal(t, "fixed", cfg.VaultSalt)

	_, err = installConfig([]string{"-unknown"}, base)
	assert.Error(t, err)
}

func TestWriteSettings_OmitsSecrets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "settings.json")
	cfg := defaultConfig()
	cfg.VaultPassphrase = "hunter2"
	cfg.RedisPassword = "secret"
	cfg.VaultSalt = "abcd"

	require.NoError(t, writeSettings(path, cfg))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.NotContains(t, raw, "vault_passphrase")
	assert.NotContains(t, raw, "redis_password")
	assert.Equal(t, "abcd", raw["vault_salt"])
}

package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rendis/hitl/internal/correlation"
	"github.com/rendis/hitl/internal/dispatch"
	"github.com/rendis/hitl/internal/scheduler"
	"github.com/rendis/hitl/pkg/schema"
)

// Config holds all daemon configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr         string `json:"listen_addr"`
	PublicBaseURL      string `json:"public_base_url"`
	DBPath             string `json:"db_path"`
	LogLevel           string `json:"log_level"`
	CorrelationBackend string `json:"correlation_backend"`
	RedisAddr          string `json:"redis_addr"`
	RedisPassword      string `json:"redis_password,omitempty"`
	RedisDB            int    `json:"redis_db"`
	RedisPrefix        string `json:"redis_prefix"`
	// VaultPassphrase is never written by install; pass it through HITL_VAULT_PASSPHRASE.
	VaultPassphrase   string `json:"vault_passphrase,omitempty"`
	VaultSalt         string `json:"vault_salt"`
	SweepCron         string `json:"sweep_cron"`
	RetentionHours    int    `json:"retention_hours"`
	WebhookPath       string `json:"webhook_path"`
	StrictFormSchema  bool   `json:"strict_form_schema"`
	IndefiniteWait    bool   `json:"indefinite_wait"`
	MCPStdio          bool   `json:"mcp_stdio"`
	PoolSize          int    `json:"pool_size"`
	DispatchTimeoutMS int    `json:"dispatch_timeout_ms"`
	// BreakerThreshold of 0 disables the decision service circuit breaker.
	BreakerThreshold  int `json:"breaker_threshold"`
	BreakerCooldownMS int `json:"breaker_cooldown_ms"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:         ":4300",
		DBPath:             filepath.Join(hitlDir(), "hitl.db"),
		LogLevel:           "info",
		CorrelationBackend: correlation.BackendDurable,
		RedisAddr:          "localhost:6379",
		RedisPrefix:        "hitl",
		SweepCron:          scheduler.DefaultSpec,
		RetentionHours:     int(scheduler.DefaultRetention / time.Hour),
		WebhookPath:        schema.DefaultWebhookPath,
		PoolSize:           10,
		DispatchTimeoutMS:  30_000,
		BreakerThreshold:   dispatch.DefaultBreakerConfig().FailureThreshold,
		BreakerCooldownMS:  int(dispatch.DefaultBreakerConfig().Cooldown / time.Millisecond),
	}
}

func hitlDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".hitl"
	}
	return filepath.Join(home, ".hitl")
}

func settingsPath() string {
	return filepath.Join(hitlDir(), "settings.json")
}

func pidPath() string {
	return filepath.Join(hitlDir(), "hitld.pid")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	envString("HITL_LISTEN_ADDR", &cfg.ListenAddr)
	envString("HITL_PUBLIC_BASE_URL", &cfg.PublicBaseURL)
	envString("HITL_DB_PATH", &cfg.DBPath)
	envString("HITL_LOG_LEVEL", &cfg.LogLevel)
	envString("HITL_CORRELATION_BACKEND", &cfg.CorrelationBackend)
	envString("HITL_REDIS_ADDR", &cfg.RedisAddr)
	envString("HITL_REDIS_PASSWORD", &cfg.RedisPassword)
	envInt("HITL_REDIS_DB", &cfg.RedisDB)
	envString("HITL_REDIS_PREFIX", &cfg.RedisPrefix)
	envString("HITL_VAULT_PASSPHRASE", &cfg.VaultPassphrase)
	envString("HITL_VAULT_SALT", &cfg.VaultSalt)
	envString("HITL_SWEEP_CRON", &cfg.SweepCron)
	envInt("HITL_RETENTION_HOURS", &cfg.RetentionHours)
	envString("HITL_WEBHOOK_PATH", &cfg.WebhookPath)
	envBool("HITL_STRICT_FORM_SCHEMA", &cfg.StrictFormSchema)
	envBool("HITL_INDEFINITE_WAIT", &cfg.IndefiniteWait)
	envBool("HITL_MCP_STDIO", &cfg.MCPStdio)
	envInt("HITL_POOL_SIZE", &cfg.PoolSize)
	envInt("HITL_DISPATCH_TIMEOUT_MS", &cfg.DispatchTimeoutMS)
	envInt("HITL_BREAKER_THRESHOLD", &cfg.BreakerThreshold)
	envInt("HITL_BREAKER_COOLDOWN_MS", &cfg.BreakerCooldownMS)

	// Derive the public base URL from listen_addr if empty.
	if cfg.PublicBaseURL == "" {
		cfg.PublicBaseURL = "http://localhost" + cfg.ListenAddr
	}
	return cfg
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "true" || v == "1"
	}
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	LogLevelChanged bool
	SweepChanged    bool
	RestartNeeded   []string // fields that require a daemon restart
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
	}
	if old.SweepCron != new.SweepCron || old.RetentionHours != new.RetentionHours {
		d.SweepChanged = true
	}
	restart := []struct {
		name    string
		changed bool
	}{
		{"listen_addr", old.ListenAddr != new.ListenAddr},
		{"public_base_url", old.PublicBaseURL != new.PublicBaseURL},
		{"db_path", old.DBPath != new.DBPath},
		{"correlation_backend", old.CorrelationBackend != new.CorrelationBackend},
		{"redis", old.RedisAddr != new.RedisAddr || old.RedisPassword != new.RedisPassword ||
			old.RedisDB != new.RedisDB || old.RedisPrefix != new.RedisPrefix},
		{"vault", old.VaultPassphrase != new.VaultPassphrase || old.VaultSalt != new.VaultSalt},
		{"webhook_path", old.WebhookPath != new.WebhookPath},
		{"strict_form_schema", old.StrictFormSchema != new.StrictFormSchema},
		{"indefinite_wait", old.IndefiniteWait != new.IndefiniteWait},
		{"mcp_stdio", old.MCPStdio != new.MCPStdio},
		{"pool_size", old.PoolSize != new.PoolSize},
		{"dispatch_timeout_ms", old.DispatchTimeoutMS != new.DispatchTimeoutMS},
		{"breaker", old.BreakerThreshold != new.BreakerThreshold || old.BreakerCooldownMS != new.BreakerCooldownMS},
	}
	for _, r := range restart {
		if r.changed {
			d.RestartNeeded = append(d.RestartNeeded, r.name)
		}
	}
	return d
}

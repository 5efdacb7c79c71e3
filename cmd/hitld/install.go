package main

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

func runInstall(args []string) {
	cfg, err := installConfig(args, loadConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	dir := hitlDir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot create %s: %v\n", dir, err)
		os.Exit(1)
	}

	path := settingsPath()
	if err := writeSettings(path, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Config written to %s\n", path)

	// Signal running server to reload, or start a new one.
	if signalRunningServer() {
		return
	}
	if os.Getenv("HITL_VAULT_PASSPHRASE") == "" {
		fmt.Println("Set HITL_VAULT_PASSPHRASE and run `hitld serve` to start the daemon")
		return
	}
	runServe()
}

// installConfig applies install flags on top of base. A vault salt is
// generated when none exists yet.
func installConfig(args []string, base Config) (Config, error) {
	fs := flag.NewFlagSet("install", flag.ContinueOnError)
	listenAddr := fs.String("listen-addr", base.ListenAddr, "TCP listen address")
	publicURL := fs.String("public-base-url", base.PublicBaseURL, "public base URL used in callback URLs")
	dbPath := fs.String("db-path", base.DBPath, "database path")
	logLevel := fs.String("log-level", base.LogLevel, "log level: debug, info, warn, error")
	backend := fs.String("correlation-backend", base.CorrelationBackend, "correlation backend: memory, redis, durable")
	redisAddr := fs.String("redis-addr", base.RedisAddr, "redis address")
	redisDB := fs.Int("redis-db", base.RedisDB, "redis database")
	redisPrefix := fs.String("redis-prefix", base.RedisPrefix, "redis key prefix")
	sweepCron := fs.String("sweep-cron", base.SweepCron, "cron spec of the maintenance sweep")
	retention := fs.Int("retention-hours", base.RetentionHours, "hours resolved requests are kept")
	webhookPath := fs.String("webhook-path", base.WebhookPath, "path segment of callback URLs")
	strict := fs.Bool("strict-form-schema", base.StrictFormSchema, "reject malformed formSchema")
	indefinite := fs.Bool("indefinite-wait", base.IndefiniteWait, "wait without deadline when timeoutMinutes is 0")
	mcpStdio := fs.Bool("mcp-stdio", base.MCPStdio, "serve MCP operator tools on stdio")
	poolSize := fs.Int("pool-size", base.PoolSize, "resume pool size")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := base
	cfg.ListenAddr = *listenAddr
	cfg.PublicBaseURL = *publicURL
	cfg.DBPath = *dbPath
	cfg.LogLevel = *logLevel
	cfg.CorrelationBackend = *backend
	cfg.RedisAddr = *redisAddr
	cfg.RedisDB = *redisDB
	cfg.RedisPrefix = *redisPrefix
	cfg.SweepCron = *sweepCron
	cfg.RetentionHours = *retention
	cfg.WebhookPath = *webhookPath
	cfg.StrictFormSchema = *strict
	cfg.IndefiniteWait = *indefinite
	cfg.MCPStdio = *mcpStdio
	cfg.PoolSize = *poolSize

	if cfg.VaultSalt == "" {
		salt := make([]byte, 16)
		if _, err := rand.Read(salt); err != nil {
			return Config{}, fmt.Errorf("generate vault salt: %w", err)
		}
		cfg.VaultSalt = hex.EncodeToString(salt)
	}
	if cfg.PublicBaseURL == "" {
		cfg.PublicBaseURL = "http://localhost" + cfg.ListenAddr
	}
	return cfg, nil
}

// writeSettings persists cfg without secrets.
func writeSettings(path string, cfg Config) error {
	cfg.VaultPassphrase = ""
	cfg.RedisPassword = ""
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write %s: %w", path, err)
	}
	return nil
}

// signalRunningServer sends SIGHUP to a running daemon (via pidfile).
// Returns true if the daemon was signaled (caller should NOT start a new one).
func signalRunningServer() bool {
	data, err := os.ReadFile(pidPath())
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Check if process is alive.
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return false
	}
	if err := proc.Signal(syscall.SIGHUP); err != nil {
		return false
	}
	fmt.Printf("Signaled running daemon (PID %d) to reload configuration\n", pid)
	return true
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/rendis/hitl/internal/correlation"
	"github.com/rendis/hitl/internal/dispatch"
	"github.com/rendis/hitl/internal/expressions"
	"github.com/rendis/hitl/internal/hitl"
	"github.com/rendis/hitl/internal/host"
	"github.com/rendis/hitl/internal/logging"
	"github.com/rendis/hitl/internal/request"
	"github.com/rendis/hitl/internal/scheduler"
	"github.com/rendis/hitl/internal/secrets"
	"github.com/rendis/hitl/internal/store"
	"github.com/rendis/hitl/internal/streaming"
	"github.com/rendis/hitl/internal/validation"
	hitlmcp "github.com/rendis/hitl/pkg/mcp"
)

const (
	shutdownTimeout     = 15 * time.Second
	credentialCacheSize = 64
)

func runServe() {
	if err := serve(loadConfig()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func serve(cfg Config) error {
	level := new(slog.LevelVar)
	level.Set(logging.ParseLevel(cfg.LogLevel))
	logger := logging.New(os.Stderr, level)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return err
	}

	hub := streaming.NewMemoryHub()
	events := streaming.NewPublishingStore(st, hub)

	corr, closeCorr, err := openCorrelation(ctx, cfg, st)
	if err != nil {
		return err
	}
	defer closeCorr()

	vault, err := secrets.NewAESVault(st, secrets.VaultConfig{
		Passphrase: cfg.VaultPassphrase,
		Salt:       []byte(cfg.VaultSalt),
	})
	if err != nil {
		return fmt.Errorf("open vault (set HITL_VAULT_PASSPHRASE and vault_salt): %w", err)
	}
	creds, err := secrets.NewCredentialStore(vault, secrets.WithCache(credentialCacheSize))
	if err != nil {
		return err
	}

	validator, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return err
	}
	interp, err := expressions.NewDefaultInterpolator()
	if err != nil {
		return err
	}

	builderOpts := []request.Option{request.WithLogger(logger)}
	if cfg.StrictFormSchema {
		builderOpts = append(builderOpts, request.WithStrictFormSchema(validator))
	}
	client := dispatch.New(dispatch.Config{
		Timeout: time.Duration(cfg.DispatchTimeoutMS) * time.Millisecond,
		Breaker: dispatch.BreakerConfig{
			FailureThreshold: cfg.BreakerThreshold,
			Cooldown:         time.Duration(cfg.BreakerCooldownMS) * time.Millisecond,
		},
	})

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	coord := hitl.NewCoordinator(corr, request.NewBuilder(builderOpts...), client, validator,
		hitl.WithInterpolator(interp),
		hitl.WithEvents(store.NewEventLog(events)),
		hitl.WithMetrics(hitl.NewMetrics(reg, "hitl")),
		hitl.WithLogger(logger),
		hitl.WithIndefiniteWait(cfg.IndefiniteWait),
	)

	rt := host.New(host.Config{
		PublicBaseURL: cfg.PublicBaseURL,
		WebhookPath:   cfg.WebhookPath,
		PoolSize:      cfg.PoolSize,
	}, host.Deps{
		Store:       events,
		Coordinator: coord,
		Credentials: creds,
		Health:      client,
		Inputs:      validator,
		Logger:      logger,
	})
	defer rt.Close()
	reg.MustRegister(host.NewPoolCollector(rt.Pool(), "hitl"))
	if _, err := rt.Recover(ctx); err != nil {
		return err
	}

	sweeper, err := startSweeper(ctx, cfg, st, rt, logger)
	if err != nil {
		return err
	}
	defer func() { _ = sweeper.Stop() }()

	api := host.NewServer(host.ServerDeps{
		Runtime:   rt,
		Validator: validator,
		Gatherer:  reg,
		Hub:       hub,
		Logger:    logger,
	}).Handler()
	swapper := newHandlerSwapper(api)
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           swapper,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv.RegisterOnShutdown(hub.Close)

	if err := os.WriteFile(pidPath(), []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		logger.Warn("failed to write pidfile", slog.String("error", err.Error()))
	}
	defer os.Remove(pidPath())

	errCh := make(chan error, 1)
	go func() {
		logger.Info("hitld listening",
			slog.String("addr", cfg.ListenAddr),
			slog.String("public_base_url", cfg.PublicBaseURL),
			slog.String("correlation_backend", cfg.CorrelationBackend),
			slog.String("version", version),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if cfg.MCPStdio {
		mcpSrv := hitlmcp.NewServer(hitlmcp.ServerDeps{Operator: rt, Requests: st, Logger: logger}, version)
		go func() {
			if err := mcpSrv.Serve(ctx); err != nil && ctx.Err() == nil {
				logger.Error("mcp stdio server stopped", slog.String("error", err.Error()))
			}
		}()
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			swapper.Swap(drainingHandler())
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		case err := <-errCh:
			return err
		case <-hup:
			next := loadConfig()
			d := diffConfigs(cfg, next)
			if d.LogLevelChanged {
				level.Set(logging.ParseLevel(next.LogLevel))
				cfg.LogLevel = next.LogLevel
				logger.Info("log level changed", slog.String("level", next.LogLevel))
			}
			if d.SweepChanged {
				replacement, err := startSweeper(ctx, next, st, rt, logger)
				if err != nil {
					logger.Error("sweep config rejected", slog.String("error", err.Error()))
				} else {
					_ = sweeper.Stop()
					sweeper = replacement
					cfg.SweepCron, cfg.RetentionHours = next.SweepCron, next.RetentionHours
				}
			}
			if len(d.RestartNeeded) > 0 {
				logger.Warn("config changes need a restart", slog.Any("fields", d.RestartNeeded))
			}
		}
	}
}

func openCorrelation(ctx context.Context, cfg Config, st store.Store) (correlation.Store, func(), error) {
	noop := func() {}
	switch cfg.CorrelationBackend {
	case correlation.BackendMemory:
		return correlation.NewMemoryStore(), noop, nil
	case correlation.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, noop, fmt.Errorf("ping redis %s: %w", cfg.RedisAddr, err)
		}
		rs := correlation.NewRedisStore(client, cfg.RedisPrefix,
			correlation.WithRetention(time.Duration(cfg.RetentionHours)*time.Hour))
		return rs, func() { _ = client.Close() }, nil
	case "", correlation.BackendDurable:
		return correlation.NewDurableStore(st), noop, nil
	default:
		return nil, noop, fmt.Errorf("unknown correlation backend %q", cfg.CorrelationBackend)
	}
}

func startSweeper(ctx context.Context, cfg Config, st store.Store, rt *host.Runtime, logger *slog.Logger) (*scheduler.Sweeper, error) {
	sw, err := scheduler.NewSweeper(st, rt, scheduler.Config{
		Spec:      cfg.SweepCron,
		Retention: time.Duration(cfg.RetentionHours) * time.Hour,
	}, logger)
	if err != nil {
		return nil, err
	}
	if err := sw.Start(ctx); err != nil {
		return nil, err
	}
	return sw, nil
}

// drainingHandler answers 503 while in-flight requests finish.
func drainingHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "5")
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
	})
}

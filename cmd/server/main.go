// Command server runs the PanelForge gateway: an HTTP front end that
// coordinates idempotent, credit-metered comic-panel generation across a
// chain of image providers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/panelforge/panelforge/internal/api"
	"github.com/panelforge/panelforge/internal/artifact"
	"github.com/panelforge/panelforge/internal/auth"
	"github.com/panelforge/panelforge/internal/config"
	"github.com/panelforge/panelforge/internal/coordinator"
	"github.com/panelforge/panelforge/internal/credit"
	"github.com/panelforge/panelforge/internal/fallback"
	"github.com/panelforge/panelforge/internal/idempotency"
	"github.com/panelforge/panelforge/internal/observability"
	"github.com/panelforge/panelforge/internal/provider"
	"github.com/panelforge/panelforge/internal/provider/providers"
	"github.com/panelforge/panelforge/internal/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	bootLogger := observability.NewLogger("info", "json")

	manager, err := config.NewManager(configPath, bootLogger)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := manager.Current()

	logger := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing.Enabled {
		shutdown, err := observability.InitTracing(ctx, observability.TracingOptions{
			Endpoint:    cfg.Tracing.Endpoint,
			ServiceName: cfg.Tracing.ServiceName,
			SampleRate:  cfg.Tracing.SampleRate,
			Insecure:    cfg.Tracing.Insecure,
		})
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Warn("tracer shutdown failed", "error", err)
			}
		}()
	}

	redisStore, err := store.NewRedisStore(cfg.Redis)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer redisStore.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = redisStore.Ping(pingCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("redis unreachable: %w", err)
	}

	registry := provider.NewRegistry()
	providers.Register(registry)
	for _, pc := range cfg.Providers {
		if _, err := registry.Create(provider.Config{
			Name:       pc.Name,
			Type:       pc.Type,
			APIKey:     pc.APIKey,
			BaseURL:    pc.BaseURL,
			TimeoutSec: pc.TimeoutSec,
		}); err != nil {
			return fmt.Errorf("configure provider %s: %w", pc.Name, err)
		}
	}
	logger.Info("providers configured", "providers", registry.Names())

	artifacts, err := buildArtifactStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("configure artifact store: %w", err)
	}

	idem := idempotency.NewCoordinator(redisStore, idempotency.Config{
		LockTTL:   cfg.Idempotency.LockTTL,
		ReplayTTL: cfg.Idempotency.ReplayTTL,
	}, logger)
	ledger := credit.NewLedger(redisStore, credit.Config{
		Capacity: cfg.Credit.Capacity,
		Window:   cfg.Credit.Window,
	}, logger)
	exec := fallback.NewExecutor(logger)
	coord := coordinator.New(idem, ledger, exec, logger)

	verifier, err := auth.NewVerifier(auth.VerifierConfig{
		Secret:   cfg.Auth.JWTSecret,
		CacheTTL: cfg.Auth.CacheTTL,
	}, logger)
	if err != nil {
		return fmt.Errorf("configure auth: %w", err)
	}

	var limiter *auth.IPRateLimiter
	if cfg.RateLimit.Enabled {
		limiter = auth.NewIPRateLimiter(auth.IPRateLimiterConfig{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
		})
		defer limiter.Close()
	}

	handler := api.NewHandler(api.HandlerConfig{
		Coordinator: coord,
		Ledger:      ledger,
		Registry:    registry,
		Artifacts:   artifacts,
		Profiles:    func() []fallback.Profile { return manager.Current().Profiles },
		Capacity:    cfg.Credit.Capacity,
		Logger:      logger,
	})

	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Path
	}
	router := api.NewRouter(api.RouterConfig{
		Handler:     handler,
		Verifier:    verifier,
		RateLimiter: limiter,
		MetricsPath: metricsPath,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		if err := manager.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("config watcher stopped", "error", err)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func buildArtifactStore(ctx context.Context, cfg *config.Config) (artifact.Store, error) {
	switch cfg.Artifacts.Backend {
	case "s3":
		return artifact.NewS3Store(ctx, cfg.Artifacts.S3)
	case "memory":
		return artifact.NewMemoryStore(""), nil
	default:
		return nil, fmt.Errorf("unknown artifact backend %q", cfg.Artifacts.Backend)
	}
}

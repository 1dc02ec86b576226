// Package main is the entry point for the PerkLedger API server.
//
// It loads configuration, connects the Postgres pool, wires the entitlement
// engine with its billing and notification ports, builds the HTTP server with
// the core chassis (middleware, routing, health checks), and starts listening
// for requests.
//
// Graceful shutdown is handled via OS signal interception (SIGINT, SIGTERM).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"

	"perkledger/internal/api/handlers"
	"perkledger/internal/config"
	"perkledger/internal/core"
	"perkledger/internal/db"
	"perkledger/internal/entitlements"
	"perkledger/internal/external"
	"perkledger/internal/notifications"
	"perkledger/internal/tiers"
	"perkledger/internal/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	ctx := context.Background()

	// SSM resolution is bypassed by the loader when APP_ENV=local, so the
	// provider is safe to construct unconditionally.
	cfg, err := config.LoadConfig(config.NewSSMProvider(os.Getenv("AWS_REGION")))
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("perkledger API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
	)

	clock := types.RealClock{}
	typedLogger := &slogAdapter{logger: logger}

	// Database pool.
	pool, err := newDBPool(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connecting database: %w", err)
	}

	ledgerRepo := db.NewLedgerRepo(pool, logger)
	auditRepo := db.NewAuditRepo(pool, logger)

	// Tier catalog: the built-in catalog unless an override is configured.
	catalog, err := loadCatalog(cfg)
	if err != nil {
		pool.Close()
		return fmt.Errorf("loading tier catalog: %w", err)
	}

	// External billing clients (stubs in local/test mode).
	registry, err := external.NewClientRegistry(cfg, logger)
	if err != nil {
		pool.Close()
		return fmt.Errorf("initializing external clients: %w", err)
	}

	// AWS-backed metrics and notifications. Local mode runs without AWS
	// credentials, so both fall back to no-ops.
	var metrics core.MetricsCollector = notifications.NoopMetrics{}
	var opMetrics notifications.Metrics = notifications.NoopMetrics{}
	var notifier types.NotificationPort
	if cfg.Environment != "local" && !cfg.IsTestMode {
		awsCfg, err := loadAWSConfig(ctx, cfg)
		if err != nil {
			pool.Close()
			return fmt.Errorf("loading AWS configuration: %w", err)
		}
		cw := notifications.NewCloudWatchMetrics(
			cloudwatch.NewFromConfig(awsCfg),
			cfg.Observability.MetricNamespace,
			typedLogger,
		)
		metrics = cw
		opMetrics = cw
		notifier = notifications.NewQueuePublisher(
			sqs.NewFromConfig(awsCfg),
			cfg.AWS.NotificationQueue,
			clock,
			typedLogger,
		)
	}

	engine, err := entitlements.NewEngine(entitlements.EngineConfig{
		Catalog:  catalog,
		Clock:    clock,
		Billing:  registry.Billing,
		Notifier: notifier,
		Audit:    auditRepo,
		Logger:   logger,
	})
	if err != nil {
		pool.Close()
		return fmt.Errorf("constructing entitlement engine: %w", err)
	}

	priceTier, err := external.ParsePriceTierMap(cfg.Billing.PriceTierMap)
	if err != nil {
		pool.Close()
		return fmt.Errorf("parsing price tier map: %w", err)
	}

	// Build the server.
	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		pool.Close()
		return fmt.Errorf("creating server: %w", err)
	}
	srv.Metrics = metrics
	srv.HealthProbes = append(srv.HealthProbes, &core.DatabaseProbe{Pool: pool})
	srv.Closers = append(srv.Closers, pool.Close)

	entitlementsHandler := handlers.NewEntitlementsHandler(
		ledgerRepo,
		engine,
		auditRepo,
		registry.Tiers,
		opMetrics,
		srv.Validator,
		clock,
		logger,
	)
	webhookHandler := handlers.NewStripeWebhookHandler(
		registry.StripeVerifier,
		ledgerRepo,
		priceTier,
		cfg.Billing.StripeWebhookSecret.Unmask(),
		logger,
	)
	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars,
		entitlementsHandler.RegisterRoutes,
		webhookHandler.RegisterRoutes,
	)

	srv.MountRoutes()

	return runHTTPServer(srv, cfg, logger)
}

// newDBPool builds the pgx connection pool with the configured tuning knobs.
func newDBPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL.Unmask())
	if err != nil {
		return nil, fmt.Errorf("parsing database URL: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.Database.MaxConns)
	poolCfg.MinConns = int32(cfg.Database.MinConns)
	poolCfg.MaxConnLifetime = cfg.Database.MaxConnLifetime
	poolCfg.HealthCheckPeriod = cfg.Database.HealthCheckPeriod

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return pool, nil
}

// loadCatalog returns the configured tier catalog, preferring the JSON
// override when one is set.
func loadCatalog(cfg *config.Config) (tiers.Catalog, error) {
	if cfg.Entitlements.CatalogJSON != "" {
		return tiers.LoadCatalog([]byte(cfg.Entitlements.CatalogJSON))
	}
	return tiers.NewStaticCatalog(), nil
}

// loadAWSConfig builds the shared AWS SDK configuration, honoring the
// LocalStack endpoint override when set.
func loadAWSConfig(ctx context.Context, cfg *config.Config) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.AWS.Region),
	}
	if cfg.AWS.EndpointURL != "" {
		opts = append(opts, awsconfig.WithBaseEndpoint(cfg.AWS.EndpointURL))
	}
	return awsconfig.LoadDefaultConfig(ctx, opts...)
}

// runHTTPServer starts the server in standard HTTP mode with graceful shutdown.
func runHTTPServer(srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)

	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server resource shutdown error", "error", err)
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates a structured slog.Logger configured for the given log level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: lvl,
	})
	return slog.New(handler)
}

// slogAdapter wraps *slog.Logger to implement the types.Logger interface used
// by the notification and metrics components.
type slogAdapter struct {
	logger *slog.Logger
}

func (a *slogAdapter) Info(msg string, args ...any)  { a.logger.Info(msg, args...) }
func (a *slogAdapter) Error(msg string, args ...any) { a.logger.Error(msg, args...) }
func (a *slogAdapter) Warn(msg string, args ...any)  { a.logger.Warn(msg, args...) }
func (a *slogAdapter) With(args ...any) types.Logger {
	return &slogAdapter{logger: a.logger.With(args...)}
}

var _ types.Logger = (*slogAdapter)(nil)

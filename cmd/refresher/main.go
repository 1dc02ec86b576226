// Package main is the entrypoint for the refresher Lambda function.
//
// The refresher acts as a maintenance multiplexer: EventBridge rules send
// JSON payloads naming a TaskType, and the handler routes execution to the
// matching scheduler service. Consolidating the low-frequency maintenance
// tasks into one Lambda keeps cold starts and infrastructure sprawl down.
//
// Two tasks are routed today:
//   - refresh_sweep: evaluate every ledger due for a monthly refresh
//   - archive_audit: move expired audit entries to cold object storage
//
// Payloads may carry an optional reference_time to override the clock for
// manual invocation and backfilling.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"

	"perkledger/internal/archive"
	"perkledger/internal/config"
	"perkledger/internal/db"
	"perkledger/internal/entitlements"
	"perkledger/internal/external"
	"perkledger/internal/notifications"
	"perkledger/internal/scheduler"
	"perkledger/internal/tiers"
	"perkledger/internal/types"
)

// SweepService drains the refresh backlog. Satisfied by *scheduler.Refresher.
type SweepService interface {
	RunSweep(ctx context.Context, referenceTime *time.Time) (scheduler.SweepStats, error)
}

// ArchiveService moves aged audit entries into cold storage. Satisfied by
// *archive.Archiver.
type ArchiveService interface {
	Run(ctx context.Context, referenceTime *time.Time) (int, error)
}

// Handler holds the dependencies for the refresher Lambda handler function.
// Services are eagerly initialized during cold start and reused across
// invocations.
type Handler struct {
	Sweeper  SweepService
	Archiver ArchiveService
	Logger   *slog.Logger
}

// Handle processes a MaintenancePayload from EventBridge, routing to the
// matching service. The returned string is surfaced in the Lambda invocation
// result for operational visibility.
func (h *Handler) Handle(ctx context.Context, payload scheduler.MaintenancePayload) (string, error) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if payload.Task == "" {
		return "", fmt.Errorf("empty task type in maintenance payload")
	}

	refDesc := "clock"
	if payload.ReferenceTime != nil {
		refDesc = payload.ReferenceTime.UTC().Format(time.RFC3339)
	}
	logger.InfoContext(ctx, "refresher handler invoked",
		"task", string(payload.Task),
		"reference_time", refDesc,
	)

	switch payload.Task {
	case scheduler.TaskRefreshSweep:
		stats, err := h.Sweeper.RunSweep(ctx, payload.ReferenceTime)
		if err != nil {
			logger.ErrorContext(ctx, "refresh sweep failed",
				"error", err,
				"processed_before_error", stats.Processed,
			)
			return "", fmt.Errorf("task %s failed: %w", payload.Task, err)
		}
		result := fmt.Sprintf("refresh sweep complete: %d processed, %d applied, %d no-ops, %d failed",
			stats.Processed, stats.Applied, stats.NoOps, stats.Failed)
		logger.InfoContext(ctx, result)
		return result, nil

	case scheduler.TaskArchiveAudit:
		archived, err := h.Archiver.Run(ctx, payload.ReferenceTime)
		if err != nil {
			logger.ErrorContext(ctx, "audit archival failed",
				"error", err,
				"archived_before_error", archived,
			)
			return "", fmt.Errorf("task %s failed: %w", payload.Task, err)
		}
		result := fmt.Sprintf("audit archival complete: %d entries archived", archived)
		logger.InfoContext(ctx, result)
		return result, nil

	default:
		return "", fmt.Errorf("unknown task type: %q", payload.Task)
	}
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	logger.Info("refresher Lambda initializing (cold start)")

	handler, err := buildHandler(context.Background(), logger)
	if err != nil {
		logger.Error("refresher Lambda initialization failed", "error", err)
		os.Exit(1)
	}

	logger.Info("refresher Lambda initialized")

	lambda.Start(handler.Handle)
}

// buildHandler wires the production dependency graph: config, database pool,
// AWS clients, entitlement engine, and the two scheduler services.
func buildHandler(ctx context.Context, logger *slog.Logger) (*Handler, error) {
	cfg, err := config.LoadConfig(config.NewSSMProvider(os.Getenv("AWS_REGION")))
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}

	clock := types.RealClock{}
	typedLogger := &slogAdapter{logger: logger}

	pool, err := newDBPool(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting database: %w", err)
	}

	ledgerRepo := db.NewLedgerRepo(pool, logger)
	auditRepo := db.NewAuditRepo(pool, logger)

	catalog, err := loadCatalog(cfg)
	if err != nil {
		return nil, fmt.Errorf("loading tier catalog: %w", err)
	}

	registry, err := external.NewClientRegistry(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing external clients: %w", err)
	}

	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("loading AWS configuration: %w", err)
	}
	metrics := notifications.NewCloudWatchMetrics(
		cloudwatch.NewFromConfig(awsCfg),
		cfg.Observability.MetricNamespace,
		typedLogger,
	)
	notifier := notifications.NewQueuePublisher(
		sqs.NewFromConfig(awsCfg),
		cfg.AWS.NotificationQueue,
		clock,
		typedLogger,
	)

	engine, err := entitlements.NewEngine(entitlements.EngineConfig{
		Catalog:  catalog,
		Clock:    clock,
		Billing:  registry.Billing,
		Notifier: notifier,
		Audit:    auditRepo,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("constructing entitlement engine: %w", err)
	}

	refresher := scheduler.NewRefresher(
		ledgerRepo,
		engine,
		metrics,
		clock,
		typedLogger,
		scheduler.RefresherConfig{
			BatchSize:   cfg.Entitlements.SweepBatchSize,
			Concurrency: cfg.Entitlements.SweepConcurrency,
		},
	)

	uploader := archive.NewS3Uploader(s3.NewFromConfig(awsCfg), cfg.AWS.ArchiveBucket)
	archiver, err := archive.NewArchiver(
		auditRepo,
		uploader,
		metrics,
		clock,
		typedLogger,
		archive.Config{Retention: cfg.Entitlements.AuditRetention},
	)
	if err != nil {
		return nil, fmt.Errorf("constructing audit archiver: %w", err)
	}

	return &Handler{
		Sweeper:  refresher,
		Archiver: archiver,
		Logger:   logger,
	}, nil
}

// newDBPool builds the pgx connection pool with the configured tuning knobs.
// Lambda concurrency is bounded, so the pool stays small.
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

// slogAdapter wraps *slog.Logger to implement the types.Logger interface used
// by the scheduler and notification components.
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

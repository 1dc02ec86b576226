package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"perkledger/internal/notifications"
	"perkledger/internal/types"
)

// LedgerStore is the persistence surface the sweep needs. Satisfied by
// db.LedgerRepo.
type LedgerStore interface {
	Get(ctx context.Context, subscriberID string) (*types.Ledger, error)
	Update(ctx context.Context, ledger *types.Ledger, expectedUpdatedAt time.Time) error
	ListDueForRefresh(ctx context.Context, period types.PeriodKey, limit int) ([]string, error)
}

// RefreshEvaluator is the slice of the entitlement engine the sweep drives.
type RefreshEvaluator interface {
	Evaluate(ctx context.Context, ledger *types.Ledger) (types.RefreshResult, error)
}

// RefresherConfig tunes the sweep. Zero values fall back to defaults.
type RefresherConfig struct {
	// BatchSize is how many due subscribers are pulled per ListDueForRefresh
	// query. Defaults to 200.
	BatchSize int
	// Concurrency bounds how many subscribers are evaluated in parallel
	// within a batch. Defaults to 8.
	Concurrency int
}

const (
	defaultSweepBatchSize   = 200
	defaultSweepConcurrency = 8

	// maxSweepBatches caps the sweep loop so a pathological backlog cannot
	// pin the Lambda past its execution window.
	maxSweepBatches = 500
)

// Refresher walks all ledgers that have not yet been refreshed for the
// current calendar month and evaluates each one. It runs from the monthly
// EventBridge schedule and acts as the safety net for subscribers whose
// ledgers were not refreshed lazily by API traffic.
type Refresher struct {
	store       LedgerStore
	engine      RefreshEvaluator
	metrics     notifications.Metrics
	clock       types.Clock
	logger      types.Logger
	batchSize   int
	concurrency int
}

// NewRefresher creates a Refresher. store, engine, and logger are required;
// metrics and clock default to no-op and real time respectively.
func NewRefresher(store LedgerStore, engine RefreshEvaluator, metrics notifications.Metrics, clock types.Clock, logger types.Logger, cfg RefresherConfig) *Refresher {
	if metrics == nil {
		metrics = notifications.NoopMetrics{}
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultSweepBatchSize
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultSweepConcurrency
	}
	return &Refresher{
		store:       store,
		engine:      engine,
		metrics:     metrics,
		clock:       clock,
		logger:      logger,
		batchSize:   batchSize,
		concurrency: concurrency,
	}
}

// SweepStats summarizes one sweep run.
type SweepStats struct {
	Processed int `json:"processed"`
	Applied   int `json:"applied"`
	NoOps     int `json:"no_ops"`
	Failed    int `json:"failed"`
}

// RunSweep drains the refresh backlog for the period containing referenceTime
// (or the clock's now when referenceTime is nil). Per-subscriber failures are
// isolated: they are counted and logged, and the sweep keeps going. The
// returned error is only non-nil when the sweep could not make progress at
// all (e.g. the listing query fails).
func (r *Refresher) RunSweep(ctx context.Context, referenceTime *time.Time) (SweepStats, error) {
	now := r.clock.Now()
	if referenceTime != nil {
		now = referenceTime.UTC()
	}
	period := types.PeriodKeyOf(now)

	r.logger.Info("refresh sweep starting",
		"period", period.String(),
		"batch_size", r.batchSize,
		"concurrency", r.concurrency,
	)

	var stats SweepStats
	for batch := 0; batch < maxSweepBatches; batch++ {
		ids, err := r.store.ListDueForRefresh(ctx, period, r.batchSize)
		if err != nil {
			return stats, fmt.Errorf("refresh sweep: listing due ledgers: %w", err)
		}
		if len(ids) == 0 {
			break
		}

		batchStats := r.processBatch(ctx, ids)
		stats.Processed += batchStats.Processed
		stats.Applied += batchStats.Applied
		stats.NoOps += batchStats.NoOps
		stats.Failed += batchStats.Failed

		// Every subscriber in the batch failed: stop rather than re-query the
		// same stuck set forever.
		if batchStats.Failed == len(ids) {
			r.logger.Error("refresh sweep aborting: entire batch failed",
				"period", period.String(),
				"batch_failed", batchStats.Failed,
			)
			break
		}

		if len(ids) < r.batchSize {
			break
		}
	}

	r.metrics.RecordSweep(ctx, stats.Processed, stats.Failed)
	r.logger.Info("refresh sweep finished",
		"period", period.String(),
		"processed", stats.Processed,
		"applied", stats.Applied,
		"no_ops", stats.NoOps,
		"failed", stats.Failed,
	)
	return stats, nil
}

// processBatch evaluates one batch of subscribers with bounded parallelism.
// Errors never propagate to the errgroup; each subscriber's outcome is
// recorded independently.
func (r *Refresher) processBatch(ctx context.Context, ids []string) SweepStats {
	results := make([]sweepOutcome, len(ids))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)

	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			results[i] = r.refreshOne(gCtx, id)
			return nil
		})
	}
	// The workers never return errors; Wait only observes ctx cancellation.
	_ = g.Wait()

	var stats SweepStats
	for _, out := range results {
		stats.Processed++
		switch {
		case out.err != nil:
			stats.Failed++
		case out.kind == types.RefreshApplied:
			stats.Applied++
		default:
			stats.NoOps++
		}
	}
	return stats
}

type sweepOutcome struct {
	kind types.RefreshKind
	err  error
}

// refreshOne loads, evaluates, and persists a single subscriber's ledger.
// A concurrent-modification conflict means an API-triggered refresh got there
// first; that is success, not failure.
func (r *Refresher) refreshOne(ctx context.Context, subscriberID string) sweepOutcome {
	ledger, err := r.store.Get(ctx, subscriberID)
	if err != nil {
		r.logger.Error("sweep: failed to load ledger",
			"subscriber_id", subscriberID,
			"error", err.Error(),
		)
		return sweepOutcome{err: err}
	}

	expectedUpdatedAt := ledger.UpdatedAt

	result, err := r.engine.Evaluate(ctx, ledger)
	if err != nil {
		r.logger.Error("sweep: refresh evaluation failed",
			"subscriber_id", subscriberID,
			"tier", string(ledger.Tier),
			"error", err.Error(),
		)
		return sweepOutcome{err: err}
	}

	r.metrics.RecordRefresh(ctx, result.Kind, ledger.Tier)
	for _, w := range result.Warnings {
		r.logger.Warn("sweep: refresh warning",
			"subscriber_id", subscriberID,
			"code", string(w.Code),
			"message", w.Message,
		)
		switch w.Code {
		case types.ErrCodePortBillingFailed:
			r.metrics.RecordPortFailure(ctx, "billing")
		case types.ErrCodePortNotificationFailed:
			r.metrics.RecordPortFailure(ctx, "notification")
		default:
			r.metrics.RecordRefreshWarning(ctx, w.Code)
		}
	}

	if result.Kind != types.RefreshApplied {
		return sweepOutcome{kind: result.Kind}
	}

	if err := r.store.Update(ctx, ledger, expectedUpdatedAt); err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) && appErr.Code == types.ErrCodeConflictConcurrent {
			// Lost the race to a lazy refresh on the API path. The ledger is
			// already current for this period.
			r.logger.Info("sweep: ledger refreshed concurrently, skipping",
				"subscriber_id", subscriberID,
			)
			return sweepOutcome{kind: types.RefreshNoOp}
		}
		r.logger.Error("sweep: failed to persist refreshed ledger",
			"subscriber_id", subscriberID,
			"error", err.Error(),
		)
		return sweepOutcome{err: err}
	}

	return sweepOutcome{kind: types.RefreshApplied}
}

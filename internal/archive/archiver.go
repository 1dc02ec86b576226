// Package archive moves aged entitlement audit entries out of Postgres and
// into cold object storage. Entries older than the retention window are
// drained in batches: serialized to JSONL, zstd-compressed, uploaded, and
// only then deleted from the hot table.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"perkledger/internal/notifications"
	"perkledger/internal/types"
)

const (
	defaultRetention = 90 * 24 * time.Hour
	defaultBatchSize = 500

	// maxArchiveBatches caps the drain loop so a huge backlog cannot pin the
	// Lambda past its execution window. The remainder is picked up next run.
	maxArchiveBatches = 200
)

// AuditStore is the subset of the audit repository the archiver needs.
type AuditStore interface {
	ListOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]types.AuditEntry, error)
	DeleteByIDs(ctx context.Context, ids []string) (int64, error)
}

// ObjectUploader abstracts the cold-storage upload. The production
// implementation is S3Uploader; tests substitute an in-memory fake.
type ObjectUploader interface {
	Upload(ctx context.Context, key string, body []byte) error
}

// Config tunes the archiver. Zero values fall back to defaults.
type Config struct {
	Retention time.Duration
	BatchSize int
}

// Archiver drains expired audit entries to cold storage.
type Archiver struct {
	audit     AuditStore
	uploader  ObjectUploader
	metrics   notifications.Metrics
	clock     types.Clock
	logger    types.Logger
	retention time.Duration
	batchSize int
	encoder   *zstd.Encoder
}

// NewArchiver creates an Archiver. A nil metrics sink and nil clock fall back
// to no-op and wall-clock implementations respectively.
func NewArchiver(audit AuditStore, uploader ObjectUploader, metrics notifications.Metrics, clock types.Clock, logger types.Logger, cfg Config) (*Archiver, error) {
	if metrics == nil {
		metrics = notifications.NoopMetrics{}
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	return &Archiver{
		audit:     audit,
		uploader:  uploader,
		metrics:   metrics,
		clock:     clock,
		logger:    logger,
		retention: cfg.Retention,
		batchSize: cfg.BatchSize,
		encoder:   encoder,
	}, nil
}

// Run drains all audit entries older than the retention cutoff. An optional
// referenceTime overrides the clock for manual backfill. Each batch is
// uploaded before its rows are deleted, so a crash mid-run duplicates
// archives rather than losing entries.
//
// Returns the number of entries archived.
func (a *Archiver) Run(ctx context.Context, referenceTime *time.Time) (int, error) {
	now := a.clock.Now()
	if referenceTime != nil {
		now = referenceTime.UTC()
	}
	cutoff := now.Add(-a.retention)

	a.logger.Info("audit archival starting",
		"cutoff", cutoff.Format(time.RFC3339),
		"batch_size", a.batchSize,
	)

	total := 0
	for batch := 0; batch < maxArchiveBatches; batch++ {
		entries, err := a.audit.ListOlderThan(ctx, cutoff, a.batchSize)
		if err != nil {
			return total, fmt.Errorf("audit archival: listing expired entries: %w", err)
		}
		if len(entries) == 0 {
			break
		}

		data, err := serializeJSONL(entries)
		if err != nil {
			return total, fmt.Errorf("audit archival: serializing batch: %w", err)
		}
		compressed := a.encoder.EncodeAll(data, nil)

		key := fmt.Sprintf("audit/%04d/%02d/batch_%s.jsonl.zst",
			now.Year(), int(now.Month()), uuid.NewString())

		if err := a.uploader.Upload(ctx, key, compressed); err != nil {
			return total, fmt.Errorf("audit archival: uploading %s: %w", key, err)
		}

		ids := make([]string, len(entries))
		for i, e := range entries {
			ids[i] = e.ID
		}
		deleted, err := a.audit.DeleteByIDs(ctx, ids)
		if err != nil {
			// The batch is already in cold storage. Rows stay hot and the
			// next run re-archives them under a new key.
			return total, fmt.Errorf("audit archival: deleting archived entries: %w", err)
		}
		total += int(deleted)

		a.logger.Info("audit batch archived",
			"key", key,
			"entries", len(entries),
			"deleted", deleted,
			"compressed_bytes", len(compressed),
		)

		if len(entries) < a.batchSize {
			break
		}
	}

	if total > 0 {
		a.metrics.RecordAuditArchived(ctx, total)
	}
	a.logger.Info("audit archival finished", "archived", total)

	return total, nil
}

// serializeJSONL encodes entries as newline-delimited JSON.
func serializeJSONL(entries []types.AuditEntry) ([]byte, error) {
	var buf []byte
	for _, entry := range entries {
		line, err := json.Marshal(entry)
		if err != nil {
			return nil, fmt.Errorf("marshaling audit entry %s: %w", entry.ID, err)
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}
	return buf, nil
}

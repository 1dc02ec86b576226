package db

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"perkledger/internal/types"
)

// AuditRepo persists the append-only entitlement audit trail. It implements
// types.AuditSink for the engine's fire-and-forget write path and exposes
// query and retention operations for the API and the archiver.
type AuditRepo struct {
	db     DBTX
	logger *slog.Logger
}

// NewAuditRepo creates a new AuditRepo backed by the given database
// connection (pool or transaction).
func NewAuditRepo(db DBTX, logger *slog.Logger) *AuditRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditRepo{db: db, logger: logger}
}

// Record implements types.AuditSink. The audit trail is advisory: a failed
// insert is logged, never propagated, so it can never fail a ledger mutation
// that already happened.
func (r *AuditRepo) Record(ctx context.Context, entry types.AuditEntry) {
	if err := r.Insert(ctx, entry); err != nil {
		r.logger.Error("failed to record audit entry",
			slog.String("subscriber_id", entry.SubscriberID),
			slog.String("action", string(entry.Action)),
			slog.Any("error", err),
		)
	}
}

// Insert appends an audit entry. An empty ID is assigned a fresh UUID.
func (r *AuditRepo) Insert(ctx context.Context, entry types.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = time.Now().UTC()
	}

	details, err := json.Marshal(entry.Details)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to marshal audit details", err)
	}

	_, err = r.db.Exec(ctx,
		`INSERT INTO entitlement_audit (id, subscriber_id, tier, action, details, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.ID,
		entry.SubscriberID,
		entry.Tier,
		entry.Action,
		details,
		entry.OccurredAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to insert audit entry", err)
	}
	return nil
}

const auditColumns = `id, subscriber_id, tier, action, details, occurred_at`

// ListBySubscriber returns a subscriber's audit history, newest first.
func (r *AuditRepo) ListBySubscriber(ctx context.Context, subscriberID string, limit int) ([]types.AuditEntry, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+auditColumns+`
		 FROM entitlement_audit
		 WHERE subscriber_id = $1
		 ORDER BY occurred_at DESC
		 LIMIT $2`,
		subscriberID,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query audit entries", err)
	}
	defer rows.Close()
	return collectAuditEntries(rows)
}

// ListOlderThan returns entries past the retention cutoff, oldest first, for
// the archiver to drain in batches.
func (r *AuditRepo) ListOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]types.AuditEntry, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+auditColumns+`
		 FROM entitlement_audit
		 WHERE occurred_at < $1
		 ORDER BY occurred_at ASC
		 LIMIT $2`,
		cutoff,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query expired audit entries", err)
	}
	defer rows.Close()
	return collectAuditEntries(rows)
}

// DeleteByIDs removes specific entries after they have been archived. The
// archiver uses this so a batch is only deleted once its upload succeeded.
func (r *AuditRepo) DeleteByIDs(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := r.db.Exec(ctx,
		`DELETE FROM entitlement_audit WHERE id = ANY($1)`,
		ids,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to delete archived audit entries", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteOlderThan removes entries past the retention cutoff and reports how
// many were deleted. Called by the archiver after a successful upload.
func (r *AuditRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM entitlement_audit WHERE occurred_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to delete expired audit entries", err)
	}
	return tag.RowsAffected(), nil
}

func collectAuditEntries(rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}) ([]types.AuditEntry, error) {
	var entries []types.AuditEntry
	for rows.Next() {
		var (
			entry      types.AuditEntry
			detailsRaw []byte
		)
		if err := rows.Scan(
			&entry.ID,
			&entry.SubscriberID,
			&entry.Tier,
			&entry.Action,
			&detailsRaw,
			&entry.OccurredAt,
		); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan audit entry", err)
		}
		if len(detailsRaw) > 0 {
			if err := json.Unmarshal(detailsRaw, &entry.Details); err != nil {
				return nil, types.NewAppError(types.ErrCodeInternalUnexpected,
					fmt.Sprintf("corrupt audit details for entry %s", entry.ID), err)
			}
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate audit entries", err)
	}
	return entries, nil
}

var _ types.AuditSink = (*AuditRepo)(nil)

package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"perkledger/internal/types"
)

// LedgerRepo manages the entitlement_ledgers table, the persistent form of
// the per-subscriber entitlement state.
//
// Key invariants:
//   - Update uses optimistic locking via updated_at so two concurrent refresh
//     paths (API-triggered and sweep-triggered) cannot clobber each other.
//   - UpdateTier uses event-timestamp locking via last_billing_event_at to
//     handle out-of-order billing webhooks: stale events are idempotent no-ops.
type LedgerRepo struct {
	db     DBTX
	logger *slog.Logger
}

// NewLedgerRepo creates a new LedgerRepo backed by the given database
// connection (pool or transaction).
func NewLedgerRepo(db DBTX, logger *slog.Logger) *LedgerRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &LedgerRepo{db: db, logger: logger}
}

const ledgerColumns = `subscriber_id, tier, balances, used, last_refreshed, active, created_at, updated_at`

// Get loads the ledger for a subscriber.
func (r *LedgerRepo) Get(ctx context.Context, subscriberID string) (*types.Ledger, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+ledgerColumns+`
		 FROM entitlement_ledgers
		 WHERE subscriber_id = $1`,
		subscriberID,
	)
	ledger, err := scanLedger(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundLedger,
				fmt.Sprintf("no entitlement ledger for subscriber %s", subscriberID), nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load ledger", err)
	}
	return ledger, nil
}

// Create inserts a brand-new ledger. A duplicate subscriber ID is reported as
// a conflict rather than a DB error so callers can treat it as "already
// provisioned".
func (r *LedgerRepo) Create(ctx context.Context, ledger *types.Ledger) error {
	balances, used, lastRefreshed, err := marshalLedgerState(ledger)
	if err != nil {
		return err
	}

	_, err = r.db.Exec(ctx,
		`INSERT INTO entitlement_ledgers (`+ledgerColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ledger.SubscriberID,
		ledger.Tier,
		balances,
		used,
		lastRefreshed,
		ledger.Active,
		ledger.CreatedAt,
		ledger.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return types.NewAppError(types.ErrCodeConflictExists,
				fmt.Sprintf("ledger already exists for subscriber %s", ledger.SubscriberID), err)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create ledger", err)
	}
	return nil
}

// Update persists the ledger's mutable state. expectedUpdatedAt must be the
// updated_at value read when the ledger was loaded: if another writer has
// committed since, zero rows match and the caller gets a concurrency conflict
// to reload and retry on.
func (r *LedgerRepo) Update(ctx context.Context, ledger *types.Ledger, expectedUpdatedAt time.Time) error {
	balances, used, lastRefreshed, err := marshalLedgerState(ledger)
	if err != nil {
		return err
	}

	tag, err := r.db.Exec(ctx,
		`UPDATE entitlement_ledgers
		 SET tier = $1,
		     balances = $2,
		     used = $3,
		     last_refreshed = $4,
		     active = $5,
		     updated_at = $6
		 WHERE subscriber_id = $7
		   AND updated_at = $8`,
		ledger.Tier,
		balances,
		used,
		lastRefreshed,
		ledger.Active,
		ledger.UpdatedAt,
		ledger.SubscriberID,
		expectedUpdatedAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update ledger", err)
	}

	if tag.RowsAffected() == 0 {
		r.logger.Warn("ledger update rejected (optimistic lock)",
			slog.String("subscriber_id", ledger.SubscriberID),
			slog.Time("expected_updated_at", expectedUpdatedAt),
		)
		return types.NewAppError(types.ErrCodeConflictConcurrent,
			fmt.Sprintf("ledger for subscriber %s was modified concurrently", ledger.SubscriberID), nil)
	}
	return nil
}

// UpdateTier applies a billing-driven tier change using event-timestamp
// locking: the update only lands if eventTimestamp is newer than the last
// processed billing event. Old or duplicate webhook deliveries are silently
// ignored.
func (r *LedgerRepo) UpdateTier(ctx context.Context, subscriberID string, tier types.TierID, eventTimestamp time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE entitlement_ledgers
		 SET tier = $1,
		     last_billing_event_at = $2,
		     updated_at = NOW()
		 WHERE subscriber_id = $3
		   AND (last_billing_event_at IS NULL OR last_billing_event_at < $2)`,
		tier,
		eventTimestamp,
		subscriberID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update tier", err)
	}

	if tag.RowsAffected() == 0 {
		// Either the subscriber is unknown or the event is stale. Distinguish
		// so callers see missing subscribers but stale events stay no-ops.
		var exists bool
		if err := r.db.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM entitlement_ledgers WHERE subscriber_id = $1)`,
			subscriberID,
		).Scan(&exists); err != nil {
			return types.NewAppError(types.ErrCodeInternalDB, "failed to check subscriber existence", err)
		}
		if !exists {
			return types.NewAppError(types.ErrCodeNotFoundLedger,
				fmt.Sprintf("no entitlement ledger for subscriber %s", subscriberID), nil)
		}
		r.logger.Info("stale billing event ignored (event-timestamp lock)",
			slog.String("subscriber_id", subscriberID),
			slog.Time("event_timestamp", eventTimestamp),
		)
	}
	return nil
}

// SetActive flips the consumption gate for a subscriber.
func (r *LedgerRepo) SetActive(ctx context.Context, subscriberID string, active bool) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE entitlement_ledgers
		 SET active = $1,
		     updated_at = NOW()
		 WHERE subscriber_id = $2`,
		active,
		subscriberID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to set active flag", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundLedger,
			fmt.Sprintf("no entitlement ledger for subscriber %s", subscriberID), nil)
	}
	return nil
}

// ListDueForRefresh returns subscriber IDs whose ledger has not yet been
// refreshed for the given period, oldest first, up to limit. The sweep walks
// this list in batches until it drains.
func (r *LedgerRepo) ListDueForRefresh(ctx context.Context, period types.PeriodKey, limit int) ([]string, error) {
	rows, err := r.db.Query(ctx,
		`SELECT subscriber_id
		 FROM entitlement_ledgers
		 WHERE active = TRUE
		   AND (last_refreshed IS NULL OR last_refreshed < $1)
		 ORDER BY last_refreshed ASC NULLS FIRST
		 LIMIT $2`,
		period.String(),
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list ledgers due for refresh", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan subscriber id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate ledgers due for refresh", err)
	}
	return ids, nil
}

// marshalLedgerState serializes the JSONB columns and the period pointer.
func marshalLedgerState(ledger *types.Ledger) (balances, used []byte, lastRefreshed *string, err error) {
	balances, err = json.Marshal(ledger.Balances)
	if err != nil {
		return nil, nil, nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to marshal balances", err)
	}
	used, err = json.Marshal(ledger.Used)
	if err != nil {
		return nil, nil, nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to marshal usage counters", err)
	}
	if ledger.LastRefreshed != nil {
		s := ledger.LastRefreshed.String()
		lastRefreshed = &s
	}
	return balances, used, lastRefreshed, nil
}

// scanLedger hydrates a Ledger from a row with ledgerColumns ordering.
func scanLedger(row pgx.Row) (*types.Ledger, error) {
	var (
		ledger        types.Ledger
		balancesRaw   []byte
		usedRaw       []byte
		lastRefreshed *string
	)
	err := row.Scan(
		&ledger.SubscriberID,
		&ledger.Tier,
		&balancesRaw,
		&usedRaw,
		&lastRefreshed,
		&ledger.Active,
		&ledger.CreatedAt,
		&ledger.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(balancesRaw, &ledger.Balances); err != nil {
		return nil, fmt.Errorf("corrupt balances column: %w", err)
	}
	if err := json.Unmarshal(usedRaw, &ledger.Used); err != nil {
		return nil, fmt.Errorf("corrupt used column: %w", err)
	}
	if lastRefreshed != nil {
		period, err := types.ParsePeriodKey(*lastRefreshed)
		if err != nil {
			return nil, fmt.Errorf("corrupt last_refreshed column: %w", err)
		}
		ledger.LastRefreshed = &period
	}
	return &ledger, nil
}

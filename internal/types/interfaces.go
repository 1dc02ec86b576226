package types

import (
	"context"
	"time"
)

// Clock abstracts time for testability. The refresh engine depends only on
// this contract, never on a concrete system clock, so month-boundary behavior
// is reproducible in tests.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using the real system time (always UTC).
type RealClock struct{}

// Now returns the current time in UTC.
func (RealClock) Now() time.Time { return time.Now().UTC() }

// BillingSyncPort is the outbound boundary toward the payment provider. The
// engine calls OnRefresh after a refresh commits; the outcome is advisory and
// never rolls back the ledger mutation. Implementations own their own
// timeouts and retries.
type BillingSyncPort interface {
	OnRefresh(ctx context.Context, subscriberID string, period PeriodKey) error
}

// NotificationPort is the outbound boundary toward subscriber-facing
// notification delivery. Same advisory contract as BillingSyncPort.
type NotificationPort interface {
	OnRefresh(ctx context.Context, subscriberID string, balances map[PerkType]int) error
}

// TierSource resolves a subscriber's current tier from the billing provider.
// Used by the billing sync flow to re-tier a ledger from the authoritative
// subscription state.
type TierSource interface {
	GetSubscriberTier(ctx context.Context, subscriberID string) (TierID, error)
}

// AuditSink receives audit entries for ledger mutations. Record must not
// fail the calling operation; implementations log and swallow their own
// errors.
type AuditSink interface {
	Record(ctx context.Context, entry AuditEntry)
}

// Logger defines the structured logging interface used throughout the service.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	With(args ...any) Logger
}

package types

import (
	"fmt"
	"time"
)

// PerkType identifies a category of benefit tracked with its own balance
// (e.g., "storage_gb", "api_credits", "guest_passes"). The set of valid perk
// types is closed and declared by the tier catalog, not by code.
type PerkType string

// TierID identifies a subscription tier (e.g., "bronze", "silver", "gold").
type TierID string

// Built-in tier identifiers. The catalog may declare additional tiers via
// configuration; these constants exist so code and tests can reference the
// defaults without magic strings.
const (
	TierBronze TierID = "bronze"
	TierSilver TierID = "silver"
	TierGold   TierID = "gold"
)

// PerkGrant defines what a tier grants for a single perk type each period.
//
// RolloverCap bounds only the unused balance carried from the prior period;
// the fresh allotment is added on top, so the post-refresh ceiling is
// Allotment + RolloverCap. UnboundedCap disambiguates "cap of zero" (no
// rollover) from "no cap at all" -- when UnboundedCap is true, RolloverCap
// is ignored and the full unused balance carries over.
type PerkGrant struct {
	Allotment    int  `json:"allotment" validate:"min=0"`
	RolloverCap  int  `json:"rollover_cap" validate:"min=0"`
	UnboundedCap bool `json:"unbounded_cap"`
}

// TierDefinition is the immutable grant table for one tier: every perk type
// the tier grants, with its monthly allotment and rollover cap.
type TierDefinition map[PerkType]PerkGrant

// Clone returns a deep copy of the definition so callers cannot mutate
// catalog state through a returned map.
func (d TierDefinition) Clone() TierDefinition {
	out := make(TierDefinition, len(d))
	for p, g := range d {
		out[p] = g
	}
	return out
}

// PeriodKey identifies a calendar month. Two keys are equal iff they have the
// same year and month. It is the unit of refresh due-ness detection.
type PeriodKey struct {
	Year  int        `json:"year"`
	Month time.Month `json:"month"`
}

// PeriodKeyOf derives the period key for the given instant.
func PeriodKeyOf(t time.Time) PeriodKey {
	return PeriodKey{Year: t.Year(), Month: t.Month()}
}

// Equal reports whether two period keys identify the same calendar month.
func (k PeriodKey) Equal(other PeriodKey) bool {
	return k.Year == other.Year && k.Month == other.Month
}

// Before reports whether k is an earlier calendar month than other.
func (k PeriodKey) Before(other PeriodKey) bool {
	if k.Year != other.Year {
		return k.Year < other.Year
	}
	return k.Month < other.Month
}

// String renders the key as "YYYY-MM", the canonical wire and log format.
func (k PeriodKey) String() string {
	return fmt.Sprintf("%04d-%02d", k.Year, int(k.Month))
}

// ParsePeriodKey parses the canonical "YYYY-MM" form produced by String.
func ParsePeriodKey(s string) (PeriodKey, error) {
	var year, month int
	if _, err := fmt.Sscanf(s, "%4d-%2d", &year, &month); err != nil {
		return PeriodKey{}, fmt.Errorf("invalid period %q: %w", s, err)
	}
	if month < 1 || month > 12 {
		return PeriodKey{}, fmt.Errorf("invalid period %q: month out of range", s)
	}
	return PeriodKey{Year: year, Month: time.Month(month)}, nil
}

// Ledger is the per-subscriber mutable entitlement state. It is exclusively
// owned by the calling context for the duration of an engine call; the engine
// mutates it in place and never retains a reference across calls. Callers
// orchestrating many subscribers must serialize access per ledger.
type Ledger struct {
	SubscriberID string           `json:"subscriber_id" db:"subscriber_id"`
	Tier         TierID           `json:"tier" db:"tier"`
	Balances     map[PerkType]int `json:"balances" db:"balances"`

	// Used counts consumption within the current period, per perk. It resets
	// at every refresh and feeds the mid-cycle tier change math (remaining =
	// new allotment minus what was already used this period).
	Used map[PerkType]int `json:"used" db:"used"`

	// LastRefreshed is nil until the first allotment has been granted. The
	// first evaluation always performs an initial grant with zero rollover.
	LastRefreshed *PeriodKey `json:"last_refreshed,omitempty" db:"last_refreshed"`

	// Active gates consumption: an inactive subscriber keeps their balances
	// but cannot spend them.
	Active bool `json:"active" db:"active"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// NewLedger creates a fresh ledger for a subscriber whose subscription has
// just begun: zero balances, never refreshed, active.
func NewLedger(subscriberID string, tier TierID, now time.Time) *Ledger {
	return &Ledger{
		SubscriberID: subscriberID,
		Tier:         tier,
		Balances:     make(map[PerkType]int),
		Used:         make(map[PerkType]int),
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Balance returns the current balance for the perk, zero if untracked.
func (l *Ledger) Balance(perk PerkType) int {
	return l.Balances[perk]
}

// BalancesCopy returns an independent copy of the balance map, suitable for
// embedding in results and notifications without aliasing ledger state.
func (l *Ledger) BalancesCopy() map[PerkType]int {
	out := make(map[PerkType]int, len(l.Balances))
	for p, b := range l.Balances {
		out[p] = b
	}
	return out
}

// RefreshKind distinguishes the outcomes of an evaluation.
type RefreshKind string

const (
	// RefreshNoOp means the ledger was already refreshed for the current
	// period; nothing changed.
	RefreshNoOp RefreshKind = "no_op"
	// RefreshApplied means a refresh step was performed: rollover computed,
	// allotments granted, LastRefreshed advanced.
	RefreshApplied RefreshKind = "applied"
)

// Warning is a non-fatal signal attached to a RefreshResult. Warnings report
// conditions that did not prevent the ledger mutation from committing, such
// as a port delivery failure or a stale perk balance the tier no longer
// declares.
type Warning struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// RefreshResult is the outcome of Engine.Evaluate.
type RefreshResult struct {
	Kind     RefreshKind      `json:"kind"`
	Period   PeriodKey        `json:"period"`
	Balances map[PerkType]int `json:"balances"`
	Warnings []Warning        `json:"warnings,omitempty"`
}

// RefreshNotice is the message published to the notification queue when a
// refresh commits. Delivery workers fan it out to the subscriber's channels.
type RefreshNotice struct {
	SubscriberID string           `json:"subscriber_id"`
	Period       string           `json:"period"`
	Balances     map[PerkType]int `json:"balances"`
	OccurredAt   time.Time        `json:"occurred_at"`
}

// AuditAction enumerates the ledger mutations recorded in the audit trail.
type AuditAction string

const (
	AuditInitialGrant   AuditAction = "initial_grant"
	AuditMonthRefresh   AuditAction = "month_refresh"
	AuditPerkConsumed   AuditAction = "perk_consumed"
	AuditConsumeDenied  AuditAction = "consume_denied"
	AuditTierChanged    AuditAction = "tier_changed"
	AuditActiveChanged  AuditAction = "active_changed"
	AuditBillingSynced  AuditAction = "billing_synced"
)

// AuditEntry records one ledger event for operational forensics. Entries are
// append-only; the archiver compresses and evicts old rows.
type AuditEntry struct {
	ID           string         `json:"id" db:"id"`
	SubscriberID string         `json:"subscriber_id" db:"subscriber_id"`
	Tier         TierID         `json:"tier" db:"tier"`
	Action       AuditAction    `json:"action" db:"action"`
	Details      map[string]any `json:"details,omitempty" db:"details"`
	OccurredAt   time.Time      `json:"occurred_at" db:"occurred_at"`
}

// SubscriptionStatus mirrors the billing provider's subscription lifecycle
// states that the webhook handler cares about.
type SubscriptionStatus string

const (
	SubStatusActive   SubscriptionStatus = "active"
	SubStatusPastDue  SubscriptionStatus = "past_due"
	SubStatusCanceled SubscriptionStatus = "canceled"
)

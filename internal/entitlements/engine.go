// Package entitlements implements the subscriber entitlement engine: a
// configuration-driven state machine that grants tier-based monthly perk
// allotments, rolls unused balance into the next period up to a tier-specific
// cap, and debits balances on consumption.
//
// The engine is synchronous and single-threaded per call. A ledger is
// exclusively owned by the calling context for the duration of a call; the
// engine mutates it in place and never retains a reference. Callers
// orchestrating many subscribers must serialize access per ledger but may
// process different subscribers fully in parallel.
package entitlements

import (
	"context"
	"fmt"
	"log/slog"

	"perkledger/internal/tiers"
	"perkledger/internal/types"
)

// Engine evaluates and mutates entitlement ledgers against the tier catalog.
// Evaluate and Consume run to completion before returning; the billing and
// notification ports are the only I/O-shaped calls, invoked strictly after
// the ledger mutation is committed, and their failures are advisory.
type Engine struct {
	catalog  tiers.Catalog
	clock    types.Clock
	billing  types.BillingSyncPort
	notifier types.NotificationPort
	audit    types.AuditSink
	logger   *slog.Logger
}

// EngineConfig holds the dependencies for constructing an Engine.
// Catalog is required. Clock defaults to the system clock; Billing, Notifier,
// and Audit may be nil, in which case the corresponding side effects are
// skipped.
type EngineConfig struct {
	Catalog  tiers.Catalog
	Clock    types.Clock
	Billing  types.BillingSyncPort
	Notifier types.NotificationPort
	Audit    types.AuditSink
	Logger   *slog.Logger
}

// NewEngine constructs an Engine from the given configuration.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Catalog == nil {
		return nil, fmt.Errorf("tier catalog must not be nil")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = types.RealClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		catalog:  cfg.Catalog,
		clock:    clock,
		billing:  cfg.Billing,
		notifier: cfg.Notifier,
		audit:    cfg.Audit,
		logger:   logger,
	}, nil
}

// ValidateTier reports whether the catalog declares the tier. Returns the
// typed unknown-tier error otherwise.
func (e *Engine) ValidateTier(tier types.TierID) error {
	_, err := e.catalog.PerksFor(tier)
	return err
}

// Evaluate decides whether a refresh is due for the ledger and, if so,
// performs exactly one refresh step.
//
// Due-ness is keyed on the calendar month: if the ledger was already
// refreshed in the current period the call is a no-op. A gap of several
// months still collapses into a single refresh step, applying the balance at
// evaluation time as the rollover base -- skipped months are not replayed.
//
// Per perk declared by the ledger's tier:
//
//	rollover    = min(balance, cap)   (full balance when the cap is unbounded)
//	new balance = rollover + allotment
//
// The first evaluation of a never-refreshed ledger grants the allotment with
// zero rollover. Balances for perk types the tier no longer declares are
// retained untouched and reported as warnings; they are never silently
// dropped.
//
// An unknown tier aborts before any mutation. Port failures after the commit
// are converted to warnings on the result.
func (e *Engine) Evaluate(ctx context.Context, ledger *types.Ledger) (types.RefreshResult, error) {
	def, err := e.catalog.PerksFor(ledger.Tier)
	if err != nil {
		return types.RefreshResult{}, err
	}

	now := e.clock.Now()
	period := types.PeriodKeyOf(now)

	if ledger.LastRefreshed != nil {
		last := *ledger.LastRefreshed
		// Equal period: already refreshed. A period earlier than the last
		// refresh (clock regression) is also a no-op; LastRefreshed never
		// decreases.
		if period.Equal(last) || period.Before(last) {
			return types.RefreshResult{
				Kind:     types.RefreshNoOp,
				Period:   last,
				Balances: ledger.BalancesCopy(),
			}, nil
		}
	}

	initial := ledger.LastRefreshed == nil

	// Compute the full post-refresh balance map before touching the ledger,
	// so an error path never leaves a partial mutation.
	newBalances := make(map[types.PerkType]int, len(def))
	var warnings []types.Warning

	for perk, grant := range def {
		rollover := 0
		if !initial {
			unused := ledger.Balance(perk)
			if grant.UnboundedCap {
				rollover = unused
			} else {
				rollover = min(unused, grant.RolloverCap)
			}
		}
		newBalances[perk] = rollover + grant.Allotment
	}

	// Balances for perks the tier does not declare are subscriber-owned:
	// keep them as-is and surface a warning.
	for perk, balance := range ledger.Balances {
		if _, declared := def[perk]; !declared {
			newBalances[perk] = balance
			warnings = append(warnings, types.Warning{
				Code:    types.ErrCodePerkUnknown,
				Message: fmt.Sprintf("perk %q is not declared by tier %q; balance %d retained without refresh", perk, ledger.Tier, balance),
			})
			e.logger.Warn("stale perk balance retained",
				slog.String("subscriber_id", ledger.SubscriberID),
				slog.String("tier", string(ledger.Tier)),
				slog.String("perk", string(perk)),
				slog.Int("balance", balance),
			)
		}
	}

	// Commit.
	ledger.Balances = newBalances
	ledger.Used = make(map[types.PerkType]int, len(def))
	ledger.LastRefreshed = &period
	ledger.UpdatedAt = now

	action := types.AuditMonthRefresh
	if initial {
		action = types.AuditInitialGrant
	}
	e.record(ctx, ledger, action, map[string]any{
		"period":   period.String(),
		"balances": ledger.BalancesCopy(),
	})

	// Ports run strictly after the commit; their outcomes are advisory.
	warnings = append(warnings, e.invokePorts(ctx, ledger, period)...)

	return types.RefreshResult{
		Kind:     types.RefreshApplied,
		Period:   period,
		Balances: ledger.BalancesCopy(),
		Warnings: warnings,
	}, nil
}

// invokePorts notifies the billing sync and notification ports of a
// committed refresh. Failures are logged and converted to warnings.
func (e *Engine) invokePorts(ctx context.Context, ledger *types.Ledger, period types.PeriodKey) []types.Warning {
	var warnings []types.Warning

	if e.billing != nil {
		if err := e.billing.OnRefresh(ctx, ledger.SubscriberID, period); err != nil {
			warnings = append(warnings, types.Warning{
				Code:    types.ErrCodePortBillingFailed,
				Message: fmt.Sprintf("billing sync failed: %v", err),
			})
			e.logger.Warn("billing sync port failed",
				slog.String("subscriber_id", ledger.SubscriberID),
				slog.String("period", period.String()),
				slog.Any("error", err),
			)
		}
	}

	if e.notifier != nil {
		if err := e.notifier.OnRefresh(ctx, ledger.SubscriberID, ledger.BalancesCopy()); err != nil {
			warnings = append(warnings, types.Warning{
				Code:    types.ErrCodePortNotificationFailed,
				Message: fmt.Sprintf("notification failed: %v", err),
			})
			e.logger.Warn("notification port failed",
				slog.String("subscriber_id", ledger.SubscriberID),
				slog.String("period", period.String()),
				slog.Any("error", err),
			)
		}
	}

	return warnings
}

// Consume debits amount from the ledger's balance for the given perk. A new
// calendar period triggers a refresh first, so a subscriber can always spend
// the allotment of the month the call lands in.
//
// The debit is atomic: on any failure the balance is left unchanged.
func (e *Engine) Consume(ctx context.Context, ledger *types.Ledger, perk types.PerkType, amount int) error {
	if amount <= 0 {
		return types.NewAppErrorWithDetails(
			types.ErrCodeValidationInvalidAmount,
			"consume amount must be positive",
			nil,
			map[string]any{"amount": amount},
		)
	}

	if _, err := e.Evaluate(ctx, ledger); err != nil {
		return err
	}

	if !ledger.Active {
		e.record(ctx, ledger, types.AuditConsumeDenied, map[string]any{
			"perk":   string(perk),
			"amount": amount,
			"reason": "subscriber_inactive",
		})
		return types.NewAppError(
			types.ErrCodeSubscriberInactive,
			"subscriber is not active and cannot consume perks",
			nil,
		)
	}

	def, err := e.catalog.PerksFor(ledger.Tier)
	if err != nil {
		return err
	}
	balance, tracked := ledger.Balances[perk]
	if _, declared := def[perk]; !declared && !tracked {
		return types.NewAppErrorWithDetails(
			types.ErrCodeValidationInvalidPerk,
			fmt.Sprintf("perk %q is not granted by tier %q", perk, ledger.Tier),
			nil,
			map[string]any{"perk": string(perk), "tier": string(ledger.Tier)},
		)
	}

	if amount > balance {
		e.record(ctx, ledger, types.AuditConsumeDenied, map[string]any{
			"perk":      string(perk),
			"amount":    amount,
			"available": balance,
			"reason":    "insufficient_balance",
		})
		return types.NewAppErrorWithDetails(
			types.ErrCodeBalanceInsufficient,
			fmt.Sprintf("requested %d but only %d available for perk %q", amount, balance, perk),
			nil,
			map[string]any{"perk": string(perk), "requested": amount, "available": balance},
		)
	}

	ledger.Balances[perk] = balance - amount
	if ledger.Used == nil {
		ledger.Used = make(map[types.PerkType]int)
	}
	ledger.Used[perk] += amount
	ledger.UpdatedAt = e.clock.Now()

	e.record(ctx, ledger, types.AuditPerkConsumed, map[string]any{
		"perk":      string(perk),
		"amount":    amount,
		"remaining": ledger.Balances[perk],
	})
	return nil
}

// ApplyTierChange re-tiers the ledger deterministically mid-cycle:
//
//   - a due refresh is applied first, under the old tier's rules
//   - for each perk the new tier grants, the balance becomes
//     max(new allotment - used this period, 0): consumption already made this
//     month counts against the new allotment, and there is no retroactive
//     rollover mid-month
//   - balances for perks the new tier does not grant are retained untouched
//
// The change aborts before any mutation if either tier is unknown.
func (e *Engine) ApplyTierChange(ctx context.Context, ledger *types.Ledger, newTier types.TierID) error {
	if _, err := e.Evaluate(ctx, ledger); err != nil {
		return err
	}

	def, err := e.catalog.PerksFor(newTier)
	if err != nil {
		return err
	}

	oldTier := ledger.Tier
	for perk, grant := range def {
		remaining := grant.Allotment - ledger.Used[perk]
		if remaining < 0 {
			remaining = 0
		}
		ledger.Balances[perk] = remaining
	}
	ledger.Tier = newTier
	ledger.UpdatedAt = e.clock.Now()

	e.record(ctx, ledger, types.AuditTierChanged, map[string]any{
		"old_tier": string(oldTier),
		"new_tier": string(newTier),
		"balances": ledger.BalancesCopy(),
	})
	return nil
}

// SetActive toggles the ledger's active flag. An inactive subscriber keeps
// their balances but cannot consume.
func (e *Engine) SetActive(ctx context.Context, ledger *types.Ledger, active bool) {
	ledger.Active = active
	ledger.UpdatedAt = e.clock.Now()
	e.record(ctx, ledger, types.AuditActiveChanged, map[string]any{
		"active": active,
	})
}

// SyncWithBilling pulls the subscriber's current tier from the billing
// provider and applies it as a tier change. This is the reconciliation path
// for drift between local state and the provider's subscription records.
func (e *Engine) SyncWithBilling(ctx context.Context, ledger *types.Ledger, source types.TierSource) error {
	tier, err := source.GetSubscriberTier(ctx, ledger.SubscriberID)
	if err != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamStripe,
			"failed to resolve subscriber tier from billing provider",
			err,
		)
	}

	if err := e.ApplyTierChange(ctx, ledger, tier); err != nil {
		return err
	}
	e.record(ctx, ledger, types.AuditBillingSynced, map[string]any{
		"tier": string(tier),
	})
	return nil
}

// record appends an audit entry if a sink is configured.
func (e *Engine) record(ctx context.Context, ledger *types.Ledger, action types.AuditAction, details map[string]any) {
	if e.audit == nil {
		return
	}
	e.audit.Record(ctx, types.AuditEntry{
		SubscriberID: ledger.SubscriberID,
		Tier:         ledger.Tier,
		Action:       action,
		Details:      details,
		OccurredAt:   e.clock.Now(),
	})
}

// Package handlers contains the HTTP handler implementations for the
// PerkLedger API.
//
// This file implements the entitlement ledger endpoints:
//   - Ledger provisioning and retrieval
//   - Refresh evaluation (monthly allotment grant with rollover)
//   - Perk consumption
//   - Tier changes, billing reconciliation, and activation toggles
//   - Audit history retrieval
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"perkledger/internal/core"
	"perkledger/internal/types"
)

// --- Service Interfaces ---
//
// These interfaces are defined locally: the handler declares the contract it
// needs and the concrete implementations are injected via the constructor.
// This keeps the handler decoupled from the engine and repository types and
// makes test mocking straightforward.

// LedgerStore provides persistence for entitlement ledgers.
// Satisfied by *db.LedgerRepo.
type LedgerStore interface {
	// Get loads the ledger for a subscriber. Returns a not-found error when
	// no ledger exists.
	Get(ctx context.Context, subscriberID string) (*types.Ledger, error)

	// Create inserts a new ledger. Fails with a conflict error when a ledger
	// already exists for the subscriber.
	Create(ctx context.Context, ledger *types.Ledger) error

	// Update persists a mutated ledger using optimistic locking on the
	// previously observed UpdatedAt.
	Update(ctx context.Context, ledger *types.Ledger, expectedUpdatedAt time.Time) error
}

// LedgerEvaluator is the entitlement engine surface the handler drives.
// Satisfied by *entitlements.Engine.
type LedgerEvaluator interface {
	// ValidateTier fails with the typed unknown-tier error when the catalog
	// does not declare the tier.
	ValidateTier(tier types.TierID) error

	// Evaluate performs at most one refresh step on the ledger, granting the
	// tier's monthly allotments with rollover. Same-period calls are no-ops.
	Evaluate(ctx context.Context, ledger *types.Ledger) (types.RefreshResult, error)

	// Consume debits a perk balance, refreshing first if a new period began.
	Consume(ctx context.Context, ledger *types.Ledger, perk types.PerkType, amount int) error

	// ApplyTierChange re-tiers the ledger mid-cycle.
	ApplyTierChange(ctx context.Context, ledger *types.Ledger, newTier types.TierID) error

	// SyncWithBilling reconciles the ledger's tier against the billing
	// provider's subscription records.
	SyncWithBilling(ctx context.Context, ledger *types.Ledger, source types.TierSource) error

	// SetActive toggles whether the subscriber may consume.
	SetActive(ctx context.Context, ledger *types.Ledger, active bool)
}

// AuditHistory provides read access to a subscriber's audit trail.
// Satisfied by *db.AuditRepo.
type AuditHistory interface {
	ListBySubscriber(ctx context.Context, subscriberID string, limit int) ([]types.AuditEntry, error)
}

// DenialMetrics records denied consumption attempts. Satisfied by the
// notifications metrics implementations.
type DenialMetrics interface {
	RecordConsumeDenied(ctx context.Context, tier types.TierID, perk types.PerkType)
}

type noopDenialMetrics struct{}

func (noopDenialMetrics) RecordConsumeDenied(context.Context, types.TierID, types.PerkType) {}

// --- Request/Response Models ---

// CreateLedgerRequest is the request body for POST /v1/entitlements.
type CreateLedgerRequest struct {
	SubscriberID string       `json:"subscriber_id" validate:"required"`
	Tier         types.TierID `json:"tier" validate:"required"`
}

// ConsumeRequest is the request body for POST /v1/entitlements/{id}/consume.
type ConsumeRequest struct {
	Perk   types.PerkType `json:"perk" validate:"required"`
	Amount int            `json:"amount" validate:"required,gt=0"`
}

// ChangeTierRequest is the request body for PUT /v1/entitlements/{id}/tier.
type ChangeTierRequest struct {
	Tier types.TierID `json:"tier" validate:"required"`
}

// SetActiveRequest is the request body for PATCH /v1/entitlements/{id}/active.
// Active is a pointer so that an explicit `false` survives required-field
// validation.
type SetActiveRequest struct {
	Active *bool `json:"active" validate:"required"`
}

// RefreshResponse is the response for refresh and sync endpoints.
type RefreshResponse struct {
	SubscriberID string                 `json:"subscriber_id"`
	Kind         types.RefreshKind      `json:"kind"`
	Period       string                 `json:"period"`
	Balances     map[types.PerkType]int `json:"balances"`
}

// ConsumeResponse is the response for POST /v1/entitlements/{id}/consume.
type ConsumeResponse struct {
	SubscriberID string                 `json:"subscriber_id"`
	Perk         types.PerkType         `json:"perk"`
	Consumed     int                    `json:"consumed"`
	Balances     map[types.PerkType]int `json:"balances"`
}

// AuditListResponse is the response for GET /v1/entitlements/{id}/audit.
type AuditListResponse struct {
	Entries []types.AuditEntry `json:"entries"`
}

// defaultAuditPageSize bounds audit history responses when the client does
// not pass an explicit limit.
const (
	defaultAuditPageSize = 50
	maxAuditPageSize     = 200
)

// --- Entitlements Handler ---

// EntitlementsHandler exposes the entitlement ledger over HTTP. All write
// paths follow the same shape: load the ledger, let the engine mutate it in
// memory, then persist with optimistic locking against the UpdatedAt observed
// at load time.
type EntitlementsHandler struct {
	store      LedgerStore
	engine     LedgerEvaluator
	audit      AuditHistory
	tierSource types.TierSource
	metrics    DenialMetrics
	validator  *core.Validator
	clock      types.Clock
	logger     *slog.Logger
}

// NewEntitlementsHandler creates an EntitlementsHandler with the provided
// dependencies. tierSource may be nil when no billing provider is configured;
// the sync endpoint then returns an upstream error. metrics may be nil.
func NewEntitlementsHandler(
	store LedgerStore,
	engine LedgerEvaluator,
	audit AuditHistory,
	tierSource types.TierSource,
	metrics DenialMetrics,
	v *core.Validator,
	clock types.Clock,
	l *slog.Logger,
) *EntitlementsHandler {
	if metrics == nil {
		metrics = noopDenialMetrics{}
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	if l == nil {
		l = slog.Default()
	}
	return &EntitlementsHandler{
		store:      store,
		engine:     engine,
		audit:      audit,
		tierSource: tierSource,
		metrics:    metrics,
		validator:  v,
		clock:      clock,
		logger:     l,
	}
}

// RegisterRoutes mounts all entitlement endpoints.
func (h *EntitlementsHandler) RegisterRoutes(r chi.Router) {
	r.Route("/entitlements", func(r chi.Router) {
		r.Post("/", h.CreateLedger)

		r.Route("/{subscriberID}", func(r chi.Router) {
			r.Get("/", h.GetLedger)
			r.Post("/refresh", h.Refresh)
			r.Post("/consume", h.Consume)
			r.Put("/tier", h.ChangeTier)
			r.Post("/sync", h.SyncWithBilling)
			r.Patch("/active", h.SetActive)
			r.Get("/audit", h.GetAuditHistory)
		})
	})
}

// CreateLedger handles POST /v1/entitlements.
//
// The ledger row is inserted before the initial grant is evaluated: a
// duplicate provision is rejected by the insert before the engine fires any
// ports or audit entries, so an existing subscriber never sees side effects
// from a rejected create. An unknown tier aborts before anything is written.
func (h *EntitlementsHandler) CreateLedger(w http.ResponseWriter, r *http.Request) {
	var req CreateLedgerRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		core.Error(w, r, err)
		return
	}

	if err := h.engine.ValidateTier(req.Tier); err != nil {
		core.Error(w, r, err)
		return
	}

	ledger := types.NewLedger(req.SubscriberID, req.Tier, h.clock.Now())

	if err := h.store.Create(r.Context(), ledger); err != nil {
		core.Error(w, r, err)
		return
	}

	expectedUpdatedAt := ledger.UpdatedAt
	result, err := h.engine.Evaluate(r.Context(), ledger)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	if err := h.store.Update(r.Context(), ledger, expectedUpdatedAt); err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "ledger created",
		"subscriber_id", ledger.SubscriberID,
		"tier", ledger.Tier,
		"period", result.Period.String(),
	)

	core.JSON(w, r, http.StatusCreated, core.APIResponse{
		Data:     ledger,
		Warnings: result.Warnings,
	})
}

// GetLedger handles GET /v1/entitlements/{subscriberID}.
func (h *EntitlementsHandler) GetLedger(w http.ResponseWriter, r *http.Request) {
	subscriberID := chi.URLParam(r, "subscriberID")

	ledger, err := h.store.Get(r.Context(), subscriberID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: ledger})
}

// Refresh handles POST /v1/entitlements/{subscriberID}/refresh.
//
// A no-op evaluation (the ledger was already refreshed this period) skips the
// persistence round-trip and reports kind "no_op" to the caller.
func (h *EntitlementsHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	subscriberID := chi.URLParam(r, "subscriberID")

	ledger, err := h.store.Get(r.Context(), subscriberID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	expectedUpdatedAt := ledger.UpdatedAt
	result, err := h.engine.Evaluate(r.Context(), ledger)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	if result.Kind == types.RefreshApplied {
		if err := h.store.Update(r.Context(), ledger, expectedUpdatedAt); err != nil {
			core.Error(w, r, err)
			return
		}
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{
		Data: RefreshResponse{
			SubscriberID: ledger.SubscriberID,
			Kind:         result.Kind,
			Period:       result.Period.String(),
			Balances:     result.Balances,
		},
		Warnings: result.Warnings,
	})
}

// Consume handles POST /v1/entitlements/{subscriberID}/consume.
//
// The engine refreshes first when a new period has started, so a consume
// landing just after a month boundary spends against the fresh allotment.
// Insufficient balance and inactive subscribers map to 403; the stored
// ledger is untouched in both cases.
func (h *EntitlementsHandler) Consume(w http.ResponseWriter, r *http.Request) {
	subscriberID := chi.URLParam(r, "subscriberID")

	var req ConsumeRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		core.Error(w, r, err)
		return
	}

	ledger, err := h.store.Get(r.Context(), subscriberID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	expectedUpdatedAt := ledger.UpdatedAt
	if err := h.engine.Consume(r.Context(), ledger, req.Perk, req.Amount); err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) &&
			(appErr.Code == types.ErrCodeBalanceInsufficient || appErr.Code == types.ErrCodeSubscriberInactive) {
			h.metrics.RecordConsumeDenied(r.Context(), ledger.Tier, req.Perk)
		}
		core.Error(w, r, err)
		return
	}

	if err := h.store.Update(r.Context(), ledger, expectedUpdatedAt); err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{
		Data: ConsumeResponse{
			SubscriberID: ledger.SubscriberID,
			Perk:         req.Perk,
			Consumed:     req.Amount,
			Balances:     ledger.BalancesCopy(),
		},
	})
}

// ChangeTier handles PUT /v1/entitlements/{subscriberID}/tier.
func (h *EntitlementsHandler) ChangeTier(w http.ResponseWriter, r *http.Request) {
	subscriberID := chi.URLParam(r, "subscriberID")

	var req ChangeTierRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		core.Error(w, r, err)
		return
	}

	ledger, err := h.store.Get(r.Context(), subscriberID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	expectedUpdatedAt := ledger.UpdatedAt
	if err := h.engine.ApplyTierChange(r.Context(), ledger, req.Tier); err != nil {
		core.Error(w, r, err)
		return
	}

	if err := h.store.Update(r.Context(), ledger, expectedUpdatedAt); err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "tier changed",
		"subscriber_id", ledger.SubscriberID,
		"tier", ledger.Tier,
	)

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: ledger})
}

// SyncWithBilling handles POST /v1/entitlements/{subscriberID}/sync.
//
// This is the reconciliation path for drift between the local ledger and the
// billing provider's subscription records: the provider's tier wins.
func (h *EntitlementsHandler) SyncWithBilling(w http.ResponseWriter, r *http.Request) {
	subscriberID := chi.URLParam(r, "subscriberID")

	if h.tierSource == nil {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeUpstreamUnavailable,
			"no billing provider configured",
			nil,
		))
		return
	}

	ledger, err := h.store.Get(r.Context(), subscriberID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	expectedUpdatedAt := ledger.UpdatedAt
	if err := h.engine.SyncWithBilling(r.Context(), ledger, h.tierSource); err != nil {
		core.Error(w, r, err)
		return
	}

	if err := h.store.Update(r.Context(), ledger, expectedUpdatedAt); err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: ledger})
}

// SetActive handles PATCH /v1/entitlements/{subscriberID}/active.
// Deactivation keeps all balances; it only gates consumption.
func (h *EntitlementsHandler) SetActive(w http.ResponseWriter, r *http.Request) {
	subscriberID := chi.URLParam(r, "subscriberID")

	var req SetActiveRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		core.Error(w, r, err)
		return
	}

	ledger, err := h.store.Get(r.Context(), subscriberID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	expectedUpdatedAt := ledger.UpdatedAt
	h.engine.SetActive(r.Context(), ledger, *req.Active)

	if err := h.store.Update(r.Context(), ledger, expectedUpdatedAt); err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: ledger})
}

// GetAuditHistory handles GET /v1/entitlements/{subscriberID}/audit.
// Supports an optional ?limit= query parameter, clamped to maxAuditPageSize.
func (h *EntitlementsHandler) GetAuditHistory(w http.ResponseWriter, r *http.Request) {
	subscriberID := chi.URLParam(r, "subscriberID")

	limit := defaultAuditPageSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			core.Error(w, r, types.NewAppErrorWithDetails(
				types.ErrCodeValidationInvalidAmount,
				"limit must be a positive integer",
				nil,
				map[string]any{"limit": raw},
			))
			return
		}
		limit = parsed
	}
	if limit > maxAuditPageSize {
		limit = maxAuditPageSize
	}

	entries, err := h.audit.ListBySubscriber(r.Context(), subscriberID, limit)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{
		Data: AuditListResponse{Entries: entries},
	})
}

// Package handlers contains the HTTP handler implementations for the
// PerkLedger API.
//
// This file implements the Stripe webhook handler. The route is NOT behind
// API-key auth -- it is called directly by Stripe. Security is provided by
// verifying the Stripe-Signature header using HMAC-SHA256.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"perkledger/internal/core"
	"perkledger/internal/external"
	"perkledger/internal/types"
)

// maxWebhookBodySize is the maximum allowed size of a Stripe webhook payload
// (64 KB). Stripe payloads are typically small; this limit protects against
// abuse.
const maxWebhookBodySize = 64 * 1024

// ---------------------------------------------------------------------------
// Interfaces for webhook handler dependencies
// ---------------------------------------------------------------------------

// TierUpdater applies billing-driven tier changes to stored ledgers.
// Satisfied by *db.LedgerRepo.
type TierUpdater interface {
	// UpdateTier sets the subscriber's tier. Uses optimistic locking via the
	// event timestamp so out-of-order webhook deliveries cannot regress the
	// tier to an older state.
	UpdateTier(ctx context.Context, subscriberID string, tier types.TierID, eventTimestamp time.Time) error

	// SetActive toggles whether the subscriber may consume. Balances are
	// retained either way.
	SetActive(ctx context.Context, subscriberID string, active bool) error
}

// ---------------------------------------------------------------------------
// Stripe Webhook Handler
// ---------------------------------------------------------------------------

// StripeWebhookHandler handles asynchronous subscription lifecycle events
// from Stripe. It is unauthenticated (no API key) but verifies the provider
// signature on every request.
type StripeWebhookHandler struct {
	verifier  external.WebhookVerifier
	ledgers   TierUpdater
	priceTier map[string]types.TierID
	secret    string
	logger    *slog.Logger
}

// NewStripeWebhookHandler creates a StripeWebhookHandler with the provided
// dependencies. priceTier maps Stripe price IDs to tier identifiers; events
// carrying an unmapped price are logged and skipped.
func NewStripeWebhookHandler(
	verifier external.WebhookVerifier,
	ledgers TierUpdater,
	priceTier map[string]types.TierID,
	secret string,
	logger *slog.Logger,
) *StripeWebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeWebhookHandler{
		verifier:  verifier,
		ledgers:   ledgers,
		priceTier: priceTier,
		secret:    secret,
		logger:    logger,
	}
}

// RegisterRoutes mounts the Stripe webhook endpoint. The path is on the auth
// exemption list in core; the signature check below is the authentication.
func (h *StripeWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/billing/webhook", h.Handle)
}

// Handle processes incoming Stripe webhook events:
//  1. Reads the body and the "Stripe-Signature" header.
//  2. Verifies the signature against the webhook signing secret.
//  3. Parses the event JSON and extracts the subscriber ID.
//  4. Routes by event type.
//  5. Returns 200 OK.
//
// Processing failures after signature verification still return 200: the
// error is logged for investigation, and acknowledging receipt prevents
// Stripe from retrying in a loop against a bug that a retry cannot fix.
func (h *StripeWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.WarnContext(r.Context(), "failed to read webhook body",
			"error", err,
		)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"failed to read request body",
			err,
		))
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if sigHeader == "" {
		h.logger.WarnContext(r.Context(), "missing Stripe-Signature header")
		core.Error(w, r, types.NewAppError(
			types.ErrCodeAuthKeyMissing,
			"missing Stripe-Signature header",
			nil,
		))
		return
	}

	if err := h.verifier.Verify(payload, sigHeader, h.secret); err != nil {
		h.logger.WarnContext(r.Context(), "webhook signature verification failed",
			"error", err,
		)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeAuthKeyInvalid,
			"webhook signature verification failed",
			err,
		))
		return
	}

	var event stripeWebhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		h.logger.ErrorContext(r.Context(), "failed to parse webhook event JSON",
			"error", err,
		)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"invalid webhook event JSON",
			err,
		))
		return
	}

	h.logger.InfoContext(r.Context(), "processing stripe webhook event",
		"event_id", event.ID,
		"event_type", event.Type,
	)

	if err := h.routeEvent(r.Context(), &event); err != nil {
		h.logger.ErrorContext(r.Context(), "webhook event processing failed",
			"event_id", event.ID,
			"event_type", event.Type,
			"error", err,
		)
	}

	w.WriteHeader(http.StatusOK)
}

// routeEvent dispatches the webhook event by type.
func (h *StripeWebhookHandler) routeEvent(ctx context.Context, event *stripeWebhookEvent) error {
	switch event.Type {
	case external.EventStripeCheckoutCompleted:
		return h.handleCheckoutCompleted(ctx, event)

	case external.EventStripeSubUpdated:
		return h.handleSubscriptionUpdated(ctx, event)

	case external.EventStripeSubDeleted:
		return h.handleSubscriptionDeleted(ctx, event)

	default:
		h.logger.InfoContext(ctx, "ignoring unhandled webhook event type",
			"event_type", event.Type,
		)
		return nil
	}
}

// handleCheckoutCompleted processes checkout.session.completed events. This
// confirms a new subscription after the subscriber completes the Stripe
// Checkout flow: the ledger is re-tiered and reactivated.
func (h *StripeWebhookHandler) handleCheckoutCompleted(ctx context.Context, event *stripeWebhookEvent) error {
	subscriberID := event.extractSubscriberID()
	if subscriberID == "" {
		return fmt.Errorf("checkout.session.completed: missing subscriber_id in event %s", event.ID)
	}

	tier, ok := h.resolveTier(event)
	if !ok {
		h.logger.WarnContext(ctx, "checkout completed with unmapped price, skipping",
			"event_id", event.ID,
			"subscriber_id", subscriberID,
		)
		return nil
	}

	eventTime := event.eventTimestamp()

	h.logger.InfoContext(ctx, "processing checkout completed",
		"event_id", event.ID,
		"subscriber_id", subscriberID,
		"tier", tier,
	)

	if err := h.ledgers.UpdateTier(ctx, subscriberID, tier, eventTime); err != nil {
		return fmt.Errorf("UpdateTier: %w", err)
	}
	return h.ledgers.SetActive(ctx, subscriberID, true)
}

// handleSubscriptionUpdated processes customer.subscription.updated events,
// covering both upgrades and downgrades. A subscription that has fallen out
// of good standing (past_due, canceled) deactivates the ledger; balances are
// kept so a recovered subscriber resumes where they left off.
func (h *StripeWebhookHandler) handleSubscriptionUpdated(ctx context.Context, event *stripeWebhookEvent) error {
	subscriberID := event.extractSubscriberID()
	if subscriberID == "" {
		return fmt.Errorf("customer.subscription.updated: missing subscriber_id in event %s", event.ID)
	}

	status := external.MapSubscriptionStatus(event.extractSubscriptionStatus())
	eventTime := event.eventTimestamp()
	active := status == types.SubStatusActive

	h.logger.InfoContext(ctx, "processing subscription updated",
		"event_id", event.ID,
		"subscriber_id", subscriberID,
		"status", status,
	)

	if tier, ok := h.resolveTier(event); ok {
		if err := h.ledgers.UpdateTier(ctx, subscriberID, tier, eventTime); err != nil {
			return fmt.Errorf("UpdateTier: %w", err)
		}
	} else {
		h.logger.WarnContext(ctx, "subscription updated with unmapped price, keeping current tier",
			"event_id", event.ID,
			"subscriber_id", subscriberID,
		)
	}

	return h.ledgers.SetActive(ctx, subscriberID, active)
}

// handleSubscriptionDeleted processes customer.subscription.deleted events.
// Cancellation deactivates consumption but never deletes the ledger: the
// balance history and audit trail stay intact for a possible resubscribe.
func (h *StripeWebhookHandler) handleSubscriptionDeleted(ctx context.Context, event *stripeWebhookEvent) error {
	subscriberID := event.extractSubscriberID()
	if subscriberID == "" {
		return fmt.Errorf("customer.subscription.deleted: missing subscriber_id in event %s", event.ID)
	}

	h.logger.InfoContext(ctx, "processing subscription deleted",
		"event_id", event.ID,
		"subscriber_id", subscriberID,
	)

	return h.ledgers.SetActive(ctx, subscriberID, false)
}

// resolveTier maps the event's price ID to a tier via the configured price
// tier map.
func (h *StripeWebhookHandler) resolveTier(event *stripeWebhookEvent) (types.TierID, bool) {
	priceID := event.extractPriceID()
	if priceID == "" {
		return "", false
	}
	tier, ok := h.priceTier[priceID]
	return tier, ok
}

// ---------------------------------------------------------------------------
// Stripe Event Parsing
// ---------------------------------------------------------------------------

// stripeWebhookEvent is a minimal representation of a Stripe webhook event
// tailored to extract the fields needed for routing and processing. We avoid
// importing the full stripe.Event type to keep the handler decoupled from the
// stripe-go library and to make testing straightforward.
type stripeWebhookEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    json.RawMessage `json:"data"`
}

// stripeEventData wraps the event data object.
type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

// stripeCheckoutSessionObj holds the minimal fields of a
// checkout.session.completed event's data object.
type stripeCheckoutSessionObj struct {
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
	LineItems         stripeSubItems    `json:"line_items"`
}

// stripeSubscriptionObj holds the minimal fields of a
// customer.subscription.* event's data object.
type stripeSubscriptionObj struct {
	ID       string            `json:"id"`
	Status   string            `json:"status"`
	Metadata map[string]string `json:"metadata"`
	Items    stripeSubItems    `json:"items"`
}

type stripeSubItems struct {
	Data []stripeSubItem `json:"data"`
}

type stripeSubItem struct {
	Price stripeSubPrice `json:"price"`
}

type stripeSubPrice struct {
	ID string `json:"id"`
}

// eventTimestamp returns the event's created timestamp as a time.Time.
func (e *stripeWebhookEvent) eventTimestamp() time.Time {
	return time.Unix(e.Created, 0).UTC()
}

// extractSubscriberID extracts the subscriber ID from the event payload. The
// ID is stored differently depending on the event type:
//   - checkout.session.completed: client_reference_id or metadata.subscriber_id
//   - subscription events: metadata.subscriber_id on the subscription object
func (e *stripeWebhookEvent) extractSubscriberID() string {
	var data stripeEventData
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return ""
	}

	switch e.Type {
	case external.EventStripeCheckoutCompleted:
		var session stripeCheckoutSessionObj
		if err := json.Unmarshal(data.Object, &session); err != nil {
			return ""
		}
		// Prefer client_reference_id, set when the checkout session is
		// provisioned.
		if session.ClientReferenceID != "" {
			return session.ClientReferenceID
		}
		return session.Metadata["subscriber_id"]

	case external.EventStripeSubUpdated, external.EventStripeSubDeleted:
		var sub stripeSubscriptionObj
		if err := json.Unmarshal(data.Object, &sub); err != nil {
			return ""
		}
		return sub.Metadata["subscriber_id"]

	default:
		return ""
	}
}

// extractPriceID returns the price ID of the first line item or subscription
// item on the event, or "" when none is present.
func (e *stripeWebhookEvent) extractPriceID() string {
	var data stripeEventData
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return ""
	}

	switch e.Type {
	case external.EventStripeCheckoutCompleted:
		var session stripeCheckoutSessionObj
		if err := json.Unmarshal(data.Object, &session); err != nil {
			return ""
		}
		if len(session.LineItems.Data) == 0 {
			return ""
		}
		return session.LineItems.Data[0].Price.ID

	case external.EventStripeSubUpdated, external.EventStripeSubDeleted:
		var sub stripeSubscriptionObj
		if err := json.Unmarshal(data.Object, &sub); err != nil {
			return ""
		}
		if len(sub.Items.Data) == 0 {
			return ""
		}
		return sub.Items.Data[0].Price.ID

	default:
		return ""
	}
}

// extractSubscriptionStatus returns the raw Stripe status string from a
// subscription event's data object.
func (e *stripeWebhookEvent) extractSubscriptionStatus() string {
	var data stripeEventData
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return ""
	}
	var sub stripeSubscriptionObj
	if err := json.Unmarshal(data.Object, &sub); err != nil {
		return ""
	}
	return sub.Status
}

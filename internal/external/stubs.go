package external

import (
	"context"
	"log/slog"

	"perkledger/internal/types"
)

// ---------------------------------------------------------------------------
// Stub Implementations
//
// Stub implementations allow the application to boot in local/test mode
// without requiring real external service credentials. They log all
// actions and return predictable, safe default values.
// ---------------------------------------------------------------------------

// StubBillingClient implements TierSource and BillingSyncPort by logging
// calls and returning test-safe defaults. Used when config.IsTestMode is
// true or APP_ENV=local.
type StubBillingClient struct {
	logger *slog.Logger

	// DefaultTier is the tier returned by GetSubscriberTier. Defaults to
	// "gold" so local runs exercise a tier that exists in most catalogs.
	DefaultTier types.TierID
}

// NewStubBillingClient creates a new StubBillingClient.
func NewStubBillingClient(logger *slog.Logger) *StubBillingClient {
	return &StubBillingClient{logger: logger, DefaultTier: "gold"}
}

func (s *StubBillingClient) GetSubscriberTier(ctx context.Context, subscriberID string) (types.TierID, error) {
	s.logger.InfoContext(ctx, "stub: GetSubscriberTier called",
		"subscriber_id", subscriberID,
		"tier", s.DefaultTier,
	)
	return s.DefaultTier, nil
}

func (s *StubBillingClient) OnRefresh(ctx context.Context, subscriberID string, period types.PeriodKey) error {
	s.logger.InfoContext(ctx, "stub: billing OnRefresh called",
		"subscriber_id", subscriberID,
		"period", period.String(),
	)
	return nil
}

// StubWebhookVerifier implements WebhookVerifier by always succeeding.
// Used when config.IsTestMode is true or APP_ENV=local.
type StubWebhookVerifier struct {
	logger *slog.Logger
}

// NewStubWebhookVerifier creates a new StubWebhookVerifier.
func NewStubWebhookVerifier(logger *slog.Logger) *StubWebhookVerifier {
	return &StubWebhookVerifier{logger: logger}
}

func (s *StubWebhookVerifier) Verify(payload []byte, header string, secret string) error {
	s.logger.Info("stub: Stripe webhook Verify called",
		"payload_len", len(payload),
	)
	return nil
}

// ---------------------------------------------------------------------------
// Interface Compliance
// ---------------------------------------------------------------------------

var _ types.TierSource = (*StubBillingClient)(nil)
var _ types.BillingSyncPort = (*StubBillingClient)(nil)
var _ WebhookVerifier = (*StubWebhookVerifier)(nil)

package external

import (
	"log/slog"
	"net/http"
	"time"

	"perkledger/internal/config"
	"perkledger/internal/types"
)

// ---------------------------------------------------------------------------
// Client Registry
//
// Central factory that instantiates all external service clients based on
// configuration. In test/local mode, returns stub implementations that log
// actions without requiring real credentials. In production mode, returns
// real client implementations with strict timeouts.
// ---------------------------------------------------------------------------

// ClientRegistry holds all external service client interfaces. It is the single
// point of access for the rest of the application to interact with the billing
// provider.
type ClientRegistry struct {
	// Tiers resolves subscriber tiers from the billing provider's
	// subscription state.
	Tiers types.TierSource

	// Billing receives refresh markers after ledger refreshes commit.
	Billing types.BillingSyncPort

	// StripeVerifier checks webhook signatures on the billing event endpoint.
	StripeVerifier WebhookVerifier
}

// NewClientRegistry initializes all external service clients.
// If cfg.IsTestMode is true or cfg.Environment is "local", the registry is
// populated with Stub implementations that log actions without requiring real
// credentials. Otherwise, real client implementations are initialized with
// strict timeouts per provider.
func NewClientRegistry(cfg *config.Config, logger *slog.Logger) (*ClientRegistry, error) {
	if logger == nil {
		logger = slog.Default()
	}

	useStubs := cfg.IsTestMode || cfg.Environment == "local"

	if useStubs {
		logger.Info("initializing external clients in STUB mode",
			"is_test_mode", cfg.IsTestMode,
			"environment", cfg.Environment,
		)
		return newStubRegistry(logger), nil
	}

	logger.Info("initializing external clients in PRODUCTION mode",
		"environment", cfg.Environment,
	)
	return newProductionRegistry(cfg, logger)
}

// newStubRegistry creates a ClientRegistry populated entirely with stub
// implementations. This allows the application to boot locally without
// any external service credentials.
func newStubRegistry(logger *slog.Logger) *ClientRegistry {
	stubLogger := logger.With("mode", "stub")
	billing := NewStubBillingClient(stubLogger)

	return &ClientRegistry{
		Tiers:          billing,
		Billing:        billing,
		StripeVerifier: NewStubWebhookVerifier(stubLogger),
	}
}

// newProductionRegistry creates a ClientRegistry with real client implementations
// configured with strict timeouts and resilience patterns.
func newProductionRegistry(cfg *config.Config, logger *slog.Logger) (*ClientRegistry, error) {
	priceTierMap, err := ParsePriceTierMap(cfg.Billing.PriceTierMap)
	if err != nil {
		return nil, err
	}

	// Tier resolution sits on the webhook path, so the timeout stays short.
	stripeHTTPClient := &http.Client{Timeout: 20 * time.Second}
	stripeClient := NewStripeClient(stripeHTTPClient, StripeClientConfig{
		SecretKey:    cfg.Billing.StripeSecretKey.Unmask(),
		PriceTierMap: priceTierMap,
		Logger:       logger.With("client", "stripe"),
	})

	return &ClientRegistry{
		Tiers:          stripeClient,
		Billing:        stripeClient,
		StripeVerifier: &StripeVerifier{},
	}, nil
}

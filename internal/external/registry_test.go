package external

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"perkledger/internal/config"
	"perkledger/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// TestNewClientRegistry_TestModeReturnsStubs verifies that when IsTestMode is
// true, the registry returns stub implementations for all service interfaces.
func TestNewClientRegistry_TestModeReturnsStubs(t *testing.T) {
	cfg := &config.Config{
		IsTestMode:  true,
		Environment: "dev",
	}

	reg, err := NewClientRegistry(cfg, testLogger())
	if err != nil {
		t.Fatalf("NewClientRegistry returned error: %v", err)
	}

	// Verify all fields are populated.
	if reg.Tiers == nil {
		t.Fatal("Tiers is nil")
	}
	if reg.Billing == nil {
		t.Fatal("Billing is nil")
	}
	if reg.StripeVerifier == nil {
		t.Fatal("StripeVerifier is nil")
	}

	// Verify they are stub implementations.
	if _, ok := reg.Tiers.(*StubBillingClient); !ok {
		t.Errorf("Tiers is %T, want *StubBillingClient", reg.Tiers)
	}
	if _, ok := reg.Billing.(*StubBillingClient); !ok {
		t.Errorf("Billing is %T, want *StubBillingClient", reg.Billing)
	}
	if _, ok := reg.StripeVerifier.(*StubWebhookVerifier); !ok {
		t.Errorf("StripeVerifier is %T, want *StubWebhookVerifier", reg.StripeVerifier)
	}
}

// TestNewClientRegistry_LocalEnvReturnsStubs verifies that when Environment is
// "local", the registry returns stub implementations even if IsTestMode is false.
func TestNewClientRegistry_LocalEnvReturnsStubs(t *testing.T) {
	cfg := &config.Config{
		IsTestMode:  false,
		Environment: "local",
	}

	reg, err := NewClientRegistry(cfg, testLogger())
	if err != nil {
		t.Fatalf("NewClientRegistry returned error: %v", err)
	}

	if _, ok := reg.Billing.(*StubBillingClient); !ok {
		t.Errorf("Billing is %T, want *StubBillingClient", reg.Billing)
	}
}

// TestNewClientRegistry_ProductionReturnsRealClients verifies that when neither
// IsTestMode nor local environment is set, real client implementations are used.
func TestNewClientRegistry_ProductionReturnsRealClients(t *testing.T) {
	cfg := &config.Config{
		IsTestMode:  false,
		Environment: "prod",
		Billing: config.BillingConfig{
			StripeSecretKey: types.SecretString("sk_test_fake"),
			PriceTierMap:    `{"price_gold": "gold"}`,
		},
	}

	reg, err := NewClientRegistry(cfg, testLogger())
	if err != nil {
		t.Fatalf("NewClientRegistry returned error: %v", err)
	}

	// Verify real implementations are used, and that Tiers and Billing share
	// the same underlying Stripe client.
	stripeClient, ok := reg.Tiers.(*StripeClient)
	if !ok {
		t.Fatalf("Tiers is %T, want *StripeClient", reg.Tiers)
	}
	if reg.Billing != types.BillingSyncPort(stripeClient) {
		t.Error("Billing and Tiers should share the same StripeClient")
	}
	if _, ok := reg.StripeVerifier.(*StripeVerifier); !ok {
		t.Errorf("StripeVerifier is %T, want *StripeVerifier", reg.StripeVerifier)
	}

	// Verify the price tier map was parsed into the client.
	if stripeClient.priceTierMap["price_gold"] != types.TierID("gold") {
		t.Errorf("priceTierMap[price_gold] = %q, want gold", stripeClient.priceTierMap["price_gold"])
	}
}

// TestNewClientRegistry_ProductionInvalidPriceMap verifies that a malformed
// price tier map fails registry construction instead of booting half-wired.
func TestNewClientRegistry_ProductionInvalidPriceMap(t *testing.T) {
	cfg := &config.Config{
		IsTestMode:  false,
		Environment: "prod",
		Billing: config.BillingConfig{
			StripeSecretKey: types.SecretString("sk_test_fake"),
			PriceTierMap:    `{broken`,
		},
	}

	_, err := NewClientRegistry(cfg, testLogger())
	if err == nil {
		t.Fatal("expected error for invalid price tier map, got nil")
	}
}

// TestNewClientRegistry_NilLoggerDefaultsToSlog verifies that passing a nil
// logger does not cause a panic.
func TestNewClientRegistry_NilLoggerDefaultsToSlog(t *testing.T) {
	cfg := &config.Config{
		IsTestMode:  true,
		Environment: "dev",
	}

	reg, err := NewClientRegistry(cfg, nil)
	if err != nil {
		t.Fatalf("NewClientRegistry returned error: %v", err)
	}
	if reg.Billing == nil {
		t.Fatal("Billing is nil with nil logger")
	}
}

// TestStubBillingClient_GetSubscriberTier verifies the stub returns the
// configured default tier.
func TestStubBillingClient_GetSubscriberTier(t *testing.T) {
	stub := NewStubBillingClient(testLogger())
	tier, err := stub.GetSubscriberTier(context.Background(), "sub_123")
	if err != nil {
		t.Fatalf("GetSubscriberTier returned error: %v", err)
	}
	if tier != types.TierID("gold") {
		t.Errorf("GetSubscriberTier = %q, want %q", tier, "gold")
	}

	stub.DefaultTier = "silver"
	tier, err = stub.GetSubscriberTier(context.Background(), "sub_123")
	if err != nil {
		t.Fatalf("GetSubscriberTier returned error: %v", err)
	}
	if tier != types.TierID("silver") {
		t.Errorf("GetSubscriberTier = %q, want %q", tier, "silver")
	}
}

// TestStubBillingClient_OnRefresh verifies the stub never fails.
func TestStubBillingClient_OnRefresh(t *testing.T) {
	stub := NewStubBillingClient(testLogger())
	err := stub.OnRefresh(context.Background(), "sub_123", types.PeriodKey{Year: 2024, Month: 2})
	if err != nil {
		t.Errorf("OnRefresh returned error: %v", err)
	}
}

// TestStubWebhookVerifier_AlwaysSucceeds verifies the stub verifier never
// returns an error.
func TestStubWebhookVerifier_AlwaysSucceeds(t *testing.T) {
	stub := NewStubWebhookVerifier(testLogger())
	err := stub.Verify([]byte("payload"), "sig_header", "secret")
	if err != nil {
		t.Errorf("Verify returned error: %v", err)
	}
}

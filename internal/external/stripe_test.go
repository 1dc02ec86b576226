package external

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"perkledger/internal/types"

	stripe "github.com/stripe/stripe-go/v82"
)

// ---------------------------------------------------------------------------
// Helper: Create test stripe client pointed at httptest server
// ---------------------------------------------------------------------------

func newTestStripeClient(t *testing.T, serverURL string) *StripeClient {
	t.Helper()
	base := NewBaseClient(
		&http.Client{Timeout: 5 * time.Second},
		"test-stripe",
		RetryPolicy{
			MaxRetries: 0, // No retries in tests for deterministic behavior
			MinWait:    1 * time.Millisecond,
			MaxWait:    10 * time.Millisecond,
		},
		"PerkLedger-Test/1.0",
		WithSleepFunc(noopSleep),
	)

	return NewStripeClientWithBase(base, StripeClientConfig{
		SecretKey: "sk_test_secret",
		BaseURL:   serverURL,
		PriceTierMap: map[string]types.TierID{
			"price_gold":   "gold",
			"price_silver": "silver",
		},
	})
}

// customerSearchResponse returns a handler fragment serving a single customer
// for the search endpoint.
func writeCustomerSearch(w http.ResponseWriter, customerID string, subscriberID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"data": []map[string]interface{}{
			{
				"id":       customerID,
				"email":    "billing@example.com",
				"metadata": map[string]string{"subscriber_id": subscriberID},
			},
		},
		"has_more": false,
	})
}

// ---------------------------------------------------------------------------
// ParsePriceTierMap Tests
// ---------------------------------------------------------------------------

func TestParsePriceTierMap_Valid(t *testing.T) {
	m, err := ParsePriceTierMap(`{"price_1AbC": "gold", "price_2DeF": "silver"}`)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if m["price_1AbC"] != types.TierID("gold") {
		t.Errorf("expected gold, got %s", m["price_1AbC"])
	}
	if m["price_2DeF"] != types.TierID("silver") {
		t.Errorf("expected silver, got %s", m["price_2DeF"])
	}
}

func TestParsePriceTierMap_Invalid(t *testing.T) {
	_, err := ParsePriceTierMap(`{not json`)
	if err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

// ---------------------------------------------------------------------------
// GetSubscriberTier Tests
// ---------------------------------------------------------------------------

func TestGetSubscriberTier_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/customers/search":
			if r.Method != http.MethodGet {
				t.Errorf("expected GET, got %s", r.Method)
			}
			query := r.URL.Query().Get("query")
			if !strings.Contains(query, "sub_123") {
				t.Errorf("expected query to contain sub_123, got %s", query)
			}
			writeCustomerSearch(w, "cus_abc", "sub_123")

		case "/v1/subscriptions":
			if got := r.URL.Query().Get("customer"); got != "cus_abc" {
				t.Errorf("expected customer cus_abc, got %s", got)
			}
			if got := r.URL.Query().Get("status"); got != "active" {
				t.Errorf("expected status active, got %s", got)
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"data": []map[string]interface{}{
					{
						"id":     "subsc_1",
						"status": "active",
						"items": map[string]interface{}{
							"data": []map[string]interface{}{
								{"price": map[string]interface{}{"id": "price_gold"}},
							},
						},
					},
				},
				"has_more": false,
			})

		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := newTestStripeClient(t, server.URL)

	tier, err := client.GetSubscriberTier(context.Background(), "sub_123")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if tier != types.TierID("gold") {
		t.Errorf("expected tier gold, got %s", tier)
	}
}

func TestGetSubscriberTier_NoCustomer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data":     []interface{}{},
			"has_more": false,
		})
	}))
	defer server.Close()

	client := newTestStripeClient(t, server.URL)

	_, err := client.GetSubscriberTier(context.Background(), "sub_unknown")
	if err == nil {
		t.Fatal("expected error, got nil")
	}

	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *types.AppError, got %T: %v", err, err)
	}
	if appErr.Code != types.ErrCodeNotFoundLedger {
		t.Errorf("expected error code %s, got %s", types.ErrCodeNotFoundLedger, appErr.Code)
	}
}

func TestGetSubscriberTier_NoActiveSubscription(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/customers/search":
			writeCustomerSearch(w, "cus_abc", "sub_123")
		case "/v1/subscriptions":
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"data":     []interface{}{},
				"has_more": false,
			})
		}
	}))
	defer server.Close()

	client := newTestStripeClient(t, server.URL)

	_, err := client.GetSubscriberTier(context.Background(), "sub_123")
	if err == nil {
		t.Fatal("expected error, got nil")
	}

	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *types.AppError, got %T: %v", err, err)
	}
	if appErr.Code != types.ErrCodeTierUnknown {
		t.Errorf("expected error code %s, got %s", types.ErrCodeTierUnknown, appErr.Code)
	}
}

func TestGetSubscriberTier_UnmappedPrice(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/customers/search":
			writeCustomerSearch(w, "cus_abc", "sub_123")
		case "/v1/subscriptions":
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"data": []map[string]interface{}{
					{
						"id":     "subsc_1",
						"status": "active",
						"items": map[string]interface{}{
							"data": []map[string]interface{}{
								{"price": map[string]interface{}{"id": "price_mystery"}},
							},
						},
					},
				},
				"has_more": false,
			})
		}
	}))
	defer server.Close()

	client := newTestStripeClient(t, server.URL)

	_, err := client.GetSubscriberTier(context.Background(), "sub_123")
	if err == nil {
		t.Fatal("expected error, got nil")
	}

	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *types.AppError, got %T: %v", err, err)
	}
	if appErr.Code != types.ErrCodeTierUnknown {
		t.Errorf("expected error code %s, got %s", types.ErrCodeTierUnknown, appErr.Code)
	}
	if appErr.Details["price_id"] != "price_mystery" {
		t.Errorf("expected price_id detail price_mystery, got %v", appErr.Details["price_id"])
	}
}

// ---------------------------------------------------------------------------
// OnRefresh Tests
// ---------------------------------------------------------------------------

func TestOnRefresh_Success(t *testing.T) {
	var gotMetadata string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/v1/customers/search":
			writeCustomerSearch(w, "cus_abc", "sub_123")

		case r.URL.Path == "/v1/customers/cus_abc" && r.Method == http.MethodPost:
			r.ParseForm()
			gotMetadata = r.FormValue("metadata[entitlements_refreshed]")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(map[string]interface{}{"id": "cus_abc"})

		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := newTestStripeClient(t, server.URL)

	err := client.OnRefresh(context.Background(), "sub_123",
		types.PeriodKey{Year: 2024, Month: time.February})
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if gotMetadata != "2024-02" {
		t.Errorf("expected metadata 2024-02, got %s", gotMetadata)
	}
}

func TestOnRefresh_CustomerUpdateError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/v1/customers/search":
			writeCustomerSearch(w, "cus_abc", "sub_123")
		default:
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"error": map[string]interface{}{
					"type":    "invalid_request_error",
					"message": "No such customer",
				},
			})
		}
	}))
	defer server.Close()

	client := newTestStripeClient(t, server.URL)

	err := client.OnRefresh(context.Background(), "sub_123",
		types.PeriodKey{Year: 2024, Month: time.February})
	if err == nil {
		t.Fatal("expected error, got nil")
	}

	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *types.AppError, got %T: %v", err, err)
	}
	if appErr.Code != types.ErrCodeUpstreamStripe {
		t.Errorf("expected error code %s, got %s", types.ErrCodeUpstreamStripe, appErr.Code)
	}
}

// ---------------------------------------------------------------------------
// Error Mapping Tests
// ---------------------------------------------------------------------------

func TestStripeError_RateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]interface{}{
				"type":    "rate_limit_error",
				"message": "Too many requests",
			},
		})
	}))
	defer server.Close()

	client := newTestStripeClient(t, server.URL)

	_, err := client.GetSubscriberTier(context.Background(), "sub_123")
	if err == nil {
		t.Fatal("expected error, got nil")
	}

	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *types.AppError, got %T: %v", err, err)
	}
	if appErr.Code != types.ErrCodeUpstreamRateLimited {
		t.Errorf("expected error code %s, got %s", types.ErrCodeUpstreamRateLimited, appErr.Code)
	}
}

func TestStripeError_NonJSONBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("<html>Bad Gateway</html>"))
	}))
	defer server.Close()

	client := newTestStripeClient(t, server.URL)

	_, err := client.GetSubscriberTier(context.Background(), "sub_123")
	if err == nil {
		t.Fatal("expected error, got nil")
	}

	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *types.AppError, got %T: %v", err, err)
	}
	if appErr.Code != types.ErrCodeUpstreamStripe {
		t.Errorf("expected error code %s, got %s", types.ErrCodeUpstreamStripe, appErr.Code)
	}
}

func TestStripeClient_AuthorizationHeader(t *testing.T) {
	var gotAuth, gotVersion string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotVersion = r.Header.Get("Stripe-Version")
		writeCustomerSearch(w, "cus_abc", "sub_123")
	}))
	defer server.Close()

	client := newTestStripeClient(t, server.URL)
	client.resolveCustomerID(context.Background(), "sub_123")

	if gotAuth != "Bearer sk_test_secret" {
		t.Errorf("expected Bearer sk_test_secret, got %s", gotAuth)
	}
	if gotVersion != stripe.APIVersion {
		t.Errorf("expected Stripe-Version %s, got %s", stripe.APIVersion, gotVersion)
	}
}

// ---------------------------------------------------------------------------
// StripeVerifier Tests
// ---------------------------------------------------------------------------

func TestStripeVerifier_ValidSignature(t *testing.T) {
	verifier := &StripeVerifier{}
	secret := "whsec_test_secret"
	payload := []byte(`{"id":"evt_test","type":"customer.subscription.updated"}`)

	// Generate a valid signature using stripe-go's helper.
	sp := stripe.GenerateTestSignedPayload(&stripe.UnsignedPayload{
		Payload: payload,
		Secret:  secret,
	})

	err := verifier.Verify(payload, sp.Header, secret)
	if err != nil {
		t.Errorf("expected valid signature, got error: %v", err)
	}
}

func TestStripeVerifier_InvalidSignature(t *testing.T) {
	verifier := &StripeVerifier{}
	payload := []byte(`{"id":"evt_test"}`)
	header := "t=1234567890,v1=badbadbadbadbadbadbadbadbadbadbadbadbadbadbadbadbadbadbadbadbadbad"

	err := verifier.Verify(payload, header, "whsec_test_secret")
	if err == nil {
		t.Error("expected error for invalid signature, got nil")
	}
}

func TestStripeVerifier_MissingHeader(t *testing.T) {
	verifier := &StripeVerifier{}
	payload := []byte(`{"id":"evt_test"}`)

	err := verifier.Verify(payload, "", "whsec_test_secret")
	if err == nil {
		t.Error("expected error for missing signature header, got nil")
	}
}

func TestStripeVerifier_ExpiredTimestamp(t *testing.T) {
	verifier := &StripeVerifier{}
	secret := "whsec_test_secret"
	payload := []byte(`{"id":"evt_test"}`)

	// Generate a signature with a very old timestamp.
	oldTime := time.Now().Add(-10 * time.Minute)
	sig := stripe.ComputeSignature(oldTime, payload, secret)
	header := fmt.Sprintf("t=%d,v1=%s", oldTime.Unix(), hex.EncodeToString(sig))

	err := verifier.Verify(payload, header, secret)
	if err == nil {
		t.Error("expected error for expired timestamp, got nil")
	}
}

// ---------------------------------------------------------------------------
// Subscription Status Mapping Tests
// ---------------------------------------------------------------------------

func TestMapSubscriptionStatus(t *testing.T) {
	tests := []struct {
		input    string
		expected types.SubscriptionStatus
	}{
		{"active", types.SubStatusActive},
		{"trialing", types.SubStatusActive},
		{"past_due", types.SubStatusPastDue},
		{"canceled", types.SubStatusCanceled},
		{"incomplete", types.SubStatusCanceled},
		{"unpaid", types.SubStatusCanceled},
	}

	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			result := MapSubscriptionStatus(tc.input)
			if result != tc.expected {
				t.Errorf("expected %s, got %s", tc.expected, result)
			}
		})
	}
}

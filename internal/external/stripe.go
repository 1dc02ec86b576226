package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"perkledger/internal/types"

	stripe "github.com/stripe/stripe-go/v82"
)

// stripeAPIBase is the default Stripe API base URL.
// Overridable in tests via StripeClientConfig.BaseURL.
const stripeAPIBase = "https://api.stripe.com"

// StripeClientConfig holds the configuration for creating a StripeClient.
type StripeClientConfig struct {
	SecretKey string
	// PriceTierMap maps Stripe price IDs to tier identifiers. Built from
	// configuration at startup; see ParsePriceTierMap.
	PriceTierMap map[string]types.TierID
	BaseURL      string // Override for testing; defaults to stripeAPIBase
	Logger       *slog.Logger
}

// ParsePriceTierMap decodes the JSON price-to-tier mapping from configuration
// into the form StripeClient consumes.
func ParsePriceTierMap(raw string) (map[string]types.TierID, error) {
	var plain map[string]string
	if err := json.Unmarshal([]byte(raw), &plain); err != nil {
		return nil, fmt.Errorf("invalid price tier map: %w", err)
	}
	out := make(map[string]types.TierID, len(plain))
	for price, tier := range plain {
		out[price] = types.TierID(tier)
	}
	return out, nil
}

// StripeClient resolves subscriber tiers from Stripe subscription state and
// pushes refresh markers back onto the Stripe customer record. All requests
// go through BaseClient so they inherit the platform's resilience
// infrastructure (circuit breaker, retries, error mapping), and testing with
// httptest stays straightforward.
//
// It implements both types.TierSource and types.BillingSyncPort.
type StripeClient struct {
	base         *BaseClient
	secretKey    string
	baseURL      string
	priceTierMap map[string]types.TierID
	logger       *slog.Logger
}

var (
	_ types.TierSource      = (*StripeClient)(nil)
	_ types.BillingSyncPort = (*StripeClient)(nil)
)

// NewStripeClient creates a new StripeClient. The httpClient timeout should be
// kept short (20 seconds) since tier resolution sits on the webhook path.
func NewStripeClient(httpClient *http.Client, cfg StripeClientConfig) *StripeClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	base := NewBaseClient(
		httpClient,
		"stripe",
		RetryPolicy{
			MaxRetries: 2,
			MinWait:    500 * time.Millisecond,
			MaxWait:    5 * time.Second,
		},
		"PerkLedger/1.0",
		WithSleepFunc(time.Sleep),
	)

	return &StripeClient{
		base:         base,
		secretKey:    cfg.SecretKey,
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		priceTierMap: cfg.PriceTierMap,
		logger:       logger,
	}
}

// NewStripeClientWithBase creates a StripeClient with a pre-configured BaseClient.
// This is useful for testing when you want to control the BaseClient configuration.
func NewStripeClientWithBase(base *BaseClient, cfg StripeClientConfig) *StripeClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &StripeClient{
		base:         base,
		secretKey:    cfg.SecretKey,
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		priceTierMap: cfg.PriceTierMap,
		logger:       logger,
	}
}

// ---------------------------------------------------------------------------
// TierSource Implementation
// ---------------------------------------------------------------------------

// GetSubscriberTier resolves a subscriber's current tier from their active
// Stripe subscription:
//  1. Query the Stripe Search API for metadata['subscriber_id'] match
//  2. List the customer's subscriptions (most recent first)
//  3. Map the subscription item's price ID to a tier via the price tier map
func (s *StripeClient) GetSubscriberTier(ctx context.Context, subscriberID string) (types.TierID, error) {
	customerID, err := s.resolveCustomerID(ctx, subscriberID)
	if err != nil {
		return "", err
	}

	queryParams := url.Values{}
	queryParams.Set("customer", customerID)
	queryParams.Set("status", "active")
	queryParams.Set("limit", "1")

	resp, err := s.doGet(ctx, "/v1/subscriptions", queryParams)
	if err != nil {
		return "", s.wrapStripeError("GetSubscriberTier", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", s.handleErrorResponse(resp, "GetSubscriberTier")
	}

	var listResp stripeSubscriptionList
	if err := json.NewDecoder(resp.Body).Decode(&listResp); err != nil {
		return "", types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe subscriptions response",
			err,
		)
	}

	if len(listResp.Data) == 0 || len(listResp.Data[0].Items.Data) == 0 {
		return "", types.NewAppError(
			types.ErrCodeTierUnknown,
			fmt.Sprintf("subscriber %s has no active subscription", subscriberID),
			nil,
		)
	}

	priceID := listResp.Data[0].Items.Data[0].Price.ID
	tier, ok := s.priceTierMap[priceID]
	if !ok {
		return "", types.NewAppErrorWithDetails(
			types.ErrCodeTierUnknown,
			fmt.Sprintf("no tier mapping for Stripe price %s", priceID),
			nil,
			map[string]any{"price_id": priceID},
		)
	}
	return tier, nil
}

// ---------------------------------------------------------------------------
// BillingSyncPort Implementation
// ---------------------------------------------------------------------------

// OnRefresh records the refresh period on the Stripe customer's metadata so
// billing-side tooling can see when a subscriber's perks were last granted.
// Advisory contract: a failure here is reported back to the engine as a
// warning, never as a rollback.
func (s *StripeClient) OnRefresh(ctx context.Context, subscriberID string, period types.PeriodKey) error {
	customerID, err := s.resolveCustomerID(ctx, subscriberID)
	if err != nil {
		return err
	}

	params := url.Values{}
	params.Set("metadata[entitlements_refreshed]", period.String())

	resp, err := s.doPost(ctx, "/v1/customers/"+customerID, params)
	if err != nil {
		return s.wrapStripeError("OnRefresh", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return s.handleErrorResponse(resp, "OnRefresh")
	}
	return nil
}

// ---------------------------------------------------------------------------
// HTTP Helpers
// ---------------------------------------------------------------------------

// doGet performs an authenticated GET request to the Stripe API.
func (s *StripeClient) doGet(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	reqURL := s.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	s.setAuthHeaders(req)

	return s.base.Do(req)
}

// doPost performs an authenticated POST request to the Stripe API with form-encoded body.
func (s *StripeClient) doPost(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	reqURL := s.baseURL + path
	body := params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	s.setAuthHeaders(req)

	return s.base.Do(req)
}

// setAuthHeaders sets the Stripe API authentication and content headers.
func (s *StripeClient) setAuthHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+s.secretKey)
	req.Header.Set("Stripe-Version", stripe.APIVersion)
}

// resolveCustomerID locates the Stripe customer carrying the subscriber ID in
// its metadata. Customers are tagged with metadata['subscriber_id'] when they
// are provisioned.
func (s *StripeClient) resolveCustomerID(ctx context.Context, subscriberID string) (string, error) {
	searchQuery := fmt.Sprintf("metadata['subscriber_id']:'%s'", subscriberID)
	params := url.Values{}
	params.Set("query", searchQuery)

	resp, err := s.doGet(ctx, "/v1/customers/search", params)
	if err != nil {
		return "", s.wrapStripeError("resolveCustomerID", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", s.handleErrorResponse(resp, "resolveCustomerID")
	}

	var searchResult stripeSearchResult
	if err := json.NewDecoder(resp.Body).Decode(&searchResult); err != nil {
		return "", types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe customer search response",
			err,
		)
	}

	if len(searchResult.Data) == 0 {
		return "", types.NewAppError(
			types.ErrCodeNotFoundLedger,
			fmt.Sprintf("no Stripe customer for subscriber %s", subscriberID),
			nil,
		)
	}
	return searchResult.Data[0].ID, nil
}

// ---------------------------------------------------------------------------
// Error Handling
// ---------------------------------------------------------------------------

// stripeErrorResponse represents the JSON error body returned by the Stripe API.
type stripeErrorResponse struct {
	Error stripeErrorBody `json:"error"`
}

type stripeErrorBody struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Param   string `json:"param"`
	DocURL  string `json:"doc_url"`
}

// handleErrorResponse reads a Stripe error response and maps it to a types.AppError.
func (s *StripeClient) handleErrorResponse(resp *http.Response, operation string) error {
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe returned status %d and response body was unreadable", operation, resp.StatusCode),
			readErr,
		)
	}

	var stripeErr stripeErrorResponse
	if jsonErr := json.Unmarshal(body, &stripeErr); jsonErr != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe returned status %d with non-JSON body", operation, resp.StatusCode),
			jsonErr,
		)
	}

	return s.mapStripeError(operation, resp.StatusCode, &stripeErr.Error)
}

// mapStripeError translates a Stripe error into a types.AppError.
func (s *StripeClient) mapStripeError(operation string, statusCode int, stripeErr *stripeErrorBody) error {
	switch {
	case statusCode == http.StatusTooManyRequests:
		return types.NewAppError(
			types.ErrCodeUpstreamRateLimited,
			fmt.Sprintf("%s: Stripe rate limit exceeded", operation),
			nil,
		)
	case statusCode >= 500:
		return types.NewAppError(
			types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("%s: Stripe server error: %s", operation, stripeErr.Message),
			nil,
		)
	case statusCode == http.StatusNotFound:
		return types.NewAppError(
			types.ErrCodeNotFoundLedger,
			fmt.Sprintf("%s: Stripe resource not found: %s", operation, stripeErr.Message),
			nil,
		)
	default:
		return types.NewAppError(
			types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe error (%d): %s", operation, statusCode, stripeErr.Message),
			nil,
		)
	}
}

// wrapStripeError wraps a BaseClient transport error with context.
func (s *StripeClient) wrapStripeError(operation string, err error) error {
	// If it's already an AppError from BaseClient (circuit breaker, retries
	// exhausted), return it as-is since it already has the right error code.
	if _, ok := err.(*types.AppError); ok {
		return err
	}
	return types.NewAppError(
		types.ErrCodeUpstreamStripe,
		fmt.Sprintf("%s: Stripe request failed: %v", operation, err),
		err,
	)
}

// ---------------------------------------------------------------------------
// Stripe Response Types (for JSON deserialization)
// ---------------------------------------------------------------------------

type stripeCustomer struct {
	ID       string            `json:"id"`
	Email    string            `json:"email"`
	Metadata map[string]string `json:"metadata"`
}

type stripeSearchResult struct {
	Data    []stripeCustomer `json:"data"`
	HasMore bool             `json:"has_more"`
}

type stripeSubscription struct {
	ID     string                  `json:"id"`
	Status string                  `json:"status"`
	Items  stripeSubscriptionItems `json:"items"`
}

type stripeSubscriptionItems struct {
	Data []stripeSubscriptionItem `json:"data"`
}

type stripeSubscriptionItem struct {
	Price stripePrice `json:"price"`
}

type stripePrice struct {
	ID       string            `json:"id"`
	Metadata map[string]string `json:"metadata"`
	Lookup   string            `json:"lookup_key"`
}

type stripeSubscriptionList struct {
	Data    []stripeSubscription `json:"data"`
	HasMore bool                 `json:"has_more"`
}

// MapSubscriptionStatus converts a Stripe subscription status string to the
// domain enum. Statuses that do not grant perks (incomplete, unpaid, paused)
// collapse to canceled.
func MapSubscriptionStatus(status string) types.SubscriptionStatus {
	switch status {
	case "active", "trialing":
		return types.SubStatusActive
	case "past_due":
		return types.SubStatusPastDue
	default:
		return types.SubStatusCanceled
	}
}

// ---------------------------------------------------------------------------
// Webhook Verification
// ---------------------------------------------------------------------------

// StripeVerifier implements WebhookVerifier using stripe-go's webhook
// signature verification. This provides HMAC-SHA256 signature checking
// with timestamp tolerance.
type StripeVerifier struct{}

// Verify validates a Stripe webhook payload against the signature header
// and signing secret. Uses stripe-go's ValidatePayload which checks both
// the HMAC signature and the timestamp tolerance.
func (v *StripeVerifier) Verify(payload []byte, header string, secret string) error {
	return stripe.ValidatePayload(payload, header, secret)
}

package core

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"perkledger/internal/types"
)

const testAPIKey = "pk_live_abc123"

func newAuthedServer(t *testing.T) *Server {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(testAPIKey), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("generating key hash: %v", err)
	}

	s := newTestServer(t)
	s.Config.Security.APIKeyHash = types.SecretString(hash)
	return s
}

func actorCaptureHandler(captured *types.Actor) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if actor, ok := types.GetActor(r.Context()); ok {
			*captured = actor
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestAPIKeyAuth_ValidBearerKey(t *testing.T) {
	s := newAuthedServer(t)
	var actor types.Actor
	handler := s.APIKeyAuthMiddleware(actorCaptureHandler(&actor))

	req := httptest.NewRequest(http.MethodGet, "/v1/entitlements/sub_1", nil)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if actor.Type != types.ActorTypeAPIKey {
		t.Errorf("expected api_key actor, got %q", actor.Type)
	}
}

func TestAPIKeyAuth_ValidHeaderKey(t *testing.T) {
	s := newAuthedServer(t)
	handler := s.APIKeyAuthMiddleware(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/entitlements/sub_1", nil)
	req.Header.Set("X-Api-Key", testAPIKey)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestAPIKeyAuth_MissingKey(t *testing.T) {
	s := newAuthedServer(t)
	handler := s.APIKeyAuthMiddleware(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/entitlements/sub_1", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	resp := decodeErrorBody(t, rec)
	if resp.Error.Code != string(types.ErrCodeAuthKeyMissing) {
		t.Errorf("unexpected code %q", resp.Error.Code)
	}
}

func TestAPIKeyAuth_WrongKey(t *testing.T) {
	s := newAuthedServer(t)
	handler := s.APIKeyAuthMiddleware(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/entitlements/sub_1", nil)
	req.Header.Set("Authorization", "Bearer pk_live_wrong")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	resp := decodeErrorBody(t, rec)
	if resp.Error.Code != string(types.ErrCodeAuthKeyInvalid) {
		t.Errorf("unexpected code %q", resp.Error.Code)
	}
}

func TestAPIKeyAuth_ExemptPaths(t *testing.T) {
	s := newAuthedServer(t)
	handler := s.APIKeyAuthMiddleware(okHandler())

	for _, path := range []string{"/health", "/openapi.json", "/v1/billing/webhook"} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("%s: expected exempt path to pass, got %d", path, rec.Code)
		}
	}
}

func TestAPIKeyAuth_NoHashConfiguredPassesAsSystem(t *testing.T) {
	s := newTestServer(t)
	var actor types.Actor
	handler := s.APIKeyAuthMiddleware(actorCaptureHandler(&actor))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/entitlements/sub_1", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected pass-through, got %d", rec.Code)
	}
	if actor.Type != types.ActorTypeSystem {
		t.Errorf("expected system actor, got %q", actor.Type)
	}
}

func TestExtractAPIKey(t *testing.T) {
	cases := []struct {
		name   string
		header string
		value  string
		want   string
	}{
		{"Bearer", "Authorization", "Bearer key123", "key123"},
		{"BearerCaseInsensitive", "Authorization", "bearer key123", "key123"},
		{"BearerTrimsSpace", "Authorization", "Bearer  key123 ", "key123"},
		{"WrongScheme", "Authorization", "Basic key123", ""},
		{"APIKeyHeader", "X-Api-Key", "key456", "key456"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set(tc.header, tc.value)
			if got := extractAPIKey(req); got != tc.want {
				t.Errorf("extractAPIKey = %q, want %q", got, tc.want)
			}
		})
	}
}

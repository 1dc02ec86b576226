package core

import (
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"perkledger/internal/types"
)

// authExemptPaths lists URL paths that bypass API key authentication.
// The Stripe webhook authenticates via its own signature verification.
var authExemptPaths = map[string]bool{
	"/health":             true,
	"/openapi.json":       true,
	"/v1/billing/webhook": true,
}

// APIKeyAuthMiddleware enforces the service API key on all non-exempt routes.
//
// The caller presents the key either as "Authorization: Bearer <key>" or in
// the X-Api-Key header. The key is compared against the bcrypt hash from
// configuration, so the plaintext never lives in config or logs.
//
// Distinct 401 error codes:
//   - auth_api_key_missing: no key presented.
//   - auth_api_key_invalid: key does not match the configured hash.
//
// If no hash is configured (local development), the middleware passes every
// request through as a system actor and logs a warning once per request.
func (s *Server) APIKeyAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if authExemptPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		hash := s.Config.Security.APIKeyHash.Unmask()
		if hash == "" {
			s.Logger.Warn("api key auth disabled: no key hash configured",
				slog.String("path", r.URL.Path),
			)
			ctx := types.WithActor(r.Context(), types.Actor{ID: "local", Type: types.ActorTypeSystem})
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		key := extractAPIKey(r)
		if key == "" {
			s.writeAuthError(w, r, types.ErrCodeAuthKeyMissing, "API key is required")
			return
		}

		if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)); err != nil {
			s.Logger.Warn("authentication failed: invalid api key",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
			)
			s.writeAuthError(w, r, types.ErrCodeAuthKeyInvalid, "Invalid API key")
			return
		}

		ctx := types.WithActor(r.Context(), types.Actor{ID: "api", Type: types.ActorTypeAPIKey})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// extractAPIKey pulls the key from the Authorization header (Bearer scheme,
// case-insensitive per RFC 7235) or the X-Api-Key header.
func extractAPIKey(r *http.Request) string {
	const prefix = "Bearer "
	authHeader := r.Header.Get("Authorization")
	if len(authHeader) >= len(prefix) && strings.EqualFold(authHeader[:len(prefix)], prefix) {
		return strings.TrimSpace(authHeader[len(prefix):])
	}
	return strings.TrimSpace(r.Header.Get("X-Api-Key"))
}

// writeAuthError writes a 401 Unauthorized JSON response with the given code.
func (s *Server) writeAuthError(w http.ResponseWriter, r *http.Request, code types.ErrorCode, message string) {
	resp := APIErrorResponse{
		Error: ErrorDetail{
			Code:      string(code),
			Message:   message,
			RequestID: types.GetRequestID(r.Context()),
		},
	}
	JSON(w, r, http.StatusUnauthorized, resp)
}

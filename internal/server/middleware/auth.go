// Package middleware holds the HTTP middleware chain: bearer authentication, client IP tracking
// and request logging.
package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"device-session-control/internal/platform/httpjson"
	"device-session-control/internal/security"
)

const bearerPrefix = "bearer "

// TokenVerifier verifies a bearer token and returns its claims.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*security.Claims, error)
}

// Authenticate returns middleware that requires a valid Bearer token and stores its claims in the
// request context. Token failures are 401 with a generic message; the cause is only logged.
// A key set that cannot be fetched is 503, since the token was never judged.
func Authenticate(verifier TokenVerifier, log *slog.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractBearer(r)
			if token == "" {
				httpjson.WriteError(w, http.StatusUnauthorized, httpjson.CodeUnauthorized, "missing or invalid authorization")
				return
			}
			claims, err := verifier.Verify(r.Context(), token)
			if err != nil {
				if errors.Is(err, security.ErrKeySetUnavailable) {
					log.ErrorContext(r.Context(), "auth.verify", "error", err)
					httpjson.WriteError(w, http.StatusServiceUnavailable, httpjson.CodeServiceUnavailable, "identity provider unavailable")
					return
				}
				cause := "invalid"
				var verr *security.VerificationError
				if errors.As(err, &verr) {
					cause = string(verr.Cause)
				}
				log.InfoContext(r.Context(), "auth.verify", "cause", cause, "path", r.URL.Path)
				httpjson.WriteError(w, http.StatusUnauthorized, httpjson.CodeUnauthorized, "missing or invalid authorization")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

// extractBearer returns the Bearer token from the Authorization header, or "" if missing or malformed.
func extractBearer(r *http.Request) string {
	v := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(v) < len(bearerPrefix) {
		return ""
	}
	if !strings.EqualFold(v[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(v[len(bearerPrefix):])
}

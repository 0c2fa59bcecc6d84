// ABOUTME: HTTP middleware for credential authentication on API endpoints
// ABOUTME: Uses the same Authenticator as the websocket handshake and adds the identity to context

package auth

import (
	"errors"
	"log/slog"
	"net/http"
)

// HTTPAuthMiddleware creates an HTTP middleware that authenticates the request
// and adds its Identity to the request context. Rejections get 401, an
// unreachable identity store gets 503.
func HTTPAuthMiddleware(authn *Authenticator, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := authn.Authenticate(r)
			if err != nil {
				w.Header().Set("Content-Type", "application/json")
				if errors.Is(err, ErrIdentityUnavailable) {
					logger.Error("identity store unavailable", "error", err, "path", r.URL.Path)
					http.Error(w, `{"error":"service unavailable"}`, http.StatusServiceUnavailable)
					return
				}
				logger.Debug("request rejected", "error", err, "path", r.URL.Path)
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// RequireAdminHTTP creates an HTTP middleware that requires the admin role.
// Must be used after HTTPAuthMiddleware.
func RequireAdminHTTP() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := FromContext(r.Context())
			if id == nil {
				http.Error(w, `{"error":"not authenticated"}`, http.StatusUnauthorized)
				return
			}

			if !id.IsAdmin() {
				http.Error(w, `{"error":"admin role required"}`, http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

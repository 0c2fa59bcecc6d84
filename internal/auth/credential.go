// ABOUTME: Credential extraction from HTTP requests and websocket upgrade requests
// ABOUTME: The session cookie wins over an Authorization: Bearer header

package auth

import (
	"errors"
	"net/http"
	"strings"
)

// ErrNoCredential is returned when a request carries neither cookie nor bearer token.
var ErrNoCredential = errors.New("no credential presented")

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	scheme, token, ok := strings.Cut(authHeader, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", "invalid authorization header format"
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// ExtractCredential returns the credential carried by r: the cookie named
// cookieName when present and non-empty, otherwise the bearer token.
func ExtractCredential(r *http.Request, cookieName string) (string, error) {
	if cookieName != "" {
		if c, err := r.Cookie(cookieName); err == nil && c.Value != "" {
			return c.Value, nil
		}
	}

	token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
	if errMsg != "" {
		return "", ErrNoCredential
	}
	return token, nil
}

// Package auth provides authentication middleware for the attractord API.
// The daemon is single-tenant: either no auth (trusted network, default) or
// a static API token checked on every request.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// Noop returns a middleware that passes every request through unchanged.
// This is the default when no API token is configured.
func Noop() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return next
	}
}

// APIKey returns a middleware that validates requests against a static API
// token read from the "Authorization: Bearer <token>" header. An empty token
// behaves like Noop (no auth). GET requests to /health* and /metrics are
// exempt so liveness probes and scrapers need no credentials. Token
// comparison uses crypto/subtle.ConstantTimeCompare to prevent timing
// attacks.
func APIKey(token string) func(http.Handler) http.Handler {
	if token == "" {
		return Noop()
	}

	tokenBytes := []byte(token)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet && exemptPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			presented := extractBearerToken(r)
			if presented == "" {
				http.Error(w, "missing or invalid Authorization header", http.StatusUnauthorized)
				return
			}

			if subtle.ConstantTimeCompare([]byte(presented), tokenBytes) != 1 {
				http.Error(w, "invalid API token", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// exemptPath reports whether the path is probe/scrape surface that must work
// without credentials.
func exemptPath(path string) bool {
	return path == "/health" || strings.HasPrefix(path, "/health/") || path == "/metrics"
}

// extractBearerToken extracts the token from "Authorization: Bearer <token>".
func extractBearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(h, "Bearer ")
}

// Package auth guards the HTTP API with an optional shared key, optional
// signed admin tokens and per-client rate limiting.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// HeaderAPIKey is the alternative to an Authorization bearer token.
const HeaderAPIKey = "X-API-Key"

// ValidateKey performs a timing-safe comparison. An empty expected key never
// matches.
func ValidateKey(provided, expected string) bool {
	if expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) == 1
}

// KeyFromRequest extracts the presented key from either the Authorization
// bearer token or the X-API-Key header.
func KeyFromRequest(r *http.Request) (string, bool) {
	if h := r.Header.Get("Authorization"); h != "" {
		const prefix = "Bearer "
		if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
			return strings.TrimSpace(h[len(prefix):]), true
		}
		return "", false
	}
	if k := r.Header.Get(HeaderAPIKey); k != "" {
		return k, true
	}
	return "", false
}

package auth

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
)

// Options configures Middleware.
type Options struct {
	// APIKey enables authentication when non-empty.
	APIKey string
	// Skip lists exact paths served without a key.
	Skip []string
	// SkipPrefixes lists path prefixes served without a key.
	SkipPrefixes []string
	// Limiter, when set, blocks clients after repeated bad keys.
	Limiter *RateLimiter
	// Tokens, when set, also accepts signed administrative tokens.
	Tokens *Tokens
	// KeyFunc identifies the client for Limiter. Defaults to
	// ClientIPKeyFunc.
	KeyFunc func(*http.Request) string
}

// Middleware rejects requests that present neither opts.APIKey nor a token
// accepted by opts.Tokens. With neither configured every request passes.
func Middleware(opts Options) func(http.Handler) http.Handler {
	skip := make(map[string]bool, len(opts.Skip))
	for _, p := range opts.Skip {
		skip[p] = true
	}
	rl := opts.Limiter
	keyFunc := opts.KeyFunc
	if keyFunc == nil {
		keyFunc = ClientIPKeyFunc
	}

	return func(next http.Handler) http.Handler {
		if opts.APIKey == "" && opts.Tokens == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skip[r.URL.Path] || hasAnyPrefix(r.URL.Path, opts.SkipPrefixes) {
				next.ServeHTTP(w, r)
				return
			}

			client := keyFunc(r)
			if rl != nil && rl.IsAuthBlocked(client) {
				w.Header().Set("Retry-After", strconv.Itoa(rl.AuthBlockRetryAfter(client)))
				writeAuthError(w, http.StatusTooManyRequests, "Too many failed authentication attempts. Try again later.")
				return
			}

			key, ok := KeyFromRequest(r)
			if !ok {
				if rl != nil {
					rl.AuthFailure(client)
				}
				writeAuthError(w, http.StatusUnauthorized, "API key required: send 'Authorization: Bearer <key>' or "+HeaderAPIKey)
				return
			}
			if !ValidateKey(key, opts.APIKey) && !validToken(opts.Tokens, key) {
				if rl != nil {
					rl.AuthFailure(client)
				}
				writeAuthError(w, http.StatusUnauthorized, "invalid API key")
				return
			}
			if rl != nil {
				rl.AuthSuccess(client)
			}
			next.ServeHTTP(w, r)
		})
	}
}

func validToken(t *Tokens, raw string) bool {
	if t == nil {
		return false
	}
	_, err := t.Verify(raw)
	return err == nil
}

func hasAnyPrefix(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   message,
		"message": message,
	})
}

package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

const secret = "0123456789abcdef0123"

func TestTokensRoundTrip(t *testing.T) {
	tokens, err := NewTokens(secret, "")
	if err != nil {
		t.Fatalf("NewTokens() error = %v", err)
	}
	raw, err := tokens.Issue("ops", time.Hour)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	sub, err := tokens.Verify(raw)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if sub != "ops" {
		t.Errorf("subject = %q, want ops", sub)
	}
}

func TestTokensRejects(t *testing.T) {
	tokens, _ := NewTokens(secret, "botfleet")
	other, _ := NewTokens("another-secret-value", "botfleet")
	foreign, _ := NewTokens(secret, "elsewhere")

	clock := time.Now()
	expired, _ := NewTokens(secret, "botfleet")
	expired.now = func() time.Time { return clock.Add(-2 * time.Hour) }
	old, _ := expired.Issue("ops", time.Hour)

	forged, _ := other.Issue("ops", time.Hour)
	wrongIssuer, _ := foreign.Issue("ops", time.Hour)

	tests := []struct {
		name string
		raw  string
	}{
		{"garbage", "not-a-token"},
		{"wrong secret", forged},
		{"wrong issuer", wrongIssuer},
		{"expired", old},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tokens.Verify(tt.raw); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("Verify() error = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestNewTokensShortSecret(t *testing.T) {
	if _, err := NewTokens("short", ""); err == nil {
		t.Fatal("NewTokens() expected error for short secret")
	}
}

func TestMiddlewareAcceptsTokens(t *testing.T) {
	tokens, _ := NewTokens(secret, "")
	raw, _ := tokens.Issue("ops", time.Minute)
	handler := Middleware(Options{APIKey: "k", Tokens: tokens})(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/active-bots", nil)
	req.Header.Set("Authorization", "Bearer "+raw)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestMiddlewareTokensWithoutKey(t *testing.T) {
	tokens, _ := NewTokens(secret, "")
	raw, _ := tokens.Issue("ops", time.Minute)
	handler := Middleware(Options{Tokens: tokens})(okHandler())

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"token", "Bearer " + raw, http.StatusOK},
		{"missing", "", http.StatusUnauthorized},
		{"garbage", "Bearer nope", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/active-bots", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

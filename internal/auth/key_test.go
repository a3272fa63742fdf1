package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestValidateKey(t *testing.T) {
	tests := []struct {
		name     string
		provided string
		expected string
		want     bool
	}{
		{"match", "correct", "correct", true},
		{"mismatch", "wrong", "correct", false},
		{"empty provided", "", "correct", false},
		{"empty expected", "anything", "", false},
		{"both empty", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidateKey(tt.provided, tt.expected); got != tt.want {
				t.Errorf("ValidateKey(%q, %q) = %v, want %v", tt.provided, tt.expected, got, tt.want)
			}
		})
	}
}

func TestKeyFromRequest(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		want    string
		wantOK  bool
	}{
		{"bearer", map[string]string{"Authorization": "Bearer k1"}, "k1", true},
		{"lowercase bearer", map[string]string{"Authorization": "bearer k1"}, "k1", true},
		{"basic rejected", map[string]string{"Authorization": "Basic abc"}, "", false},
		{"api key header", map[string]string{HeaderAPIKey: "k2"}, "k2", true},
		{"none", nil, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			got, ok := KeyFromRequest(req)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("KeyFromRequest() = (%q, %v), want (%q, %v)", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

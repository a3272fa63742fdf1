package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenAudience is the audience of administrative tokens.
const TokenAudience = "botfleet-admin"

// ErrInvalidToken is returned for tokens that fail verification.
var ErrInvalidToken = errors.New("invalid token")

// Tokens issues and verifies short-lived HS256 administrative tokens, so the
// long-lived API key need not be handed to every operator tool.
type Tokens struct {
	secret []byte
	issuer string
	leeway time.Duration
	now    func() time.Time
}

// NewTokens creates a token authority for secret.
func NewTokens(secret, issuer string) (*Tokens, error) {
	if len(secret) < 16 {
		return nil, errors.New("token secret must be at least 16 bytes")
	}
	if issuer == "" {
		issuer = "botfleet"
	}
	return &Tokens{secret: []byte(secret), issuer: issuer, leeway: 30 * time.Second, now: time.Now}, nil
}

// Issue signs a token for subject valid for ttl.
func (t *Tokens) Issue(subject string, ttl time.Duration) (string, error) {
	if subject == "" {
		return "", errors.New("subject is required")
	}
	now := t.now()
	claims := jwt.RegisteredClaims{
		Issuer:    t.issuer,
		Subject:   subject,
		Audience:  jwt.ClaimStrings{TokenAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// Verify checks signature, issuer, audience and expiry and returns the
// subject.
func (t *Tokens) Verify(raw string) (string, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(t.issuer),
		jwt.WithAudience(TokenAudience),
		jwt.WithLeeway(t.leeway),
		jwt.WithTimeFunc(t.now),
	)
	var claims jwt.RegisteredClaims
	if _, err := parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (interface{}, error) {
		return t.secret, nil
	}); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing sub", ErrInvalidToken)
	}
	return claims.Subject, nil
}

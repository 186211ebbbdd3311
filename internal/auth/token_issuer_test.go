package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func newTestIssuer(t *testing.T, clock func() time.Time) *TokenIssuer {
	t.Helper()
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("super-secret"),
		Issuer:        "geist-auth",
		Audience:      "geist-meta",
		TokenTTL:      30 * time.Minute,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	return issuer
}

func TestTokenIssuerIssuesBearerTokens(t *testing.T) {
	now := time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)
	issuer := newTestIssuer(t, func() time.Time { return now })

	tokenString, expiresAt, err := issuer.Issue("svc-gateway", 0)
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}
	if !expiresAt.Equal(now.Add(30 * time.Minute)) {
		t.Fatalf("unexpected expiry %s", expiresAt)
	}

	claims := &jwt.RegisteredClaims{}
	parser := jwt.NewParser(jwt.WithTimeFunc(func() time.Time { return now }))
	_, err = parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte("super-secret"), nil
	})
	if err != nil {
		t.Fatalf("failed to parse generated token: %v", err)
	}
	if claims.Subject != "svc-gateway" {
		t.Fatalf("unexpected subject %s", claims.Subject)
	}
	if claims.Issuer != "geist-auth" {
		t.Fatalf("unexpected issuer %s", claims.Issuer)
	}
	if len(claims.Audience) == 0 || claims.Audience[0] != "geist-meta" {
		t.Fatalf("unexpected audience %#v", claims.Audience)
	}
}

func TestNewTokenIssuerValidatesConfig(t *testing.T) {
	tests := []struct {
		name     string
		cfg      TokenIssuerConfig
		expected error
	}{
		{name: "secret", cfg: TokenIssuerConfig{Issuer: "i", Audience: "a"}, expected: ErrMissingSigningSecret},
		{name: "issuer", cfg: TokenIssuerConfig{SigningSecret: []byte("s"), Audience: "a"}, expected: ErrMissingIssuer},
		{name: "audience", cfg: TokenIssuerConfig{SigningSecret: []byte("s"), Issuer: "i", Audience: " "}, expected: ErrMissingAudience},
		{name: "ttl", cfg: TokenIssuerConfig{SigningSecret: []byte("s"), Issuer: "i", Audience: "a", TokenTTL: -time.Second}, expected: ErrInvalidTTL},
	}
	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := NewTokenIssuer(testCase.cfg)
			if !errors.Is(err, testCase.expected) {
				t.Fatalf("expected %v, got %v", testCase.expected, err)
			}
		})
	}
}

func TestTokenIssuerValidatesIssuedTokens(t *testing.T) {
	issuer := newTestIssuer(t, nil)

	tokenString, _, err := issuer.Issue("svc-gateway", 15*time.Minute)
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}
	subject, err := issuer.ValidateToken(tokenString)
	if err != nil {
		t.Fatalf("expected validation success: %v", err)
	}
	if subject != "svc-gateway" {
		t.Fatalf("unexpected subject %s", subject)
	}

	if _, err := issuer.ValidateToken("invalid.token"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token, got %v", err)
	}
	if _, err := issuer.ValidateToken(""); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected missing token, got %v", err)
	}
}

func TestTokenIssuerRejectsForeignAudienceAndExpiry(t *testing.T) {
	now := time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)
	current := now
	issuer := newTestIssuer(t, func() time.Time { return current })

	other, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("super-secret"),
		Issuer:        "geist-auth",
		Audience:      "geist-billing",
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	foreign, _, err := other.Issue("svc-gateway", time.Minute)
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}
	if _, err := issuer.ValidateToken(foreign); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected audience mismatch to be rejected, got %v", err)
	}

	shortLived, _, err := issuer.Issue("svc-gateway", time.Minute)
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}
	current = now.Add(2 * time.Minute)
	if _, err := issuer.ValidateToken(shortLived); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected expired token, got %v", err)
	}
}

func TestTokenIssuerValidateRequest(t *testing.T) {
	issuer := newTestIssuer(t, nil)
	tokenString, _, err := issuer.Issue("svc-gateway", 0)
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}

	request := httptest.NewRequest("POST", "/", nil)
	request.Header.Set("Authorization", "Bearer "+tokenString)
	subject, err := issuer.ValidateRequest(request)
	if err != nil || subject != "svc-gateway" {
		t.Fatalf("expected bearer validation success, got %q %v", subject, err)
	}

	request.Header.Set("Authorization", "Basic abc")
	if _, err := issuer.ValidateRequest(request); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected missing token for non-bearer scheme, got %v", err)
	}
}

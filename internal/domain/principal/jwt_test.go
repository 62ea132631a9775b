package principal

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"log/slog"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func testKeyPair(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	return pub, priv
}

func signToken(t *testing.T, priv ed25519.PrivateKey, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(priv)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func baseClaims(now time.Time) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u1",
			Issuer:    "sark",
			Audience:  jwt.ClaimStrings{"sark"},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
		PrincipalType: "human",
		Role:          "developer",
		Teams:         []string{"t1"},
		TrustLevel:    "trusted",
	}
}

func TestJWTResolver_Resolve(t *testing.T) {
	t.Parallel()

	pub, priv := testKeyPair(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := NewJWTResolverWithKey(pub, "sark", "sark", slog.Default(), WithClock(func() time.Time { return now }))

	token := signToken(t, priv, baseClaims(now))

	p, err := r.Resolve(context.Background(), token, "10.0.0.1:4312")
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if p.ID != "u1" || p.Type != TypeHuman || p.Role != "developer" {
		t.Errorf("unexpected principal: %+v", p)
	}
	if p.TrustLevel != TrustTrusted {
		t.Errorf("TrustLevel = %q, want trusted", p.TrustLevel)
	}
	if p.PeerAddress != "10.0.0.1:4312" {
		t.Errorf("PeerAddress = %q", p.PeerAddress)
	}
}

func TestJWTResolver_ExpiryBoundary(t *testing.T) {
	t.Parallel()

	pub, priv := testKeyPair(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := NewJWTResolverWithKey(pub, "sark", "sark", slog.Default(), WithClock(func() time.Time { return now }))

	// Token expiring exactly at now must be rejected.
	claims := baseClaims(now)
	claims.ExpiresAt = jwt.NewNumericDate(now)
	token := signToken(t, priv, claims)

	if _, err := r.Resolve(context.Background(), token, ""); err == nil {
		t.Error("token with exp == now should be rejected")
	}

	// One second in the future is accepted.
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(time.Second))
	token = signToken(t, priv, claims)
	if _, err := r.Resolve(context.Background(), token, ""); err != nil {
		t.Errorf("token with exp just after now rejected: %v", err)
	}
}

func TestJWTResolver_ClockSkew(t *testing.T) {
	t.Parallel()

	pub, priv := testKeyPair(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := NewJWTResolverWithKey(pub, "sark", "sark", slog.Default(), WithClock(func() time.Time { return now }))

	// Issued 30s in the future: within the 60s skew tolerance.
	claims := baseClaims(now)
	claims.IssuedAt = jwt.NewNumericDate(now.Add(30 * time.Second))
	claims.NotBefore = jwt.NewNumericDate(now.Add(30 * time.Second))
	token := signToken(t, priv, claims)
	if _, err := r.Resolve(context.Background(), token, ""); err != nil {
		t.Errorf("token within skew tolerance rejected: %v", err)
	}

	// Not-before 120s in the future: beyond tolerance.
	claims.NotBefore = jwt.NewNumericDate(now.Add(120 * time.Second))
	token = signToken(t, priv, claims)
	if _, err := r.Resolve(context.Background(), token, ""); err == nil {
		t.Error("token beyond skew tolerance should be rejected")
	}
}

func TestJWTResolver_RejectsBadClaims(t *testing.T) {
	t.Parallel()

	pub, priv := testKeyPair(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := NewJWTResolverWithKey(pub, "sark", "sark", slog.Default(), WithClock(func() time.Time { return now }))

	tests := []struct {
		name   string
		mutate func(*Claims)
	}{
		{"wrong issuer", func(c *Claims) { c.Issuer = "other" }},
		{"wrong audience", func(c *Claims) { c.Audience = jwt.ClaimStrings{"other"} }},
		{"unknown principal type", func(c *Claims) { c.PrincipalType = "robot" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			claims := baseClaims(now)
			tt.mutate(&claims)
			token := signToken(t, priv, claims)
			if _, err := r.Resolve(context.Background(), token, ""); err == nil {
				t.Error("expected rejection")
			}
		})
	}
}

func TestJWTResolver_RejectsWrongKey(t *testing.T) {
	t.Parallel()

	pub, _ := testKeyPair(t)
	_, otherPriv := testKeyPair(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := NewJWTResolverWithKey(pub, "sark", "sark", slog.Default(), WithClock(func() time.Time { return now }))

	token := signToken(t, otherPriv, baseClaims(now))
	if _, err := r.Resolve(context.Background(), token, ""); err == nil {
		t.Error("token signed with wrong key should be rejected")
	}
}

func TestJWTResolver_MissingToken(t *testing.T) {
	t.Parallel()

	pub, _ := testKeyPair(t)
	r := NewJWTResolverWithKey(pub, "sark", "sark", slog.Default())
	if _, err := r.Resolve(context.Background(), "", ""); err == nil {
		t.Error("empty token should be rejected")
	}
}

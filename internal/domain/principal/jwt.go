package principal

import (
	"context"
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/apathy-ca/sark-sub006/internal/domain/fault"
)

// ClockSkewTolerance is the maximum accepted clock skew for not-before and
// issued-at claims. Expiry is checked strictly: a token whose exp equals the
// current instant is rejected.
const ClockSkewTolerance = 60 * time.Second

// Claims extends jwt.RegisteredClaims with gateway-specific fields.
type Claims struct {
	jwt.RegisteredClaims
	// PrincipalType is the token class: human, agent, service, device.
	PrincipalType string `json:"principal_type"`
	// Role is the principal's primary role.
	Role string `json:"role"`
	// Teams are team memberships.
	Teams []string `json:"teams,omitempty"`
	// TrustLevel is carried through unchanged.
	TrustLevel string `json:"trust_level,omitempty"`
	// Capabilities are capability ids granted directly on the token.
	Capabilities []string `json:"capabilities,omitempty"`
	// Attributes are free-form claims exposed to policy conditions.
	Attributes map[string]any `json:"attributes,omitempty"`
}

// JWTResolver validates EdDSA-signed bearer tokens and builds Principals.
// The verification key is held in memory and refreshed from disk on a
// bounded interval, so Resolve never touches I/O on the hot path.
type JWTResolver struct {
	issuer   string
	audience string
	keyPath  string
	logger   *slog.Logger

	mu        sync.RWMutex
	publicKey ed25519.PublicKey
	loadedAt  time.Time

	refreshInterval time.Duration
	now             func() time.Time
}

// JWTResolverOption configures JWTResolver.
type JWTResolverOption func(*JWTResolver)

// WithKeyRefreshInterval bounds how often the verification key is re-read
// from disk. Default 5 minutes.
func WithKeyRefreshInterval(d time.Duration) JWTResolverOption {
	return func(r *JWTResolver) {
		r.refreshInterval = d
	}
}

// WithClock overrides the time source (for tests).
func WithClock(now func() time.Time) JWTResolverOption {
	return func(r *JWTResolver) {
		r.now = now
	}
}

// NewJWTResolver creates a resolver that verifies tokens against the Ed25519
// public key at keyPath. Issuer and audience are required claim values.
func NewJWTResolver(keyPath, issuer, audience string, logger *slog.Logger, opts ...JWTResolverOption) (*JWTResolver, error) {
	r := &JWTResolver{
		issuer:          issuer,
		audience:        audience,
		keyPath:         keyPath,
		logger:          logger,
		refreshInterval: 5 * time.Minute,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}

	key, err := loadPublicKey(keyPath)
	if err != nil {
		return nil, fmt.Errorf("load verification key: %w", err)
	}
	r.publicKey = key
	r.loadedAt = r.now()

	return r, nil
}

// NewJWTResolverWithKey creates a resolver from an in-memory key (for tests
// and embedded deployments where key distribution is handled elsewhere).
func NewJWTResolverWithKey(key ed25519.PublicKey, issuer, audience string, logger *slog.Logger, opts ...JWTResolverOption) *JWTResolver {
	r := &JWTResolver{
		issuer:          issuer,
		audience:        audience,
		logger:          logger,
		publicKey:       key,
		refreshInterval: 5 * time.Minute,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.loadedAt = r.now()
	return r
}

// loadPublicKey reads and parses a PEM-encoded Ed25519 public key.
func loadPublicKey(path string) (ed25519.PublicKey, error) {
	pemBytes, err := os.ReadFile(path) //nolint:gosec // path comes from validated config, not user input
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("decode public key PEM")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	key, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not Ed25519")
	}
	return key, nil
}

// verificationKey returns the cached key, refreshing from disk when the
// refresh interval has elapsed. Refresh failures keep the cached key.
func (r *JWTResolver) verificationKey() ed25519.PublicKey {
	r.mu.RLock()
	key := r.publicKey
	stale := r.keyPath != "" && r.now().Sub(r.loadedAt) > r.refreshInterval
	r.mu.RUnlock()

	if !stale {
		return key
	}

	fresh, err := loadPublicKey(r.keyPath)
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		// Keep serving the cached key; refresh retries on the next call.
		r.loadedAt = r.now()
		r.logger.Warn("verification key refresh failed, keeping cached key", "error", err)
		return r.publicKey
	}
	r.publicKey = fresh
	r.loadedAt = r.now()
	return fresh
}

// Resolve validates the token and builds the request Principal.
func (r *JWTResolver) Resolve(ctx context.Context, token, peerAddress string) (*Principal, error) {
	if token == "" {
		return nil, fault.New(fault.KindAuth, "missing token")
	}

	key := r.verificationKey()
	now := r.now()

	parsed, err := jwt.ParseWithClaims(
		token,
		&Claims{},
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return key, nil
		},
		jwt.WithIssuer(r.issuer),
		jwt.WithAudience(r.audience),
		jwt.WithLeeway(ClockSkewTolerance),
		jwt.WithTimeFunc(r.now),
		jwt.WithValidMethods([]string{"EdDSA"}),
	)
	if err != nil {
		return nil, fault.Wrap(fault.KindAuth, "invalid token", err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, fault.New(fault.KindAuth, "invalid token claims")
	}

	// Strict expiry: leeway covers nbf/iat skew, but a token whose exp is at
	// or before the current instant is rejected.
	if claims.ExpiresAt == nil || !now.Before(claims.ExpiresAt.Time) {
		return nil, fault.New(fault.KindAuth, "token expired")
	}

	ptype := Type(claims.PrincipalType)
	switch ptype {
	case TypeHuman, TypeAgent, TypeService, TypeDevice:
	default:
		return nil, fault.New(fault.KindAuth, "unknown principal type")
	}

	trust := TrustLevel(claims.TrustLevel)
	if trust == "" {
		trust = TrustUntrusted
	}

	return &Principal{
		ID:              claims.Subject,
		Type:            ptype,
		Role:            claims.Role,
		Teams:           claims.Teams,
		TrustLevel:      trust,
		Capabilities:    claims.Capabilities,
		Attributes:      claims.Attributes,
		PeerAddress:     peerAddress,
		AuthenticatedAt: now,
	}, nil
}

// Compile-time interface verification.
var _ Resolver = (*JWTResolver)(nil)

package principal

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/alexedwards/argon2id"

	"github.com/apathy-ca/sark-sub006/internal/domain/fault"
)

// keyPrefix marks gateway-issued API keys. Tokens without this prefix are
// routed to the JWT resolver instead.
const keyPrefix = "sark_"

// APIKey is a stored API key record for a service or device principal.
type APIKey struct {
	// ID identifies the key itself (not the principal).
	ID string
	// Hash is the stored key hash: argon2id PHC format or "sha256:" hex.
	Hash string
	// PrincipalID is the principal this key authenticates.
	PrincipalID string
	// PrincipalType is the principal class the key binds to (service or device).
	PrincipalType Type
	// Role is the principal's role.
	Role string
	// Teams are team memberships.
	Teams []string
	// TrustLevel is carried through to the Principal.
	TrustLevel TrustLevel
	// Revoked disables the key immediately.
	Revoked bool
	// ExpiresAt is the key expiry; zero means no expiry.
	ExpiresAt time.Time
}

// IsExpired reports whether the key has expired at the given instant.
func (k *APIKey) IsExpired(now time.Time) bool {
	return !k.ExpiresAt.IsZero() && !now.Before(k.ExpiresAt)
}

// KeyStore provides read access to stored API keys. Implementations must be
// hot-path safe: lookups are in-memory, kept in sync out of band.
type KeyStore interface {
	// GetByHash returns the key record for a SHA-256 hex hash, for fast-path lookup.
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	// List returns all key records, for argon2id verification fallback.
	List(ctx context.Context) ([]*APIKey, error)
}

// argon2idParams follows OWASP minimum parameters for Argon2id.
var argon2idParams = &argon2id.Params{
	Memory:      47 * 1024, // 47 MiB
	Iterations:  1,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

// HashKey returns the prefixed SHA-256 hex hash of a raw key.
func HashKey(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// HashKeyArgon2id returns an Argon2id hash of a raw key in PHC format.
func HashKeyArgon2id(rawKey string) (string, error) {
	return argon2id.CreateHash(rawKey, argon2idParams)
}

// VerifyKey verifies a raw key against a stored hash. Supports Argon2id
// (PHC format) and prefixed SHA-256. Comparison is constant-time.
func VerifyKey(rawKey, storedHash string) (bool, error) {
	switch {
	case strings.HasPrefix(storedHash, "$argon2id$"):
		return safeArgon2idCompare(rawKey, storedHash)
	case strings.HasPrefix(storedHash, "sha256:"):
		match := subtle.ConstantTimeCompare([]byte(HashKey(rawKey)), []byte(storedHash)) == 1
		return match, nil
	default:
		return false, fmt.Errorf("unknown hash format")
	}
}

// safeArgon2idCompare wraps argon2id.ComparePasswordAndHash with panic
// recovery. The underlying argon2 library panics on malformed hashes with
// invalid parameters; those become errors here.
func safeArgon2idCompare(rawKey, storedHash string) (match bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			match = false
			err = fmt.Errorf("invalid argon2id hash parameters: %v", r)
		}
	}()
	return argon2id.ComparePasswordAndHash(rawKey, storedHash)
}

// APIKeyResolver resolves API-key tokens to service and device principals.
type APIKeyResolver struct {
	store KeyStore
	now   func() time.Time
}

// NewAPIKeyResolver creates an APIKeyResolver backed by the given store.
func NewAPIKeyResolver(store KeyStore) *APIKeyResolver {
	return &APIKeyResolver{store: store, now: time.Now}
}

// Handles reports whether token looks like a gateway API key.
func Handles(token string) bool {
	return strings.HasPrefix(token, keyPrefix)
}

// Resolve validates an API key and builds the bound Principal.
func (r *APIKeyResolver) Resolve(ctx context.Context, token, peerAddress string) (*Principal, error) {
	if !Handles(token) {
		return nil, fault.New(fault.KindAuth, "not an api key")
	}

	// Fast path: direct SHA-256 lookup.
	if key, err := r.store.GetByHash(ctx, HashKey(token)); err == nil {
		return r.build(key, peerAddress)
	}

	// Fallback: iterate and verify (covers argon2id hashes).
	all, err := r.store.List(ctx)
	if err != nil {
		return nil, fault.Wrap(fault.KindAuth, "invalid api key", err)
	}
	for _, candidate := range all {
		match, verifyErr := VerifyKey(token, candidate.Hash)
		if verifyErr != nil || !match {
			continue
		}
		return r.build(candidate, peerAddress)
	}

	return nil, fault.New(fault.KindAuth, "invalid api key")
}

// build checks revocation and expiry, then constructs the Principal.
func (r *APIKeyResolver) build(key *APIKey, peerAddress string) (*Principal, error) {
	now := r.now()
	if key.Revoked {
		return nil, fault.New(fault.KindAuth, "api key revoked")
	}
	if key.IsExpired(now) {
		return nil, fault.New(fault.KindAuth, "api key expired")
	}

	ptype := key.PrincipalType
	if ptype == "" {
		ptype = TypeService
	}
	trust := key.TrustLevel
	if trust == "" {
		trust = TrustLimited
	}

	return &Principal{
		ID:              key.PrincipalID,
		Type:            ptype,
		Role:            key.Role,
		Teams:           key.Teams,
		TrustLevel:      trust,
		PeerAddress:     peerAddress,
		AuthenticatedAt: now,
	}, nil
}

// Compile-time interface verification.
var _ Resolver = (*APIKeyResolver)(nil)

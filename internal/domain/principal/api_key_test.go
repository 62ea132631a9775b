package principal

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fakeKeyStore is an in-memory KeyStore for tests.
type fakeKeyStore struct {
	byHash map[string]*APIKey
	all    []*APIKey
}

func (s *fakeKeyStore) GetByHash(_ context.Context, hash string) (*APIKey, error) {
	if k, ok := s.byHash[hash]; ok {
		return k, nil
	}
	return nil, errors.New("not found")
}

func (s *fakeKeyStore) List(_ context.Context) ([]*APIKey, error) {
	return s.all, nil
}

func TestAPIKeyResolver_SHA256FastPath(t *testing.T) {
	t.Parallel()

	raw := "sark_abc123"
	key := &APIKey{
		ID:          "k1",
		Hash:        HashKey(raw),
		PrincipalID: "svc-1",
		Role:        "ingest",
		TrustLevel:  TrustLimited,
	}
	store := &fakeKeyStore{byHash: map[string]*APIKey{key.Hash: key}}
	r := NewAPIKeyResolver(store)

	p, err := r.Resolve(context.Background(), raw, "10.1.1.1:80")
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if p.ID != "svc-1" || p.Type != TypeService {
		t.Errorf("unexpected principal: %+v", p)
	}
}

func TestAPIKeyResolver_Argon2idFallback(t *testing.T) {
	t.Parallel()

	raw := "sark_argon_key"
	hash, err := HashKeyArgon2id(raw)
	if err != nil {
		t.Fatalf("HashKeyArgon2id() error: %v", err)
	}
	key := &APIKey{ID: "k2", Hash: hash, PrincipalID: "svc-2", PrincipalType: TypeDevice}
	store := &fakeKeyStore{byHash: map[string]*APIKey{}, all: []*APIKey{key}}
	r := NewAPIKeyResolver(store)

	p, err := r.Resolve(context.Background(), raw, "")
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if p.ID != "svc-2" || p.Type != TypeDevice {
		t.Errorf("unexpected principal: %+v", p)
	}
}

func TestAPIKeyResolver_RevokedAndExpired(t *testing.T) {
	t.Parallel()

	raw := "sark_dead_key"
	revoked := &APIKey{Hash: HashKey(raw), PrincipalID: "svc-3", Revoked: true}
	store := &fakeKeyStore{byHash: map[string]*APIKey{revoked.Hash: revoked}}
	r := NewAPIKeyResolver(store)

	if _, err := r.Resolve(context.Background(), raw, ""); err == nil {
		t.Error("revoked key should be rejected")
	}

	expired := &APIKey{Hash: HashKey(raw), PrincipalID: "svc-3", ExpiresAt: time.Now().Add(-time.Minute)}
	store.byHash[expired.Hash] = expired
	if _, err := r.Resolve(context.Background(), raw, ""); err == nil {
		t.Error("expired key should be rejected")
	}
}

func TestAPIKeyResolver_UnknownKey(t *testing.T) {
	t.Parallel()

	store := &fakeKeyStore{byHash: map[string]*APIKey{}}
	r := NewAPIKeyResolver(store)
	if _, err := r.Resolve(context.Background(), "sark_nope", ""); err == nil {
		t.Error("unknown key should be rejected")
	}
}

func TestVerifyKey(t *testing.T) {
	t.Parallel()

	if ok, err := VerifyKey("sark_x", HashKey("sark_x")); err != nil || !ok {
		t.Errorf("VerifyKey(sha256) = %v, %v", ok, err)
	}
	if ok, _ := VerifyKey("sark_y", HashKey("sark_x")); ok {
		t.Error("mismatched key should not verify")
	}
	if _, err := VerifyKey("x", "plaintext"); err == nil {
		t.Error("unknown hash format should error")
	}
}

func TestHandles(t *testing.T) {
	t.Parallel()

	if !Handles("sark_abc") {
		t.Error("prefixed key should be handled")
	}
	if Handles("eyJhbGciOi...") {
		t.Error("JWT should not be handled")
	}
}

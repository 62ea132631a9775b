package memory

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/apathy-ca/sark-sub006/internal/domain/fault"
	"github.com/apathy-ca/sark-sub006/internal/domain/principal"
)

// KeyStore is an in-memory API key store indexed by hash.
type KeyStore struct {
	mu     sync.RWMutex
	byHash map[string]*principal.APIKey
}

var _ principal.KeyStore = (*KeyStore)(nil)

// NewKeyStore creates a key store with the given records.
func NewKeyStore(keys ...*principal.APIKey) *KeyStore {
	s := &KeyStore{byHash: make(map[string]*principal.APIKey, len(keys))}
	for _, k := range keys {
		s.byHash[k.Hash] = k
	}
	return s
}

// Put adds or replaces a key record.
func (s *KeyStore) Put(key *principal.APIKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byHash[key.Hash] = key
}

// GetByHash returns the key record for a SHA-256 hex hash.
func (s *KeyStore) GetByHash(ctx context.Context, hash string) (*principal.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.byHash[hash]
	if !ok {
		return nil, fault.New(fault.KindNotFound, "api key not found")
	}
	return key, nil
}

// keyFileEntry is the YAML layout of one stored API key.
type keyFileEntry struct {
	ID            string     `yaml:"id"`
	Hash          string     `yaml:"hash"`
	PrincipalID   string     `yaml:"principal_id"`
	PrincipalType string     `yaml:"principal_type"`
	Role          string     `yaml:"role"`
	Teams         []string   `yaml:"teams"`
	TrustLevel    string     `yaml:"trust_level"`
	Revoked       bool       `yaml:"revoked"`
	ExpiresAt     *time.Time `yaml:"expires_at"`
}

// LoadKeysFile parses a YAML API key file from disk. Hashes are generated
// with the hash-key command.
func LoadKeysFile(path string) (*KeyStore, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	var entries struct {
		Keys []keyFileEntry `yaml:"keys"`
	}
	if err := yaml.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parse key file: %w", err)
	}

	keys := make([]*principal.APIKey, 0, len(entries.Keys))
	for _, e := range entries.Keys {
		if e.Hash == "" || e.PrincipalID == "" {
			return nil, fmt.Errorf("key file %s: entry missing hash or principal_id", path)
		}
		key := &principal.APIKey{
			ID:            e.ID,
			Hash:          e.Hash,
			PrincipalID:   e.PrincipalID,
			PrincipalType: principal.Type(e.PrincipalType),
			Role:          e.Role,
			Teams:         e.Teams,
			TrustLevel:    principal.TrustLevel(e.TrustLevel),
			Revoked:       e.Revoked,
		}
		if e.ExpiresAt != nil {
			key.ExpiresAt = *e.ExpiresAt
		}
		keys = append(keys, key)
	}
	return NewKeyStore(keys...), nil
}

// List returns all key records.
func (s *KeyStore) List(ctx context.Context) ([]*principal.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]*principal.APIKey, 0, len(s.byHash))
	for _, k := range s.byHash {
		keys = append(keys, k)
	}
	return keys, nil
}

// Package memory provides in-memory adapter implementations: the bundle
// store, catalog source, key store, audit store, and the local fallback
// rate limiter. They back single-node deployments and tests.
package memory

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/apathy-ca/sark-sub006/internal/domain/policy"
)

// BundleStore holds the active policy bundle in memory. Replace swaps the
// bundle atomically; Fetch returns the current one.
type BundleStore struct {
	mu     sync.RWMutex
	bundle *policy.Bundle
}

var _ policy.BundleStore = (*BundleStore)(nil)

// NewBundleStore creates a store with an optional initial bundle.
func NewBundleStore(initial *policy.Bundle) *BundleStore {
	return &BundleStore{bundle: initial}
}

// Fetch returns the current bundle.
func (s *BundleStore) Fetch(ctx context.Context) (*policy.Bundle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.bundle == nil {
		return nil, fmt.Errorf("no policy bundle loaded")
	}
	return s.bundle, nil
}

// Replace swaps the active bundle.
func (s *BundleStore) Replace(bundle *policy.Bundle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bundle = bundle
}

// FileBundleStore re-reads a YAML bundle file on every Fetch, so edits to
// the file activate on the next loader poll.
type FileBundleStore struct {
	path string
}

var _ policy.BundleStore = (*FileBundleStore)(nil)

// NewFileBundleStore creates a store backed by a bundle file on disk.
func NewFileBundleStore(path string) *FileBundleStore {
	return &FileBundleStore{path: path}
}

// Fetch parses the bundle file.
func (s *FileBundleStore) Fetch(ctx context.Context) (*policy.Bundle, error) {
	return LoadBundleFile(s.path)
}

// bundleFile is the YAML layout of a bundle on disk.
type bundleFile struct {
	Version string        `yaml:"version"`
	Rules   []policy.Rule `yaml:"rules"`
}

// LoadBundleFile parses a YAML bundle from disk.
func LoadBundleFile(path string) (*policy.Bundle, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bundle file: %w", err)
	}

	var bf bundleFile
	if err := yaml.Unmarshal(raw, &bf); err != nil {
		return nil, fmt.Errorf("parse bundle file: %w", err)
	}
	if bf.Version == "" {
		return nil, fmt.Errorf("bundle file %s: missing version", path)
	}

	return &policy.Bundle{
		Version:   bf.Version,
		Rules:     bf.Rules,
		FetchedAt: time.Now().UTC(),
	}, nil
}

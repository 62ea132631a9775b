package memory

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/apathy-ca/sark-sub006/internal/domain/registry"
)

// Catalog is an in-memory catalog source. Replace swaps the full snapshot;
// the registry service subscribes and mirrors it.
type Catalog struct {
	mu           sync.RWMutex
	resources    []*registry.Resource
	capabilities []*registry.Capability
}

var _ registry.CatalogSource = (*Catalog)(nil)

// NewCatalog creates a catalog with an initial snapshot.
func NewCatalog(resources []*registry.Resource, capabilities []*registry.Capability) *Catalog {
	return &Catalog{resources: resources, capabilities: capabilities}
}

// Snapshot returns the full current catalog.
func (c *Catalog) Snapshot(ctx context.Context) ([]*registry.Resource, []*registry.Capability, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	resources := make([]*registry.Resource, len(c.resources))
	copy(resources, c.resources)
	capabilities := make([]*registry.Capability, len(c.capabilities))
	copy(capabilities, c.capabilities)
	return resources, capabilities, nil
}

// Replace swaps the full catalog.
func (c *Catalog) Replace(resources []*registry.Resource, capabilities []*registry.Capability) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resources = resources
	c.capabilities = capabilities
}

// catalogFile is the YAML layout of a catalog on disk.
type catalogFile struct {
	Resources    []*registry.Resource   `yaml:"resources"`
	Capabilities []*registry.Capability `yaml:"capabilities"`
}

// LoadCatalogFile parses a YAML catalog from disk.
func LoadCatalogFile(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog file: %w", err)
	}

	var cf catalogFile
	if err := yaml.Unmarshal(raw, &cf); err != nil {
		return nil, fmt.Errorf("parse catalog file: %w", err)
	}

	for _, cap := range cf.Capabilities {
		if cap.ID == "" || cap.ResourceID == "" {
			return nil, fmt.Errorf("catalog file %s: capability missing id or resource_id", path)
		}
	}
	return NewCatalog(cf.Resources, cf.Capabilities), nil
}

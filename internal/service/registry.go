package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apathy-ca/sark-sub006/internal/domain/fault"
	"github.com/apathy-ca/sark-sub006/internal/domain/registry"
)

// registrySnapshot is the immutable index served on the hot path.
type registrySnapshot struct {
	byCapability map[string]*registry.Capability
	byResource   map[string]*registry.Resource
	resources    []*registry.Resource
	capabilities map[string][]*registry.Capability // resource id -> capabilities
}

// RegistryService keeps the capability registry in memory, refreshed from
// the external catalog on an interval. Lookups read an atomic snapshot and
// never block on catalog I/O. A refresh failure keeps the previous snapshot
// serving; a registry that has never loaded resolves nothing.
type RegistryService struct {
	source  registry.CatalogSource
	logger  *slog.Logger
	refresh time.Duration

	snapshot atomic.Value // *registrySnapshot

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

var _ registry.Lookup = (*RegistryService)(nil)

// NewRegistryService creates the registry. Call Start to load and subscribe.
func NewRegistryService(source registry.CatalogSource, refresh time.Duration, logger *slog.Logger) *RegistryService {
	ctx, cancel := context.WithCancel(context.Background())
	return &RegistryService{
		source:  source,
		logger:  logger.With("component", "registry"),
		refresh: refresh,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start loads the initial snapshot and begins the refresh loop. The initial
// load failing is fatal: starting a gateway that can resolve nothing only
// hides the misconfiguration.
func (s *RegistryService) Start(ctx context.Context) error {
	if err := s.Refresh(ctx); err != nil {
		return fmt.Errorf("initial catalog load: %w", err)
	}

	s.wg.Add(1)
	go s.refreshLoop()
	return nil
}

// Close stops the refresh loop.
func (s *RegistryService) Close() {
	s.once.Do(func() {
		s.cancel()
		s.wg.Wait()
	})
}

// Refresh pulls a fresh catalog snapshot and swaps it in.
func (s *RegistryService) Refresh(ctx context.Context) error {
	resources, capabilities, err := s.source.Snapshot(ctx)
	if err != nil {
		return err
	}

	snap := &registrySnapshot{
		byCapability: make(map[string]*registry.Capability, len(capabilities)),
		byResource:   make(map[string]*registry.Resource, len(resources)),
		resources:    resources,
		capabilities: make(map[string][]*registry.Capability),
	}
	for _, res := range resources {
		snap.byResource[res.ID] = res
	}
	for _, capability := range capabilities {
		snap.byCapability[capability.ID] = capability
		snap.capabilities[capability.ResourceID] = append(snap.capabilities[capability.ResourceID], capability)
	}

	s.snapshot.Store(snap)
	s.logger.Debug("catalog refreshed",
		"resources", len(resources), "capabilities", len(capabilities))
	return nil
}

func (s *RegistryService) refreshLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.refresh)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.Refresh(s.ctx); err != nil && s.ctx.Err() == nil {
				s.logger.Warn("catalog refresh failed, serving previous snapshot", "error", err)
			}
		}
	}
}

// Lookup resolves a capability id to the capability and its owning resource.
func (s *RegistryService) Lookup(ctx context.Context, capabilityID string) (*registry.Capability, *registry.Resource, error) {
	snap, ok := s.snapshot.Load().(*registrySnapshot)
	if !ok {
		return nil, nil, fault.New(fault.KindNotFound, "registry not loaded")
	}

	capability, ok := snap.byCapability[capabilityID]
	if !ok {
		return nil, nil, fault.New(fault.KindNotFound, fmt.Sprintf("unknown capability %q", capabilityID))
	}
	res, ok := snap.byResource[capability.ResourceID]
	if !ok {
		return nil, nil, fault.New(fault.KindNotFound, fmt.Sprintf("capability %q references unknown resource %q", capabilityID, capability.ResourceID))
	}
	if res.Status == registry.StatusDecommissioned {
		return nil, nil, fault.New(fault.KindNotFound, fmt.Sprintf("resource %q is decommissioned", res.ID))
	}
	return capability, res, nil
}

// Resources returns all known resources.
func (s *RegistryService) Resources(ctx context.Context) ([]*registry.Resource, error) {
	snap, ok := s.snapshot.Load().(*registrySnapshot)
	if !ok {
		return nil, nil
	}
	out := make([]*registry.Resource, len(snap.resources))
	copy(out, snap.resources)
	return out, nil
}

// Capabilities returns all capabilities of one resource.
func (s *RegistryService) Capabilities(ctx context.Context, resourceID string) ([]*registry.Capability, error) {
	snap, ok := s.snapshot.Load().(*registrySnapshot)
	if !ok {
		return nil, fault.New(fault.KindNotFound, "registry not loaded")
	}
	if _, ok := snap.byResource[resourceID]; !ok {
		return nil, fault.New(fault.KindNotFound, fmt.Sprintf("unknown resource %q", resourceID))
	}
	caps := snap.capabilities[resourceID]
	out := make([]*registry.Capability, len(caps))
	copy(out, caps)
	return out, nil
}

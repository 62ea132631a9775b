package registry

import "context"

// Lookup resolves capability ids against the in-memory registry.
// The hot path never blocks on I/O; implementations keep the registry in
// sync with the external catalog via a bounded-lag subscription.
type Lookup interface {
	// Lookup resolves a capability id to the capability and its owning resource.
	// Fails with fault.KindNotFound when either is missing and with a
	// decommissioned error when the resource status is terminal.
	Lookup(ctx context.Context, capabilityID string) (*Capability, *Resource, error)
	// Resources returns all known resources.
	Resources(ctx context.Context) ([]*Resource, error)
	// Capabilities returns all capabilities of one resource.
	Capabilities(ctx context.Context, resourceID string) ([]*Capability, error)
}

// CatalogSource is the external catalog the registry subscribes to.
type CatalogSource interface {
	// Snapshot returns the full current catalog.
	Snapshot(ctx context.Context) ([]*Resource, []*Capability, error)
}

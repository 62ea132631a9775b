// Package outbound defines the ports the core drives external systems through.
package outbound

import (
	"context"

	"github.com/apathy-ca/sark-sub006/internal/domain/registry"
)

// InvokeRequest is the protocol-neutral invocation handed to an adapter.
// Arguments have already passed the parameter filter.
type InvokeRequest struct {
	// Resource is the dispatch target.
	Resource *registry.Resource
	// Capability is the operation to invoke.
	Capability *registry.Capability
	// Arguments are the filtered invocation arguments.
	Arguments map[string]any
	// RequestID correlates adapter logs with the audit trail.
	RequestID string
}

// InvokeResult is the protocol-neutral adapter response.
type InvokeResult struct {
	// Result is the backend response payload.
	Result any
	// Metadata carries protocol-specific response context.
	Metadata map[string]any
}

// StreamFrame is one unit of a streaming adapter response. The stream is
// finite and not restartable; the adapter closes the channel after the
// final frame or on error.
type StreamFrame struct {
	// Data is the frame payload.
	Data any
	// Err terminates the stream when non-nil.
	Err error
}

// Adapter is the uniform capability set every protocol adapter implements.
//
// Adapters are registered at startup and must be safe for concurrent use.
// All blocking operations honor ctx cancellation.
type Adapter interface {
	// Protocol returns the wire protocol this adapter serves.
	Protocol() registry.Protocol
	// Discover enumerates resources reachable with the given config.
	Discover(ctx context.Context, config map[string]string) ([]*registry.Resource, error)
	// Capabilities enumerates the capabilities of one resource.
	Capabilities(ctx context.Context, res *registry.Resource) ([]*registry.Capability, error)
	// Validate checks an invocation against the capability input schema.
	Validate(ctx context.Context, req InvokeRequest) error
	// Invoke performs a unary invocation.
	Invoke(ctx context.Context, req InvokeRequest) (InvokeResult, error)
	// InvokeStream performs a streaming invocation. The returned channel is
	// closed after the final frame; cancelling ctx releases resources promptly.
	InvokeStream(ctx context.Context, req InvokeRequest) (<-chan StreamFrame, error)
	// HealthCheck probes one resource.
	HealthCheck(ctx context.Context, res *registry.Resource) (bool, error)
	// OnRegistered is called when the adapter enters the registry.
	OnRegistered(ctx context.Context) error
	// OnUnregistered is called when the adapter leaves the registry.
	OnUnregistered(ctx context.Context) error
}

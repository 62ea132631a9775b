// Package inbound defines the ports through which transports drive the core.
package inbound

import (
	"context"
	"time"

	"github.com/apathy-ca/sark-sub006/internal/domain/policy"
	"github.com/apathy-ca/sark-sub006/internal/domain/registry"
)

// InvocationRequest is the gateway input for one capability invocation.
type InvocationRequest struct {
	// CapabilityID selects the capability to invoke.
	CapabilityID string
	// Token is the opaque principal token (JWT or API key).
	Token string
	// Arguments are the invocation arguments (pre-filter).
	Arguments map[string]any
	// PeerAddress is the network address the request arrived from.
	PeerAddress string
	// UserAgent is the caller's user agent, for audit.
	UserAgent string
	// RequestID is the correlation id; generated when empty.
	RequestID string
	// Deadline overrides the default request deadline. Nil means the
	// default; an explicit zero or negative deadline is rejected with a
	// timeout before any stage runs.
	Deadline *time.Duration
}

// InvocationResult is the gateway output for one invocation.
type InvocationResult struct {
	// Success is true when the backend call completed without error.
	Success bool
	// Result is the backend response payload.
	Result any
	// Error is the caller-safe error message when Success is false.
	Error string
	// DurationMS is the end-to-end pipeline latency.
	DurationMS int64
	// Metadata carries adapter-specific response context.
	Metadata map[string]any
	// RequestID correlates with the audit trail.
	RequestID string
}

// Frame is one unit of a streaming invocation response.
type Frame struct {
	// Data is the frame payload.
	Data any
	// Err terminates the stream when non-nil.
	Err error
	// Final marks the last frame of a complete stream.
	Final bool
}

// Gateway is the core authorization and invocation pipeline.
//
// Every call produces exactly one terminal policy decision before any side
// effect, and every exit path enqueues exactly one audit event.
type Gateway interface {
	// Authorize runs the decision stages without dispatching.
	Authorize(ctx context.Context, req InvocationRequest) (policy.Decision, error)
	// Invoke runs the full pipeline and dispatches through the bound adapter.
	Invoke(ctx context.Context, req InvocationRequest) (InvocationResult, error)
	// InvokeStreaming runs the full pipeline and returns a finite,
	// non-restartable frame sequence. Cancelling ctx terminates the stream.
	InvokeStreaming(ctx context.Context, req InvocationRequest) (<-chan Frame, error)
	// ListResources returns the known resources.
	ListResources(ctx context.Context) ([]*registry.Resource, error)
	// ListCapabilities returns the capabilities of one resource.
	ListCapabilities(ctx context.Context, resourceID string) ([]*registry.Capability, error)
	// HealthCheck probes the resource through its adapter.
	HealthCheck(ctx context.Context, resourceID string) (bool, error)
	// Drain flushes queues and refuses new work, returning once flushed or
	// the deadline elapses.
	Drain(deadline time.Duration) error
}

// Package registry contains domain types for backend resources and their
// invokable capabilities.
package registry

import "time"

// Protocol identifies the wire protocol of a backend resource.
type Protocol string

const (
	// ProtocolMCP is the Model Context Protocol (JSON-RPC).
	ProtocolMCP Protocol = "mcp"
	// ProtocolHTTP is plain HTTP.
	ProtocolHTTP Protocol = "http"
	// ProtocolGRPC is gRPC.
	ProtocolGRPC Protocol = "grpc"
)

// Sensitivity classifies how sensitive a resource or capability is.
type Sensitivity string

const (
	SensitivityLow      Sensitivity = "low"
	SensitivityMedium   Sensitivity = "medium"
	SensitivityHigh     Sensitivity = "high"
	SensitivityCritical Sensitivity = "critical"
)

// Rank orders sensitivities for comparison (low < medium < high < critical).
func (s Sensitivity) Rank() int {
	switch s {
	case SensitivityLow:
		return 0
	case SensitivityMedium:
		return 1
	case SensitivityHigh:
		return 2
	case SensitivityCritical:
		return 3
	default:
		return 3 // unknown classifications are treated as critical
	}
}

// ResourceStatus is the lifecycle status of a registered resource.
type ResourceStatus string

const (
	// StatusActive resources accept invocations.
	StatusActive ResourceStatus = "active"
	// StatusDegraded resources accept invocations but are failing health checks.
	StatusDegraded ResourceStatus = "degraded"
	// StatusDecommissioned is terminal; lookups fail.
	StatusDecommissioned ResourceStatus = "decommissioned"
)

// Resource is a backend endpoint reachable through a protocol adapter.
type Resource struct {
	// ID uniquely identifies the resource.
	ID string `json:"id" yaml:"id"`
	// Name is a human-readable name.
	Name string `json:"name" yaml:"name"`
	// Protocol selects the adapter used to reach the resource.
	Protocol Protocol `json:"protocol" yaml:"protocol"`
	// Endpoint is the protocol-specific address.
	Endpoint string `json:"endpoint" yaml:"endpoint"`
	// Sensitivity classifies the resource.
	Sensitivity Sensitivity `json:"sensitivity" yaml:"sensitivity"`
	// Status is the lifecycle status.
	Status ResourceStatus `json:"status" yaml:"status"`
	// Metadata carries adapter-specific settings (auth strategy, timeouts).
	Metadata map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	// MaxConcurrency bounds in-flight invocations to this resource (0 = default).
	MaxConcurrency int `json:"max_concurrency,omitempty" yaml:"max_concurrency,omitempty"`
	// UpdatedAt is when the catalog last refreshed this entry.
	UpdatedAt time.Time `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
}

// StreamingMode describes a capability's streaming behavior.
type StreamingMode string

const (
	StreamingNone   StreamingMode = "none"
	StreamingServer StreamingMode = "server"
	StreamingClient StreamingMode = "client"
	StreamingBidi   StreamingMode = "bidi"
)

// CostClass marks capabilities whose invocations consume metered budget.
type CostClass string

const (
	// CostClassNone capabilities bypass cost admission.
	CostClassNone CostClass = ""
	// CostClassLLM capabilities are metered by token-based provider rates.
	CostClassLLM CostClass = "llm"
)

// Capability is a concrete invokable operation owned by a Resource.
// The Resource owns its Capabilities; a Capability back-references its
// owner by id only.
type Capability struct {
	// ID uniquely identifies the capability.
	ID string `json:"id" yaml:"id"`
	// ResourceID is the owning resource.
	ResourceID string `json:"resource_id" yaml:"resource_id"`
	// Name is the operation name dispatched to the adapter.
	Name string `json:"name" yaml:"name"`
	// Operation classifies the capability's intent (read, write, execute...)
	// for policy matching. Defaults to execute.
	Operation string `json:"operation,omitempty" yaml:"operation,omitempty"`
	// InputSchema is a JSON schema for arguments (opaque to the gateway).
	InputSchema map[string]any `json:"input_schema,omitempty" yaml:"input_schema,omitempty"`
	// OutputSchema is a JSON schema for results (opaque to the gateway).
	OutputSchema map[string]any `json:"output_schema,omitempty" yaml:"output_schema,omitempty"`
	// Sensitivity classifies the capability; defaults to the resource's.
	Sensitivity Sensitivity `json:"sensitivity,omitempty" yaml:"sensitivity,omitempty"`
	// Streaming describes the streaming mode.
	Streaming StreamingMode `json:"streaming,omitempty" yaml:"streaming,omitempty"`
	// Idempotent marks the invocation safe to retry.
	Idempotent bool `json:"idempotent,omitempty" yaml:"idempotent,omitempty"`
	// CostClass marks cost-bearing capabilities for budget admission.
	CostClass CostClass `json:"cost_class,omitempty" yaml:"cost_class,omitempty"`
	// Provider names the cost-rate table entry for cost-bearing capabilities.
	Provider string `json:"provider,omitempty" yaml:"provider,omitempty"`
	// InvokeTimeout overrides the adapter invoke deadline (0 = request default).
	InvokeTimeout time.Duration `json:"invoke_timeout,omitempty" yaml:"invoke_timeout,omitempty"`
}

// Package audit contains domain types for audit events.
package audit

import (
	"context"
	"time"
)

// Decision constants for audit events.
const (
	// DecisionAllow indicates the invocation was permitted.
	DecisionAllow = "allow"
	// DecisionDeny indicates the invocation was blocked.
	DecisionDeny = "deny"
)

// Severity classifies how security-relevant an event is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// EventType constants for gateway audit events.
const (
	// EventTypeInvocation is the default event type for capability invocations.
	EventTypeInvocation = "invocation"
	// EventTypeAuthorize is emitted for authorize-only checks.
	EventTypeAuthorize = "authorize"
	// EventTypeBundleReload is emitted when the active policy bundle is replaced.
	EventTypeBundleReload = "config.bundle_reload"
	// EventTypeAdapterLifecycle is emitted on adapter registration changes.
	EventTypeAdapterLifecycle = "config.adapter_lifecycle"
)

// Event is the durable audit record produced on every pipeline exit.
// Serializing then deserializing an Event is the identity.
type Event struct {
	// ID is a stable UUID; SIEM receivers use it for idempotency.
	ID string `json:"id"`
	// Timestamp is the pipeline entry instant (UTC, millisecond precision).
	Timestamp time.Time `json:"timestamp"`
	// EventType categorizes the event.
	EventType string `json:"event_type"`
	// Severity classifies the event.
	Severity Severity `json:"severity"`

	// Principal fields.
	PrincipalID         string         `json:"principal_id"`
	PrincipalType       string         `json:"principal_type"`
	PrincipalRole       string         `json:"principal_role,omitempty"`
	PrincipalAttributes map[string]any `json:"principal_attributes,omitempty"`

	// Resource / capability fields.
	ResourceID   string `json:"resource_id,omitempty"`
	ResourceType string `json:"resource_type,omitempty"`
	CapabilityID string `json:"capability_id,omitempty"`

	// Decision fields.
	Decision      string `json:"decision"`
	Reason        string `json:"reason,omitempty"`
	PolicyVersion string `json:"policy_version,omitempty"`

	// Action fields (parameters are post-filter).
	ActionOperation  string         `json:"action_operation,omitempty"`
	ActionParameters map[string]any `json:"action_parameters,omitempty"`

	// Request correlation.
	RequestID   string `json:"request_id"`
	IPAddress   string `json:"ip_address,omitempty"`
	UserAgent   string `json:"user_agent,omitempty"`
	Environment string `json:"environment,omitempty"`

	// Outcome.
	Success      bool    `json:"success"`
	ErrorMessage string  `json:"error_message,omitempty"`
	LatencyMS    int64   `json:"latency_ms"`
	Cost         float64 `json:"cost,omitempty"`

	// RetentionUntil is when the record may be purged.
	RetentionUntil time.Time `json:"retention_until,omitempty"`
	// Details carries free-form structured context.
	Details map[string]any `json:"details,omitempty"`
}

// Store persists audit events append-only with at-least-once semantics.
type Store interface {
	// Append writes a batch of events.
	Append(ctx context.Context, events ...Event) error
}

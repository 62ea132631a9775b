// Package policy contains domain types for policy evaluation.
package policy

import (
	"time"

	"github.com/apathy-ca/sark-sub006/internal/domain/action"
	"github.com/apathy-ca/sark-sub006/internal/domain/principal"
	"github.com/apathy-ca/sark-sub006/internal/domain/registry"
)

// Effect is the outcome a rule contributes when it matches.
type Effect string

const (
	// EffectAllow permits the invocation.
	EffectAllow Effect = "allow"
	// EffectDeny blocks the invocation.
	EffectDeny Effect = "deny"
	// EffectConstrain composes with an allow at equal or higher priority by
	// intersecting its filter mask and constraints into the decision.
	EffectConstrain Effect = "constrain"
)

// Matcher is a set of glob patterns; empty means match-all.
type Matcher struct {
	// IDs match principal/resource/capability ids ("*" and glob patterns allowed).
	IDs []string `json:"ids,omitempty" yaml:"ids,omitempty"`
	// Roles match the principal role (principal matchers only).
	Roles []string `json:"roles,omitempty" yaml:"roles,omitempty"`
	// Teams match any principal team (principal matchers only).
	Teams []string `json:"teams,omitempty" yaml:"teams,omitempty"`
	// Operations match the action operation (action matchers only).
	Operations []string `json:"operations,omitempty" yaml:"operations,omitempty"`
	// Sensitivities match the capability sensitivity (resource matchers only).
	Sensitivities []string `json:"sensitivities,omitempty" yaml:"sensitivities,omitempty"`
}

// Rule is a single structured policy rule.
type Rule struct {
	// Name uniquely identifies the rule within its bundle.
	Name string `json:"name" yaml:"name"`
	// Priority orders evaluation; higher evaluates first.
	Priority int `json:"priority" yaml:"priority"`
	// Effect is allow, deny, or constrain.
	Effect Effect `json:"effect" yaml:"effect"`
	// Principal matches the requesting principal.
	Principal Matcher `json:"principal,omitempty" yaml:"principal,omitempty"`
	// Resource matches the target resource/capability.
	Resource Matcher `json:"resource,omitempty" yaml:"resource,omitempty"`
	// Action matches the operation intent.
	Action Matcher `json:"action,omitempty" yaml:"action,omitempty"`
	// Condition is a CEL expression over the decision input; empty means true.
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
	// FilterMask names argument fields that must be redacted when this rule
	// contributes to the decision.
	FilterMask []string `json:"filter_mask,omitempty" yaml:"filter_mask,omitempty"`
	// Constraints are structured limits attached to the decision.
	Constraints map[string]any `json:"constraints,omitempty" yaml:"constraints,omitempty"`
}

// Bundle is a versioned set of rules evaluated as a unit. Bundles are
// replaced atomically; the generation counter makes cached decisions from
// older bundles unreachable without explicit deletes.
type Bundle struct {
	// Version is the bundle's content version from the bundle store.
	Version string `json:"version" yaml:"version"`
	// Rules are evaluated in descending priority order.
	Rules []Rule `json:"rules" yaml:"rules"`
	// FetchedAt is when the bundle was loaded.
	FetchedAt time.Time `json:"-" yaml:"-"`
}

// Context carries request metadata into policy evaluation.
type Context struct {
	// Timestamp is the pipeline entry instant (UTC).
	Timestamp time.Time
	// IP is the peer address.
	IP string
	// RequestID correlates the evaluation with the audit trail.
	RequestID string
	// Environment names the deployment environment (prod, staging, dev).
	Environment string
}

// DecisionInput is the complete input to a policy evaluation.
// Semantically equivalent inputs canonicalize to the same cache key.
type DecisionInput struct {
	Principal  *principal.Principal
	Action     action.Action
	Capability *registry.Capability
	Resource   *registry.Resource
	Context    Context
}

// Decision is the outcome of a policy evaluation.
type Decision struct {
	// Allow is the terminal verdict.
	Allow bool `json:"allow"`
	// Reason explains the verdict.
	Reason string `json:"reason"`
	// FilterMask names argument fields that must not appear verbatim in the
	// dispatched payload or audit details.
	FilterMask []string `json:"filter_mask,omitempty"`
	// Constraints are structured limits composed from constrain rules.
	Constraints map[string]any `json:"constraints,omitempty"`
	// PoliciesEvaluated lists the rules considered, in evaluation order.
	PoliciesEvaluated []string `json:"policies_evaluated,omitempty"`
	// BundleVersion is the bundle that produced this decision.
	BundleVersion string `json:"bundle_version,omitempty"`
	// EvaluatedAt is when the evaluation completed (UTC).
	EvaluatedAt time.Time `json:"evaluated_at"`
	// EvaluationError is the stable cause when the deny was produced by an
	// evaluation fault rather than a rule (e.g. "deadline_exceeded"). Fault
	// denies are never cached, so the field never crosses a cache tier.
	EvaluationError string `json:"-"`
}

package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	"github.com/apathy-ca/sark-sub006/internal/domain/policy"
	"github.com/apathy-ca/sark-sub006/internal/domain/registry"
	"github.com/apathy-ca/sark-sub006/internal/domain/rollout"
	"github.com/apathy-ca/sark-sub006/internal/metrics"
)

// sharedCacheFeature is the rollout bucket for the shared decision tier.
const sharedCacheFeature = "decision-cache-shared"

// ConditionEvaluator evaluates a rule condition against a decision input.
type ConditionEvaluator interface {
	EvaluateCondition(ctx context.Context, expression string, input policy.DecisionInput) (bool, error)
}

// compiledBundle is the immutable snapshot stored in atomic.Value: the
// bundle with its rules pre-sorted by descending priority.
type compiledBundle struct {
	bundle *policy.Bundle
	sorted []policy.Rule
}

// PDP is the policy decision point. It is fail-closed end to end: no
// bundle, evaluator errors, and timeouts all deny; error denies are never
// cached so a transient fault cannot pin a deny for the TTL.
type PDP struct {
	evaluator ConditionEvaluator
	local     *LocalDecisionCache
	shared    policy.DecisionCache // nil when no shared store is configured
	metrics   *metrics.Metrics
	logger    *slog.Logger

	ttl            time.Duration
	timeout        time.Duration
	rolloutPercent int

	active     atomic.Value // *compiledBundle
	generation atomic.Uint64

	now func() time.Time
}

var _ policy.Engine = (*PDP)(nil)

// PDPOption configures the PDP.
type PDPOption func(*PDP)

// WithSharedCache attaches the shared decision tier, gated per principal by
// rolloutPercent (0-100).
func WithSharedCache(cache policy.DecisionCache, rolloutPercent int) PDPOption {
	return func(p *PDP) {
		p.shared = cache
		p.rolloutPercent = rolloutPercent
	}
}

// WithPDPClock overrides the clock, for tests.
func WithPDPClock(now func() time.Time) PDPOption {
	return func(p *PDP) { p.now = now }
}

// NewPDP creates a decision point with the given evaluator and local cache
// capacity.
func NewPDP(evaluator ConditionEvaluator, localCapacity int, ttl, timeout time.Duration, m *metrics.Metrics, logger *slog.Logger, opts ...PDPOption) *PDP {
	p := &PDP{
		evaluator:      evaluator,
		local:          NewLocalDecisionCache(localCapacity),
		metrics:        m,
		logger:         logger.With("component", "pdp"),
		ttl:            ttl,
		timeout:        timeout,
		rolloutPercent: 100,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SetBundle atomically replaces the active bundle. The generation counter
// advances, so keys derived from the old bundle become unreachable, and the
// local tier is flushed.
func (p *PDP) SetBundle(bundle *policy.Bundle) {
	sorted := make([]policy.Rule, len(bundle.Rules))
	copy(sorted, bundle.Rules)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority > sorted[j].Priority
	})

	p.active.Store(&compiledBundle{bundle: bundle, sorted: sorted})
	p.generation.Add(1)
	p.local.Clear()
	p.logger.Info("policy bundle activated",
		"version", bundle.Version,
		"rules", len(sorted),
		"generation", p.generation.Load())
}

// BundleVersion returns the active bundle version, or empty when none is
// loaded.
func (p *PDP) BundleVersion() string {
	cb, ok := p.active.Load().(*compiledBundle)
	if !ok {
		return ""
	}
	return cb.bundle.Version
}

// Generation returns the current bundle generation.
func (p *PDP) Generation() uint64 {
	return p.generation.Load()
}

// Decide evaluates the active bundle against the input, consulting the
// local then shared cache tiers first.
func (p *PDP) Decide(ctx context.Context, in *policy.DecisionInput) (policy.Decision, error) {
	digest, err := policy.CacheKey(in)
	if err != nil {
		// Cannot derive a stable key: evaluate without caching.
		p.logger.Warn("decision input canonicalization failed", "error", err)
		d, _ := p.evaluate(ctx, in)
		p.recordDecision(d)
		return d, nil
	}
	key := fmt.Sprintf("g%d:%s", p.generation.Load(), digest)

	if d, ok, _ := p.local.Get(ctx, key); ok {
		p.metrics.DecisionCacheHits.WithLabelValues("local").Inc()
		return d, nil
	}

	useShared := p.shared != nil && in.Principal != nil &&
		rollout.Enabled(sharedCacheFeature, in.Principal.ID, p.rolloutPercent)
	if useShared {
		d, ok, err := p.shared.Get(ctx, key)
		if err != nil {
			// Shared tier unavailable: treat as miss, keep serving.
			p.logger.Warn("shared decision cache unavailable", "error", err)
		} else if ok {
			p.metrics.DecisionCacheHits.WithLabelValues("shared").Inc()
			_ = p.local.Set(ctx, key, d, p.ttl)
			return d, nil
		}
	}
	p.metrics.DecisionCacheMiss.Inc()

	d, cacheable := p.evaluate(ctx, in)
	p.recordDecision(d)

	if cacheable {
		_ = p.local.Set(ctx, key, d, p.ttl)
		if useShared {
			if err := p.shared.Set(ctx, key, d, p.ttl); err != nil {
				p.logger.Warn("shared decision cache set failed", "error", err)
			}
		}
	}
	return d, nil
}

// evaluate runs the rule set. The returned bool reports whether the
// decision may be cached; denies produced by evaluator faults are not.
func (p *PDP) evaluate(ctx context.Context, in *policy.DecisionInput) (policy.Decision, bool) {
	cb, ok := p.active.Load().(*compiledBundle)
	if !ok {
		d := p.deny(in, "evaluation_error: no policy bundle loaded", nil, "")
		d.EvaluationError = "bundle_unavailable"
		return d, false
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var (
		evaluated   []string
		filterMask  []string
		constraints map[string]any
	)

	rules := cb.sorted
	for i := 0; i < len(rules); {
		// Rules of equal priority form one group: a matching deny in the
		// group beats a matching allow regardless of slice order.
		j := i
		for j < len(rules) && rules[j].Priority == rules[i].Priority {
			j++
		}

		var groupAllow *policy.Rule
		for k := i; k < j; k++ {
			rule := &rules[k]
			if !p.matches(rule, in) {
				continue
			}
			evaluated = append(evaluated, rule.Name)

			if rule.Condition != "" {
				hit, err := p.evaluator.EvaluateCondition(ctx, rule.Condition, *in)
				if err != nil {
					p.logger.Error("condition evaluation failed",
						"rule", rule.Name, "error", err)
					d := p.deny(in, fmt.Sprintf("evaluation_error: %v", err), evaluated, cb.bundle.Version)
					d.EvaluationError = "evaluator_error"
					if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
						d.Reason = "evaluation_error: timeout"
						d.EvaluationError = "deadline_exceeded"
					}
					return d, false
				}
				if !hit {
					continue
				}
			}

			switch rule.Effect {
			case policy.EffectDeny:
				d := p.deny(in, fmt.Sprintf("denied by policy %s", rule.Name), evaluated, cb.bundle.Version)
				return d, true
			case policy.EffectAllow:
				if groupAllow == nil {
					groupAllow = rule
				}
			case policy.EffectConstrain:
				filterMask = unionStrings(filterMask, rule.FilterMask)
				constraints = mergeConstraints(constraints, rule.Constraints)
			}
		}

		if groupAllow != nil {
			return policy.Decision{
				Allow:             true,
				Reason:            fmt.Sprintf("allowed by policy %s", groupAllow.Name),
				FilterMask:        unionStrings(filterMask, groupAllow.FilterMask),
				Constraints:       mergeConstraints(constraints, groupAllow.Constraints),
				PoliciesEvaluated: evaluated,
				BundleVersion:     cb.bundle.Version,
				EvaluatedAt:       p.now().UTC(),
			}, true
		}
		i = j
	}

	// Default deny: nothing matched.
	return p.deny(in, "no matching policy", evaluated, cb.bundle.Version), true
}

// deny builds a deny decision.
func (p *PDP) deny(in *policy.DecisionInput, reason string, evaluated []string, version string) policy.Decision {
	return policy.Decision{
		Allow:             false,
		Reason:            reason,
		PoliciesEvaluated: evaluated,
		BundleVersion:     version,
		EvaluatedAt:       p.now().UTC(),
	}
}

// matches applies the rule's structural matchers to the input. Condition
// expressions are evaluated separately.
func (p *PDP) matches(rule *policy.Rule, in *policy.DecisionInput) bool {
	if in.Principal != nil {
		if !matchAny(rule.Principal.IDs, in.Principal.ID) {
			return false
		}
		if !matchAny(rule.Principal.Roles, in.Principal.Role) {
			return false
		}
		if !matchAnyOf(rule.Principal.Teams, in.Principal.Teams) {
			return false
		}
	} else if len(rule.Principal.IDs) > 0 || len(rule.Principal.Roles) > 0 || len(rule.Principal.Teams) > 0 {
		return false
	}

	capabilityID := ""
	if in.Capability != nil {
		capabilityID = in.Capability.ID
	}
	resourceID := ""
	if in.Resource != nil {
		resourceID = in.Resource.ID
	}
	if len(rule.Resource.IDs) > 0 &&
		!matchAny(rule.Resource.IDs, capabilityID) && !matchAny(rule.Resource.IDs, resourceID) {
		return false
	}
	if len(rule.Resource.Sensitivities) > 0 &&
		!matchAny(rule.Resource.Sensitivities, string(effectiveSensitivity(in))) {
		return false
	}

	return matchAny(rule.Action.Operations, string(in.Action.Operation))
}

// effectiveSensitivity prefers the capability classification over the
// resource's.
func effectiveSensitivity(in *policy.DecisionInput) registry.Sensitivity {
	if in.Capability != nil && in.Capability.Sensitivity != "" {
		return in.Capability.Sensitivity
	}
	if in.Resource != nil {
		return in.Resource.Sensitivity
	}
	return ""
}

// recordDecision updates decision metrics.
func (p *PDP) recordDecision(d policy.Decision) {
	label := "deny"
	if d.Allow {
		label = "allow"
	}
	p.metrics.DecisionsTotal.WithLabelValues(label).Inc()
}

// matchAny reports whether value matches any pattern; an empty pattern set
// matches everything.
func matchAny(patterns []string, value string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, pattern := range patterns {
		if pattern == "*" || pattern == value {
			return true
		}
		if matched, _ := filepath.Match(pattern, value); matched {
			return true
		}
	}
	return false
}

// matchAnyOf reports whether any of values matches any pattern.
func matchAnyOf(patterns, values []string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, v := range values {
		if matchAny(patterns, v) {
			return true
		}
	}
	return false
}

// unionStrings merges two string sets preserving first-seen order.
func unionStrings(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range append(append([]string{}, a...), b...) {
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// mergeConstraints composes constraint maps. Numeric values take the
// stricter (lower) bound; other values are overwritten by the later rule.
func mergeConstraints(base, add map[string]any) map[string]any {
	if len(add) == 0 {
		return base
	}
	if base == nil {
		base = make(map[string]any, len(add))
	}
	for k, v := range add {
		existing, ok := base[k]
		if !ok {
			base[k] = v
			continue
		}
		ev, eok := toFloat(existing)
		nv, nok := toFloat(v)
		if eok && nok && nv < ev {
			base[k] = v
		} else if !eok || !nok {
			base[k] = v
		}
	}
	return base
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	default:
		return 0, false
	}
}

package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/apathy-ca/sark-sub006/internal/domain/action"
	"github.com/apathy-ca/sark-sub006/internal/domain/policy"
	"github.com/apathy-ca/sark-sub006/internal/domain/principal"
	"github.com/apathy-ca/sark-sub006/internal/domain/registry"
	"github.com/apathy-ca/sark-sub006/internal/metrics"
)

// stubEvaluator resolves conditions from a fixed table; unknown expressions
// fail, which exercises the fail-closed path.
type stubEvaluator struct {
	results map[string]bool
	calls   int
}

func (s *stubEvaluator) EvaluateCondition(ctx context.Context, expr string, in policy.DecisionInput) (bool, error) {
	s.calls++
	result, ok := s.results[expr]
	if !ok {
		return false, errors.New("unknown expression")
	}
	return result, nil
}

func testMetrics() *metrics.Metrics {
	return metrics.New(prometheus.NewRegistry())
}

func newTestPDP(t *testing.T, ev ConditionEvaluator, opts ...PDPOption) *PDP {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewPDP(ev, 100, 5*time.Minute, time.Second, testMetrics(), logger, opts...)
}

func decisionInput(principalID string) *policy.DecisionInput {
	return &policy.DecisionInput{
		Principal: &principal.Principal{
			ID:         principalID,
			Type:       principal.TypeAgent,
			Role:       "analyst",
			Teams:      []string{"data"},
			TrustLevel: principal.TrustTrusted,
		},
		Action: action.Action{
			ResourceID: "warehouse",
			Operation:  action.OperationRead,
		},
		Capability: &registry.Capability{
			ID:          "warehouse.query",
			Name:        "query",
			Sensitivity: registry.SensitivityMedium,
		},
		Resource: &registry.Resource{
			ID:       "warehouse",
			Protocol: registry.ProtocolMCP,
		},
	}
}

func TestDecideNoBundleDenies(t *testing.T) {
	t.Parallel()

	pdp := newTestPDP(t, &stubEvaluator{})
	d, err := pdp.Decide(context.Background(), decisionInput("agent-1"))
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if d.Allow {
		t.Error("Decide() allowed with no bundle loaded")
	}
	if !strings.Contains(d.Reason, "no policy bundle") {
		t.Errorf("Reason = %q, want no-bundle deny", d.Reason)
	}
}

func TestDecideAllowAndDefaultDeny(t *testing.T) {
	t.Parallel()

	pdp := newTestPDP(t, &stubEvaluator{})
	pdp.SetBundle(&policy.Bundle{
		Version: "v1",
		Rules: []policy.Rule{
			{
				Name:      "analysts-read",
				Priority:  10,
				Effect:    policy.EffectAllow,
				Principal: policy.Matcher{Roles: []string{"analyst"}},
				Action:    policy.Matcher{Operations: []string{"read"}},
			},
		},
	})

	d, err := pdp.Decide(context.Background(), decisionInput("agent-1"))
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allow {
		t.Fatalf("Decide() = deny (%s), want allow", d.Reason)
	}
	if d.BundleVersion != "v1" {
		t.Errorf("BundleVersion = %q, want v1", d.BundleVersion)
	}

	in := decisionInput("agent-1")
	in.Action.Operation = action.OperationWrite
	d, err = pdp.Decide(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if d.Allow {
		t.Error("write allowed, want default deny")
	}
	if !strings.Contains(d.Reason, "no matching policy") {
		t.Errorf("Reason = %q, want default deny", d.Reason)
	}
}

func TestDecideHigherPriorityDenyWins(t *testing.T) {
	t.Parallel()

	pdp := newTestPDP(t, &stubEvaluator{})
	pdp.SetBundle(&policy.Bundle{
		Version: "v1",
		Rules: []policy.Rule{
			{
				Name:     "allow-all-reads",
				Priority: 10,
				Effect:   policy.EffectAllow,
				Action:   policy.Matcher{Operations: []string{"read"}},
			},
			{
				Name:      "block-warehouse",
				Priority:  50,
				Effect:    policy.EffectDeny,
				Resource:  policy.Matcher{IDs: []string{"warehouse"}},
				Principal: policy.Matcher{},
			},
		},
	})

	d, err := pdp.Decide(context.Background(), decisionInput("agent-1"))
	if err != nil {
		t.Fatal(err)
	}
	if d.Allow {
		t.Error("allowed despite higher-priority deny")
	}
	if !strings.Contains(d.Reason, "block-warehouse") {
		t.Errorf("Reason = %q, want deny rule name", d.Reason)
	}
}

func TestDecideDenyWinsWithinPriorityGroup(t *testing.T) {
	t.Parallel()

	pdp := newTestPDP(t, &stubEvaluator{})
	pdp.SetBundle(&policy.Bundle{
		Version: "v1",
		Rules: []policy.Rule{
			// Allow listed before deny at the same priority; deny must still win.
			{Name: "allow-reads", Priority: 10, Effect: policy.EffectAllow, Action: policy.Matcher{Operations: []string{"read"}}},
			{Name: "deny-warehouse", Priority: 10, Effect: policy.EffectDeny, Resource: policy.Matcher{IDs: []string{"warehouse"}}},
		},
	})

	d, err := pdp.Decide(context.Background(), decisionInput("agent-1"))
	if err != nil {
		t.Fatal(err)
	}
	if d.Allow {
		t.Error("allow won a same-priority tie against deny")
	}
}

func TestDecideConstrainComposesIntoAllow(t *testing.T) {
	t.Parallel()

	pdp := newTestPDP(t, &stubEvaluator{})
	pdp.SetBundle(&policy.Bundle{
		Version: "v1",
		Rules: []policy.Rule{
			{
				Name:        "redact-credentials",
				Priority:    50,
				Effect:      policy.EffectConstrain,
				FilterMask:  []string{"password", "token"},
				Constraints: map[string]any{"max_rows": 1000},
			},
			{
				Name:        "cap-rows",
				Priority:    20,
				Effect:      policy.EffectConstrain,
				Constraints: map[string]any{"max_rows": 100, "read_only": true},
			},
			{
				Name:       "allow-reads",
				Priority:   10,
				Effect:     policy.EffectAllow,
				Action:     policy.Matcher{Operations: []string{"read"}},
				FilterMask: []string{"token"},
			},
		},
	})

	d, err := pdp.Decide(context.Background(), decisionInput("agent-1"))
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allow {
		t.Fatalf("Decide() = deny (%s), want allow", d.Reason)
	}

	mask := strings.Join(d.FilterMask, ",")
	if !strings.Contains(mask, "password") || !strings.Contains(mask, "token") {
		t.Errorf("FilterMask = %v, want union of constrain and allow masks", d.FilterMask)
	}
	if got := d.Constraints["max_rows"]; got != 100 {
		t.Errorf("Constraints[max_rows] = %v, want stricter bound 100", got)
	}
	if got := d.Constraints["read_only"]; got != true {
		t.Errorf("Constraints[read_only] = %v, want true", got)
	}
}

func TestDecideConditionGatesRule(t *testing.T) {
	t.Parallel()

	ev := &stubEvaluator{results: map[string]bool{
		`trust_level == "trusted"`: true,
		`principal_role == "cfo"`:  false,
	}}
	pdp := newTestPDP(t, ev)
	pdp.SetBundle(&policy.Bundle{
		Version: "v1",
		Rules: []policy.Rule{
			{Name: "deny-cfo", Priority: 50, Effect: policy.EffectDeny, Condition: `principal_role == "cfo"`},
			{Name: "allow-trusted", Priority: 10, Effect: policy.EffectAllow, Condition: `trust_level == "trusted"`},
		},
	})

	d, err := pdp.Decide(context.Background(), decisionInput("agent-1"))
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allow {
		t.Fatalf("Decide() = deny (%s), want allow via condition", d.Reason)
	}
	if len(d.PoliciesEvaluated) != 2 {
		t.Errorf("PoliciesEvaluated = %v, want both rules recorded", d.PoliciesEvaluated)
	}
}

func TestDecideEvaluatorErrorDeniesUncached(t *testing.T) {
	t.Parallel()

	ev := &stubEvaluator{results: map[string]bool{}}
	pdp := newTestPDP(t, ev)
	pdp.SetBundle(&policy.Bundle{
		Version: "v1",
		Rules: []policy.Rule{
			{Name: "broken", Priority: 10, Effect: policy.EffectAllow, Condition: "boom()"},
		},
	})

	in := decisionInput("agent-1")
	d, err := pdp.Decide(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if d.Allow {
		t.Error("evaluator failure produced allow, want fail-closed deny")
	}
	if !strings.HasPrefix(d.Reason, "evaluation_error:") {
		t.Errorf("Reason = %q, want evaluation_error prefix", d.Reason)
	}

	// Error denies are not cached: the evaluator runs again on retry.
	if _, err := pdp.Decide(context.Background(), in); err != nil {
		t.Fatal(err)
	}
	if ev.calls != 2 {
		t.Errorf("evaluator calls = %d, want 2 (error deny must not be cached)", ev.calls)
	}
}

// slowEvaluator blocks until the evaluation context expires.
type slowEvaluator struct{}

func (slowEvaluator) EvaluateCondition(ctx context.Context, expr string, in policy.DecisionInput) (bool, error) {
	<-ctx.Done()
	return false, ctx.Err()
}

func TestDecideEvaluatorTimeoutDenies(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pdp := NewPDP(slowEvaluator{}, 100, 5*time.Minute, 10*time.Millisecond, testMetrics(), logger)
	pdp.SetBundle(&policy.Bundle{
		Version: "v1",
		Rules: []policy.Rule{
			{Name: "gated", Priority: 10, Effect: policy.EffectAllow, Condition: "slow()"},
		},
	})

	d, err := pdp.Decide(context.Background(), decisionInput("agent-1"))
	if err != nil {
		t.Fatal(err)
	}
	if d.Allow {
		t.Error("evaluator timeout produced allow, want fail-closed deny")
	}
	if d.Reason != "evaluation_error: timeout" {
		t.Errorf("Reason = %q, want evaluation_error: timeout", d.Reason)
	}
	if d.EvaluationError != "deadline_exceeded" {
		t.Errorf("EvaluationError = %q, want deadline_exceeded", d.EvaluationError)
	}
}

func TestDecideCachesResultDecisions(t *testing.T) {
	t.Parallel()

	ev := &stubEvaluator{results: map[string]bool{"true": true}}
	pdp := newTestPDP(t, ev)
	pdp.SetBundle(&policy.Bundle{
		Version: "v1",
		Rules: []policy.Rule{
			{Name: "allow-all", Priority: 10, Effect: policy.EffectAllow, Condition: "true"},
		},
	})

	in := decisionInput("agent-1")
	for i := 0; i < 3; i++ {
		d, err := pdp.Decide(context.Background(), in)
		if err != nil {
			t.Fatal(err)
		}
		if !d.Allow {
			t.Fatalf("Decide() = deny (%s), want allow", d.Reason)
		}
	}
	if ev.calls != 1 {
		t.Errorf("evaluator calls = %d, want 1 (decision cached locally)", ev.calls)
	}
}

func TestSetBundleInvalidatesCache(t *testing.T) {
	t.Parallel()

	ev := &stubEvaluator{results: map[string]bool{"true": true}}
	pdp := newTestPDP(t, ev)
	pdp.SetBundle(&policy.Bundle{
		Version: "v1",
		Rules:   []policy.Rule{{Name: "allow-all", Priority: 10, Effect: policy.EffectAllow, Condition: "true"}},
	})

	in := decisionInput("agent-1")
	if _, err := pdp.Decide(context.Background(), in); err != nil {
		t.Fatal(err)
	}

	// Same input against a bundle that default-denies.
	pdp.SetBundle(&policy.Bundle{Version: "v2", Rules: nil})
	d, err := pdp.Decide(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if d.Allow {
		t.Error("stale allow served after bundle replacement")
	}
	if d.BundleVersion != "v2" {
		t.Errorf("BundleVersion = %q, want v2", d.BundleVersion)
	}
	if pdp.Generation() != 2 {
		t.Errorf("Generation() = %d, want 2", pdp.Generation())
	}
}

// recordingCache counts shared-tier traffic.
type recordingCache struct {
	inner *LocalDecisionCache
	gets  int
	sets  int
}

func (r *recordingCache) Get(ctx context.Context, key string) (policy.Decision, bool, error) {
	r.gets++
	return r.inner.Get(ctx, key)
}

func (r *recordingCache) Set(ctx context.Context, key string, d policy.Decision, ttl time.Duration) error {
	r.sets++
	return r.inner.Set(ctx, key, d, ttl)
}

func TestDecideSharedTierPromotesToLocal(t *testing.T) {
	t.Parallel()

	shared := &recordingCache{inner: NewLocalDecisionCache(100)}
	ev := &stubEvaluator{results: map[string]bool{"true": true}}
	pdp := newTestPDP(t, ev, WithSharedCache(shared, 100))
	pdp.SetBundle(&policy.Bundle{
		Version: "v1",
		Rules:   []policy.Rule{{Name: "allow-all", Priority: 10, Effect: policy.EffectAllow, Condition: "true"}},
	})

	in := decisionInput("agent-1")
	if _, err := pdp.Decide(context.Background(), in); err != nil {
		t.Fatal(err)
	}
	if shared.sets != 1 {
		t.Fatalf("shared sets = %d, want 1", shared.sets)
	}

	// Drop the local tier; the next lookup must hit shared and re-populate.
	pdp.local.Clear()
	if _, err := pdp.Decide(context.Background(), in); err != nil {
		t.Fatal(err)
	}
	if ev.calls != 1 {
		t.Errorf("evaluator calls = %d, want 1 (served from shared tier)", ev.calls)
	}

	// Local tier repopulated: no further shared reads.
	before := shared.gets
	if _, err := pdp.Decide(context.Background(), in); err != nil {
		t.Fatal(err)
	}
	if shared.gets != before {
		t.Error("local tier not repopulated from shared hit")
	}
}

func TestDecideSharedTierRolloutDisabled(t *testing.T) {
	t.Parallel()

	shared := &recordingCache{inner: NewLocalDecisionCache(100)}
	pdp := newTestPDP(t, &stubEvaluator{}, WithSharedCache(shared, 0))
	pdp.SetBundle(&policy.Bundle{
		Version: "v1",
		Rules:   []policy.Rule{{Name: "allow-reads", Priority: 10, Effect: policy.EffectAllow, Action: policy.Matcher{Operations: []string{"read"}}}},
	})

	if _, err := pdp.Decide(context.Background(), decisionInput("agent-1")); err != nil {
		t.Fatal(err)
	}
	if shared.gets != 0 || shared.sets != 0 {
		t.Errorf("shared tier touched (gets=%d sets=%d) with rollout at 0%%", shared.gets, shared.sets)
	}
}

// failingCache simulates an unavailable shared tier.
type failingCache struct{}

func (failingCache) Get(ctx context.Context, key string) (policy.Decision, bool, error) {
	return policy.Decision{}, false, errors.New("connection refused")
}

func (failingCache) Set(ctx context.Context, key string, d policy.Decision, ttl time.Duration) error {
	return errors.New("connection refused")
}

func TestDecideSharedTierFailureIsMiss(t *testing.T) {
	t.Parallel()

	pdp := newTestPDP(t, &stubEvaluator{}, WithSharedCache(failingCache{}, 100))
	pdp.SetBundle(&policy.Bundle{
		Version: "v1",
		Rules:   []policy.Rule{{Name: "allow-reads", Priority: 10, Effect: policy.EffectAllow, Action: policy.Matcher{Operations: []string{"read"}}}},
	})

	d, err := pdp.Decide(context.Background(), decisionInput("agent-1"))
	if err != nil {
		t.Fatalf("Decide() error = %v, want shared-tier failure tolerated", err)
	}
	if !d.Allow {
		t.Errorf("Decide() = deny (%s), want allow despite shared tier down", d.Reason)
	}
}

func TestDecideGlobMatchers(t *testing.T) {
	t.Parallel()

	pdp := newTestPDP(t, &stubEvaluator{})
	pdp.SetBundle(&policy.Bundle{
		Version: "v1",
		Rules: []policy.Rule{
			{
				Name:      "warehouse-capabilities",
				Priority:  10,
				Effect:    policy.EffectAllow,
				Principal: policy.Matcher{Teams: []string{"da*"}},
				Resource:  policy.Matcher{IDs: []string{"warehouse.*"}},
			},
		},
	})

	d, err := pdp.Decide(context.Background(), decisionInput("agent-1"))
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allow {
		t.Fatalf("glob matchers did not match: %s", d.Reason)
	}

	in := decisionInput("agent-2")
	in.Capability.ID = "billing.charge"
	in.Resource.ID = "billing"
	in.Action.ResourceID = "billing"
	d, err = pdp.Decide(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if d.Allow {
		t.Error("billing capability matched warehouse.* glob")
	}
}

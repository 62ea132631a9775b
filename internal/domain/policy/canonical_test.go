package policy

import (
	"bytes"
	"testing"
	"time"

	"github.com/apathy-ca/sark-sub006/internal/domain/action"
	"github.com/apathy-ca/sark-sub006/internal/domain/principal"
	"github.com/apathy-ca/sark-sub006/internal/domain/registry"
)

func sampleInput() *DecisionInput {
	return &DecisionInput{
		Principal: &principal.Principal{
			ID:         "u1",
			Type:       principal.TypeHuman,
			Role:       "developer",
			Teams:      []string{"t2", "t1"},
			TrustLevel: principal.TrustTrusted,
			Attributes: map[string]any{"region": "eu"},
		},
		Action: action.Action{
			ResourceID: "r1",
			Operation:  action.OperationRead,
			Parameters: map[string]any{"query": "SELECT 1"},
		},
		Capability: &registry.Capability{ID: "c.read", Name: "read", Sensitivity: registry.SensitivityLow},
		Resource:   &registry.Resource{ID: "r1", Protocol: registry.ProtocolHTTP, Sensitivity: registry.SensitivityLow},
		Context: Context{
			Timestamp:   time.Now(),
			IP:          "10.0.0.1",
			RequestID:   "req-1",
			Environment: "prod",
		},
	}
}

func TestCanonicalize_StableAcrossEquivalentInputs(t *testing.T) {
	t.Parallel()

	a := sampleInput()
	b := sampleInput()

	// Different team order, different volatile context, nil-vs-absent params.
	b.Principal.Teams = []string{"t1", "t2"}
	b.Context.Timestamp = time.Now().Add(time.Hour)
	b.Context.RequestID = "req-2"
	b.Context.IP = "192.168.1.9"
	b.Action.Parameters = map[string]any{"query": "SELECT 1", "optional": nil}

	ca, err := Canonicalize(a)
	if err != nil {
		t.Fatalf("Canonicalize(a): %v", err)
	}
	cb, err := Canonicalize(b)
	if err != nil {
		t.Fatalf("Canonicalize(b): %v", err)
	}
	if !bytes.Equal(ca, cb) {
		t.Errorf("canonical forms differ:\n%s\n%s", ca, cb)
	}

	ka, _ := CacheKey(a)
	kb, _ := CacheKey(b)
	if ka != kb {
		t.Errorf("cache keys differ: %s vs %s", ka, kb)
	}
}

func TestCanonicalize_DistinguishesMeaningfulFields(t *testing.T) {
	t.Parallel()

	base := sampleInput()
	baseKey, err := CacheKey(base)
	if err != nil {
		t.Fatalf("CacheKey: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*DecisionInput)
	}{
		{"different principal", func(in *DecisionInput) { in.Principal.ID = "u2" }},
		{"different role", func(in *DecisionInput) { in.Principal.Role = "viewer" }},
		{"different operation", func(in *DecisionInput) { in.Action.Operation = action.OperationWrite }},
		{"different arguments", func(in *DecisionInput) { in.Action.Parameters["query"] = "SELECT 2" }},
		{"different capability", func(in *DecisionInput) { in.Capability.ID = "c.write" }},
		{"different environment", func(in *DecisionInput) { in.Context.Environment = "staging" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			in := sampleInput()
			tt.mutate(in)
			key, err := CacheKey(in)
			if err != nil {
				t.Fatalf("CacheKey: %v", err)
			}
			if key == baseKey {
				t.Error("mutated input should produce a different cache key")
			}
		})
	}
}

func TestCanonicalize_NestedNullNormalization(t *testing.T) {
	t.Parallel()

	a := sampleInput()
	a.Action.Parameters = map[string]any{
		"outer": map[string]any{"keep": 1, "drop": nil},
	}
	b := sampleInput()
	b.Action.Parameters = map[string]any{
		"outer": map[string]any{"keep": 1},
	}

	ka, _ := CacheKey(a)
	kb, _ := CacheKey(b)
	if ka != kb {
		t.Error("nested null and absent should hash identically")
	}
}

func TestSensitivityRank(t *testing.T) {
	t.Parallel()

	order := []registry.Sensitivity{
		registry.SensitivityLow,
		registry.SensitivityMedium,
		registry.SensitivityHigh,
		registry.SensitivityCritical,
	}
	for i := 1; i < len(order); i++ {
		if order[i-1].Rank() >= order[i].Rank() {
			t.Errorf("%s should rank below %s", order[i-1], order[i])
		}
	}
	if registry.Sensitivity("unknown").Rank() != registry.SensitivityCritical.Rank() {
		t.Error("unknown sensitivity should rank as critical")
	}
}

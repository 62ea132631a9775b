package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Canonicalize renders a DecisionInput as deterministic JSON: map keys are
// sorted, nil values are dropped (absent and null are equivalent), and list
// fields whose order carries no meaning (teams, token capabilities) are
// sorted. Volatile context fields (timestamp, request id, peer IP) are
// excluded so that semantically equivalent inputs produce identical bytes.
func Canonicalize(in *DecisionInput) ([]byte, error) {
	form := map[string]any{}

	if in.Principal != nil {
		form["principal"] = map[string]any{
			"id":           in.Principal.ID,
			"type":         string(in.Principal.Type),
			"role":         in.Principal.Role,
			"teams":        sortedCopy(in.Principal.Teams),
			"trust_level":  string(in.Principal.TrustLevel),
			"capabilities": sortedCopy(in.Principal.Capabilities),
			"attributes":   normalizeMap(in.Principal.Attributes),
		}
	}

	form["action"] = map[string]any{
		"resource_id": in.Action.ResourceID,
		"operation":   string(in.Action.Operation),
		"parameters":  normalizeMap(in.Action.Parameters),
	}

	if in.Capability != nil {
		form["capability"] = map[string]any{
			"id":          in.Capability.ID,
			"name":        in.Capability.Name,
			"sensitivity": string(in.Capability.Sensitivity),
		}
	}
	if in.Resource != nil {
		form["resource"] = map[string]any{
			"id":          in.Resource.ID,
			"protocol":    string(in.Resource.Protocol),
			"sensitivity": string(in.Resource.Sensitivity),
		}
	}

	form["context"] = map[string]any{
		"environment": in.Context.Environment,
	}

	// encoding/json marshals map keys in sorted order, which together with
	// the normalization above yields a canonical byte form.
	buf, err := json.Marshal(normalizeMap(form))
	if err != nil {
		return nil, fmt.Errorf("canonicalize decision input: %w", err)
	}
	return buf, nil
}

// CacheKey returns the stable SHA-256 hex of the canonicalized input.
func CacheKey(in *DecisionInput) (string, error) {
	canonical, err := Canonicalize(in)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// sortedCopy returns a sorted copy of ss; nil and empty both normalize to
// an empty slice so absent and empty hash identically.
func sortedCopy(ss []string) []string {
	out := make([]string, len(ss))
	copy(out, ss)
	sort.Strings(out)
	return out
}

// normalizeMap recursively drops nil values and normalizes nested maps.
// A nil map normalizes to an empty one.
func normalizeMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		nv, keep := normalizeValue(v)
		if keep {
			out[k] = nv
		}
	}
	return out
}

// normalizeValue normalizes a single value; the second return is false when
// the value is nil and must be dropped.
func normalizeValue(v any) (any, bool) {
	switch t := v.(type) {
	case nil:
		return nil, false
	case map[string]any:
		return normalizeMap(t), true
	case []any:
		out := make([]any, 0, len(t))
		for _, e := range t {
			ne, keep := normalizeValue(e)
			if keep {
				out = append(out, ne)
			} else {
				out = append(out, nil) // positional lists keep their shape
			}
		}
		return out, true
	default:
		return v, true
	}
}

package cel

import (
	"net"
	"path/filepath"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/ext"

	"github.com/apathy-ca/sark-sub006/internal/domain/policy"
)

// newDecisionEnvironment creates a CEL environment exposing the decision
// input to rule conditions. Variables:
//   - Principal: principal_id, principal_type, principal_role,
//     principal_teams, trust_level, peer_address
//   - Action: capability_id, resource_id, operation, arguments
//   - Target: sensitivity, protocol, provider
//   - Context: environment, request_time
//
// Custom functions: glob, ip_in_cidr, arg, arg_contains.
func newDecisionEnvironment() (*cel.Env, error) {
	return cel.NewEnv(
		ext.Strings(),
		ext.Sets(),

		cel.Variable("principal_id", cel.StringType),
		cel.Variable("principal_type", cel.StringType),
		cel.Variable("principal_role", cel.StringType),
		cel.Variable("principal_teams", cel.ListType(cel.StringType)),
		cel.Variable("trust_level", cel.StringType),
		cel.Variable("peer_address", cel.StringType),

		cel.Variable("capability_id", cel.StringType),
		cel.Variable("resource_id", cel.StringType),
		cel.Variable("operation", cel.StringType),
		cel.Variable("arguments", cel.MapType(cel.StringType, cel.DynType)),

		cel.Variable("sensitivity", cel.StringType),
		cel.Variable("protocol", cel.StringType),
		cel.Variable("provider", cel.StringType),

		cel.Variable("environment", cel.StringType),
		cel.Variable("request_time", cel.TimestampType),

		// glob: pattern matching for ids and names.
		// Usage: glob("repo.*", capability_id)
		cel.Function("glob",
			cel.Overload("glob_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(pattern, name ref.Val) ref.Val {
					p := pattern.Value().(string)
					n := name.Value().(string)
					matched, _ := filepath.Match(p, n)
					return types.Bool(matched)
				}),
			),
		),

		// ip_in_cidr: checks whether an address is within a CIDR range.
		// Usage: ip_in_cidr(peer_address, "10.0.0.0/8")
		cel.Function("ip_in_cidr",
			cel.Overload("ip_in_cidr_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(ipVal, cidrVal ref.Val) ref.Val {
					ip := net.ParseIP(hostOnly(ipVal.Value().(string)))
					if ip == nil {
						return types.Bool(false)
					}
					_, network, err := net.ParseCIDR(cidrVal.Value().(string))
					if err != nil {
						return types.Bool(false)
					}
					return types.Bool(network.Contains(ip))
				}),
			),
		),

		// arg: extract one argument by key, null when absent.
		// Usage: arg(arguments, "path")
		cel.Function("arg",
			cel.Overload("arg_map_string",
				[]*cel.Type{cel.MapType(cel.StringType, cel.DynType), cel.StringType},
				cel.DynType,
				cel.BinaryBinding(func(mapVal, keyVal ref.Val) ref.Val {
					key := keyVal.Value().(string)
					if goMap, ok := mapVal.Value().(map[string]any); ok {
						if v, found := goMap[key]; found {
							return types.DefaultTypeAdapter.NativeToValue(v)
						}
					}
					return types.NullValue
				}),
			),
		),

		// arg_contains: whether any string argument value contains a substring.
		// Usage: arg_contains(arguments, "../")
		cel.Function("arg_contains",
			cel.Overload("arg_contains_map_string",
				[]*cel.Type{cel.MapType(cel.StringType, cel.DynType), cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(mapVal, substrVal ref.Val) ref.Val {
					substr := substrVal.Value().(string)
					if goMap, ok := mapVal.Value().(map[string]any); ok {
						for _, v := range goMap {
							if s, ok := v.(string); ok && strings.Contains(s, substr) {
								return types.Bool(true)
							}
						}
					}
					return types.Bool(false)
				}),
			),
		),
	)
}

// buildActivation maps a decision input onto the environment's variables.
// Missing optional pieces (no resource, no arguments) bind zero values so
// expressions never hit unknown-variable errors.
func buildActivation(input policy.DecisionInput) map[string]any {
	act := map[string]any{
		"principal_id":    "",
		"principal_type":  "",
		"principal_role":  "",
		"principal_teams": []string{},
		"trust_level":     "",
		"peer_address":    "",
		"capability_id":   "",
		"resource_id":     input.Action.ResourceID,
		"operation":       string(input.Action.Operation),
		"arguments":       map[string]any{},
		"sensitivity":     "",
		"protocol":        "",
		"provider":        "",
		"environment":     input.Context.Environment,
		"request_time":    input.Context.Timestamp,
	}

	if p := input.Principal; p != nil {
		act["principal_id"] = p.ID
		act["principal_type"] = string(p.Type)
		act["principal_role"] = p.Role
		act["principal_teams"] = p.Teams
		act["trust_level"] = string(p.TrustLevel)
		act["peer_address"] = p.PeerAddress
	}
	if input.Action.Parameters != nil {
		act["arguments"] = input.Action.Parameters
	}
	if c := input.Capability; c != nil {
		act["capability_id"] = c.ID
		act["provider"] = c.Provider
	}
	if r := input.Resource; r != nil {
		act["resource_id"] = r.ID
		act["sensitivity"] = string(r.Sensitivity)
		act["protocol"] = string(r.Protocol)
	}
	return act
}

// hostOnly strips a :port suffix when present so CIDR checks accept both
// bare addresses and host:port peer addresses.
func hostOnly(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

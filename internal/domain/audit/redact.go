package audit

import "strings"

// sensitiveKeywords lists substrings that mark an argument key as sensitive
// regardless of policy. Comparison is case-insensitive.
var sensitiveKeywords = []string{
	"password", "secret", "token", "api_key", "apikey",
	"credential", "auth", "private_key", "privatekey", "ssn",
}

// FilterArguments returns a copy of args with every field named by the
// policy filter mask or matching the static deny-list removed. Fields are
// removed, not nulled, so the original values never reach the dispatched
// payload or the audit details. Nested maps are filtered recursively.
func FilterArguments(args map[string]any, mask []string) map[string]any {
	if len(args) == 0 {
		return map[string]any{}
	}

	masked := make(map[string]struct{}, len(mask))
	for _, field := range mask {
		masked[strings.ToLower(field)] = struct{}{}
	}

	return filterMap(args, masked)
}

// filterMap applies the deny rules to one nesting level.
func filterMap(args map[string]any, masked map[string]struct{}) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		if _, deny := masked[strings.ToLower(k)]; deny || isSensitiveKey(k) {
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = filterMap(nested, masked)
			continue
		}
		out[k] = v
	}
	return out
}

// isSensitiveKey checks if a key name indicates sensitive data.
func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, kw := range sensitiveKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

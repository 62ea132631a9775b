// Package ratelimit provides sliding-window rate limiting domain types.
package ratelimit

import (
	"fmt"
	"time"
)

// Config defines the sliding-window parameters for one key.
type Config struct {
	// Limit is the number of events admitted per window.
	Limit int
	// Window is the sliding window length.
	Window time.Duration
}

// Result contains the outcome of an admission check.
type Result struct {
	// Allowed indicates whether the request is admitted.
	Allowed bool
	// Remaining is the number of admissions left in the current window.
	Remaining int
	// ResetAt is when the oldest retained event leaves the window.
	ResetAt time.Time
	// RetryAfter is how long until the next request will be admitted.
	// Only meaningful when Allowed is false.
	RetryAfter time.Duration
}

// KeyType identifies the scope of a rate limit key.
type KeyType string

const (
	// KeyTypePrincipal scopes the limit per principal.
	KeyTypePrincipal KeyType = "principal"
	// KeyTypePrincipalCapability scopes the limit per principal+capability pair.
	KeyTypePrincipalCapability KeyType = "principal_capability"
	// KeyTypeGlobal is the optional process-wide limit.
	KeyTypeGlobal KeyType = "global"
)

// keyPrefix is the base prefix for all rate limit keys.
const keyPrefix = "ratelimit"

// FormatKey returns a structured rate limit key.
// Format: "ratelimit:{type}:{value}"
func FormatKey(keyType KeyType, value string) string {
	return fmt.Sprintf("%s:%s:%s", keyPrefix, keyType, value)
}

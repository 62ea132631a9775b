package policy

import (
	"context"
	"time"
)

// Engine produces a Decision for a DecisionInput.
//
// Implementations must be fail-closed: evaluator errors, timeouts, and
// unreachable bundle stores all yield deny, never allow.
type Engine interface {
	// Decide evaluates the active bundle against the input.
	Decide(ctx context.Context, in *DecisionInput) (Decision, error)
}

// DecisionCache is a TTL-bounded cache of decisions keyed by the canonical
// SHA-256 of the DecisionInput, prefixed with the bundle generation.
type DecisionCache interface {
	// Get returns the cached decision for key, or ok=false on miss.
	Get(ctx context.Context, key string) (Decision, bool, error)
	// Set stores a decision under key for at most ttl.
	Set(ctx context.Context, key string, d Decision, ttl time.Duration) error
}

// BundleStore fetches the active policy bundle and its metadata.
type BundleStore interface {
	// Fetch returns the current bundle. Implementations return the same
	// version until the bundle is replaced.
	Fetch(ctx context.Context) (*Bundle, error)
}

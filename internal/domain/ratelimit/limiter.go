package ratelimit

import "context"

// Limiter is the admission check applied before policy evaluation.
//
// Implementations use a sliding window: at each check, events older than
// now-window are evicted, then the request is admitted iff the retained
// count is below the limit. Reset time is the oldest retained event plus
// the window.
type Limiter interface {
	// Allow atomically records and checks one event for key under config.
	Allow(ctx context.Context, key string, config Config) (Result, error)
}

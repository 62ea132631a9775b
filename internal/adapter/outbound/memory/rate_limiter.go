package memory

import (
	"context"
	"sync"
	"time"

	"github.com/apathy-ca/sark-sub006/internal/domain/ratelimit"
)

// staleAfter is how long an idle key's window is retained before cleanup.
const staleAfter = 10 * time.Minute

// RateLimiter is a per-process sliding-window limiter. It backs single-node
// deployments and serves as the degraded-mode fallback when the shared store
// is unreachable; limits are then per process, not fleet-wide.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time

	lastSweep time.Time
}

type window struct {
	admissions []time.Time
	lastSeen   time.Time
}

var _ ratelimit.Limiter = (*RateLimiter)(nil)

// NewRateLimiter creates an empty limiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

// Allow records an admission attempt for key and reports whether it is
// within config's window limit. Denied attempts do not consume capacity.
func (l *RateLimiter) Allow(ctx context.Context, key string, config ratelimit.Config) (ratelimit.Result, error) {
	now := l.now()
	windowStart := now.Add(-config.Window)

	l.mu.Lock()
	defer l.mu.Unlock()

	l.sweepLocked(now)

	w, ok := l.windows[key]
	if !ok {
		w = &window{}
		l.windows[key] = w
	}
	w.lastSeen = now

	// Drop admissions that have left the window.
	kept := w.admissions[:0]
	for _, t := range w.admissions {
		if t.After(windowStart) {
			kept = append(kept, t)
		}
	}
	w.admissions = kept

	if len(w.admissions) >= config.Limit {
		resetAt := w.admissions[0].Add(config.Window)
		retryAfter := resetAt.Sub(now)
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		return ratelimit.Result{
			Allowed:    false,
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: retryAfter,
		}, nil
	}

	w.admissions = append(w.admissions, now)
	return ratelimit.Result{
		Allowed:   true,
		Remaining: config.Limit - len(w.admissions),
		ResetAt:   now.Add(config.Window),
	}, nil
}

// sweepLocked removes idle keys. Runs at most once per minute.
func (l *RateLimiter) sweepLocked(now time.Time) {
	if now.Sub(l.lastSweep) < time.Minute {
		return
	}
	l.lastSweep = now
	for key, w := range l.windows {
		if now.Sub(w.lastSeen) > staleAfter {
			delete(l.windows, key)
		}
	}
}

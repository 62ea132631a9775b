package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/apathy-ca/sark-sub006/internal/domain/ratelimit"
)

// RateLimiter is a sliding-window limiter on the shared store. Each key maps
// to a sorted set of admission timestamps; a request is admitted when the
// count of entries within the trailing window is below the limit.
//
// The admission is written before the count is read back in the same
// pipeline, so two concurrent requests racing for the last slot cannot both
// be admitted.
type RateLimiter struct {
	client *redis.Client
	now    func() time.Time
}

var _ ratelimit.Limiter = (*RateLimiter)(nil)

// NewRateLimiter creates a sliding-window limiter on the given client.
func NewRateLimiter(client *redis.Client) *RateLimiter {
	return &RateLimiter{client: client, now: time.Now}
}

// Allow records an admission attempt for key and reports whether it is
// within config's window limit. Store errors are returned so the caller can
// apply its degraded-mode policy.
func (l *RateLimiter) Allow(ctx context.Context, key string, config ratelimit.Config) (ratelimit.Result, error) {
	now := l.now()
	windowStart := now.Add(-config.Window)
	member := fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString())

	pipe := l.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", windowStart.UnixNano()))
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: member})
	countCmd := pipe.ZCard(ctx, key)
	oldestCmd := pipe.ZRangeWithScores(ctx, key, 0, 0)
	pipe.Expire(ctx, key, config.Window+time.Second)

	if _, err := pipe.Exec(ctx); err != nil {
		return ratelimit.Result{}, fmt.Errorf("rate limit store: %w", err)
	}

	count := countCmd.Val()
	if count > int64(config.Limit) {
		// Over limit: remove our own entry so denied attempts do not consume
		// window capacity, then report when the oldest admission expires.
		_ = l.client.ZRem(ctx, key, member).Err()

		resetAt := now.Add(config.Window)
		if oldest := oldestCmd.Val(); len(oldest) > 0 {
			resetAt = time.Unix(0, int64(oldest[0].Score)).Add(config.Window)
		}
		retryAfter := time.Until(resetAt)
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

	return ratelimit.Result{
		Allowed:   true,
		Remaining: config.Limit - int(count),
		ResetAt:   now.Add(config.Window),
	}, nil
}

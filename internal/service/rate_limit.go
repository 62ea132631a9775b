package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/apathy-ca/sark-sub006/internal/domain/fault"
	"github.com/apathy-ca/sark-sub006/internal/domain/ratelimit"
	"github.com/apathy-ca/sark-sub006/internal/metrics"
)

// RateLimitService applies the sliding-window admission checks before
// policy evaluation. Two scopes must both pass: the per-principal window
// and the per-principal-capability window.
//
// The shared limiter is authoritative. When it is unreachable the service
// falls back to a per-process local limiter with the (smaller) fallback
// quota; with no fallback quota configured, store failure denies.
type RateLimitService struct {
	shared   ratelimit.Limiter
	fallback ratelimit.Limiter // nil when no fallback quota is configured
	metrics  *metrics.Metrics
	logger   *slog.Logger

	defaults      ratelimit.Config
	fallbackQuota ratelimit.Config
}

// NewRateLimitService creates the admission service. fallback may be nil.
func NewRateLimitService(shared, fallback ratelimit.Limiter, defaults, fallbackQuota ratelimit.Config, m *metrics.Metrics, logger *slog.Logger) *RateLimitService {
	return &RateLimitService{
		shared:        shared,
		fallback:      fallback,
		metrics:       m,
		logger:        logger.With("component", "rate_limit"),
		defaults:      defaults,
		fallbackQuota: fallbackQuota,
	}
}

// Check admits or denies one request for the principal and capability.
// A deny in either scope does not consume quota in the other beyond the
// admission already recorded by the sliding window itself.
func (s *RateLimitService) Check(ctx context.Context, principalID, capabilityID string) error {
	if err := s.checkKey(ctx, ratelimit.KeyTypePrincipal, principalID); err != nil {
		return err
	}
	pair := fmt.Sprintf("%s:%s", principalID, capabilityID)
	return s.checkKey(ctx, ratelimit.KeyTypePrincipalCapability, pair)
}

// checkKey runs one scope against the shared limiter, falling back locally
// when the store is unreachable.
func (s *RateLimitService) checkKey(ctx context.Context, keyType ratelimit.KeyType, value string) error {
	key := ratelimit.FormatKey(keyType, value)

	result, err := s.shared.Allow(ctx, key, s.defaults)
	if err != nil {
		if s.fallback == nil {
			s.metrics.RateLimitDenials.WithLabelValues(string(keyType)).Inc()
			return fault.Wrap(fault.KindRateLimited, "rate limit store unavailable", err)
		}
		s.logger.Warn("shared rate limiter unavailable, using local fallback quota",
			"key_type", keyType, "error", err)
		result, err = s.fallback.Allow(ctx, key, s.fallbackQuota)
		if err != nil {
			s.metrics.RateLimitDenials.WithLabelValues(string(keyType)).Inc()
			return fault.Wrap(fault.KindRateLimited, "rate limit fallback failed", err)
		}
	}

	if !result.Allowed {
		s.metrics.RateLimitDenials.WithLabelValues(string(keyType)).Inc()
		return &fault.Error{
			Kind:       fault.KindRateLimited,
			Reason:     fmt.Sprintf("rate limit exceeded for %s", keyType),
			RetryAfter: retryAfterFloor(result.RetryAfter),
		}
	}
	return nil
}

// retryAfterFloor clamps retry hints to at least one second so callers do
// not hot-loop.
func retryAfterFloor(d time.Duration) time.Duration {
	if d < time.Second {
		return time.Second
	}
	return d
}

package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/apathy-ca/sark-sub006/internal/domain/policy"
)

// decisionKeyPrefix namespaces decision entries in the shared store.
const decisionKeyPrefix = "decision:"

// DecisionCache is the shared tier of the decision cache, backed by Redis
// with per-entry TTLs. Keys carry the bundle generation, so a bundle reload
// orphans old entries rather than racing a flush.
type DecisionCache struct {
	client *redis.Client
}

var _ policy.DecisionCache = (*DecisionCache)(nil)

// NewDecisionCache creates a shared decision cache on the given client.
func NewDecisionCache(client *redis.Client) *DecisionCache {
	return &DecisionCache{client: client}
}

// Get returns the cached decision for key, or ok=false on miss. Store errors
// are returned so the caller can treat the tier as unavailable without
// failing the request.
func (c *DecisionCache) Get(ctx context.Context, key string) (policy.Decision, bool, error) {
	raw, err := c.client.Get(ctx, decisionKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return policy.Decision{}, false, nil
	}
	if err != nil {
		return policy.Decision{}, false, fmt.Errorf("shared cache get: %w", err)
	}

	var d policy.Decision
	if err := json.Unmarshal(raw, &d); err != nil {
		// Treat undecodable entries as a miss; they age out by TTL.
		return policy.Decision{}, false, nil
	}
	return d, true, nil
}

// Set stores a decision under key for at most ttl.
func (c *DecisionCache) Set(ctx context.Context, key string, d policy.Decision, ttl time.Duration) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("shared cache encode: %w", err)
	}
	if err := c.client.Set(ctx, decisionKeyPrefix+key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("shared cache set: %w", err)
	}
	return nil
}

package service

import (
	"context"
	"sync"
	"time"

	"github.com/apathy-ca/sark-sub006/internal/domain/policy"
)

// lruEntry is a doubly-linked list node for the local decision cache.
type lruEntry struct {
	key       string
	decision  policy.Decision
	expiresAt time.Time
	prev      *lruEntry
	next      *lruEntry
}

// LocalDecisionCache is the in-process tier of the decision cache: a
// bounded LRU with per-entry TTL. Thread-safe with Mutex (both Get and Set
// mutate LRU order). Get never returns an error; the local tier cannot be
// unavailable.
type LocalDecisionCache struct {
	mu      sync.Mutex
	entries map[string]*lruEntry
	head    *lruEntry // most recently used
	tail    *lruEntry // least recently used
	maxSize int
	now     func() time.Time
}

var _ policy.DecisionCache = (*LocalDecisionCache)(nil)

// NewLocalDecisionCache creates an LRU cache with the given max size.
func NewLocalDecisionCache(maxSize int) *LocalDecisionCache {
	return &LocalDecisionCache{
		entries: make(map[string]*lruEntry, maxSize),
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Get retrieves a cached decision. Expired entries are removed on access.
// On hit, the entry is promoted to the head (most recently used).
func (c *LocalDecisionCache) Get(ctx context.Context, key string) (policy.Decision, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return policy.Decision{}, false, nil
	}
	if !c.now().Before(e.expiresAt) {
		c.unlinkLocked(e)
		delete(c.entries, key)
		return policy.Decision{}, false, nil
	}
	c.moveToHeadLocked(e)
	return e.decision, true, nil
}

// Set stores a decision under key for at most ttl. If at capacity, the
// least recently used entry is evicted.
func (c *LocalDecisionCache) Set(ctx context.Context, key string, d policy.Decision, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := c.now().Add(ttl)
	if e, ok := c.entries[key]; ok {
		e.decision = d
		e.expiresAt = expiresAt
		c.moveToHeadLocked(e)
		return nil
	}

	if len(c.entries) >= c.maxSize {
		c.evictTailLocked()
	}

	e := &lruEntry{key: key, decision: d, expiresAt: expiresAt}
	c.entries[key] = e
	c.pushHeadLocked(e)
	return nil
}

// Clear empties the cache. Called on bundle reload.
func (c *LocalDecisionCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*lruEntry, c.maxSize)
	c.head = nil
	c.tail = nil
}

// Size returns the current entry count.
func (c *LocalDecisionCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// moveToHeadLocked moves an existing entry to the head. Lock must be held.
func (c *LocalDecisionCache) moveToHeadLocked(e *lruEntry) {
	if c.head == e {
		return
	}
	c.unlinkLocked(e)
	c.pushHeadLocked(e)
}

// pushHeadLocked inserts an entry at the head. Lock must be held.
func (c *LocalDecisionCache) pushHeadLocked(e *lruEntry) {
	e.prev = nil
	e.next = c.head
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

// unlinkLocked removes an entry from the linked list. Lock must be held.
func (c *LocalDecisionCache) unlinkLocked(e *lruEntry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
	e.prev = nil
	e.next = nil
}

// evictTailLocked removes the least recently used entry. Lock must be held.
func (c *LocalDecisionCache) evictTailLocked() {
	if c.tail == nil {
		return
	}
	delete(c.entries, c.tail.key)
	c.unlinkLocked(c.tail)
}

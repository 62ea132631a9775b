package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/apathy-ca/sark-sub006/internal/domain/policy"
)

func TestLocalDecisionCacheHitAndMiss(t *testing.T) {
	t.Parallel()

	cache := NewLocalDecisionCache(10)
	ctx := context.Background()

	if _, ok, err := cache.Get(ctx, "absent"); ok || err != nil {
		t.Fatalf("Get(absent) = ok=%v err=%v, want miss", ok, err)
	}

	want := policy.Decision{Allow: true, Reason: "allowed by policy readers"}
	if err := cache.Set(ctx, "k1", want, time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, ok, err := cache.Get(ctx, "k1")
	if err != nil || !ok {
		t.Fatalf("Get(k1) = ok=%v err=%v, want hit", ok, err)
	}
	if got.Reason != want.Reason || !got.Allow {
		t.Errorf("Get(k1) = %+v, want %+v", got, want)
	}
}

func TestLocalDecisionCacheExpiry(t *testing.T) {
	t.Parallel()

	cache := NewLocalDecisionCache(10)
	now := time.Now()
	cache.now = func() time.Time { return now }
	ctx := context.Background()

	if err := cache.Set(ctx, "k1", policy.Decision{Allow: true}, time.Minute); err != nil {
		t.Fatal(err)
	}

	now = now.Add(59 * time.Second)
	if _, ok, _ := cache.Get(ctx, "k1"); !ok {
		t.Error("entry expired before its TTL")
	}

	now = now.Add(2 * time.Second)
	if _, ok, _ := cache.Get(ctx, "k1"); ok {
		t.Error("entry survived past its TTL")
	}
	if cache.Size() != 0 {
		t.Errorf("Size() = %d after expiry, want 0", cache.Size())
	}
}

func TestLocalDecisionCacheEvictsLRU(t *testing.T) {
	t.Parallel()

	cache := NewLocalDecisionCache(3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		key := fmt.Sprintf("k%d", i)
		if err := cache.Set(ctx, key, policy.Decision{Reason: key}, time.Minute); err != nil {
			t.Fatal(err)
		}
	}

	// Touch k0 so k1 becomes the least recently used.
	if _, ok, _ := cache.Get(ctx, "k0"); !ok {
		t.Fatal("k0 missing before eviction")
	}
	if err := cache.Set(ctx, "k3", policy.Decision{Reason: "k3"}, time.Minute); err != nil {
		t.Fatal(err)
	}

	if _, ok, _ := cache.Get(ctx, "k1"); ok {
		t.Error("k1 should have been evicted as least recently used")
	}
	for _, key := range []string{"k0", "k2", "k3"} {
		if _, ok, _ := cache.Get(ctx, key); !ok {
			t.Errorf("%s missing, want present", key)
		}
	}
	if cache.Size() != 3 {
		t.Errorf("Size() = %d, want 3", cache.Size())
	}
}

func TestLocalDecisionCacheClear(t *testing.T) {
	t.Parallel()

	cache := NewLocalDecisionCache(10)
	ctx := context.Background()
	if err := cache.Set(ctx, "k1", policy.Decision{}, time.Minute); err != nil {
		t.Fatal(err)
	}

	cache.Clear()
	if cache.Size() != 0 {
		t.Errorf("Size() = %d after Clear, want 0", cache.Size())
	}
	if _, ok, _ := cache.Get(ctx, "k1"); ok {
		t.Error("Get(k1) hit after Clear")
	}
}

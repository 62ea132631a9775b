package memory

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/apathy-ca/sark-sub006/internal/domain/audit"
	"github.com/apathy-ca/sark-sub006/internal/domain/fault"
	"github.com/apathy-ca/sark-sub006/internal/domain/policy"
	"github.com/apathy-ca/sark-sub006/internal/domain/principal"
	"github.com/apathy-ca/sark-sub006/internal/domain/ratelimit"
)

func TestBundleStoreFetchAndReplace(t *testing.T) {
	t.Parallel()

	store := NewBundleStore(nil)
	if _, err := store.Fetch(context.Background()); err == nil {
		t.Error("Fetch() with no bundle = nil error, want error")
	}

	store.Replace(&policy.Bundle{Version: "v1"})
	b, err := store.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if b.Version != "v1" {
		t.Errorf("Version = %q, want v1", b.Version)
	}

	store.Replace(&policy.Bundle{Version: "v2"})
	b, _ = store.Fetch(context.Background())
	if b.Version != "v2" {
		t.Errorf("Version after replace = %q, want v2", b.Version)
	}
}

func TestLoadBundleFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "bundle.yaml")
	content := `
version: "2026-03-01"
rules:
  - name: dev-read
    priority: 100
    effect: allow
    principal:
      roles: ["developer"]
    action:
      operations: ["read"]
  - name: deny-critical
    priority: 200
    effect: deny
    resource:
      sensitivities: ["critical"]
    condition: 'trust_level != "trusted"'
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	bundle, err := LoadBundleFile(path)
	if err != nil {
		t.Fatalf("LoadBundleFile() error = %v", err)
	}
	if bundle.Version != "2026-03-01" {
		t.Errorf("Version = %q, want 2026-03-01", bundle.Version)
	}
	if len(bundle.Rules) != 2 {
		t.Fatalf("Rules = %d, want 2", len(bundle.Rules))
	}
	if bundle.Rules[1].Effect != policy.EffectDeny {
		t.Errorf("Rules[1].Effect = %q, want deny", bundle.Rules[1].Effect)
	}
	if bundle.Rules[0].Principal.Roles[0] != "developer" {
		t.Errorf("Rules[0].Principal.Roles = %v, want [developer]", bundle.Rules[0].Principal.Roles)
	}
}

func TestLoadBundleFileMissingVersion(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "bundle.yaml")
	if err := os.WriteFile(path, []byte("rules: []\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadBundleFile(path); err == nil {
		t.Error("LoadBundleFile() without version = nil error, want error")
	}
}

func TestCatalogSnapshotAndReplace(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "catalog.yaml")
	content := `
resources:
  - id: github
    name: GitHub
    protocol: mcp
    endpoint: https://mcp.github.example.com
    sensitivity: medium
    status: active
capabilities:
  - id: github.read_file
    resource_id: github
    name: read_file
    idempotent: true
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	catalog, err := LoadCatalogFile(path)
	if err != nil {
		t.Fatalf("LoadCatalogFile() error = %v", err)
	}

	resources, capabilities, err := catalog.Snapshot(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(resources) != 1 || resources[0].ID != "github" {
		t.Errorf("resources = %+v, want one github entry", resources)
	}
	if len(capabilities) != 1 || !capabilities[0].Idempotent {
		t.Errorf("capabilities = %+v, want one idempotent entry", capabilities)
	}

	catalog.Replace(nil, nil)
	resources, capabilities, _ = catalog.Snapshot(context.Background())
	if len(resources) != 0 || len(capabilities) != 0 {
		t.Error("Snapshot() after Replace(nil, nil) not empty")
	}
}

func TestKeyStoreLookup(t *testing.T) {
	t.Parallel()

	hash := principal.HashKey("sark_test_key")
	store := NewKeyStore(&principal.APIKey{ID: "key-1", Hash: hash, PrincipalID: "svc-1"})

	got, err := store.GetByHash(context.Background(), hash)
	if err != nil {
		t.Fatalf("GetByHash() error = %v", err)
	}
	if got.PrincipalID != "svc-1" {
		t.Errorf("PrincipalID = %q, want svc-1", got.PrincipalID)
	}

	_, err = store.GetByHash(context.Background(), "sha256:nope")
	if fault.KindOf(err) != fault.KindNotFound {
		t.Errorf("GetByHash() missing kind = %v, want KindNotFound", fault.KindOf(err))
	}

	all, err := store.List(context.Background())
	if err != nil || len(all) != 1 {
		t.Errorf("List() = (%v, %v), want 1 key", all, err)
	}
}

func TestAuditStoreDeduplicates(t *testing.T) {
	t.Parallel()

	store := NewAuditStore()
	ev := audit.Event{ID: "ev-1", PrincipalID: "user-1"}
	if err := store.Append(context.Background(), ev, ev); err != nil {
		t.Fatal(err)
	}
	if err := store.Append(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	if store.Len() != 1 {
		t.Errorf("Len() = %d, want 1", store.Len())
	}
}

func TestRateLimiterSlidingWindow(t *testing.T) {
	t.Parallel()

	limiter := NewRateLimiter()
	base := time.Now()
	now := base
	limiter.now = func() time.Time { return now }

	cfg := ratelimit.Config{Limit: 2, Window: 10 * time.Second}
	key := ratelimit.FormatKey(ratelimit.KeyTypePrincipal, "user-1")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := limiter.Allow(ctx, key, cfg)
		if err != nil || !res.Allowed {
			t.Fatalf("Allow() #%d = (%+v, %v), want allowed", i+1, res, err)
		}
	}

	res, _ := limiter.Allow(ctx, key, cfg)
	if res.Allowed {
		t.Fatal("Allow() over limit = allowed, want denied")
	}
	if res.RetryAfter <= 0 {
		t.Errorf("RetryAfter = %v, want positive", res.RetryAfter)
	}

	// Denied attempts must not extend the window.
	now = base.Add(11 * time.Second)
	res, _ = limiter.Allow(ctx, key, cfg)
	if !res.Allowed {
		t.Error("Allow() after window elapsed = denied, want allowed")
	}
}

func TestRateLimiterKeysIndependent(t *testing.T) {
	t.Parallel()

	limiter := NewRateLimiter()
	cfg := ratelimit.Config{Limit: 1, Window: time.Minute}
	ctx := context.Background()

	if res, _ := limiter.Allow(ctx, "ratelimit:principal:a", cfg); !res.Allowed {
		t.Fatal("first key denied")
	}
	if res, _ := limiter.Allow(ctx, "ratelimit:principal:b", cfg); !res.Allowed {
		t.Error("second key denied, want independent windows")
	}
}

func TestRateLimiterSweepsIdleKeys(t *testing.T) {
	t.Parallel()

	limiter := NewRateLimiter()
	base := time.Now()
	now := base
	limiter.now = func() time.Time { return now }
	cfg := ratelimit.Config{Limit: 1, Window: time.Second}
	ctx := context.Background()

	if _, err := limiter.Allow(ctx, "ratelimit:principal:idle", cfg); err != nil {
		t.Fatal(err)
	}

	now = base.Add(staleAfter + 2*time.Minute)
	if _, err := limiter.Allow(ctx, "ratelimit:principal:other", cfg); err != nil {
		t.Fatal(err)
	}

	limiter.mu.Lock()
	_, exists := limiter.windows["ratelimit:principal:idle"]
	limiter.mu.Unlock()
	if exists {
		t.Error("idle key survived sweep")
	}
}

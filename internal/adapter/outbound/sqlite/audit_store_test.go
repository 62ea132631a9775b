package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/apathy-ca/sark-sub006/internal/domain/audit"
)

func newTestStore(t *testing.T) *AuditStore {
	t.Helper()
	store, err := NewAuditStore(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("NewAuditStore() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func sampleEvent(principalID string, ts time.Time) audit.Event {
	return audit.Event{
		ID:            uuid.NewString(),
		Timestamp:     ts,
		EventType:     audit.EventTypeInvocation,
		Severity:      audit.SeverityLow,
		PrincipalID:   principalID,
		PrincipalType: "human",
		ResourceID:    "github",
		CapabilityID:  "github.read_file",
		Decision:      audit.DecisionAllow,
		RequestID:     uuid.NewString(),
		Success:       true,
		LatencyMS:     12,
	}
}

func TestAppendAndQuery(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	events := []audit.Event{
		sampleEvent("user-1", now.Add(-2*time.Minute)),
		sampleEvent("user-1", now.Add(-1*time.Minute)),
		sampleEvent("user-2", now),
	}
	if err := store.Append(ctx, events...); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	got, err := store.Query(ctx, "user-1", now.Add(-time.Hour), now.Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Query() returned %d events, want 2", len(got))
	}
	// Newest first.
	if !got[0].Timestamp.After(got[1].Timestamp) {
		t.Error("Query() order: want newest first")
	}
	if got[0].CapabilityID != "github.read_file" {
		t.Errorf("CapabilityID = %q, want github.read_file", got[0].CapabilityID)
	}
}

func TestAppendIdempotentOnID(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	ev := sampleEvent("user-3", now)
	if err := store.Append(ctx, ev); err != nil {
		t.Fatal(err)
	}
	// Redelivery of the same event must not duplicate the row.
	if err := store.Append(ctx, ev); err != nil {
		t.Fatal(err)
	}

	got, err := store.Query(ctx, "user-3", now.Add(-time.Minute), now.Add(time.Minute), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Errorf("Query() returned %d events after redelivery, want 1", len(got))
	}
}

func TestAppendEmptyBatch(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	if err := store.Append(context.Background()); err != nil {
		t.Errorf("Append() with no events error = %v, want nil", err)
	}
}

func TestPurgeRespectsRetention(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	expired := sampleEvent("user-4", now.Add(-48*time.Hour))
	expired.RetentionUntil = now.Add(-time.Hour)
	kept := sampleEvent("user-4", now)
	kept.RetentionUntil = now.Add(24 * time.Hour)
	forever := sampleEvent("user-4", now)

	if err := store.Append(ctx, expired, kept, forever); err != nil {
		t.Fatal(err)
	}

	purged, err := store.Purge(ctx, now)
	if err != nil {
		t.Fatalf("Purge() error = %v", err)
	}
	if purged != 1 {
		t.Errorf("Purge() = %d rows, want 1", purged)
	}

	got, err := store.Query(ctx, "user-4", now.Add(-72*time.Hour), now.Add(time.Hour), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("Query() after purge = %d events, want 2", len(got))
	}
}

func TestEventPayloadRoundTrip(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	ev := sampleEvent("user-5", now)
	ev.ActionParameters = map[string]any{"repo": "core"}
	ev.Details = map[string]any{"adapter": "mcp"}
	ev.Cost = 0.042

	if err := store.Append(ctx, ev); err != nil {
		t.Fatal(err)
	}
	got, err := store.Query(ctx, "user-5", now.Add(-time.Minute), now.Add(time.Minute), 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("Query() = %d events, want 1", len(got))
	}
	if got[0].ID != ev.ID || got[0].Cost != ev.Cost {
		t.Errorf("round trip = %+v, want %+v", got[0], ev)
	}
	if got[0].ActionParameters["repo"] != "core" {
		t.Errorf("ActionParameters = %v, want repo=core", got[0].ActionParameters)
	}
}

// Package sqlite provides the durable append-only audit store.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/apathy-ca/sark-sub006/internal/domain/audit"
)

// schema is applied on open. The events table is append-only; the full
// record is kept as JSON alongside indexed columns for querying.
const schema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id              TEXT PRIMARY KEY,
	timestamp       TEXT NOT NULL,
	event_type      TEXT NOT NULL,
	severity        TEXT NOT NULL,
	principal_id    TEXT NOT NULL,
	resource_id     TEXT,
	capability_id   TEXT,
	decision        TEXT NOT NULL,
	request_id      TEXT NOT NULL,
	success         INTEGER NOT NULL,
	retention_until TEXT,
	payload         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_events(timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_principal ON audit_events(principal_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_request ON audit_events(request_id);
`

// AuditStore persists audit events to a local SQLite database. Appends are
// idempotent on event id, so at-least-once redelivery never duplicates rows.
type AuditStore struct {
	db *sql.DB
}

var _ audit.Store = (*AuditStore)(nil)

// NewAuditStore opens (creating if needed) the database at path and applies
// the schema.
func NewAuditStore(path string) (*AuditStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit store: %w", err)
	}
	// Single writer; SQLite serializes writes anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply audit schema: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	return &AuditStore{db: db}, nil
}

// Append writes a batch of events in one transaction.
func (s *AuditStore) Append(ctx context.Context, events ...audit.Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin audit tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO audit_events
		(id, timestamp, event_type, severity, principal_id, resource_id,
		 capability_id, decision, request_id, success, retention_until, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare audit insert: %w", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encode audit event %s: %w", ev.ID, err)
		}
		var retention string
		if !ev.RetentionUntil.IsZero() {
			retention = ev.RetentionUntil.UTC().Format(time.RFC3339)
		}
		if _, err := stmt.ExecContext(ctx,
			ev.ID,
			ev.Timestamp.UTC().Format(time.RFC3339Nano),
			ev.EventType,
			string(ev.Severity),
			ev.PrincipalID,
			ev.ResourceID,
			ev.CapabilityID,
			ev.Decision,
			ev.RequestID,
			boolToInt(ev.Success),
			retention,
			string(payload),
		); err != nil {
			return fmt.Errorf("insert audit event %s: %w", ev.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit audit tx: %w", err)
	}
	return nil
}

// Query returns events for a principal in a time range, newest first.
func (s *AuditStore) Query(ctx context.Context, principalID string, from, to time.Time, limit int) ([]audit.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM audit_events
		WHERE principal_id = ? AND timestamp >= ? AND timestamp < ?
		ORDER BY timestamp DESC LIMIT ?`,
		principalID,
		from.UTC().Format(time.RFC3339Nano),
		to.UTC().Format(time.RFC3339Nano),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var events []audit.Event
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		var ev audit.Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return nil, fmt.Errorf("decode audit event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Purge deletes events whose retention period has elapsed. Returns the
// number of rows removed.
func (s *AuditStore) Purge(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM audit_events
		WHERE retention_until != '' AND retention_until < ?`,
		now.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("purge audit events: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the underlying database.
func (s *AuditStore) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

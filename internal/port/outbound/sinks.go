package outbound

import (
	"context"

	"github.com/apathy-ca/sark-sub006/internal/domain/audit"
)

// Sink delivers batches of audit events to one downstream SIEM receiver.
//
// Delivery is at-least-once; receivers deduplicate on event id. Send is
// called by a single worker per sink, so implementations need not be safe
// for concurrent Send calls.
type Sink interface {
	// Name identifies the sink in logs and metrics.
	Name() string
	// Send delivers one batch. A returned error triggers retry and feeds
	// the per-sink circuit breaker.
	Send(ctx context.Context, events []audit.Event) error
}

package siem

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/apathy-ca/sark-sub006/internal/domain/audit"
	"github.com/apathy-ca/sark-sub006/internal/port/outbound"
)

// LogsAPISink delivers audit events as a JSON array to a generic logs
// ingestion API (Datadog-style). Payloads above the compression threshold
// are gzip-compressed.
type LogsAPISink struct {
	name      string
	endpoint  string
	auth      string
	threshold int
	client    *http.Client
}

var _ outbound.Sink = (*LogsAPISink)(nil)

// NewLogsAPISink creates a logs-API sink. auth is sent verbatim as the
// Authorization header (typically "Bearer <token>").
func NewLogsAPISink(name, endpoint, auth string, compressionThreshold int) *LogsAPISink {
	return &LogsAPISink{
		name:      name,
		endpoint:  endpoint,
		auth:      auth,
		threshold: compressionThreshold,
		client:    &http.Client{Timeout: defaultHTTPTimeout},
	}
}

// Name identifies the sink in logs and metrics.
func (s *LogsAPISink) Name() string { return s.name }

// Send delivers one batch of events.
func (s *LogsAPISink) Send(ctx context.Context, events []audit.Event) error {
	if len(events) == 0 {
		return nil
	}

	records := make([]logRecord, len(events))
	for i, ev := range events {
		records[i] = logRecord{
			Source:  "sark",
			Service: "gateway",
			Time:    ev.Timestamp.UTC().Format(time.RFC3339Nano),
			Event:   ev,
		}
	}
	payload, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("encode logs batch: %w", err)
	}

	return postJSON(ctx, s.client, s.endpoint, s.auth, payload, s.threshold)
}

// logRecord is one entry of a logs-API batch.
type logRecord struct {
	Source  string      `json:"ddsource"`
	Service string      `json:"service"`
	Time    string      `json:"timestamp"`
	Event   audit.Event `json:"event"`
}

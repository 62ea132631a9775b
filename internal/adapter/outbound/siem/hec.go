// Package siem provides downstream audit sinks: an HEC-style collector
// client and a generic JSON logs-API client. Sinks only deliver one batch
// per call; batching, retry, and circuit breaking live in the fan-out
// service driving them.
package siem

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/apathy-ca/sark-sub006/internal/domain/audit"
	"github.com/apathy-ca/sark-sub006/internal/port/outbound"
)

// defaultHTTPTimeout bounds one delivery attempt.
const defaultHTTPTimeout = 10 * time.Second

// HECSink delivers audit events to a Splunk-compatible HTTP Event Collector.
// Each batch is posted as newline-delimited envelopes; payloads above the
// compression threshold are gzip-compressed.
type HECSink struct {
	name      string
	endpoint  string
	auth      string
	threshold int
	client    *http.Client
}

var _ outbound.Sink = (*HECSink)(nil)

// NewHECSink creates an HEC sink. auth is sent verbatim as the Authorization
// header (typically "Splunk <token>"). compressionThreshold is in bytes.
func NewHECSink(name, endpoint, auth string, compressionThreshold int) *HECSink {
	return &HECSink{
		name:      name,
		endpoint:  endpoint,
		auth:      auth,
		threshold: compressionThreshold,
		client:    &http.Client{Timeout: defaultHTTPTimeout},
	}
}

// Name identifies the sink in logs and metrics.
func (s *HECSink) Name() string { return s.name }

// Send delivers one batch of events.
func (s *HECSink) Send(ctx context.Context, events []audit.Event) error {
	if len(events) == 0 {
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, ev := range events {
		envelope := map[string]any{
			"time":       float64(ev.Timestamp.UnixMilli()) / 1000,
			"sourcetype": "sark:audit",
			"event":      ev,
		}
		if err := enc.Encode(envelope); err != nil {
			return fmt.Errorf("encode hec event %s: %w", ev.ID, err)
		}
	}

	return postJSON(ctx, s.client, s.endpoint, s.auth, buf.Bytes(), s.threshold)
}

// postJSON posts a payload with optional gzip compression and classifies the
// response. 2xx succeeds; anything else is an error that feeds retry and the
// sink's circuit breaker.
func postJSON(ctx context.Context, client *http.Client, endpoint, auth string, payload []byte, threshold int) error {
	body := payload
	compressed := false
	if threshold > 0 && len(payload) > threshold {
		var zbuf bytes.Buffer
		zw := gzip.NewWriter(&zbuf)
		if _, err := zw.Write(payload); err != nil {
			return fmt.Errorf("compress payload: %w", err)
		}
		if err := zw.Close(); err != nil {
			return fmt.Errorf("compress payload: %w", err)
		}
		body = zbuf.Bytes()
		compressed = true
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	if compressed {
		req.Header.Set("Content-Encoding", "gzip")
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver batch: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("deliver batch: status %d", resp.StatusCode)
	}
	return nil
}

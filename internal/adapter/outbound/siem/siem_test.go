package siem

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/apathy-ca/sark-sub006/internal/domain/audit"
)

func testEvents(n int) []audit.Event {
	events := make([]audit.Event, n)
	for i := range events {
		events[i] = audit.Event{
			ID:          uuid.NewString(),
			Timestamp:   time.Date(2026, 3, 1, 12, 0, i, 0, time.UTC),
			EventType:   audit.EventTypeInvocation,
			Severity:    audit.SeverityLow,
			PrincipalID: "user-1",
			Decision:    audit.DecisionAllow,
			RequestID:   uuid.NewString(),
			Success:     true,
		}
	}
	return events
}

func TestHECSinkSend(t *testing.T) {
	t.Parallel()

	var gotAuth string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := NewHECSink("splunk", srv.URL, "Splunk tok-123", 0)
	if sink.Name() != "splunk" {
		t.Errorf("Name() = %q, want splunk", sink.Name())
	}

	events := testEvents(3)
	if err := sink.Send(context.Background(), events); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if gotAuth != "Splunk tok-123" {
		t.Errorf("Authorization = %q, want Splunk tok-123", gotAuth)
	}

	// Newline-delimited envelopes, one per event.
	sc := bufio.NewScanner(bytes.NewReader(gotBody))
	var lines int
	for sc.Scan() {
		var envelope struct {
			Sourcetype string      `json:"sourcetype"`
			Event      audit.Event `json:"event"`
		}
		if err := json.Unmarshal(sc.Bytes(), &envelope); err != nil {
			t.Fatalf("line %d: %v", lines, err)
		}
		if envelope.Sourcetype != "sark:audit" {
			t.Errorf("sourcetype = %q, want sark:audit", envelope.Sourcetype)
		}
		if envelope.Event.ID != events[lines].ID {
			t.Errorf("line %d event id = %q, want %q", lines, envelope.Event.ID, events[lines].ID)
		}
		lines++
	}
	if lines != 3 {
		t.Errorf("body lines = %d, want 3", lines)
	}
}

func TestHECSinkCompressesAboveThreshold(t *testing.T) {
	t.Parallel()

	var gotEncoding string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotEncoding = r.Header.Get("Content-Encoding")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := NewHECSink("splunk", srv.URL, "", 64)
	if err := sink.Send(context.Background(), testEvents(10)); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if gotEncoding != "gzip" {
		t.Fatalf("Content-Encoding = %q, want gzip", gotEncoding)
	}

	zr, err := gzip.NewReader(bytes.NewReader(gotBody))
	if err != nil {
		t.Fatalf("gzip.NewReader() error = %v", err)
	}
	plain, err := io.ReadAll(zr)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(plain), "sark:audit") {
		t.Error("decompressed body missing envelope fields")
	}
}

func TestHECSinkSmallPayloadNotCompressed(t *testing.T) {
	t.Parallel()

	var gotEncoding string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotEncoding = r.Header.Get("Content-Encoding")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := NewHECSink("splunk", srv.URL, "", 1<<20)
	if err := sink.Send(context.Background(), testEvents(1)); err != nil {
		t.Fatal(err)
	}
	if gotEncoding != "" {
		t.Errorf("Content-Encoding = %q, want empty", gotEncoding)
	}
}

func TestHECSinkServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	sink := NewHECSink("splunk", srv.URL, "", 0)
	err := sink.Send(context.Background(), testEvents(1))
	if err == nil {
		t.Fatal("Send() error = nil, want status error")
	}
	if !strings.Contains(err.Error(), "503") {
		t.Errorf("error = %v, want status 503", err)
	}
}

func TestHECSinkEmptyBatch(t *testing.T) {
	t.Parallel()

	sink := NewHECSink("splunk", "http://127.0.0.1:1", "", 0)
	if err := sink.Send(context.Background(), nil); err != nil {
		t.Errorf("Send() with empty batch error = %v, want nil", err)
	}
}

func TestLogsAPISinkSend(t *testing.T) {
	t.Parallel()

	var gotAuth string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	sink := NewLogsAPISink("datadog", srv.URL, "Bearer tok-456", 0)
	events := testEvents(2)
	if err := sink.Send(context.Background(), events); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if gotAuth != "Bearer tok-456" {
		t.Errorf("Authorization = %q, want Bearer tok-456", gotAuth)
	}

	var records []logRecord
	if err := json.Unmarshal(gotBody, &records); err != nil {
		t.Fatalf("body decode: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}
	if records[0].Source != "sark" || records[0].Service != "gateway" {
		t.Errorf("record tags = %+v, want source=sark service=gateway", records[0])
	}
	if records[1].Event.ID != events[1].ID {
		t.Errorf("record event id = %q, want %q", records[1].Event.ID, events[1].ID)
	}
}

func TestLogsAPISinkContextCancelled(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server starts its background read and
		// observes the client disconnect; otherwise Close deadlocks.
		_, _ = io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	sink := NewLogsAPISink("datadog", srv.URL, "", 0)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := sink.Send(ctx, testEvents(1)); err == nil {
		t.Error("Send() with cancelled context = nil error, want error")
	}
}

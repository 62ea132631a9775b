package fault

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestKindOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"classified", New(KindDenied, "policy says no"), KindDenied},
		{"wrapped classified", fmt.Errorf("stage: %w", New(KindRateLimited, "slow down")), KindRateLimited},
		{"unclassified", errors.New("boom"), KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestErrorMessage(t *testing.T) {
	t.Parallel()

	err := New(KindBudgetExceeded, "daily ceiling reached")
	if got := err.Error(); got != "budget_exceeded: daily ceiling reached" {
		t.Errorf("Error() = %q", got)
	}

	bare := &Error{Kind: KindTimeout}
	if got := bare.Error(); got != "timeout" {
		t.Errorf("Error() = %q", got)
	}
}

func TestSafeMessage_NeverLeaksCause(t *testing.T) {
	t.Parallel()

	cause := errors.New("pq: duplicate key value violates unique constraint")
	wrapped := Wrap(KindInternal, "request failed", cause)

	msg := SafeMessage(wrapped)
	if msg != "internal_error: request failed" {
		t.Errorf("SafeMessage() = %q", msg)
	}

	// Unclassified errors collapse to a stable string.
	if got := SafeMessage(cause); got != "internal error" {
		t.Errorf("SafeMessage(unclassified) = %q", got)
	}
}

func TestRetryAfterOf(t *testing.T) {
	t.Parallel()

	err := &Error{Kind: KindRateLimited, Reason: "limit hit", RetryAfter: 3 * time.Second}
	if got := RetryAfterOf(fmt.Errorf("limiter: %w", err)); got != 3*time.Second {
		t.Errorf("RetryAfterOf() = %v", got)
	}
	if got := RetryAfterOf(errors.New("plain")); got != 0 {
		t.Errorf("RetryAfterOf(plain) = %v", got)
	}
}

func TestUnwrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("conn refused")
	err := Wrap(KindUpstream, "backend unavailable", cause)
	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the wrapped cause")
	}
}

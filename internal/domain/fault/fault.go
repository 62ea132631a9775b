// Package fault defines the gateway error taxonomy.
//
// Every error crossing the pipeline boundary is classified into a Kind.
// Unknown conditions collapse to KindInternal, which is fail-closed at the
// gateway: the request is denied and audited, never silently allowed.
package fault

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a gateway error.
type Kind string

const (
	// KindAuth indicates an invalid, expired, or malformed principal token.
	KindAuth Kind = "auth_error"
	// KindNotFound indicates a missing capability or resource.
	KindNotFound Kind = "not_found"
	// KindDenied indicates a policy deny decision.
	KindDenied Kind = "denied"
	// KindRateLimited indicates the rate limiter rejected the request.
	KindRateLimited Kind = "rate_limited"
	// KindBudgetExceeded indicates cost admission rejected the request.
	KindBudgetExceeded Kind = "budget_exceeded"
	// KindValidation indicates the request does not satisfy the capability input schema.
	KindValidation Kind = "validation_error"
	// KindCircuitOpen indicates the circuit breaker for the target is open.
	KindCircuitOpen Kind = "circuit_open"
	// KindUpstream indicates the backend returned an error through the adapter.
	KindUpstream Kind = "upstream_error"
	// KindTimeout indicates the request deadline was exceeded.
	KindTimeout Kind = "timeout"
	// KindInternal is the fail-closed catch-all for unclassified errors.
	KindInternal Kind = "internal_error"
)

// Error is a classified gateway error. It carries a stable machine-readable
// code (Kind), a human-readable reason, and optional retry guidance.
type Error struct {
	// Kind classifies the error.
	Kind Kind
	// Reason is a human-readable explanation safe to surface to callers.
	Reason string
	// RetryAfter is how long the caller should wait before retrying.
	// Zero means no retry guidance.
	RetryAfter time.Duration
	// RequestID correlates the error with the audit trail.
	RequestID string
	// PolicyTrace lists the policy rules evaluated for deny decisions.
	PolicyTrace []string
	// Err is the wrapped cause, never surfaced to callers.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Reason == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error.
func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// Wrap classifies an existing error. The cause is retained for logging but
// never included in the caller-facing reason.
func Wrap(kind Kind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

// KindOf returns the Kind of err, or KindInternal when err is not a
// classified error. A nil err has no kind and returns "".
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// RetryAfterOf returns the retry-after hint carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.RetryAfter
	}
	return 0
}

// SafeMessage returns a caller-facing message for err. Classified errors
// surface their reason; everything else collapses to a stable string so
// upstream payload fragments never leak.
func SafeMessage(err error) string {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Error()
	}
	return "internal error"
}

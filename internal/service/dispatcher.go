package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"

	"github.com/apathy-ca/sark-sub006/internal/ctxkey"
	"github.com/apathy-ca/sark-sub006/internal/domain/audit"
	"github.com/apathy-ca/sark-sub006/internal/domain/fault"
	"github.com/apathy-ca/sark-sub006/internal/domain/registry"
	"github.com/apathy-ca/sark-sub006/internal/metrics"
	"github.com/apathy-ca/sark-sub006/internal/port/outbound"
)

// defaultMaxConcurrency bounds in-flight invocations per resource when the
// catalog does not set one.
const defaultMaxConcurrency = 64

// BreakerSettings tune the per-resource circuit breakers.
type BreakerSettings struct {
	// FailureThreshold is the consecutive failures before opening.
	FailureThreshold int
	// Cooldown is how long an open breaker waits before half-open.
	Cooldown time.Duration
	// HalfOpenProbes is the number of trial requests in half-open.
	HalfOpenProbes int
}

// RetrySettings tune retries of idempotent invocations.
type RetrySettings struct {
	// MaxAttempts is the total attempts including the first.
	MaxAttempts int
	// BaseDelay is the first backoff step; subsequent steps double.
	BaseDelay time.Duration
	// MaxDelay caps the backoff.
	MaxDelay time.Duration
}

// Dispatcher routes admitted invocations to the protocol adapter owning the
// target resource. Each (protocol, resource) pair gets a circuit breaker
// and a concurrency semaphore; idempotent capabilities retry transient
// upstream failures with jittered exponential backoff.
type Dispatcher struct {
	metrics *metrics.Metrics
	logger  *slog.Logger
	emitter EventEmitter // nil disables lifecycle audit events

	breakerCfg BreakerSettings
	retryCfg   RetrySettings

	mu         sync.RWMutex
	adapters   map[registry.Protocol]outbound.Adapter
	breakers   map[string]*gobreaker.CircuitBreaker
	semaphores map[string]*semaphore.Weighted
}

// NewDispatcher creates the dispatcher. emitter may be nil.
func NewDispatcher(breakerCfg BreakerSettings, retryCfg RetrySettings, m *metrics.Metrics, emitter EventEmitter, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		metrics:    m,
		logger:     logger.With("component", "dispatcher"),
		emitter:    emitter,
		breakerCfg: breakerCfg,
		retryCfg:   retryCfg,
		adapters:   make(map[registry.Protocol]outbound.Adapter),
		breakers:   make(map[string]*gobreaker.CircuitBreaker),
		semaphores: make(map[string]*semaphore.Weighted),
	}
}

// Register adds an adapter for its protocol and runs its lifecycle hook.
// Registering a protocol twice is a programming error.
func (d *Dispatcher) Register(ctx context.Context, adapter outbound.Adapter) error {
	d.mu.Lock()
	if _, exists := d.adapters[adapter.Protocol()]; exists {
		d.mu.Unlock()
		return fmt.Errorf("adapter for protocol %q already registered", adapter.Protocol())
	}
	d.adapters[adapter.Protocol()] = adapter
	d.mu.Unlock()

	if err := adapter.OnRegistered(ctx); err != nil {
		d.mu.Lock()
		delete(d.adapters, adapter.Protocol())
		d.mu.Unlock()
		return fmt.Errorf("adapter %q registration hook: %w", adapter.Protocol(), err)
	}

	d.emitLifecycle(adapter.Protocol(), "registered")
	return nil
}

// Unregister removes the adapter for a protocol and runs its lifecycle hook.
func (d *Dispatcher) Unregister(ctx context.Context, protocol registry.Protocol) error {
	d.mu.Lock()
	adapter, ok := d.adapters[protocol]
	if ok {
		delete(d.adapters, protocol)
	}
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("no adapter registered for protocol %q", protocol)
	}

	if err := adapter.OnUnregistered(ctx); err != nil {
		d.logger.Warn("adapter unregister hook failed", "protocol", protocol, "error", err)
	}
	d.emitLifecycle(protocol, "unregistered")
	return nil
}

// adapterFor returns the adapter serving the resource's protocol.
func (d *Dispatcher) adapterFor(res *registry.Resource) (outbound.Adapter, error) {
	d.mu.RLock()
	adapter, ok := d.adapters[res.Protocol]
	d.mu.RUnlock()
	if !ok {
		return nil, fault.New(fault.KindInternal, fmt.Sprintf("no adapter for protocol %q", res.Protocol))
	}
	return adapter, nil
}

// Invoke performs one unary dispatch through breaker, semaphore, and
// (for idempotent capabilities) the retry loop.
func (d *Dispatcher) Invoke(ctx context.Context, req outbound.InvokeRequest) (outbound.InvokeResult, error) {
	adapter, err := d.adapterFor(req.Resource)
	if err != nil {
		return outbound.InvokeResult{}, err
	}
	if err := adapter.Validate(ctx, req); err != nil {
		return outbound.InvokeResult{}, err
	}

	release, err := d.acquire(ctx, req.Resource)
	if err != nil {
		return outbound.InvokeResult{}, err
	}
	defer release()

	if req.Capability.InvokeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Capability.InvokeTimeout)
		defer cancel()
	}

	return withRetry(ctx, d, d.maxAttempts(req.Capability.Idempotent), func() (outbound.InvokeResult, error) {
		return throughBreaker(d, req.Resource, func() (outbound.InvokeResult, error) {
			return adapter.Invoke(ctx, req)
		})
	}, func(attempt int, err error) {
		ctxkey.Logger(ctx, d.logger).Debug("retrying idempotent invocation",
			"resource", req.Resource.ID, "capability", req.Capability.ID,
			"attempt", attempt, "error", err)
	})
}

// InvokeStream opens a streaming dispatch. Streams never retry: a broken
// stream is surfaced to the caller, who decides whether to reissue.
func (d *Dispatcher) InvokeStream(ctx context.Context, req outbound.InvokeRequest) (<-chan outbound.StreamFrame, error) {
	adapter, err := d.adapterFor(req.Resource)
	if err != nil {
		return nil, err
	}
	if err := adapter.Validate(ctx, req); err != nil {
		return nil, err
	}

	release, err := d.acquire(ctx, req.Resource)
	if err != nil {
		return nil, err
	}

	frames, err := throughBreaker(d, req.Resource, func() (<-chan outbound.StreamFrame, error) {
		return adapter.InvokeStream(ctx, req)
	})
	if err != nil {
		release()
		return nil, err
	}

	// Hold the concurrency slot until the stream drains.
	out := make(chan outbound.StreamFrame)
	go func() {
		defer release()
		defer close(out)
		for frame := range frames {
			select {
			case out <- frame:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// HealthCheck probes one resource through its adapter. Probes are
// idempotent and share the invocation retry policy.
func (d *Dispatcher) HealthCheck(ctx context.Context, res *registry.Resource) (bool, error) {
	adapter, err := d.adapterFor(res)
	if err != nil {
		return false, err
	}
	return withRetry(ctx, d, d.maxAttempts(true), func() (bool, error) {
		return adapter.HealthCheck(ctx, res)
	}, func(attempt int, err error) {
		ctxkey.Logger(ctx, d.logger).Debug("retrying health check",
			"resource", res.ID, "attempt", attempt, "error", err)
	})
}

// maxAttempts returns the attempt budget for one idempotent or
// non-idempotent call.
func (d *Dispatcher) maxAttempts(idempotent bool) int {
	if idempotent && d.retryCfg.MaxAttempts > 1 {
		return d.retryCfg.MaxAttempts
	}
	return 1
}

// withRetry runs fn up to attempts times, sleeping a jittered backoff
// between tries. Only upstream faults retry; ctx bounds the backoff.
func withRetry[T any](ctx context.Context, d *Dispatcher, attempts int, fn func() (T, error), onRetry func(attempt int, err error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, d.backoff(attempt)); err != nil {
				return zero, fault.Wrap(fault.KindTimeout, "dispatch cancelled during retry backoff", err)
			}
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !retryable(err) {
			break
		}
		onRetry(attempt+1, err)
	}
	return zero, lastErr
}

// acquire takes a concurrency slot for the resource, respecting ctx.
func (d *Dispatcher) acquire(ctx context.Context, res *registry.Resource) (func(), error) {
	sem := d.semaphoreFor(res)
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, fault.Wrap(fault.KindTimeout, "concurrency slot unavailable", err)
	}
	gauge := d.metrics.AdapterInFlight.WithLabelValues(res.ID)
	gauge.Inc()
	var once sync.Once
	return func() {
		once.Do(func() {
			gauge.Dec()
			sem.Release(1)
		})
	}, nil
}

func (d *Dispatcher) semaphoreFor(res *registry.Resource) *semaphore.Weighted {
	d.mu.Lock()
	defer d.mu.Unlock()
	sem, ok := d.semaphores[res.ID]
	if !ok {
		limit := res.MaxConcurrency
		if limit <= 0 {
			limit = defaultMaxConcurrency
		}
		sem = semaphore.NewWeighted(int64(limit))
		d.semaphores[res.ID] = sem
	}
	return sem
}

// breakerFor returns the breaker guarding one (protocol, resource) target.
func (d *Dispatcher) breakerFor(res *registry.Resource) *gobreaker.CircuitBreaker {
	target := fmt.Sprintf("%s/%s", res.Protocol, res.ID)

	d.mu.Lock()
	defer d.mu.Unlock()
	cb, ok := d.breakers[target]
	if !ok {
		threshold := uint32(d.breakerCfg.FailureThreshold)
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        target,
			MaxRequests: uint32(d.breakerCfg.HalfOpenProbes),
			Timeout:     d.breakerCfg.Cooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				d.metrics.BreakerTransitions.WithLabelValues(name, to.String()).Inc()
				d.logger.Warn("breaker state change", "target", name, "from", from, "to", to)
			},
			IsSuccessful: func(err error) bool {
				// Only upstream faults and timeouts count against the
				// breaker; a validation error says nothing about backend
				// health.
				switch fault.KindOf(err) {
				case "", fault.KindValidation, fault.KindNotFound, fault.KindDenied:
					return true
				default:
					return false
				}
			},
		})
		d.breakers[target] = cb
	}
	return cb
}

// throughBreaker runs fn behind the resource's circuit breaker, mapping
// breaker rejections to the circuit-open fault.
func throughBreaker[T any](d *Dispatcher, res *registry.Resource, fn func() (T, error)) (T, error) {
	cb := d.breakerFor(res)
	raw, err := cb.Execute(func() (any, error) { return fn() })
	if err != nil {
		var zero T
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, &fault.Error{
				Kind:       fault.KindCircuitOpen,
				Reason:     fmt.Sprintf("circuit open for %s", res.ID),
				RetryAfter: d.breakerCfg.Cooldown,
				Err:        err,
			}
		}
		return zero, err
	}
	result, _ := raw.(T)
	return result, nil
}

// backoff returns the jittered delay before the attempt-th retry.
func (d *Dispatcher) backoff(attempt int) time.Duration {
	delay := d.retryCfg.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay > d.retryCfg.MaxDelay {
			delay = d.retryCfg.MaxDelay
			break
		}
	}
	if delay <= 0 {
		return 0
	}
	// Full jitter keeps synchronized retries from stampeding a recovering
	// backend.
	return time.Duration(rand.Int63n(int64(delay))) + delay/2
}

// retryable reports whether an invocation error may be retried.
func retryable(err error) bool {
	switch fault.KindOf(err) {
	case fault.KindUpstream:
		return true
	default:
		return false
	}
}

// sleepCtx sleeps for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// emitLifecycle records adapter registration changes in the audit trail.
func (d *Dispatcher) emitLifecycle(protocol registry.Protocol, change string) {
	if d.emitter == nil {
		return
	}
	d.emitter.Emit(audit.Event{
		ID:            uuid.NewString(),
		Timestamp:     time.Now().UTC(),
		EventType:     audit.EventTypeAdapterLifecycle,
		Severity:      audit.SeverityLow,
		PrincipalID:   "system",
		PrincipalType: "service",
		Decision:      audit.DecisionAllow,
		Reason:        fmt.Sprintf("adapter %s %s", protocol, change),
		RequestID:     uuid.NewString(),
		Success:       true,
		Details:       map[string]any{"protocol": string(protocol), "change": change},
	})
}

package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/apathy-ca/sark-sub006/internal/domain/audit"
	"github.com/apathy-ca/sark-sub006/internal/domain/policy"
)

// EventEmitter enqueues audit events without blocking the caller.
type EventEmitter interface {
	// Emit returns false when the event was dropped.
	Emit(event audit.Event) bool
}

// BundleLoader polls the bundle store and swaps new versions into the PDP.
// Fetch failures keep the previous bundle active and back off exponentially;
// the loader never clears a working bundle because the store went away.
type BundleLoader struct {
	store   policy.BundleStore
	pdp     *PDP
	emitter EventEmitter // nil disables reload audit events
	logger  *slog.Logger

	interval    time.Duration
	backoffBase time.Duration
	backoffCap  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewBundleLoader creates a loader polling at the given interval.
func NewBundleLoader(store policy.BundleStore, pdp *PDP, emitter EventEmitter, interval time.Duration, logger *slog.Logger) *BundleLoader {
	ctx, cancel := context.WithCancel(context.Background())
	return &BundleLoader{
		store:       store,
		pdp:         pdp,
		emitter:     emitter,
		logger:      logger.With("component", "bundle_loader"),
		interval:    interval,
		backoffBase: time.Second,
		backoffCap:  time.Minute,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start performs the initial load synchronously and then polls in the
// background. A failed initial load is not fatal: the PDP simply denies
// everything until a bundle arrives.
func (l *BundleLoader) Start(ctx context.Context) error {
	if err := l.loadOnce(ctx); err != nil {
		l.logger.Error("initial bundle load failed, denying all until a bundle loads", "error", err)
	}

	l.wg.Add(1)
	go l.poll()
	return nil
}

// Close stops polling and waits for the poll goroutine to exit.
func (l *BundleLoader) Close() {
	l.once.Do(func() {
		l.cancel()
		l.wg.Wait()
	})
}

// poll fetches on the configured interval, stretching the wait after
// consecutive failures.
func (l *BundleLoader) poll() {
	defer l.wg.Done()

	failures := 0
	timer := time.NewTimer(l.interval)
	defer timer.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-timer.C:
		}

		if err := l.loadOnce(l.ctx); err != nil {
			failures++
			delay := l.backoffDelay(failures)
			l.logger.Warn("bundle fetch failed",
				"error", err, "consecutive_failures", failures, "retry_in", delay)
			timer.Reset(delay)
			continue
		}
		failures = 0
		timer.Reset(l.interval)
	}
}

// loadOnce fetches the bundle and activates it when the version changed.
func (l *BundleLoader) loadOnce(ctx context.Context) error {
	bundle, err := l.store.Fetch(ctx)
	if err != nil {
		return err
	}

	previous := l.pdp.BundleVersion()
	if bundle.Version == previous {
		return nil
	}

	l.pdp.SetBundle(bundle)
	l.emitReload(previous, bundle)
	return nil
}

// emitReload records the bundle swap in the audit trail.
func (l *BundleLoader) emitReload(previous string, bundle *policy.Bundle) {
	if l.emitter == nil {
		return
	}
	l.emitter.Emit(audit.Event{
		ID:            uuid.NewString(),
		Timestamp:     time.Now().UTC(),
		EventType:     audit.EventTypeBundleReload,
		Severity:      audit.SeverityMedium,
		PrincipalID:   "system",
		PrincipalType: "service",
		Decision:      audit.DecisionAllow,
		Reason:        "policy bundle replaced",
		PolicyVersion: bundle.Version,
		RequestID:     uuid.NewString(),
		Success:       true,
		Details: map[string]any{
			"previous_version": previous,
			"rule_count":       len(bundle.Rules),
		},
	})
}

// backoffDelay doubles from the base per consecutive failure, capped.
func (l *BundleLoader) backoffDelay(failures int) time.Duration {
	delay := l.backoffBase
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay > l.backoffCap {
			return l.backoffCap
		}
	}
	if delay > l.backoffCap {
		return l.backoffCap
	}
	return delay
}

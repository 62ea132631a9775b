package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/apathy-ca/sark-sub006/internal/domain/audit"
	"github.com/apathy-ca/sark-sub006/internal/metrics"
)

// AuditEmitter decouples the request path from audit persistence: Emit is a
// non-blocking enqueue onto a bounded queue, and a single writer goroutine
// drains it in batches to the store.
//
// Overflow evicts the oldest queued event and counts the drop; the newest
// event is retained and the pipeline is never allowed to block on a slow
// audit store. Durability-critical deployments size the queue so drops only
// occur when the store is down outright.
type AuditEmitter struct {
	store   audit.Store
	metrics *metrics.Metrics
	logger  *slog.Logger

	queue     chan audit.Event
	batchSize int
	flushTick time.Duration

	subscribers []func([]audit.Event)

	wg      sync.WaitGroup
	once    sync.Once
	closing chan struct{}
}

var _ EventEmitter = (*AuditEmitter)(nil)

// NewAuditEmitter creates the emitter. Call Start before Emit.
func NewAuditEmitter(store audit.Store, queueCapacity, batchSize int, flushTick time.Duration, m *metrics.Metrics, logger *slog.Logger) *AuditEmitter {
	return &AuditEmitter{
		store:     store,
		metrics:   m,
		logger:    logger.With("component", "audit"),
		queue:     make(chan audit.Event, queueCapacity),
		batchSize: batchSize,
		flushTick: flushTick,
		closing:   make(chan struct{}),
	}
}

// Subscribe registers a batch observer, called by the writer goroutine
// after each persisted batch. Used by the SIEM fan-out. Must be called
// before Start.
func (e *AuditEmitter) Subscribe(fn func([]audit.Event)) {
	e.subscribers = append(e.subscribers, fn)
}

// Start launches the writer goroutine.
func (e *AuditEmitter) Start() {
	e.wg.Add(1)
	go e.writer()
}

// Emit enqueues one event. When the queue is full the oldest queued event
// is evicted and counted so the newest is retained. Returns false when the
// event could not be enqueued.
func (e *AuditEmitter) Emit(event audit.Event) bool {
	select {
	case <-e.closing:
		e.metrics.AuditDropsTotal.Inc()
		return false
	default:
	}
	select {
	case e.queue <- event:
		return true
	default:
	}

	// Full queue: make room by evicting from the head. The writer may win
	// the race for the head entry, which also frees a slot.
	select {
	case dropped := <-e.queue:
		e.metrics.AuditDropsTotal.Inc()
		e.logger.Error("audit queue full, oldest event dropped",
			"event_id", dropped.ID, "event_type", dropped.EventType)
	default:
	}
	select {
	case e.queue <- event:
		return true
	default:
		e.metrics.AuditDropsTotal.Inc()
		return false
	}
}

// Drain stops accepting events, flushes the queue, and waits for the
// writer to exit or the deadline to pass. The queue channel itself is
// never closed; a concurrent Emit losing the race drops instead of
// panicking.
func (e *AuditEmitter) Drain(deadline time.Duration) error {
	e.once.Do(func() {
		close(e.closing)
	})

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(deadline):
		return context.DeadlineExceeded
	}
}

// writer is the single consumer of the queue. It flushes on batch size or
// the flush interval, whichever comes first, and performs a final flush
// when the queue closes.
func (e *AuditEmitter) writer() {
	defer e.wg.Done()

	batch := make([]audit.Event, 0, e.batchSize)
	ticker := time.NewTicker(e.flushTick)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		e.persist(batch)
		batch = batch[:0]
	}

	for {
		select {
		case <-e.closing:
			// Drain whatever is already queued, then exit.
			for {
				select {
				case event := <-e.queue:
					batch = append(batch, event)
					if len(batch) >= e.batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		case event := <-e.queue:
			batch = append(batch, event)
			if len(batch) >= e.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// persist writes one batch and notifies subscribers. Store failures are
// logged and counted as drops; the writer keeps going.
func (e *AuditEmitter) persist(batch []audit.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.store.Append(ctx, batch...); err != nil {
		e.logger.Error("audit batch append failed",
			"events", len(batch), "error", err)
		for range batch {
			e.metrics.AuditDropsTotal.Inc()
		}
		return
	}

	if len(e.subscribers) > 0 {
		// Subscribers get their own copy; the writer reuses the batch slice.
		copied := make([]audit.Event, len(batch))
		copy(copied, batch)
		for _, fn := range e.subscribers {
			fn(copied)
		}
	}
}

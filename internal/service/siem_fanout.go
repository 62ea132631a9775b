package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/apathy-ca/sark-sub006/internal/domain/audit"
	"github.com/apathy-ca/sark-sub006/internal/metrics"
	"github.com/apathy-ca/sark-sub006/internal/port/outbound"
)

// SinkSettings tune one SIEM delivery worker.
type SinkSettings struct {
	// QueueCapacity bounds the per-sink backlog.
	QueueCapacity int
	// BatchSize is the max events per delivery.
	BatchSize int
	// FlushInterval flushes partial batches.
	FlushInterval time.Duration
	// RetryMax is the delivery attempts per batch including the first.
	RetryMax int
	// RetryBase is the first retry delay; doubles per attempt.
	RetryBase time.Duration
	// Breaker tunes the per-sink circuit breaker.
	Breaker BreakerSettings
}

// SIEMFanout forwards persisted audit batches to every configured sink.
// Each sink gets its own queue, worker, retry budget, and circuit breaker,
// so one slow receiver cannot stall the others. Delivery is at-least-once;
// a batch that exhausts its retries (or hits an open breaker) is dropped
// and counted, never blocking the audit writer.
type SIEMFanout struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	workers []*sinkWorker

	once sync.Once
}

// NewSIEMFanout creates the fan-out over the given sinks.
func NewSIEMFanout(sinks []outbound.Sink, settings map[string]SinkSettings, m *metrics.Metrics, logger *slog.Logger) *SIEMFanout {
	f := &SIEMFanout{
		logger:  logger.With("component", "siem"),
		metrics: m,
	}
	for _, sink := range sinks {
		cfg, ok := settings[sink.Name()]
		if !ok {
			cfg = SinkSettings{}
		}
		applySinkDefaults(&cfg)
		f.workers = append(f.workers, newSinkWorker(sink, cfg, m, f.logger))
	}
	return f
}

func applySinkDefaults(cfg *SinkSettings) {
	if cfg.QueueCapacity == 0 {
		cfg.QueueCapacity = 10_000
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	if cfg.RetryMax == 0 {
		cfg.RetryMax = 5
	}
	if cfg.RetryBase == 0 {
		cfg.RetryBase = 200 * time.Millisecond
	}
	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker.FailureThreshold = 5
	}
	if cfg.Breaker.Cooldown == 0 {
		cfg.Breaker.Cooldown = 30 * time.Second
	}
	if cfg.Breaker.HalfOpenProbes == 0 {
		cfg.Breaker.HalfOpenProbes = 1
	}
}

// Start launches one worker per sink.
func (f *SIEMFanout) Start() {
	for _, w := range f.workers {
		w.start()
	}
}

// Offer fans a persisted batch out to every sink queue. Signature matches
// AuditEmitter.Subscribe.
func (f *SIEMFanout) Offer(events []audit.Event) {
	for _, w := range f.workers {
		w.offer(events)
	}
}

// Drain flushes all sink queues within the deadline.
func (f *SIEMFanout) Drain(deadline time.Duration) error {
	var firstErr error
	f.once.Do(func() {
		var g errgroup.Group
		for _, w := range f.workers {
			g.Go(func() error { return w.drain(deadline) })
		}
		firstErr = g.Wait()
	})
	return firstErr
}

// sinkWorker owns delivery for one sink.
type sinkWorker struct {
	sink    outbound.Sink
	cfg     SinkSettings
	breaker *gobreaker.CircuitBreaker
	metrics *metrics.Metrics
	logger  *slog.Logger

	queue   chan audit.Event
	closing chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

func newSinkWorker(sink outbound.Sink, cfg SinkSettings, m *metrics.Metrics, logger *slog.Logger) *sinkWorker {
	w := &sinkWorker{
		sink:    sink,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With("sink", sink.Name()),
		queue:   make(chan audit.Event, cfg.QueueCapacity),
		closing: make(chan struct{}),
	}
	w.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "siem/" + sink.Name(),
		MaxRequests: uint32(cfg.Breaker.HalfOpenProbes),
		Timeout:     cfg.Breaker.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.Breaker.FailureThreshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			m.BreakerTransitions.WithLabelValues(name, to.String()).Inc()
		},
	})
	return w
}

func (w *sinkWorker) start() {
	w.wg.Add(1)
	go w.run()
}

// offer enqueues events, dropping (and counting) on overflow.
func (w *sinkWorker) offer(events []audit.Event) {
	for _, event := range events {
		select {
		case <-w.closing:
			w.metrics.SIEMDropsTotal.WithLabelValues(w.sink.Name()).Inc()
		default:
			select {
			case w.queue <- event:
			default:
				w.metrics.SIEMDropsTotal.WithLabelValues(w.sink.Name()).Inc()
			}
		}
	}
}

func (w *sinkWorker) drain(deadline time.Duration) error {
	w.once.Do(func() { close(w.closing) })

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(deadline):
		return context.DeadlineExceeded
	}
}

func (w *sinkWorker) run() {
	defer w.wg.Done()

	batch := make([]audit.Event, 0, w.cfg.BatchSize)
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.deliver(batch)
		batch = batch[:0]
	}

	for {
		select {
		case <-w.closing:
			for {
				select {
				case event := <-w.queue:
					batch = append(batch, event)
					if len(batch) >= w.cfg.BatchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		case event := <-w.queue:
			batch = append(batch, event)
			if len(batch) >= w.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// deliver sends one batch through the breaker with bounded retries. On
// final failure the batch is dropped and counted.
func (w *sinkWorker) deliver(batch []audit.Event) {
	var lastErr error
	for attempt := 0; attempt < w.cfg.RetryMax; attempt++ {
		if attempt > 0 {
			delay := w.cfg.RetryBase << (attempt - 1)
			select {
			case <-time.After(delay):
			case <-w.closing:
				// Shutting down: one last immediate try below.
			}
		}

		_, err := w.breaker.Execute(func() (any, error) {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return nil, w.sink.Send(ctx, batch)
		})
		if err == nil {
			return
		}
		lastErr = err

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			// Open breaker: retrying within this batch is pointless.
			break
		}
	}

	w.logger.Error("siem batch dropped after retries",
		"events", len(batch), "error", lastErr)
	for range batch {
		w.metrics.SIEMDropsTotal.WithLabelValues(w.sink.Name()).Inc()
	}
}

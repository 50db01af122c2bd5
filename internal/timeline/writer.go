package timeline

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/console/internal/model"
	"github.com/ashita-ai/console/internal/telemetry"
)

// maxQueueCapacity is the hard upper limit on queued writes.
// Beyond it new writes are dropped and counted.
const maxQueueCapacity = 10_000

// Upserter is the write half of MessageLog.
type Upserter interface {
	UpsertMessage(ctx context.Context, msg model.Message) error
}

// WriterConfig tunes the background writer.
type WriterConfig struct {
	// BatchSize triggers an early flush once this many writes are queued.
	BatchSize int
	// FlushInterval is the maximum time a write waits before being sent.
	FlushInterval time.Duration
	// Attempts is the number of tries per write before it is discarded.
	Attempts int
	// BaseDelay is the first retry backoff; it doubles per attempt.
	BaseDelay time.Duration
}

// Writer persists timeline messages in the background. Enqueue never
// blocks and never fails; a write that still fails after its retries is
// logged and discarded, since the in-memory Store stays authoritative for
// the session. One flush goroutine sends writes in enqueue order.
type Writer struct {
	log    Upserter
	logger *slog.Logger
	cfg    WriterConfig

	mu      sync.Mutex
	pending []model.Message

	dropped atomic.Int64 // writes rejected because the queue was full
	failed  atomic.Int64 // writes discarded after exhausting retries
	started atomic.Bool

	flushCh    chan struct{}
	done       chan struct{}
	cancelLoop context.CancelFunc
	drainCtx   context.Context
}

// NewWriter creates a writer. Call Start to begin flushing and Drain to stop.
func NewWriter(log Upserter, logger *slog.Logger, cfg WriterConfig) *Writer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 250 * time.Millisecond
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 100 * time.Millisecond
	}
	return &Writer{
		log:     log,
		logger:  logger,
		cfg:     cfg,
		flushCh: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Start begins the background flush loop and registers OTEL metrics.
// A second call is a no-op.
func (w *Writer) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		w.logger.Warn("timeline: writer already started")
		return
	}
	w.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancelLoop = cancel
	go w.flushLoop(loopCtx)
}

// Enqueue implements Persister.
func (w *Writer) Enqueue(msg model.Message) {
	w.mu.Lock()
	if len(w.pending) >= maxQueueCapacity {
		w.mu.Unlock()
		w.dropped.Add(1)
		w.logger.Error("timeline: write queue full, dropping write", "message_id", msg.ID)
		return
	}
	w.pending = append(w.pending, msg)
	full := len(w.pending) >= w.cfg.BatchSize
	w.mu.Unlock()

	if full {
		select {
		case w.flushCh <- struct{}{}:
		default:
		}
	}
}

func (w *Writer) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if w.drainCtx != nil {
				w.flush(w.drainCtx)
			} else {
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				w.flush(fallbackCtx)
				cancel()
			}
			close(w.done)
			return
		case <-ticker.C:
			w.flush(ctx)
		case <-w.flushCh:
			w.flush(ctx)
		}
	}
}

// coalesce keeps the last write per message id, at the position of that
// id's first write. Upserts are keyed by id, so earlier versions are moot.
func coalesce(batch []model.Message) []model.Message {
	pos := make(map[string]int, len(batch))
	out := make([]model.Message, 0, len(batch))
	for _, m := range batch {
		if i, ok := pos[m.ID]; ok {
			out[i] = m
			continue
		}
		pos[m.ID] = len(out)
		out = append(out, m)
	}
	return out
}

func (w *Writer) flush(ctx context.Context) {
	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	batch := w.pending
	w.pending = nil
	w.mu.Unlock()

	for _, msg := range coalesce(batch) {
		if err := w.upsertWithRetry(ctx, msg); err != nil {
			w.failed.Add(1)
			w.logger.Warn("timeline: persist failed, write discarded",
				"project_id", msg.ProjectID, "message_id", msg.ID, "error", err)
		}
	}
}

// upsertWithRetry retries with jittered exponential backoff. Context
// cancellation ends the retries early.
func (w *Writer) upsertWithRetry(ctx context.Context, msg model.Message) error {
	delay := w.cfg.BaseDelay
	var err error
	for attempt := range w.cfg.Attempts {
		err = w.log.UpsertMessage(ctx, msg)
		if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if attempt == w.cfg.Attempts-1 {
			break
		}
		jitter := time.Duration(rand.Int64N(int64(delay))) //nolint:gosec // jitter doesn't need crypto-strength randomness
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay + jitter):
		}
		delay *= 2
	}
	return err
}

// Drain stops the flush loop after a final flush. ctx bounds both the wait
// and the final flush. A writer that was never started flushes inline.
func (w *Writer) Drain(ctx context.Context) {
	if !w.started.Load() {
		w.flush(ctx)
		return
	}
	w.drainCtx = ctx
	if w.cancelLoop != nil {
		w.cancelLoop()
	}
	select {
	case <-w.done:
	case <-ctx.Done():
		w.logger.Warn("timeline: drain timed out waiting for writer")
	}
}

func (w *Writer) registerMetrics() {
	meter := telemetry.Meter("console/timeline")

	_, _ = meter.Int64ObservableGauge("console.timeline.write_queue_depth",
		metric.WithDescription("Current number of queued timeline writes"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(w.Len()))
			return nil
		}),
	)
	_, _ = meter.Int64ObservableGauge("console.timeline.writes_dropped_total",
		metric.WithDescription("Timeline writes dropped because the queue was full"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(w.Dropped())
			return nil
		}),
	)
	_, _ = meter.Int64ObservableGauge("console.timeline.writes_failed_total",
		metric.WithDescription("Timeline writes discarded after exhausting retries"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(w.Failed())
			return nil
		}),
	)
}

// Len returns the number of queued writes.
func (w *Writer) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Dropped returns the number of writes rejected because the queue was full.
func (w *Writer) Dropped() int64 {
	return w.dropped.Load()
}

// Failed returns the number of writes discarded after their retries.
func (w *Writer) Failed() int64 {
	return w.failed.Load()
}

// Package tswriter implements the Time-Series Writer: the durable sink for
// ticks, bars, and paper-broker orders. Writes are buffered in memory and
// flushed in batches, either when a batch fills or on a timer, to a primary
// Postgres store; if the primary is unreachable, the same batch is retried
// against a MySQL fallback before being re-queued at the head of the buffer
// for the next flush attempt. A hard-capped buffer drops the oldest entry
// on overflow rather than growing without bound.
package tswriter

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"tradepipeline/internal/config"
	"tradepipeline/pkg/metrics"
	"tradepipeline/pkg/types"
)

// Sink is a backend capable of persisting a batch of each row kind. Both
// the Postgres primary and the MySQL fallback implement it.
type Sink interface {
	InsertTicks(ctx context.Context, rows []types.Tick) error
	InsertBars(ctx context.Context, rows []types.Bar) error
	InsertOrders(ctx context.Context, rows []types.Order) error
	Ping(ctx context.Context) error
}

// rowKind tags a queued entry so one buffer can hold a mix of row types
// while still being flushed as per-kind batches.
type rowKind int

const (
	kindTick rowKind = iota
	kindBar
	kindOrder
)

type queuedRow struct {
	kind  rowKind
	tick  types.Tick
	bar   types.Bar
	order types.Order
}

// Writer buffers rows and flushes them to primary/fallback sinks.
type Writer struct {
	cfg      config.StoreConfig
	primary  Sink
	fallback Sink
	logger   *slog.Logger

	mu       sync.Mutex
	queue    []queuedRow
	dropped  int64
	lastFlushErr error

	flushNow chan struct{}
	done     chan struct{}
	stopped  chan struct{}
}

// New builds a Writer against the given primary/fallback sinks. Either may
// be nil, in which case that tier is treated as permanently unavailable.
func New(cfg config.StoreConfig, primary, fallback Sink, logger *slog.Logger) *Writer {
	w := &Writer{
		cfg:      cfg,
		primary:  primary,
		fallback: fallback,
		logger:   logger.With("component", "tswriter"),
		flushNow: make(chan struct{}, 1),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	return w
}

// Ping probes the primary store, falling back to the secondary if the
// primary is unreachable. Used by the control plane's boot probe, so a
// dead store fails startup before any order can be placed. Returns nil if
// neither tier is configured — there is nothing to probe.
func (w *Writer) Ping(ctx context.Context) error {
	if w.primary != nil {
		if err := w.primary.Ping(ctx); err == nil {
			return nil
		}
	}
	if w.fallback != nil {
		return w.fallback.Ping(ctx)
	}
	if w.primary == nil {
		return nil
	}
	return w.primary.Ping(ctx)
}

// Run flushes on a timer (cfg.FlushInterval) or whenever enqueue crosses
// cfg.BatchSize, until the context is cancelled. Run blocks; callers start
// it in a goroutine.
func (w *Writer) Run(ctx context.Context) {
	defer close(w.stopped)

	interval := w.cfg.FlushInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.flush(context.Background())
			return
		case <-w.done:
			w.flush(context.Background())
			return
		case <-ticker.C:
			w.flush(ctx)
		case <-w.flushNow:
			w.flush(ctx)
		}
	}
}

// Stop signals Run to perform one final flush and exit, and blocks until
// it has done so.
func (w *Writer) Stop() {
	close(w.done)
	<-w.stopped
}

// WriteTick implements aggregator.Sink's sibling for raw ticks: enqueues a
// tick for batched persistence. Controlled by cfg.PersistTicks — callers
// check that flag themselves since tick volume is much higher than bars.
func (w *Writer) WriteTick(t types.Tick) error {
	w.enqueue(queuedRow{kind: kindTick, tick: t})
	return nil
}

// WriteBar implements aggregator.Sink.
func (w *Writer) WriteBar(b types.Bar) error {
	w.enqueue(queuedRow{kind: kindBar, bar: b})
	return nil
}

// WriteOrder enqueues an order snapshot (paper or live) for persistence.
// Called on every state transition, not just terminal ones, so the stored
// history reflects partial fills.
func (w *Writer) WriteOrder(o types.Order) error {
	w.enqueue(queuedRow{kind: kindOrder, order: o})
	return nil
}

func (w *Writer) enqueue(row queuedRow) {
	w.mu.Lock()
	maxSize := w.cfg.MaxQueueSize
	if maxSize <= 0 {
		maxSize = 50000
	}
	if len(w.queue) >= maxSize {
		w.queue = w.queue[1:]
		w.dropped++
		metrics.WriteDropped.Inc()
	}
	w.queue = append(w.queue, row)
	shouldFlush := len(w.queue) >= w.cfg.BatchSize && w.cfg.BatchSize > 0
	metrics.WriteQueueDepth.Set(float64(len(w.queue)))
	w.mu.Unlock()

	if shouldFlush {
		select {
		case w.flushNow <- struct{}{}:
		default:
		}
	}
}

// Dropped returns the number of rows discarded due to buffer overflow.
func (w *Writer) Dropped() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dropped
}

// QueueDepth reports the current buffered row count, for health reporting.
func (w *Writer) QueueDepth() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

// flush drains the current queue and attempts to persist it, re-queuing at
// the head on failure so ordering between successive flush attempts is
// preserved and no batch is silently skipped.
func (w *Writer) flush(ctx context.Context) {
	w.mu.Lock()
	if len(w.queue) == 0 {
		w.mu.Unlock()
		return
	}
	batch := w.queue
	w.queue = nil
	metrics.WriteQueueDepth.Set(0)
	w.mu.Unlock()

	deadline := w.cfg.FlushDeadline
	if deadline <= 0 {
		deadline = 10 * time.Second
	}
	flushCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	if err := w.persist(flushCtx, batch); err != nil {
		w.logger.Warn("flush failed on both primary and fallback, re-queuing batch", "rows", len(batch), "error", err)
		w.mu.Lock()
		w.lastFlushErr = err
		w.queue = append(batch, w.queue...)
		maxSize := w.cfg.MaxQueueSize
		if maxSize <= 0 {
			maxSize = 50000
		}
		if len(w.queue) > maxSize {
			overflow := len(w.queue) - maxSize
			w.queue = w.queue[overflow:]
			w.dropped += int64(overflow)
			metrics.WriteDropped.Add(float64(overflow))
		}
		metrics.WriteQueueDepth.Set(float64(len(w.queue)))
		w.mu.Unlock()
	} else {
		w.mu.Lock()
		w.lastFlushErr = nil
		w.mu.Unlock()
	}
}

func (w *Writer) persist(ctx context.Context, batch []queuedRow) error {
	ticks, bars, orders := splitBatch(batch)

	if w.primary != nil && w.primary.Ping(ctx) == nil {
		if err := writeAll(ctx, w.primary, ticks, bars, orders); err == nil {
			return nil
		} else {
			metrics.WriteErrors.WithLabelValues("primary").Inc()
			w.logger.Warn("primary store write failed, falling back", "error", err)
		}
	}

	if w.fallback != nil {
		if err := writeAll(ctx, w.fallback, ticks, bars, orders); err == nil {
			return nil
		} else {
			metrics.WriteErrors.WithLabelValues("fallback").Inc()
			return err
		}
	}

	return errNoSinkAvailable
}

func writeAll(ctx context.Context, sink Sink, ticks []types.Tick, bars []types.Bar, orders []types.Order) error {
	if len(ticks) > 0 {
		if err := sink.InsertTicks(ctx, ticks); err != nil {
			return err
		}
	}
	if len(bars) > 0 {
		if err := sink.InsertBars(ctx, bars); err != nil {
			return err
		}
	}
	if len(orders) > 0 {
		if err := sink.InsertOrders(ctx, orders); err != nil {
			return err
		}
	}
	return nil
}

func splitBatch(batch []queuedRow) (ticks []types.Tick, bars []types.Bar, orders []types.Order) {
	for _, row := range batch {
		switch row.kind {
		case kindTick:
			ticks = append(ticks, row.tick)
		case kindBar:
			bars = append(bars, row.bar)
		case kindOrder:
			orders = append(orders, row.order)
		}
	}
	return
}

type sinkUnavailableError string

func (e sinkUnavailableError) Error() string { return string(e) }

const errNoSinkAvailable = sinkUnavailableError("no store sink available (primary and fallback both down)")

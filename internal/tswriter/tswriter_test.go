package tswriter

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"tradepipeline/internal/config"
	"tradepipeline/pkg/types"
)

type fakeSink struct {
	mu        sync.Mutex
	available bool
	ticks     []types.Tick
	bars      []types.Bar
	orders    []types.Order
	failNext  bool
}

func (f *fakeSink) Ping(ctx context.Context) error {
	if !f.available {
		return errors.New("unavailable")
	}
	return nil
}

func (f *fakeSink) InsertTicks(ctx context.Context, rows []types.Tick) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		return errors.New("insert failed")
	}
	f.ticks = append(f.ticks, rows...)
	return nil
}

func (f *fakeSink) InsertBars(ctx context.Context, rows []types.Bar) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		return errors.New("insert failed")
	}
	f.bars = append(f.bars, rows...)
	return nil
}

func (f *fakeSink) InsertOrders(ctx context.Context, rows []types.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		return errors.New("insert failed")
	}
	f.orders = append(f.orders, rows...)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(nilWriter{}, nil))
}

type nilWriter struct{}

func (nilWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestWriterFlushesToPrimary(t *testing.T) {
	primary := &fakeSink{available: true}
	cfg := config.StoreConfig{BatchSize: 100, FlushInterval: time.Hour, MaxQueueSize: 1000, FlushDeadline: time.Second}
	w := New(cfg, primary, nil, discardLogger())

	w.WriteTick(types.Tick{Symbol: "BTC-USD"})
	w.flush(context.Background())

	primary.mu.Lock()
	defer primary.mu.Unlock()
	if len(primary.ticks) != 1 {
		t.Fatalf("len(primary.ticks) = %d, want 1", len(primary.ticks))
	}
}

func TestWriterFallsBackWhenPrimaryDown(t *testing.T) {
	primary := &fakeSink{available: false}
	fallback := &fakeSink{available: true}
	cfg := config.StoreConfig{BatchSize: 100, FlushInterval: time.Hour, MaxQueueSize: 1000, FlushDeadline: time.Second}
	w := New(cfg, primary, fallback, discardLogger())

	w.WriteBar(types.Bar{Symbol: "BTC-USD"})
	w.flush(context.Background())

	fallback.mu.Lock()
	defer fallback.mu.Unlock()
	if len(fallback.bars) != 1 {
		t.Fatalf("len(fallback.bars) = %d, want 1", len(fallback.bars))
	}
}

func TestWriterRequeuesOnTotalFailure(t *testing.T) {
	cfg := config.StoreConfig{BatchSize: 100, FlushInterval: time.Hour, MaxQueueSize: 1000, FlushDeadline: time.Second}
	w := New(cfg, nil, nil, discardLogger())

	w.WriteTick(types.Tick{Symbol: "BTC-USD"})
	w.flush(context.Background())

	if w.QueueDepth() != 1 {
		t.Fatalf("QueueDepth() = %d, want 1 (re-queued)", w.QueueDepth())
	}
}

func TestWriterDropsOldestOnOverflow(t *testing.T) {
	cfg := config.StoreConfig{BatchSize: 0, FlushInterval: time.Hour, MaxQueueSize: 2, FlushDeadline: time.Second}
	w := New(cfg, nil, nil, discardLogger())

	w.WriteTick(types.Tick{Symbol: "A"})
	w.WriteTick(types.Tick{Symbol: "B"})
	w.WriteTick(types.Tick{Symbol: "C"})

	if w.QueueDepth() != 2 {
		t.Fatalf("QueueDepth() = %d, want 2", w.QueueDepth())
	}
	if w.Dropped() != 1 {
		t.Fatalf("Dropped() = %d, want 1", w.Dropped())
	}
}

func TestWriterBatchSizeTriggersFlush(t *testing.T) {
	primary := &fakeSink{available: true}
	cfg := config.StoreConfig{BatchSize: 2, FlushInterval: time.Hour, MaxQueueSize: 1000, FlushDeadline: time.Second}
	w := New(cfg, primary, nil, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)
	defer cancel()

	w.WriteTick(types.Tick{Symbol: "A"})
	w.WriteTick(types.Tick{Symbol: "B"})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		primary.mu.Lock()
		n := len(primary.ticks)
		primary.mu.Unlock()
		if n == 2 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("batch was not flushed after crossing BatchSize")
}

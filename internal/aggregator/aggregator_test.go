package aggregator

import (
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradepipeline/pkg/types"
)

func mkTick(price, volume string, ts time.Time) types.Tick {
	p, _ := decimal.NewFromString(price)
	v, _ := decimal.NewFromString(volume)
	return types.Tick{Price: p, Volume: v, SourceTimestamp: ts}
}

func TestParseTimeframe(t *testing.T) {
	cases := map[string]time.Duration{
		"1s": time.Second,
		"5m": 5 * time.Minute,
		"4h": 4 * time.Hour,
		"1d": 24 * time.Hour,
	}
	for label, want := range cases {
		got, err := ParseTimeframe(label)
		if err != nil {
			t.Fatalf("ParseTimeframe(%q) error = %v", label, err)
		}
		if got != want {
			t.Errorf("ParseTimeframe(%q) = %v, want %v", label, got, want)
		}
	}
}

func TestParseTimeframeInvalid(t *testing.T) {
	for _, label := range []string{"", "x", "5", "5y"} {
		if _, err := ParseTimeframe(label); err == nil {
			t.Errorf("ParseTimeframe(%q) expected error", label)
		}
	}
}

type recordingSink struct {
	bars []types.Bar
}

func (r *recordingSink) WriteBar(bar types.Bar) error {
	r.bars = append(r.bars, bar)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(nilWriter{}, nil))
}

type nilWriter struct{}

func (nilWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestInstrumentClosesBarOnIntervalCross(t *testing.T) {
	sink := &recordingSink{}
	ins, err := NewInstrument("binance", "BTC-USD", []string{"1m"}, sink, discardLogger())
	if err != nil {
		t.Fatalf("NewInstrument() error = %v", err)
	}

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ins.Feed(mkTick("100", "1", base))
	ins.Feed(mkTick("105", "2", base.Add(30*time.Second)))
	ins.Feed(mkTick("95", "1", base.Add(65*time.Second))) // crosses into next minute

	if len(sink.bars) != 1 {
		t.Fatalf("len(sink.bars) = %d, want 1", len(sink.bars))
	}
	bar := sink.bars[0]
	if !bar.Open.Equal(decimal.RequireFromString("100")) {
		t.Errorf("Open = %s, want 100", bar.Open)
	}
	if !bar.High.Equal(decimal.RequireFromString("105")) {
		t.Errorf("High = %s, want 105", bar.High)
	}
	if !bar.Low.Equal(decimal.RequireFromString("100")) {
		t.Errorf("Low = %s, want 100", bar.Low)
	}
	if !bar.Close.Equal(decimal.RequireFromString("105")) {
		t.Errorf("Close = %s, want 105", bar.Close)
	}
	if bar.Count != 2 {
		t.Errorf("Count = %d, want 2", bar.Count)
	}
	if bar.Timeframe != "1m" {
		t.Errorf("Timeframe = %q, want 1m", bar.Timeframe)
	}
}

func TestInstrumentFlushEmitsOpenBar(t *testing.T) {
	sink := &recordingSink{}
	ins, _ := NewInstrument("binance", "BTC-USD", []string{"1m"}, sink, discardLogger())

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ins.Feed(mkTick("100", "1", base))
	if len(sink.bars) != 0 {
		t.Fatalf("expected no closed bars yet, got %d", len(sink.bars))
	}

	ins.Flush()
	if len(sink.bars) != 1 {
		t.Fatalf("Flush() produced %d bars, want 1", len(sink.bars))
	}
}

func TestInstrumentLateTickIsDroppedAndCounted(t *testing.T) {
	sink := &recordingSink{}
	ins, _ := NewInstrument("binance", "BTC-USD", []string{"1m"}, sink, discardLogger())

	base := time.Date(2026, 1, 1, 0, 1, 0, 0, time.UTC)
	ins.Feed(mkTick("100", "1", base))
	// A tick timestamped before the current bucket belongs to an already
	// closed bucket and must be dropped, not folded into the open bar.
	ins.Feed(mkTick("90", "1", base.Add(-5*time.Second)))

	snap, ok := ins.Snapshot("1m")
	if !ok {
		t.Fatal("expected an open bar snapshot")
	}
	if snap.Count != 1 {
		t.Errorf("Count = %d, want 1 (late tick must not be folded in)", snap.Count)
	}
	if !snap.Low.Equal(decimal.RequireFromString("100")) {
		t.Errorf("Low = %s, want 100 (late tick's lower price must not corrupt the open bar)", snap.Low)
	}

	counts := ins.LateTickCounts()
	if counts["1m"] != 1 {
		t.Errorf("LateTickCounts()[\"1m\"] = %d, want 1", counts["1m"])
	}
}

func TestInstrumentVWAP(t *testing.T) {
	sink := &recordingSink{}
	ins, _ := NewInstrument("binance", "BTC-USD", []string{"1m"}, sink, discardLogger())

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ins.Feed(mkTick("100", "1", base))
	ins.Feed(mkTick("200", "1", base.Add(10*time.Second)))
	ins.Feed(mkTick("100", "1", base.Add(90*time.Second))) // closes the bar

	bar := sink.bars[0]
	want := decimal.RequireFromString("150") // (100*1 + 200*1) / 2
	if !bar.VWAP.Equal(want) {
		t.Errorf("VWAP = %s, want %s", bar.VWAP, want)
	}
}

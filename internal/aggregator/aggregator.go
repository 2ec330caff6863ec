// Package aggregator implements the OHLCV Aggregator: one instance per
// (exchange, symbol) folds the tick stream into fixed-interval candles for
// every configured timeframe, emitting a closed Bar the instant the next
// tick crosses into a new interval.
package aggregator

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradepipeline/pkg/metrics"
	"tradepipeline/pkg/types"
)

// ParseTimeframe converts a label like "1s", "5m", "4h", "1d" into its
// interval duration.
func ParseTimeframe(label string) (time.Duration, error) {
	if len(label) < 2 {
		return 0, fmt.Errorf("invalid timeframe %q", label)
	}
	unit := label[len(label)-1]
	n := label[:len(label)-1]
	var mult time.Duration
	switch unit {
	case 's':
		mult = time.Second
	case 'm':
		mult = time.Minute
	case 'h':
		mult = time.Hour
	case 'd':
		mult = 24 * time.Hour
	default:
		return 0, fmt.Errorf("invalid timeframe unit in %q", label)
	}
	var value int
	if _, err := fmt.Sscanf(n, "%d", &value); err != nil || value <= 0 {
		return 0, fmt.Errorf("invalid timeframe value in %q", label)
	}
	return time.Duration(value) * mult, nil
}

// barState is the open, in-progress candle for one timeframe.
type barState struct {
	interval   time.Duration
	start      time.Time
	open       decimal.Decimal
	high       decimal.Decimal
	low        decimal.Decimal
	close      decimal.Decimal
	volume     decimal.Decimal
	notional   decimal.Decimal // sum(price*volume), for VWAP
	count      int
	hasTick    bool
	lateTicks  int64
}

func newBarState(interval time.Duration) *barState {
	return &barState{interval: interval}
}

func bucketStart(ts time.Time, interval time.Duration) time.Time {
	return ts.Truncate(interval)
}

// apply folds one tick into the bar, returning the previous bar (closed)
// if the tick belongs to a later bucket, or nil if it extends the current
// bucket. A tick whose bucket is strictly older than the current bucket can
// never be the tick's own current bucket — that bar already closed — so it
// is dropped and counted rather than folded in, which would corrupt the
// open bar's O/H/L/C with data from a different time bucket.
func (b *barState) apply(t types.Tick) *types.Bar {
	bucket := bucketStart(t.SourceTimestamp, b.interval)

	if !b.hasTick {
		b.reset(bucket, t.Price)
		b.fold(t)
		return nil
	}

	if bucket.Equal(b.start) {
		b.fold(t)
		return nil
	}

	if bucket.Before(b.start) {
		b.lateTicks++
		return nil
	}

	closed := b.snapshot()
	b.reset(bucket, t.Price)
	b.fold(t)
	return &closed
}

func (b *barState) reset(start time.Time, openPrice decimal.Decimal) {
	b.start = start
	b.open = openPrice
	b.high = openPrice
	b.low = openPrice
	b.close = openPrice
	b.volume = decimal.Zero
	b.notional = decimal.Zero
	b.count = 0
	b.hasTick = false
}

func (b *barState) fold(t types.Tick) {
	if !b.hasTick {
		b.open = t.Price
		b.high = t.Price
		b.low = t.Price
	} else {
		if t.Price.GreaterThan(b.high) {
			b.high = t.Price
		}
		if t.Price.LessThan(b.low) {
			b.low = t.Price
		}
	}
	b.close = t.Price
	b.volume = b.volume.Add(t.Volume)
	b.notional = b.notional.Add(t.Price.Mul(t.Volume))
	b.count++
	b.hasTick = true
}

// snapshot produces the immutable Bar for the interval so far. Called both
// to close a bar and, optionally, to report an in-progress bar for
// diagnostics.
func (b *barState) snapshot() types.Bar {
	vwap := b.close
	if b.volume.Sign() > 0 {
		vwap = b.notional.Div(b.volume)
	}
	return types.Bar{
		Start:  b.start,
		Open:   b.open,
		High:   b.high,
		Low:    b.low,
		Close:  b.close,
		Volume: b.volume,
		Count:  b.count,
		VWAP:   vwap,
	}
}

// Sink receives closed bars. Satisfied by the time-series writer; kept as
// an interface so the aggregator has no hard dependency on it.
type Sink interface {
	WriteBar(bar types.Bar) error
}

// Instrument aggregates one (exchange, symbol) across all configured
// timeframes. Ticks must be fed to Feed serially; Instrument is not
// internally synchronized beyond what's needed for concurrent reads of its
// snapshot methods.
type Instrument struct {
	exchange string
	symbol   string
	sink     Sink
	logger   *slog.Logger

	mu    sync.Mutex
	bars  map[string]*barState // timeframe label -> open bar
	order []string             // stable iteration order for emission
}

// NewInstrument builds an aggregator for one (exchange, symbol) across the
// given timeframe labels (e.g. "1s", "1m", "5m", "1h").
func NewInstrument(exchange, symbol string, timeframes []string, sink Sink, logger *slog.Logger) (*Instrument, error) {
	bars := make(map[string]*barState, len(timeframes))
	order := make([]string, 0, len(timeframes))
	for _, tf := range timeframes {
		interval, err := ParseTimeframe(tf)
		if err != nil {
			return nil, err
		}
		bars[tf] = newBarState(interval)
		order = append(order, tf)
	}
	return &Instrument{
		exchange: exchange,
		symbol:   symbol,
		sink:     sink,
		logger:   logger.With("component", "aggregator", "exchange", exchange, "symbol", symbol),
		bars:     bars,
		order:    order,
	}, nil
}

// Feed folds one tick into every timeframe's bar, writing any bars that
// close as a result to the sink. A write failure is logged and does not
// block the aggregator; the writer's own buffering and retry policy owns
// durability.
func (ins *Instrument) Feed(t types.Tick) {
	ins.mu.Lock()
	defer ins.mu.Unlock()

	for _, tf := range ins.order {
		state := ins.bars[tf]
		closed := state.apply(t)
		if closed == nil {
			continue
		}
		closed.Exchange = ins.exchange
		closed.Symbol = ins.symbol
		closed.Timeframe = tf
		metrics.BarsEmitted.WithLabelValues(ins.exchange, ins.symbol, tf).Inc()

		if ins.sink == nil {
			continue
		}
		if err := ins.sink.WriteBar(*closed); err != nil {
			ins.logger.Warn("failed to write closed bar", "timeframe", tf, "error", err)
		}
	}
}

// Snapshot returns the current (possibly still-open) bar for a timeframe,
// for health/debug surfaces. The second return value is false if no tick
// has been seen yet for that timeframe.
func (ins *Instrument) Snapshot(timeframe string) (types.Bar, bool) {
	ins.mu.Lock()
	defer ins.mu.Unlock()

	state, ok := ins.bars[timeframe]
	if !ok || !state.hasTick {
		return types.Bar{}, false
	}
	bar := state.snapshot()
	bar.Exchange = ins.exchange
	bar.Symbol = ins.symbol
	bar.Timeframe = timeframe
	return bar, true
}

// LateTickCounts reports, per timeframe, how many ticks arrived for a
// bucket strictly older than the currently open one and were dropped.
func (ins *Instrument) LateTickCounts() map[string]int64 {
	ins.mu.Lock()
	defer ins.mu.Unlock()

	counts := make(map[string]int64, len(ins.order))
	for _, tf := range ins.order {
		counts[tf] = ins.bars[tf].lateTicks
	}
	return counts
}

// Flush writes every open bar, wherever it is in its interval, to the sink.
// The bars are not reset: a later tick in the same interval keeps extending
// them, and they are written again when they close.
func (ins *Instrument) Flush() {
	ins.mu.Lock()
	defer ins.mu.Unlock()

	for _, tf := range ins.order {
		state := ins.bars[tf]
		if !state.hasTick {
			continue
		}
		bar := state.snapshot()
		bar.Exchange = ins.exchange
		bar.Symbol = ins.symbol
		bar.Timeframe = tf
		if ins.sink != nil {
			if err := ins.sink.WriteBar(bar); err != nil {
				ins.logger.Warn("failed to flush bar", "timeframe", tf, "error", err)
			}
		}
	}
}

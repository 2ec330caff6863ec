// Package strategyengine dispatches market data to strategy instances and
// forwards the Signals they emit to the order router. It is the "engine"
// half of the Strategy Engine component; internal/strategy holds the
// strategies themselves.
//
// One instance runs per (symbol, strategy-name) pair. Ticks for one
// (exchange, symbol) stream are delivered to every instance bound to that
// symbol in bus order; within one instance, delivery is strictly serial, so
// a strategy never needs its own locking. Different instances may run
// concurrently.
package strategyengine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"tradepipeline/internal/bus"
	"tradepipeline/internal/strategy"
	"tradepipeline/pkg/metrics"
	"tradepipeline/pkg/types"
)

// Puller is the narrow interface the engine polls ticks through. Satisfied
// by bus.Bus.
type Puller interface {
	Poll(ctx context.Context, group, consumerID string, streams []string, maxEntries int64, timeout time.Duration) ([]bus.Entry, error)
	Ack(ctx context.Context, group, exchange, symbol, entryID string) error
}

// Dispatcher is the narrow interface the engine forwards Signals through.
// Satisfied by router.Router.
type Dispatcher interface {
	PlaceSignal(ctx context.Context, sig types.Signal) (types.Order, error)
}

// instance wraps one strategy bound to one symbol. All access goes through
// its own goroutine's processing loop, so no locking is needed inside.
type instance struct {
	symbol string
	strat  strategy.Strategy
}

// Engine hosts every configured strategy instance and pumps bus entries
// into them.
type Engine struct {
	puller     Puller
	dispatcher Dispatcher
	logger     *slog.Logger

	consumerGroup string
	consumerID    string

	mu         sync.RWMutex
	bySymbol   map[string][]*instance // symbol -> instances watching it
	streamKeys []string

	errorsMu sync.Mutex
	errors   int64
}

// New constructs an Engine. streamKeys is the full set of (exchange,symbol)
// stream identifiers, in the bus's own key format, to poll.
func New(puller Puller, dispatcher Dispatcher, consumerGroup, consumerID string, streamKeys []string, logger *slog.Logger) *Engine {
	return &Engine{
		puller:        puller,
		dispatcher:    dispatcher,
		logger:        logger.With("component", "strategy_engine"),
		consumerGroup: consumerGroup,
		consumerID:    consumerID,
		bySymbol:      make(map[string][]*instance),
		streamKeys:    streamKeys,
	}
}

// Bind attaches a strategy instance to a symbol. Must be called before Run.
func (e *Engine) Bind(symbol string, strat strategy.Strategy) {
	strat.Init(symbol)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bySymbol[symbol] = append(e.bySymbol[symbol], &instance{symbol: symbol, strat: strat})
}

// Run polls the bus until ctx is cancelled, feeding each entry to every
// strategy instance bound to its symbol and forwarding their Signals to the
// dispatcher.
func (e *Engine) Run(ctx context.Context) error {
	const maxEntries = 100
	const pollTimeout = 2 * time.Second

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		entries, err := e.puller.Poll(ctx, e.consumerGroup, e.consumerID, e.streamKeys, maxEntries, pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			e.logger.Warn("poll failed, retrying", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		for _, entry := range entries {
			e.handleTick(ctx, entry.Tick)
			if err := e.puller.Ack(ctx, e.consumerGroup, entry.Exchange, entry.Symbol, entry.EntryID); err != nil {
				e.logger.Warn("ack failed", "exchange", entry.Exchange, "symbol", entry.Symbol, "error", err)
			}
		}
	}
}

func (e *Engine) handleTick(ctx context.Context, tick types.Tick) {
	e.mu.RLock()
	instances := e.bySymbol[tick.Symbol]
	e.mu.RUnlock()

	for _, inst := range instances {
		signals := inst.strat.OnTick(tick)
		e.dispatch(ctx, signals)
	}
}

// OnBar drives every strategy instance bound to bar.Symbol. The aggregator
// invokes this once per closed OHLCV bar via the WriteBar adapter below.
func (e *Engine) OnBar(bar types.Bar) {
	e.mu.RLock()
	instances := e.bySymbol[bar.Symbol]
	e.mu.RUnlock()

	for _, inst := range instances {
		signals := inst.strat.OnBar(bar)
		e.dispatch(context.Background(), signals)
	}
}

// WriteBar implements aggregator.Sink by delegating to OnBar, letting the
// strategy engine be wired in directly as the aggregator's sink alongside
// (or instead of) the time-series writer.
func (e *Engine) WriteBar(bar types.Bar) error {
	e.OnBar(bar)
	return nil
}

func (e *Engine) dispatch(ctx context.Context, signals []types.Signal) {
	for _, sig := range signals {
		metrics.SignalsEmitted.WithLabelValues(sig.StrategyName, sig.Symbol, string(sig.Kind)).Inc()
		if _, err := e.dispatcher.PlaceSignal(ctx, sig); err != nil {
			e.errorsMu.Lock()
			e.errors++
			e.errorsMu.Unlock()
			e.logger.Warn("signal dispatch failed", "symbol", sig.Symbol, "strategy", sig.StrategyName, "error", err)
		}
	}
}

// OnFill notifies every instance bound to trade.Symbol so strategies can
// update their own inventory/PnL bookkeeping.
func (e *Engine) OnFill(trade types.Trade) {
	e.mu.RLock()
	instances := e.bySymbol[trade.Symbol]
	e.mu.RUnlock()

	for _, inst := range instances {
		inst.strat.OnFill(trade)
	}
}

// DispatchErrors returns the count of signals that failed to place.
func (e *Engine) DispatchErrors() int64 {
	e.errorsMu.Lock()
	defer e.errorsMu.Unlock()
	return e.errors
}

// Package strategy implements the Strategy Engine: pluggable trading
// strategies that consume ticks and closed bars for a single (symbol,
// strategy) instance and emit Signals for the order router to act on. Each
// instance is invoked strictly serially — a strategy never needs its own
// locking.
package strategy

import (
	"fmt"

	"tradepipeline/internal/config"
	"tradepipeline/pkg/types"
)

// Strategy is the interface every trading strategy implements. Init is
// called once before the first tick/bar; OnTick on every trade print;
// OnBar on every closed candle for a timeframe the strategy cares about.
type Strategy interface {
	Name() string
	Init(symbol string)
	OnTick(tick types.Tick) []types.Signal
	OnBar(bar types.Bar) []types.Signal
	// OnFill lets the strategy update internal inventory/PnL bookkeeping
	// once the router confirms an order filled against one of its signals.
	OnFill(trade types.Trade)
}

// Names lists every strategy kind Build understands.
func Names() []string {
	return []string{"grid", "trend"}
}

// Build constructs a strategy instance by name, reading its tuning
// parameters from the matching sub-struct of cfg. The control plane calls
// this once per (symbol, strategy) pair named in the running configuration.
func Build(name string, cfg config.StrategyConfig) (Strategy, error) {
	switch name {
	case "grid":
		return NewGrid(cfg.Grid), nil
	case "trend":
		return NewTrend(cfg.Trend), nil
	default:
		return nil, fmt.Errorf("unknown strategy %q", name)
	}
}

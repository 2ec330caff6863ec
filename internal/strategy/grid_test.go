package strategy

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradepipeline/internal/config"
	"tradepipeline/pkg/types"
)

func gridConfig() config.GridConfig {
	return config.GridConfig{
		BaseQuantityUSD:    100,
		GridStepPct:        1.0,
		GridLevels:         3,
		TakeProfitPct:      2.0,
		MaxInventory:       10,
		CooldownSeconds:    0,
		RebalanceThreshold: 0.7,
		PriceHistoryWindow: 100,
	}
}

func mkTick(price float64) types.Tick {
	return types.Tick{Price: decimal.NewFromFloat(price), SourceTimestamp: time.Now()}
}

func TestGridPlacesLevelsOnFirstTick(t *testing.T) {
	g := NewGrid(gridConfig())
	g.Init("BTC-USD")

	signals := g.OnTick(mkTick(100))
	if len(signals) != gridConfig().GridLevels*2 {
		t.Fatalf("len(signals) = %d, want %d", len(signals), gridConfig().GridLevels*2)
	}
	for _, s := range signals {
		if s.Symbol != "BTC-USD" {
			t.Errorf("Symbol = %q, want BTC-USD", s.Symbol)
		}
		if s.StrategyName != "grid" {
			t.Errorf("StrategyName = %q, want grid", s.StrategyName)
		}
	}
}

func TestGridDoesNotDuplicateActiveLevels(t *testing.T) {
	g := NewGrid(gridConfig())
	g.Init("BTC-USD")

	g.OnTick(mkTick(100))
	second := g.OnTick(mkTick(100))
	if len(second) != 0 {
		t.Errorf("expected no new signals for an unchanged mid-price, got %d", len(second))
	}
}

func TestGridCooldownBlocksOrders(t *testing.T) {
	cfg := gridConfig()
	cfg.CooldownSeconds = 60
	g := NewGrid(cfg)
	g.Init("BTC-USD")

	first := g.OnTick(mkTick(100))
	if len(first) == 0 {
		t.Fatal("expected signals on first tick despite cooldown (initial state has no last-order time block)")
	}
	second := g.OnTick(mkTick(110))
	if len(second) != 0 {
		t.Errorf("expected cooldown to suppress new orders, got %d signals", len(second))
	}
}

func TestRebalanceSignalReducesInventoryByThirtyPercent(t *testing.T) {
	g := NewGrid(gridConfig())
	g.Init("BTC-USD")
	g.mid = 100
	g.inventory = 1

	sig := g.rebalanceSignal()
	if sig == nil {
		t.Fatal("expected a rebalance signal for non-zero inventory")
	}
	want := decimal.NewFromFloat(0.3)
	if !sig.Quantity.Equal(want) {
		t.Errorf("Quantity = %s, want %s (30%% of inventory)", sig.Quantity, want)
	}
}

func TestRebalanceSignalCapsAtTwiceBaseQuantity(t *testing.T) {
	g := NewGrid(gridConfig())
	g.Init("BTC-USD")
	g.mid = 100 // cap = BaseQuantityUSD/mid*2 = 100/100*2 = 2
	g.inventory = 10 // uncapped 30% would be 3, above the cap

	sig := g.rebalanceSignal()
	if sig == nil {
		t.Fatal("expected a rebalance signal for non-zero inventory")
	}
	want := decimal.NewFromFloat(2)
	if !sig.Quantity.Equal(want) {
		t.Errorf("Quantity = %s, want %s (capped at 2x base quantity)", sig.Quantity, want)
	}
}

func TestGridTakeProfitOnLongInventory(t *testing.T) {
	g := NewGrid(gridConfig())
	g.Init("BTC-USD")

	g.OnFill(types.Trade{Side: types.Buy, Quantity: decimal.NewFromInt(5)})

	base := 100.0
	for i := 0; i < 25; i++ {
		g.OnTick(mkTick(base))
	}
	// Reference window is ticks [-20:-10] of a flat 100 series, so a price
	// spike now should trigger take-profit against that lower reference.
	signals := g.OnTick(mkTick(105))

	found := false
	for _, s := range signals {
		if s.Metadata["take_profit"] == "true" {
			found = true
		}
	}
	if !found {
		t.Error("expected a take-profit signal after sufficient upside move against the backward reference price")
	}
}

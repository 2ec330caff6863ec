package strategy

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradepipeline/internal/config"
	"tradepipeline/pkg/types"
)

// gridOrder tracks one side/price level the strategy believes it has a
// resting order at. The strategy only reasons about levels it thinks are
// working; the router is the source of truth for actual order state.
type gridOrder struct {
	side  types.Side
	price float64
}

// Grid is a grid market-making strategy: it lays buy levels below and sell
// levels above the current mid-price, sized down as inventory grows, and
// closes out profitable inventory against a backward-looking reference
// price rather than the live entry price.
type Grid struct {
	cfg    config.GridConfig
	symbol string

	mid          float64
	priceHistory []float64
	volatility   float64

	inventory      float64
	levels         map[string]gridOrder // level key -> order
	lastOrderTime  time.Time
	lastRebalance  time.Time
	paramsDigest   string
}

// NewGrid constructs a Grid strategy with the given tuning parameters.
func NewGrid(cfg config.GridConfig) *Grid {
	return &Grid{
		cfg:          cfg,
		levels:       make(map[string]gridOrder),
		paramsDigest: fmt.Sprintf("grid:%.4f:%.4f:%d", cfg.GridStepPct, cfg.TakeProfitPct, cfg.GridLevels),
	}
}

// Name implements Strategy.
func (g *Grid) Name() string { return "grid" }

// Init implements Strategy.
func (g *Grid) Init(symbol string) {
	g.symbol = symbol
	g.lastOrderTime = time.Now().Add(-time.Duration(g.cfg.CooldownSeconds) * time.Second)
	g.lastRebalance = time.Now()
}

func (g *Grid) historyWindow() int {
	if g.cfg.PriceHistoryWindow > 0 {
		return g.cfg.PriceHistoryWindow
	}
	return 100
}

// OnTick implements Strategy. The grid's core decision loop runs on ticks,
// matching how a market maker must react within one trade print rather
// than waiting for a bar to close.
func (g *Grid) OnTick(tick types.Tick) []types.Signal {
	if tick.Bid != nil && tick.Ask != nil {
		bid, _ := tick.Bid.Float64()
		ask, _ := tick.Ask.Float64()
		g.mid = (bid + ask) / 2
	} else {
		price, _ := tick.Price.Float64()
		g.mid = price
	}

	g.priceHistory = append(g.priceHistory, g.mid)
	window := g.historyWindow()
	if len(g.priceHistory) > window {
		g.priceHistory = g.priceHistory[len(g.priceHistory)-window:]
	}
	g.updateVolatility()

	if time.Since(g.lastOrderTime) < time.Duration(g.cfg.CooldownSeconds)*time.Second {
		return nil
	}

	if g.shouldRebalance() {
		g.lastRebalance = time.Now()
		if sig := g.rebalanceSignal(); sig != nil {
			g.lastOrderTime = time.Now()
			return []types.Signal{*sig}
		}
	}

	if sig := g.takeProfitSignal(); sig != nil {
		g.lastOrderTime = time.Now()
		return []types.Signal{*sig}
	}

	signals := g.placeGridOrders()
	if len(signals) > 0 {
		g.lastOrderTime = time.Now()
	}
	return signals
}

// OnBar implements Strategy. The grid strategy has no bar-driven behavior
// of its own; it reacts to ticks.
func (g *Grid) OnBar(bar types.Bar) []types.Signal { return nil }

// OnFill implements Strategy: folds a confirmed fill into inventory.
func (g *Grid) OnFill(trade types.Trade) {
	qty, _ := trade.Quantity.Float64()
	if trade.Side == types.Buy {
		g.inventory += qty
	} else {
		g.inventory -= qty
	}
}

func (g *Grid) updateVolatility() {
	const lookback = 20
	if len(g.priceHistory) < lookback {
		return
	}
	recent := g.priceHistory[len(g.priceHistory)-lookback:]
	returns := make([]float64, 0, lookback-1)
	for i := 1; i < len(recent); i++ {
		if recent[i-1] <= 0 {
			continue
		}
		returns = append(returns, math.Log(recent[i]/recent[i-1]))
	}
	g.volatility = stdDev(returns) * math.Sqrt(252)
}

func stdDev(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	mean := 0.0
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))

	variance := 0.0
	for _, x := range xs {
		d := x - mean
		variance += d * d
	}
	variance /= float64(len(xs))
	return math.Sqrt(variance)
}

func (g *Grid) shouldRebalance() bool {
	maxInv := g.cfg.MaxInventory
	threshold := g.cfg.RebalanceThreshold
	if maxInv <= 0 {
		return false
	}
	if math.Abs(g.inventory) > maxInv*threshold {
		return true
	}
	if time.Since(g.lastRebalance) > time.Hour {
		return math.Abs(g.inventory) > maxInv*0.5
	}
	return false
}

func (g *Grid) rebalanceSignal() *types.Signal {
	if g.inventory == 0 {
		return nil
	}
	qty := math.Abs(g.inventory) * 0.3
	if g.mid > 0 {
		cap := g.cfg.BaseQuantityUSD / g.mid * 2
		qty = math.Min(qty, cap)
	}
	side := types.Sell
	reason := fmt.Sprintf("rebalance: reducing long inventory %.4f", g.inventory)
	if g.inventory < 0 {
		side = types.Buy
		reason = fmt.Sprintf("rebalance: reducing short inventory %.4f", g.inventory)
	}
	return g.newSignal(side, qty, nil, 0.7, reason, map[string]string{"rebalance": "true"})
}

// takeProfitSignal closes inventory against a reference price taken from
// price_history[-20:-10] rather than the live entry price — deliberately
// backward-looking so a brief spike doesn't trigger an exit against noise.
func (g *Grid) takeProfitSignal() *types.Signal {
	if g.inventory == 0 || len(g.priceHistory) < 2 {
		return nil
	}

	var reference float64
	if len(g.priceHistory) > 20 {
		window := g.priceHistory[len(g.priceHistory)-20 : len(g.priceHistory)-10]
		sum := 0.0
		for _, p := range window {
			sum += p
		}
		reference = sum / float64(len(window))
	} else {
		reference = g.priceHistory[0]
	}
	if reference <= 0 {
		return nil
	}

	pnlPct := (g.mid - reference) / reference * 100

	if g.inventory > 0 && pnlPct > g.cfg.TakeProfitPct {
		qty := g.inventory * 0.5
		return g.newSignal(types.Sell, qty, nil, 0.8,
			fmt.Sprintf("take profit: %.2f%% gain", pnlPct),
			map[string]string{"take_profit": "true"})
	}
	if g.inventory < 0 && pnlPct < -g.cfg.TakeProfitPct {
		qty := math.Abs(g.inventory) * 0.5
		return g.newSignal(types.Buy, qty, nil, 0.8,
			fmt.Sprintf("take profit: %.2f%% gain on short", -pnlPct),
			map[string]string{"take_profit": "true"})
	}
	return nil
}

func (g *Grid) placeGridOrders() []types.Signal {
	if g.mid <= 0 || g.cfg.GridLevels <= 0 {
		return nil
	}

	var signals []types.Signal
	for i := 1; i <= g.cfg.GridLevels; i++ {
		buyPrice := g.mid * (1 - float64(i)*g.cfg.GridStepPct/100)
		key := levelKey(types.Buy, buyPrice)
		if _, active := g.levels[key]; !active && g.inventory < g.cfg.MaxInventory {
			qty := g.orderSize(buyPrice, types.Buy)
			sig := g.newSignal(types.Buy, qty, &buyPrice, 0.5,
				fmt.Sprintf("grid buy level at %.2f", buyPrice),
				map[string]string{"grid_level": fmt.Sprintf("%d", i)})
			g.levels[key] = gridOrder{side: types.Buy, price: buyPrice}
			signals = append(signals, *sig)
		}

		sellPrice := g.mid * (1 + float64(i)*g.cfg.GridStepPct/100)
		key = levelKey(types.Sell, sellPrice)
		if _, active := g.levels[key]; !active && g.inventory > -g.cfg.MaxInventory {
			qty := g.orderSize(sellPrice, types.Sell)
			sig := g.newSignal(types.Sell, qty, &sellPrice, 0.5,
				fmt.Sprintf("grid sell level at %.2f", sellPrice),
				map[string]string{"grid_level": fmt.Sprintf("%d", i)})
			g.levels[key] = gridOrder{side: types.Sell, price: sellPrice}
			signals = append(signals, *sig)
		}
	}
	return signals
}

func levelKey(side types.Side, price float64) string {
	return fmt.Sprintf("%s:%.2f", side, price)
}

func (g *Grid) orderSize(price float64, side types.Side) float64 {
	if price <= 0 {
		return 0
	}
	baseSize := g.cfg.BaseQuantityUSD / price

	inventoryFactor := 1.0
	if side == types.Buy && g.inventory > 0 && g.cfg.MaxInventory > 0 {
		inventoryFactor = math.Max(0.5, 1-g.inventory/g.cfg.MaxInventory)
	} else if side == types.Sell && g.inventory < 0 && g.cfg.MaxInventory > 0 {
		inventoryFactor = math.Max(0.5, 1+g.inventory/g.cfg.MaxInventory)
	}

	volFactor := 1.0
	if g.volatility > 0 {
		volFactor = math.Max(0.5, math.Min(1.5, 0.02/g.volatility))
	}

	return baseSize * inventoryFactor * volFactor
}

func (g *Grid) newSignal(side types.Side, qty float64, price *float64, strength float64, reason string, meta map[string]string) *types.Signal {
	kind := types.SignalBuy
	if side == types.Sell {
		kind = types.SignalSell
	}
	var dPrice *decimal.Decimal
	if price != nil {
		d := decimal.NewFromFloat(*price)
		dPrice = &d
	}
	return &types.Signal{
		ID:           uuid.NewString(),
		Symbol:       g.symbol,
		Kind:         kind,
		Quantity:     decimal.NewFromFloat(qty),
		Price:        dPrice,
		Strength:     strength,
		Reason:       reason,
		Metadata:     meta,
		StrategyName: g.Name(),
		ParamsDigest: g.paramsDigest,
		CreatedAt:    time.Now(),
	}
}

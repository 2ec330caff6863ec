// Package broker implements the Paper Broker: a simulated execution venue
// that fills orders against the live tick stream with a maker/taker fee
// model and a depth-based slippage model, and tracks positions the same
// way a real account statement would — weighted-average entry price on
// same-side adds, realized PnL on opposite-side reductions, and a clean
// flip to the new side when a fill crosses through flat.
package broker

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradepipeline/internal/config"
	"tradepipeline/pkg/metrics"
	"tradepipeline/pkg/types"
)

// Recorder persists orders and trades. Satisfied by the time-series
// writer; kept as an interface so the broker has no hard dependency on it.
type Recorder interface {
	WriteOrder(o types.Order) error
}

// Broker is the in-memory paper-trading execution engine. Safe for
// concurrent use; one Broker instance serves the whole router regardless
// of how many strategies feed it orders.
type Broker struct {
	cfg      config.BrokerConfig
	recorder Recorder

	mu        sync.Mutex
	orders    map[string]*types.Order
	positions map[string]*types.Position // symbol -> position
	balance   decimal.Decimal
	lastPrice map[string]decimal.Decimal // last known mid/trade price per symbol, for marking unrealized PnL
}

// New constructs a Broker with the initial paper balance from cfg.
func New(cfg config.BrokerConfig, recorder Recorder) *Broker {
	metrics.BrokerBalance.Set(cfg.InitialBalance)
	return &Broker{
		cfg:       cfg,
		recorder:  recorder,
		orders:    make(map[string]*types.Order),
		positions: make(map[string]*types.Position),
		balance:   decimal.NewFromFloat(cfg.InitialBalance),
		lastPrice: make(map[string]decimal.Decimal),
	}
}

// Submit accepts a new order. Market orders fill immediately against the
// given reference price; limit orders fill immediately if marketable,
// otherwise rest until a subsequent MarkPrice crosses them.
func (b *Broker) Submit(order types.Order, referencePrice decimal.Decimal) (types.Order, []types.Trade, error) {
	if order.Quantity.Sign() <= 0 {
		return order, nil, fmt.Errorf("order quantity must be positive")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if order.ID == "" {
		order.ID = uuid.NewString()
	}
	order.State = types.OrderOpen
	order.CreatedAt = time.Now()
	order.UpdatedAt = order.CreatedAt

	b.lastPrice[order.Symbol] = referencePrice
	stored := order
	b.orders[order.ID] = &stored

	trades := b.tryFill(&stored, referencePrice)
	b.persist(stored)
	return stored, trades, nil
}

// Cancel marks a resting (non-terminal) order cancelled.
func (b *Broker) Cancel(orderID string) (types.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	order, ok := b.orders[orderID]
	if !ok {
		return types.Order{}, fmt.Errorf("order %s not found", orderID)
	}
	if order.State.Terminal() {
		return *order, fmt.Errorf("order %s already in terminal state %s", orderID, order.State)
	}
	if order.FilledQty.Sign() > 0 {
		order.State = types.OrderCancelled // partial fill stands, remainder cancelled
	} else {
		order.State = types.OrderCancelled
	}
	order.UpdatedAt = time.Now()
	b.persist(*order)
	return *order, nil
}

// MarkPrice updates the latest reference price for a symbol and attempts
// to fill any resting limit orders it now crosses. Returns any trades
// produced.
func (b *Broker) MarkPrice(symbol string, price decimal.Decimal) []types.Trade {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastPrice[symbol] = price
	b.markUnrealized(symbol, price)

	var trades []types.Trade
	for _, order := range b.orders {
		if order.Symbol != symbol || order.State.Terminal() {
			continue
		}
		fills := b.tryFill(order, price)
		if len(fills) > 0 {
			trades = append(trades, fills...)
			b.persist(*order)
		}
	}
	return trades
}

// Position returns a copy of the current position for a symbol, or a flat
// zero-value position if none exists.
func (b *Broker) Position(symbol string) types.Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.positions[symbol]; ok {
		return *p
	}
	return types.Position{Symbol: symbol, Side: types.PositionFlat}
}

// Positions returns every non-flat position, for reporting.
func (b *Broker) Positions() []types.Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]types.Position, 0, len(b.positions))
	for _, p := range b.positions {
		if p.Quantity.Sign() == 0 {
			continue
		}
		out = append(out, *p)
	}
	return out
}

// Balance returns the current cash balance.
func (b *Broker) Balance() decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.balance
}

// Order returns a copy of a tracked order by ID.
func (b *Broker) Order(orderID string) (types.Order, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[orderID]
	if !ok {
		return types.Order{}, false
	}
	return *o, true
}

func (b *Broker) persist(order types.Order) {
	if b.recorder == nil {
		return
	}
	_ = b.recorder.WriteOrder(order)
}

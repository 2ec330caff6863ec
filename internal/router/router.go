// Package router implements the Order Router: it accepts Signals from the
// strategy engine and Orders directly, risk-gates every one of them, and
// dispatches accepted orders to whichever execution backend is currently
// active (the in-process paper broker or a live exchange adapter). It is
// the only component allowed to cross from strategy decision to execution.
package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradepipeline/internal/config"
	"tradepipeline/internal/risk"
	"tradepipeline/pkg/metrics"
	"tradepipeline/pkg/types"
)

// Broker is the narrow interface the router dispatches paper orders
// through. Satisfied by broker.Broker.
type Broker interface {
	Submit(order types.Order, referencePrice decimal.Decimal) (types.Order, []types.Trade, error)
	Cancel(orderID string) (types.Order, error)
	Position(symbol string) types.Position
	Positions() []types.Position
	Balance() decimal.Decimal
}

// FillListener is notified of every trade the router's backend produces,
// after the router's own accounting has run. Satisfied by
// strategyengine.Engine, so strategies see fills on signals they placed
// without the router importing that package.
type FillListener interface {
	OnFill(trade types.Trade)
}

// LiveAdapter is the narrow interface a real exchange backend implements.
// Only one concrete implementation exists in this tree (an ECDSA-signed
// REST adapter for perp-DEX-style venues); others can be added without
// touching the router.
type LiveAdapter interface {
	Place(ctx context.Context, order types.Order) (types.Order, error)
	Cancel(ctx context.Context, orderID string) error
	Positions(ctx context.Context) ([]types.Position, error)
	Ready() bool
}

// PriceSource supplies the current reference price the router uses to
// risk-gate notional and, for paper mode, to evaluate marketability.
type PriceSource interface {
	LastPrice(symbol string) (decimal.Decimal, bool)
}

// Stats is a read-only snapshot for UI/monitoring consumers.
type Stats struct {
	Mode            types.ExecutionMode
	OpenOrders      int
	TotalPlaced     int64
	TotalRejected   int64
	TotalCancelled  int64
	Balance         decimal.Decimal
	KillSwitch      bool
	KillSwitchCause string
}

// Router is the order router. Safe for concurrent use.
type Router struct {
	cfg    config.RouterConfig
	guard  *risk.Guard
	broker Broker
	live   LiveAdapter
	prices PriceSource

	mu            sync.Mutex
	mode          types.ExecutionMode
	orders        map[string]types.Order
	placed        int64
	rejected      int64
	cancelled     int64
	grossExposure decimal.Decimal
	openLongCount map[string]bool // distinct symbols with an open long, for the position-count check

	equity         decimal.Decimal // current account equity
	dayStartEquity decimal.Decimal // equity at the most recent UTC reset
	dayStartAt     time.Time
	resetUTCHour   int

	seenSignals map[string]time.Time // signal id -> first-seen time, for dedup within cfg.SignalDedupeWindow

	listeners []FillListener
}

// New constructs a Router starting in the configured mode (paper unless
// configured and credentialed for live). dailyResetUTCHour mirrors the risk
// guard's own daily-reset hour so the equity baseline the router reports
// lines up with the guard's daily-loss window.
func New(cfg config.RouterConfig, guard *risk.Guard, broker Broker, live LiveAdapter, prices PriceSource, startingEquity decimal.Decimal, dailyResetUTCHour int) *Router {
	mode := types.ModePaper
	if config.ExecutionModeFromString(cfg.Mode) == "live" && live != nil && live.Ready() {
		mode = types.ModeLive
	}
	now := time.Now().UTC()
	return &Router{
		cfg:            cfg,
		guard:          guard,
		broker:         broker,
		live:           live,
		prices:         prices,
		mode:           mode,
		orders:         make(map[string]types.Order),
		openLongCount:  make(map[string]bool),
		equity:         startingEquity,
		dayStartEquity: startingEquity,
		dayStartAt:     now,
		resetUTCHour:   dailyResetUTCHour,
		seenSignals:    make(map[string]time.Time),
	}
}

// duplicateSignal reports whether sig.ID was already seen within the
// configured dedupe window, and records it if not. Guards against the bus
// replaying the same tick causing a strategy's resulting Signal to be acted
// on twice.
func (r *Router) duplicateSignal(id string) bool {
	if id == "" {
		return false
	}
	window := r.cfg.SignalDedupeWindow
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	for seenID, at := range r.seenSignals {
		if now.Sub(at) > window {
			delete(r.seenSignals, seenID)
		}
	}
	if _, ok := r.seenSignals[id]; ok {
		return true
	}
	r.seenSignals[id] = now
	return false
}

// rollDailyEquityLocked resets the day-start equity baseline at the
// configured UTC hour. Caller must hold r.mu.
func (r *Router) rollDailyEquityLocked() {
	now := time.Now().UTC()
	todayReset := time.Date(now.Year(), now.Month(), now.Day(), r.resetUTCHour, 0, 0, 0, time.UTC)
	if now.Before(todayReset) {
		todayReset = todayReset.AddDate(0, 0, -1)
	}
	if r.dayStartAt.Before(todayReset) {
		r.dayStartAt = todayReset
		r.dayStartEquity = r.equity
	}
}

// Place accepts one order, risk-gates it, and dispatches to the active
// backend. A risk rejection never reaches the backend — the order is
// recorded as Rejected with the guard's reason and returned, not errored.
func (r *Router) Place(ctx context.Context, order types.Order) (types.Order, error) {
	start := time.Now()
	r.mu.Lock()
	mode := r.mode
	r.mu.Unlock()

	if order.ID == "" {
		order.ID = uuid.NewString()
	}
	order.CreatedAt = time.Now()
	order.UpdatedAt = order.CreatedAt

	referencePrice, haveRef := r.priceFor(order.Symbol, order.LimitPrice)
	if !haveRef {
		placed := r.reject(order, "no reference price available for symbol")
		r.recordPlacement(mode, placed, start)
		return placed, nil
	}
	notional := referencePrice.Mul(order.Quantity)

	decision := r.guard.Evaluate(notional, r.accountState(order))
	if !decision.Allowed {
		placed := r.reject(order, decision.Reason)
		r.recordPlacement(mode, placed, start)
		return placed, nil
	}

	var (
		placed types.Order
		err    error
	)
	switch mode {
	case types.ModeLive:
		placed, err = r.placeLive(ctx, order)
	default:
		placed, err = r.placePaper(order, referencePrice)
	}
	r.recordPlacement(mode, placed, start)
	return placed, err
}

// recordPlacement instruments every order outcome from Place, by final
// order state and execution mode, and the latency from Place's entry to
// that outcome (terminal for market/paper fills, resting for live orders
// still open on the venue).
func (r *Router) recordPlacement(mode types.ExecutionMode, order types.Order, start time.Time) {
	metrics.OrdersPlaced.WithLabelValues(string(order.State), string(mode)).Inc()
	metrics.OrderLatency.WithLabelValues(string(mode), string(order.Kind)).Observe(time.Since(start).Seconds())
}

// PlaceSignal translates a strategy Signal into an Order and places it.
// Limit vs. market is chosen by the presence of Signal.Price; metadata such
// as the originating strategy propagates onto the order.
func (r *Router) PlaceSignal(ctx context.Context, sig types.Signal) (types.Order, error) {
	if r.duplicateSignal(sig.ID) {
		return types.Order{}, fmt.Errorf("duplicate signal %s within dedupe window", sig.ID)
	}

	order := types.Order{
		Symbol:      sig.Symbol,
		Quantity:    sig.Quantity,
		StrategyTag: sig.StrategyName,
		ClientID:    sig.ID,
	}
	switch sig.Kind {
	case types.SignalBuy:
		order.Side = types.Buy
	case types.SignalSell, types.SignalClose:
		order.Side = types.Sell
	default:
		return types.Order{}, fmt.Errorf("signal kind %s does not translate to an order", sig.Kind)
	}
	if sig.Price != nil {
		order.Kind = types.OrderLimit
		price := *sig.Price
		order.LimitPrice = &price
	} else {
		order.Kind = types.OrderMarket
	}
	return r.Place(ctx, order)
}

// Cancel best-effort cancels a tracked order. Fails if the order is already
// terminal or unknown to the router.
func (r *Router) Cancel(ctx context.Context, orderID string) (types.Order, error) {
	r.mu.Lock()
	mode := r.mode
	_, known := r.orders[orderID]
	r.mu.Unlock()
	if !known {
		return types.Order{}, fmt.Errorf("order %s not tracked by router", orderID)
	}

	var (
		order types.Order
		err   error
	)
	if mode == types.ModeLive && r.live != nil {
		err = r.live.Cancel(ctx, orderID)
		if err == nil {
			r.mu.Lock()
			order = r.orders[orderID]
			order.State = types.OrderCancelled
			order.UpdatedAt = time.Now()
			r.orders[orderID] = order
			r.cancelled++
			r.mu.Unlock()
		}
	} else {
		order, err = r.broker.Cancel(orderID)
		if err == nil {
			r.mu.Lock()
			r.orders[orderID] = order
			r.cancelled++
			r.mu.Unlock()
		}
	}
	return order, err
}

// SwitchMode atomically transitions execution mode. Switching to live is
// rejected unless a live adapter is configured and ready, and — unless
// AllowLiveSwitchWithOpen is set — while any order is still open.
func (r *Router) SwitchMode(target types.ExecutionMode) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if target == types.ModeLive {
		if r.live == nil || !r.live.Ready() {
			return fmt.Errorf("cannot switch to live: no configured/ready live adapter")
		}
		if !r.cfg.AllowLiveSwitchWithOpen {
			for _, o := range r.orders {
				if !o.State.Terminal() {
					return fmt.Errorf("cannot switch to live: open orders exist")
				}
			}
		}
	}
	r.mode = target
	return nil
}

// Mode returns the router's current execution mode.
func (r *Router) Mode() types.ExecutionMode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mode
}

// Positions returns the active backend's position snapshot.
func (r *Router) Positions() []types.Position {
	r.mu.Lock()
	mode := r.mode
	r.mu.Unlock()
	if mode == types.ModeLive && r.live != nil {
		positions, err := r.live.Positions(context.Background())
		if err == nil {
			return positions
		}
	}
	return r.broker.Positions()
}

// Stats returns a read-only snapshot for monitoring/UI consumers.
func (r *Router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	open := 0
	for _, o := range r.orders {
		if !o.State.Terminal() {
			open++
		}
	}
	killed, reason := r.guard.KillSwitchEngaged()
	return Stats{
		Mode:            r.mode,
		OpenOrders:      open,
		TotalPlaced:     r.placed,
		TotalRejected:   r.rejected,
		TotalCancelled:  r.cancelled,
		Balance:         r.broker.Balance(),
		KillSwitch:      killed,
		KillSwitchCause: reason,
	}
}

// OnFill updates the router's own exposure/position-count/daily-PnL
// counters so the next risk evaluation reflects executions, not placements,
// then notifies any registered FillListener (e.g. the strategy engine).
// Paper-broker fills reach it through NotifyFill; orders placed through the
// live adapter produce no Trade here.
func (r *Router) OnFill(trade types.Trade, realizedPnLDelta decimal.Decimal, positionAfter types.Position) {
	r.mu.Lock()
	r.recordFillLocked(trade, realizedPnLDelta, positionAfter)
	listeners := append([]FillListener(nil), r.listeners...)
	r.mu.Unlock()

	for _, l := range listeners {
		l.OnFill(trade)
	}
}

// AddFillListener registers a listener notified on every trade, in
// registration order, after the router's own accounting runs.
func (r *Router) AddFillListener(l FillListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// NotifyFill is called by whatever feeds reference prices into the paper
// broker (MarkPrice) once that call returns trades for resting orders the
// new price crossed — those fills happen outside Place's call stack, so
// they route through here instead of placePaper's inline accounting.
func (r *Router) NotifyFill(trade types.Trade, realizedPnLDelta decimal.Decimal) {
	positionAfter := r.broker.Position(trade.Symbol)
	r.OnFill(trade, realizedPnLDelta, positionAfter)
}

// recordFillLocked applies one trade's accounting. Caller must hold r.mu.
func (r *Router) recordFillLocked(trade types.Trade, realizedPnLDelta decimal.Decimal, positionAfter types.Position) {
	r.rollDailyEquityLocked()
	r.equity = r.equity.Add(realizedPnLDelta)

	if positionAfter.Side == types.PositionLong && positionAfter.Quantity.Sign() > 0 {
		r.openLongCount[trade.Symbol] = true
	} else {
		delete(r.openLongCount, trade.Symbol)
	}

	// Gross exposure is the summed entry notional of every position the
	// broker holds after this fill.
	gross := decimal.Zero
	for _, p := range r.broker.Positions() {
		gross = gross.Add(p.Quantity.Mul(p.AvgEntryPrice))
	}
	r.grossExposure = gross
}

func (r *Router) placePaper(order types.Order, referencePrice decimal.Decimal) (types.Order, error) {
	balanceBefore := r.broker.Balance()
	filled, trades, err := r.broker.Submit(order, referencePrice)
	if err != nil {
		return r.reject(order, err.Error()), nil
	}
	r.mu.Lock()
	r.orders[filled.ID] = filled
	r.placed++
	r.mu.Unlock()

	if len(trades) > 0 {
		// Immediate fills from Submit land on the balance synchronously, so
		// the balance delta over the call is exactly their combined realized
		// PnL net of fees; split evenly should a single order produce more
		// than one trade (the paper broker fills all-or-nothing, so today
		// there is one).
		delta := r.broker.Balance().Sub(balanceBefore).Div(decimal.NewFromInt(int64(len(trades))))
		for _, trade := range trades {
			r.NotifyFill(trade, delta)
		}
	}
	return filled, nil
}

func (r *Router) placeLive(ctx context.Context, order types.Order) (types.Order, error) {
	if r.live == nil || !r.live.Ready() {
		return r.reject(order, "live adapter not configured"), nil
	}
	placed, err := r.live.Place(ctx, order)
	if err != nil {
		placed.State = types.OrderRejected
		placed.RejectReason = err.Error()
		r.mu.Lock()
		r.orders[order.ID] = placed
		r.rejected++
		r.mu.Unlock()
		return placed, nil
	}
	r.mu.Lock()
	r.orders[placed.ID] = placed
	r.placed++
	r.mu.Unlock()
	return placed, nil
}

func (r *Router) reject(order types.Order, reason string) types.Order {
	order.State = types.OrderRejected
	order.RejectReason = reason
	r.mu.Lock()
	r.orders[order.ID] = order
	r.rejected++
	r.mu.Unlock()
	return order
}

func (r *Router) priceFor(symbol string, limitPrice *decimal.Decimal) (decimal.Decimal, bool) {
	if r.prices != nil {
		if p, ok := r.prices.LastPrice(symbol); ok {
			return p, true
		}
	}
	if limitPrice != nil {
		return *limitPrice, true
	}
	return decimal.Zero, false
}

func (r *Router) accountState(order types.Order) risk.AccountState {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.rollDailyEquityLocked()
	return risk.AccountState{
		EquityStart:   r.dayStartEquity,
		EquityNow:     r.equity,
		OpenPositions: len(r.openLongCount),
		TotalExposure: r.grossExposure,
	}
}

// Package types defines the shared data model used across every layer of
// the pipeline — ticks, bars, orders, positions, trades, and signals. It has
// no dependency on internal packages so any layer can import it.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side is the direction of an order or position.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderKind enumerates the order types the router and paper broker support.
type OrderKind string

const (
	OrderMarket    OrderKind = "MARKET"
	OrderLimit     OrderKind = "LIMIT"
	OrderStop      OrderKind = "STOP"
	OrderStopLimit OrderKind = "STOP_LIMIT"
)

// OrderState is the order lifecycle state machine:
//
//	Pending -> {Open | Rejected}
//	Open -> {PartiallyFilled | Filled | Cancelled}
//	PartiallyFilled -> {Filled | Cancelled}
type OrderState string

const (
	OrderPending         OrderState = "PENDING"
	OrderOpen            OrderState = "OPEN"
	OrderPartiallyFilled OrderState = "PARTIALLY_FILLED"
	OrderFilled          OrderState = "FILLED"
	OrderCancelled       OrderState = "CANCELLED"
	OrderRejected        OrderState = "REJECTED"
)

// Terminal reports whether the state accepts no further transitions.
func (s OrderState) Terminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected:
		return true
	default:
		return false
	}
}

// PositionSide classifies a position's directional exposure.
type PositionSide string

const (
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
	PositionFlat  PositionSide = "FLAT"
)

// SignalKind enumerates what a strategy is asking the router to do.
type SignalKind string

const (
	SignalBuy    SignalKind = "BUY"
	SignalSell   SignalKind = "SELL"
	SignalHold   SignalKind = "HOLD"
	SignalCancel SignalKind = "CANCEL"
	SignalClose  SignalKind = "CLOSE"
)

// ExecutionMode is the order router's current backend selection.
type ExecutionMode string

const (
	ModePaper ExecutionMode = "PAPER"
	ModeLive  ExecutionMode = "LIVE"
)

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// Tick is an immutable normalized trade/quote observation from one exchange
// connector. Invariants: Price > 0, Volume >= 0, and
// SourceTimestamp is monotone non-decreasing per (Exchange, Symbol) within a
// single connector session (gaps are permitted across reconnects).
type Tick struct {
	Exchange        string
	Symbol          string
	Price           decimal.Decimal
	Volume          decimal.Decimal
	Bid             *decimal.Decimal
	Ask             *decimal.Decimal
	SourceTimestamp time.Time // exchange-reported trade time, microsecond precision
	IngestTimestamp time.Time // local receipt time
}

// Mid returns (Bid+Ask)/2 when both sides are present, otherwise Price.
func (t Tick) Mid() decimal.Decimal {
	if t.Bid != nil && t.Ask != nil {
		return t.Bid.Add(*t.Ask).Div(decimal.NewFromInt(2))
	}
	return t.Price
}

// Bar is an aggregated OHLCV record for one (exchange, symbol, timeframe)
// over one aligned interval. Invariants: Low <= Open, Close <=
// High; Volume is the sum of constituent tick volumes; VWAP is the
// volume-weighted average price, or Close when Volume is zero; Start is
// floor(sourceTimestamp/interval)*interval.
type Bar struct {
	Exchange  string
	Symbol    string
	Timeframe string // label, e.g. "1m", "5m", "1h"
	Start     time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
	Count     int
	VWAP      decimal.Decimal
}

// ————————————————————————————————————————————————————————————————————————
// Orders, trades, positions
// ————————————————————————————————————————————————————————————————————————

// Order is mutable while open.
type Order struct {
	ID           string
	Symbol       string
	Side         Side
	Kind         OrderKind
	Quantity     decimal.Decimal
	LimitPrice   *decimal.Decimal
	StopPrice    *decimal.Decimal
	State        OrderState
	FilledQty    decimal.Decimal
	AvgFillPrice decimal.Decimal
	FeesPaid     decimal.Decimal
	CreatedAt    time.Time
	UpdatedAt    time.Time
	ClientID     string
	StrategyTag  string
	RejectReason string
}

// Remaining returns Quantity - FilledQty.
func (o Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQty)
}

// Position is the per-(account,symbol) exposure. Quantity is
// always non-negative; Side == Flat iff Quantity.IsZero().
type Position struct {
	Symbol        string
	Side          PositionSide
	Quantity      decimal.Decimal
	AvgEntryPrice decimal.Decimal
	RealizedPnL   decimal.Decimal
	UnrealizedPnL decimal.Decimal
	FeesPaid      decimal.Decimal
	OpenedAt      time.Time
	UpdatedAt     time.Time
}

// Trade is an immutable fill record, emitted once per (partial) fill.
type Trade struct {
	ID        string
	OrderID   string
	Symbol    string
	Side      Side
	Quantity  decimal.Decimal
	Price     decimal.Decimal
	Fees      decimal.Decimal
	Maker     bool // true for every limit-order fill, including one marketable at submission; false for market orders
	Timestamp time.Time
}

// Signal is emitted by a strategy and consumed by the order router.
type Signal struct {
	ID           string
	Symbol       string
	Kind         SignalKind
	Quantity     decimal.Decimal
	Price        *decimal.Decimal // nil = market
	Strength     float64          // [0,1]
	Reason       string
	Metadata     map[string]string
	StrategyName string
	ParamsDigest string
	CreatedAt    time.Time
}

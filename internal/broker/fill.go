package broker

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradepipeline/pkg/metrics"
	"tradepipeline/pkg/types"
)

// isMarketable reports whether order would execute immediately against
// referencePrice: market orders always are; limit orders are marketable
// when price has already traded through the limit.
func isMarketable(order *types.Order, referencePrice decimal.Decimal) bool {
	switch order.Kind {
	case types.OrderMarket:
		return true
	case types.OrderLimit:
		if order.LimitPrice == nil {
			return false
		}
		if order.Side == types.Buy {
			return referencePrice.LessThanOrEqual(*order.LimitPrice)
		}
		return referencePrice.GreaterThanOrEqual(*order.LimitPrice)
	default:
		return false
	}
}

// tryFill attempts to fully fill the order's remaining quantity against
// referencePrice. The paper broker always fills completely or not at all —
// there is no partial-liquidity model, since a simulated book has no real
// depth to exhaust other than the configured slippage curve.
func (b *Broker) tryFill(order *types.Order, referencePrice decimal.Decimal) []types.Trade {
	if order.State.Terminal() {
		return nil
	}
	if !isMarketable(order, referencePrice) {
		return nil
	}

	remaining := order.Remaining()
	if remaining.Sign() <= 0 {
		return nil
	}

	maker := order.Kind == types.OrderLimit
	fillPrice := b.applySlippage(referencePrice, remaining, order.Side, maker)
	if maker {
		// isMarketable has already confirmed LimitPrice is set.
		fillPrice = *order.LimitPrice
	}

	feeBps := b.cfg.TakerFeeBps
	if maker {
		feeBps = b.cfg.MakerFeeBps
	}
	notional := fillPrice.Mul(remaining)
	fee := notional.Mul(decimal.NewFromInt(int64(feeBps))).Div(decimal.NewFromInt(10000))

	trade := types.Trade{
		ID:        uuid.NewString(),
		OrderID:   order.ID,
		Symbol:    order.Symbol,
		Side:      order.Side,
		Quantity:  remaining,
		Price:     fillPrice,
		Fees:      fee,
		Maker:     maker,
		Timestamp: time.Now(),
	}

	order.FilledQty = order.FilledQty.Add(remaining)
	order.AvgFillPrice = weightedAverage(order.AvgFillPrice, order.FilledQty.Sub(remaining), fillPrice, remaining)
	order.FeesPaid = order.FeesPaid.Add(fee)
	order.State = types.OrderFilled
	order.UpdatedAt = time.Now()

	b.balance = b.balance.Sub(fee)
	b.applyFillToPosition(trade)
	balance, _ := b.balance.Float64()
	metrics.BrokerBalance.Set(balance)

	return []types.Trade{trade}
}

func weightedAverage(prevAvg, prevQty, newPrice, newQty decimal.Decimal) decimal.Decimal {
	totalQty := prevQty.Add(newQty)
	if totalQty.Sign() <= 0 {
		return newPrice
	}
	return prevAvg.Mul(prevQty).Add(newPrice.Mul(newQty)).Div(totalQty)
}

// applySlippage widens the fill price away from the trader per the
// configured base + depth-impact model, worse for a larger order relative
// to the assumed book depth, capped at MaxSlippageBps.
func (b *Broker) applySlippage(referencePrice, quantity decimal.Decimal, side types.Side, maker bool) decimal.Decimal {
	if maker {
		// Limit orders take no slippage; tryFill prices their fills at
		// the order's own limit price.
		return referencePrice
	}

	notional, _ := referencePrice.Mul(quantity).Float64()
	depth := b.cfg.AssumedBookDepth
	if depth <= 0 {
		depth = 1
	}
	impactBps := notional / depth * b.cfg.ImpactFactor * 10000
	if impactBps < 0 {
		impactBps = 0
	}
	if impactBps > float64(b.cfg.MaxSlippageBps) {
		impactBps = float64(b.cfg.MaxSlippageBps)
	}
	totalBps := float64(b.cfg.BaseSlippageBps) + impactBps
	if totalBps > float64(b.cfg.MaxSlippageBps) {
		totalBps = float64(b.cfg.MaxSlippageBps)
	}

	adj := referencePrice.Mul(decimal.NewFromFloat(totalBps)).Div(decimal.NewFromInt(10000))
	if side == types.Buy {
		return referencePrice.Add(adj)
	}
	return referencePrice.Sub(adj)
}

// applyFillToPosition updates the account's position for trade.Symbol:
// same-side fills extend the position at a new weighted-average entry
// price; opposite-side fills realize PnL against the existing average
// entry and, if the fill size exceeds the open quantity, flip the
// position to the other side at the fill price for the excess.
func (b *Broker) applyFillToPosition(trade types.Trade) {
	pos, ok := b.positions[trade.Symbol]
	if !ok {
		pos = &types.Position{Symbol: trade.Symbol, Side: types.PositionFlat, OpenedAt: trade.Timestamp}
		b.positions[trade.Symbol] = pos
	}
	pos.UpdatedAt = trade.Timestamp
	pos.FeesPaid = pos.FeesPaid.Add(trade.Fees)

	fillSide := positionSideFor(trade.Side)

	if pos.Side == types.PositionFlat || pos.Quantity.Sign() == 0 {
		pos.Side = fillSide
		pos.Quantity = trade.Quantity
		pos.AvgEntryPrice = trade.Price
		pos.OpenedAt = trade.Timestamp
		return
	}

	if pos.Side == fillSide {
		pos.AvgEntryPrice = weightedAverage(pos.AvgEntryPrice, pos.Quantity, trade.Price, trade.Quantity)
		pos.Quantity = pos.Quantity.Add(trade.Quantity)
		return
	}

	// Opposite side: realize PnL against the existing average entry,
	// then reduce or flip.
	closedQty := decimal.Min(pos.Quantity, trade.Quantity)
	pnl := trade.Price.Sub(pos.AvgEntryPrice).Mul(closedQty)
	if pos.Side == types.PositionShort {
		pnl = pnl.Neg()
	}
	pos.RealizedPnL = pos.RealizedPnL.Add(pnl)
	b.balance = b.balance.Add(pnl)
	realized, _ := pos.RealizedPnL.Float64()
	metrics.PositionPnL.WithLabelValues(trade.Symbol, "realized").Set(realized)

	remaining := trade.Quantity.Sub(closedQty)
	newPosQty := pos.Quantity.Sub(closedQty)

	if remaining.Sign() > 0 {
		// Fill size exceeded the open position: flip to the new side for
		// the excess, opened fresh at the fill price.
		pos.Side = fillSide
		pos.Quantity = remaining
		pos.AvgEntryPrice = trade.Price
		pos.OpenedAt = trade.Timestamp
		return
	}

	pos.Quantity = newPosQty
	if pos.Quantity.Sign() == 0 {
		pos.Side = types.PositionFlat
		pos.AvgEntryPrice = decimal.Zero
	}
}

func positionSideFor(side types.Side) types.PositionSide {
	if side == types.Buy {
		return types.PositionLong
	}
	return types.PositionShort
}

// markUnrealized recomputes unrealized PnL for symbol's position against
// the latest marked price, without touching realized PnL or cash balance.
func (b *Broker) markUnrealized(symbol string, price decimal.Decimal) {
	pos, ok := b.positions[symbol]
	if !ok || pos.Quantity.Sign() == 0 {
		return
	}
	diff := price.Sub(pos.AvgEntryPrice)
	if pos.Side == types.PositionShort {
		diff = diff.Neg()
	}
	pos.UnrealizedPnL = diff.Mul(pos.Quantity)
	unrealized, _ := pos.UnrealizedPnL.Float64()
	metrics.PositionPnL.WithLabelValues(symbol, "unrealized").Set(unrealized)
}

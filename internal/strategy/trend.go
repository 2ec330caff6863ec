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

type regime string

const (
	regimeBullish regime = "bullish"
	regimeBearish regime = "bearish"
	regimeNeutral regime = "neutral"
)

// tradeOutcome is one closed trade's PnL, kept in a fixed-size ring so
// Kelly sizing reacts to recent performance rather than the strategy's
// entire lifetime history.
type tradeOutcome struct {
	pnl float64
}

const tradeHistoryCap = 50

// Trend is an EMA-crossover trend-following strategy with an ATR-based
// stop/trailing-stop and Kelly-fraction position sizing.
type Trend struct {
	cfg    config.TrendConfig
	symbol string

	priceHistory  []float64
	highHistory   []float64
	lowHistory    []float64
	volumeHistory []float64

	fastMA, slowMA, atr float64
	prevFastMA, prevSlowMA float64
	currentRegime, prevRegime regime
	signalStrength            float64

	positionSize float64 // signed: >0 long, <0 short, 0 flat
	entryPrice   float64
	stopLoss     float64
	trailingStop float64
	highestPrice float64
	lowestPrice  float64

	trades       []tradeOutcome
	paramsDigest string
}

// NewTrend constructs a Trend strategy with the given tuning parameters.
func NewTrend(cfg config.TrendConfig) *Trend {
	return &Trend{
		cfg:          cfg,
		currentRegime: regimeNeutral,
		paramsDigest: fmt.Sprintf("trend:%d:%d:%.4f", cfg.FastMA, cfg.SlowMA, cfg.ATRMultiplier),
	}
}

// Name implements Strategy.
func (tr *Trend) Name() string { return "trend" }

// Init implements Strategy.
func (tr *Trend) Init(symbol string) {
	tr.symbol = symbol
	tr.lowestPrice = math.Inf(1)
}

// OnTick implements Strategy: only stop/trailing-stop checks run intrabar;
// entries and regime transitions are decided on bar close.
func (tr *Trend) OnTick(tick types.Tick) []types.Signal {
	price, _ := tick.Price.Float64()
	if price <= 0 {
		return nil
	}
	if sig := tr.checkStops(price); sig != nil {
		tr.positionSize = 0
		tr.entryPrice = 0
		return []types.Signal{*sig}
	}
	return nil
}

// OnBar implements Strategy: updates indicators, detects regime
// transitions, and opens/closes positions on crossover.
func (tr *Trend) OnBar(bar types.Bar) []types.Signal {
	close_, _ := bar.Close.Float64()
	high, _ := bar.High.Float64()
	low, _ := bar.Low.Float64()
	volume, _ := bar.Volume.Float64()

	tr.pushBounded(&tr.priceHistory, close_, tr.cfg.SlowMA*2)
	tr.pushBounded(&tr.highHistory, high, tr.cfg.VolFilterPeriod*2)
	tr.pushBounded(&tr.lowHistory, low, tr.cfg.VolFilterPeriod*2)
	tr.pushBounded(&tr.volumeHistory, volume, tr.cfg.VolFilterPeriod*2)

	if len(tr.priceHistory) < tr.cfg.SlowMA {
		return nil
	}

	tr.prevFastMA, tr.prevSlowMA = tr.fastMA, tr.slowMA
	tr.prevRegime = tr.currentRegime
	tr.updateIndicators()
	tr.detectRegime()

	var signals []types.Signal

	if tr.positionSize == 0 {
		if sig := tr.checkEntry(close_); sig != nil {
			signals = append(signals, *sig)
		}
	} else if sig := tr.checkRegimeExit(close_); sig != nil {
		signals = append(signals, *sig)
	}

	if tr.positionSize != 0 {
		if sig := tr.checkStops(close_); sig != nil {
			signals = append(signals, *sig)
			tr.positionSize = 0
			tr.entryPrice = 0
		}
	}

	return signals
}

// OnFill implements Strategy.
func (tr *Trend) OnFill(trade types.Trade) {}

func (tr *Trend) pushBounded(series *[]float64, v float64, limit int) {
	if limit <= 0 {
		limit = 1
	}
	*series = append(*series, v)
	if len(*series) > limit {
		*series = (*series)[len(*series)-limit:]
	}
}

func (tr *Trend) updateIndicators() {
	if len(tr.priceHistory) >= tr.cfg.FastMA {
		tr.fastMA = ema(tr.priceHistory, tr.cfg.FastMA)
	}
	if len(tr.priceHistory) >= tr.cfg.SlowMA {
		tr.slowMA = ema(tr.priceHistory, tr.cfg.SlowMA)
	}
	if len(tr.highHistory) >= tr.cfg.VolFilterPeriod && len(tr.lowHistory) >= tr.cfg.VolFilterPeriod &&
		len(tr.priceHistory) >= tr.cfg.VolFilterPeriod {
		tr.atr = averageTrueRange(tr.highHistory, tr.lowHistory, tr.priceHistory, tr.cfg.VolFilterPeriod)
	}
}

func ema(series []float64, period int) float64 {
	if period <= 0 || len(series) == 0 {
		return 0
	}
	alpha := 2.0 / (float64(period) + 1)
	start := len(series) - period
	if start < 0 {
		start = 0
	}
	window := series[start:]
	value := window[0]
	for _, p := range window[1:] {
		value = alpha*p + (1-alpha)*value
	}
	return value
}

func averageTrueRange(high, low, close []float64, period int) float64 {
	n := len(close)
	if n < 2 || period <= 0 {
		return 0
	}
	start := n - period
	if start < 1 {
		start = 1
	}
	sum := 0.0
	count := 0
	for i := start; i < n; i++ {
		if i >= len(high) || i >= len(low) {
			continue
		}
		tr1 := high[i] - low[i]
		tr2 := math.Abs(high[i] - close[i-1])
		tr3 := math.Abs(low[i] - close[i-1])
		trueRange := math.Max(tr1, math.Max(tr2, tr3))
		sum += trueRange
		count++
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

func (tr *Trend) detectRegime() {
	if tr.fastMA == 0 || tr.slowMA == 0 {
		tr.currentRegime = regimeNeutral
		tr.signalStrength = 0
		return
	}

	diffPct := (tr.fastMA - tr.slowMA) / tr.slowMA

	volumeIncreasing := false
	if len(tr.volumeHistory) >= 20 {
		recent := mean(tr.volumeHistory[len(tr.volumeHistory)-5:])
		avg := mean(tr.volumeHistory[len(tr.volumeHistory)-20:])
		volumeIncreasing = recent > avg*1.2
	}

	switch {
	case diffPct > tr.cfg.RegimeThreshold:
		if volumeIncreasing {
			tr.currentRegime = regimeBullish
		} else {
			tr.currentRegime = regimeNeutral
		}
		tr.signalStrength = math.Min(1.0, math.Abs(diffPct)/0.05)
	case diffPct < -tr.cfg.RegimeThreshold:
		if volumeIncreasing {
			tr.currentRegime = regimeBearish
		} else {
			tr.currentRegime = regimeNeutral
		}
		tr.signalStrength = math.Min(1.0, math.Abs(diffPct)/0.05)
	default:
		tr.currentRegime = regimeNeutral
		tr.signalStrength = 0
	}
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func (tr *Trend) checkEntry(price float64) *types.Signal {
	bullishCross := tr.prevRegime != regimeBullish && tr.currentRegime == regimeBullish &&
		tr.prevFastMA <= tr.prevSlowMA && tr.fastMA > tr.slowMA
	bearishCross := tr.prevRegime != regimeBearish && tr.currentRegime == regimeBearish &&
		tr.prevFastMA >= tr.prevSlowMA && tr.fastMA < tr.slowMA

	if bullishCross {
		qty := tr.positionSizeFor(price)
		if qty <= 0 {
			return nil
		}
		tr.stopLoss, tr.trailingStop = tr.calculateStops(price, types.Buy)
		tr.positionSize = qty
		tr.entryPrice = price
		tr.highestPrice = price
		return tr.newSignal(types.Buy, qty, tr.signalStrength,
			fmt.Sprintf("bullish crossover: fast(%.2f) > slow(%.2f)", tr.fastMA, tr.slowMA),
			map[string]string{"regime": string(tr.currentRegime)})
	}
	if bearishCross {
		qty := tr.positionSizeFor(price)
		if qty <= 0 {
			return nil
		}
		tr.stopLoss, tr.trailingStop = tr.calculateStops(price, types.Sell)
		tr.positionSize = -qty
		tr.entryPrice = price
		tr.lowestPrice = price
		return tr.newSignal(types.Sell, qty, tr.signalStrength,
			fmt.Sprintf("bearish crossover: fast(%.2f) < slow(%.2f)", tr.fastMA, tr.slowMA),
			map[string]string{"regime": string(tr.currentRegime)})
	}
	return nil
}

func (tr *Trend) checkRegimeExit(price float64) *types.Signal {
	if tr.positionSize > 0 && tr.currentRegime == regimeBearish {
		qty := tr.positionSize
		tr.recordTrade((price - tr.entryPrice) * qty)
		tr.positionSize = 0
		tr.entryPrice = 0
		return tr.newSignal(types.Sell, qty, 0.8, "regime changed to bearish, exiting long", map[string]string{"regime": string(tr.currentRegime)})
	}
	if tr.positionSize < 0 && tr.currentRegime == regimeBullish {
		qty := math.Abs(tr.positionSize)
		tr.recordTrade((tr.entryPrice - price) * qty)
		tr.positionSize = 0
		tr.entryPrice = 0
		return tr.newSignal(types.Buy, qty, 0.8, "regime changed to bullish, exiting short", map[string]string{"regime": string(tr.currentRegime)})
	}
	return nil
}

// checkStops implements the stop-loss/trailing-stop logic, ratcheting the
// trailing stop in the position's favor as price makes new extremes.
func (tr *Trend) checkStops(price float64) *types.Signal {
	if tr.positionSize == 0 {
		return nil
	}

	ratio := 1.0
	if tr.cfg.StopPct > 0 {
		ratio = tr.cfg.TrailingPct / tr.cfg.StopPct
	}

	if tr.positionSize > 0 {
		if price > tr.highestPrice {
			tr.highestPrice = price
			newTrailing := price - tr.atr*tr.cfg.ATRMultiplier*ratio
			if newTrailing > tr.trailingStop {
				tr.trailingStop = newTrailing
			}
		}
		if price <= tr.stopLoss {
			return tr.stopSignal(types.Sell, tr.positionSize, price, "stop_loss")
		}
		if price <= tr.trailingStop {
			return tr.stopSignal(types.Sell, tr.positionSize, price, "trailing_stop")
		}
		return nil
	}

	if price < tr.lowestPrice {
		tr.lowestPrice = price
		newTrailing := price + tr.atr*tr.cfg.ATRMultiplier*ratio
		if newTrailing < tr.trailingStop || tr.trailingStop == 0 {
			tr.trailingStop = newTrailing
		}
	}
	if price >= tr.stopLoss {
		return tr.stopSignal(types.Buy, math.Abs(tr.positionSize), price, "stop_loss")
	}
	if price >= tr.trailingStop {
		return tr.stopSignal(types.Buy, math.Abs(tr.positionSize), price, "trailing_stop")
	}
	return nil
}

func (tr *Trend) stopSignal(side types.Side, qty, price float64, stopType string) *types.Signal {
	if side == types.Sell {
		tr.recordTrade((price - tr.entryPrice) * qty)
	} else {
		tr.recordTrade((tr.entryPrice - price) * qty)
	}
	return tr.newSignal(side, qty, 1.0, fmt.Sprintf("%s hit at %.2f", stopType, price),
		map[string]string{"stop_type": stopType})
}

func (tr *Trend) calculateStops(entryPrice float64, side types.Side) (stopLoss, trailingStop float64) {
	stopDistance := tr.atr * tr.cfg.ATRMultiplier
	if stopDistance <= 0 {
		stopDistance = entryPrice * tr.cfg.StopPct / 100
	}
	ratio := 1.0
	if tr.cfg.StopPct > 0 {
		ratio = tr.cfg.TrailingPct / tr.cfg.StopPct
	}
	if side == types.Buy {
		return entryPrice - stopDistance, entryPrice - stopDistance*ratio
	}
	return entryPrice + stopDistance, entryPrice + stopDistance*ratio
}

func (tr *Trend) recordTrade(pnl float64) {
	tr.trades = append(tr.trades, tradeOutcome{pnl: pnl})
	if len(tr.trades) > tradeHistoryCap {
		tr.trades = tr.trades[len(tr.trades)-tradeHistoryCap:]
	}
}

// positionSizeFor applies the Kelly criterion, scaled by the current
// regime's signal strength, to the recent (ring-buffered) trade history.
func (tr *Trend) positionSizeFor(price float64) float64 {
	if price <= 0 {
		return 0
	}

	wins, losses := 0, 0
	var winSum, lossSum float64
	for _, t := range tr.trades {
		if t.pnl > 0 {
			wins++
			winSum += t.pnl
		} else if t.pnl < 0 {
			losses++
			lossSum += -t.pnl
		}
	}

	winProb := 0.5
	if wins+losses > 10 {
		winProb = float64(wins) / float64(wins+losses)
	}

	avgWin := tr.atr * 2
	if wins > 0 {
		avgWin = winSum / float64(wins)
	}
	avgLoss := tr.atr
	if losses > 0 {
		avgLoss = lossSum / float64(losses)
	}
	winLossRatio := 1.5
	if avgLoss > 0 {
		winLossRatio = avgWin / avgLoss
	}

	var kellyPct float64
	if winProb >= tr.cfg.MinWinProbability {
		kellyPct = kellyCriterion(winProb, winLossRatio, tr.cfg.KellyFraction)
	}
	kellyPct *= tr.signalStrength

	positionValue := math.Min(tr.cfg.MaxPositionUSD*kellyPct, tr.cfg.MaxPositionUSD)
	if positionValue <= 0 {
		return 0
	}
	return positionValue / price
}

// kellyCriterion returns the fractional-Kelly position sizing percentage
// for a win probability p and win/loss payout ratio b, scaled down by
// fraction (applying the full Kelly stake is rarely desirable in practice).
func kellyCriterion(winProb, winLossRatio, fraction float64) float64 {
	if winLossRatio <= 0 {
		return 0
	}
	kelly := winProb - (1-winProb)/winLossRatio
	if kelly <= 0 {
		return 0
	}
	return kelly * fraction
}

func (tr *Trend) newSignal(side types.Side, qty, strength float64, reason string, meta map[string]string) *types.Signal {
	kind := types.SignalBuy
	if side == types.Sell {
		kind = types.SignalSell
	}
	return &types.Signal{
		ID:           uuid.NewString(),
		Symbol:       tr.symbol,
		Kind:         kind,
		Quantity:     decimal.NewFromFloat(qty),
		Strength:     strength,
		Reason:       reason,
		Metadata:     meta,
		StrategyName: tr.Name(),
		ParamsDigest: tr.paramsDigest,
		CreatedAt:    time.Now(),
	}
}

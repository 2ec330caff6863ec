// Package risk implements the Risk Guard: an ordered, short-circuiting
// series of pre-trade checks every signal-derived order must clear before
// the router dispatches it. Checks run in a fixed order and the first
// failure wins — later checks never run once one has rejected the order —
// so the reported reason always names the binding constraint.
package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradepipeline/internal/config"
	"tradepipeline/pkg/metrics"
)

// Stable rejection reason strings. The router and control plane surface
// these verbatim, so they intentionally don't change wording between
// releases.
const (
	ReasonKillSwitch      = "kill switch engaged"
	ReasonDailyLossBreach = "Daily loss limit exceeded"
	ReasonPositionCount   = "position count limit reached"
	ReasonPerOrderCap     = "order notional exceeds per-order cap"
	ReasonAbsoluteCap     = "order notional exceeds absolute notional cap"
	ReasonTotalExposure   = "total exposure limit exceeded"
)

// Check is one named pre-trade gate.
type Check struct {
	Name   string
	Passed bool
	Reason string
}

// Decision is the outcome of evaluating an order against every check.
type Decision struct {
	Allowed bool
	Reason  string
	Checks  []Check
}

// AccountState is the snapshot of account-level facts the guard checks
// against. The router/broker populate this fresh for each evaluation.
type AccountState struct {
	EquityStart   decimal.Decimal // equity at the start of the current UTC trading day
	EquityNow     decimal.Decimal
	OpenPositions int
	TotalExposure decimal.Decimal // sum of abs(notional) across all open positions
}

// priceAnchor is the reference price a symbol's rapid-movement window
// started from.
type priceAnchor struct {
	price     decimal.Decimal
	anchoredAt time.Time
}

// Guard evaluates orders against the configured limits. Safe for
// concurrent use.
type Guard struct {
	cfg config.RiskConfig

	mu         sync.Mutex
	killSwitch bool
	killReason string
	dayStart   time.Time
	dayEquity  decimal.Decimal

	priceAnchors map[string]priceAnchor
}

// New constructs a Guard from its configuration.
func New(cfg config.RiskConfig) *Guard {
	return &Guard{cfg: cfg, priceAnchors: make(map[string]priceAnchor)}
}

// UpdateConfig replaces the guard's limits in place, letting an operator
// tighten or loosen caps without restarting the pipeline. Takes effect on
// the next Evaluate/CheckPriceMovement call.
func (g *Guard) UpdateConfig(cfg config.RiskConfig) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cfg = cfg
}

// CheckPriceMovement compares price to the reference price anchored at the
// start of the configured window for symbol, tripping the kill switch if it
// moved more than KillSwitchDropPct. The anchor resets whenever it is
// missing or older than KillSwitchWindow, so each window is judged against
// its own starting price rather than a single fixed baseline.
func (g *Guard) CheckPriceMovement(symbol string, price decimal.Decimal, now time.Time) {
	if g.cfg.KillSwitchDropPct <= 0 {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	anchor, ok := g.priceAnchors[symbol]
	if !ok || now.Sub(anchor.anchoredAt) > g.cfg.KillSwitchWindow {
		g.priceAnchors[symbol] = priceAnchor{price: price, anchoredAt: now}
		return
	}
	if anchor.price.Sign() == 0 {
		return
	}

	pctChange := price.Sub(anchor.price).Div(anchor.price).Abs().Mul(decimal.NewFromInt(100))
	if pctChange.GreaterThan(decimal.NewFromFloat(g.cfg.KillSwitchDropPct)) {
		g.killSwitch = true
		g.killReason = fmt.Sprintf("rapid price movement on %s: %s%% in %s", symbol, pctChange.StringFixed(1), g.cfg.KillSwitchWindow)
	}
}

// Evaluate runs every check in order against a proposed order notional and
// the current account state, stopping at the first failure.
func (g *Guard) Evaluate(orderNotional decimal.Decimal, account AccountState) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.rollDailyWindowLocked(account.EquityStart)

	checks := []Check{}

	if g.killSwitch {
		checks = append(checks, Check{Name: "kill_switch", Passed: false, Reason: g.killReasonLocked()})
		metrics.RiskRejections.WithLabelValues("kill_switch").Inc()
		return Decision{Allowed: false, Reason: checks[len(checks)-1].Reason, Checks: checks}
	}
	checks = append(checks, Check{Name: "kill_switch", Passed: true})

	if dailyLossBreached(account.EquityStart, account.EquityNow, g.cfg.DailyLossLimitPct) {
		reason := ReasonDailyLossBreach
		checks = append(checks, Check{Name: "daily_loss", Passed: false, Reason: reason})
		// A daily-loss breach is a halt condition, not just a single rejected
		// order: it engages the kill switch so every subsequent order is
		// rejected too, until an operator calls ResetKillSwitch — the same
		// persist-until-reset contract TripKillSwitch gives explicit halts.
		g.killSwitch = true
		g.killReason = reason
		metrics.RiskRejections.WithLabelValues("daily_loss").Inc()
		return Decision{Allowed: false, Reason: reason, Checks: checks}
	}
	checks = append(checks, Check{Name: "daily_loss", Passed: true})

	if g.cfg.PositionLimit > 0 && account.OpenPositions >= g.cfg.PositionLimit {
		reason := fmt.Sprintf("%s (%d/%d)", ReasonPositionCount, account.OpenPositions, g.cfg.PositionLimit)
		checks = append(checks, Check{Name: "position_count", Passed: false, Reason: reason})
		metrics.RiskRejections.WithLabelValues("position_count").Inc()
		return Decision{Allowed: false, Reason: reason, Checks: checks}
	}
	checks = append(checks, Check{Name: "position_count", Passed: true})

	perOrderCap := account.EquityNow.Mul(decimal.NewFromFloat(g.cfg.MaxPositionSizePct)).Div(decimal.NewFromInt(100))
	if g.cfg.MaxPositionSizePct > 0 && orderNotional.GreaterThan(perOrderCap) {
		reason := fmt.Sprintf("%s: %s > %s", ReasonPerOrderCap, orderNotional.StringFixed(2), perOrderCap.StringFixed(2))
		checks = append(checks, Check{Name: "per_order_cap", Passed: false, Reason: reason})
		metrics.RiskRejections.WithLabelValues("per_order_cap").Inc()
		return Decision{Allowed: false, Reason: reason, Checks: checks}
	}
	checks = append(checks, Check{Name: "per_order_cap", Passed: true})

	if g.cfg.NotionalCap > 0 {
		cap := decimal.NewFromFloat(g.cfg.NotionalCap)
		if orderNotional.GreaterThan(cap) {
			reason := fmt.Sprintf("%s: %s > %s", ReasonAbsoluteCap, orderNotional.StringFixed(2), cap.StringFixed(2))
			checks = append(checks, Check{Name: "absolute_cap", Passed: false, Reason: reason})
			metrics.RiskRejections.WithLabelValues("absolute_cap").Inc()
			return Decision{Allowed: false, Reason: reason, Checks: checks}
		}
	}
	checks = append(checks, Check{Name: "absolute_cap", Passed: true})

	exposureCap := account.EquityNow.Mul(decimal.NewFromFloat(g.cfg.TotalExposurePct)).Div(decimal.NewFromInt(100))
	projectedExposure := account.TotalExposure.Add(orderNotional)
	if g.cfg.TotalExposurePct > 0 && projectedExposure.GreaterThan(exposureCap) {
		reason := fmt.Sprintf("%s: %s > %s", ReasonTotalExposure, projectedExposure.StringFixed(2), exposureCap.StringFixed(2))
		checks = append(checks, Check{Name: "total_exposure", Passed: false, Reason: reason})
		metrics.RiskRejections.WithLabelValues("total_exposure").Inc()
		return Decision{Allowed: false, Reason: reason, Checks: checks}
	}
	checks = append(checks, Check{Name: "total_exposure", Passed: true})

	return Decision{Allowed: true, Checks: checks}
}

func dailyLossBreached(equityStart, equityNow decimal.Decimal, limitPct float64) bool {
	if equityStart.Sign() <= 0 || limitPct <= 0 {
		return false
	}
	loss := equityStart.Sub(equityNow)
	if loss.Sign() <= 0 {
		return false
	}
	lossPct := loss.Div(equityStart).Mul(decimal.NewFromInt(100))
	return lossPct.GreaterThanOrEqual(decimal.NewFromFloat(limitPct))
}

// rollDailyWindowLocked resets the tracked day-start equity at the
// configured UTC reset hour. Called internally; caller must hold g.mu.
func (g *Guard) rollDailyWindowLocked(equityStart decimal.Decimal) {
	now := time.Now().UTC()
	resetHour := g.cfg.DailyResetUTCHour
	todayReset := time.Date(now.Year(), now.Month(), now.Day(), resetHour, 0, 0, 0, time.UTC)
	if now.Before(todayReset) {
		todayReset = todayReset.AddDate(0, 0, -1)
	}
	if g.dayStart.Before(todayReset) {
		g.dayStart = todayReset
		g.dayEquity = equityStart
	}
}

func (g *Guard) killReasonLocked() string {
	if g.killReason == "" {
		return ReasonKillSwitch
	}
	return fmt.Sprintf("%s: %s", ReasonKillSwitch, g.killReason)
}

// TripKillSwitch engages the kill switch with a human-readable reason. It
// stays engaged until ResetKillSwitch is called explicitly — a breach is
// never auto-cleared.
func (g *Guard) TripKillSwitch(reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.killSwitch = true
	g.killReason = reason
}

// ResetKillSwitch clears a previously tripped kill switch.
func (g *Guard) ResetKillSwitch() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.killSwitch = false
	g.killReason = ""
}

// KillSwitchEngaged reports the current kill switch state.
func (g *Guard) KillSwitchEngaged() (bool, string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.killSwitch, g.killReason
}

package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradepipeline/internal/config"
)

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		DailyLossLimitPct:  5,
		PositionLimit:      3,
		MaxPositionSizePct: 10,
		NotionalCap:        5000,
		TotalExposurePct:   50,
		DailyResetUTCHour:  0,
		KillSwitchDropPct:  0.1,
		KillSwitchWindow:   time.Minute,
	}
}

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func baseAccount() AccountState {
	return AccountState{
		EquityStart:   d("10000"),
		EquityNow:     d("10000"),
		OpenPositions: 0,
		TotalExposure: d("0"),
	}
}

func TestEvaluateAllowsWithinLimits(t *testing.T) {
	g := New(testRiskConfig())
	decision := g.Evaluate(d("500"), baseAccount())
	if !decision.Allowed {
		t.Fatalf("expected order within all limits to be allowed, got reason %q", decision.Reason)
	}
}

func TestEvaluateRejectsWhenKillSwitchEngaged(t *testing.T) {
	g := New(testRiskConfig())
	g.TripKillSwitch("manual halt")

	decision := g.Evaluate(d("100"), baseAccount())
	if decision.Allowed {
		t.Fatal("expected order to be rejected while kill switch is engaged")
	}
	if decision.Checks[0].Name != "kill_switch" {
		t.Errorf("first check = %s, want kill_switch to short-circuit first", decision.Checks[0].Name)
	}

	g.ResetKillSwitch()
	decision = g.Evaluate(d("100"), baseAccount())
	if !decision.Allowed {
		t.Fatalf("expected order to be allowed after kill switch reset, got reason %q", decision.Reason)
	}
}

func TestEvaluateRejectsOnDailyLossBreach(t *testing.T) {
	g := New(testRiskConfig())
	account := baseAccount()
	account.EquityNow = d("9400") // 6% drawdown, limit is 5%

	decision := g.Evaluate(d("100"), account)
	if decision.Allowed {
		t.Fatal("expected daily loss breach to reject the order")
	}
	if decision.Reason != ReasonDailyLossBreach {
		t.Errorf("Reason = %q, want %q", decision.Reason, ReasonDailyLossBreach)
	}

	engaged, _ := g.KillSwitchEngaged()
	if !engaged {
		t.Fatal("expected a daily loss breach to engage the kill switch, not just reject this one order")
	}

	// The switch must stay engaged even once equity recovers above the loss
	// threshold — only an explicit ResetKillSwitch clears it.
	account.EquityNow = d("10000")
	decision = g.Evaluate(d("100"), account)
	if decision.Allowed {
		t.Fatal("expected the kill switch to keep rejecting orders after equity recovered")
	}

	g.ResetKillSwitch()
	decision = g.Evaluate(d("100"), account)
	if !decision.Allowed {
		t.Fatalf("expected order to be allowed after explicit kill switch reset, got reason %q", decision.Reason)
	}
}

func TestEvaluateRejectsOnPositionCountLimit(t *testing.T) {
	g := New(testRiskConfig())
	account := baseAccount()
	account.OpenPositions = 3 // limit is 3

	decision := g.Evaluate(d("100"), account)
	if decision.Allowed {
		t.Fatal("expected position count limit to reject the order")
	}
}

func TestEvaluateRejectsOnPerOrderCap(t *testing.T) {
	g := New(testRiskConfig())
	account := baseAccount() // equity 10000, 10% cap = 1000

	decision := g.Evaluate(d("1500"), account)
	if decision.Allowed {
		t.Fatal("expected order above the per-order cap to be rejected")
	}
}

func TestEvaluateRejectsOnAbsoluteNotionalCap(t *testing.T) {
	cfg := testRiskConfig()
	cfg.MaxPositionSizePct = 100 // disable the per-order cap for this case
	g := New(cfg)

	decision := g.Evaluate(d("6000"), baseAccount()) // cap is 5000
	if decision.Allowed {
		t.Fatal("expected order above the absolute notional cap to be rejected")
	}
}

func TestEvaluateRejectsOnTotalExposureLimit(t *testing.T) {
	cfg := testRiskConfig()
	cfg.MaxPositionSizePct = 100
	cfg.NotionalCap = 100000
	g := New(cfg)

	account := baseAccount()
	account.TotalExposure = d("4800") // 50% cap of 10000 equity = 5000

	decision := g.Evaluate(d("500"), account)
	if decision.Allowed {
		t.Fatal("expected projected exposure above the total exposure cap to be rejected")
	}
}

func TestCheckPriceMovementTripsKillSwitchOnRapidMove(t *testing.T) {
	g := New(testRiskConfig())
	now := time.Now()

	g.CheckPriceMovement("BTC-USD", d("50000"), now)
	engaged, _ := g.KillSwitchEngaged()
	if engaged {
		t.Fatal("first observation should only anchor the price, not trip the switch")
	}

	g.CheckPriceMovement("BTC-USD", d("45000"), now.Add(10*time.Second)) // 10% drop within window
	engaged, reason := g.KillSwitchEngaged()
	if !engaged {
		t.Fatal("expected a 10% move within the window to trip the kill switch")
	}
	if reason == "" {
		t.Error("expected a non-empty kill switch reason")
	}
}

func TestCheckPriceMovementResetsAnchorAfterWindowExpires(t *testing.T) {
	g := New(testRiskConfig())
	now := time.Now()

	g.CheckPriceMovement("BTC-USD", d("50000"), now)
	g.CheckPriceMovement("BTC-USD", d("48000"), now.Add(2*time.Minute)) // window expired, anchor resets instead of tripping

	engaged, _ := g.KillSwitchEngaged()
	if engaged {
		t.Fatal("expected the stale anchor to reset rather than trip the kill switch")
	}
}

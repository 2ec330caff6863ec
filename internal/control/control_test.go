package control

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"

	"tradepipeline/internal/aggregator"
	"tradepipeline/internal/config"
	"tradepipeline/internal/risk"
	"tradepipeline/pkg/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		DailyLossLimitPct:  50,
		PositionLimit:      10,
		MaxPositionSizePct: 100,
		NotionalCap:        1_000_000,
		TotalExposurePct:   100,
		DailyResetUTCHour:  0,
	}
}

func TestPriceCacheReturnsLastUpdatedPrice(t *testing.T) {
	c := newPriceCache()
	if _, ok := c.LastPrice("BTC-USD"); ok {
		t.Fatal("expected no price before any update")
	}

	c.update("BTC-USD", decimal.NewFromInt(50000))
	price, ok := c.LastPrice("BTC-USD")
	if !ok {
		t.Fatal("expected a price after update")
	}
	if !price.Equal(decimal.NewFromInt(50000)) {
		t.Errorf("price = %s, want 50000", price)
	}

	c.update("BTC-USD", decimal.NewFromInt(51000))
	price, _ = c.LastPrice("BTC-USD")
	if !price.Equal(decimal.NewFromInt(51000)) {
		t.Errorf("price after second update = %s, want 51000", price)
	}
}

type recordingSink struct {
	writes []types.Bar
	failOn error
}

func (s *recordingSink) WriteBar(bar types.Bar) error {
	s.writes = append(s.writes, bar)
	return s.failOn
}

func TestFanoutSinkWritesToEverySinkDespiteErrors(t *testing.T) {
	a := &recordingSink{}
	b := &recordingSink{failOn: errors.New("boom")}
	fan := &fanoutSink{sinks: []aggregator.Sink{a, b}, logger: discardLogger()}

	bar := types.Bar{Symbol: "BTC-USD", Timeframe: "1m"}
	if err := fan.WriteBar(bar); err != nil {
		t.Fatalf("WriteBar() error = %v, want nil (errors are logged, not propagated)", err)
	}
	if len(a.writes) != 1 || len(b.writes) != 1 {
		t.Fatalf("expected both sinks to receive the bar, got a=%d b=%d", len(a.writes), len(b.writes))
	}
}

func TestKillSwitchEngagedReflectsGuardState(t *testing.T) {
	guard := risk.New(testRiskConfig())
	if killSwitchEngaged(guard) {
		t.Fatal("expected kill switch to start disengaged")
	}
	guard.TripKillSwitch("test")
	if !killSwitchEngaged(guard) {
		t.Fatal("expected kill switch to report engaged after trip")
	}
}

func TestBoolToFloat(t *testing.T) {
	if boolToFloat(true) != 1 {
		t.Error("boolToFloat(true) != 1")
	}
	if boolToFloat(false) != 0 {
		t.Error("boolToFloat(false) != 0")
	}
}

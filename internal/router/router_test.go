package router

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"tradepipeline/internal/config"
	"tradepipeline/internal/risk"
	"tradepipeline/pkg/types"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

// fakeBroker is a minimal in-memory stand-in for broker.Broker.
type fakeBroker struct {
	balance   decimal.Decimal
	submitted []types.Order
	failNext  bool
}

func (f *fakeBroker) Submit(order types.Order, referencePrice decimal.Decimal) (types.Order, []types.Trade, error) {
	if f.failNext {
		f.failNext = false
		return order, nil, errFakeSubmit
	}
	order.ID = "ord-1"
	order.State = types.OrderFilled
	f.submitted = append(f.submitted, order)
	return order, []types.Trade{{OrderID: order.ID, Symbol: order.Symbol, Side: order.Side, Quantity: order.Quantity, Price: referencePrice}}, nil
}

func (f *fakeBroker) Cancel(orderID string) (types.Order, error) {
	return types.Order{ID: orderID, State: types.OrderCancelled}, nil
}

func (f *fakeBroker) Position(symbol string) types.Position { return types.Position{Symbol: symbol} }
func (f *fakeBroker) Positions() []types.Position            { return nil }
func (f *fakeBroker) Balance() decimal.Decimal               { return f.balance }

var errFakeSubmit = fakeErr("submit failed")

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

// fakePrices always returns a fixed last price.
type fakePrices struct{ price decimal.Decimal }

func (f fakePrices) LastPrice(symbol string) (decimal.Decimal, bool) { return f.price, true }

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

func testRouterConfigNoKey() config.RouterConfig {
	return config.RouterConfig{Mode: "paper"}
}

func newTestRouter(b *fakeBroker) *Router {
	guard := risk.New(testRiskConfig())
	cfg := config.RouterConfig{Mode: "paper"}
	return New(cfg, guard, b, nil, fakePrices{price: d("50000")}, d("10000"), 0)
}

func TestPlaceAcceptsWithinLimits(t *testing.T) {
	b := &fakeBroker{balance: d("10000")}
	r := newTestRouter(b)

	order := types.Order{Symbol: "BTC-USD", Side: types.Buy, Kind: types.OrderMarket, Quantity: d("0.01")}
	placed, err := r.Place(context.Background(), order)
	if err != nil {
		t.Fatalf("Place() error = %v", err)
	}
	if placed.State != types.OrderFilled {
		t.Errorf("State = %s, want FILLED", placed.State)
	}
}

func TestPlaceRejectsOnKillSwitch(t *testing.T) {
	b := &fakeBroker{balance: d("10000")}
	r := newTestRouter(b)
	r.guard.TripKillSwitch("test halt")

	order := types.Order{Symbol: "BTC-USD", Side: types.Buy, Kind: types.OrderMarket, Quantity: d("0.01")}
	placed, err := r.Place(context.Background(), order)
	if err != nil {
		t.Fatalf("Place() error = %v", err)
	}
	if placed.State != types.OrderRejected {
		t.Errorf("State = %s, want REJECTED", placed.State)
	}
	if placed.RejectReason == "" {
		t.Error("expected a non-empty reject reason")
	}
}

func TestPlaceRejectsAboveNotionalCap(t *testing.T) {
	b := &fakeBroker{balance: d("10000")}
	cfg := testRiskConfig()
	cfg.NotionalCap = 100
	guard := risk.New(cfg)
	r := New(config.RouterConfig{Mode: "paper"}, guard, b, nil, fakePrices{price: d("50000")}, d("10000"), 0)

	order := types.Order{Symbol: "BTC-USD", Side: types.Buy, Kind: types.OrderMarket, Quantity: d("1")}
	placed, err := r.Place(context.Background(), order)
	if err != nil {
		t.Fatalf("Place() error = %v", err)
	}
	if placed.State != types.OrderRejected {
		t.Fatalf("State = %s, want REJECTED", placed.State)
	}
}

func TestPlaceSignalTranslatesBuyToMarketOrder(t *testing.T) {
	b := &fakeBroker{balance: d("10000")}
	r := newTestRouter(b)

	sig := types.Signal{ID: "sig-1", Symbol: "BTC-USD", Kind: types.SignalBuy, Quantity: d("0.01"), StrategyName: "grid"}
	placed, err := r.PlaceSignal(context.Background(), sig)
	if err != nil {
		t.Fatalf("PlaceSignal() error = %v", err)
	}
	if placed.Kind != types.OrderMarket {
		t.Errorf("Kind = %s, want MARKET (signal had no price)", placed.Kind)
	}
	if placed.StrategyTag != "grid" {
		t.Errorf("StrategyTag = %q, want %q", placed.StrategyTag, "grid")
	}
}

func TestPlaceSignalTranslatesSellWithPriceToLimitOrder(t *testing.T) {
	b := &fakeBroker{balance: d("10000")}
	r := newTestRouter(b)

	price := d("51000")
	sig := types.Signal{ID: "sig-2", Symbol: "BTC-USD", Kind: types.SignalSell, Quantity: d("0.01"), Price: &price}
	placed, err := r.PlaceSignal(context.Background(), sig)
	if err != nil {
		t.Fatalf("PlaceSignal() error = %v", err)
	}
	if placed.Kind != types.OrderLimit {
		t.Errorf("Kind = %s, want LIMIT (signal carried a price)", placed.Kind)
	}
}

func TestSwitchModeRejectsLiveWithoutAdapter(t *testing.T) {
	b := &fakeBroker{balance: d("10000")}
	r := newTestRouter(b)

	if err := r.SwitchMode(types.ModeLive); err == nil {
		t.Fatal("expected switching to live without a ready adapter to fail")
	}
}

func TestCancelUnknownOrderFails(t *testing.T) {
	b := &fakeBroker{balance: d("10000")}
	r := newTestRouter(b)

	if _, err := r.Cancel(context.Background(), "does-not-exist"); err == nil {
		t.Fatal("expected cancelling an untracked order to fail")
	}
}

func TestPlaceSignalDedupesRepeatedID(t *testing.T) {
	b := &fakeBroker{balance: d("10000")}
	cfg := testRiskConfig()
	guard := risk.New(cfg)
	router := New(config.RouterConfig{Mode: "paper", SignalDedupeWindow: 0}, guard, b, nil, fakePrices{price: d("50000")}, d("10000"), 0)
	router.cfg.SignalDedupeWindow = 1_000_000_000 // 1s, set after construction to avoid New's zero-value default path

	sig := types.Signal{ID: "dup-1", Symbol: "BTC-USD", Kind: types.SignalBuy, Quantity: d("0.01")}
	if _, err := router.PlaceSignal(context.Background(), sig); err != nil {
		t.Fatalf("first PlaceSignal() error = %v", err)
	}
	if _, err := router.PlaceSignal(context.Background(), sig); err == nil {
		t.Fatal("expected the second PlaceSignal() with the same signal id to be rejected as a duplicate")
	}
}

func TestStatsReflectsPlacedAndRejectedCounts(t *testing.T) {
	b := &fakeBroker{balance: d("10000")}
	r := newTestRouter(b)

	r.Place(context.Background(), types.Order{Symbol: "BTC-USD", Side: types.Buy, Kind: types.OrderMarket, Quantity: d("0.01")})
	r.guard.TripKillSwitch("halt")
	r.Place(context.Background(), types.Order{Symbol: "BTC-USD", Side: types.Buy, Kind: types.OrderMarket, Quantity: d("0.01")})

	stats := r.Stats()
	if stats.TotalPlaced != 1 {
		t.Errorf("TotalPlaced = %d, want 1", stats.TotalPlaced)
	}
	if stats.TotalRejected != 1 {
		t.Errorf("TotalRejected = %d, want 1", stats.TotalRejected)
	}
	if !stats.KillSwitch {
		t.Error("expected Stats to report the kill switch as engaged")
	}
}

type fakeFillListener struct {
	fills []types.Trade
}

func (f *fakeFillListener) OnFill(trade types.Trade) {
	f.fills = append(f.fills, trade)
}

func TestFillListenerNotifiedOnPaperFill(t *testing.T) {
	b := &fakeBroker{balance: d("10000")}
	r := newTestRouter(b)
	listener := &fakeFillListener{}
	r.AddFillListener(listener)

	order := types.Order{Symbol: "BTC-USD", Side: types.Buy, Kind: types.OrderMarket, Quantity: d("0.01")}
	if _, err := r.Place(context.Background(), order); err != nil {
		t.Fatalf("Place() error = %v", err)
	}
	if len(listener.fills) != 1 {
		t.Fatalf("len(fills) = %d, want 1", len(listener.fills))
	}
	if listener.fills[0].Symbol != "BTC-USD" {
		t.Errorf("fill symbol = %q, want BTC-USD", listener.fills[0].Symbol)
	}
}

package types

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestSideOpposite(t *testing.T) {
	if Buy.Opposite() != Sell {
		t.Errorf("Buy.Opposite() = %v, want Sell", Buy.Opposite())
	}
	if Sell.Opposite() != Buy {
		t.Errorf("Sell.Opposite() = %v, want Buy", Sell.Opposite())
	}
}

func TestOrderStateTerminal(t *testing.T) {
	terminal := []OrderState{OrderFilled, OrderCancelled, OrderRejected}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%v.Terminal() = false, want true", s)
		}
	}
	nonTerminal := []OrderState{OrderPending, OrderOpen, OrderPartiallyFilled}
	for _, s := range nonTerminal {
		if s.Terminal() {
			t.Errorf("%v.Terminal() = true, want false", s)
		}
	}
}

func TestTickMidWithBidAsk(t *testing.T) {
	bid := decimal.NewFromFloat(49900)
	ask := decimal.NewFromFloat(49910)
	tick := Tick{Bid: &bid, Ask: &ask, Price: decimal.NewFromFloat(49905)}

	got := tick.Mid()
	want := decimal.NewFromFloat(49905)
	if !got.Equal(want) {
		t.Errorf("Mid() = %v, want %v", got, want)
	}
}

func TestTickMidFallsBackToPrice(t *testing.T) {
	tick := Tick{Price: decimal.NewFromFloat(100)}
	got := tick.Mid()
	if !got.Equal(decimal.NewFromFloat(100)) {
		t.Errorf("Mid() = %v, want 100", got)
	}
}

func TestOrderRemaining(t *testing.T) {
	o := Order{
		Quantity:  decimal.NewFromFloat(1.0),
		FilledQty: decimal.NewFromFloat(0.4),
	}
	want := decimal.NewFromFloat(0.6)
	if !o.Remaining().Equal(want) {
		t.Errorf("Remaining() = %v, want %v", o.Remaining(), want)
	}
}

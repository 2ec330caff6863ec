package connector

import (
	"testing"
)

func TestGenericTradeDecoderDecode(t *testing.T) {
	d := GenericTradeDecoder{}
	raw := []byte(`{"type":"trade","symbol":"BTC-USD","price":"50000.5","quantity":"0.1","bid":"49999","ask":"50001","timestamp_ms":1700000000000}`)

	ticks, err := d.Decode(raw)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if len(ticks) != 1 {
		t.Fatalf("len(ticks) = %d, want 1", len(ticks))
	}
	tick := ticks[0]
	if tick.Symbol != "BTC-USD" {
		t.Errorf("Symbol = %q, want BTC-USD", tick.Symbol)
	}
	if tick.Bid == nil || tick.Ask == nil {
		t.Fatalf("expected bid/ask to be populated")
	}
}

func TestGenericTradeDecoderRejectsNonPositivePrice(t *testing.T) {
	d := GenericTradeDecoder{}
	raw := []byte(`{"type":"trade","symbol":"BTC-USD","price":"0","quantity":"1","timestamp_ms":1}`)

	if _, err := d.Decode(raw); err == nil {
		t.Fatal("expected error for non-positive price")
	}
}

func TestGenericTradeDecoderIgnoresInformationalFrames(t *testing.T) {
	d := GenericTradeDecoder{}
	raw := []byte(`{"type":"subscribed","symbol":""}`)

	ticks, err := d.Decode(raw)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if ticks != nil {
		t.Errorf("expected nil ticks for informational frame, got %v", ticks)
	}
}

func TestSubscribeFrames(t *testing.T) {
	d := GenericTradeDecoder{Channel: "trade"}
	frames, err := d.SubscribeFrames([]string{"BTC-USD", "ETH-USD"})
	if err != nil {
		t.Fatalf("SubscribeFrames() error = %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("len(frames) = %d, want 1", len(frames))
	}
}

package connector

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"tradepipeline/pkg/types"
)

// GenericTradeDecoder decodes the common "trade stream" shape used by most
// centralized-exchange public WebSocket feeds: a JSON object per trade with
// symbol, price, quantity, and an exchange timestamp in milliseconds. It
// also understands an optional best-bid/best-ask ticker frame.
//
// Real exchanges each have their own envelope; GenericTradeDecoder is the
// default wiring for exchanges whose wire format matches this shape, and a
// stand-in other decoders can be modeled after for exchanges that don't.
type GenericTradeDecoder struct {
	Channel string // subscription channel name, e.g. "trade"
}

type wireTrade struct {
	Type      string `json:"type"`
	Symbol    string `json:"symbol"`
	Price     string `json:"price"`
	Quantity  string `json:"quantity"`
	Bid       string `json:"bid,omitempty"`
	Ask       string `json:"ask,omitempty"`
	Timestamp int64  `json:"timestamp_ms"`
}

// Decode implements Decoder.
func (d GenericTradeDecoder) Decode(raw []byte) ([]types.Tick, error) {
	var w wireTrade
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("unmarshal trade frame: %w", err)
	}
	if w.Type != "" && w.Type != "trade" && w.Type != "ticker" {
		return nil, nil // informational frame (subscribe ack, heartbeat, ...): nothing to emit
	}

	price, err := decimal.NewFromString(w.Price)
	if err != nil {
		return nil, fmt.Errorf("parse price: %w", err)
	}
	if price.Sign() <= 0 {
		return nil, fmt.Errorf("non-positive price %s", w.Price)
	}

	qty := decimal.Zero
	if w.Quantity != "" {
		qty, err = decimal.NewFromString(w.Quantity)
		if err != nil {
			return nil, fmt.Errorf("parse quantity: %w", err)
		}
	}
	if qty.Sign() < 0 {
		return nil, fmt.Errorf("negative quantity %s", w.Quantity)
	}

	tick := types.Tick{
		Symbol:          w.Symbol,
		Price:           price,
		Volume:          qty,
		SourceTimestamp: time.UnixMilli(w.Timestamp),
	}
	if w.Bid != "" {
		if b, err := decimal.NewFromString(w.Bid); err == nil {
			tick.Bid = &b
		}
	}
	if w.Ask != "" {
		if a, err := decimal.NewFromString(w.Ask); err == nil {
			tick.Ask = &a
		}
	}

	return []types.Tick{tick}, nil
}

// SubscribeFrames implements Decoder.
func (d GenericTradeDecoder) SubscribeFrames(symbols []string) ([][]byte, error) {
	channel := d.Channel
	if channel == "" {
		channel = "trade"
	}
	msg := map[string]any{
		"op":       "subscribe",
		"channel":  channel,
		"symbols":  symbols,
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return [][]byte{b}, nil
}

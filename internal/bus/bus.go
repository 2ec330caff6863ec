// Package bus implements the Stream Bus: a durable,
// partitioned, replayable log of ticks with consumer-group delivery,
// backed by Redis Streams. One Redis stream key exists per (exchange,
// symbol); XADD gives each entry a monotonically increasing ID, XGROUP
// CREATE / XREADGROUP / XACK provide the at-least-once consumer-group
// semantics requires, and a background XAUTOCLAIM loop redelivers
// entries that sat unacknowledged past the visibility timeout.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"tradepipeline/internal/config"
	"tradepipeline/pkg/metrics"
	"tradepipeline/pkg/types"
)

// ErrUnavailable is returned when the broker cannot be reached.
type ErrUnavailable struct{ Err error }

func (e *ErrUnavailable) Error() string { return fmt.Sprintf("bus unavailable: %v", e.Err) }
func (e *ErrUnavailable) Unwrap() error { return e.Err }

// StartPosition selects where a new consumer group begins reading.
type StartPosition string

const (
	StartLatest  StartPosition = "latest"
	StartEarliest StartPosition = "earliest"
)

// Entry is one delivered item from a poll: the stream it came from, its
// opaque entry ID (for ack), and the decoded tick.
type Entry struct {
	Exchange string
	Symbol   string
	EntryID  string
	Tick     types.Tick
}

// Bus is the Redis-Streams-backed implementation of the stream bus.
type Bus struct {
	rdb    *redis.Client
	cfg    config.BusConfig
	logger *slog.Logger
}

// New connects to Redis and returns a Bus. Connection errors surface
// immediately so the control plane's boot probe fails fast rather than
// wedging on a dead dependency.
func New(ctx context.Context, cfg config.BusConfig, logger *slog.Logger) (*Bus, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, &ErrUnavailable{Err: err}
	}

	return &Bus{rdb: rdb, cfg: cfg, logger: logger.With("component", "bus")}, nil
}

// Close releases the underlying Redis connection pool.
func (b *Bus) Close() error {
	return b.rdb.Close()
}

func streamKey(exchange, symbol string) string {
	return fmt.Sprintf("ticks:%s:%s", exchange, symbol)
}

// Publish appends a tick to its (exchange,symbol) stream and returns the
// entry ID Redis assigned. Ticks and bus wire fields: exchange,
// symbol, price, volume, bid, ask, timestamp (seconds, fractional).
func (b *Bus) Publish(ctx context.Context, exchange, symbol string, tick types.Tick) (string, error) {
	start := time.Now()
	defer func() {
		metrics.BusPublishLatency.WithLabelValues(exchange, symbol).Observe(time.Since(start).Seconds())
	}()

	values := map[string]any{
		"exchange":  exchange,
		"symbol":    symbol,
		"price":     tick.Price.String(),
		"volume":    tick.Volume.String(),
		"timestamp": fmt.Sprintf("%.6f", float64(tick.SourceTimestamp.UnixMicro())/1e6),
	}
	if tick.Bid != nil {
		values["bid"] = tick.Bid.String()
	}
	if tick.Ask != nil {
		values["ask"] = tick.Ask.String()
	}

	args := &redis.XAddArgs{
		Stream: streamKey(exchange, symbol),
		Values: values,
	}
	if b.cfg.MaxStreamLen > 0 {
		args.MaxLen = b.cfg.MaxStreamLen
		args.Approx = true
	}

	id, err := b.rdb.XAdd(ctx, args).Result()
	if err != nil {
		return "", &ErrUnavailable{Err: err}
	}
	return id, nil
}

// Open creates (idempotently) a consumer group on every named stream,
// positioned at start. Streams that don't exist yet are created alongside
// the group (MKSTREAM) so late-starting consumers don't race producers.
func (b *Bus) Open(ctx context.Context, group string, streams []string, start StartPosition) error {
	from := "$"
	if start == StartEarliest {
		from = "0"
	}

	for _, s := range streams {
		err := b.rdb.XGroupCreateMkStream(ctx, s, group, from).Err()
		if err != nil && !isBusyGroupErr(err) {
			return &ErrUnavailable{Err: err}
		}
	}
	return nil
}

func isBusyGroupErr(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

// Poll reads up to maxEntries across the given streams for this
// (group,consumerID), blocking up to timeout when nothing is immediately
// available. Entries stay pending (unacknowledged) until Ack is called.
func (b *Bus) Poll(ctx context.Context, group, consumerID string, streams []string, maxEntries int64, timeout time.Duration) ([]Entry, error) {
	ids := make([]string, len(streams))
	for i := range streams {
		ids[i] = ">" // only new (never-delivered-to-this-group) entries
	}

	args := &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumerID,
		Streams:  append(append([]string{}, streams...), ids...),
		Count:    maxEntries,
		Block:    timeout,
	}

	res, err := b.rdb.XReadGroup(ctx, args).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, &ErrUnavailable{Err: err}
	}

	var out []Entry
	for _, stream := range res {
		exchange, symbol := splitStreamKey(stream.Stream)
		for _, msg := range stream.Messages {
			tick, err := decodeTick(msg.Values)
			if err != nil {
				b.logger.Warn("skipping malformed bus entry", "stream", stream.Stream, "id", msg.ID, "error", err)
				continue
			}
			out = append(out, Entry{Exchange: exchange, Symbol: symbol, EntryID: msg.ID, Tick: tick})
		}
	}
	return out, nil
}

// Ack removes an entry from the consumer group's pending set.
func (b *Bus) Ack(ctx context.Context, group, exchange, symbol, entryID string) error {
	if err := b.rdb.XAck(ctx, streamKey(exchange, symbol), group, entryID).Err(); err != nil {
		return &ErrUnavailable{Err: err}
	}
	return nil
}

// ReclaimStale runs one pass of XAUTOCLAIM per stream, redelivering entries
// whose idle time exceeds the configured visibility timeout to consumerID.
// The control plane runs this periodically per group.
func (b *Bus) ReclaimStale(ctx context.Context, group, consumerID string, streams []string) (int, error) {
	reclaimed := 0
	minIdle := b.cfg.VisibilityTimeout
	if minIdle <= 0 {
		minIdle = 30 * time.Second
	}
	for _, s := range streams {
		cursor := "0"
		for {
			msgs, next, err := b.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
				Stream:   s,
				Group:    group,
				Consumer: consumerID,
				MinIdle:  minIdle,
				Start:    cursor,
				Count:    100,
			}).Result()
			if err != nil {
				return reclaimed, &ErrUnavailable{Err: err}
			}
			reclaimed += len(msgs)
			if next == "0" || len(msgs) == 0 {
				break
			}
			cursor = next
		}
	}
	return reclaimed, nil
}

// Lag reports the number of pending (unacknowledged) entries for a group on
// one stream — used by the control plane's health surface.
func (b *Bus) Lag(ctx context.Context, group, exchange, symbol string) (int64, error) {
	info, err := b.rdb.XPending(ctx, streamKey(exchange, symbol), group).Result()
	if err != nil {
		if err == redis.Nil {
			metrics.BusConsumerLag.WithLabelValues(exchange, symbol, group).Set(0)
			return 0, nil
		}
		return 0, &ErrUnavailable{Err: err}
	}
	metrics.BusConsumerLag.WithLabelValues(exchange, symbol, group).Set(float64(info.Count))
	return info.Count, nil
}

func splitStreamKey(key string) (exchange, symbol string) {
	// "ticks:<exchange>:<symbol>"
	const prefix = "ticks:"
	if len(key) <= len(prefix) || key[:len(prefix)] != prefix {
		return "", ""
	}
	rest := key[len(prefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == ':' {
			return rest[:i], rest[i+1:]
		}
	}
	return rest, ""
}

func decimalField(values map[string]any, key string) (decimal.Decimal, error) {
	raw, ok := values[key]
	if !ok {
		return decimal.Zero, fmt.Errorf("missing field %q", key)
	}
	s, ok := raw.(string)
	if !ok {
		return decimal.Zero, fmt.Errorf("field %q is not a string", key)
	}
	return decimal.NewFromString(s)
}

func decodeTick(values map[string]any) (types.Tick, error) {
	price, err := decimalField(values, "price")
	if err != nil {
		return types.Tick{}, err
	}
	volume, _ := decimalField(values, "volume")

	var tick types.Tick
	tick.Price = price
	tick.Volume = volume

	if _, ok := values["bid"]; ok {
		if d, err := decimalField(values, "bid"); err == nil {
			tick.Bid = &d
		}
	}
	if _, ok := values["ask"]; ok {
		if d, err := decimalField(values, "ask"); err == nil {
			tick.Ask = &d
		}
	}

	if ts, ok := values["timestamp"].(string); ok {
		secs, err := strconv.ParseFloat(ts, 64)
		if err == nil {
			tick.SourceTimestamp = time.UnixMicro(int64(secs * 1e6))
		}
	}

	return tick, nil
}

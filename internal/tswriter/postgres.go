package tswriter

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tradepipeline/pkg/types"
)

// PostgresSink is the primary time-series store, backed by pgx's connection
// pool and COPY FROM for batch inserts.
type PostgresSink struct {
	pool *pgxpool.Pool
}

// NewPostgresSink connects to dsn and pings the pool; it does not check that
// the schema's tables exist.
func NewPostgresSink(ctx context.Context, dsn string) (*PostgresSink, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresSink{pool: pool}, nil
}

// Close releases the connection pool.
func (p *PostgresSink) Close() {
	p.pool.Close()
}

// Ping implements Sink.
func (p *PostgresSink) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// InsertTicks implements Sink using a CopyFrom for batch throughput.
func (p *PostgresSink) InsertTicks(ctx context.Context, rows []types.Tick) error {
	source := pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
		t := rows[i]
		var bid, ask any
		if t.Bid != nil {
			bid = t.Bid.String()
		}
		if t.Ask != nil {
			ask = t.Ask.String()
		}
		return []any{t.Exchange, t.Symbol, t.Price.String(), t.Volume.String(), bid, ask, t.SourceTimestamp, t.IngestTimestamp}, nil
	})
	_, err := p.pool.CopyFrom(ctx, pgx.Identifier{"ticks"},
		[]string{"exchange", "symbol", "price", "volume", "bid", "ask", "source_timestamp", "ingest_timestamp"}, source)
	if err != nil {
		return fmt.Errorf("copy ticks: %w", err)
	}
	return nil
}

// InsertBars implements Sink.
func (p *PostgresSink) InsertBars(ctx context.Context, rows []types.Bar) error {
	source := pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
		b := rows[i]
		return []any{b.Exchange, b.Symbol, b.Timeframe, b.Start, b.Open.String(), b.High.String(),
			b.Low.String(), b.Close.String(), b.Volume.String(), b.Count, b.VWAP.String()}, nil
	})
	_, err := p.pool.CopyFrom(ctx, pgx.Identifier{"ohlcv"},
		[]string{"exchange", "symbol", "timeframe", "start_time", "open", "high", "low", "close", "volume", "tick_count", "vwap"}, source)
	if err != nil {
		return fmt.Errorf("copy ohlcv: %w", err)
	}
	return nil
}

// InsertOrders implements Sink. Orders mutate (state transitions re-persist
// the same ID), so this upserts rather than appends.
func (p *PostgresSink) InsertOrders(ctx context.Context, rows []types.Order) error {
	batch := &pgx.Batch{}
	const upsert = `
INSERT INTO paper_orders (id, symbol, side, kind, quantity, limit_price, stop_price, state,
	filled_qty, avg_fill_price, fees_paid, created_at, updated_at, client_id, strategy_tag, reject_reason)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
ON CONFLICT (id) DO UPDATE SET
	state = EXCLUDED.state,
	filled_qty = EXCLUDED.filled_qty,
	avg_fill_price = EXCLUDED.avg_fill_price,
	fees_paid = EXCLUDED.fees_paid,
	updated_at = EXCLUDED.updated_at,
	reject_reason = EXCLUDED.reject_reason
`
	for _, o := range rows {
		var limitPrice, stopPrice any
		if o.LimitPrice != nil {
			limitPrice = o.LimitPrice.String()
		}
		if o.StopPrice != nil {
			stopPrice = o.StopPrice.String()
		}
		batch.Queue(upsert, o.ID, o.Symbol, string(o.Side), string(o.Kind), o.Quantity.String(),
			limitPrice, stopPrice, string(o.State), o.FilledQty.String(), o.AvgFillPrice.String(),
			o.FeesPaid.String(), o.CreatedAt, o.UpdatedAt, o.ClientID, o.StrategyTag, o.RejectReason)
	}
	br := p.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range rows {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("upsert order: %w", err)
		}
	}
	return nil
}

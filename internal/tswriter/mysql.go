package tswriter

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"tradepipeline/pkg/types"
)

// tickRow, barRow, and orderRow are gorm's table models for the fallback
// store. Decimal fields are stored as strings: MySQL's DECIMAL type would
// work too, but round-tripping through gorm's generic column mapping as
// strings avoids float precision loss without a custom scanner.
type tickRow struct {
	ID              uint64 `gorm:"primaryKey;autoIncrement"`
	Exchange        string `gorm:"size:32;index:idx_tick_lookup"`
	Symbol          string `gorm:"size:32;index:idx_tick_lookup"`
	Price           string `gorm:"size:64"`
	Volume          string `gorm:"size:64"`
	Bid             string `gorm:"size:64"`
	Ask             string `gorm:"size:64"`
	SourceTimestamp time.Time `gorm:"index:idx_tick_lookup"`
	IngestTimestamp time.Time
}

func (tickRow) TableName() string { return "ticks" }

type barRow struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	Exchange  string `gorm:"size:32;index:idx_bar_lookup"`
	Symbol    string `gorm:"size:32;index:idx_bar_lookup"`
	Timeframe string `gorm:"size:8;index:idx_bar_lookup"`
	StartTime time.Time `gorm:"index:idx_bar_lookup"`
	Open      string `gorm:"size:64"`
	High      string `gorm:"size:64"`
	Low       string `gorm:"size:64"`
	Close     string `gorm:"size:64"`
	Volume    string `gorm:"size:64"`
	TickCount int
	VWAP      string `gorm:"size:64"`
}

func (barRow) TableName() string { return "ohlcv" }

type orderRow struct {
	ID           string `gorm:"primaryKey;size:36"`
	Symbol       string `gorm:"size:32;index"`
	Side         string `gorm:"size:8"`
	Kind         string `gorm:"size:16"`
	Quantity     string `gorm:"size:64"`
	LimitPrice   string `gorm:"size:64"`
	StopPrice    string `gorm:"size:64"`
	State        string `gorm:"size:24;index"`
	FilledQty    string `gorm:"size:64"`
	AvgFillPrice string `gorm:"size:64"`
	FeesPaid     string `gorm:"size:64"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
	ClientID     string `gorm:"size:64"`
	StrategyTag  string `gorm:"size:64"`
	RejectReason string `gorm:"size:256"`
}

func (orderRow) TableName() string { return "paper_orders" }

// MySQLSink is the fallback time-series store, used when the Postgres
// primary is unreachable.
type MySQLSink struct {
	db *gorm.DB
}

// NewMySQLSink connects to dsn and migrates the fallback schema.
func NewMySQLSink(dsn string) (*MySQLSink, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("connect mysql: %w", err)
	}
	if err := db.AutoMigrate(&tickRow{}, &barRow{}, &orderRow{}); err != nil {
		return nil, fmt.Errorf("migrate mysql fallback schema: %w", err)
	}
	return &MySQLSink{db: db}, nil
}

// Ping implements Sink.
func (m *MySQLSink) Ping(ctx context.Context) error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// InsertTicks implements Sink.
func (m *MySQLSink) InsertTicks(ctx context.Context, rows []types.Tick) error {
	out := make([]tickRow, len(rows))
	for i, t := range rows {
		var bid, ask string
		if t.Bid != nil {
			bid = t.Bid.String()
		}
		if t.Ask != nil {
			ask = t.Ask.String()
		}
		out[i] = tickRow{
			Exchange: t.Exchange, Symbol: t.Symbol, Price: t.Price.String(), Volume: t.Volume.String(),
			Bid: bid, Ask: ask, SourceTimestamp: t.SourceTimestamp, IngestTimestamp: t.IngestTimestamp,
		}
	}
	return m.db.WithContext(ctx).CreateInBatches(out, 500).Error
}

// InsertBars implements Sink.
func (m *MySQLSink) InsertBars(ctx context.Context, rows []types.Bar) error {
	out := make([]barRow, len(rows))
	for i, b := range rows {
		out[i] = barRow{
			Exchange: b.Exchange, Symbol: b.Symbol, Timeframe: b.Timeframe, StartTime: b.Start,
			Open: b.Open.String(), High: b.High.String(), Low: b.Low.String(), Close: b.Close.String(),
			Volume: b.Volume.String(), TickCount: b.Count, VWAP: b.VWAP.String(),
		}
	}
	return m.db.WithContext(ctx).CreateInBatches(out, 500).Error
}

// InsertOrders implements Sink as an upsert keyed by order ID.
func (m *MySQLSink) InsertOrders(ctx context.Context, rows []types.Order) error {
	for _, o := range rows {
		var limitPrice, stopPrice string
		if o.LimitPrice != nil {
			limitPrice = o.LimitPrice.String()
		}
		if o.StopPrice != nil {
			stopPrice = o.StopPrice.String()
		}
		row := orderRow{
			ID: o.ID, Symbol: o.Symbol, Side: string(o.Side), Kind: string(o.Kind),
			Quantity: o.Quantity.String(), LimitPrice: limitPrice, StopPrice: stopPrice,
			State: string(o.State), FilledQty: o.FilledQty.String(), AvgFillPrice: o.AvgFillPrice.String(),
			FeesPaid: o.FeesPaid.String(), CreatedAt: o.CreatedAt, UpdatedAt: o.UpdatedAt,
			ClientID: o.ClientID, StrategyTag: o.StrategyTag, RejectReason: o.RejectReason,
		}
		if err := m.db.WithContext(ctx).Save(&row).Error; err != nil {
			return fmt.Errorf("upsert order %s: %w", o.ID, err)
		}
	}
	return nil
}

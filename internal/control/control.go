// Package control implements the Control Plane: it wires every other
// component together, owns their lifecycle (start order, shutdown order),
// and exposes the read/control surface an operator or dashboard drives the
// running pipeline through. There is no network transport here — callers
// embedding this package in a process of their own get a Go API; wiring a
// dashboard or RPC front end on top is a separate concern.
package control

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradepipeline/internal/aggregator"
	"tradepipeline/internal/broker"
	"tradepipeline/internal/bus"
	"tradepipeline/internal/config"
	"tradepipeline/internal/connector"
	"tradepipeline/internal/risk"
	"tradepipeline/internal/router"
	"tradepipeline/internal/strategy"
	"tradepipeline/internal/strategyengine"
	"tradepipeline/internal/tswriter"
	"tradepipeline/pkg/metrics"
	"tradepipeline/pkg/types"
)

const (
	marketDataGroup  = "market-data"
	strategyGroup    = "strategy-engine"
	reclaimInterval  = 30 * time.Second
	pollMaxEntries   = 200
	pollBlockTimeout = 2 * time.Second
)

// ComponentHealth is one row of the read API's health surface.
type ComponentHealth struct {
	Name string
	Up   bool
	Note string
}

// Health is a snapshot of every subordinate component's status, for a
// dashboard or alerting consumer.
type Health struct {
	Components  []ComponentHealth
	QueueDepth  int
	WriteErrors int64
	BusLag      map[string]int64 // "exchange:symbol" -> pending entry count
	Router      router.Stats
}

// priceCache is the Plane's own last-trade-price mirror, feeding the
// router's notional risk checks. It holds only the last trade price per
// symbol — the router only ever needs a last-trade reference, not a depth
// picture.
type priceCache struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

func newPriceCache() *priceCache {
	return &priceCache{prices: make(map[string]decimal.Decimal)}
}

func (c *priceCache) update(symbol string, price decimal.Decimal) {
	c.mu.Lock()
	c.prices[symbol] = price
	c.mu.Unlock()
}

// LastPrice implements router.PriceSource.
func (c *priceCache) LastPrice(symbol string) (decimal.Decimal, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.prices[symbol]
	return p, ok
}

// fanoutSink implements aggregator.Sink by delegating a closed bar to every
// wrapped sink, logging (not failing) on individual errors so one sink's
// trouble never stalls bar emission for the others.
type fanoutSink struct {
	sinks  []aggregator.Sink
	logger *slog.Logger
}

func (f *fanoutSink) WriteBar(bar types.Bar) error {
	for _, s := range f.sinks {
		if err := s.WriteBar(bar); err != nil {
			f.logger.Warn("sink failed to write bar", "symbol", bar.Symbol, "timeframe", bar.Timeframe, "error", err)
		}
	}
	return nil
}

// Plane wires and owns every pipeline component for one running process.
type Plane struct {
	cfg    config.Config
	logger *slog.Logger

	busClient *bus.Bus
	writer    *tswriter.Writer
	sessions  []*connector.Session
	instr     map[string]*aggregator.Instrument // "exchange:symbol" -> instrument
	prices    *priceCache

	guard       *risk.Guard
	brk         *broker.Broker
	live        router.LiveAdapter
	rtr         *router.Router
	strategyEng *strategyengine.Engine

	streamKeys []string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startedAt time.Time
}

// New constructs the components that need no network dependency yet: the
// risk guard and the live adapter, and derives the bus stream keys. The
// time-series store, the bus, the writer, the paper broker, the router, the
// strategy engine, the aggregator instruments and the exchange connectors
// are all built in Start, so a dead dependency fails the boot probe rather
// than a constructor.
func New(cfg config.Config, logger *slog.Logger) (*Plane, error) {
	p := &Plane{
		cfg:    cfg,
		logger: logger.With("component", "control_plane"),
		instr:  make(map[string]*aggregator.Instrument),
		prices: newPriceCache(),
	}

	p.guard = risk.New(cfg.Risk)

	streamKeys := make([]string, 0)
	for _, ex := range cfg.Exchanges {
		for _, sym := range ex.Symbols {
			streamKeys = append(streamKeys, fmt.Sprintf("ticks:%s:%s", ex.ID, sym))
		}
	}
	p.streamKeys = streamKeys

	live, err := router.NewECDSAAdapter(cfg.Router, liveBaseURL(cfg))
	if err != nil {
		return nil, fmt.Errorf("build live adapter: %w", err)
	}
	p.live = live

	return p, nil
}

// bindStrategies constructs and binds one instance of every named strategy
// to every configured symbol; a symbol listed by several exchanges is bound
// once. Runs after the strategy engine exists, from Start.
func (p *Plane) bindStrategies() error {
	bound := make(map[string]bool)
	for _, ex := range p.cfg.Exchanges {
		for _, sym := range ex.Symbols {
			if bound[sym] {
				continue
			}
			bound[sym] = true
			for _, name := range strategy.Names() {
				strat, err := strategy.Build(name, p.cfg.Strategy)
				if err != nil {
					return fmt.Errorf("build strategy %s for %s: %w", name, sym, err)
				}
				p.strategyEng.Bind(sym, strat)
			}
		}
	}
	return nil
}

func instrumentKey(exchange, symbol string) string {
	return exchange + ":" + symbol
}

func liveBaseURL(cfg config.Config) string {
	for _, ex := range cfg.Exchanges {
		if ex.RESTURL != "" {
			return ex.RESTURL
		}
	}
	return ""
}

// Start brings every component up in dependency order: the time-series
// store is probed first (so a dead database fails boot immediately, before
// any order can be placed), then the bus, then the writer, then the paper
// broker, router and strategy engine are built, then the aggregators (they
// have no background loop of their own), then the exchange connectors, and
// finally the market-data loop, the strategy engine's run loop and the bus
// reclaim loop are started.
func (p *Plane) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.startedAt = time.Now()

	var primarySink, fallbackSink tswriter.Sink
	if p.cfg.Store.PrimaryDSN != "" {
		sink, err := tswriter.NewPostgresSink(p.ctx, p.cfg.Store.PrimaryDSN)
		if err != nil {
			return fmt.Errorf("open primary store: %w", err)
		}
		primarySink = sink
	}
	if p.cfg.Store.FallbackDSN != "" {
		sink, err := tswriter.NewMySQLSink(p.cfg.Store.FallbackDSN)
		if err != nil {
			return fmt.Errorf("open fallback store: %w", err)
		}
		fallbackSink = sink
	}
	p.writer = tswriter.New(p.cfg.Store, primarySink, fallbackSink, p.logger)
	if err := p.writer.Ping(p.ctx); err != nil {
		return fmt.Errorf("time-series store probe failed: %w", err)
	}
	metrics.ComponentUp.WithLabelValues("tswriter_store").Set(1)

	busClient, err := bus.New(p.ctx, p.cfg.Bus, p.logger)
	if err != nil {
		return fmt.Errorf("bus connect failed: %w", err)
	}
	p.busClient = busClient
	if err := p.busClient.Open(p.ctx, marketDataGroup, p.streamKeys, bus.StartLatest); err != nil {
		return fmt.Errorf("open market-data consumer group: %w", err)
	}
	if err := p.busClient.Open(p.ctx, strategyGroup, p.streamKeys, bus.StartLatest); err != nil {
		return fmt.Errorf("open strategy-engine consumer group: %w", err)
	}
	metrics.ComponentUp.WithLabelValues("bus").Set(1)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.writer.Run(p.ctx)
	}()
	metrics.ComponentUp.WithLabelValues("tswriter").Set(1)

	p.brk = broker.New(p.cfg.Broker, p.writer)
	startingEquity := decimal.NewFromFloat(p.cfg.Broker.InitialBalance)
	p.rtr = router.New(p.cfg.Router, p.guard, p.brk, p.live, p.prices, startingEquity, p.cfg.Risk.DailyResetUTCHour)

	p.strategyEng = strategyengine.New(p.busClient, p.rtr, strategyGroup, "control-plane", p.streamKeys, p.logger)
	p.rtr.AddFillListener(p.strategyEng)
	if err := p.bindStrategies(); err != nil {
		return err
	}

	for _, ex := range p.cfg.Exchanges {
		for _, sym := range ex.Symbols {
			instrument, err := aggregator.NewInstrument(ex.ID, sym, p.cfg.Aggregator.Timeframes, &fanoutSink{
				sinks:  []aggregator.Sink{p.writer, p.strategyEng},
				logger: p.logger,
			}, p.logger)
			if err != nil {
				return fmt.Errorf("build aggregator for %s:%s: %w", ex.ID, sym, err)
			}
			p.instr[instrumentKey(ex.ID, sym)] = instrument
		}
	}

	for _, ex := range p.cfg.Exchanges {
		decoder := connector.GenericTradeDecoder{Channel: "trade"}
		session := connector.NewSession(ex, decoder, p.busClient, p.logger)
		if err := session.Start(p.ctx); err != nil {
			return fmt.Errorf("start connector %s: %w", ex.ID, err)
		}
		p.sessions = append(p.sessions, session)
		metrics.ComponentUp.WithLabelValues("connector_" + ex.ID).Set(1)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.marketDataLoop(p.ctx)
	}()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.strategyEng.Run(p.ctx); err != nil {
			p.logger.Error("strategy engine stopped", "error", err)
		}
	}()
	metrics.ComponentUp.WithLabelValues("strategy_engine").Set(1)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.reclaimLoop(p.ctx)
	}()

	metrics.ComponentUp.WithLabelValues("router").Set(1)
	metrics.ComponentUp.WithLabelValues("broker").Set(1)

	p.logger.Info("control plane started", "exchanges", len(p.cfg.Exchanges), "streams", len(p.streamKeys))
	return nil
}

// marketDataLoop is the control plane's own bus consumer: it feeds ticks
// into the time-series writer, the per-symbol price cache, the OHLCV
// aggregators, and the paper broker's mark-to-market/resting-order-fill
// path, forwarding any resulting trades to the router's accounting.
func (p *Plane) marketDataLoop(ctx context.Context) {
	consumerID := "control-plane"
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		entries, err := p.busClient.Poll(ctx, marketDataGroup, consumerID, p.streamKeys, pollMaxEntries, pollBlockTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("market data poll failed, retrying", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, entry := range entries {
			p.handleMarketTick(entry)
			if err := p.busClient.Ack(ctx, marketDataGroup, entry.Exchange, entry.Symbol, entry.EntryID); err != nil {
				p.logger.Warn("market-data ack failed", "exchange", entry.Exchange, "symbol", entry.Symbol, "error", err)
			}
		}
	}
}

func (p *Plane) handleMarketTick(entry bus.Entry) {
	tick := entry.Tick
	metrics.TicksReceived.WithLabelValues(entry.Exchange, entry.Symbol).Inc()

	if p.cfg.Store.PersistTicks {
		if err := p.writer.WriteTick(tick); err != nil {
			p.logger.Debug("tick write queue rejected entry", "error", err)
		}
	}

	p.prices.update(tick.Symbol, tick.Price)
	p.guard.CheckPriceMovement(tick.Symbol, tick.Price, time.Now())
	metrics.KillSwitchEngaged.Set(boolToFloat(killSwitchEngaged(p.guard)))

	if instrument, ok := p.instr[instrumentKey(entry.Exchange, entry.Symbol)]; ok {
		instrument.Feed(tick)
	}

	balanceBefore := p.brk.Balance()
	trades := p.brk.MarkPrice(tick.Symbol, tick.Price)
	if len(trades) > 0 {
		delta := p.brk.Balance().Sub(balanceBefore).Div(decimal.NewFromInt(int64(len(trades))))
		for _, trade := range trades {
			p.rtr.NotifyFill(trade, delta)
		}
	}
}

func killSwitchEngaged(g *risk.Guard) bool {
	engaged, _ := g.KillSwitchEngaged()
	return engaged
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// reclaimLoop periodically redelivers entries that sat unacknowledged past
// the bus's visibility timeout, on both consumer groups.
func (p *Plane) reclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(reclaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, group := range []string{marketDataGroup, strategyGroup} {
				if _, err := p.busClient.ReclaimStale(ctx, group, "control-plane", p.streamKeys); err != nil {
					p.logger.Warn("reclaim pass failed", "group", group, "error", err)
				}
			}
		}
	}
}

// Stop logs every open position, cancels the background loops and waits
// for them up to deadline, then stops the connectors and the rest in reverse
// start order. It cancels no orders on the live venue.
func (p *Plane) Stop(deadline time.Duration) error {
	if p.cancel == nil {
		return nil
	}

	for _, o := range p.rtr.Positions() {
		if o.Quantity.Sign() == 0 {
			continue
		}
		p.logger.Info("open position at shutdown", "symbol", o.Symbol, "quantity", o.Quantity.String())
	}

	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(deadline):
		p.logger.Warn("shutdown deadline exceeded, some goroutines may still be running")
	}

	for _, sess := range p.sessions {
		sess.Stop()
	}
	p.writer.Stop()
	if p.busClient != nil {
		if err := p.busClient.Close(); err != nil {
			p.logger.Warn("bus close failed", "error", err)
		}
	}

	p.logger.Info("control plane stopped")
	return nil
}

// Health returns a point-in-time snapshot of every component's status for
// a monitoring consumer.
func (p *Plane) Health(ctx context.Context) Health {
	lag := make(map[string]int64, len(p.streamKeys))
	for _, ex := range p.cfg.Exchanges {
		for _, sym := range ex.Symbols {
			if n, err := p.busClient.Lag(ctx, strategyGroup, ex.ID, sym); err == nil {
				lag[instrumentKey(ex.ID, sym)] = n
			}
		}
	}

	killed, reason := p.guard.KillSwitchEngaged()
	components := []ComponentHealth{
		{Name: "bus", Up: p.busClient != nil},
		{Name: "tswriter", Up: p.writer != nil}, // degrades gracefully under store outages; see WriteErrors for that detail
		{Name: "risk_guard", Up: !killed, Note: reason},
	}
	for _, sess := range p.sessions {
		components = append(components, ComponentHealth{Name: "connector_" + sess.ExchangeID(), Up: true})
	}

	return Health{
		Components:  components,
		QueueDepth:  p.writer.QueueDepth(),
		WriteErrors: p.writer.Dropped(),
		BusLag:      lag,
		Router:      p.rtr.Stats(),
	}
}

// SwitchMode is the control API's execution-mode toggle.
func (p *Plane) SwitchMode(mode types.ExecutionMode) error {
	return p.rtr.SwitchMode(mode)
}

// ResetKillSwitch is the control API's explicit kill-switch clear. The
// kill switch never clears itself; this is the only way back to trading
// once it trips.
func (p *Plane) ResetKillSwitch() {
	p.guard.ResetKillSwitch()
}

// TripKillSwitch lets an operator halt trading immediately for a reason
// outside the automated checks (e.g. a detected venue anomaly).
func (p *Plane) TripKillSwitch(reason string) {
	p.guard.TripKillSwitch(reason)
}

// UpdateRiskLimits is the control API's live risk-limit update.
func (p *Plane) UpdateRiskLimits(cfg config.RiskConfig) {
	p.guard.UpdateConfig(cfg)
}

// Router exposes the router for callers needing direct access (e.g. manual
// order placement from an operator console).
func (p *Plane) Router() *router.Router {
	return p.rtr
}

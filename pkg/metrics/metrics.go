// Package metrics defines the Prometheus instrumentation shared across every
// pipeline component. Names are stable across releases so dashboards and
// alert rules built against them keep working.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connector (C1)
	TicksReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tp_connector_ticks_received_total",
			Help: "Ticks received from exchange WebSocket sessions.",
		},
		[]string{"exchange", "symbol"},
	)

	ConnectorReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tp_connector_reconnects_total",
			Help: "WebSocket session reconnect attempts.",
		},
		[]string{"exchange"},
	)

	ConnectorDrops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tp_connector_drops_total",
			Help: "Ticks dropped by back-pressure before reaching the bus.",
		},
		[]string{"exchange", "symbol"},
	)

	// Stream bus (C2)
	BusPublishLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tp_bus_publish_latency_seconds",
			Help:    "Latency of publishing one tick onto the stream bus.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"exchange", "symbol"},
	)

	BusConsumerLag = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tp_bus_consumer_lag",
			Help: "Pending (unacked) entries for a consumer group stream.",
		},
		[]string{"exchange", "symbol", "group"},
	)

	// Aggregator (C3)
	BarsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tp_aggregator_bars_emitted_total",
			Help: "OHLCV bars closed and emitted.",
		},
		[]string{"exchange", "symbol", "timeframe"},
	)

	// Time-series writer (C4)
	WriteErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tp_ts_write_errors_total",
			Help: "Write failures per backing store tier.",
		},
		[]string{"db"},
	)

	WriteQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tp_ts_write_queue_depth",
			Help: "Rows buffered in the time-series writer awaiting flush.",
		},
	)

	WriteDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tp_ts_write_dropped_total",
			Help: "Rows dropped from the writer queue on overflow.",
		},
	)

	// Strategy engine (C5)
	SignalsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tp_strategy_signals_emitted_total",
			Help: "Signals emitted by a strategy instance.",
		},
		[]string{"strategy", "symbol", "kind"},
	)

	// Order router (C6)
	OrdersPlaced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tp_router_orders_total",
			Help: "Orders placed by outcome and execution mode.",
		},
		[]string{"status", "mode"},
	)

	OrderLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tp_router_order_latency_seconds",
			Help:    "Time from Place() call to terminal/resting order state.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode", "kind"},
	)

	// Paper broker (C7)
	BrokerBalance = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tp_broker_balance_usd",
			Help: "Current paper-trading cash balance.",
		},
	)

	PositionPnL = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tp_position_pnl_usd",
			Help: "Realized + unrealized PnL per symbol.",
		},
		[]string{"symbol", "kind"}, // kind: realized|unrealized
	)

	// Risk guard (C8)
	RiskRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tp_risk_rejections_total",
			Help: "Orders rejected by the risk guard, by failing check.",
		},
		[]string{"check"},
	)

	KillSwitchEngaged = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tp_risk_kill_switch_engaged",
			Help: "1 if the kill switch is currently engaged, else 0.",
		},
	)

	// Control plane (C9)
	ComponentUp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tp_component_up",
			Help: "1 if a component reports healthy, else 0.",
		},
		[]string{"component"},
	)
)

// Handler returns the HTTP handler the control plane binds for scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}

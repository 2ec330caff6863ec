// Package config defines all configuration for the trading pipeline.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via TP_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file
// structure; every component reads its own sub-struct only.
type Config struct {
	DryRun     bool             `mapstructure:"dry_run"`
	Exchanges  []ExchangeConfig `mapstructure:"exchanges"`
	Bus        BusConfig        `mapstructure:"bus"`
	Aggregator AggregatorConfig `mapstructure:"aggregator"`
	Store      StoreConfig      `mapstructure:"store"`
	Strategy   StrategyConfig   `mapstructure:"strategy"`
	Router     RouterConfig     `mapstructure:"router"`
	Broker     BrokerConfig     `mapstructure:"broker"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

// ExchangeConfig describes one upstream WebSocket venue to connect to.
type ExchangeConfig struct {
	ID            string        `mapstructure:"id"`
	WSURL         string        `mapstructure:"ws_url"`
	RESTURL       string        `mapstructure:"rest_url"`
	Symbols       []string      `mapstructure:"symbols"`
	PingInterval  time.Duration `mapstructure:"ping_interval"`
	HandshakeWait time.Duration `mapstructure:"handshake_wait"`
}

// BusConfig configures the Redis-Streams-backed stream bus.
type BusConfig struct {
	Addr              string        `mapstructure:"addr"`
	Password          string        `mapstructure:"password"`
	DB                int           `mapstructure:"db"`
	ConsumerGroup     string        `mapstructure:"consumer_group"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
	RetentionPeriod   time.Duration `mapstructure:"retention_period"`
	MaxStreamLen      int64         `mapstructure:"max_stream_len"`
}

// AggregatorConfig lists the OHLCV timeframes to build per symbol.
type AggregatorConfig struct {
	Timeframes []string `mapstructure:"timeframes"` // e.g. "1s","1m","5m","15m","1h","4h","1d"
}

// StoreConfig configures the time-series writer's primary/fallback stores
// and batching policy.
type StoreConfig struct {
	PrimaryDSN       string        `mapstructure:"primary_dsn"`       // postgres DSN
	FallbackDSN      string        `mapstructure:"fallback_dsn"`      // mysql DSN
	BatchSize        int           `mapstructure:"batch_size"`
	FlushInterval    time.Duration `mapstructure:"flush_interval"`
	MaxQueueSize     int           `mapstructure:"max_queue_size"`
	FlushDeadline    time.Duration `mapstructure:"flush_deadline"`
	PersistTicks     bool          `mapstructure:"persist_ticks"`
	AccountCacheAddr string        `mapstructure:"account_cache_addr"` // redis address for an account snapshot cache; no component reads it
}

// StrategyConfig holds per-strategy parameter blocks.
type StrategyConfig struct {
	Grid  GridConfig  `mapstructure:"grid"`
	Trend TrendConfig `mapstructure:"trend"`
}

// GridConfig tunes the grid market-making strategy.
type GridConfig struct {
	BaseQuantityUSD    float64       `mapstructure:"base_quantity_usd"`
	GridStepPct        float64       `mapstructure:"grid_step_pct"`
	GridLevels         int           `mapstructure:"grid_levels"`
	TakeProfitPct      float64       `mapstructure:"take_profit_pct"`
	MaxInventory       float64       `mapstructure:"max_inventory"`
	CooldownSeconds    int           `mapstructure:"cooldown_seconds"`
	RebalanceThreshold float64       `mapstructure:"rebalance_threshold"`
	PriceHistoryWindow int     `mapstructure:"price_history_window"`
}

// TrendConfig tunes the EMA-crossover trend strategy.
type TrendConfig struct {
	FastMA            int     `mapstructure:"fast_ma"`
	SlowMA            int     `mapstructure:"slow_ma"`
	VolFilterPeriod   int     `mapstructure:"vol_filter_period"`
	StopPct           float64 `mapstructure:"stop_pct"`
	TrailingPct       float64 `mapstructure:"trailing_pct"`
	ATRMultiplier     float64 `mapstructure:"atr_multiplier"`
	RegimeThreshold   float64 `mapstructure:"regime_threshold"`
	KellyFraction     float64 `mapstructure:"kelly_fraction"`
	MinWinProbability float64 `mapstructure:"min_win_probability"`
	MaxPositionUSD    float64 `mapstructure:"max_position_usd"`
}

// RouterConfig configures the order router.
type RouterConfig struct {
	Mode                    string        `mapstructure:"mode"` // "paper" or "live"
	AllowLiveSwitchWithOpen bool          `mapstructure:"allow_live_switch_with_open"`
	SignalDedupeWindow      time.Duration `mapstructure:"signal_dedupe_window"`
	LiveAPIKey              string        `mapstructure:"live_api_key"`
	LiveAPISecret           string        `mapstructure:"live_api_secret"`
	LivePrivateKey          string        `mapstructure:"live_private_key"`
}

// BrokerConfig tunes the paper-broker cost model.
type BrokerConfig struct {
	InitialBalance    float64 `mapstructure:"initial_paper_balance"`
	MakerFeeBps       int     `mapstructure:"maker_fee_bps"`
	TakerFeeBps       int     `mapstructure:"taker_fee_bps"`
	BaseSlippageBps   int     `mapstructure:"base_slippage_bps"`
	MaxSlippageBps    int     `mapstructure:"max_slippage_bps"`
	AssumedBookDepth  float64 `mapstructure:"assumed_book_depth"`
	ImpactFactor      float64 `mapstructure:"impact_factor"`
}

// RiskConfig sets the pre-trade gate limits.
type RiskConfig struct {
	DailyLossLimitPct  float64       `mapstructure:"daily_loss_limit_pct"`
	PositionLimit      int           `mapstructure:"position_limit"`
	MaxPositionSizePct float64       `mapstructure:"max_position_size_pct"`
	NotionalCap        float64       `mapstructure:"notional_cap"`
	TotalExposurePct   float64       `mapstructure:"total_exposure_pct"`
	DailyResetUTCHour  int           `mapstructure:"daily_reset_utc_hour"`
	KillSwitchDropPct  float64       `mapstructure:"kill_switch_drop_pct"`
	KillSwitchWindow   time.Duration `mapstructure:"kill_switch_window"`
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "json" or "text"
}

// MetricsConfig controls the Prometheus exporter the control plane binds.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// Load reads config from a YAML file with env var overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("TP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if key := os.Getenv("TP_LIVE_API_KEY"); key != "" {
		cfg.Router.LiveAPIKey = key
	}
	if secret := os.Getenv("TP_LIVE_API_SECRET"); secret != "" {
		cfg.Router.LiveAPISecret = secret
	}
	if pk := os.Getenv("TP_LIVE_PRIVATE_KEY"); pk != "" {
		cfg.Router.LivePrivateKey = pk
	}
	if os.Getenv("TP_DRY_RUN") == "true" || os.Getenv("TP_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults fills in sane defaults for any field left at its
// YAML-unmarshalled zero value.
func (c *Config) applyDefaults() {
	if c.Risk.DailyLossLimitPct == 0 {
		c.Risk.DailyLossLimitPct = 2.0
	}
	if c.Risk.PositionLimit == 0 {
		c.Risk.PositionLimit = 10
	}
	if c.Risk.MaxPositionSizePct == 0 {
		c.Risk.MaxPositionSizePct = 20
	}
	if c.Risk.TotalExposurePct == 0 {
		c.Risk.TotalExposurePct = 50
	}
	if c.Broker.InitialBalance == 0 {
		c.Broker.InitialBalance = 10000
	}
	if c.Broker.MakerFeeBps == 0 {
		c.Broker.MakerFeeBps = 10
	}
	if c.Broker.TakerFeeBps == 0 {
		c.Broker.TakerFeeBps = 20
	}
	if c.Broker.BaseSlippageBps == 0 {
		c.Broker.BaseSlippageBps = 5
	}
	if c.Broker.MaxSlippageBps == 0 {
		c.Broker.MaxSlippageBps = 50
	}
	if c.Store.BatchSize == 0 {
		c.Store.BatchSize = 500
	}
	if c.Store.FlushInterval == 0 {
		c.Store.FlushInterval = 5 * time.Second
	}
	if c.Store.MaxQueueSize == 0 {
		c.Store.MaxQueueSize = 50000
	}
	if c.Bus.VisibilityTimeout == 0 {
		c.Bus.VisibilityTimeout = 30 * time.Second
	}
	if c.Bus.RetentionPeriod == 0 {
		c.Bus.RetentionPeriod = 24 * time.Hour
	}
	if c.Router.SignalDedupeWindow == 0 {
		c.Router.SignalDedupeWindow = 5 * time.Second
	}
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if len(c.Exchanges) == 0 {
		return fmt.Errorf("at least one exchange must be configured")
	}
	for _, ex := range c.Exchanges {
		if ex.ID == "" || ex.WSURL == "" {
			return fmt.Errorf("exchange %q missing id or ws_url", ex.ID)
		}
	}
	if c.Bus.Addr == "" {
		return fmt.Errorf("bus.addr is required")
	}
	if len(c.Aggregator.Timeframes) == 0 {
		return fmt.Errorf("aggregator.timeframes must list at least one timeframe")
	}
	if c.Strategy.Grid.GridLevels < 0 {
		return fmt.Errorf("strategy.grid.grid_levels must be >= 0")
	}
	if c.Risk.DailyLossLimitPct <= 0 {
		return fmt.Errorf("risk.daily_loss_limit_pct must be > 0")
	}
	switch ExecutionModeFromString(c.Router.Mode) {
	case "paper", "live":
	default:
		return fmt.Errorf("router.mode must be 'paper' or 'live'")
	}
	return nil
}

// ExecutionModeFromString normalizes a mode string, defaulting to paper.
func ExecutionModeFromString(s string) string {
	switch strings.ToLower(s) {
	case "live":
		return "live"
	default:
		return "paper"
	}
}

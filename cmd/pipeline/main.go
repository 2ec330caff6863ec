// Command pipeline runs the full crypto trading pipeline: exchange
// connectors publish ticks onto the stream bus, the OHLCV aggregator and
// time-series writer persist market data, the strategy engine reacts to
// both ticks and closed bars, the order router risk-gates every resulting
// order, and the paper broker (or a live exchange adapter) executes it.
//
// Architecture:
//
//	main.go                    — entry point: loads config, starts the control plane, waits for SIGINT/SIGTERM
//	internal/control           — control plane: wires and owns every component's lifecycle
//	internal/connector         — exchange WebSocket sessions, one per configured venue
//	internal/bus               — Redis-Streams-backed stream bus
//	internal/aggregator        — OHLCV bar builder per (exchange, symbol, timeframe)
//	internal/tswriter          — buffered Postgres/MySQL time-series writer
//	internal/strategyengine    — dispatches ticks/bars to bound strategy instances
//	internal/strategy          — pluggable strategies (grid, trend)
//	internal/router            — risk-gated order routing to paper or live execution
//	internal/broker            — simulated paper-trading execution venue
//	internal/risk              — pre-trade risk checks and the kill switch
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tradepipeline/internal/config"
	"tradepipeline/internal/control"
	"tradepipeline/pkg/metrics"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("TP_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	if cfg.DryRun {
		cfg.Router.Mode = "paper"
	}

	plane, err := control.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to build control plane", "error", err)
		os.Exit(1)
	}

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsServer = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		logger.Info("metrics server started", "addr", cfg.Metrics.Addr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := plane.Start(ctx); err != nil {
		logger.Error("failed to start control plane", "error", err)
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — router starts in paper mode regardless of configured mode")
	}

	logger.Info("trading pipeline started",
		"exchanges", len(cfg.Exchanges),
		"router_mode", cfg.Router.Mode,
		"dry_run", cfg.DryRun,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to stop metrics server", "error", err)
		}
	}

	if err := plane.Stop(30 * time.Second); err != nil {
		logger.Error("control plane shutdown reported an error", "error", err)
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

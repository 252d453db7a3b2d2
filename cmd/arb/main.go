// Perp Arb — a cross-venue perpetual-futures arbitrage engine.
//
// Architecture:
//
//	main.go              — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go     — orchestrator: wires feeds → detector → gates → executor, owns lifecycle
//	feed/aggregator.go   — collects pushed books and tickers, runs the detector on a fixed cadence
//	scan/detector.go     — finds price, funding, and combined spreads across venue pairs
//	gates/               — pre-trade checks: price stability, opposing liquidity, dual-limit backoff
//	exec/executor.go     — submits both legs, tracks fills, repairs single-leg outcomes
//	quarantine/          — parks symbols after unrecoverable outcomes, probes them hourly
//	health/monitor.go    — reconnects venues whose market data goes majority-stale
//	exchange/            — venue adapters: Backpack (ED25519), GRVT (EIP-712), Lighter (API key)
//	store/store.go       — JSON file cache of instrument metadata (survives metadata outages)
//
// How it makes money:
//
//	The engine watches the same perpetual contract on multiple venues. When
//	one venue's bid exceeds another's ask by more than the configured
//	threshold, it buys on the cheap venue and sells on the expensive one in
//	the same instant, earning the difference. Funding-rate divergence between
//	venues adds a second, slower edge on top of held positions.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"perp-arb/internal/api"
	"perp-arb/internal/config"
	"perp-arb/internal/engine"
)

func main() {
	// Load config
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("ARB_CONFIG"); p != "" {
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

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	// Create and start engine
	eng, err := engine.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	// Start status server if enabled
	var apiServer *api.Server
	if cfg.Status.Enabled {
		apiServer = api.NewServer(cfg.Status, eng, logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("status server failed", "error", err)
			}
		}()
		logger.Info("status server started", "url", fmt.Sprintf("http://localhost:%d", cfg.Status.Port))
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}

	logger.Info("perp arb engine started",
		"venues", len(cfg.EnabledVenues()),
		"symbols", cfg.Symbols,
		"dry_run", cfg.DryRun,
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	// Stop the status server first
	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop status server", "error", err)
		}
	}

	eng.Stop()
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

// optionsflow — a real-time options-flow aggregation and analytics service.
//
// Architecture:
//
//	main.go                 — entry point: loads config, starts the service, waits for SIGINT/SIGTERM
//	internal/service        — orchestrator: wires spot oracle → store → enricher → ingestor → gex/scanner → API
//	internal/ingest         — WebSocket + backfill ingestion of options trades
//	internal/enrich         — classifies raw prints into sweeps/blocks/splits and derives side, sentiment, moneyness and setup score
//	internal/store          — in-memory ring buffer of recent flow records
//	internal/gex            — gamma exposure surface computation per ticker
//	internal/scanner        — watchlist scanning for unusual-activity alerts
//	internal/query          — filter/sort/paginate engine over the store snapshot
//	internal/broadcast      — WebSocket fan-out hub for live flow events
//	internal/api            — HTTP surface and /ws upgrade endpoint
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"optionsflow/internal/config"
	"optionsflow/internal/service"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("OPTIONSFLOW_CONFIG"); p != "" {
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

	svc := service.New(*cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	svc.Start(ctx)

	logger.Info("optionsflow service started",
		"port", cfg.Server.Port,
		"hot_tickers", cfg.Ingestor.HotTickers,
		"watchlist", cfg.Scanner.Watchlist,
		"addr", fmt.Sprintf("http://localhost:%d", cfg.Server.Port),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	cancel()
	svc.Stop()
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

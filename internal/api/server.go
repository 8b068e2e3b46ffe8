// Package api serves the HTTP surface and the /ws upgrade endpoint over
// the query, GEX, and scanner engines, and fans live flow records out
// through the broadcast hub.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"optionsflow/internal/broadcast"
	"optionsflow/internal/config"
	"optionsflow/internal/gex"
	"optionsflow/internal/ingest"
	"optionsflow/internal/scanner"
	"optionsflow/internal/store"
	"optionsflow/internal/vendorrate"
)

// Server runs the HTTP/WebSocket API.
type Server struct {
	hub      *broadcast.Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer wires the HTTP mux and WebSocket hub over the running
// service components.
func NewServer(
	cfg config.ServerConfig,
	st *store.Store,
	gexEngine *gex.Engine,
	scan *scanner.Scanner,
	ingestor *ingest.Ingestor,
	watchlist []string,
	marketStatus func() string,
	baseURL, apiKey string,
	limiter *vendorrate.Limiter,
	logger *slog.Logger,
) *Server {
	hub := broadcast.NewHub(logger)
	handlers := NewHandlers(st, gexEngine, scan, ingestor, hub, watchlist, marketStatus, baseURL, apiKey, limiter, cfg, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handlers.HandleHealth)
	mux.HandleFunc("GET /api/options-flow", handlers.HandleFlows)
	mux.HandleFunc("POST /api/options-flow/refresh", handlers.HandleRefresh)
	mux.HandleFunc("GET /api/options-flow/stats", handlers.HandleStats)
	mux.HandleFunc("GET /api/gex/{ticker}", handlers.HandleGEX)
	mux.HandleFunc("GET /api/gex/{ticker}/heatmap", handlers.HandleGEXHeatmap)
	mux.HandleFunc("GET /api/live-scanner", handlers.HandleScanner)
	mux.HandleFunc("GET /api/options-chain/{ticker}", handlers.HandleOptionsChain)
	mux.HandleFunc("/ws", handlers.HandleWebSocket)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		hub:      hub,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Hub exposes the broadcast hub so the ingestor can publish flows to it.
func (s *Server) Hub() *broadcast.Hub {
	return s.hub
}

// Start runs the hub and blocks serving HTTP until the server is stopped.
func (s *Server) Start() error {
	go s.hub.Run()

	s.logger.Info("api server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully shuts the HTTP server down.
func (s *Server) Stop() error {
	s.logger.Info("stopping api server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

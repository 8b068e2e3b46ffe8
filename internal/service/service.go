// Package service wires the spot oracle, trade store, enricher,
// ingestor, GEX engine, scanner, and HTTP/WS API into one explicit
// container. Avoiding hidden globals means every component reaches the
// ones it depends on through struct fields set up once here, in New.
package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"optionsflow/internal/api"
	"optionsflow/internal/config"
	"optionsflow/internal/enrich"
	"optionsflow/internal/gex"
	"optionsflow/internal/ingest"
	"optionsflow/internal/scanner"
	"optionsflow/internal/spot"
	"optionsflow/internal/store"
	"optionsflow/internal/vendorrate"
)

// vendorBurst/vendorRate bound the shared vendor rate limiter's HTTP call
// pacing: a short burst allowance with a steady per-second refill, so the
// market-status poller and the options-chain passthrough client back off
// together instead of each assuming the full vendor quota to themselves.
const (
	vendorBurst = 20
	vendorRate  = 5
)

const marketStatusPollInterval = 60 * time.Second

// Service owns the lifecycle of every running component.
type Service struct {
	cfg config.Config

	spot     *spot.Oracle
	store    *store.Store
	enricher *enrich.Enricher
	ingestor *ingest.Ingestor
	gex      *gex.Engine
	scanner  *scanner.Scanner
	api      *api.Server
	vendor   *resty.Client
	limiter  *vendorrate.Limiter

	marketStatus   string
	marketStatusMu sync.RWMutex

	logger *slog.Logger
	wg     sync.WaitGroup
}

// New constructs every component and wires their dependencies. It does
// not start any goroutines; call Start for that.
func New(cfg config.Config, logger *slog.Logger) *Service {
	apiKey := cfg.Vendor.APIKey()

	spotOracle := spot.New(cfg.Vendor.BaseURL, apiKey, logger)
	st := store.Open(cfg.Store.MaxSize, logger)
	enricher := enrich.New(logger, spotOracle.Lookup, nil)

	gexEngine := gex.New(cfg.Vendor.BaseURL, apiKey, logger)
	scan := scanner.New(cfg.Vendor.BaseURL, apiKey, gexEngine, logger)

	ingestor := ingest.New(
		cfg.Vendor.WSURL, cfg.Vendor.BaseURL, apiKey,
		cfg.Ingestor.HotTickers,
		cfg.Ingestor.Warmup(), cfg.Ingestor.BackfillInterval(),
		enricher, st, logger,
	)

	limiter := vendorrate.New(vendorBurst, vendorRate)

	vendorClient := resty.New().
		SetBaseURL(cfg.Vendor.BaseURL).
		SetTimeout(10 * time.Second).
		SetQueryParam("apiKey", apiKey)
	vendorClient.OnBeforeRequest(func(_ *resty.Client, r *resty.Request) error {
		return limiter.Wait(r.Context())
	})

	svc := &Service{
		cfg:          cfg,
		spot:         spotOracle,
		store:        st,
		enricher:     enricher,
		ingestor:     ingestor,
		gex:          gexEngine,
		scanner:      scan,
		vendor:       vendorClient,
		limiter:      limiter,
		marketStatus: "closed",
		logger:       logger.With("component", "service"),
	}

	apiServer := api.NewServer(
		cfg.Server, st, gexEngine, scan, ingestor,
		cfg.Scanner.Watchlist, svc.MarketStatus,
		cfg.Vendor.BaseURL, apiKey, limiter, logger,
	)
	svc.api = apiServer

	ingestor.MarketStatus = svc.MarketStatus
	ingestor.PublishFlow = apiServer.Hub().PublishFlow

	return svc
}

// MarketStatus reports the last market-status value polled from the
// vendor; see refreshMarketStatus. Defaults to "closed" until the first
// poll succeeds.
func (s *Service) MarketStatus() string {
	s.marketStatusMu.RLock()
	defer s.marketStatusMu.RUnlock()
	return s.marketStatus
}

func (s *Service) setMarketStatus(status string) {
	s.marketStatusMu.Lock()
	s.marketStatus = status
	s.marketStatusMu.Unlock()
}

// runMarketStatusPoll periodically refreshes the market-open/closed state
// the ingestor uses to decide whether to keep live WS ticks.
func (s *Service) runMarketStatusPoll(ctx context.Context) {
	s.refreshMarketStatus(ctx)

	ticker := time.NewTicker(marketStatusPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refreshMarketStatus(ctx)
		}
	}
}

func (s *Service) refreshMarketStatus(ctx context.Context) {
	var body struct {
		Market string `json:"market"`
	}
	resp, err := s.vendor.R().SetContext(ctx).SetResult(&body).Get("/v1/marketstatus/now")
	if err != nil || resp.StatusCode() != 200 {
		s.logger.Warn("market status poll failed", "error", err)
		return
	}
	s.setMarketStatus(body.Market)
}

// Start launches the ingestor's WS session and backfill loop, and the
// HTTP/WS API server, all in background goroutines.
func (s *Service) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.ingestor.RunWS(ctx)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.ingestor.RunBackfill(ctx)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runMarketStatusPoll(ctx)
	}()

	go func() {
		if err := s.api.Start(); err != nil {
			s.logger.Error("api server failed", "error", err)
		}
	}()
}

// Stop gracefully shuts the API server down and waits for the
// ingestor's background loops to observe context cancellation. The
// caller is expected to cancel the context passed to Start before
// calling Stop.
func (s *Service) Stop() {
	if err := s.api.Stop(); err != nil {
		s.logger.Error("api server shutdown error", "error", err)
	}
	s.wg.Wait()
}

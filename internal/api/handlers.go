package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"

	"optionsflow/internal/broadcast"
	"optionsflow/internal/config"
	"optionsflow/internal/enrich"
	"optionsflow/internal/gex"
	"optionsflow/internal/ingest"
	"optionsflow/internal/query"
	"optionsflow/internal/scanner"
	"optionsflow/internal/store"
	"optionsflow/internal/vendorerr"
	"optionsflow/internal/vendorrate"
	"optionsflow/pkg/types"
)

// Handlers holds the service dependencies behind the HTTP surface.
type Handlers struct {
	store    *store.Store
	gex      *gex.Engine
	scanner  *scanner.Scanner
	ingestor *ingest.Ingestor
	hub      *broadcast.Hub
	chain    *resty.Client

	watchlist    []string
	marketStatus func() string
	cfg          config.ServerConfig
	logger       *slog.Logger
}

// NewHandlers wires the HTTP handlers to the running service components.
func NewHandlers(
	st *store.Store,
	gexEngine *gex.Engine,
	scan *scanner.Scanner,
	ingestor *ingest.Ingestor,
	hub *broadcast.Hub,
	watchlist []string,
	marketStatus func() string,
	baseURL, apiKey string,
	limiter *vendorrate.Limiter,
	cfg config.ServerConfig,
	logger *slog.Logger,
) *Handlers {
	chain := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetQueryParam("apiKey", apiKey)
	if limiter != nil {
		chain.OnBeforeRequest(func(_ *resty.Client, r *resty.Request) error {
			return limiter.Wait(r.Context())
		})
	}

	return &Handlers{
		store:        st,
		gex:          gexEngine,
		scanner:      scan,
		ingestor:     ingestor,
		hub:          hub,
		chain:        chain,
		watchlist:    watchlist,
		marketStatus: marketStatus,
		cfg:          cfg,
		logger:       logger.With("component", "api-handlers"),
	}
}

// HandleHealth is the liveness probe.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Service:   "optionsflow",
	})
}

// HandleFlows serves GET /api/options-flow.
func (h *Handlers) HandleFlows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := parseFilter(q)
	sortKey := types.SortKey(q.Get("sort"))
	page := types.Page{PageNum: atoiOr(q.Get("page"), 1), Limit: atoiOr(q.Get("limit"), 50)}

	flows := h.store.Snapshot()
	result := query.Run(flows, filter, sortKey, page, h.store.Size(), h.marketStatus())
	writeJSON(w, http.StatusOK, newFlowsResponse(result))
}

// HandleRefresh serves POST /api/options-flow/refresh: fire-and-forget.
func (h *Handlers) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	go h.ingestor.TriggerBackfill(context.Background())
	writeJSON(w, http.StatusOK, refreshResponse{Success: true, StoreSize: h.store.Size()})
}

// HandleStats serves GET /api/options-flow/stats.
func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	trades, premium, callSweeps, putSweeps, ratio, putVolume, unusual := query.Stats(h.store.Snapshot())
	writeJSON(w, http.StatusOK, statsResponse{
		Success:         true,
		TotalTrades:     trades,
		TotalPremium:    premium,
		CallSweeps:      callSweeps,
		PutSweeps:       putSweeps,
		CallPutRatio:    ratio,
		PutVolume:       putVolume,
		UnusualActivity: unusual,
	})
}

// HandleGEX serves GET /api/gex/{ticker}.
func (h *Handlers) HandleGEX(w http.ResponseWriter, r *http.Request) {
	ticker := strings.ToUpper(r.PathValue("ticker"))
	surface, err := h.gex.Compute(r.Context(), ticker)
	if err != nil {
		h.writeVendorError(w, ticker, err)
		return
	}
	writeJSON(w, http.StatusOK, gexResponse{Success: true, GEXSurface: surface})
}

// HandleGEXHeatmap serves GET /api/gex/{ticker}/heatmap. The surface the
// Engine returns already carries the heatmap + key levels; this endpoint
// is the same computation under a path clients use for the chart-only view.
func (h *Handlers) HandleGEXHeatmap(w http.ResponseWriter, r *http.Request) {
	h.HandleGEX(w, r)
}

// HandleScanner serves GET /api/live-scanner.
func (h *Handlers) HandleScanner(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := types.ScanFilter{
		MinVolume:   int64(atoiOr(q.Get("minVolume"), 0)),
		MinPremium:  atofOr(q.Get("minPremium"), 0),
		MaxDTE:      atoiOr(q.Get("maxDte"), 0),
		GEXPosition: q.Get("gexPosition"),
		MinScore:    atoiOr(q.Get("minScore"), 0),
	}

	watchlist := h.watchlist
	if raw := q.Get("watchlist"); raw != "" {
		watchlist = strings.Split(strings.ToUpper(raw), ",")
	}

	alerts, err := h.scanner.Run(r.Context(), watchlist, filter)
	if err != nil {
		h.writeVendorError(w, "", err)
		return
	}
	writeJSON(w, http.StatusOK, scannerResponse{Success: true, Alerts: alerts, ScannedAt: time.Now()})
}

// HandleOptionsChain serves GET /api/options-chain/{ticker}: a pass-through
// of the vendor's raw snapshot page, unaggregated.
func (h *Handlers) HandleOptionsChain(w http.ResponseWriter, r *http.Request) {
	ticker := strings.ToUpper(r.PathValue("ticker"))

	var body struct {
		Results []enrich.RawSnapshot `json:"results"`
	}
	resp, err := h.chain.R().SetContext(r.Context()).SetResult(&body).
		Get("/v3/snapshot/options/" + ticker)
	if err != nil {
		h.writeVendorError(w, ticker, fmt.Errorf("options chain %s: %w", ticker, vendorerr.ErrVendorTimeout))
		return
	}
	switch resp.StatusCode() {
	case http.StatusOK:
		writeJSON(w, http.StatusOK, chainResponse{Success: true, Ticker: ticker, Results: body.Results})
	case http.StatusUnauthorized:
		h.writeVendorError(w, ticker, fmt.Errorf("options chain %s: %w", ticker, vendorerr.ErrVendorUnauthorized))
	default:
		h.writeVendorError(w, ticker, fmt.Errorf("options chain %s: status %d: %w", ticker, resp.StatusCode(), vendorerr.ErrVendorTimeout))
	}
}

// HandleWebSocket upgrades the connection into a broadcast.Client.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(req *http.Request) bool {
			return isOriginAllowed(req.Header.Get("Origin"), h.cfg, req.Host)
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	broadcast.NewClient(h.hub, conn)
}

// writeVendorError maps a pipeline error to the HTTP status table and
// writes the structured error envelope.
func (h *Handlers) writeVendorError(w http.ResponseWriter, ticker string, err error) {
	status, code := http.StatusInternalServerError, "InternalError"
	switch {
	case errors.Is(err, vendorerr.ErrNotFound):
		status, code = http.StatusNotFound, "NotFound"
	case errors.Is(err, vendorerr.ErrValidation):
		status, code = http.StatusBadRequest, "ValidationError"
	case errors.Is(err, vendorerr.ErrVendorUnauthorized):
		status, code = http.StatusInternalServerError, "VendorUnauthorized"
	case errors.Is(err, vendorerr.ErrVendorRateLimited):
		status, code = http.StatusInternalServerError, "VendorRateLimited"
	case errors.Is(err, vendorerr.ErrVendorTimeout):
		status, code = http.StatusInternalServerError, "VendorTimeout"
	}

	h.logger.Warn("request failed", "ticker", ticker, "error", err)
	writeJSON(w, status, errorResponse{Error: code, Message: err.Error(), Ticker: ticker})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func atoiOr(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}

func atofOr(s string, fallback float64) float64 {
	if s == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fallback
	}
	return f
}

func isOriginAllowed(origin string, cfg config.ServerConfig, reqHost string) bool {
	if origin == "" {
		// Non-browser clients often omit Origin; keep this path functional.
		return true
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}

	normalized := normalizeOrigin(originURL.Scheme, originURL.Host)
	if normalized == "" {
		return false
	}

	if allowed := cfg.AllowedOrigins(); len(allowed) > 0 {
		for _, a := range allowed {
			u, err := url.Parse(a)
			if err != nil {
				continue
			}
			if normalized == normalizeOrigin(u.Scheme, u.Host) {
				return true
			}
		}
		return false
	}

	host := strings.ToLower(originURL.Hostname())
	if cfg.IsDevelopment() && (host == "localhost" || host == "127.0.0.1" || host == "::1") {
		return true
	}

	reqHostname := normalizeHost(reqHost)
	return reqHostname != "" && host == reqHostname
}

func normalizeOrigin(scheme, host string) string {
	if scheme == "" || host == "" {
		return ""
	}
	return strings.ToLower(scheme) + "://" + strings.ToLower(host)
}

func normalizeHost(hostport string) string {
	hostport = strings.TrimSpace(hostport)
	if hostport == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(hostport)
}

// parseFilter builds a types.Filter from the request's query parameters
// per the predicate table: scalar bounds, multi-select flags, and the
// bucketed range filters all read directly off the URL.
func parseFilter(q url.Values) types.Filter {
	return types.Filter{
		Ticker:       strings.ToUpper(q.Get("ticker")),
		FilterTicker: strings.ToUpper(q.Get("filterTicker")),

		Calls: q.Get("calls") == "true",
		Puts:  q.Get("puts") == "true",

		Sweeps: q.Get("sweeps") == "true",
		Blocks: q.Get("blocks") == "true",
		Splits: q.Get("splits") == "true",

		MinPremium: atofOr(q.Get("minPremium"), 0),
		MaxPremium: atofOr(q.Get("maxPremium"), 0),

		MinStrike: atofOr(q.Get("minStrike"), 0),
		MaxStrike: atofOr(q.Get("maxStrike"), 0),

		MinBidAsk: atofOr(q.Get("minBidask"), 0),
		MaxBidAsk: atofOr(q.Get("maxBidask"), 0),

		ITM: q.Get("itm") == "true",
		OTM: q.Get("otm") == "true",
		ATM: q.Get("atm") == "true",

		AboveAsk: q.Get("aboveAsk") == "true",
		BelowBid: q.Get("belowBid") == "true",

		VolGtOI: q.Get("volGtOi") == "true",

		ShortExpiry: q.Get("shortExpiry") == "true",
		Leaps:       q.Get("leaps") == "true",
		DTE:         parseIntList(q.Get("dte")),

		StockPriceRanges: splitNonEmpty(q.Get("stockPrice")),
		OIRanges:         splitNonEmpty(q.Get("openInterest")),
		VolumeRanges:     splitNonEmpty(q.Get("volume")),

		MinVolume:     int64(atoiOr(q.Get("minVolume"), 0)),
		MaxDTE:        atoiOr(q.Get("filterMaxDte"), 0),
		MinConfidence: atoiOr(q.Get("minConfidence"), 0),

		ExcludeSymbols: splitNonEmpty(q.Get("excludeSymbols")),
	}
}

func parseIntList(s string) []int {
	parts := splitNonEmpty(s)
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		if n, err := strconv.Atoi(p); err == nil {
			out = append(out, n)
		}
	}
	return out
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

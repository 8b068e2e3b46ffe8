// Package ingest runs the two cooperating feeds that populate the trade
// store: a persistent WebSocket session for live prints, and a periodic
// REST backfill sweep. Both funnel through the same Enricher before
// insertion.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/gzhttp"

	"optionsflow/internal/enrich"
	"optionsflow/internal/store"
	"optionsflow/internal/vendorerr"
	"optionsflow/pkg/types"
)

const (
	authTimeout          = 10 * time.Second
	reconnectDelay       = 5 * time.Second
	defaultPageBudget    = 5
	largePageBudget      = 10
	vendorPageSize       = 100
	backfillBatchSize    = 500
	rateLimitSleep       = 2 * time.Second
	interPageSleep       = 75 * time.Millisecond
	ageSweepMaxAge       = 120 * time.Second
	backfillFetchTimeout = 15 * time.Second
)

// rateLimitSleepForTest overrides rateLimitSleep's wait in tests so a 429
// retry doesn't cost real wall-clock seconds.
var rateLimitSleepForTest = rateLimitSleep

// wsState mirrors the ingestor websocket state machine: Disconnected ->
// Connecting -> Authenticating -> Subscribed -> Streaming, collapsing
// back to Disconnected on any error.
type wsState string

const (
	stateDisconnected   wsState = "disconnected"
	stateConnecting     wsState = "connecting"
	stateAuthenticating wsState = "authenticating"
	stateSubscribed     wsState = "subscribed"
	stateStreaming      wsState = "streaming"
)

// Ingestor owns the WebSocket session and REST backfill loop. Both paths
// share one Enricher and one Store; PublishFlow (if set) fans every
// inserted flow out to WS subscribers.
type Ingestor struct {
	wsURL      string
	apiKey     string
	hotTickers []string

	http     *resty.Client
	enricher *enrich.Enricher
	store    *store.Store

	// MarketStatus reports "open"/"closed"/etc; WS ticks are dropped
	// unless it returns "open". Backfill runs regardless.
	MarketStatus func() string
	// PublishFlow, if set, is called for every flow inserted by either
	// feed so it can fan out to WebSocket subscribers.
	PublishFlow func(types.FlowRecord)

	warmup   time.Duration
	interval time.Duration

	logger *slog.Logger

	connMu sync.Mutex // serializes WS connection attempts
	state  atomic.Value

	backfillRunning atomic.Bool
}

// New builds an Ingestor. wsURL/baseURL/apiKey are the vendor endpoints;
// hotTickers is the fixed subscription set for both feeds.
func New(wsURL, baseURL, apiKey string, hotTickers []string, warmup, interval time.Duration, enricher *enrich.Enricher, st *store.Store, logger *slog.Logger) *Ingestor {
	transport, err := gzhttp.Transport(http.DefaultTransport)
	if err != nil {
		transport = http.DefaultTransport
	}

	client := resty.New().
		SetTransport(transport).
		SetBaseURL(baseURL).
		SetTimeout(backfillFetchTimeout).
		SetQueryParam("apiKey", apiKey)

	ing := &Ingestor{
		wsURL:      wsURL,
		apiKey:     apiKey,
		hotTickers: hotTickers,
		http:       client,
		enricher:   enricher,
		store:      st,
		warmup:     warmup,
		interval:   interval,
		logger:     logger.With("component", "ingest"),
	}
	ing.setState(stateDisconnected)
	return ing
}

func (ing *Ingestor) setState(s wsState) {
	ing.state.Store(s)
	ing.logger.Debug("ws state", "state", s)
}

// ——— WebSocket session ———

type wsControlMsg struct {
	Action string `json:"action"`
	Params string `json:"params"`
}

type wsStatusEvent struct {
	Ev     string `json:"ev"`
	Status string `json:"status"`
}

type wsTickEvent struct {
	Ev        string  `json:"ev"`
	Symbol    string  `json:"sym"`
	Exchange  int     `json:"x"`
	Price     float64 `json:"p"`
	Size      float64 `json:"s"`
	Condition int     `json:"c"`
	Timestamp int64   `json:"t"` // milliseconds since epoch
	BidPrice  float64 `json:"bp"`
	AskPrice  float64 `json:"ap"`
}

// RunWS drives the WebSocket session until ctx is cancelled, reconnecting
// 5 s after any disconnect. Connection attempts are serialized by connMu
// so a caller can never race two live sessions.
func (ing *Ingestor) RunWS(ctx context.Context) {
	ing.connMu.Lock()
	defer ing.connMu.Unlock()

	for {
		if ctx.Err() != nil {
			return
		}

		ing.setState(stateConnecting)
		err := ing.connectAndStream(ctx)
		if ctx.Err() != nil {
			return
		}

		ing.setState(stateDisconnected)
		ing.logger.Warn("websocket disconnected, reconnecting", "error", err, "delay", reconnectDelay)

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (ing *Ingestor) connectAndStream(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, ing.wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	// The vendor sends an unsolicited "connected" status frame before
	// anything else; drain it before authenticating.
	if _, _, err := conn.ReadMessage(); err != nil {
		return fmt.Errorf("initial read: %w", err)
	}

	ing.setState(stateAuthenticating)
	if err := conn.WriteJSON(wsControlMsg{Action: "auth", Params: ing.apiKey}); err != nil {
		return fmt.Errorf("auth write: %w", err)
	}
	if err := waitForAuthSuccess(conn); err != nil {
		return err
	}

	subs := make([]string, 0, len(ing.hotTickers))
	for _, t := range ing.hotTickers {
		subs = append(subs, "O."+t+"*")
	}
	if err := conn.WriteJSON(wsControlMsg{Action: "subscribe", Params: strings.Join(subs, ",")}); err != nil {
		return fmt.Errorf("subscribe write: %w", err)
	}
	ing.setState(stateSubscribed)
	ing.logger.Info("websocket subscribed", "tickers", ing.hotTickers)
	ing.setState(stateStreaming)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		ing.dispatch(msg)
	}
}

func waitForAuthSuccess(conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(authTimeout))
	defer conn.SetReadDeadline(time.Time{})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("auth read: %w", err)
		}
		var events []wsStatusEvent
		if err := json.Unmarshal(msg, &events); err != nil {
			continue
		}
		for _, e := range events {
			switch e.Status {
			case "auth_success":
				return nil
			case "auth_failed":
				return fmt.Errorf("auth: %w", vendorerr.ErrVendorUnauthorized)
			}
		}
	}
}

func (ing *Ingestor) dispatch(raw []byte) {
	var events []wsTickEvent
	if err := json.Unmarshal(raw, &events); err != nil {
		ing.logger.Debug("ignoring non-array ws message", "data", string(raw))
		return
	}

	status := "closed"
	if ing.MarketStatus != nil {
		status = ing.MarketStatus()
	}

	for _, evt := range events {
		if evt.Ev != "O" {
			continue
		}
		if status != "open" {
			continue
		}
		ing.ingestTick(evt)
	}
}

func (ing *Ingestor) ingestTick(evt wsTickEvent) {
	snapshot := enrich.RawSnapshot{
		Details: enrich.RawDetails{Ticker: evt.Symbol},
		LastTrade: enrich.RawLastTrade{
			Exchange:  evt.Exchange,
			Price:     evt.Price,
			Size:      evt.Size,
			Timestamp: evt.Timestamp * int64(time.Millisecond),
		},
		LastQuote: enrich.RawLastQuote{
			Bid:      evt.BidPrice,
			Ask:      evt.AskPrice,
			Midpoint: (evt.BidPrice + evt.AskPrice) / 2,
		},
	}

	flow, err := ing.enricher.Enrich(evt.Symbol, snapshot, enrich.FeedLive, "")
	if err != nil {
		if !enrich.IsDiscard(err) {
			ing.logger.Warn("ws tick enrichment failed", "symbol", evt.Symbol, "error", err)
		}
		return
	}

	ing.store.Insert(flow)
	if ing.PublishFlow != nil {
		ing.PublishFlow(flow)
	}
}

// ——— REST backfill ———

type snapshotPage struct {
	Results []enrich.RawSnapshot `json:"results"`
	NextURL string               `json:"next_url"`
}

// RunBackfill drives the periodic backfill loop until ctx is cancelled:
// an initial warm-up, then a fixed-cadence ticker.
func (ing *Ingestor) RunBackfill(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(ing.warmup):
	}

	ing.TriggerBackfill(ctx)

	ticker := time.NewTicker(ing.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ing.TriggerBackfill(ctx)
		}
	}
}

// TriggerBackfill runs one backfill pass if none is already in flight;
// reentry while running is a no-op, matching the Idle/Running state
// machine. The first batch of backfillBatchSize records is processed
// synchronously so callers observe the store grow before it returns; any
// remainder continues in the background.
func (ing *Ingestor) TriggerBackfill(ctx context.Context) {
	if !ing.backfillRunning.CompareAndSwap(false, true) {
		return
	}

	if advisory, _ := ing.store.ShouldSweep(); advisory {
		ing.store.AgeSweep(ageSweepMaxAge)
	}

	pageBudget := defaultPageBudget
	if ing.store.Size() > ing.store.Max()/2 {
		pageBudget = largePageBudget
	}

	var all []enrich.RawSnapshot
	for _, tkr := range ing.hotTickers {
		results, err := ing.fetchTickerSnapshot(ctx, tkr, pageBudget)
		if err != nil {
			ing.logger.Warn("backfill ticker fetch failed", "ticker", tkr, "error", err)
		}
		all = append(all, results...)
	}

	first := all
	var rest []enrich.RawSnapshot
	if len(all) > backfillBatchSize {
		first = all[:backfillBatchSize]
		rest = all[backfillBatchSize:]
	}

	ing.ingestBatch(first)

	if len(rest) == 0 {
		ing.backfillRunning.Store(false)
		return
	}

	go func() {
		defer ing.backfillRunning.Store(false)
		for len(rest) > 0 {
			n := backfillBatchSize
			if n > len(rest) {
				n = len(rest)
			}
			ing.ingestBatch(rest[:n])
			rest = rest[n:]
		}
	}()
}

func (ing *Ingestor) ingestBatch(results []enrich.RawSnapshot) {
	for _, raw := range results {
		flow, err := ing.enricher.Enrich(raw.Details.Ticker, raw, enrich.FeedBackfill, "")
		if err != nil {
			if !enrich.IsDiscard(err) {
				ing.logger.Debug("backfill enrichment failed", "error", err)
			}
			continue
		}
		ing.store.Insert(flow)
		if ing.PublishFlow != nil {
			ing.PublishFlow(flow)
		}
	}
}

func (ing *Ingestor) fetchTickerSnapshot(ctx context.Context, ticker string, pageBudget int) ([]enrich.RawSnapshot, error) {
	var out []enrich.RawSnapshot
	reqURL := fmt.Sprintf("/v3/snapshot/options/%s?limit=%d", ticker, vendorPageSize)

	for page := 0; reqURL != "" && page < pageBudget; {
		var body snapshotPage
		resp, err := ing.http.R().SetContext(ctx).SetResult(&body).Get(withAPIKey(reqURL, ing.apiKey))
		if err != nil {
			return out, fmt.Errorf("backfill %s: %w", ticker, vendorerr.ErrVendorTimeout)
		}

		switch resp.StatusCode() {
		case http.StatusOK:
			out = append(out, body.Results...)
			reqURL = body.NextURL
			page++
			if reqURL != "" {
				time.Sleep(interPageSleep)
			}
		case http.StatusTooManyRequests:
			time.Sleep(rateLimitSleepForTest)
			// retry the same page without advancing page or reqURL
		case http.StatusUnauthorized:
			return out, fmt.Errorf("backfill %s: %w", ticker, vendorerr.ErrVendorUnauthorized)
		default:
			return out, fmt.Errorf("backfill %s: status %d: %w", ticker, resp.StatusCode(), vendorerr.ErrVendorTimeout)
		}
	}
	return out, nil
}

// withAPIKey forces the current apiKey onto a URL, relative or absolute.
// next_url cursors may omit it or carry a stale one.
func withAPIKey(rawURL, apiKey string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		sep := "?"
		if strings.Contains(rawURL, "?") {
			sep = "&"
		}
		return rawURL + sep + "apiKey=" + apiKey
	}
	q := u.Query()
	q.Set("apiKey", apiKey)
	u.RawQuery = q.Encode()
	return u.String()
}

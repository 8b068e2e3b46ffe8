// Package spot resolves the current price of an underlying ticker,
// fronting the vendor's last-trade endpoint with a short success cache
// and a global issue-gate so a burst of enrichment calls for the same
// ticker collapses into a single vendor round trip.
package spot

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/sync/singleflight"

	"optionsflow/internal/vendorerr"
	"optionsflow/pkg/types"
)

// cacheTTL is how long a successfully fetched spot price is trusted before
// a fresh vendor call is issued for that ticker.
const cacheTTL = 300 * time.Second

// issueGate is the minimum spacing between vendor calls across all
// tickers, regardless of cache state, to keep the spot endpoint from
// drowning out backfill traffic on the same vendor connection.
const issueGate = 200 * time.Millisecond

// Oracle resolves underlying spot prices with a TTL cache and an
// in-flight collapse for concurrent misses on the same ticker.
type Oracle struct {
	http    *resty.Client
	group   singleflight.Group
	logger  *slog.Logger

	mu    sync.Mutex
	cache map[string]types.SpotQuote

	gateMu   sync.Mutex
	lastCall time.Time
}

// New builds a spot oracle against baseURL using apiKey for vendor auth.
func New(baseURL, apiKey string, logger *slog.Logger) *Oracle {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(5 * time.Second).
		SetQueryParam("apiKey", apiKey)

	return &Oracle{
		http:   client,
		logger: logger.With("component", "spot"),
		cache:  make(map[string]types.SpotQuote),
	}
}

// Get returns the current price for underlying, using the cache when
// fresh. Concurrent misses for the same ticker collapse into one vendor
// call. A nil error with ok=false on the caller side is represented by
// returning vendorerr.ErrNotAvailable; callers should treat that as "no
// price available right now" rather than a hard failure.
func (o *Oracle) Get(ctx context.Context, underlying string) (float64, error) {
	if q, ok := o.fromCache(underlying); ok {
		return q.Price, nil
	}

	v, err, _ := o.group.Do(underlying, func() (interface{}, error) {
		if q, ok := o.fromCache(underlying); ok {
			return q.Price, nil
		}
		return o.fetch(ctx, underlying)
	})
	if err != nil {
		return 0, err
	}
	return v.(float64), nil
}

func (o *Oracle) fromCache(underlying string) (types.SpotQuote, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	q, ok := o.cache[underlying]
	if !ok || time.Since(q.FetchedAt) > cacheTTL {
		return types.SpotQuote{}, false
	}
	return q, true
}

func (o *Oracle) waitForGate() {
	o.gateMu.Lock()
	defer o.gateMu.Unlock()
	if wait := issueGate - time.Since(o.lastCall); wait > 0 {
		time.Sleep(wait)
	}
	o.lastCall = time.Now()
}

func (o *Oracle) fetch(ctx context.Context, underlying string) (float64, error) {
	o.waitForGate()

	var result struct {
		Results struct {
			Price float64 `json:"price"`
		} `json:"results"`
	}

	resp, err := o.http.R().
		SetContext(ctx).
		SetPathParams(map[string]string{"ticker": underlying}).
		SetResult(&result).
		Get("/v2/last/trade/{ticker}")
	if err != nil {
		return 0, fmt.Errorf("spot fetch %s: %w", underlying, vendorerr.ErrNotAvailable)
	}

	switch resp.StatusCode() {
	case http.StatusOK:
		price := result.Results.Price
		if price <= 0 {
			return 0, fmt.Errorf("spot fetch %s: %w", underlying, vendorerr.ErrNotAvailable)
		}
		o.store(underlying, price)
		return price, nil
	case http.StatusUnauthorized, http.StatusTooManyRequests:
		return 0, fmt.Errorf("spot fetch %s: %w", underlying, vendorerr.ErrNotAvailable)
	default:
		o.logger.Warn("spot fetch failed", "underlying", underlying, "status", resp.StatusCode())
		return 0, fmt.Errorf("spot fetch %s: status %d: %w", underlying, resp.StatusCode(), vendorerr.ErrNotAvailable)
	}
}

func (o *Oracle) store(underlying string, price float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cache[underlying] = types.SpotQuote{Price: price, FetchedAt: time.Now()}
}

// Lookup adapts Get into the synchronous (price, ok) shape the Enricher
// expects, swallowing errors as "not available" per the oracle's silent
// failure contract.
func (o *Oracle) Lookup(underlying string) (float64, bool) {
	price, err := o.Get(context.Background(), underlying)
	if err != nil {
		return 0, false
	}
	return price, true
}

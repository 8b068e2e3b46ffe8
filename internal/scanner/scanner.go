// Package scanner runs an on-demand watchlist sweep: fetch each ticker's
// chain, apply the requested numeric/GEX filters with their leniency
// rules, and build a trade plan for every qualifying contract.
package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"optionsflow/internal/enrich"
	"optionsflow/internal/gex"
	"optionsflow/internal/symbol"
	"optionsflow/internal/vendorerr"
	"optionsflow/pkg/types"
)

const (
	pagesPerTicker    = 2
	contractsPerPage  = 100
	maxWatchlistSize  = 10
	maxAlerts         = 500
	gexAlertCeiling   = 50
	gexCheckTimeout   = 500 * time.Millisecond
	tickerSearchCap   = 2000
	leniencyOIFactor  = 10
	leniencyScoreSlop = 1
)

// Scanner fetches and scores watchlist contracts on demand; it holds no
// background state between requests.
type Scanner struct {
	http   *resty.Client
	apiKey string
	gex    *gex.Engine
	logger *slog.Logger
}

// New builds a Scanner. gexEngine is invoked only when a request filters
// on GEX position, per the scan's leniency rules.
func New(baseURL, apiKey string, gexEngine *gex.Engine, logger *slog.Logger) *Scanner {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetQueryParam("apiKey", apiKey)

	return &Scanner{
		http:   client,
		apiKey: apiKey,
		gex:    gexEngine,
		logger: logger.With("component", "scanner"),
	}
}

type snapshotPage struct {
	Results []enrich.RawSnapshot `json:"results"`
	NextURL string               `json:"next_url"`
}

// Run sweeps watchlist (capped at maxWatchlistSize tickers) against
// filter and returns qualifying alerts sorted by score descending,
// capped at maxAlerts.
func (s *Scanner) Run(ctx context.Context, watchlist []string, filter types.ScanFilter) ([]types.ScanAlert, error) {
	if len(watchlist) > maxWatchlistSize {
		watchlist = watchlist[:maxWatchlistSize]
	}

	filtersOnGEX := filter.GEXPosition != "" && filter.GEXPosition != "all"

	var alerts []types.ScanAlert
	searched := 0

	for _, ticker := range watchlist {
		if searched >= tickerSearchCap {
			break
		}

		contracts, err := s.fetchChain(ctx, ticker)
		if err != nil {
			s.logger.Warn("scanner fetch failed", "ticker", ticker, "error", err)
			continue
		}
		searched += len(contracts)

		spot := resolveSpot(contracts)
		if spot <= 0 {
			continue
		}

		var surface *types.GEXSurface
		for _, raw := range contracts {
			alert, ok := s.evaluate(ctx, ticker, raw, spot, filter, filtersOnGEX, len(alerts), &surface)
			if !ok {
				continue
			}
			alerts = append(alerts, alert)
			if len(alerts) >= maxAlerts*4 {
				// Hard safety valve: stop accumulating long before the
				// final sort+cap so a pathological watchlist can't grow
				// this slice without bound.
				break
			}
		}
	}

	sort.Slice(alerts, func(i, j int) bool { return alerts[i].Score > alerts[j].Score })
	if len(alerts) > maxAlerts {
		alerts = alerts[:maxAlerts]
	}
	return alerts, nil
}

func (s *Scanner) evaluate(ctx context.Context, ticker string, raw enrich.RawSnapshot, spot float64, filter types.ScanFilter, filtersOnGEX bool, alertsSoFar int, surface **types.GEXSurface) (types.ScanAlert, bool) {
	contract, kind, err := parseContract(ticker, raw)
	if err != nil {
		return types.ScanAlert{}, false
	}

	dte := symbol.DTE(contract.Expiration)
	volume := int64(resolveVolume(raw))
	openInt := int64(raw.OpenInterest)
	price := resolvePrice(raw)
	if price <= 0 {
		return types.ScanAlert{}, false
	}
	premium := price * 100

	score := setupScore(volume, openInt, premium, dte)

	if filter.MaxDTE > 0 && dte > filter.MaxDTE {
		return types.ScanAlert{}, false
	}
	if filter.MinPremium > 0 && premium < filter.MinPremium {
		return types.ScanAlert{}, false
	}
	if !passesVolumeFilter(volume, openInt, filter.MinVolume) {
		return types.ScanAlert{}, false
	}
	if !passesScoreFilter(score, filter.MinScore) {
		return types.ScanAlert{}, false
	}

	position := classifyGEXPosition(contract.Strike, spot)

	if filtersOnGEX {
		if filter.GEXPosition != "all" && string(position) != filter.GEXPosition {
			return types.ScanAlert{}, false
		}
		if alertsSoFar < gexAlertCeiling {
			position = s.refineWithRealGEX(ctx, ticker, contract.Strike, position, surface)
		}
	}

	plan := buildTradePlan(kind, position, score, price, dte, premium)

	return types.ScanAlert{
		Contract:    contract,
		DTE:         dte,
		Volume:      volume,
		OpenInt:     openInt,
		Premium:     premium,
		Score:       score,
		GEXPosition: position,
		Plan:        plan,
	}, true
}

// refineWithRealGEX re-runs classifyGEXPosition against the spot price of
// a surface computed by the GEX Engine, bounded by gexCheckTimeout; the
// surface's key levels are not consulted. On a Compute error it returns
// fallback. surface caches a successfully computed surface across the
// whole ticker so repeated contracts don't each pay the round trip.
func (s *Scanner) refineWithRealGEX(ctx context.Context, ticker string, strike float64, fallback types.GEXPosition, surface **types.GEXSurface) types.GEXPosition {
	if s.gex == nil {
		return fallback
	}

	if *surface == nil {
		ctx, cancel := context.WithTimeout(ctx, gexCheckTimeout)
		defer cancel()
		computed, err := s.gex.Compute(ctx, ticker)
		if err != nil {
			return fallback
		}
		*surface = &computed
	}

	return classifyGEXPosition(strike, (*surface).SpotPrice)
}

func (s *Scanner) fetchChain(ctx context.Context, ticker string) ([]enrich.RawSnapshot, error) {
	var out []enrich.RawSnapshot
	reqURL := fmt.Sprintf("/v3/snapshot/options/%s?limit=%d", ticker, contractsPerPage)

	for page := 0; reqURL != "" && page < pagesPerTicker; page++ {
		var body snapshotPage
		resp, err := s.http.R().SetContext(ctx).SetResult(&body).Get(withAPIKey(reqURL, s.apiKey))
		if err != nil {
			return out, fmt.Errorf("scanner %s: %w", ticker, vendorerr.ErrVendorTimeout)
		}
		switch resp.StatusCode() {
		case http.StatusOK:
			out = append(out, body.Results...)
			reqURL = body.NextURL
		case http.StatusTooManyRequests:
			return out, fmt.Errorf("scanner %s: %w", ticker, vendorerr.ErrVendorRateLimited)
		case http.StatusUnauthorized:
			return out, fmt.Errorf("scanner %s: %w", ticker, vendorerr.ErrVendorUnauthorized)
		default:
			return out, fmt.Errorf("scanner %s: status %d: %w", ticker, resp.StatusCode(), vendorerr.ErrVendorTimeout)
		}
	}
	return out, nil
}

func resolveSpot(contracts []enrich.RawSnapshot) float64 {
	for _, c := range contracts {
		if c.UnderlyingAsset.Price > 0 {
			return c.UnderlyingAsset.Price
		}
	}
	return 0
}

func parseContract(ticker string, raw enrich.RawSnapshot) (types.Contract, types.OptionKind, error) {
	if raw.Details.Ticker != "" {
		c, err := symbol.Parse(raw.Details.Ticker)
		if err == nil {
			return c, c.Kind, nil
		}
	}

	kind := types.Call
	if strings.EqualFold(raw.Details.ContractType, "put") {
		kind = types.Put
	}
	if raw.Details.StrikePrice <= 0 || raw.Details.ExpirationDate == "" {
		return types.Contract{}, "", fmt.Errorf("scanner: incomplete contract for %s", ticker)
	}
	exp, err := time.Parse("2006-01-02", raw.Details.ExpirationDate)
	if err != nil {
		return types.Contract{}, "", fmt.Errorf("scanner: bad expiration for %s: %w", ticker, err)
	}
	return types.Contract{Underlying: ticker, Strike: raw.Details.StrikePrice, Expiration: exp, Kind: kind}, kind, nil
}

func resolveVolume(raw enrich.RawSnapshot) float64 {
	switch {
	case raw.Day.Volume != 0:
		return raw.Day.Volume
	case raw.Volume != 0:
		return raw.Volume
	case raw.Details.Day.Volume != 0:
		return raw.Details.Day.Volume
	case raw.Details.Volume != 0:
		return raw.Details.Volume
	default:
		return 0
	}
}

func resolvePrice(raw enrich.RawSnapshot) float64 {
	switch {
	case raw.LastTrade.Price > 0:
		return raw.LastTrade.Price
	case raw.Last > 0:
		return raw.Last
	case raw.Mark > 0:
		return raw.Mark
	default:
		return 0
	}
}

// passesVolumeFilter applies the zero-volume leniency rule: a contract
// with no printed volume but deep open interest still qualifies.
func passesVolumeFilter(volume, openInt, minVolume int64) bool {
	if minVolume <= 0 {
		return true
	}
	if volume >= minVolume {
		return true
	}
	if volume == 0 && openInt >= leniencyOIFactor*minVolume {
		return true
	}
	return false
}

// passesScoreFilter applies the near-miss leniency rule: scores within
// one point of the threshold still qualify.
func passesScoreFilter(score, minScore int) bool {
	if minScore <= 0 {
		return true
	}
	return score >= minScore-leniencyScoreSlop
}

// setupScore is the scanner's own lightweight composite, distinct from
// the Enricher's per-trade setup score: it only has chain metadata (no
// trade price history) to work with.
func setupScore(volume, openInt int64, premium float64, dte int) int {
	score := 0
	switch {
	case volume >= 1000:
		score += 4
	case volume >= 100:
		score += 2
	case volume > 0:
		score += 1
	}
	switch {
	case openInt >= 5000:
		score += 3
	case openInt >= 500:
		score += 2
	case openInt > 0:
		score += 1
	}
	if premium >= 100000 {
		score += 2
	} else if premium >= 25000 {
		score += 1
	}
	if dte > 0 && dte <= 30 {
		score += 1
	}
	if score > 10 {
		score = 10
	}
	return score
}

func classifyGEXPosition(strike, spot float64) types.GEXPosition {
	if spot == 0 {
		return types.GEXAt
	}
	distPct := math.Abs(strike-spot) / spot
	switch {
	case distPct < 0.02:
		return types.GEXAt
	case strike > spot:
		return types.GEXAbove
	default:
		return types.GEXBelow
	}
}

// buildTradePlan derives a suggested entry/stop/targets and the
// rule-triggered "why" phrases backing the alert.
func buildTradePlan(kind types.OptionKind, position types.GEXPosition, score int, price float64, dte int, premium float64) types.TradePlan {
	stopPct := stopLossPercent(kind, position, score)

	var t1Pct, t2Pct float64
	switch {
	case score >= 9:
		t1Pct, t2Pct = 0.50, 1.00
	case score >= 7:
		t1Pct, t2Pct = 0.35, 0.75
	case score >= 5:
		t1Pct, t2Pct = 0.25, 0.50
	default:
		t1Pct, t2Pct = 0.15, 0.30
	}

	why := make([]string, 0, 4)
	if score >= 9 {
		why = append(why, "Top-tier composite score")
	} else if score >= 7 {
		why = append(why, "High composite score")
	}
	switch position {
	case types.GEXAt:
		why = append(why, "Strike sits at the dealer gamma pivot")
	case types.GEXAbove:
		why = append(why, "Strike above spot in positive dealer gamma")
	case types.GEXBelow:
		why = append(why, "Strike below spot in negative dealer gamma")
	}
	if dte <= 7 {
		why = append(why, "Short-dated, reacts fast to spot moves")
	} else if dte >= 180 {
		why = append(why, "LEAP-dated, positioned for a longer thesis")
	}
	if premium >= 100000 {
		why = append(why, "Six-figure premium print")
	}

	return types.TradePlan{
		Entry:       price,
		StopLossPct: stopPct,
		Target1:     round2(price * (1 + t1Pct)),
		Target2:     round2(price * (1 + t2Pct)),
		Why:         why,
	}
}

// stopLossPercent widens the stop for riskier setups: puts and
// positions pinned at the gamma pivot (GEXAt) need more room, low scores
// need tighter risk control.
func stopLossPercent(kind types.OptionKind, position types.GEXPosition, score int) float64 {
	base := 0.30
	if kind == types.Put {
		base += 0.05
	}
	if position == types.GEXAt {
		base += 0.10 // pinned near the flip point, more whipsaw risk
	}
	if score < 5 {
		base -= 0.10
	}
	if base < 0.15 {
		base = 0.15
	}
	return base
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
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

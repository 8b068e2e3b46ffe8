// Package gex computes gamma-exposure surfaces on demand from vendor
// options chain snapshots. It never writes to the trade store; every
// call re-fetches and re-aggregates the chain.
package gex

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
	"optionsflow/internal/vendorerr"
	"optionsflow/pkg/types"
)

const (
	maxChainPages         = 100 // per-ticker snapshot pages
	maxContractPages      = 10  // contracts-endpoint enumeration
	contractsPerPage      = 100
	singleExpirationProbe = 3  // pages fetched before concluding the snapshot is single-expiration
	maxPerExpirationFetch = 25 // expirations fetched individually as a fallback
	nearestStrikeTolerance = 0.50
)

// Engine computes GEX surfaces for a ticker against the vendor snapshot
// and reference-contracts endpoints.
type Engine struct {
	http   *resty.Client
	apiKey string
	logger *slog.Logger
}

// New builds a GEX engine against baseURL using apiKey for vendor auth.
func New(baseURL, apiKey string, logger *slog.Logger) *Engine {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(45 * time.Second).
		SetQueryParam("apiKey", apiKey)

	return &Engine{http: client, apiKey: apiKey, logger: logger.With("component", "gex")}
}

type chainPage struct {
	Results []enrich.RawSnapshot `json:"results"`
	NextURL string               `json:"next_url"`
}

type contractRef struct {
	ExpirationDate string `json:"expiration_date"`
}

type contractsPage struct {
	Results []contractRef `json:"results"`
	NextURL string        `json:"next_url"`
}

// withAPIKey forces the current apiKey onto a URL, relative or absolute.
// Vendor next_url cursors carry their own apiKey param that must be
// overridden rather than trusted.
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

// Compute fetches and aggregates the full options chain for ticker into
// a GEX surface. Returns vendorerr.ErrNotFound if the chain is empty or
// spot can't be determined.
func (e *Engine) Compute(ctx context.Context, ticker string) (types.GEXSurface, error) {
	contracts, err := e.fetchChain(ctx, ticker)
	if err != nil {
		return types.GEXSurface{}, err
	}
	if len(contracts) == 0 {
		return types.GEXSurface{}, fmt.Errorf("gex %s: empty chain: %w", ticker, vendorerr.ErrNotFound)
	}

	spot := resolveSpot(contracts)
	if spot <= 0 {
		return types.GEXSurface{}, fmt.Errorf("gex %s: spot undeterminable: %w", ticker, vendorerr.ErrNotFound)
	}

	qualifying := make([]enrich.RawSnapshot, 0, len(contracts))
	for _, c := range contracts {
		if math.IsNaN(c.Greeks.Gamma) || c.Greeks.Gamma == 0 || c.OpenInterest == 0 {
			continue
		}
		qualifying = append(qualifying, c)
	}

	byExpiry := map[string][]enrich.RawSnapshot{}
	expirySeen := map[string]bool{}
	var expiryOrder []string
	for _, c := range qualifying {
		exp := c.Details.ExpirationDate
		if !expirySeen[exp] {
			expirySeen[exp] = true
			expiryOrder = append(expiryOrder, exp)
		}
		byExpiry[exp] = append(byExpiry[exp], c)
	}
	sort.Strings(expiryOrder)

	strikeAggs := map[float64]*strikeAgg{}
	var strikeOrder []float64
	byExpiration := make([]types.ExpirationGEX, 0, len(expiryOrder))

	for _, exp := range expiryOrder {
		expTime, perr := time.Parse("2006-01-02", exp)
		if perr != nil {
			continue
		}
		strikes := aggregateStrikes(byExpiry[exp], spot)
		byExpiration = append(byExpiration, types.ExpirationGEX{Expiration: expTime, Strikes: strikes})

		for _, sg := range strikes {
			a, ok := strikeAggs[sg.Strike]
			if !ok {
				a = &strikeAgg{}
				strikeAggs[sg.Strike] = a
				strikeOrder = append(strikeOrder, sg.Strike)
			}
			a.net += sg.NetGEX
			a.callOI += sg.CallOI
			a.putOI += sg.PutOI
		}
	}

	var totalDelta, totalGamma float64
	for _, c := range qualifying {
		oi := float64(int64(c.OpenInterest))
		totalDelta += c.Greeks.Delta * oi * 100
		totalGamma += c.Greeks.Gamma * oi * 100
	}

	keyLevels := deriveKeyLevels(strikeOrder, strikeAggs, spot)
	heatmap := buildHeatmap(byExpiration, spot)
	flowDelta := flowDeltaByStrike(heatmap)

	return types.GEXSurface{
		Ticker:            ticker,
		SpotPrice:         spot,
		Summary:           types.GEXSummary{TotalDelta: totalDelta, TotalGamma: totalGamma},
		Heatmap:           heatmap,
		ByExpiration:      byExpiration,
		KeyLevels:         keyLevels,
		FlowDeltaByStrike: flowDelta,
	}, nil
}

// fetchChain runs the chain-fetch pipeline: paginated snapshot, falling
// back to per-expiration fetches if the snapshot only ever surfaces a
// single expiration despite the reference endpoint listing several.
func (e *Engine) fetchChain(ctx context.Context, ticker string) ([]enrich.RawSnapshot, error) {
	expirations, err := e.enumerateExpirations(ctx, ticker)
	if err != nil {
		e.logger.Debug("expiration enumeration failed, proceeding with snapshot only", "ticker", ticker, "error", err)
	}

	var all []enrich.RawSnapshot
	seenExpirations := map[string]bool{}
	reqURL := fmt.Sprintf("/v3/snapshot/options/%s?limit=250", ticker)

	for page := 0; reqURL != "" && page < maxChainPages; page++ {
		body, err := e.fetchChainPage(ctx, withAPIKey(reqURL, e.apiKey))
		if err != nil {
			if page == 0 {
				return nil, err
			}
			break
		}

		all = append(all, body.Results...)
		for _, c := range body.Results {
			if c.Details.ExpirationDate != "" {
				seenExpirations[c.Details.ExpirationDate] = true
			}
		}
		reqURL = body.NextURL

		if page+1 == singleExpirationProbe && len(seenExpirations) <= 1 && len(expirations) > 1 {
			e.logger.Debug("snapshot looks single-expiration, switching to per-expiration fetch",
				"ticker", ticker, "expirations", len(expirations))
			perExp := e.fetchPerExpiration(ctx, ticker, expirations)
			if len(perExp) > 0 {
				return perExp, nil
			}
			break
		}
	}

	return all, nil
}

func (e *Engine) enumerateExpirations(ctx context.Context, ticker string) ([]string, error) {
	seen := map[string]bool{}
	var order []string

	reqURL := fmt.Sprintf("/v3/reference/options/contracts?underlying_ticker=%s&limit=%d", ticker, contractsPerPage)
	for page := 0; reqURL != "" && page < maxContractPages; page++ {
		var body contractsPage
		resp, err := e.http.R().SetContext(ctx).SetResult(&body).Get(withAPIKey(reqURL, e.apiKey))
		if err != nil {
			return order, fmt.Errorf("enumerate expirations %s: %w", ticker, vendorerr.ErrVendorTimeout)
		}
		if resp.StatusCode() != http.StatusOK {
			break
		}
		for _, c := range body.Results {
			if c.ExpirationDate != "" && !seen[c.ExpirationDate] {
				seen[c.ExpirationDate] = true
				order = append(order, c.ExpirationDate)
			}
		}
		reqURL = body.NextURL
	}
	return order, nil
}

func (e *Engine) fetchPerExpiration(ctx context.Context, ticker string, expirations []string) []enrich.RawSnapshot {
	limit := len(expirations)
	if limit > maxPerExpirationFetch {
		limit = maxPerExpirationFetch
	}

	var all []enrich.RawSnapshot
	for _, exp := range expirations[:limit] {
		reqURL := fmt.Sprintf("/v3/snapshot/options/%s?limit=250&expiration_date=%s", ticker, exp)
		for reqURL != "" {
			body, err := e.fetchChainPage(ctx, withAPIKey(reqURL, e.apiKey))
			if err != nil {
				break
			}
			all = append(all, body.Results...)
			reqURL = body.NextURL
		}
	}
	return all
}

func (e *Engine) fetchChainPage(ctx context.Context, reqURL string) (chainPage, error) {
	var body chainPage
	resp, err := e.http.R().SetContext(ctx).SetResult(&body).Get(reqURL)
	if err != nil {
		return chainPage{}, fmt.Errorf("chain fetch: %w", vendorerr.ErrVendorTimeout)
	}

	switch resp.StatusCode() {
	case http.StatusOK:
		return body, nil
	case http.StatusUnauthorized:
		return chainPage{}, fmt.Errorf("chain fetch: %w", vendorerr.ErrVendorUnauthorized)
	case http.StatusTooManyRequests:
		return chainPage{}, fmt.Errorf("chain fetch: %w", vendorerr.ErrVendorRateLimited)
	default:
		return chainPage{}, fmt.Errorf("chain fetch: status %d: %w", resp.StatusCode(), vendorerr.ErrVendorTimeout)
	}
}

// resolveSpot reads underlying_asset.price off the first contract that
// carries one; failing that, it falls back to the median strike.
func resolveSpot(contracts []enrich.RawSnapshot) float64 {
	for _, c := range contracts {
		if c.UnderlyingAsset.Price > 0 {
			return c.UnderlyingAsset.Price
		}
	}

	strikes := make([]float64, 0, len(contracts))
	for _, c := range contracts {
		if c.Details.StrikePrice > 0 {
			strikes = append(strikes, c.Details.StrikePrice)
		}
	}
	if len(strikes) == 0 {
		return 0
	}
	sort.Float64s(strikes)
	return strikes[len(strikes)/2]
}

type strikeAgg struct {
	net    float64
	callOI int64
	putOI  int64
}

// aggregateStrikes computes callGEX/putGEX/netGEX per strike within a
// single expiration. Puts carry a negative sign by dealer convention.
func aggregateStrikes(contracts []enrich.RawSnapshot, spot float64) []types.StrikeGEX {
	type acc struct {
		callGEX, putGEX float64
		callOI, putOI   int64
	}
	byStrike := map[float64]*acc{}
	var order []float64
	s2 := spot * spot

	for _, c := range contracts {
		strike := c.Details.StrikePrice
		a, ok := byStrike[strike]
		if !ok {
			a = &acc{}
			byStrike[strike] = a
			order = append(order, strike)
		}

		oi := int64(c.OpenInterest)
		contribution := c.Greeks.Gamma * float64(oi) * 100 * s2

		if types.OptionKind(c.Details.ContractType) == types.Put {
			a.putGEX -= contribution
			a.putOI += oi
		} else {
			a.callGEX += contribution
			a.callOI += oi
		}
	}

	sort.Float64s(order)
	out := make([]types.StrikeGEX, 0, len(order))
	for _, strike := range order {
		a := byStrike[strike]
		out = append(out, types.StrikeGEX{
			Strike:  strike,
			CallGEX: a.callGEX,
			PutGEX:  a.putGEX,
			NetGEX:  a.callGEX + a.putGEX,
			CallOI:  a.callOI,
			PutOI:   a.putOI,
		})
	}
	return out
}

// deriveKeyLevels computes gamma wall, support/resistance, gamma flip,
// and max pain from net GEX aggregated per strike across every
// expiration.
func deriveKeyLevels(strikeOrder []float64, aggs map[float64]*strikeAgg, spot float64) types.KeyLevels {
	if len(strikeOrder) == 0 {
		return types.KeyLevels{}
	}
	strikes := append([]float64{}, strikeOrder...)
	sort.Float64s(strikes)

	var gammaWall float64
	maxAbs := -1.0
	for _, s := range strikes {
		if abs := math.Abs(aggs[s].net); abs > maxAbs {
			maxAbs = abs
			gammaWall = s
		}
	}

	var below, above []keyLevel
	for _, s := range strikes {
		l := keyLevel{s, math.Abs(aggs[s].net)}
		switch {
		case s < spot:
			below = append(below, l)
		case s > spot:
			above = append(above, l)
		}
	}
	sort.SliceStable(below, func(i, j int) bool { return below[i].abs > below[j].abs })
	sort.SliceStable(above, func(i, j int) bool { return above[i].abs > above[j].abs })

	return types.KeyLevels{
		GammaWall:      gammaWall,
		GammaFlipPoint: gammaFlip(strikes, aggs),
		MaxPain:        computeMaxPain(strikes, aggs),
		Support:        topN(below, 3),
		Resistance:     topN(above, 3),
	}
}

// keyLevel pairs a strike with its absolute net GEX, used to rank
// support/resistance candidates.
type keyLevel struct {
	strike, abs float64
}

func topN(lvls []keyLevel, n int) []float64 {
	if len(lvls) > n {
		lvls = lvls[:n]
	}
	out := make([]float64, len(lvls))
	for i, l := range lvls {
		out[i] = l.strike
	}
	return out
}

// gammaFlip linearly interpolates the zero crossing of net GEX while
// scanning strikes in ascending order.
func gammaFlip(strikes []float64, aggs map[float64]*strikeAgg) float64 {
	for i := 0; i < len(strikes)-1; i++ {
		s1, s2 := strikes[i], strikes[i+1]
		n1, n2 := aggs[s1].net, aggs[s2].net
		if n1 == n2 {
			continue
		}
		if (n1 <= 0 && n2 >= 0) || (n1 >= 0 && n2 <= 0) {
			t := -n1 / (n2 - n1)
			return s1 + t*(s2-s1)
		}
	}
	return strikes[0]
}

// computeMaxPain returns the strike minimizing aggregate option-holder
// pain, scanning candidates in ascending order so ties resolve to the
// first-seen (lowest) strike.
func computeMaxPain(strikes []float64, aggs map[float64]*strikeAgg) float64 {
	best := strikes[0]
	bestPain := math.Inf(1)

	for _, k := range strikes {
		pain := 0.0
		for _, s := range strikes {
			a := aggs[s]
			if k > s {
				pain += (k - s) * float64(a.callOI)
			}
			if s > k {
				pain += (s - k) * float64(a.putOI)
			}
		}
		if pain < bestPain {
			bestPain = pain
			best = k
		}
	}
	return best
}

// buildHeatmap assembles the (expiration, strike) grid. Expirations
// come in ascending order already; strikes are densified onto a
// 2.50/5.00 grid over [0.2*spot, 2*spot] and sorted descending. Each
// cell takes the net GEX of the closest observed strike within 50
// cents, else null.
func buildHeatmap(byExpiration []types.ExpirationGEX, spot float64) []types.HeatmapCell {
	strikeSet := map[float64]bool{}
	for _, e := range byExpiration {
		for _, s := range e.Strikes {
			strikeSet[s.Strike] = true
		}
	}
	observed := make([]float64, 0, len(strikeSet))
	for s := range strikeSet {
		observed = append(observed, s)
	}
	sort.Float64s(observed)

	grid := densifyGrid(observed, spot)

	cells := make([]types.HeatmapCell, 0, len(byExpiration)*len(grid))
	for _, e := range byExpiration {
		lookup := make(map[float64]float64, len(e.Strikes))
		strikesForExp := make([]float64, 0, len(e.Strikes))
		for _, s := range e.Strikes {
			lookup[s.Strike] = s.NetGEX
			strikesForExp = append(strikesForExp, s.Strike)
		}

		for _, g := range grid {
			cells = append(cells, types.HeatmapCell{
				Expiration: e.Expiration,
				Strike:     g,
				NetGEX:     nearestNetGEX(g, strikesForExp, lookup),
			})
		}
	}
	return cells
}

func densifyGrid(observed []float64, spot float64) []float64 {
	if len(observed) == 0 {
		return nil
	}

	step := 2.50
	if spot >= 200 {
		step = 5.00
	}

	lo := 0.2 * spot
	hi := 2.0 * spot
	seen := map[float64]bool{}
	var grid []float64
	for v := math.Ceil(lo/step) * step; v <= hi; v += step {
		rounded := math.Round(v*100) / 100
		if !seen[rounded] {
			seen[rounded] = true
			grid = append(grid, rounded)
		}
	}
	if len(grid) == 0 {
		grid = append(grid, observed...)
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(grid)))
	return grid
}

func nearestNetGEX(target float64, strikes []float64, lookup map[float64]float64) *float64 {
	best := math.Inf(1)
	var bestStrike float64
	found := false
	for _, s := range strikes {
		if d := math.Abs(s - target); d < best {
			best = d
			bestStrike = s
			found = true
		}
	}
	if !found || best > nearestStrikeTolerance {
		return nil
	}
	v := lookup[bestStrike]
	return &v
}

// flowDeltaByStrike is the last non-null heatmap cell minus the first
// non-null cell across the expiration axis, per strike. Strikes with at
// most one populated cell get 0.
func flowDeltaByStrike(cells []types.HeatmapCell) map[float64]float64 {
	type span struct {
		first, last float64
		count       int
	}
	acc := map[float64]*span{}

	for _, c := range cells {
		if c.NetGEX == nil {
			continue
		}
		sp, ok := acc[c.Strike]
		if !ok {
			sp = &span{first: *c.NetGEX}
			acc[c.Strike] = sp
		}
		sp.last = *c.NetGEX
		sp.count++
	}

	out := make(map[float64]float64, len(acc))
	for strike, sp := range acc {
		if sp.count <= 1 {
			out[strike] = 0
		} else {
			out[strike] = sp.last - sp.first
		}
	}
	return out
}

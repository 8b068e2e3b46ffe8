// Package query implements the filter/sort/paginate pipeline the HTTP
// layer runs over a trade-store snapshot, plus the aggregate sentiment
// summary attached to every result page.
package query

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"optionsflow/pkg/types"
)

// Run filters, sorts, and paginates flows, returning the envelope the
// HTTP layer serializes directly.
func Run(flows []types.FlowRecord, filter types.Filter, sortKey types.SortKey, page types.Page, storeSize int, marketStatus string) types.QueryResult {
	filtered := make([]types.FlowRecord, 0, len(flows))
	for _, f := range flows {
		if matches(f, filter) {
			filtered = append(filtered, f)
		}
	}

	sortFlows(filtered, sortKey)

	limit := page.Limit
	if limit <= 0 {
		limit = 50
	}
	pageNum := page.PageNum
	if pageNum <= 0 {
		pageNum = 1
	}

	total := len(filtered)
	totalPages := (total + limit - 1) / limit
	if totalPages == 0 {
		totalPages = 1
	}

	start := (pageNum - 1) * limit
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}
	pageFlows := filtered[start:end]

	return types.QueryResult{
		Count:            len(pageFlows),
		TotalCount:       total,
		Page:             pageNum,
		TotalPages:       totalPages,
		Limit:            limit,
		Flows:            pageFlows,
		StoreSize:        storeSize,
		MarketStatus:     marketStatus,
		OverallSentiment: sentiment(pageFlows),
	}
}

func matches(f types.FlowRecord, filter types.Filter) bool {
	if filter.Ticker != "" && !strings.EqualFold(f.Underlying, filter.Ticker) {
		return false
	}
	if filter.FilterTicker != "" && !strings.EqualFold(f.Underlying, filter.FilterTicker) {
		return false
	}
	for _, ex := range filter.ExcludeSymbols {
		if strings.EqualFold(f.Underlying, ex) {
			return false
		}
	}

	if filter.Calls != filter.Puts {
		wantedKind := types.Call
		if filter.Puts {
			wantedKind = types.Put
		}
		if f.Kind != wantedKind {
			return false
		}
	}

	if filter.Sweeps || filter.Blocks || filter.Splits {
		matched := (filter.Sweeps && f.TradeType == types.TradeSweep) ||
			(filter.Blocks && f.TradeType == types.TradeBlock) ||
			(filter.Splits && f.TradeType == types.TradeSplit)
		if !matched {
			return false
		}
	}

	if filter.MinPremium > 0 && f.Premium < filter.MinPremium {
		return false
	}
	if filter.MaxPremium > 0 && f.Premium > filter.MaxPremium {
		return false
	}

	if filter.MinStrike > 0 && f.Strike < filter.MinStrike {
		return false
	}
	if filter.MaxStrike > 0 && f.Strike > filter.MaxStrike {
		return false
	}

	bidAsk := f.Ask - f.Bid
	if filter.MinBidAsk > 0 && bidAsk < filter.MinBidAsk {
		return false
	}
	if filter.MaxBidAsk > 0 && bidAsk > filter.MaxBidAsk {
		return false
	}

	if filter.ITM || filter.OTM || filter.ATM {
		matched := (filter.ITM && f.Moneyness == types.ITM) ||
			(filter.OTM && f.Moneyness == types.OTM) ||
			(filter.ATM && f.Moneyness == types.ATM)
		if !matched {
			return false
		}
	}

	if filter.AboveAsk && f.Side != types.SideAboveAsk {
		return false
	}
	if filter.BelowBid && f.Side != types.SideBelowBid {
		return false
	}

	if filter.VolGtOI && f.DayVolume <= f.OpenInt {
		return false
	}

	if filter.ShortExpiry && f.DTE > 30 {
		return false
	}
	if filter.Leaps && f.DTE < 365 {
		return false
	}
	if len(filter.DTE) > 0 && !containsInt(filter.DTE, f.DTE) {
		return false
	}

	if filter.MinVolume > 0 && f.DayVolume < filter.MinVolume {
		return false
	}
	if filter.MaxDTE > 0 && f.DTE > filter.MaxDTE {
		return false
	}
	if filter.MinConfidence > 0 && f.SetupScore < filter.MinConfidence {
		return false
	}

	if len(filter.OIRanges) > 0 && !matchesRange(filter.OIRanges, float64(f.OpenInt)) {
		return false
	}
	if len(filter.VolumeRanges) > 0 && !matchesRange(filter.VolumeRanges, float64(f.DayVolume)) {
		return false
	}

	return true
}

func containsInt(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

// matchesRange checks v against bucket labels like "<25", "25-75",
// "75-150", ">150" or "<1k", "1-5k", "5-25k", ">25k".
func matchesRange(ranges []string, v float64) bool {
	for _, r := range ranges {
		if inRange(r, v) {
			return true
		}
	}
	return false
}

func inRange(label string, v float64) bool {
	switch {
	case strings.HasPrefix(label, "<"):
		return v < parseRangeValue(label[1:])
	case strings.HasPrefix(label, ">"):
		return v > parseRangeValue(label[1:])
	case strings.Contains(label, "-"):
		parts := strings.SplitN(label, "-", 2)
		loLabel, hiLabel := parts[0], parts[1]
		// "1-5k" means 1k-5k: a "k" on the upper bound applies to both.
		if strings.HasSuffix(hiLabel, "k") && !strings.HasSuffix(loLabel, "k") {
			loLabel += "k"
		}
		lo, hi := parseRangeValue(loLabel), parseRangeValue(hiLabel)
		return v >= lo && v <= hi
	default:
		return false
	}
}

func parseRangeValue(s string) float64 {
	mult := 1.0
	s = strings.TrimSpace(s)
	if strings.HasSuffix(s, "k") {
		mult = 1000
		s = strings.TrimSuffix(s, "k")
	}
	var n float64
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
	}
	for _, r := range s {
		n = n*10 + float64(r-'0')
	}
	return n * mult
}

func sortFlows(flows []types.FlowRecord, key types.SortKey) {
	switch key {
	case types.SortPremium:
		sort.SliceStable(flows, func(i, j int) bool { return flows[i].Premium > flows[j].Premium })
	case types.SortVolume:
		sort.SliceStable(flows, func(i, j int) bool { return flows[i].DayVolume > flows[j].DayVolume })
	case types.SortConfidence:
		sort.SliceStable(flows, func(i, j int) bool { return flows[i].SetupScore > flows[j].SetupScore })
	case types.SortIV:
		sort.SliceStable(flows, func(i, j int) bool { return flows[i].IV > flows[j].IV })
	default: // types.SortTime
		sort.SliceStable(flows, func(i, j int) bool { return flows[i].EventTime.After(flows[j].EventTime) })
	}
}

func sentiment(flows []types.FlowRecord) types.OverallSentiment {
	if len(flows) == 0 {
		return types.OverallSentiment{Sentiment: types.Neutral}
	}

	bullPremium := decimal.Zero
	bearPremium := decimal.Zero
	netPremium := decimal.Zero

	for _, f := range flows {
		premium := decimal.NewFromFloat(f.Premium)
		switch f.Sentiment {
		case types.Bull:
			bullPremium = bullPremium.Add(premium)
			netPremium = netPremium.Add(premium)
		case types.Bear:
			bearPremium = bearPremium.Add(premium)
			netPremium = netPremium.Sub(premium)
		}
	}

	total := bullPremium.Add(bearPremium)
	var share float64
	if total.IsPositive() {
		share, _ = bullPremium.Div(total).Float64()
	}

	overall := types.Neutral
	switch {
	case share > 0.55:
		overall = types.Bull
	case share < 0.45 && total.IsPositive():
		overall = types.Bear
	}

	net, _ := netPremium.Float64()
	return types.OverallSentiment{
		Sentiment:           overall,
		BullishPremiumShare: share,
		NetPremium:          net,
	}
}

// Stats computes the aggregate counters behind /api/options-flow/stats.
func Stats(flows []types.FlowRecord) (totalTrades int, totalPremium float64, callSweeps, putSweeps int, callPutRatio float64, putVolume int64, unusualActivity int) {
	premium := decimal.Zero
	var calls, puts int64

	for _, f := range flows {
		totalTrades++
		premium = premium.Add(decimal.NewFromFloat(f.Premium))

		if f.Kind == types.Call {
			calls += f.DayVolume
			if f.TradeType == types.TradeSweep {
				callSweeps++
			}
		} else {
			puts += f.DayVolume
			putVolume += f.DayVolume
			if f.TradeType == types.TradeSweep {
				putSweeps++
			}
		}

		if f.IsHighProbability {
			unusualActivity++
		}
	}

	totalPremium, _ = premium.Float64()
	if puts > 0 {
		callPutRatio = float64(calls) / float64(puts)
	}
	return
}

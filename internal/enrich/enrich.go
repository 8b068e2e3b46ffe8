// Package enrich turns a raw vendor options-snapshot payload into a fully
// classified FlowRecord: it resolves every polymorphic field through an
// ordered precedence list, derives premium/side/sentiment/moneyness/trade
// type/setup score, and discards records that don't clear the feed's
// minimum-premium floor.
package enrich

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"optionsflow/internal/pricing"
	"optionsflow/internal/symbol"
	"optionsflow/internal/vendorerr"
	"optionsflow/pkg/types"
)

// Feed identifies which ingestion path produced a raw record, since the
// minimum-premium floor differs between live WS ticks and REST backfill.
type Feed int

const (
	FeedLive Feed = iota
	FeedBackfill
)

func (f Feed) minPremium() float64 {
	if f == FeedLive {
		return 10000
	}
	return 0
}

// Enricher resolves raw vendor snapshots into classified flow records.
type Enricher struct {
	ring   *exchangeRing
	logger *slog.Logger

	// SpotLookup resolves an underlying's current price for OTM% and IV
	// backfill. Returns (0, false) when unavailable.
	SpotLookup func(underlying string) (float64, bool)

	// PrevOI, when non-nil, resolves a contract's previous day's open
	// interest for the opening/closing heuristic. Most callers pass nil,
	// since the common case is "unknown".
	PrevOI func(contractID string) (int64, bool)
}

// New creates an Enricher. spotLookup and prevOI may be nil.
func New(logger *slog.Logger, spotLookup func(string) (float64, bool), prevOI func(string) (int64, bool)) *Enricher {
	return &Enricher{
		ring:       newExchangeRing(),
		logger:     logger.With("component", "enricher"),
		SpotLookup: spotLookup,
		PrevOI:     prevOI,
	}
}

// resolveError represents a discard decision — the record never reaches
// the trade store. These are dropped without logging; no count of them
// is kept.
type resolveError struct {
	err error
}

func (r resolveError) Error() string { return r.err.Error() }
func (r resolveError) Unwrap() error { return r.err }

// Enrich resolves raw into a FlowRecord for the given contract symbol and
// feed. underlyingOverride, if non-empty, is used when the payload has no
// underlying_asset.ticker (symbol parse is the final fallback).
func (e *Enricher) Enrich(sym string, raw RawSnapshot, feed Feed, underlyingOverride string) (types.FlowRecord, error) {
	contract, kind, err := resolveKindAndContract(sym, raw)
	if err != nil {
		return types.FlowRecord{}, resolveError{err}
	}

	underlying := resolveUnderlying(sym, raw, underlyingOverride)
	contract.Underlying = underlying

	dayVolume := resolveDayVolume(raw)
	openInt := int64(raw.OpenInterest)

	price, ok := resolvePrice(raw)
	if !ok {
		return types.FlowRecord{}, resolveError{fmt.Errorf("price: %w", vendorerr.ErrBadPrice)}
	}

	bid, ask := resolveBidAsk(raw)

	dte := symbol.DTE(contract.Expiration)

	var spot float64
	var spotOK bool
	if e.SpotLookup != nil {
		spot, spotOK = e.SpotLookup(underlying)
	}

	iv := resolveIV(raw, kind == types.Call, price, spot, contract.Strike, dte, spotOK)

	effectiveSize := effectiveSize(dayVolume, openInt)
	premium := computePremium(price, effectiveSize)

	if premium < feed.minPremium() {
		return types.FlowRecord{}, resolveError{fmt.Errorf("premium below feed floor: %w", vendorerr.ErrBadPrice)}
	}

	side, aggressor := classifySide(price, bid, ask)
	sentiment := classifySentiment(kind, aggressor)

	var otmPct float64
	var moneyness types.Moneyness
	if spotOK {
		otmPct, moneyness = classifyMoneyness(kind, contract.Strike, spot)
	}

	exchange := raw.LastTrade.Exchange
	eventTime := resolveEventTime(raw)

	tradeType := e.classifyTradeType(contract.OCCSymbol(), exchange, eventTime, effectiveSize, premium)
	direction := classifyDirection(kind, aggressor, spotOK, otmPct)

	var prevOI int64
	var prevOIKnown bool
	if e.PrevOI != nil {
		prevOI, prevOIKnown = e.PrevOI(contract.OCCSymbol())
	}
	openClose := classifyOpenClose(dayVolume, openInt, prevOI, prevOIKnown)

	score := setupScore(dayVolume, openInt, premium, tradeType, side, dte)
	highProb := score >= 7 && dayVolume >= 100 && openInt >= 100 && premium >= 25000

	return types.FlowRecord{
		ContractID:        contract.OCCSymbol(),
		Underlying:        underlying,
		Strike:            contract.Strike,
		Expiration:        contract.Expiration,
		Kind:              kind,
		EventTime:         eventTime,
		Price:             price,
		Size:              effectiveSize,
		Premium:           premium,
		DayVolume:         dayVolume,
		OpenInt:           openInt,
		Bid:               bid,
		Ask:               ask,
		IV:                iv,
		DTE:               dte,
		OTMPct:            otmPct,
		Moneyness:         moneyness,
		Side:              side,
		Aggressor:         aggressor,
		Sentiment:         sentiment,
		TradeType:         tradeType,
		Direction:         direction,
		OpenCloseHint:     openClose,
		SetupScore:        score,
		IsHighProbability: highProb,
	}, nil
}

// IsDiscard reports whether err represents a per-record discard decision
// (as opposed to a programming error).
func IsDiscard(err error) bool {
	_, ok := err.(resolveError)
	return ok
}

// 1. Kind + contract identity.
func resolveKindAndContract(sym string, raw RawSnapshot) (types.Contract, types.OptionKind, error) {
	var kind types.OptionKind
	switch raw.Details.ContractType {
	case "call":
		kind = types.Call
	case "put":
		kind = types.Put
	}

	strike := raw.Details.StrikePrice
	var expiration time.Time
	if raw.Details.ExpirationDate != "" {
		if t, err := time.Parse("2006-01-02", raw.Details.ExpirationDate); err == nil {
			expiration = t
		}
	}

	if kind == "" || strike == 0 || expiration.IsZero() {
		parsed, err := symbol.Parse(sym)
		if err != nil {
			return types.Contract{}, "", err
		}
		if kind == "" {
			kind = parsed.Kind
		}
		if strike == 0 {
			strike = parsed.Strike
		}
		if expiration.IsZero() {
			expiration = parsed.Expiration
		}
	}

	if kind == "" {
		return types.Contract{}, "", fmt.Errorf("kind: %w", vendorerr.ErrMissingField)
	}
	if strike <= 0 {
		return types.Contract{}, "", fmt.Errorf("strike: %w", vendorerr.ErrMissingField)
	}

	return types.Contract{Underlying: "", Strike: strike, Expiration: expiration, Kind: kind}, kind, nil
}

// 3. Underlying.
func resolveUnderlying(sym string, raw RawSnapshot, override string) string {
	if raw.UnderlyingAsset.Ticker != "" {
		return raw.UnderlyingAsset.Ticker
	}
	if override != "" {
		return override
	}
	if c, err := symbol.Parse(sym); err == nil {
		return c.Underlying
	}
	return ""
}

// 4. Day volume / OI.
func resolveDayVolume(raw RawSnapshot) int64 {
	switch {
	case raw.Day.Volume > 0:
		return int64(raw.Day.Volume)
	case raw.Volume > 0:
		return int64(raw.Volume)
	case raw.Details.Day.Volume > 0:
		return int64(raw.Details.Day.Volume)
	case raw.Details.Volume > 0:
		return int64(raw.Details.Volume)
	default:
		return 0
	}
}

// 5. Price.
func resolvePrice(raw RawSnapshot) (float64, bool) {
	switch {
	case raw.LastTrade.Price > 0:
		return raw.LastTrade.Price, true
	case raw.LastQuote.Midpoint > 0:
		return raw.LastQuote.Midpoint, true
	case raw.Mark > 0:
		return raw.Mark, true
	case raw.Last > 0:
		return raw.Last, true
	case raw.LastQuote.Bid > 0 && raw.LastQuote.Ask > 0:
		return (raw.LastQuote.Bid + raw.LastQuote.Ask) / 2, true
	default:
		return 0, false
	}
}

// 6. Bid/ask.
func resolveBidAsk(raw RawSnapshot) (bid, ask float64) {
	if raw.LastQuote.Bid > 0 || raw.LastQuote.Ask > 0 {
		return raw.LastQuote.Bid, raw.LastQuote.Ask
	}
	return raw.Bid, raw.Ask
}

// 7. IV.
func resolveIV(raw RawSnapshot, isCall bool, price, spot, strike float64, dte int, spotOK bool) float64 {
	switch {
	case raw.Greeks.MidIV > 0:
		return raw.Greeks.MidIV
	case raw.Greeks.IV > 0:
		return raw.Greeks.IV
	case raw.ImpliedVolatility > 0:
		return raw.ImpliedVolatility
	}

	if !spotOK || spot <= 0 || strike <= 0 || dte < 0 || price <= 0 {
		return 0
	}
	years := pricing.YearsFromDTE(dte)
	if years <= 0 {
		return 0
	}
	iv, err := pricing.ImpliedVolatility(isCall, price, spot, strike, years)
	if err != nil {
		return 0
	}
	return iv
}

func resolveEventTime(raw RawSnapshot) time.Time {
	if raw.LastTrade.Timestamp > 0 {
		return time.Unix(0, raw.LastTrade.Timestamp).UTC()
	}
	return time.Now().UTC()
}

// effectiveSize applies the derived-size rule: when day volume is zero but
// open interest is positive, assume a small opening clip; when both are
// zero, use the 1-lot sentinel.
func effectiveSize(dayVolume, openInt int64) float64 {
	if dayVolume > 0 {
		return float64(dayVolume)
	}
	if openInt > 0 {
		size := int64(math.Floor(0.05 * float64(openInt)))
		if size < 10 {
			size = 10
		}
		return float64(size)
	}
	return 1
}

// computePremium multiplies price * size * the 100-share contract
// multiplier using decimal arithmetic, since premium values feed directly
// into the minimum-premium discard floor and must not drift from
// float64 rounding error at scale.
func computePremium(price, size float64) float64 {
	p := decimal.NewFromFloat(price).
		Mul(decimal.NewFromFloat(size)).
		Mul(decimal.NewFromInt(100))
	f, _ := p.Float64()
	return f
}

func classifySide(price, bid, ask float64) (types.SideLabel, types.Aggressor) {
	if bid <= 0 || ask <= 0 {
		return types.SideMid, types.AggressorNeutral
	}

	mid := (bid + ask) / 2
	spread := ask - bid
	tau := 0.1 * spread

	switch {
	case price > ask:
		return types.SideAboveAsk, types.AggressorBuyer
	case price >= ask-tau:
		return types.SideAtAsk, types.AggressorBuyer
	case price > mid:
		return types.SideToAsk, types.AggressorBuyer
	case price < bid:
		return types.SideBelowBid, types.AggressorSeller
	case price <= bid+tau:
		return types.SideAtBid, types.AggressorSeller
	case price < mid:
		return types.SideToBid, types.AggressorSeller
	default:
		return types.SideMid, types.AggressorNeutral
	}
}

func classifySentiment(kind types.OptionKind, aggressor types.Aggressor) types.Sentiment {
	switch {
	case kind == types.Call && aggressor == types.AggressorBuyer:
		return types.Bull
	case kind == types.Call && aggressor == types.AggressorSeller:
		return types.Bear
	case kind == types.Put && aggressor == types.AggressorBuyer:
		return types.Bear
	case kind == types.Put && aggressor == types.AggressorSeller:
		return types.Bull
	default:
		return types.Neutral
	}
}

func classifyMoneyness(kind types.OptionKind, strike, spot float64) (float64, types.Moneyness) {
	otm := (strike - spot) / spot * 100
	if kind == types.Put {
		otm = -otm
	}

	var m types.Moneyness
	switch {
	case math.Abs(otm) < 0.5:
		m = types.ATM
	case otm > 0:
		m = types.OTM
	default:
		m = types.ITM
	}
	return otm, m
}

func (e *Enricher) classifyTradeType(contractID string, exchange int, eventTime time.Time, size, premium float64) types.TradeType {
	if size >= 100 && premium >= 50000 {
		return types.TradeBlock
	}

	if exchange > 0 {
		if e.ring.checkAndRecord(contractID, exchange, eventTime) {
			return types.TradeSweep
		}
	}

	switch {
	case size >= 50 && premium >= 25000 && (size >= 100 || premium >= 50000):
		return types.TradeSweep
	case size >= 200 || premium >= 100000:
		return types.TradeBlock
	case size >= 25 && premium >= 10000:
		return types.TradeSweep
	default:
		return types.TradeSplit
	}
}

func classifyDirection(kind types.OptionKind, aggressor types.Aggressor, spotOK bool, otmPct float64) types.Direction {
	switch {
	case kind == types.Call && aggressor == types.AggressorBuyer:
		return types.DirUpGreen
	case kind == types.Put && aggressor == types.AggressorSeller:
		return types.DirUpGreen
	case kind == types.Call && aggressor == types.AggressorSeller:
		return types.DirDownRed
	case kind == types.Put && aggressor == types.AggressorBuyer:
		return types.DirDownRed
	default:
		return types.DirUpGrey
	}
}

func classifyOpenClose(volume, oi, prevOI int64, prevOIKnown bool) types.OpenClose {
	if prevOIKnown {
		if volume > prevOI {
			return types.Opening
		}
		if oi < prevOI && float64(volume) > 0.1*float64(oi) {
			return types.Closing
		}
		return types.Unknown
	}

	if oi <= 0 {
		return types.Unknown
	}
	switch {
	case float64(volume)/float64(oi) >= 0.5:
		return types.Opening
	case volume >= 1000 && oi < 2*volume:
		return types.Opening
	case float64(volume)/float64(oi) < 0.05 && oi >= 1000 && volume < 50:
		return types.Closing
	default:
		return types.Unknown
	}
}

func setupScore(volume, oi int64, premium float64, tradeType types.TradeType, side types.SideLabel, dte int) int {
	score := 5

	switch {
	case volume >= 5000:
		score += 2
	case volume >= 1000:
		score += 1
	case volume < 10:
		score -= 3
	}

	switch {
	case oi < 10:
		score -= 3
	case oi < 100:
		score -= 1
	case oi >= 1000:
		score += 1
	}

	switch {
	case premium >= 1_000_000:
		score += 2
	case premium >= 100_000:
		score += 1
	case premium < 10_000:
		score -= 1
	}

	if tradeType == types.TradeSweep || tradeType == types.TradeBlock {
		score++
	}
	if side == types.SideAboveAsk || side == types.SideAtAsk {
		score++
	}
	if dte == 0 {
		score--
	}
	if dte >= 30 && dte <= 60 {
		score++
	}

	if score < 0 {
		score = 0
	}
	if score > 10 {
		score = 10
	}
	return score
}

// Package types holds the shared vocabulary for the options-flow
// aggregation service: contracts, flow records, GEX surfaces, and the
// query/subscription DTOs that cross package boundaries. It has no
// internal dependencies so every other package can import it freely.
package types

import (
	"fmt"
	"strings"
	"time"
)

// ——— Option kind ———

// OptionKind distinguishes calls from puts.
type OptionKind string

const (
	Call OptionKind = "call"
	Put  OptionKind = "put"
)

// ——— Contract ———

// Contract identifies a single options contract by its OCC-derivable
// attributes. Strike is in dollars (not the OCC thousandths encoding).
type Contract struct {
	Underlying string
	Strike     float64
	Expiration time.Time // UTC midnight of the expiration date
	Kind       OptionKind
}

// OCCSymbol returns the canonical "O:<UND><YYMMDD><C|P><strike*1000, 8 digits>" id.
func (c Contract) OCCSymbol() string {
	kindChar := "C"
	if c.Kind == Put {
		kindChar = "P"
	}
	return fmt.Sprintf("O:%s%s%s%08d",
		strings.ToUpper(c.Underlying),
		c.Expiration.Format("060102"),
		kindChar,
		int64(c.Strike*1000+0.5),
	)
}

// ——— Moneyness / side / sentiment / trade-type enums ———

type Moneyness string

const (
	ITM Moneyness = "ITM"
	ATM Moneyness = "ATM"
	OTM Moneyness = "OTM"
)

// SideLabel describes where a trade printed relative to the NBBO.
type SideLabel string

const (
	SideAboveAsk SideLabel = "Above Ask"
	SideAtAsk    SideLabel = "At Ask"
	SideToAsk    SideLabel = "To Ask"
	SideMid      SideLabel = "Mid"
	SideToBid    SideLabel = "To Bid"
	SideAtBid    SideLabel = "At Bid"
	SideBelowBid SideLabel = "Below Bid"
)

// Aggressor describes who crossed the spread.
type Aggressor string

const (
	AggressorBuyer   Aggressor = "buyer"
	AggressorSeller  Aggressor = "seller"
	AggressorNeutral Aggressor = "neutral"
)

// Sentiment is the bullish/bearish/neutral read derived from kind+aggressor.
type Sentiment string

const (
	Bull    Sentiment = "BULL"
	Bear    Sentiment = "BEAR"
	Neutral Sentiment = "NEUTRAL"
)

// TradeType classifies the print as a sweep, block, or ordinary split trade.
type TradeType string

const (
	TradeSweep TradeType = "Sweep"
	TradeBlock TradeType = "Block"
	TradeSplit TradeType = "Split"
)

// OpenClose hints whether a trade looks like it opened or closed a position.
// The empty string means "unknown" — this is the common case per spec.
type OpenClose string

const (
	Opening OpenClose = "Opening"
	Closing OpenClose = "Closing"
	Unknown OpenClose = ""
)

// Direction is the colored up/down/flat arrow shown next to a flow row.
type Direction string

const (
	DirUpGreen Direction = "up-green"
	DirDownRed Direction = "down-red"
	DirUpGrey  Direction = "up-grey"
)

// ——— Flow record ———

// FlowRecord is a single enriched options trade, immutable once inserted
// into the trade store.
type FlowRecord struct {
	ContractID string // OCC symbol; with Sequence, forms the trade store key
	Sequence   int64  // monotonically increasing insertion sequence

	Underlying string
	Strike     float64
	Expiration time.Time
	Kind       OptionKind

	EventTime time.Time // UTC, from the vendor trade tick
	Price     float64
	Size      float64 // trade size (effective, see enrichment derived rules)
	Premium   float64 // price * size * 100

	DayVolume int64
	OpenInt   int64

	Bid float64
	Ask float64
	IV  float64 // 0 when NotAvailable

	DTE       int
	OTMPct    float64
	Moneyness Moneyness

	Side      SideLabel
	Aggressor Aggressor
	Sentiment Sentiment

	TradeType TradeType
	Direction Direction

	OpenCloseHint OpenClose

	SetupScore        int
	IsHighProbability bool
}

// ——— Recent-exchange ring (sweep detection) ———

// ExchangeTick is one (exchange, time) pair kept in a per-contract ring
// used to detect sweeps across exchanges within a short horizon.
type ExchangeTick struct {
	Exchange  int
	EventTime time.Time
}

// ——— Spot cache ———

// SpotQuote is a cached underlying price with its fetch time, used to
// enforce the TTL in the spot oracle.
type SpotQuote struct {
	Price     float64
	FetchedAt time.Time
}

// ——— Subscriptions ———

// AllTickersSentinel is the wildcard subscription entry meaning "every ticker".
const AllTickersSentinel = "*"

// ——— GEX surface ———

// StrikeGEX holds the aggregated gamma exposure at one strike within one
// expiration.
type StrikeGEX struct {
	Strike  float64
	CallGEX float64
	PutGEX  float64
	NetGEX  float64
	CallOI  int64
	PutOI   int64
}

// ExpirationGEX groups strike-level GEX rows under one expiration date.
type ExpirationGEX struct {
	Expiration time.Time
	Strikes    []StrikeGEX
}

// KeyLevels summarizes the tradable levels derived from a GEX surface.
type KeyLevels struct {
	GammaWall      float64
	GammaFlipPoint float64
	MaxPain        float64
	Support        []float64 // top-3, strikes below spot, by |netGEX| desc
	Resistance     []float64 // top-3, strikes above spot, by |netGEX| desc
}

// GEXSummary carries the aggregate Greeks across the whole chain.
type GEXSummary struct {
	TotalDelta float64
	TotalGamma float64
}

// HeatmapCell is one (expiration, strike) cell in the GEX heatmap.
type HeatmapCell struct {
	Expiration time.Time
	Strike     float64
	NetGEX     *float64 // nil when no contract maps to this cell
}

// GEXSurface is the full response for a GEX request.
type GEXSurface struct {
	Ticker       string
	SpotPrice    float64
	Summary      GEXSummary
	Heatmap      []HeatmapCell
	ByExpiration []ExpirationGEX
	KeyLevels    KeyLevels

	// FlowDeltaByStrike is, per strike, the last non-null heatmap cell
	// minus the first non-null cell across the expiration axis (0 when
	// at most one cell is populated for that strike).
	FlowDeltaByStrike map[float64]float64
}

// ——— Query filter / sort ———

// SortKey names the supported Query Engine sort orders.
type SortKey string

const (
	SortTime       SortKey = "time"
	SortPremium    SortKey = "premium"
	SortVolume     SortKey = "volume"
	SortConfidence SortKey = "confidence"
	SortIV         SortKey = "iv"
)

// Filter is the full set of optional predicates the Query Engine applies.
// Zero values mean "no constraint" for that field.
type Filter struct {
	Ticker       string
	FilterTicker string

	Calls bool
	Puts  bool

	Sweeps bool
	Blocks bool
	Splits bool

	MinPremium float64
	MaxPremium float64

	MinStrike float64
	MaxStrike float64

	MinBidAsk float64
	MaxBidAsk float64

	ITM bool
	OTM bool
	ATM bool

	AboveAsk bool
	BelowBid bool

	VolGtOI bool

	ShortExpiry bool // DTE <= 30
	Leaps       bool // DTE >= 365
	DTE         []int

	StockPriceRanges []string // "<25","25-75","75-150",">150"; parsed, but the Query Engine does not apply it
	OIRanges         []string // "<1k","1-5k","5-25k",">25k"
	VolumeRanges     []string

	MinVolume     int64
	MaxDTE        int
	MinConfidence int

	ExcludeSymbols []string
}

// Page describes the requested pagination window.
type Page struct {
	PageNum int
	Limit   int
}

// OverallSentiment summarizes the sentiment of a returned page of flows.
type OverallSentiment struct {
	Sentiment           Sentiment
	BullishPremiumShare float64
	NetPremium          float64
}

// QueryResult is the Query Engine's output envelope.
type QueryResult struct {
	Count            int
	TotalCount       int
	Page             int
	TotalPages       int
	Limit            int
	Flows            []FlowRecord
	StoreSize        int
	MarketStatus     string
	OverallSentiment OverallSentiment
}

// ——— Scanner ———

// GEXPosition classifies a contract's strike relative to spot.
type GEXPosition string

const (
	GEXAbove GEXPosition = "above"
	GEXAt    GEXPosition = "at"
	GEXBelow GEXPosition = "below"
)

// ScanFilter configures a live-scanner request.
type ScanFilter struct {
	MinVolume   int64
	MinPremium  float64
	MaxDTE      int
	GEXPosition string // "all","above","at","below"
	MinScore    int
}

// TradePlan is the suggested entry/stop/targets attached to a scanner alert.
type TradePlan struct {
	Entry       float64
	StopLossPct float64
	Target1     float64
	Target2     float64
	Why         []string
}

// ScanAlert is one qualifying contract surfaced by the live scanner.
type ScanAlert struct {
	Contract    Contract
	DTE         int
	Volume      int64
	OpenInt     int64
	Premium     float64
	Score       int
	GEXPosition GEXPosition
	Plan        TradePlan
}

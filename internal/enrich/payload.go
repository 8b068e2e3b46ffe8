package enrich

// RawSnapshot is the vendor's options-snapshot payload shape, mirroring
// Polygon/Massive's /v3/snapshot/options response. Every Enricher input
// field resolves against this struct using the ordered precedence rules
// of the resolve* helpers in enrich.go.
type RawSnapshot struct {
	BreakEvenPrice    float64        `json:"break_even_price"`
	Day               RawDay         `json:"day"`
	Details           RawDetails     `json:"details"`
	Greeks            RawGreeks      `json:"greeks"`
	ImpliedVolatility float64        `json:"implied_volatility"`
	LastQuote         RawLastQuote   `json:"last_quote"`
	LastTrade         RawLastTrade   `json:"last_trade"`
	OpenInterest      float64        `json:"open_interest"`
	UnderlyingAsset   RawUnderlying  `json:"underlying_asset"`

	// Top-level fallback fields some vendor responses place outside the
	// nested shape above.
	Volume float64 `json:"volume"`
	Last   float64 `json:"last"`
	Mark   float64 `json:"mark"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
}

type RawDay struct {
	Volume float64 `json:"volume"`
}

type RawDetails struct {
	ContractType   string  `json:"contract_type"` // "call" or "put"
	ExpirationDate string  `json:"expiration_date"`
	StrikePrice    float64 `json:"strike_price"`
	Ticker         string  `json:"ticker"`
	Volume         float64 `json:"volume"`
	Day            RawDay  `json:"day"`
}

type RawGreeks struct {
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Theta float64 `json:"theta"`
	Vega  float64 `json:"vega"`
	MidIV float64 `json:"mid_iv"`
	IV    float64 `json:"iv"`
}

type RawLastQuote struct {
	Ask       float64 `json:"ask"`
	Bid       float64 `json:"bid"`
	Midpoint  float64 `json:"midpoint"`
}

type RawLastTrade struct {
	Exchange int     `json:"exchange"`
	Price    float64 `json:"price"`
	Size     float64 `json:"size"`
	Timestamp int64  `json:"sip_timestamp"` // nanoseconds since epoch
}

type RawUnderlying struct {
	Ticker string  `json:"ticker"`
	Price  float64 `json:"price"`
}

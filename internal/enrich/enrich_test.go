package enrich

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"optionsflow/internal/vendorerr"
	"optionsflow/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func baseSnapshot() RawSnapshot {
	return RawSnapshot{
		Details: RawDetails{
			ContractType:   "call",
			ExpirationDate: "2025-12-19",
			StrikePrice:    650,
		},
		Day:             RawDay{Volume: 500},
		OpenInterest:    1000,
		UnderlyingAsset: RawUnderlying{Ticker: "SPY", Price: 655},
		LastQuote:       RawLastQuote{Bid: 9.8, Ask: 10.2, Midpoint: 10.0},
		LastTrade:       RawLastTrade{Exchange: 4, Price: 10.0, Timestamp: time.Now().UnixNano()},
		Greeks:          RawGreeks{MidIV: 0.22},
	}
}

func TestEnrichResolvesFromDetailsBeforeSymbol(t *testing.T) {
	t.Parallel()

	e := New(testLogger(), nil, nil)
	flow, err := e.Enrich("O:SPY251219C00650000", baseSnapshot(), FeedBackfill, "")
	if err != nil {
		t.Fatalf("Enrich() error = %v", err)
	}
	if flow.Underlying != "SPY" || flow.Strike != 650 || flow.Kind != types.Call {
		t.Errorf("flow = %+v, want SPY/650/call", flow)
	}
	if flow.ContractID != "O:SPY251219C00650000" {
		t.Errorf("ContractID = %q, want O:SPY251219C00650000", flow.ContractID)
	}
}

func TestEnrichFallsBackToSymbolWhenDetailsEmpty(t *testing.T) {
	t.Parallel()

	raw := RawSnapshot{
		Day:          RawDay{Volume: 200},
		OpenInterest: 500,
		LastQuote:    RawLastQuote{Bid: 4.8, Ask: 5.2},
		LastTrade:    RawLastTrade{Price: 5.0, Timestamp: time.Now().UnixNano()},
	}

	e := New(testLogger(), nil, nil)
	flow, err := e.Enrich("O:AAPL260320P00150000", raw, FeedBackfill, "")
	if err != nil {
		t.Fatalf("Enrich() error = %v", err)
	}
	if flow.Underlying != "AAPL" || flow.Strike != 150 || flow.Kind != types.Put {
		t.Errorf("flow = %+v, want AAPL/150/put", flow)
	}
}

func TestEnrichDiscardsBelowLiveFeedFloor(t *testing.T) {
	t.Parallel()

	raw := baseSnapshot()
	raw.Day.Volume = 1
	raw.LastTrade.Price = 1.0
	raw.LastQuote = RawLastQuote{Bid: 0.9, Ask: 1.1}

	e := New(testLogger(), nil, nil)
	_, err := e.Enrich("O:SPY251219C00650000", raw, FeedLive, "")
	if err == nil {
		t.Fatal("expected discard error for premium below live floor")
	}
	if !IsDiscard(err) {
		t.Errorf("expected IsDiscard(err) = true, got false (err=%v)", err)
	}
}

func TestEnrichAcceptsBackfillBelowLiveFloor(t *testing.T) {
	t.Parallel()

	raw := baseSnapshot()
	raw.Day.Volume = 1
	raw.LastTrade.Price = 1.0
	raw.LastQuote = RawLastQuote{Bid: 0.9, Ask: 1.1}

	e := New(testLogger(), nil, nil)
	_, err := e.Enrich("O:SPY251219C00650000", raw, FeedBackfill, "")
	if err != nil {
		t.Fatalf("Enrich() error = %v, want nil for backfill feed", err)
	}
}

func TestEnrichMissingPriceIsDiscarded(t *testing.T) {
	t.Parallel()

	raw := baseSnapshot()
	raw.LastTrade.Price = 0
	raw.LastQuote = RawLastQuote{}
	raw.Mark = 0
	raw.Last = 0

	e := New(testLogger(), nil, nil)
	_, err := e.Enrich("O:SPY251219C00650000", raw, FeedBackfill, "")
	if !errors.Is(err, vendorerr.ErrBadPrice) {
		t.Errorf("err = %v, want wrapping ErrBadPrice", err)
	}
}

func TestClassifySideThresholds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		price, bid, ask float64
		wantSide       types.SideLabel
		wantAggressor  types.Aggressor
	}{
		{"above ask", 10.5, 9.8, 10.2, types.SideAboveAsk, types.AggressorBuyer},
		{"at ask", 10.2, 9.8, 10.2, types.SideAtAsk, types.AggressorBuyer},
		{"to ask", 10.1, 9.8, 10.2, types.SideToAsk, types.AggressorBuyer},
		{"below bid", 9.5, 9.8, 10.2, types.SideBelowBid, types.AggressorSeller},
		{"at bid", 9.8, 9.8, 10.2, types.SideAtBid, types.AggressorSeller},
		{"to bid", 9.9, 9.8, 10.2, types.SideToBid, types.AggressorSeller},
		{"mid, no quote", 10, 0, 0, types.SideMid, types.AggressorNeutral},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			side, aggressor := classifySide(tt.price, tt.bid, tt.ask)
			if side != tt.wantSide || aggressor != tt.wantAggressor {
				t.Errorf("classifySide(%v,%v,%v) = %v,%v want %v,%v", tt.price, tt.bid, tt.ask, side, aggressor, tt.wantSide, tt.wantAggressor)
			}
		})
	}
}

func TestClassifyMoneynessATMBand(t *testing.T) {
	t.Parallel()

	otm, m := classifyMoneyness(types.Call, 650, 648)
	if m != types.ATM {
		t.Errorf("strike 650 vs spot 648 (otm%%=%.2f) = %v, want ATM", otm, m)
	}

	_, m = classifyMoneyness(types.Call, 700, 648)
	if m != types.OTM {
		t.Errorf("call strike above spot should be OTM, got %v", m)
	}

	_, m = classifyMoneyness(types.Call, 600, 648)
	if m != types.ITM {
		t.Errorf("call strike below spot should be ITM, got %v", m)
	}

	_, m = classifyMoneyness(types.Put, 600, 648)
	if m != types.OTM {
		t.Errorf("put strike below spot should be OTM, got %v", m)
	}
}

func TestClassifyOpenCloseUnknownWithoutPrevOI(t *testing.T) {
	t.Parallel()

	if got := classifyOpenClose(200, 1000, 0, false); got != types.Unknown {
		t.Errorf("ambiguous volume/OI ratio, no prevOI = %v, want Unknown", got)
	}
	if got := classifyOpenClose(600, 1000, 0, false); got != types.Opening {
		t.Errorf("volume > 50%% of OI = %v, want Opening", got)
	}
	if got := classifyOpenClose(20, 2000, 0, false); got != types.Closing {
		t.Errorf("low volume vs large OI = %v, want Closing", got)
	}
}

func TestClassifyOpenCloseWithKnownPrevOI(t *testing.T) {
	t.Parallel()

	if got := classifyOpenClose(1200, 2200, 1000, true); got != types.Opening {
		t.Errorf("volume exceeds prevOI = %v, want Opening", got)
	}
	if got := classifyOpenClose(150, 800, 1000, true); got != types.Closing {
		t.Errorf("OI dropped with meaningful volume = %v, want Closing", got)
	}
}

func TestEnrichSweepDetectionAcrossExchanges(t *testing.T) {
	t.Parallel()

	e := New(testLogger(), nil, nil)
	raw := baseSnapshot()
	raw.Day.Volume = 10
	raw.OpenInterest = 5000
	raw.LastTrade.Exchange = 1
	raw.LastTrade.Price = 10.0
	raw.LastQuote = RawLastQuote{Bid: 9.8, Ask: 10.2}

	first, err := e.Enrich("O:SPY251219C00650000", raw, FeedBackfill, "")
	if err != nil {
		t.Fatalf("first Enrich() error = %v", err)
	}
	if first.TradeType == types.TradeSweep {
		t.Fatalf("first print should not classify as sweep on its own")
	}

	raw.LastTrade.Exchange = 2
	raw.LastTrade.Timestamp = time.Now().UnixNano()
	second, err := e.Enrich("O:SPY251219C00650000", raw, FeedBackfill, "")
	if err != nil {
		t.Fatalf("second Enrich() error = %v", err)
	}
	if second.TradeType != types.TradeSweep {
		t.Errorf("second print on different exchange within horizon = %v, want Sweep", second.TradeType)
	}
}

func TestEffectiveSizeFallsBackToOIDerivedClip(t *testing.T) {
	t.Parallel()

	if got := effectiveSize(0, 0); got != 1 {
		t.Errorf("effectiveSize(0,0) = %v, want 1", got)
	}
	if got := effectiveSize(0, 1000); got < 10 {
		t.Errorf("effectiveSize(0,1000) = %v, want >= 10", got)
	}
	if got := effectiveSize(300, 1000); got != 300 {
		t.Errorf("effectiveSize(300,1000) = %v, want 300", got)
	}
}

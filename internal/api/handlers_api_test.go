package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"optionsflow/internal/config"
	"optionsflow/internal/gex"
	"optionsflow/internal/ingest"
	"optionsflow/internal/scanner"
	"optionsflow/internal/store"
	"optionsflow/internal/vendorerr"
	"optionsflow/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestHandlers(t *testing.T) *Handlers {
	t.Helper()
	st := store.Open(1000, testLogger())
	st.Insert(types.FlowRecord{ContractID: "O:SPY251219C00650000", Underlying: "SPY", Sequence: 1, EventTime: time.Now(), Premium: 1000, Kind: types.Call})

	ing := ingest.New("ws://unused.invalid", "http://unused.invalid", "test-key", []string{"SPY"}, time.Millisecond, time.Hour, nil, st, testLogger())
	gexEngine := gex.New("http://unused.invalid", "test-key", testLogger())
	scan := scanner.New("http://unused.invalid", "test-key", gexEngine, testLogger())

	return NewHandlers(st, gexEngine, scan, ing, nil, []string{"SPY"}, func() string { return "open" }, "http://unused.invalid", "test-key", nil, config.ServerConfig{}, testLogger())
}

func TestHandleHealthReturnsOK(t *testing.T) {
	t.Parallel()
	h := newTestHandlers(t)
	w := httptest.NewRecorder()
	h.HandleHealth(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp healthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("status = %q, want ok", resp.Status)
	}
}

func TestHandleFlowsFiltersByTicker(t *testing.T) {
	t.Parallel()
	h := newTestHandlers(t)
	w := httptest.NewRecorder()
	h.HandleFlows(w, httptest.NewRequest(http.MethodGet, "/api/options-flow?ticker=SPY", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp flowsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Count != 1 || len(resp.Trades) != 1 {
		t.Fatalf("resp = %+v, want 1 flow and 1 trade", resp)
	}
}

func TestHandleFlowsNonMatchingTickerReturnsNone(t *testing.T) {
	t.Parallel()
	h := newTestHandlers(t)
	w := httptest.NewRecorder()
	h.HandleFlows(w, httptest.NewRequest(http.MethodGet, "/api/options-flow?ticker=AAPL", nil))

	var resp flowsResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Count != 0 {
		t.Fatalf("count = %d, want 0 for non-matching ticker", resp.Count)
	}
}

func TestHandleStatsAggregatesStore(t *testing.T) {
	t.Parallel()
	h := newTestHandlers(t)
	w := httptest.NewRecorder()
	h.HandleStats(w, httptest.NewRequest(http.MethodGet, "/api/options-flow/stats", nil))

	var resp statsResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.TotalTrades != 1 {
		t.Fatalf("totalTrades = %d, want 1", resp.TotalTrades)
	}
}

func TestWriteVendorErrorMapsNotFoundTo404(t *testing.T) {
	t.Parallel()
	h := newTestHandlers(t)
	w := httptest.NewRecorder()
	h.writeVendorError(w, "SPY", fmt.Errorf("gex SPY: empty chain: %w", vendorerr.ErrNotFound))

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	var resp errorResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Error != "NotFound" || resp.Ticker != "SPY" {
		t.Errorf("resp = %+v, want error=NotFound ticker=SPY", resp)
	}
}

func TestParseFilterReadsScalarAndRangeParams(t *testing.T) {
	t.Parallel()
	q, _ := url.ParseQuery("ticker=spy&calls=true&minPremium=500&dte=1,2,3&openInterest=<1k,>25k")
	filter := parseFilter(q)

	if filter.Ticker != "SPY" {
		t.Errorf("ticker = %q, want SPY (uppercased)", filter.Ticker)
	}
	if !filter.Calls || filter.MinPremium != 500 {
		t.Errorf("filter = %+v", filter)
	}
	if len(filter.DTE) != 3 {
		t.Errorf("dte = %v, want 3 entries", filter.DTE)
	}
	if len(filter.OIRanges) != 2 {
		t.Errorf("openInterest ranges = %v, want 2 entries", filter.OIRanges)
	}
}

func TestParseFilterCallsAndPutsBothSet(t *testing.T) {
	t.Parallel()
	q, _ := url.ParseQuery("calls=true&puts=true")
	filter := parseFilter(q)

	if !filter.Calls || !filter.Puts {
		t.Fatalf("filter = %+v, want both Calls and Puts true", filter)
	}
}

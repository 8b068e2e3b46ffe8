package ingest

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"optionsflow/internal/enrich"
	"optionsflow/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// fakeVendorWS accepts one connection, plays the connected->auth->subscribe
// handshake, then emits whatever tick frames the test pushes onto ticks.
type fakeVendorWS struct {
	t            *testing.T
	srv          *httptest.Server
	ticks        chan []byte
	authOutcome  string // "auth_success" or "auth_failed"
	connAttempts atomic.Int32
}

func newFakeVendorWS(t *testing.T, authOutcome string) *fakeVendorWS {
	t.Helper()
	f := &fakeVendorWS{t: t, ticks: make(chan []byte, 8), authOutcome: authOutcome}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.connAttempts.Add(1)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		conn.WriteJSON([]map[string]string{{"ev": "status", "status": "connected"}})

		var auth wsControlMsg
		if err := conn.ReadJSON(&auth); err != nil {
			return
		}
		if auth.Action != "auth" {
			return
		}
		conn.WriteJSON([]map[string]string{{"ev": "status", "status": f.authOutcome}})
		if f.authOutcome != "auth_success" {
			return
		}

		var sub wsControlMsg
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		conn.WriteJSON([]map[string]string{{"ev": "status", "status": "subscribed"}})

		for msg := range f.ticks {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeVendorWS) wsURL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/"
}

func newTestIngestor(t *testing.T, wsURL string) (*Ingestor, *store.Store) {
	t.Helper()
	enricher := enrich.New(testLogger(), nil, nil)
	st := store.Open(1000, testLogger())
	ing := New(wsURL, "http://unused.invalid", "test-key", []string{"SPY"}, time.Millisecond, time.Hour, enricher, st, testLogger())
	return ing, st
}

func TestWSHandshakeAndTickIngestion(t *testing.T) {
	t.Parallel()

	fake := newFakeVendorWS(t, "auth_success")
	ing, st := newTestIngestor(t, fake.wsURL())
	ing.MarketStatus = func() string { return "open" }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ing.RunWS(ctx)

	tick, _ := json.Marshal([]wsTickEvent{{
		Ev: "O", Symbol: "O:SPY251219C00650000", Exchange: 4,
		Price: 10.5, Size: 3, Timestamp: time.Now().UnixMilli(),
	}})
	fake.ticks <- tick

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st.Size() > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	if st.Size() != 1 {
		t.Fatalf("store size = %d, want 1", st.Size())
	}
}

func TestWSTickDroppedWhenMarketClosed(t *testing.T) {
	t.Parallel()

	fake := newFakeVendorWS(t, "auth_success")
	ing, st := newTestIngestor(t, fake.wsURL())
	ing.MarketStatus = func() string { return "closed" }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ing.RunWS(ctx)

	tick, _ := json.Marshal([]wsTickEvent{{
		Ev: "O", Symbol: "O:SPY251219C00650000", Exchange: 4,
		Price: 10.5, Size: 3, Timestamp: time.Now().UnixMilli(),
	}})
	fake.ticks <- tick

	time.Sleep(200 * time.Millisecond)
	if st.Size() != 0 {
		t.Fatalf("store size = %d, want 0 (market closed)", st.Size())
	}
}

func TestWSAuthFailureTriggersReconnect(t *testing.T) {
	t.Parallel()

	fake := newFakeVendorWS(t, "auth_failed")
	ing, _ := newTestIngestor(t, fake.wsURL())
	ing.MarketStatus = func() string { return "open" }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ing.RunWS(ctx)

	deadline := time.Now().Add(reconnectDelay + 2*time.Second)
	for time.Now().Before(deadline) {
		if fake.connAttempts.Load() >= 2 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if fake.connAttempts.Load() < 2 {
		t.Fatalf("expected a reconnect attempt after auth failure, got %d connection attempts", fake.connAttempts.Load())
	}
}

func TestTriggerBackfillSyncBatchAndRestAsync(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	pagesServed := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		pagesServed++
		mu.Unlock()

		results := make([]enrich.RawSnapshot, 600)
		for i := range results {
			results[i] = enrich.RawSnapshot{
				Details: enrich.RawDetails{
					Ticker: "O:SPY251219C00650000", ContractType: "call",
					ExpirationDate: "2025-12-19", StrikePrice: 650,
				},
				LastTrade:    enrich.RawLastTrade{Price: 10, Timestamp: time.Now().UnixNano()},
				OpenInterest: 100,
				Day:          enrich.RawDay{Volume: 50},
			}
		}
		json.NewEncoder(w).Encode(snapshotPage{Results: results})
	}))
	t.Cleanup(srv.Close)

	enricher := enrich.New(testLogger(), nil, nil)
	st := store.Open(10000, testLogger())
	ing := New("ws://unused.invalid/", srv.URL, "test-key", []string{"SPY"}, time.Millisecond, time.Hour, enricher, st, testLogger())

	ing.TriggerBackfill(context.Background())

	if st.Size() < backfillBatchSize {
		t.Fatalf("after sync phase, store size = %d, want >= %d", st.Size(), backfillBatchSize)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !ing.backfillRunning.Load() {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if ing.backfillRunning.Load() {
		t.Fatalf("backfill still marked running after async tail should have completed")
	}
}

func TestTriggerBackfillInFlightGuardRejectsReentry(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	var entered atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entered.Add(1)
		<-release
		json.NewEncoder(w).Encode(snapshotPage{})
	}))
	t.Cleanup(srv.Close)

	enricher := enrich.New(testLogger(), nil, nil)
	st := store.Open(1000, testLogger())
	ing := New("ws://unused.invalid/", srv.URL, "test-key", []string{"SPY"}, time.Millisecond, time.Hour, enricher, st, testLogger())

	go ing.TriggerBackfill(context.Background())
	time.Sleep(50 * time.Millisecond)

	ing.TriggerBackfill(context.Background()) // should be a no-op, in-flight guard engaged

	close(release)
	time.Sleep(100 * time.Millisecond)

	if entered.Load() != 1 {
		t.Fatalf("vendor hit %d times, want 1 (second call should have been rejected by the in-flight guard)", entered.Load())
	}
}

func TestFetchTickerSnapshotBreaksOn401(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	enricher := enrich.New(testLogger(), nil, nil)
	st := store.Open(1000, testLogger())
	ing := New("ws://unused.invalid/", srv.URL, "test-key", []string{"SPY"}, time.Millisecond, time.Hour, enricher, st, testLogger())

	_, err := ing.fetchTickerSnapshot(context.Background(), "SPY", defaultPageBudget)
	if err == nil {
		t.Fatal("expected an error on 401")
	}
}

func TestFetchTickerSnapshotRetriesOn429(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(snapshotPage{Results: []enrich.RawSnapshot{{
			Details: enrich.RawDetails{Ticker: "O:SPY251219C00650000"},
		}}})
	}))
	t.Cleanup(srv.Close)

	enricher := enrich.New(testLogger(), nil, nil)
	st := store.Open(1000, testLogger())
	ing := New("ws://unused.invalid/", srv.URL, "test-key", []string{"SPY"}, time.Millisecond, time.Hour, enricher, st, testLogger())

	origSleep := rateLimitSleepForTest
	defer func() { rateLimitSleepForTest = origSleep }()
	rateLimitSleepForTest = time.Millisecond

	results, err := ing.fetchTickerSnapshot(context.Background(), "SPY", defaultPageBudget)
	if err != nil {
		t.Fatalf("fetchTickerSnapshot: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1 after 429 retry", len(results))
	}
	if calls.Load() != 2 {
		t.Fatalf("vendor calls = %d, want 2 (one 429 then one success)", calls.Load())
	}
}

func TestWithAPIKeyOverridesExistingParam(t *testing.T) {
	t.Parallel()

	out := withAPIKey("https://example.com/v3/snapshot/options/SPY?limit=100&apiKey=stale", "fresh")
	if !strings.Contains(out, "apiKey=fresh") || strings.Contains(out, "stale") {
		t.Errorf("withAPIKey result = %q, want apiKey replaced with fresh", out)
	}
}

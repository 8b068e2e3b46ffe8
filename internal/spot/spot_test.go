package spot

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestGetReturnsVendorPrice(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"results": map[string]any{"price": 655.25},
		})
	}))
	defer srv.Close()

	o := New(srv.URL, "test-key", testLogger())
	price, err := o.Get(context.Background(), "SPY")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if price != 655.25 {
		t.Errorf("Get() = %v, want 655.25", price)
	}
}

func TestGetCollapsesConcurrentMisses(t *testing.T) {
	t.Parallel()

	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		json.NewEncoder(w).Encode(map[string]any{
			"results": map[string]any{"price": 100.0},
		})
	}))
	defer srv.Close()

	o := New(srv.URL, "test-key", testLogger())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := o.Get(context.Background(), "AAPL"); err != nil {
				t.Errorf("Get() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Errorf("vendor calls = %d, want 1 (singleflight collapse)", got)
	}
}

func TestGetSilentlyUnavailableOnUnauthorized(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	o := New(srv.URL, "bad-key", testLogger())
	if _, ok := o.Lookup("SPY"); ok {
		t.Error("Lookup() ok = true, want false on vendor 401")
	}
}

func TestLookupCachesAcrossCalls(t *testing.T) {
	t.Parallel()

	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		json.NewEncoder(w).Encode(map[string]any{
			"results": map[string]any{"price": 50.0},
		})
	}))
	defer srv.Close()

	o := New(srv.URL, "test-key", testLogger())
	for i := 0; i < 5; i++ {
		if _, ok := o.Lookup("TSLA"); !ok {
			t.Fatalf("Lookup() ok = false")
		}
	}
	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Errorf("vendor calls = %d, want 1 (cache hit on repeat lookups)", got)
	}
}

package enrich

import (
	"sync"
	"time"

	"optionsflow/pkg/types"
)

const (
	sweepHorizon  = 500 * time.Millisecond
	ringMaxTicks  = 10
)

// exchangeRing tracks the last few (exchange, time) ticks for every
// contract so the classifier can detect sweeps — the same contract
// trading on a different exchange within a short horizon. A single mutex
// guards the whole map since the Enricher is invoked from both the WS
// session and the REST backfill loop concurrently.
type exchangeRing struct {
	mu   sync.Mutex
	byID map[string][]types.ExchangeTick
}

func newExchangeRing() *exchangeRing {
	return &exchangeRing{byID: make(map[string][]types.ExchangeTick)}
}

// checkAndRecord reports whether a prior tick for this contract, on a
// different exchange, occurred within the sweep horizon of now — then
// appends the current tick and trims the ring to its cap.
func (r *exchangeRing) checkAndRecord(contractID string, exchange int, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	ticks := r.byID[contractID]
	isSweep := false
	for _, t := range ticks {
		if t.Exchange != exchange && now.Sub(t.EventTime) <= sweepHorizon {
			isSweep = true
			break
		}
	}

	ticks = append(ticks, types.ExchangeTick{Exchange: exchange, EventTime: now})
	if len(ticks) > ringMaxTicks {
		ticks = ticks[len(ticks)-ringMaxTicks:]
	}
	r.byID[contractID] = ticks

	return isSweep
}

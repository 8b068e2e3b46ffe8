// Package store is the bounded, concurrent, insertion-ordered flow store.
// One writer (the ingestor) inserts enriched flow records; many readers
// (the query engine) take a point-in-time snapshot to filter and sort.
// There is no durable persistence — flows live only as long as the
// process does, by design.
package store

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"optionsflow/pkg/types"
)

// Store is a capped, insertion-ordered map of flow identity -> flow record.
// A flow's identity is its contract ID plus its insertion sequence (a
// contract prints many times; each print is a distinct entry). Insertion
// order, not event-time order, is what the map preserves; the query
// engine sorts explicitly when event-time order is required.
type Store struct {
	mu      sync.Mutex
	max     int
	order   []string // insertion-ordered identity keys, oldest first
	byID    map[string]types.FlowRecord
	nextSeq int64
	logger  *slog.Logger
}

// Open creates a trade store capped at max entries.
func Open(max int, logger *slog.Logger) *Store {
	return &Store{
		max:    max,
		order:  make([]string, 0, max),
		byID:   make(map[string]types.FlowRecord, max),
		logger: logger.With("component", "store"),
	}
}

// Insert adds a flow record, assigning it the next insertion sequence and
// a derived identity key (contract ID + sequence). If the store is at
// capacity, the oldest entry is dropped first.
func (s *Store) Insert(flow types.FlowRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.order) >= s.max {
		s.evictOldestLocked()
	}

	s.nextSeq++
	flow.Sequence = s.nextSeq
	id := identityKey(flow.ContractID, flow.Sequence)

	s.order = append(s.order, id)
	s.byID[id] = flow
}

func identityKey(contractID string, seq int64) string {
	return fmt.Sprintf("%s#%d", contractID, seq)
}

func (s *Store) evictOldestLocked() {
	if len(s.order) == 0 {
		return
	}
	oldest := s.order[0]
	s.order = s.order[1:]
	delete(s.byID, oldest)
}

// Size returns the current number of stored flows.
func (s *Store) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// AgeSweep removes entries whose EventTime is older than maxAge. Per spec,
// callers invoke this before a refresh when the store is more than half
// full, and unconditionally when it's more than 80% full.
func (s *Store) AgeSweep(maxAge time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	kept := s.order[:0]
	removed := 0
	for _, id := range s.order {
		flow, ok := s.byID[id]
		if !ok {
			continue
		}
		if flow.EventTime.Before(cutoff) {
			delete(s.byID, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept

	if removed > 0 {
		s.logger.Debug("age sweep removed entries", "removed", removed, "remaining", len(s.order))
	}
	return removed
}

// ShouldSweep reports whether the store is past the half-full threshold
// (advisory sweep) and whether it's past the 80% threshold (mandatory
// sweep before the next refresh).
func (s *Store) ShouldSweep() (advisory, mandatory bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ratio := float64(len(s.order)) / float64(s.max)
	return ratio > 0.5, ratio > 0.8
}

// Snapshot returns an O(n) copy of all flows in insertion order. Callers
// never hold the store lock while filtering or sorting the result.
func (s *Store) Snapshot() []types.FlowRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.FlowRecord, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id])
	}
	return out
}

// Max returns the store's configured capacity.
func (s *Store) Max() int {
	return s.max
}

package store

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"optionsflow/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestInsertAndSnapshotPreservesOrder(t *testing.T) {
	t.Parallel()

	s := Open(10, testLogger())
	now := time.Now()
	for i := 0; i < 3; i++ {
		s.Insert(types.FlowRecord{ContractID: "O:SPY251219C00650000", EventTime: now})
	}

	snap := s.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("Snapshot() len = %d, want 3", len(snap))
	}
	for i, f := range snap {
		if f.Sequence != int64(i+1) {
			t.Errorf("snap[%d].Sequence = %d, want %d", i, f.Sequence, i+1)
		}
	}
}

func TestInsertEvictsOldestAtCapacity(t *testing.T) {
	t.Parallel()

	s := Open(2, testLogger())
	s.Insert(types.FlowRecord{ContractID: "a", EventTime: time.Now()})
	s.Insert(types.FlowRecord{ContractID: "b", EventTime: time.Now()})
	s.Insert(types.FlowRecord{ContractID: "c", EventTime: time.Now()})

	if got := s.Size(); got != 2 {
		t.Fatalf("Size() = %d, want 2", got)
	}

	snap := s.Snapshot()
	if snap[0].ContractID != "b" || snap[1].ContractID != "c" {
		t.Errorf("Snapshot() = %+v, want [b, c]", snap)
	}
}

func TestAgeSweepRemovesOldEntries(t *testing.T) {
	t.Parallel()

	s := Open(10, testLogger())
	s.Insert(types.FlowRecord{ContractID: "old", EventTime: time.Now().Add(-5 * time.Minute)})
	s.Insert(types.FlowRecord{ContractID: "new", EventTime: time.Now()})

	removed := s.AgeSweep(2 * time.Minute)
	if removed != 1 {
		t.Fatalf("AgeSweep() removed = %d, want 1", removed)
	}
	if s.Size() != 1 {
		t.Fatalf("Size() = %d, want 1", s.Size())
	}
	if s.Snapshot()[0].ContractID != "new" {
		t.Errorf("expected 'new' entry to survive sweep")
	}
}

func TestShouldSweepThresholds(t *testing.T) {
	t.Parallel()

	s := Open(10, testLogger())
	for i := 0; i < 6; i++ {
		s.Insert(types.FlowRecord{ContractID: "x", EventTime: time.Now()})
	}
	advisory, mandatory := s.ShouldSweep()
	if !advisory || mandatory {
		t.Errorf("at 60%% full: advisory=%v mandatory=%v, want true,false", advisory, mandatory)
	}

	for i := 0; i < 3; i++ {
		s.Insert(types.FlowRecord{ContractID: "y", EventTime: time.Now()})
	}
	advisory, mandatory = s.ShouldSweep()
	if !advisory || !mandatory {
		t.Errorf("at 90%% full: advisory=%v mandatory=%v, want true,true", advisory, mandatory)
	}
}

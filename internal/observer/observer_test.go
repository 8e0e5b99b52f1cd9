package observer

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/pavlenko-dev/ctxd/internal/store"
)

func tempObserver(t *testing.T) *Observer {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "awareness.json"))
}

func TestSummaryOnMissingFileIsEmpty(t *testing.T) {
	o := tempObserver(t)
	s, err := o.Summary()
	if err != nil {
		t.Fatalf("Summary on missing file: %v", err)
	}
	if s.TotalReads != 0 || s.TotalWrites != 0 || s.TotalMisses != 0 {
		t.Fatalf("expected empty aggregates, got %+v", s)
	}
}

func TestNotifyAggregatesByAction(t *testing.T) {
	o := tempObserver(t)
	o.Notify(store.Event{Action: "read", Tool: "get_context", Timestamp: "2026-01-01T00:00:00Z"})
	o.Notify(store.Event{Action: "write", Tool: "save_context", Timestamp: "2026-01-01T00:00:01Z"})
	o.Notify(store.Event{Action: "miss", Tool: "recall", Query: "deployment", Timestamp: "2026-01-01T00:00:02Z"})

	s, err := o.Summary()
	if err != nil {
		t.Fatal(err)
	}
	if s.TotalReads != 1 || s.TotalWrites != 1 || s.TotalMisses != 1 {
		t.Fatalf("unexpected aggregate: %+v", s)
	}
	if s.MissesByQuery["deployment"] != 1 {
		t.Fatalf("expected miss counted for 'deployment', got %+v", s.MissesByQuery)
	}
}

func TestMissWithoutQueryCountsTotalOnly(t *testing.T) {
	o := tempObserver(t)
	o.Notify(store.Event{Action: "miss", Tool: "get_context", Timestamp: "2026-01-01T00:00:00Z"})
	s, err := o.Summary()
	if err != nil {
		t.Fatal(err)
	}
	if s.TotalMisses != 1 {
		t.Fatalf("expected 1 total miss, got %d", s.TotalMisses)
	}
	if len(s.MissesByQuery) != 0 {
		t.Fatalf("expected no per-query entries for queryless miss, got %+v", s.MissesByQuery)
	}
}

func TestGapAppearsOnlyAfterThirdMiss(t *testing.T) {
	o := tempObserver(t)
	for i := 0; i < 2; i++ {
		o.Notify(store.Event{Action: "miss", Query: "deployment", Timestamp: "2026-01-01T00:00:00Z"})
	}
	misses, err := o.MissesAtLeast(3)
	if err != nil {
		t.Fatal(err)
	}
	if len(misses) != 0 {
		t.Fatalf("expected no queries at >= 3 misses yet, got %v", misses)
	}

	o.Notify(store.Event{Action: "miss", Query: "deployment", Timestamp: "2026-01-01T00:00:01Z"})
	misses, err = o.MissesAtLeast(3)
	if err != nil {
		t.Fatal(err)
	}
	if len(misses) != 1 || misses[0] != "deployment" {
		t.Fatalf("expected 'deployment' at >= 3 misses, got %v", misses)
	}
}

func Test1001EventsRotateTo500(t *testing.T) {
	o := tempObserver(t)
	for i := 0; i < 1001; i++ {
		o.Notify(store.Event{Action: "read", Timestamp: "2026-01-01T00:00:00Z"})
	}
	b, err := o.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(b.Events) != eventTrimTo {
		t.Fatalf("expected %d retained events after rotation, got %d", eventTrimTo, len(b.Events))
	}
}

func TestAppendImprovementTrimsAt200(t *testing.T) {
	o := tempObserver(t)
	for i := 0; i < journalCap+1; i++ {
		if err := o.AppendImprovement(ImprovementRecord{Timestamp: time.Now().UTC().Format(time.RFC3339Nano)}); err != nil {
			t.Fatal(err)
		}
	}
	b, err := o.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(b.Improvements) != journalTrimTo {
		t.Fatalf("expected journal trimmed to %d, got %d", journalTrimTo, len(b.Improvements))
	}
}

func TestRecordUsefulnessCounters(t *testing.T) {
	o := tempObserver(t)
	if err := o.RecordUsefulness("e1", true); err != nil {
		t.Fatal(err)
	}
	if err := o.RecordUsefulness("e1", true); err != nil {
		t.Fatal(err)
	}
	if err := o.RecordUsefulness("e1", false); err != nil {
		t.Fatal(err)
	}
	b, err := o.Load()
	if err != nil {
		t.Fatal(err)
	}
	if b.Usefulness.Helpful["e1"] != 2 || b.Usefulness.Unhelpful["e1"] != 1 {
		t.Fatalf("unexpected usefulness counters: %+v", b.Usefulness)
	}
}

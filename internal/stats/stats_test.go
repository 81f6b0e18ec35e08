package stats

import "testing"

func TestRecordAndSnapshot(t *testing.T) {
	r := New()
	r.Record(Entry{RouteTag: "LOCAL_CODEX", Status: 200, DurationMs: 100})
	r.Record(Entry{RouteTag: "LOCAL_CODEX", Status: 429, DurationMs: 50})
	r.Record(Entry{RouteTag: "AMP_UPSTREAM", Status: 200, DurationMs: 30})

	snap := r.Snapshot()
	if snap.TotalRequests != 3 {
		t.Errorf("expected 3 total requests, got %d", snap.TotalRequests)
	}
	if snap.RequestsByRoute["LOCAL_CODEX"] != 2 {
		t.Errorf("expected 2 LOCAL_CODEX entries, got %d", snap.RequestsByRoute["LOCAL_CODEX"])
	}
	if snap.Count429 != 1 {
		t.Errorf("expected 1 429, got %d", snap.Count429)
	}
	wantAvg := float64(100+50+30) / 3
	if snap.AverageDurationMs != wantAvg {
		t.Errorf("expected avg %v, got %v", wantAvg, snap.AverageDurationMs)
	}
}

func TestRingOverwritesOldestOnceFull(t *testing.T) {
	r := New()
	for i := 0; i < capacity+10; i++ {
		r.Record(Entry{RouteTag: "x", Status: 200, DurationMs: int64(i)})
	}
	snap := r.Snapshot()
	if snap.TotalRequests != uint64(capacity+10) {
		t.Errorf("totalCount should keep counting past capacity, got %d", snap.TotalRequests)
	}
	recent := r.RecentRequests(5)
	if len(recent) != 5 {
		t.Fatalf("expected 5 recent entries, got %d", len(recent))
	}
	// the last entry recorded should be the most recent one returned
	if recent[len(recent)-1].DurationMs != int64(capacity+9) {
		t.Errorf("expected last recent entry to be the latest write, got %+v", recent[len(recent)-1])
	}
}

func TestRecentRequestsCapsAtSize(t *testing.T) {
	r := New()
	r.Record(Entry{RouteTag: "a"})
	r.Record(Entry{RouteTag: "b"})
	recent := r.RecentRequests(10)
	if len(recent) != 2 {
		t.Fatalf("expected 2 entries when fewer than n exist, got %d", len(recent))
	}
}

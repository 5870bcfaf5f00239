package liveness

import (
	"fmt"
	"testing"
	"time"
)

var base = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestActiveWithinWindow(t *testing.T) {
	tr := New(24*time.Hour, 100)
	tr.Touch("d1", base)
	tr.Touch("d2", base.Add(-10*time.Minute))

	now := base.Add(time.Minute)
	if got := tr.ActiveCount(now, 5*time.Minute); got != 1 {
		t.Fatalf("expected 1 active device, got %d", got)
	}
	if !tr.Active("d1", now, 5*time.Minute) {
		t.Fatalf("expected d1 active")
	}
	if tr.Active("d2", now, 5*time.Minute) {
		t.Fatalf("expected d2 inactive")
	}
}

func TestTouchNeverMovesBackwards(t *testing.T) {
	tr := New(24*time.Hour, 100)
	tr.Touch("d1", base)
	tr.Touch("d1", base.Add(-time.Hour))

	snap := tr.Snapshot()
	if len(snap) != 1 || !snap[0].LastSeen.Equal(base) {
		t.Fatalf("expected last_seen %v, got %+v", base, snap)
	}
}

func TestSweepEvictsBeyondRetention(t *testing.T) {
	tr := New(time.Hour, 100)
	tr.Touch("old", base.Add(-2*time.Hour))
	tr.Touch("fresh", base)

	if n := tr.Sweep(base); n != 1 {
		t.Fatalf("expected 1 eviction, got %d", n)
	}
	if tr.Count() != 1 {
		t.Fatalf("expected 1 device left, got %d", tr.Count())
	}
	if tr.Active("old", base, 24*time.Hour) {
		t.Fatalf("expected old device gone")
	}
}

func TestBoundedMapEvictsStalest(t *testing.T) {
	tr := New(24*time.Hour, 5)
	for i := 0; i < 10; i++ {
		tr.Touch(fmt.Sprintf("d%02d", i), base.Add(time.Duration(i)*time.Second))
	}
	if tr.Count() != 5 {
		t.Fatalf("expected map capped at 5, got %d", tr.Count())
	}
	// The newest ids must have survived.
	if !tr.Active("d09", base.Add(10*time.Second), time.Minute) {
		t.Fatalf("expected newest device retained")
	}
	if tr.Active("d00", base.Add(10*time.Second), time.Minute) {
		t.Fatalf("expected stalest device evicted")
	}
}

func TestSeedPrefersNewer(t *testing.T) {
	tr := New(24*time.Hour, 100)
	tr.Touch("d1", base)
	tr.Seed(map[string]time.Time{
		"d1": base.Add(-time.Hour), // stale rebuild loses to live state
		"d2": base.Add(-time.Minute),
	})

	snap := tr.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 devices, got %d", len(snap))
	}
	if !snap[0].LastSeen.Equal(base) {
		t.Fatalf("expected live touch preserved, got %v", snap[0].LastSeen)
	}
}

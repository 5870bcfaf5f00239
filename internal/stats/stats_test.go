package stats

import (
	"context"
	"strings"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"sensor-monitor/internal/liveness"
	"sensor-monitor/internal/store"
)

var base = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func openTestRepo(t *testing.T) *store.Repo {
	t.Helper()
	dsn := "file:stats_" + strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()) + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	repo, err := store.New(db)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo
}

func f(v float64) *float64 { return &v }
func n(v int) *int         { return &v }

func insert(t *testing.T, repo *store.Repo, deviceID string, at time.Time, complete bool) {
	t.Helper()
	r := &store.Reading{DeviceID: deviceID, Timestamp: at, ReceivedAt: at, Temperature: f(20)}
	if complete {
		r.Humidity = f(50)
		r.PM25 = n(10)
		r.LightLux = n(600)
	}
	if err := repo.InsertReading(context.Background(), r); err != nil {
		t.Fatalf("insert: %v", err)
	}
}

// Three readings at t, t+60s, t+120s with a 60s cadence and a 300s window:
// five expected samples, three actual, 60% integrity, and the device counts
// as active.
func TestDeviceIntegrityScenario(t *testing.T) {
	repo := openTestRepo(t)
	tracker := liveness.New(24*time.Hour, 100)
	eng := New(repo, tracker, 300*time.Second, 60*time.Second, nil, 100)

	for i := 0; i < 3; i++ {
		at := base.Add(time.Duration(i) * time.Minute)
		insert(t, repo, "D1", at, true)
		tracker.Touch("D1", at)
	}
	now := base.Add(2 * time.Minute)

	if got := tracker.ActiveCount(now, eng.ActiveWindow()); got != 1 {
		t.Fatalf("expected D1 active, got %d active devices", got)
	}

	integrity, err := eng.DeviceIntegrity(context.Background(), "D1", now)
	if err != nil {
		t.Fatalf("integrity: %v", err)
	}
	if integrity < 59.9 || integrity > 60.1 {
		t.Fatalf("expected ~60%% integrity, got %v", integrity)
	}

	rows, err := repo.History(context.Background(), "D1", now.Add(-time.Hour), time.Time{})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected exactly 3 rows, got %d", len(rows))
	}
}

// More expected samples can only lower integrity, and it never exceeds 100.
func TestIntegrityMonotonicInCadence(t *testing.T) {
	repo := openTestRepo(t)
	tracker := liveness.New(24*time.Hour, 100)

	for i := 0; i < 3; i++ {
		insert(t, repo, "D1", base.Add(time.Duration(i)*time.Minute), true)
	}
	now := base.Add(2 * time.Minute)

	prev := 101.0
	for _, cadence := range []time.Duration{10 * time.Minute, 5 * time.Minute, time.Minute, 10 * time.Second} {
		eng := New(repo, tracker, 300*time.Second, cadence, nil, 100)
		v, err := eng.DeviceIntegrity(context.Background(), "D1", now)
		if err != nil {
			t.Fatalf("integrity: %v", err)
		}
		if v > 100 {
			t.Fatalf("integrity not clamped: %v", v)
		}
		if v > prev {
			t.Fatalf("integrity increased as cadence shrank: %v -> %v", prev, v)
		}
		prev = v
	}
}

func TestPerDeviceCadenceOverride(t *testing.T) {
	repo := openTestRepo(t)
	tracker := liveness.New(24*time.Hour, 100)
	eng := New(repo, tracker, 5*time.Minute, time.Minute, map[string]time.Duration{"slow": 5 * time.Minute}, 100)

	if eng.NominalInterval("slow") != 5*time.Minute {
		t.Fatalf("expected override cadence")
	}
	if eng.NominalInterval("other") != time.Minute {
		t.Fatalf("expected default cadence")
	}

	// One reading in the window is 100% for the slow device (1 expected) but
	// 20% for a default-cadence one (5 expected).
	insert(t, repo, "slow", base, true)
	insert(t, repo, "fast", base, true)
	now := base.Add(time.Minute)

	slow, err := eng.DeviceIntegrity(context.Background(), "slow", now)
	if err != nil {
		t.Fatalf("integrity: %v", err)
	}
	if slow != 100 {
		t.Fatalf("expected 100%% for slow cadence, got %v", slow)
	}
	fast, err := eng.DeviceIntegrity(context.Background(), "fast", now)
	if err != nil {
		t.Fatalf("integrity: %v", err)
	}
	if fast < 19.9 || fast > 20.1 {
		t.Fatalf("expected ~20%% for default cadence, got %v", fast)
	}
}

func TestDataQuality(t *testing.T) {
	repo := openTestRepo(t)
	tracker := liveness.New(24*time.Hour, 100)
	eng := New(repo, tracker, 5*time.Minute, time.Minute, nil, 100)

	insert(t, repo, "D1", base, true)
	insert(t, repo, "D1", base.Add(time.Minute), true)
	insert(t, repo, "D1", base.Add(2*time.Minute), false)
	insert(t, repo, "D1", base.Add(3*time.Minute), false)

	q, err := eng.DataQuality(context.Background())
	if err != nil {
		t.Fatalf("quality: %v", err)
	}
	if q != 50 {
		t.Fatalf("expected 50%% quality, got %v", q)
	}
}

func TestSnapshotIdempotent(t *testing.T) {
	repo := openTestRepo(t)
	tracker := liveness.New(24*time.Hour, 100)
	eng := New(repo, tracker, 5*time.Minute, time.Minute, nil, 100)

	insert(t, repo, "D1", base, true)
	tracker.Touch("D1", base)

	now := base.Add(time.Minute)
	first, err := eng.Snapshot(context.Background(), now)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	second, err := eng.Snapshot(context.Background(), now)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if first != second {
		t.Fatalf("snapshots differ with no intervening ingestion: %+v vs %+v", first, second)
	}
}

func TestSnapshotCountsTodayInLocalZone(t *testing.T) {
	repo := openTestRepo(t)
	tracker := liveness.New(24*time.Hour, 100)
	eng := New(repo, tracker, 5*time.Minute, time.Minute, nil, 100)

	// 23:00 UTC on May 31 is already June 1 in a +02:00 zone, so a snapshot
	// taken there must include it in today's count.
	received := time.Date(2025, 5, 31, 23, 0, 0, 0, time.UTC)
	insert(t, repo, "D1", received, true)
	tracker.Touch("D1", received)

	local := time.FixedZone("CEST", 2*60*60)
	now := time.Date(2025, 6, 1, 1, 30, 0, 0, local)
	st, err := eng.Snapshot(context.Background(), now)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if st.TodayReadings != 1 {
		t.Fatalf("expected today's count to include the 01:00 local reading, got %d", st.TodayReadings)
	}
}

func TestSnapshotEmptySystem(t *testing.T) {
	repo := openTestRepo(t)
	tracker := liveness.New(24*time.Hour, 100)
	eng := New(repo, tracker, 5*time.Minute, time.Minute, nil, 100)

	st, err := eng.Snapshot(context.Background(), base)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if st.ActiveDevices != 0 || st.TodayReadings != 0 {
		t.Fatalf("expected empty counters, got %+v", st)
	}
	if st.DataIntegrity != 100 || st.DataQuality != 100 {
		t.Fatalf("nothing is missing in an empty system: %+v", st)
	}
}

package stats

import (
	"context"
	"math"
	"time"

	"sensor-monitor/internal/liveness"
	"sensor-monitor/internal/store"
)

// Engine computes the derived system metrics on demand. It holds no state of
// its own beyond configuration; everything is recomputed from the store and
// the liveness tracker at query time.
type Engine struct {
	repo    *store.Repo
	tracker *liveness.Tracker

	activeWindow    time.Duration
	nominalInterval time.Duration
	// per-device publish cadence overrides for mixed fleets
	nominalOverrides map[string]time.Duration
	qualityLookback  int
}

type Status struct {
	ActiveDevices int     `json:"active_devices"`
	TotalDevices  int     `json:"total_devices"`
	TodayReadings int64   `json:"today_readings"`
	DataIntegrity float64 `json:"data_integrity"`
	DataQuality   float64 `json:"data_quality"`
}

func New(repo *store.Repo, tracker *liveness.Tracker, activeWindow, nominalInterval time.Duration, nominalOverrides map[string]time.Duration, qualityLookback int) *Engine {
	if activeWindow <= 0 {
		activeWindow = 5 * time.Minute
	}
	if nominalInterval <= 0 {
		nominalInterval = time.Minute
	}
	if qualityLookback <= 0 {
		qualityLookback = 100
	}
	return &Engine{
		repo:             repo,
		tracker:          tracker,
		activeWindow:     activeWindow,
		nominalInterval:  nominalInterval,
		nominalOverrides: nominalOverrides,
		qualityLookback:  qualityLookback,
	}
}

func (e *Engine) ActiveWindow() time.Duration { return e.activeWindow }

// NominalInterval returns the expected publish cadence for a device.
func (e *Engine) NominalInterval(deviceID string) time.Duration {
	if d, ok := e.nominalOverrides[deviceID]; ok && d > 0 {
		return d
	}
	return e.nominalInterval
}

// Snapshot computes the current SystemStatus. Calling it twice with no
// intervening ingestion yields identical values.
func (e *Engine) Snapshot(ctx context.Context, now time.Time) (Status, error) {
	st := Status{
		ActiveDevices: e.tracker.ActiveCount(now, e.activeWindow),
		TotalDevices:  e.tracker.Count(),
	}

	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	today, err := e.repo.CountReceivedSince(ctx, midnight)
	if err != nil {
		return Status{}, err
	}
	st.TodayReadings = today

	integrity, err := e.SystemIntegrity(ctx, now)
	if err != nil {
		return Status{}, err
	}
	st.DataIntegrity = integrity

	quality, err := e.DataQuality(ctx)
	if err != nil {
		return Status{}, err
	}
	st.DataQuality = quality
	return st, nil
}

// DeviceIntegrity is the share of expected samples actually received over the
// active window, clamped to 100.
func (e *Engine) DeviceIntegrity(ctx context.Context, deviceID string, now time.Time) (float64, error) {
	expected := float64(e.activeWindow) / float64(e.NominalInterval(deviceID))
	if expected <= 0 {
		return 100, nil
	}
	actual, err := e.repo.CountDeviceSince(ctx, deviceID, now.Add(-e.activeWindow))
	if err != nil {
		return 0, err
	}
	return math.Min(100, 100*float64(actual)/expected), nil
}

// SystemIntegrity averages per-device integrity over all tracked devices.
// With no devices nothing is missing, so it reports 100.
func (e *Engine) SystemIntegrity(ctx context.Context, now time.Time) (float64, error) {
	devices := e.tracker.Snapshot()
	if len(devices) == 0 {
		return 100, nil
	}
	var sum float64
	for _, d := range devices {
		v, err := e.DeviceIntegrity(ctx, d.DeviceID, now)
		if err != nil {
			return 0, err
		}
		sum += v
	}
	return sum / float64(len(devices)), nil
}

// DataQuality is the share of readings in the lookback sample with all four
// sensor fields populated, as a percentage. An empty store reports 100.
func (e *Engine) DataQuality(ctx context.Context) (float64, error) {
	rows, err := e.repo.RecentReadings(ctx, e.qualityLookback)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 100, nil
	}
	complete := 0
	for i := range rows {
		if rows[i].Complete() {
			complete++
		}
	}
	return 100 * float64(complete) / float64(len(rows)), nil
}

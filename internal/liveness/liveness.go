package liveness

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Tracker keeps the last-seen instant per device. It is derived state: the
// ingestor touches it on every accepted reading and it is rebuilt from the
// store on startup, so it can be discarded at any time.
//
// The map is bounded: devices unseen past the retention horizon are evicted
// by a periodic sweep, and when a rogue burst of ids exceeds maxDevices the
// stalest entries go first.
type Tracker struct {
	retention  time.Duration
	maxDevices int

	mu       sync.RWMutex
	lastSeen map[string]time.Time
}

// Entry is a snapshot row for the devices endpoint.
type Entry struct {
	DeviceID string
	LastSeen time.Time
}

func New(retention time.Duration, maxDevices int) *Tracker {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	if maxDevices <= 0 {
		maxDevices = 10000
	}
	return &Tracker{
		retention:  retention,
		maxDevices: maxDevices,
		lastSeen:   make(map[string]time.Time),
	}
}

// Touch records an accepted reading for deviceID. Monotonic: an out-of-order
// touch never moves last_seen backwards.
func (t *Tracker) Touch(deviceID string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.lastSeen[deviceID]; ok && prev.After(at) {
		return
	}
	t.lastSeen[deviceID] = at
	if len(t.lastSeen) > t.maxDevices {
		t.evictStalestLocked(len(t.lastSeen) - t.maxDevices)
	}
}

// Seed loads last-seen state rebuilt from the store. Existing entries win if
// newer (ingestion may already have run).
func (t *Tracker) Seed(seen map[string]time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, at := range seen {
		if prev, ok := t.lastSeen[id]; ok && prev.After(at) {
			continue
		}
		t.lastSeen[id] = at
	}
	if len(t.lastSeen) > t.maxDevices {
		t.evictStalestLocked(len(t.lastSeen) - t.maxDevices)
	}
}

// ActiveCount counts devices seen within window of now.
func (t *Tracker) ActiveCount(now time.Time, window time.Duration) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, at := range t.lastSeen {
		if now.Sub(at) <= window {
			n++
		}
	}
	return n
}

// Active reports whether deviceID was seen within window of now.
func (t *Tracker) Active(deviceID string, now time.Time, window time.Duration) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	at, ok := t.lastSeen[deviceID]
	return ok && now.Sub(at) <= window
}

// Count returns the number of tracked devices.
func (t *Tracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.lastSeen)
}

// Snapshot returns all tracked devices ordered by id.
func (t *Tracker) Snapshot() []Entry {
	t.mu.RLock()
	out := make([]Entry, 0, len(t.lastSeen))
	for id, at := range t.lastSeen {
		out = append(out, Entry{DeviceID: id, LastSeen: at})
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Sweep drops devices unseen past the retention horizon. Returns the number
// evicted.
func (t *Tracker) Sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	evicted := 0
	for id, at := range t.lastSeen {
		if now.Sub(at) > t.retention {
			delete(t.lastSeen, id)
			evicted++
		}
	}
	return evicted
}

// Run sweeps on a fixed period until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context, period time.Duration) {
	if period <= 0 {
		period = time.Hour
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := t.Sweep(now); n > 0 {
				slog.Debug("liveness sweep evicted devices", "count", n)
			}
		}
	}
}

func (t *Tracker) evictStalestLocked(n int) {
	type pair struct {
		id string
		at time.Time
	}
	all := make([]pair, 0, len(t.lastSeen))
	for id, at := range t.lastSeen {
		all = append(all, pair{id, at})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].at.Before(all[j].at) })
	for i := 0; i < n && i < len(all); i++ {
		delete(t.lastSeen, all[i].id)
	}
}

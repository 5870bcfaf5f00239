package httpapi

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"sensor-monitor/internal/cache"
	"sensor-monitor/internal/liveness"
	"sensor-monitor/internal/stats"
	"sensor-monitor/internal/store"
)

// Server is the query service. Every handler is read-only and safe to run
// concurrently with ingestion; store reads carry a timeout so no request can
// hang on an unreachable database.
type Server struct {
	repo    *store.Repo
	engine  *stats.Engine
	tracker *liveness.Tracker
	latest  *cache.LatestCache
	tokens  *TokenStore

	mqttStatus      func() string
	startTime       time.Time
	maxHistoryHours float64
	queryTimeout    time.Duration
}

type Options struct {
	Repo            *store.Repo
	Engine          *stats.Engine
	Tracker         *liveness.Tracker
	Latest          *cache.LatestCache
	MQTTStatus      func() string
	StartTime       time.Time
	MaxHistoryHours float64
	QueryTimeout    time.Duration
}

func New(o Options) *Server {
	s := &Server{
		repo:            o.Repo,
		engine:          o.Engine,
		tracker:         o.Tracker,
		latest:          o.Latest,
		tokens:          NewTokenStore(),
		mqttStatus:      o.MQTTStatus,
		startTime:       o.StartTime,
		maxHistoryHours: o.MaxHistoryHours,
		queryTimeout:    o.QueryTimeout,
	}
	if s.mqttStatus == nil {
		s.mqttStatus = func() string { return "offline" }
	}
	if s.maxHistoryHours <= 0 {
		s.maxHistoryHours = 168
	}
	if s.queryTimeout <= 0 {
		s.queryTimeout = 5 * time.Second
	}
	if s.startTime.IsZero() {
		s.startTime = time.Now().UTC()
	}
	return s
}

// Router builds the chi router. extra middlewares (metrics/tracing) run
// outermost.
func (s *Server) Router(extra ...func(http.Handler) http.Handler) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	for _, m := range extra {
		r.Use(m)
	}

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/data/latest", s.handleLatest)
	r.Get("/api/data/history", s.handleHistory)
	r.Get("/api/system/status", s.handleStatus)
	r.Get("/api/devices", s.handleDevices)
	r.Get("/api/statistics/device/{deviceID}", s.handleDeviceStatistics)
	r.Post("/api/auth/token", s.handleIssueToken)

	r.Group(func(r chi.Router) {
		r.Use(s.tokens.RequireToken)
		r.Get("/api/export/csv", s.handleExportCSV)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	ctx, cancel := s.queryCtx(r.Context())
	defer cancel()
	rows, err := s.repo.LatestReadings(ctx, limit)
	if err != nil {
		s.storeError(w, "latest query failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "data": rows, "count": len(rows)})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	deviceID := strings.TrimSpace(q.Get("device_id"))
	if deviceID == "" {
		writeError(w, http.StatusBadRequest, "device_id is required")
		return
	}

	hours, err := strconv.ParseFloat(strings.TrimSpace(q.Get("hours")), 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid hours")
		return
	}
	if hours <= 0 || hours > s.maxHistoryHours {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("hours must be in (0, %v]", s.maxHistoryHours))
		return
	}

	window := time.Duration(hours * float64(time.Hour))
	now := time.Now().UTC()

	ctx, cancel := s.queryCtx(r.Context())
	defer cancel()
	rows, err := s.repo.History(ctx, deviceID, now.Add(-window), time.Time{})
	if err != nil {
		s.storeError(w, "history query failed", err)
		return
	}

	raw := strings.EqualFold(strings.TrimSpace(q.Get("raw")), "true")
	bucket := stats.BucketFor(window)
	if raw || bucket == 0 {
		writeJSON(w, http.StatusOK, map[string]any{"status": "success", "data": rows, "count": len(rows)})
		return
	}
	points := stats.Downsample(rows, bucket)
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "data": points, "count": len(points)})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.queryCtx(r.Context())
	defer cancel()
	snap, err := s.engine.Snapshot(ctx, time.Now())
	if err != nil {
		s.storeError(w, "status query failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"active_devices":    snap.ActiveDevices,
		"total_devices":     snap.TotalDevices,
		"today_readings":    snap.TodayReadings,
		"data_integrity":    snap.DataIntegrity,
		"data_quality":      snap.DataQuality,
		"server_start_time": s.startTime.Format(time.RFC3339),
		"mqtt_status":       s.mqttStatus(),
	})
}

type deviceDTO struct {
	DeviceID      string          `json:"device_id"`
	LastSeen      time.Time       `json:"last_seen"`
	Active        bool            `json:"active"`
	LatestReading json.RawMessage `json:"latest_reading,omitempty"`
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.queryCtx(r.Context())
	defer cancel()

	latestByDevice := map[string]json.RawMessage{}
	rows, err := s.repo.LatestPerDevice(ctx)
	if err != nil {
		s.storeError(w, "devices query failed", err)
		return
	}
	for i := range rows {
		if b, err := json.Marshal(&rows[i]); err == nil {
			latestByDevice[rows[i].DeviceID] = b
		}
	}

	now := time.Now()
	window := s.engine.ActiveWindow()
	entries := s.tracker.Snapshot()
	devices := make([]deviceDTO, 0, len(entries))
	for _, e := range entries {
		d := deviceDTO{
			DeviceID: e.DeviceID,
			LastSeen: e.LastSeen,
			Active:   now.Sub(e.LastSeen) <= window,
		}
		// Prefer the write-through cache when wired; fall back to the store's
		// latest-per-device rows.
		if cached, err := s.latest.Get(ctx, e.DeviceID); err == nil && len(cached) > 0 {
			d.LatestReading = cached
		} else if b, ok := latestByDevice[e.DeviceID]; ok {
			d.LatestReading = b
		}
		devices = append(devices, d)
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "devices": devices, "count": len(devices)})
}

func (s *Server) handleDeviceStatistics(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	if strings.TrimSpace(deviceID) == "" {
		writeError(w, http.StatusBadRequest, "device_id is required")
		return
	}

	ctx, cancel := s.queryCtx(r.Context())
	defer cancel()
	st, err := s.repo.DeviceStatistics(ctx, deviceID)
	if err != nil {
		s.storeError(w, "device statistics query failed", err)
		return
	}
	integrity, err := s.engine.DeviceIntegrity(ctx, deviceID, time.Now())
	if err != nil {
		s.storeError(w, "device integrity query failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "success",
		"statistics":     st,
		"data_integrity": integrity,
	})
}

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	token := s.tokens.Issue()
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"created_at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleExportCSV(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	deviceID := strings.TrimSpace(q.Get("device_id"))

	var from time.Time
	if v := strings.TrimSpace(q.Get("hours")); v != "" {
		hours, err := strconv.ParseFloat(v, 64)
		if err != nil || hours <= 0 {
			writeError(w, http.StatusBadRequest, "invalid hours")
			return
		}
		from = time.Now().UTC().Add(-time.Duration(hours * float64(time.Hour)))
	}

	ctx, cancel := s.queryCtx(r.Context())
	defer cancel()
	rows, err := s.repo.ReadingsForExport(ctx, deviceID, from, time.Time{})
	if err != nil {
		s.storeError(w, "export query failed", err)
		return
	}

	filename := "sensor_data_" + time.Now().UTC().Format("20060102_150405") + ".csv"
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)

	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"timestamp", "received_at", "device_id", "temperature_c", "humidity_pct", "pm25", "light_lux"})
	for i := range rows {
		p := &rows[i]
		_ = cw.Write([]string{
			p.Timestamp.UTC().Format(time.RFC3339),
			p.ReceivedAt.UTC().Format(time.RFC3339),
			p.DeviceID,
			formatFloat(p.Temperature),
			formatFloat(p.Humidity),
			formatInt(p.PM25),
			formatInt(p.LightLux),
		})
	}
	cw.Flush()
}

func (s *Server) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, s.queryTimeout)
}

// storeError maps store failures to 503 so callers can tell "store
// unreachable" apart from an empty result.
func (s *Server) storeError(w http.ResponseWriter, msg string, err error) {
	slog.Error(msg, "error", err)
	if errors.Is(err, store.ErrUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeError(w, http.StatusInternalServerError, "internal error")
}

func formatFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', 1, 64)
}

func formatInt(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"status": "error", "error": msg})
}

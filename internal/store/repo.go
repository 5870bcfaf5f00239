package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrUnavailable wraps any store failure (connection loss, query timeout) so
// callers can distinguish "the store could not answer" from "no rows matched".
var ErrUnavailable = errors.New("store unavailable")

const (
	// MaxLatestLimit bounds the latest-readings response size.
	MaxLatestLimit     = 1000
	defaultLatestLimit = 10
)

type Repo struct {
	db *gorm.DB
}

func OpenPostgres(user, password, dbName, host, port, sslMode string) (*gorm.DB, error) {
	if sslMode == "" {
		sslMode = "disable"
	}
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC", host, user, password, dbName, port, sslMode)
	return gorm.Open(postgres.Open(dsn), &gorm.Config{})
}

// OpenSQLite opens a file-backed sqlite database for single-node deployments
// and local development.
func OpenSQLite(path string) (*gorm.DB, error) {
	return gorm.Open(sqlite.Open(path), &gorm.Config{})
}

func New(db *gorm.DB) (*Repo, error) {
	if err := db.AutoMigrate(&Reading{}); err != nil {
		return nil, err
	}
	return &Repo{db: db}, nil
}

// InsertReading commits one reading. The row is visible to readers only after
// this returns nil.
func (r *Repo) InsertReading(ctx context.Context, p *Reading) error {
	if p.ReceivedAt.IsZero() {
		p.ReceivedAt = time.Now().UTC()
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = p.ReceivedAt
	}
	if err := r.db.WithContext(ctx).Create(p).Error; err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// LatestReadings returns up to limit readings across all devices, newest
// receipt first. limit is clamped to [1, MaxLatestLimit].
func (r *Repo) LatestReadings(ctx context.Context, limit int) ([]Reading, error) {
	if limit <= 0 {
		limit = defaultLatestLimit
	}
	if limit > MaxLatestLimit {
		limit = MaxLatestLimit
	}

	var rows []Reading
	err := r.db.WithContext(ctx).
		Order(clause.OrderBy{Columns: []clause.OrderByColumn{
			{Column: clause.Column{Name: "received_at"}, Desc: true},
			{Column: clause.Column{Name: "id"}, Desc: true},
		}}).
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return rows, nil
}

// History returns all readings for one device with timestamps in [from, to],
// ascending by sample time. An unknown device yields an empty slice, not an
// error.
func (r *Repo) History(ctx context.Context, deviceID string, from, to time.Time) ([]Reading, error) {
	exprs := []clause.Expression{
		clause.Eq{Column: clause.Column{Name: "device_id"}, Value: deviceID},
	}
	if !from.IsZero() {
		exprs = append(exprs, clause.Gte{Column: clause.Column{Name: "timestamp"}, Value: from.UTC()})
	}
	if !to.IsZero() {
		exprs = append(exprs, clause.Lte{Column: clause.Column{Name: "timestamp"}, Value: to.UTC()})
	}

	var rows []Reading
	err := r.db.WithContext(ctx).
		Clauses(clause.Where{Exprs: exprs}, clause.OrderBy{Columns: []clause.OrderByColumn{
			{Column: clause.Column{Name: "timestamp"}},
			{Column: clause.Column{Name: "id"}},
		}}).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return rows, nil
}

// CountReceivedSince counts readings received at or after t, across devices.
// The bound is normalized to UTC: rows carry UTC offsets and sqlite compares
// timestamps textually, so a zoned bound would silently miscount.
func (r *Repo) CountReceivedSince(ctx context.Context, t time.Time) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&Reading{}).
		Where("received_at >= ?", t.UTC()).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n, nil
}

// CountDeviceSince counts one device's readings received at or after t.
func (r *Repo) CountDeviceSince(ctx context.Context, deviceID string, t time.Time) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&Reading{}).
		Where("device_id = ? AND received_at >= ?", deviceID, t.UTC()).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n, nil
}

// CountDevice counts all stored readings for one device.
func (r *Repo) CountDevice(ctx context.Context, deviceID string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&Reading{}).
		Where("device_id = ?", deviceID).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n, nil
}

// RecentReadings returns the last n readings by receipt time, newest first.
// The data quality metric samples these.
func (r *Repo) RecentReadings(ctx context.Context, n int) ([]Reading, error) {
	if n <= 0 {
		return nil, nil
	}
	var rows []Reading
	err := r.db.WithContext(ctx).
		Order(clause.OrderBy{Columns: []clause.OrderByColumn{
			{Column: clause.Column{Name: "received_at"}, Desc: true},
			{Column: clause.Column{Name: "id"}, Desc: true},
		}}).
		Limit(n).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return rows, nil
}

// LatestPerDevice returns each device's most recent reading. Used to rebuild
// liveness state on startup and by the devices endpoint.
func (r *Repo) LatestPerDevice(ctx context.Context) ([]Reading, error) {
	var rows []Reading
	err := r.db.WithContext(ctx).
		Where("id IN (?)", r.db.Model(&Reading{}).Select("MAX(id)").Group("device_id")).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return rows, nil
}

type statsRow struct {
	TotalReadings  int64
	AvgTemperature *float64
	AvgHumidity    *float64
	AvgPM25        *float64
	AvgLightLux    *float64
}

// DeviceStatistics aggregates one device's full history: row count, first and
// last sample time, and per-field averages over non-null values.
func (r *Repo) DeviceStatistics(ctx context.Context, deviceID string) (DeviceStats, error) {
	out := DeviceStats{DeviceID: deviceID}

	var agg statsRow
	err := r.db.WithContext(ctx).Model(&Reading{}).
		Select("COUNT(*) AS total_readings, AVG(temperature) AS avg_temperature, AVG(humidity) AS avg_humidity, AVG(pm25) AS avg_pm25, AVG(light_lux) AS avg_light_lux").
		Where("device_id = ?", deviceID).
		Scan(&agg).Error
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	out.TotalReadings = agg.TotalReadings
	out.AvgTemperature = agg.AvgTemperature
	out.AvgHumidity = agg.AvgHumidity
	out.AvgPM25 = agg.AvgPM25
	out.AvgLightLux = agg.AvgLightLux
	if out.TotalReadings == 0 {
		return out, nil
	}

	var first, last Reading
	if err := r.db.WithContext(ctx).Where("device_id = ?", deviceID).Order("timestamp ASC, id ASC").First(&first).Error; err != nil {
		return out, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := r.db.WithContext(ctx).Where("device_id = ?", deviceID).Order("timestamp DESC, id DESC").First(&last).Error; err != nil {
		return out, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	out.FirstReading = &first.Timestamp
	out.LastReading = &last.Timestamp
	return out, nil
}

// ReadingsForExport returns rows for CSV export, newest first. An empty
// deviceID exports all devices.
func (r *Repo) ReadingsForExport(ctx context.Context, deviceID string, from, to time.Time) ([]Reading, error) {
	exprs := []clause.Expression{}
	if deviceID != "" {
		exprs = append(exprs, clause.Eq{Column: clause.Column{Name: "device_id"}, Value: deviceID})
	}
	if !from.IsZero() {
		exprs = append(exprs, clause.Gte{Column: clause.Column{Name: "timestamp"}, Value: from.UTC()})
	}
	if !to.IsZero() {
		exprs = append(exprs, clause.Lte{Column: clause.Column{Name: "timestamp"}, Value: to.UTC()})
	}

	q := r.db.WithContext(ctx).
		Order(clause.OrderBy{Columns: []clause.OrderByColumn{
			{Column: clause.Column{Name: "timestamp"}, Desc: true},
			{Column: clause.Column{Name: "id"}, Desc: true},
		}})
	if len(exprs) > 0 {
		q = q.Clauses(clause.Where{Exprs: exprs})
	}

	var rows []Reading
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return rows, nil
}

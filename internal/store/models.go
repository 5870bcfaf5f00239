package store

import (
	"time"

	"gorm.io/datatypes"
)

// Reading is one accepted telemetry sample. Rows are insert-only; a reading
// is never updated after commit.
type Reading struct {
	ID       uint   `gorm:"primaryKey" json:"id"`
	DeviceID string `gorm:"index:idx_device_ts,priority:1" json:"device_id"`
	// Timestamp is the device-reported sample time. Devices may reorder or
	// omit it; ingest falls back to ReceivedAt when it is missing.
	Timestamp  time.Time `gorm:"index:idx_device_ts,priority:2" json:"timestamp"`
	ReceivedAt time.Time `gorm:"index:idx_received_at" json:"received_at"`

	Temperature *float64 `json:"temperature"`
	Humidity    *float64 `json:"humidity"`
	PM25        *int     `json:"pm25"`
	LightLux    *int     `json:"light_lux"`

	Raw datatypes.JSON `json:"-"`
}

// Complete reports whether all four sensor fields are populated. The data
// quality metric is the share of complete readings in a lookback window.
func (r *Reading) Complete() bool {
	return r.Temperature != nil && r.Humidity != nil && r.PM25 != nil && r.LightLux != nil
}

// DeviceStats aggregates a device's stored history for the statistics endpoint.
type DeviceStats struct {
	DeviceID       string     `json:"device_id"`
	TotalReadings  int64      `json:"total_readings"`
	FirstReading   *time.Time `json:"first_reading,omitempty"`
	LastReading    *time.Time `json:"last_reading,omitempty"`
	AvgTemperature *float64   `json:"avg_temperature,omitempty"`
	AvgHumidity    *float64   `json:"avg_humidity,omitempty"`
	AvgPM25        *float64   `json:"avg_pm25,omitempty"`
	AvgLightLux    *float64   `json:"avg_light_lux,omitempty"`
}

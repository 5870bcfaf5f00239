package stats

import (
	"time"

	"sensor-monitor/internal/store"
)

// Point is one downsampled history sample: per-bucket averages of whatever
// fields were present.
type Point struct {
	Timestamp   time.Time `json:"timestamp"`
	Temperature *float64  `json:"temperature"`
	Humidity    *float64  `json:"humidity"`
	PM25        *float64  `json:"pm25"`
	LightLux    *float64  `json:"light_lux"`
	Samples     int       `json:"samples"`
}

// BucketFor picks the aggregation step for a history window. Sub-hour windows
// are served raw.
func BucketFor(window time.Duration) time.Duration {
	switch {
	case window <= time.Hour:
		return 0
	case window <= 4*time.Hour:
		return 5 * time.Minute
	case window <= 24*time.Hour:
		return 15 * time.Minute
	default:
		return 2 * time.Hour
	}
}

// Downsample averages readings per bucket. Input must be ascending by
// timestamp; output buckets are emitted in the same order, keyed by the
// bucket's start instant. A zero bucket returns per-reading points unchanged.
func Downsample(rows []store.Reading, bucket time.Duration) []Point {
	if bucket <= 0 {
		out := make([]Point, 0, len(rows))
		for i := range rows {
			out = append(out, pointFrom(&rows[i]))
		}
		return out
	}

	var out []Point
	var cur *acc
	for i := range rows {
		start := rows[i].Timestamp.Truncate(bucket)
		if cur == nil || !cur.start.Equal(start) {
			if cur != nil {
				out = append(out, cur.point())
			}
			cur = &acc{start: start}
		}
		cur.add(&rows[i])
	}
	if cur != nil {
		out = append(out, cur.point())
	}
	return out
}

type acc struct {
	start   time.Time
	samples int

	tempSum, humSum, pm25Sum, lightSum float64
	tempN, humN, pm25N, lightN         int
}

func (a *acc) add(r *store.Reading) {
	a.samples++
	if r.Temperature != nil {
		a.tempSum += *r.Temperature
		a.tempN++
	}
	if r.Humidity != nil {
		a.humSum += *r.Humidity
		a.humN++
	}
	if r.PM25 != nil {
		a.pm25Sum += float64(*r.PM25)
		a.pm25N++
	}
	if r.LightLux != nil {
		a.lightSum += float64(*r.LightLux)
		a.lightN++
	}
}

func (a *acc) point() Point {
	p := Point{Timestamp: a.start, Samples: a.samples}
	if a.tempN > 0 {
		v := a.tempSum / float64(a.tempN)
		p.Temperature = &v
	}
	if a.humN > 0 {
		v := a.humSum / float64(a.humN)
		p.Humidity = &v
	}
	if a.pm25N > 0 {
		v := a.pm25Sum / float64(a.pm25N)
		p.PM25 = &v
	}
	if a.lightN > 0 {
		v := a.lightSum / float64(a.lightN)
		p.LightLux = &v
	}
	return p
}

func pointFrom(r *store.Reading) Point {
	p := Point{Timestamp: r.Timestamp, Samples: 1}
	if r.Temperature != nil {
		v := *r.Temperature
		p.Temperature = &v
	}
	if r.Humidity != nil {
		v := *r.Humidity
		p.Humidity = &v
	}
	if r.PM25 != nil {
		v := float64(*r.PM25)
		p.PM25 = &v
	}
	if r.LightLux != nil {
		v := float64(*r.LightLux)
		p.LightLux = &v
	}
	return p
}

package stats

import (
	"testing"
	"time"

	"sensor-monitor/internal/store"
)

func TestBucketFor(t *testing.T) {
	cases := []struct {
		window time.Duration
		want   time.Duration
	}{
		{30 * time.Minute, 0},
		{time.Hour, 0},
		{4 * time.Hour, 5 * time.Minute},
		{24 * time.Hour, 15 * time.Minute},
		{7 * 24 * time.Hour, 2 * time.Hour},
	}
	for _, c := range cases {
		if got := BucketFor(c.window); got != c.want {
			t.Fatalf("BucketFor(%v) = %v, want %v", c.window, got, c.want)
		}
	}
}

func TestDownsampleAverages(t *testing.T) {
	rows := []store.Reading{
		{Timestamp: base, Temperature: f(10), Humidity: f(40)},
		{Timestamp: base.Add(time.Minute), Temperature: f(20)},
		{Timestamp: base.Add(6 * time.Minute), Temperature: f(30), Humidity: f(60)},
	}

	points := Downsample(rows, 5*time.Minute)
	if len(points) != 2 {
		t.Fatalf("expected 2 buckets, got %d", len(points))
	}
	if points[0].Samples != 2 || points[1].Samples != 1 {
		t.Fatalf("unexpected sample counts: %d, %d", points[0].Samples, points[1].Samples)
	}
	if *points[0].Temperature != 15 {
		t.Fatalf("expected bucket average 15, got %v", *points[0].Temperature)
	}
	// Humidity was absent from one sample; the average covers present values only.
	if *points[0].Humidity != 40 {
		t.Fatalf("expected humidity 40, got %v", *points[0].Humidity)
	}
	if points[0].PM25 != nil {
		t.Fatalf("expected nil pm25 for empty field")
	}
	if !points[0].Timestamp.Before(points[1].Timestamp) {
		t.Fatalf("buckets out of order")
	}
}

func TestDownsampleZeroBucketPassesThrough(t *testing.T) {
	rows := []store.Reading{
		{Timestamp: base, Temperature: f(10)},
		{Timestamp: base.Add(time.Second), Temperature: f(12)},
	}
	points := Downsample(rows, 0)
	if len(points) != 2 {
		t.Fatalf("expected pass-through, got %d points", len(points))
	}
	if *points[1].Temperature != 12 {
		t.Fatalf("expected raw value preserved")
	}
}

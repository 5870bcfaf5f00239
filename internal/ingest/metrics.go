package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	readingsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sensor_readings_accepted_total",
		Help: "Total readings validated and committed to the store.",
	})

	readingsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sensor_readings_rejected_total",
		Help: "Total readings dropped at validation by reject reason.",
	}, []string{"reason"})

	insertFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sensor_insert_failures_total",
		Help: "Total readings dropped after the insert retry budget was exhausted.",
	})

	// lastAcceptedUnix is 0 until the first reading arrives.
	lastAcceptedUnix = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sensor_last_reading_timestamp_seconds",
		Help: "Unix timestamp of the last accepted reading. 0 if none yet.",
	})
)

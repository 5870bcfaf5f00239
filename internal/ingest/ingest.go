package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"sensor-monitor/internal/cache"
	"sensor-monitor/internal/liveness"
	"sensor-monitor/internal/realtime"
	"sensor-monitor/internal/store"
	"sensor-monitor/internal/validate"
)

var ErrNotTelemetryTopic = errors.New("not a telemetry topic")

const (
	defaultInsertRetries = 3
	defaultRetryBackoff  = 200 * time.Millisecond
)

// Ingestor turns raw transport messages into committed readings: parse topic,
// validate, insert with bounded retry, touch liveness, fan out. Rejected
// messages are counted and dropped; malformed data is not recoverable by
// retrying.
type Ingestor struct {
	Repo         *store.Repo
	Tracker      *liveness.Tracker
	Hub          *realtime.Hub
	Latest       *cache.LatestCache
	TopicPrefix  string
	AllowRetains bool
	Ranges       validate.Ranges

	InsertRetries int
	RetryBackoff  time.Duration
}

type Message interface {
	Topic() string
	Payload() []byte
	Retained() bool
}

func (i *Ingestor) HandleMessage(ctx context.Context, msg Message, receivedAt time.Time) {
	topic := msg.Topic()
	if msg.Retained() && !i.AllowRetains {
		slog.Debug("ingest ignoring retained", "topic", topic)
		return
	}

	topicDeviceID, err := ParseDeviceID(i.TopicPrefix, topic)
	if err != nil && !errors.Is(err, ErrNotTelemetryTopic) {
		slog.Warn("ingest topic parse failed", "topic", topic, "error", err)
		return
	}
	if errors.Is(err, ErrNotTelemetryTopic) {
		return
	}

	payload := msg.Payload()
	if len(payload) == 0 {
		return
	}

	reading, err := validate.Validate(payload, topicDeviceID, receivedAt, i.Ranges)
	if err != nil {
		readingsRejected.WithLabelValues(rejectReason(err)).Inc()
		slog.Warn("ingest rejected reading", "topic", topic, "reason", rejectReason(err))
		return
	}

	if err := i.insertWithRetry(ctx, reading); err != nil {
		insertFailures.Inc()
		slog.Error("ingest insert failed, reading dropped", "topic", topic, "device_id", reading.DeviceID, "error", err)
		return
	}

	i.Tracker.Touch(reading.DeviceID, reading.ReceivedAt)
	readingsAccepted.Inc()
	lastAcceptedUnix.Set(float64(reading.ReceivedAt.Unix()))

	if i.Latest != nil {
		if b, err := json.Marshal(reading); err == nil {
			if err := i.Latest.Set(ctx, reading.DeviceID, b); err != nil {
				slog.Debug("latest cache set failed", "device_id", reading.DeviceID, "error", err)
			}
		}
	}
	if i.Hub != nil {
		i.Hub.BroadcastReading(reading)
	}
	slog.Debug("reading stored", "device_id", reading.DeviceID, "ts", reading.Timestamp)
}

// insertWithRetry retries transient store failures a bounded number of times
// with doubling backoff, abandoning the reading when the budget runs out or
// ctx is cancelled.
func (i *Ingestor) insertWithRetry(ctx context.Context, r *store.Reading) error {
	retries := i.InsertRetries
	if retries <= 0 {
		retries = defaultInsertRetries
	}
	backoff := i.RetryBackoff
	if backoff <= 0 {
		backoff = defaultRetryBackoff
	}

	var err error
	for attempt := 0; attempt < retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		if err = i.Repo.InsertReading(ctx, r); err == nil {
			return nil
		}
	}
	return err
}

// ParseDeviceID strips the configured prefix from a telemetry topic, leaving
// the device id segment. Topics outside the prefix are not ours.
func ParseDeviceID(prefix, topic string) (string, error) {
	if prefix == "" {
		prefix = "sensors/telemetry/"
	}
	if !strings.HasPrefix(topic, prefix) {
		return "", ErrNotTelemetryTopic
	}
	id := strings.TrimPrefix(topic, prefix)
	id = strings.Trim(id, "/")
	return id, nil
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, validate.ErrMissingIdentity):
		return "missing_identity"
	case errors.Is(err, validate.ErrOutOfRange):
		return "out_of_range"
	default:
		return "malformed_payload"
	}
}

package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port         string
	LogLevel     string
	QueryTimeout time.Duration

	MQTTBrokerURL  string
	MQTTClientID   string
	MQTTUsername   string
	MQTTPassword   string
	TopicPrefix    string
	IngestRetained bool

	ActiveWindow     time.Duration
	NominalInterval  time.Duration
	NominalOverrides map[string]time.Duration
	QualityLookback  int
	MaxHistoryHours  float64

	LivenessRetention  time.Duration
	LivenessMaxDevices int
	InsertRetries      int
	InsertRetryBackoff time.Duration

	Postgres   DBConfig
	SQLitePath string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

type DBConfig struct {
	User     string
	Password string
	DBName   string
	Host     string
	Port     string
	SSLMode  string
}

func Load() *Config {
	cfg := &Config{
		Port:         getEnv("SENSOR_MONITOR_PORT", "8094"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		QueryTimeout: parseDuration(getEnv("QUERY_TIMEOUT", "5s"), 5*time.Second),

		MQTTBrokerURL:  strings.TrimSpace(os.Getenv("MQTT_BROKER_URL")),
		MQTTClientID:   getEnv("MQTT_CLIENT_ID", ""),
		MQTTUsername:   os.Getenv("MQTT_USERNAME"),
		MQTTPassword:   os.Getenv("MQTT_PASSWORD"),
		TopicPrefix:    getEnv("TOPIC_PREFIX", "sensors/telemetry/"),
		IngestRetained: parseBool(getEnv("INGEST_RETAINED", "false")),

		ActiveWindow:     parseDuration(getEnv("ACTIVE_WINDOW", "5m"), 5*time.Minute),
		NominalInterval:  parseDuration(getEnv("NOMINAL_PUBLISH_INTERVAL", "60s"), time.Minute),
		NominalOverrides: parseOverrides(os.Getenv("NOMINAL_PUBLISH_INTERVALS")),
		QualityLookback:  parseInt(getEnv("DATA_QUALITY_LOOKBACK", "100"), 100),
		MaxHistoryHours:  parseFloat(getEnv("MAX_HISTORY_HOURS", "168"), 168),

		LivenessRetention:  parseDuration(getEnv("LIVENESS_RETENTION", "24h"), 24*time.Hour),
		LivenessMaxDevices: parseInt(getEnv("LIVENESS_MAX_DEVICES", "10000"), 10000),
		InsertRetries:      parseInt(getEnv("INSERT_RETRIES", "3"), 3),
		InsertRetryBackoff: parseDuration(getEnv("INSERT_RETRY_BACKOFF", "200ms"), 200*time.Millisecond),

		Postgres: DBConfig{
			User:     strings.TrimSpace(os.Getenv("POSTGRES_USER")),
			Password: os.Getenv("POSTGRES_PASSWORD"),
			DBName:   strings.TrimSpace(os.Getenv("POSTGRES_DB")),
			Host:     strings.TrimSpace(os.Getenv("POSTGRES_HOST")),
			Port:     strings.TrimSpace(os.Getenv("POSTGRES_PORT")),
			SSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),
		},
		SQLitePath: strings.TrimSpace(os.Getenv("SQLITE_PATH")),

		RedisAddr:     strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       parseInt(getEnv("REDIS_DB", "0"), 0),
	}

	slog.Info("sensor-monitor config loaded",
		"port", cfg.Port,
		"mqtt", cfg.MQTTBrokerURL,
		"topic_prefix", cfg.TopicPrefix,
		"active_window", cfg.ActiveWindow,
		"nominal_interval", cfg.NominalInterval)
	return cfg
}

// UsePostgres reports whether the postgres config is complete; otherwise the
// service falls back to the sqlite path (local/single-node deployments).
func (c *Config) UsePostgres() bool {
	return c.Postgres.User != "" && c.Postgres.DBName != "" && c.Postgres.Host != "" && c.Postgres.Port != ""
}

func getEnv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func parseBool(val string) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}

func parseDuration(val string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(val))
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func parseInt(val string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		return def
	}
	return n
}

func parseFloat(val string, def float64) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
	if err != nil {
		return def
	}
	return f
}

// parseOverrides parses per-device publish cadences from
// "dev-1=30s,dev-2=2m". Bad entries are skipped with a warning.
func parseOverrides(val string) map[string]time.Duration {
	val = strings.TrimSpace(val)
	if val == "" {
		return nil
	}
	out := make(map[string]time.Duration)
	for _, part := range strings.Split(val, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			slog.Warn("skipping malformed publish interval override", "entry", part)
			continue
		}
		d, err := time.ParseDuration(strings.TrimSpace(kv[1]))
		if err != nil || d <= 0 {
			slog.Warn("skipping malformed publish interval override", "entry", part)
			continue
		}
		out[strings.TrimSpace(kv[0])] = d
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

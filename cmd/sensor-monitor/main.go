package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"sensor-monitor/internal/cache"
	"sensor-monitor/internal/config"
	"sensor-monitor/internal/httpapi"
	"sensor-monitor/internal/ingest"
	"sensor-monitor/internal/liveness"
	"sensor-monitor/internal/mqtt"
	"sensor-monitor/internal/observability"
	"sensor-monitor/internal/realtime"
	"sensor-monitor/internal/stats"
	"sensor-monitor/internal/store"
	"sensor-monitor/internal/validate"
)

func main() {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	if strings.TrimSpace(cfg.MQTTBrokerURL) == "" {
		slog.Error("missing required env", "key", "MQTT_BROKER_URL")
		os.Exit(1)
	}
	if !cfg.UsePostgres() && cfg.SQLitePath == "" {
		slog.Error("missing store config: set POSTGRES_* or SQLITE_PATH")
		os.Exit(1)
	}

	var db *gorm.DB
	var err error
	if cfg.UsePostgres() {
		db, err = store.OpenPostgres(cfg.Postgres.User, cfg.Postgres.Password, cfg.Postgres.DBName, cfg.Postgres.Host, cfg.Postgres.Port, cfg.Postgres.SSLMode)
	} else {
		db, err = store.OpenSQLite(cfg.SQLitePath)
	}
	if err != nil {
		slog.Error("db connect failed", "error", err)
		os.Exit(1)
	}
	repo, err := store.New(db)
	if err != nil {
		slog.Error("db migrate failed", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracker := liveness.New(cfg.LivenessRetention, cfg.LivenessMaxDevices)
	seedLiveness(ctx, repo, tracker, cfg.QueryTimeout)
	go tracker.Run(ctx, time.Hour)

	var latest *cache.LatestCache
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		latest = cache.New(rdb)
		slog.Info("latest reading cache enabled", "redis", cfg.RedisAddr)
	}

	hub := realtime.NewHub()
	engine := stats.New(repo, tracker, cfg.ActiveWindow, cfg.NominalInterval, cfg.NominalOverrides, cfg.QualityLookback)

	otelShutdown, promHandler, tracer := observability.Setup("sensor-monitor")
	defer otelShutdown()

	mq, err := mqtt.Connect(mqtt.Options{
		BrokerURL: cfg.MQTTBrokerURL,
		ClientID:  cfg.MQTTClientID,
		Username:  cfg.MQTTUsername,
		Password:  cfg.MQTTPassword,
	})
	if err != nil {
		slog.Error("mqtt connect failed", "error", err)
		os.Exit(1)
	}

	ing := &ingest.Ingestor{
		Repo:          repo,
		Tracker:       tracker,
		Hub:           hub,
		Latest:        latest,
		TopicPrefix:   cfg.TopicPrefix,
		AllowRetains:  cfg.IngestRetained,
		Ranges:        validate.DefaultRanges(),
		InsertRetries: cfg.InsertRetries,
		RetryBackoff:  cfg.InsertRetryBackoff,
	}
	subTopic := strings.TrimRight(cfg.TopicPrefix, "/") + "/#"
	if err := mq.Subscribe(subTopic, func(m mqtt.Message) {
		ing.HandleMessage(ctx, m, time.Now().UTC())
	}); err != nil {
		slog.Error("mqtt subscribe failed", "topic", subTopic, "error", err)
		os.Exit(1)
	}
	slog.Info("telemetry ingest subscribed", "topic", subTopic)

	srv := httpapi.New(httpapi.Options{
		Repo:            repo,
		Engine:          engine,
		Tracker:         tracker,
		Latest:          latest,
		MQTTStatus:      mq.Status,
		StartTime:       time.Now().UTC(),
		MaxHistoryHours: cfg.MaxHistoryHours,
		QueryTimeout:    cfg.QueryTimeout,
	})
	router := srv.Router(observability.Middleware(tracer, "sensor-monitor"))
	router.Handle("/metrics", promHandler)
	router.Get("/ws", hub.ServeHTTP)

	httpSrv := &http.Server{Addr: ":" + cfg.Port, Handler: router, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		slog.Info("sensor-monitor listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
			cancel()
		}
	}()

	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	slog.Info("shutdown requested")

	// Drain order matters: stop the transport first so no new messages
	// arrive, let in-flight inserts finish, and only then cancel their
	// context and stop serving queries.
	mq.Close()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	cancel()
}

// seedLiveness rebuilds last-seen state from each device's most recent stored
// reading. A cold store is fine; liveness fills in as messages arrive.
func seedLiveness(ctx context.Context, repo *store.Repo, tracker *liveness.Tracker, timeout time.Duration) {
	seedCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	rows, err := repo.LatestPerDevice(seedCtx)
	if err != nil {
		slog.Warn("liveness rebuild failed, starting empty", "error", err)
		return
	}
	seen := make(map[string]time.Time, len(rows))
	for i := range rows {
		seen[rows[i].DeviceID] = rows[i].ReceivedAt
	}
	tracker.Seed(seen)
	slog.Info("liveness state rebuilt", "devices", len(seen))
}

func setupLogging(level string) {
	lvl := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	h := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(h))
}

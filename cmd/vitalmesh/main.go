// Command vitalmesh runs the streaming telemetry engine with its HTTP
// surface (metrics, health, WebSocket notifications) and the optional Redis
// Streams and MQTT reading sources.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/vitalmesh/vitalmesh/internal/config"
	"github.com/vitalmesh/vitalmesh/internal/engine"
	"github.com/vitalmesh/vitalmesh/internal/ingest"
	"github.com/vitalmesh/vitalmesh/internal/metric"
	"github.com/vitalmesh/vitalmesh/internal/notify"
	"github.com/vitalmesh/vitalmesh/internal/registry"
	"github.com/vitalmesh/vitalmesh/internal/storage"
	"github.com/vitalmesh/vitalmesh/internal/storage/postgres"
	"github.com/vitalmesh/vitalmesh/internal/storage/sqlite"
	"github.com/vitalmesh/vitalmesh/internal/transport/mqttsource"
	"github.com/vitalmesh/vitalmesh/internal/transport/redisstream"
	"github.com/vitalmesh/vitalmesh/pkg/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "vitalmesh: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log, err := buildLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	metrics := metric.New()
	promReg := prometheus.NewRegistry()
	if err := metrics.Register(promReg); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	store, err := openStore(log, cfg.Storage)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	eng, err := engine.New(log.Named("engine"), cfg, store, metrics)
	if err != nil {
		return err
	}
	if err := eng.Start(); err != nil {
		return err
	}

	hub := notify.NewHub(log.Named("notify"))
	go hub.Run()
	defer hub.Stop()

	// Everything the engine emits goes out over the notification channel.
	cancelAlerts := eng.SubscribeToAlerts(func(a types.Alert) {
		hub.Broadcast(notify.Event{Type: "alert", Payload: a})
	})
	defer cancelAlerts()
	cancelInsights := eng.SubscribeToInsights(func(ins types.PredictiveInsight) {
		hub.Broadcast(notify.Event{Type: "insight", Payload: ins})
	})
	defer cancelInsights()
	cancelStatus := eng.SubscribeToDeviceStatus(func(dev types.Device, sess *types.Session) {
		hub.Broadcast(notify.Event{Type: "device_status", Payload: map[string]interface{}{
			"device":  dev,
			"session": sess,
		}})
	})
	defer cancelStatus()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	mux.Handle("/ws", hub)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ingestReading := func(r types.Reading) error {
		err := eng.Ingest(r)
		if isRejection(err) {
			return redisstream.Permanent(err)
		}
		return err
	}

	var redisSrc *redisstream.Source
	if cfg.Redis.Enabled {
		redisSrc = redisstream.New(log.Named("redis"), redisstream.Options{
			Addr:     cfg.Redis.Addr,
			Stream:   cfg.Redis.Stream,
			Group:    cfg.Redis.Group,
			Consumer: cfg.Redis.Consumer,
		}, ingestReading)
		go func() {
			if err := redisSrc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("redis source stopped", zap.Error(err))
			}
		}()
		defer func() { _ = redisSrc.Close() }()
	}

	var mqttSrc *mqttsource.Source
	if cfg.MQTT.Enabled {
		mqttSrc = mqttsource.New(log.Named("mqtt"), mqttsource.Options{
			Broker:   cfg.MQTT.Broker,
			Topic:    cfg.MQTT.Topic,
			ClientID: cfg.MQTT.ClientID,
		}, eng.Ingest)
		if err := mqttSrc.Start(); err != nil {
			return err
		}
		defer mqttSrc.Stop()
	}

	log.Info("vitalmesh running",
		zap.String("storage", cfg.Storage.Engine),
		zap.Bool("redis_source", cfg.Redis.Enabled),
		zap.Bool("mqtt_source", cfg.MQTT.Enabled),
	)

	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Pipeline.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown incomplete", zap.Error(err))
	}
	if err := eng.Shutdown(shutdownCtx); err != nil {
		log.Warn("engine shutdown incomplete", zap.Error(err))
	}
	return nil
}

// isRejection reports whether the ingest error is permanent for this
// reading, as opposed to a transient engine condition worth a retry.
func isRejection(err error) bool {
	if err == nil {
		return false
	}
	var verr *ingest.ValidationError
	return errors.As(err, &verr) ||
		errors.Is(err, registry.ErrDeviceNotFound) ||
		errors.Is(err, registry.ErrSessionState)
}

func openStore(log *zap.Logger, cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Engine {
	case "postgres":
		return postgres.New(log.Named("postgres"), cfg.PostgresDSN)
	case "sqlite":
		if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create data directory: %w", err)
			}
		}
		return sqlite.New(cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown storage engine %q", cfg.Engine)
	}
}

func buildLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", cfg.Level, err)
	}

	var zcfg zap.Config
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

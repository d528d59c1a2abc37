// Package engine wires the registry, ingestion router, anomaly detector,
// alert dispatcher, insight generator, and network health model into one
// streaming telemetry engine with a single public surface.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/vitalmesh/vitalmesh/internal/alert"
	"github.com/vitalmesh/vitalmesh/internal/config"
	"github.com/vitalmesh/vitalmesh/internal/detect"
	"github.com/vitalmesh/vitalmesh/internal/ingest"
	"github.com/vitalmesh/vitalmesh/internal/insight"
	"github.com/vitalmesh/vitalmesh/internal/metric"
	"github.com/vitalmesh/vitalmesh/internal/netmodel"
	"github.com/vitalmesh/vitalmesh/internal/registry"
	"github.com/vitalmesh/vitalmesh/internal/storage"
	"github.com/vitalmesh/vitalmesh/pkg/types"
)

// ErrNotStarted is returned by operations that need a running engine.
var ErrNotStarted = errors.New("engine: not started")

// Engine is the streaming telemetry engine. Construct with New, then Start;
// all exported methods are safe for concurrent use.
type Engine struct {
	log     *zap.Logger
	cfg     *config.Config
	metrics *metric.Metrics
	store   storage.Store // nil disables persistence

	registry   *registry.Registry
	router     *ingest.Router
	dispatcher *alert.Dispatcher
	insights   *insight.Generator
	model      *netmodel.Model

	breaker *gobreaker.CircuitBreaker

	mu           sync.RWMutex
	started      bool
	shuttingDown bool
	startedAt    time.Time

	readingsTotal atomic.Int64

	// latest merged vitals per entity, consumed by the periodic model sync
	latestMu sync.Mutex
	latest   map[string]*types.Snapshot

	stopSync chan struct{}
	wg       sync.WaitGroup
}

// New builds an engine from configuration. The store may be nil, which
// disables persistence but keeps the full in-memory pipeline.
func New(log *zap.Logger, cfg *config.Config, store storage.Store, metrics *metric.Metrics) (*Engine, error) {
	e := &Engine{
		log:     log,
		cfg:     cfg,
		metrics: metrics,
		store:   store,
		latest:  make(map[string]*types.Snapshot),
	}

	e.registry = registry.New(log.Named("registry"))
	if metrics != nil {
		e.registry.SetSessionGauge(func(delta int) {
			metrics.ActiveSessions.Add(float64(delta))
		})
	}

	var alertStore storage.AlertStore
	if store != nil {
		alertStore = store
	}
	e.dispatcher = alert.NewDispatcher(log.Named("alert"), alert.Options{
		Store:        alertStore,
		Metrics:      metrics,
		StoreTimeout: cfg.Pipeline.StoreTimeout,
	})

	insights, err := insight.New(log.Named("insight"), insight.Options{
		MinInterval: cfg.Insight.MinInterval,
		WindowSize:  cfg.Insight.WindowSize,
		MaxEntities: cfg.Insight.MaxEntities,
		Metrics:     metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: build insight generator: %w", err)
	}
	e.insights = insights

	model, err := netmodel.New(log.Named("netmodel"), netmodel.Options{
		HistorySize: cfg.Network.HistorySize,
		MaxEntities: cfg.Network.MaxEntities,
		Metrics:     metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: build network model: %w", err)
	}
	e.model = model

	e.router = ingest.New(log.Named("ingest"), e.registry, e.process, ingest.Options{
		QueueSize:       cfg.Pipeline.QueueSize,
		ShutdownTimeout: cfg.Pipeline.ShutdownTimeout,
		Metrics:         metrics,
	})

	e.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "telemetry-store",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("telemetry store breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return e, nil
}

// Start launches the periodic network model sync. Idempotent start is an
// error; the engine is single-use.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return errors.New("engine: already started")
	}
	e.started = true
	e.startedAt = time.Now()
	e.stopSync = make(chan struct{})

	e.wg.Add(1)
	go e.syncLoop()

	e.log.Info("engine started",
		zap.Duration("network_sync_interval", e.cfg.Network.SyncInterval),
		zap.Int("pipeline_queue_size", e.cfg.Pipeline.QueueSize),
	)
	return nil
}

// Shutdown drains the pipelines and stops background work. Safe to call
// more than once.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if !e.started || e.shuttingDown {
		e.mu.Unlock()
		return nil
	}
	e.shuttingDown = true
	e.mu.Unlock()

	close(e.stopSync)

	errCh := make(chan error, 1)
	go func() {
		errCh <- e.router.Close()
	}()

	var routerErr error
	select {
	case routerErr = <-errCh:
	case <-ctx.Done():
		routerErr = ctx.Err()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	e.log.Info("engine stopped")
	return routerErr
}

// RegisterDevice adds a device to the registry.
func (e *Engine) RegisterDevice(spec registry.DeviceSpec) (types.Device, error) {
	return e.registry.RegisterDevice(spec)
}

// Device returns the registry's view of a device.
func (e *Engine) Device(deviceID string) (types.Device, error) {
	return e.registry.Device(deviceID)
}

// StartSession opens a streaming session for the device.
func (e *Engine) StartSession(deviceID string) (types.Session, error) {
	return e.registry.StartSession(deviceID)
}

// StopSession terminates the device's session; a no-op when none is active.
func (e *Engine) StopSession(deviceID string) error {
	return e.registry.StopSession(deviceID)
}

// Ingest is the sole streaming entry point.
func (e *Engine) Ingest(reading types.Reading) error {
	e.mu.RLock()
	ready := e.started && !e.shuttingDown
	e.mu.RUnlock()
	if !ready {
		return ErrNotStarted
	}
	return e.router.Ingest(reading)
}

// SubscribeToAlerts registers an alert subscriber; the returned function
// cancels it.
func (e *Engine) SubscribeToAlerts(fn alert.Subscriber) (cancel func()) {
	return e.dispatcher.Subscribe(fn)
}

// SubscribeToInsights registers a predictive-insight subscriber.
func (e *Engine) SubscribeToInsights(fn insight.Subscriber) (cancel func()) {
	return e.insights.Subscribe(fn)
}

// SubscribeToDeviceData sets the device's reading callback, replacing any
// previous one.
func (e *Engine) SubscribeToDeviceData(deviceID string, fn ingest.DeviceCallback) {
	e.router.SubscribeDevice(deviceID, fn)
}

// UnsubscribeFromDeviceData removes the device's reading callback.
func (e *Engine) UnsubscribeFromDeviceData(deviceID string) {
	e.router.UnsubscribeDevice(deviceID)
}

// SubscribeToDeviceStatus registers a session status-change listener.
func (e *Engine) SubscribeToDeviceStatus(fn registry.StatusListener) (cancel func()) {
	return e.registry.SubscribeStatus(fn)
}

// AcknowledgeAlert marks a stored alert as acknowledged.
func (e *Engine) AcknowledgeAlert(ctx context.Context, alertID string) error {
	return e.dispatcher.Acknowledge(ctx, alertID)
}

// RecentAlerts returns the newest stored alerts for an entity.
func (e *Engine) RecentAlerts(ctx context.Context, entityID string, limit int) ([]types.Alert, error) {
	return e.dispatcher.Recent(ctx, entityID, limit)
}

// Trends returns the entity's current per-vital trend classification.
func (e *Engine) Trends(entityID string) map[string]insight.Trend {
	return e.insights.Trends(entityID)
}

// Aggregate summarizes one vital's rolling window for an entity.
func (e *Engine) Aggregate(entityID, vital string) (insight.Stats, bool) {
	return e.insights.Aggregate(entityID, vital)
}

// Entangle adds a symmetric correlation edge between two modeled entities.
func (e *Engine) Entangle(idA, idB string, strength float64) error {
	return e.model.Entangle(idA, idB, strength)
}

// Predict returns the network model's heuristic forecast for an entity.
func (e *Engine) Predict(entityID string) (netmodel.Prediction, error) {
	return e.model.Predict(entityID)
}

// MeasureNetwork aggregates whole-network model statistics.
func (e *Engine) MeasureNetwork() netmodel.NetworkSnapshot {
	return e.model.MeasureNetwork()
}

// NetworkState returns the model state for one entity.
func (e *Engine) NetworkState(entityID string) (netmodel.State, error) {
	return e.model.State(entityID)
}

// Stats summarizes live engine state for the monitoring surface.
type Stats struct {
	Devices           int
	ActiveSessions    int
	ByKind            map[types.DeviceKind]int
	TrackedModels     int
	TotalReadings     int64
	ReadingsPerSecond float64
}

// Stats returns aggregate engine counters. The ingest rate is the mean over
// the engine's whole uptime.
func (e *Engine) Stats() Stats {
	reg := e.registry.Stats()
	net := e.model.MeasureNetwork()
	total := e.readingsTotal.Load()

	e.mu.RLock()
	startedAt := e.startedAt
	e.mu.RUnlock()

	var rate float64
	if elapsed := time.Since(startedAt); !startedAt.IsZero() && elapsed > 0 {
		rate = float64(total) / elapsed.Seconds()
	}

	return Stats{
		Devices:           reg.Devices,
		ActiveSessions:    reg.ActiveSessions,
		ByKind:            reg.ByKind,
		TrackedModels:     net.Entities,
		TotalReadings:     total,
		ReadingsPerSecond: rate,
	}
}

// SeedEntity replays stored snapshots into the trend and network models so
// baselines survive restarts. No-op without a store.
func (e *Engine) SeedEntity(ctx context.Context, entityID string) error {
	if e.store == nil {
		return nil
	}
	snaps, err := e.store.RecentSnapshots(ctx, entityID, e.cfg.Insight.WindowSize)
	if err != nil {
		return fmt.Errorf("engine: seed %s: %w", entityID, err)
	}
	for _, snap := range snaps {
		e.insights.Observe(snap)
		e.model.UpdateState(snap)
	}
	if len(snaps) > 0 {
		e.log.Info("entity baselines seeded",
			zap.String("entity_id", entityID),
			zap.Int("snapshots", len(snaps)),
		)
	}
	return nil
}

// process handles one accepted reading on its entity's consumer goroutine.
// Everything here is contained per reading: a failure for one entity never
// stops another entity's stream.
func (e *Engine) process(snapshot types.Snapshot, reading types.Reading) {
	e.readingsTotal.Add(1)
	e.persistReading(reading)

	for _, desc := range detect.Detect(snapshot) {
		if e.metrics != nil {
			e.metrics.AnomaliesDetected.WithLabelValues(desc.Kind.Label()).Inc()
		}
		e.dispatcher.Dispatch(snapshot.EntityID, reading.DeviceID, desc.Draft())
	}

	e.insights.Observe(snapshot)
	e.insights.MaybeInsight(snapshot.EntityID)

	e.mergeLatest(snapshot)
	e.persistSnapshot(snapshot)
}

// mergeLatest folds the single-vital snapshot into the entity's running
// merged view used by the periodic model sync.
func (e *Engine) mergeLatest(s types.Snapshot) {
	e.latestMu.Lock()
	defer e.latestMu.Unlock()

	cur, ok := e.latest[s.EntityID]
	if !ok {
		copied := s
		e.latest[s.EntityID] = &copied
		return
	}
	cur.Timestamp = s.Timestamp
	if s.Quality != "" {
		cur.Quality = s.Quality
	}
	v := s.Vitals
	if v.HeartRate != nil {
		cur.Vitals.HeartRate = v.HeartRate
	}
	if v.BloodPressure != nil {
		cur.Vitals.BloodPressure = v.BloodPressure
	}
	if v.Temperature != nil {
		cur.Vitals.Temperature = v.Temperature
	}
	if v.OxygenSaturation != nil {
		cur.Vitals.OxygenSaturation = v.OxygenSaturation
	}
	if v.RespiratoryRate != nil {
		cur.Vitals.RespiratoryRate = v.RespiratoryRate
	}
	if v.BloodGlucose != nil {
		cur.Vitals.BloodGlucose = v.BloodGlucose
	}
}

// syncLoop periodically feeds merged snapshots into the network model and
// scans rolling windows for pattern alerts.
func (e *Engine) syncLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.Network.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.syncOnce()
		case <-e.stopSync:
			return
		}
	}
}

// syncOnce drains the merged-snapshot buffer into the model.
func (e *Engine) syncOnce() {
	e.latestMu.Lock()
	batch := e.latest
	e.latest = make(map[string]*types.Snapshot)
	e.latestMu.Unlock()

	for entityID, snap := range batch {
		e.model.UpdateState(*snap)
		for _, draft := range e.insights.PatternDrafts(entityID) {
			e.dispatcher.Dispatch(entityID, "", draft)
		}
	}
}

// persistReading forwards the reading to the store, best-effort.
func (e *Engine) persistReading(r types.Reading) {
	if e.store == nil {
		return
	}
	go func() {
		_, err := e.breaker.Execute(func() (interface{}, error) {
			ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Pipeline.StoreTimeout)
			defer cancel()
			return nil, e.store.StoreReading(ctx, r)
		})
		if err != nil {
			if e.metrics != nil {
				e.metrics.PersistFailures.WithLabelValues("reading").Inc()
			}
			e.log.Error("reading persistence failed",
				zap.String("device_id", r.DeviceID),
				zap.Time("timestamp", r.Timestamp),
				zap.Error(err),
			)
		}
	}()
}

// persistSnapshot forwards the snapshot to the store, best-effort.
func (e *Engine) persistSnapshot(s types.Snapshot) {
	if e.store == nil {
		return
	}
	go func() {
		_, err := e.breaker.Execute(func() (interface{}, error) {
			ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Pipeline.StoreTimeout)
			defer cancel()
			return nil, e.store.StoreSnapshot(ctx, s)
		})
		if err != nil {
			if e.metrics != nil {
				e.metrics.PersistFailures.WithLabelValues("snapshot").Inc()
			}
			e.log.Error("snapshot persistence failed",
				zap.String("entity_id", s.EntityID),
				zap.Time("timestamp", s.Timestamp),
				zap.Error(err),
			)
		}
	}()
}

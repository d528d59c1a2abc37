// Package ingest routes validated device readings into per-entity pipelines.
//
// Each entity owns one bounded inbound channel drained by a single consumer
// goroutine, so readings from one device (a device belongs to exactly one
// entity) are always processed in arrival order. Nothing is ordered across
// entities. A full pipeline drops the reading rather than blocking the
// producer.
package ingest

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vitalmesh/vitalmesh/internal/metric"
	"github.com/vitalmesh/vitalmesh/internal/registry"
	"github.com/vitalmesh/vitalmesh/pkg/types"
)

// ErrClosed is returned by Ingest after Close.
var ErrClosed = errors.New("ingest: router closed")

// ValidationError reports a malformed reading rejected at the boundary.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("ingest: invalid reading: %s %s", e.Field, e.Reason)
}

// DeviceCallback receives accepted readings for one device, in arrival
// order. Invoked from the entity's consumer goroutine.
type DeviceCallback func(reading types.Reading)

// Sink consumes the per-entity snapshot derived from each accepted reading.
// Invoked from the entity's consumer goroutine, after the device callback.
type Sink func(snapshot types.Snapshot, reading types.Reading)

type work struct {
	reading  types.Reading
	snapshot types.Snapshot
	deviceCB DeviceCallback
}

type pipeline struct {
	ch   chan work
	done chan struct{}
}

// Options configures a Router.
type Options struct {
	QueueSize       int           // per-entity channel depth, default 256
	ShutdownTimeout time.Duration // drain deadline on Close, default 10s
	Metrics         *metric.Metrics
}

// Router validates readings and fans them into per-entity pipelines.
type Router struct {
	log  *zap.Logger
	reg  *registry.Registry
	sink Sink
	opts Options

	// closeMu orders every enqueue before or after Close: Ingest holds the
	// read side from the closed-check through the channel send, so Close
	// cannot close a pipeline channel with a send in flight.
	closeMu sync.RWMutex

	mu        sync.Mutex
	pipelines map[string]*pipeline
	lastSeen  map[string]time.Time // device -> last accepted timestamp
	closed    bool

	subMu      sync.RWMutex
	deviceSubs map[string]DeviceCallback

	wg           sync.WaitGroup
	cancelStatus func()
}

// New creates a router bound to the registry. The sink receives every
// accepted reading's derived snapshot.
func New(log *zap.Logger, reg *registry.Registry, sink Sink, opts Options) *Router {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	r := &Router{
		log:        log,
		reg:        reg,
		sink:       sink,
		opts:       opts,
		pipelines:  make(map[string]*pipeline),
		lastSeen:   make(map[string]time.Time),
		deviceSubs: make(map[string]DeviceCallback),
	}
	// Closing a session retires the device's callback and timestamp slot so
	// a later session starts clean.
	r.cancelStatus = reg.SubscribeStatus(func(dev types.Device, sess *types.Session) {
		if sess != nil && sess.State.Terminal() {
			r.retireDevice(dev.ID)
		}
	})
	return r
}

func (r *Router) retireDevice(deviceID string) {
	r.subMu.Lock()
	delete(r.deviceSubs, deviceID)
	r.subMu.Unlock()

	r.mu.Lock()
	delete(r.lastSeen, deviceID)
	r.mu.Unlock()
}

// SubscribeDevice sets the device's data callback, replacing any previous
// one. Takes effect for the next reading, not retroactively.
func (r *Router) SubscribeDevice(deviceID string, cb DeviceCallback) {
	r.subMu.Lock()
	r.deviceSubs[deviceID] = cb
	r.subMu.Unlock()
}

// UnsubscribeDevice removes the device's data callback.
func (r *Router) UnsubscribeDevice(deviceID string) {
	r.subMu.Lock()
	delete(r.deviceSubs, deviceID)
	r.subMu.Unlock()
}

// Ingest validates the reading and enqueues it on the owning entity's
// pipeline. Returns a ValidationError for malformed readings,
// registry.ErrSessionState when the device has no active session, or
// registry.ErrDeviceNotFound for unknown devices.
func (r *Router) Ingest(reading types.Reading) error {
	if err := validate(reading); err != nil {
		r.countRejected("malformed")
		return err
	}

	dev, err := r.reg.Device(reading.DeviceID)
	if err != nil {
		r.countRejected("unknown_device")
		return err
	}
	if _, ok := r.reg.ActiveSession(reading.DeviceID); !ok {
		r.countRejected("no_session")
		return fmt.Errorf("%w: device %s has no active session", registry.ErrSessionState, reading.DeviceID)
	}

	r.closeMu.RLock()
	defer r.closeMu.RUnlock()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if last, ok := r.lastSeen[reading.DeviceID]; ok && reading.Timestamp.Before(last) {
		r.mu.Unlock()
		r.countRejected("timestamp_regression")
		return &ValidationError{Field: "timestamp", Reason: "older than the previous reading for this device"}
	}
	r.lastSeen[reading.DeviceID] = reading.Timestamp
	p := r.pipelineLocked(dev.EntityID)
	r.mu.Unlock()

	r.reg.RecordTelemetry(reading.DeviceID, reading.Timestamp, reading.Meta)

	r.subMu.RLock()
	cb := r.deviceSubs[reading.DeviceID]
	r.subMu.RUnlock()

	w := work{
		reading:  reading,
		snapshot: deriveSnapshot(dev.EntityID, reading),
		deviceCB: cb,
	}

	select {
	case p.ch <- w:
		if m := r.opts.Metrics; m != nil {
			m.ReadingsIngested.WithLabelValues(string(reading.Kind)).Inc()
			m.PipelineDepth.WithLabelValues(dev.EntityID).Set(float64(len(p.ch)))
		}
		return nil
	default:
		if m := r.opts.Metrics; m != nil {
			m.ReadingsDropped.Inc()
		}
		r.log.Warn("entity pipeline full, reading dropped",
			zap.String("entity_id", dev.EntityID),
			zap.String("device_id", reading.DeviceID),
		)
		return nil
	}
}

// pipelineLocked returns the entity's pipeline, starting its consumer on
// first use. Caller holds r.mu.
func (r *Router) pipelineLocked(entityID string) *pipeline {
	if p, ok := r.pipelines[entityID]; ok {
		return p
	}
	p := &pipeline{
		ch:   make(chan work, r.opts.QueueSize),
		done: make(chan struct{}),
	}
	r.pipelines[entityID] = p
	r.wg.Add(1)
	go r.consume(entityID, p)
	return p
}

// consume drains one entity's pipeline until the channel closes.
func (r *Router) consume(entityID string, p *pipeline) {
	defer r.wg.Done()
	defer close(p.done)

	for w := range p.ch {
		if w.deviceCB != nil {
			w.deviceCB(w.reading)
		}
		if r.sink != nil {
			r.sink(w.snapshot, w.reading)
		}
	}
}

// Close stops accepting readings and waits for pipelines to drain, up to
// the configured shutdown timeout.
func (r *Router) Close() error {
	// The write lock waits out in-flight enqueues before any channel closes.
	r.closeMu.Lock()
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.closeMu.Unlock()
		return nil
	}
	r.closed = true
	pipelines := make([]*pipeline, 0, len(r.pipelines))
	for _, p := range r.pipelines {
		pipelines = append(pipelines, p)
	}
	r.mu.Unlock()

	for _, p := range pipelines {
		close(p.ch)
	}
	r.closeMu.Unlock()

	r.cancelStatus()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(r.opts.ShutdownTimeout):
		return errors.New("ingest: drain timeout on close")
	}
}

func (r *Router) countRejected(reason string) {
	if m := r.opts.Metrics; m != nil {
		m.ReadingsRejected.WithLabelValues(reason).Inc()
	}
}

func validate(reading types.Reading) error {
	if reading.DeviceID == "" {
		return &ValidationError{Field: "device_id", Reason: "is required"}
	}
	if !reading.Kind.Valid() {
		return &ValidationError{Field: "kind", Reason: "is not a known device kind"}
	}
	if reading.Value == nil {
		return &ValidationError{Field: "value", Reason: "is required"}
	}
	if reading.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Reason: "is required"}
	}
	switch reading.Kind {
	case types.KindBloodPressure:
		if _, ok := reading.Value.(types.BloodPressureValue); !ok {
			return &ValidationError{Field: "value", Reason: "must be a systolic/diastolic pair"}
		}
	default:
		if _, ok := reading.Value.(types.ScalarValue); !ok {
			return &ValidationError{Field: "value", Reason: "must be a scalar"}
		}
	}
	return nil
}

// deriveSnapshot projects one reading into the entity's aggregated shape.
// ECG readings contribute to the heart-rate slot; pulse oximeters to oxygen
// saturation. Weight has no vital slot and yields an empty vitals map.
func deriveSnapshot(entityID string, reading types.Reading) types.Snapshot {
	s := types.Snapshot{
		EntityID:  entityID,
		Timestamp: reading.Timestamp,
		Quality:   reading.Quality,
	}
	switch reading.Kind {
	case types.KindHeartRate, types.KindECG:
		if v, ok := reading.Value.(types.ScalarValue); ok {
			s.Vitals.HeartRate = types.Float64Ptr(float64(v))
		}
	case types.KindBloodPressure:
		if v, ok := reading.Value.(types.BloodPressureValue); ok {
			bp := v
			s.Vitals.BloodPressure = &bp
		}
	case types.KindTemperature:
		if v, ok := reading.Value.(types.ScalarValue); ok {
			s.Vitals.Temperature = types.Float64Ptr(float64(v))
		}
	case types.KindOxygenSaturation, types.KindPulseOximeter:
		if v, ok := reading.Value.(types.ScalarValue); ok {
			s.Vitals.OxygenSaturation = types.Float64Ptr(float64(v))
		}
	case types.KindGlucose:
		if v, ok := reading.Value.(types.ScalarValue); ok {
			s.Vitals.BloodGlucose = types.Float64Ptr(float64(v))
		}
	}
	return s
}

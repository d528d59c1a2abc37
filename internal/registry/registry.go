// Package registry tracks monitoring devices and their streaming sessions.
//
// State is sharded by device id so unrelated devices never contend on the
// same lock. Session transitions emit status events consumed by the
// ingestion router to open and close its per-device routing slots.
package registry

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vitalmesh/vitalmesh/pkg/types"
)

var (
	// ErrDuplicateDevice is returned when registering an id that exists.
	ErrDuplicateDevice = errors.New("registry: device already registered")

	// ErrDeviceNotFound is returned when operating on an unknown device.
	ErrDeviceNotFound = errors.New("registry: device not found")

	// ErrSessionState is returned on an invalid session transition, e.g.
	// starting a session while a non-terminal one exists.
	ErrSessionState = errors.New("registry: invalid session state")
)

const shardCount = 16

// StatusListener receives device status-change events. Listeners are invoked
// synchronously on the mutating goroutine and must not block.
type StatusListener func(device types.Device, session *types.Session)

type deviceRecord struct {
	device  types.Device
	session *types.Session
}

type shard struct {
	mu      sync.Mutex
	devices map[string]*deviceRecord
}

// Registry is the device and session registry. It is safe for concurrent use.
type Registry struct {
	log    *zap.Logger
	shards [shardCount]*shard

	subMu     sync.RWMutex
	listeners map[int]StatusListener
	nextSub   int

	sessionCount func(delta int) // optional gauge hook
}

// New creates an empty registry.
func New(log *zap.Logger) *Registry {
	r := &Registry{log: log, listeners: make(map[int]StatusListener)}
	for i := range r.shards {
		r.shards[i] = &shard{devices: make(map[string]*deviceRecord)}
	}
	return r
}

// SetSessionGauge installs a hook called with +1/-1 as sessions open/close.
func (r *Registry) SetSessionGauge(fn func(delta int)) {
	r.sessionCount = fn
}

func (r *Registry) shardFor(deviceID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(deviceID))
	return r.shards[h.Sum32()%shardCount]
}

// DeviceSpec describes a device at registration time.
type DeviceSpec struct {
	ID              string
	Kind            types.DeviceKind
	EntityID        string
	FirmwareVersion string
	Location        string
}

// RegisterDevice adds a new device in disconnected state. Returns
// ErrDuplicateDevice if the id is already registered.
func (r *Registry) RegisterDevice(spec DeviceSpec) (types.Device, error) {
	if spec.ID == "" {
		return types.Device{}, fmt.Errorf("%w: empty device id", ErrDeviceNotFound)
	}
	if !spec.Kind.Valid() {
		return types.Device{}, fmt.Errorf("registry: unknown device kind %q", spec.Kind)
	}
	if spec.EntityID == "" {
		return types.Device{}, fmt.Errorf("registry: device %s has no owning entity", spec.ID)
	}

	s := r.shardFor(spec.ID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.devices[spec.ID]; exists {
		return types.Device{}, fmt.Errorf("%w: %s", ErrDuplicateDevice, spec.ID)
	}

	dev := types.Device{
		ID:              spec.ID,
		Kind:            spec.Kind,
		EntityID:        spec.EntityID,
		Status:          types.StatusDisconnected,
		BatteryLevel:    100,
		FirmwareVersion: spec.FirmwareVersion,
		Location:        spec.Location,
		RegisteredAt:    time.Now(),
	}
	s.devices[spec.ID] = &deviceRecord{device: dev}

	r.log.Info("device registered",
		zap.String("device_id", dev.ID),
		zap.String("kind", string(dev.Kind)),
		zap.String("entity_id", dev.EntityID),
	)
	return dev, nil
}

// Device returns a copy of the device record.
func (r *Registry) Device(deviceID string) (types.Device, error) {
	s := r.shardFor(deviceID)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.devices[deviceID]
	if !ok {
		return types.Device{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	return rec.device, nil
}

// StartSession opens a streaming session for the device. Fails with
// ErrSessionState if a non-terminal session already exists, or
// ErrDeviceNotFound for unknown devices.
func (r *Registry) StartSession(deviceID string) (types.Session, error) {
	s := r.shardFor(deviceID)
	s.mu.Lock()

	rec, ok := s.devices[deviceID]
	if !ok {
		s.mu.Unlock()
		return types.Session{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	if rec.session != nil && !rec.session.State.Terminal() {
		s.mu.Unlock()
		return types.Session{}, fmt.Errorf("%w: device %s already streaming", ErrSessionState, deviceID)
	}

	sess := &types.Session{
		ID:        uuid.NewString(),
		DeviceID:  deviceID,
		State:     types.SessionStreaming,
		StartedAt: time.Now(),
	}
	rec.session = sess
	rec.device.Status = types.StatusConnected
	dev := rec.device
	sessCopy := *sess
	s.mu.Unlock()

	if r.sessionCount != nil {
		r.sessionCount(1)
	}
	r.notify(dev, &sessCopy)

	r.log.Info("session started",
		zap.String("device_id", deviceID),
		zap.String("session_id", sess.ID),
	)
	return sessCopy, nil
}

// StopSession terminates the device's session. Stopping a device with no
// active session is a no-op, not an error.
func (r *Registry) StopSession(deviceID string) error {
	s := r.shardFor(deviceID)
	s.mu.Lock()

	rec, ok := s.devices[deviceID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	if rec.session == nil || rec.session.State.Terminal() {
		s.mu.Unlock()
		return nil
	}

	now := time.Now()
	rec.session.State = types.SessionStopped
	rec.session.StoppedAt = &now
	rec.device.Status = types.StatusDisconnected
	dev := rec.device
	sessCopy := *rec.session
	s.mu.Unlock()

	if r.sessionCount != nil {
		r.sessionCount(-1)
	}
	r.notify(dev, &sessCopy)

	r.log.Info("session stopped",
		zap.String("device_id", deviceID),
		zap.String("session_id", sessCopy.ID),
	)
	return nil
}

// FailSession marks the device's session as errored, e.g. after a transport
// fault. Idempotent like StopSession.
func (r *Registry) FailSession(deviceID string, cause error) error {
	s := r.shardFor(deviceID)
	s.mu.Lock()

	rec, ok := s.devices[deviceID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	if rec.session == nil || rec.session.State.Terminal() {
		s.mu.Unlock()
		return nil
	}

	now := time.Now()
	rec.session.State = types.SessionErrored
	rec.session.StoppedAt = &now
	rec.device.Status = types.StatusError
	dev := rec.device
	sessCopy := *rec.session
	s.mu.Unlock()

	if r.sessionCount != nil {
		r.sessionCount(-1)
	}
	r.notify(dev, &sessCopy)

	r.log.Warn("session errored",
		zap.String("device_id", deviceID),
		zap.Error(cause),
	)
	return nil
}

// ActiveSession returns the device's current session if it is non-terminal.
func (r *Registry) ActiveSession(deviceID string) (types.Session, bool) {
	s := r.shardFor(deviceID)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.devices[deviceID]
	if !ok || rec.session == nil || rec.session.State.Terminal() {
		return types.Session{}, false
	}
	return *rec.session, true
}

// RecordTelemetry updates last-reading bookkeeping from reading metadata.
func (r *Registry) RecordTelemetry(deviceID string, at time.Time, meta *types.ReadingMeta) {
	s := r.shardFor(deviceID)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.devices[deviceID]
	if !ok {
		return
	}
	rec.device.LastReadingAt = &at
	if meta != nil {
		if meta.BatteryLevel > 0 {
			rec.device.BatteryLevel = meta.BatteryLevel
		}
		if meta.SignalStrength > 0 {
			rec.device.ConnectionQuality = meta.SignalStrength
		}
	}
}

// SubscribeStatus registers a status-change listener and returns a cancel
// function. Listeners added mid-stream see only subsequent events.
func (r *Registry) SubscribeStatus(fn StatusListener) (cancel func()) {
	r.subMu.Lock()
	id := r.nextSub
	r.nextSub++
	r.listeners[id] = fn
	r.subMu.Unlock()

	return func() {
		r.subMu.Lock()
		delete(r.listeners, id)
		r.subMu.Unlock()
	}
}

func (r *Registry) notify(dev types.Device, sess *types.Session) {
	r.subMu.RLock()
	snapshot := make([]StatusListener, 0, len(r.listeners))
	for _, fn := range r.listeners {
		snapshot = append(snapshot, fn)
	}
	r.subMu.RUnlock()

	for _, fn := range snapshot {
		fn(dev, sess)
	}
}

// Stats summarizes registry contents for the monitoring surface.
type Stats struct {
	Devices        int
	ActiveSessions int
	ByKind         map[types.DeviceKind]int
}

// Stats walks all shards and returns aggregate counts.
func (r *Registry) Stats() Stats {
	st := Stats{ByKind: make(map[types.DeviceKind]int)}
	for _, s := range r.shards {
		s.mu.Lock()
		for _, rec := range s.devices {
			st.Devices++
			st.ByKind[rec.device.Kind]++
			if rec.session != nil && !rec.session.State.Terminal() {
				st.ActiveSessions++
			}
		}
		s.mu.Unlock()
	}
	return st
}

package ingest

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vitalmesh/vitalmesh/internal/registry"
	"github.com/vitalmesh/vitalmesh/pkg/types"
)

type harness struct {
	reg    *registry.Registry
	router *Router

	mu        sync.Mutex
	snapshots []types.Snapshot
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{reg: registry.New(zap.NewNop())}
	h.router = New(zap.NewNop(), h.reg, func(s types.Snapshot, _ types.Reading) {
		h.mu.Lock()
		h.snapshots = append(h.snapshots, s)
		h.mu.Unlock()
	}, opts)
	t.Cleanup(func() { _ = h.router.Close() })
	return h
}

func (h *harness) register(t *testing.T, deviceID string, kind types.DeviceKind, entityID string) {
	t.Helper()
	_, err := h.reg.RegisterDevice(registry.DeviceSpec{ID: deviceID, Kind: kind, EntityID: entityID})
	require.NoError(t, err)
	_, err = h.reg.StartSession(deviceID)
	require.NoError(t, err)
}

func scalarReading(deviceID string, kind types.DeviceKind, value float64, at time.Time) types.Reading {
	return types.Reading{
		DeviceID:  deviceID,
		Timestamp: at,
		Kind:      kind,
		Value:     types.ScalarValue(value),
		Quality:   types.QualityGood,
	}
}

func (h *harness) waitSnapshots(t *testing.T, n int) []types.Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.mu.Lock()
		if len(h.snapshots) >= n {
			out := append([]types.Snapshot(nil), h.snapshots...)
			h.mu.Unlock()
			return out
		}
		h.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d snapshots", n)
	return nil
}

func TestIngestDerivesSnapshot(t *testing.T) {
	h := newHarness(t, Options{})
	h.register(t, "hr-1", types.KindHeartRate, "p1")

	require.NoError(t, h.router.Ingest(scalarReading("hr-1", types.KindHeartRate, 72, time.Now())))

	snaps := h.waitSnapshots(t, 1)
	assert.Equal(t, "p1", snaps[0].EntityID)
	require.NotNil(t, snaps[0].Vitals.HeartRate)
	assert.Equal(t, 72.0, *snaps[0].Vitals.HeartRate)
}

func TestIngestRejectsMalformed(t *testing.T) {
	h := newHarness(t, Options{})
	h.register(t, "hr-1", types.KindHeartRate, "p1")

	var verr *ValidationError

	err := h.router.Ingest(types.Reading{Kind: types.KindHeartRate, Value: types.ScalarValue(70), Timestamp: time.Now()})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "device_id", verr.Field)

	err = h.router.Ingest(types.Reading{DeviceID: "hr-1", Kind: "toaster", Value: types.ScalarValue(70), Timestamp: time.Now()})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "kind", verr.Field)

	err = h.router.Ingest(types.Reading{DeviceID: "hr-1", Kind: types.KindHeartRate, Timestamp: time.Now()})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "value", verr.Field)

	// Blood pressure readings must carry the composite value.
	err = h.router.Ingest(types.Reading{DeviceID: "hr-1", Kind: types.KindBloodPressure, Value: types.ScalarValue(120), Timestamp: time.Now()})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "value", verr.Field)
}

func TestIngestRequiresActiveSession(t *testing.T) {
	h := newHarness(t, Options{})

	err := h.router.Ingest(scalarReading("ghost", types.KindHeartRate, 70, time.Now()))
	assert.ErrorIs(t, err, registry.ErrDeviceNotFound)

	_, err = h.reg.RegisterDevice(registry.DeviceSpec{ID: "hr-1", Kind: types.KindHeartRate, EntityID: "p1"})
	require.NoError(t, err)

	err = h.router.Ingest(scalarReading("hr-1", types.KindHeartRate, 70, time.Now()))
	assert.ErrorIs(t, err, registry.ErrSessionState)
}

func TestIngestRejectsTimestampRegression(t *testing.T) {
	h := newHarness(t, Options{})
	h.register(t, "hr-1", types.KindHeartRate, "p1")

	now := time.Now()
	require.NoError(t, h.router.Ingest(scalarReading("hr-1", types.KindHeartRate, 70, now)))

	err := h.router.Ingest(scalarReading("hr-1", types.KindHeartRate, 71, now.Add(-time.Second)))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "timestamp", verr.Field)

	// Equal timestamps are allowed; the invariant is non-decreasing.
	require.NoError(t, h.router.Ingest(scalarReading("hr-1", types.KindHeartRate, 72, now)))
}

func TestDeviceCallbackOrdering(t *testing.T) {
	h := newHarness(t, Options{QueueSize: 1024})
	h.register(t, "hr-1", types.KindHeartRate, "p1")
	h.register(t, "hr-2", types.KindHeartRate, "p2")

	var mu sync.Mutex
	var got []float64
	h.router.SubscribeDevice("hr-1", func(r types.Reading) {
		mu.Lock()
		got = append(got, float64(r.Value.(types.ScalarValue)))
		mu.Unlock()
	})

	base := time.Now()
	const n = 200

	// Concurrent noise from a second device must not disturb hr-1's order.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			_ = h.router.Ingest(scalarReading("hr-2", types.KindHeartRate, float64(i), base.Add(time.Duration(i))))
		}
	}()

	for i := 0; i < n; i++ {
		require.NoError(t, h.router.Ingest(scalarReading("hr-1", types.KindHeartRate, float64(i), base.Add(time.Duration(i)))))
	}
	wg.Wait()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		done := len(got) == n
		mu.Unlock()
		if done {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, n)
	for i := 0; i < n; i++ {
		assert.Equal(t, float64(i), got[i], "reading %d delivered out of order", i)
	}
}

func TestSubscribeDeviceReplaces(t *testing.T) {
	h := newHarness(t, Options{})
	h.register(t, "hr-1", types.KindHeartRate, "p1")

	var mu sync.Mutex
	var first, second int
	h.router.SubscribeDevice("hr-1", func(types.Reading) {
		mu.Lock()
		first++
		mu.Unlock()
	})
	h.router.SubscribeDevice("hr-1", func(types.Reading) {
		mu.Lock()
		second++
		mu.Unlock()
	})

	require.NoError(t, h.router.Ingest(scalarReading("hr-1", types.KindHeartRate, 70, time.Now())))
	h.waitSnapshots(t, 1)

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, first, "replaced callback must not fire")
	assert.Equal(t, 1, second)
}

func TestStopSessionRetiresDeviceCallback(t *testing.T) {
	h := newHarness(t, Options{})
	h.register(t, "hr-1", types.KindHeartRate, "p1")

	var mu sync.Mutex
	var calls int
	h.router.SubscribeDevice("hr-1", func(types.Reading) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	require.NoError(t, h.reg.StopSession("hr-1"))

	// A fresh session no longer carries the old callback.
	_, err := h.reg.StartSession("hr-1")
	require.NoError(t, err)
	require.NoError(t, h.router.Ingest(scalarReading("hr-1", types.KindHeartRate, 70, time.Now())))
	h.waitSnapshots(t, 1)

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, calls)
}

func TestSnapshotDerivationByKind(t *testing.T) {
	h := newHarness(t, Options{})
	h.register(t, "bp-1", types.KindBloodPressure, "p1")
	h.register(t, "spo2-1", types.KindPulseOximeter, "p1")
	h.register(t, "bg-1", types.KindGlucose, "p1")

	now := time.Now()
	require.NoError(t, h.router.Ingest(types.Reading{
		DeviceID:  "bp-1",
		Timestamp: now,
		Kind:      types.KindBloodPressure,
		Value:     types.BloodPressureValue{Systolic: 150, Diastolic: 95},
	}))
	require.NoError(t, h.router.Ingest(scalarReading("spo2-1", types.KindPulseOximeter, 97, now)))
	require.NoError(t, h.router.Ingest(scalarReading("bg-1", types.KindGlucose, 110, now)))

	snaps := h.waitSnapshots(t, 3)

	var sawBP, sawSpo2, sawGlucose bool
	for _, s := range snaps {
		if s.Vitals.BloodPressure != nil {
			sawBP = true
			assert.Equal(t, 150.0, s.Vitals.BloodPressure.Systolic)
		}
		if s.Vitals.OxygenSaturation != nil {
			sawSpo2 = true
		}
		if s.Vitals.BloodGlucose != nil {
			sawGlucose = true
		}
	}
	assert.True(t, sawBP)
	assert.True(t, sawSpo2)
	assert.True(t, sawGlucose)
}

func TestIngestAfterClose(t *testing.T) {
	h := newHarness(t, Options{})
	h.register(t, "hr-1", types.KindHeartRate, "p1")

	require.NoError(t, h.router.Close())
	assert.ErrorIs(t, h.router.Ingest(scalarReading("hr-1", types.KindHeartRate, 70, time.Now())), ErrClosed)

	// Close is idempotent.
	require.NoError(t, h.router.Close())
}

func TestIngestConcurrentWithClose(t *testing.T) {
	// Ingesters racing a Close must either enqueue before the pipeline
	// channels close or observe ErrClosed; neither path may panic.
	h := newHarness(t, Options{QueueSize: 8})
	const producers = 8
	devices := make([]string, producers)
	for i := range devices {
		devices[i] = "hr-" + string(rune('a'+i))
		h.register(t, devices[i], types.KindHeartRate, "p-"+devices[i])
	}

	start := make(chan struct{})
	var wg sync.WaitGroup
	for _, dev := range devices {
		wg.Add(1)
		go func(deviceID string) {
			defer wg.Done()
			<-start
			at := time.Now()
			for n := 0; ; n++ {
				err := h.router.Ingest(scalarReading(deviceID, types.KindHeartRate, 70, at.Add(time.Duration(n)*time.Millisecond)))
				if err != nil {
					assert.ErrorIs(t, err, ErrClosed)
					return
				}
			}
		}(dev)
	}

	close(start)
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, h.router.Close())
	wg.Wait()
}

func TestRecordTelemetryUpdatesDevice(t *testing.T) {
	h := newHarness(t, Options{})
	h.register(t, "hr-1", types.KindHeartRate, "p1")

	reading := scalarReading("hr-1", types.KindHeartRate, 70, time.Now())
	reading.Meta = &types.ReadingMeta{BatteryLevel: 55, SignalStrength: 0.8}
	require.NoError(t, h.router.Ingest(reading))

	dev, err := h.reg.Device("hr-1")
	require.NoError(t, err)
	assert.Equal(t, 55, dev.BatteryLevel)
	require.NotNil(t, dev.LastReadingAt)
}

package registry

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vitalmesh/vitalmesh/pkg/types"
)

func newTestRegistry() *Registry {
	return New(zap.NewNop())
}

func TestRegisterDevice(t *testing.T) {
	r := newTestRegistry()

	dev, err := r.RegisterDevice(DeviceSpec{
		ID:       "dev-1",
		Kind:     types.KindHeartRate,
		EntityID: "patient-1",
	})
	require.NoError(t, err)
	assert.Equal(t, types.StatusDisconnected, dev.Status)
	assert.Equal(t, 100, dev.BatteryLevel)

	_, err = r.RegisterDevice(DeviceSpec{
		ID:       "dev-1",
		Kind:     types.KindHeartRate,
		EntityID: "patient-1",
	})
	assert.ErrorIs(t, err, ErrDuplicateDevice)
}

func TestRegisterDeviceRejectsBadSpec(t *testing.T) {
	r := newTestRegistry()

	_, err := r.RegisterDevice(DeviceSpec{ID: "dev-1", Kind: "toaster", EntityID: "p1"})
	assert.Error(t, err)

	_, err = r.RegisterDevice(DeviceSpec{ID: "dev-2", Kind: types.KindECG})
	assert.Error(t, err)
}

func TestSessionLifecycle(t *testing.T) {
	r := newTestRegistry()

	_, err := r.RegisterDevice(DeviceSpec{ID: "dev-1", Kind: types.KindGlucose, EntityID: "p1"})
	require.NoError(t, err)

	sess, err := r.StartSession("dev-1")
	require.NoError(t, err)
	assert.Equal(t, types.SessionStreaming, sess.State)
	assert.NotEmpty(t, sess.ID)

	// A second start while streaming is rejected.
	_, err = r.StartSession("dev-1")
	assert.ErrorIs(t, err, ErrSessionState)

	active, ok := r.ActiveSession("dev-1")
	require.True(t, ok)
	assert.Equal(t, sess.ID, active.ID)

	require.NoError(t, r.StopSession("dev-1"))

	_, ok = r.ActiveSession("dev-1")
	assert.False(t, ok)

	dev, err := r.Device("dev-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusDisconnected, dev.Status)

	// Stopping again is a no-op.
	require.NoError(t, r.StopSession("dev-1"))

	// A new session can start after the old one terminated.
	sess2, err := r.StartSession("dev-1")
	require.NoError(t, err)
	assert.NotEqual(t, sess.ID, sess2.ID)
}

func TestStartSessionUnknownDevice(t *testing.T) {
	r := newTestRegistry()

	_, err := r.StartSession("ghost")
	assert.ErrorIs(t, err, ErrDeviceNotFound)
	assert.ErrorIs(t, r.StopSession("ghost"), ErrDeviceNotFound)
}

func TestFailSession(t *testing.T) {
	r := newTestRegistry()

	_, err := r.RegisterDevice(DeviceSpec{ID: "dev-1", Kind: types.KindECG, EntityID: "p1"})
	require.NoError(t, err)
	_, err = r.StartSession("dev-1")
	require.NoError(t, err)

	require.NoError(t, r.FailSession("dev-1", errors.New("transport reset")))

	dev, err := r.Device("dev-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusError, dev.Status)

	_, ok := r.ActiveSession("dev-1")
	assert.False(t, ok)
}

func TestSubscribeStatus(t *testing.T) {
	r := newTestRegistry()

	_, err := r.RegisterDevice(DeviceSpec{ID: "dev-1", Kind: types.KindTemperature, EntityID: "p1"})
	require.NoError(t, err)

	var events []types.SessionState
	cancel := r.SubscribeStatus(func(dev types.Device, sess *types.Session) {
		events = append(events, sess.State)
	})

	_, err = r.StartSession("dev-1")
	require.NoError(t, err)
	require.NoError(t, r.StopSession("dev-1"))

	require.Equal(t, []types.SessionState{types.SessionStreaming, types.SessionStopped}, events)

	cancel()
	_, err = r.StartSession("dev-1")
	require.NoError(t, err)
	assert.Len(t, events, 2, "cancelled listener must not fire")
}

func TestRecordTelemetry(t *testing.T) {
	r := newTestRegistry()

	_, err := r.RegisterDevice(DeviceSpec{ID: "dev-1", Kind: types.KindPulseOximeter, EntityID: "p1"})
	require.NoError(t, err)

	at := time.Now()
	r.RecordTelemetry("dev-1", at, &types.ReadingMeta{BatteryLevel: 42, SignalStrength: 0.9})

	dev, err := r.Device("dev-1")
	require.NoError(t, err)
	require.NotNil(t, dev.LastReadingAt)
	assert.Equal(t, 42, dev.BatteryLevel)
	assert.InDelta(t, 0.9, dev.ConnectionQuality, 1e-9)

	// Unknown devices are ignored silently.
	r.RecordTelemetry("ghost", at, nil)
}

func TestStats(t *testing.T) {
	r := newTestRegistry()

	for _, spec := range []DeviceSpec{
		{ID: "hr-1", Kind: types.KindHeartRate, EntityID: "p1"},
		{ID: "hr-2", Kind: types.KindHeartRate, EntityID: "p2"},
		{ID: "bp-1", Kind: types.KindBloodPressure, EntityID: "p1"},
	} {
		_, err := r.RegisterDevice(spec)
		require.NoError(t, err)
	}
	_, err := r.StartSession("hr-1")
	require.NoError(t, err)

	st := r.Stats()
	assert.Equal(t, 3, st.Devices)
	assert.Equal(t, 1, st.ActiveSessions)
	assert.Equal(t, 2, st.ByKind[types.KindHeartRate])
	assert.Equal(t, 1, st.ByKind[types.KindBloodPressure])
}

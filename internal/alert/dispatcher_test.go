package alert

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vitalmesh/vitalmesh/internal/detect"
	"github.com/vitalmesh/vitalmesh/internal/storage"
	"github.com/vitalmesh/vitalmesh/pkg/types"
)

// mockAlertStore records stored alerts and signals each write.
type mockAlertStore struct {
	mu      sync.Mutex
	alerts  map[string]types.Alert
	stored  chan string
	failPut bool
}

func newMockAlertStore() *mockAlertStore {
	return &mockAlertStore{
		alerts: make(map[string]types.Alert),
		stored: make(chan string, 16),
	}
}

func (m *mockAlertStore) StoreAlert(ctx context.Context, a types.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failPut {
		return errors.New("store unavailable")
	}
	m.alerts[a.ID] = a
	m.stored <- a.ID
	return nil
}

func (m *mockAlertStore) GetAlert(ctx context.Context, id string) (*types.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &a, nil
}

func (m *mockAlertStore) SetAcknowledged(ctx context.Context, id string, acknowledged bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok {
		return storage.ErrNotFound
	}
	a.Acknowledged = acknowledged
	m.alerts[id] = a
	return nil
}

func (m *mockAlertStore) RecentAlerts(ctx context.Context, entityID string, limit int) ([]types.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Alert
	for _, a := range m.alerts {
		if a.EntityID == entityID {
			out = append(out, a)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func TestDispatchBuildsAlert(t *testing.T) {
	d := NewDispatcher(zap.NewNop(), Options{})

	a := d.Dispatch("patient-1", "dev-1", detect.Draft{
		Type:     types.AlertWarning,
		Severity: 3,
		Message:  "High blood pressure: 150/95 mmHg",
	})

	assert.NotEmpty(t, a.ID)
	assert.Equal(t, "patient-1", a.EntityID)
	assert.Equal(t, "dev-1", a.DeviceID)
	assert.Equal(t, types.AlertWarning, a.Type)
	assert.Equal(t, 3, a.Severity)
	assert.True(t, a.Automated)
	assert.False(t, a.Acknowledged)
	assert.True(t, a.ActionRequired)
	assert.WithinDuration(t, time.Now(), a.Timestamp, time.Second)
}

func TestDispatchClampsSeverity(t *testing.T) {
	d := NewDispatcher(zap.NewNop(), Options{})

	assert.Equal(t, 1, d.Dispatch("p1", "", detect.Draft{Severity: 0}).Severity)
	assert.Equal(t, 5, d.Dispatch("p1", "", detect.Draft{Severity: 9}).Severity)
}

func TestDispatchFansOutToSubscribers(t *testing.T) {
	d := NewDispatcher(zap.NewNop(), Options{})

	var got []types.Alert
	cancel := d.Subscribe(func(a types.Alert) {
		got = append(got, a)
	})

	d.Dispatch("p1", "", detect.Draft{Type: types.AlertInfo, Severity: 1, Message: "m"})
	require.Len(t, got, 1)

	cancel()
	d.Dispatch("p1", "", detect.Draft{Type: types.AlertInfo, Severity: 1, Message: "m"})
	assert.Len(t, got, 1, "cancelled subscriber must not fire")
}

func TestDispatchPersistsAsync(t *testing.T) {
	store := newMockAlertStore()
	d := NewDispatcher(zap.NewNop(), Options{Store: store})

	a := d.Dispatch("p1", "dev-1", detect.Draft{
		Type:     types.AlertCritical,
		Severity: 4,
		Message:  "Low oxygen saturation: 91%",
	})

	select {
	case id := <-store.stored:
		assert.Equal(t, a.ID, id)
	case <-time.After(2 * time.Second):
		t.Fatal("alert was never persisted")
	}

	stored, err := store.GetAlert(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.Message, stored.Message)
}

func TestAcknowledge(t *testing.T) {
	store := newMockAlertStore()
	d := NewDispatcher(zap.NewNop(), Options{Store: store})

	a := d.Dispatch("p1", "", detect.Draft{Type: types.AlertWarning, Severity: 2, Message: "m"})
	select {
	case <-store.stored:
	case <-time.After(2 * time.Second):
		t.Fatal("alert was never persisted")
	}

	require.NoError(t, d.Acknowledge(context.Background(), a.ID))

	stored, err := store.GetAlert(context.Background(), a.ID)
	require.NoError(t, err)
	assert.True(t, stored.Acknowledged)

	assert.ErrorIs(t, d.Acknowledge(context.Background(), "ghost"), storage.ErrNotFound)
}

func TestAcknowledgeWithoutStore(t *testing.T) {
	d := NewDispatcher(zap.NewNop(), Options{})
	assert.ErrorIs(t, d.Acknowledge(context.Background(), "any"), storage.ErrNotFound)
}

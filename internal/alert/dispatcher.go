// Package alert turns anomaly drafts into alerts, fans them out to
// subscribers, and persists them best-effort through a circuit breaker.
package alert

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/vitalmesh/vitalmesh/internal/detect"
	"github.com/vitalmesh/vitalmesh/internal/metric"
	"github.com/vitalmesh/vitalmesh/internal/storage"
	"github.com/vitalmesh/vitalmesh/pkg/types"
)

// Subscriber receives dispatched alerts. Subscribers are invoked from the
// dispatching goroutine and must return quickly.
type Subscriber func(alert types.Alert)

// Dispatcher builds alerts from drafts and delivers them. Fan-out is
// synchronous; persistence happens on a background goroutine so a slow or
// down store never stalls the detection path.
type Dispatcher struct {
	log          *zap.Logger
	store        storage.AlertStore
	metrics      *metric.Metrics
	breaker      *gobreaker.CircuitBreaker
	storeTimeout time.Duration

	mu          sync.RWMutex
	subscribers map[int]Subscriber
	nextSub     int
}

// Options configures a Dispatcher.
type Options struct {
	Store        storage.AlertStore // nil disables persistence
	Metrics      *metric.Metrics
	StoreTimeout time.Duration // default 3s
}

// NewDispatcher creates a dispatcher with a half-open breaker guarding the
// store. The breaker opens after 5 consecutive failures and probes again
// after 30 seconds.
func NewDispatcher(log *zap.Logger, opts Options) *Dispatcher {
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 3 * time.Second
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "alert-store",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("alert store breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return &Dispatcher{
		log:          log,
		store:        opts.Store,
		metrics:      opts.Metrics,
		breaker:      breaker,
		storeTimeout: opts.StoreTimeout,
		subscribers:  make(map[int]Subscriber),
	}
}

// Subscribe registers a subscriber for all future alerts and returns a
// cancel function.
func (d *Dispatcher) Subscribe(fn Subscriber) (cancel func()) {
	d.mu.Lock()
	id := d.nextSub
	d.nextSub++
	d.subscribers[id] = fn
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		delete(d.subscribers, id)
		d.mu.Unlock()
	}
}

// Dispatch materializes the draft into an alert, fans it out, and schedules
// persistence. The returned alert carries its final identity.
func (d *Dispatcher) Dispatch(entityID, deviceID string, draft detect.Draft) types.Alert {
	a := types.Alert{
		ID:             uuid.NewString(),
		EntityID:       entityID,
		DeviceID:       deviceID,
		Type:           draft.Type,
		Message:        draft.Message,
		Severity:       clampSeverity(draft.Severity),
		Timestamp:      time.Now(),
		Automated:      true,
		Acknowledged:   false,
		ActionRequired: true,
	}

	d.mu.RLock()
	subs := make([]Subscriber, 0, len(d.subscribers))
	for _, fn := range d.subscribers {
		subs = append(subs, fn)
	}
	d.mu.RUnlock()

	for _, fn := range subs {
		fn(a)
	}

	if d.metrics != nil {
		d.metrics.AlertsDispatched.WithLabelValues(string(a.Type)).Inc()
	}

	if d.store != nil {
		go d.persist(a)
	}

	d.log.Info("alert dispatched",
		zap.String("alert_id", a.ID),
		zap.String("entity_id", a.EntityID),
		zap.String("type", string(a.Type)),
		zap.Int("severity", a.Severity),
	)
	return a
}

func (d *Dispatcher) persist(a types.Alert) {
	_, err := d.breaker.Execute(func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.Background(), d.storeTimeout)
		defer cancel()
		return nil, d.store.StoreAlert(ctx, a)
	})
	if err != nil {
		if d.metrics != nil {
			d.metrics.PersistFailures.WithLabelValues("alert").Inc()
		}
		d.log.Error("alert persistence failed",
			zap.String("alert_id", a.ID),
			zap.Error(err),
		)
	}
}

// Acknowledge marks a stored alert as acknowledged. Unlike dispatch-side
// persistence this is a caller-visible operation, so errors propagate.
func (d *Dispatcher) Acknowledge(ctx context.Context, alertID string) error {
	if d.store == nil {
		return storage.ErrNotFound
	}
	return d.store.SetAcknowledged(ctx, alertID, true)
}

// Recent returns the newest stored alerts for an entity.
func (d *Dispatcher) Recent(ctx context.Context, entityID string, limit int) ([]types.Alert, error) {
	if d.store == nil {
		return nil, nil
	}
	return d.store.RecentAlerts(ctx, entityID, limit)
}

func clampSeverity(s int) int {
	if s < 1 {
		return 1
	}
	if s > 5 {
		return 5
	}
	return s
}

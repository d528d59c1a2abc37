// Package storage defines the persistence collaborator contracts for the
// telemetry engine.
//
// The engine treats storage as best-effort: writes happen asynchronously off
// the ingestion path, failures are logged and counted but never propagated
// back to callers. Interfaces are small and composable so backends can be
// implemented independently.
package storage

import (
	"context"
	"errors"

	"github.com/vitalmesh/vitalmesh/pkg/types"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("storage: record not found")

// ReadingStore persists raw device readings.
type ReadingStore interface {
	// StoreReading appends one reading. Readings are immutable.
	StoreReading(ctx context.Context, reading types.Reading) error
}

// AlertStore persists alerts and supports acknowledgement.
type AlertStore interface {
	// StoreAlert inserts a new alert record.
	StoreAlert(ctx context.Context, alert types.Alert) error

	// GetAlert retrieves an alert by ID. Returns ErrNotFound if absent.
	GetAlert(ctx context.Context, id string) (*types.Alert, error)

	// SetAcknowledged flips the acknowledged flag for an alert.
	// Returns ErrNotFound if the alert does not exist.
	SetAcknowledged(ctx context.Context, id string, acknowledged bool) error

	// RecentAlerts returns the newest alerts for an entity, newest first.
	RecentAlerts(ctx context.Context, entityID string, limit int) ([]types.Alert, error)
}

// SnapshotStore persists aggregated entity snapshots and serves the
// health-twin pull API used to seed trend baselines and coherence history.
type SnapshotStore interface {
	// StoreSnapshot appends one aggregated snapshot for an entity.
	StoreSnapshot(ctx context.Context, snapshot types.Snapshot) error

	// RecentSnapshots returns up to limit snapshots for an entity, oldest
	// first, so callers can replay them into rolling histories.
	RecentSnapshots(ctx context.Context, entityID string, limit int) ([]types.Snapshot, error)
}

// Store composes the full persistence surface plus lifecycle management.
type Store interface {
	ReadingStore
	AlertStore
	SnapshotStore

	// Close releases any resources held by the store.
	Close() error
}

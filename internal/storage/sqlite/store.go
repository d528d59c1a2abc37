// Package sqlite provides the SQLite implementation of the storage
// interfaces. Suited to single-node deployments; vitals are serialized as
// JSON columns.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/vitalmesh/vitalmesh/internal/storage"
	"github.com/vitalmesh/vitalmesh/pkg/types"
)

// Schema contains the SQL statements to create the database schema.
const Schema = `
CREATE TABLE IF NOT EXISTS readings (
    device_id TEXT NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    kind TEXT NOT NULL,
    value JSON NOT NULL,
    unit TEXT,
    quality TEXT,
    metadata JSON
);
CREATE INDEX IF NOT EXISTS idx_readings_device_time ON readings(device_id, timestamp);

CREATE TABLE IF NOT EXISTS alerts (
    id TEXT PRIMARY KEY,
    entity_id TEXT NOT NULL,
    device_id TEXT,
    type TEXT NOT NULL,
    message TEXT NOT NULL,
    severity INTEGER NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    automated INTEGER NOT NULL DEFAULT 1,
    acknowledged INTEGER NOT NULL DEFAULT 0,
    action_required INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_alerts_entity_time ON alerts(entity_id, timestamp);

CREATE TABLE IF NOT EXISTS snapshots (
    entity_id TEXT NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    vitals JSON NOT NULL,
    quality TEXT
);
CREATE INDEX IF NOT EXISTS idx_snapshots_entity_time ON snapshots(entity_id, timestamp);
`

// Store implements storage.Store using SQLite.
type Store struct {
	db *sql.DB
}

// New opens a SQLite database, configures WAL mode, and creates the schema.
func New(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to open database: %w", err)
	}

	// SQLite only supports one concurrent writer. A single open connection
	// serialises writes and avoids SQLITE_BUSY errors under concurrent load;
	// WAL mode lets readers proceed without blocking the writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// StoreReading appends one reading.
func (s *Store) StoreReading(ctx context.Context, r types.Reading) error {
	value, err := json.Marshal(r.Value)
	if err != nil {
		return fmt.Errorf("sqlite: marshal reading value: %w", err)
	}
	var meta []byte
	if r.Meta != nil {
		if meta, err = json.Marshal(r.Meta); err != nil {
			return fmt.Errorf("sqlite: marshal reading metadata: %w", err)
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO readings (device_id, timestamp, kind, value, unit, quality, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.DeviceID, r.Timestamp, string(r.Kind), string(value), r.Unit, string(r.Quality), nullable(meta),
	)
	if err != nil {
		return fmt.Errorf("sqlite: insert reading: %w", err)
	}
	return nil
}

// StoreAlert inserts a new alert record.
func (s *Store) StoreAlert(ctx context.Context, a types.Alert) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alerts (id, entity_id, device_id, type, message, severity, timestamp, automated, acknowledged, action_required)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.EntityID, a.DeviceID, string(a.Type), a.Message, a.Severity, a.Timestamp,
		boolToInt(a.Automated), boolToInt(a.Acknowledged), boolToInt(a.ActionRequired),
	)
	if err != nil {
		return fmt.Errorf("sqlite: insert alert: %w", err)
	}
	return nil
}

// GetAlert retrieves an alert by ID.
func (s *Store) GetAlert(ctx context.Context, id string) (*types.Alert, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, entity_id, device_id, type, message, severity, timestamp, automated, acknowledged, action_required
		FROM alerts WHERE id = ?`, id)

	a, err := scanAlert(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get alert: %w", err)
	}
	return a, nil
}

// SetAcknowledged flips the acknowledged flag for an alert.
func (s *Store) SetAcknowledged(ctx context.Context, id string, acknowledged bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE alerts SET acknowledged = ? WHERE id = ?`, boolToInt(acknowledged), id)
	if err != nil {
		return fmt.Errorf("sqlite: acknowledge alert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: acknowledge alert: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// RecentAlerts returns the newest alerts for an entity, newest first.
func (s *Store) RecentAlerts(ctx context.Context, entityID string, limit int) ([]types.Alert, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_id, device_id, type, message, severity, timestamp, automated, acknowledged, action_required
		FROM alerts WHERE entity_id = ? ORDER BY timestamp DESC LIMIT ?`, entityID, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list alerts: %w", err)
	}
	defer rows.Close()

	var out []types.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan alert: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// StoreSnapshot appends one aggregated snapshot for an entity.
func (s *Store) StoreSnapshot(ctx context.Context, snap types.Snapshot) error {
	vitals, err := json.Marshal(snap.Vitals)
	if err != nil {
		return fmt.Errorf("sqlite: marshal vitals: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots (entity_id, timestamp, vitals, quality)
		VALUES (?, ?, ?, ?)`,
		snap.EntityID, snap.Timestamp, string(vitals), string(snap.Quality),
	)
	if err != nil {
		return fmt.Errorf("sqlite: insert snapshot: %w", err)
	}
	return nil
}

// RecentSnapshots returns up to limit snapshots for an entity, oldest first.
func (s *Store) RecentSnapshots(ctx context.Context, entityID string, limit int) ([]types.Snapshot, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_id, timestamp, vitals, quality FROM (
			SELECT entity_id, timestamp, vitals, quality
			FROM snapshots WHERE entity_id = ? ORDER BY timestamp DESC LIMIT ?
		) ORDER BY timestamp ASC`, entityID, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list snapshots: %w", err)
	}
	defer rows.Close()

	var out []types.Snapshot
	for rows.Next() {
		var snap types.Snapshot
		var vitals, quality string
		if err := rows.Scan(&snap.EntityID, &snap.Timestamp, &vitals, &quality); err != nil {
			return nil, fmt.Errorf("sqlite: scan snapshot: %w", err)
		}
		if err := json.Unmarshal([]byte(vitals), &snap.Vitals); err != nil {
			return nil, fmt.Errorf("sqlite: decode vitals: %w", err)
		}
		snap.Quality = types.Quality(quality)
		out = append(out, snap)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAlert(row rowScanner) (*types.Alert, error) {
	var a types.Alert
	var kind string
	var automated, acknowledged, actionRequired int
	err := row.Scan(&a.ID, &a.EntityID, &a.DeviceID, &kind, &a.Message, &a.Severity,
		&a.Timestamp, &automated, &acknowledged, &actionRequired)
	if err != nil {
		return nil, err
	}
	a.Type = types.AlertType(kind)
	a.Automated = automated != 0
	a.Acknowledged = acknowledged != 0
	a.ActionRequired = actionRequired != 0
	return &a, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// nullable returns NULL for empty JSON blobs instead of an empty string.
func nullable(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

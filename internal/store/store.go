package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"beaconscan/go-scan-server/internal/model"

	_ "modernc.org/sqlite"
)

// Store wraps the SQLite database connection and schema lifecycle.
type Store struct {
	db *sql.DB
}

// Open initializes the database connection, creating directories as needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// InitSchema ensures baseline tables exist.
func (s *Store) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS beacon_sightings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			scanner_id TEXT NOT NULL,
			format TEXT NOT NULL,
			identity_key TEXT NOT NULL,
			proximity_uuid TEXT,
			major INTEGER NOT NULL DEFAULT 0,
			minor INTEGER NOT NULL DEFAULT 0,
			namespace TEXT,
			instance TEXT,
			url TEXT,
			rssi INTEGER NOT NULL,
			tx_power INTEGER NOT NULL,
			accuracy REAL NOT NULL,
			proximity TEXT NOT NULL,
			recorded_at TEXT NOT NULL,
			received_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);`,
		`CREATE INDEX IF NOT EXISTS idx_beacon_sightings_identity_time ON beacon_sightings(identity_key, received_at);`,
		`CREATE INDEX IF NOT EXISTS idx_beacon_sightings_scanner_time ON beacon_sightings(scanner_id, received_at);`,
		`CREATE TABLE IF NOT EXISTS ingestion_errors (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			scanner_id TEXT,
			payload TEXT,
			error TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);`,
		`CREATE TABLE IF NOT EXISTS app_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}

	return nil
}

// DB exposes the underlying sql.DB for callers that need raw access.
func (s *Store) DB() *sql.DB {
	return s.db
}

// InsertSighting persists one decoded beacon sighting.
func (s *Store) InsertSighting(ctx context.Context, sighting model.Sighting) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	recordedAt := sighting.Timestamp
	if recordedAt.IsZero() {
		recordedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO beacon_sightings
			(scanner_id, format, identity_key, proximity_uuid, major, minor, namespace, instance, url, rssi, tx_power, accuracy, proximity, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		sighting.ScannerID,
		sighting.Format,
		sighting.IdentityKey,
		nullString(sighting.ProximityUUID),
		sighting.Major,
		sighting.Minor,
		nullString(sighting.Namespace),
		nullString(sighting.Instance),
		nullString(sighting.URL),
		sighting.RSSI,
		sighting.TxPower,
		sighting.Accuracy,
		sighting.Proximity,
		recordedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert beacon sighting: %w", err)
	}

	return nil
}

// InsertIngestionError records a payload that failed validation.
func (s *Store) InsertIngestionError(ctx context.Context, e model.IngestionError) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO ingestion_errors (scanner_id, payload, error) VALUES (?, ?, ?);`,
		e.ScannerID,
		e.Payload,
		e.Error,
	)
	if err != nil {
		return fmt.Errorf("insert ingestion error: %w", err)
	}
	return nil
}

const sightingColumns = `scanner_id, format, identity_key, proximity_uuid, major, minor, namespace, instance, url, rssi, tx_power, accuracy, proximity, recorded_at, received_at`

// RecentSightings returns the most recent sightings ordered by received time descending.
func (s *Store) RecentSightings(ctx context.Context, limit int, since *time.Time) ([]model.StoredSighting, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	if limit <= 0 {
		limit = 25
	}

	query := `SELECT ` + sightingColumns + ` FROM beacon_sightings`
	var args []interface{}
	if since != nil {
		query += ` WHERE received_at > ?`
		args = append(args, since.UTC().Format(time.RFC3339Nano))
	}
	query += ` ORDER BY received_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query+";", args...)
	if err != nil {
		return nil, fmt.Errorf("query recent sightings: %w", err)
	}
	defer rows.Close()

	sightings := make([]model.StoredSighting, 0, limit)
	for rows.Next() {
		sighting, err := scanSighting(rows)
		if err != nil {
			return nil, err
		}
		sightings = append(sightings, sighting)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sightings: %w", err)
	}

	return sightings, nil
}

// LatestSightings returns the newest sighting for each distinct beacon identity.
func (s *Store) LatestSightings(ctx context.Context) ([]model.StoredSighting, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	query := `SELECT ` + sightingColumns + ` FROM beacon_sightings
		WHERE id IN (SELECT MAX(id) FROM beacon_sightings GROUP BY identity_key)
		ORDER BY received_at DESC;`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query latest sightings: %w", err)
	}
	defer rows.Close()

	var sightings []model.StoredSighting
	for rows.Next() {
		sighting, err := scanSighting(rows)
		if err != nil {
			return nil, err
		}
		sightings = append(sightings, sighting)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate latest sightings: %w", err)
	}

	return sightings, nil
}

// AllSightings returns every stored sighting, oldest first, for export.
func (s *Store) AllSightings(ctx context.Context) ([]model.StoredSighting, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+sightingColumns+` FROM beacon_sightings ORDER BY received_at ASC, id ASC;`)
	if err != nil {
		return nil, fmt.Errorf("query all sightings: %w", err)
	}
	defer rows.Close()

	var sightings []model.StoredSighting
	for rows.Next() {
		sighting, err := scanSighting(rows)
		if err != nil {
			return nil, err
		}
		sightings = append(sightings, sighting)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate all sightings: %w", err)
	}

	return sightings, nil
}

func scanSighting(rows *sql.Rows) (model.StoredSighting, error) {
	var (
		scannerID     string
		format        string
		identityKey   string
		proximityUUID sql.NullString
		major, minor  int
		namespace     sql.NullString
		instance      sql.NullString
		url           sql.NullString
		rssi, txPower int
		accuracy      float64
		proximity     string
		recordedAtStr string
		receivedAtStr string
	)

	if err := rows.Scan(&scannerID, &format, &identityKey, &proximityUUID, &major, &minor, &namespace, &instance, &url, &rssi, &txPower, &accuracy, &proximity, &recordedAtStr, &receivedAtStr); err != nil {
		return model.StoredSighting{}, fmt.Errorf("scan sighting: %w", err)
	}

	recordedAt := parseStoredTime(recordedAtStr)
	receivedAt := parseStoredTime(receivedAtStr)

	return model.StoredSighting{
		Sighting: model.Sighting{
			ScannerID:     scannerID,
			Format:        format,
			IdentityKey:   identityKey,
			ProximityUUID: proximityUUID.String,
			Major:         major,
			Minor:         minor,
			Namespace:     namespace.String,
			Instance:      instance.String,
			URL:           url.String,
			RSSI:          rssi,
			TxPower:       txPower,
			Accuracy:      accuracy,
			Proximity:     proximity,
			Timestamp:     recordedAt,
		},
		RecordedAt: recordedAt,
		ReceivedAt: receivedAt,
	}, nil
}

func parseStoredTime(value string) time.Time {
	ts, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		ts, _ = time.Parse(time.RFC3339, value)
	}
	return ts
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}

// UpsertAppConfig stores or updates a configuration key/value pair.
func (s *Store) UpsertAppConfig(ctx context.Context, key, value string) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO app_config (key, value, updated_at) VALUES (?, ?, strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at;`,
		key,
		value,
	)
	if err != nil {
		return fmt.Errorf("upsert app config: %w", err)
	}
	return nil
}

// AppConfig returns all configuration entries as a map.
func (s *Store) AppConfig(ctx context.Context) (map[string]string, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM app_config;`)
	if err != nil {
		return nil, fmt.Errorf("query app config: %w", err)
	}
	defer rows.Close()

	config := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan app config: %w", err)
		}
		config[key] = value
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate app config: %w", err)
	}

	return config, nil
}

// WipeData clears all telemetry tables while preserving persisted configuration.
func (s *Store) WipeData(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	for _, table := range []string{"beacon_sightings", "ingestion_errors"} {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM `+table+`;`); err != nil {
			return fmt.Errorf("wipe %s: %w", table, err)
		}
	}
	return nil
}

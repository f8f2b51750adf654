// Package postgres stores hive state and results in PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/hed1ad/hivesense/pkg/hive"
	"github.com/hed1ad/hivesense/pkg/store"
)

// Config holds connection settings.
type Config struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// Store implements store.Store on two tables. States carry an integer
// version that every write checks and increments.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open connects using cfg.DSN.
func Open(cfg Config) (*Store, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 5
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	return New(db), nil
}

// New wraps an open database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Ping verifies the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate creates the tables.
func (s *Store) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS hive_states (
			device_id  TEXT PRIMARY KEY,
			version    BIGINT NOT NULL,
			state      JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS hive_results (
			key          TEXT PRIMARY KEY,
			id           TEXT NOT NULL,
			device_id    TEXT NOT NULL,
			sample_time  TIMESTAMPTZ NOT NULL,
			status       TEXT NOT NULL,
			result       JSONB NOT NULL,
			processed_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS hive_results_device_time ON hive_results (device_id, sample_time)`,
	}

	for _, query := range queries {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// GetState returns the state of a device.
func (s *Store) GetState(ctx context.Context, deviceID string) (*hive.HiveState, error) {
	var (
		data    []byte
		version int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT state, version FROM hive_states WHERE device_id = $1`, deviceID,
	).Scan(&data, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select state %s: %w", deviceID, err)
	}

	var state hive.HiveState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode state %s: %w", deviceID, err)
	}
	state.Version = uint64(version)
	return &state, nil
}

// PutState inserts or conditionally updates the state of a device.
func (s *Store) PutState(ctx context.Context, state *hive.HiveState, expectedVersion uint64) (uint64, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return 0, fmt.Errorf("encode state %s: %w", state.DeviceID, err)
	}

	var res sql.Result
	if expectedVersion == 0 {
		res, err = s.db.ExecContext(ctx,
			`INSERT INTO hive_states (device_id, version, state) VALUES ($1, 1, $2)
			 ON CONFLICT (device_id) DO NOTHING`,
			state.DeviceID, data)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE hive_states SET state = $2, version = version + 1, updated_at = NOW()
			 WHERE device_id = $1 AND version = $3`,
			state.DeviceID, data, int64(expectedVersion))
	}
	if err != nil {
		return 0, fmt.Errorf("write state %s: %w", state.DeviceID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("write state %s: %w", state.DeviceID, err)
	}
	if n == 0 {
		return 0, store.ErrVersionConflict
	}
	return expectedVersion + 1, nil
}

// AppendResult inserts a result unless one exists for its key.
func (s *Store) AppendResult(ctx context.Context, result *hive.Result) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result %s: %w", result.Key, err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO hive_results (key, id, device_id, sample_time, status, result, processed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (key) DO NOTHING`,
		result.Key, result.ID, result.DeviceID, result.Timestamp, result.Status, data, result.ProcessedAt)
	if err != nil {
		return fmt.Errorf("insert result %s: %w", result.Key, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert result %s: %w", result.Key, err)
	}
	if n == 0 {
		return store.ErrDuplicate
	}
	return nil
}

// GetResult returns the result recorded for a sample key.
func (s *Store) GetResult(ctx context.Context, key string) (*hive.Result, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT result FROM hive_results WHERE key = $1`, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select result %s: %w", key, err)
	}

	var r hive.Result
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode result %s: %w", key, err)
	}
	return &r, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

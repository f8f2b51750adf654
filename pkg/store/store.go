// Package store defines the persistence contracts for hive state and processed results.
package store

import (
	"context"
	"errors"

	"github.com/hed1ad/hivesense/pkg/hive"
)

var (
	// ErrNotFound is returned when no record exists for the key.
	ErrNotFound = errors.New("store: not found")
	// ErrVersionConflict is returned when a conditional write loses against a concurrent writer.
	ErrVersionConflict = errors.New("store: version conflict")
	// ErrDuplicate is returned when a result for the same sample key already exists.
	ErrDuplicate = errors.New("store: duplicate result")
)

// StateStore persists per-device hysteresis state with optimistic concurrency.
type StateStore interface {
	// GetState returns the state and its version, or ErrNotFound.
	GetState(ctx context.Context, deviceID string) (*hive.HiveState, error)

	// PutState writes state if the stored version still equals expectedVersion
	// (0 meaning absent) and returns the new version. A lost race is ErrVersionConflict.
	PutState(ctx context.Context, state *hive.HiveState, expectedVersion uint64) (uint64, error)
}

// ResultStore persists one result per sample key.
type ResultStore interface {
	// AppendResult stores a result. A result with the same key yields ErrDuplicate.
	AppendResult(ctx context.Context, result *hive.Result) error

	// GetResult returns the result for a sample key, or ErrNotFound.
	GetResult(ctx context.Context, key string) (*hive.Result, error)
}

// Store combines both contracts; every driver implements it.
type Store interface {
	StateStore
	ResultStore
	Close() error
}

// Package memory is an in-process store used for tests, replay and single-node runs.
package memory

import (
	"context"
	"sync"

	"github.com/hed1ad/hivesense/pkg/hive"
	"github.com/hed1ad/hivesense/pkg/store"
)

// Store keeps state and results in maps guarded by a mutex.
type Store struct {
	mu      sync.RWMutex
	states  map[string]versioned
	results map[string]hive.Result
}

type versioned struct {
	state   *hive.HiveState
	version uint64
}

// New creates an empty store.
func New() *Store {
	return &Store{
		states:  make(map[string]versioned),
		results: make(map[string]hive.Result),
	}
}

// GetState returns a copy of the stored state.
func (s *Store) GetState(ctx context.Context, deviceID string) (*hive.HiveState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.states[deviceID]
	if !ok {
		return nil, store.ErrNotFound
	}
	st := v.state.Clone()
	st.Version = v.version
	return st, nil
}

// PutState writes the state when the stored version matches.
func (s *Store) PutState(ctx context.Context, state *hive.HiveState, expectedVersion uint64) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.states[state.DeviceID].version
	if current != expectedVersion {
		return 0, store.ErrVersionConflict
	}
	next := current + 1
	s.states[state.DeviceID] = versioned{state: state.Clone(), version: next}
	return next, nil
}

// AppendResult stores the result unless one exists for the key.
func (s *Store) AppendResult(ctx context.Context, result *hive.Result) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.results[result.Key]; ok {
		return store.ErrDuplicate
	}
	s.results[result.Key] = copyResult(result)
	return nil
}

// GetResult returns a copy of the stored result.
func (s *Store) GetResult(ctx context.Context, key string) (*hive.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.results[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := copyResult(&r)
	return &out, nil
}

// Results returns every stored result in no particular order.
func (s *Store) Results() []hive.Result {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]hive.Result, 0, len(s.results))
	for _, r := range s.results {
		out = append(out, copyResult(&r))
	}
	return out
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}

func copyResult(r *hive.Result) hive.Result {
	c := *r
	if r.Scores != nil {
		c.Scores = make(map[hive.Label]float64, len(r.Scores))
		for k, v := range r.Scores {
			c.Scores[k] = v
		}
	}
	return c
}

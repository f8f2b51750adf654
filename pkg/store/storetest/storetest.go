// Package storetest holds the behavior checks every store driver must pass.
package storetest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/hivesense/pkg/hive"
	"github.com/hed1ad/hivesense/pkg/store"
)

// Run exercises a fresh store returned by newStore.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("state lifecycle", func(t *testing.T) {
		testStateLifecycle(t, newStore(t))
	})
	t.Run("state conflicts", func(t *testing.T) {
		testStateConflicts(t, newStore(t))
	})
	t.Run("concurrent writers", func(t *testing.T) {
		testConcurrentWriters(t, newStore(t))
	})
	t.Run("results", func(t *testing.T) {
		testResults(t, newStore(t))
	})
}

func testStateLifecycle(t *testing.T, s store.Store) {
	ctx := context.Background()
	defer func() { _ = s.Close() }()

	_, err := s.GetState(ctx, "HIVE-1")
	require.ErrorIs(t, err, store.ErrNotFound)

	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	st := hive.NewHiveState("HIVE-1")
	st.PendingLabel = hive.LabelSwarming
	st.PendingCount = 2
	st.LastSampleTime = ts
	st.Recent = []string{"HIVE-1@a", "HIVE-1@b"}

	v1, err := s.PutState(ctx, st, 0)
	require.NoError(t, err)
	assert.NotZero(t, v1)

	got, err := s.GetState(ctx, "HIVE-1")
	require.NoError(t, err)
	assert.Equal(t, v1, got.Version)
	assert.Equal(t, hive.LabelUnknown, got.StableLabel)
	assert.Equal(t, hive.LabelSwarming, got.PendingLabel)
	assert.Equal(t, 2, got.PendingCount)
	assert.True(t, got.LastSampleTime.Equal(ts))
	assert.Equal(t, []string{"HIVE-1@a", "HIVE-1@b"}, got.Recent)

	got.StableLabel = hive.LabelSwarming
	v2, err := s.PutState(ctx, got, v1)
	require.NoError(t, err)
	assert.NotEqual(t, v1, v2)

	again, err := s.GetState(ctx, "HIVE-1")
	require.NoError(t, err)
	assert.Equal(t, v2, again.Version)
	assert.Equal(t, hive.LabelSwarming, again.StableLabel)
}

func testStateConflicts(t *testing.T, s store.Store) {
	ctx := context.Background()
	defer func() { _ = s.Close() }()

	v1, err := s.PutState(ctx, hive.NewHiveState("HIVE-2"), 0)
	require.NoError(t, err)

	_, err = s.PutState(ctx, hive.NewHiveState("HIVE-2"), 0)
	assert.ErrorIs(t, err, store.ErrVersionConflict, "create over existing state")

	_, err = s.PutState(ctx, hive.NewHiveState("HIVE-2"), v1+100)
	assert.ErrorIs(t, err, store.ErrVersionConflict, "stale version")

	_, err = s.PutState(ctx, hive.NewHiveState("HIVE-3"), 7)
	assert.ErrorIs(t, err, store.ErrVersionConflict, "update of absent state")
}

func testConcurrentWriters(t *testing.T, s store.Store) {
	ctx := context.Background()
	defer func() { _ = s.Close() }()

	v, err := s.PutState(ctx, hive.NewHiveState("HIVE-4"), 0)
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st := hive.NewHiveState("HIVE-4")
			if _, err := s.PutState(ctx, st, v); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load(), "exactly one writer wins a version")
}

func testResults(t *testing.T, s store.Store) {
	ctx := context.Background()
	defer func() { _ = s.Close() }()

	key := "HIVE-5@2024-05-01T12:00:00Z"
	_, err := s.GetResult(ctx, key)
	require.ErrorIs(t, err, store.ErrNotFound)

	res := &hive.Result{
		ID:          hive.ResultID(key),
		Key:         key,
		DeviceID:    "HIVE-5",
		Timestamp:   time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Label:       hive.LabelSwarming,
		Confidence:  0.9,
		Scores:      map[hive.Label]float64{hive.LabelSwarming: 0.9, hive.LabelNormal: 0.1},
		StableLabel: hive.LabelUnknown,
		Status:      hive.StatusOK,
		ProcessedAt: time.Date(2024, 5, 1, 12, 0, 1, 0, time.UTC),
	}
	require.NoError(t, s.AppendResult(ctx, res))

	dup := *res
	dup.Label = hive.LabelNormal
	assert.ErrorIs(t, s.AppendResult(ctx, &dup), store.ErrDuplicate)

	got, err := s.GetResult(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, res.ID, got.ID)
	assert.Equal(t, hive.LabelSwarming, got.Label, "first write wins")
	assert.InDelta(t, 0.9, got.Scores[hive.LabelSwarming], 1e-12)
	assert.True(t, got.Timestamp.Equal(res.Timestamp))
}

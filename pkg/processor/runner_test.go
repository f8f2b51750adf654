package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/hivesense/pkg/hive"
	sampleio "github.com/hed1ad/hivesense/pkg/io"
)

type settlements struct {
	mu   sync.Mutex
	byID map[string]sampleio.Disposition
}

func (s *settlements) settler(key string) func(context.Context, sampleio.Disposition) error {
	return func(_ context.Context, d sampleio.Disposition) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.byID[key] = d
		return nil
	}
}

type sliceSource struct {
	deliveries []sampleio.Delivery
	err        error
}

func (s *sliceSource) Stream(ctx context.Context) (<-chan sampleio.Delivery, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make(chan sampleio.Delivery)
	go func() {
		defer close(out)
		for _, d := range s.deliveries {
			select {
			case out <- d:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (s *sliceSource) Close() error { return nil }

type memWriter struct {
	mu      sync.Mutex
	results []*hive.Result
}

func (w *memWriter) Write(r *hive.Result) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.results = append(w.results, r)
	return nil
}

func (w *memWriter) WriteAll(rs []*hive.Result) error {
	for _, r := range rs {
		if err := w.Write(r); err != nil {
			return err
		}
	}
	return nil
}

func (w *memWriter) Close() error { return nil }

func delivery(t *testing.T, set *settlements, key string, s hive.SensorSample) sampleio.Delivery {
	t.Helper()
	body, err := sampleio.Encode(s)
	require.NoError(t, err)
	return sampleio.NewDelivery(key, body, set.settler(key))
}

func TestRunnerRun(t *testing.T) {
	f := newFixture(t, nil, nil)
	set := &settlements{byID: map[string]sampleio.Disposition{}}

	var deliveries []sampleio.Delivery
	for i := 0; i < 3; i++ {
		deliveries = append(deliveries, delivery(t, set, fmt.Sprintf("ok-%d", i), sampleAt(i, codeSwarming)))
	}
	deliveries = append(deliveries,
		sampleio.NewDelivery("garbage", []byte(`{"humidity": "wet"}`), set.settler("garbage")),
	)

	w := &memWriter{}
	// One worker keeps the samples in order so the third one flips the label.
	r := NewRunner(f.proc, WithWorkers(1), WithWriter(w))

	sum, err := r.Run(context.Background(), &sliceSource{deliveries: deliveries})
	require.NoError(t, err)

	assert.Equal(t, Summary{Processed: 3, Rejected: 1, Alerts: 1}, sum)
	assert.Equal(t, sampleio.Ack, set.byID["ok-0"])
	assert.Equal(t, sampleio.Ack, set.byID["ok-2"])
	assert.Equal(t, sampleio.Reject, set.byID["garbage"])
	assert.Len(t, w.results, 3)
	assert.Equal(t, 1, f.notifier.count())
}

func TestRunnerPermanentFailureIsAcked(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.classifier.size = 5
	set := &settlements{byID: map[string]sampleio.Disposition{}}

	r := NewRunner(f.proc)
	sum, err := r.Run(context.Background(), &sliceSource{deliveries: []sampleio.Delivery{
		delivery(t, set, "mismatch", sampleAt(0, codeNormal)),
	}})
	require.NoError(t, err)

	assert.Equal(t, int64(1), sum.Rejected)
	assert.Equal(t, sampleio.Ack, set.byID["mismatch"])
}

func TestRunnerTransientDisposition(t *testing.T) {
	f := newFixture(t, brokenStates{}, nil)
	set := &settlements{byID: map[string]sampleio.Disposition{}}
	src := &sliceSource{deliveries: []sampleio.Delivery{delivery(t, set, "a", sampleAt(0, codeNormal))}}

	sum, err := NewRunner(f.proc).Run(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, int64(1), sum.Failed)
	assert.Equal(t, sampleio.Ack, set.byID["a"], "dead-lettered samples leave the source")

	f.proc.deadLetter = nil
	set.byID = map[string]sampleio.Disposition{}
	_, err = NewRunner(f.proc).Run(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, sampleio.Requeue, set.byID["a"], "without a dead letter the source keeps the sample")
}

func TestRunnerRequeuesWhenDeadLetterFails(t *testing.T) {
	f := newFixture(t, brokenStates{}, nil)
	f.deadLetter.err = errors.New("bucket unreachable")
	set := &settlements{byID: map[string]sampleio.Disposition{}}
	src := &sliceSource{deliveries: []sampleio.Delivery{delivery(t, set, "a", sampleAt(0, codeNormal))}}

	sum, err := NewRunner(f.proc).Run(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, int64(1), sum.Failed)
	assert.Len(t, f.deadLetter.keys, 1)
	assert.Equal(t, sampleio.Requeue, set.byID["a"])
}

func TestRunnerDisposition(t *testing.T) {
	f := newFixture(t, nil, nil)
	r := NewRunner(f.proc)

	transient := fmt.Errorf("%w: timeout", hive.ErrStorageTransient)
	assert.Equal(t, sampleio.Ack, r.disposition(nil))
	assert.Equal(t, sampleio.Ack, r.disposition(fmt.Errorf("%w: bad", hive.ErrInput)))
	assert.Equal(t, sampleio.Ack, r.disposition(fmt.Errorf("%w: %w", ErrDeadLettered, transient)))
	assert.Equal(t, sampleio.Requeue, r.disposition(transient))
	assert.Equal(t, sampleio.Requeue, r.disposition(context.Canceled))
}

func TestRunnerRecordsUndecodablePayload(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)
	set := &settlements{byID: map[string]sampleio.Disposition{}}
	key := "beehive_data/HIVE-1234_20240601_100000_000000.json"

	w := &memWriter{}
	sum, err := NewRunner(f.proc, WithWriter(w)).Run(ctx, &sliceSource{deliveries: []sampleio.Delivery{
		sampleio.NewDelivery(key, []byte(`{"humidity": "wet"}`), set.settler(key)),
	}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), sum.Rejected)
	assert.Equal(t, sampleio.Reject, set.byID[key])

	want := hive.SensorSample{DeviceID: "HIVE-1234", Timestamp: t0}
	stored, err := f.store.GetResult(ctx, want.Key())
	require.NoError(t, err)
	assert.Equal(t, hive.StatusRejected, stored.Status)
	assert.Equal(t, "input", stored.ErrorKind)
	require.Len(t, w.results, 1)
	assert.Equal(t, stored.Key, w.results[0].Key)
	assert.Zero(t, f.classifier.calls.Load())
}

func TestRunnerCountsReplayedRejection(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.classifier.size = 5
	set := &settlements{byID: map[string]sampleio.Disposition{}}

	r := NewRunner(f.proc, WithWorkers(1))
	sum, err := r.Run(context.Background(), &sliceSource{deliveries: []sampleio.Delivery{
		delivery(t, set, "first", sampleAt(0, codeNormal)),
		delivery(t, set, "again", sampleAt(0, codeNormal)),
	}})
	require.NoError(t, err)

	assert.Equal(t, Summary{Rejected: 2}, sum)
	assert.Equal(t, sampleio.Ack, set.byID["again"])
	assert.Len(t, f.store.Results(), 1)
}

func TestRunnerStreamError(t *testing.T) {
	f := newFixture(t, nil, nil)
	_, err := NewRunner(f.proc).Run(context.Background(), &sliceSource{err: errors.New("bucket missing")})
	assert.Error(t, err)
}

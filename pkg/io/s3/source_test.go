package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/hivesense/pkg/hive"
	sampleio "github.com/hed1ad/hivesense/pkg/io"
)

// fakeBucket is an in-memory S3 API with a page size of two.
type fakeBucket struct {
	mu       sync.Mutex
	objects  map[string][]byte
	metadata map[string]map[string]string
}

func newFakeBucket(keys ...string) *fakeBucket {
	b := &fakeBucket{objects: map[string][]byte{}, metadata: map[string]map[string]string{}}
	for _, k := range keys {
		b.objects[k] = []byte(k)
	}
	return b
}

func (b *fakeBucket) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var keys []string
	for k := range b.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	start := 0
	if in.ContinuationToken != nil {
		for i, k := range keys {
			if k == aws.ToString(in.ContinuationToken) {
				start = i
			}
		}
	}
	end := start + 2
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	if end < len(keys) {
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(keys[end])
	} else {
		end = len(keys)
	}
	for _, k := range keys[start:end] {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	return out, nil
}

func (b *fakeBucket) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (b *fakeBucket) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[aws.ToString(in.Key)] = data
	b.metadata[aws.ToString(in.Key)] = in.Metadata
	return &s3.PutObjectOutput{}, nil
}

func (b *fakeBucket) CopyObject(_ context.Context, in *s3.CopyObjectInput, _ ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	src := strings.TrimPrefix(aws.ToString(in.CopySource), aws.ToString(in.Bucket)+"/")
	data, ok := b.objects[src]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	b.objects[aws.ToString(in.Key)] = data
	return &s3.CopyObjectOutput{}, nil
}

func (b *fakeBucket) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (b *fakeBucket) has(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[key]
	return ok
}

func receive(t *testing.T, ch <-chan sampleio.Delivery) sampleio.Delivery {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery")
		return sampleio.Delivery{}
	}
}

func TestSourceStream(t *testing.T) {
	bucket := newFakeBucket(
		"beehive_data/HIVE-1_20240501_143002_000000.json",
		"beehive_data/HIVE-1_20240501_143000_000000.json",
		"beehive_data/HIVE-2_20240501_143001_000000.json",
		"beehive_data/readme.txt",
		"other/HIVE-9_20240501_143000_000000.json",
	)
	cfg := DefaultConfig()
	cfg.Bucket = "hives"
	cfg.PollInterval = 10 * time.Millisecond

	src, err := NewSource(cfg, bucket, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := src.Stream(ctx)
	require.NoError(t, err)

	first := receive(t, ch)
	second := receive(t, ch)
	third := receive(t, ch)
	assert.Equal(t, "beehive_data/HIVE-1_20240501_143000_000000.json", first.Key)
	assert.Equal(t, "beehive_data/HIVE-1_20240501_143002_000000.json", second.Key)
	assert.Equal(t, "beehive_data/HIVE-2_20240501_143001_000000.json", third.Key)
	assert.Equal(t, first.Key, string(first.Body))

	require.NoError(t, first.Settle(ctx, sampleio.Ack))
	assert.False(t, bucket.has(first.Key))
	assert.True(t, bucket.has("processed/HIVE-1_20240501_143000_000000.json"))

	require.NoError(t, second.Settle(ctx, sampleio.Requeue))
	again := receive(t, ch)
	assert.Equal(t, second.Key, again.Key, "requeued upload is delivered on the next poll")

	require.NoError(t, third.Settle(ctx, sampleio.Reject))
	require.NoError(t, again.Settle(ctx, sampleio.Ack))

	select {
	case d := <-ch:
		t.Fatalf("unexpected delivery %s", d.Key)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSourceLeavesUploadsInPlace(t *testing.T) {
	key := "beehive_data/HIVE-1_20240501_143000_000000.json"
	bucket := newFakeBucket(key)
	cfg := DefaultConfig()
	cfg.Bucket = "hives"
	cfg.ProcessedPrefix = ""
	cfg.PollInterval = 10 * time.Millisecond

	src, err := NewSource(cfg, bucket, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := src.Stream(ctx)
	require.NoError(t, err)

	d := receive(t, ch)
	require.NoError(t, d.Settle(ctx, sampleio.Ack))
	assert.True(t, bucket.has(key))

	select {
	case d := <-ch:
		t.Fatalf("settled upload delivered again: %s", d.Key)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNewSourceRequiresBucket(t *testing.T) {
	_, err := NewSource(DefaultConfig(), newFakeBucket(), nil)
	assert.Error(t, err)
}

func TestDeadLetter(t *testing.T) {
	bucket := newFakeBucket()
	dl := NewDeadLetter(bucket, "hives", "")

	sample := hive.SensorSample{
		DeviceID:    "HIVE-4",
		Timestamp:   time.Date(2024, 5, 1, 14, 30, 0, 0, time.UTC),
		Waveform:    []float64{0, 0.5},
		SampleRate:  22050,
		Temperature: 30,
		Humidity:    0.5,
	}
	cause := hive.ErrStorageTransient
	require.NoError(t, dl.Publish(context.Background(), sample, cause))

	key := "deadletter/HIVE-4_20240501_143000_000000.json"
	require.True(t, bucket.has(key))
	assert.Equal(t, "storage_transient", bucket.metadata[key]["error-kind"])

	got, err := sampleio.Decode(key, bucket.objects[key])
	require.NoError(t, err)
	assert.Equal(t, sample.Key(), got.Key())
}

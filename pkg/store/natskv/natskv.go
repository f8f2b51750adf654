// Package natskv stores hive state and results in a NATS JetStream key-value
// bucket. Entry revisions serve as state versions.
package natskv

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/hed1ad/hivesense/pkg/hive"
	"github.com/hed1ad/hivesense/pkg/store"
)

// Config holds connection and bucket settings.
type Config struct {
	URL      string        `yaml:"url"`
	Bucket   string        `yaml:"bucket"`
	Replicas int           `yaml:"replicas"`
	Timeout  time.Duration `yaml:"timeout"`
}

// DefaultConfig returns local defaults.
func DefaultConfig() Config {
	return Config{
		URL:      nats.DefaultURL,
		Bucket:   "hivesense",
		Replicas: 1,
		Timeout:  5 * time.Second,
	}
}

// Bucket is the subset of jetstream.KeyValue the store uses.
type Bucket interface {
	Get(ctx context.Context, key string) (jetstream.KeyValueEntry, error)
	Create(ctx context.Context, key string, value []byte) (uint64, error)
	Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error)
}

// Store implements store.Store on a KV bucket.
type Store struct {
	bucket  Bucket
	conn    *nats.Conn
	timeout time.Duration
}

var _ store.Store = (*Store)(nil)

// Open connects to NATS and opens the bucket, creating it when missing.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	nc, err := nats.Connect(cfg.URL, nats.Name("hivesense"))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	kv, err := js.KeyValue(ctx, cfg.Bucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      cfg.Bucket,
			Description: "hive state and processed sample results",
			Replicas:    cfg.Replicas,
		})
		if errors.Is(err, jetstream.ErrBucketExists) {
			// Another instance created it first.
			kv, err = js.KeyValue(ctx, cfg.Bucket)
		}
	}
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("open bucket %s: %w", cfg.Bucket, err)
	}

	s := New(kv, cfg.Timeout)
	s.conn = nc
	return s, nil
}

// New wraps an open bucket. A positive timeout bounds each operation.
func New(bucket Bucket, timeout time.Duration) *Store {
	return &Store{bucket: bucket, timeout: timeout}
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func stateKey(deviceID string) string {
	return "state." + deviceID
}

// resultKey encodes sample keys, which contain characters KV keys do not allow.
func resultKey(key string) string {
	return "result." + base64.RawURLEncoding.EncodeToString([]byte(key))
}

// GetState returns the state of a device; its version is the entry revision.
func (s *Store) GetState(ctx context.Context, deviceID string) (*hive.HiveState, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	entry, err := s.bucket.Get(ctx, stateKey(deviceID))
	if isNotFound(err) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kv get state %s: %w", deviceID, err)
	}

	var state hive.HiveState
	if err := json.Unmarshal(entry.Value(), &state); err != nil {
		return nil, fmt.Errorf("decode state %s: %w", deviceID, err)
	}
	state.Version = entry.Revision()
	return &state, nil
}

// PutState creates the entry when expectedVersion is 0 and otherwise
// updates it at that revision.
func (s *Store) PutState(ctx context.Context, state *hive.HiveState, expectedVersion uint64) (uint64, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return 0, fmt.Errorf("encode state %s: %w", state.DeviceID, err)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var rev uint64
	if expectedVersion == 0 {
		rev, err = s.bucket.Create(ctx, stateKey(state.DeviceID), data)
	} else {
		rev, err = s.bucket.Update(ctx, stateKey(state.DeviceID), data, expectedVersion)
	}
	if isConflict(err) {
		return 0, store.ErrVersionConflict
	}
	if err != nil {
		return 0, fmt.Errorf("kv put state %s: %w", state.DeviceID, err)
	}
	return rev, nil
}

// AppendResult creates the result entry; an existing entry is store.ErrDuplicate.
func (s *Store) AppendResult(ctx context.Context, result *hive.Result) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result %s: %w", result.Key, err)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err = s.bucket.Create(ctx, resultKey(result.Key), data)
	if isConflict(err) {
		return store.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("kv create result %s: %w", result.Key, err)
	}
	return nil
}

// GetResult returns the result recorded for a sample key.
func (s *Store) GetResult(ctx context.Context, key string) (*hive.Result, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	entry, err := s.bucket.Get(ctx, resultKey(key))
	if isNotFound(err) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kv get result %s: %w", key, err)
	}

	var r hive.Result
	if err := json.Unmarshal(entry.Value(), &r); err != nil {
		return nil, fmt.Errorf("decode result %s: %w", key, err)
	}
	return &r, nil
}

// Close drains the connection when the store owns it.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Drain()
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "key not found") || strings.Contains(msg, "10037")
}

// isConflict matches both the typed errors and the raw server errors
// returned for a failed create or revision check.
func isConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "wrong last sequence") ||
		strings.Contains(msg, "10071") ||
		strings.Contains(msg, "key exists") ||
		strings.Contains(msg, "10058")
}

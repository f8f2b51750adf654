// Package redis stores hive state and results in Redis. State writes use
// WATCH/MULTI on a per-device hash holding the version and the document.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hed1ad/hivesense/pkg/hive"
	"github.com/hed1ad/hivesense/pkg/store"
)

// Config holds connection settings.
type Config struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
	// ResultTTL expires results after the given duration; zero keeps them.
	// Once a result expires, a redelivered sample is recognized only while it
	// is still in the device's recent window, so late duplicates past both
	// would be counted again. Non-zero values must be at least MinResultTTL.
	ResultTTL time.Duration `yaml:"result_ttl"`
}

// MinResultTTL is the shortest accepted result expiry. It outlasts the
// redelivery horizon of the supported sources.
const MinResultTTL = 7 * 24 * time.Hour

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Addr == "" {
		return errors.New("redis: addr is required")
	}
	if c.ResultTTL < 0 {
		return errors.New("redis: result_ttl must not be negative")
	}
	if c.ResultTTL > 0 && c.ResultTTL < MinResultTTL {
		return fmt.Errorf("redis: result_ttl %s is below the minimum %s", c.ResultTTL, MinResultTTL)
	}
	return nil
}

// DefaultConfig returns local defaults.
func DefaultConfig() Config {
	return Config{
		Addr:   "localhost:6379",
		Prefix: "hivesense:",
	}
}

// Store implements store.Store on a Redis client.
type Store struct {
	client    *redis.Client
	prefix    string
	resultTTL time.Duration
}

var _ store.Store = (*Store)(nil)

// Open connects and pings the server.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return New(client, cfg), nil
}

// New wraps a client.
func New(client *redis.Client, cfg Config) *Store {
	return &Store{client: client, prefix: cfg.Prefix, resultTTL: cfg.ResultTTL}
}

func (s *Store) stateKey(deviceID string) string {
	return s.prefix + "state:" + deviceID
}

func (s *Store) resultKey(key string) string {
	return s.prefix + "result:" + key
}

// GetState returns the state of a device.
func (s *Store) GetState(ctx context.Context, deviceID string) (*hive.HiveState, error) {
	vals, err := s.client.HMGet(ctx, s.stateKey(deviceID), "version", "data").Result()
	if err != nil {
		return nil, fmt.Errorf("hmget state %s: %w", deviceID, err)
	}
	version, data, ok := fields(vals)
	if !ok {
		return nil, store.ErrNotFound
	}

	var state hive.HiveState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return nil, fmt.Errorf("decode state %s: %w", deviceID, err)
	}
	v, err := strconv.ParseUint(version, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode version %s: %w", deviceID, err)
	}
	state.Version = v
	return &state, nil
}

func fields(vals []interface{}) (version, data string, ok bool) {
	if len(vals) != 2 {
		return "", "", false
	}
	version, ok1 := vals[0].(string)
	data, ok2 := vals[1].(string)
	return version, data, ok1 && ok2
}

// PutState writes the state when the stored version equals expectedVersion.
func (s *Store) PutState(ctx context.Context, state *hive.HiveState, expectedVersion uint64) (uint64, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return 0, fmt.Errorf("encode state %s: %w", state.DeviceID, err)
	}
	key := s.stateKey(state.DeviceID)
	next := expectedVersion + 1

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.HGet(ctx, key, "version").Uint64()
		switch {
		case errors.Is(err, redis.Nil):
			current = 0
		case err != nil:
			return err
		}
		if current != expectedVersion {
			return store.ErrVersionConflict
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "version", next, "data", data)
			return nil
		})
		return err
	}, key)

	switch {
	case err == nil:
		return next, nil
	case errors.Is(err, store.ErrVersionConflict), errors.Is(err, redis.TxFailedErr):
		return 0, store.ErrVersionConflict
	default:
		return 0, fmt.Errorf("write state %s: %w", state.DeviceID, err)
	}
}

// AppendResult stores the result unless the key is taken.
func (s *Store) AppendResult(ctx context.Context, result *hive.Result) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result %s: %w", result.Key, err)
	}

	ok, err := s.client.SetNX(ctx, s.resultKey(result.Key), data, s.resultTTL).Result()
	if err != nil {
		return fmt.Errorf("setnx result %s: %w", result.Key, err)
	}
	if !ok {
		return store.ErrDuplicate
	}
	return nil
}

// GetResult returns the result recorded for a sample key.
func (s *Store) GetResult(ctx context.Context, key string) (*hive.Result, error) {
	data, err := s.client.Get(ctx, s.resultKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get result %s: %w", key, err)
	}

	var r hive.Result
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode result %s: %w", key, err)
	}
	return &r, nil
}

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}

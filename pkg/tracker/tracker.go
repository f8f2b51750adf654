// Package tracker stabilizes per-sample classifications into a per-device
// stable label using hysteresis over externally persisted state.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hed1ad/hivesense/pkg/hive"
	"github.com/hed1ad/hivesense/pkg/retry"
	"github.com/hed1ad/hivesense/pkg/store"
)

// ErrConflict reports that concurrent writers kept winning until the retry budget ran out.
var ErrConflict = fmt.Errorf("%w: state version conflicts", hive.ErrStorageTransient)

// Config holds the hysteresis parameters.
type Config struct {
	// RequiredAgreements is the number of consecutive confident agreeing
	// samples needed to change the stable label.
	RequiredAgreements int `yaml:"required_agreements"`
	// MinConfidence below which a sample does not count toward hysteresis.
	MinConfidence float64 `yaml:"min_confidence"`
	// RecentWindow bounds the sample identities kept for idempotency.
	RecentWindow int `yaml:"recent_window"`
	// MaxConflictRetries bounds re-reads after losing a conditional write.
	MaxConflictRetries int `yaml:"max_conflict_retries"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		RequiredAgreements: 3,
		MinConfidence:      0.7,
		RecentWindow:       64,
		MaxConflictRetries: 5,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.RequiredAgreements < 1 {
		return errors.New("tracker: required_agreements must be at least 1")
	}
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		return errors.New("tracker: min_confidence must be in [0, 1]")
	}
	if c.RecentWindow < 1 {
		return errors.New("tracker: recent_window must be positive")
	}
	if c.MaxConflictRetries < 0 {
		return errors.New("tracker: max_conflict_retries must not be negative")
	}
	return nil
}

// Observation is one classified sample as seen by the tracker.
type Observation struct {
	Key        string
	DeviceID   string
	Timestamp  time.Time
	Label      hive.Label
	Confidence float64
}

// Observe builds the observation for a classified sample.
func Observe(sample hive.SensorSample, res hive.ClassificationResult) Observation {
	return Observation{
		Key:        sample.Key(),
		DeviceID:   sample.DeviceID,
		Timestamp:  sample.Timestamp,
		Label:      res.Label,
		Confidence: res.Confidence,
	}
}

// Step applies one observation to state and returns the next state, the
// transition it caused (if any) and whether it was applied at all. A sample
// whose identity is already recorded is not applied. state is not modified.
func Step(cfg Config, state *hive.HiveState, obs Observation) (*hive.HiveState, *hive.Transition, bool) {
	if state.Seen(obs.Key) {
		return state, nil, false
	}

	next := state.Clone()
	next.Recent = append(next.Recent, obs.Key)
	if over := len(next.Recent) - cfg.RecentWindow; over > 0 {
		next.Recent = append([]string(nil), next.Recent[over:]...)
	}
	if obs.Timestamp.After(next.LastSampleTime) {
		next.LastSampleTime = obs.Timestamp
	}

	if obs.Confidence < cfg.MinConfidence {
		return next, nil, true
	}

	if obs.Label == next.PendingLabel {
		next.PendingCount++
	} else {
		next.PendingLabel = obs.Label
		next.PendingCount = 1
	}

	if next.PendingCount < cfg.RequiredAgreements || next.PendingLabel == next.StableLabel {
		return next, nil, true
	}

	tr := &hive.Transition{
		From:       next.StableLabel,
		To:         next.PendingLabel,
		At:         obs.Timestamp,
		Confidence: obs.Confidence,
	}
	next.StableLabel = next.PendingLabel
	next.LastTransitionTime = obs.Timestamp

	return next, tr, true
}

// Hook runs against the candidate state when a transition occurs, before the
// state is written. It may modify the state and returns the alert to emit, if any.
// It runs once per write attempt and must not have side effects outside state.
type Hook func(next *hive.HiveState, tr *hive.Transition) *hive.AlertEvent

// Outcome is the committed result of an update.
type Outcome struct {
	State      *hive.HiveState
	Transition *hive.Transition
	Alert      *hive.AlertEvent
	// Duplicate reports that the sample had already been applied.
	Duplicate bool
}

// Tracker runs hysteresis updates against a state store.
type Tracker struct {
	cfg    Config
	store  store.StateStore
	policy *retry.Policy
	logger *zap.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(t *Tracker) {
		t.logger = logger
	}
}

// WithBackoff overrides the delays between conflicting write attempts.
func WithBackoff(initial, max time.Duration) Option {
	return func(t *Tracker) {
		t.policy = t.conflictPolicy(initial, max)
	}
}

// New creates a tracker.
func New(cfg Config, states store.StateStore, opts ...Option) (*Tracker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	t := &Tracker{
		cfg:    cfg,
		store:  states,
		logger: zap.NewNop(),
	}
	t.policy = t.conflictPolicy(5*time.Millisecond, 200*time.Millisecond)
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

func (t *Tracker) conflictPolicy(initial, max time.Duration) *retry.Policy {
	return retry.New(
		retry.WithMaxAttempts(t.cfg.MaxConflictRetries+1),
		retry.WithInitialDelay(initial),
		retry.WithMaxDelay(max),
		retry.WithRetryable(func(err error) bool {
			return errors.Is(err, store.ErrVersionConflict)
		}),
	)
}

// Config returns the tracker configuration.
func (t *Tracker) Config() Config {
	return t.cfg
}

// Update reads the device state, applies obs and hook, and writes the result
// back conditioned on the version read. A lost race re-reads and reapplies.
// Exhausted conflicts and store failures are reported as hive.ErrStorageTransient.
func (t *Tracker) Update(ctx context.Context, obs Observation, hook Hook) (*Outcome, error) {
	var out *Outcome

	err := t.policy.Execute(ctx, func() error {
		current, err := t.store.GetState(ctx, obs.DeviceID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			current = hive.NewHiveState(obs.DeviceID)
		case err != nil:
			return fmt.Errorf("%w: read state for %s: %v", hive.ErrStorageTransient, obs.DeviceID, err)
		}

		next, tr, applied := Step(t.cfg, current, obs)
		if !applied {
			out = &Outcome{State: current, Duplicate: true}
			return nil
		}

		var alert *hive.AlertEvent
		if tr != nil && hook != nil {
			alert = hook(next, tr)
		}
		next.Unsettled = append(pending(next), hive.Unsettled{
			Key:          obs.Key,
			StableLabel:  next.StableLabel,
			Transitioned: tr != nil,
			Alert:        alert,
		})

		version, err := t.store.PutState(ctx, next, current.Version)
		if errors.Is(err, store.ErrVersionConflict) {
			t.logger.Debug("state write lost race, retrying",
				zap.String("device_id", obs.DeviceID),
				zap.Uint64("version", current.Version))
			return err
		}
		if err != nil {
			return fmt.Errorf("%w: write state for %s: %v", hive.ErrStorageTransient, obs.DeviceID, err)
		}
		next.Version = version

		out = &Outcome{State: next, Transition: tr, Alert: alert}
		return nil
	})

	switch {
	case err == nil:
		return out, nil
	case errors.Is(err, store.ErrVersionConflict):
		return nil, fmt.Errorf("%w: %s after %d attempts", ErrConflict, obs.DeviceID, t.policy.MaxAttempts())
	default:
		return nil, err
	}
}

// Settle drops the pending outcome of a sample once its result is stored.
// Settling an unknown sample is a no-op.
func (t *Tracker) Settle(ctx context.Context, deviceID, key string) error {
	err := t.policy.Execute(ctx, func() error {
		current, err := t.store.GetState(ctx, deviceID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			return nil
		case err != nil:
			return fmt.Errorf("%w: read state for %s: %v", hive.ErrStorageTransient, deviceID, err)
		}
		if _, ok := current.UnsettledFor(key); !ok {
			return nil
		}

		next := current.Clone()
		next.Unsettled = next.Unsettled[:0]
		for _, u := range current.Unsettled {
			if u.Key != key {
				next.Unsettled = append(next.Unsettled, u)
			}
		}
		if len(next.Unsettled) == 0 {
			next.Unsettled = nil
		}

		_, err = t.store.PutState(ctx, next, current.Version)
		if err != nil && !errors.Is(err, store.ErrVersionConflict) {
			return fmt.Errorf("%w: write state for %s: %v", hive.ErrStorageTransient, deviceID, err)
		}
		return err
	})
	if errors.Is(err, store.ErrVersionConflict) {
		return fmt.Errorf("%w: %s after %d attempts", ErrConflict, deviceID, t.policy.MaxAttempts())
	}
	return err
}

// pending returns the unsettled entries of state whose samples are still in
// the recent window. Older entries can no longer be redelivered as duplicates.
func pending(state *hive.HiveState) []hive.Unsettled {
	var out []hive.Unsettled
	for _, u := range state.Unsettled {
		if state.Seen(u.Key) {
			out = append(out, u)
		}
	}
	return out
}

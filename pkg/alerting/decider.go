// Package alerting decides whether a stable-label transition pages the beekeeper.
package alerting

import (
	"errors"
	"time"

	"github.com/hed1ad/hivesense/pkg/hive"
	"github.com/hed1ad/hivesense/pkg/tracker"
)

// Decision reasons.
const (
	ReasonEmitted       = "emitted"
	ReasonRecovery      = "recovery"
	ReasonLowConfidence = "low_confidence"
	ReasonCooldown      = "cooldown"
)

// Config holds the alerting policy.
type Config struct {
	// MinConfidence the flipping classification must reach to page.
	MinConfidence float64 `yaml:"min_confidence"`
	// Cooldown is the minimum spacing between alerts for one device.
	Cooldown time.Duration `yaml:"cooldown"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MinConfidence: 0.8,
		Cooldown:      30 * time.Minute,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		return errors.New("alerting: min_confidence must be in [0, 1]")
	}
	if c.Cooldown < 0 {
		return errors.New("alerting: cooldown must not be negative")
	}
	return nil
}

// Decision is the outcome for one transition.
type Decision struct {
	Alert  *hive.AlertEvent
	Reason string
}

// Decider applies the alerting policy.
type Decider struct {
	cfg Config
}

// NewDecider creates a decider.
func NewDecider(cfg Config) (*Decider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Decider{cfg: cfg}, nil
}

// Decide evaluates a transition against the device state it was applied to.
// Elapsed time is measured between sample timestamps, so replays decide the same way.
func (d *Decider) Decide(tr *hive.Transition, state *hive.HiveState) Decision {
	if !tr.To.Abnormal() {
		return Decision{Reason: ReasonRecovery}
	}
	if tr.Confidence < d.cfg.MinConfidence {
		return Decision{Reason: ReasonLowConfidence}
	}
	if !state.LastAlertTime.IsZero() && tr.At.Sub(state.LastAlertTime) < d.cfg.Cooldown {
		return Decision{Reason: ReasonCooldown}
	}
	return Decision{
		Alert:  hive.NewAlertEvent(state.DeviceID, *tr),
		Reason: ReasonEmitted,
	}
}

// Hook adapts the decider to a tracker hook. Emitted alerts stamp the
// state's LastAlertTime so the cooldown commits with the transition.
// observe, when set, is called with each decision, once per write attempt.
func (d *Decider) Hook(observe func(Decision)) tracker.Hook {
	return func(next *hive.HiveState, tr *hive.Transition) *hive.AlertEvent {
		dec := d.Decide(tr, next)
		if dec.Alert != nil {
			next.LastAlertTime = tr.At
		}
		if observe != nil {
			observe(dec)
		}
		return dec.Alert
	}
}

package alerting

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/hivesense/pkg/hive"
	"github.com/hed1ad/hivesense/pkg/store/memory"
	"github.com/hed1ad/hivesense/pkg/tracker"
)

var t0 = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

func TestDecide(t *testing.T) {
	d, err := NewDecider(DefaultConfig())
	require.NoError(t, err)

	tests := []struct {
		name       string
		to         hive.Label
		confidence float64
		lastAlert  time.Time
		at         time.Time
		wantReason string
	}{
		{name: "swarming pages", to: hive.LabelSwarming, confidence: 0.9, at: t0, wantReason: ReasonEmitted},
		{name: "distress pages", to: hive.LabelDistress, confidence: 0.8, at: t0, wantReason: ReasonEmitted},
		{name: "recovery is silent", to: hive.LabelNormal, confidence: 0.99, at: t0, wantReason: ReasonRecovery},
		{name: "unknown is silent", to: hive.LabelUnknown, confidence: 0.99, at: t0, wantReason: ReasonRecovery},
		{name: "below alert confidence", to: hive.LabelSwarming, confidence: 0.75, at: t0, wantReason: ReasonLowConfidence},
		{
			name: "inside cooldown", to: hive.LabelDistress, confidence: 0.9,
			lastAlert: t0, at: t0.Add(10 * time.Minute), wantReason: ReasonCooldown,
		},
		{
			name: "cooldown expired", to: hive.LabelDistress, confidence: 0.9,
			lastAlert: t0, at: t0.Add(30 * time.Minute), wantReason: ReasonEmitted,
		},
		{
			name: "older than last alert", to: hive.LabelSwarming, confidence: 0.9,
			lastAlert: t0, at: t0.Add(-2 * time.Hour), wantReason: ReasonCooldown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := hive.NewHiveState("HIVE-7")
			state.LastAlertTime = tt.lastAlert
			tr := &hive.Transition{From: hive.LabelNormal, To: tt.to, At: tt.at, Confidence: tt.confidence}

			dec := d.Decide(tr, state)
			assert.Equal(t, tt.wantReason, dec.Reason)
			if tt.wantReason != ReasonEmitted {
				assert.Nil(t, dec.Alert)
				return
			}
			require.NotNil(t, dec.Alert)
			assert.Equal(t, "HIVE-7", dec.Alert.DeviceID)
			assert.Equal(t, tt.to, dec.Alert.To)
			assert.Equal(t, tt.at, dec.Alert.Timestamp)
			assert.Equal(t, hive.NewAlertEvent("HIVE-7", *tr).ID, dec.Alert.ID)
		})
	}
}

func TestConfigValidate(t *testing.T) {
	_, err := NewDecider(Config{MinConfidence: 1.2})
	assert.Error(t, err)
	_, err = NewDecider(Config{MinConfidence: 0.8, Cooldown: -time.Second})
	assert.Error(t, err)
}

// feed runs labels through a tracker wired to the decider and returns the alerts.
func feed(t *testing.T, tr *tracker.Tracker, d *Decider, start int, labels ...hive.Label) []*hive.AlertEvent {
	t.Helper()
	var alerts []*hive.AlertEvent
	for i, l := range labels {
		n := start + i
		out, err := tr.Update(context.Background(), tracker.Observation{
			Key:        fmt.Sprintf("HIVE-7@%d", n),
			DeviceID:   "HIVE-7",
			Timestamp:  t0.Add(time.Duration(n) * 4 * time.Minute),
			Label:      l,
			Confidence: 0.92,
		}, d.Hook(nil))
		require.NoError(t, err)
		if out.Alert != nil {
			alerts = append(alerts, out.Alert)
		}
	}
	return alerts
}

func TestHookWithTracker(t *testing.T) {
	d, err := NewDecider(DefaultConfig())
	require.NoError(t, err)
	tr, err := tracker.New(tracker.DefaultConfig(), memory.New())
	require.NoError(t, err)

	S, N := hive.LabelSwarming, hive.LabelNormal

	// Samples every 4 minutes: flip to swarming at sample 2 (t0+8m).
	alerts := feed(t, tr, d, 0, S, S, S)
	require.Len(t, alerts, 1)
	assert.Equal(t, t0.Add(8*time.Minute), alerts[0].Timestamp)

	// Recover at sample 5, flip back to swarming at sample 8 (t0+32m): inside cooldown.
	alerts = feed(t, tr, d, 3, N, N, N, S, S, S)
	assert.Empty(t, alerts)

	// Recover at 11, flip back at 14 (t0+56m): cooldown has expired.
	alerts = feed(t, tr, d, 9, N, N, N, S, S, S)
	require.Len(t, alerts, 1)
	assert.Equal(t, t0.Add(56*time.Minute), alerts[0].Timestamp)
}

func TestHookObservesDecisions(t *testing.T) {
	d, err := NewDecider(DefaultConfig())
	require.NoError(t, err)

	var got []Decision
	hook := d.Hook(func(dec Decision) { got = append(got, dec) })

	state := hive.NewHiveState("HIVE-7")
	alert := hook(state, &hive.Transition{To: hive.LabelDistress, At: t0, Confidence: 0.95})
	require.NotNil(t, alert)
	assert.Equal(t, t0, state.LastAlertTime)

	alert = hook(state, &hive.Transition{To: hive.LabelNormal, At: t0.Add(time.Minute), Confidence: 0.95})
	assert.Nil(t, alert)
	assert.Equal(t, t0, state.LastAlertTime)

	require.Len(t, got, 2)
	assert.Equal(t, ReasonEmitted, got[0].Reason)
	assert.Equal(t, ReasonRecovery, got[1].Reason)
}

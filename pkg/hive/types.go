// Package hive defines the data model shared by the hive monitoring pipeline.
package hive

import (
	"fmt"
	"math"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// Label is a hive behavior class.
type Label string

// Behavior labels.
const (
	LabelNormal   Label = "normal"
	LabelSwarming Label = "swarming"
	LabelDistress Label = "distress"
	LabelUnknown  Label = "unknown"
)

// Labels lists every label in canonical order.
var Labels = []Label{LabelNormal, LabelSwarming, LabelDistress, LabelUnknown}

// Valid reports whether l is one of the known labels.
func (l Label) Valid() bool {
	switch l {
	case LabelNormal, LabelSwarming, LabelDistress, LabelUnknown:
		return true
	}
	return false
}

// Abnormal reports whether l is a label that warrants paging.
func (l Label) Abnormal() bool {
	return l == LabelSwarming || l == LabelDistress
}

var deviceIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// SensorSample is one upload from a hive sensor. It is treated as immutable.
type SensorSample struct {
	DeviceID    string    `json:"device_id"`
	Timestamp   time.Time `json:"timestamp"`
	SampleID    string    `json:"sample_id,omitempty"`
	Waveform    []float64 `json:"waveform,omitempty"`
	SampleRate  int       `json:"sample_rate,omitempty"`
	Temperature float64   `json:"temperature"`
	Humidity    float64   `json:"humidity"`
	Pesticide   *float64  `json:"pesticide_level,omitempty"`
}

// Key returns the sample identity used for deduplication.
func (s SensorSample) Key() string {
	if s.SampleID != "" {
		return s.DeviceID + "@" + s.SampleID
	}
	return s.DeviceID + "@" + s.Timestamp.UTC().Format(time.RFC3339Nano)
}

// Identifiable reports whether the sample carries a usable identity, so a
// result can be recorded for it even when other fields are invalid.
func (s SensorSample) Identifiable() bool {
	return deviceIDPattern.MatchString(s.DeviceID) && !s.Timestamp.IsZero()
}

// Validate checks the required fields of a sample.
func (s SensorSample) Validate() error {
	if !deviceIDPattern.MatchString(s.DeviceID) {
		return fmt.Errorf("%w: device id %q", ErrInput, s.DeviceID)
	}
	if s.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp is required", ErrInput)
	}
	if s.SampleRate < 0 {
		return fmt.Errorf("%w: negative sample rate %d", ErrInput, s.SampleRate)
	}
	if !finite(s.Temperature) || !finite(s.Humidity) {
		return fmt.Errorf("%w: non-finite environmental reading", ErrInput)
	}
	if s.Pesticide != nil && !finite(*s.Pesticide) {
		return fmt.Errorf("%w: non-finite pesticide level", ErrInput)
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// FeatureVector is an ordered feature list whose layout is fixed by the extractor schema.
type FeatureVector []float64

// ClassificationResult is the output of a classifier for one feature vector.
type ClassificationResult struct {
	Label      Label             `json:"label"`
	Confidence float64           `json:"confidence"`
	Scores     map[Label]float64 `json:"scores"`
	// Degraded marks results from the rule-based fallback.
	Degraded bool   `json:"degraded"`
	Model    string `json:"model"`
}

// HiveState is the persisted per-device hysteresis record.
type HiveState struct {
	DeviceID           string    `json:"device_id"`
	StableLabel        Label     `json:"stable_label"`
	PendingLabel       Label     `json:"pending_label,omitempty"`
	PendingCount       int       `json:"pending_count"`
	LastTransitionTime time.Time `json:"last_transition_time,omitempty"`
	LastAlertTime      time.Time `json:"last_alert_time,omitempty"`
	LastSampleTime     time.Time `json:"last_sample_time,omitempty"`
	// Recent holds the identities of the most recently applied samples, oldest first.
	Recent []string `json:"recent,omitempty"`
	// Unsettled holds the outcome of applied samples whose result is not stored yet.
	Unsettled []Unsettled `json:"unsettled,omitempty"`
	// Version is the store revision the state was read at; 0 means never persisted.
	Version uint64 `json:"-"`
}

// NewHiveState returns the state of a device that has not reported yet.
func NewHiveState(deviceID string) *HiveState {
	return &HiveState{
		DeviceID:    deviceID,
		StableLabel: LabelUnknown,
	}
}

// Clone returns a deep copy of the state.
func (s *HiveState) Clone() *HiveState {
	c := *s
	if s.Recent != nil {
		c.Recent = append([]string(nil), s.Recent...)
	}
	if s.Unsettled != nil {
		c.Unsettled = make([]Unsettled, len(s.Unsettled))
		for i, u := range s.Unsettled {
			c.Unsettled[i] = u
			if u.Alert != nil {
				alert := *u.Alert
				c.Unsettled[i].Alert = &alert
			}
		}
	}
	return &c
}

// UnsettledFor returns the pending outcome recorded for a sample identity.
func (s *HiveState) UnsettledFor(key string) (Unsettled, bool) {
	for _, u := range s.Unsettled {
		if u.Key == key {
			return u, true
		}
	}
	return Unsettled{}, false
}

// Unsettled is what applying a sample did to the hive state, kept until the
// sample's result is stored so that a redelivery can finish the job.
type Unsettled struct {
	Key          string      `json:"key"`
	StableLabel  Label       `json:"stable_label"`
	Transitioned bool        `json:"transitioned"`
	Alert        *AlertEvent `json:"alert,omitempty"`
}

// Seen reports whether a sample identity has already been applied.
func (s *HiveState) Seen(key string) bool {
	for _, k := range s.Recent {
		if k == key {
			return true
		}
	}
	return false
}

// Transition records a change of the stable label.
type Transition struct {
	From       Label     `json:"from"`
	To         Label     `json:"to"`
	At         time.Time `json:"at"`
	Confidence float64   `json:"confidence"`
}

// AlertEvent is handed to the notification channels.
type AlertEvent struct {
	ID         string    `json:"id"`
	DeviceID   string    `json:"device_id"`
	From       Label     `json:"from_label"`
	To         Label     `json:"to_label"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
}

var alertNamespace = uuid.MustParse("5b1f5c0e-3a57-4d4e-9a8e-4f2b7d8c9e10")

// NewAlertEvent builds an alert whose ID is derived from the device, target label and
// transition time, so the same transition always yields the same ID.
func NewAlertEvent(deviceID string, tr Transition) *AlertEvent {
	name := fmt.Sprintf("%s|%s|%d", deviceID, tr.To, tr.At.UnixNano())
	return &AlertEvent{
		ID:         uuid.NewSHA1(alertNamespace, []byte(name)).String(),
		DeviceID:   deviceID,
		From:       tr.From,
		To:         tr.To,
		Confidence: tr.Confidence,
		Timestamp:  tr.At,
	}
}

// Result statuses.
const (
	StatusOK       = "ok"
	StatusRejected = "rejected"
)

// Result is the persisted record of one processed sample.
type Result struct {
	ID           string            `json:"id"`
	Key          string            `json:"key"`
	DeviceID     string            `json:"device_id"`
	Timestamp    time.Time         `json:"timestamp"`
	Label        Label             `json:"label,omitempty"`
	Confidence   float64           `json:"confidence"`
	Scores       map[Label]float64 `json:"scores,omitempty"`
	StableLabel  Label             `json:"stable_label,omitempty"`
	Transitioned bool              `json:"transitioned"`
	AlertEmitted bool              `json:"alert_emitted"`
	Degraded     bool              `json:"degraded"`
	Status       string            `json:"status"`
	ErrorKind    string            `json:"error_kind,omitempty"`
	Error        string            `json:"error,omitempty"`
	ProcessedAt  time.Time         `json:"processed_at"`
}

var resultNamespace = uuid.MustParse("0e8d6a4b-71c2-4f0e-b3a5-2d9c6e1f8a47")

// ResultID derives the stable result identifier for a sample key.
func ResultID(key string) string {
	return uuid.NewSHA1(resultNamespace, []byte(key)).String()
}

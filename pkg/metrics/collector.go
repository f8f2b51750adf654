// Package metrics exposes pipeline counters to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector records pipeline metrics. A nil *Collector records nothing.
type Collector struct {
	samples         *prometheus.CounterVec
	classifications *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	alerts          *prometheus.CounterVec
	notifications   *prometheus.CounterVec
	deadLetters     prometheus.Counter
	schemaMismatch  prometheus.Counter
	stateConflicts  prometheus.Counter
	duration        prometheus.Histogram
}

// NewCollector registers the pipeline metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		samples: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hivesense_samples_total",
				Help: "Samples processed by outcome",
			},
			[]string{"outcome"},
		),
		classifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hivesense_classifications_total",
				Help: "Classifications by label and strategy",
			},
			[]string{"label", "strategy"},
		),
		transitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hivesense_transitions_total",
				Help: "Stable label transitions by target label",
			},
			[]string{"to"},
		),
		alerts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hivesense_alert_decisions_total",
				Help: "Alert decisions by reason",
			},
			[]string{"reason"},
		),
		notifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hivesense_notifications_total",
				Help: "Notification deliveries by channel and status",
			},
			[]string{"channel", "status"},
		),
		deadLetters: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "hivesense_dead_letters_total",
				Help: "Samples handed to the dead-letter sink",
			},
		),
		schemaMismatch: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "hivesense_schema_mismatch_total",
				Help: "Feature vectors rejected for not matching the classifier input",
			},
		),
		stateConflicts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "hivesense_state_conflicts_total",
				Help: "Hive state updates that exhausted their conflict retries",
			},
		),
		duration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "hivesense_process_duration_seconds",
				Help:    "Time to process one sample",
				Buckets: prometheus.DefBuckets,
			},
		),
	}
}

// RecordSample records the outcome of one sample.
func (c *Collector) RecordSample(outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.samples.WithLabelValues(outcome).Inc()
	c.duration.Observe(d.Seconds())
}

// RecordClassification records a classifier verdict.
func (c *Collector) RecordClassification(label, strategy string) {
	if c == nil {
		return
	}
	c.classifications.WithLabelValues(label, strategy).Inc()
}

// RecordTransition records a stable label change.
func (c *Collector) RecordTransition(to string) {
	if c == nil {
		return
	}
	c.transitions.WithLabelValues(to).Inc()
}

// RecordAlertDecision records why a transition did or did not page.
func (c *Collector) RecordAlertDecision(reason string) {
	if c == nil {
		return
	}
	c.alerts.WithLabelValues(reason).Inc()
}

// RecordNotification records a delivery attempt result for a channel.
func (c *Collector) RecordNotification(channel string, err error) {
	if c == nil {
		return
	}
	status := "sent"
	if err != nil {
		status = "failed"
	}
	c.notifications.WithLabelValues(channel, status).Inc()
}

// RecordDeadLetter records a dead-lettered sample.
func (c *Collector) RecordDeadLetter() {
	if c == nil {
		return
	}
	c.deadLetters.Inc()
}

// RecordSchemaMismatch records a feature schema mismatch.
func (c *Collector) RecordSchemaMismatch() {
	if c == nil {
		return
	}
	c.schemaMismatch.Inc()
}

// RecordStateConflict records an update that gave up on version conflicts.
func (c *Collector) RecordStateConflict() {
	if c == nil {
		return
	}
	c.stateConflicts.Inc()
}

// Package processor runs one sensor sample through the pipeline end to end.
package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hed1ad/hivesense/pkg/alerting"
	"github.com/hed1ad/hivesense/pkg/classifiers"
	"github.com/hed1ad/hivesense/pkg/hive"
	"github.com/hed1ad/hivesense/pkg/metrics"
	"github.com/hed1ad/hivesense/pkg/retry"
	"github.com/hed1ad/hivesense/pkg/store"
	"github.com/hed1ad/hivesense/pkg/tracker"
)

// ErrDeadLettered marks a transient failure whose sample was accepted by the
// dead-letter sink. It wraps the failure, so hive.IsTransient still holds.
var ErrDeadLettered = errors.New("sample dead-lettered")

// Extractor turns a sample into a feature vector.
type Extractor interface {
	Extract(sample hive.SensorSample) (hive.FeatureVector, error)
}

// Notifier delivers alert events.
type Notifier interface {
	Dispatch(ctx context.Context, alert *hive.AlertEvent) error
}

// DeadLetter receives samples whose transient failures outlived the retry budget.
type DeadLetter interface {
	Publish(ctx context.Context, sample hive.SensorSample, cause error) error
}

// Processor orchestrates extraction, classification, hysteresis, alerting and persistence.
type Processor struct {
	extractor  Extractor
	classifier classifiers.Classifier
	tracker    *tracker.Tracker
	decider    *alerting.Decider
	results    store.ResultStore
	notifier   Notifier
	deadLetter DeadLetter
	policy     *retry.Policy
	metrics    *metrics.Collector
	logger     *zap.Logger
	now        func() time.Time
}

// Option configures a Processor.
type Option func(*Processor)

// WithNotifier sets the alert notifier.
func WithNotifier(n Notifier) Option {
	return func(p *Processor) {
		p.notifier = n
	}
}

// WithDeadLetter sets the dead-letter sink.
func WithDeadLetter(d DeadLetter) Option {
	return func(p *Processor) {
		p.deadLetter = d
	}
}

// WithRetry sets the policy for transient failures.
func WithRetry(policy *retry.Policy) Option {
	return func(p *Processor) {
		p.policy = policy
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(p *Processor) {
		p.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithClock overrides the processing timestamp source.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) {
		p.now = now
	}
}

// New creates a processor.
func New(
	extractor Extractor,
	classifier classifiers.Classifier,
	tr *tracker.Tracker,
	decider *alerting.Decider,
	results store.ResultStore,
	opts ...Option,
) *Processor {
	p := &Processor{
		extractor:  extractor,
		classifier: classifier,
		tracker:    tr,
		decider:    decider,
		results:    results,
		policy:     retry.New(retry.WithMaxAttempts(4), retry.WithInitialDelay(200*time.Millisecond)),
		logger:     zap.NewNop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process handles one sample. It returns the stored result for the sample,
// including a rejected result for permanent failures, which are returned
// alongside it. Transient failures are retried, then dead-lettered and returned;
// the error wraps ErrDeadLettered only if the dead-letter sink took the sample.
// Replaying a processed sample returns the stored result and error without side effects.
func (p *Processor) Process(ctx context.Context, sample hive.SensorSample) (*hive.Result, error) {
	start := time.Now()

	if err := sample.Validate(); err != nil {
		return p.rejected(ctx, sample, err, start)
	}

	var res *hive.Result
	err := p.policy.Execute(ctx, func() error {
		var err error
		res, err = p.attempt(ctx, sample)
		if err != nil && !hive.IsTransient(err) {
			return retry.NonRetryable(err)
		}
		return err
	})
	err = unwrapNonRetryable(err)

	switch {
	case err == nil:
		p.metrics.RecordSample(res.Status, time.Since(start))
		return res, nil

	case hive.IsPermanent(err) && res != nil:
		// Replay of a rejected sample.
		p.metrics.RecordSample(res.Status, time.Since(start))
		return res, err

	case hive.IsPermanent(err):
		return p.rejected(ctx, sample, err, start)

	case hive.IsTransient(err):
		p.metrics.RecordSample("dead_letter", time.Since(start))
		if errors.Is(err, tracker.ErrConflict) {
			p.metrics.RecordStateConflict()
		}
		if p.deadLetterSample(ctx, sample, err) {
			return nil, fmt.Errorf("%w: %w", ErrDeadLettered, err)
		}
		return nil, err

	default:
		p.metrics.RecordSample("failed", time.Since(start))
		return nil, err
	}
}

// attempt runs the pipeline once.
func (p *Processor) attempt(ctx context.Context, sample hive.SensorSample) (*hive.Result, error) {
	key := sample.Key()
	log := p.logger.With(zap.String("device_id", sample.DeviceID), zap.String("key", key))

	stored, err := p.results.GetResult(ctx, key)
	switch {
	case err == nil:
		log.Debug("sample already processed")
		return stored, hive.RejectionOf(stored)
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("%w: lookup result: %v", hive.ErrStorageTransient, err)
	}

	features, err := p.extractor.Extract(sample)
	if err != nil {
		return nil, err
	}

	cls, err := p.classifier.Predict(features)
	if err != nil {
		if errors.Is(err, hive.ErrSchemaMismatch) {
			p.metrics.RecordSchemaMismatch()
			log.Error("feature schema does not match classifier; check model and extractor configuration",
				zap.String("classifier", p.classifier.Name()),
				zap.Int("features", len(features)),
				zap.Int("expected", p.classifier.InputSize()),
				zap.Error(err))
		}
		return nil, err
	}
	p.metrics.RecordClassification(string(cls.Label), cls.Model)

	var decision alerting.Decision
	hook := p.decider.Hook(func(d alerting.Decision) { decision = d })

	out, err := p.tracker.Update(ctx, tracker.Observe(sample, cls), hook)
	if err != nil {
		return nil, err
	}

	if out.Duplicate {
		stored, err := p.results.GetResult(ctx, key)
		switch {
		case err == nil:
			return stored, hive.RejectionOf(stored)
		case !errors.Is(err, store.ErrNotFound):
			return nil, fmt.Errorf("%w: lookup result: %v", hive.ErrStorageTransient, err)
		}
		// Applied by an earlier or concurrent invocation that has not stored
		// the result. Finish from the outcome the state recorded.
		log.Info("completing applied sample with no stored result")
	} else if out.Transition != nil {
		p.metrics.RecordTransition(string(out.Transition.To))
		p.metrics.RecordAlertDecision(decision.Reason)
		log.Info("stable label changed",
			zap.String("from", string(out.Transition.From)),
			zap.String("to", string(out.Transition.To)),
			zap.Float64("confidence", out.Transition.Confidence),
			zap.String("alert", decision.Reason))
	}

	outcome, ok := out.State.UnsettledFor(key)
	if !ok {
		// Settled, but the result is gone from the store.
		outcome = hive.Unsettled{Key: key, StableLabel: out.State.StableLabel}
	}

	res := &hive.Result{
		ID:           hive.ResultID(key),
		Key:          key,
		DeviceID:     sample.DeviceID,
		Timestamp:    sample.Timestamp,
		Label:        cls.Label,
		Confidence:   cls.Confidence,
		Scores:       cls.Scores,
		StableLabel:  outcome.StableLabel,
		Transitioned: outcome.Transitioned,
		AlertEmitted: outcome.Alert != nil,
		Degraded:     cls.Degraded,
		Status:       hive.StatusOK,
		ProcessedAt:  p.now().UTC(),
	}

	if err := p.save(ctx, res); err != nil {
		if !errors.Is(err, store.ErrDuplicate) {
			return nil, fmt.Errorf("%w: append result: %v", hive.ErrStorageTransient, err)
		}
		// The invocation that stored the result owns the alert.
		existing, gerr := p.results.GetResult(ctx, key)
		if gerr != nil {
			return res, nil
		}
		return existing, hive.RejectionOf(existing)
	}

	if outcome.Alert != nil {
		p.notify(ctx, outcome.Alert)
	}
	if err := p.tracker.Settle(ctx, sample.DeviceID, key); err != nil {
		log.Warn("settle hive state", zap.Error(err))
	}

	return res, nil
}

func (p *Processor) notify(ctx context.Context, alert *hive.AlertEvent) {
	if p.notifier == nil {
		p.logger.Warn("alert emitted with no notifier configured",
			zap.String("alert_id", alert.ID),
			zap.String("device_id", alert.DeviceID))
		return
	}
	if err := p.notifier.Dispatch(ctx, alert); err != nil {
		p.logger.Error("alert notification failed",
			zap.String("alert_id", alert.ID),
			zap.String("device_id", alert.DeviceID),
			zap.Error(err))
	}
}

// Reject records a permanent failure for a sample that never reached the
// pipeline, such as an upload whose body failed to decode but whose key names
// the device and time. It returns the rejected result, if any, and cause.
func (p *Processor) Reject(ctx context.Context, sample hive.SensorSample, cause error) (*hive.Result, error) {
	return p.rejected(ctx, sample, cause, time.Now())
}

// rejected handles a permanent failure. Samples without a usable identity are
// only logged; others get a rejected result.
func (p *Processor) rejected(ctx context.Context, sample hive.SensorSample, cause error, start time.Time) (*hive.Result, error) {
	defer func() { p.metrics.RecordSample("rejected", time.Since(start)) }()

	if !sample.Identifiable() {
		p.logger.Warn("rejecting unidentifiable sample",
			zap.String("device_id", sample.DeviceID),
			zap.Error(cause))
		return nil, cause
	}
	res, err := p.reject(ctx, sample, cause)
	if err != nil {
		return nil, errors.Join(cause, err)
	}
	return res, cause
}

// reject records a rejected result for a permanently failing sample.
func (p *Processor) reject(ctx context.Context, sample hive.SensorSample, cause error) (*hive.Result, error) {
	key := sample.Key()
	p.logger.Warn("rejecting sample",
		zap.String("device_id", sample.DeviceID),
		zap.String("key", key),
		zap.String("kind", hive.KindOf(cause)),
		zap.Error(cause))

	res := &hive.Result{
		ID:          hive.ResultID(key),
		Key:         key,
		DeviceID:    sample.DeviceID,
		Timestamp:   sample.Timestamp,
		Status:      hive.StatusRejected,
		ErrorKind:   hive.KindOf(cause),
		Error:       cause.Error(),
		ProcessedAt: p.now().UTC(),
	}

	if err := p.save(ctx, res); err != nil && !errors.Is(err, store.ErrDuplicate) {
		return nil, fmt.Errorf("%w: record rejection: %v", hive.ErrStorageTransient, err)
	}
	return res, nil
}

// save appends res, retrying store failures. store.ErrDuplicate is returned at once.
func (p *Processor) save(ctx context.Context, res *hive.Result) error {
	err := p.policy.Execute(ctx, func() error {
		err := p.results.AppendResult(ctx, res)
		if errors.Is(err, store.ErrDuplicate) {
			return retry.NonRetryable(err)
		}
		return err
	})
	return unwrapNonRetryable(err)
}

// deadLetterSample hands an exhausted sample to the dead-letter sink and
// reports whether the sink accepted it.
func (p *Processor) deadLetterSample(ctx context.Context, sample hive.SensorSample, cause error) bool {
	p.logger.Error("sample exhausted retries",
		zap.String("device_id", sample.DeviceID),
		zap.String("key", sample.Key()),
		zap.Error(cause))

	if p.deadLetter == nil {
		return false
	}
	// The caller's context may be the reason for giving up.
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := p.deadLetter.Publish(dctx, sample, cause); err != nil {
		p.logger.Error("dead-letter publish failed",
			zap.String("key", sample.Key()),
			zap.Error(err))
		return false
	}
	p.metrics.RecordDeadLetter()
	return true
}

func unwrapNonRetryable(err error) error {
	var nre *retry.NonRetryableError
	if errors.As(err, &nre) {
		return nre.Err
	}
	return err
}

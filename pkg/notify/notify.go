// Package notify delivers alert events to beekeepers over SMS and email.
package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hed1ad/hivesense/pkg/hive"
	"github.com/hed1ad/hivesense/pkg/metrics"
	"github.com/hed1ad/hivesense/pkg/retry"
)

// Channel is one delivery route for alerts.
type Channel interface {
	Name() string
	Send(ctx context.Context, alert *hive.AlertEvent) error
}

// Subject returns the email subject line for an alert.
func Subject(alert *hive.AlertEvent) string {
	return fmt.Sprintf("Beehive Alert: %s Detected", strings.ToUpper(string(alert.To)))
}

// Message returns the alert text shared by all channels.
func Message(alert *hive.AlertEvent) string {
	return fmt.Sprintf("Beehive Alert!\nDetected %s behavior on %s\nConfidence: %.0f%%\nAt: %s",
		strings.ToUpper(string(alert.To)),
		alert.DeviceID,
		alert.Confidence*100,
		alert.Timestamp.UTC().Format(time.RFC3339))
}

// Dispatcher sends each alert to every channel, retrying each independently.
type Dispatcher struct {
	channels []Channel
	limiter  *rate.Limiter
	policy   *retry.Policy
	metrics  *metrics.Collector
	logger   *zap.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithRateLimit caps outgoing notifications per second across channels.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(d *Dispatcher) {
		d.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithRetry sets the per-channel retry policy.
func WithRetry(p *retry.Policy) Option {
	return func(d *Dispatcher) {
		d.policy = p
	}
}

// WithMetrics records delivery outcomes.
func WithMetrics(m *metrics.Collector) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// NewDispatcher creates a dispatcher over channels.
func NewDispatcher(channels []Channel, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		channels: channels,
		limiter:  rate.NewLimiter(rate.Inf, 0),
		policy:   retry.New(retry.WithMaxAttempts(3), retry.WithInitialDelay(500*time.Millisecond)),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Channels returns the configured channel names.
func (d *Dispatcher) Channels() []string {
	names := make([]string, len(d.channels))
	for i, c := range d.channels {
		names[i] = c.Name()
	}
	return names
}

// Dispatch delivers alert on every channel. Failures are joined and wrapped
// in hive.ErrNotification; a failing channel does not stop the others.
func (d *Dispatcher) Dispatch(ctx context.Context, alert *hive.AlertEvent) error {
	var errs []error

	for _, ch := range d.channels {
		err := d.policy.Execute(ctx, func() error {
			if err := d.limiter.Wait(ctx); err != nil {
				return retry.NonRetryable(err)
			}
			return ch.Send(ctx, alert)
		})
		d.metrics.RecordNotification(ch.Name(), err)

		if err != nil {
			d.logger.Error("alert delivery failed",
				zap.String("channel", ch.Name()),
				zap.String("alert_id", alert.ID),
				zap.String("device_id", alert.DeviceID),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", ch.Name(), err))
			continue
		}
		d.logger.Info("alert delivered",
			zap.String("channel", ch.Name()),
			zap.String("alert_id", alert.ID),
			zap.String("device_id", alert.DeviceID),
			zap.String("to", string(alert.To)))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", hive.ErrNotification, errors.Join(errs...))
	}
	return nil
}

// checkResponse turns a provider response into an error. Client errors other
// than throttling are not retried.
func checkResponse(provider string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err := fmt.Errorf("%s: status %d: %s", provider, resp.StatusCode, strings.TrimSpace(string(body)))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return retry.NonRetryable(err)
	}
	return err
}

package hive

import (
	"context"
	"errors"
)

// Pipeline error kinds. Callers wrap them with fmt.Errorf("%w: ...") and
// classify with IsTransient, IsPermanent and KindOf.
var (
	ErrInput               = errors.New("invalid input")
	ErrFeatureExtraction   = errors.New("feature extraction failed")
	ErrInsufficientSamples = errors.New("insufficient samples")
	ErrSchemaMismatch      = errors.New("feature schema mismatch")
	ErrModelUnavailable    = errors.New("model unavailable")
	ErrStorageTransient    = errors.New("storage unavailable")
	ErrNotification        = errors.New("notification failed")
)

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrStorageTransient) || errors.Is(err, ErrNotification)
}

// IsPermanent reports whether err is a rejection that must not be retried.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrInput) ||
		errors.Is(err, ErrFeatureExtraction) ||
		errors.Is(err, ErrInsufficientSamples) ||
		errors.Is(err, ErrSchemaMismatch)
}

// KindOf returns a short stable name for the error kind, used in persisted results and metrics.
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInput):
		return "input"
	case errors.Is(err, ErrInsufficientSamples):
		return "insufficient_samples"
	case errors.Is(err, ErrFeatureExtraction):
		return "feature_extraction"
	case errors.Is(err, ErrSchemaMismatch):
		return "schema_mismatch"
	case errors.Is(err, ErrModelUnavailable):
		return "model_unavailable"
	case errors.Is(err, ErrStorageTransient):
		return "storage_transient"
	case errors.Is(err, ErrNotification):
		return "notification"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "internal"
	}
}

var kinds = map[string]error{
	"input":                ErrInput,
	"insufficient_samples": ErrInsufficientSamples,
	"feature_extraction":   ErrFeatureExtraction,
	"schema_mismatch":      ErrSchemaMismatch,
}

// RejectionOf rebuilds the error recorded in a rejected result, so a replay
// reports the same message and kind as the original rejection. It returns nil
// for results that were not rejected.
func RejectionOf(res *Result) error {
	if res == nil || res.Status != StatusRejected {
		return nil
	}
	kind, ok := kinds[res.ErrorKind]
	if !ok {
		kind = ErrInput
	}
	msg := res.Error
	if msg == "" {
		msg = kind.Error()
	}
	return &recordedError{kind: kind, msg: msg}
}

type recordedError struct {
	kind error
	msg  string
}

func (e *recordedError) Error() string { return e.msg }

func (e *recordedError) Unwrap() error { return e.kind }

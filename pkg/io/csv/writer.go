// Package csv writes processed results as CSV for offline analysis.
package csv

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/hed1ad/hivesense/pkg/hive"
)

// Columns is the header row.
var Columns = []string{
	"id", "key", "device_id", "timestamp", "status", "label", "confidence",
	"score_normal", "score_swarming", "score_distress",
	"stable_label", "transitioned", "alert_emitted", "degraded", "error_kind", "error",
}

// Writer writes results to a CSV stream. It is safe for concurrent use.
type Writer struct {
	mu        sync.Mutex
	closer    io.Closer
	writer    *csv.Writer
	hasHeader bool
	wroteHead bool
}

// Option configures a CSV writer.
type Option func(*Writer)

// WithHeader controls whether a header row is written.
func WithHeader(has bool) Option {
	return func(w *Writer) {
		w.hasHeader = has
	}
}

// NewWriter creates a writer over out. out is closed by Close when it is an io.Closer.
func NewWriter(out io.Writer, opts ...Option) *Writer {
	w := &Writer{
		writer:    csv.NewWriter(out),
		hasHeader: true,
	}
	if c, ok := out.(io.Closer); ok {
		w.closer = c
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Create opens filename for writing, truncating it.
func Create(filename string, opts ...Option) (*Writer, error) {
	file, err := os.Create(filename)
	if err != nil {
		return nil, err
	}
	return NewWriter(file, opts...), nil
}

// Write outputs a single result.
func (w *Writer) Write(result *hive.Result) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writeRecord(result); err != nil {
		return err
	}
	w.writer.Flush()
	return w.writer.Error()
}

// WriteAll outputs multiple results.
func (w *Writer) WriteAll(results []*hive.Result) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, r := range results {
		if err := w.writeRecord(r); err != nil {
			return err
		}
	}
	w.writer.Flush()
	return w.writer.Error()
}

// Close flushes buffered rows and releases resources.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.writer.Flush()
	if err := w.writer.Error(); err != nil {
		return err
	}
	if w.closer != nil {
		return w.closer.Close()
	}
	return nil
}

func (w *Writer) writeRecord(r *hive.Result) error {
	if w.hasHeader && !w.wroteHead {
		if err := w.writer.Write(Columns); err != nil {
			return err
		}
		w.wroteHead = true
	}
	if err := w.writer.Write(formatRow(r)); err != nil {
		return fmt.Errorf("write result %s: %w", r.Key, err)
	}
	return nil
}

// formatRow converts a result to string fields in Columns order.
func formatRow(r *hive.Result) []string {
	score := func(l hive.Label) string {
		if r.Scores == nil {
			return ""
		}
		return formatFloat(r.Scores[l])
	}
	return []string{
		r.ID,
		r.Key,
		r.DeviceID,
		r.Timestamp.UTC().Format(time.RFC3339Nano),
		r.Status,
		string(r.Label),
		formatFloat(r.Confidence),
		score(hive.LabelNormal),
		score(hive.LabelSwarming),
		score(hive.LabelDistress),
		string(r.StableLabel),
		strconv.FormatBool(r.Transitioned),
		strconv.FormatBool(r.AlertEmitted),
		strconv.FormatBool(r.Degraded),
		r.ErrorKind,
		r.Error,
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}

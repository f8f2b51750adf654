// Package io provides sample ingestion and result output for the pipeline.
package io

import (
	"context"

	"github.com/hed1ad/hivesense/pkg/hive"
)

// Disposition tells a source what to do with a delivery once handled.
type Disposition int

const (
	// Ack removes the delivery from the source.
	Ack Disposition = iota
	// Requeue returns the delivery to the source for another attempt.
	Requeue
	// Reject drops the delivery without redelivery.
	Reject
)

func (d Disposition) String() string {
	switch d {
	case Ack:
		return "ack"
	case Requeue:
		return "requeue"
	case Reject:
		return "reject"
	}
	return "unknown"
}

// Delivery is one raw sample payload read from a source.
type Delivery struct {
	// Key identifies the payload at its source (object key, message id, file path).
	Key  string
	Body []byte

	settle func(ctx context.Context, d Disposition) error
}

// NewDelivery creates a delivery. settle may be nil for sources without acknowledgement.
func NewDelivery(key string, body []byte, settle func(ctx context.Context, d Disposition) error) Delivery {
	return Delivery{Key: key, Body: body, settle: settle}
}

// Settle reports how the delivery was handled.
func (d Delivery) Settle(ctx context.Context, disp Disposition) error {
	if d.settle == nil {
		return nil
	}
	return d.settle(ctx, disp)
}

// Source is the interface for reading sample payloads from various transports.
type Source interface {
	// Stream returns a channel of deliveries for real-time processing.
	// The channel closes when the source is drained or ctx is done.
	Stream(ctx context.Context) (<-chan Delivery, error)

	// Close releases resources.
	Close() error
}

// Writer is the interface for writing processed results.
type Writer interface {
	// Write outputs a single result.
	Write(result *hive.Result) error

	// WriteAll outputs multiple results.
	WriteAll(results []*hive.Result) error

	// Close flushes and releases resources.
	Close() error
}

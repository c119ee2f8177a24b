// Package sink stores poll samples outside the process: a SQLite history
// database, an MQTT broker or a CSV file.
package sink

import (
	"context"
	"errors"

	"github.com/tonylturner/scadasim/internal/poller"
)

// Sink receives batches of samples. Implementations are safe for concurrent
// use by several slave goroutines.
type Sink interface {
	Publish(ctx context.Context, samples []poller.Sample) error
	Close() error
}

// Multi fans a batch out to several sinks.
type Multi []Sink

// Publish hands the batch to every sink and joins their errors.
func (m Multi) Publish(ctx context.Context, samples []poller.Sample) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, samples); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink.
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Package acqlog records completed acquisitions: a CSV file per device on
// local disk and, optionally, a Redis feed for downstream consumers.
package acqlog

import (
	"context"
	"errors"

	"github.com/srg/beegate/internal/session"
)

// Sink is an acquisition log destination.
type Sink interface {
	session.Sink
	Close() error
}

// Multi fans a record out to every sink. All sinks are attempted; the joined
// error reports every failure.
type Multi []Sink

var _ Sink = Multi(nil)

func (m Multi) Append(ctx context.Context, rec session.Record) error {
	var errs []error
	for _, s := range m {
		if err := s.Append(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

package sink

import (
	"context"
	"errors"
)

// Fanout publishes each message to every sink in order. A message counts as
// published only when all sinks acknowledged it; a retry may redeliver it to
// sinks that already did.
type Fanout struct {
	sinks []Sink
}

func NewFanout(sinks ...Sink) *Fanout {
	return &Fanout{sinks: sinks}
}

func (f *Fanout) Publish(ctx context.Context, msg Message) error {
	for _, s := range f.sinks {
		if err := s.Publish(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func (f *Fanout) Close() error {
	var errs []error
	for _, s := range f.sinks {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}

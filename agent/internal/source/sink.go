package source

import (
	"context"
	"errors"

	"github.com/millillitre/alumet/pkg/types"
)

// Sink receives the points of each successful poll, in API order.
// A non-nil error keeps the watermark where it was, so the same window is
// requested and emitted again on the next poll.
type Sink interface {
	Emit(ctx context.Context, points []types.Point) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, points []types.Point) error

// Emit calls f.
func (f SinkFunc) Emit(ctx context.Context, points []types.Point) error {
	return f(ctx, points)
}

// Tee returns a Sink that hands every batch to each sink in order. All sinks
// are called even when one fails; the failures are joined.
func Tee(sinks ...Sink) Sink {
	return SinkFunc(func(ctx context.Context, points []types.Point) error {
		var errs []error
		for _, s := range sinks {
			if err := s.Emit(ctx, points); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

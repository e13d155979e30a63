// Package backoff implements truncated exponential backoff with jitter.
package backoff

import (
	"context"
	"math/rand"
	"time"
)

const multiplier = 2.0

// Backoff yields successive wait durations starting at Initial, doubling up
// to Max, each with ±25% jitter. The zero value is not usable; call New.
type Backoff struct {
	initial time.Duration
	max     time.Duration
	current time.Duration
}

// New returns a Backoff starting at initial and capped at ceiling.
func New(initial, ceiling time.Duration) *Backoff {
	if ceiling < initial {
		ceiling = initial
	}
	return &Backoff{initial: initial, max: ceiling, current: initial}
}

// Next returns the current backoff duration and advances the internal state.
// The result never exceeds Max.
func (b *Backoff) Next() time.Duration {
	d := b.current
	jitter := time.Duration(float64(b.current) * 0.25 * (rand.Float64()*2 - 1)) //nolint:gosec // not crypto
	d += jitter
	if d < 0 {
		d = 0
	}
	if d > b.max {
		d = b.max
	}

	b.current = time.Duration(float64(b.current) * multiplier)
	if b.current > b.max {
		b.current = b.max
	}
	return d
}

// Reset restarts the sequence at Initial.
func (b *Backoff) Reset() {
	b.current = b.initial
}

// Sleep waits for d or until ctx is done, whichever comes first.
// It returns ctx.Err() when interrupted.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

package forward

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/millillitre/alumet/agent/internal/backoff"
	"github.com/millillitre/alumet/pkg/types"
)

const (
	backoffInitial = 1 * time.Second
	backoffMax     = 60 * time.Second
)

// ErrPermanent marks a publish failure that retrying cannot fix, such as a
// point that cannot be encoded. The batch is discarded.
var ErrPermanent = errors.New("forward: permanent failure")

// Publisher delivers one batch of points.
type Publisher interface {
	Publish(ctx context.Context, points []types.Point) error
}

// Forwarder buffers batches and hands them to a Publisher.
// Emit is non-blocking; when the buffer is full the oldest batch is evicted.
// Run must be called in a goroutine to drain the buffer.
type Forwarder struct {
	pub Publisher
	buf chan []types.Point

	// injectable for tests
	initial time.Duration
	ceiling time.Duration
}

// New creates a Forwarder holding at most size batches.
func New(pub Publisher, size int) *Forwarder {
	return &Forwarder{
		pub:     pub,
		buf:     make(chan []types.Point, max(size, 1)),
		initial: backoffInitial,
		ceiling: backoffMax,
	}
}

// Emit enqueues a copy of points. It never fails: a slow broker costs old
// data, never a poll.
func (f *Forwarder) Emit(_ context.Context, points []types.Point) error {
	if len(points) == 0 {
		return nil
	}
	batch := append([]types.Point(nil), points...)
	for {
		select {
		case f.buf <- batch:
			return nil
		default:
		}
		// Buffer full: drop the oldest batch, keep the newest.
		select {
		case old := <-f.buf:
			slog.Warn("forward: buffer full, evicted oldest batch",
				"points", len(old), "buffer_cap", cap(f.buf))
		default:
		}
	}
}

// Pending returns the number of queued batches.
func (f *Forwarder) Pending() int {
	return len(f.buf)
}

// Run drains the buffer until ctx is cancelled. A batch that fails with a
// transient error is retried, in order, after a backoff wait; a batch that
// fails with ErrPermanent is logged and discarded.
func (f *Forwarder) Run(ctx context.Context) {
	bo := backoff.New(f.initial, f.ceiling)

	for {
		var batch []types.Point
		select {
		case <-ctx.Done():
			return
		case batch = <-f.buf:
		}

		for {
			err := f.pub.Publish(ctx, batch)
			if err == nil {
				bo.Reset()
				slog.Debug("forward: batch delivered", "points", len(batch))
				break
			}
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, ErrPermanent) {
				slog.Error("forward: permanent publish error, discarding batch",
					"points", len(batch), "err", err)
				break
			}

			wait := bo.Next()
			slog.Warn("forward: publish failed, will retry",
				"points", len(batch), "err", err, "retry_in", wait)
			if backoff.Sleep(ctx, wait) != nil {
				return
			}
		}
	}
}

package forward

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/millillitre/alumet/pkg/types"
)

func batch(values ...float64) []types.Point {
	out := make([]types.Point, 0, len(values))
	for _, v := range values {
		out = append(out, types.Point{MetricID: "wattmetre_power_watt", Value: v})
	}
	return out
}

// fakePublisher records delivered batches and fails according to errs.
type fakePublisher struct {
	mu        sync.Mutex
	errs      []error // consumed one per call; nil means success
	delivered [][]types.Point
	calls     int
	got       chan struct{}
}

func newFakePublisher(errs ...error) *fakePublisher {
	return &fakePublisher{errs: errs, got: make(chan struct{}, 16)}
}

func (p *fakePublisher) Publish(_ context.Context, points []types.Point) error {
	p.mu.Lock()
	defer func() {
		p.mu.Unlock()
		p.got <- struct{}{}
	}()
	p.calls++
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		if err != nil {
			return err
		}
	}
	p.delivered = append(p.delivered, points)
	return nil
}

func (p *fakePublisher) snapshot() (int, [][]types.Point) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls, append([][]types.Point(nil), p.delivered...)
}

func waitCalls(t *testing.T, p *fakePublisher, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-p.got:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for publish call %d", i+1)
		}
	}
}

func fastForwarder(pub Publisher, size int) *Forwarder {
	f := New(pub, size)
	f.initial = time.Millisecond
	f.ceiling = 2 * time.Millisecond
	return f
}

func TestEmit_NonBlockingEvictsOldest(t *testing.T) {
	f := New(newFakePublisher(), 2)
	for i := 1; i <= 3; i++ {
		if err := f.Emit(context.Background(), batch(float64(i))); err != nil {
			t.Fatalf("Emit %d: %v", i, err)
		}
	}
	if f.Pending() != 2 {
		t.Fatalf("Pending: got %d, want 2", f.Pending())
	}
	first := <-f.buf
	if first[0].Value != 2 {
		t.Errorf("oldest kept batch: got %v, want 2 (batch 1 evicted)", first[0].Value)
	}
}

func TestEmit_CopiesBatch(t *testing.T) {
	f := New(newFakePublisher(), 1)
	pts := batch(1)
	_ = f.Emit(context.Background(), pts)
	pts[0].Value = 99
	if got := (<-f.buf)[0].Value; got != 1 {
		t.Errorf("queued value: got %v, want 1", got)
	}
}

func TestEmit_EmptyBatchIgnored(t *testing.T) {
	f := New(newFakePublisher(), 1)
	_ = f.Emit(context.Background(), nil)
	if f.Pending() != 0 {
		t.Errorf("Pending: got %d, want 0", f.Pending())
	}
}

func TestRun_RetriesTransientInOrder(t *testing.T) {
	pub := newFakePublisher(errors.New("broker down"), errors.New("broker down"), nil, nil)
	f := fastForwarder(pub, 4)
	_ = f.Emit(context.Background(), batch(1))
	_ = f.Emit(context.Background(), batch(2))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Run(ctx)

	waitCalls(t, pub, 4)
	calls, delivered := pub.snapshot()
	if calls != 4 {
		t.Errorf("calls: got %d, want 4", calls)
	}
	if len(delivered) != 2 || delivered[0][0].Value != 1 || delivered[1][0].Value != 2 {
		t.Errorf("delivered: got %v, want batches 1 then 2", delivered)
	}
}

func TestRun_DiscardsPermanent(t *testing.T) {
	pub := newFakePublisher(fmt.Errorf("%w: bad point", ErrPermanent), nil)
	f := fastForwarder(pub, 4)
	_ = f.Emit(context.Background(), batch(1))
	_ = f.Emit(context.Background(), batch(2))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Run(ctx)

	waitCalls(t, pub, 2)
	_, delivered := pub.snapshot()
	if len(delivered) != 1 || delivered[0][0].Value != 2 {
		t.Errorf("delivered: got %v, want only batch 2", delivered)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	f := New(newFakePublisher(), 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

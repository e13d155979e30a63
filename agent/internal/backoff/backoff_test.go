package backoff

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBackoff_Grows(t *testing.T) {
	b := New(100*time.Millisecond, 10*time.Second)
	first := b.Next()
	if first > 125*time.Millisecond {
		t.Errorf("first backoff too large: %v", first)
	}
	b.Next()
	third := b.Next()
	// 400ms ±25%
	if third < 300*time.Millisecond || third > 500*time.Millisecond {
		t.Errorf("third backoff = %v, want ~400ms", third)
	}
}

func TestBackoff_Resets(t *testing.T) {
	b := New(time.Second, time.Minute)
	for i := 0; i < 10; i++ {
		b.Next()
	}
	b.Reset()
	if after := b.Next(); after > 2*time.Second {
		t.Errorf("backoff after reset too large: %v", after)
	}
}

func TestBackoff_NeverExceedsMax(t *testing.T) {
	b := New(time.Second, 5*time.Second)
	for i := 0; i < 50; i++ {
		if d := b.Next(); d > 5*time.Second {
			t.Errorf("backoff[%d] = %v, exceeds max", i, d)
		}
	}
}

func TestBackoff_MaxBelowInitial(t *testing.T) {
	b := New(time.Second, time.Millisecond)
	if d := b.Next(); d > time.Second {
		t.Errorf("Next() = %v, want <= 1s", d)
	}
}

func TestSleep_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	err := Sleep(ctx, time.Hour)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Sleep err = %v, want context.Canceled", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Sleep did not return promptly on cancelled context")
	}
}

func TestSleep_Elapses(t *testing.T) {
	if err := Sleep(context.Background(), time.Millisecond); err != nil {
		t.Errorf("Sleep err = %v", err)
	}
}

package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestTokenBucket_AllowAndRefill(t *testing.T) {
	clk := NewManualClock(time.Unix(0, 0))
	b := NewTokenBucket(clk, 5, 5)

	if !b.Allow(5) {
		t.Fatalf("expected initial burst to succeed")
	}
	if b.Allow(1) {
		t.Fatalf("expected bucket to be empty")
	}

	clk.Advance(200 * time.Millisecond) // 1 token at 5/sec.
	if !b.Allow(1) {
		t.Fatalf("expected refill after time advance")
	}
}

func TestTokenBucket_DoesNotExceedCapacity(t *testing.T) {
	clk := NewManualClock(time.Unix(0, 0))
	b := NewTokenBucket(clk, 1, 1)

	if !b.Allow(1) {
		t.Fatalf("expected initial token")
	}
	clk.Advance(10 * time.Second)
	if !b.Allow(1) {
		t.Fatalf("expected refill up to capacity")
	}
	if b.Allow(1) {
		t.Fatalf("expected capacity clamp")
	}
}

func TestTokenBucket_ReserveReportsWait(t *testing.T) {
	clk := NewManualClock(time.Unix(0, 0))
	b := NewTokenBucket(clk, 2, 10)

	if d := b.Reserve(2); d != 0 {
		t.Fatalf("Reserve(2)=%v, want 0", d)
	}
	if d := b.Reserve(1); d != 100*time.Millisecond {
		t.Fatalf("Reserve(1)=%v, want %v", d, 100*time.Millisecond)
	}
	if d := b.Reserve(3); d >= 0 {
		t.Fatalf("Reserve above capacity=%v, want negative", d)
	}
}

func TestTokenBucket_WaitUsesClockTimers(t *testing.T) {
	clk := NewManualClock(time.Unix(0, 0))
	b := NewTokenBucket(clk, 1, 4)
	if !b.Allow(1) {
		t.Fatalf("expected initial token")
	}

	done := make(chan error, 1)
	go func() { done <- b.Wait(context.Background(), 1) }()

	deadline := time.Now().Add(2 * time.Second)
	for clk.Pending() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("Wait never armed a timer")
		}
		time.Sleep(time.Millisecond)
	}
	clk.Advance(250 * time.Millisecond)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Wait: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Wait did not return after refill")
	}
}

func TestTokenBucket_WaitZeroRate(t *testing.T) {
	b := NewTokenBucket(NewManualClock(time.Unix(0, 0)), 1, 0)
	if err := b.Wait(context.Background(), 1); err != nil {
		t.Fatalf("first Wait: %v", err)
	}
	if err := b.Wait(context.Background(), 1); !errors.Is(err, ErrNeverRefills) {
		t.Fatalf("second Wait err=%v, want %v", err, ErrNeverRefills)
	}
}

func TestManualClock_FiresInDeadlineOrder(t *testing.T) {
	clk := NewManualClock(time.Unix(0, 0))
	var got []int
	clk.AfterFunc(300*time.Millisecond, func() { got = append(got, 3) })
	clk.AfterFunc(100*time.Millisecond, func() { got = append(got, 1) })
	stopped := clk.AfterFunc(200*time.Millisecond, func() { got = append(got, 2) })
	if !stopped.Stop() {
		t.Fatalf("Stop on armed timer returned false")
	}

	clk.Advance(time.Second)
	if len(got) != 2 || got[0] != 1 || got[1] != 3 {
		t.Fatalf("fired=%v, want [1 3]", got)
	}
	if clk.Pending() != 0 {
		t.Fatalf("Pending=%d, want 0", clk.Pending())
	}
}

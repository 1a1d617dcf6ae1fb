package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func noSleep(s *Scheduler) *[]time.Duration {
	var slept []time.Duration
	s.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	s.jitter = func() float64 { return 0.5 }
	return &slept
}

func TestRunOnceRetriesUntilSuccess(t *testing.T) {
	s := New(Retry{MaxAttempts: 3, InitialDelay: time.Second, MaxDelay: time.Minute, BackoffFactor: 2}, zerolog.Nop())
	slept := noSleep(s)
	calls := 0
	err := s.Add(Task{Name: "rebalance", Interval: time.Minute, Run: func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("rpc down")
		}
		return nil
	}})
	if err != nil {
		t.Fatalf("Add returned error: %v", err)
	}

	if err := s.RunOnce(context.Background(), "rebalance"); err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
	if len(*slept) != 2 || (*slept)[0] != time.Second || (*slept)[1] != 2*time.Second {
		t.Fatalf("unexpected backoff %v", *slept)
	}
}

func TestRunOnceGivesUp(t *testing.T) {
	s := New(Retry{MaxAttempts: 2, InitialDelay: time.Millisecond}, zerolog.Nop())
	noSleep(s)
	calls := 0
	_ = s.Add(Task{Name: "monitor", Interval: time.Minute, Run: func(context.Context) error {
		calls++
		return errors.New("boom")
	}})
	if err := s.RunOnce(context.Background(), "monitor"); err == nil {
		t.Fatalf("expected error after exhausting attempts")
	}
	if calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls)
	}
	if err := s.RunOnce(context.Background(), "nope"); err == nil {
		t.Fatalf("expected error for unknown task")
	}
}

func TestDelayCapped(t *testing.T) {
	s := New(Retry{MaxAttempts: 5, InitialDelay: time.Second, MaxDelay: 3 * time.Second, BackoffFactor: 2}, zerolog.Nop())
	s.jitter = func() float64 { return 1 }
	if d := s.delay(0); d != 1250*time.Millisecond {
		t.Fatalf("expected +25%% jitter, got %v", d)
	}
	if d := s.delay(4); d != 3*time.Second {
		t.Fatalf("expected cap, got %v", d)
	}
}

func TestAddValidates(t *testing.T) {
	s := New(DefaultRetry(), zerolog.Nop())
	if err := s.Add(Task{Name: "x", Run: func(context.Context) error { return nil }}); err == nil {
		t.Fatalf("expected error for zero interval")
	}
	if err := s.Add(Task{Name: "y", Interval: time.Second}); err == nil {
		t.Fatalf("expected error for missing run func")
	}
}

func TestRunTicksUntilCancelled(t *testing.T) {
	s := New(DefaultRetry(), zerolog.Nop())
	var runs atomic.Int32
	_ = s.Add(Task{Name: "fast", Interval: 5 * time.Millisecond, Run: func(context.Context) error {
		runs.Add(1)
		return nil
	}})
	if names := s.Tasks(); len(names) != 1 || names[0] != "fast" {
		t.Fatalf("unexpected tasks %v", names)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after cancellation")
	}
	if runs.Load() < 2 {
		t.Fatalf("expected several ticks, got %d", runs.Load())
	}
}

package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func failingOp(err error) Operation {
	return func(context.Context) (any, error) { return nil, err }
}

func succeedingOp(value any) Operation {
	return func(context.Context) (any, error) { return value, nil }
}

func staticFallback(value any) Fallback {
	return func(context.Context) any { return value }
}

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	clock := newFakeClock()
	b := New(3, time.Minute, WithClock(clock.Now))
	ctx := context.Background()
	opErr := errors.New("boom")
	for i := 0; i < 3; i++ {
		result, err := b.Execute(ctx, failingOp(opErr), staticFallback("fb"))
		if err != nil {
			t.Fatalf("execute: %v", err)
		}
		if result != "fb" {
			t.Fatalf("expected fallback result, got %v", result)
		}
	}
	if b.State() != StateOpen {
		t.Fatalf("expected open after 3 failures, got %s", b.State())
	}
}

func TestOpenWindowSkipsOperation(t *testing.T) {
	clock := newFakeClock()
	b := New(1, time.Minute, WithClock(clock.Now))
	ctx := context.Background()
	b.Execute(ctx, failingOp(errors.New("boom")), staticFallback("fb"))
	if b.State() != StateOpen {
		t.Fatalf("expected open, got %s", b.State())
	}
	attempted := false
	result, err := b.Execute(ctx, func(context.Context) (any, error) {
		attempted = true
		return "live", nil
	}, staticFallback("fb"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if attempted {
		t.Fatalf("operation must not be attempted while open")
	}
	if result != "fb" {
		t.Fatalf("expected fallback during open window, got %v", result)
	}
}

func TestHalfOpenAllowsSingleTrial(t *testing.T) {
	clock := newFakeClock()
	b := New(1, time.Minute, WithClock(clock.Now))
	ctx := context.Background()
	b.Execute(ctx, failingOp(errors.New("boom")), staticFallback("fb"))
	clock.Advance(time.Minute)

	release := make(chan struct{})
	var attempts int
	var mu sync.Mutex
	trial := func(context.Context) (any, error) {
		mu.Lock()
		attempts++
		mu.Unlock()
		<-release
		return "recovered", nil
	}
	results := make(chan any, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, _ := b.Execute(ctx, trial, staticFallback("fb"))
			results <- result
		}()
	}
	// Let the loser hit the fallback, then release the trial winner.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	close(results)

	mu.Lock()
	got := attempts
	mu.Unlock()
	if got != 1 {
		t.Fatalf("expected exactly one half-open trial, got %d", got)
	}
	seen := map[any]int{}
	for r := range results {
		seen[r]++
	}
	if seen["recovered"] != 1 || seen["fb"] != 1 {
		t.Fatalf("expected one trial result and one fallback, got %v", seen)
	}
	if b.State() != StateClosed {
		t.Fatalf("expected closed after successful trial, got %s", b.State())
	}
}

func TestFailedTrialReopensWindow(t *testing.T) {
	clock := newFakeClock()
	b := New(1, time.Minute, WithClock(clock.Now))
	ctx := context.Background()
	b.Execute(ctx, failingOp(errors.New("boom")), staticFallback("fb"))
	clock.Advance(time.Minute)
	b.Execute(ctx, failingOp(errors.New("still down")), staticFallback("fb"))
	if b.State() != StateOpen {
		t.Fatalf("expected open after failed trial, got %s", b.State())
	}
	// Window restarted: no trial until another full timeout elapses.
	clock.Advance(30 * time.Second)
	attempted := false
	b.Execute(ctx, func(context.Context) (any, error) {
		attempted = true
		return nil, nil
	}, staticFallback("fb"))
	if attempted {
		t.Fatalf("expected open window to have restarted after failed trial")
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b := New(3, time.Minute)
	ctx := context.Background()
	b.Execute(ctx, failingOp(errors.New("boom")), staticFallback(nil))
	b.Execute(ctx, failingOp(errors.New("boom")), staticFallback(nil))
	if b.FailureCount() != 2 {
		t.Fatalf("expected 2 failures, got %d", b.FailureCount())
	}
	b.Execute(ctx, succeedingOp("ok"), staticFallback(nil))
	if b.FailureCount() != 0 {
		t.Fatalf("expected reset failure count, got %d", b.FailureCount())
	}
	if b.State() != StateClosed {
		t.Fatalf("expected closed, got %s", b.State())
	}
}

func TestExecuteWithRetryBacksOffExponentially(t *testing.T) {
	var slept []time.Duration
	b := New(10, time.Minute, WithSleeper(func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}))
	ctx := context.Background()
	calls := 0
	result, err := b.ExecuteWithRetry(ctx, 3, func(context.Context) (any, error) {
		calls++
		return nil, errors.New("boom")
	}, staticFallback("fb"))
	if err != nil {
		t.Fatalf("execute with retry: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
	if result != "fb" {
		t.Fatalf("expected fallback after retries exhausted, got %v", result)
	}
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(slept) != len(want) {
		t.Fatalf("expected %d backoff sleeps, got %v", len(want), slept)
	}
	for i := range want {
		if slept[i] != want[i] {
			t.Fatalf("backoff %d: expected %s, got %s", i, want[i], slept[i])
		}
	}
}

func TestExecuteWithRetryStopsOnSuccess(t *testing.T) {
	b := New(10, time.Minute, WithSleeper(func(context.Context, time.Duration) error { return nil }))
	calls := 0
	result, err := b.ExecuteWithRetry(context.Background(), 5, func(context.Context) (any, error) {
		calls++
		if calls < 2 {
			return nil, errors.New("transient")
		}
		return "ok", nil
	}, staticFallback("fb"))
	if err != nil {
		t.Fatalf("execute with retry: %v", err)
	}
	if result != "ok" || calls != 2 {
		t.Fatalf("expected success on second attempt, got %v after %d calls", result, calls)
	}
}

func TestPanickingOperationDegradesToFallback(t *testing.T) {
	b := New(1, time.Minute)
	result, err := b.Execute(context.Background(), func(context.Context) (any, error) {
		panic("runaway task")
	}, staticFallback("fb"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result != "fb" {
		t.Fatalf("expected fallback after panic, got %v", result)
	}
	if b.State() != StateOpen {
		t.Fatalf("expected panic to count as failure, got %s", b.State())
	}
}

func TestCancelledContextReturnsFallback(t *testing.T) {
	b := New(3, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result, err := b.Execute(ctx, succeedingOp("live"), staticFallback("fb"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if result != "fb" {
		t.Fatalf("expected fallback result on cancellation, got %v", result)
	}
}

// Package breaker wraps fallible operations in a circuit breaker. A closed
// breaker counts consecutive failures; reaching the threshold opens it, and
// every call during the open window goes straight to the fallback. After the
// timeout exactly one trial call probes the operation: success closes the
// breaker, failure restarts the open window.
package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// State enumerates breaker states.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Operation is the primary execution path.
type Operation func(ctx context.Context) (any, error)

// Fallback produces the degraded substitute result. It must always succeed.
type Fallback func(ctx context.Context) any

// Breaker is safe for concurrent use; state transitions are atomic with
// respect to concurrent callers, so at most one caller wins a half-open
// trial.
type Breaker struct {
	mu            sync.Mutex
	state         State
	failures      int
	openedAt      time.Time
	trialInFlight bool

	threshold   int
	timeout     time.Duration
	backoffBase time.Duration
	clock       func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
}

// Option customizes the breaker instance.
type Option func(*Breaker)

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(b *Breaker) {
		if clock != nil {
			b.clock = clock
		}
	}
}

// WithSleeper replaces the retry backoff sleep (primarily for tests).
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(b *Breaker) {
		if sleep != nil {
			b.sleep = sleep
		}
	}
}

// WithBackoffBase overrides the first retry delay (default one second).
func WithBackoffBase(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.backoffBase = d
		}
	}
}

// New creates a closed breaker that opens after failureThreshold consecutive
// failures and allows a half-open trial once timeout has elapsed.
func New(failureThreshold int, timeout time.Duration, opts ...Option) *Breaker {
	if failureThreshold < 1 {
		failureThreshold = 1
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	b := &Breaker{
		state:       StateClosed,
		threshold:   failureThreshold,
		timeout:     timeout,
		backoffBase: time.Second,
		clock:       time.Now,
		sleep:       contextSleep,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// FailureCount returns the rolling consecutive-failure count.
func (b *Breaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Execute runs op once through the breaker. It always returns a result: on
// any failure path the fallback's result is returned instead of the
// operation's raw error. The error is non-nil only when ctx was cancelled.
func (b *Breaker) Execute(ctx context.Context, op Operation, fallback Fallback) (any, error) {
	if err := ctx.Err(); err != nil {
		return fallback(ctx), err
	}
	allowed, trial := b.acquire()
	if !allowed {
		return fallback(ctx), nil
	}
	result, err := runGuarded(ctx, op)
	b.record(err == nil, trial)
	if err != nil {
		return fallback(ctx), nil
	}
	return result, nil
}

// ExecuteWithRetry retries op with exponential backoff (base, 2x, 4x, ...)
// up to maxAttempts before degrading to the fallback. Backoff sleeps observe
// ctx cancellation.
func (b *Breaker) ExecuteWithRetry(ctx context.Context, maxAttempts int, op Operation, fallback Fallback) (any, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fallback(ctx), err
		}
		allowed, trial := b.acquire()
		if !allowed {
			break
		}
		result, err := runGuarded(ctx, op)
		b.record(err == nil, trial)
		if err == nil {
			return result, nil
		}
		if attempt == maxAttempts-1 {
			break
		}
		if err := b.sleep(ctx, b.backoffBase<<uint(attempt)); err != nil {
			return fallback(ctx), err
		}
	}
	return fallback(ctx), nil
}

// acquire decides whether the caller may attempt the operation and whether
// that attempt is the half-open trial.
func (b *Breaker) acquire() (allowed bool, trial bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateClosed:
		return true, false
	case StateOpen:
		if b.clock().Sub(b.openedAt) < b.timeout {
			return false, false
		}
		b.state = StateHalfOpen
		b.trialInFlight = true
		return true, true
	case StateHalfOpen:
		if b.trialInFlight {
			return false, false
		}
		b.trialInFlight = true
		return true, true
	default:
		return false, false
	}
}

func (b *Breaker) record(success bool, trial bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if success {
		b.state = StateClosed
		b.failures = 0
		b.trialInFlight = false
		return
	}
	if trial {
		b.state = StateOpen
		b.openedAt = b.clock()
		b.trialInFlight = false
		return
	}
	b.failures++
	if b.failures >= b.threshold {
		b.state = StateOpen
		b.openedAt = b.clock()
	}
}

// runGuarded converts a panicking operation into a failure so one misbehaving
// task cannot take down the orchestration core.
func runGuarded(ctx context.Context, op Operation) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("breaker: operation panicked: %v", r)
		}
	}()
	return op(ctx)
}

func contextSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

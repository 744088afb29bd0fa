// Package breaker provides the escalation circuit breaker used by the
// long-running dispatch loops.
//
// This is not a request-gating breaker: callers keep running. The breaker
// watches for a sustained window of consecutive failures and, if no success
// lands before the window elapses, fires a critical trigger exactly once.
// The trigger is the last-resort "the pipeline is stuck" signal to the
// hosting process.
package breaker

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// CircuitBreaker tracks consecutive failures of one component instance.
// Each loop owns its own breaker; there is no shared state between instances.
type CircuitBreaker struct {
	name       string
	window     time.Duration
	retryDelay time.Duration
	trigger    func(err error)
	logger     *slog.Logger

	// failures may be bumped by the loop while the armed timer fires
	// concurrently, hence the atomic.
	failures atomic.Int64

	mu      sync.Mutex
	timer   *time.Timer
	lastErr error
}

// New creates a disarmed breaker. The trigger is invoked at most once per
// armed period, from the timer goroutine, after window of unbroken failures.
// Failure returns retryDelay as the pause the caller should take before its
// next attempt.
func New(name string, window, retryDelay time.Duration, trigger func(err error), logger *slog.Logger) *CircuitBreaker {
	return &CircuitBreaker{
		name:       name,
		window:     window,
		retryDelay: retryDelay,
		trigger:    trigger,
		logger:     logger.With("component", "breaker", "breaker", name),
	}
}

// Success resets the failure count and disarms the timer.
func (b *CircuitBreaker) Success() {
	if b.failures.Swap(0) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.lastErr = nil
	b.logger.Debug("breaker disarmed")
}

// Failure records a consecutive failure and returns how long the caller
// should wait before retrying. The first failure after a reset arms the
// trigger timer.
func (b *CircuitBreaker) Failure(err error) time.Duration {
	count := b.failures.Add(1)

	b.mu.Lock()
	b.lastErr = err
	if count == 1 {
		b.timer = time.AfterFunc(b.window, b.fire)
		b.logger.Debug("breaker armed", "window", b.window)
	}
	b.mu.Unlock()

	return b.retryDelay
}

// Failures returns the current consecutive failure count.
func (b *CircuitBreaker) Failures() int64 {
	return b.failures.Load()
}

// fire runs on the timer goroutine once the armed window elapses. A success
// racing the timer wins: the swap below observes zero and nothing triggers.
// b.timer is left alone here: a failure racing the swap may already have
// armed a fresh timer, which must survive.
func (b *CircuitBreaker) fire() {
	if b.failures.Swap(0) == 0 {
		return
	}

	b.mu.Lock()
	err := b.lastErr
	b.mu.Unlock()

	b.logger.Error("breaker triggered", "window", b.window, "error", err)
	b.trigger(err)
}

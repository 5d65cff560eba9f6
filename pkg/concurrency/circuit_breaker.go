package concurrency

import (
	"sync/atomic"
	"time"
)

// CircuitBreakerState represents the state of the circuit breaker
type CircuitBreakerState int32

const (
	// StateClosed lets operations through.
	StateClosed CircuitBreakerState = iota
	// StateOpen rejects operations until the reset timeout elapses.
	StateOpen
	// StateHalfOpen lets operations through on probation.
	StateHalfOpen
)

// halfOpenSuccesses is the number of consecutive successes that close a
// half-open breaker.
const halfOpenSuccesses = 5

// CircuitBreaker stops admitting work after a run of consecutive failures.
type CircuitBreaker struct {
	state            atomic.Int32
	failures         atomic.Int64
	successes        atomic.Int64
	lastFailure      atomic.Int64 // unix nanos
	failureThreshold int64
	resetTimeout     time.Duration
}

// NewCircuitBreaker creates a closed breaker. Non-positive arguments fall
// back to 10 failures and 30s.
func NewCircuitBreaker(failureThreshold int64, resetTimeout time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 10
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
	}
}

// IsOpen reports whether operations are currently rejected. An open breaker
// whose reset timeout elapsed moves to half-open and admits the caller.
func (cb *CircuitBreaker) IsOpen() bool {
	if cb.GetState() != StateOpen {
		return false
	}
	last := cb.lastFailure.Load()
	if last > 0 && time.Since(time.Unix(0, last)) > cb.resetTimeout {
		if cb.state.CompareAndSwap(int32(StateOpen), int32(StateHalfOpen)) {
			cb.successes.Store(0)
		}
		return false
	}
	return true
}

// RecordSuccess records a successful operation.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.failures.Store(0)
	if cb.GetState() == StateHalfOpen && cb.successes.Add(1) >= halfOpenSuccesses {
		cb.Reset()
	}
}

// RecordFailure records a failed operation.
func (cb *CircuitBreaker) RecordFailure() {
	cb.successes.Store(0)
	cb.lastFailure.Store(time.Now().UnixNano())
	failures := cb.failures.Add(1)

	switch cb.GetState() {
	case StateClosed:
		if failures >= cb.failureThreshold {
			cb.state.Store(int32(StateOpen))
		}
	case StateHalfOpen:
		cb.state.Store(int32(StateOpen))
	}
}

// GetState returns the current state.
func (cb *CircuitBreaker) GetState() CircuitBreakerState {
	return CircuitBreakerState(cb.state.Load())
}

// GetConsecutiveFailures returns the current number of consecutive failures
func (cb *CircuitBreaker) GetConsecutiveFailures() int64 {
	return cb.failures.Load()
}

// Reset closes the breaker and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.state.Store(int32(StateClosed))
	cb.failures.Store(0)
	cb.successes.Store(0)
	cb.lastFailure.Store(0)
}

func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

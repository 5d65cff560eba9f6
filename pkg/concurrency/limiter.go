package concurrency

import (
	"context"
	"sync/atomic"
	"time"

	derrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

// LimiterStats is a snapshot of limiter counters.
type LimiterStats struct {
	Active         int64
	TotalAcquired  int64
	TotalReleased  int64
	PeakConcurrent int64
	AverageWait    time.Duration
	BreakerState   CircuitBreakerState
}

// Limiter is a counting semaphore guarded by a circuit breaker. It bounds
// scarce resources shared by all workflows of a process, such as script VMs.
type Limiter struct {
	sem     chan struct{}
	active  atomic.Int64
	breaker *CircuitBreaker

	acquired   atomic.Int64
	released   atomic.Int64
	peak       atomic.Int64
	waitTimeNs atomic.Int64
}

// NewLimiter creates a limiter allowing maxConcurrent holders. The breaker
// opens after 100 consecutive failures and probes again after 30s.
func NewLimiter(maxConcurrent int) *Limiter {
	return NewLimiterWithCircuitBreaker(maxConcurrent, NewCircuitBreaker(100, 30*time.Second))
}

// NewLimiterWithCircuitBreaker creates a limiter with custom breaker settings.
func NewLimiterWithCircuitBreaker(maxConcurrent int, cb *CircuitBreaker) *Limiter {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if cb == nil {
		cb = NewCircuitBreaker(100, 30*time.Second)
	}
	return &Limiter{
		sem:     make(chan struct{}, maxConcurrent),
		breaker: cb,
	}
}

// Acquire blocks until a slot is free or ctx is done.
func (l *Limiter) Acquire(ctx context.Context) error {
	if l.breaker.IsOpen() {
		return derrors.ErrCircuitOpen
	}

	start := time.Now()
	select {
	case l.sem <- struct{}{}:
		l.waitTimeNs.Add(time.Since(start).Nanoseconds())
		l.acquired.Add(1)
		l.updatePeak(l.active.Add(1))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a slot.
func (l *Limiter) Release() {
	select {
	case <-l.sem:
		l.active.Add(-1)
		l.released.Add(1)
	default:
	}
}

// Do runs fn while holding a slot and records the outcome on the breaker.
func (l *Limiter) Do(ctx context.Context, fn func() error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	defer l.Release()

	if err := fn(); err != nil {
		l.breaker.RecordFailure()
		return err
	}
	l.breaker.RecordSuccess()
	return nil
}

// Stats returns the current counters.
func (l *Limiter) Stats() LimiterStats {
	s := LimiterStats{
		Active:         l.active.Load(),
		TotalAcquired:  l.acquired.Load(),
		TotalReleased:  l.released.Load(),
		PeakConcurrent: l.peak.Load(),
		BreakerState:   l.breaker.GetState(),
	}
	if s.TotalAcquired > 0 {
		s.AverageWait = time.Duration(l.waitTimeNs.Load() / s.TotalAcquired)
	}
	return s
}

func (l *Limiter) updatePeak(current int64) {
	for {
		peak := l.peak.Load()
		if current <= peak || l.peak.CompareAndSwap(peak, current) {
			return
		}
	}
}

package workflow

import (
	"sync/atomic"
	"time"
)

// Metrics is a snapshot of execution counters.
type Metrics struct {
	NodesExecuted   int64
	NodesFailed     int64
	NodesCancelled  int64
	LoopIterations  int64
	ExecutionTimeNs int64
}

// MetricsCollector records node execution outcomes.
type MetricsCollector interface {
	RecordExecution(outcome Outcome, duration time.Duration)
	RecordLoopIteration()
	GetMetrics() Metrics
	Reset()
}

// DefaultMetricsCollector is a thread-safe implementation of MetricsCollector.
type DefaultMetricsCollector struct {
	executed   atomic.Int64
	failed     atomic.Int64
	cancelled  atomic.Int64
	iterations atomic.Int64
	totalTime  atomic.Int64
}

// NewMetricsCollector creates a new metrics collector.
func NewMetricsCollector() *DefaultMetricsCollector {
	return &DefaultMetricsCollector{}
}

// RecordExecution records one finished node execution.
func (m *DefaultMetricsCollector) RecordExecution(outcome Outcome, duration time.Duration) {
	switch outcome {
	case OutcomeSuccess:
		m.executed.Add(1)
	case OutcomeFailure:
		m.failed.Add(1)
	case OutcomeCancelled:
		m.cancelled.Add(1)
	}
	m.totalTime.Add(duration.Nanoseconds())
}

// RecordLoopIteration records a loop restart.
func (m *DefaultMetricsCollector) RecordLoopIteration() {
	m.iterations.Add(1)
}

// GetMetrics returns the current metrics.
func (m *DefaultMetricsCollector) GetMetrics() Metrics {
	return Metrics{
		NodesExecuted:   m.executed.Load(),
		NodesFailed:     m.failed.Load(),
		NodesCancelled:  m.cancelled.Load(),
		LoopIterations:  m.iterations.Load(),
		ExecutionTimeNs: m.totalTime.Load(),
	}
}

// Reset resets all metrics.
func (m *DefaultMetricsCollector) Reset() {
	m.executed.Store(0)
	m.failed.Store(0)
	m.cancelled.Store(0)
	m.iterations.Store(0)
	m.totalTime.Store(0)
}

// AverageExecutionTime returns the mean duration of finished executions.
func (m *DefaultMetricsCollector) AverageExecutionTime() time.Duration {
	n := m.executed.Load() + m.failed.Load() + m.cancelled.Load()
	if n == 0 {
		return 0
	}
	return time.Duration(m.totalTime.Load() / n)
}

var _ MetricsCollector = (*DefaultMetricsCollector)(nil)

// NoOpMetricsCollector is a metrics collector that does nothing.
type NoOpMetricsCollector struct{}

func (NoOpMetricsCollector) RecordExecution(Outcome, time.Duration) {}
func (NoOpMetricsCollector) RecordLoopIteration()                   {}
func (NoOpMetricsCollector) GetMetrics() Metrics                    { return Metrics{} }
func (NoOpMetricsCollector) Reset()                                 {}

var _ MetricsCollector = NoOpMetricsCollector{}

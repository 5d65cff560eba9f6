package workflow

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/executor"
)

// JobExecutor runs node executions. *executor.Pool implements it.
type JobExecutor interface {
	Submit(ctx context.Context, name string, task executor.Task) (*executor.Job, error)
	// RunInvisible runs fn on the calling goroutine without counting the
	// wait against the executor's parallelism.
	RunInvisible(ctx context.Context, fn func() error) error
}

var _ JobExecutor = (*executor.Pool)(nil)

// Config configures a project Manager. Nested workflows share the
// configuration of their project.
type Config struct {
	// Logger for structured logging. Default: zap.NewNop()
	Logger *zap.Logger

	// Executor runs node jobs. When nil the Manager creates an
	// executor.Pool from executor.DefaultConfig() and closes it on Close.
	Executor JobExecutor

	// Tracer creates a span per node execution.
	// Default: otel.Tracer("daedalus/workflow")
	Tracer trace.Tracer

	// Metrics collects execution counters. Default: a DefaultMetricsCollector.
	Metrics MetricsCollector

	// CloseTimeout bounds how long Close waits for running jobs.
	// Default: 30s
	CloseTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Logger:       zap.NewNop(),
		Tracer:       otel.Tracer("daedalus/workflow"),
		Metrics:      NewMetricsCollector(),
		CloseTimeout: 30 * time.Second,
	}
}

// Validate validates the configuration and applies defaults.
func (c *Config) Validate() {
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Tracer == nil {
		c.Tracer = otel.Tracer("daedalus/workflow")
	}
	if c.Metrics == nil {
		c.Metrics = NewMetricsCollector()
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = 30 * time.Second
	}
}

// WithLogger sets the logger.
func (c Config) WithLogger(logger *zap.Logger) Config {
	c.Logger = logger
	return c
}

// WithExecutor sets the job executor.
func (c Config) WithExecutor(e JobExecutor) Config {
	c.Executor = e
	return c
}

// WithTracer sets the tracer.
func (c Config) WithTracer(t trace.Tracer) Config {
	c.Tracer = t
	return c
}

// WithMetrics sets the metrics collector.
func (c Config) WithMetrics(m MetricsCollector) Config {
	c.Metrics = m
	return c
}

// WithCloseTimeout sets the close timeout.
func (c Config) WithCloseTimeout(d time.Duration) Config {
	c.CloseTimeout = d
	return c
}

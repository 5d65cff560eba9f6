package executor

import (
	"time"

	"github.com/wehubfusion/Daedalus/pkg/concurrency"
)

// Config configures the job pool.
type Config struct {
	// Workers is the number of jobs that may run at the same time.
	// Invisible waits temporarily raise this limit.
	// Default: concurrency.LoadConfig().Workers
	Workers int

	// ExpiryDuration is how long an idle worker goroutine is kept.
	// Default: 10s
	ExpiryDuration time.Duration

	// FailureThreshold is the number of consecutive failed jobs that opens
	// the circuit breaker. Default: 100
	FailureThreshold int64

	// ResetTimeout is how long the breaker stays open before probing again.
	// Default: 30s
	ResetTimeout time.Duration
}

// DefaultConfig returns defaults derived from the environment.
func DefaultConfig() Config {
	env := concurrency.LoadConfig()
	return Config{
		Workers:          env.Workers,
		ExpiryDuration:   10 * time.Second,
		FailureThreshold: 100,
		ResetTimeout:     30 * time.Second,
	}
}

// Validate validates the configuration and applies defaults.
func (c *Config) Validate() {
	if c.Workers <= 0 {
		c.Workers = concurrency.LoadConfig().Workers
	}
	if c.ExpiryDuration <= 0 {
		c.ExpiryDuration = 10 * time.Second
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 100
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
}

// WithWorkers sets the number of workers.
func (c Config) WithWorkers(n int) Config {
	c.Workers = n
	return c
}

// WithExpiryDuration sets the idle worker expiry.
func (c Config) WithExpiryDuration(d time.Duration) Config {
	c.ExpiryDuration = d
	return c
}

// WithCircuitBreaker sets the breaker threshold and reset timeout.
func (c Config) WithCircuitBreaker(threshold int64, resetTimeout time.Duration) Config {
	c.FailureThreshold = threshold
	c.ResetTimeout = resetTimeout
	return c
}

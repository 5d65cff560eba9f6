// Package executor runs node jobs on a bounded goroutine pool.
//
// Submissions never block: jobs go to an unbounded FIFO that a dispatcher
// goroutine drains into an ants pool. Callers holding workflow locks can
// therefore submit safely, and a worker that waits for nested work can mark
// that wait as invisible so the pool grows by one slot for its duration.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	derrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

// ErrPoolClosed is returned by Submit after Close.
var ErrPoolClosed = errors.New("executor pool is closed")

// Stats is a snapshot of pool counters.
type Stats struct {
	Submitted      int64
	Completed      int64
	Failed         int64
	Cancelled      int64
	Pending        int
	Running        int
	Capacity       int
	InvisibleWaits int64
	BreakerState   string
}

// Pool executes jobs with bounded parallelism.
type Pool struct {
	cfg     Config
	pool    *ants.Pool
	breaker *concurrency.CircuitBreaker
	logger  *zap.Logger

	mu      sync.Mutex
	pending []*Job
	closed  bool
	signal  chan struct{}
	stop    chan struct{}
	wg      sync.WaitGroup

	tuneMu    sync.Mutex
	invisible int64

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	cancelled atomic.Int64
}

// NewPool creates a pool and starts its dispatcher.
func NewPool(cfg Config, logger *zap.Logger) (*Pool, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	cfg.Validate()

	ap, err := ants.NewPool(cfg.Workers,
		ants.WithExpiryDuration(cfg.ExpiryDuration),
		ants.WithLogger(zap.NewStdLog(logger.Named("ants"))),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}

	p := &Pool{
		cfg:     cfg,
		pool:    ap,
		breaker: concurrency.NewCircuitBreaker(cfg.FailureThreshold, cfg.ResetTimeout),
		logger:  logger,
		signal:  make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
	p.wg.Add(1)
	go p.dispatch()

	logger.Debug("executor pool started", zap.Int("workers", cfg.Workers))
	return p, nil
}

// Submit enqueues a task. It never blocks on pool capacity.
func (p *Pool) Submit(ctx context.Context, name string, task Task) (*Job, error) {
	if task == nil {
		return nil, fmt.Errorf("task cannot be nil")
	}
	if p.breaker.IsOpen() {
		return nil, derrors.ErrCircuitOpen
	}

	job := newJob(ctx, name, task)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		job.cancel()
		return nil, ErrPoolClosed
	}
	p.pending = append(p.pending, job)
	p.mu.Unlock()

	p.submitted.Add(1)
	select {
	case p.signal <- struct{}{}:
	default:
	}
	return job, nil
}

// RunInvisible runs fn on the calling goroutine while the pool capacity is
// raised by one, so a worker blocked in fn does not hold back queued jobs.
func (p *Pool) RunInvisible(ctx context.Context, fn func() error) error {
	p.tuneMu.Lock()
	p.invisible++
	p.pool.Tune(p.cfg.Workers + int(p.invisible))
	p.tuneMu.Unlock()

	defer func() {
		p.tuneMu.Lock()
		p.invisible--
		p.pool.Tune(p.cfg.Workers + int(p.invisible))
		p.tuneMu.Unlock()
	}()

	if err := ctx.Err(); err != nil {
		return err
	}
	return fn()
}

// Stats returns the current counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	pending := len(p.pending)
	p.mu.Unlock()
	p.tuneMu.Lock()
	invisible := p.invisible
	p.tuneMu.Unlock()

	return Stats{
		Submitted:      p.submitted.Load(),
		Completed:      p.completed.Load(),
		Failed:         p.failed.Load(),
		Cancelled:      p.cancelled.Load(),
		Pending:        pending,
		Running:        p.pool.Running(),
		Capacity:       p.pool.Cap(),
		InvisibleWaits: invisible,
		BreakerState:   p.breaker.GetState().String(),
	}
}

// Close stops accepting jobs, cancels the ones still pending and waits up to
// timeout for running jobs to return.
func (p *Pool) Close(timeout time.Duration) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	close(p.stop)
	p.wg.Wait()

	for _, job := range pending {
		p.cancelled.Add(1)
		job.finish(context.Canceled)
	}

	if err := p.pool.ReleaseTimeout(timeout); err != nil {
		return fmt.Errorf("failed to release worker pool: %w", err)
	}
	return nil
}

func (p *Pool) dispatch() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stop:
			return
		case <-p.signal:
		}

		for {
			p.mu.Lock()
			if len(p.pending) == 0 || p.closed {
				p.mu.Unlock()
				break
			}
			job := p.pending[0]
			p.pending[0] = nil
			p.pending = p.pending[1:]
			p.mu.Unlock()

			if job.ctx.Err() != nil {
				p.cancelled.Add(1)
				job.finish(job.ctx.Err())
				continue
			}
			if err := p.pool.Submit(func() { p.run(job) }); err != nil {
				p.logger.Warn("failed to hand job to worker pool",
					zap.String("job_id", job.id),
					zap.String("job", job.name),
					zap.Error(err))
				p.failed.Add(1)
				job.finish(err)
			}
		}
	}
}

func (p *Pool) run(job *Job) {
	job.mu.Lock()
	job.started = time.Now()
	job.mu.Unlock()

	err := p.safeRun(job)

	switch {
	case err == nil:
		p.completed.Add(1)
		p.breaker.RecordSuccess()
	case job.ctx.Err() != nil:
		p.cancelled.Add(1)
	default:
		p.failed.Add(1)
		p.breaker.RecordFailure()
	}
	job.finish(err)
}

func (p *Pool) safeRun(job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("job panicked",
				zap.String("job_id", job.id),
				zap.String("job", job.name),
				zap.Any("panic", r))
			err = fmt.Errorf("job %s panicked: %v", job.name, r)
		}
	}()
	return job.task(job.ctx)
}

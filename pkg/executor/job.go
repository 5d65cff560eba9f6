package executor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Task is the unit of work run by a Pool. It should return promptly once ctx
// is cancelled.
type Task func(ctx context.Context) error

// Job is a handle on a submitted task.
type Job struct {
	id        string
	name      string
	task      Task
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	submitted time.Time

	mu       sync.Mutex
	err      error
	started  time.Time
	finished time.Time
}

func newJob(ctx context.Context, name string, task Task) *Job {
	jctx, cancel := context.WithCancel(ctx)
	return &Job{
		id:        uuid.New().String(),
		name:      name,
		task:      task,
		ctx:       jctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		submitted: time.Now(),
	}
}

// ID returns the unique job id.
func (j *Job) ID() string { return j.id }

// Name returns the name given at submission.
func (j *Job) Name() string { return j.name }

// Cancel requests cooperative cancellation. A job that has not started yet
// is dropped without running.
func (j *Job) Cancel() { j.cancel() }

// Done is closed once the job has finished or was dropped.
func (j *Job) Done() <-chan struct{} { return j.done }

// Err returns the task's error after Done is closed.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Duration returns how long the task ran, or 0 if it never started.
func (j *Job) Duration() time.Duration {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.started.IsZero() || j.finished.IsZero() {
		return 0
	}
	return j.finished.Sub(j.started)
}

func (j *Job) finish(err error) {
	j.mu.Lock()
	j.err = err
	j.finished = time.Now()
	j.mu.Unlock()
	j.cancel()
	close(j.done)
}

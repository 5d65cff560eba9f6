package executor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	derrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

func newTestPool(t *testing.T, cfg Config) *Pool {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	p, err := NewPool(cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close(time.Second) })
	return p
}

func TestNewPool_RequiresLogger(t *testing.T) {
	_, err := NewPool(DefaultConfig(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "logger cannot be nil")
}

func TestPool_SubmitRunsTask(t *testing.T) {
	p := newTestPool(t, DefaultConfig().WithWorkers(2))

	var ran atomic.Bool
	job, err := p.Submit(context.Background(), "noop", func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID())

	select {
	case <-job.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("job did not finish")
	}
	assert.True(t, ran.Load())
	assert.NoError(t, job.Err())
	assert.Equal(t, int64(1), p.Stats().Completed)
}

func TestPool_SubmitDoesNotBlockWhenSaturated(t *testing.T) {
	p := newTestPool(t, DefaultConfig().WithWorkers(1))

	release := make(chan struct{})
	var jobs []*Job
	for i := 0; i < 5; i++ {
		job, err := p.Submit(context.Background(), "blocked", func(ctx context.Context) error {
			<-release
			return nil
		})
		require.NoError(t, err)
		jobs = append(jobs, job)
	}
	close(release)

	for _, job := range jobs {
		select {
		case <-job.Done():
		case <-time.After(2 * time.Second):
			t.Fatal("job did not finish")
		}
	}
	assert.Equal(t, int64(5), p.Stats().Completed)
}

func TestPool_CancelPendingJob(t *testing.T) {
	p := newTestPool(t, DefaultConfig().WithWorkers(1))

	release := make(chan struct{})
	blocker, err := p.Submit(context.Background(), "blocker", func(ctx context.Context) error {
		<-release
		return nil
	})
	require.NoError(t, err)

	var ran atomic.Bool
	victim, err := p.Submit(context.Background(), "victim", func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})
	require.NoError(t, err)
	victim.Cancel()
	close(release)

	<-blocker.Done()
	<-victim.Done()
	assert.False(t, ran.Load())
	assert.ErrorIs(t, victim.Err(), context.Canceled)
}

func TestPool_RunInvisibleLetsNestedJobsRun(t *testing.T) {
	p := newTestPool(t, DefaultConfig().WithWorkers(1))

	outer, err := p.Submit(context.Background(), "outer", func(ctx context.Context) error {
		return p.RunInvisible(ctx, func() error {
			inner, err := p.Submit(ctx, "inner", func(ctx context.Context) error { return nil })
			if err != nil {
				return err
			}
			<-inner.Done()
			return inner.Err()
		})
	})
	require.NoError(t, err)

	select {
	case <-outer.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("nested job starved")
	}
	assert.NoError(t, outer.Err())
	assert.Equal(t, 1, p.Stats().Capacity)
}

func TestPool_PanicBecomesError(t *testing.T) {
	p := newTestPool(t, DefaultConfig().WithWorkers(1))

	job, err := p.Submit(context.Background(), "boom", func(ctx context.Context) error {
		panic("boom")
	})
	require.NoError(t, err)
	<-job.Done()
	require.Error(t, job.Err())
	assert.Contains(t, job.Err().Error(), "panicked")
	assert.Equal(t, int64(1), p.Stats().Failed)
}

func TestPool_CircuitBreakerRejects(t *testing.T) {
	p := newTestPool(t, DefaultConfig().WithWorkers(1).WithCircuitBreaker(2, time.Minute))

	for i := 0; i < 2; i++ {
		job, err := p.Submit(context.Background(), "fail", func(ctx context.Context) error {
			return errors.New("failed")
		})
		require.NoError(t, err)
		<-job.Done()
	}

	_, err := p.Submit(context.Background(), "rejected", func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, derrors.ErrCircuitOpen)
	assert.Equal(t, "open", p.Stats().BreakerState)
}

func TestPool_SubmitAfterClose(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	p, err := NewPool(DefaultConfig().WithWorkers(1), logger)
	require.NoError(t, err)
	require.NoError(t, p.Close(time.Second))

	_, err = p.Submit(context.Background(), "late", func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolClosed)
}

package workpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunExecutesEveryTask(t *testing.T) {
	p := New(4)
	var sum atomic.Int64
	tasks := make([]Task, 100)
	for i := range tasks {
		n := int64(i + 1)
		tasks[i] = func(context.Context) error {
			sum.Add(n)
			return nil
		}
	}
	require.NoError(t, p.Run(context.Background(), tasks))
	assert.Equal(t, int64(5050), sum.Load())

	m := p.Metrics()
	assert.Equal(t, int64(1), m.Runs)
	assert.Equal(t, int64(100), m.Executed)
}

func TestIdleWorkersSteal(t *testing.T) {
	p := New(2)
	// Worker 0 is queued the slow tasks, worker 1 the fast ones; worker 1
	// finishes early and takes the rest of worker 0's queue.
	tasks := make([]Task, 20)
	for i := range tasks {
		slow := i%2 == 0
		tasks[i] = func(context.Context) error {
			if slow {
				time.Sleep(5 * time.Millisecond)
			}
			return nil
		}
	}
	require.NoError(t, p.Run(context.Background(), tasks))
	assert.Equal(t, int64(20), p.Metrics().Executed)
	assert.Greater(t, p.Metrics().Stolen, int64(0))
}

func TestFirstErrorCancelsRun(t *testing.T) {
	p := New(3)
	boom := errors.New("boom")
	var after atomic.Int64
	tasks := []Task{func(context.Context) error { return boom }}
	for i := 0; i < 50; i++ {
		tasks = append(tasks, func(ctx context.Context) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Millisecond):
				after.Add(1)
				return nil
			}
		})
	}
	err := p.Run(context.Background(), tasks)
	assert.ErrorIs(t, err, boom)
	assert.Less(t, after.Load(), int64(50))
}

func TestRunEmpty(t *testing.T) {
	require.NoError(t, New(0).Run(context.Background(), nil))
	assert.Equal(t, 1, New(0).Workers())
}

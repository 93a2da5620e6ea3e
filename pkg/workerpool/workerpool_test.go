package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Amicidal/sigmachad-sub017/pkg/config"
	"github.com/Amicidal/sigmachad-sub017/pkg/errs"
	"github.com/Amicidal/sigmachad-sub017/pkg/queue"
	"github.com/Amicidal/sigmachad-sub017/pkg/types"
)

func testQueue() *queue.Manager {
	return queue.NewManager(
		config.QueueConfig{Partitions: 2},
		config.RetryConfig{
			MaxAttempts:       3,
			BaseDelay:         time.Millisecond,
			MaxDelay:          5 * time.Millisecond,
			BackoffMultiplier: 2.0,
		},
	)
}

func testWorkerConfig() config.WorkerConfig {
	return config.WorkerConfig{
		MinWorkers:          2,
		MaxWorkers:          4,
		WorkerTimeout:       time.Second,
		HealthCheckInterval: 10 * time.Millisecond,
		RestartThreshold:    2,
		ScalingRules: config.ScalingRules{
			ScaleUpThreshold:   0.8,
			ScaleDownThreshold: 0.2,
		},
	}
}

func enqueueN(t *testing.T, q *queue.Manager, taskType types.TaskType, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, q.Enqueue(&types.Task{
			ID:         fmt.Sprintf("task%d", i),
			Type:       taskType,
			Priority:   1,
			MaxRetries: 2,
		}))
	}
}

func TestPoolProcessesTasks(t *testing.T) {
	q := testQueue()
	var handled atomic.Int64
	pool := NewPool(testWorkerConfig(), q, nil)
	pool.Register(HandlerFunc{
		TaskType: types.TaskParse,
		Fn: func(ctx context.Context, task *types.Task) types.WorkerResult {
			handled.Add(1)
			return types.WorkerResult{Success: true}
		},
	})

	require.NoError(t, pool.Start(context.Background()))
	enqueueN(t, q, types.TaskParse, 10)

	assert.Eventually(t, func() bool { return handled.Load() == 10 },
		2*time.Second, 10*time.Millisecond)
	require.NoError(t, pool.Stop(time.Second))
}

func TestPoolRetryableFailureIsRequeued(t *testing.T) {
	q := testQueue()
	var attempts atomic.Int64
	pool := NewPool(testWorkerConfig(), q, nil)
	pool.Register(HandlerFunc{
		TaskType: types.TaskParse,
		Fn: func(ctx context.Context, task *types.Task) types.WorkerResult {
			if attempts.Add(1) == 1 {
				return types.WorkerResult{Err: errs.New(errs.CodeUnavailable, "transient")}
			}
			return types.WorkerResult{Success: true}
		},
	})

	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, q.Enqueue(&types.Task{ID: "t1", Type: types.TaskParse, Priority: 1, MaxRetries: 2}))

	assert.Eventually(t, func() bool { return attempts.Load() == 2 },
		2*time.Second, 10*time.Millisecond)
	require.NoError(t, pool.Stop(time.Second))
}

func TestPoolExhaustedRetriesHitFailureCallback(t *testing.T) {
	q := testQueue()
	var mu sync.Mutex
	var failures []error
	pool := NewPool(testWorkerConfig(), q, func(task *types.Task, err error) {
		mu.Lock()
		failures = append(failures, err)
		mu.Unlock()
	})
	pool.Register(HandlerFunc{
		TaskType: types.TaskParse,
		Fn: func(ctx context.Context, task *types.Task) types.WorkerResult {
			return types.WorkerResult{Err: errs.New(errs.CodeUnavailable, "always down")}
		},
	})

	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, q.Enqueue(&types.Task{ID: "t1", Type: types.TaskParse, Priority: 1, MaxRetries: 1}))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(failures) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, errs.CodeRetriesExhausted, errs.CodeOf(failures[0]))
	mu.Unlock()
	require.NoError(t, pool.Stop(time.Second))
}

func TestPoolNonRetryableFailureNotRequeued(t *testing.T) {
	q := testQueue()
	var attempts atomic.Int64
	var failed atomic.Int64
	pool := NewPool(testWorkerConfig(), q, func(task *types.Task, err error) {
		failed.Add(1)
	})
	pool.Register(HandlerFunc{
		TaskType: types.TaskParse,
		Fn: func(ctx context.Context, task *types.Task) types.WorkerResult {
			attempts.Add(1)
			return types.WorkerResult{Err: errs.New(errs.CodeValidation, "bad payload")}
		},
	})

	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, q.Enqueue(&types.Task{ID: "t1", Type: types.TaskParse, Priority: 1, MaxRetries: 5}))

	assert.Eventually(t, func() bool { return failed.Load() == 1 },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), attempts.Load(), "validation failures must not retry")
	require.NoError(t, pool.Stop(time.Second))
}

func TestPoolUnknownTaskType(t *testing.T) {
	q := testQueue()
	var mu sync.Mutex
	var failures []error
	pool := NewPool(testWorkerConfig(), q, func(task *types.Task, err error) {
		mu.Lock()
		failures = append(failures, err)
		mu.Unlock()
	})

	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, q.Enqueue(&types.Task{ID: "t1", Type: "no-such-type", Priority: 1}))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(failures) == 1 && errs.CodeOf(failures[0]) == errs.CodeUnknownTaskType
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, pool.Stop(time.Second))
}

func TestPoolPanicContained(t *testing.T) {
	q := testQueue()
	var failed atomic.Int64
	pool := NewPool(testWorkerConfig(), q, func(task *types.Task, err error) {
		failed.Add(1)
	})
	pool.Register(HandlerFunc{
		TaskType: types.TaskParse,
		Fn: func(ctx context.Context, task *types.Task) types.WorkerResult {
			panic("handler bug")
		},
	})

	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, q.Enqueue(&types.Task{ID: "t1", Type: types.TaskParse, Priority: 1}))

	assert.Eventually(t, func() bool { return failed.Load() == 1 },
		2*time.Second, 10*time.Millisecond)
	require.NoError(t, pool.Stop(time.Second))
}

func TestPoolAutoScalesUpUnderLoad(t *testing.T) {
	q := testQueue()
	cfg := testWorkerConfig()
	cfg.AutoScale = true
	release := make(chan struct{})
	pool := NewPool(cfg, q, nil)
	pool.Register(HandlerFunc{
		TaskType: types.TaskParse,
		Fn: func(ctx context.Context, task *types.Task) types.WorkerResult {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return types.WorkerResult{Success: true}
		},
	})

	require.NoError(t, pool.Start(context.Background()))
	enqueueN(t, q, types.TaskParse, 8)

	assert.Eventually(t, func() bool { return pool.Stats().Workers > cfg.MinWorkers },
		2*time.Second, 10*time.Millisecond, "pool should grow while all workers are busy")
	assert.LessOrEqual(t, pool.Stats().Workers, cfg.MaxWorkers)

	close(release)
	require.NoError(t, pool.Stop(time.Second))
}

func TestPoolScalesDownWhenIdle(t *testing.T) {
	q := testQueue()
	cfg := testWorkerConfig()
	cfg.AutoScale = true
	pool := NewPool(cfg, q, nil)
	pool.Register(HandlerFunc{
		TaskType: types.TaskParse,
		Fn: func(ctx context.Context, task *types.Task) types.WorkerResult {
			return types.WorkerResult{Success: true}
		},
	})

	require.NoError(t, pool.Start(context.Background()))

	// Force a scale-up first, then let it drain back to the floor.
	pool.mu.Lock()
	pool.spawnLocked()
	pool.spawnLocked()
	pool.mu.Unlock()

	assert.Eventually(t, func() bool { return pool.Stats().Workers == cfg.MinWorkers },
		2*time.Second, 10*time.Millisecond)
	require.NoError(t, pool.Stop(time.Second))
}

func TestWorkerRestartedAfterErrorStreak(t *testing.T) {
	q := testQueue()
	cfg := testWorkerConfig()
	cfg.MinWorkers = 1
	cfg.MaxWorkers = 1
	pool := NewPool(cfg, q, nil)
	pool.Register(HandlerFunc{
		TaskType: types.TaskParse,
		Fn: func(ctx context.Context, task *types.Task) types.WorkerResult {
			return types.WorkerResult{Err: errs.New(errs.CodeValidation, "always broken")}
		},
	})

	require.NoError(t, pool.Start(context.Background()))
	enqueueN(t, q, types.TaskParse, 6)

	assert.Eventually(t, func() bool { return pool.Stats().Restarts >= 1 },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, pool.Stats().Workers, "replacement keeps the pool at size")
	require.NoError(t, pool.Stop(time.Second))
}

func TestPoolDrainWaitsForInFlight(t *testing.T) {
	q := testQueue()
	started := make(chan struct{})
	var finished atomic.Bool
	pool := NewPool(testWorkerConfig(), q, nil)
	pool.Register(HandlerFunc{
		TaskType: types.TaskParse,
		Fn: func(ctx context.Context, task *types.Task) types.WorkerResult {
			close(started)
			time.Sleep(100 * time.Millisecond)
			finished.Store(true)
			return types.WorkerResult{Success: true}
		},
	})

	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, q.Enqueue(&types.Task{ID: "t1", Type: types.TaskParse, Priority: 1}))

	<-started
	require.NoError(t, pool.Stop(time.Second))
	assert.True(t, finished.Load(), "drain must wait for the in-flight task")
}

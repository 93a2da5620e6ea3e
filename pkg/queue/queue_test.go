package queue

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Amicidal/sigmachad-sub017/pkg/config"
	"github.com/Amicidal/sigmachad-sub017/pkg/errs"
	"github.com/Amicidal/sigmachad-sub017/pkg/types"
)

func testConfig() (config.QueueConfig, config.RetryConfig) {
	return config.QueueConfig{
			Partitions:            4,
			EnableBackpressure:    true,
			BackpressureThreshold: 10,
			PartitionStrategy:     config.StrategyRoundRobin,
		}, config.RetryConfig{
			MaxAttempts:       3,
			BaseDelay:         10 * time.Millisecond,
			MaxDelay:          time.Second,
			BackoffMultiplier: 2.0,
			JitterFactor:      0.1,
		}
}

func newTask(id string, priority int) *types.Task {
	return &types.Task{
		ID:         id,
		Type:       types.TaskParse,
		Priority:   priority,
		MaxRetries: 3,
	}
}

func TestEnqueueDequeuePriorityOrder(t *testing.T) {
	qc, rc := testConfig()
	qc.Partitions = 1
	m := NewManager(qc, rc)

	require.NoError(t, m.Enqueue(newTask("low", 9)))
	require.NoError(t, m.Enqueue(newTask("high", 0)))
	require.NoError(t, m.Enqueue(newTask("mid", 5)))

	assert.Equal(t, "high", m.Dequeue().ID)
	assert.Equal(t, "mid", m.Dequeue().ID)
	assert.Equal(t, "low", m.Dequeue().ID)
	assert.Nil(t, m.Dequeue())
}

func TestFIFOWithinPriority(t *testing.T) {
	qc, rc := testConfig()
	qc.Partitions = 1
	m := NewManager(qc, rc)

	base := time.Now()
	for i := 0; i < 5; i++ {
		task := newTask(fmt.Sprintf("t%d", i), 5)
		task.EnqueuedAt = base.Add(time.Duration(i) * time.Millisecond)
		require.NoError(t, m.Enqueue(task))
	}
	for i := 0; i < 5; i++ {
		assert.Equal(t, fmt.Sprintf("t%d", i), m.Dequeue().ID)
	}
}

func TestNotBeforeDefersDequeue(t *testing.T) {
	qc, rc := testConfig()
	qc.Partitions = 1
	m := NewManager(qc, rc)

	delayed := newTask("delayed", 0)
	delayed.NotBefore = time.Now().Add(50 * time.Millisecond)
	require.NoError(t, m.Enqueue(delayed))
	require.NoError(t, m.Enqueue(newTask("ready", 5)))

	// The delayed task has higher priority but is not yet eligible.
	assert.Equal(t, "ready", m.Dequeue().ID)
	assert.Nil(t, m.Dequeue())

	time.Sleep(60 * time.Millisecond)
	got := m.Dequeue()
	require.NotNil(t, got)
	assert.Equal(t, "delayed", got.ID)
}

func TestBackpressureShedsBestEffortOnly(t *testing.T) {
	qc, rc := testConfig()
	qc.BackpressureThreshold = 3
	m := NewManager(qc, rc)

	for i := 0; i < 4; i++ {
		require.NoError(t, m.Enqueue(newTask(fmt.Sprintf("fill%d", i), 5)))
	}

	err := m.Enqueue(newTask("best-effort", 5))
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.CodeQueueOverflow))

	// Priority <= 2 is still accepted.
	assert.NoError(t, m.Enqueue(newTask("urgent", 2)))
	assert.NoError(t, m.Enqueue(newTask("critical", 0)))
}

func TestRequeueBackoffIncreases(t *testing.T) {
	qc, rc := testConfig()
	qc.Partitions = 1
	m := NewManager(qc, rc)

	task := newTask("retry-me", 5)
	require.NoError(t, m.Enqueue(task))
	got := m.Dequeue()
	require.NotNil(t, got)

	require.NoError(t, m.Requeue(got))
	assert.Equal(t, 1, got.RetryCount)
	first := got.NotBefore
	assert.True(t, first.After(time.Now()))

	// Not eligible until NotBefore passes.
	assert.Nil(t, m.Dequeue())

	time.Sleep(time.Until(first) + 5*time.Millisecond)
	got = m.Dequeue()
	require.NotNil(t, got)

	require.NoError(t, m.Requeue(got))
	assert.True(t, got.NotBefore.After(first), "second retry must be scheduled later than the first")
}

func TestRequeueExhaustsRetries(t *testing.T) {
	qc, rc := testConfig()
	m := NewManager(qc, rc)

	task := newTask("doomed", 5)
	task.MaxRetries = 2
	task.RetryCount = 2
	err := m.Requeue(task)
	require.Error(t, err)
	assert.Equal(t, 3, task.RetryCount)
	assert.Equal(t, 0, m.Depth(), "exhausted task must not re-enter the queue")
}

func TestHashStrategyStickyPartition(t *testing.T) {
	qc, rc := testConfig()
	qc.PartitionStrategy = config.StrategyHash
	m := NewManager(qc, rc)

	for i := 0; i < 10; i++ {
		task := newTask(fmt.Sprintf("t%d", i), 5)
		task.PartitionKey = "same-file.go"
		require.NoError(t, m.Enqueue(task))
	}

	stats := m.Stats()
	nonEmpty := 0
	for _, d := range stats.PartitionDepths {
		if d > 0 {
			nonEmpty++
		}
	}
	assert.Equal(t, 1, nonEmpty, "same partition key must land in one partition")
}

func TestPriorityStrategyMapsToPartitionIndex(t *testing.T) {
	qc, rc := testConfig()
	qc.Partitions = 10
	qc.PartitionStrategy = config.StrategyPriority
	m := NewManager(qc, rc)

	require.NoError(t, m.Enqueue(newTask("p0", 0)))
	require.NoError(t, m.Enqueue(newTask("p7", 7)))

	stats := m.Stats()
	assert.Equal(t, 1, stats.PartitionDepths[0])
	assert.Equal(t, 1, stats.PartitionDepths[7])
}

func TestDequeueBatch(t *testing.T) {
	qc, rc := testConfig()
	m := NewManager(qc, rc)

	for i := 0; i < 7; i++ {
		require.NoError(t, m.Enqueue(newTask(fmt.Sprintf("t%d", i), 5)))
	}
	batch := m.DequeueBatch(5)
	assert.Len(t, batch, 5)
	assert.Equal(t, 2, m.Depth())
}

func TestStats(t *testing.T) {
	qc, rc := testConfig()
	m := NewManager(qc, rc)

	old := newTask("old", 5)
	old.EnqueuedAt = time.Now().Add(-time.Minute)
	require.NoError(t, m.Enqueue(old))

	stats := m.Stats()
	assert.Equal(t, 1, stats.Depth)
	assert.GreaterOrEqual(t, stats.OldestTaskAge, 59*time.Second)
	assert.False(t, stats.BackpressureActive)
}

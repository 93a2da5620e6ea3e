package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Amicidal/sigmachad-sub017/pkg/config"
	"github.com/Amicidal/sigmachad-sub017/pkg/errs"
	"github.com/Amicidal/sigmachad-sub017/pkg/events"
	"github.com/Amicidal/sigmachad-sub017/pkg/graph"
	"github.com/Amicidal/sigmachad-sub017/pkg/types"
	"github.com/Amicidal/sigmachad-sub017/pkg/workerpool"
)

func testPipelineConfig() *config.Config {
	cfg := config.Default()
	cfg.Queue.Partitions = 2
	cfg.Queue.BackpressureThreshold = 1000
	cfg.Workers.MinWorkers = 1
	cfg.Workers.MaxWorkers = 2
	cfg.Workers.AutoScale = false
	cfg.Workers.WorkerTimeout = 5 * time.Second
	cfg.Errors.Retry.MaxAttempts = 3
	cfg.Errors.Retry.BaseDelay = 10 * time.Millisecond
	cfg.Errors.Retry.MaxDelay = 100 * time.Millisecond
	cfg.Errors.Retry.JitterFactor = 0
	cfg.Errors.CircuitBreaker.FailureThreshold = 1000
	cfg.Errors.DeadLetterQueue.MaxSize = 16
	cfg.Pipeline.MetricsInterval = 10 * time.Second
	return cfg
}

func newTestPipeline(t *testing.T, cfg *config.Config) (*Pipeline, *graph.MemoryService) {
	t.Helper()
	svc := graph.NewMemoryService()
	adapter := graph.NewWriteAdapter(svc, graph.AdapterOptions{})
	p := New(cfg, adapter, nil, nil)
	return p, svc
}

func startPipeline(t *testing.T, p *Pipeline) {
	t.Helper()
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { _ = p.Stop(2 * time.Second) })
}

func TestIngestChangeEventWritesFileAndDirectory(t *testing.T) {
	p, svc := newTestPipeline(t, testPipelineConfig())
	startPipeline(t, p)

	err := p.IngestChangeEvent(types.ChangeEvent{
		Source: "test",
		Kind:   types.ChangeFileAdded,
		Path:   "src/server/main.go",
	})
	require.NoError(t, err)
	require.NoError(t, p.WaitForCompletion(3*time.Second))

	paths := make(map[string]types.EntityType)
	for _, e := range svc.Entities {
		paths[e.Path] = e.Type
	}
	assert.Equal(t, types.EntityFile, paths["src/server/main.go"])
	assert.Equal(t, types.EntityDirectory, paths["src/server"])

	s := p.Stats()
	assert.Equal(t, int64(1), s.Completed)
	assert.Equal(t, int64(0), s.Failed)
}

func TestIngestChangeEventsReportsAcceptedCount(t *testing.T) {
	p, _ := newTestPipeline(t, testPipelineConfig())
	startPipeline(t, p)

	accepted, err := p.IngestChangeEvents([]types.ChangeEvent{
		{Kind: types.ChangeFileAdded, Path: "a.go"},
		{Kind: types.ChangeFileChanged, Path: ""}, // rejected
		{Kind: types.ChangeFileAdded, Path: "b.go"},
	})
	assert.Equal(t, 2, accepted)
	assert.Equal(t, errs.CodeValidation, errs.CodeOf(err))
	require.NoError(t, p.WaitForCompletion(3*time.Second))
}

// Retry then success: two transient failures, third attempt lands.
func TestTaskRetriesThenSucceeds(t *testing.T) {
	cfg := testPipelineConfig()
	p, _ := newTestPipeline(t, cfg)

	var attempts atomic.Int64
	p.RegisterHandler(workerpool.HandlerFunc{
		TaskType: types.TaskEntityUpsert,
		Fn: func(ctx context.Context, task *types.Task) types.WorkerResult {
			if attempts.Add(1) <= 2 {
				return types.WorkerResult{Err: errs.New(errs.CodeTimeout, "connection timed out")}
			}
			return types.WorkerResult{Success: true}
		},
	})
	startPipeline(t, p)

	require.NoError(t, p.Submit(&types.Task{
		Type:    types.TaskEntityUpsert,
		Payload: types.Entity{ID: "e1", Type: types.EntityFile},
	}))

	require.Eventually(t, func() bool {
		return p.Stats().Completed == 1
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, int64(3), attempts.Load())
	s := p.Stats()
	assert.Equal(t, int64(2), s.Retried)
	assert.Equal(t, int64(0), s.Failed)
	assert.Equal(t, 0, s.DeadLettered)
}

// Exhausted retries land the task in the DLQ; resubmission grants a fresh
// retry budget.
func TestExhaustedTaskDeadLetteredAndResubmitted(t *testing.T) {
	cfg := testPipelineConfig()
	cfg.Errors.Retry.MaxAttempts = 2
	p, _ := newTestPipeline(t, cfg)

	var broken atomic.Bool
	broken.Store(true)
	var retryCountOnResubmit atomic.Int64
	retryCountOnResubmit.Store(-1)

	p.RegisterHandler(workerpool.HandlerFunc{
		TaskType: types.TaskEntityUpsert,
		Fn: func(ctx context.Context, task *types.Task) types.WorkerResult {
			if broken.Load() {
				return types.WorkerResult{Err: errors.New("db down")}
			}
			retryCountOnResubmit.Store(int64(task.RetryCount))
			return types.WorkerResult{Success: true}
		},
	})
	startPipeline(t, p)

	require.NoError(t, p.Submit(&types.Task{
		ID:      "task_dlq",
		Type:    types.TaskEntityUpsert,
		Payload: types.Entity{ID: "e1", Type: types.EntityFile},
	}))

	require.Eventually(t, func() bool {
		return p.dlq.Size() == 1
	}, 3*time.Second, 10*time.Millisecond)

	entries := p.DeadLetters()
	require.Len(t, entries, 1)
	assert.Equal(t, "task_dlq", entries[0].Task.ID)
	assert.Equal(t, 2, entries[0].Attempts)
	assert.Contains(t, entries[0].Error, "db down")
	assert.Equal(t, 0, p.queue.Depth())
	assert.Equal(t, int64(1), p.Stats().Failed)

	broken.Store(false)
	require.NoError(t, p.ResubmitDeadLetter("task_dlq"))
	require.Eventually(t, func() bool {
		return p.Stats().Completed == 1
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, int64(0), retryCountOnResubmit.Load())
	assert.Equal(t, 0, p.dlq.Size())
}

func TestResubmitUnknownTaskFails(t *testing.T) {
	p, _ := newTestPipeline(t, testPipelineConfig())
	err := p.ResubmitDeadLetter("missing")
	assert.Equal(t, errs.CodeValidation, errs.CodeOf(err))
}

func TestPauseStopsIntakeOnly(t *testing.T) {
	p, svc := newTestPipeline(t, testPipelineConfig())
	startPipeline(t, p)

	require.NoError(t, p.IngestChangeEvent(types.ChangeEvent{Kind: types.ChangeFileAdded, Path: "a.go"}))
	require.NoError(t, p.Pause())
	assert.Equal(t, StatePaused, p.State())

	err := p.IngestChangeEvent(types.ChangeEvent{Kind: types.ChangeFileAdded, Path: "b.go"})
	assert.Equal(t, errs.CodeUnavailable, errs.CodeOf(err))

	// Already queued work still drains while paused.
	require.NoError(t, p.WaitForCompletion(3*time.Second))
	assert.NotEmpty(t, svc.Entities)

	require.NoError(t, p.Resume())
	require.NoError(t, p.IngestChangeEvent(types.ChangeEvent{Kind: types.ChangeFileAdded, Path: "b.go"}))
	require.NoError(t, p.WaitForCompletion(3*time.Second))
}

func TestLifecycleTransitions(t *testing.T) {
	p, _ := newTestPipeline(t, testPipelineConfig())

	assert.Equal(t, StateInitialized, p.State())
	require.Error(t, p.Pause())
	require.Error(t, p.Resume())

	require.NoError(t, p.Start(context.Background()))
	assert.Equal(t, StateRunning, p.State())
	require.Error(t, p.Start(context.Background()))

	require.NoError(t, p.Stop(2*time.Second))
	assert.Equal(t, StateStopped, p.State())
	require.NoError(t, p.Stop(2*time.Second)) // idempotent

	err := p.IngestChangeEvent(types.ChangeEvent{Kind: types.ChangeFileAdded, Path: "a.go"})
	assert.Equal(t, errs.CodeUnavailable, errs.CodeOf(err))
}

func TestProcessChangeFragmentsBypassesQueue(t *testing.T) {
	p, svc := newTestPipeline(t, testPipelineConfig())
	startPipeline(t, p)

	result, err := p.ProcessChangeFragments(context.Background(), []types.ChangeFragment{
		{
			ID:         "f1",
			EventID:    "evt1",
			ChangeType: types.ChangeEntity,
			Operation:  types.OpAdd,
			Data:       types.Entity{ID: "e1", Type: types.EntityFile, Path: "a.go"},
			Confidence: 1,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Processed)
	assert.Contains(t, svc.Entities, "e1")
	assert.Equal(t, 0, p.queue.Depth())
}

func TestProcessChangeFragmentsRetriesTransientFailure(t *testing.T) {
	p, svc := newTestPipeline(t, testPipelineConfig())
	startPipeline(t, p)

	svc.FailNext("entity", 1, errs.New(errs.CodeUnavailable, "graph hiccup"))

	_, err := p.ProcessChangeFragments(context.Background(), []types.ChangeFragment{
		{
			ID:         "f1",
			EventID:    "evt1",
			ChangeType: types.ChangeEntity,
			Operation:  types.OpAdd,
			Data:       types.Entity{ID: "e1", Type: types.EntityFile, Path: "a.go"},
			Confidence: 1,
		},
	})
	require.NoError(t, err)
	assert.Contains(t, svc.Entities, "e1")
}

func TestScheduleEnrichmentFloorsPriority(t *testing.T) {
	p, svc := newTestPipeline(t, testPipelineConfig())
	startPipeline(t, p)

	task := &types.Task{
		Payload:  types.Entity{ID: "e1", Type: types.EntityFile},
		Priority: 0,
	}
	require.NoError(t, p.ScheduleEnrichment(task))
	assert.Equal(t, types.TaskEnrich, task.Type)
	assert.Equal(t, 8, task.Priority)

	require.NoError(t, p.WaitForCompletion(3*time.Second))
	assert.Equal(t, 1, svc.Embeddings["e1"])
}

func TestQueueOverflowPublishesEvent(t *testing.T) {
	cfg := testPipelineConfig()
	cfg.Queue.EnableBackpressure = true
	cfg.Queue.BackpressureThreshold = 1

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)
	sub := broker.Subscribe()

	svc := graph.NewMemoryService()
	adapter := graph.NewWriteAdapter(svc, graph.AdapterOptions{})
	p := New(cfg, adapter, broker, nil)

	// A slow parse handler keeps the queue from draining under the test.
	p.RegisterHandler(workerpool.HandlerFunc{
		TaskType: types.TaskParse,
		Fn: func(ctx context.Context, task *types.Task) types.WorkerResult {
			time.Sleep(50 * time.Millisecond)
			return types.WorkerResult{Success: true}
		},
	})
	startPipeline(t, p)

	var overflowErr error
	for i := 0; i < 10 && overflowErr == nil; i++ {
		// Default priority for an unknown extension is best-effort, so
		// backpressure applies.
		overflowErr = p.IngestChangeEvent(types.ChangeEvent{
			Kind: types.ChangeFileChanged,
			Path: "data/file.bin",
		})
	}
	require.Error(t, overflowErr)
	assert.Equal(t, errs.CodeQueueOverflow, errs.CodeOf(overflowErr))

	require.Eventually(t, func() bool {
		for {
			select {
			case evt := <-sub:
				if evt.Type == events.EventQueueOverflow {
					return true
				}
			default:
				return false
			}
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAlertsFireOnThresholdBreach(t *testing.T) {
	cfg := testPipelineConfig()
	cfg.Errors.Retry.MaxAttempts = 1
	cfg.Pipeline.Alerts.ErrorRate = 0.5
	cfg.Pipeline.Alerts.QueueDepth = 0
	cfg.Pipeline.Alerts.P95Latency = 0

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)
	sub := broker.Subscribe()

	svc := graph.NewMemoryService()
	adapter := graph.NewWriteAdapter(svc, graph.AdapterOptions{})
	p := New(cfg, adapter, broker, nil)
	p.RegisterHandler(workerpool.HandlerFunc{
		TaskType: types.TaskParse,
		Fn: func(ctx context.Context, task *types.Task) types.WorkerResult {
			return types.WorkerResult{Err: errs.New(errs.CodeValidation, "bad input")}
		},
	})
	startPipeline(t, p)

	require.NoError(t, p.IngestChangeEvent(types.ChangeEvent{Kind: types.ChangeFileAdded, Path: "a.go"}))
	require.Eventually(t, func() bool {
		return p.Stats().Failed == 1
	}, 3*time.Second, 10*time.Millisecond)

	p.evaluateAlerts(p.Stats())

	var sawAlert bool
	deadline := time.After(2 * time.Second)
	for !sawAlert {
		select {
		case evt := <-sub:
			if evt.Type == events.EventAlertRaised && evt.Metadata["reason"] == "error_rate" {
				sawAlert = true
			}
		case <-deadline:
			t.Fatal("no error_rate alert received")
		}
	}
}

func TestStatsErrorRate(t *testing.T) {
	p, _ := newTestPipeline(t, testPipelineConfig())
	p.completed.Store(3)
	p.failed.Store(1)
	assert.InDelta(t, 0.25, p.Stats().ErrorRate, 0.001)
}

func TestSubmitRejectsUnknownState(t *testing.T) {
	p, _ := newTestPipeline(t, testPipelineConfig())
	err := p.Submit(&types.Task{Type: types.TaskEntityUpsert, Payload: types.Entity{ID: "e1"}})
	assert.Equal(t, errs.CodeUnavailable, errs.CodeOf(err))
}

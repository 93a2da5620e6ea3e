package checkpoint

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Amicidal/sigmachad-sub017/pkg/config"
	"github.com/Amicidal/sigmachad-sub017/pkg/errs"
	"github.com/Amicidal/sigmachad-sub017/pkg/graph"
	"github.com/Amicidal/sigmachad-sub017/pkg/types"
)

func testCheckpointConfig() config.CheckpointConfig {
	return config.CheckpointConfig{
		Concurrency: 2,
		RetryDelay:  5 * time.Millisecond,
		MaxAttempts: 3,
	}
}

type doneResult struct {
	checkpointID string
	err          error
}

func submitAndWait(t *testing.T, r *Runner, payload types.CheckpointPayload) doneResult {
	t.Helper()
	done := make(chan doneResult, 1)
	_, err := r.Submit(context.Background(), payload, func(id string, err error) {
		done <- doneResult{checkpointID: id, err: err}
	})
	require.NoError(t, err)
	select {
	case res := <-done:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("checkpoint job did not finish")
		return doneResult{}
	}
}

func TestJobCompletesAndRowDeleted(t *testing.T) {
	svc := graph.NewMemoryService()
	store := NewMemoryJobStore()
	r := NewRunner(testCheckpointConfig(), svc, store, nil)
	require.NoError(t, initRunner(t, r))

	res := submitAndWait(t, r, types.CheckpointPayload{
		SessionID:     "s1",
		SeedEntityIDs: []string{"ent1", "ent2"},
		Reason:        types.CheckpointManual,
	})
	require.NoError(t, res.err)
	assert.Equal(t, "checkpoint_1", res.checkpointID)

	assert.Equal(t, []string{"ent1", "ent2"}, svc.Checkpoints["checkpoint_1"])
	assert.Equal(t, []string{"pending", "checkpoint_1"}, svc.Annotations["s1"])

	require.Len(t, svc.Links, 1)
	assert.Equal(t, "s1", svc.Links[0].SessionID)
	assert.Equal(t, "checkpoint_1", svc.Links[0].CheckpointID)
	assert.Equal(t, string(types.JobCompleted), svc.Links[0].Meta["status"])

	assert.Zero(t, r.QueueDepth())
	pending, err := store.LoadPending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending, "completed job must leave no row")
}

func TestJobRetriesThenSucceeds(t *testing.T) {
	svc := graph.NewMemoryService()
	svc.FailNext("checkpoint", 1, errors.New("graph hiccup"))
	store := NewMemoryJobStore()
	r := NewRunner(testCheckpointConfig(), svc, store, nil)
	require.NoError(t, initRunner(t, r))

	res := submitAndWait(t, r, types.CheckpointPayload{SessionID: "s1"})
	require.NoError(t, res.err)
	assert.NotEmpty(t, res.checkpointID)

	pending, err := store.LoadPending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestExhaustedJobDeadLettered(t *testing.T) {
	svc := graph.NewMemoryService()
	svc.FailNext("checkpoint", 10, errors.New("graph down"))
	store := NewMemoryJobStore()
	cfg := testCheckpointConfig()
	cfg.MaxAttempts = 2
	r := NewRunner(cfg, svc, store, nil)
	require.NoError(t, initRunner(t, r))

	res := submitAndWait(t, r, types.CheckpointPayload{SessionID: "s1"})
	require.Error(t, res.err)
	assert.Equal(t, errs.CodeRetriesExhausted, errs.CodeOf(res.err))
	assert.Empty(t, res.checkpointID)

	dead := r.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, types.JobManualIntervention, dead[0].Status)
	assert.Equal(t, 2, dead[0].Attempts)
	assert.Contains(t, dead[0].LastError, "graph down")

	// The row survives for operators.
	row, ok := store.Get(dead[0].ID)
	require.True(t, ok)
	assert.Equal(t, types.JobManualIntervention, row.Status)

	// The session still gets a link, downgraded for manual follow-up.
	require.Len(t, svc.Links, 1)
	assert.Equal(t, string(types.JobManualIntervention), svc.Links[0].Meta["status"])
	assert.Empty(t, svc.Links[0].CheckpointID)
}

func TestOrphanCheckpointDeletedOnFinalFailure(t *testing.T) {
	svc := graph.NewMemoryService()
	svc.FailNext("link", 10, errors.New("link write refused"))
	store := NewMemoryJobStore()
	cfg := testCheckpointConfig()
	cfg.MaxAttempts = 1
	r := NewRunner(cfg, svc, store, nil)
	require.NoError(t, initRunner(t, r))

	res := submitAndWait(t, r, types.CheckpointPayload{SessionID: "s1", SeedEntityIDs: []string{"ent1"}})
	require.Error(t, res.err)

	assert.Empty(t, svc.Checkpoints, "unlinked checkpoint must not survive the job")
	require.Len(t, r.DeadLetters(), 1)
}

type slowOps struct {
	*graph.MemoryService
	delay time.Duration

	mu    sync.Mutex
	spans [][2]time.Time
}

func (s *slowOps) CreateCheckpoint(ctx context.Context, seeds []string, opts graph.CheckpointOptions) (string, error) {
	start := time.Now()
	time.Sleep(s.delay)
	id, err := s.MemoryService.CreateCheckpoint(ctx, seeds, opts)
	s.mu.Lock()
	s.spans = append(s.spans, [2]time.Time{start, time.Now()})
	s.mu.Unlock()
	return id, err
}

func TestSameSessionJobsRunInOrder(t *testing.T) {
	svc := &slowOps{MemoryService: graph.NewMemoryService(), delay: 30 * time.Millisecond}
	r := NewRunner(testCheckpointConfig(), svc, NewMemoryJobStore(), nil)
	require.NoError(t, initRunner(t, r))

	var wg sync.WaitGroup
	wg.Add(2)
	for i := 0; i < 2; i++ {
		_, err := r.Submit(context.Background(), types.CheckpointPayload{SessionID: "s1"},
			func(string, error) { wg.Done() })
		require.NoError(t, err)
	}
	wg.Wait()

	svc.mu.Lock()
	defer svc.mu.Unlock()
	require.Len(t, svc.spans, 2)
	assert.False(t, svc.spans[1][0].Before(svc.spans[0][1]),
		"second job must not start before the first finishes")
}

func TestHydrateRestoresPersistedJobs(t *testing.T) {
	store := NewMemoryJobStore()
	persisted := types.CheckpointJob{
		ID:       "checkpoint_job_1_1",
		Payload:  types.CheckpointPayload{SessionID: "s1", SeedEntityIDs: []string{"ent1"}},
		Status:   types.JobPending,
		Attempts: 1,
		QueuedAt: time.Now().Add(-time.Minute),
	}
	require.NoError(t, store.Upsert(context.Background(), persisted))

	svc := graph.NewMemoryService()
	r := NewRunner(testCheckpointConfig(), svc, store, nil)

	restored, err := r.Hydrate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, restored)

	// Hydrating again must not duplicate the queued job.
	restored, err = r.Hydrate(context.Background())
	require.NoError(t, err)
	assert.Zero(t, restored)

	r.Start()
	t.Cleanup(func() { _ = r.Stop(time.Second) })

	require.Eventually(t, func() bool {
		_, ok := store.Get(persisted.ID)
		return !ok
	}, 5*time.Second, 10*time.Millisecond, "hydrated job should run to completion")
	assert.Len(t, svc.Checkpoints, 1)
}

func TestResubmitDeadLetteredJob(t *testing.T) {
	svc := graph.NewMemoryService()
	svc.FailNext("checkpoint", 10, errors.New("graph down"))
	cfg := testCheckpointConfig()
	cfg.MaxAttempts = 1
	r := NewRunner(cfg, svc, NewMemoryJobStore(), nil)
	require.NoError(t, initRunner(t, r))

	res := submitAndWait(t, r, types.CheckpointPayload{SessionID: "s1"})
	require.Error(t, res.err)
	dead := r.DeadLetters()
	require.Len(t, dead, 1)

	svc.FailNext("checkpoint", 0, nil)
	require.NoError(t, r.Resubmit(context.Background(), dead[0].ID))

	require.Eventually(t, func() bool {
		return len(r.DeadLetters()) == 0 && r.QueueDepth() == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Len(t, svc.Checkpoints, 1)
}

func TestSubmitRequiresSessionID(t *testing.T) {
	r := NewRunner(testCheckpointConfig(), graph.NewMemoryService(), NewMemoryJobStore(), nil)
	_, err := r.Submit(context.Background(), types.CheckpointPayload{}, nil)
	assert.Equal(t, errs.CodeValidation, errs.CodeOf(err))
}

func TestStoppedRunnerRejectsSubmits(t *testing.T) {
	r := NewRunner(testCheckpointConfig(), graph.NewMemoryService(), NewMemoryJobStore(), nil)
	require.NoError(t, initRunner(t, r))
	require.NoError(t, r.Stop(time.Second))

	_, err := r.Submit(context.Background(), types.CheckpointPayload{SessionID: "s1"}, nil)
	assert.Equal(t, errs.CodeUnavailable, errs.CodeOf(err))
}

func initRunner(t *testing.T, r *Runner) error {
	t.Helper()
	if _, err := r.Hydrate(context.Background()); err != nil {
		return err
	}
	r.Start()
	t.Cleanup(func() { _ = r.Stop(time.Second) })
	return nil
}

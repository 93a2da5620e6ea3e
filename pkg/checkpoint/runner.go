package checkpoint

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Amicidal/sigmachad-sub017/pkg/config"
	"github.com/Amicidal/sigmachad-sub017/pkg/errs"
	"github.com/Amicidal/sigmachad-sub017/pkg/events"
	"github.com/Amicidal/sigmachad-sub017/pkg/graph"
	"github.com/Amicidal/sigmachad-sub017/pkg/log"
	"github.com/Amicidal/sigmachad-sub017/pkg/metrics"
	"github.com/Amicidal/sigmachad-sub017/pkg/types"
)

const maxDeadLetters = 256

// jobEntry pairs a job with its completion callback. Callbacks are not
// persisted; hydrated jobs complete without one.
type jobEntry struct {
	job    types.CheckpointJob
	onDone func(checkpointID string, err error)
}

// Runner executes checkpoint jobs against the graph with bounded
// concurrency. Jobs for the same session run strictly in submission
// order; jobs for different sessions run in parallel up to
// cfg.Concurrency. Every status change is persisted through the JobStore
// so queued and mid-retry jobs survive a crash.
type Runner struct {
	cfg    config.CheckpointConfig
	graph  graph.CheckpointOps
	store  JobStore
	broker *events.Broker // nil disables event publication

	mu      sync.Mutex
	queues  map[string][]*jobEntry // session id -> FIFO of waiting jobs
	running map[string]bool        // sessions with a job in flight
	active  int
	dlq     map[string]types.CheckpointJob
	stopped bool

	counter uint64
	notify  chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewRunner creates a checkpoint job runner. The broker may be nil.
func NewRunner(cfg config.CheckpointConfig, g graph.CheckpointOps, store JobStore, broker *events.Broker) *Runner {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if store == nil {
		store = NewMemoryJobStore()
	}
	return &Runner{
		cfg:     cfg,
		graph:   g,
		store:   store,
		broker:  broker,
		queues:  make(map[string][]*jobEntry),
		running: make(map[string]bool),
		dlq:     make(map[string]types.CheckpointJob),
		notify:  make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
}

// Hydrate reloads persisted jobs after a restart. Pending and queued
// jobs re-enter the queue; dead-lettered jobs load into the DLQ for
// inspection. Safe to call repeatedly; jobs already known are skipped.
func (r *Runner) Hydrate(ctx context.Context) (int, error) {
	if err := r.store.Initialize(ctx); err != nil {
		return 0, errs.Wrap(errs.CodeUnavailable, "job store init", err)
	}

	pending, err := r.store.LoadPending(ctx)
	if err != nil {
		return 0, errs.Wrap(errs.CodeUnavailable, "load pending jobs", err)
	}
	dead, err := r.store.LoadDeadLetters(ctx)
	if err != nil {
		return 0, errs.Wrap(errs.CodeUnavailable, "load dead letters", err)
	}

	r.mu.Lock()
	known := make(map[string]bool, len(r.dlq))
	for _, q := range r.queues {
		for _, e := range q {
			known[e.job.ID] = true
		}
	}
	for id := range r.dlq {
		known[id] = true
	}

	restored := 0
	for _, job := range pending {
		if known[job.ID] {
			continue
		}
		known[job.ID] = true
		// A job caught mid-run by a crash starts over from queued.
		job.Status = types.JobQueued
		r.queues[job.Payload.SessionID] = append(r.queues[job.Payload.SessionID], &jobEntry{job: job})
		restored++
	}
	for _, job := range dead {
		r.dlq[job.ID] = job
	}
	r.mu.Unlock()

	if restored > 0 {
		log.WithComponent("checkpoint").Info().Int("restored", restored).Msg("hydrated persisted checkpoint jobs")
		r.wake()
	}
	return restored, nil
}

// Start launches the dispatch loop
func (r *Runner) Start() {
	r.wg.Add(1)
	go r.dispatchLoop()
	r.wake()
}

// Stop drains the runner: no new jobs start, in-flight jobs finish their
// current attempt. Returns CodeTimeout when jobs are still running after
// the deadline.
func (r *Runner) Stop(timeout time.Duration) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	r.mu.Unlock()
	close(r.stopCh)

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errs.New(errs.CodeTimeout, "checkpoint runner drain timed out")
	}
}

// Submit enqueues a checkpoint job and returns its id. onDone fires once
// the job reaches a terminal state and may be nil.
func (r *Runner) Submit(ctx context.Context, payload types.CheckpointPayload, onDone func(checkpointID string, err error)) (string, error) {
	if payload.SessionID == "" {
		return "", errs.New(errs.CodeValidation, "checkpoint payload requires a session id")
	}
	if payload.Reason == "" {
		payload.Reason = types.CheckpointManual
	}

	now := time.Now()
	job := types.CheckpointJob{
		ID:        fmt.Sprintf("checkpoint_job_%d_%d", now.UnixMilli(), atomic.AddUint64(&r.counter, 1)),
		Payload:   payload,
		Status:    types.JobQueued,
		QueuedAt:  now,
		UpdatedAt: now,
	}

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return "", errs.New(errs.CodeUnavailable, "checkpoint runner is stopped")
	}
	r.queues[payload.SessionID] = append(r.queues[payload.SessionID], &jobEntry{job: job, onDone: onDone})
	r.mu.Unlock()

	if err := r.store.Upsert(ctx, job); err != nil {
		log.WithJobID(job.ID).Warn().Err(err).Msg("job not persisted, continuing in memory")
	}
	metrics.CheckpointJobs.WithLabelValues(string(types.JobQueued)).Inc()
	r.publish(events.EventJobEnqueued, job, "")
	r.wake()
	return job.ID, nil
}

// DeadLetters returns a snapshot of dead-lettered jobs, oldest first
func (r *Runner) DeadLetters() []types.CheckpointJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.CheckpointJob, 0, len(r.dlq))
	for _, j := range r.dlq {
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].QueuedAt.Before(out[k].QueuedAt) })
	return out
}

// Resubmit requeues a dead-lettered job with a fresh attempt budget
func (r *Runner) Resubmit(ctx context.Context, jobID string) error {
	r.mu.Lock()
	job, ok := r.dlq[jobID]
	if !ok {
		r.mu.Unlock()
		return errs.Newf(errs.CodeValidation, "job %s is not dead-lettered", jobID)
	}
	delete(r.dlq, jobID)
	job.Attempts = 0
	job.Status = types.JobQueued
	job.LastError = ""
	job.UpdatedAt = time.Now()
	r.queues[job.Payload.SessionID] = append(r.queues[job.Payload.SessionID], &jobEntry{job: job})
	r.mu.Unlock()

	if err := r.store.Upsert(ctx, job); err != nil {
		return errs.Wrap(errs.CodeUnavailable, "persist resubmitted job", err)
	}
	r.wake()
	return nil
}

// QueueDepth returns the number of jobs waiting or running
func (r *Runner) QueueDepth() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.active
	for _, q := range r.queues {
		n += len(q)
	}
	return n
}

func (r *Runner) wake() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

func (r *Runner) dispatchLoop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.stopCh:
			return
		case <-r.notify:
		}
		r.dispatch()
	}
}

// dispatch starts jobs until the concurrency budget is spent or no
// session has runnable work. Sessions are scanned in sorted order so
// dispatch under contention stays deterministic.
func (r *Runner) dispatch() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for r.active < r.cfg.Concurrency {
		sessionID := ""
		for _, sid := range r.sortedSessionsLocked() {
			if !r.running[sid] && len(r.queues[sid]) > 0 {
				sessionID = sid
				break
			}
		}
		if sessionID == "" {
			return
		}
		entry := r.queues[sessionID][0]
		r.queues[sessionID] = r.queues[sessionID][1:]
		if len(r.queues[sessionID]) == 0 {
			delete(r.queues, sessionID)
		}
		r.running[sessionID] = true
		r.active++
		r.wg.Add(1)
		go r.runJob(sessionID, entry)
	}
}

func (r *Runner) sortedSessionsLocked() []string {
	ids := make([]string, 0, len(r.queues))
	for sid := range r.queues {
		ids = append(ids, sid)
	}
	sort.Strings(ids)
	return ids
}

func (r *Runner) finish(sessionID string) {
	r.mu.Lock()
	delete(r.running, sessionID)
	r.active--
	r.mu.Unlock()
	r.wake()
}

// runJob drives a single job through its attempt loop to a terminal
// state. Retries happen inside this goroutine so the session slot stays
// held; that is what keeps per-session FIFO across retries.
func (r *Runner) runJob(sessionID string, entry *jobEntry) {
	defer r.wg.Done()
	defer r.finish(sessionID)

	ctx := context.Background()
	job := entry.job
	logger := log.WithJobID(job.ID)
	timer := metrics.NewTimer()
	r.publish(events.EventJobStarted, job, "")

	for attempt := job.Attempts + 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		job.Attempts = attempt
		r.setStatus(ctx, &job, types.JobRunning)

		checkpointID, linked, err := r.attempt(ctx, job)
		if err == nil {
			r.complete(ctx, job, checkpointID, entry.onDone)
			metrics.CheckpointJobDuration.Observe(timer.Duration().Seconds())
			return
		}
		if checkpointID != "" && !linked {
			r.cleanupOrphan(ctx, job.ID, checkpointID)
		}

		job.LastError = err.Error()
		logger.Warn().Err(err).Int("attempt", attempt).Msg("checkpoint attempt failed")
		if attempt >= r.cfg.MaxAttempts {
			break
		}

		r.setStatus(ctx, &job, types.JobPending)
		r.publish(events.EventJobAttemptFailed, job, job.LastError)
		select {
		case <-time.After(r.cfg.RetryDelay):
		case <-r.stopCh:
			// Shut down mid-retry; the persisted pending row rehydrates
			// on the next start.
			return
		}
		r.setStatus(ctx, &job, types.JobQueued)
	}

	r.deadLetter(ctx, job, entry.onDone)
	metrics.CheckpointJobDuration.Observe(timer.Duration().Seconds())
}

// attempt performs one end-to-end materialization pass:
// mark the session's relationships pending, create the checkpoint,
// re-annotate with the real checkpoint id, then link session to
// checkpoint. Returns the checkpoint id and whether the link was made.
func (r *Runner) attempt(ctx context.Context, job types.CheckpointJob) (string, bool, error) {
	p := job.Payload
	if err := r.graph.AnnotateSessionRelationships(ctx, p.SessionID, "pending"); err != nil {
		return "", false, errs.Wrap(errs.CodeUnavailable, "annotate pending", err)
	}

	checkpointID, err := r.graph.CreateCheckpoint(ctx, p.SeedEntityIDs, graph.CheckpointOptions{
		Reason: p.Reason,
		Hops:   p.HopCount,
		Window: p.Window,
	})
	if err != nil {
		return "", false, errs.Wrap(errs.CodeUnavailable, "create checkpoint", err)
	}

	if err := r.graph.AnnotateSessionRelationships(ctx, p.SessionID, checkpointID); err != nil {
		return checkpointID, false, errs.Wrap(errs.CodeUnavailable, "annotate checkpoint id", err)
	}

	meta := map[string]interface{}{
		"status":    string(types.JobCompleted),
		"reason":    string(p.Reason),
		"job_id":    job.ID,
		"linked_at": time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range p.Annotations {
		meta[k] = v
	}
	if err := r.graph.CreateSessionCheckpointLink(ctx, p.SessionID, checkpointID, meta); err != nil {
		return checkpointID, false, errs.Wrap(errs.CodeUnavailable, "link session to checkpoint", err)
	}
	return checkpointID, true, nil
}

// complete deletes the persisted row; a finished job leaves no trace in
// the job store.
func (r *Runner) complete(ctx context.Context, job types.CheckpointJob, checkpointID string, onDone func(string, error)) {
	job.Status = types.JobCompleted
	job.UpdatedAt = time.Now()
	if err := r.store.Delete(ctx, job.ID); err != nil {
		log.WithJobID(job.ID).Warn().Err(err).Msg("completed job row not deleted")
	}
	metrics.CheckpointJobs.WithLabelValues(string(types.JobCompleted)).Inc()
	r.publish(events.EventJobCompleted, job, "")
	log.WithJobID(job.ID).Info().
		Str("session_id", job.Payload.SessionID).
		Str("checkpoint_id", checkpointID).
		Int("attempts", job.Attempts).
		Msg("checkpoint job completed")
	if onDone != nil {
		onDone(checkpointID, nil)
	}
}

// cleanupOrphan removes a checkpoint that was created but never linked.
// Failed attempts must not leave half-materialized checkpoints behind.
func (r *Runner) cleanupOrphan(ctx context.Context, jobID, checkpointID string) {
	if err := r.graph.DeleteCheckpoint(ctx, checkpointID); err != nil {
		log.WithJobID(jobID).Warn().Err(err).Str("checkpoint_id", checkpointID).Msg("orphan checkpoint not deleted")
	} else {
		log.WithJobID(jobID).Info().Str("checkpoint_id", checkpointID).Msg("orphan checkpoint deleted")
	}
}

// deadLetter finalizes a job that exhausted its attempts. The session
// gets a link row downgraded to manual_intervention so operators can
// find the failure, and the job stays in the store and the DLQ.
func (r *Runner) deadLetter(ctx context.Context, job types.CheckpointJob, onDone func(string, error)) {
	logger := log.WithJobID(job.ID)
	if err := r.graph.CreateSessionCheckpointLink(ctx, job.Payload.SessionID, "", map[string]interface{}{
		"status":     string(types.JobManualIntervention),
		"job_id":     job.ID,
		"last_error": job.LastError,
	}); err != nil {
		logger.Warn().Err(err).Msg("manual intervention link not recorded")
	}

	r.setStatus(ctx, &job, types.JobManualIntervention)
	r.mu.Lock()
	if len(r.dlq) >= maxDeadLetters {
		r.evictOldestLocked()
	}
	r.dlq[job.ID] = job
	r.mu.Unlock()

	metrics.CheckpointJobs.WithLabelValues(string(types.JobManualIntervention)).Inc()
	r.publish(events.EventJobDeadLettered, job, job.LastError)
	logger.Error().
		Str("session_id", job.Payload.SessionID).
		Int("attempts", job.Attempts).
		Str("last_error", job.LastError).
		Msg("checkpoint job dead-lettered")
	if onDone != nil {
		onDone("", errs.Newf(errs.CodeRetriesExhausted, "checkpoint job %s failed after %d attempts: %s", job.ID, job.Attempts, job.LastError))
	}
}

func (r *Runner) evictOldestLocked() {
	oldest := ""
	var oldestAt time.Time
	for id, j := range r.dlq {
		if oldest == "" || j.QueuedAt.Before(oldestAt) {
			oldest = id
			oldestAt = j.QueuedAt
		}
	}
	if oldest != "" {
		delete(r.dlq, oldest)
	}
}

func (r *Runner) setStatus(ctx context.Context, job *types.CheckpointJob, status types.CheckpointJobStatus) {
	job.Status = status
	job.UpdatedAt = time.Now()
	if err := r.store.Upsert(ctx, *job); err != nil {
		log.WithJobID(job.ID).Warn().Err(err).Msg("job status not persisted")
	}
}

func (r *Runner) publish(eventType events.EventType, job types.CheckpointJob, detail string) {
	if r.broker == nil {
		return
	}
	meta := map[string]string{
		"job_id":     job.ID,
		"session_id": job.Payload.SessionID,
		"status":     string(job.Status),
		"attempts":   fmt.Sprintf("%d", job.Attempts),
	}
	if detail != "" {
		meta["error"] = detail
	}
	r.broker.Publish(&events.Event{
		ID:       job.ID,
		Type:     eventType,
		Message:  string(eventType),
		Metadata: meta,
	})
}

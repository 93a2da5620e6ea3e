package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Amicidal/sigmachad-sub017/pkg/batch"
	"github.com/Amicidal/sigmachad-sub017/pkg/config"
	"github.com/Amicidal/sigmachad-sub017/pkg/errs"
	"github.com/Amicidal/sigmachad-sub017/pkg/events"
	"github.com/Amicidal/sigmachad-sub017/pkg/graph"
	"github.com/Amicidal/sigmachad-sub017/pkg/identity"
	"github.com/Amicidal/sigmachad-sub017/pkg/log"
	"github.com/Amicidal/sigmachad-sub017/pkg/metrics"
	"github.com/Amicidal/sigmachad-sub017/pkg/queue"
	"github.com/Amicidal/sigmachad-sub017/pkg/resilience"
	"github.com/Amicidal/sigmachad-sub017/pkg/types"
	"github.com/Amicidal/sigmachad-sub017/pkg/workerpool"
)

// State is the pipeline lifecycle state
type State string

const (
	StateInitialized State = "initialized"
	StateRunning     State = "running"
	StatePaused      State = "paused"
	StateStopping    State = "stopping"
	StateStopped     State = "stopped"
)

var allStates = []State{StateInitialized, StateRunning, StatePaused, StateStopping, StateStopped}

// completionPollInterval is how often WaitForCompletion re-checks the queue
const completionPollInterval = 10 * time.Millisecond

// latencyWindow is how many recent task durations feed the P95 estimate
const latencyWindow = 256

// Pipeline orchestrates ingestion: change events become parse tasks, the
// worker pool turns tasks into fragments, and fragments flow through the
// batch processor to the graph. Retries, the circuit breaker, and the
// dead-letter queue sit between the pool and the graph writes.
type Pipeline struct {
	cfg      *config.Config
	queue    *queue.Manager
	pool     *workerpool.Pool
	batch    *batch.Processor
	retry    *resilience.RetryPolicy
	breaker  *resilience.CircuitBreaker
	dlq      *resilience.DeadLetterQueue
	reporter *resilience.Reporter
	broker   *events.Broker
	parser   Parser

	mu    sync.Mutex
	state State

	completed atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64

	latMu      sync.Mutex
	samples    []time.Duration
	nextSample int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a pipeline over adapter. A nil parser falls back to the
// path-derived default; a nil broker disables event publication.
func New(cfg *config.Config, adapter *graph.WriteAdapter, broker *events.Broker, parser Parser) *Pipeline {
	if parser == nil {
		parser = NewPathParser()
	}
	p := &Pipeline{
		cfg:      cfg,
		queue:    queue.NewManager(cfg.Queue, cfg.Errors.Retry),
		batch:    batch.NewProcessor(cfg.Batch, adapter),
		retry:    resilience.NewRetryPolicy(cfg.Errors.Retry),
		breaker:  resilience.NewCircuitBreaker("graph-writes", cfg.Errors.CircuitBreaker),
		dlq:      resilience.NewDeadLetterQueue(cfg.Errors.DeadLetterQueue),
		reporter: resilience.NewReporter(cfg.Errors.ErrorReporting),
		broker:   broker,
		parser:   parser,
		state:    StateInitialized,
	}
	p.pool = workerpool.NewPool(cfg.Workers, p.queue, p.onTaskFailed)

	p.RegisterHandler(workerpool.HandlerFunc{TaskType: types.TaskParse, Fn: p.handleParse})
	p.RegisterHandler(workerpool.HandlerFunc{TaskType: types.TaskEntityUpsert, Fn: p.handleEntityUpsert})
	p.RegisterHandler(workerpool.HandlerFunc{TaskType: types.TaskRelationshipUpsert, Fn: p.handleRelationshipUpsert})
	p.RegisterHandler(workerpool.HandlerFunc{TaskType: types.TaskEmbedding, Fn: p.handleEmbedding})
	p.RegisterHandler(workerpool.HandlerFunc{TaskType: types.TaskEnrich, Fn: p.handleEnrich})

	p.setStateMetric(StateInitialized)
	return p
}

// RegisterHandler installs h for its task type, wrapped with throughput
// and latency accounting. Must be called before Start; replaces any
// default handler for the same type.
func (p *Pipeline) RegisterHandler(h workerpool.Handler) {
	p.pool.Register(instrumented{p: p, h: h})
}

type instrumented struct {
	p *Pipeline
	h workerpool.Handler
}

func (i instrumented) Type() types.TaskType { return i.h.Type() }

func (i instrumented) Handle(ctx context.Context, task *types.Task) types.WorkerResult {
	start := time.Now()
	result := i.h.Handle(ctx, task)
	if result.Success {
		i.p.completed.Add(1)
		i.p.retried.Add(int64(task.RetryCount))
		i.p.recordLatency(time.Since(start))
	}
	return result
}

// Start transitions the pipeline to running and spins up the worker pool
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.state != StateInitialized {
		p.mu.Unlock()
		return errs.Newf(errs.CodeInternal, "pipeline cannot start from state %s", p.state)
	}
	p.stopCh = make(chan struct{})
	p.setStateLocked(StateRunning)
	p.mu.Unlock()

	if err := p.pool.Start(ctx); err != nil {
		return err
	}
	p.wg.Add(1)
	go p.metricsLoop()

	log.WithComponent("pipeline").Info().
		Int("partitions", p.cfg.Queue.Partitions).
		Msg("ingestion pipeline started")
	return nil
}

// Pause stops intake. In-flight tasks finish and the queue keeps draining.
func (p *Pipeline) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateRunning {
		return errs.Newf(errs.CodeValidation, "cannot pause from state %s", p.state)
	}
	p.setStateLocked(StatePaused)
	log.WithComponent("pipeline").Info().Msg("pipeline paused")
	return nil
}

// Resume reopens intake after a pause
func (p *Pipeline) Resume() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StatePaused {
		return errs.Newf(errs.CodeValidation, "cannot resume from state %s", p.state)
	}
	p.setStateLocked(StateRunning)
	log.WithComponent("pipeline").Info().Msg("pipeline resumed")
	return nil
}

// Stop drains the worker pool and halts the metrics loop. Tasks still
// queued stay queued; a timeout abandons running handlers.
func (p *Pipeline) Stop(timeout time.Duration) error {
	p.mu.Lock()
	switch p.state {
	case StateRunning, StatePaused:
	case StateStopped:
		p.mu.Unlock()
		return nil
	default:
		p.mu.Unlock()
		return errs.Newf(errs.CodeValidation, "cannot stop from state %s", p.state)
	}
	p.setStateLocked(StateStopping)
	stopCh := p.stopCh
	p.mu.Unlock()

	close(stopCh)
	err := p.pool.Stop(timeout)
	p.wg.Wait()

	p.mu.Lock()
	p.setStateLocked(StateStopped)
	p.mu.Unlock()
	log.WithComponent("pipeline").Info().Msg("pipeline stopped")
	return err
}

// WaitForCompletion blocks until the queue is empty and no worker is busy,
// or until timeout elapses
func (p *Pipeline) WaitForCompletion(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if p.queue.Depth() == 0 && p.pool.Stats().Busy == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return errs.Newf(errs.CodeTimeout, "pipeline did not drain within %s (depth %d)",
				timeout, p.queue.Depth())
		}
		time.Sleep(completionPollInterval)
	}
}

// State returns the current lifecycle state
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Pipeline) setStateLocked(s State) {
	p.state = s
	p.setStateMetric(s)
}

func (p *Pipeline) setStateMetric(s State) {
	for _, st := range allStates {
		v := 0.0
		if st == s {
			v = 1
		}
		metrics.PipelineState.WithLabelValues(string(st)).Set(v)
	}
}

// IngestChangeEvent assigns a priority and enqueues a parse task for the
// event. Rejected while the pipeline is not running.
func (p *Pipeline) IngestChangeEvent(e types.ChangeEvent) error {
	if state := p.State(); state != StateRunning {
		return errs.Newf(errs.CodeUnavailable, "pipeline not accepting events (state %s)", state)
	}
	if e.Path == "" {
		return errs.New(errs.CodeValidation, "change event has no path")
	}
	if e.EventID == "" {
		e.EventID = identity.NewULID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	task := &types.Task{
		ID:           "task_" + identity.NewULID(),
		Type:         types.TaskParse,
		Payload:      e,
		Priority:     eventPriority(e),
		PartitionKey: e.Path,
		MaxRetries:   p.maxRetries(),
		EnqueuedAt:   time.Now(),
	}
	if err := p.queue.Enqueue(task); err != nil {
		if errs.Is(err, errs.CodeQueueOverflow) {
			p.publish(events.EventQueueOverflow, map[string]string{
				"event_id": e.EventID,
				"path":     e.Path,
				"depth":    fmt.Sprintf("%d", p.queue.Depth()),
			})
		}
		return err
	}
	metrics.ChangeEventsIngested.WithLabelValues(string(e.Kind)).Inc()
	return nil
}

// IngestChangeEvents enqueues a slice of events and returns how many were
// accepted. The first rejection is returned alongside the count; later
// events are still attempted.
func (p *Pipeline) IngestChangeEvents(evts []types.ChangeEvent) (int, error) {
	accepted := 0
	var firstErr error
	for _, e := range evts {
		if err := p.IngestChangeEvent(e); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		accepted++
	}
	return accepted, firstErr
}

// Submit enqueues a pre-built task. Callers that already know the task
// type and payload use this instead of the change-event path.
func (p *Pipeline) Submit(task *types.Task) error {
	if state := p.State(); state != StateRunning {
		return errs.Newf(errs.CodeUnavailable, "pipeline not accepting tasks (state %s)", state)
	}
	if task == nil {
		return errs.New(errs.CodeValidation, "nil task")
	}
	if task.Type == "" {
		return errs.New(errs.CodeValidation, "task has no type")
	}
	if task.ID == "" {
		task.ID = "task_" + identity.NewULID()
	}
	if task.MaxRetries == 0 {
		task.MaxRetries = p.maxRetries()
	}
	return p.queue.Enqueue(task)
}

// ProcessChangeFragments bypasses parsing and submits fragments straight
// to the batch processor. This path is not queue-mediated, so transient
// failures are retried in place under the retry policy.
func (p *Pipeline) ProcessChangeFragments(ctx context.Context, fragments []types.ChangeFragment) (*batch.Result, error) {
	if state := p.State(); state != StateRunning {
		return nil, errs.Newf(errs.CodeUnavailable, "pipeline not accepting fragments (state %s)", state)
	}
	var result *batch.Result
	err := p.retry.Execute(ctx, func() error {
		var opErr error
		result, opErr = p.writeThrough(func() (*batch.Result, error) {
			return p.batch.ProcessFragments(ctx, fragments)
		})
		return opErr
	})
	return result, err
}

// ScheduleEnrichment routes a task onto the low-priority enrichment
// sub-queue. The task type is forced to enrich and its priority is floored
// at the configured enrichment priority.
func (p *Pipeline) ScheduleEnrichment(task *types.Task) error {
	if state := p.State(); state != StateRunning {
		return errs.Newf(errs.CodeUnavailable, "pipeline not accepting tasks (state %s)", state)
	}
	if task == nil {
		return errs.New(errs.CodeValidation, "nil task")
	}
	task.Type = types.TaskEnrich
	if task.ID == "" {
		task.ID = "task_" + identity.NewULID()
	}
	if task.Priority < p.cfg.Pipeline.EnrichmentPriority {
		task.Priority = p.cfg.Pipeline.EnrichmentPriority
	}
	if task.PartitionKey == "" {
		task.PartitionKey = "enrichment"
	}
	if task.MaxRetries == 0 {
		task.MaxRetries = p.maxRetries()
	}
	return p.queue.Enqueue(task)
}

// ResubmitDeadLetter moves a dead-lettered task back onto the live queue
// with a fresh retry budget
func (p *Pipeline) ResubmitDeadLetter(taskID string) error {
	task, err := p.dlq.Resubmit(taskID)
	if err != nil {
		return err
	}
	log.WithTaskID(taskID).Info().Msg("dead-lettered task resubmitted")
	return p.queue.Enqueue(task)
}

// DeadLetters exposes the dead-letter queue contents
func (p *Pipeline) DeadLetters() []resilience.DLQEntry {
	return p.dlq.Entries()
}

func (p *Pipeline) maxRetries() int {
	if p.cfg.Errors.Retry.MaxAttempts > 1 {
		return p.cfg.Errors.Retry.MaxAttempts - 1
	}
	return 0
}

// handleParse expands a change event into fragments and writes them
func (p *Pipeline) handleParse(ctx context.Context, task *types.Task) types.WorkerResult {
	var event types.ChangeEvent
	if err := payloadAs(task.Payload, &event); err != nil {
		return types.WorkerResult{Err: err}
	}
	fragments, err := p.parser.Parse(ctx, event)
	if err != nil {
		return types.WorkerResult{Err: err}
	}
	if len(fragments) == 0 {
		return types.WorkerResult{Success: true}
	}
	if _, err := p.writeThrough(func() (*batch.Result, error) {
		return p.batch.ProcessFragments(ctx, fragments)
	}); err != nil {
		return types.WorkerResult{Err: err}
	}
	return types.WorkerResult{Success: true}
}

func (p *Pipeline) handleEntityUpsert(ctx context.Context, task *types.Task) types.WorkerResult {
	var entity types.Entity
	if err := payloadAs(task.Payload, &entity); err != nil {
		return types.WorkerResult{Err: err}
	}
	if _, err := p.writeThrough(func() (*batch.Result, error) {
		return p.batch.ProcessEntities(ctx, []types.Entity{entity})
	}); err != nil {
		return types.WorkerResult{Err: err}
	}
	return types.WorkerResult{Success: true}
}

func (p *Pipeline) handleRelationshipUpsert(ctx context.Context, task *types.Task) types.WorkerResult {
	var rel types.Relationship
	if err := payloadAs(task.Payload, &rel); err != nil {
		return types.WorkerResult{Err: err}
	}
	if _, err := p.writeThrough(func() (*batch.Result, error) {
		return p.batch.ProcessRelationships(ctx, []types.Relationship{rel})
	}); err != nil {
		return types.WorkerResult{Err: err}
	}
	return types.WorkerResult{Success: true}
}

func (p *Pipeline) handleEmbedding(ctx context.Context, task *types.Task) types.WorkerResult {
	var entity types.Entity
	if err := payloadAs(task.Payload, &entity); err != nil {
		return types.WorkerResult{Err: err}
	}
	if _, err := p.writeThrough(func() (*batch.Result, error) {
		return p.batch.ProcessEmbeddings(ctx, []types.Entity{entity})
	}); err != nil {
		return types.WorkerResult{Err: err}
	}
	return types.WorkerResult{Success: true}
}

// handleEnrich recomputes derived data for an entity. Enrichment runs at
// the lowest priority and currently refreshes the entity's embedding.
func (p *Pipeline) handleEnrich(ctx context.Context, task *types.Task) types.WorkerResult {
	return p.handleEmbedding(ctx, task)
}

// writeThrough funnels a batch write through the circuit breaker
func (p *Pipeline) writeThrough(op func() (*batch.Result, error)) (*batch.Result, error) {
	v, err := p.breaker.Execute(func() (interface{}, error) {
		return op()
	})
	if err != nil {
		return nil, err
	}
	result, _ := v.(*batch.Result)
	return result, nil
}

// onTaskFailed receives tasks the pool will not retry again
func (p *Pipeline) onTaskFailed(task *types.Task, err error) {
	p.failed.Add(1)
	attempts := task.RetryCount
	if attempts == 0 {
		attempts = 1
	}
	p.dlq.Add(task, err, attempts)
	p.reporter.Report("pipeline", err)
	log.WithTaskID(task.ID).Error().
		Err(err).
		Str("task_type", string(task.Type)).
		Int("attempts", attempts).
		Msg("task dead-lettered")
}

func payloadAs(payload interface{}, dst interface{}) error {
	if payload == nil {
		return errs.New(errs.CodeValidation, "task has no payload")
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return errs.Wrap(errs.CodeValidation, "unreadable task payload", err)
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return errs.Wrap(errs.CodeValidation, "task payload has wrong shape", err)
	}
	return nil
}

// Stats is a point-in-time view across the queue, pool, and DLQ
type Stats struct {
	State              State
	QueueDepth         int
	BackpressureActive bool
	Workers            int
	BusyWorkers        int
	Completed          int64
	Failed             int64
	Retried            int64
	DeadLettered       int
	ErrorRate          float64
	P95Latency         time.Duration
}

// Stats assembles the pipeline view. Calling it also refreshes the queue
// gauges, so the metrics loop uses it as its tick body.
func (p *Pipeline) Stats() Stats {
	qs := p.queue.Stats()
	ps := p.pool.Stats()
	completed := p.completed.Load()
	failed := p.failed.Load()

	s := Stats{
		State:              p.State(),
		QueueDepth:         qs.Depth,
		BackpressureActive: qs.BackpressureActive,
		Workers:            ps.Workers,
		BusyWorkers:        ps.Busy,
		Completed:          completed,
		Failed:             failed,
		Retried:            p.retried.Load(),
		DeadLettered:       p.dlq.Size(),
		P95Latency:         p.p95(),
	}
	if total := completed + failed; total > 0 {
		s.ErrorRate = float64(failed) / float64(total)
	}
	return s
}

func (p *Pipeline) recordLatency(d time.Duration) {
	p.latMu.Lock()
	defer p.latMu.Unlock()
	if len(p.samples) < latencyWindow {
		p.samples = append(p.samples, d)
		return
	}
	p.samples[p.nextSample] = d
	p.nextSample = (p.nextSample + 1) % latencyWindow
}

func (p *Pipeline) p95() time.Duration {
	p.latMu.Lock()
	sorted := make([]time.Duration, len(p.samples))
	copy(sorted, p.samples)
	p.latMu.Unlock()
	if len(sorted) == 0 {
		return 0
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := len(sorted) * 95 / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// metricsLoop publishes periodic stats and raises threshold alerts
func (p *Pipeline) metricsLoop() {
	defer p.wg.Done()
	interval := p.cfg.Pipeline.MetricsInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.evaluateAlerts(p.Stats())
		}
	}
}

func (p *Pipeline) evaluateAlerts(s Stats) {
	p.publish(events.EventMetricsUpdated, map[string]string{
		"queue_depth": fmt.Sprintf("%d", s.QueueDepth),
		"completed":   fmt.Sprintf("%d", s.Completed),
		"failed":      fmt.Sprintf("%d", s.Failed),
		"error_rate":  fmt.Sprintf("%.4f", s.ErrorRate),
		"p95_ms":      fmt.Sprintf("%d", s.P95Latency.Milliseconds()),
	})

	alerts := p.cfg.Pipeline.Alerts
	if alerts.QueueDepth > 0 && s.QueueDepth > alerts.QueueDepth {
		p.raiseAlert("queue_depth", fmt.Sprintf("%d", s.QueueDepth), fmt.Sprintf("%d", alerts.QueueDepth))
	}
	if alerts.ErrorRate > 0 && s.ErrorRate > alerts.ErrorRate && s.Completed+s.Failed > 0 {
		p.raiseAlert("error_rate", fmt.Sprintf("%.4f", s.ErrorRate), fmt.Sprintf("%.4f", alerts.ErrorRate))
	}
	if alerts.P95Latency > 0 && s.P95Latency > alerts.P95Latency {
		p.raiseAlert("p95_latency", s.P95Latency.String(), alerts.P95Latency.String())
	}
}

func (p *Pipeline) raiseAlert(reason, value, threshold string) {
	metrics.PipelineAlerts.WithLabelValues(reason).Inc()
	log.WithComponent("pipeline").Warn().
		Str("reason", reason).
		Str("value", value).
		Str("threshold", threshold).
		Msg("pipeline alert raised")
	p.publish(events.EventAlertRaised, map[string]string{
		"reason":    reason,
		"value":     value,
		"threshold": threshold,
	})
}

func (p *Pipeline) publish(eventType events.EventType, meta map[string]string) {
	if p.broker == nil {
		return
	}
	p.broker.Publish(&events.Event{
		Type:     eventType,
		Message:  string(eventType),
		Metadata: meta,
	})
}

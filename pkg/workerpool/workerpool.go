package workerpool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Amicidal/sigmachad-sub017/pkg/config"
	"github.com/Amicidal/sigmachad-sub017/pkg/errs"
	"github.com/Amicidal/sigmachad-sub017/pkg/log"
	"github.com/Amicidal/sigmachad-sub017/pkg/metrics"
	"github.com/Amicidal/sigmachad-sub017/pkg/types"
)

// pollInterval is how long an idle worker sleeps before asking the queue again
const pollInterval = 25 * time.Millisecond

// TaskSource is the queue surface the pool consumes from
type TaskSource interface {
	Dequeue() *types.Task
	Requeue(task *types.Task) error
	MarkProcessed(success bool)
	Depth() int
}

// Handler executes tasks of one type
type Handler interface {
	Type() types.TaskType
	Handle(ctx context.Context, task *types.Task) types.WorkerResult
}

// HandlerFunc adapts a function to the Handler interface
type HandlerFunc struct {
	TaskType types.TaskType
	Fn       func(ctx context.Context, task *types.Task) types.WorkerResult
}

func (h HandlerFunc) Type() types.TaskType { return h.TaskType }
func (h HandlerFunc) Handle(ctx context.Context, task *types.Task) types.WorkerResult {
	return h.Fn(ctx, task)
}

// FailureFunc receives tasks that will not be retried: unknown type,
// non-retryable error, or retries exhausted.
type FailureFunc func(task *types.Task, err error)

// Pool runs a dynamic set of workers over the task source. Worker count
// floats between MinWorkers and MaxWorkers under the scaling rules, and a
// worker that fails too many tasks in a row is replaced.
type Pool struct {
	cfg      config.WorkerConfig
	source   TaskSource
	handlers map[types.TaskType]Handler
	onFailed FailureFunc

	mu       sync.Mutex
	workers  map[int]*worker
	nextID   int
	lastUp   time.Time
	lastDown time.Time

	busy     atomic.Int64
	restarts atomic.Int64
	done     atomic.Int64

	ctx      context.Context
	cancel   context.CancelFunc
	stopCh   chan struct{}
	stopOnce sync.Once
	draining atomic.Bool
	wg       sync.WaitGroup
	started  bool
}

type worker struct {
	id        int
	stopCh    chan struct{}
	errStreak int
}

// NewPool creates a worker pool over source
func NewPool(cfg config.WorkerConfig, source TaskSource, onFailed FailureFunc) *Pool {
	if cfg.MinWorkers < 1 {
		cfg.MinWorkers = 1
	}
	if cfg.MaxWorkers < cfg.MinWorkers {
		cfg.MaxWorkers = cfg.MinWorkers
	}
	if cfg.RestartThreshold <= 0 {
		cfg.RestartThreshold = 5
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = 5 * time.Second
	}
	return &Pool{
		cfg:      cfg,
		source:   source,
		handlers: make(map[types.TaskType]Handler),
		onFailed: onFailed,
		workers:  make(map[int]*worker),
	}
}

// Register installs the handler for its task type. Must be called before Start.
func (p *Pool) Register(h Handler) {
	p.handlers[h.Type()] = h
}

// Start spawns MinWorkers workers and, when auto-scaling is on, the scaler loop
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errs.New(errs.CodeInternal, "pool already started")
	}
	p.started = true
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.stopCh = make(chan struct{})

	for i := 0; i < p.cfg.MinWorkers; i++ {
		p.spawnLocked()
	}
	if p.cfg.AutoScale {
		p.wg.Add(1)
		go p.scaleLoop()
	}
	log.WithComponent("workerpool").Info().
		Int("min", p.cfg.MinWorkers).
		Int("max", p.cfg.MaxWorkers).
		Bool("auto_scale", p.cfg.AutoScale).
		Msg("worker pool started")
	return nil
}

// Stop drains the pool: workers finish their current task, then exit.
// Returns an error when the drain outlives timeout.
func (p *Pool) Stop(timeout time.Duration) error {
	p.draining.Store(true)
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.mu.Lock()
	for _, w := range p.workers {
		close(w.stopCh)
	}
	p.workers = make(map[int]*worker)
	p.mu.Unlock()
	if p.cancel != nil {
		defer p.cancel()
	}

	doneCh := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(doneCh)
	}()
	select {
	case <-doneCh:
		return nil
	case <-time.After(timeout):
		// Abandon still-running handlers via context cancellation.
		if p.cancel != nil {
			p.cancel()
		}
		return errs.Newf(errs.CodeTimeout, "pool drain exceeded %s", timeout)
	}
}

// Stats is a point-in-time view of the pool
type Stats struct {
	Workers   int
	Busy      int
	Processed int64
	Restarts  int64
}

// Stats reports worker count, busy workers, and restart/throughput counters
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	n := len(p.workers)
	p.mu.Unlock()
	return Stats{
		Workers:   n,
		Busy:      int(p.busy.Load()),
		Processed: p.done.Load(),
		Restarts:  p.restarts.Load(),
	}
}

func (p *Pool) spawnLocked() {
	p.nextID++
	w := &worker{id: p.nextID, stopCh: make(chan struct{})}
	p.workers[w.id] = w
	p.wg.Add(1)
	go p.runWorker(w)
	metrics.WorkersActive.WithLabelValues("task", "idle").Set(float64(len(p.workers)))
}

// runWorker is the worker main loop. It exits on stop or when the worker
// trips the restart threshold, in which case a replacement is spawned.
func (p *Pool) runWorker(w *worker) {
	defer p.wg.Done()
	logger := log.WithComponent("workerpool")
	for {
		select {
		case <-w.stopCh:
			return
		case <-p.ctx.Done():
			return
		default:
		}

		task := p.source.Dequeue()
		if task == nil {
			select {
			case <-w.stopCh:
				return
			case <-p.ctx.Done():
				return
			case <-time.After(pollInterval):
			}
			continue
		}

		p.busy.Add(1)
		err := p.execute(task)
		p.busy.Add(-1)
		p.done.Add(1)

		if err != nil {
			w.errStreak++
		} else {
			w.errStreak = 0
		}
		if w.errStreak > p.cfg.RestartThreshold {
			p.restarts.Add(1)
			metrics.WorkerRestarts.Inc()
			logger.Warn().
				Int("worker_id", w.id).
				Int("consecutive_errors", w.errStreak).
				Msg("worker exceeded error threshold, restarting")
			p.replace(w)
			return
		}
	}
}

func (p *Pool) replace(w *worker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.draining.Load() {
		return
	}
	if _, ok := p.workers[w.id]; !ok {
		return // already scaled away
	}
	delete(p.workers, w.id)
	p.spawnLocked()
}

// execute runs one task through its handler. The returned error is the
// task's failure, nil on success; requeues count as failures for the
// worker's error streak but the task itself stays alive.
func (p *Pool) execute(task *types.Task) error {
	handler, ok := p.handlers[task.Type]
	if !ok {
		err := errs.Newf(errs.CodeUnknownTaskType, "no handler for task type %q", task.Type)
		p.fail(task, err)
		return err
	}

	ctx := p.ctx
	if p.cfg.WorkerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.WorkerTimeout)
		defer cancel()
	}

	timer := metrics.NewTimer()
	result := p.safeHandle(ctx, handler, task)
	metrics.TaskDuration.WithLabelValues(string(task.Type)).Observe(timer.Duration().Seconds())

	if result.Success {
		p.source.MarkProcessed(true)
		metrics.TasksProcessed.WithLabelValues(string(task.Type), "success").Inc()
		return nil
	}

	err := result.Err
	if err == nil {
		err = errs.New(errs.CodeInternal, "handler reported failure without error")
	}
	if errs.IsRetryable(err) {
		if rqErr := p.source.Requeue(task); rqErr != nil {
			// Keep the last handler failure as the cause so the dead-letter
			// record says what actually went wrong.
			p.fail(task, errs.Wrap(errs.CodeRetriesExhausted, "retries exhausted", err))
			return rqErr
		}
		metrics.TasksProcessed.WithLabelValues(string(task.Type), "retry").Inc()
		return err
	}
	p.fail(task, err)
	return err
}

// safeHandle shields the worker loop from handler panics
func (p *Pool) safeHandle(ctx context.Context, h Handler, task *types.Task) (result types.WorkerResult) {
	defer func() {
		if r := recover(); r != nil {
			log.WithTaskID(task.ID).Error().
				Interface("panic", r).
				Msg("handler panicked")
			result = types.WorkerResult{
				Success: false,
				Err:     errs.Newf(errs.CodeInternal, "handler panic: %v", r),
			}
		}
	}()
	return h.Handle(ctx, task)
}

func (p *Pool) fail(task *types.Task, err error) {
	p.source.MarkProcessed(false)
	metrics.TasksProcessed.WithLabelValues(string(task.Type), "failure").Inc()
	if p.onFailed != nil {
		p.onFailed(task, err)
	}
}

// scaleLoop adjusts worker count from the busy fraction on each tick
func (p *Pool) scaleLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.evaluateScaling()
		}
	}
}

func (p *Pool) evaluateScaling() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.draining.Load() {
		return
	}
	n := len(p.workers)
	if n == 0 {
		return
	}
	busyFraction := float64(p.busy.Load()) / float64(n)
	rules := p.cfg.ScalingRules
	now := time.Now()
	logger := log.WithComponent("workerpool")

	switch {
	case busyFraction > rules.ScaleUpThreshold && n < p.cfg.MaxWorkers &&
		now.Sub(p.lastUp) >= rules.ScaleUpCooldown:
		p.spawnLocked()
		p.lastUp = now
		logger.Info().
			Float64("busy_fraction", busyFraction).
			Int("workers", n+1).
			Msg("scaled up")
	case busyFraction < rules.ScaleDownThreshold && n > p.cfg.MinWorkers &&
		now.Sub(p.lastDown) >= rules.ScaleDownCooldown:
		for id, w := range p.workers {
			close(w.stopCh)
			delete(p.workers, id)
			break
		}
		p.lastDown = now
		logger.Info().
			Float64("busy_fraction", busyFraction).
			Int("workers", n-1).
			Msg("scaled down")
	}
	metrics.WorkersActive.WithLabelValues("task", "busy").Set(float64(p.busy.Load()))
	metrics.WorkersActive.WithLabelValues("task", "idle").Set(float64(len(p.workers)) - float64(p.busy.Load()))
}

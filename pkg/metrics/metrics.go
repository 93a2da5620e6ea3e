package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Queue metrics
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sigmachad_queue_depth",
			Help: "Queued tasks per partition",
		},
		[]string{"partition"},
	)

	QueueOldestTaskAge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sigmachad_queue_oldest_task_age_seconds",
			Help: "Age of the oldest queued task in seconds",
		},
	)

	QueueBackpressure = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sigmachad_queue_backpressure",
			Help: "Whether backpressure is active (1 = shedding best-effort traffic)",
		},
	)

	TasksEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sigmachad_tasks_enqueued_total",
			Help: "Total tasks enqueued by type",
		},
		[]string{"type"},
	)

	TasksProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sigmachad_tasks_processed_total",
			Help: "Total tasks processed by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	TaskRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sigmachad_task_retries_total",
			Help: "Total task requeues after retryable failures",
		},
	)

	// Worker pool metrics
	WorkersActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sigmachad_workers_active",
			Help: "Workers per type and state",
		},
		[]string{"worker_type", "state"},
	)

	WorkerRestarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sigmachad_worker_restarts_total",
			Help: "Workers restarted after exceeding the error threshold",
		},
	)

	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sigmachad_task_duration_seconds",
			Help:    "Task execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	// Error handling metrics
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sigmachad_circuit_breaker_state",
			Help: "Breaker state per protected operation (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)

	DeadLetteredTasks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sigmachad_dead_lettered_tasks_total",
			Help: "Tasks moved to the dead-letter queue",
		},
	)

	// Batch metrics
	BatchesProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sigmachad_batches_processed_total",
			Help: "Batches processed by change type and outcome",
		},
		[]string{"change_type", "outcome"},
	)

	BatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sigmachad_batch_duration_seconds",
			Help:    "Batch write duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"change_type"},
	)

	IdempotentReplays = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sigmachad_idempotent_replays_total",
			Help: "Batches suppressed by idempotency key within TTL",
		},
	)

	// Session metrics
	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sigmachad_sessions_active",
			Help: "Active sessions tracked by the session manager",
		},
	)

	SessionEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sigmachad_session_events_total",
			Help: "Session events appended by type",
		},
		[]string{"type"},
	)

	// Checkpoint job metrics
	CheckpointJobs = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sigmachad_checkpoint_jobs",
			Help: "Checkpoint jobs by status",
		},
		[]string{"status"},
	)

	CheckpointJobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sigmachad_checkpoint_job_duration_seconds",
			Help:    "Checkpoint job execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Pipeline metrics
	PipelineState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sigmachad_pipeline_state",
			Help: "Pipeline lifecycle state, 1 for the current state",
		},
		[]string{"state"},
	)

	ChangeEventsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sigmachad_change_events_ingested_total",
			Help: "Change events accepted by the pipeline, by kind",
		},
		[]string{"kind"},
	)

	PipelineAlerts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sigmachad_pipeline_alerts_total",
			Help: "Alerts raised by the pipeline metrics loop, by reason",
		},
		[]string{"reason"},
	)

	// Rollback metrics
	RollbackPoints = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sigmachad_rollback_points",
			Help: "Rollback points currently retained",
		},
	)

	RollbackOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sigmachad_rollback_operations_total",
			Help: "Rollback operations by strategy and outcome",
		},
		[]string{"strategy", "outcome"},
	)

	RollbackPointsExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sigmachad_rollback_points_expired_total",
			Help: "Rollback points removed by the cleanup sweep",
		},
	)
)

func init() {
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(QueueOldestTaskAge)
	prometheus.MustRegister(QueueBackpressure)
	prometheus.MustRegister(TasksEnqueued)
	prometheus.MustRegister(TasksProcessed)
	prometheus.MustRegister(TaskRetries)
	prometheus.MustRegister(WorkersActive)
	prometheus.MustRegister(WorkerRestarts)
	prometheus.MustRegister(TaskDuration)
	prometheus.MustRegister(CircuitBreakerState)
	prometheus.MustRegister(DeadLetteredTasks)
	prometheus.MustRegister(BatchesProcessed)
	prometheus.MustRegister(BatchDuration)
	prometheus.MustRegister(IdempotentReplays)
	prometheus.MustRegister(SessionsActive)
	prometheus.MustRegister(SessionEvents)
	prometheus.MustRegister(CheckpointJobs)
	prometheus.MustRegister(CheckpointJobDuration)
	prometheus.MustRegister(PipelineState)
	prometheus.MustRegister(ChangeEventsIngested)
	prometheus.MustRegister(PipelineAlerts)
	prometheus.MustRegister(RollbackPoints)
	prometheus.MustRegister(RollbackOperations)
	prometheus.MustRegister(RollbackPointsExpired)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures elapsed time for histogram observation
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// StartTime returns when the timer was started
func (t *Timer) StartTime() time.Time {
	return t.start
}

// ObserveDuration records the elapsed seconds on the given histogram
func (t *Timer) ObserveDuration(h prometheus.Observer) {
	h.Observe(t.Duration().Seconds())
}

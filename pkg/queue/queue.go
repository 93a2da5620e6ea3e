package queue

import (
	"container/heap"
	"hash/fnv"
	"math/rand"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Amicidal/sigmachad-sub017/pkg/config"
	"github.com/Amicidal/sigmachad-sub017/pkg/errs"
	"github.com/Amicidal/sigmachad-sub017/pkg/log"
	"github.com/Amicidal/sigmachad-sub017/pkg/metrics"
	"github.com/Amicidal/sigmachad-sub017/pkg/types"
)

// bestEffortPriority is the lowest priority still accepted under backpressure.
// Priority 0..2 traffic is never shed.
const bestEffortPriority = 2

// Manager holds N partitions of priority-ordered tasks and applies
// backpressure over their total depth.
type Manager struct {
	cfg        config.QueueConfig
	retry      config.RetryConfig
	partitions []*partition
	rr         atomic.Uint64
	depth      atomic.Int64
	processed  atomic.Int64
	failed     atomic.Int64
}

// NewManager creates a queue manager with cfg.Partitions partitions
func NewManager(cfg config.QueueConfig, retry config.RetryConfig) *Manager {
	if cfg.Partitions < 1 {
		cfg.Partitions = 1
	}
	m := &Manager{cfg: cfg, retry: retry}
	m.partitions = make([]*partition, cfg.Partitions)
	for i := range m.partitions {
		m.partitions[i] = newPartition(i)
	}
	return m
}

// Enqueue adds a task to its partition. Under backpressure, best-effort
// traffic (priority > 2) is rejected with QUEUE_OVERFLOW; priority <= 2
// is always accepted.
func (m *Manager) Enqueue(task *types.Task) error {
	if task == nil {
		return errs.New(errs.CodeValidation, "nil task")
	}
	if task.Priority < 0 || task.Priority > 9 {
		return errs.Newf(errs.CodeValidation, "priority %d out of range [0,9]", task.Priority)
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now()
	}

	if m.cfg.EnableBackpressure &&
		int(m.depth.Load()) > m.cfg.BackpressureThreshold &&
		task.Priority > bestEffortPriority {
		metrics.QueueBackpressure.Set(1)
		return errs.Newf(errs.CodeQueueOverflow, "queue depth %d over threshold %d",
			m.depth.Load(), m.cfg.BackpressureThreshold).
			WithDetail("task_id", task.ID)
	}

	p := m.selectPartition(task)
	p.push(task)
	m.depth.Add(1)
	metrics.QueueDepth.WithLabelValues(strconv.Itoa(p.index)).Set(float64(p.depth()))
	metrics.TasksEnqueued.WithLabelValues(string(task.Type)).Inc()
	return nil
}

// Dequeue returns the highest-priority eligible task across partitions,
// or nil when nothing is eligible. Partitions are visited round-robin so
// no partition starves.
func (m *Manager) Dequeue() *types.Task {
	n := len(m.partitions)
	start := int(m.rr.Add(1)) % n
	now := time.Now()
	for i := 0; i < n; i++ {
		p := m.partitions[(start+i)%n]
		if task := p.pop(now); task != nil {
			m.depth.Add(-1)
			metrics.QueueDepth.WithLabelValues(strconv.Itoa(p.index)).Set(float64(p.depth()))
			return task
		}
	}
	return nil
}

// DequeueBatch returns up to max eligible tasks
func (m *Manager) DequeueBatch(max int) []*types.Task {
	var tasks []*types.Task
	for len(tasks) < max {
		task := m.Dequeue()
		if task == nil {
			break
		}
		tasks = append(tasks, task)
	}
	return tasks
}

// Requeue schedules a retry with exponential backoff and jitter. When the
// task has exhausted its retries it is not re-enqueued; the caller routes
// it to the dead-letter queue.
func (m *Manager) Requeue(task *types.Task) error {
	task.RetryCount++
	if task.RetryCount > task.MaxRetries {
		m.failed.Add(1)
		return errs.Newf(errs.CodeRetriesExhausted, "task %s exhausted %d retries", task.ID, task.MaxRetries).
			WithDetail("retry_count", task.RetryCount)
	}

	delay := m.backoffDelay(task.RetryCount)
	task.NotBefore = time.Now().Add(delay)

	p := m.selectPartition(task)
	p.push(task)
	m.depth.Add(1)
	metrics.TaskRetries.Inc()
	log.WithTaskID(task.ID).Debug().
		Int("retry_count", task.RetryCount).
		Dur("delay", delay).
		Msg("task requeued")
	return nil
}

// MarkProcessed records task completion for throughput accounting
func (m *Manager) MarkProcessed(success bool) {
	if success {
		m.processed.Add(1)
	} else {
		m.failed.Add(1)
	}
}

func (m *Manager) backoffDelay(attempt int) time.Duration {
	delay := float64(m.retry.BaseDelay)
	for i := 0; i < attempt; i++ {
		delay *= m.retry.BackoffMultiplier
	}
	if jf := m.retry.JitterFactor; jf > 0 {
		delay *= 1 + jf*(2*rand.Float64()-1)
	}
	if max := float64(m.retry.MaxDelay); max > 0 && delay > max {
		delay = max
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

func (m *Manager) selectPartition(task *types.Task) *partition {
	n := len(m.partitions)
	switch m.cfg.PartitionStrategy {
	case config.StrategyPriority:
		idx := task.Priority
		if idx >= n {
			idx = n - 1
		}
		return m.partitions[idx]
	case config.StrategyHash:
		if task.PartitionKey != "" {
			h := fnv.New32a()
			h.Write([]byte(task.PartitionKey))
			return m.partitions[int(h.Sum32())%n]
		}
		fallthrough
	default:
		return m.partitions[int(m.rr.Add(1))%n]
	}
}

// Stats is a point-in-time snapshot of queue state
type Stats struct {
	Depth              int
	PartitionDepths    []int
	OldestTaskAge      time.Duration
	Processed          int64
	Failed             int64
	BackpressureActive bool
}

// Stats reports depth per partition, oldest-task age, and throughput counters
func (m *Manager) Stats() Stats {
	s := Stats{
		Depth:           int(m.depth.Load()),
		PartitionDepths: make([]int, len(m.partitions)),
		Processed:       m.processed.Load(),
		Failed:          m.failed.Load(),
	}
	var oldest time.Time
	for i, p := range m.partitions {
		s.PartitionDepths[i] = p.depth()
		if t := p.oldestEnqueued(); !t.IsZero() && (oldest.IsZero() || t.Before(oldest)) {
			oldest = t
		}
	}
	if !oldest.IsZero() {
		s.OldestTaskAge = time.Since(oldest)
	}
	s.BackpressureActive = m.cfg.EnableBackpressure && s.Depth > m.cfg.BackpressureThreshold
	if s.BackpressureActive {
		metrics.QueueBackpressure.Set(1)
	} else {
		metrics.QueueBackpressure.Set(0)
	}
	metrics.QueueOldestTaskAge.Set(s.OldestTaskAge.Seconds())
	return s
}

// Depth returns the total number of queued tasks
func (m *Manager) Depth() int {
	return int(m.depth.Load())
}

// partition keeps two heaps: ready (priority order) and delayed (notBefore
// order). Eligible delayed tasks migrate to ready on each pop.
type partition struct {
	index   int
	mu      sync.Mutex
	ready   taskHeap
	delayed delayHeap
}

func newPartition(index int) *partition {
	return &partition{index: index}
}

func (p *partition) push(task *types.Task) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !task.NotBefore.IsZero() && task.NotBefore.After(time.Now()) {
		heap.Push(&p.delayed, task)
	} else {
		heap.Push(&p.ready, task)
	}
}

func (p *partition) pop(now time.Time) *types.Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.delayed.Len() > 0 && !p.delayed[0].NotBefore.After(now) {
		heap.Push(&p.ready, heap.Pop(&p.delayed).(*types.Task))
	}
	if p.ready.Len() == 0 {
		return nil
	}
	return heap.Pop(&p.ready).(*types.Task)
}

func (p *partition) depth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready.Len() + p.delayed.Len()
}

func (p *partition) oldestEnqueued() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	var oldest time.Time
	for _, t := range p.ready {
		if oldest.IsZero() || t.EnqueuedAt.Before(oldest) {
			oldest = t.EnqueuedAt
		}
	}
	for _, t := range p.delayed {
		if oldest.IsZero() || t.EnqueuedAt.Before(oldest) {
			oldest = t.EnqueuedAt
		}
	}
	return oldest
}

// taskHeap orders by priority (0 highest), then FIFO by enqueue time
type taskHeap []*types.Task

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].EnqueuedAt.Before(h[j].EnqueuedAt)
}
func (h taskHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x interface{}) { *h = append(*h, x.(*types.Task)) }
func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// delayHeap orders by NotBefore so the soonest-eligible task surfaces first
type delayHeap []*types.Task

func (h delayHeap) Len() int           { return len(h) }
func (h delayHeap) Less(i, j int) bool { return h[i].NotBefore.Before(h[j].NotBefore) }
func (h delayHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *delayHeap) Push(x interface{}) { *h = append(*h, x.(*types.Task)) }
func (h *delayHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

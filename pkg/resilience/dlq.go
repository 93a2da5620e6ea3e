package resilience

import (
	"sync"
	"time"

	"github.com/Amicidal/sigmachad-sub017/pkg/config"
	"github.com/Amicidal/sigmachad-sub017/pkg/errs"
	"github.com/Amicidal/sigmachad-sub017/pkg/metrics"
	"github.com/Amicidal/sigmachad-sub017/pkg/types"
)

// DLQEntry records a task that exhausted its retries
type DLQEntry struct {
	Task      *types.Task `json:"task"`
	Error     string      `json:"error"`
	Attempts  int         `json:"attempts"`
	Timestamp time.Time   `json:"timestamp"`
}

// DeadLetterQueue is a bounded ring of failed tasks. On overflow the
// oldest entries drop; entries past the retention time are purged by
// Sweep. Operators resubmit entries to give a task a fresh retry budget.
type DeadLetterQueue struct {
	cfg     config.DLQConfig
	mu      sync.Mutex
	entries []DLQEntry
}

// NewDeadLetterQueue builds a DLQ from config
func NewDeadLetterQueue(cfg config.DLQConfig) *DeadLetterQueue {
	return &DeadLetterQueue{cfg: cfg}
}

// Add appends an entry, evicting the oldest when the ring is full
func (q *DeadLetterQueue) Add(task *types.Task, err error, attempts int) {
	if !q.cfg.Enabled {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	q.entries = append(q.entries, DLQEntry{
		Task:      task,
		Error:     errString(err),
		Attempts:  attempts,
		Timestamp: time.Now(),
	})
	if q.cfg.MaxSize > 0 && len(q.entries) > q.cfg.MaxSize {
		q.entries = q.entries[len(q.entries)-q.cfg.MaxSize:]
	}
	metrics.DeadLetteredTasks.Inc()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Entries returns a copy of the current entries, oldest first
func (q *DeadLetterQueue) Entries() []DLQEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]DLQEntry, len(q.entries))
	copy(out, q.entries)
	return out
}

// Size returns the number of dead-lettered tasks
func (q *DeadLetterQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Resubmit removes the entry for taskID and returns its task with the
// retry count reset, ready for re-enqueueing.
func (q *DeadLetterQueue) Resubmit(taskID string) (*types.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, e := range q.entries {
		if e.Task != nil && e.Task.ID == taskID {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			task := e.Task
			task.RetryCount = 0
			task.NotBefore = time.Time{}
			return task, nil
		}
	}
	return nil, errs.Newf(errs.CodeValidation, "task %s not in dead-letter queue", taskID)
}

// Sweep purges entries older than the retention time and returns how many
// were removed
func (q *DeadLetterQueue) Sweep() int {
	if q.cfg.RetentionTime <= 0 {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := time.Now().Add(-q.cfg.RetentionTime)
	kept := q.entries[:0]
	removed := 0
	for _, e := range q.entries {
		if e.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	q.entries = kept
	return removed
}

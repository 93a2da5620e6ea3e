package health

import (
	"context"
	"sync"
	"time"

	"github.com/Amicidal/sigmachad-sub017/pkg/log"
	"github.com/Amicidal/sigmachad-sub017/pkg/metrics"
)

// Monitor runs the registered checkers on an interval and reflects their
// status into the process health registry. A dependency flips unhealthy
// only after the configured number of consecutive failures.
type Monitor struct {
	cfg      Config
	checkers []Checker

	mu       sync.Mutex
	statuses map[string]*Status

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMonitor builds a monitor over checkers
func NewMonitor(cfg Config, checkers ...Checker) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.Retries <= 0 {
		cfg.Retries = DefaultConfig().Retries
	}
	m := &Monitor{
		cfg:      cfg,
		checkers: checkers,
		statuses: make(map[string]*Status),
		stopCh:   make(chan struct{}),
	}
	for _, c := range checkers {
		m.statuses[c.Name()] = NewStatus()
		metrics.UpdateComponent(c.Name(), true, "not yet checked")
	}
	return m
}

// Start runs an immediate round of checks and then the periodic loop
func (m *Monitor) Start() {
	m.runChecks()
	m.wg.Add(1)
	go m.loop()
}

// Stop halts the periodic loop
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// Statuses returns a snapshot of per-dependency status
func (m *Monitor) Statuses() map[string]Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Status, len(m.statuses))
	for name, s := range m.statuses {
		out[name] = *s
	}
	return out
}

func (m *Monitor) loop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.runChecks()
		}
	}
}

func (m *Monitor) runChecks() {
	logger := log.WithComponent("health")
	for _, c := range m.checkers {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Timeout)
		result := c.Check(ctx)
		cancel()

		m.mu.Lock()
		status := m.statuses[c.Name()]
		wasHealthy := status.Healthy
		if !result.Healthy && status.InStartPeriod(m.cfg) {
			// Failures during the grace period do not count.
			m.mu.Unlock()
			continue
		}
		status.Update(result, m.cfg)
		nowHealthy := status.Healthy
		m.mu.Unlock()

		metrics.UpdateComponent(c.Name(), nowHealthy, result.Message)
		if wasHealthy != nowHealthy {
			evt := logger.Warn()
			if nowHealthy {
				evt = logger.Info()
			}
			evt.Str("dependency", c.Name()).
				Bool("healthy", nowHealthy).
				Str("message", result.Message).
				Msg("dependency health changed")
		}
	}
}

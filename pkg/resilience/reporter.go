package resilience

import (
	"math/rand"
	"sync"
	"time"

	"github.com/Amicidal/sigmachad-sub017/pkg/config"
	"github.com/Amicidal/sigmachad-sub017/pkg/log"
)

// Reporter rate-limits error logging so a failing backend cannot flood
// the log stream: errors are sampled at SampleRate and capped at
// MaxErrorsPerMinute within a sliding one-minute window.
type Reporter struct {
	cfg config.ReportingConfig

	mu          sync.Mutex
	windowStart time.Time
	windowCount int
	suppressed  int
}

// NewReporter builds a reporter from config
func NewReporter(cfg config.ReportingConfig) *Reporter {
	return &Reporter{cfg: cfg, windowStart: time.Now()}
}

// Report logs err with context if the rate limits allow it. Returns
// whether the error was actually reported.
func (r *Reporter) Report(component string, err error) bool {
	if !r.cfg.Enabled || err == nil {
		return false
	}
	if r.cfg.SampleRate < 1.0 && rand.Float64() > r.cfg.SampleRate {
		return false
	}

	r.mu.Lock()
	now := time.Now()
	if now.Sub(r.windowStart) >= time.Minute {
		if r.suppressed > 0 {
			log.WithComponent(component).Warn().
				Int("suppressed", r.suppressed).
				Msg("errors suppressed by rate limit in last window")
		}
		r.windowStart = now
		r.windowCount = 0
		r.suppressed = 0
	}
	if r.cfg.MaxErrorsPerMinute > 0 && r.windowCount >= r.cfg.MaxErrorsPerMinute {
		r.suppressed++
		r.mu.Unlock()
		return false
	}
	r.windowCount++
	r.mu.Unlock()

	log.WithComponent(component).Error().Err(err).Msg("operation failed")
	return true
}

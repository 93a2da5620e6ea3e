package resilience

import (
	"errors"

	"github.com/sony/gobreaker"

	"github.com/Amicidal/sigmachad-sub017/pkg/config"
	"github.com/Amicidal/sigmachad-sub017/pkg/errs"
	"github.com/Amicidal/sigmachad-sub017/pkg/log"
	"github.com/Amicidal/sigmachad-sub017/pkg/metrics"
)

// halfOpenProbes is how many consecutive successes close a half-open breaker
const halfOpenProbes = 3

// CircuitBreaker shields a protected operation from a failing backend.
// While open, calls short-circuit with CIRCUIT_BREAKER_OPEN until the
// reset timeout elapses; half-open admits probes and closes after three
// consecutive successes. State is per-process and not synchronized
// across replicas.
type CircuitBreaker struct {
	name string
	cb   *gobreaker.CircuitBreaker
}

// NewCircuitBreaker builds a named breaker from config
func NewCircuitBreaker(name string, cfg config.BreakerConfig) *CircuitBreaker {
	logger := log.WithComponent("breaker")
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: halfOpenProbes,
		Interval:    cfg.MonitoringWindow,
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return int(counts.TotalFailures) >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateValue(to))
		},
	}
	return &CircuitBreaker{name: name, cb: gobreaker.NewCircuitBreaker(settings)}
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 2
	case gobreaker.StateHalfOpen:
		return 1
	}
	return 0
}

// Execute runs op through the breaker. A short-circuited call returns a
// structured CIRCUIT_BREAKER_OPEN error without invoking op.
func (b *CircuitBreaker) Execute(op func() (interface{}, error)) (interface{}, error) {
	result, err := b.cb.Execute(op)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, errs.Wrap(errs.CodeCircuitOpen, "breaker "+b.name+" open", err)
		}
		return nil, err
	}
	return result, nil
}

// State returns the current breaker state name
func (b *CircuitBreaker) State() string {
	return b.cb.State().String()
}

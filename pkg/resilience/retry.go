package resilience

import (
	"context"
	"strings"

	"github.com/cenkalti/backoff/v4"

	"github.com/Amicidal/sigmachad-sub017/pkg/config"
	"github.com/Amicidal/sigmachad-sub017/pkg/errs"
)

// RetryPolicy retries an operation with exponential backoff and jitter.
// Classification follows pkg/errs: validation, consistency, and business
// errors are permanent; transient and durable service failures retry.
type RetryPolicy struct {
	cfg config.RetryConfig
}

// NewRetryPolicy builds a policy from config
func NewRetryPolicy(cfg config.RetryConfig) *RetryPolicy {
	return &RetryPolicy{cfg: cfg}
}

// Execute runs op until it succeeds, the error is permanent, attempts are
// exhausted, or ctx is cancelled. The total number of invocations is at
// most cfg.MaxAttempts.
func (p *RetryPolicy) Execute(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.cfg.BaseDelay
	bo.Multiplier = p.cfg.BackoffMultiplier
	bo.RandomizationFactor = p.cfg.JitterFactor
	bo.MaxInterval = p.cfg.MaxDelay
	bo.MaxElapsedTime = 0 // bounded by attempt count, not wall clock

	attempts := uint64(0)
	if p.cfg.MaxAttempts > 1 {
		attempts = uint64(p.cfg.MaxAttempts - 1)
	}

	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if !p.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(bo, attempts), ctx))
}

// Retryable reports whether the policy would retry err. The configured
// RetryableErrors list force-allows errors whose message matches one of
// its entries, on top of the structural classification.
func (p *RetryPolicy) Retryable(err error) bool {
	if err == nil {
		return false
	}
	for _, marker := range p.cfg.RetryableErrors {
		if marker != "" && strings.Contains(err.Error(), marker) {
			return true
		}
	}
	return errs.IsRetryable(err)
}

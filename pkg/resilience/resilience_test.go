package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Amicidal/sigmachad-sub017/pkg/config"
	"github.com/Amicidal/sigmachad-sub017/pkg/errs"
	"github.com/Amicidal/sigmachad-sub017/pkg/types"
)

func retryCfg() config.RetryConfig {
	return config.RetryConfig{
		MaxAttempts:       3,
		BaseDelay:         5 * time.Millisecond,
		MaxDelay:          100 * time.Millisecond,
		BackoffMultiplier: 2.0,
		JitterFactor:      0.1,
	}
}

func TestRetryEventualSuccess(t *testing.T) {
	p := NewRetryPolicy(retryCfg())

	calls := 0
	err := p.Execute(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("ETIMEDOUT")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryStopsAtMaxAttempts(t *testing.T) {
	p := NewRetryPolicy(retryCfg())

	calls := 0
	err := p.Execute(context.Background(), func() error {
		calls++
		return errors.New("db down")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryPermanentErrorNotRetried(t *testing.T) {
	p := NewRetryPolicy(retryCfg())

	calls := 0
	err := p.Execute(context.Background(), func() error {
		calls++
		return errs.New(errs.CodeValidation, "malformed fragment")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, errs.Is(err, errs.CodeValidation))
}

func TestRetryContextCancel(t *testing.T) {
	cfg := retryCfg()
	cfg.BaseDelay = 200 * time.Millisecond
	p := NewRetryPolicy(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	calls := 0
	err := p.Execute(ctx, func() error {
		calls++
		return errors.New("slow backend")
	})
	require.Error(t, err)
	assert.LessOrEqual(t, calls, 2)
}

func TestRetryableListOverride(t *testing.T) {
	cfg := retryCfg()
	cfg.RetryableErrors = []string{"custom transient"}
	p := NewRetryPolicy(cfg)

	assert.True(t, p.Retryable(errors.New("custom transient thing happened")))
	assert.False(t, p.Retryable(errs.New(errs.CodeDependencyCycle, "loop")))
}

func breakerCfg() config.BreakerConfig {
	return config.BreakerConfig{
		FailureThreshold: 3,
		ResetTimeout:     50 * time.Millisecond,
		MonitoringWindow: time.Minute,
	}
}

func TestBreakerOpensAndShortCircuits(t *testing.T) {
	b := NewCircuitBreaker("graph-test-1", breakerCfg())

	boom := errors.New("backend down")
	for i := 0; i < 3; i++ {
		_, err := b.Execute(func() (interface{}, error) { return nil, boom })
		require.Error(t, err)
	}
	assert.Equal(t, "open", b.State())

	// While open, the protected op must not run.
	invoked := false
	_, err := b.Execute(func() (interface{}, error) {
		invoked = true
		return nil, nil
	})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.CodeCircuitOpen))
	assert.False(t, invoked)
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	b := NewCircuitBreaker("graph-test-2", breakerCfg())

	boom := errors.New("backend down")
	for i := 0; i < 3; i++ {
		_, _ = b.Execute(func() (interface{}, error) { return nil, boom })
	}
	require.Equal(t, "open", b.State())

	time.Sleep(60 * time.Millisecond)

	// Three consecutive successful probes close the breaker.
	for i := 0; i < 3; i++ {
		_, err := b.Execute(func() (interface{}, error) { return "ok", nil })
		require.NoError(t, err)
	}
	assert.Equal(t, "closed", b.State())
}

func dlqCfg() config.DLQConfig {
	return config.DLQConfig{Enabled: true, MaxSize: 3, RetentionTime: time.Hour}
}

func TestDLQAddAndResubmit(t *testing.T) {
	q := NewDeadLetterQueue(dlqCfg())

	task := &types.Task{ID: "t1", RetryCount: 4}
	q.Add(task, errors.New("db down"), 4)
	require.Equal(t, 1, q.Size())

	got, err := q.Resubmit("t1")
	require.NoError(t, err)
	assert.Equal(t, 0, got.RetryCount)
	assert.True(t, got.NotBefore.IsZero())
	assert.Equal(t, 0, q.Size())

	_, err = q.Resubmit("missing")
	assert.Error(t, err)
}

func TestDLQOverflowDropsOldest(t *testing.T) {
	q := NewDeadLetterQueue(dlqCfg())

	for i := 0; i < 5; i++ {
		q.Add(&types.Task{ID: fmt.Sprintf("t%d", i)}, errors.New("x"), 1)
	}
	entries := q.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, "t2", entries[0].Task.ID)
	assert.Equal(t, "t4", entries[2].Task.ID)
}

func TestDLQSweepPurgesExpired(t *testing.T) {
	cfg := dlqCfg()
	cfg.RetentionTime = 10 * time.Millisecond
	q := NewDeadLetterQueue(cfg)

	q.Add(&types.Task{ID: "old"}, errors.New("x"), 1)
	time.Sleep(20 * time.Millisecond)
	q.Add(&types.Task{ID: "fresh"}, errors.New("x"), 1)

	removed := q.Sweep()
	assert.Equal(t, 1, removed)
	require.Equal(t, 1, q.Size())
	assert.Equal(t, "fresh", q.Entries()[0].Task.ID)
}

func TestDLQDisabled(t *testing.T) {
	q := NewDeadLetterQueue(config.DLQConfig{Enabled: false})
	q.Add(&types.Task{ID: "t1"}, errors.New("x"), 1)
	assert.Equal(t, 0, q.Size())
}

func TestReporterCapsPerMinute(t *testing.T) {
	r := NewReporter(config.ReportingConfig{
		Enabled:            true,
		SampleRate:         1.0,
		MaxErrorsPerMinute: 2,
	})

	assert.True(t, r.Report("test", errors.New("e1")))
	assert.True(t, r.Report("test", errors.New("e2")))
	assert.False(t, r.Report("test", errors.New("e3")))
}

func TestReporterDisabled(t *testing.T) {
	r := NewReporter(config.ReportingConfig{Enabled: false})
	assert.False(t, r.Report("test", errors.New("e")))
}

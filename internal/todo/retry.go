package todo

import (
	"math"
	"time"

	"github.com/msageha/govflow/internal/model"
)

// RetryPolicy decides how failed tasks are rescheduled.
type RetryPolicy struct {
	InitialDelay      time.Duration
	BackoffMultiplier float64
	MaxDelay          time.Duration
	MaxRetries        int
}

// DefaultRetryPolicy matches model.DefaultConfig().Retry.
func DefaultRetryPolicy() RetryPolicy {
	return PolicyFromConfig(model.DefaultConfig().Retry)
}

func PolicyFromConfig(c model.RetryConfig) RetryPolicy {
	return RetryPolicy{
		InitialDelay:      c.InitialDelay(),
		BackoffMultiplier: c.BackoffMultiplier,
		MaxDelay:          c.MaxDelay(),
		MaxRetries:        c.MaxRetries,
	}
}

// Backoff returns min(initial × multiplier^(retryCount-1), maxDelay).
// retryCount is the count after the failure being scheduled, so the first
// retry waits exactly InitialDelay.
func (p RetryPolicy) Backoff(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	mult := p.BackoffMultiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.InitialDelay) * math.Pow(mult, float64(retryCount-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Exhausted reports whether a task with retryCount failures may not retry.
func (p RetryPolicy) Exhausted(retryCount, maxRetries int) bool {
	return retryCount >= maxRetries
}

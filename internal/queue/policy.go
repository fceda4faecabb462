package queue

import "time"

// RetryPolicy decides how often a failing job is retried and how long it
// waits in between. It is uniform across stages: every error counts against
// the same attempt budget.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy allows 3 attempts, waiting 2s then 4s, capped at one minute.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 2 * time.Second, MaxDelay: time.Minute}
}

// Delay returns the wait before the next attempt once attempts attempts have
// failed: BaseDelay * 2^(attempts-1), capped at MaxDelay.
func (p RetryPolicy) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempts; i++ {
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			break
		}
		if d > (1<<62)/2 {
			d = 1 << 62
			break
		}
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Exhausted reports whether a job that has failed attempts times is out of retries.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}

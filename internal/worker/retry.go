package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// storeRetries bounds application-level retries of job store writes.
const storeRetries = 4

func newStoreBackOff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, storeRetries), ctx)
}

// retryStore runs op until it succeeds, returns a backoff.Permanent error, or
// the retries run out. Every job store write is idempotent by job id, so
// repeating one after an ambiguous failure is safe.
func retryStore(ctx context.Context, name string, op func() error) error {
	return backoff.RetryNotify(op, newStoreBackOff(ctx), func(err error, wait time.Duration) {
		slog.Warn("retrying job store call", "op", name, "error", err, "wait", wait)
	})
}

// newIdleBackOff paces lease polling while the queue is empty.
func newIdleBackOff(initial, ceiling time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = ceiling
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// sleep waits for d or until ctx is done, reporting whether the full wait elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

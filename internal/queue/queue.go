// Package queue implements the job store shared by the worker pools: at most
// one active job per memo and stage, exclusive time-bounded leases, retries
// with exponential backoff, and dead letters for exhausted jobs.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/memoflow/pkg/models"
)

// ErrAlreadyQueued is returned by Enqueue when an active job with the same
// deterministic id already exists.
var ErrAlreadyQueued = errors.New("job already queued")

// FailOutcome says what Fail did with a job.
type FailOutcome int

const (
	// FailRetrying means the job was rescheduled after a backoff delay.
	FailRetrying FailOutcome = iota
	// FailDead means the job exhausted its attempts and was dead-lettered.
	// The caller must mark the owning memo FAILED.
	FailDead
	// FailStale means the caller no longer holds the lease; nothing changed.
	FailStale
)

func (o FailOutcome) String() string {
	switch o {
	case FailRetrying:
		return "retrying"
	case FailDead:
		return "dead"
	default:
		return "stale"
	}
}

// FailResult describes the effect of a Fail call.
type FailResult struct {
	Outcome  FailOutcome
	Attempts int
	RetryAt  time.Time
	// Job is the job as it stood after the failure was recorded. Nil for FailStale.
	Job *models.Job
}

// Store is the job store contract. Every method is safe for concurrent use
// by any number of workers, in-process or across processes.
type Store interface {
	// Enqueue adds a job for payload and returns its id.
	Enqueue(ctx context.Context, payload models.Payload, opts ...EnqueueOption) (string, error)
	// Lease claims the next eligible job of stage for leaseFor, or returns nil
	// when none is ready. Ready jobs are taken high priority first, then oldest
	// ready first. A leased job whose deadline has passed is eligible again.
	Lease(ctx context.Context, stage models.Stage, workerID string, leaseFor time.Duration) (*models.Job, error)
	// Ack removes a leased job. Acking a missing job or with a stale token is a no-op.
	Ack(ctx context.Context, jobID, leaseToken string) error
	// Fail records a failed attempt, then reschedules or dead-letters the job.
	Fail(ctx context.Context, jobID, leaseToken, reason string) (FailResult, error)
	// ReapExpiredLeases returns expired leases to the queue and reports how many.
	ReapExpiredLeases(ctx context.Context) (int, error)

	// Active returns the queued or leased job for stage and memo, if any.
	Active(ctx context.Context, stage models.Stage, memoID uuid.UUID) (*models.Job, error)
	// InFlight lists active jobs of stage ordered by lease priority.
	InFlight(ctx context.Context, stage models.Stage) ([]*models.Job, error)
	// DeadLetters lists dead jobs of stage, newest first.
	DeadLetters(ctx context.Context, stage models.Stage, limit int) ([]*models.Job, error)
	// LatestDeadLetter returns the newest dead job for stage and memo, if any.
	LatestDeadLetter(ctx context.Context, stage models.Stage, memoID uuid.UUID) (*models.Job, error)
}

type enqueueParams struct {
	priority models.Priority
	delay    time.Duration
}

// EnqueueOption customizes a single Enqueue call.
type EnqueueOption func(*enqueueParams)

// WithPriority sets the job's priority class.
func WithPriority(p models.Priority) EnqueueOption {
	return func(e *enqueueParams) {
		e.priority = p
	}
}

// WithDelay keeps the job ineligible for d after enqueue.
func WithDelay(d time.Duration) EnqueueOption {
	return func(e *enqueueParams) {
		e.delay = d
	}
}

func applyEnqueueOptions(opts []EnqueueOption) enqueueParams {
	p := enqueueParams{priority: models.PriorityNormal}
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

// Clock supplies the current time. Tests substitute a controllable clock.
type Clock func() time.Time

func systemClock() time.Time { return time.Now().UTC() }

type options struct {
	clock Clock
}

// Option configures a Store implementation.
type Option func(*options)

// WithClock replaces the wall clock used for run times and lease deadlines.
func WithClock(c Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

func applyOptions(opts []Option) options {
	o := options{clock: systemClock}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

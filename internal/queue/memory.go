package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/memoflow/pkg/models"
)

// MemoryQueue is a Store held in process memory. It is suitable for a single
// process deployment and for tests; jobs do not survive a restart.
type MemoryQueue struct {
	mu     sync.Mutex
	policy RetryPolicy
	clock  Clock
	jobs   map[string]*memJob
	dead   []*models.Job
	seq    int64
}

type memJob struct {
	job *models.Job
	seq int64
}

var _ Store = (*MemoryQueue)(nil)

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue(policy RetryPolicy, opts ...Option) *MemoryQueue {
	o := applyOptions(opts)
	return &MemoryQueue{
		policy: policy,
		clock:  o.clock,
		jobs:   map[string]*memJob{},
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, payload models.Payload, opts ...EnqueueOption) (string, error) {
	if payload == nil {
		return "", fmt.Errorf("enqueue: nil payload")
	}
	p := applyEnqueueOptions(opts)

	q.mu.Lock()
	defer q.mu.Unlock()

	id := models.JobID(payload.Stage(), payload.Memo())
	if _, ok := q.jobs[id]; ok {
		return "", ErrAlreadyQueued
	}
	now := q.clock()
	q.seq++
	q.jobs[id] = &memJob{
		seq: q.seq,
		job: &models.Job{
			ID:          id,
			Stage:       payload.Stage(),
			MemoID:      payload.Memo(),
			Payload:     payload,
			Priority:    p.priority,
			State:       models.JobStateQueued,
			MaxAttempts: q.policy.MaxAttempts,
			RunAt:       now.Add(p.delay),
			Failures:    []models.JobFailure{},
			CreatedAt:   now,
			UpdatedAt:   now,
		},
	}
	return id, nil
}

func (q *MemoryQueue) Lease(ctx context.Context, stage models.Stage, workerID string, leaseFor time.Duration) (*models.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock()
	var best *memJob
	for _, mj := range q.jobs {
		if mj.job.Stage != stage || !eligible(mj.job, now) {
			continue
		}
		if best == nil || leasesBefore(mj, best) {
			best = mj
		}
	}
	if best == nil {
		return nil, nil
	}

	j := best.job
	deadline := now.Add(leaseFor)
	j.State = models.JobStateLeased
	j.LeaseOwner = workerID
	j.LeaseToken = uuid.NewString()
	j.LeaseDeadline = &deadline
	j.UpdatedAt = now
	return cloneJob(j), nil
}

func (q *MemoryQueue) Ack(ctx context.Context, jobID, leaseToken string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if mj, ok := q.jobs[jobID]; ok && mj.job.LeaseToken == leaseToken && mj.job.State == models.JobStateLeased {
		delete(q.jobs, jobID)
	}
	return nil
}

func (q *MemoryQueue) Fail(ctx context.Context, jobID, leaseToken, reason string) (FailResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	mj, ok := q.jobs[jobID]
	if !ok || mj.job.State != models.JobStateLeased || mj.job.LeaseToken != leaseToken {
		return FailResult{Outcome: FailStale}, nil
	}

	now := q.clock()
	j := mj.job
	j.Attempts++
	j.Failures = append(j.Failures, models.JobFailure{Attempt: j.Attempts, Reason: reason, At: now})
	j.LeaseOwner, j.LeaseToken, j.LeaseDeadline = "", "", nil
	j.UpdatedAt = now

	if q.policy.Exhausted(j.Attempts) {
		j.State = models.JobStateDead
		j.DeadAt = &now
		delete(q.jobs, jobID)
		q.dead = append(q.dead, j)
		return FailResult{Outcome: FailDead, Attempts: j.Attempts, Job: cloneJob(j)}, nil
	}

	j.State = models.JobStateQueued
	j.RunAt = now.Add(q.policy.Delay(j.Attempts))
	return FailResult{Outcome: FailRetrying, Attempts: j.Attempts, RetryAt: j.RunAt, Job: cloneJob(j)}, nil
}

func (q *MemoryQueue) ReapExpiredLeases(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock()
	n := 0
	for _, mj := range q.jobs {
		j := mj.job
		if j.State == models.JobStateLeased && !j.LeaseDeadline.After(now) {
			j.State = models.JobStateQueued
			j.LeaseOwner, j.LeaseToken, j.LeaseDeadline = "", "", nil
			j.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (q *MemoryQueue) Active(ctx context.Context, stage models.Stage, memoID uuid.UUID) (*models.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if mj, ok := q.jobs[models.JobID(stage, memoID)]; ok {
		return cloneJob(mj.job), nil
	}
	return nil, nil
}

func (q *MemoryQueue) InFlight(ctx context.Context, stage models.Stage) ([]*models.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var matched []*memJob
	for _, mj := range q.jobs {
		if mj.job.Stage == stage {
			matched = append(matched, mj)
		}
	}
	sort.Slice(matched, func(i, k int) bool { return leasesBefore(matched[i], matched[k]) })

	out := make([]*models.Job, 0, len(matched))
	for _, mj := range matched {
		out = append(out, cloneJob(mj.job))
	}
	return out, nil
}

func (q *MemoryQueue) DeadLetters(ctx context.Context, stage models.Stage, limit int) ([]*models.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	var out []*models.Job
	for i := len(q.dead) - 1; i >= 0 && len(out) < limit; i-- {
		if q.dead[i].Stage == stage {
			out = append(out, cloneJob(q.dead[i]))
		}
	}
	return out, nil
}

func (q *MemoryQueue) LatestDeadLetter(ctx context.Context, stage models.Stage, memoID uuid.UUID) (*models.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := len(q.dead) - 1; i >= 0; i-- {
		if d := q.dead[i]; d.Stage == stage && d.MemoID == memoID {
			return cloneJob(d), nil
		}
	}
	return nil, nil
}

func eligible(j *models.Job, now time.Time) bool {
	switch j.State {
	case models.JobStateQueued:
		return !j.RunAt.After(now)
	case models.JobStateLeased:
		return j.LeaseDeadline != nil && !j.LeaseDeadline.After(now)
	}
	return false
}

// leasesBefore orders jobs by priority class, then run time, then insertion.
func leasesBefore(a, b *memJob) bool {
	if a.job.Priority != b.job.Priority {
		return a.job.Priority > b.job.Priority
	}
	if !a.job.RunAt.Equal(b.job.RunAt) {
		return a.job.RunAt.Before(b.job.RunAt)
	}
	if !a.job.CreatedAt.Equal(b.job.CreatedAt) {
		return a.job.CreatedAt.Before(b.job.CreatedAt)
	}
	return a.seq < b.seq
}

func cloneJob(j *models.Job) *models.Job {
	cp := *j
	cp.Failures = append([]models.JobFailure{}, j.Failures...)
	if j.LeaseDeadline != nil {
		d := *j.LeaseDeadline
		cp.LeaseDeadline = &d
	}
	if j.DeadAt != nil {
		d := *j.DeadAt
		cp.DeadAt = &d
	}
	return &cp
}

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/memoflow/pkg/models"
)

// PostgresQueue is a Store backed by the jobs and dead_jobs tables. Leases use
// SELECT ... FOR UPDATE SKIP LOCKED so any number of processes can poll the
// same table without handing one job to two workers.
type PostgresQueue struct {
	pool   *pgxpool.Pool
	policy RetryPolicy
	clock  Clock
}

var _ Store = (*PostgresQueue)(nil)

// NewPostgresQueue creates a PostgresQueue on an already migrated database.
func NewPostgresQueue(pool *pgxpool.Pool, policy RetryPolicy, opts ...Option) *PostgresQueue {
	o := applyOptions(opts)
	return &PostgresQueue{pool: pool, policy: policy, clock: o.clock}
}

const jobColumns = `id, stage, memo_id, payload, priority, state, attempts, max_attempts, run_at,
	lease_owner, lease_token, lease_deadline, failures, created_at, updated_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var (
		j           models.Job
		stage       string
		payload     []byte
		priority    int16
		owner       *string
		token       *string
		failuresRaw []byte
	)
	if err := row.Scan(&j.ID, &stage, &j.MemoID, &payload, &priority, &j.State, &j.Attempts,
		&j.MaxAttempts, &j.RunAt, &owner, &token, &j.LeaseDeadline, &failuresRaw,
		&j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	j.Stage = models.Stage(stage)
	j.Priority = models.Priority(priority)
	if owner != nil {
		j.LeaseOwner = *owner
	}
	if token != nil {
		j.LeaseToken = *token
	}
	return finishJob(&j, payload, failuresRaw)
}

func finishJob(j *models.Job, payload, failuresRaw []byte) (*models.Job, error) {
	p, err := models.DecodePayload(j.Stage, payload)
	if err != nil {
		return nil, err
	}
	j.Payload = p
	j.Failures = []models.JobFailure{}
	if len(failuresRaw) > 0 {
		if err := json.Unmarshal(failuresRaw, &j.Failures); err != nil {
			return nil, fmt.Errorf("decode job failures: %w", err)
		}
	}
	return j, nil
}

func (q *PostgresQueue) Enqueue(ctx context.Context, payload models.Payload, opts ...EnqueueOption) (string, error) {
	raw, err := models.EncodePayload(payload)
	if err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	p := applyEnqueueOptions(opts)
	now := q.clock()
	id := models.JobID(payload.Stage(), payload.Memo())

	tag, err := q.pool.Exec(ctx,
		`INSERT INTO jobs (id, stage, memo_id, payload, priority, state, attempts, max_attempts,
		   run_at, failures, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, '[]', $9, $9)
		 ON CONFLICT (id) DO NOTHING`,
		id, string(payload.Stage()), payload.Memo(), raw, int16(p.priority), models.JobStateQueued,
		q.policy.MaxAttempts, now.Add(p.delay), now)
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return "", ErrAlreadyQueued
	}
	return id, nil
}

func (q *PostgresQueue) Lease(ctx context.Context, stage models.Stage, workerID string, leaseFor time.Duration) (*models.Job, error) {
	now := q.clock()
	job, err := scanJob(q.pool.QueryRow(ctx,
		`UPDATE jobs SET state = 'leased', lease_owner = $3, lease_token = $4, lease_deadline = $5, updated_at = $2
		 WHERE id = (
		   SELECT id FROM jobs
		   WHERE stage = $1
		     AND ((state = 'queued' AND run_at <= $2) OR (state = 'leased' AND lease_deadline <= $2))
		   ORDER BY priority DESC, run_at, created_at, seq
		   LIMIT 1
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+jobColumns,
		string(stage), now, workerID, uuid.NewString(), now.Add(leaseFor)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lease %s job: %w", stage, err)
	}
	return job, nil
}

func (q *PostgresQueue) Ack(ctx context.Context, jobID, leaseToken string) error {
	_, err := q.pool.Exec(ctx,
		`DELETE FROM jobs WHERE id = $1 AND lease_token = $2 AND state = 'leased'`, jobID, leaseToken)
	if err != nil {
		return fmt.Errorf("ack %s: %w", jobID, err)
	}
	return nil
}

func (q *PostgresQueue) Fail(ctx context.Context, jobID, leaseToken, reason string) (FailResult, error) {
	var result FailResult
	err := pgx.BeginFunc(ctx, q.pool, func(tx pgx.Tx) error {
		j, err := scanJob(tx.QueryRow(ctx,
			`SELECT `+jobColumns+` FROM jobs
			 WHERE id = $1 AND lease_token = $2 AND state = 'leased'
			 FOR UPDATE`, jobID, leaseToken))
		if errors.Is(err, pgx.ErrNoRows) {
			result = FailResult{Outcome: FailStale}
			return nil
		}
		if err != nil {
			return err
		}

		now := q.clock()
		j.Attempts++
		j.Failures = append(j.Failures, models.JobFailure{Attempt: j.Attempts, Reason: reason, At: now})
		j.LeaseOwner, j.LeaseToken, j.LeaseDeadline = "", "", nil
		j.UpdatedAt = now
		failures, err := json.Marshal(j.Failures)
		if err != nil {
			return err
		}

		if q.policy.Exhausted(j.Attempts) {
			payload, err := models.EncodePayload(j.Payload)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO dead_jobs (id, job_id, stage, memo_id, payload, priority, attempts,
				   max_attempts, failures, created_at, dead_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
				uuid.New(), j.ID, string(j.Stage), j.MemoID, payload, int16(j.Priority), j.Attempts,
				j.MaxAttempts, failures, j.CreatedAt, now); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, j.ID); err != nil {
				return err
			}
			j.State = models.JobStateDead
			j.DeadAt = &now
			result = FailResult{Outcome: FailDead, Attempts: j.Attempts, Job: j}
			return nil
		}

		j.State = models.JobStateQueued
		j.RunAt = now.Add(q.policy.Delay(j.Attempts))
		if _, err := tx.Exec(ctx,
			`UPDATE jobs SET state = 'queued', attempts = $2, failures = $3, run_at = $4,
			   lease_owner = NULL, lease_token = NULL, lease_deadline = NULL, updated_at = $5
			 WHERE id = $1`,
			j.ID, j.Attempts, failures, j.RunAt, now); err != nil {
			return err
		}
		result = FailResult{Outcome: FailRetrying, Attempts: j.Attempts, RetryAt: j.RunAt, Job: j}
		return nil
	})
	if err != nil {
		return FailResult{}, fmt.Errorf("fail %s: %w", jobID, err)
	}
	return result, nil
}

func (q *PostgresQueue) ReapExpiredLeases(ctx context.Context) (int, error) {
	tag, err := q.pool.Exec(ctx,
		`UPDATE jobs SET state = 'queued', lease_owner = NULL, lease_token = NULL,
		   lease_deadline = NULL, updated_at = $1
		 WHERE state = 'leased' AND lease_deadline <= $1`, q.clock())
	if err != nil {
		return 0, fmt.Errorf("reap expired leases: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (q *PostgresQueue) Active(ctx context.Context, stage models.Stage, memoID uuid.UUID) (*models.Job, error) {
	j, err := scanJob(q.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, models.JobID(stage, memoID)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active job: %w", err)
	}
	return j, nil
}

func (q *PostgresQueue) InFlight(ctx context.Context, stage models.Stage) ([]*models.Job, error) {
	rows, err := q.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE stage = $1
		 ORDER BY priority DESC, run_at, created_at, seq`, string(stage))
	if err != nil {
		return nil, fmt.Errorf("list in-flight jobs: %w", err)
	}
	defer rows.Close()

	jobs := []*models.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

const deadColumns = `job_id, stage, memo_id, payload, priority, attempts, max_attempts, failures, created_at, dead_at`

func scanDeadJob(row pgx.Row) (*models.Job, error) {
	var (
		j           models.Job
		stage       string
		payload     []byte
		priority    int16
		failuresRaw []byte
		deadAt      time.Time
	)
	if err := row.Scan(&j.ID, &stage, &j.MemoID, &payload, &priority, &j.Attempts, &j.MaxAttempts,
		&failuresRaw, &j.CreatedAt, &deadAt); err != nil {
		return nil, err
	}
	j.Stage = models.Stage(stage)
	j.Priority = models.Priority(priority)
	j.State = models.JobStateDead
	j.DeadAt = &deadAt
	j.UpdatedAt = deadAt
	return finishJob(&j, payload, failuresRaw)
}

func (q *PostgresQueue) DeadLetters(ctx context.Context, stage models.Stage, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.pool.Query(ctx,
		`SELECT `+deadColumns+` FROM dead_jobs WHERE stage = $1 ORDER BY dead_at DESC LIMIT $2`,
		string(stage), limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	jobs := []*models.Job{}
	for rows.Next() {
		j, err := scanDeadJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dead job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (q *PostgresQueue) LatestDeadLetter(ctx context.Context, stage models.Stage, memoID uuid.UUID) (*models.Job, error) {
	j, err := scanDeadJob(q.pool.QueryRow(ctx,
		`SELECT `+deadColumns+` FROM dead_jobs WHERE stage = $1 AND memo_id = $2
		 ORDER BY dead_at DESC LIMIT 1`, string(stage), memoID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get dead letter: %w", err)
	}
	return j, nil
}

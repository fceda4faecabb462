package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/kiranshivaraju/memoflow/internal/queue"
	"github.com/kiranshivaraju/memoflow/pkg/models"
)

// PoolConfig sizes and paces one stage's pool.
type PoolConfig struct {
	// Concurrency is the number of lease-execute-ack loops.
	Concurrency int
	// LeaseDuration must exceed Timeout so a healthy attempt never loses its lease.
	LeaseDuration time.Duration
	// Timeout bounds a single Handle call.
	Timeout time.Duration
	// IdleMin and IdleMax bound the poll interval while the queue is empty.
	IdleMin time.Duration
	IdleMax time.Duration
}

func (c PoolConfig) validate() error {
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", c.Timeout)
	}
	if c.LeaseDuration <= c.Timeout {
		return fmt.Errorf("lease duration %s must exceed timeout %s", c.LeaseDuration, c.Timeout)
	}
	return nil
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.IdleMin <= 0 {
		c.IdleMin = 200 * time.Millisecond
	}
	if c.IdleMax < c.IdleMin {
		c.IdleMax = 5 * c.IdleMin
	}
	return c
}

// Pool runs the workers of one stage against a shared job store.
type Pool struct {
	stage      models.Stage
	handler    StageHandler
	queue      queue.Store
	dispatcher *Dispatcher
	cfg        PoolConfig
}

// NewPool builds the pool for stage. It does not start any goroutines.
func NewPool(stage models.Stage, h StageHandler, q queue.Store, d *Dispatcher, cfg PoolConfig) (*Pool, error) {
	if !stage.Valid() {
		return nil, fmt.Errorf("unknown stage %q", stage)
	}
	if h == nil {
		return nil, fmt.Errorf("nil handler for stage %s", stage)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%s pool: %w", stage, err)
	}
	return &Pool{stage: stage, handler: h, queue: q, dispatcher: d, cfg: cfg.withDefaults()}, nil
}

func (p *Pool) Stage() models.Stage { return p.stage }

// run starts the pool's loops and returns once every loop has exited.
// leaseCtx stops new leases; workCtx aborts jobs already in progress.
func (p *Pool) run(leaseCtx, workCtx context.Context, prefix string) {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Concurrency; i++ {
		workerID := fmt.Sprintf("%s-%s-%d", prefix, p.stage, i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.loop(leaseCtx, workCtx, workerID)
		}()
	}
	wg.Wait()
}

func (p *Pool) loop(leaseCtx, workCtx context.Context, workerID string) {
	slog.Info("worker started", "stage", p.stage, "worker_id", workerID)
	defer slog.Info("worker stopped", "stage", p.stage, "worker_id", workerID)

	idle := newIdleBackOff(p.cfg.IdleMin, p.cfg.IdleMax)
	for leaseCtx.Err() == nil {
		leased, err := p.next(leaseCtx, workCtx, workerID)
		if err != nil && leaseCtx.Err() == nil {
			slog.Error("lease failed", "stage", p.stage, "worker_id", workerID, "error", err)
		}
		if leased {
			idle.Reset()
			continue
		}
		sleep(leaseCtx, idle.NextBackOff())
	}
}

// ProcessNext leases at most one job and runs it to completion, reporting
// whether a job was leased. Errors from the job itself are absorbed.
func (p *Pool) ProcessNext(ctx context.Context, workerID string) (bool, error) {
	return p.next(ctx, ctx, workerID)
}

func (p *Pool) next(leaseCtx, workCtx context.Context, workerID string) (bool, error) {
	job, err := p.queue.Lease(leaseCtx, p.stage, workerID, p.cfg.LeaseDuration)
	if err != nil {
		return false, fmt.Errorf("lease %s job: %w", p.stage, err)
	}
	if job == nil {
		return false, nil
	}
	p.process(workCtx, workerID, job)
	return true, nil
}

func (p *Pool) process(ctx context.Context, workerID string, job *models.Job) {
	log := slog.With("job_id", job.ID, "stage", p.stage, "memo_id", job.MemoID,
		"worker_id", workerID, "attempt", job.Attempts+1)
	log.Info("job leased")
	start := time.Now()

	next, err := p.handle(ctx, job)

	switch {
	case errors.Is(err, ErrDiscard):
		log.Info("job discarded", "reason", err)
		p.ack(ctx, log, job)
	case err != nil:
		if ctx.Err() != nil {
			// Forced shutdown. The lease expires and the job is retried elsewhere.
			log.Warn("job abandoned", "error", err)
			return
		}
		p.fail(ctx, log, job, err.Error())
	default:
		log.Info("job succeeded", "duration_ms", time.Since(start).Milliseconds())
		if !p.ack(ctx, log, job) || next == nil {
			return
		}
		if _, err := p.dispatcher.Dispatch(ctx, next, job.Priority); err != nil {
			if errors.Is(err, queue.ErrAlreadyQueued) {
				log.Info("next stage already queued", "next_stage", next.Stage())
				return
			}
			log.Error("dispatch failed", "next_stage", next.Stage(), "error", err)
		}
	}
}

// handle runs the handler under the stage timeout. A panic becomes an error.
func (p *Pool) handle(ctx context.Context, job *models.Job) (next models.Payload, err error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in stage handler", "job_id", job.ID, "stage", p.stage,
				"error", r, "stack", string(debug.Stack()))
			next, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()

	if job.Payload == nil || job.Payload.Stage() != p.stage {
		return nil, fmt.Errorf("job %s carries no %s payload", job.ID, p.stage)
	}
	return p.handler.Handle(ctx, job)
}

func (p *Pool) ack(ctx context.Context, log *slog.Logger, job *models.Job) bool {
	err := retryStore(ctx, "ack", func() error {
		return p.queue.Ack(ctx, job.ID, job.LeaseToken)
	})
	if err != nil {
		log.Error("ack failed", "error", err)
		return false
	}
	return true
}

func (p *Pool) fail(ctx context.Context, log *slog.Logger, job *models.Job, reason string) {
	var res queue.FailResult
	err := retryStore(ctx, "fail", func() error {
		var err error
		res, err = p.queue.Fail(ctx, job.ID, job.LeaseToken, reason)
		return err
	})
	if err != nil {
		log.Error("recording failure failed", "reason", reason, "error", err)
		return
	}

	switch res.Outcome {
	case queue.FailRetrying:
		log.Warn("job failed, retry scheduled", "reason", reason, "attempts", res.Attempts, "retry_at", res.RetryAt)
	case queue.FailStale:
		log.Warn("job failed after losing its lease", "reason", reason)
	case queue.FailDead:
		log.Error("job dead-lettered", "reason", reason, "attempts", res.Attempts)
		err := retryStore(ctx, "mark failed", func() error {
			return p.failMemo(ctx, job, reason)
		})
		if err != nil {
			log.Error("marking memo failed", "error", err)
		}
	}
}

func (p *Pool) failMemo(ctx context.Context, job *models.Job, reason string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in stage failure handler", "job_id", job.ID, "stage", p.stage,
				"error", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return p.handler.Fail(ctx, job, reason)
}

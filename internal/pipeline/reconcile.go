package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/memoflow/internal/cache"
	"github.com/kiranshivaraju/memoflow/internal/queue"
	"github.com/kiranshivaraju/memoflow/internal/store"
	"github.com/kiranshivaraju/memoflow/internal/worker"
	"github.com/kiranshivaraju/memoflow/pkg/models"
)

const reconcileBatch = 100

// ReconcileResult counts what one sweep repaired.
type ReconcileResult struct {
	Checked  int
	Requeued int
	Failed   int
}

// Reconciler repairs memos left in TRANSCRIBING or GENERATING without an
// active job for that stage, as happens when a process dies between
// advancing the status and enqueueing the next job, or between dead-lettering
// a job and marking its memo FAILED.
type Reconciler struct {
	store      store.Store
	ledger     *Ledger
	queue      queue.Store
	dispatcher *worker.Dispatcher
	grace      time.Duration
	now        func() time.Time
}

func NewReconciler(st store.Store, ca cache.Cache, q queue.Store, d *worker.Dispatcher, grace time.Duration) *Reconciler {
	return &Reconciler{
		store:      st,
		ledger:     NewLedger(st, ca),
		queue:      q,
		dispatcher: d,
		grace:      grace,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Run adapts Sweep to worker.Sweep.
func (r *Reconciler) Run(ctx context.Context) error {
	res, err := r.Sweep(ctx)
	if res.Requeued > 0 || res.Failed > 0 {
		slog.Warn("reconciled stuck memos", "checked", res.Checked, "requeued", res.Requeued, "failed", res.Failed)
	}
	return err
}

// Sweep examines memos whose status has not changed for longer than the
// grace period. A memo with an active job is left alone. A memo whose stage
// job was dead-lettered after it entered the status is marked FAILED with the
// job's last error. Anything else gets its stage job enqueued again.
func (r *Reconciler) Sweep(ctx context.Context) (ReconcileResult, error) {
	var res ReconcileResult
	stuck, err := r.store.ListStuckMemos(ctx,
		[]models.MemoStatus{models.MemoStatusTranscribing, models.MemoStatusGenerating},
		r.now().Add(-r.grace), reconcileBatch)
	if err != nil {
		return res, fmt.Errorf("listing stuck memos: %w", err)
	}

	var errs []error
	for _, memo := range stuck {
		res.Checked++
		outcome, err := r.repair(ctx, memo)
		if err != nil {
			errs = append(errs, fmt.Errorf("memo %s: %w", memo.ID, err))
			continue
		}
		switch outcome {
		case repairRequeued:
			res.Requeued++
		case repairFailed:
			res.Failed++
		}
	}
	return res, errors.Join(errs...)
}

type repairOutcome int

const (
	repairNone repairOutcome = iota
	repairRequeued
	repairFailed
)

func (r *Reconciler) repair(ctx context.Context, memo *models.Memo) (repairOutcome, error) {
	stage, ok := memo.Status.Stage()
	if !ok {
		return repairNone, nil
	}
	active, err := r.queue.Active(ctx, stage, memo.ID)
	if err != nil {
		return repairNone, err
	}
	if active != nil {
		return repairNone, nil
	}

	// The job may have finished between the listing and the Active check.
	current, err := r.store.GetMemo(ctx, memo.ID)
	if errors.Is(err, store.ErrNotFound) {
		return repairNone, nil
	}
	if err != nil {
		return repairNone, err
	}
	if current.Status != memo.Status || current.Round != memo.Round {
		return repairNone, nil
	}

	dead, err := r.queue.LatestDeadLetter(ctx, stage, memo.ID)
	if err != nil {
		return repairNone, err
	}
	if dead != nil && dead.DeadAt != nil && dead.DeadAt.After(current.StatusChangedAt) {
		_, err := r.ledger.Transition(ctx, memo.ID, current.Status, models.MemoStatusFailed,
			store.WithErrorMessage(dead.LastError()), store.WithRound(current.Round))
		if errors.Is(err, store.ErrStaleStatus) || errors.Is(err, store.ErrNotFound) {
			return repairNone, nil
		}
		if err != nil {
			return repairNone, err
		}
		slog.Warn("stuck memo marked failed from dead letter", "memo_id", memo.ID, "stage", stage, "job_id", dead.ID)
		return repairFailed, nil
	}

	var payload models.Payload
	switch stage {
	case models.StageTranscribe:
		payload = models.TranscribePayload{MemoID: current.ID, Round: current.Round, Language: current.Language}
	case models.StageGenerate:
		payload = models.GeneratePayload{MemoID: current.ID, Round: current.Round}
	}
	if _, err := r.dispatcher.Dispatch(ctx, payload, current.Priority); err != nil {
		if errors.Is(err, queue.ErrAlreadyQueued) {
			return repairNone, nil
		}
		return repairNone, err
	}
	slog.Warn("stuck memo re-enqueued", "memo_id", memo.ID, "stage", stage, "round", current.Round)
	return repairRequeued, nil
}

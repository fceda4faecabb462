package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/memoflow/internal/blob"
	"github.com/kiranshivaraju/memoflow/internal/store"
	"github.com/kiranshivaraju/memoflow/internal/worker"
	"github.com/kiranshivaraju/memoflow/pkg/models"
)

// jobRound extracts the processing round a job was created for.
func jobRound(job *models.Job) (int, error) {
	switch p := job.Payload.(type) {
	case models.TranscribePayload:
		return p.Round, nil
	case models.GeneratePayload:
		return p.Round, nil
	default:
		return 0, fmt.Errorf("job %s has unexpected payload %T", job.ID, job.Payload)
	}
}

// errSuperseded marks a job created for an earlier round of its memo.
var errSuperseded = errors.New("job superseded by a later round")

// loadMemo fetches the memo a job works on. Jobs for deleted memos are
// discarded; jobs for an earlier round return the memo with errSuperseded.
func loadMemo(ctx context.Context, st store.Store, job *models.Job, round int) (*models.Memo, error) {
	memo, err := st.GetMemo(ctx, job.MemoID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: memo %s no longer exists", worker.ErrDiscard, job.MemoID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading memo: %w", err)
	}
	if memo.Round != round {
		return memo, fmt.Errorf("%w: job round %d, memo %s is in round %d", errSuperseded, round, memo.ID, memo.Round)
	}
	return memo, nil
}

// handOff resolves a superseded job. The stale job holds the stage's job id,
// so a dispatch for the memo's current round made while it was queued was
// absorbed as a duplicate. When the memo now waits on this stage the job is
// acked and a job for the current round dispatched in its place.
func handOff(memo *models.Memo, stage models.Stage, cause error) (models.Payload, error) {
	var next models.Payload
	switch {
	case stage == models.StageTranscribe && memo.Status == models.MemoStatusTranscribing:
		next = models.TranscribePayload{MemoID: memo.ID, Round: memo.Round, Language: memo.Language}
	case stage == models.StageGenerate && memo.Status == models.MemoStatusGenerating:
		next = models.GeneratePayload{MemoID: memo.ID, Round: memo.Round}
	default:
		return nil, fmt.Errorf("%w: %v", worker.ErrDiscard, cause)
	}
	slog.Info("handing off superseded job", "memo_id", memo.ID, "stage", stage, "round", memo.Round)
	return next, nil
}

// gone turns a not-found error into a discard when the memo itself was
// deleted while the job ran. Any other error is wrapped with op.
func gone(ctx context.Context, st store.Store, memoID uuid.UUID, op string, err error) error {
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, blob.ErrNotFound) {
		if _, gerr := st.GetMemo(ctx, memoID); errors.Is(gerr, store.ErrNotFound) {
			return fmt.Errorf("%w: memo %s deleted while %s", worker.ErrDiscard, memoID, op)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// failMemo marks the memo FAILED with reason, if it is still in the status
// owned by the dead job's stage and round.
func failMemo(ctx context.Context, ledger *Ledger, job *models.Job, from models.MemoStatus, reason string) error {
	round, err := jobRound(job)
	if err != nil {
		return err
	}
	_, err = ledger.Transition(ctx, job.MemoID, from, models.MemoStatusFailed,
		store.WithErrorMessage(reason), store.WithRound(round))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrStaleStatus):
		slog.Warn("memo not marked failed", "memo_id", job.MemoID, "job_id", job.ID, "error", err)
		return nil
	default:
		return fmt.Errorf("marking memo failed: %w", err)
	}
}

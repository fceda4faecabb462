package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kiranshivaraju/memoflow/internal/ai"
	"github.com/kiranshivaraju/memoflow/internal/cache"
	"github.com/kiranshivaraju/memoflow/internal/store"
	"github.com/kiranshivaraju/memoflow/internal/worker"
	"github.com/kiranshivaraju/memoflow/pkg/models"
)

// GenerationHandler runs the GENERATE stage: build the memo content from the
// stored transcript, validate it, persist it, and complete the memo.
type GenerationHandler struct {
	store     store.Store
	ledger    *Ledger
	generator models.Generator
	now       func() time.Time
}

var _ worker.StageHandler = (*GenerationHandler)(nil)

func NewGenerationHandler(st store.Store, ca cache.Cache, g models.Generator) *GenerationHandler {
	return &GenerationHandler{
		store:     st,
		ledger:    NewLedger(st, ca),
		generator: g,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (h *GenerationHandler) Handle(ctx context.Context, job *models.Job) (models.Payload, error) {
	p, ok := job.Payload.(models.GeneratePayload)
	if !ok {
		return nil, fmt.Errorf("job %s has unexpected payload %T", job.ID, job.Payload)
	}
	memo, err := loadMemo(ctx, h.store, job, p.Round)
	if errors.Is(err, errSuperseded) {
		return handOff(memo, models.StageGenerate, err)
	}
	if err != nil {
		return nil, err
	}
	switch memo.Status {
	case models.MemoStatusGenerating:
	case models.MemoStatusTranscribing, models.MemoStatusUploading:
		return nil, fmt.Errorf("memo %s is still %s", memo.ID, memo.Status)
	default:
		return nil, fmt.Errorf("%w: memo %s is %s", worker.ErrDiscard, memo.ID, memo.Status)
	}

	transcript, err := h.store.GetTranscript(ctx, memo.ID)
	if err != nil {
		return nil, gone(ctx, h.store, memo.ID, "loading transcript", err)
	}

	content, err := h.generator.Generate(ctx, models.GenerationRequest{
		Transcript:      transcript.Text,
		Title:           memo.Title,
		Language:        transcript.Language,
		DurationMinutes: transcript.DurationMinutes(),
		RecordedAt:      memo.CreatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("generating: %w", err)
	}
	if err := ai.ValidateContent(&content); err != nil {
		return nil, err
	}

	content.MemoID = memo.ID
	content.Provider = h.generator.Name()
	content.CreatedAt = h.now()
	if err := h.store.SaveGeneratedContent(ctx, &content); err != nil {
		return nil, gone(ctx, h.store, memo.ID, "saving content", err)
	}

	_, err = h.ledger.Transition(ctx, memo.ID, models.MemoStatusGenerating, models.MemoStatusCompleted,
		store.WithRound(memo.Round))
	switch {
	case err == nil:
		return nil, nil
	case errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("%w: memo %s deleted during generation", worker.ErrDiscard, memo.ID)
	case errors.Is(err, store.ErrStaleStatus):
		return nil, fmt.Errorf("%w: %v", worker.ErrDiscard, err)
	default:
		return nil, fmt.Errorf("completing memo: %w", err)
	}
}

// Fail marks the memo FAILED once generation has exhausted its attempts.
func (h *GenerationHandler) Fail(ctx context.Context, job *models.Job, reason string) error {
	return failMemo(ctx, h.ledger, job, models.MemoStatusGenerating, reason)
}

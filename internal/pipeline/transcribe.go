package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/kiranshivaraju/memoflow/internal/ai"
	"github.com/kiranshivaraju/memoflow/internal/blob"
	"github.com/kiranshivaraju/memoflow/internal/cache"
	"github.com/kiranshivaraju/memoflow/internal/store"
	"github.com/kiranshivaraju/memoflow/internal/worker"
	"github.com/kiranshivaraju/memoflow/pkg/models"
)

// TranscriptionHandler runs the TRANSCRIBE stage: download audio, call the
// transcriber, persist the transcript, count usage, advance to GENERATING.
type TranscriptionHandler struct {
	store       store.Store
	cache       cache.Cache
	ledger      *Ledger
	blobs       blob.Store
	transcriber models.Transcriber
	now         func() time.Time
}

var _ worker.StageHandler = (*TranscriptionHandler)(nil)

func NewTranscriptionHandler(st store.Store, ca cache.Cache, blobs blob.Store, t models.Transcriber) *TranscriptionHandler {
	return &TranscriptionHandler{
		store:       st,
		cache:       ca,
		ledger:      NewLedger(st, ca),
		blobs:       blobs,
		transcriber: t,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (h *TranscriptionHandler) Handle(ctx context.Context, job *models.Job) (models.Payload, error) {
	p, ok := job.Payload.(models.TranscribePayload)
	if !ok {
		return nil, fmt.Errorf("job %s has unexpected payload %T", job.ID, job.Payload)
	}
	memo, err := loadMemo(ctx, h.store, job, p.Round)
	if errors.Is(err, errSuperseded) {
		return handOff(memo, models.StageTranscribe, err)
	}
	if err != nil {
		return nil, err
	}
	next := models.GeneratePayload{MemoID: memo.ID, Round: memo.Round}

	switch memo.Status {
	case models.MemoStatusTranscribing:
	case models.MemoStatusGenerating:
		// Redelivered after the transcript was stored and status advanced.
		return next, nil
	case models.MemoStatusUploading:
		return nil, fmt.Errorf("memo %s is still uploading", memo.ID)
	default:
		return nil, fmt.Errorf("%w: memo %s is %s", worker.ErrDiscard, memo.ID, memo.Status)
	}
	if memo.AudioKey == nil {
		return nil, fmt.Errorf("memo %s has no audio", memo.ID)
	}

	audio, err := h.blobs.Get(ctx, *memo.AudioKey)
	if err != nil {
		return nil, gone(ctx, h.store, memo.ID, "downloading audio", err)
	}

	language := p.Language
	if language == "" {
		language = memo.Language
	}
	req := models.TranscriptionRequest{
		Audio:    audio,
		Filename: path.Base(*memo.AudioKey),
		Language: language,
	}
	if memo.AudioContentType != nil {
		req.ContentType = *memo.AudioContentType
	}
	result, err := h.transcriber.Transcribe(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("transcribing: %w", err)
	}

	transcript, err := h.buildTranscript(memo, result, language)
	if err != nil {
		return nil, err
	}
	if err := h.store.SaveTranscript(ctx, transcript); err != nil {
		return nil, gone(ctx, h.store, memo.ID, "saving transcript", err)
	}

	if err := h.recordUsage(ctx, memo, transcript); err != nil {
		return nil, err
	}

	_, err = h.ledger.Transition(ctx, memo.ID, models.MemoStatusTranscribing, models.MemoStatusGenerating,
		store.WithRound(memo.Round))
	if err != nil {
		if err := h.afterStaleTransition(ctx, memo, err); err != nil {
			return nil, err
		}
	}
	return next, nil
}

func (h *TranscriptionHandler) buildTranscript(memo *models.Memo, result models.TranscriptionResult, language string) (*models.Transcript, error) {
	if result.Text == "" {
		return nil, fmt.Errorf("%w: empty transcript", ai.ErrInvalidResponse)
	}
	duration := result.DurationSeconds
	if duration <= 0 && len(result.Segments) > 0 {
		duration = result.Segments[len(result.Segments)-1].End
	}
	if duration <= 0 {
		return nil, fmt.Errorf("%w: transcript has no duration", ai.ErrInvalidResponse)
	}
	if result.Language != "" {
		language = result.Language
	}

	segments := make([]models.Segment, len(result.Segments))
	for i, seg := range result.Segments {
		seg.Index = i
		segments[i] = seg
	}
	return &models.Transcript{
		MemoID:          memo.ID,
		Text:            result.Text,
		Language:        language,
		DurationSeconds: duration,
		Segments:        segments,
		CreatedAt:       h.now(),
	}, nil
}

// recordUsage counts the measured duration once per memo and round, so a
// redelivered job never bills twice.
func (h *TranscriptionHandler) recordUsage(ctx context.Context, memo *models.Memo, t *models.Transcript) error {
	at := h.now()
	recorded, err := h.store.RecordUsage(ctx, models.UsageRecord{
		AccountID: memo.AccountID,
		MemoID:    memo.ID,
		Round:     memo.Round,
		Minutes:   t.DurationMinutes(),
		At:        at,
	})
	if err != nil {
		return gone(ctx, h.store, memo.ID, "recording usage", err)
	}
	if !recorded {
		slog.Info("usage already recorded", "memo_id", memo.ID, "round", memo.Round)
		return nil
	}
	slog.Info("usage recorded", "memo_id", memo.ID, "account_id", memo.AccountID, "minutes", t.DurationMinutes())
	if err := h.cache.Delete(ctx, cache.UsageKey(memo.AccountID, models.UsagePeriod(at))); err != nil {
		slog.Warn("evicting cached usage", "account_id", memo.AccountID, "error", err)
	}
	return nil
}

// afterStaleTransition resolves a failed TRANSCRIBING to GENERATING write.
// A concurrent redelivery that already advanced the memo counts as success.
func (h *TranscriptionHandler) afterStaleTransition(ctx context.Context, memo *models.Memo, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: memo %s deleted during transcription", worker.ErrDiscard, memo.ID)
	}
	if !errors.Is(err, store.ErrStaleStatus) {
		return fmt.Errorf("advancing memo: %w", err)
	}
	current, gerr := h.store.GetMemo(ctx, memo.ID)
	if gerr == nil && current.Round == memo.Round && current.Status == models.MemoStatusGenerating {
		return nil
	}
	return fmt.Errorf("%w: %v", worker.ErrDiscard, err)
}

// Fail marks the memo FAILED once transcription has exhausted its attempts.
func (h *TranscriptionHandler) Fail(ctx context.Context, job *models.Job, reason string) error {
	return failMemo(ctx, h.ledger, job, models.MemoStatusTranscribing, reason)
}

// Package pipeline moves memos through the processing stages: admission and
// enqueue on the API side, the stage handlers run by the worker pools, and
// the sweep that repairs memos stranded between stages.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/memoflow/internal/blob"
	"github.com/kiranshivaraju/memoflow/internal/cache"
	"github.com/kiranshivaraju/memoflow/internal/queue"
	"github.com/kiranshivaraju/memoflow/internal/store"
	"github.com/kiranshivaraju/memoflow/internal/worker"
	"github.com/kiranshivaraju/memoflow/pkg/models"
)

const usageTTL = 30 * time.Second

// CreateMemoParams holds validated parameters for a new memo.
type CreateMemoParams struct {
	AccountID uuid.UUID
	Title     string
	Language  string
	Priority  models.Priority
}

// Service is the pipeline surface used by the API layer.
type Service struct {
	store      store.Store
	cache      cache.Cache
	ledger     *Ledger
	blobs      blob.Store
	dispatcher *worker.Dispatcher
	now        func() time.Time
}

// NewService creates a new Service.
func NewService(st store.Store, ca cache.Cache, blobs blob.Store, d *worker.Dispatcher) *Service {
	return &Service{
		store:      st,
		cache:      ca,
		ledger:     NewLedger(st, ca),
		blobs:      blobs,
		dispatcher: d,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// CreateMemo admits a new memo for the account and records it in UPLOADING.
// An account with no remaining minutes gets a QuotaExceededError and nothing
// is created.
func (s *Service) CreateMemo(ctx context.Context, params CreateMemoParams) (*models.Memo, error) {
	if err := s.admit(ctx, params.AccountID); err != nil {
		return nil, err
	}

	now := s.now()
	memo := &models.Memo{
		ID:              uuid.New(),
		AccountID:       params.AccountID,
		Title:           params.Title,
		Language:        params.Language,
		Priority:        params.Priority,
		Status:          models.MemoStatusUploading,
		Round:           1,
		StatusChangedAt: now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.ledger.Create(ctx, memo); err != nil {
		return nil, fmt.Errorf("creating memo: %w", err)
	}
	slog.Info("memo created", "memo_id", memo.ID, "account_id", memo.AccountID, "priority", memo.Priority)
	return memo, nil
}

// admit is the quota gate. Concurrent admissions may overshoot the allotment
// slightly; the check does not reserve minutes.
func (s *Service) admit(ctx context.Context, accountID uuid.UUID) error {
	usage, err := s.store.GetUsage(ctx, accountID, s.now())
	if err != nil {
		return fmt.Errorf("checking usage: %w", err)
	}
	if usage.Remaining() <= 0 {
		return &QuotaExceededError{AccountID: accountID, UsedMinutes: usage.UsedMinutes, LimitMinutes: usage.LimitMinutes}
	}
	return nil
}

// UploadAudio stores the recording of a memo in UPLOADING and starts
// transcription. Any other status yields an InvalidStateError.
func (s *Service) UploadAudio(ctx context.Context, memoID uuid.UUID, data []byte, contentType string) (*models.Memo, error) {
	memo, err := s.store.GetMemo(ctx, memoID)
	if err != nil {
		return nil, err
	}
	if memo.Status != models.MemoStatusUploading {
		return nil, &InvalidStateError{MemoID: memoID, Status: memo.Status, Op: "upload audio to"}
	}

	obj, err := s.blobs.Put(ctx, data, contentType)
	if err != nil {
		return nil, fmt.Errorf("storing audio: %w", err)
	}
	ref := models.AudioRef{Key: obj.Key, URL: obj.URL, ContentType: obj.ContentType}
	if err := s.store.SetMemoAudio(ctx, memoID, ref); err != nil {
		s.deleteBlob(ctx, memoID, obj.Key)
		if errors.Is(err, store.ErrStaleStatus) {
			return nil, s.invalidState(ctx, memoID, "upload audio to")
		}
		return nil, fmt.Errorf("recording audio: %w", err)
	}
	memo.AudioKey, memo.AudioURL, memo.AudioContentType = &ref.Key, &ref.URL, &ref.ContentType

	updated, _, err := s.startTranscription(ctx, memo)
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// CreateJob enqueues stage for a memo. TRANSCRIBE requires an uploaded memo
// still in UPLOADING and advances it to TRANSCRIBING; GENERATE re-dispatches
// generation for a memo in GENERATING.
func (s *Service) CreateJob(ctx context.Context, stage models.Stage, memoID uuid.UUID) (string, error) {
	memo, err := s.store.GetMemo(ctx, memoID)
	if err != nil {
		return "", err
	}

	switch stage {
	case models.StageTranscribe:
		if memo.Status != models.MemoStatusUploading || memo.AudioKey == nil {
			return "", &InvalidStateError{MemoID: memoID, Status: memo.Status, Op: "start transcription of"}
		}
		_, id, err := s.startTranscription(ctx, memo)
		return id, err
	case models.StageGenerate:
		if memo.Status != models.MemoStatusGenerating {
			return "", &InvalidStateError{MemoID: memoID, Status: memo.Status, Op: "start generation of"}
		}
		return s.dispatcher.Dispatch(ctx, models.GeneratePayload{MemoID: memo.ID, Round: memo.Round}, memo.Priority)
	default:
		return "", fmt.Errorf("unknown stage %q", stage)
	}
}

// startTranscription advances the memo to TRANSCRIBING, then enqueues the
// job. If the enqueue fails the memo stays TRANSCRIBING until the
// reconciler re-enqueues it.
func (s *Service) startTranscription(ctx context.Context, memo *models.Memo) (*models.Memo, string, error) {
	updated, err := s.ledger.Transition(ctx, memo.ID, models.MemoStatusUploading, models.MemoStatusTranscribing,
		store.WithRound(memo.Round))
	if err != nil {
		if errors.Is(err, store.ErrStaleStatus) {
			return nil, "", s.invalidState(ctx, memo.ID, "start transcription of")
		}
		return nil, "", fmt.Errorf("starting transcription: %w", err)
	}

	payload := models.TranscribePayload{MemoID: memo.ID, Round: memo.Round, Language: memo.Language}
	id, err := s.dispatcher.Dispatch(ctx, payload, memo.Priority)
	switch {
	case errors.Is(err, queue.ErrAlreadyQueued):
		// Only a job from an earlier round can hold the id here. It hands
		// off to this round when leased.
		slog.Info("transcription job from an earlier round still queued", "memo_id", memo.ID, "round", memo.Round, "job_id", id)
	case err != nil:
		return nil, "", fmt.Errorf("enqueueing transcription: %w", err)
	}
	return updated, id, nil
}

// GetStatus returns the status and error message of a memo.
func (s *Service) GetStatus(ctx context.Context, memoID uuid.UUID) (models.StatusView, error) {
	return s.ledger.Status(ctx, memoID)
}

// Memo returns the full memo record.
func (s *Service) Memo(ctx context.Context, memoID uuid.UUID) (*models.Memo, error) {
	return s.store.GetMemo(ctx, memoID)
}

// Events returns the status history of a memo, oldest first.
func (s *Service) Events(ctx context.Context, memoID uuid.UUID) ([]*models.StatusEvent, error) {
	if _, err := s.store.GetMemo(ctx, memoID); err != nil {
		return nil, err
	}
	return s.store.ListStatusEvents(ctx, memoID)
}

// RestartMemo opens a new processing round for a COMPLETED or FAILED memo.
// The memo returns to UPLOADING without audio or artifacts.
func (s *Service) RestartMemo(ctx context.Context, memoID uuid.UUID) (*models.Memo, error) {
	memo, err := s.store.GetMemo(ctx, memoID)
	if err != nil {
		return nil, err
	}
	if !memo.Status.IsTerminal() {
		return nil, &InvalidStateError{MemoID: memoID, Status: memo.Status, Op: "restart"}
	}
	if err := s.admit(ctx, memo.AccountID); err != nil {
		return nil, err
	}

	restarted, err := s.ledger.Restart(ctx, memoID)
	if err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			return nil, s.invalidState(ctx, memoID, "restart")
		}
		return nil, fmt.Errorf("restarting memo: %w", err)
	}
	if memo.AudioKey != nil {
		s.deleteBlob(ctx, memoID, *memo.AudioKey)
	}
	return restarted, nil
}

// DeleteMemo removes a memo, its artifacts and its audio. A job still in
// flight for the memo is discarded when it next looks the memo up.
func (s *Service) DeleteMemo(ctx context.Context, memoID uuid.UUID) error {
	memo, err := s.store.GetMemo(ctx, memoID)
	if err != nil {
		return err
	}
	if err := s.ledger.Delete(ctx, memoID); err != nil {
		return err
	}
	if memo.AudioKey != nil {
		s.deleteBlob(ctx, memoID, *memo.AudioKey)
	}
	slog.Info("memo deleted", "memo_id", memoID, "status", memo.Status)
	return nil
}

// Transcript returns the transcript of a memo, or ErrNotReady.
func (s *Service) Transcript(ctx context.Context, memoID uuid.UUID) (*models.Transcript, error) {
	if _, err := s.store.GetMemo(ctx, memoID); err != nil {
		return nil, err
	}
	t, err := s.store.GetTranscript(ctx, memoID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotReady
	}
	return t, err
}

// Content returns the generated memo content, or ErrNotReady.
func (s *Service) Content(ctx context.Context, memoID uuid.UUID) (*models.GeneratedContent, error) {
	if _, err := s.store.GetMemo(ctx, memoID); err != nil {
		return nil, err
	}
	c, err := s.store.GetGeneratedContent(ctx, memoID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotReady
	}
	return c, err
}

// Usage returns the account's consumption for the current billing period.
func (s *Service) Usage(ctx context.Context, accountID uuid.UUID) (*models.UsageCounter, error) {
	period := models.UsagePeriod(s.now())
	key := cache.UsageKey(accountID, period)

	if data, ok, err := s.cache.Get(ctx, key); err == nil && ok {
		var u models.UsageCounter
		if json.Unmarshal(data, &u) == nil {
			return &u, nil
		}
	}

	u, err := s.store.GetUsage(ctx, accountID, period)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(u); err == nil {
		if err := s.cache.Set(ctx, key, data, usageTTL); err != nil {
			slog.Warn("caching usage", "account_id", accountID, "error", err)
		}
	}
	return u, nil
}

func (s *Service) invalidState(ctx context.Context, memoID uuid.UUID, op string) error {
	memo, err := s.store.GetMemo(ctx, memoID)
	if err != nil {
		return err
	}
	return &InvalidStateError{MemoID: memoID, Status: memo.Status, Op: op}
}

func (s *Service) deleteBlob(ctx context.Context, memoID uuid.UUID, key string) {
	if err := s.blobs.Delete(ctx, key); err != nil {
		slog.Warn("deleting audio", "memo_id", memoID, "key", key, "error", err)
	}
}

// Package handler implements the HTTP handlers of the memo API.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/memoflow/internal/api/middleware"
	"github.com/kiranshivaraju/memoflow/internal/api/response"
	"github.com/kiranshivaraju/memoflow/internal/apikey"
	"github.com/kiranshivaraju/memoflow/internal/pipeline"
	"github.com/kiranshivaraju/memoflow/pkg/models"
)

// MemoService is the pipeline surface the memo handlers depend on.
type MemoService interface {
	CreateMemo(ctx context.Context, params pipeline.CreateMemoParams) (*models.Memo, error)
	UploadAudio(ctx context.Context, memoID uuid.UUID, data []byte, contentType string) (*models.Memo, error)
	CreateJob(ctx context.Context, stage models.Stage, memoID uuid.UUID) (string, error)
	GetStatus(ctx context.Context, memoID uuid.UUID) (models.StatusView, error)
	Memo(ctx context.Context, memoID uuid.UUID) (*models.Memo, error)
	Events(ctx context.Context, memoID uuid.UUID) ([]*models.StatusEvent, error)
	RestartMemo(ctx context.Context, memoID uuid.UUID) (*models.Memo, error)
	DeleteMemo(ctx context.Context, memoID uuid.UUID) error
	Transcript(ctx context.Context, memoID uuid.UUID) (*models.Transcript, error)
	Content(ctx context.Context, memoID uuid.UUID) (*models.GeneratedContent, error)
	Usage(ctx context.Context, accountID uuid.UUID) (*models.UsageCounter, error)
}

var _ MemoService = (*pipeline.Service)(nil)

// Memos serves the /api/v1/memos routes.
type Memos struct {
	svc            MemoService
	maxUploadBytes int64
}

func NewMemos(svc MemoService, maxUploadBytes int64) *Memos {
	return &Memos{svc: svc, maxUploadBytes: maxUploadBytes}
}

type createMemoRequest struct {
	Title    string `json:"title"    validate:"required,max=200"`
	Language string `json:"language" validate:"omitempty,min=2,max=16"`
	Priority string `json:"priority" validate:"omitempty,oneof=normal high"`
}

// Create handles POST /api/v1/memos.
func (h *Memos) Create(w http.ResponseWriter, r *http.Request) {
	accountID, ok := mw.GetAccountID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing account", nil)
		return
	}

	var req createMemoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
		return
	}
	req.Title = strings.TrimSpace(req.Title)
	if err := validate.Struct(req); err != nil {
		validationError(w, err)
		return
	}
	priority, _ := models.ParsePriority(req.Priority)

	memo, err := h.svc.CreateMemo(r.Context(), pipeline.CreateMemoParams{
		AccountID: accountID,
		Title:     req.Title,
		Language:  req.Language,
		Priority:  priority,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.Created(w, memo)
}

// UploadAudio handles PUT /api/v1/memos/{memoID}/audio. The body is the raw
// recording; its Content-Type must be an audio type.
func (h *Memos) UploadAudio(w http.ResponseWriter, r *http.Request) {
	memo, ok := h.owned(w, r)
	if !ok {
		return
	}

	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "audio/") {
		response.Error(w, http.StatusUnsupportedMediaType, "UNSUPPORTED_MEDIA_TYPE",
			"Content-Type must be an audio type", nil)
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxUploadBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			response.Error(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE",
				"Audio exceeds the upload limit", map[string]int64{"max_bytes": tooLarge.Limit})
			return
		}
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Failed to read audio", nil)
		return
	}
	if len(data) == 0 {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Audio body is empty", nil)
		return
	}

	updated, err := h.svc.UploadAudio(r.Context(), memo.ID, data, mediaType)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.Accepted(w, updated.View())
}

// Get handles GET /api/v1/memos/{memoID}.
func (h *Memos) Get(w http.ResponseWriter, r *http.Request) {
	memo, ok := h.owned(w, r)
	if !ok {
		return
	}
	response.JSON(w, memo)
}

// Status handles GET /api/v1/memos/{memoID}/status. It is the polling
// endpoint and reads through the status cache.
func (h *Memos) Status(w http.ResponseWriter, r *http.Request) {
	id, ok := memoID(w, r)
	if !ok {
		return
	}
	view, err := h.svc.GetStatus(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !canAccess(r, view.AccountID) {
		response.Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND", "Resource not found", nil)
		return
	}
	response.JSON(w, view)
}

// Events handles GET /api/v1/memos/{memoID}/events.
func (h *Memos) Events(w http.ResponseWriter, r *http.Request) {
	memo, ok := h.owned(w, r)
	if !ok {
		return
	}
	events, err := h.svc.Events(r.Context(), memo.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.Collection(w, events, response.ListMeta{Count: len(events)})
}

// Transcript handles GET /api/v1/memos/{memoID}/transcript.
func (h *Memos) Transcript(w http.ResponseWriter, r *http.Request) {
	memo, ok := h.owned(w, r)
	if !ok {
		return
	}
	t, err := h.svc.Transcript(r.Context(), memo.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.JSON(w, t)
}

// Content handles GET /api/v1/memos/{memoID}/content.
func (h *Memos) Content(w http.ResponseWriter, r *http.Request) {
	memo, ok := h.owned(w, r)
	if !ok {
		return
	}
	c, err := h.svc.Content(r.Context(), memo.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.JSON(w, c)
}

type createJobRequest struct {
	Stage string `json:"stage" validate:"required"`
}

// CreateJob handles POST /api/v1/memos/{memoID}/jobs.
func (h *Memos) CreateJob(w http.ResponseWriter, r *http.Request) {
	memo, ok := h.owned(w, r)
	if !ok {
		return
	}
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
		return
	}
	if err := validate.Struct(req); err != nil {
		validationError(w, err)
		return
	}
	stage, err := models.ParseStage(req.Stage)
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
		return
	}

	jobID, err := h.svc.CreateJob(r.Context(), stage, memo.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.Accepted(w, map[string]string{"job_id": jobID, "stage": string(stage)})
}

// Restart handles POST /api/v1/memos/{memoID}/restart.
func (h *Memos) Restart(w http.ResponseWriter, r *http.Request) {
	memo, ok := h.owned(w, r)
	if !ok {
		return
	}
	restarted, err := h.svc.RestartMemo(r.Context(), memo.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.JSON(w, restarted)
}

// Delete handles DELETE /api/v1/memos/{memoID}.
func (h *Memos) Delete(w http.ResponseWriter, r *http.Request) {
	memo, ok := h.owned(w, r)
	if !ok {
		return
	}
	if err := h.svc.DeleteMemo(r.Context(), memo.ID); err != nil {
		writeError(w, r, err)
		return
	}
	response.NoContent(w)
}

// Usage handles GET /api/v1/usage.
func (h *Memos) Usage(w http.ResponseWriter, r *http.Request) {
	accountID, ok := mw.GetAccountID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing account", nil)
		return
	}
	u, err := h.svc.Usage(r.Context(), accountID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.JSON(w, usageResponse{UsageCounter: *u, RemainingMinutes: u.Remaining()})
}

type usageResponse struct {
	models.UsageCounter
	RemainingMinutes float64 `json:"remaining_minutes"`
}

// owned loads the memo named in the URL and hides memos of other accounts.
func (h *Memos) owned(w http.ResponseWriter, r *http.Request) (*models.Memo, bool) {
	id, ok := memoID(w, r)
	if !ok {
		return nil, false
	}
	memo, err := h.svc.Memo(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return nil, false
	}
	if !canAccess(r, memo.AccountID) {
		response.Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND", "Resource not found", nil)
		return nil, false
	}
	return memo, true
}

func memoID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "memoID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "memo id must be a UUID", nil)
		return uuid.Nil, false
	}
	return id, true
}

// canAccess lets admins see every account's memos.
func canAccess(r *http.Request, owner uuid.UUID) bool {
	if mw.HasScope(r, apikey.ScopeAdmin) {
		return true
	}
	accountID, ok := mw.GetAccountID(r)
	return ok && accountID == owner
}

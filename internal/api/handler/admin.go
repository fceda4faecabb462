package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/memoflow/internal/api/middleware"
	"github.com/kiranshivaraju/memoflow/internal/api/response"
	"github.com/kiranshivaraju/memoflow/internal/apikey"
	"github.com/kiranshivaraju/memoflow/internal/queue"
	"github.com/kiranshivaraju/memoflow/internal/store"
	"github.com/kiranshivaraju/memoflow/pkg/models"
)

const (
	defaultDeadLimit = 50
	maxDeadLimit     = 500
)

// Admin serves the /api/v1/admin routes: queue inspection, accounts and keys.
type Admin struct {
	store                 store.Store
	queue                 queue.Store
	defaultMonthlyMinutes float64
}

func NewAdmin(st store.Store, q queue.Store, defaultMonthlyMinutes float64) *Admin {
	return &Admin{store: st, queue: q, defaultMonthlyMinutes: defaultMonthlyMinutes}
}

// Jobs handles GET /api/v1/admin/jobs?stage=.
func (h *Admin) Jobs(w http.ResponseWriter, r *http.Request) {
	stages, ok := stagesParam(w, r)
	if !ok {
		return
	}
	jobs, err := collect(r.Context(), stages, func(ctx context.Context, s models.Stage) ([]*models.Job, error) {
		return h.queue.InFlight(ctx, s)
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.Collection(w, jobs, response.ListMeta{Count: len(jobs)})
}

// DeadLetters handles GET /api/v1/admin/jobs/dead?stage=&limit=.
func (h *Admin) DeadLetters(w http.ResponseWriter, r *http.Request) {
	stages, ok := stagesParam(w, r)
	if !ok {
		return
	}
	limit := defaultDeadLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxDeadLimit {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"limit must be between 1 and "+strconv.Itoa(maxDeadLimit), nil)
			return
		}
		limit = n
	}

	jobs, err := collect(r.Context(), stages, func(ctx context.Context, s models.Stage) ([]*models.Job, error) {
		return h.queue.DeadLetters(ctx, s, limit)
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.Collection(w, jobs, response.ListMeta{Count: len(jobs), Limit: limit})
}

func stagesParam(w http.ResponseWriter, r *http.Request) ([]models.Stage, bool) {
	v := r.URL.Query().Get("stage")
	if v == "" {
		return models.Stages, true
	}
	s, err := models.ParseStage(v)
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
		return nil, false
	}
	return []models.Stage{s}, true
}

func collect(ctx context.Context, stages []models.Stage, list func(context.Context, models.Stage) ([]*models.Job, error)) ([]*models.Job, error) {
	out := []*models.Job{}
	for _, s := range stages {
		jobs, err := list(ctx, s)
		if err != nil {
			return nil, err
		}
		out = append(out, jobs...)
	}
	return out, nil
}

type createAccountRequest struct {
	Name           string   `json:"name"            validate:"required,max=100"`
	MonthlyMinutes *float64 `json:"monthly_minutes" validate:"omitempty,gte=0"`
}

// CreateAccount handles POST /api/v1/admin/accounts.
func (h *Admin) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
		return
	}
	if err := validate.Struct(req); err != nil {
		validationError(w, err)
		return
	}

	minutes := h.defaultMonthlyMinutes
	if req.MonthlyMinutes != nil {
		minutes = *req.MonthlyMinutes
	}
	now := time.Now().UTC()
	account := &models.Account{
		ID:             uuid.New(),
		Name:           req.Name,
		MonthlyMinutes: minutes,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := h.store.CreateAccount(r.Context(), account); err != nil {
		writeError(w, r, err)
		return
	}
	response.Created(w, account)
}

type createKeyRequest struct {
	Name      string     `json:"name"       validate:"required,max=100"`
	Scopes    []string   `json:"scopes"     validate:"required,min=1,dive,oneof=memos admin"`
	AccountID *uuid.UUID `json:"account_id"`
}

// CreateKey handles POST /api/v1/admin/keys. The raw key appears only in
// this response. Keys default to the caller's account.
func (h *Admin) CreateKey(w http.ResponseWriter, r *http.Request) {
	accountID, ok := mw.GetAccountID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing account", nil)
		return
	}

	var req createKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
		return
	}
	if err := validate.Struct(req); err != nil {
		validationError(w, err)
		return
	}
	if req.AccountID != nil {
		accountID = *req.AccountID
	}

	raw, key, err := apikey.New(accountID, req.Name, req.Scopes)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.store.CreateAPIKey(r.Context(), key); err != nil {
		writeError(w, r, err)
		return
	}

	response.Created(w, map[string]any{
		"id":         key.ID.String(),
		"account_id": key.AccountID.String(),
		"name":       key.Name,
		"key":        raw,
		"key_prefix": key.KeyPrefix,
		"scopes":     key.Scopes,
		"created_at": key.CreatedAt,
	})
}

// ListKeys handles GET /api/v1/admin/keys for the caller's account.
func (h *Admin) ListKeys(w http.ResponseWriter, r *http.Request) {
	accountID, ok := mw.GetAccountID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing account", nil)
		return
	}
	keys, err := h.store.ListAPIKeys(r.Context(), accountID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if keys == nil {
		keys = []*models.APIKey{}
	}
	response.Collection(w, keys, response.ListMeta{Count: len(keys)})
}

// RevokeKey handles DELETE /api/v1/admin/keys/{keyID}.
func (h *Admin) RevokeKey(w http.ResponseWriter, r *http.Request) {
	accountID, ok := mw.GetAccountID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing account", nil)
		return
	}
	keyID, err := uuid.Parse(chi.URLParam(r, "keyID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "key id must be a UUID", nil)
		return
	}
	if err := h.store.RevokeAPIKey(r.Context(), keyID, accountID); err != nil {
		writeError(w, r, err)
		return
	}
	response.NoContent(w)
}

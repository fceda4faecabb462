package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/kiranshivaraju/memoflow/internal/api/response"
	"github.com/kiranshivaraju/memoflow/internal/pipeline"
	"github.com/kiranshivaraju/memoflow/internal/queue"
	"github.com/kiranshivaraju/memoflow/internal/store"
)

// writeError maps pipeline and store errors onto the error envelope.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var quota *pipeline.QuotaExceededError
	switch {
	case errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND", "Resource not found", nil)
	case errors.As(err, &quota):
		response.Error(w, http.StatusPaymentRequired, "QUOTA_EXCEEDED",
			"Monthly transcription minutes exhausted", map[string]float64{
				"used_minutes":  quota.UsedMinutes,
				"limit_minutes": quota.LimitMinutes,
			})
	case errors.Is(err, pipeline.ErrInvalidState):
		response.Error(w, http.StatusConflict, "INVALID_STATE", err.Error(), nil)
	case errors.Is(err, pipeline.ErrNotReady):
		response.Error(w, http.StatusConflict, "NOT_READY", "Not produced yet; poll the memo status", nil)
	case errors.Is(err, queue.ErrAlreadyQueued):
		response.Error(w, http.StatusConflict, "ALREADY_QUEUED", "A job for this memo and stage is already queued", nil)
	case errors.Is(err, store.ErrDuplicateKey):
		response.Error(w, http.StatusConflict, "DUPLICATE", "Resource already exists", nil)
	default:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// validationError writes a 400 listing each failed field.
func validationError(w http.ResponseWriter, err error) {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
		return
	}
	details := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		details[fe.Field()] = "failed " + fe.Tag()
	}
	response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request parameters", details)
}

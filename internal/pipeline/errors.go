package pipeline

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/memoflow/pkg/models"
)

var (
	// ErrInvalidState matches every InvalidStateError.
	ErrInvalidState = errors.New("memo is not in a valid state for this operation")
	// ErrQuotaExceeded matches every QuotaExceededError.
	ErrQuotaExceeded = errors.New("usage quota exceeded")
	// ErrNotReady is returned when an artifact of a memo has not been produced yet.
	ErrNotReady = errors.New("artifact not ready")
)

// InvalidStateError rejects an operation the memo's current status does not allow.
type InvalidStateError struct {
	MemoID uuid.UUID
	Status models.MemoStatus
	Op     string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s memo %s in status %s", e.Op, e.MemoID, e.Status)
}

func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

// QuotaExceededError rejects new work for an account with no remaining minutes.
type QuotaExceededError struct {
	AccountID    uuid.UUID
	UsedMinutes  float64
	LimitMinutes float64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("account %s has used %.1f of %.1f monthly minutes", e.AccountID, e.UsedMinutes, e.LimitMinutes)
}

func (e *QuotaExceededError) Unwrap() error { return ErrQuotaExceeded }

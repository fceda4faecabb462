package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/memoflow/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ErrInvalidTransition is returned when a requested status change is not an
// edge of the memo state machine.
var ErrInvalidTransition = errors.New("invalid memo status transition")

// ErrStaleStatus is returned when a compare-and-set transition finds the memo
// in a different status (or round) than the caller expected.
var ErrStaleStatus = errors.New("memo status changed concurrently")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, accountID uuid.UUID) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID, accountID uuid.UUID) error

	CreateAccount(ctx context.Context, account *models.Account) error
	GetAccount(ctx context.Context, id uuid.UUID) (*models.Account, error)
	GetDefaultAccount(ctx context.Context) (*models.Account, error)
	GetUsage(ctx context.Context, accountID uuid.UUID, period time.Time) (*models.UsageCounter, error)
	// RecordUsage applies rec once per (memo, round). It reports false when the
	// increment had already been recorded.
	RecordUsage(ctx context.Context, rec models.UsageRecord) (bool, error)

	CreateMemo(ctx context.Context, memo *models.Memo) error
	GetMemo(ctx context.Context, id uuid.UUID) (*models.Memo, error)
	SetMemoAudio(ctx context.Context, id uuid.UUID, ref models.AudioRef) error
	TransitionMemo(ctx context.Context, id uuid.UUID, from, to models.MemoStatus, opts ...TransitionOption) (*models.Memo, error)
	RestartMemo(ctx context.Context, id uuid.UUID) (*models.Memo, error)
	DeleteMemo(ctx context.Context, id uuid.UUID) error
	ListStatusEvents(ctx context.Context, memoID uuid.UUID) ([]*models.StatusEvent, error)
	ListStuckMemos(ctx context.Context, statuses []models.MemoStatus, before time.Time, limit int) ([]*models.Memo, error)

	SaveTranscript(ctx context.Context, t *models.Transcript) error
	GetTranscript(ctx context.Context, memoID uuid.UUID) (*models.Transcript, error)
	SaveGeneratedContent(ctx context.Context, c *models.GeneratedContent) error
	GetGeneratedContent(ctx context.Context, memoID uuid.UUID) (*models.GeneratedContent, error)
}

type transitionParams struct {
	ErrorMessage *string
	Round        *int
}

type TransitionOption func(*transitionParams)

// WithErrorMessage stores msg as the memo's error message. Only meaningful
// for transitions into FAILED.
func WithErrorMessage(msg string) TransitionOption {
	return func(p *transitionParams) {
		p.ErrorMessage = &msg
	}
}

// WithRound additionally requires the memo to still be in processing round r.
func WithRound(r int) TransitionOption {
	return func(p *transitionParams) {
		p.Round = &r
	}
}

// ApplyTransitionOptions resolves opts. Exposed for alternative Store implementations.
func ApplyTransitionOptions(opts ...TransitionOption) (errorMessage *string, round *int) {
	p := &transitionParams{}
	for _, opt := range opts {
		opt(p)
	}
	return p.ErrorMessage, p.Round
}

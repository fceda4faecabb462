package models

import (
	"time"

	"github.com/google/uuid"
)

// MemoStatus is the processing state of a memo as observed by clients.
type MemoStatus string

const (
	MemoStatusUploading    MemoStatus = "UPLOADING"
	MemoStatusTranscribing MemoStatus = "TRANSCRIBING"
	MemoStatusGenerating   MemoStatus = "GENERATING"
	MemoStatusCompleted    MemoStatus = "COMPLETED"
	MemoStatusFailed       MemoStatus = "FAILED"
)

// memoTransitions lists the only edges a processing round may take.
// COMPLETED and FAILED have no outgoing edges; leaving them requires a restart.
var memoTransitions = map[MemoStatus][]MemoStatus{
	MemoStatusUploading:    {MemoStatusTranscribing},
	MemoStatusTranscribing: {MemoStatusGenerating, MemoStatusFailed},
	MemoStatusGenerating:   {MemoStatusCompleted, MemoStatusFailed},
}

// Valid reports whether s is a known status.
func (s MemoStatus) Valid() bool {
	switch s {
	case MemoStatusUploading, MemoStatusTranscribing, MemoStatusGenerating,
		MemoStatusCompleted, MemoStatusFailed:
		return true
	}
	return false
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s MemoStatus) CanTransitionTo(next MemoStatus) bool {
	for _, allowed := range memoTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s ends a processing round.
func (s MemoStatus) IsTerminal() bool {
	return s == MemoStatusCompleted || s == MemoStatusFailed
}

// Stage returns the pipeline stage that owns a memo in status s, if any.
func (s MemoStatus) Stage() (Stage, bool) {
	switch s {
	case MemoStatusTranscribing:
		return StageTranscribe, true
	case MemoStatusGenerating:
		return StageGenerate, true
	}
	return "", false
}

// Memo is a single meeting recording moving through the pipeline.
// Round starts at 1 and is bumped every time a finished memo is restarted.
type Memo struct {
	ID               uuid.UUID  `db:"id"                 json:"id"`
	AccountID        uuid.UUID  `db:"account_id"         json:"account_id"`
	Title            string     `db:"title"              json:"title"`
	Language         string     `db:"language"           json:"language,omitempty"`
	Priority         Priority   `db:"priority"           json:"priority"`
	Status           MemoStatus `db:"status"             json:"status"`
	Round            int        `db:"round"              json:"round"`
	ErrorMessage     *string    `db:"error_message"      json:"error_message,omitempty"`
	DurationSeconds  *float64   `db:"duration_seconds"   json:"duration_seconds,omitempty"`
	AudioKey         *string    `db:"audio_key"          json:"-"`
	AudioURL         *string    `db:"audio_url"          json:"audio_url,omitempty"`
	AudioContentType *string    `db:"audio_content_type" json:"audio_content_type,omitempty"`
	StatusChangedAt  time.Time  `db:"status_changed_at"  json:"status_changed_at"`
	CompletedAt      *time.Time `db:"completed_at"       json:"completed_at,omitempty"`
	CreatedAt        time.Time  `db:"created_at"         json:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at"         json:"updated_at"`
}

// StatusView is the read model returned to polling clients.
type StatusView struct {
	MemoID       uuid.UUID  `json:"memo_id"`
	AccountID    uuid.UUID  `json:"account_id"`
	Status       MemoStatus `json:"status"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	Round        int        `json:"round"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// View projects the memo onto its status read model.
func (m *Memo) View() StatusView {
	return StatusView{
		MemoID:       m.ID,
		AccountID:    m.AccountID,
		Status:       m.Status,
		ErrorMessage: m.ErrorMessage,
		Round:        m.Round,
		UpdatedAt:    m.StatusChangedAt,
	}
}

// AudioRef points at the uploaded audio blob of a memo.
type AudioRef struct {
	Key         string
	URL         string
	ContentType string
}

// StatusEvent is one row of the append-only status history of a memo.
// From is nil for the event recorded when a round starts.
type StatusEvent struct {
	ID           int64       `db:"id"            json:"id"`
	MemoID       uuid.UUID   `db:"memo_id"       json:"memo_id"`
	Round        int         `db:"round"         json:"round"`
	From         *MemoStatus `db:"from_status"   json:"from,omitempty"`
	To           MemoStatus  `db:"to_status"     json:"to"`
	ErrorMessage *string     `db:"error_message" json:"error_message,omitempty"`
	CreatedAt    time.Time   `db:"created_at"    json:"created_at"`
}

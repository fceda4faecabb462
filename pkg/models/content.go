package models

import (
	"time"

	"github.com/google/uuid"
)

// GeneratedContent is the structured memo produced from a transcript.
// The validate tags are the acceptance schema for provider output. Lengths
// are in runes.
type GeneratedContent struct {
	MemoID      uuid.UUID    `db:"memo_id"      json:"memo_id"`
	Summary     string       `db:"summary"      json:"summary"      validate:"required,max=4000"`
	KeyPoints   []string     `db:"key_points"   json:"key_points"   validate:"required,min=1,dive,required,max=500"`
	ActionItems []ActionItem `db:"action_items" json:"action_items" validate:"dive"`
	Decisions   []string     `db:"decisions"    json:"decisions"    validate:"dive,required,max=500"`
	NextSteps   []string     `db:"next_steps"   json:"next_steps,omitempty" validate:"omitempty,dive,required,max=500"`
	Attendees   []string     `db:"attendees"    json:"attendees,omitempty"  validate:"omitempty,dive,required,max=500"`
	Provider    string       `db:"provider"     json:"provider"`
	Model       string       `db:"model"        json:"model,omitempty"`
	CreatedAt   time.Time    `db:"created_at"   json:"created_at"`
}

// ActionItem is a follow-up task extracted from the meeting.
type ActionItem struct {
	Task     string  `json:"task"               validate:"required,max=500"`
	Owner    *string `json:"owner,omitempty"`
	DueDate  *string `json:"due_date,omitempty"`
	Priority *string `json:"priority,omitempty" validate:"omitempty,oneof=low medium high"`
}

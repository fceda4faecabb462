package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Stage is one phase of the processing pipeline.
type Stage string

const (
	StageTranscribe Stage = "TRANSCRIBE"
	StageGenerate   Stage = "GENERATE"
)

// Stages lists every stage in pipeline order.
var Stages = []Stage{StageTranscribe, StageGenerate}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	return s == StageTranscribe || s == StageGenerate
}

// ParseStage accepts stage names case-insensitively.
func ParseStage(s string) (Stage, error) {
	stage := Stage(strings.ToUpper(strings.TrimSpace(s)))
	if !stage.Valid() {
		return "", fmt.Errorf("unknown stage %q", s)
	}
	return stage, nil
}

// Priority is the two-class scheduling priority of a job.
type Priority int

const (
	PriorityNormal Priority = 0
	PriorityHigh   Priority = 1
)

func (p Priority) String() string {
	if p == PriorityHigh {
		return "high"
	}
	return "normal"
}

// ParsePriority maps "", "normal" and "high" onto a Priority.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	default:
		return PriorityNormal, fmt.Errorf("priority must be normal or high, got %q", s)
	}
}

// MarshalText lets priorities travel as strings in JSON.
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText is the inverse of MarshalText.
func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

const (
	JobStateQueued = "queued"
	JobStateLeased = "leased"
	JobStateDead   = "dead"
)

// JobID derives the deterministic job id for a stage and memo.
// At most one active job can carry a given id.
func JobID(stage Stage, memoID uuid.UUID) string {
	return string(stage) + ":" + memoID.String()
}

// Job is a unit of queued work for one stage of one memo.
// LeaseToken is minted on every lease and fences Ack/Fail calls from
// workers whose lease has since expired.
type Job struct {
	ID            string       `json:"id"`
	Stage         Stage        `json:"stage"`
	MemoID        uuid.UUID    `json:"memo_id"`
	Payload       Payload      `json:"-"`
	Priority      Priority     `json:"priority"`
	State         string       `json:"state"`
	Attempts      int          `json:"attempts"`
	MaxAttempts   int          `json:"max_attempts"`
	RunAt         time.Time    `json:"run_at"`
	LeaseOwner    string       `json:"lease_owner,omitempty"`
	LeaseToken    string       `json:"-"`
	LeaseDeadline *time.Time   `json:"lease_deadline,omitempty"`
	Failures      []JobFailure `json:"failures"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
	DeadAt        *time.Time   `json:"dead_at,omitempty"`
}

// JobFailure records the reason one attempt failed.
type JobFailure struct {
	Attempt int       `json:"attempt"`
	Reason  string    `json:"reason"`
	At      time.Time `json:"at"`
}

// LastError returns the reason of the most recent failed attempt.
func (j *Job) LastError() string {
	if len(j.Failures) == 0 {
		return ""
	}
	return j.Failures[len(j.Failures)-1].Reason
}

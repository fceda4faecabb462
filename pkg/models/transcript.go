package models

import (
	"time"

	"github.com/google/uuid"
)

// Transcript is the output of the transcription stage. It is written once per
// round; a re-run replaces it wholesale.
type Transcript struct {
	MemoID          uuid.UUID `db:"memo_id"          json:"memo_id"`
	Text            string    `db:"text"             json:"text"`
	Language        string    `db:"language"         json:"language"`
	DurationSeconds float64   `db:"duration_seconds" json:"duration_seconds"`
	Segments        []Segment `json:"segments"`
	CreatedAt       time.Time `db:"created_at"       json:"created_at"`
}

// DurationMinutes is the billable length of the transcript.
func (t *Transcript) DurationMinutes() float64 {
	return t.DurationSeconds / 60
}

// Segment is a time-stamped slice of the transcript. Start and End are seconds.
type Segment struct {
	Index int     `db:"idx"           json:"index"`
	Start float64 `db:"start_seconds" json:"start"`
	End   float64 `db:"end_seconds"   json:"end"`
	Text  string  `db:"text"          json:"text"`
}

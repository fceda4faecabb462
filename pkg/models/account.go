package models

import (
	"time"

	"github.com/google/uuid"
)

// Account owns memos and is billed for transcribed minutes against a monthly allotment.
type Account struct {
	ID             uuid.UUID `db:"id"              json:"id"`
	Name           string    `db:"name"            json:"name"`
	MonthlyMinutes float64   `db:"monthly_minutes" json:"monthly_minutes"`
	CreatedAt      time.Time `db:"created_at"      json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"      json:"updated_at"`
}

// UsageCounter is an account's consumption for one billing period.
type UsageCounter struct {
	AccountID    uuid.UUID `json:"account_id"`
	PeriodStart  time.Time `json:"period_start"`
	UsedMinutes  float64   `json:"used_minutes"`
	LimitMinutes float64   `json:"limit_minutes"`
}

// Remaining is the unconsumed allotment, which may be negative after overrun.
func (u *UsageCounter) Remaining() float64 {
	return u.LimitMinutes - u.UsedMinutes
}

// UsageRecord is a single increment, keyed by memo and round so it is counted once.
type UsageRecord struct {
	AccountID uuid.UUID
	MemoID    uuid.UUID
	Round     int
	Minutes   float64
	At        time.Time
}

// UsagePeriod returns the start of the monthly billing period containing t.
func UsagePeriod(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

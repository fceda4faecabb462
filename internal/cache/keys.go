package cache

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

func MemoStatusKey(memoID uuid.UUID) string {
	return fmt.Sprintf("memo:status:%s", memoID)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}

// UsageKey addresses the cached usage counter of an account for the billing
// period starting at period.
func UsageKey(accountID uuid.UUID, period time.Time) string {
	return fmt.Sprintf("usage:%s:%s", accountID, period.UTC().Format("2006-01"))
}

package cache

import (
	"fmt"

	"github.com/google/uuid"
)

// SessionStateKey holds the live counters of a session as a hash.
func SessionStateKey(sessionID uuid.UUID) string {
	return fmt.Sprintf("bot_metrics:%s", sessionID)
}

// ActivityKey is the capped list of recent activity for a session.
func ActivityKey(sessionID uuid.UUID) string {
	return fmt.Sprintf("bot_logs:%s", sessionID)
}

func LatestReportKey(kind string) string {
	return fmt.Sprintf("report:%s:latest", kind)
}

func RateLimitKey(client string) string {
	return fmt.Sprintf("ratelimit:%s", client)
}

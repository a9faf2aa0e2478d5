package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	SessionStatusNotStarted = "not_started"
	SessionStatusPending    = "pending"
	SessionStatusRunning    = "running"
	SessionStatusError      = "error"
	SessionStatusStopped    = "stopped"
)

const (
	LoginStatusNotStarted = "not_started"
	LoginStatusPending    = "pending"
	LoginStatusSuccess    = "success"
	LoginStatusFailed     = "failed"
)

// Session is the orchestrator's single authenticated portal session.
type Session struct {
	ID            uuid.UUID  `db:"id"             json:"id"`
	Name          string     `db:"name"           json:"name"`
	Status        string     `db:"status"         json:"status"`
	LoginStatus   string     `db:"login_status"   json:"login_status"`
	StartTime     *time.Time `db:"start_time"     json:"start_time,omitempty"`
	EndTime       *time.Time `db:"end_time"       json:"end_time,omitempty"`
	LastLoginAt   *time.Time `db:"last_login_at"  json:"last_login_at,omitempty"`
	LastError     string     `db:"last_error"     json:"last_error,omitempty"`
	LoginAttempts int        `db:"login_attempts" json:"login_attempts"`
	Terminal      bool       `db:"terminal"       json:"terminal"`
	TotalChecks   int64      `db:"total_checks"   json:"total_checks"`
	TotalAccepted int64      `db:"total_accepted" json:"total_accepted"`
	TotalRejected int64      `db:"total_rejected" json:"total_rejected"`
}

// Uptime is the time since StartTime, up to EndTime if the session ended.
func (s Session) Uptime(now time.Time) time.Duration {
	if s.StartTime == nil {
		return 0
	}
	end := now
	if s.EndTime != nil {
		end = *s.EndTime
	}
	if end.Before(*s.StartTime) {
		return 0
	}
	return end.Sub(*s.StartTime)
}

// Credentials authenticate against the portal.
type Credentials struct {
	Username string
	Password string
}

// PortalSession is the opaque token returned by a successful portal login.
type PortalSession struct {
	Token    string    `json:"token"`
	IssuedAt time.Time `json:"issued_at"`
}

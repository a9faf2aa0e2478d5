// Package store persists sessions, job records, analytics windows and the
// activity log in PostgreSQL.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/portalwatch/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	UpsertSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error)
	ListSessions(ctx context.Context, limit int) ([]*models.Session, error)

	UpsertJobRecord(ctx context.Context, rec *models.JobRecord) error
	GetJobRecord(ctx context.Context, sessionID uuid.UUID, ref string) (*models.JobRecord, error)
	ListJobRecords(ctx context.Context, filter JobFilter) ([]*models.JobRecord, int, error)
	DeleteJobRecordsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	SaveAnalyticsWindow(ctx context.Context, w *models.AnalyticsWindow) (bool, error)
	ListAnalyticsWindows(ctx context.Context, sessionID uuid.UUID, since time.Time, limit int) ([]*models.AnalyticsWindow, error)

	InsertSystemLog(ctx context.Context, entry *models.SystemLog) error
	ListSystemLogs(ctx context.Context, filter LogFilter) ([]*models.SystemLog, error)
	DeleteSystemLogsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// JobFilter selects job records. Zero fields do not filter.
type JobFilter struct {
	SessionID uuid.UUID
	Status    string
	Language  string
	Since     time.Time
	Page      int
	Limit     int
}

type LogFilter struct {
	SessionID uuid.UUID
	Level     string
	Component string
	Limit     int
}

const (
	defaultLimit = 20
	maxLimit     = 100
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}

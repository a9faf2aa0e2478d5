// Package handler implements the operator API endpoints.
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/portalwatch/internal/api/response"
	"github.com/kiranshivaraju/portalwatch/internal/ledger"
	"github.com/kiranshivaraju/portalwatch/internal/metrics"
	"github.com/kiranshivaraju/portalwatch/internal/orchestrator"
	"github.com/kiranshivaraju/portalwatch/internal/portal"
	"github.com/kiranshivaraju/portalwatch/internal/scheduler"
	"github.com/kiranshivaraju/portalwatch/internal/session"
	"github.com/kiranshivaraju/portalwatch/internal/store"
	"github.com/kiranshivaraju/portalwatch/pkg/models"
)

// Orchestrator is the part of orchestrator.Orchestrator the handlers use.
type Orchestrator interface {
	Status() orchestrator.Status
	Tasks() []models.TaskStatus
	SetTaskEnabled(name string, enabled bool) error
	TriggerTask(name string) error
	OutcomesSince(since time.Time) ([]models.JobRecord, time.Time)
	Job(ref string) (models.JobRecord, bool)
	AnalyticsWindows() []models.AnalyticsWindow
	RejectJob(ctx context.Context, ref, reason string) error
	JobDetail(ctx context.Context, ref string) (models.JobSnapshot, error)
}

// History is the read side of the store.
type History interface {
	ListSessions(ctx context.Context, limit int) ([]*models.Session, error)
	ListJobRecords(ctx context.Context, filter store.JobFilter) ([]*models.JobRecord, int, error)
	ListAnalyticsWindows(ctx context.Context, sessionID uuid.UUID, since time.Time, limit int) ([]*models.AnalyticsWindow, error)
	ListSystemLogs(ctx context.Context, filter store.LogFilter) ([]*models.SystemLog, error)
}

// ReportSource returns the latest published report of a kind.
type ReportSource interface {
	Latest(ctx context.Context, kind string) (models.Report, bool, error)
}

// ActivitySource returns the newest activity entries of this run.
type ActivitySource interface {
	Recent(ctx context.Context, limit int) ([]models.SystemLog, error)
}

// MetricsSource returns the current instrument values.
type MetricsSource interface {
	Snapshot(ctx context.Context) ([]metrics.Point, error)
}

// Pinger is anything the health check can probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// writeError maps domain errors to HTTP responses.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrUnknownJob), errors.Is(err, portal.ErrNotFound):
		response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found", nil)
	case errors.Is(err, scheduler.ErrUnknownTask):
		response.Error(w, http.StatusNotFound, "TASK_NOT_FOUND", "Task not found", nil)
	case errors.Is(err, ledger.ErrInvalidTransition):
		response.Error(w, http.StatusConflict, "ALREADY_DECIDED", "Job already has a final outcome", nil)
	case errors.Is(err, portal.ErrAlreadyTaken):
		response.Error(w, http.StatusConflict, "ALREADY_TAKEN", "Job was taken by someone else", nil)
	case errors.Is(err, ledger.ErrReasonRequired):
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "reason is required", nil)
	case errors.Is(err, portal.ErrValidation):
		response.Error(w, http.StatusUnprocessableEntity, "PORTAL_VALIDATION", err.Error(), nil)
	case errors.Is(err, session.ErrTerminal):
		response.Error(w, http.StatusServiceUnavailable, "SESSION_TERMINATED", "Portal session ended after repeated login failures", nil)
	case errors.Is(err, session.ErrUnavailable):
		response.Error(w, http.StatusServiceUnavailable, "SESSION_UNAVAILABLE", "Portal session is not running", nil)
	case errors.Is(err, session.ErrGateTimeout):
		response.Error(w, http.StatusServiceUnavailable, "SESSION_BUSY", "Timed out waiting for the portal session", nil)
	case errors.Is(err, portal.ErrTransport), errors.Is(err, portal.ErrLoginFailed), errors.Is(err, context.DeadlineExceeded):
		response.Error(w, http.StatusBadGateway, "PORTAL_UNAVAILABLE", "The portal did not respond", nil)
	default:
		slog.Error("unhandled api error", "component", "api", "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
	}
}

// pageParams reads page and limit the same way the store clamps them.
func pageParams(r *http.Request) (page, limit int) {
	page, _ = strconv.Atoi(r.URL.Query().Get("page"))
	if page <= 0 {
		page = 1
	}
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	return page, limit
}

// timeParam parses an optional RFC3339 query parameter.
func timeParam(r *http.Request, name string) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, raw)
}

// uuidParam parses an optional UUID query parameter.
func uuidParam(r *http.Request, name string) (uuid.UUID, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return uuid.Nil, nil
	}
	return uuid.Parse(raw)
}

package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/portalwatch/internal/api/response"
	"github.com/kiranshivaraju/portalwatch/internal/store"
	"github.com/kiranshivaraju/portalwatch/pkg/models"
)

var reportKinds = map[string]bool{
	models.ReportResults:    true,
	models.ReportRejections: true,
	models.ReportQuickCheck: true,
}

// NewReportHandler returns an http.HandlerFunc for
// GET /api/v1/reports/{kind}.
func NewReportHandler(src ReportSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind := chi.URLParam(r, "kind")
		if !reportKinds[kind] {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"kind must be one of results, rejections, quick_check", nil)
			return
		}

		report, ok, err := src.Latest(r.Context(), kind)
		if err != nil {
			writeError(w, err)
			return
		}
		if !ok {
			response.Error(w, http.StatusNotFound, "REPORT_NOT_FOUND", "No report of this kind has been published yet", nil)
			return
		}
		response.JSON(w, report)
	}
}

// NewAnalyticsWindowsHandler returns an http.HandlerFunc for
// GET /api/v1/analytics/windows. With session_id or since the stored
// history is queried; otherwise the windows closed during this run are
// returned.
func NewAnalyticsWindowsHandler(o Orchestrator, h History) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("session_id") == "" && q.Get("since") == "" {
			response.JSON(w, o.AnalyticsWindows())
			return
		}

		sessionID, err := uuidParam(r, "session_id")
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "session_id must be a UUID", nil)
			return
		}
		since, err := timeParam(r, "since")
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "since must be a valid RFC3339 timestamp", nil)
			return
		}
		_, limit := pageParams(r)

		windows, err := h.ListAnalyticsWindows(r.Context(), sessionID, since, limit)
		if err != nil {
			writeError(w, err)
			return
		}
		if windows == nil {
			windows = []*models.AnalyticsWindow{}
		}
		response.JSON(w, windows)
	}
}

// NewActivityHandler returns an http.HandlerFunc for GET /api/v1/activity.
func NewActivityHandler(src ActivitySource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		entries, err := src.Recent(r.Context(), limit)
		if err != nil {
			writeError(w, err)
			return
		}
		if entries == nil {
			entries = []models.SystemLog{}
		}
		response.JSON(w, entries)
	}
}

// NewListSessionsHandler returns an http.HandlerFunc for
// GET /api/v1/sessions, newest first.
func NewListSessionsHandler(h History) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, limit := pageParams(r)
		sessions, err := h.ListSessions(r.Context(), limit)
		if err != nil {
			writeError(w, err)
			return
		}
		if sessions == nil {
			sessions = []*models.Session{}
		}
		response.JSON(w, sessions)
	}
}

// NewListLogsHandler returns an http.HandlerFunc for GET /api/v1/logs.
func NewListLogsHandler(h History) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		sessionID, err := uuidParam(r, "session_id")
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "session_id must be a UUID", nil)
			return
		}
		_, limit := pageParams(r)

		logs, err := h.ListSystemLogs(r.Context(), store.LogFilter{
			SessionID: sessionID,
			Level:     q.Get("level"),
			Component: q.Get("component"),
			Limit:     limit,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		if logs == nil {
			logs = []*models.SystemLog{}
		}
		response.JSON(w, logs)
	}
}

// NewMetricsHandler returns an http.HandlerFunc for GET /api/v1/metrics.
func NewMetricsHandler(src MetricsSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		points, err := src.Snapshot(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		response.JSON(w, points)
	}
}

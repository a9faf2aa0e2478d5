package handler

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/portalwatch/internal/api/response"
	"github.com/kiranshivaraju/portalwatch/internal/store"
	"github.com/kiranshivaraju/portalwatch/pkg/models"
)

const maxReasonLen = 500

var validStatuses = map[string]bool{
	models.OutcomeMatched:  true,
	models.OutcomeAccepted: true,
	models.OutcomeRejected: true,
	models.OutcomeFailed:   true,
}

// outcomesPage is the body of GET /api/v1/outcomes. Pass Next back as
// since to receive only later changes.
type outcomesPage struct {
	Records []models.JobRecord `json:"records"`
	Next    time.Time          `json:"next"`
}

// NewOutcomesHandler returns an http.HandlerFunc for
// GET /api/v1/outcomes?since=RFC3339. It reads the in-memory ledger.
func NewOutcomesHandler(o Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		since, err := timeParam(r, "since")
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "since must be a valid RFC3339 timestamp", nil)
			return
		}

		records, next := o.OutcomesSince(since)
		if status := r.URL.Query().Get("status"); status != "" {
			filtered := records[:0]
			for _, rec := range records {
				if rec.Outcome.Status == status {
					filtered = append(filtered, rec)
				}
			}
			records = filtered
		}
		response.JSON(w, outcomesPage{Records: records, Next: next})
	}
}

// NewListJobsHandler returns an http.HandlerFunc for GET /api/v1/jobs. It
// reads persisted history, across sessions unless session_id is given.
func NewListJobsHandler(h History) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		page, limit := pageParams(r)

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
		status := q.Get("status")
		if status != "" && !validStatuses[status] {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"status must be one of matched, accepted, rejected, failed", nil)
			return
		}

		records, total, err := h.ListJobRecords(r.Context(), store.JobFilter{
			SessionID: sessionID,
			Status:    status,
			Language:  q.Get("language"),
			Since:     since,
			Page:      page,
			Limit:     limit,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		if records == nil {
			records = []*models.JobRecord{}
		}
		response.Collection(w, records, response.Paginate(page, limit, total))
	}
}

// NewGetJobHandler returns an http.HandlerFunc for GET /api/v1/jobs/{ref}.
func NewGetJobHandler(o Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ref := chi.URLParam(r, "ref")
		rec, ok := o.Job(ref)
		if !ok {
			response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found", nil)
			return
		}
		response.JSON(w, rec)
	}
}

// NewJobDetailHandler returns an http.HandlerFunc for
// GET /api/v1/jobs/{ref}/detail. It asks the portal, through the session
// gate.
func NewJobDetailHandler(o Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := o.JobDetail(r.Context(), chi.URLParam(r, "ref"))
		if err != nil {
			writeError(w, err)
			return
		}
		response.JSON(w, snap)
	}
}

// NewRejectJobHandler returns an http.HandlerFunc for
// POST /api/v1/jobs/{ref}/reject. The body is {"reason": string}.
func NewRejectJobHandler(o Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ref := chi.URLParam(r, "ref")

		var req struct {
			Reason string `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		req.Reason = strings.TrimSpace(req.Reason)
		if req.Reason == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "reason is required", nil)
			return
		}
		if len(req.Reason) > maxReasonLen {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "reason is too long", nil)
			return
		}

		if err := o.RejectJob(r.Context(), ref, req.Reason); err != nil {
			writeError(w, err)
			return
		}

		rec, _ := o.Job(ref)
		response.JSON(w, rec)
	}
}

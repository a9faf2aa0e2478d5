package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/portalwatch/internal/api/response"
)

// NewStatusHandler returns an http.HandlerFunc for GET /api/v1/status.
func NewStatusHandler(o Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		response.JSON(w, o.Status())
	}
}

// NewListTasksHandler returns an http.HandlerFunc for GET /api/v1/tasks.
func NewListTasksHandler(o Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		response.JSON(w, o.Tasks())
	}
}

// NewUpdateTaskHandler returns an http.HandlerFunc for
// PATCH /api/v1/tasks/{name}. The body is {"enabled": bool}.
func NewUpdateTaskHandler(o Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")

		var req struct {
			Enabled *bool `json:"enabled"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.Enabled == nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "enabled is required", nil)
			return
		}

		if err := o.SetTaskEnabled(name, *req.Enabled); err != nil {
			writeError(w, err)
			return
		}

		for _, t := range o.Tasks() {
			if t.Name == name {
				response.JSON(w, t)
				return
			}
		}
		response.JSON(w, map[string]any{"name": name, "enabled": *req.Enabled})
	}
}

// NewRunTaskHandler returns an http.HandlerFunc for
// POST /api/v1/tasks/{name}/run. The run is queued, not awaited.
func NewRunTaskHandler(o Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		if err := o.TriggerTask(name); err != nil {
			writeError(w, err)
			return
		}
		response.Accepted(w, map[string]string{"task": name, "status": "queued"})
	}
}

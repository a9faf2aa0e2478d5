package handler

import (
	"net/http"
	"sort"

	"github.com/kiranshivaraju/portalwatch/internal/api/response"
	"github.com/kiranshivaraju/portalwatch/pkg/models"
)

// SessionState reports the portal session for the health check.
type SessionState interface {
	Snapshot() models.Session
}

// NewHealthHandler returns an http.HandlerFunc for GET /api/v1/health. Each
// dependency is pinged; the portal session is reported but only a terminal
// session makes the process unhealthy.
func NewHealthHandler(deps map[string]Pinger, sess SessionState) http.HandlerFunc {
	names := make([]string, 0, len(deps))
	for name := range deps {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		checks := make(map[string]string, len(deps)+1)
		degraded := false
		for _, name := range names {
			checks[name] = "ok"
			if err := deps[name].Ping(r.Context()); err != nil {
				checks[name] = "degraded"
				degraded = true
			}
		}

		if sess != nil {
			snap := sess.Snapshot()
			checks["portal_session"] = snap.Status
			if snap.Terminal {
				degraded = true
			}
		}

		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}

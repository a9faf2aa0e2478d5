package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/kiranshivaraju/portalwatch/internal/api/middleware"
	"github.com/kiranshivaraju/portalwatch/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler    http.HandlerFunc
	StatusHandler    http.HandlerFunc
	ListTasks        http.HandlerFunc
	UpdateTask       http.HandlerFunc
	RunTask          http.HandlerFunc
	Outcomes         http.HandlerFunc
	ListJobs         http.HandlerFunc
	GetJob           http.HandlerFunc
	JobDetail        http.HandlerFunc
	RejectJob        http.HandlerFunc
	GetReport        http.HandlerFunc
	AnalyticsWindows http.HandlerFunc
	Activity         http.HandlerFunc
	ListSessions     http.HandlerFunc
	ListLogs         http.HandlerFunc
	Metrics          http.HandlerFunc

	// Feed serves the websocket live feed.
	Feed http.Handler
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.RequestID)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public health check
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Get("/api/v1/status", orNotImplemented(deps.StatusHandler))

		r.Get("/api/v1/tasks", orNotImplemented(deps.ListTasks))
		r.Patch("/api/v1/tasks/{name}", orNotImplemented(deps.UpdateTask))
		r.Post("/api/v1/tasks/{name}/run", orNotImplemented(deps.RunTask))

		r.Get("/api/v1/outcomes", orNotImplemented(deps.Outcomes))
		r.Get("/api/v1/jobs", orNotImplemented(deps.ListJobs))
		r.Get("/api/v1/jobs/{ref}", orNotImplemented(deps.GetJob))
		r.Get("/api/v1/jobs/{ref}/detail", orNotImplemented(deps.JobDetail))
		r.Post("/api/v1/jobs/{ref}/reject", orNotImplemented(deps.RejectJob))

		r.Get("/api/v1/reports/{kind}", orNotImplemented(deps.GetReport))
		r.Get("/api/v1/analytics/windows", orNotImplemented(deps.AnalyticsWindows))
		r.Get("/api/v1/activity", orNotImplemented(deps.Activity))
		r.Get("/api/v1/sessions", orNotImplemented(deps.ListSessions))
		r.Get("/api/v1/logs", orNotImplemented(deps.ListLogs))
		r.Get("/api/v1/metrics", orNotImplemented(deps.Metrics))

		if deps.Feed != nil {
			r.Handle("/api/v1/feed", deps.Feed)
		} else {
			r.Get("/api/v1/feed", orNotImplemented(nil))
		}
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}

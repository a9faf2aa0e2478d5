package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/kiranshivaraju/portalwatch/internal/api/response"
)

// Recovery turns a handler panic into a 500 carrying the request ID, so the
// operator can find the stack in the log. Aborted handlers are re-panicked
// for net/http to handle.
func Recovery(next http.Handler) http.Handler {
	logger := slog.With("component", "api")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			id := RequestIDFrom(r.Context())
			logger.Error("handler panicked",
				"request_id", id,
				"panic", rec,
				"stack", string(debug.Stack()),
				"method", r.Method,
				"path", r.URL.Path,
			)
			var details map[string]string
			if id != "" {
				details = map[string]string{"request_id": id}
			}
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "An unexpected error occurred", details)
		}()
		next.ServeHTTP(w, r)
	})
}

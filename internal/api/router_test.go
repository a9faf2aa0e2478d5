package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kiranshivaraju/portalwatch/internal/api"
	mw "github.com/kiranshivaraju/portalwatch/internal/api/middleware"
	"github.com/kiranshivaraju/portalwatch/internal/api/response"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const testKey = "pw_live_0123456789abcdef"

type stubCounter struct{}

func (stubCounter) IncrWithExpiry(context.Context, string, time.Duration) (int64, error) {
	return 1, nil
}

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(testKey), bcrypt.MinCost)
	require.NoError(t, err)

	return api.NewRouter(api.Dependencies{
		Auth:      mw.NewAuth(string(hash)),
		RateLimit: mw.NewRateLimit(stubCounter{}, 60),
		HealthHandler: func(w http.ResponseWriter, _ *http.Request) {
			response.JSON(w, map[string]string{"status": "ok"})
		},
		StatusHandler: func(w http.ResponseWriter, _ *http.Request) {
			response.JSON(w, map[string]string{"session": "running"})
		},
	})
}

func TestRouter_HealthEndpoint_Public(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRouter_ProtectedEndpoints_RequireAuth(t *testing.T) {
	router := newTestRouter(t)

	endpoints := []struct {
		method string
		path   string
	}{
		{"GET", "/api/v1/status"},
		{"GET", "/api/v1/tasks"},
		{"PATCH", "/api/v1/tasks/scan"},
		{"POST", "/api/v1/tasks/scan/run"},
		{"GET", "/api/v1/outcomes"},
		{"GET", "/api/v1/jobs"},
		{"GET", "/api/v1/jobs/J1"},
		{"GET", "/api/v1/jobs/J1/detail"},
		{"POST", "/api/v1/jobs/J1/reject"},
		{"GET", "/api/v1/reports/results"},
		{"GET", "/api/v1/analytics/windows"},
		{"GET", "/api/v1/activity"},
		{"GET", "/api/v1/sessions"},
		{"GET", "/api/v1/logs"},
		{"GET", "/api/v1/metrics"},
		{"GET", "/api/v1/feed"},
	}

	for _, ep := range endpoints {
		t.Run(ep.method+" "+ep.path, func(t *testing.T) {
			req := httptest.NewRequest(ep.method, ep.path, nil)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, http.StatusUnauthorized, w.Code)

			var body map[string]any
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			errObj := body["error"].(map[string]any)
			assert.Equal(t, "INVALID_TOKEN", errObj["code"])
		})
	}
}

func TestRouter_AuthenticatedRequest(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest("GET", "/api/v1/status", nil)
	req.Header.Set("Authorization", "Bearer "+testKey)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "60", w.Header().Get("X-RateLimit-Limit"))
}

func TestRouter_UnwiredEndpointIsNotImplemented(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest("GET", "/api/v1/tasks", nil)
	req.Header.Set("Authorization", "Bearer "+testKey)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestRouter_NotFound(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest("GET", "/api/v1/nonexistent", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

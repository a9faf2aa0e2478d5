package middleware_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	mw "github.com/kiranshivaraju/portalwatch/internal/api/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// --- Mock Counter ---

type mockCounter struct {
	counter int64
	keys    []string
	err     error
}

func (m *mockCounter) IncrWithExpiry(_ context.Context, key string, _ time.Duration) (int64, error) {
	m.counter++
	m.keys = append(m.keys, key)
	return m.counter, m.err
}

// --- helpers ---

const rawKey = "pw_test1234567890abcdef"

func okHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}
}

func hashKey(t *testing.T, key string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

func errBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body["error"].(map[string]any)
}

func authed(req *http.Request) *http.Request {
	req.Header.Set("Authorization", "Bearer "+rawKey)
	return req
}

// ========================================
// Auth Middleware Tests
// ========================================

func TestAuth_MissingAuthHeader(t *testing.T) {
	auth := mw.NewAuth(hashKey(t, rawKey))
	handler := auth.Authenticate(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "INVALID_TOKEN", errBody(t, w)["code"])
}

func TestAuth_InvalidBearerFormat(t *testing.T) {
	auth := mw.NewAuth(hashKey(t, rawKey))
	handler := auth.Authenticate(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Basic abc123")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_KeyTooShort(t *testing.T) {
	auth := mw.NewAuth(hashKey(t, rawKey))
	handler := auth.Authenticate(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Bearer short")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_WrongKey(t *testing.T) {
	auth := mw.NewAuth(hashKey(t, "different_key_entirely"))
	handler := auth.Authenticate(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, authed(httptest.NewRequest("GET", "/test", nil)))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Invalid API key", errBody(t, w)["message"])
}

func TestAuth_ValidKey(t *testing.T) {
	auth := mw.NewAuth(hashKey(t, rawKey))

	var gotPrefix string
	var gotOK bool
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPrefix, gotOK = mw.KeyPrefix(r)
		w.WriteHeader(http.StatusOK)
	})
	handler := auth.Authenticate(inner)

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, authed(httptest.NewRequest("GET", "/test", nil)))
		assert.Equal(t, http.StatusOK, w.Code)
	}
	assert.True(t, gotOK)
	assert.Equal(t, rawKey[:8], gotPrefix)
}

// ========================================
// Rate Limit Middleware Tests
// ========================================

func limited(t *testing.T, counter *mockCounter, perMin int) http.Handler {
	t.Helper()
	auth := mw.NewAuth(hashKey(t, rawKey))
	return auth.Authenticate(mw.NewRateLimit(counter, perMin).Limit(okHandler()))
}

func TestRateLimit_AllowsUnderLimit(t *testing.T) {
	mc := &mockCounter{}
	handler := limited(t, mc, 5)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, authed(httptest.NewRequest("GET", "/test", nil)))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "5", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "4", w.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, []string{"ratelimit:" + rawKey[:8]}, mc.keys)
}

func TestRateLimit_RejectsOverLimit(t *testing.T) {
	mc := &mockCounter{counter: 5}
	handler := limited(t, mc, 5)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, authed(httptest.NewRequest("GET", "/test", nil)))

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", errBody(t, w)["code"])
}

func TestRateLimit_FailsOpen(t *testing.T) {
	mc := &mockCounter{err: errors.New("redis down")}
	handler := limited(t, mc, 5)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, authed(httptest.NewRequest("GET", "/test", nil)))

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimit_NoKeyPrefix_PassThrough(t *testing.T) {
	rl := mw.NewRateLimit(&mockCounter{}, 60)
	handler := rl.Limit(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))

	assert.Equal(t, http.StatusOK, w.Code)
}

// ========================================
// Recovery Middleware Tests
// ========================================

func TestRecovery_CatchesPanic(t *testing.T) {
	panicking := http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		panic("something went wrong")
	})

	handler := mw.Recovery(panicking)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "INTERNAL_ERROR", errBody(t, w)["code"])
}

func TestRecovery_ReportsRequestID(t *testing.T) {
	panicking := http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		panic("boom")
	})
	handler := mw.RequestID(mw.Recovery(panicking))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))

	require.Equal(t, http.StatusInternalServerError, w.Code)
	details, ok := errBody(t, w)["details"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, w.Header().Get(mw.RequestIDHeader), details["request_id"])
}

func TestRecovery_RepanicsAbortHandler(t *testing.T) {
	aborting := http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		panic(http.ErrAbortHandler)
	})
	handler := mw.Recovery(aborting)

	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/test", nil))
	})
}

// ========================================
// Request ID Middleware Tests
// ========================================

func TestRequestID_GeneratesAndEchoes(t *testing.T) {
	var seen string
	handler := mw.RequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = mw.RequestIDFrom(r.Context())
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))

	require.NotEmpty(t, seen)
	assert.Equal(t, seen, w.Header().Get(mw.RequestIDHeader))
}

func TestRequestID_KeepsCallerUUID(t *testing.T) {
	const id = "0b9d3a64-4c8e-4f43-9a57-2f3c6d1e8a10"
	var seen string
	handler := mw.RequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = mw.RequestIDFrom(r.Context())
	}))

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set(mw.RequestIDHeader, id)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, id, seen)
	assert.Equal(t, id, w.Header().Get(mw.RequestIDHeader))
}

func TestRequestID_ReplacesMalformedHeader(t *testing.T) {
	handler := mw.RequestID(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set(mw.RequestIDHeader, "not a uuid\nforged=1")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	got := w.Header().Get(mw.RequestIDHeader)
	assert.NotEqual(t, "not a uuid\nforged=1", got)
	assert.Len(t, got, 36)
}

func TestRequestIDFrom_Missing(t *testing.T) {
	assert.Empty(t, mw.RequestIDFrom(context.Background()))
}

func TestRecovery_NoPanic(t *testing.T) {
	handler := mw.Recovery(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))

	assert.Equal(t, http.StatusOK, w.Code)
}

// ========================================
// Logging Middleware Tests
// ========================================

func TestLogger_PassesStatusThrough(t *testing.T) {
	handler := mw.Logger(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))

	assert.Equal(t, http.StatusTeapot, w.Code)
}

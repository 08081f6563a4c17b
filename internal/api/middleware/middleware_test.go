package middleware_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	mw "github.com/kiranshivaraju/pbsgestor/internal/api/middleware"
	"github.com/kiranshivaraju/pbsgestor/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// --- helpers ---

func okHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}
}

func hashToken(t *testing.T, token string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

func errBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body["error"].(map[string]any)
}

// ========================================
// Auth Middleware Tests
// ========================================

func TestNewAuth_EmptyHashDisables(t *testing.T) {
	assert.Nil(t, mw.NewAuth(""))
}

func TestAuth_MissingAuthHeader(t *testing.T) {
	auth := mw.NewAuth(hashToken(t, "s3cret-token"))
	handler := auth.Authenticate(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "INVALID_TOKEN", errBody(t, w)["code"])
}

func TestAuth_InvalidBearerFormat(t *testing.T) {
	auth := mw.NewAuth(hashToken(t, "s3cret-token"))
	handler := auth.Authenticate(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Basic abc123")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_WrongToken(t *testing.T) {
	auth := mw.NewAuth(hashToken(t, "s3cret-token"))
	handler := auth.Authenticate(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Bearer different-token")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "INVALID_TOKEN", errBody(t, w)["code"])
}

func TestAuth_ValidToken(t *testing.T) {
	auth := mw.NewAuth(hashToken(t, "s3cret-token"))

	var authenticated bool
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authenticated = mw.IsAuthenticated(r)
		w.WriteHeader(http.StatusOK)
	})
	handler := auth.Authenticate(inner)

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "bearer  s3cret-token ")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, authenticated)
}

// ========================================
// Request ID Middleware Tests
// ========================================

func TestRequestID_Generated(t *testing.T) {
	var got string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = mw.GetRequestID(r)
	})

	w := httptest.NewRecorder()
	mw.RequestID(inner).ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))

	assert.NotEmpty(t, got)
	assert.Equal(t, got, w.Header().Get(mw.RequestIDHeader))
}

func TestRequestID_Propagated(t *testing.T) {
	var got string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = mw.GetRequestID(r)
	})

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set(mw.RequestIDHeader, "abc-123")
	w := httptest.NewRecorder()
	mw.RequestID(inner).ServeHTTP(w, req)

	assert.Equal(t, "abc-123", got)
	assert.Equal(t, "abc-123", w.Header().Get(mw.RequestIDHeader))
}

// ========================================
// Recovery Middleware Tests
// ========================================

func TestRecovery_CatchesPanic(t *testing.T) {
	panicking := http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		panic("something went wrong")
	})

	handler := mw.Recovery(panicking)

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "INTERNAL_ERROR", errBody(t, w)["code"])
}

func TestRecovery_ReportsRequestID(t *testing.T) {
	panicking := http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		panic("nil map")
	})
	before := testutil.ToFloat64(metrics.APIPanics)

	req := httptest.NewRequest("GET", "/api/v1/status", nil)
	req.Header.Set(mw.RequestIDHeader, "req-42")
	w := httptest.NewRecorder()
	mw.RequestID(mw.Recovery(panicking)).ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "req-42", errBody(t, w)["request_id"])
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.APIPanics))
}

func TestRecovery_AbortHandlerPropagates(t *testing.T) {
	aborting := http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		panic(http.ErrAbortHandler)
	})

	req := httptest.NewRequest("GET", "/test", nil)
	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		mw.Recovery(aborting).ServeHTTP(httptest.NewRecorder(), req)
	})
}

func TestRecovery_NoPanic(t *testing.T) {
	handler := mw.Recovery(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

// ========================================
// Logging Middleware Tests
// ========================================

func TestLogger_SetsStatus(t *testing.T) {
	handler := mw.Logger(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestLogger_CountsByRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(mw.Logger)
	r.Get("/api/v1/jobs/{jobID}", okHandler())

	series := metrics.APIRequests.WithLabelValues("/api/v1/jobs/{jobID}", "200")
	before := testutil.ToFloat64(series)

	for _, path := range []string{"/api/v1/jobs/1.host", "/api/v1/jobs/2.host"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", path, nil))
	}

	assert.Equal(t, before+2, testutil.ToFloat64(series))
}

func TestLogger_DefaultsToOK(t *testing.T) {
	silent := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("body"))
	})
	w := httptest.NewRecorder()
	mw.Logger(silent).ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "body", w.Body.String())
}

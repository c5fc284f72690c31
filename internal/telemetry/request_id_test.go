package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestIDGeneratesWhenAbsent(t *testing.T) {
	var captured string

	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = GetRequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))

	require.NotEmpty(t, captured)
	assert.Equal(t, captured, rec.Header().Get(RequestIDHeader))
}

func TestRequestIDPropagatesIncoming(t *testing.T) {
	var captured string

	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = GetRequestID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set(RequestIDHeader, "upstream-id")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, "upstream-id", captured)
	assert.Equal(t, "upstream-id", rec.Header().Get(RequestIDHeader))
}

func TestGetRequestIDWithoutValue(t *testing.T) {
	assert.Empty(t, GetRequestID(context.Background()))
}

func TestMiddlewareCapturesStatus(t *testing.T) {
	m := NewHTTPMiddleware(nil)

	handler := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "short and stout", rec.Body.String())
}

func TestDisabledTelemetryIsSafe(t *testing.T) {
	tel, err := New(context.Background(), Config{Enabled: false})
	require.NoError(t, err)

	tel.RecordDownload("success", 0)
	tel.RecordAuthPause()
	tel.RecordRetry()
	tel.AddDownloadBytes(100)
	tel.IncrementActiveDownloads()
	tel.DecrementActiveDownloads()
	tel.RecordHTTPRequest(http.MethodGet, "/api/status", "200", 0)

	rec := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.NoError(t, tel.Shutdown(context.Background()))
}

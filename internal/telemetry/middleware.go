package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/italolelis/takeout_downloader/internal/logctx"
)

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter

	status      int
	wroteHeader bool
}

func wrapResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, status: http.StatusOK}
}

// WriteHeader captures the status code and delegates to the underlying ResponseWriter.
func (rw *responseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return // Prevent multiple WriteHeader calls
	}

	rw.status = code
	rw.wroteHeader = true

	rw.ResponseWriter.WriteHeader(code)
}

// Write captures implicit 200 OK if WriteHeader was not called.
func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}

	return rw.ResponseWriter.Write(b)
}

// Flush delegates to the underlying ResponseWriter when it supports
// streaming. The event-stream endpoint depends on this.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// HTTPMiddleware records RED metrics and logs every request with a level
// derived from the response status.
type HTTPMiddleware struct {
	telemetry *Telemetry
}

// NewHTTPMiddleware creates a new HTTP middleware for telemetry.
func NewHTTPMiddleware(telemetry *Telemetry) *HTTPMiddleware {
	return &HTTPMiddleware{telemetry: telemetry}
}

// Middleware returns the HTTP middleware function.
func (m *HTTPMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger := logctx.LoggerFromContext(r.Context())
		start := time.Now()

		if m.telemetry != nil {
			m.telemetry.IncrementHTTPInFlight()
			defer m.telemetry.DecrementHTTPInFlight()
		}

		wrapped := wrapResponseWriter(w)
		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		if m.telemetry != nil {
			m.telemetry.RecordHTTPRequest(r.Method, r.URL.Path, strconv.Itoa(wrapped.status), duration)
		}

		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration_ms", duration.Milliseconds(),
			"request_id", GetRequestID(r.Context()),
		}

		switch {
		case wrapped.status >= http.StatusInternalServerError:
			logger.Error("http request", attrs...)
		case wrapped.status >= http.StatusBadRequest:
			logger.Warn("http request", attrs...)
		default:
			logger.Debug("http request", attrs...)
		}
	})
}

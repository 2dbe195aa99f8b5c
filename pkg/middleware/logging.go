// Package middleware provides HTTP middleware for the request-control proxy.
//
// This file implements structured request logging middleware with:
//   - Request/response logging with timing
//   - Correlation ID propagation (X-Request-ID header)
//   - Context-based request ID storage
//   - Breaker fallback tagging (X-Blocked-By header)
//
// Design Notes:
//   - Logs go through zap so proxy and controller lines share one format
//   - Request IDs are stored in context for downstream use
//   - Log level: Info for success, Warn for 4xx, Error for 5xx
package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// HeaderRequestID carries the correlation ID in both directions.
const HeaderRequestID = "X-Request-ID"

// HeaderBlockedBy is set on responses that carry the breaker fallback.
const HeaderBlockedBy = "X-Blocked-By"

type contextKey string

const requestIDKey contextKey = "request-id"

// RequestLogger returns middleware that logs every request with logger.
//
// Example usage:
//
//	mux := http.NewServeMux()
//	handler := middleware.RequestLogger(logger)(mux)
//	http.ListenAndServe(":8080", handler)
//
// Logged fields: request_id, method, path, query, status, bytes,
// duration, remote_addr and blocked_by when the response was a fallback.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			requestID := r.Header.Get(HeaderRequestID)
			if requestID == "" {
				requestID = generateRequestID()
			}

			r = r.WithContext(WithRequestID(r.Context(), requestID))
			w.Header().Set(HeaderRequestID, requestID)

			wrapped := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(wrapped, r)

			logRequest(logger, requestID, r, wrapped, time.Since(start))
		})
	}
}

// WithRequestID adds a request ID to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromCtx retrieves the request ID from the context.
// Returns empty string if not found.
func RequestIDFromCtx(ctx context.Context) string {
	if requestID, ok := ctx.Value(requestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// LoggerFromCtx returns logger annotated with the context's request ID.
func LoggerFromCtx(ctx context.Context, logger *zap.Logger) *zap.Logger {
	if id := RequestIDFromCtx(ctx); id != "" {
		return logger.With(zap.String("request_id", id))
	}
	return logger
}

// generateRequestID creates a new UUID v4 request ID.
func generateRequestID() string {
	return uuid.New().String()
}

func logRequest(logger *zap.Logger, requestID string, r *http.Request, rw *responseWriter, duration time.Duration) {
	fields := []zap.Field{
		zap.String("request_id", requestID),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("query", r.URL.RawQuery),
		zap.Int("status", rw.statusCode),
		zap.Int("bytes", rw.bytesWritten),
		zap.Duration("duration", duration),
		zap.String("remote_addr", r.RemoteAddr),
	}
	if blocked := rw.Header().Get(HeaderBlockedBy); blocked != "" {
		fields = append(fields, zap.String("blocked_by", blocked))
	}

	switch {
	case rw.statusCode >= 500:
		logger.Error("request", fields...)
	case rw.statusCode >= 400:
		logger.Warn("request", fields...)
	default:
		logger.Info("request", fields...)
	}
}

// responseWriter wraps http.ResponseWriter to capture status code and bytes written.
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

// WriteHeader captures the status code.
func (rw *responseWriter) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

// Write captures the number of bytes written.
func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

// Flush implements http.Flusher interface.
func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

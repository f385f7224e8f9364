// Package server implements the HTTP read surface: per-client alert
// summaries, filtered alert queries across area databases, and the
// insert-rate meter.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/usinatech/vigia/internal/fault"
)

type contextKey string

const contextKeyRequestID contextKey = "request_id"

// RequestIDFromContext extracts the request ID from the context.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(contextKeyRequestID).(string); ok {
		return v
	}
	return ""
}

// requestIDMiddleware assigns a unique request ID to each request.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.New().String()
		}
		ctx := context.WithValue(r.Context(), contextKeyRequestID, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// loggingMiddleware logs each request with structured fields.
func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		level := slog.LevelInfo
		if wrapped.statusCode >= 500 {
			level = slog.LevelError
		} else if wrapped.statusCode >= 400 {
			level = slog.LevelWarn
		}
		logger.Log(r.Context(), level, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", RequestIDFromContext(r.Context()),
		)
	})
}

// recoveryMiddleware turns handler panics into 500 responses.
func recoveryMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("http handler panic",
					"panic", rec,
					"path", r.URL.Path,
					"stack", string(debug.Stack()),
				)
				writeError(w, fault.Newf(fault.Unknown, "internal error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// errorBody is the wire shape of a failed response.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Name          string    `json:"name"`
	Message       string    `json:"message"`
	Category      string    `json:"category"`
	Retryable     bool      `json:"retryable"`
	IsOperational bool      `json:"isOperational"`
	Timestamp     time.Time `json:"timestamp"`
	Details       any       `json:"details,omitempty"`
}

// errorNames maps fault kinds to the error names exposed on the wire.
var errorNames = map[fault.Kind]string{
	fault.Validation:     "ValidationError",
	fault.NotFound:       "NotFoundError",
	fault.Conflict:       "ConflictError",
	fault.Database:       "DatabaseError",
	fault.Broker:         "BrokerError",
	fault.OPCUA:          "OpcUaError",
	fault.Infrastructure: "InfrastructureError",
	fault.Unknown:        "InternalError",
}

// writeJSON writes a JSON success response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError classifies err and writes the error envelope with the status
// code mapped from its kind.
func writeError(w http.ResponseWriter, err error) {
	kind := fault.KindOf(err)
	detail := errorDetail{
		Name:          errorNames[kind],
		Message:       err.Error(),
		Category:      string(kind),
		Retryable:     fault.IsRetryable(err),
		IsOperational: true,
		Timestamp:     time.Now().UTC(),
	}

	var fe *fault.Error
	if errors.As(err, &fe) {
		detail.Message = fe.Message
		detail.IsOperational = fe.Operational
		detail.Timestamp = fe.Timestamp
		detail.Details = fe.Details
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(fault.HTTPStatus(err))
	_ = json.NewEncoder(w).Encode(errorBody{Error: detail})
}

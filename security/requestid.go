package security

import (
	"context"
	"log/slog"
	"net/http"
	"regexp"
)

type requestIDContextKey struct{}

// RequestIDHeader carries the correlation id in both directions
const RequestIDHeader = "X-Request-ID"

// Upstream ids are accepted only if they cannot inject into headers or logs.
var requestIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,128}$`)

// NewRequestID returns a random 22 character correlation id.
// Falls back to a fixed marker if the random source fails; a missing
// correlation id must not take a request down.
func NewRequestID() string {
	id, err := randomToken(16)
	if err != nil {
		return "unavailable"
	}
	return id
}

// WithRequestID stores a request id in the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDContextKey{}, requestID)
}

// RequestIDFromContext returns the request id, or "" if none was set
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDContextKey{}).(string); ok {
		return id
	}
	return ""
}

// LoggerWithRequestID returns logger annotated with the request id found in ctx.
func LoggerWithRequestID(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	if id := RequestIDFromContext(ctx); id != "" {
		return logger.With("request_id", id)
	}
	return logger
}

// RequestIDMiddleware keeps a well-formed upstream X-Request-ID or mints a new one,
// echoes it on the response and stores it in the request context.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if !requestIDPattern.MatchString(requestID) {
			requestID = NewRequestID()
		}

		w.Header().Set(RequestIDHeader, requestID)
		next.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), requestID)))
	})
}

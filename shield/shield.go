// CLAUDE:SUMMARY HTTP hardening middleware for the REST surface: security headers, body limits, rate limiting, request tracing.
// Package shield provides the HTTP hardening middleware applied to the
// daemon's REST surface: security headers, JSON body limits, per-IP rate
// limiting, and request tracing.
//
// Usage:
//
//	r := chi.NewRouter()
//	for _, mw := range shield.APIStack(shield.DefaultRateLimit(), "/health") {
//	    r.Use(mw)
//	}
package shield

import (
	"context"
	"log/slog"
	"net/http"
)

type contextKey string

const (
	// traceIDKey is the context key for the per-request trace ID.
	traceIDKey contextKey = "shield_trace_id"

	// loggerKey is the context key for the per-request structured logger.
	loggerKey contextKey = "shield_logger"
)

// APIStack returns the standard middleware stack for the REST API,
// ordered: SecurityHeaders → MaxJSONBody → TraceID → RateLimiter.
// Paths matching excludePrefixes bypass rate limiting.
func APIStack(limit RateLimit, excludePrefixes ...string) []func(http.Handler) http.Handler {
	rl := NewRateLimiter(limit, excludePrefixes...)
	return []func(http.Handler) http.Handler{
		SecurityHeaders(DefaultHeaders()),
		MaxJSONBody(256 * 1024),
		TraceID,
		rl.Middleware,
	}
}

// GetLogger retrieves the per-request logger from the context.
// Returns slog.Default() if no logger was set.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// GetTraceID retrieves the request trace ID from the context, if any.
func GetTraceID(ctx context.Context) string {
	id, _ := ctx.Value(traceIDKey).(string)
	return id
}

package logging

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

// Context keys used by the logging helpers and middleware.
const (
	TraceIDKey contextKey = "trace_id"
	UserIDKey  contextKey = "user_id"
	RoleKey    contextKey = "role"
)

// NewTraceID generates a new trace ID.
func NewTraceID() string {
	return uuid.New().String()
}

// WithTraceID stores a trace ID in ctx.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// GetTraceID returns the trace ID stored in ctx, or "".
func GetTraceID(ctx context.Context) string {
	if v, ok := ctx.Value(TraceIDKey).(string); ok {
		return v
	}
	return ""
}

// WithUserID stores the authenticated user ID in ctx.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// GetUserID returns the authenticated user ID stored in ctx, or "".
func GetUserID(ctx context.Context) string {
	if v, ok := ctx.Value(UserIDKey).(string); ok {
		return v
	}
	return ""
}

// WithRole stores the caller role in ctx.
func WithRole(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, RoleKey, role)
}

// GetRole returns the caller role stored in ctx, or "".
func GetRole(ctx context.Context) string {
	if v, ok := ctx.Value(RoleKey).(string); ok {
		return v
	}
	return ""
}

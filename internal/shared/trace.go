// Package shared holds small cross-cutting helpers: request trace IDs
// carried on contexts and redaction of secret-bearing strings.
package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type planIDKey struct{}
type sessionIDKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithPlanID attaches a plan_id to the context.
func WithPlanID(ctx context.Context, planID string) context.Context {
	return context.WithValue(ctx, planIDKey{}, planID)
}

// PlanID extracts plan_id from context. Returns "" if absent.
func PlanID(ctx context.Context) string {
	if v, ok := ctx.Value(planIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithSessionID attaches a review session_id to the context.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, sessionID)
}

// SessionID extracts session_id from context. Returns "" if absent.
func SessionID(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey{}).(string); ok {
		return v
	}
	return ""
}

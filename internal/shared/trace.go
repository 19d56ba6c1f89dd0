package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type chatIDKey struct{}
type groupKey struct{}
type runIDKey struct{}
type laneKey struct{}

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

// WithChatID attaches a chat_id to the context.
func WithChatID(ctx context.Context, chatID string) context.Context {
	return context.WithValue(ctx, chatIDKey{}, chatID)
}

// ChatID extracts chat_id from context. Returns "" if absent.
func ChatID(ctx context.Context) string {
	if v, ok := ctx.Value(chatIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithGroup attaches a group folder to the context.
func WithGroup(ctx context.Context, folder string) context.Context {
	return context.WithValue(ctx, groupKey{}, folder)
}

// Group extracts the group folder from context. Returns "" if absent.
func Group(ctx context.Context) string {
	if v, ok := ctx.Value(groupKey{}).(string); ok {
		return v
	}
	return ""
}

// WithRunID attaches a run_id to the context.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunID extracts run_id from context. Returns "" if absent.
func RunID(ctx context.Context) string {
	if v, ok := ctx.Value(runIDKey{}).(string); ok {
		return v
	}
	return ""
}

// NewRunID generates a new run_id.
func NewRunID() string {
	return uuid.NewString()
}

// WithLane attaches the scheduling lane name to the context.
func WithLane(ctx context.Context, lane string) context.Context {
	return context.WithValue(ctx, laneKey{}, lane)
}

// Lane extracts the scheduling lane name from context. Returns "" if absent.
func Lane(ctx context.Context) string {
	if v, ok := ctx.Value(laneKey{}).(string); ok {
		return v
	}
	return ""
}

// MainGroup is the distinguished workspace with admin privileges.
const MainGroup = "main"

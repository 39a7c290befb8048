package types

import "context"

// contextKey is used for storing values in context.Context.
type contextKey string

const (
	keyTraceID      contextKey = "trace_id"
	keyRequestID    contextKey = "request_id"
	keyTeamRunID    contextKey = "team_run_id"
	keyCallerNodeID contextKey = "caller_node_id"
)

// WithTraceID adds trace ID to context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, keyTraceID, traceID)
}

// TraceID extracts trace ID from context.
func TraceID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyTraceID).(string)
	return v, ok && v != ""
}

// WithRequestID adds the HTTP request ID to context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, keyRequestID, requestID)
}

// RequestID extracts the HTTP request ID from context.
func RequestID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyRequestID).(string)
	return v, ok && v != ""
}

// WithTeamRunID adds team run ID to context.
func WithTeamRunID(ctx context.Context, teamRunID string) context.Context {
	return context.WithValue(ctx, keyTeamRunID, teamRunID)
}

// TeamRunID extracts team run ID from context.
func TeamRunID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyTeamRunID).(string)
	return v, ok && v != ""
}

// WithCallerNodeID records the verified node that issued an internal request.
func WithCallerNodeID(ctx context.Context, nodeID string) context.Context {
	return context.WithValue(ctx, keyCallerNodeID, nodeID)
}

// CallerNodeID extracts the verified caller node ID from context.
func CallerNodeID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyCallerNodeID).(string)
	return v, ok && v != ""
}

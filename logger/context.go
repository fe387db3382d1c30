package logger

import (
	"context"
)

// ContextKey is used for context values
type ContextKey string

const (
	// QueryIDKey identifies one query execution
	QueryIDKey ContextKey = "query_id"
	// SessionIDKey identifies the client session issuing queries
	SessionIDKey ContextKey = "session_id"
	// RequestIDKey is the context key for request ID
	RequestIDKey ContextKey = "request_id"
)

// WithContextValue adds a value to the context for logging
func WithContextValue(ctx context.Context, key ContextKey, value any) context.Context {
	return context.WithValue(ctx, key, value)
}

// WithQueryID tags ctx with the query execution id.
func WithQueryID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, QueryIDKey, id)
}

// QueryID returns the query id stored in ctx, if any.
func QueryID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(QueryIDKey).(string)
	return id
}

// ExtractContextValues extracts logging-relevant values from context
func ExtractContextValues(ctx context.Context) []any {
	if ctx == nil {
		return nil
	}

	var args []any
	for _, key := range []ContextKey{QueryIDKey, SessionIDKey, RequestIDKey} {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			args = append(args, string(key), v)
		}
	}
	return args
}

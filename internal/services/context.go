package services

import "context"

type contextKey string

const (
	taskIDKey    contextKey = "task_id"
	taskNameKey  contextKey = "task_name"
	sessionIDKey contextKey = "session_id"
)

// WithTaskID annotates context with the coordinator task identifier.
func WithTaskID(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, taskIDKey, id)
}

// TaskIDFromContext extracts the task identifier if present.
func TaskIDFromContext(ctx context.Context) (int64, bool) {
	v := ctx.Value(taskIDKey)
	if v == nil {
		return 0, false
	}
	switch val := v.(type) {
	case int64:
		return val, true
	case int:
		return int64(val), true
	default:
		return 0, false
	}
}

// WithTaskName annotates context with the task name.
func WithTaskName(ctx context.Context, name string) context.Context {
	if name == "" {
		return ctx
	}
	return context.WithValue(ctx, taskNameKey, name)
}

// TaskNameFromContext returns the task name if present.
func TaskNameFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(taskNameKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}

// WithSessionID annotates context with the session identifier.
func WithSessionID(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

// SessionIDFromContext extracts the session identifier if present.
func SessionIDFromContext(ctx context.Context) (int64, bool) {
	v := ctx.Value(sessionIDKey)
	if val, ok := v.(int64); ok {
		return val, true
	}
	return 0, false
}

package logging

import (
	"context"
	"log/slog"
	"runtime/debug"
	"time"

	"emworker/internal/services"
)

type Attr = slog.Attr

func Any(key string, value any) Attr { return slog.Any(key, value) }

func Bool(key string, value bool) Attr { return slog.Bool(key, value) }

func Duration(key string, value time.Duration) Attr { return slog.Duration(key, value) }

func Int(key string, value int) Attr { return slog.Int(key, value) }

func Int64(key string, value int64) Attr { return slog.Int64(key, value) }

func String(key string, value string) Attr { return slog.String(key, value) }

func Error(err error) Attr {
	if err == nil {
		return slog.String("error", "<nil>")
	}
	return slog.Any("error", err)
}

// Stack captures the current goroutine stack. Task failures always log it
// because operators have no other window into worker-side errors.
func Stack() Attr {
	return slog.String(FieldStack, string(debug.Stack()))
}

func Args(attrs ...Attr) []any {
	return attrsToArgs(attrs)
}

func attrsToArgs(attrs []Attr) []any {
	args := make([]any, 0, len(attrs))
	for _, attr := range attrs {
		args = append(args, attr)
	}
	return args
}

func NewNop() *slog.Logger {
	return slog.New(NoopHandler{})
}

// NewComponentLogger creates a logger with a standardized component
// attribute. If logger is nil, a no-op logger is used as the base.
func NewComponentLogger(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	return logger.With(String(FieldComponent, component))
}

// NoopHandler discards all log output.
type NoopHandler struct{}

func (NoopHandler) Enabled(context.Context, slog.Level) bool { return false }

func (NoopHandler) Handle(context.Context, slog.Record) error { return nil }

func (NoopHandler) WithAttrs([]slog.Attr) slog.Handler { return NoopHandler{} }

func (NoopHandler) WithGroup(string) slog.Handler { return NoopHandler{} }

const (
	// FieldComponent is the standardized key for component names.
	FieldComponent = "component"
	// FieldTaskID is the standardized key for coordinator task identifiers.
	FieldTaskID = "task_id"
	// FieldTaskName is the standardized key for task names.
	FieldTaskName = "task_name"
	// FieldSessionID is the standardized key for session identifiers.
	FieldSessionID = "session_id"
	// FieldEventType tags log records with a machine-searchable event name.
	FieldEventType = "event_type"
	// FieldErrorHint carries the operator's suggested next step.
	FieldErrorHint = "error_hint"
	// FieldStack carries a goroutine stack trace on task failures.
	FieldStack = "stack"
)

// ContextFields extracts standardized slog attributes from the provided
// context.
func ContextFields(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	fields := make([]slog.Attr, 0, 3)
	if id, ok := services.TaskIDFromContext(ctx); ok {
		fields = append(fields, slog.Int64(FieldTaskID, id))
	}
	if name, ok := services.TaskNameFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldTaskName, name))
	}
	if id, ok := services.SessionIDFromContext(ctx); ok {
		fields = append(fields, slog.Int64(FieldSessionID, id))
	}
	return fields
}

// WithContext returns a logger augmented with structured fields derived
// from the supplied context.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	fields := ContextFields(ctx)
	if len(fields) == 0 {
		return logger
	}
	return logger.With(attrsToArgs(fields)...)
}

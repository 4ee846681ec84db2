package logging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// TaskLogger tees a base logger into a per-task log file. The returned
// close function flushes and releases the file; it is safe to call after
// the task goroutine exits.
func TaskLogger(base *slog.Logger, path string) (*slog.Logger, func() error, error) {
	if base == nil {
		base = NewNop()
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("ensure task log directory: %w", err)
		}
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o664)
	if err != nil {
		return nil, nil, fmt.Errorf("open task log %s: %w", path, err)
	}

	levelVar := new(slog.LevelVar)
	levelVar.Set(slog.LevelDebug)
	fileHandler := newPrettyHandler(file, levelVar)

	handler := teeHandler{primary: base.Handler(), secondary: fileHandler}
	closeFn := func() error {
		return file.Close()
	}
	return slog.New(handler), closeFn, nil
}

// teeHandler forwards records to two handlers; an error from either is
// reported but does not suppress the other.
type teeHandler struct {
	primary   slog.Handler
	secondary slog.Handler
}

func (h teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.primary.Enabled(ctx, level) || h.secondary.Enabled(ctx, level)
}

func (h teeHandler) Handle(ctx context.Context, record slog.Record) error {
	var errs []error
	if h.primary.Enabled(ctx, record.Level) {
		if err := h.primary.Handle(ctx, record.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	if h.secondary.Enabled(ctx, record.Level) {
		if err := h.secondary.Handle(ctx, record.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return teeHandler{primary: h.primary.WithAttrs(attrs), secondary: h.secondary.WithAttrs(attrs)}
}

func (h teeHandler) WithGroup(name string) slog.Handler {
	return teeHandler{primary: h.primary.WithGroup(name), secondary: h.secondary.WithGroup(name)}
}

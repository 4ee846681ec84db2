// Package logging builds the slog loggers used across the worker: a
// console or JSON root logger plus per-task file handlers so operators
// can follow a single task's lifecycle in isolation.
package logging

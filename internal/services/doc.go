// Package services defines the shared error taxonomy used by task
// handlers and the helpers that wrap failures with task context.
package services

// Package coordinator implements the JSON/HTTP client for the central
// coordinator: login, worker registration, task claim/update, and
// session record access. Callers own retry policy; the client surfaces
// every failure immediately.
package coordinator

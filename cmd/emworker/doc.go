// Package main hosts the emworker CLI entrypoint and command graph.
//
// The Cobra-based command tree translates terminal invocations into IPC calls
// against the daemon: lifecycle control, status reporting, log tailing, and
// configuration scaffolding. It centralizes configuration resolution and
// socket discovery so subcommands can focus on user experience instead of
// wiring.
//
// Keep this package lean: add new functionality by extending the internal
// packages first, then surface it through dedicated commands or flags here.
package main

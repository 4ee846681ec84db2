package main

import (
	"testing"
)

func TestDaemonStartCommandStartsWorker(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"start"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	requireContains(t, out, "Daemon started")

	out, _, err = runCLI(t, []string{"status"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	requireContains(t, out, "Running")

	out, _, err = runCLI(t, []string{"start"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	requireContains(t, out, "Daemon already running")
}

func TestStopTaskCommandUnknownTask(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"stop-task", "4242"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("stop-task: %v", err)
	}
	requireContains(t, out, "Task 4242 is not running")
}

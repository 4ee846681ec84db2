package worker

import (
	"context"
	"strings"
	"testing"

	"emworker/internal/coordinator"
)

func TestCommandHandlerRunsAndPublishesOutput(t *testing.T) {
	e := newTestEnv(t)
	ct := coordinator.Task{ID: 71, Name: "command", Args: args(map[string]any{
		"command": "echo hello from worker",
	})}

	handler := newCommandHandler()
	outcome, err := handler.Process(context.Background(), e.runtime(t, ct))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !outcome.Done {
		t.Fatal("command tasks are one-shot")
	}

	events := e.coord.taskEvents(71)
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if !events[0].Done() {
		t.Fatalf("command event not terminal: %v", events[0])
	}
	output, _ := events[0]["output"].(string)
	if !strings.Contains(output, "hello from worker") {
		t.Fatalf("command output = %q", output)
	}
}

func TestCommandHandlerReportsFailure(t *testing.T) {
	e := newTestEnv(t)
	ct := coordinator.Task{ID: 72, Name: "command", Args: args(map[string]any{
		"command": "exit 3",
	})}

	handler := newCommandHandler()
	outcome, err := handler.Process(context.Background(), e.runtime(t, ct))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !outcome.Done {
		t.Fatal("failed commands still end the task")
	}
	events := e.coord.taskEvents(72)
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if events[0]["error"] == nil {
		t.Fatalf("failure event missing error field: %v", events[0])
	}
}

func TestCommandHandlerRequiresCommand(t *testing.T) {
	e := newTestEnv(t)
	handler := newCommandHandler()
	ct := coordinator.Task{ID: 73, Name: "command"}
	if _, err := handler.Process(context.Background(), e.runtime(t, ct)); err == nil {
		t.Fatal("command task without a command must fail")
	}
}

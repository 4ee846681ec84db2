package worker

import (
	"context"
	"os/exec"
	"strings"
	"time"

	"emworker/internal/coordinator"
	"emworker/internal/services"
	"emworker/internal/task"
)

// commandHandler runs a one-shot shell command from the task arguments and
// reports its output. Used by operators for remote diagnostics.
type commandHandler struct{}

func newCommandHandler() *commandHandler {
	return &commandHandler{}
}

func (h *commandHandler) Process(ctx context.Context, rt *task.Runtime) (task.Outcome, error) {
	command := rt.Task.ArgString("command")
	if command == "" {
		return task.Outcome{}, services.Wrap(services.ErrContract, "command", "run",
			"task has no command argument", nil)
	}

	timeout := 5 * time.Minute
	if secs, ok := rt.Task.ArgInt64("timeout"); ok && secs > 0 {
		timeout = time.Duration(secs) * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	output, err := cmd.CombinedOutput()

	event := coordinator.Event{
		"output": strings.TrimSpace(string(output)),
		"done":   1,
	}
	if err != nil {
		event["error"] = err.Error()
	}
	if err := rt.Publisher.Publish(ctx, event); err != nil {
		return task.Outcome{}, err
	}
	return task.Outcome{Done: true}, nil
}

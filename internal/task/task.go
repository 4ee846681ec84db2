// Package task defines the contract between the worker supervisor and the
// per-task handlers, and the loop that drives a handler to completion.
package task

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"emworker/internal/config"
	"emworker/internal/coordinator"
	"emworker/internal/logging"
	"emworker/internal/state"
)

// Immediate asks the loop to run the next iteration without pausing.
const Immediate = time.Duration(-1)

// Outcome reports the result of one handler iteration.
type Outcome struct {
	// Done ends the loop. The handler is expected to have published its
	// terminal event already.
	Done bool
	// Sleep overrides the pause before the next iteration. Zero keeps the
	// configured default; Immediate skips the pause.
	Sleep time.Duration
}

// Handler processes one claimed task. Process is called in a loop until it
// reports Done, returns an error, or the context is cancelled. Handlers must
// be idempotent across restarts: committed side effects are rediscovered,
// not redone.
type Handler interface {
	Process(ctx context.Context, rt *Runtime) (Outcome, error)
}

// Publisher posts append-only events for one task.
type Publisher interface {
	Publish(ctx context.Context, event coordinator.Event) error
}

// HostOTF serializes on-the-fly processing per host. Claim makes the task
// the host's OTF owner and returns the ids of tasks it displaced; the worker
// asks each displaced task to stop.
type HostOTF interface {
	Claim(taskID int64) (displaced []int64)
	Release(taskID int64)
}

// Runtime is the environment the worker hands to each handler.
type Runtime struct {
	Task      coordinator.Task
	Config    *config.Config
	Client    *coordinator.Client
	Store     *state.Store
	Logger    *slog.Logger
	Publisher Publisher
	OTF       HostOTF
}

func (rt *Runtime) logger() *slog.Logger {
	if rt.Logger != nil {
		return rt.Logger
	}
	return logging.NewNop()
}

func (rt *Runtime) defaultSleep() time.Duration {
	if rt.Config != nil && rt.Config.Worker.TaskSleep > 0 {
		return time.Duration(rt.Config.Worker.TaskSleep) * time.Second
	}
	return 10 * time.Second
}

// Run drives the handler until it finishes or fails. A handler error or
// panic is converted into a terminal event carrying the error and a stack
// trace; Run never panics. Cancellation is checked between iterations and
// does not publish an event: on restart the task is resumed as pending.
func Run(ctx context.Context, rt *Runtime, handler Handler) (err error) {
	logger := rt.logger()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			publishFailure(rt, logger, err, debug.Stack())
		}
	}()

	for {
		outcome, procErr := handler.Process(ctx, rt)
		if procErr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			publishFailure(rt, logger, procErr, debug.Stack())
			return procErr
		}
		if outcome.Done {
			return nil
		}

		pause := outcome.Sleep
		switch {
		case pause == Immediate:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		case pause == 0:
			pause = rt.defaultSleep()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pause):
		}
	}
}

// publishFailure emits the terminal error event. Stack traces are mandatory:
// the event stream is the only window operators have into worker-side
// failures.
func publishFailure(rt *Runtime, logger *slog.Logger, cause error, stack []byte) {
	logger.Error("task failed",
		logging.Error(cause),
		logging.String(logging.FieldStack, string(stack)))

	if rt.Publisher == nil {
		return
	}
	event := coordinator.Event{
		"error": cause.Error(),
		"stack": string(stack),
		"done":  1,
	}
	publishCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := rt.Publisher.Publish(publishCtx, event); err != nil {
		logger.Error("failed to publish terminal error event", logging.Error(err))
	}
}

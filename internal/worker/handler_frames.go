package worker

import (
	"context"
	"time"

	"emworker/internal/coordinator"
	"emworker/internal/frames"
	"emworker/internal/inventory"
	"emworker/internal/services"
	"emworker/internal/task"
)

// framesHandler publishes the frames-root usage report, but only when it
// changed since the previous pass.
type framesHandler struct {
	monitor *frames.Monitor
}

func newFramesHandler() *framesHandler {
	return &framesHandler{}
}

func (h *framesHandler) Process(ctx context.Context, rt *task.Runtime) (task.Outcome, error) {
	if h.monitor == nil {
		root := firstNonEmpty(rt.Task.ArgString("root"), rt.Config.Paths.FramesRoot)
		if root == "" {
			return task.Outcome{}, services.Wrap(services.ErrConfiguration, "frames", "initialize",
				"no frames root configured", nil)
		}
		classifier := inventory.NewClassifier(
			rt.Config.Acquisition.MoviePatterns,
			rt.Config.Acquisition.MetadataExtensions)
		h.monitor = frames.NewMonitor(root, classifier)
	}

	report, changed, err := h.monitor.Observe(ctx)
	if err != nil {
		return task.Outcome{}, err
	}
	if changed {
		event := coordinator.Event{
			"entries": report.Entries,
			"usage":   report.Usage,
		}
		if err := rt.Publisher.Publish(ctx, event); err != nil {
			return task.Outcome{}, err
		}
	}

	interval := time.Duration(rt.Config.Worker.FramesReportInterval) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return task.Outcome{Sleep: interval}, nil
}

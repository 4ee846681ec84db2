package worker

import (
	"fmt"

	"emworker/internal/coordinator"
	"emworker/internal/services"
	"emworker/internal/task"
)

// newHandler maps a claimed task to its handler. Session tasks carry an
// action argument that selects the concrete behavior.
func (w *Worker) newHandler(t coordinator.Task) (task.Handler, error) {
	switch t.Name {
	case "session":
		action := t.ArgString("action")
		switch action {
		case "", "transfer":
			return newTransferHandler(), nil
		case "otf":
			return newOTFHandler(), nil
		default:
			return nil, services.Wrap(services.ErrContract, t.Name, "dispatch",
				fmt.Sprintf("unknown session action %q", action), nil)
		}
	case "frames":
		return newFramesHandler(), nil
	case "command":
		return newCommandHandler(), nil
	default:
		return nil, services.Wrap(services.ErrContract, t.Name, "dispatch",
			fmt.Sprintf("unknown task name %q", t.Name), nil)
	}
}

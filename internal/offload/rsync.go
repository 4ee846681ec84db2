package offload

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// commandRunner executes an external copy command. Injected in tests.
type commandRunner func(ctx context.Context, name string, args ...string) error

// rsyncRunner shells out to rsync and folds its output into the error.
func rsyncRunner(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}

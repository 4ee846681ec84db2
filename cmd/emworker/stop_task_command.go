package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"emworker/internal/ipc"
)

func newStopTaskCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stop-task <task-id>",
		Short: "Cancel a running task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid task id %q", args[0])
			}
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.StopTask(id)
				if err != nil {
					return err
				}
				stdout := cmd.OutOrStdout()
				if resp == nil || !resp.Stopped {
					fmt.Fprintf(stdout, "Task %d is not running\n", id)
					return nil
				}
				fmt.Fprintf(stdout, "Stopped task %d\n", id)
				return nil
			})
		},
	}
}

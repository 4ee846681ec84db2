package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"emworker/internal/ipc"
)

func newHealthCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check daemon liveness and state database health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Ping()
				if err != nil {
					return err
				}
				stdout := cmd.OutOrStdout()
				colorize := shouldColorize(stdout)
				fmt.Fprintln(stdout, renderStatusLine("Daemon", statusOK, "Reachable", colorize))
				if resp.Healthy {
					fmt.Fprintln(stdout, renderStatusLine("State DB", statusOK, "Healthy", colorize))
					return nil
				}
				detail := resp.Message
				if detail == "" {
					detail = "unhealthy"
				}
				fmt.Fprintln(stdout, renderStatusLine("State DB", statusError, detail, colorize))
				return fmt.Errorf("state database unhealthy")
			})
		},
	}
}

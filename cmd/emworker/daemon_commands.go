package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"emworker/internal/daemonctl"
	"emworker/internal/ipc"
)

func newDaemonCommands(ctx *commandContext) []*cobra.Command {
	var startLogLevel string
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the worker daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			exe, err := daemonExecutable()
			if err != nil {
				return err
			}

			result, err := daemonctl.EnsureStarted(
				ctx.socketPath(),
				exe,
				daemonLaunchOptions(ctx, startLogLevel),
				10*time.Second,
			)
			if err != nil {
				return err
			}

			if result.Launched {
				fmt.Fprintln(stdout, "Daemon not running, launching...")
			}

			switch result.State {
			case daemonctl.StartStateStarted:
				fmt.Fprintln(stdout, "Daemon started")
			case daemonctl.StartStateAlreadyRunning:
				fmt.Fprintln(stdout, "Daemon already running")
			case daemonctl.StartStateRequested:
				if strings.TrimSpace(result.Message) != "" {
					fmt.Fprintln(stdout, result.Message)
					return nil
				}
				fmt.Fprintln(stdout, "Start request sent")
			}
			return nil
		},
	}
	startCmd.Flags().StringVar(&startLogLevel, "log-level", "", "Override configured log level for the daemon")

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the worker daemon (completely terminates the process)",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			result, err := daemonctl.StopAndTerminate(ctx.socketPath(), ctx.configValue(), 5*time.Second)
			if errors.Is(err, daemonctl.ErrDaemonNotRunning) {
				fmt.Fprintln(stdout, "Daemon is not running")
				return nil
			}
			if err != nil {
				return err
			}
			if !result.StopAcknowledged {
				fmt.Fprintln(stdout, "Stop request sent")
			} else {
				fmt.Fprintln(stdout, "Stopping worker loop...")
			}
			if result.ForcedKill && result.PID > 0 {
				fmt.Fprintf(stdout, "Stopping daemon process (pid %d)...\n", result.PID)
			}
			fmt.Fprintln(stdout, "Daemon stopped")
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon and task status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := ctx.configValue()
			statusResp, err := daemonctl.BuildStatusSnapshot(cmd.Context(), ctx.socketPath(), cfg)
			if err != nil {
				return err
			}

			stdout := cmd.OutOrStdout()
			colorize := shouldColorize(stdout)

			for _, line := range renderSectionHeader("Worker Status", colorize) {
				fmt.Fprintln(stdout, line)
			}
			for _, line := range daemonStatusLines(statusResp, colorize) {
				fmt.Fprintln(stdout, line)
			}
			fmt.Fprintln(stdout)

			for _, line := range renderSectionHeader("Active Tasks", colorize) {
				fmt.Fprintln(stdout, line)
			}
			rows := buildTaskRows(statusResp.Tasks)
			if len(rows) == 0 {
				fmt.Fprintln(stdout, "No tasks running")
				return nil
			}
			table := renderTable(
				[]string{"ID", "Task", "Action", "Session", "Log"},
				rows,
				[]columnAlignment{alignRight, alignLeft, alignLeft, alignRight, alignLeft},
			)
			fmt.Fprintln(stdout, table)
			return nil
		},
	}

	var restartLogLevel string
	restartCmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart the worker daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			exe, err := daemonExecutable()
			if err != nil {
				return err
			}

			result, err := daemonctl.Restart(
				ctx.socketPath(),
				ctx.configValue(),
				exe,
				daemonLaunchOptions(ctx, restartLogLevel),
				5*time.Second,
				10*time.Second,
			)
			if err != nil {
				return err
			}

			if result.WasRunning {
				if result.Stop.ForcedKill && result.Stop.PID > 0 {
					fmt.Fprintf(stdout, "Stopping daemon process (pid %d)...\n", result.Stop.PID)
				}
				fmt.Fprintln(stdout, "Daemon stopped")
			}

			switch result.Start.State {
			case daemonctl.StartStateStarted, daemonctl.StartStateAlreadyRunning:
				fmt.Fprintln(stdout, "Daemon restarted")
			case daemonctl.StartStateRequested:
				if strings.TrimSpace(result.Start.Message) != "" {
					fmt.Fprintln(stdout, result.Start.Message)
					return nil
				}
				fmt.Fprintln(stdout, "Start request sent")
			}
			return nil
		},
	}
	restartCmd.Flags().StringVar(&restartLogLevel, "log-level", "", "Override configured log level for the daemon")

	return []*cobra.Command{startCmd, stopCmd, restartCmd, statusCmd}
}

func daemonStatusLines(status *ipc.StatusResponse, colorize bool) []string {
	lines := make([]string, 0, 6)
	if status.Running {
		detail := "Running"
		if !status.StartedAt.IsZero() {
			detail = fmt.Sprintf("Running (started %s)", humanize.Time(status.StartedAt))
		}
		lines = append(lines, renderStatusLine("Daemon", statusOK, detail, colorize))
	} else {
		lines = append(lines, renderStatusLine("Daemon", statusWarn, "Not running (run `emworker start`)", colorize))
	}
	if status.Worker != "" {
		lines = append(lines, renderStatusLine("Worker", statusInfo, status.Worker, colorize))
	}
	if status.CoordinatorURL != "" {
		lines = append(lines, renderStatusLine("Coordinator", statusInfo, status.CoordinatorURL, colorize))
	}
	if status.PID > 0 {
		lines = append(lines, renderStatusLine("PID", statusInfo, strconv.Itoa(status.PID), colorize))
	}
	if status.StateDBPath != "" {
		lines = append(lines, renderStatusLine("State DB", statusInfo, status.StateDBPath, colorize))
	}
	if strings.TrimSpace(status.LastError) != "" {
		lines = append(lines, renderStatusLine("Last Error", statusError, status.LastError, colorize))
	}
	return lines
}

func buildTaskRows(tasks []ipc.TaskInfo) [][]string {
	rows := make([][]string, 0, len(tasks))
	for _, t := range tasks {
		session := ""
		if t.SessionID > 0 {
			session = strconv.FormatInt(t.SessionID, 10)
		}
		rows = append(rows, []string{
			strconv.FormatInt(t.ID, 10),
			t.Name,
			t.Action,
			session,
			t.LogPath,
		})
	}
	return rows
}

func daemonExecutable() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("resolve executable: %w", err)
	}
	return exe, nil
}

func daemonLaunchOptions(ctx *commandContext, logLevel string) daemonctl.LaunchOptions {
	opts := daemonctl.LaunchOptions{LogLevel: strings.TrimSpace(logLevel)}
	if ctx.configFlag != nil {
		if config := strings.TrimSpace(*ctx.configFlag); config != "" {
			opts.ConfigPath = config
		}
	}
	return opts
}

// Package daemonrun wires configuration, logging, state, and the IPC
// server into a running daemon process.
package daemonrun

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/google/uuid"

	"emworker/internal/config"
	"emworker/internal/coordinator"
	"emworker/internal/daemon"
	"emworker/internal/ipc"
	"emworker/internal/logging"
	"emworker/internal/state"
	"emworker/internal/worker"
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel string
}

// Run starts the daemon and blocks until SIGINT, SIGTERM, or a worker
// loop failure. A failed worker surfaces as the returned error so the
// process exits non-zero.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	level := opts.LogLevel
	if level == "" {
		level = cfg.Logging.Level
	}
	logPath := filepath.Join(cfg.Paths.LogDir, "worker.log")
	logger, err := logging.New(logging.Options{
		Level:       level,
		Format:      cfg.Logging.Format,
		OutputPaths: []string{"stdout", logPath},
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	logger = logger.With(logging.String("run_id", uuid.NewString()))

	pidPath := filepath.Join(cfg.Paths.DataDir, "emworkerd.pid")
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	store, err := state.Open(cfg)
	if err != nil {
		logger.Error("open state store", logging.Error(err))
		return err
	}

	client, err := coordinator.New(cfg.Coordinator)
	if err != nil {
		store.Close()
		return fmt.Errorf("coordinator client: %w", err)
	}

	w := worker.New(cfg, client, store, logger)
	d, err := daemon.New(cfg, store, w, logger)
	if err != nil {
		store.Close()
		return fmt.Errorf("create daemon: %w", err)
	}
	defer d.Close()

	ipcServer, err := ipc.NewServer(signalCtx, cfg.SocketPath(), d, logger)
	if err != nil {
		return fmt.Errorf("start IPC server: %w", err)
	}
	defer ipcServer.Close()
	ipcServer.Serve()

	if err := d.Start(signalCtx); err != nil {
		logger.Error("worker start failed", logging.Error(err))
		return err
	}

	select {
	case <-signalCtx.Done():
		logger.Info("daemon shutting down")
		return nil
	case err := <-d.RunFailed():
		logger.Error("worker loop failed", logging.Error(err))
		return err
	}
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}

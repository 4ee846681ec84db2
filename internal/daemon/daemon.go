// Package daemon hosts the worker inside a single-instance background
// process and exposes its lifecycle to the IPC layer.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"emworker/internal/config"
	"emworker/internal/logging"
	"emworker/internal/state"
	"emworker/internal/worker"
)

// Daemon owns the worker loop and enforces one instance per host via a
// lock file next to the state database.
type Daemon struct {
	cfg     *config.Config
	store   *state.Store
	worker  *worker.Worker
	logger  *slog.Logger
	logPath string

	lockPath string
	lock     *flock.Flock

	running   atomic.Bool
	startedAt atomic.Int64

	mu        sync.Mutex
	cancel    context.CancelFunc
	runDone   chan struct{}
	lastError string

	runExit chan error
}

// Status is the daemon runtime snapshot served over IPC.
type Status struct {
	Running        bool
	Worker         string
	CoordinatorURL string
	PID            int
	StartedAt      time.Time
	LastError      string
	LockPath       string
	StateDBPath    string
	Tasks          []worker.TaskSummary
}

// New constructs a daemon with initialized dependencies.
func New(cfg *config.Config, store *state.Store, w *worker.Worker, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || store == nil || w == nil {
		return nil, errors.New("daemon requires config, store, and worker")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	lockPath := filepath.Join(cfg.Paths.DataDir, "emworkerd.lock")
	return &Daemon{
		cfg:      cfg,
		store:    store,
		worker:   w,
		logger:   logger,
		logPath:  filepath.Join(cfg.Paths.LogDir, "worker.log"),
		lockPath: lockPath,
		lock:     flock.New(lockPath),
		runExit:  make(chan error, 1),
	}, nil
}

// Start acquires the instance lock and launches the worker loop. The loop
// keeps running until Stop or context cancellation.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another emworker daemon holds the lock")
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	d.mu.Lock()
	d.cancel = cancel
	d.runDone = done
	d.lastError = ""
	d.mu.Unlock()

	d.running.Store(true)
	d.startedAt.Store(time.Now().Unix())

	go func() {
		defer close(done)
		err := d.worker.Run(runCtx)
		if err != nil && runCtx.Err() == nil {
			d.logger.Error("worker loop ended", logging.Error(err))
			d.mu.Lock()
			d.lastError = err.Error()
			d.mu.Unlock()
			select {
			case d.runExit <- err:
			default:
			}
		}
		d.running.Store(false)
	}()

	d.logger.Info("daemon started",
		logging.String("lock", d.lockPath),
		logging.Int("pid", os.Getpid()))
	return nil
}

// Stop ends the worker loop and releases the instance lock. It waits for
// running task handlers to return.
func (d *Daemon) Stop() {
	d.mu.Lock()
	cancel := d.cancel
	done := d.runDone
	d.cancel = nil
	d.runDone = nil
	d.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	d.worker.Stop()
	if done != nil {
		<-done
	}
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("daemon stopped")
}

// StopTask cancels a single running task. It reports whether the task
// was found.
func (d *Daemon) StopTask(id int64) bool {
	return d.worker.StopTask(id)
}

// RunFailed delivers the error that ended the worker loop when the loop
// died without being asked to stop. The daemon process exits non-zero on
// it instead of lingering with a dead worker.
func (d *Daemon) RunFailed() <-chan error {
	return d.runExit
}

// Close stops the daemon and releases the state store.
func (d *Daemon) Close() error {
	d.Stop()
	return d.store.Close()
}

// LogPath returns the daemon log file consumed by the IPC log tail.
func (d *Daemon) LogPath() string {
	return d.logPath
}

// Healthy reports whether the local state database answers.
func (d *Daemon) Healthy(ctx context.Context) error {
	return d.store.Healthy(ctx)
}

// Status returns the current daemon snapshot.
func (d *Daemon) Status() Status {
	d.mu.Lock()
	lastError := d.lastError
	d.mu.Unlock()

	status := Status{
		Running:        d.running.Load(),
		Worker:         d.cfg.Worker.Name,
		CoordinatorURL: d.cfg.Coordinator.URL,
		PID:            os.Getpid(),
		LastError:      lastError,
		LockPath:       d.lockPath,
		StateDBPath:    d.store.Path(),
		Tasks:          d.worker.TaskSummaries(),
	}
	if started := d.startedAt.Load(); started > 0 && status.Running {
		status.StartedAt = time.Unix(started, 0)
	}
	return status
}

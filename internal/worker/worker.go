// Package worker hosts the long-lived supervisor: it authenticates against
// the coordinator, claims tasks, and drives one handler goroutine per task.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"emworker/internal/config"
	"emworker/internal/coordinator"
	"emworker/internal/logging"
	"emworker/internal/services"
	"emworker/internal/state"
	"emworker/internal/task"
)

// Worker owns the coordinator connection and the registry of running task
// handlers.
type Worker struct {
	cfg    *config.Config
	client *coordinator.Client
	store  *state.Store
	logger *slog.Logger
	guard  *task.Guard

	mu      sync.Mutex
	tasks   map[int64]*runningTask
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type runningTask struct {
	task    coordinator.Task
	handler task.Handler
	cancel  context.CancelFunc
}

// New builds a worker from its collaborators.
func New(cfg *config.Config, client *coordinator.Client, store *state.Store, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Worker{
		cfg:    cfg,
		client: client,
		store:  store,
		logger: logger,
		guard:  task.NewGuard(),
		tasks:  make(map[int64]*runningTask),
	}
}

// Specs describes this host to the coordinator at connect time.
func Specs() map[string]any {
	hostname, _ := os.Hostname()
	return map[string]any{
		"hostname": hostname,
		"cpus":     runtime.NumCPU(),
		"platform": runtime.GOOS,
	}
}

// Run connects, resumes pending tasks, and polls for new ones until the
// context is cancelled. Authentication failures on startup are fatal;
// everything after first contact is retried.
func (w *Worker) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("worker already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.running = true
	w.cancel = cancel
	w.mu.Unlock()
	defer w.shutdown()

	if err := w.connect(runCtx); err != nil {
		return err
	}
	if err := w.resumePending(runCtx); err != nil {
		w.logger.Warn("resuming pending tasks failed", logging.Error(err))
	}

	w.pollLoop(runCtx)
	return nil
}

// Stop asks the worker to shut down and waits for every handler to return.
func (w *Worker) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	w.wg.Wait()
}

func (w *Worker) shutdown() {
	w.wg.Wait()
	logoutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.client.Logout(logoutCtx); err != nil {
		w.logger.Warn("logout failed", logging.Error(err))
	}
	w.mu.Lock()
	w.running = false
	w.cancel = nil
	w.mu.Unlock()
}

func (w *Worker) connect(ctx context.Context) error {
	if err := w.client.Login(ctx, w.cfg.Coordinator.Username, w.cfg.Coordinator.Password); err != nil {
		return services.Wrap(services.ErrConfiguration, "worker", "login",
			"cannot authenticate against coordinator", err)
	}
	name := w.cfg.Worker.Name
	token, err := w.client.ConnectWorker(ctx, name, Specs())
	if err != nil {
		return services.Wrap(services.ErrConfiguration, "worker", "connect",
			"coordinator rejected worker registration", err)
	}
	w.logger.Info("connected",
		logging.String("worker", name),
		logging.String("token", token[:min(8, len(token))]+"…"))
	return nil
}

// resumePending asks the coordinator for tasks this worker claimed but never
// finished and restarts a handler for each. Handlers rediscover committed
// side effects, so resuming is safe after a crash.
func (w *Worker) resumePending(ctx context.Context) error {
	pending, err := w.client.GetPendingTasks(ctx)
	if err != nil {
		return err
	}
	for _, t := range pending {
		w.startTask(ctx, t)
	}
	if len(pending) > 0 {
		w.logger.Info("resumed pending tasks", logging.Int("count", len(pending)))
	}
	return nil
}

func (w *Worker) pollLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		tasks, err := w.client.GetNewTasks(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Warn("task poll failed", logging.Error(err))
			wait := time.Duration(w.cfg.Worker.EventRetryWait) * time.Second
			if wait <= 0 {
				wait = 10 * time.Second
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		for _, t := range tasks {
			w.startTask(ctx, t)
		}
	}
}

// startTask registers the task and launches its handler goroutine. A task id
// already running is ignored.
func (w *Worker) startTask(ctx context.Context, t coordinator.Task) {
	w.mu.Lock()
	if _, exists := w.tasks[t.ID]; exists {
		w.mu.Unlock()
		return
	}
	taskCtx, cancel := context.WithCancel(ctx)
	handler, err := w.newHandler(t)
	if err != nil {
		w.mu.Unlock()
		cancel()
		w.rejectTask(ctx, t, err)
		return
	}
	entry := &runningTask{task: t, handler: handler, cancel: cancel}
	w.tasks[t.ID] = entry
	w.mu.Unlock()

	sessionID, _ := t.ArgInt64("session_id")
	if err := w.store.SaveTask(ctx, state.ClaimedTask{
		ID:        t.ID,
		Name:      t.Name,
		SessionID: sessionID,
		Args:      t.Args,
	}); err != nil {
		w.logger.Warn("persisting claimed task failed", logging.Error(err))
	}

	taskLogger, closeLog := w.taskLogger(t)
	taskLogger = taskLogger.With(logging.String("run_id", uuid.NewString()))
	rt := &task.Runtime{
		Task:      t,
		Config:    w.cfg,
		Client:    w.client,
		Store:     w.store,
		Logger:    taskLogger,
		Publisher: w.newPublisher(t.ID, taskLogger),
		OTF:       hostOTF{w: w},
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer closeLog()
		defer cancel()

		taskLogger.Info("task started",
			logging.Int64(logging.FieldTaskID, t.ID),
			logging.String(logging.FieldTaskName, t.Name))
		runErr := task.Run(taskCtx, rt, handler)

		w.mu.Lock()
		delete(w.tasks, t.ID)
		w.mu.Unlock()
		w.guard.Release(t.ID)

		if runErr == nil || taskCtx.Err() == nil {
			// Finished (cleanly or with a published error): forget the claim.
			cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cleanupCancel()
			if err := w.store.DeleteTask(cleanupCtx, t.ID); err != nil {
				w.logger.Warn("forgetting finished task failed", logging.Error(err))
			}
		}
		taskLogger.Info("task ended",
			logging.Int64(logging.FieldTaskID, t.ID))
	}()
}

// rejectTask reports a task the worker cannot dispatch, e.g. an unknown
// name. The claim is terminated so the coordinator does not wait forever.
func (w *Worker) rejectTask(ctx context.Context, t coordinator.Task, cause error) {
	w.logger.Error("cannot dispatch task",
		logging.Int64(logging.FieldTaskID, t.ID),
		logging.String(logging.FieldTaskName, t.Name),
		logging.Error(cause))
	pub := w.newPublisher(t.ID, w.logger)
	event := coordinator.Event{"error": cause.Error(), "done": 1}
	if err := pub.Publish(ctx, event); err != nil {
		w.logger.Error("failed to report undispatchable task", logging.Error(err))
	}
}

func (w *Worker) newPublisher(taskID int64, logger *slog.Logger) *task.EventPublisher {
	wait := time.Duration(w.cfg.Worker.EventRetryWait) * time.Second
	if wait <= 0 {
		wait = 10 * time.Second
	}
	return task.NewEventPublisher(w.client, taskID, logger, task.WithRetryWait(wait))
}

func (w *Worker) taskLogger(t coordinator.Task) (*slog.Logger, func()) {
	path := w.cfg.TaskLogPath(t.Name, t.ID)
	taskLogger, closer, err := logging.TaskLogger(w.logger, path)
	if err != nil {
		w.logger.Warn("per-task log unavailable",
			logging.String("path", path), logging.Error(err))
		return w.logger, func() {}
	}
	return taskLogger, func() { _ = closer() }
}

// RunningTasks returns the ids of tasks currently owned by this worker.
func (w *Worker) RunningTasks() []int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]int64, 0, len(w.tasks))
	for id := range w.tasks {
		ids = append(ids, id)
	}
	return ids
}

// TaskSummary describes one running task for status reporting.
type TaskSummary struct {
	ID        int64
	Name      string
	Action    string
	SessionID int64
	LogPath   string
}

// TaskSummaries returns a snapshot of the running tasks sorted by id.
func (w *Worker) TaskSummaries() []TaskSummary {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]TaskSummary, 0, len(w.tasks))
	for id, entry := range w.tasks {
		sessionID, _ := entry.task.ArgInt64("session_id")
		out = append(out, TaskSummary{
			ID:        id,
			Name:      entry.task.Name,
			Action:    entry.task.ArgString("action"),
			SessionID: sessionID,
			LogPath:   w.cfg.TaskLogPath(entry.task.Name, id),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// hostOTF adapts the worker registry to the one-OTF-per-host policy: when a
// task claims the slot, every displaced task is asked to stop its pipeline
// and then cancelled.
type hostOTF struct {
	w *Worker
}

type pipelineStopper interface {
	StopPipeline(ctx context.Context)
}

func (h hostOTF) Claim(taskID int64) []int64 {
	displaced := h.w.guard.Claim(taskID)
	for _, id := range displaced {
		h.w.stopDisplacedTask(id)
	}
	return displaced
}

func (h hostOTF) Release(taskID int64) {
	h.w.guard.Release(taskID)
}

// StopTask cancels a running task at operator request. The claim is
// removed so the task does not resume on restart.
func (w *Worker) StopTask(id int64) bool {
	w.mu.Lock()
	_, ok := w.tasks[id]
	w.mu.Unlock()
	if !ok {
		return false
	}
	w.stopDisplacedTask(id)
	return true
}

func (w *Worker) stopDisplacedTask(id int64) {
	w.mu.Lock()
	entry := w.tasks[id]
	w.mu.Unlock()
	if entry == nil {
		return
	}
	if stopper, ok := entry.handler.(pipelineStopper); ok {
		stopCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		stopper.StopPipeline(stopCtx)
		cancel()
	}
	entry.cancel()

	// The displaced task published its terminal event in StopPipeline; its
	// claim must not be resumed on restart.
	cleanupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.store.DeleteTask(cleanupCtx, id); err != nil {
		w.logger.Warn("forgetting displaced task failed", logging.Error(err))
	}
}

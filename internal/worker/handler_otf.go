package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"emworker/internal/config"
	"emworker/internal/coordinator"
	"emworker/internal/epu"
	"emworker/internal/logging"
	"emworker/internal/otf"
	"emworker/internal/services"
	"emworker/internal/task"
)

// otfHandler owns one session's on-the-fly processing project: it builds
// the project once enough movies exist, launches the pipeline, feeds the
// movies table while the pipeline runs, and reports the terminal status.
type otfHandler struct {
	// mu serializes Process iterations against StopPipeline; every field
	// below is guarded by it.
	mu          sync.Mutex
	rt          *task.Runtime
	sessionID   int64
	otfPath     string
	rawPath     string
	workflow    string
	status      coordinator.OTFStatus
	cryoloModel string
	session     *coordinator.Session

	launcher   *otf.Launcher
	epuSession *epu.Session
	claimed    bool
}

func newOTFHandler() *otfHandler {
	return &otfHandler{}
}

func (h *otfHandler) Process(ctx context.Context, rt *task.Runtime) (task.Outcome, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rt = rt

	if h.session == nil {
		outcome, ready, err := h.initialize(ctx, rt)
		if err != nil || !ready {
			return outcome, err
		}
	}

	if h.status.Terminal() {
		return h.finishWith(ctx, rt, h.status, nil)
	}

	projectExists := false
	if _, err := os.Stat(h.otfPath); err == nil {
		projectExists = true
	}

	// The rebuild request applies to the pre-launch phase only; once the
	// pipeline has been launched, further iterations supervise the project
	// they started instead of tearing it down again.
	rebuild := rt.Task.ArgString("create_otf_folder") == "true" &&
		(h.status == "" || h.status == coordinator.OTFCreated)
	if !projectExists || rebuild {
		return h.maybeBuild(ctx, rt, projectExists)
	}
	return h.superviseIteration(ctx, rt)
}

// initialize loads the session and resolves the project parameters. It
// reports ready=false while the raw record is not yet available, which is
// normal early in a session.
func (h *otfHandler) initialize(ctx context.Context, rt *task.Runtime) (task.Outcome, bool, error) {
	sessionID, ok := rt.Task.ArgInt64("session_id")
	if !ok {
		return task.Outcome{}, false, services.Wrap(services.ErrContract, "otf", "initialize",
			"task has no session_id argument", nil)
	}
	session, err := rt.Client.GetSession(ctx, sessionID)
	if err != nil {
		return task.Outcome{}, false, err
	}
	if session == nil {
		return task.Outcome{}, false, services.Wrap(services.ErrContract, "otf", "initialize",
			fmt.Sprintf("session %d not found", sessionID), nil)
	}
	if session.Extra.Raw == nil || session.Extra.Raw.Path == "" {
		rt.Logger.Debug("raw record not ready yet")
		return task.Outcome{}, false, nil
	}

	h.sessionID = sessionID
	h.session = session
	h.rawPath = session.Extra.Raw.Path

	record := session.Extra.OTF
	h.workflow = firstNonEmpty(rt.Task.ArgString("workflow"), recordWorkflow(record), "none")
	h.cryoloModel = firstNonEmpty(rt.Task.ArgString("cryolo_model"), recordModel(record))
	if record != nil {
		h.status = record.Status
		h.otfPath = record.Path
	}
	if h.otfPath == "" {
		h.otfPath = filepath.Join(rt.Config.Paths.OTFRoot,
			fmt.Sprintf("%s_%05d", session.Name, sessionID))
	}
	return task.Outcome{}, true, nil
}

// maybeBuild creates and launches the project once the movie count clears
// the threshold. forceRebuild rebuilds an existing project on explicit
// request.
func (h *otfHandler) maybeBuild(ctx context.Context, rt *task.Runtime, forceRebuild bool) (task.Outcome, error) {
	session, err := rt.Client.GetSession(ctx, h.sessionID)
	if err != nil {
		return task.Outcome{}, err
	}
	movies := 0
	if session != nil && session.Extra.Raw != nil {
		movies = session.Extra.Raw.Movies
	}
	threshold := rt.Config.OTF.LaunchThreshold
	if threshold <= 0 {
		threshold = otf.LaunchThresholdDefault
	}
	if movies <= threshold && !forceRebuild {
		rt.Logger.Debug("waiting for movies",
			logging.Int("movies", movies),
			logging.Int("threshold", threshold))
		return task.Outcome{}, nil
	}

	// One OTF per host: displace whoever holds the slot first.
	displaced := rt.OTF.Claim(rt.Task.ID)
	h.claimed = true
	if len(displaced) > 0 {
		if err := rt.Publisher.Publish(ctx, coordinator.Event{"stopped_tasks": displaced}); err != nil {
			return task.Outcome{}, err
		}
	}

	workflowCfg, err := h.resolveWorkflow(ctx, rt)
	if err != nil {
		return task.Outcome{}, err
	}

	spec := otf.ProjectSpec{
		OTFPath:     h.otfPath,
		RawPath:     h.rawPath,
		Workflow:    h.workflow,
		Options:     workflowCfg.Options,
		GainPattern: rt.Config.Acquisition.GainPattern,
		GainsDir:    rt.Config.Paths.GainsDir,
		CryoloModel: h.cryoloModel,
		SessionID:   h.sessionID,
		SessionName: h.session.Name,
		Group:       firstNonEmpty(rt.Task.ArgString("group"), h.session.AcquisitionString("group")),
		User:        firstNonEmpty(rt.Task.ArgString("user"), h.session.AcquisitionString("user")),
		Operator:    rt.Task.ArgString("operator"),
		Microscope:  firstNonEmpty(rt.Task.ArgString("microscope"), h.session.AcquisitionString("microscope")),
		Acquisition: acquisitionStrings(h.session),
	}
	if err := otf.Build(spec, rt.Logger); err != nil {
		return task.Outcome{}, err
	}
	if err := h.setStatus(ctx, rt, coordinator.OTFCreated); err != nil {
		return task.Outcome{}, err
	}
	return h.launch(ctx, rt, &workflowCfg)
}

// launch starts the pipeline for a created project. It also serves the
// restart path, where the handler finds a project that was built but never
// launched; workflowCfg is nil there and resolved on demand.
func (h *otfHandler) launch(ctx context.Context, rt *task.Runtime, workflowCfg *config.WorkflowConfig) (task.Outcome, error) {
	if h.workflow == "none" {
		return h.finishWith(ctx, rt, coordinator.OTFCreated, coordinator.Event{"done": 1})
	}
	if workflowCfg == nil {
		resolved, err := h.resolveWorkflow(ctx, rt)
		if err != nil {
			return task.Outcome{}, err
		}
		workflowCfg = &resolved
	}

	if !h.claimed {
		displaced := rt.OTF.Claim(rt.Task.ID)
		h.claimed = true
		if len(displaced) > 0 {
			if err := rt.Publisher.Publish(ctx, coordinator.Event{"stopped_tasks": displaced}); err != nil {
				return task.Outcome{}, err
			}
		}
	}

	h.launcher = otf.NewLauncher(workflowCfg.Command, h.otfPath, h.sessionID, rt.Logger)
	if err := h.launcher.Start(); err != nil {
		return task.Outcome{}, err
	}
	if err := h.setStatus(ctx, rt, coordinator.OTFLaunched); err != nil {
		return task.Outcome{}, err
	}
	if err := rt.Publisher.Publish(ctx, coordinator.Event{
		"otf_path":   h.otfPath,
		"otf_status": string(coordinator.OTFLaunched),
	}); err != nil {
		return task.Outcome{}, err
	}
	return task.Outcome{Sleep: task.Immediate}, nil
}

// resolveWorkflow merges the locally configured workflow with the
// coordinator's sessions config document, coordinator values winning.
// A coordinator that does not serve the document leaves the local
// configuration in effect.
func (h *otfHandler) resolveWorkflow(ctx context.Context, rt *task.Runtime) (config.WorkflowConfig, error) {
	workflowCfg, ok := rt.Config.OTF.Workflows[h.workflow]
	if !ok && h.workflow != "none" {
		return config.WorkflowConfig{}, services.Wrap(services.ErrConfiguration, "otf", "build",
			fmt.Sprintf("workflow %q not configured", h.workflow), nil)
	}

	remote, err := rt.Client.GetConfig(ctx, "sessions")
	if err != nil {
		rt.Logger.Warn("coordinator sessions config unavailable, using local workflow options",
			logging.Error(err))
		return workflowCfg, nil
	}
	raw, ok := remote["otf"]
	if !ok {
		return workflowCfg, nil
	}
	var workflows map[string]struct {
		Command string            `json:"command"`
		Options map[string]string `json:"options"`
	}
	if err := json.Unmarshal(raw, &workflows); err != nil {
		rt.Logger.Warn("coordinator sessions config malformed, using local workflow options",
			logging.Error(err))
		return workflowCfg, nil
	}
	entry, ok := workflows[h.workflow]
	if !ok {
		return workflowCfg, nil
	}
	if entry.Command != "" {
		workflowCfg.Command = entry.Command
	}
	if len(entry.Options) > 0 {
		merged := make(map[string]string, len(workflowCfg.Options)+len(entry.Options))
		for key, value := range workflowCfg.Options {
			merged[key] = value
		}
		for key, value := range entry.Options {
			merged[key] = value
		}
		workflowCfg.Options = merged
	}
	return workflowCfg, nil
}

// superviseIteration feeds the movies table and watches the pipeline.
func (h *otfHandler) superviseIteration(ctx context.Context, rt *task.Runtime) (task.Outcome, error) {
	if h.epuSession == nil {
		if err := h.openEPUSession(rt); err != nil {
			return task.Outcome{}, err
		}
	}
	if _, err := h.epuSession.Scan(ctx); err != nil {
		return task.Outcome{}, err
	}

	if h.launcher == nil {
		// Resumed after a restart. A project that was built but never
		// launched still needs its pipeline started. Otherwise the
		// pipeline is no longer ours; once its processes are gone, the
		// run is over.
		if h.status == coordinator.OTFCreated {
			return h.launch(ctx, rt, nil)
		}
		if len(otf.FindByWorkingDir(h.otfPath)) == 0 && h.status != "" {
			return h.finishWith(ctx, rt, coordinator.OTFStopped, coordinator.Event{"done": 1})
		}
		return task.Outcome{}, nil
	}

	if exited, exitErr := h.launcher.ExitState(); exited {
		status := coordinator.OTFFinished
		if exitErr != nil {
			rt.Logger.Warn("pipeline exited with error", logging.Error(exitErr))
			status = coordinator.OTFStopped
		}
		return h.finishWith(ctx, rt, status, coordinator.Event{"done": 1})
	}
	if h.status == coordinator.OTFLaunched && h.launcher.Alive() {
		if err := h.setStatus(ctx, rt, coordinator.OTFRunning); err != nil {
			return task.Outcome{}, err
		}
	}
	return task.Outcome{}, nil
}

func (h *otfHandler) openEPUSession(rt *task.Runtime) error {
	starPath := filepath.Join(h.otfPath, "EPU", "movies.star")
	cursor, err := epu.LastStarMovie(starPath)
	if err != nil {
		return err
	}
	session, err := epu.NewSession(h.rawPath, starPath, filepath.Join(h.otfPath, "EPU"), rt.Logger)
	if err != nil {
		return err
	}
	session.Resume(cursor)
	h.epuSession = session
	return nil
}

// setStatus transitions the OTF record, enforcing the lifecycle, and
// PATCHes only the otf subkey of the session extra.
func (h *otfHandler) setStatus(ctx context.Context, rt *task.Runtime, next coordinator.OTFStatus) error {
	if h.status == next {
		return nil
	}
	if !h.status.CanTransition(next) {
		return services.Wrap(services.ErrContract, "otf", "set status",
			fmt.Sprintf("illegal transition %s -> %s", h.status, next), nil)
	}
	hostname, _ := os.Hostname()
	record := coordinator.OTFRecord{
		Path:        h.otfPath,
		Status:      next,
		Workflow:    h.workflow,
		CryoloModel: h.cryoloModel,
		Host:        hostname,
	}
	if _, err := rt.Client.UpdateSessionExtra(ctx, h.sessionID, map[string]any{"otf": record}); err != nil {
		return err
	}
	h.status = next
	rt.Logger.Info("otf status", logging.String("status", string(next)))
	return nil
}

func (h *otfHandler) finishWith(ctx context.Context, rt *task.Runtime, status coordinator.OTFStatus, event coordinator.Event) (task.Outcome, error) {
	if h.epuSession != nil {
		if err := h.epuSession.Close(); err != nil {
			rt.Logger.Warn("closing movies table failed", logging.Error(err))
		}
		h.epuSession = nil
	}
	if !h.status.Terminal() && h.status != status && h.status.CanTransition(status) {
		if err := h.setStatus(ctx, rt, status); err != nil {
			return task.Outcome{}, err
		}
	}
	if h.claimed {
		rt.OTF.Release(rt.Task.ID)
		h.claimed = false
	}
	if event == nil {
		event = coordinator.Event{"done": 1}
	}
	event["otf_status"] = string(h.status)
	if err := rt.Publisher.Publish(ctx, event); err != nil {
		return task.Outcome{}, err
	}
	return task.Outcome{Done: true}, nil
}

// StopPipeline executes the stop sequence on behalf of a displacing task:
// terminate the pipeline processes, set the status to stopped, and publish
// the terminal event.
func (h *otfHandler) StopPipeline(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rt == nil {
		return
	}

	if h.launcher != nil {
		h.launcher.Stop()
	} else if h.otfPath != "" {
		otf.TerminateByWorkingDir(h.otfPath)
	}
	if _, err := h.finishWith(ctx, h.rt, coordinator.OTFStopped, coordinator.Event{"done": 1, "stopped": 1}); err != nil {
		h.rt.Logger.Warn("stop sequence publish failed", logging.Error(err))
	}
}

func recordWorkflow(record *coordinator.OTFRecord) string {
	if record == nil {
		return ""
	}
	return record.Workflow
}

func recordModel(record *coordinator.OTFRecord) string {
	if record == nil {
		return ""
	}
	return record.CryoloModel
}

func acquisitionStrings(session *coordinator.Session) map[string]string {
	out := make(map[string]string, len(session.Acquisition))
	for key := range session.Acquisition {
		out[key] = session.AcquisitionString(key)
	}
	return out
}

package worker

import (
	"context"
	"fmt"
	"time"

	"emworker/internal/coordinator"
	"emworker/internal/inventory"
	"emworker/internal/logging"
	"emworker/internal/offload"
	"emworker/internal/services"
	"emworker/internal/task"
)

// transferHandler drives the offload of one session's frames path to raw
// storage.
type transferHandler struct {
	sessionID  int64
	framesPath string
	rawPath    string
	offloader  *offload.Offloader
}

func newTransferHandler() *transferHandler {
	return &transferHandler{}
}

func (h *transferHandler) Process(ctx context.Context, rt *task.Runtime) (task.Outcome, error) {
	if h.offloader == nil {
		if err := h.initialize(ctx, rt); err != nil {
			return task.Outcome{}, err
		}
	}

	progress, err := h.offloader.Sweep(ctx)
	if err != nil {
		return task.Outcome{}, err
	}
	if len(progress.NewRecords) > 0 {
		if err := rt.Store.AddInventoryEntries(ctx, h.sessionID, progress.NewRecords); err != nil {
			rt.Logger.Warn("persisting inventory failed", logging.Error(err))
		}
	}
	if progress.NewFiles > 0 {
		if err := h.report(ctx, rt, progress, nil); err != nil {
			return task.Outcome{}, err
		}
	}

	if reason := h.offloader.ShouldStop(); reason != offload.StopNone {
		return h.finish(ctx, rt, progress, reason)
	}
	return task.Outcome{}, nil
}

// initialize resolves the frames and raw paths, stores them on the session
// the first time, and primes the inventory from the state cache plus a
// rescan of the raw path.
func (h *transferHandler) initialize(ctx context.Context, rt *task.Runtime) error {
	sessionID, ok := rt.Task.ArgInt64("session_id")
	if !ok {
		return services.Wrap(services.ErrContract, "transfer", "initialize",
			"task has no session_id argument", nil)
	}
	h.sessionID = sessionID

	session, err := rt.Client.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session == nil {
		return services.Wrap(services.ErrContract, "transfer", "initialize",
			fmt.Sprintf("session %d not found", sessionID), nil)
	}

	raw := session.Extra.Raw
	h.framesPath = rt.Task.ArgString("frames")
	if h.framesPath == "" && raw != nil {
		h.framesPath = raw.Frames
	}
	if h.framesPath == "" {
		return services.Wrap(services.ErrContract, "transfer", "initialize",
			"no frames path on task or session", nil)
	}

	if raw != nil && raw.Path != "" {
		h.rawPath = raw.Path
	} else {
		spec := offload.PathSpec{
			Group:      firstNonEmpty(rt.Task.ArgString("group"), session.AcquisitionString("group")),
			Microscope: firstNonEmpty(rt.Task.ArgString("microscope"), session.AcquisitionString("microscope"), fmt.Sprintf("resource_%d", session.ResourceID)),
			User:       firstNonEmpty(rt.Task.ArgString("user"), session.AcquisitionString("user")),
		}
		h.rawPath = offload.RawPath(rt.Config.Paths.RawRoot, spec, session.Name, time.Now())
		record := coordinator.RawRecord{Frames: h.framesPath, Path: h.rawPath}
		if _, err := rt.Client.UpdateSessionExtra(ctx, sessionID, map[string]any{"raw": record}); err != nil {
			return err
		}
		rt.Logger.Info("raw path assigned",
			logging.String("frames", h.framesPath),
			logging.String("path", h.rawPath))
	}

	cfg := rt.Config
	classifier := inventory.NewClassifier(cfg.Acquisition.MoviePatterns, cfg.Acquisition.MetadataExtensions)
	inv := inventory.New(classifier)
	if cached, err := rt.Store.LoadInventory(ctx, sessionID); err != nil {
		rt.Logger.Warn("inventory cache unavailable", logging.Error(err))
	} else {
		inv.Restore(cached)
	}

	h.offloader = offload.New(h.framesPath, h.rawPath, classifier, inv,
		offload.WithLogger(rt.Logger),
		offload.WithRsyncBinary(cfg.Transfer.RsyncBinary),
		offload.WithQuietWindow(time.Duration(cfg.Transfer.QuietWindow)*time.Second),
		offload.WithRetries(cfg.Transfer.CopyRetries, time.Second),
		offload.WithSentinel(cfg.Transfer.SentinelFile),
		offload.WithStopRules(
			time.Duration(cfg.Transfer.IdleStopDays)*24*time.Hour,
			time.Duration(cfg.Transfer.FirstFileStopDays)*24*time.Hour),
		offload.WithBatch(cfg.Transfer.BatchSize, func(ctx context.Context, p offload.Progress) error {
			return h.report(ctx, rt, p, nil)
		}),
	)

	found, err := h.offloader.Resume()
	if err != nil {
		return err
	}
	if found > 0 {
		rt.Logger.Info("resumed transfer", logging.Int("rediscovered", found))
	}
	return nil
}

// report publishes a progress event and refreshes the raw record on the
// session. extras adds event fields beyond the standard counters.
func (h *transferHandler) report(ctx context.Context, rt *task.Runtime, progress offload.Progress, extras coordinator.Event) error {
	totals := progress.Totals
	record := coordinator.RawRecord{
		Frames:            h.framesPath,
		Path:              h.rawPath,
		Movies:            totals.Movies,
		Size:              totals.Size,
		SizeH:             totals.SizeH,
		FirstFile:         totals.FirstFile,
		FirstFileCreation: coordinator.FormatTime(totals.FirstFileAt),
		LastFile:          totals.LastFile,
		LastFileCreation:  coordinator.FormatTime(totals.LastFileAt),
	}
	if _, err := rt.Client.UpdateSessionExtra(ctx, h.sessionID, map[string]any{"raw": record}); err != nil {
		return err
	}

	event := coordinator.Event{
		"new_files":    progress.NewFiles,
		"new_movies":   progress.NewMovies,
		"total_files":  totals.Files,
		"total_movies": totals.Movies,
		"size":         totals.Size,
		"sizeH":        totals.SizeH,
	}
	for key, value := range extras {
		event[key] = value
	}
	return rt.Publisher.Publish(ctx, event)
}

// finish publishes the terminal event, clears the cached inventory, and
// removes the frames folder when it holds no movies.
func (h *transferHandler) finish(ctx context.Context, rt *task.Runtime, progress offload.Progress, reason offload.StopReason) (task.Outcome, error) {
	rt.Logger.Info("transfer ending", logging.String("reason", string(reason)))

	removed, err := h.offloader.CleanupFrames()
	if err != nil {
		rt.Logger.Warn("frames cleanup failed", logging.Error(err))
	} else if removed {
		rt.Logger.Info("frames folder removed", logging.String("path", h.framesPath))
	}

	if err := h.report(ctx, rt, progress, coordinator.Event{
		"done":        1,
		"stop_reason": string(reason),
	}); err != nil {
		return task.Outcome{}, err
	}
	if err := rt.Store.ClearInventory(ctx, h.sessionID); err != nil {
		rt.Logger.Warn("clearing inventory cache failed", logging.Error(err))
	}
	return task.Outcome{Done: true}, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}

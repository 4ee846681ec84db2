// Package offload moves settled movie files from the acquisition host's
// frames path to durable raw storage, without touching files that are still
// being written.
package offload

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"emworker/internal/fileutil"
	"emworker/internal/inventory"
	"emworker/internal/logging"
	"emworker/internal/services"
)

// BatchFunc receives intermediate progress during a sweep, once per batch of
// newly handled files.
type BatchFunc func(ctx context.Context, progress Progress) error

// Progress summarizes one sweep.
type Progress struct {
	NewFiles  int
	NewMovies int
	// NewRecords lists the destination paths registered this sweep, for
	// persistence.
	NewRecords []inventory.Record
	Totals     inventory.Totals
}

type seenEntry struct {
	modTime time.Time
	seenAt  time.Time
}

// Offloader owns the transfer from one frames path to one raw path. A single
// offloader writes to a given raw path; the worker guarantees uniqueness by
// task id.
type Offloader struct {
	framesPath string
	rawPath    string
	classifier *inventory.Classifier
	inv        *inventory.Inventory
	logger     *slog.Logger

	runner      commandRunner
	rsyncBinary string
	quietWindow time.Duration
	copyRetries int
	retryWait   time.Duration
	batchSize   int
	onBatch     BatchFunc
	epuBackup   string
	sentinel    string
	idleStop    time.Duration
	firstStop   time.Duration
	clock       func() time.Time

	seen map[string]seenEntry
	// lastActivity is the newest mtime observed anywhere under the frames
	// path, settled or not.
	lastActivity time.Time
}

// Option customizes an Offloader.
type Option func(*Offloader)

// WithRunner injects the copy command runner, used by tests.
func WithRunner(r commandRunner) Option {
	return func(o *Offloader) { o.runner = r }
}

// WithRsyncBinary overrides the rsync executable name.
func WithRsyncBinary(bin string) Option {
	return func(o *Offloader) {
		if bin != "" {
			o.rsyncBinary = bin
		}
	}
}

// WithQuietWindow sets how long a file's mtime must hold still before it is
// transferred.
func WithQuietWindow(d time.Duration) Option {
	return func(o *Offloader) { o.quietWindow = d }
}

// WithRetries sets the per-file retry budget and the pause between attempts.
func WithRetries(count int, wait time.Duration) Option {
	return func(o *Offloader) {
		o.copyRetries = count
		o.retryWait = wait
	}
}

// WithBatch sets the progress batch size and callback.
func WithBatch(size int, fn BatchFunc) Option {
	return func(o *Offloader) {
		if size > 0 {
			o.batchSize = size
		}
		o.onBatch = fn
	}
}

// WithEPUBackupDir also copies grid-square thumbnails and sidecars into the
// processing project's EPU subtree.
func WithEPUBackupDir(dir string) Option {
	return func(o *Offloader) { o.epuBackup = dir }
}

// WithSentinel names the screening sentinel file for the no-movies stop rule.
func WithSentinel(name string) Option {
	return func(o *Offloader) { o.sentinel = name }
}

// WithStopRules sets the idle and first-file ages that end the transfer.
func WithStopRules(idle, first time.Duration) Option {
	return func(o *Offloader) {
		o.idleStop = idle
		o.firstStop = first
	}
}

// WithClock injects the time source, used by tests.
func WithClock(clock func() time.Time) Option {
	return func(o *Offloader) { o.clock = clock }
}

// WithLogger sets the offloader's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Offloader) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// New builds an offloader from frames path to raw path over a shared
// inventory. The inventory keys on destination paths, so a rescan of the raw
// path resumes a previous run.
func New(framesPath, rawPath string, classifier *inventory.Classifier, inv *inventory.Inventory, opts ...Option) *Offloader {
	o := &Offloader{
		framesPath:  framesPath,
		rawPath:     rawPath,
		classifier:  classifier,
		inv:         inv,
		logger:      logging.NewNop(),
		runner:      rsyncRunner,
		rsyncBinary: "rsync",
		quietWindow: time.Minute,
		copyRetries: 30,
		retryWait:   time.Second,
		batchSize:   32,
		sentinel:    "ScreeningSession.dm",
		idleStop:    3 * 24 * time.Hour,
		firstStop:   5 * 24 * time.Hour,
		clock:       time.Now,
		seen:        make(map[string]seenEntry),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Resume rescans the raw path so files offloaded by a previous run are not
// copied again. It returns the number of rediscovered files.
func (o *Offloader) Resume() (int, error) {
	return o.inv.Scan(o.rawPath)
}

// Sweep walks the frames path once: it notes new files on the seen list,
// transfers files whose mtime has been quiet for the full window, and
// reports what it moved. Metadata for a movie is always transferred before
// the movie itself.
func (o *Offloader) Sweep(ctx context.Context) (Progress, error) {
	now := o.clock()
	var metadata, movies []string

	err := filepath.WalkDir(o.framesPath, func(path string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if entry != nil && entry.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().After(o.lastActivity) {
			o.lastActivity = info.ModTime()
		}
		if o.inv.Contains(o.destination(path)) {
			return nil
		}

		prior, known := o.seen[path]
		switch {
		case !known || !prior.modTime.Equal(info.ModTime()):
			o.seen[path] = seenEntry{modTime: info.ModTime(), seenAt: now}
			// A file whose mtime already predates the quiet window is
			// settled on first sight.
			if now.Sub(info.ModTime()) < o.quietWindow {
				return nil
			}
		case now.Sub(prior.seenAt) < o.quietWindow:
			return nil
		}

		if o.classifier.IsMovie(entry.Name()) {
			movies = append(movies, path)
		} else {
			metadata = append(metadata, path)
		}
		return nil
	})
	if err != nil {
		return Progress{}, fmt.Errorf("sweep frames path: %w", err)
	}

	progress := Progress{}
	sinceBatch := 0
	handle := func(path string, move bool) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		dest := o.destination(path)
		if err := o.transfer(ctx, path, dest, move); err != nil {
			return err
		}
		info, err := os.Stat(dest)
		if err != nil {
			return services.Wrap(services.ErrTransient, "transfer", "stat destination", dest, err)
		}
		o.inv.Register(dest, info.Size(), info.ModTime())
		delete(o.seen, path)
		progress.NewFiles++
		progress.NewRecords = append(progress.NewRecords, inventory.Record{
			Path:     dest,
			FileStat: inventory.FileStat{Size: info.Size(), ModTime: info.ModTime()},
		})
		if move {
			progress.NewMovies++
		}
		sinceBatch++
		if o.onBatch != nil && sinceBatch >= o.batchSize {
			sinceBatch = 0
			progress.Totals = o.inv.Info()
			if err := o.onBatch(ctx, progress); err != nil {
				return err
			}
		}
		return nil
	}

	for _, path := range metadata {
		if err := handle(path, false); err != nil {
			return progress, err
		}
	}
	for _, path := range movies {
		if err := handle(path, true); err != nil {
			return progress, err
		}
	}

	progress.Totals = o.inv.Info()
	return progress, nil
}

// destination maps a frames-path file to its raw-path location, preserving
// the relative layout.
func (o *Offloader) destination(path string) string {
	rel, err := filepath.Rel(o.framesPath, path)
	if err != nil {
		rel = filepath.Base(path)
	}
	return filepath.Join(o.rawPath, rel)
}

// transfer copies (or moves) one settled file, retrying transient failures
// up to the configured budget. Grid-square metadata is additionally copied
// into the EPU backup subtree when one is configured.
func (o *Offloader) transfer(ctx context.Context, src, dest string, move bool) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return services.Wrap(services.ErrTransient, "transfer", "mkdir", filepath.Dir(dest), err)
	}

	var lastErr error
	for attempt := 1; attempt <= o.copyRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if move {
			lastErr = o.runner(ctx, o.rsyncBinary, "-ac", "--remove-source-files", src, dest)
			if errors.Is(lastErr, exec.ErrNotFound) {
				// Hosts without rsync still get the move, via a
				// checksum-verified copy plus source removal.
				lastErr = fileutil.MoveFile(src, dest)
			}
		} else {
			lastErr = fileutil.CopyFileVerified(src, dest)
		}
		if lastErr == nil {
			break
		}
		o.logger.Warn("transfer attempt failed",
			logging.String("file", src),
			logging.Int("attempt", attempt),
			logging.Error(lastErr))
		if attempt < o.copyRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(o.retryWait):
			}
		}
	}
	if lastErr != nil {
		return services.Wrap(services.ErrTransient, "transfer", "copy",
			fmt.Sprintf("giving up on %s after %d attempts", src, o.copyRetries), lastErr)
	}

	if o.epuBackup != "" && !move && inventory.IsGridSquare(filepath.Base(src)) {
		backup := filepath.Join(o.epuBackup, filepath.Base(src))
		if err := os.MkdirAll(o.epuBackup, 0o755); err == nil {
			if err := fileutil.CopyFile(src, backup); err != nil {
				o.logger.Warn("thumbnail backup failed",
					logging.String("file", src), logging.Error(err))
			}
		}
	}
	return nil
}

// StopReason explains why the transfer ended.
type StopReason string

const (
	StopNone      StopReason = ""
	StopIdle      StopReason = "no new files for the idle window"
	StopFirstFile StopReason = "first movie exceeded the session age limit"
	StopSentinel  StopReason = "screening sentinel with no movies"
)

// ShouldStop evaluates the stop rules against the current inventory and
// frames activity.
func (o *Offloader) ShouldStop() StopReason {
	now := o.clock()
	totals := o.inv.Info()

	if totals.Movies > 0 && !totals.LastFileAt.IsZero() {
		if now.Sub(totals.LastFileAt) > o.idleStop &&
			(o.lastActivity.IsZero() || now.Sub(o.lastActivity) > o.idleStop) {
			return StopIdle
		}
	}
	if totals.Movies > 0 && !totals.FirstFileAt.IsZero() && now.Sub(totals.FirstFileAt) > o.firstStop {
		return StopFirstFile
	}
	if totals.Movies == 0 && o.sentinel != "" {
		if info, err := os.Stat(filepath.Join(o.framesPath, o.sentinel)); err == nil {
			if now.Sub(info.ModTime()) > o.idleStop {
				return StopSentinel
			}
		}
	}
	return StopNone
}

// CleanupFrames removes the frames folder when it no longer holds any movie
// file. It reports whether the folder was removed.
func (o *Offloader) CleanupFrames() (bool, error) {
	hasMovies := false
	err := filepath.WalkDir(o.framesPath, func(path string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil
		}
		if !entry.IsDir() && o.classifier.IsMovie(entry.Name()) {
			hasMovies = true
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("inspect frames folder: %w", err)
	}
	if hasMovies {
		return false, nil
	}
	if err := os.RemoveAll(o.framesPath); err != nil {
		return false, services.Wrap(services.ErrTransient, "transfer", "remove frames folder", o.framesPath, err)
	}
	return true, nil
}

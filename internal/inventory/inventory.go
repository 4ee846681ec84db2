package inventory

import (
	"io/fs"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
)

// FileStat records the size and modification time captured when a path
// was first registered. Later changes on disk are deliberately ignored.
type FileStat struct {
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mtime"`
}

// Record is one registered path with its captured stat, used for
// persistence snapshots.
type Record struct {
	Path string `json:"path"`
	FileStat
}

// Totals aggregates the inventory for progress reporting. First/last
// fields are taken over movies ordered by modification time.
type Totals struct {
	Files       int
	Size        int64
	SizeH       string
	Movies      int
	FirstFile   string
	FirstFileAt time.Time
	LastFile    string
	LastFileAt  time.Time
}

// Inventory is a per-task registry of observed files. Not safe for
// concurrent use; each task owns its own instance.
type Inventory struct {
	classifier *Classifier
	files      map[string]FileStat

	totalSize int64
	movies    int

	firstMovie   string
	firstMovieAt time.Time
	lastMovie    string
	lastMovieAt  time.Time
}

// New creates an empty inventory using the given classifier.
func New(classifier *Classifier) *Inventory {
	return &Inventory{
		classifier: classifier,
		files:      make(map[string]FileStat),
	}
}

// Contains reports whether the path is already registered.
func (inv *Inventory) Contains(path string) bool {
	_, ok := inv.files[path]
	return ok
}

// Len returns the number of registered paths.
func (inv *Inventory) Len() int {
	return len(inv.files)
}

// Register records a path with its stat. Returns false when the path was
// already present; re-registration never updates the captured stat.
func (inv *Inventory) Register(path string, size int64, modTime time.Time) bool {
	if _, ok := inv.files[path]; ok {
		return false
	}
	inv.files[path] = FileStat{Size: size, ModTime: modTime}
	inv.totalSize += size

	if inv.classifier != nil && inv.classifier.IsMovie(path) {
		inv.movies++
		if inv.firstMovieAt.IsZero() || modTime.Before(inv.firstMovieAt) {
			inv.firstMovie = filepath.Base(path)
			inv.firstMovieAt = modTime
		}
		if modTime.After(inv.lastMovieAt) {
			inv.lastMovie = filepath.Base(path)
			inv.lastMovieAt = modTime
		}
	}
	return true
}

// Scan walks root and registers every regular file not yet present.
// Unreadable directories and files are skipped; they stay eligible for a
// later pass.
func (inv *Inventory) Scan(root string) (int, error) {
	added := 0
	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if entry != nil && entry.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if entry.IsDir() {
			return nil
		}
		if !entry.Type().IsRegular() {
			return nil
		}
		if inv.Contains(path) {
			return nil
		}
		info, statErr := entry.Info()
		if statErr != nil {
			return nil
		}
		if inv.Register(path, info.Size(), info.ModTime()) {
			added++
		}
		return nil
	})
	return added, err
}

// Info returns the aggregate counters for progress events.
func (inv *Inventory) Info() Totals {
	return Totals{
		Files:       len(inv.files),
		Size:        inv.totalSize,
		SizeH:       humanize.IBytes(uint64(inv.totalSize)),
		Movies:      inv.movies,
		FirstFile:   inv.firstMovie,
		FirstFileAt: inv.firstMovieAt,
		LastFile:    inv.lastMovie,
		LastFileAt:  inv.lastMovieAt,
	}
}

// Snapshot exports the registered paths for persistence. Order is not
// significant; Restore rebuilds the derived counters.
func (inv *Inventory) Snapshot() []Record {
	records := make([]Record, 0, len(inv.files))
	for path, stat := range inv.files {
		records = append(records, Record{Path: path, FileStat: stat})
	}
	return records
}

// Restore registers every record from a snapshot. Already-known paths
// are left untouched.
func (inv *Inventory) Restore(records []Record) {
	for _, record := range records {
		inv.Register(record.Path, record.Size, record.ModTime)
	}
}

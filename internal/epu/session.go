package epu

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"emworker/internal/fileutil"
	"emworker/internal/logging"
)

// Result summarizes the movies table after a scan, in the shape the raw
// record on the coordinator expects.
type Result struct {
	Movies             int
	FirstMovie         string
	FirstMovieCreation time.Time
	LastMovie          string
	LastMovieCreation  time.Time
}

// Session incrementally maintains the movies table for one raw path. Scan
// may be called repeatedly while acquisition is still writing; each pass
// appends only rows newer than the cursor, in timestamp order, so the table
// is identical whether built in one pass or many.
type Session struct {
	rawPath   string
	backupDir string
	logger    *slog.Logger

	writer *StarWriter
	seen   map[string]struct{}
	backed map[string]struct{}
	// Movie timestamps have second resolution and beam-image-shift
	// acquisition produces several movies per second, so the cursor
	// carries the base name to break ties between siblings.
	cursor     time.Time
	cursorName string
	result     Result
}

// NewSession opens (or creates) the star file at starPath and prepares a
// session scanner over rawPath. backupDir receives copies of XML sidecars
// and grid-square thumbnails; pass "" to skip backups.
func NewSession(rawPath, starPath, backupDir string, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	writer, err := OpenStar(starPath)
	if err != nil {
		return nil, err
	}
	return &Session{
		rawPath:   rawPath,
		backupDir: backupDir,
		logger:    logger,
		writer:    writer,
		seen:      make(map[string]struct{}),
		backed:    make(map[string]struct{}),
	}, nil
}

// Resume positions the cursor after the named movie so the next Scan returns
// only strictly newer rows. An unparseable name leaves the cursor at zero
// and the next Scan rebuilds from the beginning.
func (s *Session) Resume(lastMovie string) {
	if lastMovie == "" {
		return
	}
	movie, err := ParseMovieName(lastMovie)
	if err != nil {
		s.logger.Warn("ignoring unparseable resume cursor",
			logging.String("last_movie", lastMovie))
		return
	}
	s.cursor = movie.Timestamp
	s.cursorName = movie.BaseName
	s.result.LastMovie = movie.BaseName
	s.result.LastMovieCreation = movie.Timestamp
}

// Scan walks the raw path once and appends every movie newer than the
// cursor. It returns the number of rows appended.
func (s *Session) Scan(ctx context.Context) (int, error) {
	var batch []Movie
	paths := make(map[string]string)

	err := filepath.WalkDir(s.rawPath, func(path string, entry fs.DirEntry, walkErr error) error {
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
		name := entry.Name()
		if IsGridSquareImage(name) {
			s.backup(path)
			return nil
		}
		movie, err := ParseMovieName(path)
		if err != nil {
			return nil
		}
		if _, ok := s.seen[movie.BaseName]; ok {
			return nil
		}
		if !s.cursor.IsZero() && s.behindCursor(movie) {
			s.seen[movie.BaseName] = struct{}{}
			return nil
		}
		batch = append(batch, movie)
		paths[movie.BaseName] = path
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan raw path: %w", err)
	}

	sort.Slice(batch, func(i, j int) bool {
		if batch[i].Timestamp.Equal(batch[j].Timestamp) {
			return batch[i].BaseName < batch[j].BaseName
		}
		return batch[i].Timestamp.Before(batch[j].Timestamp)
	})

	appended := 0
	for i := range batch {
		movie := batch[i]
		sidecar := SidecarPath(paths[movie.BaseName])
		if err := ReadSidecar(sidecar, &movie); err != nil {
			s.logger.Warn("skipping movie with malformed sidecar",
				logging.String("movie", movie.BaseName),
				logging.Error(err))
			s.seen[movie.BaseName] = struct{}{}
			continue
		}
		if err := s.writer.Append(movie); err != nil {
			return appended, err
		}
		s.seen[movie.BaseName] = struct{}{}
		s.recordMovie(movie)
		if _, err := os.Stat(sidecar); err == nil {
			s.backup(sidecar)
		}
		appended++
	}
	if appended > 0 {
		if err := s.writer.Flush(); err != nil {
			return appended, fmt.Errorf("flush star file: %w", err)
		}
	}
	return appended, nil
}

// behindCursor reports whether the movie is at or before the cursor. Rows
// are appended in (timestamp, name) order, so at equal timestamps the
// cursor name decides.
func (s *Session) behindCursor(movie Movie) bool {
	if movie.Timestamp.Before(s.cursor) {
		return true
	}
	return movie.Timestamp.Equal(s.cursor) && movie.BaseName <= s.cursorName
}

func (s *Session) recordMovie(movie Movie) {
	s.result.Movies++
	if s.result.FirstMovieCreation.IsZero() || movie.Timestamp.Before(s.result.FirstMovieCreation) {
		s.result.FirstMovie = movie.BaseName
		s.result.FirstMovieCreation = movie.Timestamp
	}
	if movie.Timestamp.After(s.result.LastMovieCreation) ||
		(movie.Timestamp.Equal(s.result.LastMovieCreation) && movie.BaseName > s.result.LastMovie) {
		s.result.LastMovie = movie.BaseName
		s.result.LastMovieCreation = movie.Timestamp
	}
	if movie.Timestamp.After(s.cursor) {
		s.cursor = movie.Timestamp
		s.cursorName = movie.BaseName
	} else if movie.Timestamp.Equal(s.cursor) && movie.BaseName > s.cursorName {
		s.cursorName = movie.BaseName
	}
}

// backup copies a metadata file into the backup folder, preserving its path
// relative to the raw root. Failures are logged and do not interrupt the
// scan.
func (s *Session) backup(path string) {
	if s.backupDir == "" {
		return
	}
	if _, ok := s.backed[path]; ok {
		return
	}
	rel, err := filepath.Rel(s.rawPath, path)
	if err != nil {
		rel = filepath.Base(path)
	}
	target := filepath.Join(s.backupDir, rel)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		s.logger.Warn("backup mkdir failed", logging.String("path", target), logging.Error(err))
		return
	}
	if err := fileutil.CopyFile(path, target); err != nil {
		s.logger.Warn("backup copy failed", logging.String("path", path), logging.Error(err))
		return
	}
	s.backed[path] = struct{}{}
}

// Info returns the running totals over every row this session appended plus
// the resume cursor it was seeded with.
func (s *Session) Info() Result {
	return s.result
}

// Close flushes and closes the star file.
func (s *Session) Close() error {
	return s.writer.Close()
}

// ParseSession performs a single full pass: open the star file, append every
// movie after lastMovie, back up metadata, and return the updated totals.
func ParseSession(ctx context.Context, rawPath, starPath, backupDir, lastMovie string, logger *slog.Logger) (Result, error) {
	session, err := NewSession(rawPath, starPath, backupDir, logger)
	if err != nil {
		return Result{}, err
	}
	defer session.Close()

	session.Resume(lastMovie)
	if _, err := session.Scan(ctx); err != nil {
		return Result{}, err
	}
	return session.Info(), nil
}

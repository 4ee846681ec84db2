package otf

import (
	"log/slog"
	"os"
	"path/filepath"

	"emworker/internal/fileutil"
	"emworker/internal/logging"
	"emworker/internal/services"
)

// resolveGain locates the gain reference by glob, preferring the newest
// match across the raw path and the shared gains repository. When only one
// location has it, the file is propagated to the other so the next session
// finds it in both.
func resolveGain(pattern, rawPath, gainsDir string, logger *slog.Logger) (string, error) {
	if pattern == "" {
		return "", services.Wrap(services.ErrConfiguration, "otf", "resolve gain",
			"no gain pattern configured", nil)
	}

	rawMatch := newestMatch(filepath.Join(rawPath, pattern))
	sharedMatch := ""
	if gainsDir != "" {
		sharedMatch = newestMatch(filepath.Join(gainsDir, pattern))
	}

	switch {
	case rawMatch == "" && sharedMatch == "":
		return "", services.Wrap(services.ErrConfiguration, "otf", "resolve gain",
			"gain reference matching "+pattern+" not found in raw path or gains repository", nil)
	case rawMatch != "" && sharedMatch == "" && gainsDir != "":
		target := filepath.Join(gainsDir, filepath.Base(rawMatch))
		if err := propagate(rawMatch, target); err != nil {
			logger.Warn("gain propagation to repository failed", logging.Error(err))
		}
		return rawMatch, nil
	case rawMatch == "":
		target := filepath.Join(rawPath, filepath.Base(sharedMatch))
		if err := propagate(sharedMatch, target); err != nil {
			logger.Warn("gain propagation to raw path failed", logging.Error(err))
		}
		return sharedMatch, nil
	}

	// Both present: prefer the newer file.
	rawInfo, rawErr := os.Stat(rawMatch)
	sharedInfo, sharedErr := os.Stat(sharedMatch)
	if rawErr == nil && (sharedErr != nil || !rawInfo.ModTime().Before(sharedInfo.ModTime())) {
		return rawMatch, nil
	}
	return sharedMatch, nil
}

func newestMatch(pattern string) string {
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return ""
	}
	best := ""
	var bestInfo os.FileInfo
	for _, match := range matches {
		info, err := os.Stat(match)
		if err != nil || info.IsDir() {
			continue
		}
		if best == "" || info.ModTime().After(bestInfo.ModTime()) {
			best, bestInfo = match, info
		}
	}
	return best
}

func propagate(src, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	return fileutil.CopyFileVerified(src, dest)
}

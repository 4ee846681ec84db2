// Package epu parses the directory layout and XML sidecars produced by the
// acquisition software and maintains the canonical movies table for a
// session's raw data.
package epu

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// ErrNotMovie reports a filename that does not follow the acquisition naming
// convention for movie files.
var ErrNotMovie = errors.New("filename does not match movie convention")

var (
	moviePattern      = regexp.MustCompile(`^FoilHole_(\d+)_Data_(\d+)_(\d+)_(\d{8})_(\d{6})`)
	gridSquarePattern = regexp.MustCompile(`^GridSquare_(\d+)$`)
)

const timestampLayout = "20060102_150405"

// Movie is one canonical row of the movies table, derived from the movie
// filename and its XML sidecar.
type Movie struct {
	// BaseName is the movie filename without directory.
	BaseName string
	// GridSquare is the grid-square id taken from the enclosing
	// GridSquare_<id> directory, empty when the movie sits outside one.
	GridSquare string
	// FoilHole is the foil-hole id embedded in the filename.
	FoilHole string
	// Timestamp is the acquisition time encoded in the filename.
	Timestamp time.Time
	// BeamShiftX and BeamShiftY come from the XML sidecar and are only
	// meaningful when HasBeamShift is true.
	BeamShiftX   float64
	BeamShiftY   float64
	HasBeamShift bool
}

// ParseMovieName extracts the movie row fields encoded in the path. The grid
// square id is resolved from the nearest GridSquare_<id> path component.
func ParseMovieName(path string) (Movie, error) {
	base := filepath.Base(path)
	match := moviePattern.FindStringSubmatch(base)
	if match == nil {
		return Movie{}, fmt.Errorf("%w: %s", ErrNotMovie, base)
	}
	ts, err := time.ParseInLocation(timestampLayout, match[4]+"_"+match[5], time.Local)
	if err != nil {
		return Movie{}, fmt.Errorf("%w: %s: bad timestamp", ErrNotMovie, base)
	}

	movie := Movie{
		BaseName:  base,
		FoilHole:  match[1],
		Timestamp: ts,
	}
	for _, part := range strings.Split(filepath.ToSlash(filepath.Dir(path)), "/") {
		if gs := gridSquarePattern.FindStringSubmatch(part); gs != nil {
			movie.GridSquare = gs[1]
		}
	}
	return movie, nil
}

// SidecarPath returns the expected XML sidecar path for a movie file.
func SidecarPath(moviePath string) string {
	base := filepath.Base(moviePath)
	match := moviePattern.FindStringSubmatch(base)
	if match == nil {
		return ""
	}
	return filepath.Join(filepath.Dir(moviePath), match[0]+".xml")
}

// IsGridSquareImage reports whether the base name is a grid-square overview
// thumbnail.
func IsGridSquareImage(name string) bool {
	if !strings.HasPrefix(name, "GridSquare_") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".jpg" || ext == ".jpeg" || ext == ".png"
}

package epu

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

var starColumns = []string{
	"_emMovieBaseName",
	"_emGridSquare",
	"_emFoilHole",
	"_emTimeStamp",
	"_emBeamShiftX",
	"_emBeamShiftY",
}

// StarWriter appends movie rows to a STAR-format table file. A new or empty
// file gets the data block header and column loop; an existing file is
// opened for append so insertion order survives restarts.
type StarWriter struct {
	file *os.File
	buf  *bufio.Writer
}

// OpenStar opens path for appending, writing the table header first when the
// file is new.
func OpenStar(path string) (*StarWriter, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open star file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat star file: %w", err)
	}

	w := &StarWriter{file: file, buf: bufio.NewWriter(file)}
	if info.Size() == 0 {
		if err := w.writeHeader(); err != nil {
			file.Close()
			return nil, err
		}
	}
	return w, nil
}

func (w *StarWriter) writeHeader() error {
	fmt.Fprintln(w.buf, "data_movies")
	fmt.Fprintln(w.buf)
	fmt.Fprintln(w.buf, "loop_")
	for i, col := range starColumns {
		fmt.Fprintf(w.buf, "%s #%d\n", col, i+1)
	}
	return w.buf.Flush()
}

// Append writes one row. Rows without beam-shift data carry the STAR null
// token in those columns.
func (w *StarWriter) Append(movie Movie) error {
	shiftX, shiftY := "None", "None"
	if movie.HasBeamShift {
		shiftX = strconv.FormatFloat(movie.BeamShiftX, 'f', 6, 64)
		shiftY = strconv.FormatFloat(movie.BeamShiftY, 'f', 6, 64)
	}
	gs := movie.GridSquare
	if gs == "" {
		gs = "None"
	}
	_, err := fmt.Fprintf(w.buf, "%s %s %s %s %s %s\n",
		movie.BaseName,
		gs,
		movie.FoilHole,
		movie.Timestamp.Format("2006-01-02_15:04:05"),
		shiftX,
		shiftY,
	)
	if err != nil {
		return fmt.Errorf("append star row: %w", err)
	}
	return nil
}

// Flush commits buffered rows to disk without closing the file.
func (w *StarWriter) Flush() error {
	return w.buf.Flush()
}

// Close flushes and closes the underlying file.
func (w *StarWriter) Close() error {
	if err := w.buf.Flush(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// LastStarMovie returns the movie base name of the final row in an existing
// star file, or "" when the file is missing or holds no rows. Used as the
// resume cursor after a restart.
func LastStarMovie(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read star file: %w", err)
	}

	last := ""
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || line == "data_movies" || line == "loop_" || strings.HasPrefix(line, "_") {
			continue
		}
		if fields := strings.Fields(line); len(fields) > 0 {
			last = fields[0]
		}
	}
	return last, nil
}

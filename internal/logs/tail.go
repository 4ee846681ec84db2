package logs

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// TailOptions controls one Tail call.
type TailOptions struct {
	// Offset is the byte position to read from. Negative means "the last
	// Limit lines of the file".
	Offset int64
	// Limit caps the number of lines returned for a negative offset.
	Limit int
	// Follow keeps the call open for up to Wait when no new lines exist
	// yet, so a polling client does not busy-loop.
	Follow bool
	Wait   time.Duration
}

// TailResult carries the lines read and the offset to resume from.
type TailResult struct {
	Lines  []string
	Offset int64
}

// Tail reads log lines per the options. A missing log file is not an
// error; the result simply restarts the offset at zero.
func Tail(ctx context.Context, path string, opts TailOptions) (TailResult, error) {
	result := TailResult{Offset: opts.Offset}

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			result.Offset = 0
			return result, nil
		}
		return result, fmt.Errorf("stat log file: %w", err)
	}
	if info.IsDir() {
		return result, fmt.Errorf("log path %q is a directory", path)
	}
	if opts.Wait < 0 {
		opts.Wait = 0
	}

	if opts.Offset < 0 {
		lines, offset, err := lastLines(path, opts.Limit)
		if err != nil {
			return result, err
		}
		result.Lines = lines
		result.Offset = offset
		if opts.Follow && opts.Wait > 0 && len(lines) == 0 {
			return awaitLines(ctx, path, result.Offset, opts.Wait)
		}
		return result, nil
	}

	size := info.Size()
	offset := opts.Offset
	if offset > size {
		// The file was rotated or truncated under us.
		offset = size
	}
	lines, newOffset, err := linesFrom(path, offset)
	if err != nil {
		return result, err
	}
	result.Lines = lines
	result.Offset = newOffset
	if opts.Follow && opts.Wait > 0 && len(lines) == 0 {
		return awaitLines(ctx, path, newOffset, opts.Wait)
	}
	return result, nil
}

// lastLines returns up to limit trailing lines and the end-of-file offset.
func lastLines(path string, limit int) ([]string, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("open log file: %w", err)
	}
	defer file.Close()

	if limit <= 0 {
		end, err := file.Seek(0, io.SeekEnd)
		if err != nil {
			return nil, 0, fmt.Errorf("seek log file: %w", err)
		}
		return nil, end, nil
	}

	// One pass through the file keeping only the newest limit lines.
	scanner := newLineScanner(file)
	ring := make([]string, limit)
	total := 0
	for scanner.Scan() {
		ring[total%limit] = scanner.Text()
		total++
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, fmt.Errorf("read log file: %w", err)
	}

	end, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, 0, fmt.Errorf("seek log file: %w", err)
	}

	count := total
	if count > limit {
		count = limit
	}
	lines := make([]string, count)
	for i := 0; i < count; i++ {
		lines[i] = ring[(total-count+i)%limit]
	}
	return lines, end, nil
}

// linesFrom reads complete lines starting at offset and returns the offset
// after the last line consumed.
func linesFrom(path string, offset int64) ([]string, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("open log file: %w", err)
	}
	defer file.Close()

	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return nil, 0, fmt.Errorf("seek log file: %w", err)
	}

	scanner := newLineScanner(file)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, fmt.Errorf("read log file: %w", err)
	}

	newOffset, err := file.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, 0, fmt.Errorf("determine log offset: %w", err)
	}
	return lines, newOffset, nil
}

// awaitLines polls for new lines until some arrive, the wait budget runs
// out, or the context ends.
func awaitLines(ctx context.Context, path string, offset int64, wait time.Duration) (TailResult, error) {
	deadline := time.Now().Add(wait)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	result := TailResult{Offset: offset}
	for {
		lines, newOffset, err := linesFrom(path, offset)
		if err != nil {
			return result, err
		}
		result.Offset = newOffset
		if len(lines) > 0 {
			result.Lines = lines
			return result, nil
		}
		if time.Now().After(deadline) {
			return result, nil
		}
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-ticker.C:
		}
	}
}

func newLineScanner(file *os.File) *bufio.Scanner {
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return scanner
}

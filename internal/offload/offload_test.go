package offload_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"emworker/internal/fileutil"
	"emworker/internal/inventory"
	"emworker/internal/offload"
	"emworker/internal/testsupport"
)

func newClassifier() *inventory.Classifier {
	return inventory.NewClassifier(
		[]string{"*_fractions.tiff"},
		[]string{".xml", ".dm", ".jpg"},
	)
}

// moveRunner stands in for rsync -a --remove-source-files, including its
// mtime preservation.
func moveRunner(_ context.Context, _ string, args ...string) error {
	src, dest := args[len(args)-2], args[len(args)-1]
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if err := fileutil.CopyFile(src, dest); err != nil {
		return err
	}
	if err := os.Chtimes(dest, info.ModTime(), info.ModTime()); err != nil {
		return err
	}
	return os.Remove(src)
}

type fixture struct {
	frames string
	raw    string
	inv    *inventory.Inventory
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	base := t.TempDir()
	f := &fixture{
		frames: filepath.Join(base, "frames"),
		raw:    filepath.Join(base, "raw"),
		inv:    inventory.New(newClassifier()),
		now:    time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC),
	}
	if err := os.MkdirAll(f.frames, 0o755); err != nil {
		t.Fatal(err)
	}
	return f
}

func (f *fixture) offloader(opts ...offload.Option) *offload.Offloader {
	base := []offload.Option{
		offload.WithRunner(moveRunner),
		offload.WithClock(func() time.Time { return f.now }),
		offload.WithQuietWindow(time.Minute),
		offload.WithRetries(3, 0),
	}
	return offload.New(f.frames, f.raw, newClassifier(), f.inv, append(base, opts...)...)
}

func TestSweepMovesSettledMovies(t *testing.T) {
	f := newFixture(t)
	old := f.now.Add(-5 * time.Minute)
	for i := 0; i < 20; i++ {
		name := fmt.Sprintf("FoilHole_%d_fractions.tiff", i)
		testsupport.WriteFileAt(t, filepath.Join(f.frames, "GridSquare_1", "Data", name), 64, old)
	}

	o := f.offloader()
	progress, err := o.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if progress.NewFiles != 20 || progress.NewMovies != 20 {
		t.Fatalf("progress = %+v, want 20 files, 20 movies", progress)
	}
	if progress.Totals.Movies != 20 {
		t.Fatalf("total movies = %d, want 20", progress.Totals.Movies)
	}
	for i := 0; i < 20; i++ {
		name := fmt.Sprintf("FoilHole_%d_fractions.tiff", i)
		if _, err := os.Stat(filepath.Join(f.raw, "GridSquare_1", "Data", name)); err != nil {
			t.Errorf("movie %d missing at raw path: %v", i, err)
		}
		if _, err := os.Stat(filepath.Join(f.frames, "GridSquare_1", "Data", name)); !os.IsNotExist(err) {
			t.Errorf("movie %d still at frames path", i)
		}
	}
}

func TestSweepMovesNativelyWithoutRsync(t *testing.T) {
	f := newFixture(t)
	old := f.now.Add(-5 * time.Minute)
	name := "FoilHole_9_fractions.tiff"
	testsupport.WriteFileAt(t, filepath.Join(f.frames, "GridSquare_1", "Data", name), 64, old)

	missingRsync := func(_ context.Context, _ string, _ ...string) error {
		return fmt.Errorf("%w: rsync", exec.ErrNotFound)
	}
	o := f.offloader(offload.WithRunner(missingRsync))
	progress, err := o.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if progress.NewMovies != 1 {
		t.Fatalf("progress = %+v, want 1 movie", progress)
	}
	if _, err := os.Stat(filepath.Join(f.raw, "GridSquare_1", "Data", name)); err != nil {
		t.Fatalf("movie missing at raw path: %v", err)
	}
	if _, err := os.Stat(filepath.Join(f.frames, "GridSquare_1", "Data", name)); !os.IsNotExist(err) {
		t.Fatal("movie still at frames path")
	}
}

func TestSweepCopiesMetadataKeepingOriginal(t *testing.T) {
	f := newFixture(t)
	old := f.now.Add(-5 * time.Minute)
	testsupport.WriteFileAt(t, filepath.Join(f.frames, "GridSquare_1", "meta.xml"), 32, old)

	o := f.offloader()
	if _, err := o.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if _, err := os.Stat(filepath.Join(f.raw, "GridSquare_1", "meta.xml")); err != nil {
		t.Fatalf("metadata missing at raw path: %v", err)
	}
	if _, err := os.Stat(filepath.Join(f.frames, "GridSquare_1", "meta.xml")); err != nil {
		t.Fatal("metadata original must be kept at frames path")
	}
}

func TestSweepLeavesInFlightFile(t *testing.T) {
	f := newFixture(t)
	old := f.now.Add(-5 * time.Minute)
	for i := 0; i < 10; i++ {
		name := fmt.Sprintf("FoilHole_%d_fractions.tiff", i)
		testsupport.WriteFileAt(t, filepath.Join(f.frames, name), 64, old)
	}
	inflight := filepath.Join(f.frames, "FoilHole_99_fractions.tiff")
	testsupport.WriteFileAt(t, inflight, 64, f.now)

	o := f.offloader()
	if _, err := o.Sweep(context.Background()); err != nil {
		t.Fatal(err)
	}
	// Writer keeps appending: mtime advances before the next pass.
	f.now = f.now.Add(30 * time.Second)
	testsupport.Touch(t, inflight, f.now)
	progress, err := o.Sweep(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if _, statErr := os.Stat(inflight); statErr != nil {
		t.Fatal("in-flight file must stay at the frames path")
	}
	if progress.Totals.Movies != 10 {
		t.Fatalf("total movies = %d, want 10", progress.Totals.Movies)
	}
}

func TestSweepTransfersQuietFileAfterWindow(t *testing.T) {
	f := newFixture(t)
	path := filepath.Join(f.frames, "FoilHole_1_fractions.tiff")
	testsupport.WriteFileAt(t, path, 64, f.now)

	o := f.offloader()
	if _, err := o.Sweep(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatal("freshly written file must not move yet")
	}

	// mtime holds still past the quiet window.
	f.now = f.now.Add(2 * time.Minute)
	if _, err := o.Sweep(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(f.raw, "FoilHole_1_fractions.tiff")); err != nil {
		t.Fatalf("quiet file should have moved: %v", err)
	}
}

func TestResumeSkipsAlreadyOffloadedFiles(t *testing.T) {
	f := newFixture(t)
	old := f.now.Add(-5 * time.Minute)
	// Simulate a prior run that already moved one movie.
	testsupport.WriteFileAt(t, filepath.Join(f.raw, "FoilHole_1_fractions.tiff"), 64, old)
	testsupport.WriteFileAt(t, filepath.Join(f.frames, "FoilHole_2_fractions.tiff"), 64, old)

	o := f.offloader()
	found, err := o.Resume()
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if found != 1 {
		t.Fatalf("rediscovered %d files, want 1", found)
	}

	progress, err := o.Sweep(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if progress.NewFiles != 1 || progress.NewMovies != 1 {
		t.Fatalf("progress = %+v, want exactly the new movie", progress)
	}
	if progress.Totals.Movies != 2 {
		t.Fatalf("total movies = %d, want 2", progress.Totals.Movies)
	}
}

func TestSweepRetriesThenFails(t *testing.T) {
	f := newFixture(t)
	testsupport.WriteFileAt(t, filepath.Join(f.frames, "FoilHole_1_fractions.tiff"), 64, f.now.Add(-5*time.Minute))

	attempts := 0
	failing := func(_ context.Context, _ string, _ ...string) error {
		attempts++
		return errors.New("io error")
	}
	o := f.offloader(offload.WithRunner(failing))

	if _, err := o.Sweep(context.Background()); err == nil {
		t.Fatal("exhausted retries must surface an error")
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestBatchCallback(t *testing.T) {
	f := newFixture(t)
	old := f.now.Add(-5 * time.Minute)
	for i := 0; i < 7; i++ {
		name := fmt.Sprintf("FoilHole_%d_fractions.tiff", i)
		testsupport.WriteFileAt(t, filepath.Join(f.frames, name), 64, old)
	}

	batches := 0
	o := f.offloader(offload.WithBatch(3, func(_ context.Context, p offload.Progress) error {
		batches++
		return nil
	}))
	if _, err := o.Sweep(context.Background()); err != nil {
		t.Fatal(err)
	}
	if batches != 2 {
		t.Fatalf("batches = %d, want 2 for 7 files of batch size 3", batches)
	}
}

func TestStopOnIdle(t *testing.T) {
	f := newFixture(t)
	old := f.now.Add(-4 * 24 * time.Hour)
	testsupport.WriteFileAt(t, filepath.Join(f.frames, "FoilHole_1_fractions.tiff"), 64, old)

	o := f.offloader()
	if _, err := o.Sweep(context.Background()); err != nil {
		t.Fatal(err)
	}
	if reason := o.ShouldStop(); reason != offload.StopIdle {
		t.Fatalf("reason = %q, want idle stop", reason)
	}
}

func TestNoStopWhileActive(t *testing.T) {
	f := newFixture(t)
	testsupport.WriteFileAt(t, filepath.Join(f.frames, "FoilHole_1_fractions.tiff"), 64, f.now.Add(-5*time.Minute))

	o := f.offloader()
	if _, err := o.Sweep(context.Background()); err != nil {
		t.Fatal(err)
	}
	if reason := o.ShouldStop(); reason != offload.StopNone {
		t.Fatalf("active session must not stop, got %q", reason)
	}
}

func TestStopOnOldFirstFile(t *testing.T) {
	f := newFixture(t)
	veryOld := f.now.Add(-6 * 24 * time.Hour)
	testsupport.WriteFileAt(t, filepath.Join(f.frames, "FoilHole_1_fractions.tiff"), 64, veryOld)
	// Recent activity keeps the idle rule quiet; the first-file rule still
	// fires.
	testsupport.WriteFileAt(t, filepath.Join(f.frames, "FoilHole_2_fractions.tiff"), 64, f.now.Add(-5*time.Minute))

	o := f.offloader()
	if _, err := o.Sweep(context.Background()); err != nil {
		t.Fatal(err)
	}
	if reason := o.ShouldStop(); reason != offload.StopFirstFile {
		t.Fatalf("reason = %q, want first-file stop", reason)
	}
}

func TestStopOnSentinelWithoutMovies(t *testing.T) {
	f := newFixture(t)
	testsupport.WriteFileAt(t, filepath.Join(f.frames, "ScreeningSession.dm"), 16, f.now.Add(-4*24*time.Hour))

	o := f.offloader()
	if _, err := o.Sweep(context.Background()); err != nil {
		t.Fatal(err)
	}
	if reason := o.ShouldStop(); reason != offload.StopSentinel {
		t.Fatalf("reason = %q, want sentinel stop", reason)
	}
}

func TestCleanupFramesRemovesMovielessFolder(t *testing.T) {
	f := newFixture(t)
	testsupport.WriteFile(t, filepath.Join(f.frames, "leftover.xml"), 16)

	o := f.offloader()
	removed, err := o.CleanupFrames()
	if err != nil {
		t.Fatalf("CleanupFrames: %v", err)
	}
	if !removed {
		t.Fatal("movieless frames folder should be removed")
	}
	if _, err := os.Stat(f.frames); !os.IsNotExist(err) {
		t.Fatal("frames folder still present")
	}
}

func TestCleanupFramesKeepsFolderWithMovies(t *testing.T) {
	f := newFixture(t)
	testsupport.WriteFile(t, filepath.Join(f.frames, "FoilHole_1_fractions.tiff"), 16)

	o := f.offloader()
	removed, err := o.CleanupFrames()
	if err != nil {
		t.Fatal(err)
	}
	if removed {
		t.Fatal("frames folder with movies must not be removed")
	}
}

func TestRawPathLayout(t *testing.T) {
	start := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	got := offload.RawPath("/raw", offload.PathSpec{
		Group:      "cryoem",
		Microscope: "Krios 1",
		User:       "jdoe",
	}, "epu-session", start)
	want := filepath.Join("/raw", "cryoem", "Krios_1", "2026", "jdoe", "epu-session_20260314")
	if got != want {
		t.Fatalf("RawPath = %q, want %q", got, want)
	}
}

package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"emworker/internal/coordinator"
	"emworker/internal/testsupport"
)

// movingRsync writes an rsync replacement that copies its last argument
// pair and removes the source, matching --remove-source-files behaviour.
func movingRsync(t *testing.T) string {
	t.Helper()
	script := `#!/bin/sh
eval src=\${$(($#-1))}
eval dst=\${$#}
cp -p "$src" "$dst" && rm -f "$src"
`
	path := filepath.Join(t.TempDir(), "rsync")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write rsync stub: %v", err)
	}
	return path
}

func movieBase(hole, data int) string {
	return fmt.Sprintf("FoilHole_%07d_Data_%07d_%07d_20260829_1012", hole, data, data+1)
}

func TestTransferHandlerMovesFramesAndReports(t *testing.T) {
	e := newTestEnv(t)
	e.cfg.Transfer.RsyncBinary = movingRsync(t)

	e.coord.addSession(&coordinator.Session{
		ID:   7,
		Name: "krios_day1",
		Acquisition: args(map[string]any{
			"group":      "cryoem",
			"microscope": "krios01",
			"user":       "ada",
		}),
	})

	frames := filepath.Join(e.cfg.Paths.FramesRoot, "EPU_session")
	square := filepath.Join(frames, "Images-Disc1", "GridSquare_101")
	old := time.Now().Add(-2 * time.Hour)
	for i := 1; i <= 3; i++ {
		base := movieBase(i, i) + "15"
		testsupport.WriteFileAt(t, filepath.Join(square, base+"_fractions.tiff"), 2048, old)
		testsupport.WriteFileAt(t, filepath.Join(square, base+".xml"), 128, old)
	}
	testsupport.WriteFileAt(t, filepath.Join(square, "GridSquare_20260829_101010.jpg"), 256, old)

	ct := coordinator.Task{ID: 41, Name: "session", Args: args(map[string]any{
		"action":     "transfer",
		"session_id": 7,
		"frames":     frames,
	})}
	rt := e.runtime(t, ct)
	handler := newTransferHandler()

	outcome, err := handler.Process(context.Background(), rt)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if outcome.Done {
		t.Fatal("transfer must keep running while the session is active")
	}

	session := e.coord.session(7)
	raw := session.Extra.Raw
	if raw == nil || raw.Path == "" {
		t.Fatal("raw record not written to session extra")
	}
	if !strings.HasPrefix(raw.Path, e.cfg.Paths.RawRoot) {
		t.Fatalf("raw path %q outside raw root", raw.Path)
	}
	if !strings.Contains(raw.Path, "cryoem") || !strings.Contains(raw.Path, "krios01") {
		t.Fatalf("raw path %q missing group/microscope segments", raw.Path)
	}
	if raw.Movies != 3 {
		t.Fatalf("raw record movies = %d, want 3", raw.Movies)
	}

	relSquare := filepath.Join("Images-Disc1", "GridSquare_101")
	for i := 1; i <= 3; i++ {
		base := movieBase(i, i) + "15"
		dest := filepath.Join(raw.Path, relSquare, base+"_fractions.tiff")
		if _, err := os.Stat(dest); err != nil {
			t.Errorf("movie %d not offloaded: %v", i, err)
		}
		if _, err := os.Stat(filepath.Join(square, base+"_fractions.tiff")); !os.IsNotExist(err) {
			t.Errorf("movie %d source still present after move", i)
		}
		// Metadata is copied, never moved.
		if _, err := os.Stat(filepath.Join(square, base+".xml")); err != nil {
			t.Errorf("sidecar %d source removed: %v", i, err)
		}
	}

	events := e.coord.taskEvents(41)
	if len(events) == 0 {
		t.Fatal("no progress event published")
	}
	last := events[len(events)-1]
	if got, ok := last["total_movies"].(float64); !ok || int(got) != 3 {
		t.Fatalf("event total_movies = %v, want 3", last["total_movies"])
	}
}

func TestTransferHandlerReusesExistingRawPath(t *testing.T) {
	e := newTestEnv(t)
	e.cfg.Transfer.RsyncBinary = movingRsync(t)

	rawPath := filepath.Join(e.cfg.Paths.RawRoot, "assigned", "spot")
	frames := filepath.Join(e.cfg.Paths.FramesRoot, "EPU_resume")
	testsupport.WriteFileAt(t, filepath.Join(frames, movieBase(9, 9)+"22_fractions.tiff"), 512,
		time.Now().Add(-time.Hour))

	e.coord.addSession(&coordinator.Session{
		ID:   8,
		Name: "resumed",
		Extra: coordinator.Extra{Raw: &coordinator.RawRecord{
			Frames: frames,
			Path:   rawPath,
		}},
	})

	ct := coordinator.Task{ID: 42, Name: "session", Args: args(map[string]any{
		"action":     "transfer",
		"session_id": 8,
	})}
	handler := newTransferHandler()
	if _, err := handler.Process(context.Background(), e.runtime(t, ct)); err != nil {
		t.Fatalf("process: %v", err)
	}
	if handler.rawPath != rawPath {
		t.Fatalf("handler raw path = %q, want session-assigned %q", handler.rawPath, rawPath)
	}
	if handler.framesPath != frames {
		t.Fatalf("handler frames path = %q, want session-assigned %q", handler.framesPath, frames)
	}
}

func TestTransferHandlerStopsOnSentinel(t *testing.T) {
	e := newTestEnv(t)
	e.cfg.Transfer.RsyncBinary = movingRsync(t)

	frames := filepath.Join(e.cfg.Paths.FramesRoot, "screening")
	testsupport.WriteFileAt(t, filepath.Join(frames, "ScreeningSession.dm"), 64,
		time.Now().Add(-4*24*time.Hour))

	e.coord.addSession(&coordinator.Session{ID: 9, Name: "screening"})

	ct := coordinator.Task{ID: 43, Name: "session", Args: args(map[string]any{
		"action":     "transfer",
		"session_id": 9,
		"frames":     frames,
	})}
	handler := newTransferHandler()
	outcome, err := handler.Process(context.Background(), e.runtime(t, ct))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !outcome.Done {
		t.Fatal("screening session with aged sentinel must finish")
	}
	if _, err := os.Stat(frames); !os.IsNotExist(err) {
		t.Fatal("movieless frames folder must be removed on finish")
	}

	events := e.coord.taskEvents(43)
	if len(events) == 0 {
		t.Fatal("no terminal event published")
	}
	last := events[len(events)-1]
	if !last.Done() {
		t.Fatalf("terminal event not marked done: %v", last)
	}
	if last["stop_reason"] == "" || last["stop_reason"] == nil {
		t.Fatalf("terminal event missing stop_reason: %v", last)
	}
}

func TestTransferHandlerRequiresSessionID(t *testing.T) {
	e := newTestEnv(t)
	ct := coordinator.Task{ID: 44, Name: "session", Args: args(map[string]any{"action": "transfer"})}
	handler := newTransferHandler()
	if _, err := handler.Process(context.Background(), e.runtime(t, ct)); err == nil {
		t.Fatal("transfer without session_id must fail")
	}
}

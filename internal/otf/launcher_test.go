package otf

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"emworker/internal/logging"
)

func TestLauncherRunsAndExits(t *testing.T) {
	otfPath := t.TempDir()
	l := NewLauncher("sh -c true", otfPath, 42, logging.NewNop())

	if err := l.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Starting again is a no-op.
	if err := l.Start(); err != nil {
		t.Fatalf("second Start: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		if exited, exitErr := l.ExitState(); exited {
			if exitErr != nil {
				t.Fatalf("pipeline exit: %v", exitErr)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("pipeline did not exit")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if l.Alive() {
		t.Fatal("Alive after exit")
	}
	if _, err := os.Stat(filepath.Join(otfPath, "otf.log")); err != nil {
		t.Fatalf("pipeline log missing: %v", err)
	}
}

func TestLauncherSubstitutesPlaceholders(t *testing.T) {
	otfPath := t.TempDir()
	marker := filepath.Join(otfPath, "args.txt")
	l := NewLauncher("cp {otf_path}/README.txt "+marker, otfPath, 42, logging.NewNop())
	if err := os.WriteFile(filepath.Join(otfPath, "README.txt"), []byte("session 42\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := l.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		if exited, _ := l.ExitState(); exited {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("command did not exit")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, err := os.Stat(marker); err != nil {
		t.Fatalf("placeholder was not substituted: %v", err)
	}
}

func TestLauncherRejectsEmptyCommand(t *testing.T) {
	l := NewLauncher("   ", t.TempDir(), 1, logging.NewNop())
	if err := l.Start(); err == nil {
		t.Fatal("empty command must fail")
	}
}

func TestStopWithoutProcessIsSafe(t *testing.T) {
	l := NewLauncher("sh -c true", t.TempDir(), 1, logging.NewNop())
	l.Stop()
}

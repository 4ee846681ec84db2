package frames

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"emworker/internal/inventory"
	"emworker/internal/testsupport"
)

func newClassifier() *inventory.Classifier {
	return inventory.NewClassifier([]string{"*_fractions.tiff"}, []string{".xml"})
}

func TestObserveReportsChildren(t *testing.T) {
	root := t.TempDir()
	testsupport.WriteFile(t, filepath.Join(root, "session_a", "FoilHole_1_fractions.tiff"), 1024)
	testsupport.WriteFile(t, filepath.Join(root, "session_a", "meta.xml"), 32)
	testsupport.WriteFile(t, filepath.Join(root, "loose.txt"), 16)

	m := NewMonitor(root, newClassifier())
	report, changed, err := m.Observe(context.Background())
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if !changed {
		t.Fatal("first observation must report a change")
	}
	if len(report.Entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(report.Entries))
	}

	loose := report.Entries[0]
	if loose.Name != "loose.txt" || loose.Type != "file" || loose.Size != 16 {
		t.Fatalf("unexpected loose entry %+v", loose)
	}
	dir := report.Entries[1]
	if dir.Name != "session_a" || dir.Type != "dir" {
		t.Fatalf("unexpected dir entry %+v", dir)
	}
	if dir.Movies != 1 || dir.Size != 1024+32 {
		t.Fatalf("dir totals %+v", dir)
	}
	if report.Usage.Total == 0 {
		t.Fatal("usage should report filesystem size")
	}
}

func TestObserveOnlyReportsChanges(t *testing.T) {
	root := t.TempDir()
	testsupport.WriteFile(t, filepath.Join(root, "session_a", "FoilHole_1_fractions.tiff"), 64)

	m := NewMonitor(root, newClassifier())
	m.statfs = func(string) (Usage, error) {
		return Usage{Total: 100, Used: 50}, nil
	}

	if _, changed, err := m.Observe(context.Background()); err != nil || !changed {
		t.Fatalf("first observation changed=%v err=%v", changed, err)
	}
	if _, changed, err := m.Observe(context.Background()); err != nil || changed {
		t.Fatalf("idle observation changed=%v err=%v", changed, err)
	}

	testsupport.WriteFile(t, filepath.Join(root, "session_a", "FoilHole_2_fractions.tiff"), 64)
	report, changed, err := m.Observe(context.Background())
	if err != nil || !changed {
		t.Fatalf("new file observation changed=%v err=%v", changed, err)
	}
	if report.Entries[0].Movies != 2 {
		t.Fatalf("movies = %d, want 2", report.Entries[0].Movies)
	}
}

func TestObserveForgetsRemovedChildren(t *testing.T) {
	root := t.TempDir()
	testsupport.WriteFile(t, filepath.Join(root, "gone", "FoilHole_1_fractions.tiff"), 64)

	m := NewMonitor(root, newClassifier())
	if _, _, err := m.Observe(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := os.RemoveAll(filepath.Join(root, "gone")); err != nil {
		t.Fatal(err)
	}
	report, changed, err := m.Observe(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !changed || len(report.Entries) != 0 {
		t.Fatalf("removed child still reported: changed=%v entries=%d", changed, len(report.Entries))
	}
}

package inventory_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"emworker/internal/inventory"
	"emworker/internal/testsupport"
)

func newClassifier() *inventory.Classifier {
	return inventory.NewClassifier(
		[]string{"*_fractions.tiff", "*_EER.eer"},
		[]string{".xml", ".dm", ".jpg"},
	)
}

func TestClassify(t *testing.T) {
	c := newClassifier()
	cases := []struct {
		name string
		want inventory.Kind
	}{
		{"FoilHole_1_Data_2_3_20260101_120000_fractions.tiff", inventory.KindMovie},
		{"FoilHole_1_Data_2_3_20260101_120000_EER.eer", inventory.KindMovie},
		{"FoilHole_1_Data_2_3_20260101_120000.xml", inventory.KindMetadata},
		{"GridSquare_77.jpg", inventory.KindMetadata},
		{"ScreeningSession.dm", inventory.KindMetadata},
		{"notes.txt", inventory.KindOther},
	}
	for _, tc := range cases {
		if got := c.Classify(tc.name); got != tc.want {
			t.Errorf("Classify(%q) = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestIsGridSquare(t *testing.T) {
	if !inventory.IsGridSquare("GridSquare_123.jpg") {
		t.Fatal("jpg thumbnail should match")
	}
	if !inventory.IsGridSquare("GridSquare_123.xml") {
		t.Fatal("xml sidecar should match")
	}
	if inventory.IsGridSquare("FoilHole_1_fractions.tiff") {
		t.Fatal("movie should not match")
	}
}

func TestRegisterIdempotent(t *testing.T) {
	inv := inventory.New(newClassifier())
	base := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)

	if !inv.Register("/raw/m1_fractions.tiff", 100, base) {
		t.Fatal("first registration should succeed")
	}
	if inv.Register("/raw/m1_fractions.tiff", 999, base.Add(time.Hour)) {
		t.Fatal("second registration should be a no-op")
	}

	totals := inv.Info()
	if totals.Files != 1 || totals.Size != 100 || totals.Movies != 1 {
		t.Fatalf("unexpected totals %+v", totals)
	}
}

func TestInfoTracksMovieExtremes(t *testing.T) {
	inv := inventory.New(newClassifier())
	base := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)

	inv.Register("/raw/b_fractions.tiff", 10, base.Add(2*time.Hour))
	inv.Register("/raw/a_fractions.tiff", 10, base)
	inv.Register("/raw/c_fractions.tiff", 10, base.Add(time.Hour))
	inv.Register("/raw/side.xml", 1, base.Add(3*time.Hour))

	totals := inv.Info()
	if totals.Movies != 3 {
		t.Fatalf("movies = %d, want 3", totals.Movies)
	}
	if totals.FirstFile != "a_fractions.tiff" || !totals.FirstFileAt.Equal(base) {
		t.Fatalf("unexpected first movie %q at %v", totals.FirstFile, totals.FirstFileAt)
	}
	if totals.LastFile != "b_fractions.tiff" {
		t.Fatalf("unexpected last movie %q", totals.LastFile)
	}
}

func TestScanRegistersAndSkipsDuplicates(t *testing.T) {
	root := t.TempDir()
	testsupport.WriteFile(t, filepath.Join(root, "GridSquare_9", "Data", "m1_fractions.tiff"), 2048)
	testsupport.WriteFile(t, filepath.Join(root, "GridSquare_9", "Data", "m1.xml"), 64)
	testsupport.WriteFile(t, filepath.Join(root, "Atlas", "notes.txt"), 8)

	inv := inventory.New(newClassifier())
	added, err := inv.Scan(root)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if added != 3 {
		t.Fatalf("added = %d, want 3", added)
	}

	// A second scan over the same tree must not duplicate anything.
	added, err = inv.Scan(root)
	if err != nil {
		t.Fatalf("rescan: %v", err)
	}
	if added != 0 {
		t.Fatalf("rescan added = %d, want 0", added)
	}

	totals := inv.Info()
	if totals.Files != 3 || totals.Movies != 1 {
		t.Fatalf("unexpected totals %+v", totals)
	}
	if totals.Size != 2048+64+8 {
		t.Fatalf("size = %d", totals.Size)
	}
}

func TestSnapshotRestore(t *testing.T) {
	inv := inventory.New(newClassifier())
	base := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	inv.Register("/raw/a_fractions.tiff", 10, base)
	inv.Register("/raw/a.xml", 1, base)

	restored := inventory.New(newClassifier())
	restored.Restore(inv.Snapshot())

	if restored.Len() != 2 || !restored.Contains("/raw/a_fractions.tiff") {
		t.Fatalf("restore incomplete: %d entries", restored.Len())
	}
	want := inv.Info()
	got := restored.Info()
	if got != want {
		t.Fatalf("totals mismatch: got %+v want %+v", got, want)
	}
}

func TestScanMissingRootIsNotFatal(t *testing.T) {
	inv := inventory.New(newClassifier())
	if _, err := inv.Scan(filepath.Join(os.TempDir(), "definitely-missing-root")); err != nil {
		t.Fatalf("missing root should not error, got %v", err)
	}
}

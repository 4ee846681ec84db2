package daemonctl

import (
	"context"
	"path/filepath"
	"testing"

	"emworker/internal/state"
	"emworker/internal/testsupport"
)

func TestBuildStatusSnapshotOfflineShowsClaimedTasks(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	if err := store.SaveTask(context.Background(), state.ClaimedTask{
		ID:        7,
		Name:      "session",
		SessionID: 3,
	}); err != nil {
		t.Fatalf("save task: %v", err)
	}

	socket := filepath.Join(t.TempDir(), "absent.sock")
	resp, err := BuildStatusSnapshot(context.Background(), socket, cfg)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if resp.Running {
		t.Fatal("snapshot reports a running daemon with nothing listening")
	}
	if resp.Worker != "test-worker" {
		t.Fatalf("worker = %q", resp.Worker)
	}
	if len(resp.Tasks) != 1 || resp.Tasks[0].ID != 7 || resp.Tasks[0].SessionID != 3 {
		t.Fatalf("tasks = %+v, want the locally claimed task", resp.Tasks)
	}
}

func TestBuildStatusSnapshotOfflineWithoutStateDB(t *testing.T) {
	cfg := testsupport.NewConfig(t)

	socket := filepath.Join(t.TempDir(), "absent.sock")
	resp, err := BuildStatusSnapshot(context.Background(), socket, cfg)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(resp.Tasks) != 0 {
		t.Fatalf("tasks = %+v, want none", resp.Tasks)
	}
}

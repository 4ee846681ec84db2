package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"emworker/internal/config"
)

func TestLoadDefaultConfigAppliesEnvOverrides(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)
	t.Setenv("EMHUB_SERVER_URL", "http://coordinator.example:5000/")
	t.Setenv("EMHUB_USER", "worker-bot")
	t.Setenv("EMHUB_PASSWORD", "secret")
	t.Setenv("SESSIONS_DATA_FOLDER", filepath.Join(tempHome, "sessions-data"))

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if resolved == "" {
		t.Fatal("expected resolved path")
	}
	if exists {
		t.Fatal("expected config file to be absent in temp HOME")
	}

	if cfg.Coordinator.URL != "http://coordinator.example:5000" {
		t.Fatalf("unexpected coordinator url: %q", cfg.Coordinator.URL)
	}
	if cfg.Coordinator.Username != "worker-bot" || cfg.Coordinator.Password != "secret" {
		t.Fatalf("credentials not taken from env: %q", cfg.Coordinator.Username)
	}
	if cfg.Paths.DataDir != filepath.Join(tempHome, "sessions-data") {
		t.Fatalf("unexpected data dir: %q", cfg.Paths.DataDir)
	}
	if cfg.Paths.LogDir != filepath.Join(cfg.Paths.DataDir, "logs") {
		t.Fatalf("expected log dir under data dir, got %q", cfg.Paths.LogDir)
	}
	if cfg.Transfer.QuietWindow != 60 || cfg.Transfer.CopyRetries != 30 {
		t.Fatalf("unexpected transfer defaults: %+v", cfg.Transfer)
	}
	if cfg.OTF.LaunchThreshold != 16 {
		t.Fatalf("unexpected launch threshold: %d", cfg.OTF.LaunchThreshold)
	}
	if got := cfg.TaskLogPath("session", 42); got != filepath.Join(cfg.Paths.LogDir, "task-session-42.log") {
		t.Fatalf("unexpected task log path: %q", got)
	}
}

func TestLoadMissingCredentialsFails(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("EMHUB_SERVER_URL", "")
	t.Setenv("EMHUB_USER", "")
	t.Setenv("EMHUB_PASSWORD", "")
	t.Setenv("SESSIONS_DATA_FOLDER", "")

	if _, _, _, err := config.Load(""); err == nil {
		t.Fatal("expected error for missing credentials")
	} else if !strings.Contains(err.Error(), "coordinator.username") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoadExplicitFile(t *testing.T) {
	t.Setenv("EMHUB_SERVER_URL", "")
	t.Setenv("EMHUB_USER", "")
	t.Setenv("EMHUB_PASSWORD", "")
	t.Setenv("SESSIONS_DATA_FOLDER", "")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	body := `
[paths]
data_dir = "` + filepath.Join(dir, "state") + `"
frames_root = "` + filepath.Join(dir, "frames") + `"

[coordinator]
url = "http://emhub.local:8000"
username = "krios1"
password = "pw"

[acquisition]
movie_patterns = ["*_fractions.tiff"]
metadata_extensions = ["xml", ".Dm"]

[otf.workflows.relion]
command = "relion_otf --project {otf_path}"
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, resolved, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists || resolved != path {
		t.Fatalf("expected explicit file to resolve, got %q exists=%v", resolved, exists)
	}
	if cfg.Coordinator.URL != "http://emhub.local:8000" {
		t.Fatalf("unexpected url: %q", cfg.Coordinator.URL)
	}
	want := []string{".xml", ".dm"}
	if len(cfg.Acquisition.MetadataExtensions) != len(want) {
		t.Fatalf("unexpected extensions: %v", cfg.Acquisition.MetadataExtensions)
	}
	for i, ext := range want {
		if cfg.Acquisition.MetadataExtensions[i] != ext {
			t.Fatalf("extension %d: got %q want %q", i, cfg.Acquisition.MetadataExtensions[i], ext)
		}
	}
	if _, ok := cfg.OTF.Workflows["relion"]; !ok {
		t.Fatal("expected relion workflow")
	}
}

func TestValidateRejectsWorkflowWithoutCommand(t *testing.T) {
	cfg := config.Default()
	cfg.Coordinator.Username = "u"
	cfg.Coordinator.Password = "p"
	cfg.Worker.Name = "host1"
	cfg.OTF.Workflows = map[string]config.WorkflowConfig{"relion": {}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for empty workflow command")
	}
}

func TestCreateSample(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read sample: %v", err)
	}
	if !strings.Contains(string(data), "[coordinator]") {
		t.Fatal("sample config missing coordinator section")
	}
}

package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"emworker/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.DataDir = filepath.Join(base, "data")
	cfgVal.Paths.FramesRoot = filepath.Join(base, "frames")
	cfgVal.Paths.RawRoot = filepath.Join(base, "raw")
	cfgVal.Paths.OTFRoot = filepath.Join(base, "otf")
	cfgVal.Paths.GainsDir = filepath.Join(base, "gains")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Coordinator.URL = "http://127.0.0.1:0"
	cfgVal.Coordinator.Username = "test"
	cfgVal.Coordinator.Password = "test"
	cfgVal.Worker.Name = "test-worker"

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	if err := builder.cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}

	return builder.cfg
}

// WithCoordinatorURL points the test config at the provided coordinator
// address, usually an httptest server.
func WithCoordinatorURL(url string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Coordinator.URL = url
	}
}

// WithWorkerName overrides the worker identity on the test config.
func WithWorkerName(name string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Worker.Name = name
	}
}

// WithStubbedBinaries writes stub executables for the provided names and
// prepends them to PATH. If names is empty, rsync is stubbed.
func WithStubbedBinaries(names ...string) ConfigOption {
	return func(b *configBuilder) {
		if len(names) == 0 {
			names = []string{"rsync"}
		}
		binDir := filepath.Join(b.baseDir, "bin")
		if err := os.MkdirAll(binDir, 0o755); err != nil {
			b.t.Fatalf("mkdir bin dir: %v", err)
		}
		script := []byte("#!/bin/sh\nexit 0\n")
		for _, name := range names {
			target := filepath.Join(binDir, name)
			if err := os.WriteFile(target, script, 0o755); err != nil {
				b.t.Fatalf("write stub %s: %v", name, err)
			}
		}

		oldPath := os.Getenv("PATH")
		if err := os.Setenv("PATH", binDir+string(os.PathListSeparator)+oldPath); err != nil {
			b.t.Fatalf("set PATH: %v", err)
		}
		b.t.Cleanup(func() {
			_ = os.Setenv("PATH", oldPath)
		})
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.DataDir)
}

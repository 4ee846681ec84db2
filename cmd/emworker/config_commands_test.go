package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestConfigInitAndValidate(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("EMHUB_USER", "validate-user")
	t.Setenv("EMHUB_PASSWORD", "validate-pass")

	out, _, err := runCLI(t, []string{"config", "validate"}, filepath.Join(t.TempDir(), "na.sock"), "")
	if err != nil {
		t.Fatalf("config validate: %v", err)
	}
	requireContains(t, out, "Configuration valid")

	tmp := t.TempDir()
	target := filepath.Join(tmp, "config.toml")
	out, _, err = runCLI(t, []string{"config", "init", "--path", target}, filepath.Join(tmp, "na.sock"), "")
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	requireContains(t, out, "Wrote sample configuration")

	if _, err := os.Stat(target); err != nil {
		t.Fatalf("expected config file at %s: %v", target, err)
	}

	if _, _, err := runCLI(t, []string{"config", "init", "--path", target}, filepath.Join(tmp, "na.sock"), ""); err == nil {
		t.Fatal("expected error when config already exists")
	}
}

func TestConfigShowMasksPassword(t *testing.T) {
	env := setupCLITestEnv(t)
	env.cfg.Coordinator.Password = "secret"
	writeTestConfig(t, env.configPath, env.cfg)

	out, _, err := runCLI(t, []string{"config", "show"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	requireContains(t, out, "********")
	if strings.Contains(out, "secret") {
		t.Fatalf("password leaked in output: %q", out)
	}
}

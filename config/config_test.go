package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ssrdev.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	cfg := Defaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if cfg.Worker.SrcDir != "src" || cfg.Worker.EntriesFile != "entries.tsx" {
		t.Fatalf("unexpected worker defaults %+v", cfg.Worker)
	}
	if !cfg.Worker.Watch || !cfg.Worker.StrictContext {
		t.Fatalf("watch and strict_context should default to true")
	}
}

func TestLoadYAMLKeepsDefaultsForMissingFields(t *testing.T) {
	path := writeConfig(t, `
worker:
  src_dir: app
  env:
    API_KEY: from-file
dev:
  addr: ":4000"
  request_timeout: 5s
  static:
    - prefix: public/
      dir: public
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Worker.SrcDir != "app" {
		t.Fatalf("src_dir = %q", cfg.Worker.SrcDir)
	}
	if cfg.Worker.EntriesFile != "entries.tsx" {
		t.Fatalf("entries_file default lost: %q", cfg.Worker.EntriesFile)
	}
	if cfg.Dev.Addr != ":4000" || cfg.Dev.RequestTimeout != 5*time.Second {
		t.Fatalf("unexpected dev config %+v", cfg.Dev)
	}
	if cfg.Dev.Static[0].Prefix != "/public/" {
		t.Fatalf("static prefix not normalized: %q", cfg.Dev.Static[0].Prefix)
	}
	if cfg.Worker.Env["API_KEY"] != "from-file" {
		t.Fatalf("env from file lost: %v", cfg.Worker.Env)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SSRDEV_SRC_DIR", "web")
	t.Setenv("SSRDEV_CONDITIONS", "react-server, node ,")
	t.Setenv("SSRDEV_WATCH", "false")
	t.Setenv("SSRDEV_REQUEST_TIMEOUT", "90s")
	t.Setenv("SSRDEV_ADDR", "127.0.0.1:9999")

	cfg, err := Load(writeConfig(t, "worker:\n  src_dir: app\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Worker.SrcDir != "web" {
		t.Fatalf("env should override file, got %q", cfg.Worker.SrcDir)
	}
	if len(cfg.Worker.Conditions) != 2 || cfg.Worker.Conditions[1] != "node" {
		t.Fatalf("conditions = %v", cfg.Worker.Conditions)
	}
	if cfg.Worker.Watch {
		t.Fatalf("expected watch disabled")
	}
	if cfg.Dev.RequestTimeout != 90*time.Second || cfg.Dev.Addr != "127.0.0.1:9999" {
		t.Fatalf("unexpected dev overrides %+v", cfg.Dev)
	}
}

func TestApplyPrivateEnv(t *testing.T) {
	cfg := Defaults()
	cfg.Worker.Env = map[string]string{"KEEP": "file"}

	applyPrivateEnv(&cfg, []string{
		"SSR_PRIVATE_TOKEN=abc=def",
		"SSR_PRIVATE_KEEP=env",
		"SSR_PRIVATE_=ignored",
		"PATH=/usr/bin",
	})

	if cfg.Worker.Env["TOKEN"] != "abc=def" {
		t.Fatalf("TOKEN = %q", cfg.Worker.Env["TOKEN"])
	}
	if cfg.Worker.Env["KEEP"] != "file" {
		t.Fatalf("file value should win, got %q", cfg.Worker.Env["KEEP"])
	}
	if _, ok := cfg.Worker.Env["PATH"]; ok || len(cfg.Worker.Env) != 2 {
		t.Fatalf("unexpected env %v", cfg.Worker.Env)
	}
}

func TestValidateReportsAllErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Worker.SrcDir = ""
	cfg.Worker.EntriesFile = "src/entries.tsx"
	cfg.Dev.ReloadPath = "reload"
	cfg.Dev.Static = []StaticRule{{Prefix: "/x/"}}

	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation errors")
	}
	for _, want := range []string{"src_dir", "entries_file", "reload_path", "static[0].dir"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected error for missing explicit config file")
	}
}

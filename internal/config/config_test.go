package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	home := t.TempDir()
	cfg, err := Load(home)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("log level default = %q", cfg.LogLevel)
	}
	if cfg.Sandbox.Mode != "ephemeral" {
		t.Errorf("sandbox mode default = %q", cfg.Sandbox.Mode)
	}
	if cfg.DefaultTimezone != "UTC" {
		t.Errorf("timezone default = %q", cfg.DefaultTimezone)
	}
}

func TestLoadParsesYAML(t *testing.T) {
	home := t.TempDir()
	yaml := `
log_level: debug
default_model: claude-opus
channels:
  telegram:
    enabled: true
    token: tok
    allowed_ids: [42]
sandbox:
  mode: daemon
  image: custom:latest
`
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(home)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "debug" || cfg.DefaultModel != "claude-opus" {
		t.Errorf("unexpected config: %+v", cfg)
	}
	if !cfg.Channels.Telegram.Enabled || cfg.Channels.Telegram.AllowedIDs[0] != 42 {
		t.Errorf("telegram config: %+v", cfg.Channels.Telegram)
	}
	if cfg.Sandbox.Mode != "daemon" || cfg.Sandbox.Image != "custom:latest" {
		t.Errorf("sandbox config: %+v", cfg.Sandbox)
	}
}

func TestEnvTokenOverride(t *testing.T) {
	t.Setenv("DOTCLAW_TELEGRAM_TOKEN", "env-token")
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Channels.Telegram.Token != "env-token" {
		t.Errorf("token = %q, want env override", cfg.Channels.Telegram.Token)
	}
}

func TestRuntimeDefaultsAndOverlay(t *testing.T) {
	rt, err := LoadRuntime(filepath.Join(t.TempDir(), "runtime.json"))
	if err != nil {
		t.Fatalf("LoadRuntime missing file: %v", err)
	}
	if rt.BatchWindow() != 2*time.Second {
		t.Errorf("batch window default = %v", rt.BatchWindow())
	}
	if rt.WorkerPoolSize != 4 || rt.MaxConsecutiveInteractive != 6 {
		t.Errorf("lane defaults: %+v", rt)
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "runtime.json")
	if err := os.WriteFile(path, []byte(`{"batch_window_ms": 500, "worker_pool_size": 8}`), 0o644); err != nil {
		t.Fatal(err)
	}
	rt, err = LoadRuntime(path)
	if err != nil {
		t.Fatalf("LoadRuntime: %v", err)
	}
	if rt.BatchWindowMs != 500 {
		t.Errorf("overlay batch window = %d", rt.BatchWindowMs)
	}
	if rt.WorkerPoolSize != 8 {
		t.Errorf("overlay pool size = %d", rt.WorkerPoolSize)
	}
	// Untouched fields keep defaults.
	if rt.TaskMaxRetries != 3 {
		t.Errorf("task max retries = %d, want default 3", rt.TaskMaxRetries)
	}
}

func TestEnsureLayout(t *testing.T) {
	cfg, _ := Load(t.TempDir())
	p := cfg.Paths()
	if err := p.EnsureLayout(); err != nil {
		t.Fatalf("EnsureLayout: %v", err)
	}
	for _, dir := range []string{p.ConfigDir(), p.DataDir(), p.IPCDir(), p.IPCErrorsDir()} {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			t.Errorf("missing dir %s: %v", dir, err)
		}
	}
}

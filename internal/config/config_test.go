package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fathom.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadReadsFileWithDefaults(t *testing.T) {
	path := writeConfig(t, `
service:
  addr: ":9001"
  read_timeout: 5s
store:
  driver: postgres
  postgres:
    host: db.internal
    port: 5433
    user: fathom
    database: missions
search:
  base_url: http://search:8090
  top_k: 12
`)
	t.Setenv("CONFIG_PATH", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Service.Addr != ":9001" {
		t.Errorf("Service.Addr = %q, want :9001", cfg.Service.Addr)
	}
	if cfg.Service.ReadTimeout != 5*time.Second {
		t.Errorf("Service.ReadTimeout = %v, want 5s", cfg.Service.ReadTimeout)
	}
	// Unset keys fall back to defaults.
	if cfg.Service.WriteTimeout != 30*time.Second {
		t.Errorf("Service.WriteTimeout = %v, want default 30s", cfg.Service.WriteTimeout)
	}
	if cfg.Dispatch.MaxAttempts != 3 {
		t.Errorf("Dispatch.MaxAttempts = %d, want default 3", cfg.Dispatch.MaxAttempts)
	}
	if cfg.Store.Driver != "postgres" {
		t.Errorf("Store.Driver = %q, want postgres", cfg.Store.Driver)
	}
	if cfg.Store.Postgres.Host != "db.internal" || cfg.Store.Postgres.Port != 5433 {
		t.Errorf("Store.Postgres = %+v, want db.internal:5433", cfg.Store.Postgres)
	}
	if cfg.Search.TopK != 12 {
		t.Errorf("Search.TopK = %d, want 12", cfg.Search.TopK)
	}
	if cfg.Auth.Enabled {
		t.Error("Auth.Enabled = true, want default false")
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
service:
  addr: ":9001"
`)
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("FATHOM_SERVICE_ADDR", ":7777")
	t.Setenv("FATHOM_LOGGING_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Service.Addr != ":7777" {
		t.Errorf("Service.Addr = %q, want env override :7777", cfg.Service.Addr)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug", cfg.Logging.Level)
	}
}

func TestLoadMissingFileRunsOnDefaults(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "absent.yaml"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load with missing file: %v", err)
	}
	if cfg.Store.Driver != "memory" {
		t.Errorf("Store.Driver = %q, want memory", cfg.Store.Driver)
	}
	if cfg.Service.Addr != ":8085" {
		t.Errorf("Service.Addr = %q, want :8085", cfg.Service.Addr)
	}
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	path := writeConfig(t, `
store:
  driver: mysql
`)
	t.Setenv("CONFIG_PATH", path)

	_, err := Load()
	if err == nil {
		t.Fatal("expected error for unknown store driver")
	}
	if !strings.Contains(err.Error(), "store driver") {
		t.Errorf("error = %v, want mention of store driver", err)
	}
}

func TestLoadRequiresJWTSecretWhenAuthEnabled(t *testing.T) {
	path := writeConfig(t, `
auth:
  enabled: true
`)
	t.Setenv("CONFIG_PATH", path)

	if _, err := Load(); err == nil {
		t.Fatal("expected error when auth enabled without jwt_secret")
	}
}

func TestModelsPathPrefersPinnedFile(t *testing.T) {
	dir := t.TempDir()
	pinned := filepath.Join(dir, "models.yaml")
	if err := os.WriteFile(pinned, []byte("model_catalog: {}\n"), 0o644); err != nil {
		t.Fatalf("write models file: %v", err)
	}

	cfg := &Config{Models: ModelsConfig{Path: pinned}}
	got, ok := cfg.ModelsPath()
	if !ok || got != pinned {
		t.Fatalf("ModelsPath = %q, %v, want %q, true", got, ok, pinned)
	}

	// A pinned path that does not exist falls through to the other
	// candidates instead of being returned blindly.
	cfg.Models.Path = filepath.Join(dir, "missing.yaml")
	t.Setenv("MODELS_CONFIG_PATH", pinned)
	got, ok = cfg.ModelsPath()
	if !ok || got != pinned {
		t.Fatalf("ModelsPath fallback = %q, %v, want %q, true", got, ok, pinned)
	}
}

func TestWatcherFiresAfterWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "models.yaml")
	if err := os.WriteFile(path, []byte("a: 1\n"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	w, err := NewWatcher(path, zap.NewNop())
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	w.debounce = 20 * time.Millisecond

	var fired atomic.Int32
	w.OnChange(func() { fired.Add(1) })
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	if err := os.WriteFile(path, []byte("a: 2\n"), 0o644); err != nil {
		t.Fatalf("rewrite file: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for fired.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("hook did not fire after file write")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWatcherIgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "models.yaml")
	if err := os.WriteFile(path, []byte("a: 1\n"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	w, err := NewWatcher(path, zap.NewNop())
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	w.debounce = 20 * time.Millisecond

	var fired atomic.Int32
	w.OnChange(func() { fired.Add(1) })
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	sibling := filepath.Join(dir, "fathom.yaml")
	if err := os.WriteFile(sibling, []byte("b: 1\n"), 0o644); err != nil {
		t.Fatalf("write sibling: %v", err)
	}

	time.Sleep(200 * time.Millisecond)
	if fired.Load() != 0 {
		t.Errorf("hook fired %d times for a sibling file write", fired.Load())
	}
}

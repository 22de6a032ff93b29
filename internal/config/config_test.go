package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	t.Setenv("SCRIBED_DATA_DIR", "/data/scribed")

	cfg := DefaultConfig()
	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.FlushTimeout() != 5*time.Second {
		t.Errorf("expected flush timeout 5s, got %v", cfg.FlushTimeout())
	}
	if cfg.Storage.BackupDir != filepath.Join("/data/scribed", "backups") {
		t.Errorf("unexpected backup dir: %s", cfg.Storage.BackupDir)
	}
	if !strings.HasSuffix(cfg.Storage.CatalogPath, "catalog.db") {
		t.Errorf("unexpected catalog path: %s", cfg.Storage.CatalogPath)
	}
	if cfg.Storage.CrashDir != filepath.Join("/data/scribed", "crashes") {
		t.Errorf("unexpected crash dir: %s", cfg.Storage.CrashDir)
	}
	if !strings.HasSuffix(cfg.IPC.SocketPath, "scribed.sock") {
		t.Errorf("unexpected socket path: %s", cfg.IPC.SocketPath)
	}
	if cfg.Web.Enabled {
		t.Error("web transport should be off by default")
	}
}

func TestConfigPath(t *testing.T) {
	t.Setenv("SCRIBED_CONFIG_DIR", "/etc/scribed")
	if got := ConfigPath(); got != filepath.Join("/etc/scribed", "config.toml") {
		t.Errorf("unexpected config path %s", got)
	}
}

func TestLoadNonexistent(t *testing.T) {
	cfg, err := Load("/nonexistent/path/config.toml")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Sync.FlushTimeoutMs != 5000 {
		t.Errorf("expected default flush timeout, got %d", cfg.Sync.FlushTimeoutMs)
	}
}

func TestLoadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
version = 1

[sync]
flush_timeout_ms = 1500

[storage]
backup_dir = "/custom/backups"

[outline]
mode = "lines"

[editor]
tabSize = 4

[editor.theme]
name = "paper"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Sync.FlushTimeoutMs != 1500 {
		t.Errorf("expected flush timeout 1500, got %d", cfg.Sync.FlushTimeoutMs)
	}
	if cfg.Storage.BackupDir != "/custom/backups" {
		t.Errorf("unexpected backup dir %s", cfg.Storage.BackupDir)
	}
	if cfg.Outline.Mode != "lines" {
		t.Errorf("unexpected outline mode %s", cfg.Outline.Mode)
	}
	// Untouched sections keep their defaults.
	if cfg.IPC.MaxConnections != 100 {
		t.Errorf("expected default max connections, got %d", cfg.IPC.MaxConnections)
	}

	if v, ok := cfg.EditorSetting("tabSize"); !ok || v != int64(4) {
		t.Errorf("tabSize = %v (%T), %v", v, v, ok)
	}
	if v, ok := cfg.EditorSetting("theme.name"); !ok || v != "paper" {
		t.Errorf("theme.name = %v, %v", v, ok)
	}
	if _, ok := cfg.EditorSetting("theme.missing"); ok {
		t.Error("missing key should not resolve")
	}
}

func TestLoadJSONAndYAML(t *testing.T) {
	dir := t.TempDir()

	jsonPath := filepath.Join(dir, "config.json")
	if err := os.WriteFile(jsonPath, []byte(`{"watch":{"enabled":false,"debounce_ms":50},"editor":{"font":"mono"}}`), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(jsonPath)
	if err != nil {
		t.Fatalf("Load JSON failed: %v", err)
	}
	if cfg.Watch.Enabled || cfg.Watch.DebounceMs != 50 {
		t.Errorf("unexpected watch config %+v", cfg.Watch)
	}
	if v, _ := cfg.EditorSetting("font"); v != "mono" {
		t.Errorf("font = %v", v)
	}

	yamlPath := filepath.Join(dir, "config.yaml")
	yamlContent := "ipc:\n  socket_path: /tmp/x.sock\n  max_connections: 3\n  timeout_sec: 10\n"
	if err := os.WriteFile(yamlPath, []byte(yamlContent), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err = Load(yamlPath)
	if err != nil {
		t.Fatalf("Load YAML failed: %v", err)
	}
	if cfg.IPC.SocketPath != "/tmp/x.sock" || cfg.IPC.MaxConnections != 3 {
		t.Errorf("unexpected ipc config %+v", cfg.IPC)
	}
	if cfg.IPCTimeout() != 10*time.Second {
		t.Errorf("unexpected ipc timeout %v", cfg.IPCTimeout())
	}
}

func TestLoadInvalidTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("this is not valid toml {{{"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected error for invalid TOML")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SCRIBED_SOCKET_PATH", "/run/test.sock")
	t.Setenv("SCRIBED_TOKEN_SECRET", "0123456789abcdef0123")
	t.Setenv("SCRIBED_WEB_ADDR", "127.0.0.1:9999")
	t.Setenv("SCRIBED_FLUSH_TIMEOUT_MS", "750")
	t.Setenv("SCRIBED_LOG_LEVEL", "debug")

	cfg, err := Load(filepath.Join(t.TempDir(), "none.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.IPC.SocketPath != "/run/test.sock" {
		t.Errorf("socket path override not applied: %s", cfg.IPC.SocketPath)
	}
	if !cfg.Web.Enabled || cfg.Web.Addr != "127.0.0.1:9999" {
		t.Errorf("web override not applied: %+v", cfg.Web)
	}
	if cfg.Web.TokenSecret != "0123456789abcdef0123" {
		t.Error("token secret override not applied")
	}
	if cfg.Sync.FlushTimeoutMs != 750 {
		t.Errorf("flush timeout override not applied: %d", cfg.Sync.FlushTimeoutMs)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level override not applied: %s", cfg.Logging.Level)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"bad version", func(c *Config) { c.Version = 99 }, "version"},
		{"zero flush timeout", func(c *Config) { c.Sync.FlushTimeoutMs = 0 }, "sync.flush_timeout_ms"},
		{"no backup dir", func(c *Config) { c.Storage.BackupDir = "" }, "storage.backup_dir"},
		{"no crash dir", func(c *Config) { c.Storage.CrashDir = "" }, "storage.crash_dir"},
		{"outline mode", func(c *Config) { c.Outline.Mode = "pages" }, "outline.mode"},
		{"no socket", func(c *Config) { c.IPC.SocketPath = "" }, "ipc.socket_path"},
		{"web addr", func(c *Config) { c.Web.Enabled = true; c.Web.Addr = "nope" }, "web.addr"},
		{"short secret", func(c *Config) { c.Web.Enabled = true; c.Web.TokenSecret = "short" }, "web.token_secret"},
		{"log level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"file output", func(c *Config) { c.Logging.Output = "file"; c.Logging.FilePath = "" }, "logging.file_path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			var verrs ValidationErrors
			if !errors.As(err, &verrs) {
				t.Fatalf("expected ValidationErrors, got %v", err)
			}
			if !verrs.Has(tt.field) {
				t.Errorf("expected error for %s, got %v", tt.field, verrs)
			}
		})
	}
}

func TestCloneIsDeep(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Editor["theme"] = map[string]any{"name": "paper"}

	clone := cfg.Clone()
	clone.Editor["theme"].(map[string]any)["name"] = "ink"
	clone.IPC.MaxConnections = 1

	if v, _ := cfg.EditorSetting("theme.name"); v != "paper" {
		t.Errorf("clone shares editor map: %v", v)
	}
	if cfg.IPC.MaxConnections != 100 {
		t.Error("clone shares ipc config")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"config.toml", "config.json", "config.yaml"} {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Sync.FlushTimeoutMs = 1234
			cfg.Outline.Mode = "lines"

			path := filepath.Join(dir, "nested", name)
			if err := cfg.Save(path); err != nil {
				t.Fatalf("Save failed: %v", err)
			}
			loaded, err := Load(path)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if loaded.Sync.FlushTimeoutMs != 1234 || loaded.Outline.Mode != "lines" {
				t.Errorf("round trip lost values: %+v %+v", loaded.Sync, loaded.Outline)
			}
		})
	}
}

func TestEnsureDirectories(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Storage.BackupDir = filepath.Join(dir, "a", "backups")
	cfg.Storage.CatalogPath = filepath.Join(dir, "b", "catalog.db")
	cfg.IPC.SocketPath = filepath.Join(dir, "c", "scribed.sock")
	cfg.Storage.CrashDir = filepath.Join(dir, "d", "crashes")
	cfg.Logging.AuditPath = filepath.Join(dir, "e", "audit.log")

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories failed: %v", err)
	}
	for _, sub := range []string{"a/backups", "b", "c", "d/crashes", "e"} {
		if info, err := os.Stat(filepath.Join(dir, sub)); err != nil || !info.IsDir() {
			t.Errorf("%s not created", sub)
		}
	}
}

func TestLoadOrCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg, created, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if !created || cfg == nil {
		t.Fatal("expected a new config to be created")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file not written: %v", err)
	}

	_, created, err = LoadOrCreate(path)
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}
	if created {
		t.Error("existing config should not be recreated")
	}
}

func TestLoaderHotReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[sync]\nflush_timeout_ms = 1000\n"), 0600); err != nil {
		t.Fatal(err)
	}

	loader := NewLoader(path)
	if _, err := loader.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	changed := make(chan [2]*Config, 4)
	loader.OnChange(func(old, next *Config) { changed <- [2]*Config{old, next} })
	if err := loader.Watch(); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer loader.Close()

	if err := os.WriteFile(path, []byte("[sync]\nflush_timeout_ms = 2000\n"), 0600); err != nil {
		t.Fatal(err)
	}

	select {
	case c := <-changed:
		if c[0].Sync.FlushTimeoutMs != 1000 {
			t.Errorf("expected previous timeout 1000, got %d", c[0].Sync.FlushTimeoutMs)
		}
		if c[1].Sync.FlushTimeoutMs != 2000 {
			t.Errorf("expected reloaded timeout 2000, got %d", c[1].Sync.FlushTimeoutMs)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
	if loader.Config().Sync.FlushTimeoutMs != 2000 {
		t.Error("loader config not updated")
	}
}

func TestLoaderRejectsInvalidReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[sync]\nflush_timeout_ms = 1000\n"), 0600); err != nil {
		t.Fatal(err)
	}

	loader := NewLoader(path)
	if _, err := loader.Load(); err != nil {
		t.Fatal(err)
	}
	errs := make(chan error, 4)
	loader.OnError(func(err error) { errs <- err })
	if err := loader.Watch(); err != nil {
		t.Fatal(err)
	}
	defer loader.Close()

	if err := os.WriteFile(path, []byte("[outline]\nmode = \"pages\"\n"), 0600); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-errs:
		if err == nil {
			t.Fatal("expected an error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload error")
	}
	if loader.Config().Sync.FlushTimeoutMs != 1000 {
		t.Error("invalid reload should keep the previous config")
	}
}

func TestLoaderMissingFileUsesDefaults(t *testing.T) {
	for _, name := range []string{"config.toml", "config.json", "config.yaml"} {
		loader := NewLoader(filepath.Join(t.TempDir(), name))
		cfg, err := loader.Load()
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if cfg.Sync.FlushTimeoutMs != DefaultConfig().Sync.FlushTimeoutMs {
			t.Errorf("%s: expected default flush timeout, got %d", name, cfg.Sync.FlushTimeoutMs)
		}
		if err := loader.Close(); err != nil {
			t.Errorf("%s: close without watch: %v", name, err)
		}
	}
}

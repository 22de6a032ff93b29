// Package config handles configuration loading, validation, and management for scribed.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Sync configuration for the per-document controllers.
	Sync SyncConfig `toml:"sync" json:"sync" yaml:"sync"`

	// Storage configuration for backups and the backup catalog.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// Watch configuration for external change detection.
	Watch WatchConfig `toml:"watch" json:"watch" yaml:"watch"`

	// Outline configuration.
	Outline OutlineConfig `toml:"outline" json:"outline" yaml:"outline"`

	// IPC configuration for the local socket.
	IPC IPCConfig `toml:"ipc" json:"ipc" yaml:"ipc"`

	// Web configuration for the websocket transport.
	Web WebConfig `toml:"web" json:"web" yaml:"web"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// Editor is served verbatim to views through getConfiguration.
	Editor map[string]any `toml:"editor" json:"editor" yaml:"editor"`

	mu sync.RWMutex `toml:"-" json:"-" yaml:"-"`
}

// SyncConfig holds synchronization settings.
type SyncConfig struct {
	// FlushTimeoutMs bounds how long a save waits for each view to flush.
	FlushTimeoutMs int `toml:"flush_timeout_ms" json:"flush_timeout_ms" yaml:"flush_timeout_ms"`

	// HistoryLimit caps the undo stack of each document.
	HistoryLimit int `toml:"history_limit" json:"history_limit" yaml:"history_limit"`
}

// StorageConfig holds persistence settings.
type StorageConfig struct {
	// BackupDir is where document backups are written.
	BackupDir string `toml:"backup_dir" json:"backup_dir" yaml:"backup_dir"`

	// CatalogPath is the SQLite database recording backups.
	CatalogPath string `toml:"catalog_path" json:"catalog_path" yaml:"catalog_path"`

	// HotExit resumes documents from their latest backup when reopened.
	HotExit bool `toml:"hot_exit" json:"hot_exit" yaml:"hot_exit"`

	// CrashDir receives a JSON report for every recovered panic.
	CrashDir string `toml:"crash_dir" json:"crash_dir" yaml:"crash_dir"`
}

// WatchConfig holds external change detection settings.
type WatchConfig struct {
	// Enabled turns on watching of open documents.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// DebounceMs is the quiet period before a change is reported.
	DebounceMs int `toml:"debounce_ms" json:"debounce_ms" yaml:"debounce_ms"`
}

// OutlineConfig holds outline index settings.
type OutlineConfig struct {
	// AutoRefresh rebuilds the index after every content change.
	AutoRefresh bool `toml:"auto_refresh" json:"auto_refresh" yaml:"auto_refresh"`

	// Mode is "chapters" or "lines".
	Mode string `toml:"mode" json:"mode" yaml:"mode"`
}

// IPCConfig holds local socket settings.
type IPCConfig struct {
	// SocketPath is the Unix socket path.
	SocketPath string `toml:"socket_path" json:"socket_path" yaml:"socket_path"`

	// MaxConnections limits concurrent connections.
	MaxConnections int `toml:"max_connections" json:"max_connections" yaml:"max_connections"`

	// TimeoutSec is the idle read timeout for a connection.
	TimeoutSec int `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`
}

// WebConfig holds websocket transport settings.
type WebConfig struct {
	// Enabled starts the HTTP listener.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Addr is the listen address.
	Addr string `toml:"addr" json:"addr" yaml:"addr"`

	// TokenSecret enables signed view tokens when set.
	TokenSecret string `toml:"token_secret" json:"token_secret" yaml:"token_secret"`

	// TokenTTLSec is the lifetime of issued tokens.
	TokenTTLSec int `toml:"token_ttl_sec" json:"token_ttl_sec" yaml:"token_ttl_sec"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level      string `toml:"level" json:"level" yaml:"level"`
	Format     string `toml:"format" json:"format" yaml:"format"`
	Output     string `toml:"output" json:"output" yaml:"output"`
	FilePath   string `toml:"file_path" json:"file_path" yaml:"file_path"`
	MaxSizeMB  int    `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
	Compress   bool   `toml:"compress" json:"compress" yaml:"compress"`

	// AuditPath is the JSON-lines record of saves, reverts, backups and
	// configuration reloads. Empty disables it.
	AuditPath string `toml:"audit_path" json:"audit_path" yaml:"audit_path"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := ScribedDir()
	return &Config{
		Version: Version,
		Sync: SyncConfig{
			FlushTimeoutMs: 5000,
			HistoryLimit:   500,
		},
		Storage: StorageConfig{
			BackupDir:   filepath.Join(dir, "backups"),
			CatalogPath: filepath.Join(dir, "catalog.db"),
			HotExit:     true,
			CrashDir:    filepath.Join(dir, "crashes"),
		},
		Watch: WatchConfig{
			Enabled:    true,
			DebounceMs: 250,
		},
		Outline: OutlineConfig{
			AutoRefresh: true,
			Mode:        "chapters",
		},
		IPC: IPCConfig{
			SocketPath:     defaultSocketPath(),
			MaxConnections: 100,
			TimeoutSec:     300,
		},
		Web: WebConfig{
			Enabled:     false,
			Addr:        "127.0.0.1:7457",
			TokenTTLSec: 86400,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(dir, "logs", "scribed.log"),
			MaxSizeMB:  20,
			MaxBackups: 5,
			AuditPath:  filepath.Join(dir, "logs", "audit.log"),
		},
		Editor: map[string]any{},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(PlatformConfigDir(), "config.toml")
}

// Load reads configuration from the specified path.
// If the file doesn't exist, returns default configuration.
// Supports TOML, JSON, and YAML formats based on file extension.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}
	raw, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	cfg, err := decode(raw, filepath.Ext(path))
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// decode parses raw over the defaults in the format named by ext. Empty
// input yields the defaults.
func decode(raw []byte, ext string) (*Config, error) {
	cfg := DefaultConfig()
	if len(raw) > 0 {
		switch ext {
		case ".json":
			if err := json.Unmarshal(raw, cfg); err != nil {
				return nil, fmt.Errorf("decode JSON: %w", err)
			}
		case ".yaml", ".yml":
			if err := yaml.Unmarshal(raw, cfg); err != nil {
				return nil, fmt.Errorf("decode YAML: %w", err)
			}
		default:
			if _, err := toml.Decode(string(raw), cfg); err != nil {
				return nil, fmt.Errorf("decode TOML: %w", err)
			}
		}
	}
	if cfg.Editor == nil {
		cfg.Editor = map[string]any{}
	}
	return cfg, nil
}

// Save writes the configuration to path in the format implied by its extension.
func (c *Config) Save(path string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var (
		data []byte
		err  error
	)
	switch filepath.Ext(path) {
	case ".json":
		data, err = json.MarshalIndent(c, "", "  ")
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	default:
		data, err = toml.Marshal(c)
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates all directories the daemon writes to.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Storage.BackupDir,
		filepath.Dir(c.Storage.CatalogPath),
		filepath.Dir(c.IPC.SocketPath),
		c.Storage.CrashDir,
	}
	if c.Logging.Output == "file" || c.Logging.Output == "both" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}
	if c.Logging.AuditPath != "" {
		dirs = append(dirs, filepath.Dir(c.Logging.AuditPath))
	}
	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// ScribedDir returns the base data directory.
// SCRIBED_DATA_DIR overrides the platform default.
func ScribedDir() string {
	if envDir := os.Getenv("SCRIBED_DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables are prefixed with SCRIBED_ and use underscores.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v := os.Getenv("SCRIBED_BACKUP_DIR"); v != "" {
		c.Storage.BackupDir = v
	}
	if v := os.Getenv("SCRIBED_CATALOG_PATH"); v != "" {
		c.Storage.CatalogPath = v
	}
	if v := os.Getenv("SCRIBED_CRASH_DIR"); v != "" {
		c.Storage.CrashDir = v
	}
	if v := os.Getenv("SCRIBED_SOCKET_PATH"); v != "" {
		c.IPC.SocketPath = v
	}
	if v := os.Getenv("SCRIBED_WEB_ADDR"); v != "" {
		c.Web.Addr = v
		c.Web.Enabled = true
	}
	// Secrets belong in the environment rather than the file.
	if v := os.Getenv("SCRIBED_TOKEN_SECRET"); v != "" {
		c.Web.TokenSecret = v
	}
	if v := os.Getenv("SCRIBED_FLUSH_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Sync.FlushTimeoutMs = n
		}
	}
	if v := os.Getenv("SCRIBED_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("SCRIBED_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	clone := &Config{
		Version: c.Version,
		Sync:    c.Sync,
		Storage: c.Storage,
		Watch:   c.Watch,
		Outline: c.Outline,
		IPC:     c.IPC,
		Web:     c.Web,
		Logging: c.Logging,
		Editor:  cloneMap(c.Editor),
	}
	return clone
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			out[k] = cloneMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}

// EditorSetting returns the editor setting under key. Dotted keys descend
// into nested tables.
func (c *Config) EditorSetting(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if v, ok := c.Editor[key]; ok {
		return v, true
	}
	var cur any = c.Editor
	for _, part := range strings.Split(key, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// FlushTimeout returns the per-view flush timeout.
func (c *Config) FlushTimeout() time.Duration {
	return time.Duration(c.Sync.FlushTimeoutMs) * time.Millisecond
}

// Debounce returns the watcher debounce interval.
func (c *Config) Debounce() time.Duration {
	return time.Duration(c.Watch.DebounceMs) * time.Millisecond
}

// IPCTimeout returns the idle connection timeout.
func (c *Config) IPCTimeout() time.Duration {
	return time.Duration(c.IPC.TimeoutSec) * time.Second
}

// TokenTTL returns the lifetime of issued view tokens.
func (c *Config) TokenTTL() time.Duration {
	return time.Duration(c.Web.TokenTTLSec) * time.Second
}

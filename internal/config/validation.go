package config

import (
	"fmt"
	"net"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Has reports whether a validation error was recorded for field.
func (e ValidationErrors) Has(field string) bool {
	for _, err := range e {
		if err.Field == field {
			return true
		}
	}
	return false
}

// ValidateConfig performs comprehensive validation of the configuration.
func ValidateConfig(c *Config) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateSync(&c.Sync)...)
	errs = append(errs, validateStorage(&c.Storage)...)
	errs = append(errs, validateWatch(&c.Watch)...)
	errs = append(errs, validateOutline(&c.Outline)...)
	errs = append(errs, validateIPC(&c.IPC)...)
	errs = append(errs, validateWeb(&c.Web)...)
	errs = append(errs, validateLogging(&c.Logging)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateSync(s *SyncConfig) ValidationErrors {
	var errs ValidationErrors
	if s.FlushTimeoutMs <= 0 {
		errs = append(errs, ValidationError{Field: "sync.flush_timeout_ms", Message: "must be positive"})
	}
	if s.HistoryLimit < 0 {
		errs = append(errs, ValidationError{Field: "sync.history_limit", Message: "must not be negative"})
	}
	return errs
}

func validateStorage(s *StorageConfig) ValidationErrors {
	var errs ValidationErrors
	if s.BackupDir == "" {
		errs = append(errs, ValidationError{Field: "storage.backup_dir", Message: "required"})
	}
	if s.CatalogPath == "" {
		errs = append(errs, ValidationError{Field: "storage.catalog_path", Message: "required"})
	}
	if s.CrashDir == "" {
		errs = append(errs, ValidationError{Field: "storage.crash_dir", Message: "required"})
	}
	return errs
}

func validateWatch(w *WatchConfig) ValidationErrors {
	var errs ValidationErrors
	if w.DebounceMs < 0 {
		errs = append(errs, ValidationError{Field: "watch.debounce_ms", Message: "must not be negative"})
	}
	if w.DebounceMs > 60000 {
		errs = append(errs, ValidationError{Field: "watch.debounce_ms", Message: "must not exceed 60000"})
	}
	return errs
}

func validateOutline(o *OutlineConfig) ValidationErrors {
	switch o.Mode {
	case "chapters", "lines":
		return nil
	}
	return ValidationErrors{{Field: "outline.mode", Message: fmt.Sprintf("unknown mode %q (want chapters or lines)", o.Mode)}}
}

func validateIPC(i *IPCConfig) ValidationErrors {
	var errs ValidationErrors
	if i.SocketPath == "" {
		errs = append(errs, ValidationError{Field: "ipc.socket_path", Message: "required"})
	}
	if i.MaxConnections < 1 {
		errs = append(errs, ValidationError{Field: "ipc.max_connections", Message: "must be at least 1"})
	}
	if i.TimeoutSec < 0 {
		errs = append(errs, ValidationError{Field: "ipc.timeout_sec", Message: "must not be negative"})
	}
	return errs
}

func validateWeb(w *WebConfig) ValidationErrors {
	var errs ValidationErrors
	if !w.Enabled {
		return nil
	}
	if _, _, err := net.SplitHostPort(w.Addr); err != nil {
		errs = append(errs, ValidationError{Field: "web.addr", Message: err.Error()})
	}
	if w.TokenSecret != "" && len(w.TokenSecret) < 16 {
		errs = append(errs, ValidationError{Field: "web.token_secret", Message: "must be at least 16 bytes"})
	}
	if w.TokenTTLSec < 0 {
		errs = append(errs, ValidationError{Field: "web.token_ttl_sec", Message: "must not be negative"})
	}
	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors
	switch strings.ToLower(l.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, ValidationError{Field: "logging.level", Message: fmt.Sprintf("unknown level %q", l.Level)})
	}
	switch strings.ToLower(l.Format) {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{Field: "logging.format", Message: fmt.Sprintf("unknown format %q", l.Format)})
	}
	switch l.Output {
	case "stdout", "stderr", "discard":
	case "file", "both":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{Field: "logging.file_path", Message: "required for file output"})
		}
	default:
		errs = append(errs, ValidationError{Field: "logging.output", Message: fmt.Sprintf("unknown output %q", l.Output)})
	}
	if l.MaxSizeMB < 0 {
		errs = append(errs, ValidationError{Field: "logging.max_size_mb", Message: "must not be negative"})
	}
	return errs
}

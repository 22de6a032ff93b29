// Package logging wraps log/slog for scribed.
//
// A Logger writes text or JSON to stderr, stdout, a rotating file, or both.
// Child loggers share the parent's level, so SetLevel on the root logger
// takes effect everywhere after a configuration reload.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// Level is a slog level.
type Level = slog.Level

const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// Format selects the handler.
type Format int

const (
	FormatText Format = iota
	FormatJSON
)

// ParseFormat parses "text" or "json".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "text":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	}
	return FormatText, fmt.Errorf("unknown log format: %s", s)
}

// ParseLevel parses debug, info, warn (or warning) and error.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level: %s", s)
}

// Config holds the logging configuration.
type Config struct {
	Level  Level
	Format Format

	// Output is one of "stdout", "stderr", "file", "both" or "discard".
	// "both" writes to stderr and the file.
	Output string

	// FilePath, MaxBytes, MaxBackups and Compress configure the file sink.
	FilePath   string
	MaxBytes   int64
	MaxBackups int
	Compress   bool

	AddSource bool

	// Component is attached to every entry of the root logger.
	Component string

	// Writer replaces Output when set.
	Writer io.Writer
}

// DefaultConfig logs info and above as text on stderr.
func DefaultConfig() *Config {
	return &Config{
		Level:      LevelInfo,
		Format:     FormatText,
		Output:     "stderr",
		MaxBytes:   20 << 20,
		MaxBackups: 5,
		Compress:   true,
		Component:  "scribed",
	}
}

// Logger is a slog.Logger with a shared level and an optional file sink.
type Logger struct {
	*slog.Logger
	level *slog.LevelVar
	sink  *FileRotator
}

var defaultLogger atomic.Pointer[Logger]

// Default returns the process logger. Until SetDefault is called it wraps
// slog.Default().
func Default() *Logger {
	if l := defaultLogger.Load(); l != nil {
		return l
	}
	lv := new(slog.LevelVar)
	return &Logger{Logger: slog.Default(), level: lv}
}

// SetDefault installs l as the process logger and as slog's default.
func SetDefault(l *Logger) {
	defaultLogger.Store(l)
	slog.SetDefault(l.Logger)
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	lv := new(slog.LevelVar)
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil)), level: lv}
}

// New builds a Logger from cfg.
func New(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	l := &Logger{level: new(slog.LevelVar)}
	l.level.Set(cfg.Level)

	w, err := l.open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open log output: %w", err)
	}

	opts := &slog.HandlerOptions{
		Level:       l.level,
		AddSource:   cfg.AddSource,
		ReplaceAttr: redact,
	}
	var h slog.Handler = slog.NewTextHandler(w, opts)
	if cfg.Format == FormatJSON {
		h = slog.NewJSONHandler(w, opts)
	}
	if cfg.Component != "" {
		h = h.WithAttrs([]slog.Attr{slog.String("component", cfg.Component)})
	}
	l.Logger = slog.New(h)
	return l, nil
}

func (l *Logger) open(cfg *Config) (io.Writer, error) {
	if cfg.Writer != nil {
		return cfg.Writer, nil
	}
	out := strings.ToLower(cfg.Output)
	switch out {
	case "stdout":
		return os.Stdout, nil
	case "discard":
		return io.Discard, nil
	case "file", "both":
		if cfg.FilePath == "" {
			return nil, fmt.Errorf("output %q needs a file path", cfg.Output)
		}
		r, err := NewFileRotator(cfg)
		if err != nil {
			return nil, err
		}
		l.sink = r
		if out == "both" {
			return io.MultiWriter(os.Stderr, r), nil
		}
		return r, nil
	}
	return os.Stderr, nil
}

var sensitiveKeys = []string{"secret", "token", "password", "authorization"}

func shouldRedact(key string) bool {
	k := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}

func redact(_ []string, a slog.Attr) slog.Attr {
	if shouldRedact(a.Key) {
		a.Value = slog.StringValue("[REDACTED]")
	}
	return a
}

func (l *Logger) child(s *slog.Logger) *Logger {
	return &Logger{Logger: s, level: l.level, sink: l.sink}
}

// With returns a child logger carrying args.
func (l *Logger) With(args ...any) *Logger {
	return l.child(l.Logger.With(args...))
}

// WithComponent returns a child logger for a subsystem.
func (l *Logger) WithComponent(name string) *Logger {
	return l.child(l.Logger.With(slog.String("component", name)))
}

// ForDocument returns a child logger for one open document.
func (l *Logger) ForDocument(component, path string) *Logger {
	return l.child(l.Logger.With(slog.String("component", component), slog.String("document", path)))
}

// ForConn returns a child logger for one client connection.
func (l *Logger) ForConn(id, transport string) *Logger {
	return l.child(l.Logger.With(slog.String("conn", id), slog.String("transport", transport)))
}

// SetLevel changes the level of this logger and every logger sharing it.
func (l *Logger) SetLevel(level Level) {
	l.level.Set(level)
}

// Level reports the current level.
func (l *Logger) Level() Level {
	return l.level.Level()
}

// Close closes the file sink, if any. Children share the sink; close the
// root logger only.
func (l *Logger) Close() error {
	if l.sink == nil {
		return nil
	}
	return l.sink.Close()
}

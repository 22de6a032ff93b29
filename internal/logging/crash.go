package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sort"
	"strings"
	"sync/atomic"
	"time"
)

// CrashReport describes one recovered panic. It is written to the crash
// directory as crash-<component>-<time>-<seq>.json.
type CrashReport struct {
	Timestamp    time.Time      `json:"timestamp"`
	Version      string         `json:"version"`
	GOOS         string         `json:"goos"`
	GOARCH       string         `json:"goarch"`
	NumGoroutine int            `json:"num_goroutine"`
	Panic        string         `json:"panic"`
	Stack        string         `json:"stack"`
	Component    string         `json:"component,omitempty"`
	Document     string         `json:"document,omitempty"`
	Conn         string         `json:"conn,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
}

// CrashConfig configures a CrashHandler.
type CrashConfig struct {
	// Dir receives the reports. It is created if missing.
	Dir string

	Version string
	Logger  *Logger

	// OnCrash runs after the report is written.
	OnCrash func(CrashReport)
}

// CrashHandler turns recovered panics into crash reports so a misbehaving
// connection or document does not take the daemon down.
type CrashHandler struct {
	dir     string
	version string
	log     *Logger
	onCrash func(CrashReport)
	seq     atomic.Uint64
}

// NewCrashHandler creates the crash directory and returns a handler for it.
func NewCrashHandler(cfg CrashConfig) (*CrashHandler, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("crash directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("create crash directory: %w", err)
	}
	log := cfg.Logger
	if log == nil {
		log = Default()
	}
	return &CrashHandler{
		dir:     cfg.Dir,
		version: cfg.Version,
		log:     log.WithComponent("crash"),
		onCrash: cfg.OnCrash,
	}, nil
}

var defaultCrash atomic.Pointer[CrashHandler]

// SetDefaultCrashHandler installs h for RecoverPanic. Nil uninstalls it.
func SetDefaultCrashHandler(h *CrashHandler) {
	defaultCrash.Store(h)
}

// DefaultCrashHandler returns the installed handler, or nil.
func DefaultCrashHandler() *CrashHandler {
	return defaultCrash.Load()
}

// RecoverPanic recovers a panic in the calling goroutine and reports it to
// the default handler. It must be deferred directly:
//
//	defer logging.RecoverPanic("component", "ipc", "conn", id)
//
// fields are key/value pairs; "component", "document" and "conn" fill the
// matching report fields and the rest go to Context.
func RecoverPanic(fields ...any) {
	if v := recover(); v != nil {
		DefaultCrashHandler().Handle(v, fields...)
	}
}

// Recover is RecoverPanic bound to h. It must be deferred directly.
func (h *CrashHandler) Recover(fields ...any) {
	if v := recover(); v != nil {
		h.Handle(v, fields...)
	}
}

// Handle records panic value v. A nil handler only logs.
func (h *CrashHandler) Handle(v any, fields ...any) CrashReport {
	r := CrashReport{
		Timestamp:    time.Now().UTC(),
		GOOS:         runtime.GOOS,
		GOARCH:       runtime.GOARCH,
		NumGoroutine: runtime.NumGoroutine(),
		Panic:        fmt.Sprint(v),
		Stack:        string(debug.Stack()),
	}
	for i := 0; i+1 < len(fields); i += 2 {
		key := fmt.Sprint(fields[i])
		val := fields[i+1]
		switch key {
		case "component":
			r.Component = fmt.Sprint(val)
		case "document":
			r.Document = fmt.Sprint(val)
		case "conn":
			r.Conn = fmt.Sprint(val)
		default:
			if r.Context == nil {
				r.Context = make(map[string]any)
			}
			r.Context[key] = val
		}
	}

	if h == nil {
		Default().Error("recovered panic", "panic", r.Panic, "component", r.Component,
			"document", r.Document, "conn", r.Conn)
		return r
	}
	r.Version = h.version

	path, err := h.write(r)
	if err != nil {
		h.log.Error("write crash report", "error", err)
	}
	h.log.Error("recovered panic", "panic", r.Panic, "component", r.Component,
		"document", r.Document, "conn", r.Conn, "report", path)
	if h.onCrash != nil {
		h.onCrash(r)
	}
	return r
}

func (h *CrashHandler) write(r CrashReport) (string, error) {
	component := r.Component
	if component == "" {
		component = "scribed"
	}
	component = strings.NewReplacer("/", "-", string(filepath.Separator), "-", " ", "-").Replace(component)
	name := fmt.Sprintf("crash-%s-%s-%d.json", component, r.Timestamp.Format("20060102T150405"), h.seq.Add(1))
	path := filepath.Join(h.dir, name)

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal crash report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write crash report: %w", err)
	}
	return path, nil
}

// Reports lists the report files, oldest first.
func (h *CrashHandler) Reports() ([]string, error) {
	files, err := filepath.Glob(filepath.Join(h.dir, "crash-*.json"))
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool {
		fi, erri := os.Stat(files[i])
		fj, errj := os.Stat(files[j])
		if erri != nil || errj != nil {
			return files[i] < files[j]
		}
		return fi.ModTime().Before(fj.ModTime())
	})
	return files, nil
}

// LoadReport reads one report file.
func LoadReport(path string) (*CrashReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var r CrashReport
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse crash report: %w", err)
	}
	return &r, nil
}

// Prune removes reports older than maxAge and returns how many it removed.
func (h *CrashHandler) Prune(maxAge time.Duration) (int, error) {
	files, err := h.Reports()
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, f := range files {
		info, err := os.Stat(f)
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(f); err == nil {
			removed++
		}
	}
	return removed, nil
}

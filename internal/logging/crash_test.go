package logging

import (
	"os"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestCrashHandler(t *testing.T) (*CrashHandler, *[]CrashReport) {
	t.Helper()
	var (
		mu   sync.Mutex
		seen []CrashReport
	)
	h, err := NewCrashHandler(CrashConfig{
		Dir:     t.TempDir(),
		Version: "1.2.3",
		Logger:  Discard(),
		OnCrash: func(r CrashReport) {
			mu.Lock()
			seen = append(seen, r)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("new crash handler: %v", err)
	}
	return h, &seen
}

func TestRecoverWritesReport(t *testing.T) {
	h, seen := newTestCrashHandler(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer h.Recover("component", "ipc", "conn", "c7", "document", "/tmp/a.txt", "op", "getFile")
		panic("boom")
	}()
	<-done

	files, err := h.Reports()
	if err != nil {
		t.Fatalf("reports: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("expected one report, got %v", files)
	}
	if !strings.Contains(files[0], "crash-ipc-") {
		t.Errorf("report name %q lacks component", files[0])
	}

	r, err := LoadReport(files[0])
	if err != nil {
		t.Fatalf("load report: %v", err)
	}
	if r.Panic != "boom" || r.Version != "1.2.3" {
		t.Errorf("unexpected report: panic=%q version=%q", r.Panic, r.Version)
	}
	if r.Component != "ipc" || r.Conn != "c7" || r.Document != "/tmp/a.txt" {
		t.Errorf("context fields not lifted: %+v", r)
	}
	if r.Context["op"] != "getFile" {
		t.Errorf("expected op in context, got %v", r.Context)
	}
	if !strings.Contains(r.Stack, "goroutine") {
		t.Error("expected a stack trace")
	}
	if len(*seen) != 1 {
		t.Errorf("expected OnCrash once, got %d", len(*seen))
	}
}

func TestRecoverPanicUsesDefaultHandler(t *testing.T) {
	h, _ := newTestCrashHandler(t)
	SetDefaultCrashHandler(h)
	t.Cleanup(func() { SetDefaultCrashHandler(nil) })

	func() {
		defer RecoverPanic("component", "web")
		var m map[string]int
		m["x"] = 1
	}()

	files, _ := h.Reports()
	if len(files) != 1 {
		t.Fatalf("expected one report, got %v", files)
	}
}

func TestRecoverPanicWithoutHandler(t *testing.T) {
	SetDefaultCrashHandler(nil)
	func() {
		defer RecoverPanic("component", "workspace")
		panic("no handler")
	}()
}

func TestRecoverIgnoresNormalReturn(t *testing.T) {
	h, seen := newTestCrashHandler(t)
	func() {
		defer h.Recover("component", "ipc")
	}()
	if len(*seen) != 0 {
		t.Errorf("expected no crash, got %d", len(*seen))
	}
}

func TestPruneRemovesOldReports(t *testing.T) {
	h, _ := newTestCrashHandler(t)
	h.Handle("old")
	h.Handle("new")

	files, _ := h.Reports()
	if len(files) != 2 {
		t.Fatalf("expected two reports, got %v", files)
	}
	past := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(files[0], past, past); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	removed, err := h.Prune(24 * time.Hour)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected one removal, got %d", removed)
	}
	files, _ = h.Reports()
	if len(files) != 1 {
		t.Errorf("expected one report left, got %v", files)
	}
}

func TestNewCrashHandlerNeedsDir(t *testing.T) {
	if _, err := NewCrashHandler(CrashConfig{}); err == nil {
		t.Error("expected error without a directory")
	}
}

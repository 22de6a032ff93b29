package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// AuditEventType names what happened to a document or to the daemon.
type AuditEventType string

const (
	AuditStartup        AuditEventType = "startup"
	AuditShutdown       AuditEventType = "shutdown"
	AuditConfigReload   AuditEventType = "config_reload"
	AuditOpen           AuditEventType = "open"
	AuditSave           AuditEventType = "save"
	AuditSaveAs         AuditEventType = "save_as"
	AuditRevert         AuditEventType = "revert"
	AuditExternalRevert AuditEventType = "external_revert"
	AuditBackup         AuditEventType = "backup"
	AuditClose          AuditEventType = "close"
	AuditCrash          AuditEventType = "crash"
)

// AuditEvent is one line of the audit log.
type AuditEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	Type      AuditEventType `json:"event_type"`
	Resource  string         `json:"resource,omitempty"`
	Result    string         `json:"result"`
	Error     string         `json:"error,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// AuditLog appends AuditEvents as JSON lines to a rotating file. A nil
// *AuditLog discards everything, so callers need not check.
type AuditLog struct {
	mu   sync.Mutex
	sink *FileRotator
}

// NewAuditLog opens the audit file at path.
func NewAuditLog(path string, maxBytes int64, maxBackups int) (*AuditLog, error) {
	r, err := NewFileRotator(&Config{
		FilePath:   path,
		MaxBytes:   maxBytes,
		MaxBackups: maxBackups,
		Compress:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("create audit rotator: %w", err)
	}
	return &AuditLog{sink: r}, nil
}

// Log writes ev, filling the timestamp and result when unset.
func (a *AuditLog) Log(_ context.Context, ev AuditEvent) error {
	if a == nil {
		return nil
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.Result == "" {
		ev.Result = "success"
		if ev.Error != "" {
			ev.Result = "failure"
		}
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	data = append(data, '\n')

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.sink.Write(data); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	return nil
}

// Record logs typ for resource with the outcome of err. details are
// key/value pairs.
func (a *AuditLog) Record(ctx context.Context, typ AuditEventType, resource string, err error, details ...any) {
	if a == nil {
		return
	}
	ev := AuditEvent{Type: typ, Resource: resource}
	if err != nil {
		ev.Error = err.Error()
	}
	for i := 0; i+1 < len(details); i += 2 {
		if ev.Details == nil {
			ev.Details = make(map[string]any)
		}
		ev.Details[fmt.Sprint(details[i])] = details[i+1]
	}
	if lerr := a.Log(ctx, ev); lerr != nil {
		Default().Warn("audit write failed", "event", string(typ), "error", lerr)
	}
}

// Close closes the file.
func (a *AuditLog) Close() error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sink.Close()
}

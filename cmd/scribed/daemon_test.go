package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scribed/internal/config"
	"scribed/internal/health"
	"scribed/internal/ipc"
	"scribed/internal/logging"
	"scribed/internal/protocol"
	"scribed/internal/workspace"
)

// startDaemon runs a daemon from a config file in a temp directory, with
// the web front end on a free port.
func startDaemon(t *testing.T, mutate func(*config.Config)) (*Daemon, *config.Config) {
	t.Helper()
	data := t.TempDir()
	sockDir, err := os.MkdirTemp("", "sd")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(sockDir) })

	cfg := config.DefaultConfig()
	cfg.Storage.BackupDir = filepath.Join(data, "backups")
	cfg.Storage.CatalogPath = filepath.Join(data, "catalog.db")
	cfg.Storage.CrashDir = filepath.Join(data, "crashes")
	cfg.Logging.AuditPath = filepath.Join(data, "logs", "audit.log")
	cfg.IPC.SocketPath = filepath.Join(sockDir, "scribed.sock")
	cfg.Web.Enabled = true
	cfg.Web.Addr = "127.0.0.1:0"
	cfg.Logging.Output = "discard"
	cfg.Sync.FlushTimeoutMs = 500
	if mutate != nil {
		mutate(cfg)
	}
	path := filepath.Join(data, "config.toml")
	require.NoError(t, cfg.Save(path))

	d, err := NewDaemon(path)
	require.NoError(t, err)
	require.NoError(t, d.Start())
	t.Cleanup(func() { d.Stop(context.Background()) })
	return d, cfg
}

func control(t *testing.T, socket string) *ipc.ControlClient {
	t.Helper()
	cc := ipc.DefaultClientConfig(socket)
	c, err := ipc.DialControl(context.Background(), cc)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestDaemonServesControlCommands(t *testing.T) {
	d, cfg := startDaemon(t, nil)
	c := control(t, cfg.IPC.SocketPath)
	ctx := context.Background()

	doc := filepath.Join(t.TempDir(), "GEN.usfm")
	require.NoError(t, os.WriteFile(doc, []byte("\\c 1\n\\v 1 In the beginning"), 0644))

	var opened workspace.OpenResult
	require.NoError(t, c.Call(ctx, protocol.CmdOpen, protocol.ControlArgs{Path: doc}, &opened))
	assert.Equal(t, doc, opened.Path)
	assert.False(t, opened.Dirty)

	var info workspace.BackupInfo
	require.NoError(t, c.Call(ctx, protocol.CmdBackup, protocol.ControlArgs{Path: doc}, &info))
	assert.FileExists(t, info.Destination)

	var st workspace.Status
	require.NoError(t, c.Call(ctx, protocol.CmdStatus, protocol.ControlArgs{}, &st))
	require.Len(t, st.Documents, 1)
	assert.Equal(t, 1, st.Documents[0].Chapters)
	assert.Equal(t, 1, st.Watched)

	require.NoError(t, c.Call(ctx, protocol.CmdClose, protocol.ControlArgs{Path: doc}, nil))
	assert.Empty(t, d.ws.Paths())
}

func TestDaemonHealthAndMetrics(t *testing.T) {
	d, _ := startDaemon(t, nil)
	base := "http://" + d.web.Addr()

	resp, err := http.Get(base + "/healthz?full=true")
	require.NoError(t, err)
	var rep health.Report
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rep))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, rep.Ready)
	for _, name := range []string{"catalog", "socket", "backups", "watcher"} {
		assert.Contains(t, rep.Components, name)
	}

	d.Tick(context.Background())
	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "scribed_uptime_seconds")
}

func TestDaemonReloadsSettings(t *testing.T) {
	d, cfg := startDaemon(t, nil)

	old := d.ws.Config()
	next := old.Clone()
	next.Editor = map[string]any{"tabSize": int64(2)}
	next.Logging.Level = "debug"
	d.reload(old, next)
	assert.Equal(t, logging.LevelDebug, d.log.Level())

	v, err := d.ws.GetConfiguration(context.Background(), "tabSize")
	require.NoError(t, err)
	assert.EqualValues(t, 2, v)

	audit, err := os.ReadFile(cfg.Logging.AuditPath)
	require.NoError(t, err)
	assert.Contains(t, string(audit), `"event_type":"startup"`)
	assert.Contains(t, string(audit), `"event_type":"config_reload"`)
}

func TestDaemonInstallsCrashHandler(t *testing.T) {
	d, cfg := startDaemon(t, func(c *config.Config) { c.Web.Enabled = false })
	require.Same(t, d.crash, logging.DefaultCrashHandler())

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer logging.RecoverPanic("component", "ipc", "conn", "c1")
		panic("handler failure")
	}()
	<-done

	reports, err := d.crash.Reports()
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, cfg.Storage.CrashDir, filepath.Dir(reports[0]))

	audit, err := os.ReadFile(cfg.Logging.AuditPath)
	require.NoError(t, err)
	assert.Contains(t, string(audit), `"event_type":"crash"`)
}

func TestDaemonStartFailsOnTakenSocket(t *testing.T) {
	_, cfg := startDaemon(t, func(c *config.Config) { c.Web.Enabled = false })

	data := t.TempDir()
	second := cfg.Clone()
	second.Storage.CatalogPath = filepath.Join(data, "catalog.db")
	second.Storage.BackupDir = filepath.Join(data, "backups")
	path := filepath.Join(data, "config.toml")
	require.NoError(t, second.Save(path))

	d, err := NewDaemon(path)
	require.NoError(t, err)
	err = d.Start()
	require.Error(t, err)
	assert.ErrorIs(t, err, ipc.ErrDaemonRunning)
}

func TestRunning(t *testing.T) {
	_, cfg := startDaemon(t, func(c *config.Config) { c.Web.Enabled = false })
	assert.True(t, running(cfg.IPC.SocketPath))
	assert.False(t, running(filepath.Join(t.TempDir(), "none.sock")))
}

func TestLoggerConfig(t *testing.T) {
	lc := loggerConfig(config.LoggingConfig{
		Level:      "debug",
		Format:     "json",
		Output:     "file",
		FilePath:   "/tmp/x.log",
		MaxSizeMB:  2,
		MaxBackups: 3,
	})
	assert.Equal(t, "file", lc.Output)
	assert.Equal(t, "/tmp/x.log", lc.FilePath)
	assert.Equal(t, int64(2<<20), lc.MaxBytes)
	assert.Equal(t, 3, lc.MaxBackups)
	assert.False(t, lc.Compress)
}

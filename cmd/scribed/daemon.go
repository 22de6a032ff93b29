package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"scribed/internal/config"
	"scribed/internal/health"
	"scribed/internal/ipc"
	"scribed/internal/logging"
	"scribed/internal/metrics"
	"scribed/internal/store"
	"scribed/internal/watcher"
	"scribed/internal/web"
	"scribed/internal/workspace"
)

// Daemon wires the workspace to its transports and persistence.
type Daemon struct {
	loader *config.Loader
	cfg    *config.Config
	log    *logging.Logger
	audit  *logging.AuditLog
	crash  *logging.CrashHandler

	store   *store.Store
	watcher *watcher.Watcher
	ws      *workspace.Workspace
	ipc     *ipc.Server
	web     *web.Server
	health  *health.Checker
	metrics *metrics.Scribed

	cancel context.CancelFunc
	done   chan struct{}
}

// NewDaemon loads the configuration at path. An empty path uses the
// default location.
func NewDaemon(path string) (*Daemon, error) {
	loader := config.NewLoader(path)
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", loader.Path(), err)
	}
	log, err := logging.New(loggerConfig(cfg.Logging))
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	logging.SetDefault(log)

	return &Daemon{
		loader:  loader,
		cfg:     cfg,
		log:     log,
		health:  health.NewChecker(),
		metrics: metrics.NewScribed(metrics.NewRegistry("scribed")),
		done:    make(chan struct{}),
	}, nil
}

// loggerConfig maps the file configuration onto the logger's.
func loggerConfig(c config.LoggingConfig) *logging.Config {
	lc := logging.DefaultConfig()
	if lvl, err := logging.ParseLevel(c.Level); err == nil {
		lc.Level = lvl
	}
	if f, err := logging.ParseFormat(c.Format); err == nil {
		lc.Format = f
	}
	if c.Output != "" {
		lc.Output = c.Output
	}
	if c.FilePath != "" {
		lc.FilePath = c.FilePath
	}
	if c.MaxSizeMB > 0 {
		lc.MaxBytes = int64(c.MaxSizeMB) << 20
	}
	if c.MaxBackups > 0 {
		lc.MaxBackups = c.MaxBackups
	}
	lc.Compress = c.Compress
	return lc
}

// Start opens the catalog, starts the watcher and both listeners. On
// failure everything already started is stopped again.
func (d *Daemon) Start() (err error) {
	defer func() {
		if err != nil {
			d.Stop(context.Background())
		}
	}()
	cfg := d.cfg

	if err := cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("create directories: %w", err)
	}

	if cfg.Logging.AuditPath != "" {
		d.audit, err = logging.NewAuditLog(cfg.Logging.AuditPath, int64(cfg.Logging.MaxSizeMB)<<20, cfg.Logging.MaxBackups)
		if err != nil {
			return fmt.Errorf("open audit log: %w", err)
		}
	}
	d.crash, err = logging.NewCrashHandler(logging.CrashConfig{
		Dir:     cfg.Storage.CrashDir,
		Version: Version,
		Logger:  d.log,
		OnCrash: func(r logging.CrashReport) {
			d.audit.Record(context.Background(), logging.AuditCrash, r.Document, nil,
				"component", r.Component, "conn", r.Conn, "panic", r.Panic)
		},
	})
	if err != nil {
		return fmt.Errorf("create crash handler: %w", err)
	}
	logging.SetDefaultCrashHandler(d.crash)
	if n, err := d.crash.Prune(crashRetention); err == nil && n > 0 {
		d.log.Debug("old crash reports removed", "count", n)
	}

	d.store, err = store.Open(cfg.Storage.CatalogPath)
	if err != nil {
		return fmt.Errorf("open backup catalog: %w", err)
	}
	if v, err := d.store.SchemaVersion(context.Background()); err == nil {
		d.log.Debug("backup catalog opened", "path", cfg.Storage.CatalogPath, "schema", v)
	}

	if cfg.Watch.Enabled {
		d.watcher, err = watcher.New(cfg.Debounce())
		if err != nil {
			return fmt.Errorf("start file watcher: %w", err)
		}
	}

	d.ws = workspace.New(workspace.Options{
		Config:  cfg,
		Store:   d.store,
		Watcher: d.watcher,
		Metrics: d.metrics,
		Logger:  d.log,
		Audit:   d.audit,
	})
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	go func() {
		defer close(d.done)
		defer logging.RecoverPanic("component", "workspace", "loop", "external")
		d.ws.Run(ctx)
	}()

	ipcCfg := ipc.DefaultServerConfig(cfg.IPC.SocketPath)
	ipcCfg.MaxConnections = cfg.IPC.MaxConnections
	ipcCfg.ReadTimeout = cfg.IPCTimeout()
	ipcCfg.Logger = d.log
	d.ipc, err = ipc.NewServer(ipcCfg, d.ws)
	if err != nil {
		return fmt.Errorf("create ipc server: %w", err)
	}
	if err := d.ipc.Start(); err != nil {
		return fmt.Errorf("start ipc server: %w", err)
	}

	d.registerChecks()

	if cfg.Web.Enabled {
		webCfg := web.DefaultConfig(cfg.Web.Addr)
		webCfg.Logger = d.log
		webCfg.Health = d.health.Handler()
		webCfg.Metrics = d.metrics.Registry().HTTPHandler()
		if cfg.Web.TokenSecret != "" {
			webCfg.Tokens = web.NewTokens(cfg.Web.TokenSecret, cfg.TokenTTL())
		}
		d.web = web.NewServer(webCfg, d.ws)
		if err := d.web.Start(); err != nil {
			return fmt.Errorf("start web server: %w", err)
		}
	}

	d.loader.OnChange(d.reload)
	d.loader.OnError(func(err error) {
		d.audit.Record(context.Background(), logging.AuditConfigReload, d.loader.Path(), err)
		d.log.Warn("configuration change rejected", "error", err)
	})
	if err := d.loader.Watch(); err != nil {
		d.log.Warn("config hot reload unavailable", "error", err)
	}

	d.health.SetReady(true)
	d.audit.Record(context.Background(), logging.AuditStartup, "", nil, "version", Version)
	d.log.Info("scribed started", "version", Version, "socket", d.ipc.SocketPath())
	return nil
}

func (d *Daemon) registerChecks() {
	cfg := d.cfg
	d.health.RegisterFunc("catalog", true, health.PingCheck(d.store.Ping))
	d.health.RegisterFunc("socket", true, health.SocketCheck(cfg.IPC.SocketPath))
	d.health.RegisterFunc("backups", false, health.WritableDirCheck(cfg.Storage.BackupDir))
	if d.watcher != nil {
		d.health.RegisterFunc("watcher", false, health.CustomCheck(func() error {
			if d.watcher.TrackedFiles() < len(d.ws.Paths()) {
				return fmt.Errorf("%d of %d documents watched: %w",
					d.watcher.TrackedFiles(), len(d.ws.Paths()), health.ErrDegraded)
			}
			return nil
		}))
	}
}

// reload applies a changed configuration file. Listener and storage
// settings need a restart; the rest takes effect at once.
func (d *Daemon) reload(old, cfg *config.Config) {
	if cfg.IPC.SocketPath != old.IPC.SocketPath ||
		cfg.Storage.CatalogPath != old.Storage.CatalogPath ||
		cfg.Web != old.Web {
		d.log.Warn("listener or storage settings changed, restart to apply")
	}
	if cfg.Logging.Level != old.Logging.Level {
		if lvl, err := logging.ParseLevel(cfg.Logging.Level); err == nil {
			d.log.SetLevel(lvl)
		}
	}
	d.ws.UpdateConfig(cfg)
	d.audit.Record(context.Background(), logging.AuditConfigReload, d.loader.Path(), nil,
		"log_level", cfg.Logging.Level)
	d.log.Info("configuration reloaded", "path", d.loader.Path())
}

// Tick refreshes health results and gauges, and logs a status line.
func (d *Daemon) Tick(ctx context.Context) {
	d.metrics.UpdateUptime()
	d.health.Check(ctx)
	d.log.Info("status",
		"clients", d.ipc.ClientCount(),
		"documents", len(d.ws.Paths()),
		"views", d.ws.Registry().Count(),
		"health", d.health.OverallStatus(),
	)
}

// Stop closes every document, then the listeners and storage.
func (d *Daemon) Stop(ctx context.Context) error {
	d.health.SetReady(false)
	var errs []error
	if d.loader != nil {
		if err := d.loader.Close(); err != nil {
			errs = append(errs, fmt.Errorf("config watcher: %w", err))
		}
	}
	if d.ws != nil {
		d.ws.Shutdown(ctx)
	}
	if d.web != nil {
		if err := d.web.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("web server: %w", err))
		}
	}
	if d.ipc != nil {
		if err := d.ipc.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("ipc server: %w", err))
		}
	}
	if d.cancel != nil {
		d.cancel()
		<-d.done
	}
	if d.watcher != nil {
		if err := d.watcher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("file watcher: %w", err))
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("backup catalog: %w", err))
		}
	}
	if d.crash != nil {
		logging.SetDefaultCrashHandler(nil)
	}
	d.audit.Record(ctx, logging.AuditShutdown, "", nil)
	if err := d.audit.Close(); err != nil {
		errs = append(errs, fmt.Errorf("audit log: %w", err))
	}
	d.log.Info("scribed stopped")
	d.log.Close()
	return errors.Join(errs...)
}

// statusInterval is how often the running daemon logs its status.
const statusInterval = 30 * time.Second

// crashRetention is how long crash reports are kept.
const crashRetention = 30 * 24 * time.Hour

package metrics

import "time"

// Scribed holds the daemon's metrics. A nil *Scribed records nothing.
type Scribed struct {
	registry *Registry

	OpenDocuments *Gauge
	Views         *Gauge

	ViewMessages    *Counter
	Saves           *Counter
	SaveFailures    *Counter
	Backups         *Counter
	ExternalReverts *Counter

	SaveDuration   *Histogram
	BackupDuration *Histogram

	started time.Time
	uptime  *Gauge
}

// NewScribed registers the daemon metrics in r.
func NewScribed(r *Registry) *Scribed {
	if r == nil {
		r = NewRegistry("scribed")
	}
	return &Scribed{
		registry:        r,
		OpenDocuments:   r.Gauge("open_documents", "Documents currently open", nil),
		Views:           r.Gauge("views", "Views currently attached", nil),
		ViewMessages:    r.Counter("view_messages_total", "Messages received from views", nil),
		Saves:           r.Counter("saves_total", "Successful saves", nil),
		SaveFailures:    r.Counter("save_failures_total", "Failed saves", nil),
		Backups:         r.Counter("backups_total", "Backups written", nil),
		ExternalReverts: r.Counter("external_reverts_total", "Documents reverted after an external change", nil),
		SaveDuration:    r.Histogram("save_duration_seconds", "Time to flush views and write a document", nil, nil),
		BackupDuration:  r.Histogram("backup_duration_seconds", "Time to write a backup", nil, nil),
		started:         time.Now(),
		uptime:          r.Gauge("uptime_seconds", "Seconds since the daemon started", nil),
	}
}

// Registry returns the underlying registry.
func (m *Scribed) Registry() *Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ControlCommand counts one control command by name.
func (m *Scribed) ControlCommand(cmd string, failed bool) {
	if m == nil {
		return
	}
	result := "ok"
	if failed {
		result = "error"
	}
	m.registry.Counter("control_commands_total", "Control commands answered",
		Labels{"command": cmd, "result": result}).Inc()
}

// ViewMessage counts one message from a view.
func (m *Scribed) ViewMessage() {
	if m != nil {
		m.ViewMessages.Inc()
	}
}

// Save records a save attempt that started at start.
func (m *Scribed) Save(start time.Time, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.SaveFailures.Inc()
		return
	}
	m.Saves.Inc()
	m.SaveDuration.Since(start)
}

// Backup records a backup written since start.
func (m *Scribed) Backup(start time.Time) {
	if m == nil {
		return
	}
	m.Backups.Inc()
	m.BackupDuration.Since(start)
}

// ExternalRevert counts a revert caused by an external change.
func (m *Scribed) ExternalRevert() {
	if m != nil {
		m.ExternalReverts.Inc()
	}
}

// SetOpen publishes the number of open documents and attached views.
func (m *Scribed) SetOpen(documents, views int) {
	if m == nil {
		return
	}
	m.OpenDocuments.Set(int64(documents))
	m.Views.Set(int64(views))
}

// UpdateUptime refreshes the uptime gauge.
func (m *Scribed) UpdateUptime() {
	if m != nil {
		m.uptime.Set(int64(time.Since(m.started).Seconds()))
	}
}

// Package health aggregates component checks for the daemon.
//
// Each component reports healthy, degraded or unhealthy. A failing
// critical component makes the daemon unhealthy; a failing optional one
// only degrades it. Results are served over HTTP by the web front end and
// summarized in the status command.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Status is the health of a component or of the whole daemon.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// CheckResult is the outcome of one check.
type CheckResult struct {
	Status      Status        `json:"status"`
	Message     string        `json:"message,omitempty"`
	LastChecked time.Time     `json:"lastChecked"`
	Duration    time.Duration `json:"durationNs"`
	Error       string        `json:"error,omitempty"`
}

// Check runs the check for one component.
type Check func(ctx context.Context) CheckResult

// Component is a named check.
type Component struct {
	Name string
	// Critical components make the daemon unhealthy when they fail.
	Critical bool
	Check    Check
	Timeout  time.Duration
}

// Checker runs registered checks and keeps their latest results.
type Checker struct {
	mu         sync.RWMutex
	components map[string]*Component
	results    map[string]CheckResult
	started    time.Time
	ready      bool
	now        func() time.Time
}

// NewChecker creates an empty checker. It reports not ready until SetReady.
func NewChecker() *Checker {
	return &Checker{
		components: make(map[string]*Component),
		results:    make(map[string]CheckResult),
		started:    time.Now(),
		now:        time.Now,
	}
}

// Register adds or replaces a component.
func (c *Checker) Register(comp *Component) {
	if comp.Timeout <= 0 {
		comp.Timeout = 5 * time.Second
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.components[comp.Name] = comp
	c.results[comp.Name] = CheckResult{Status: StatusUnknown}
}

// RegisterFunc registers a check under name.
func (c *Checker) RegisterFunc(name string, critical bool, check Check) {
	c.Register(&Component{Name: name, Critical: critical, Check: check})
}

// Unregister removes a component.
func (c *Checker) Unregister(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.components, name)
	delete(c.results, name)
}

// SetReady marks the daemon as accepting work.
func (c *Checker) SetReady(ready bool) {
	c.mu.Lock()
	c.ready = ready
	c.mu.Unlock()
}

// IsReady reports the readiness flag.
func (c *Checker) IsReady() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

// Check runs every component concurrently and returns the results.
func (c *Checker) Check(ctx context.Context) map[string]CheckResult {
	c.mu.RLock()
	comps := make([]*Component, 0, len(c.components))
	for _, comp := range c.components {
		comps = append(comps, comp)
	}
	c.mu.RUnlock()

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		out = make(map[string]CheckResult, len(comps))
	)
	for _, comp := range comps {
		wg.Add(1)
		go func(comp *Component) {
			defer wg.Done()
			res := c.run(ctx, comp)
			mu.Lock()
			out[comp.Name] = res
			mu.Unlock()
		}(comp)
	}
	wg.Wait()

	c.mu.Lock()
	for name, res := range out {
		if _, ok := c.components[name]; ok {
			c.results[name] = res
		}
	}
	c.mu.Unlock()
	return out
}

func (c *Checker) run(ctx context.Context, comp *Component) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, comp.Timeout)
	defer cancel()

	start := c.now()
	done := make(chan CheckResult, 1)
	go func() { done <- comp.Check(ctx) }()

	var res CheckResult
	select {
	case res = <-done:
	case <-ctx.Done():
		res = CheckResult{Status: StatusUnhealthy, Error: "check timed out"}
	}
	res.LastChecked = c.now()
	res.Duration = res.LastChecked.Sub(start)
	return res
}

// Results returns the latest results without running checks.
func (c *Checker) Results() map[string]CheckResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]CheckResult, len(c.results))
	for k, v := range c.results {
		out[k] = v
	}
	return out
}

// OverallStatus folds the latest results into one status.
func (c *Checker) OverallStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	unknown, degraded := false, false
	for name, res := range c.results {
		comp := c.components[name]
		switch res.Status {
		case StatusUnhealthy:
			if comp.Critical {
				return StatusUnhealthy
			}
			degraded = true
		case StatusDegraded:
			degraded = true
		case StatusUnknown:
			if comp.Critical {
				unknown = true
			}
		}
	}
	switch {
	case unknown:
		return StatusUnknown
	case degraded:
		return StatusDegraded
	}
	return StatusHealthy
}

// Report is the health summary served to clients.
type Report struct {
	Status     Status                 `json:"status"`
	Ready      bool                   `json:"ready"`
	Uptime     string                 `json:"uptime"`
	Components map[string]CheckResult `json:"components,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Report runs the checks and summarizes them.
func (c *Checker) Report(ctx context.Context, withComponents bool) Report {
	results := c.Check(ctx)
	r := Report{
		Status:    c.OverallStatus(),
		Ready:     c.IsReady(),
		Uptime:    c.now().Sub(c.started).Round(time.Second).String(),
		Timestamp: c.now(),
	}
	if withComponents {
		r.Components = results
	}
	return r
}

// Handler serves the report. A query of full=true includes every
// component. Unhealthy or not-ready daemons answer 503.
func (c *Checker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rep := c.Report(r.Context(), r.URL.Query().Get("full") == "true")
		code := http.StatusOK
		if !rep.Ready || rep.Status == StatusUnhealthy || rep.Status == StatusUnknown {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(rep)
	})
}

// Names lists the registered components in order.
func (c *Checker) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.components))
	for n := range c.components {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// PingCheck reports unhealthy when ping fails.
func PingCheck(ping func(ctx context.Context) error) Check {
	return func(ctx context.Context) CheckResult {
		if err := ping(ctx); err != nil {
			return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
		}
		return CheckResult{Status: StatusHealthy}
	}
}

// WritableDirCheck verifies that files can be created in dir.
func WritableDirCheck(dir string) Check {
	return func(ctx context.Context) CheckResult {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
		}
		f, err := os.CreateTemp(dir, ".health-*")
		if err != nil {
			return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
		}
		name := f.Name()
		f.Close()
		os.Remove(name)
		return CheckResult{Status: StatusHealthy, Message: filepath.Clean(dir)}
	}
}

// SocketCheck verifies that path exists and is a socket.
func SocketCheck(path string) Check {
	return func(ctx context.Context) CheckResult {
		info, err := os.Stat(path)
		if err != nil {
			return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
		}
		if info.Mode()&os.ModeSocket == 0 {
			return CheckResult{Status: StatusUnhealthy, Error: fmt.Sprintf("%s is not a socket", path)}
		}
		return CheckResult{Status: StatusHealthy}
	}
}

// ErrDegraded marks a CustomCheck failure as degraded rather than
// unhealthy.
var ErrDegraded = errors.New("degraded")

// CustomCheck wraps fn. Errors wrapping ErrDegraded degrade; others fail.
func CustomCheck(fn func() error) Check {
	return func(ctx context.Context) CheckResult {
		err := fn()
		switch {
		case err == nil:
			return CheckResult{Status: StatusHealthy}
		case errors.Is(err, ErrDegraded):
			return CheckResult{Status: StatusDegraded, Error: err.Error()}
		default:
			return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
		}
	}
}

// Package health runs component checks for the engine heartbeat.
package health

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "HEALTHY"
	StatusDegraded  Status = "DEGRADED"
	StatusUnhealthy Status = "UNHEALTHY"
	StatusUnknown   Status = "UNKNOWN"
)

// Component represents the health of a single component.
type Component struct {
	Name      string                 `json:"name"`
	Status    Status                 `json:"status"`
	Message   string                 `json:"message"`
	LastCheck time.Time              `json:"last_check"`
	Latency   time.Duration          `json:"latency"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Check reports the health of one component.
type Check func(ctx context.Context) Component

// Transition is reported when a component enters or leaves StatusUnhealthy.
type Transition struct {
	Component Component
	Previous  Status
}

// Recovered reports whether the component left StatusUnhealthy.
func (t Transition) Recovered() bool {
	return t.Previous == StatusUnhealthy && t.Component.Status != StatusUnhealthy
}

// Config holds monitor thresholds.
type Config struct {
	MemoryThresholdMB  uint64
	GoroutineThreshold int
	CheckTimeout       time.Duration
}

// DefaultConfig returns default thresholds.
func DefaultConfig() Config {
	return Config{
		MemoryThresholdMB:  500,
		GoroutineThreshold: 1000,
		CheckTimeout:       10 * time.Second,
	}
}

// Monitor runs registered checks on demand.
type Monitor struct {
	mu sync.Mutex

	memoryThreshold    uint64 // bytes
	goroutineThreshold int
	timeout            time.Duration

	startTime time.Time
	checks    map[string]Check
	last      map[string]Component
	overall   Status

	totalRuns    int64
	failedChecks int64
}

// NewMonitor creates a Monitor.
func NewMonitor(cfg Config) *Monitor {
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = 10 * time.Second
	}
	return &Monitor{
		memoryThreshold:    cfg.MemoryThresholdMB * 1024 * 1024,
		goroutineThreshold: cfg.GoroutineThreshold,
		timeout:            cfg.CheckTimeout,
		startTime:          time.Now(),
		checks:             make(map[string]Check),
		last:               make(map[string]Component),
		overall:            StatusUnknown,
	}
}

// Register adds a named check, replacing any check with the same name.
func (m *Monitor) Register(name string, check Check) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check
}

// StartTime returns when the monitor was created.
func (m *Monitor) StartTime() time.Time { return m.startTime }

// Run executes every check concurrently, updates the overall status and
// returns the report along with components that entered or left
// StatusUnhealthy since the previous run.
func (m *Monitor) Run(ctx context.Context) (Report, []Transition) {
	m.mu.Lock()
	checks := make(map[string]Check, len(m.checks))
	for k, v := range m.checks {
		checks[k] = v
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	var wg sync.WaitGroup
	results := make(chan Component, len(checks)+2)
	for name, check := range checks {
		wg.Add(1)
		go func(name string, check Check) {
			defer wg.Done()
			results <- runCheck(ctx, name, check)
		}(name, check)
	}
	results <- m.checkMemory()
	results <- m.checkGoroutines()
	wg.Wait()
	close(results)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.totalRuns++
	var transitions []Transition
	overall := StatusHealthy
	for c := range results {
		prev, seen := m.last[c.Name]
		m.last[c.Name] = c

		switch c.Status {
		case StatusUnhealthy:
			overall = StatusUnhealthy
			m.failedChecks++
		case StatusDegraded, StatusUnknown:
			if overall == StatusHealthy {
				overall = StatusDegraded
			}
		}

		prevStatus := StatusUnknown
		if seen {
			prevStatus = prev.Status
		}
		if (c.Status == StatusUnhealthy) != (prevStatus == StatusUnhealthy) {
			transitions = append(transitions, Transition{Component: c, Previous: prevStatus})
		}
	}
	m.overall = overall

	sort.Slice(transitions, func(i, j int) bool { return transitions[i].Component.Name < transitions[j].Component.Name })
	return m.reportLocked(), transitions
}

// runCheck runs one check, turning a panic into an unhealthy result.
func runCheck(ctx context.Context, name string, check Check) (c Component) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			c = Component{Status: StatusUnhealthy, Message: fmt.Sprintf("check panicked: %v", r)}
		}
		c.Name = name
		c.LastCheck = time.Now()
		if c.Latency == 0 {
			c.Latency = time.Since(start)
		}
	}()
	return check(ctx)
}

func (m *Monitor) checkMemory() Component {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	c := Component{
		Name:      "memory",
		LastCheck: time.Now(),
		Details: map[string]interface{}{
			"alloc_mb": memStats.Alloc / 1024 / 1024,
			"sys_mb":   memStats.Sys / 1024 / 1024,
			"num_gc":   memStats.NumGC,
		},
	}
	if m.memoryThreshold > 0 && memStats.Alloc > m.memoryThreshold {
		c.Status = StatusDegraded
		c.Message = fmt.Sprintf("Memory usage high: %d MB", memStats.Alloc/1024/1024)
	} else {
		c.Status = StatusHealthy
		c.Message = fmt.Sprintf("Memory usage: %d MB", memStats.Alloc/1024/1024)
	}
	return c
}

func (m *Monitor) checkGoroutines() Component {
	n := runtime.NumGoroutine()
	c := Component{
		Name:      "goroutines",
		LastCheck: time.Now(),
		Details:   map[string]interface{}{"count": n},
	}
	if m.goroutineThreshold > 0 && n > m.goroutineThreshold {
		c.Status = StatusDegraded
		c.Message = fmt.Sprintf("High goroutine count: %d", n)
	} else {
		c.Status = StatusHealthy
		c.Message = fmt.Sprintf("Goroutine count: %d", n)
	}
	return c
}

// Report returns the result of the last run.
func (m *Monitor) Report() Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reportLocked()
}

func (m *Monitor) reportLocked() Report {
	components := make([]Component, 0, len(m.last))
	for _, c := range m.last {
		components = append(components, c)
	}
	sort.Slice(components, func(i, j int) bool { return components[i].Name < components[j].Name })

	return Report{
		Status:       m.overall,
		Uptime:       time.Since(m.startTime),
		Components:   components,
		TotalRuns:    m.totalRuns,
		FailedChecks: m.failedChecks,
	}
}

// Report is the overall health after a run.
type Report struct {
	Status       Status        `json:"status"`
	Uptime       time.Duration `json:"uptime"`
	Components   []Component   `json:"components"`
	TotalRuns    int64         `json:"total_runs"`
	FailedChecks int64         `json:"failed_checks"`
}

// Component returns the named component's last result.
func (r Report) Component(name string) (Component, bool) {
	for _, c := range r.Components {
		if c.Name == name {
			return c, true
		}
	}
	return Component{}, false
}

// DatabaseCheck pings the store.
func DatabaseCheck(ping func(ctx context.Context) error) Check {
	return func(ctx context.Context) Component {
		start := time.Now()
		err := ping(ctx)
		c := Component{Latency: time.Since(start)}

		switch {
		case err != nil:
			c.Status = StatusUnhealthy
			c.Message = fmt.Sprintf("Database ping failed: %v", err)
		case c.Latency > 100*time.Millisecond:
			c.Status = StatusDegraded
			c.Message = fmt.Sprintf("Database slow: %v", c.Latency)
		default:
			c.Status = StatusHealthy
			c.Message = "Database answering"
		}
		return c
	}
}

// ProviderCheck reports the data provider as degraded while access is suspended.
func ProviderCheck(available func() bool) Check {
	return func(context.Context) Component {
		if available() {
			return Component{Status: StatusHealthy, Message: "Provider available"}
		}
		return Component{Status: StatusDegraded, Message: "Provider access suspended after a quota response"}
	}
}

// CycleCheck reports the alarm loop unhealthy when no cycle has completed
// within stale. Before the first cycle the age counts from started.
func CycleCheck(last func() time.Time, started time.Time, stale time.Duration) Check {
	return func(context.Context) Component {
		at := last()
		ref := at
		if ref.IsZero() {
			ref = started
		}
		age := time.Since(ref)

		c := Component{Details: map[string]interface{}{"age": age.Round(time.Second).String()}}
		switch {
		case age > stale:
			c.Status = StatusUnhealthy
			c.Message = fmt.Sprintf("No alarm cycle completed for %v", age.Round(time.Second))
		case at.IsZero():
			c.Status = StatusUnknown
			c.Message = "No alarm cycle completed yet"
		default:
			c.Status = StatusHealthy
			c.Message = fmt.Sprintf("Last alarm cycle %v ago", age.Round(time.Second))
		}
		return c
	}
}

// QueueCheck reports undelivered notifications as degraded.
func QueueCheck(pending func() ([]string, error)) Check {
	return func(context.Context) Component {
		msgs, err := pending()
		if err != nil {
			return Component{Status: StatusUnhealthy, Message: fmt.Sprintf("Notification queue unreadable: %v", err)}
		}
		c := Component{Details: map[string]interface{}{"queued": len(msgs)}}
		if len(msgs) > 0 {
			c.Status = StatusDegraded
			c.Message = fmt.Sprintf("%d notifications waiting for delivery", len(msgs))
		} else {
			c.Status = StatusHealthy
			c.Message = "No queued notifications"
		}
		return c
	}
}

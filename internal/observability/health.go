package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ComponentStatus represents the health status of a component.
type ComponentStatus string

const (
	StatusHealthy   ComponentStatus = "healthy"
	StatusDegraded  ComponentStatus = "degraded"
	StatusUnhealthy ComponentStatus = "unhealthy"
)

// HealthCheck reports the health of one component.
type HealthCheck func(ctx context.Context) ComponentHealth

// ComponentHealth is the health report for a single component.
type ComponentHealth struct {
	Name        string          `json:"name"`
	Status      ComponentStatus `json:"status"`
	Message     string          `json:"message,omitempty"`
	LastChecked time.Time       `json:"last_checked"`
	Latency     time.Duration   `json:"latency_ms"`
}

// SystemHealth is the aggregate health of the service.
type SystemHealth struct {
	Status     ComponentStatus            `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Timestamp  time.Time                  `json:"ts"`
	Uptime     string                     `json:"uptime"`
}

// HealthMonitor runs registered checks periodically and logs status
// transitions.
type HealthMonitor struct {
	mu        sync.RWMutex
	checks    map[string]HealthCheck
	results   map[string]ComponentHealth
	startTime time.Time
	interval  time.Duration
	timeout   time.Duration
}

// NewHealthMonitor creates a monitor checking every interval.
func NewHealthMonitor(interval time.Duration) *HealthMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &HealthMonitor{
		checks:    make(map[string]HealthCheck),
		results:   make(map[string]ComponentHealth),
		startTime: time.Now(),
		interval:  interval,
		timeout:   5 * time.Second,
	}
}

// Register adds a named check.
func (m *HealthMonitor) Register(name string, check HealthCheck) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check
}

// Start runs checks until ctx is cancelled. Blocks.
func (m *HealthMonitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.runChecks(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runChecks(ctx)
		}
	}
}

// Check runs all checks now and returns the aggregate.
func (m *HealthMonitor) Check(ctx context.Context) SystemHealth {
	m.runChecks(ctx)
	return m.snapshot()
}

// Last returns the aggregate of the most recent run without checking.
func (m *HealthMonitor) Last() SystemHealth { return m.snapshot() }

// Handler serves the last health snapshot as JSON: 200 unless a component
// is unhealthy.
func (m *HealthMonitor) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := m.snapshot()
		w.Header().Set("Content-Type", "application/json")
		if h.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(h)
	})
}

func (m *HealthMonitor) runChecks(ctx context.Context) {
	m.mu.RLock()
	checks := make(map[string]HealthCheck, len(m.checks))
	for name, fn := range m.checks {
		checks[name] = fn
	}
	m.mu.RUnlock()

	results := make(map[string]ComponentHealth, len(checks))
	for name, fn := range checks {
		cctx, cancel := context.WithTimeout(ctx, m.timeout)
		start := time.Now()
		res := fn(cctx)
		cancel()
		res.Name = name
		res.LastChecked = time.Now()
		res.Latency = time.Since(start)
		results[name] = res
	}

	m.mu.Lock()
	prev := m.results
	m.results = results
	m.mu.Unlock()

	for name, cur := range results {
		if old, ok := prev[name]; ok && old.Status == cur.Status {
			continue
		}
		ev := log.Info()
		switch cur.Status {
		case StatusUnhealthy:
			ev = log.Error()
		case StatusDegraded:
			ev = log.Warn()
		}
		ev.Str("component", name).Str("status", string(cur.Status)).Str("message", cur.Message).
			Msg("health: status changed")
	}
}

func (m *HealthMonitor) snapshot() SystemHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	components := make(map[string]ComponentHealth, len(m.results))
	worst := StatusHealthy
	for name, h := range m.results {
		components[name] = h
		if statusSeverity(h.Status) > statusSeverity(worst) {
			worst = h.Status
		}
	}
	return SystemHealth{
		Status:     worst,
		Components: components,
		Timestamp:  time.Now(),
		Uptime:     time.Since(m.startTime).Round(time.Second).String(),
	}
}

func statusSeverity(s ComponentStatus) int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	case StatusUnhealthy:
		return 2
	default:
		return -1
	}
}

// -----------------------------------------------------------------------
// Checks
// -----------------------------------------------------------------------

// FeedCheck is unhealthy while the feed is disconnected.
func FeedCheck(connected func() bool) HealthCheck {
	return func(context.Context) ComponentHealth {
		if connected() {
			return ComponentHealth{Status: StatusHealthy}
		}
		return ComponentHealth{Status: StatusUnhealthy, Message: "feed disconnected"}
	}
}

// PingCheck wraps a ping. A failing dependency that the pipeline can run
// without is reported as degraded.
func PingCheck(ping func(ctx context.Context) error, critical bool) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		if err := ping(ctx); err != nil {
			status := StatusDegraded
			if critical {
				status = StatusUnhealthy
			}
			return ComponentHealth{Status: status, Message: err.Error()}
		}
		return ComponentHealth{Status: StatusHealthy}
	}
}

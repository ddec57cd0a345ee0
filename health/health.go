// Package health aggregates liveness information from the server
// subsystems into a single report, served unauthenticated at /health.
package health

import (
	"context"
	"log/slog"
	"regexp"
	"sync"
	"time"
)

// Error messages may embed connection strings or file paths; they are
// scrubbed before leaving the process.
var (
	urlRegexp        = regexp.MustCompile(`[a-z][a-z0-9+]*://[^\s]+`)
	pathRegexp       = regexp.MustCompile(`/[a-zA-Z0-9/_.-]+`)
	credentialRegexp = regexp.MustCompile(`(?i)(password|token|key|secret)[^a-zA-Z]*[:=][^,\s}]+`)
)

// Status is the outcome of one subsystem check.
type Status struct {
	Component string    `json:"component"`
	Healthy   bool      `json:"healthy"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Report is the aggregated health of the whole server.
type Report struct {
	Status     string   `json:"status"` // healthy, degraded, unhealthy
	UptimeS    int64    `json:"uptime"`
	Components []Status `json:"components"`
}

type check struct {
	name string
	fn   func(ctx context.Context) error
}

// Monitor runs registered subsystem checks on demand.
type Monitor struct {
	mu      sync.Mutex
	checks  []check
	started time.Time
	logger  *slog.Logger
	now     func() time.Time
}

// NewMonitor creates an empty monitor; uptime counts from here.
func NewMonitor(logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		started: time.Now(),
		logger:  logger.With("component", "health"),
		now:     time.Now,
	}
}

// Add registers a named check. A nil error from fn means healthy.
func (m *Monitor) Add(name string, fn func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks = append(m.checks, check{name: name, fn: fn})
}

// Report runs every check and aggregates the results. All checks
// passing yields "healthy", all failing "unhealthy", anything in
// between "degraded". A monitor with no checks is healthy.
func (m *Monitor) Report(ctx context.Context) Report {
	m.mu.Lock()
	checks := make([]check, len(m.checks))
	copy(checks, m.checks)
	started := m.started
	m.mu.Unlock()

	now := m.now()
	statuses := make([]Status, 0, len(checks))
	failed := 0
	for _, c := range checks {
		status := Status{Component: c.name, Healthy: true, Timestamp: now}
		if err := c.fn(ctx); err != nil {
			status.Healthy = false
			status.Message = Sanitize(err.Error())
			failed++
			m.logger.Warn("health check failed", "check", c.name,
				"error", err)
		}
		statuses = append(statuses, status)
	}

	overall := "healthy"
	if failed > 0 {
		overall = "degraded"
		if failed == len(checks) {
			overall = "unhealthy"
		}
	}

	return Report{
		Status:     overall,
		UptimeS:    int64(now.Sub(started).Seconds()),
		Components: statuses,
	}
}

// Sanitize scrubs URLs, filesystem paths and credential-looking pairs
// from a message.
func Sanitize(message string) string {
	if message == "" {
		return ""
	}
	message = urlRegexp.ReplaceAllString(message, "[URL]")
	message = credentialRegexp.ReplaceAllString(message, "[REDACTED]")
	message = pathRegexp.ReplaceAllString(message, "[PATH]")
	return message
}

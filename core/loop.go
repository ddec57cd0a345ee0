// Package core runs the main scheduler tick: port value polling,
// expression re-evaluation and session upkeep, plus the value history
// sampler and janitor.
package core

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/qtoggle/qtoggleserver/expressions"
	"github.com/qtoggle/qtoggleserver/metric"
	"github.com/qtoggle/qtoggleserver/ports"
	"github.com/qtoggle/qtoggleserver/sessions"
)

// Loop drives the per-tick work. One tick polls every enabled port,
// builds the change set and re-evaluates the expressions whose
// dependencies intersect it.
type Loop struct {
	registry *ports.Registry
	sessions *sessions.Registry
	metrics  *metric.Metrics
	logger   *slog.Logger

	tickInterval     time.Duration
	updatingDisabled atomic.Bool

	last       time.Time
	lastValues map[string]*float64
	now        func() time.Time
}

// NewLoop creates the main loop.
func NewLoop(registry *ports.Registry, sessionRegistry *sessions.Registry,
	metrics *metric.Metrics, tickInterval time.Duration,
	logger *slog.Logger) *Loop {

	if logger == nil {
		logger = slog.Default()
	}
	if tickInterval <= 0 {
		tickInterval = 50 * time.Millisecond
	}
	return &Loop{
		registry:     registry,
		sessions:     sessionRegistry,
		metrics:      metrics,
		logger:       logger.With("component", "core"),
		tickInterval: tickInterval,
		lastValues:   map[string]*float64{},
		now:          time.Now,
	}
}

// Run ticks until the context is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.tickInterval)
	defer ticker.Stop()

	l.logger.Info("main loop started", "tick_interval", l.tickInterval)
	for {
		select {
		case <-ctx.Done():
			l.logger.Info("main loop stopped")
			return ctx.Err()
		case <-ticker.C:
			l.Tick(ctx)
		}
	}
}

// DisableUpdating pauses port polling and expression evaluation;
// session upkeep continues. Used during bulk restore.
func (l *Loop) DisableUpdating() { l.updatingDisabled.Store(true) }

// EnableUpdating resumes port polling and expression evaluation.
func (l *Loop) EnableUpdating() { l.updatingDisabled.Store(false) }

// Tick runs one scheduler round.
func (l *Loop) Tick(ctx context.Context) {
	now := l.now()
	nowMS := now.UnixMilli()

	if l.metrics != nil {
		l.metrics.TicksTotal.Inc()
	}

	if l.updatingDisabled.Load() {
		l.sessions.Update()
		l.last = now
		return
	}

	changed := map[string]struct{}{expressions.DepASAP: {}}
	timeMarkers(l.last, now, changed)

	all := l.registry.All()
	if l.metrics != nil {
		l.metrics.PortsRegistered.Set(float64(len(all)))
	}

	values := make(map[string]*float64, len(all))
	for _, p := range all {
		if !p.IsEnabled() {
			continue
		}
		after, err := p.ReadValue(ctx)
		if err != nil {
			l.logger.Debug("port read failed", "port", p.ID(), "error", err)
			continue
		}
		// Compare against the loop's own previous-tick snapshot;
		// the port cache may already reflect mid-tick API writes.
		if !sameValue(l.lastValues[p.ID()], after) {
			changed["$"+p.ID()] = struct{}{}
		}
		l.lastValues[p.ID()] = after
		values[p.ID()] = after
	}

	// Writebacks from this pass land in the drivers now and are
	// observed by the read phase of the next tick.
	for _, p := range all {
		if !p.IsEnabled() {
			continue
		}
		expr := p.Expression()
		if expr == nil || !expr.DependsOn(changed) || expr.PausedUntil() > nowMS {
			continue
		}

		if l.metrics != nil {
			l.metrics.ExpressionEvals.Inc()
		}
		v, err := expr.Eval(&expressions.Context{
			Ctx:        ctx,
			PortValues: values,
			NowMS:      nowMS,
		})
		if err != nil {
			if l.metrics != nil {
				l.metrics.ExpressionErrors.Inc()
			}
			l.logger.Debug("expression eval failed", "port", p.ID(), "error", err)
			continue
		}

		if err := p.WriteTransformedValue(ctx, v, ports.ReasonExpression); err != nil {
			l.logger.Warn("expression writeback failed",
				"port", p.ID(), "error", err)
		}
	}

	l.sessions.Update()
	if l.metrics != nil {
		l.metrics.SessionsActive.Set(float64(l.sessions.Count()))
	}
	l.last = now
}

// timeMarkers adds the coarse-time tags for every boundary crossed
// between prev and now.
func timeMarkers(prev, now time.Time, changed map[string]struct{}) {
	if prev.IsZero() {
		return
	}
	prev, now = prev.Local(), now.Local()

	if prev.Unix() != now.Unix() {
		changed[expressions.DepSecond] = struct{}{}
	}
	if !prev.Truncate(time.Minute).Equal(now.Truncate(time.Minute)) {
		changed[expressions.DepMinute] = struct{}{}
	}
	if !prev.Truncate(time.Hour).Equal(now.Truncate(time.Hour)) {
		changed[expressions.DepHour] = struct{}{}
	}
	py, pm, pd := prev.Date()
	ny, nm, nd := now.Date()
	if pd != nd || pm != nm || py != ny {
		changed[expressions.DepDay] = struct{}{}
	}
	if pm != nm || py != ny {
		changed[expressions.DepMonth] = struct{}{}
	}
	if py != ny {
		changed[expressions.DepYear] = struct{}{}
	}
}

func sameValue(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

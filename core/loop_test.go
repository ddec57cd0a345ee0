package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qtoggle/qtoggleserver/events"
	"github.com/qtoggle/qtoggleserver/expressions"
	"github.com/qtoggle/qtoggleserver/persist"
	"github.com/qtoggle/qtoggleserver/ports"
	"github.com/qtoggle/qtoggleserver/sessions"
)

type loopHarness struct {
	registry *ports.Registry
	store    *persist.Store
	bus      *events.Bus
	loop     *Loop
	clock    time.Time
}

func newLoopHarness(t *testing.T) *loopHarness {
	t.Helper()
	h := &loopHarness{
		store: persist.NewStore(persist.NewMemoryDriver(), nil),
		bus:   events.NewBus(nil),
		clock: time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC),
	}
	h.registry = ports.NewRegistry(h.store, h.bus, nil)
	h.loop = NewLoop(h.registry, sessions.NewRegistry(16, nil), nil,
		10*time.Millisecond, nil)
	h.loop.now = func() time.Time { return h.clock }
	return h
}

func (h *loopHarness) addPort(t *testing.T, id string,
	initial *float64) *ports.BasePort {

	t.Helper()
	p := ports.NewBasePort(id, ports.TypeNumber, true,
		ports.NewVirtualDriver(initial), nil)
	require.NoError(t, h.registry.Add(context.Background(), p))
	require.NoError(t, p.SetAttrs(context.Background(),
		map[string]any{"enabled": true}))
	return p
}

func (h *loopHarness) advance(d time.Duration) {
	h.clock = h.clock.Add(d)
}

func TestTickEvaluatesExpressions(t *testing.T) {
	h := newLoopHarness(t)
	ctx := context.Background()

	a, b := 5.0, -4.0
	h.addPort(t, "a", &a)
	h.addPort(t, "b", &b)
	c := h.addPort(t, "c", nil)
	require.NoError(t, c.SetAttrs(ctx, map[string]any{
		"expression": "ADD(10, MUL($a, 3.14), $b)",
	}))

	h.loop.Tick(ctx)
	// The writeback lands in the driver during this tick; the next
	// read phase surfaces it.
	h.advance(50 * time.Millisecond)
	h.loop.Tick(ctx)

	v := c.LastReadValue()
	require.NotNil(t, v)
	assert.InDelta(t, 21.7, *v, 1e-9)
}

func TestTickSkipsUnrelatedExpressions(t *testing.T) {
	h := newLoopHarness(t)
	ctx := context.Background()

	src := 1.0
	h.addPort(t, "src", &src)
	other := h.addPort(t, "other", nil)
	dst := h.addPort(t, "dst", nil)
	require.NoError(t, dst.SetAttrs(ctx, map[string]any{"expression": "$other"}))

	// First tick: everything looks changed (nil to value transitions).
	h.loop.Tick(ctx)

	// Now only src changes; dst depends on other, so it stays put.
	require.NoError(t, other.WriteTransformedValue(ctx, 3,
		ports.ReasonAPI))
	h.advance(50 * time.Millisecond)
	h.loop.Tick(ctx)
	h.advance(50 * time.Millisecond)
	h.loop.Tick(ctx)

	v := dst.LastReadValue()
	require.NotNil(t, v)
	assert.Equal(t, 3.0, *v)
}

func TestDisableUpdatingPausesEvaluation(t *testing.T) {
	h := newLoopHarness(t)
	ctx := context.Background()

	src := 1.0
	h.addPort(t, "src", &src)
	dst := h.addPort(t, "dst", nil)
	require.NoError(t, dst.SetAttrs(ctx, map[string]any{"expression": "$src"}))

	h.loop.DisableUpdating()
	h.loop.Tick(ctx)
	h.loop.Tick(ctx)
	assert.Nil(t, dst.LastReadValue())

	h.loop.EnableUpdating()
	h.loop.Tick(ctx)
	h.advance(50 * time.Millisecond)
	h.loop.Tick(ctx)
	v := dst.LastReadValue()
	require.NotNil(t, v)
	assert.Equal(t, 1.0, *v)
}

func TestTimeMarkers(t *testing.T) {
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		next     time.Time
		expected []string
		absent   []string
	}{
		{
			"same instant", base.Add(time.Millisecond),
			nil,
			[]string{expressions.DepSecond, expressions.DepMinute},
		},
		{
			"second", base.Add(time.Second),
			[]string{expressions.DepSecond},
			[]string{expressions.DepMinute},
		},
		{
			"minute", base.Add(time.Minute),
			[]string{expressions.DepSecond, expressions.DepMinute},
			[]string{expressions.DepHour},
		},
		{
			"day", base.Add(24 * time.Hour),
			[]string{expressions.DepHour, expressions.DepDay},
			[]string{expressions.DepMonth},
		},
		{
			"month", base.AddDate(0, 1, 0),
			[]string{expressions.DepDay, expressions.DepMonth},
			[]string{expressions.DepYear},
		},
		{
			"year", base.AddDate(1, 0, 0),
			[]string{expressions.DepMonth, expressions.DepYear},
			nil,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			changed := map[string]struct{}{}
			timeMarkers(base, test.next, changed)
			for _, tag := range test.expected {
				assert.Contains(t, changed, tag)
			}
			for _, tag := range test.absent {
				assert.NotContains(t, changed, tag)
			}
		})
	}

	// The very first tick has no previous time to compare with.
	changed := map[string]struct{}{}
	timeMarkers(time.Time{}, base, changed)
	assert.Empty(t, changed)
}

func TestAsapPauseRespected(t *testing.T) {
	h := newLoopHarness(t)
	ctx := context.Background()

	v := 1.0
	h.addPort(t, "v", &v)
	out := h.addPort(t, "out", nil)
	require.NoError(t, out.SetAttrs(ctx, map[string]any{
		"expression": "DELAY($v, 1000)",
	}))

	h.loop.Tick(ctx) // primes the delay with 1
	h.advance(100 * time.Millisecond)
	h.loop.Tick(ctx)

	// The delay saw no transition and did not pause; change the input
	// now so a release gets scheduled.
	v = 5.0
	h.advance(100 * time.Millisecond)
	h.loop.Tick(ctx)
	expr := out.Expression()
	require.NotNil(t, expr)
	assert.Greater(t, expr.PausedUntil(), int64(0))
}

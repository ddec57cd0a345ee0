package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qtoggle/qtoggleserver/events"
	"github.com/qtoggle/qtoggleserver/persist"
	"github.com/qtoggle/qtoggleserver/ports"
)

type historyHarness struct {
	registry *ports.Registry
	store    *persist.Store
	bus      *events.Bus
	history  *History
	clock    time.Time
}

func newHistoryHarness(t *testing.T) *historyHarness {
	t.Helper()
	h := &historyHarness{
		store: persist.NewStore(persist.NewMemoryDriver(), nil),
		bus:   events.NewBus(nil),
		clock: time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC),
	}
	h.registry = ports.NewRegistry(h.store, h.bus, nil)
	h.history = NewHistory(h.store, h.registry, nil, time.Hour, nil)
	h.history.now = func() time.Time { return h.clock }
	return h
}

func (h *historyHarness) addPort(t *testing.T, id string, interval,
	retention int64, initial *float64) *ports.BasePort {

	t.Helper()
	p := ports.NewBasePort(id, ports.TypeNumber, true,
		ports.NewVirtualDriver(initial), nil)
	require.NoError(t, h.registry.Add(context.Background(), p))
	require.NoError(t, p.SetAttrs(context.Background(), map[string]any{
		"enabled":           true,
		"history_interval":  interval,
		"history_retention": retention,
	}))
	return p
}

func (h *historyHarness) samples(t *testing.T, portID string) []persist.Sample {
	t.Helper()
	samples, err := h.store.GetSamplesSlice(context.Background(),
		CollValueHistory, portID, nil, nil, 0, false)
	require.NoError(t, err)
	return samples
}

func TestOnChangeSampling(t *testing.T) {
	h := newHistoryHarness(t)
	ctx := context.Background()

	initial := 1.0
	p := h.addPort(t, "p", -1, 0, &initial)
	h.bus.AddHandler(h.history)

	_, err := p.ReadValue(ctx) // nil -> 1 fires a value-change
	require.NoError(t, err)
	require.True(t, h.bus.Wait(time.Second))

	samples := h.samples(t, "p")
	require.Len(t, samples, 1)
	assert.Equal(t, 1.0, samples[0].Value)

	// Interval-configured ports are not sampled on change.
	initial2 := 2.0
	q := h.addPort(t, "q", 60, 0, &initial2)
	_, err = q.ReadValue(ctx)
	require.NoError(t, err)
	require.True(t, h.bus.Wait(time.Second))
	assert.Empty(t, h.samples(t, "q"))
}

func TestPeriodicSampling(t *testing.T) {
	h := newHistoryHarness(t)
	ctx := context.Background()

	initial := 7.0
	p := h.addPort(t, "p", 60, 0, &initial)
	_, err := p.ReadValue(ctx)
	require.NoError(t, err)

	h.history.sampleDuePorts(ctx)
	require.Len(t, h.samples(t, "p"), 1)

	// Within the interval nothing new is saved.
	h.clock = h.clock.Add(30 * time.Second)
	h.history.sampleDuePorts(ctx)
	assert.Len(t, h.samples(t, "p"), 1)

	h.clock = h.clock.Add(31 * time.Second)
	h.history.sampleDuePorts(ctx)
	assert.Len(t, h.samples(t, "p"), 2)
}

func TestJanitorPurgesBeyondRetention(t *testing.T) {
	h := newHistoryHarness(t)
	ctx := context.Background()

	h.addPort(t, "p", -1, 3600, nil)
	nowMS := h.clock.UnixMilli()

	old := nowMS - 2*3600*1000
	fresh := nowMS - 60*1000
	require.NoError(t, h.store.SaveSample(ctx, CollValueHistory, "p", old, 1))
	require.NoError(t, h.store.SaveSample(ctx, CollValueHistory, "p", fresh, 2))

	h.history.purgeExpired(ctx)

	samples := h.samples(t, "p")
	require.Len(t, samples, 1)
	assert.Equal(t, 2.0, samples[0].Value)
}

func TestQuerySamplesCachesOldOnes(t *testing.T) {
	h := newHistoryHarness(t)
	ctx := context.Background()

	h.addPort(t, "p", -1, 0, nil)
	nowMS := h.clock.UnixMilli()

	old := nowMS - 2*3600*1000
	recent := nowMS - 60*1000
	require.NoError(t, h.store.SaveSample(ctx, CollValueHistory, "p", old, 1))
	require.NoError(t, h.store.SaveSample(ctx, CollValueHistory, "p", recent, 2))

	samples, err := h.history.QuerySamples(ctx, "p", nil, nil, 0, false)
	require.NoError(t, err)
	require.Len(t, samples, 2)

	h.history.mu.Lock()
	_, oldCached := h.history.cache[sampleKey{"p", old}]
	_, recentCached := h.history.cache[sampleKey{"p", recent}]
	h.history.mu.Unlock()
	assert.True(t, oldCached, "hour-old samples are immutable and cached")
	assert.False(t, recentCached)
}

func TestGetSamplesByTimestampUsesCache(t *testing.T) {
	h := newHistoryHarness(t)
	ctx := context.Background()

	h.addPort(t, "p", -1, 0, nil)
	nowMS := h.clock.UnixMilli()
	old := nowMS - 2*3600*1000
	require.NoError(t, h.store.SaveSample(ctx, CollValueHistory, "p", old, 42))

	values, err := h.history.GetSamplesByTimestamp(ctx, "p", []int64{old, nowMS + 1000})
	require.NoError(t, err)
	require.Len(t, values, 2)
	require.NotNil(t, values[0])
	assert.Equal(t, 42.0, *values[0])

	// Second resolve of the old timestamp comes from the cache even if
	// the stored sample disappears underneath.
	_, err = h.store.RemoveSamples(ctx, CollValueHistory, []string{"p"}, nil, nil)
	require.NoError(t, err)

	values, err = h.history.GetSamplesByTimestamp(ctx, "p", []int64{old})
	require.NoError(t, err)
	require.NotNil(t, values[0])
	assert.Equal(t, 42.0, *values[0])
}

func TestRemoveDropsSamplesAndCache(t *testing.T) {
	h := newHistoryHarness(t)
	ctx := context.Background()

	h.addPort(t, "p", -1, 0, nil)
	nowMS := h.clock.UnixMilli()
	old := nowMS - 2*3600*1000
	require.NoError(t, h.store.SaveSample(ctx, CollValueHistory, "p", old, 1))

	_, err := h.history.QuerySamples(ctx, "p", nil, nil, 0, false)
	require.NoError(t, err)

	removed, err := h.history.Remove(ctx, "p", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Empty(t, h.samples(t, "p"))

	values, err := h.history.GetSamplesByTimestamp(ctx, "p", []int64{old})
	require.NoError(t, err)
	assert.Nil(t, values[0])
}

package ports

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qtoggle/qtoggleserver/errors"
	"github.com/qtoggle/qtoggleserver/events"
	"github.com/qtoggle/qtoggleserver/persist"
)

type harness struct {
	registry *Registry
	store    *persist.Store
	bus      *events.Bus
	captured []events.Event
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store: persist.NewStore(persist.NewMemoryDriver(), nil),
		bus:   events.NewBus(nil),
	}
	h.bus.AddHandler(events.HandlerFunc(func(_ context.Context, e events.Event) error {
		h.captured = append(h.captured, e)
		return nil
	}))
	h.registry = NewRegistry(h.store, h.bus, nil)
	return h
}

func (h *harness) addPort(t *testing.T, id string, typ Type,
	initial *float64) *BasePort {

	t.Helper()
	p := NewBasePort(id, typ, true, NewVirtualDriver(initial), nil)
	require.NoError(t, h.registry.Add(context.Background(), p))
	require.NoError(t, p.SetAttrs(context.Background(),
		map[string]any{"enabled": true}))
	return p
}

func TestAddRejectsDuplicatesAndBadIDs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.addPort(t, "lamp", TypeBoolean, nil)

	err := h.registry.Add(ctx, NewBasePort("lamp", TypeBoolean, true,
		NewVirtualDriver(nil), nil))
	assert.True(t, errors.Is(err, errors.ErrDuplicatePort))

	err = h.registry.Add(ctx, NewBasePort("9bad", TypeBoolean, true,
		NewVirtualDriver(nil), nil))
	var apiErr *errors.APIError
	assert.ErrorAs(t, err, &apiErr)
}

func TestReadValueChangeEvents(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	initial := 1.0
	p := h.addPort(t, "sensor", TypeNumber, &initial)
	h.captured = nil

	v, err := p.ReadValue(ctx)
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, 1.0, *v)
	require.Len(t, h.captured, 1)
	assert.Equal(t, events.TypeValueChange, h.captured[0].Type())

	// Unchanged value produces no further event.
	_, err = p.ReadValue(ctx)
	require.NoError(t, err)
	assert.Len(t, h.captured, 1)
}

func TestReadTransform(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	initial := 10.0
	p := h.addPort(t, "temp", TypeNumber, &initial)
	require.NoError(t, p.SetAttrs(ctx, map[string]any{
		"transform_read": "MUL($, 2)",
	}))

	v, err := p.ReadValue(ctx)
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, 20.0, *v)
}

func TestWritePath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	p := h.addPort(t, "dimmer", TypeNumber, nil)
	require.NoError(t, p.SetAttrs(ctx, map[string]any{
		"transform_write": "DIV($, 10)",
	}))

	require.NoError(t, p.WriteTransformedValue(ctx, 50, ReasonAPI))
	v, err := p.ReadValue(ctx)
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, 5.0, *v)
}

func TestWriteValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	p := h.addPort(t, "level", TypeNumber, nil)
	minVal, step := 0.0, 5.0
	p.SetBounds(&minVal, nil, &step, false, nil)

	err := p.WriteTransformedValue(ctx, 42, ReasonAPI)
	assert.True(t, errors.Is(err, errors.ErrInvalidValue))
	assert.NoError(t, p.WriteTransformedValue(ctx, 40, ReasonAPI))

	b := h.addPort(t, "switch", TypeBoolean, nil)
	err = b.WriteTransformedValue(ctx, 3, ReasonAPI)
	assert.True(t, errors.Is(err, errors.ErrInvalidValue))
}

func TestWriteRejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	disabled := NewBasePort("off", TypeNumber, true, NewVirtualDriver(nil), nil)
	require.NoError(t, h.registry.Add(ctx, disabled))
	assert.True(t, errors.Is(
		disabled.WriteTransformedValue(ctx, 1, ReasonAPI),
		errors.ErrPortDisabled))

	readonly := NewBasePort("ro", TypeNumber, false, NewVirtualDriver(nil), nil)
	require.NoError(t, h.registry.Add(ctx, readonly))
	require.NoError(t, readonly.SetAttrs(ctx, map[string]any{"enabled": true}))
	assert.True(t, errors.Is(
		readonly.WriteTransformedValue(ctx, 1, ReasonAPI),
		errors.ErrReadOnlyPort))

	expr := h.addPort(t, "auto", TypeNumber, nil)
	h.addPort(t, "src", TypeNumber, nil)
	require.NoError(t, expr.SetAttrs(ctx, map[string]any{"expression": "$src"}))
	assert.True(t, errors.Is(
		expr.WriteTransformedValue(ctx, 1, ReasonAPI),
		errors.ErrPortWithExpression))

	// The expression engine itself may still write.
	assert.NoError(t, expr.WriteTransformedValue(ctx, 1, ReasonExpression))
}

func TestForcedValueChangeOnNoOpWrite(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	initial := 0.0
	p := h.addPort(t, "sticky", TypeNumber, &initial)
	// Transform collapses every write back to the current value.
	require.NoError(t, p.SetAttrs(ctx, map[string]any{
		"transform_write": "MUL($, 0)",
	}))
	_, err := p.ReadValue(ctx)
	require.NoError(t, err)
	h.captured = nil

	require.NoError(t, p.WriteTransformedValue(ctx, 7, ReasonAPI))

	var changes int
	for _, e := range h.captured {
		if e.Type() == events.TypeValueChange {
			changes++
		}
	}
	assert.Equal(t, 1, changes, "acknowledged no-op write must force a value-change")
}

func TestCycleRejection(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a := h.addPort(t, "a", TypeNumber, nil)
	b := h.addPort(t, "b", TypeNumber, nil)

	require.NoError(t, a.SetAttrs(ctx, map[string]any{"expression": "ADD($b, 1)"}))

	err := b.SetAttrs(ctx, map[string]any{"expression": "ADD($a, 1)"})
	var apiErr *errors.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "invalid-field", apiErr.Code)

	// Bare self reference stays legal.
	assert.NoError(t, b.SetAttrs(ctx, map[string]any{"expression": "ADD($, 1)"}))
}

func TestSequenceRejectedWithExpression(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	p := h.addPort(t, "prog", TypeNumber, nil)
	require.NoError(t, p.SetAttrs(ctx, map[string]any{"expression": "TIME()"}))

	err := p.SetSequence(ctx, []float64{1, 0}, []int64{10, 10}, 1)
	assert.True(t, errors.Is(err, errors.ErrPortWithExpression))
}

func TestAttrsPersistAcrossRestart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	p := h.addPort(t, "keep", TypeNumber, nil)
	require.NoError(t, p.SetAttrs(ctx, map[string]any{
		"tag":              "room=kitchen",
		"history_interval": 60,
	}))

	// A second registry over the same store simulates a restart.
	registry2 := NewRegistry(h.store, events.NewBus(nil), nil)
	p2 := NewBasePort("keep", TypeNumber, true, NewVirtualDriver(nil), nil)
	require.NoError(t, registry2.Add(ctx, p2))

	attrs, err := p2.GetAttrs(ctx)
	require.NoError(t, err)
	assert.Equal(t, "room=kitchen", attrs["tag"])
	assert.Equal(t, int64(60), attrs["history_interval"])
	assert.Equal(t, true, attrs["enabled"])
}

func TestVirtualPortsLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	vports := NewVirtualPorts(h.registry, h.store, nil)

	maxVal := 100.0
	require.NoError(t, vports.Add(ctx, VPortSpec{
		ID: "virt", Type: TypeNumber, Max: &maxVal,
	}))

	p, ok := h.registry.Get("virt")
	require.True(t, ok)
	assert.True(t, vports.IsVirtual(ctx, "virt"))
	assert.False(t, vports.IsVirtual(ctx, "other"))

	attrs, err := p.GetAttrs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 100.0, attrs["max"])

	// Duplicate definition is refused.
	err = vports.Add(ctx, VPortSpec{ID: "virt", Type: TypeNumber})
	assert.True(t, errors.Is(err, errors.ErrDuplicatePort))

	// A fresh registry re-materializes from persistence.
	registry2 := NewRegistry(h.store, events.NewBus(nil), nil)
	vports2 := NewVirtualPorts(registry2, h.store, nil)
	require.NoError(t, vports2.Init(ctx))
	_, ok = registry2.Get("virt")
	assert.True(t, ok)

	require.NoError(t, vports2.Remove(ctx, "virt"))
	_, ok = registry2.Get("virt")
	assert.False(t, ok)
	assert.True(t, errors.Is(vports2.Remove(ctx, "virt"), errors.ErrNoSuchPort))
}

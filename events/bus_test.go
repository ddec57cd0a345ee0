package events

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	fireAndForget bool
	events        atomic.Int64
	err           error
}

func (h *recordingHandler) HandleEvent(context.Context, Event) error {
	h.events.Add(1)
	return h.err
}

func (h *recordingHandler) FireAndForget() bool { return h.fireAndForget }

func TestTriggerDispatchesToAllHandlers(t *testing.T) {
	bus := NewBus(nil)
	serialized := &recordingHandler{}
	async := &recordingHandler{fireAndForget: true}
	bus.AddHandler(serialized)
	bus.AddHandler(async)

	bus.Trigger(context.Background(), NewValueChange("p1", 1.0))
	require.True(t, bus.Wait(time.Second))

	assert.Equal(t, int64(1), serialized.events.Load())
	assert.Equal(t, int64(1), async.events.Load())
}

func TestDisabledBusDropsEvents(t *testing.T) {
	bus := NewBus(nil)
	h := &recordingHandler{}
	bus.AddHandler(h)

	bus.Disable()
	bus.Trigger(context.Background(), NewValueChange("p1", 1.0))
	assert.Equal(t, int64(0), h.events.Load())

	bus.Enable()
	bus.Trigger(context.Background(), NewFullUpdate())
	assert.Equal(t, int64(1), h.events.Load())
}

func TestSerializedHandlerErrorDoesNotPropagate(t *testing.T) {
	bus := NewBus(nil)
	failing := &recordingHandler{err: assert.AnError}
	next := &recordingHandler{}
	bus.AddHandler(failing)
	bus.AddHandler(next)

	bus.Trigger(context.Background(), NewValueChange("p1", true))

	// The failing handler must not stop delivery to the next one.
	assert.Equal(t, int64(1), next.events.Load())
}

func TestInitParamsSnapshotsOnce(t *testing.T) {
	calls := 0
	e := NewPortUpdate("p1", func(context.Context) (any, error) {
		calls++
		return map[string]any{"id": "p1"}, nil
	})

	bus := NewBus(nil)
	bus.AddHandler(&recordingHandler{})
	bus.Trigger(context.Background(), e)

	assert.Equal(t, 1, calls)
	require.NotNil(t, e.Params())
	require.NoError(t, e.InitParams(context.Background()))
	assert.Equal(t, 1, calls)
}

func TestIsDuplicate(t *testing.T) {
	tests := []struct {
		name     string
		a, b     Event
		expected bool
	}{
		{"same value change", NewValueChange("p1", 1.0), NewValueChange("p1", 1.0), true},
		{"different value", NewValueChange("p1", 1.0), NewValueChange("p1", 2.0), false},
		{"different port", NewValueChange("p1", 1.0), NewValueChange("p2", 1.0), false},
		{"value change vs update", NewValueChange("p1", 1.0), NewPortUpdate("p1", nil), false},
		{"same port update", NewPortUpdate("p1", nil), NewPortUpdate("p1", nil), true},
		{"port adds never dedup", NewPortAdd("p1", nil), NewPortAdd("p1", nil), false},
		{"same port remove", NewPortRemove("p1"), NewPortRemove("p1"), true},
		{"full updates dedup", NewFullUpdate(), NewFullUpdate(), true},
		{"same slave update", NewSlaveDeviceUpdate("s1", nil), NewSlaveDeviceUpdate("s1", nil), true},
		{"different slave update", NewSlaveDeviceUpdate("s1", nil), NewSlaveDeviceUpdate("s2", nil), false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, test.a.IsDuplicate(test.b))
		})
	}
}

func TestAccessLevels(t *testing.T) {
	assert.True(t, AccessAdmin > AccessNormal)
	assert.True(t, AccessNormal > AccessViewOnly)
	assert.True(t, AccessViewOnly > AccessNone)

	level, err := ParseAccessLevel("normal")
	require.NoError(t, err)
	assert.Equal(t, AccessNormal, level)

	_, err = ParseAccessLevel("root")
	assert.Error(t, err)
}

func TestEventAccessRequirements(t *testing.T) {
	assert.Equal(t, AccessViewOnly, NewValueChange("p1", 1.0).RequiredAccess())
	assert.Equal(t, AccessAdmin, NewSlaveDeviceAdd("s1", nil).RequiredAccess())
	assert.Equal(t, AccessAdmin, NewDeviceUpdate(nil).RequiredAccess())
}

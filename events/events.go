// Package events defines the typed events emitted by ports, the device
// and slave devices, along with the bus that fans them out to
// handlers, sessions and webhooks.
package events

import (
	"context"
	"fmt"
	"time"
)

// AccessLevel orders API access rights. Every event declares the
// minimum level a client needs to receive it.
type AccessLevel int

const (
	// AccessNone grants nothing
	AccessNone AccessLevel = iota
	// AccessViewOnly grants read access to ports and values
	AccessViewOnly
	// AccessNormal additionally grants value writes
	AccessNormal
	// AccessAdmin grants full control
	AccessAdmin
)

// String returns the wire representation of the access level
func (l AccessLevel) String() string {
	switch l {
	case AccessViewOnly:
		return "viewonly"
	case AccessNormal:
		return "normal"
	case AccessAdmin:
		return "admin"
	default:
		return "none"
	}
}

// ParseAccessLevel maps a wire username/level to an AccessLevel
func ParseAccessLevel(s string) (AccessLevel, error) {
	switch s {
	case "viewonly":
		return AccessViewOnly, nil
	case "normal":
		return AccessNormal, nil
	case "admin":
		return AccessAdmin, nil
	default:
		return AccessNone, fmt.Errorf("unknown access level %q", s)
	}
}

// Event type names as they appear on the wire.
const (
	TypeValueChange       = "value-change"
	TypePortAdd           = "port-add"
	TypePortUpdate        = "port-update"
	TypePortRemove        = "port-remove"
	TypeDeviceUpdate      = "device-update"
	TypeFullUpdate        = "full-update"
	TypeSlaveDeviceAdd    = "slave-device-add"
	TypeSlaveDeviceUpdate = "slave-device-update"
	TypeSlaveDeviceRemove = "slave-device-remove"
)

// ParamsFunc snapshots the state an event describes. It may perform
// I/O; the bus calls it exactly once, before dispatching.
type ParamsFunc func(ctx context.Context) (any, error)

// Event is a typed occurrence delivered to sessions, webhooks and
// registered handlers.
type Event interface {
	// Type returns the wire type name
	Type() string
	// Timestamp returns the event epoch seconds (0 when real time was
	// unavailable at creation)
	Timestamp() int64
	// RequiredAccess returns the minimum access level to receive this
	// event
	RequiredAccess() AccessLevel
	// InitParams snapshots the event params; called once by the bus
	InitParams(ctx context.Context) error
	// Params returns the snapshotted params
	Params() any
	// IsDuplicate reports whether other carries the same information,
	// used for session queue deduplication
	IsDuplicate(other Event) bool
}

type baseEvent struct {
	typ       string
	timestamp int64
	access    AccessLevel
	params    any
	paramsFn  ParamsFunc
}

func newBaseEvent(typ string, access AccessLevel, paramsFn ParamsFunc) baseEvent {
	return baseEvent{
		typ:       typ,
		timestamp: time.Now().Unix(),
		access:    access,
		paramsFn:  paramsFn,
	}
}

func (e *baseEvent) Type() string                { return e.typ }
func (e *baseEvent) Timestamp() int64            { return e.timestamp }
func (e *baseEvent) RequiredAccess() AccessLevel { return e.access }
func (e *baseEvent) Params() any                 { return e.params }

func (e *baseEvent) InitParams(ctx context.Context) error {
	if e.paramsFn == nil {
		return nil
	}
	params, err := e.paramsFn(ctx)
	if err != nil {
		return err
	}
	e.params = params
	e.paramsFn = nil
	return nil
}

// ValueChange reports a port value transition.
type ValueChange struct {
	baseEvent
	PortID string
	Value  any
}

// NewValueChange creates a value-change event for the given port.
func NewValueChange(portID string, value any) *ValueChange {
	e := &ValueChange{PortID: portID, Value: value}
	e.baseEvent = newBaseEvent(TypeValueChange, AccessViewOnly, func(context.Context) (any, error) {
		return map[string]any{"id": portID, "value": value}, nil
	})
	return e
}

// IsDuplicate implements Event.
func (e *ValueChange) IsDuplicate(other Event) bool {
	o, ok := other.(*ValueChange)
	return ok && o.PortID == e.PortID && o.Value == e.Value
}

// PortAdd reports a newly registered port; params carry the full port
// JSON.
type PortAdd struct {
	baseEvent
	PortID string
}

// NewPortAdd creates a port-add event; paramsFn must return the full
// port JSON.
func NewPortAdd(portID string, paramsFn ParamsFunc) *PortAdd {
	e := &PortAdd{PortID: portID}
	e.baseEvent = newBaseEvent(TypePortAdd, AccessViewOnly, paramsFn)
	return e
}

// IsDuplicate implements Event.
func (e *PortAdd) IsDuplicate(Event) bool { return false }

// PortUpdate reports changed port attributes; params carry the full
// port JSON.
type PortUpdate struct {
	baseEvent
	PortID string
}

// NewPortUpdate creates a port-update event; paramsFn must return the
// full port JSON.
func NewPortUpdate(portID string, paramsFn ParamsFunc) *PortUpdate {
	e := &PortUpdate{PortID: portID}
	e.baseEvent = newBaseEvent(TypePortUpdate, AccessViewOnly, paramsFn)
	return e
}

// IsDuplicate implements Event.
func (e *PortUpdate) IsDuplicate(other Event) bool {
	o, ok := other.(*PortUpdate)
	return ok && o.PortID == e.PortID
}

// PortRemove reports a port leaving the registry.
type PortRemove struct {
	baseEvent
	PortID string
}

// NewPortRemove creates a port-remove event.
func NewPortRemove(portID string) *PortRemove {
	e := &PortRemove{PortID: portID}
	e.baseEvent = newBaseEvent(TypePortRemove, AccessViewOnly, func(context.Context) (any, error) {
		return map[string]any{"id": portID}, nil
	})
	return e
}

// IsDuplicate implements Event.
func (e *PortRemove) IsDuplicate(other Event) bool {
	o, ok := other.(*PortRemove)
	return ok && o.PortID == e.PortID
}

// DeviceUpdate reports changed master device attributes; params carry
// the device attrs JSON.
type DeviceUpdate struct {
	baseEvent
}

// NewDeviceUpdate creates a device-update event; paramsFn must return
// the device attrs JSON.
func NewDeviceUpdate(paramsFn ParamsFunc) *DeviceUpdate {
	e := &DeviceUpdate{}
	e.baseEvent = newBaseEvent(TypeDeviceUpdate, AccessAdmin, paramsFn)
	return e
}

// IsDuplicate implements Event.
func (e *DeviceUpdate) IsDuplicate(other Event) bool {
	_, ok := other.(*DeviceUpdate)
	return ok
}

// FullUpdate asks clients to re-fetch everything; emitted after bulk
// operations performed with the bus disabled.
type FullUpdate struct {
	baseEvent
}

// NewFullUpdate creates a full-update event.
func NewFullUpdate() *FullUpdate {
	e := &FullUpdate{}
	e.baseEvent = newBaseEvent(TypeFullUpdate, AccessViewOnly, nil)
	return e
}

// IsDuplicate implements Event.
func (e *FullUpdate) IsDuplicate(other Event) bool {
	_, ok := other.(*FullUpdate)
	return ok
}

// SlaveDeviceAdd reports a newly adopted slave; params carry the slave
// JSON.
type SlaveDeviceAdd struct {
	baseEvent
	Name string
}

// NewSlaveDeviceAdd creates a slave-device-add event.
func NewSlaveDeviceAdd(name string, paramsFn ParamsFunc) *SlaveDeviceAdd {
	e := &SlaveDeviceAdd{Name: name}
	e.baseEvent = newBaseEvent(TypeSlaveDeviceAdd, AccessAdmin, paramsFn)
	return e
}

// IsDuplicate implements Event.
func (e *SlaveDeviceAdd) IsDuplicate(Event) bool { return false }

// SlaveDeviceUpdate reports changed slave state; params carry the
// slave JSON.
type SlaveDeviceUpdate struct {
	baseEvent
	Name string
}

// NewSlaveDeviceUpdate creates a slave-device-update event.
func NewSlaveDeviceUpdate(name string, paramsFn ParamsFunc) *SlaveDeviceUpdate {
	e := &SlaveDeviceUpdate{Name: name}
	e.baseEvent = newBaseEvent(TypeSlaveDeviceUpdate, AccessAdmin, paramsFn)
	return e
}

// IsDuplicate implements Event.
func (e *SlaveDeviceUpdate) IsDuplicate(other Event) bool {
	o, ok := other.(*SlaveDeviceUpdate)
	return ok && o.Name == e.Name
}

// SlaveDeviceRemove reports a slave leaving the registry.
type SlaveDeviceRemove struct {
	baseEvent
	Name string
}

// NewSlaveDeviceRemove creates a slave-device-remove event.
func NewSlaveDeviceRemove(name string) *SlaveDeviceRemove {
	e := &SlaveDeviceRemove{Name: name}
	e.baseEvent = newBaseEvent(TypeSlaveDeviceRemove, AccessAdmin, func(context.Context) (any, error) {
		return map[string]any{"name": name}, nil
	})
	return e
}

// IsDuplicate implements Event.
func (e *SlaveDeviceRemove) IsDuplicate(other Event) bool {
	o, ok := other.(*SlaveDeviceRemove)
	return ok && o.Name == e.Name
}

// ToWire serializes an event into its wire shape.
func ToWire(e Event) map[string]any {
	return map[string]any{
		"type":      e.Type(),
		"timestamp": e.Timestamp(),
		"params":    e.Params(),
	}
}

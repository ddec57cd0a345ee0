// Package expressions implements the port expression language: a
// small typed language of literals, port references and pure or
// stateful functions, evaluated under an explicit time-and-values
// context with dependency tracking and a cooperative ASAP pause.
package expressions

import (
	"context"
	"strconv"
	"sync/atomic"
)

// Role restricts which node kinds an expression may contain.
type Role int

const (
	// RoleValue is a port value expression; may reference other ports
	RoleValue Role = iota
	// RoleTransformRead rewrites a port's raw value on read; self-only
	RoleTransformRead
	// RoleTransformWrite rewrites a caller's value on write; self-only
	RoleTransformWrite
	// RoleFilter is a self-only filter expression
	RoleFilter
)

func (r Role) isTransform() bool {
	return r == RoleTransformRead || r == RoleTransformWrite || r == RoleFilter
}

// Coarse-time and ASAP dependency markers.
const (
	DepSecond = "second"
	DepMinute = "minute"
	DepHour   = "hour"
	DepDay    = "day"
	DepMonth  = "month"
	DepYear   = "year"
	DepASAP   = "asap"
)

// PortDep returns the dependency tag for a port ID.
func PortDep(id string) string { return "$" + id }

// Context is the evaluation context passed per tick. PortValues maps
// port IDs to their current value; a nil entry means unavailable.
// Read-only for callees.
type Context struct {
	Ctx        context.Context
	PortValues map[string]*float64
	NowMS      int64
}

// NowS returns the context time in whole seconds.
func (c *Context) NowS() int64 { return c.NowMS / 1000 }

// portValue resolves a port's value from the context.
func (c *Context) portValue(id string) (float64, error) {
	v, ok := c.PortValues[id]
	if !ok || v == nil {
		return 0, ErrValueUnavailable
	}
	return *v, nil
}

// node is one immutable tree node. Stateful function cells are the
// only mutable state behind it.
type node interface {
	eval(e *evalState, c *Context) (float64, error)
	// collectDeps adds this subtree's dependency tags to set
	collectDeps(set map[string]struct{})
	// walkPortValues visits the port ID of every PortValue descendant
	walkPortValues(visit func(id string))
	String() string
}

// evalState is per-tree evaluation state shared by all nodes: the
// cooperative ASAP pause cell.
type evalState struct {
	pausedUntilMS atomic.Int64
}

// pause requests no ASAP re-evaluation before untilMS. The earliest
// pending release wins.
func (s *evalState) pause(untilMS int64) {
	for {
		cur := s.pausedUntilMS.Load()
		if cur != 0 && cur <= untilMS {
			return
		}
		if s.pausedUntilMS.CompareAndSwap(cur, untilMS) {
			return
		}
	}
}

// Expression is a parsed, immutable expression tree bound to its
// owning port.
type Expression struct {
	root   node
	state  evalState
	selfID string
	role   Role
	deps   map[string]struct{} // cached on first Deps call
}

// Eval resets the ASAP pause, evaluates the tree and, on any error,
// pauses ASAP re-evaluation for one second to avoid hot retries.
func (e *Expression) Eval(c *Context) (float64, error) {
	e.state.pausedUntilMS.Store(0)
	v, err := e.root.eval(&e.state, c)
	if err != nil {
		e.state.pausedUntilMS.Store(c.NowMS + 1000)
		return 0, err
	}
	return v, nil
}

// PausedUntil returns the ASAP pause deadline in ms (0 = not paused).
func (e *Expression) PausedUntil() int64 {
	return e.state.pausedUntilMS.Load()
}

// Deps returns the expression's dependency set: `$<id>` tags for every
// referenced port value plus coarse-time and ASAP markers. Cached on
// first computation.
func (e *Expression) Deps() map[string]struct{} {
	if e.deps == nil {
		set := map[string]struct{}{}
		e.root.collectDeps(set)
		e.deps = set
	}
	return e.deps
}

// DependsOn reports whether any tag in changed intersects the
// dependency set.
func (e *Expression) DependsOn(changed map[string]struct{}) bool {
	deps := e.Deps()
	for tag := range changed {
		if _, ok := deps[tag]; ok {
			return true
		}
	}
	return false
}

// PortValueIDs visits the ID of every port whose value the expression
// reads; used by the cycle check.
func (e *Expression) PortValueIDs(visit func(id string)) {
	e.root.walkPortValues(visit)
}

// String returns the canonical source form.
func (e *Expression) String() string { return e.root.String() }

// Role returns the role the expression was parsed for.
func (e *Expression) Role() Role { return e.role }

// literalNode holds a constant: a number, true/false (as 1/0) or the
// unavailable marker.
type literalNode struct {
	value       float64
	unavailable bool
	isBool      bool
}

func (n *literalNode) eval(_ *evalState, _ *Context) (float64, error) {
	if n.unavailable {
		return 0, ErrValueUnavailable
	}
	return n.value, nil
}

func (n *literalNode) collectDeps(map[string]struct{}) {}

func (n *literalNode) walkPortValues(func(string)) {}

func (n *literalNode) String() string {
	if n.unavailable {
		return "unavailable"
	}
	if n.isBool {
		if n.value != 0 {
			return "true"
		}
		return "false"
	}
	return formatNumber(n.value)
}

// portValueNode reads another port's (or the owning port's) value.
type portValueNode struct {
	portID string // resolved ID; equals the owner for bare $
	isSelf bool
}

func (n *portValueNode) eval(_ *evalState, c *Context) (float64, error) {
	return c.portValue(n.portID)
}

func (n *portValueNode) collectDeps(set map[string]struct{}) {
	set[PortDep(n.portID)] = struct{}{}
}

func (n *portValueNode) walkPortValues(visit func(string)) {
	visit(n.portID)
}

func (n *portValueNode) String() string {
	if n.isSelf {
		return "$"
	}
	return "$" + n.portID
}

// portRefNode names a port without reading its value; only valid where
// a function slot accepts a port reference (e.g. HISTORY).
type portRefNode struct {
	portID string
	isSelf bool
}

func (n *portRefNode) eval(_ *evalState, _ *Context) (float64, error) {
	return 0, &EvalError{Reason: "port reference has no value"}
}

func (n *portRefNode) collectDeps(map[string]struct{}) {}

func (n *portRefNode) walkPortValues(func(string)) {}

func (n *portRefNode) String() string {
	if n.isSelf {
		return "@"
	}
	return "@" + n.portID
}

func formatNumber(v float64) string {
	if v == float64(int64(v)) {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

package expressions

import (
	"sort"
	"sync"
)

type argKindT int

const (
	kindAny argKindT = iota
	kindPortRef
)

// funcImpl evaluates a function call. Implementations carrying state
// are instantiated per tree node.
type funcImpl interface {
	eval(s *evalState, c *Context, args []node) (float64, error)
}

type statelessImpl func(s *evalState, c *Context, args []node) (float64, error)

func (f statelessImpl) eval(s *evalState, c *Context, args []node) (float64, error) {
	return f(s, c, args)
}

// FuncDef describes a registered expression function.
type FuncDef struct {
	Name    string
	MinArgs int
	MaxArgs int // -1 = unbounded
	// ArgKinds constrains node kinds slot-wise; missing slots accept
	// anything
	ArgKinds []argKindT
	// Deps are the static dependency tags contributed by any call
	Deps []string
	// AllowedInTransforms admits the function into transform_read and
	// transform_write expressions
	AllowedInTransforms bool
	// MaskArgDeps hides argument dependencies (IGNCHG)
	MaskArgDeps bool
	// Enabled hides the function from the parser when false
	Enabled func() bool
	// New builds a per-instance stateful impl; nil means Stateless
	New       func() funcImpl
	Stateless statelessImpl
}

func (d *FuncDef) newImpl() funcImpl {
	if d.New != nil {
		return d.New()
	}
	return d.Stateless
}

func (d *FuncDef) argKind(i int) argKindT {
	if i < len(d.ArgKinds) {
		return d.ArgKinds[i]
	}
	return kindAny
}

var (
	funcMu   sync.RWMutex
	funcDefs = map[string]*FuncDef{}
)

func registerFunc(def *FuncDef) {
	funcMu.Lock()
	defer funcMu.Unlock()
	funcDefs[def.Name] = def
}

func lookupFunction(name string) *FuncDef {
	funcMu.RLock()
	defer funcMu.RUnlock()
	return funcDefs[name]
}

// FunctionNames returns the names of all currently enabled functions,
// sorted.
func FunctionNames() []string {
	funcMu.RLock()
	defer funcMu.RUnlock()
	names := make([]string, 0, len(funcDefs))
	for name, def := range funcDefs {
		if def.Enabled != nil && !def.Enabled() {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Numeric helpers. Booleans travel as 0/1; truthiness follows the
// natural zero rule.

func truthy(v float64) bool { return v != 0 }

func b2f(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

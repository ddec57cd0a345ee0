package expressions

import (
	"github.com/qtoggle/qtoggleserver/errors"
)

// Stateful value functions. Each compiled call site owns its state
// cell; state is reset whenever the source is reparsed.

func init() {
	registerFunc(&FuncDef{
		Name: "AVAILABLE", MinArgs: 1, MaxArgs: 1,
		AllowedInTransforms: true,
		Stateless: func(s *evalState, c *Context, args []node) (float64, error) {
			_, err := args[0].eval(s, c)
			if err != nil {
				if errors.Is(err, ErrValueUnavailable) {
					return 0, nil
				}
				return 0, err
			}
			return 1, nil
		},
	})

	registerFunc(&FuncDef{
		Name: "DEFAULT", MinArgs: 2, MaxArgs: 2,
		AllowedInTransforms: true,
		Stateless: func(s *evalState, c *Context, args []node) (float64, error) {
			v, err := args[0].eval(s, c)
			if err != nil {
				if errors.Is(err, ErrValueUnavailable) {
					return args[1].eval(s, c)
				}
				return 0, err
			}
			return v, nil
		},
	})

	registerFunc(&FuncDef{
		Name: "IGNCHG", MinArgs: 1, MaxArgs: 1,
		AllowedInTransforms: true,
		MaskArgDeps:         true,
		Stateless: func(s *evalState, c *Context, args []node) (float64, error) {
			return args[0].eval(s, c)
		},
	})

	registerFunc(&FuncDef{
		Name: "RISING", MinArgs: 1, MaxArgs: 1,
		New: func() funcImpl { return &edgeImpl{rising: true} },
	})
	registerFunc(&FuncDef{
		Name: "FALLING", MinArgs: 1, MaxArgs: 1,
		New: func() funcImpl { return &edgeImpl{rising: false} },
	})

	registerFunc(&FuncDef{
		Name: "ACC", MinArgs: 2, MaxArgs: 2,
		New: func() funcImpl { return &accImpl{} },
	})
	registerFunc(&FuncDef{
		Name: "ACCINC", MinArgs: 2, MaxArgs: 2,
		New: func() funcImpl { return &accImpl{incrementsOnly: true} },
	})

	registerFunc(&FuncDef{
		Name: "HYST", MinArgs: 3, MaxArgs: 3,
		New: func() funcImpl { return &hystImpl{} },
	})

	registerFunc(&FuncDef{
		Name: "ONOFFAUTO", MinArgs: 2, MaxArgs: 2,
		Stateless: func(s *evalState, c *Context, args []node) (float64, error) {
			v, err := args[0].eval(s, c)
			if err != nil {
				return 0, err
			}
			switch {
			case v > 0:
				return 1, nil
			case v < 0:
				return 0, nil
			default:
				return args[1].eval(s, c)
			}
		},
	})
}

// edgeImpl emits 1 on the evaluation where the input crossed in the
// watched direction, 0 otherwise.
type edgeImpl struct {
	rising  bool
	last    float64
	primed  bool
}

func (i *edgeImpl) eval(s *evalState, c *Context, args []node) (float64, error) {
	v, err := args[0].eval(s, c)
	if err != nil {
		return 0, err
	}

	result := 0.0
	if i.primed {
		if i.rising && v > i.last {
			result = 1
		}
		if !i.rising && v < i.last {
			result = 1
		}
	}
	i.last = v
	i.primed = true
	return result, nil
}

// accImpl accumulates the input: ACC adds every change of the input to
// the running total, ACCINC only positive increments. A truthy second
// argument resets the total.
type accImpl struct {
	incrementsOnly bool
	total          float64
	last           float64
	primed         bool
}

func (i *accImpl) eval(s *evalState, c *Context, args []node) (float64, error) {
	v, err := args[0].eval(s, c)
	if err != nil {
		return 0, err
	}
	reset, err := args[1].eval(s, c)
	if err != nil {
		return 0, err
	}

	if truthy(reset) {
		i.total = 0
		i.last = v
		i.primed = true
		return i.total, nil
	}

	if i.primed && v != i.last {
		delta := v - i.last
		if !i.incrementsOnly || delta > 0 {
			i.total += delta
		}
	}
	i.last = v
	i.primed = true
	return i.total, nil
}

// hystImpl is a Schmitt trigger: output switches to 1 when the input
// reaches high, back to 0 when it drops to low, and holds in between.
type hystImpl struct {
	output float64
}

func (i *hystImpl) eval(s *evalState, c *Context, args []node) (float64, error) {
	values, err := evalArgs(s, c, args)
	if err != nil {
		return 0, err
	}
	x, low, high := values[0], values[1], values[2]

	switch {
	case x >= high:
		i.output = 1
	case x <= low:
		i.output = 0
	}
	return i.output, nil
}

package expressions

import (
	"math"
	"sort"
)

// Pure functions: arithmetic, comparison, logic, bitwise, rounding,
// sign, aggregation and branching. All are allowed in transforms.

func init() {
	stateless := func(name string, minArgs, maxArgs int, fn statelessImpl) {
		registerFunc(&FuncDef{
			Name:                name,
			MinArgs:             minArgs,
			MaxArgs:             maxArgs,
			AllowedInTransforms: true,
			Stateless:           fn,
		})
	}

	// Arithmetic
	stateless("ADD", 2, -1, func(s *evalState, c *Context, args []node) (float64, error) {
		values, err := evalArgs(s, c, args)
		if err != nil {
			return 0, err
		}
		sum := 0.0
		for _, v := range values {
			sum += v
		}
		return sum, nil
	})
	stateless("SUB", 2, 2, func(s *evalState, c *Context, args []node) (float64, error) {
		values, err := evalArgs(s, c, args)
		if err != nil {
			return 0, err
		}
		return values[0] - values[1], nil
	})
	stateless("MUL", 2, -1, func(s *evalState, c *Context, args []node) (float64, error) {
		values, err := evalArgs(s, c, args)
		if err != nil {
			return 0, err
		}
		product := 1.0
		for _, v := range values {
			product *= v
		}
		return product, nil
	})
	stateless("DIV", 2, 2, func(s *evalState, c *Context, args []node) (float64, error) {
		values, err := evalArgs(s, c, args)
		if err != nil {
			return 0, err
		}
		if values[1] == 0 {
			return 0, &EvalError{Reason: "division by zero"}
		}
		return values[0] / values[1], nil
	})
	stateless("MOD", 2, 2, func(s *evalState, c *Context, args []node) (float64, error) {
		values, err := evalArgs(s, c, args)
		if err != nil {
			return 0, err
		}
		if values[1] == 0 {
			return 0, &EvalError{Reason: "modulo by zero"}
		}
		return math.Mod(values[0], values[1]), nil
	})
	stateless("POW", 2, 2, func(s *evalState, c *Context, args []node) (float64, error) {
		values, err := evalArgs(s, c, args)
		if err != nil {
			return 0, err
		}
		return math.Pow(values[0], values[1]), nil
	})

	// Comparison
	stateless("EQ", 2, 2, func(s *evalState, c *Context, args []node) (float64, error) {
		values, err := evalArgs(s, c, args)
		if err != nil {
			return 0, err
		}
		return b2f(values[0] == values[1]), nil
	})
	stateless("GT", 2, 2, func(s *evalState, c *Context, args []node) (float64, error) {
		values, err := evalArgs(s, c, args)
		if err != nil {
			return 0, err
		}
		return b2f(values[0] > values[1]), nil
	})
	stateless("GTE", 2, 2, func(s *evalState, c *Context, args []node) (float64, error) {
		values, err := evalArgs(s, c, args)
		if err != nil {
			return 0, err
		}
		return b2f(values[0] >= values[1]), nil
	})
	stateless("LT", 2, 2, func(s *evalState, c *Context, args []node) (float64, error) {
		values, err := evalArgs(s, c, args)
		if err != nil {
			return 0, err
		}
		return b2f(values[0] < values[1]), nil
	})
	stateless("LTE", 2, 2, func(s *evalState, c *Context, args []node) (float64, error) {
		values, err := evalArgs(s, c, args)
		if err != nil {
			return 0, err
		}
		return b2f(values[0] <= values[1]), nil
	})

	// Logic
	stateless("AND", 2, -1, func(s *evalState, c *Context, args []node) (float64, error) {
		values, err := evalArgs(s, c, args)
		if err != nil {
			return 0, err
		}
		for _, v := range values {
			if !truthy(v) {
				return 0, nil
			}
		}
		return 1, nil
	})
	stateless("OR", 2, -1, func(s *evalState, c *Context, args []node) (float64, error) {
		values, err := evalArgs(s, c, args)
		if err != nil {
			return 0, err
		}
		for _, v := range values {
			if truthy(v) {
				return 1, nil
			}
		}
		return 0, nil
	})
	stateless("NOT", 1, 1, func(s *evalState, c *Context, args []node) (float64, error) {
		values, err := evalArgs(s, c, args)
		if err != nil {
			return 0, err
		}
		return b2f(!truthy(values[0])), nil
	})
	stateless("XOR", 2, 2, func(s *evalState, c *Context, args []node) (float64, error) {
		values, err := evalArgs(s, c, args)
		if err != nil {
			return 0, err
		}
		return b2f(truthy(values[0]) != truthy(values[1])), nil
	})

	// Bitwise (operands coerced to integers)
	stateless("BITAND", 2, 2, func(s *evalState, c *Context, args []node) (float64, error) {
		values, err := evalArgs(s, c, args)
		if err != nil {
			return 0, err
		}
		return float64(int64(values[0]) & int64(values[1])), nil
	})
	stateless("BITOR", 2, 2, func(s *evalState, c *Context, args []node) (float64, error) {
		values, err := evalArgs(s, c, args)
		if err != nil {
			return 0, err
		}
		return float64(int64(values[0]) | int64(values[1])), nil
	})
	stateless("BITNOT", 1, 1, func(s *evalState, c *Context, args []node) (float64, error) {
		values, err := evalArgs(s, c, args)
		if err != nil {
			return 0, err
		}
		return float64(^int64(values[0])), nil
	})
	stateless("BITXOR", 2, 2, func(s *evalState, c *Context, args []node) (float64, error) {
		values, err := evalArgs(s, c, args)
		if err != nil {
			return 0, err
		}
		return float64(int64(values[0]) ^ int64(values[1])), nil
	})
	stateless("SHL", 2, 2, func(s *evalState, c *Context, args []node) (float64, error) {
		values, err := evalArgs(s, c, args)
		if err != nil {
			return 0, err
		}
		return float64(int64(values[0]) << uint(values[1])), nil
	})
	stateless("SHR", 2, 2, func(s *evalState, c *Context, args []node) (float64, error) {
		values, err := evalArgs(s, c, args)
		if err != nil {
			return 0, err
		}
		return float64(int64(values[0]) >> uint(values[1])), nil
	})

	// Rounding
	stateless("FLOOR", 1, 1, func(s *evalState, c *Context, args []node) (float64, error) {
		values, err := evalArgs(s, c, args)
		if err != nil {
			return 0, err
		}
		return math.Floor(values[0]), nil
	})
	stateless("CEIL", 1, 1, func(s *evalState, c *Context, args []node) (float64, error) {
		values, err := evalArgs(s, c, args)
		if err != nil {
			return 0, err
		}
		return math.Ceil(values[0]), nil
	})
	stateless("ROUND", 1, 2, func(s *evalState, c *Context, args []node) (float64, error) {
		values, err := evalArgs(s, c, args)
		if err != nil {
			return 0, err
		}
		if len(values) == 1 {
			return math.Round(values[0]), nil
		}
		scale := math.Pow(10, math.Trunc(values[1]))
		return math.Round(values[0]*scale) / scale, nil
	})

	// Sign
	stateless("ABS", 1, 1, func(s *evalState, c *Context, args []node) (float64, error) {
		values, err := evalArgs(s, c, args)
		if err != nil {
			return 0, err
		}
		return math.Abs(values[0]), nil
	})
	stateless("SGN", 1, 1, func(s *evalState, c *Context, args []node) (float64, error) {
		values, err := evalArgs(s, c, args)
		if err != nil {
			return 0, err
		}
		switch {
		case values[0] > 0:
			return 1, nil
		case values[0] < 0:
			return -1, nil
		default:
			return 0, nil
		}
	})

	// Aggregation
	stateless("MIN", 2, -1, func(s *evalState, c *Context, args []node) (float64, error) {
		values, err := evalArgs(s, c, args)
		if err != nil {
			return 0, err
		}
		m := values[0]
		for _, v := range values[1:] {
			if v < m {
				m = v
			}
		}
		return m, nil
	})
	stateless("MAX", 2, -1, func(s *evalState, c *Context, args []node) (float64, error) {
		values, err := evalArgs(s, c, args)
		if err != nil {
			return 0, err
		}
		m := values[0]
		for _, v := range values[1:] {
			if v > m {
				m = v
			}
		}
		return m, nil
	})
	stateless("AVG", 2, -1, func(s *evalState, c *Context, args []node) (float64, error) {
		values, err := evalArgs(s, c, args)
		if err != nil {
			return 0, err
		}
		sum := 0.0
		for _, v := range values {
			sum += v
		}
		return sum / float64(len(values)), nil
	})

	// Branching
	stateless("IF", 3, 3, func(s *evalState, c *Context, args []node) (float64, error) {
		cond, err := args[0].eval(s, c)
		if err != nil {
			return 0, err
		}
		if truthy(cond) {
			return args[1].eval(s, c)
		}
		return args[2].eval(s, c)
	})
	stateless("LUT", 5, -1, lutImpl(false))
	stateless("LUTLI", 5, -1, lutImpl(true))
}

// lutImpl builds the lookup-table evaluator: LUT picks the value of
// the nearest key, LUTLI interpolates linearly between neighboring
// keys, clamped at the ends. Arguments are x followed by interleaved
// key/value pairs.
func lutImpl(interpolate bool) statelessImpl {
	return func(s *evalState, c *Context, args []node) (float64, error) {
		values, err := evalArgs(s, c, args)
		if err != nil {
			return 0, err
		}
		if len(values)%2 != 1 {
			return 0, &EvalError{Reason: "lookup table needs key/value pairs"}
		}

		x := values[0]
		n := (len(values) - 1) / 2

		type pair struct{ k, v float64 }
		pairs := make([]pair, n)
		for i := 0; i < n; i++ {
			pairs[i] = pair{values[1+2*i], values[2+2*i]}
		}
		sort.Slice(pairs, func(i, j int) bool { return pairs[i].k < pairs[j].k })

		if x <= pairs[0].k {
			return pairs[0].v, nil
		}
		if x >= pairs[n-1].k {
			return pairs[n-1].v, nil
		}

		idx := sort.Search(n, func(i int) bool { return pairs[i].k >= x })
		lo, hi := pairs[idx-1], pairs[idx]

		if !interpolate {
			if x-lo.k <= hi.k-x {
				return lo.v, nil
			}
			return hi.v, nil
		}
		t := (x - lo.k) / (hi.k - lo.k)
		return lo.v + t*(hi.v-lo.v), nil
	}
}

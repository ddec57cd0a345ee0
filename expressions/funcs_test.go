package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qtoggle/qtoggleserver/errors"
)

func f(v float64) *float64 { return &v }

func evalCtx(nowMS int64, values map[string]*float64) *Context {
	return &Context{Ctx: context.Background(), PortValues: values, NowMS: nowMS}
}

func mustEval(t *testing.T, src string, c *Context) float64 {
	t.Helper()
	expr, err := Parse("self", src, RoleValue)
	require.NoError(t, err)
	v, err := expr.Eval(c)
	require.NoError(t, err)
	return v
}

func TestBasicFunctions(t *testing.T) {
	c := evalCtx(0, map[string]*float64{"a": f(5), "b": f(-4)})

	tests := []struct {
		src      string
		expected float64
	}{
		{"ADD(10, MUL($a, 3.14), $b)", 21.7},
		{"SUB(10, 4)", 6},
		{"DIV(7, 2)", 3.5},
		{"MOD(7, 3)", 1},
		{"POW(2, 10)", 1024},
		{"EQ(1, 1)", 1},
		{"EQ(1, 2)", 0},
		{"GT($a, 0)", 1},
		{"GTE(5, 5)", 1},
		{"LT($b, 0)", 1},
		{"LTE(5, 4)", 0},
		{"AND(1, 1, 1)", 1},
		{"AND(1, 0)", 0},
		{"OR(0, 0, 2)", 1},
		{"NOT(0)", 1},
		{"XOR(1, 0)", 1},
		{"XOR(1, 5)", 0},
		{"BITAND(12, 10)", 8},
		{"BITOR(12, 10)", 14},
		{"BITXOR(12, 10)", 6},
		{"BITNOT(0)", -1},
		{"SHL(1, 4)", 16},
		{"SHR(16, 2)", 4},
		{"FLOOR(3.7)", 3},
		{"CEIL(3.2)", 4},
		{"ROUND(3.456)", 3},
		{"ROUND(3.456, 2)", 3.46},
		{"ABS($b)", 4},
		{"SGN($b)", -1},
		{"SGN(0)", 0},
		{"MIN(3, 1, 2)", 1},
		{"MAX(3, 1, 2)", 3},
		{"AVG(1, 2, 3)", 2},
		{"IF(GT($a, 0), 10, 20)", 10},
		{"IF(0, 10, 20)", 20},
		{"LUT(12, 0, 100, 10, 200, 20, 300)", 200},
		{"LUT(17, 0, 100, 10, 200, 20, 300)", 300},
		{"LUTLI(15, 10, 200, 20, 300)", 250},
		{"LUTLI(-5, 10, 200, 20, 300)", 200},
		{"ONOFFAUTO(1, 0)", 1},
		{"ONOFFAUTO(-1, 1)", 0},
		{"ONOFFAUTO(0, 7)", 7},
	}

	for _, test := range tests {
		t.Run(test.src, func(t *testing.T) {
			assert.InDelta(t, test.expected, mustEval(t, test.src, c), 1e-9)
		})
	}
}

func TestArithmeticErrors(t *testing.T) {
	c := evalCtx(0, nil)

	for _, src := range []string{"DIV(1, 0)", "MOD(1, 0)"} {
		expr, err := Parse("self", src, RoleValue)
		require.NoError(t, err)
		_, err = expr.Eval(c)
		var ee *EvalError
		assert.ErrorAs(t, err, &ee, src)
	}
}

func TestUnavailablePropagation(t *testing.T) {
	c := evalCtx(0, map[string]*float64{"a": nil})

	expr, err := Parse("self", "ADD($a, 1)", RoleValue)
	require.NoError(t, err)
	_, err = expr.Eval(c)
	assert.True(t, errors.Is(err, ErrValueUnavailable))

	expr, err = Parse("self", "ADD($missing, 1)", RoleValue)
	require.NoError(t, err)
	_, err = expr.Eval(c)
	assert.True(t, errors.Is(err, ErrValueUnavailable))
}

func TestAvailableAndDefault(t *testing.T) {
	c := evalCtx(0, map[string]*float64{"a": f(3), "b": nil})

	assert.Equal(t, 1.0, mustEval(t, "AVAILABLE($a)", c))
	assert.Equal(t, 0.0, mustEval(t, "AVAILABLE($b)", c))
	assert.Equal(t, 3.0, mustEval(t, "DEFAULT($a, 99)", c))
	assert.Equal(t, 99.0, mustEval(t, "DEFAULT($b, 99)", c))
	assert.Equal(t, 0.0, mustEval(t, "AVAILABLE(unavailable)", c))
}

func TestEvalErrorPausesASAP(t *testing.T) {
	expr, err := Parse("self", "DIV(1, $a)", RoleValue)
	require.NoError(t, err)

	c := evalCtx(5000, map[string]*float64{"a": f(0)})
	_, err = expr.Eval(c)
	require.Error(t, err)
	assert.Equal(t, int64(6000), expr.PausedUntil())

	// A successful eval resets the pause.
	c = evalCtx(7000, map[string]*float64{"a": f(2)})
	_, err = expr.Eval(c)
	require.NoError(t, err)
	assert.Equal(t, int64(0), expr.PausedUntil())
}

func TestRisingFalling(t *testing.T) {
	expr, err := Parse("self", "RISING($a)", RoleValue)
	require.NoError(t, err)

	a := f(1)
	c := &Context{PortValues: map[string]*float64{"a": a}}

	v, _ := expr.Eval(c)
	assert.Equal(t, 0.0, v) // first eval never fires

	*a = 2
	v, _ = expr.Eval(c)
	assert.Equal(t, 1.0, v)

	v, _ = expr.Eval(c)
	assert.Equal(t, 0.0, v) // no change

	*a = 0
	v, _ = expr.Eval(c)
	assert.Equal(t, 0.0, v) // falling edge, not rising
}

func TestAccumulators(t *testing.T) {
	expr, err := Parse("self", "ACC($v, $r)", RoleValue)
	require.NoError(t, err)

	v, r := f(10), f(0)
	c := &Context{PortValues: map[string]*float64{"v": v, "r": r}}

	out, _ := expr.Eval(c)
	assert.Equal(t, 0.0, out)

	*v = 15
	out, _ = expr.Eval(c)
	assert.Equal(t, 5.0, out)

	*v = 12
	out, _ = expr.Eval(c)
	assert.Equal(t, 2.0, out) // 5 + (12-15)

	*r = 1
	out, _ = expr.Eval(c)
	assert.Equal(t, 0.0, out)
}

func TestAccIncOnlyAddsIncrements(t *testing.T) {
	expr, err := Parse("self", "ACCINC($v, 0)", RoleValue)
	require.NoError(t, err)

	v := f(10)
	c := &Context{PortValues: map[string]*float64{"v": v}}

	expr.Eval(c)
	*v = 15
	out, _ := expr.Eval(c)
	assert.Equal(t, 5.0, out)

	*v = 3
	out, _ = expr.Eval(c)
	assert.Equal(t, 5.0, out) // decrement ignored

	*v = 5
	out, _ = expr.Eval(c)
	assert.Equal(t, 7.0, out)
}

func TestHysteresis(t *testing.T) {
	expr, err := Parse("self", "HYST($x, 10, 20)", RoleValue)
	require.NoError(t, err)

	x := f(15)
	c := &Context{PortValues: map[string]*float64{"x": x}}

	out, _ := expr.Eval(c)
	assert.Equal(t, 0.0, out) // between thresholds, still low

	*x = 25
	out, _ = expr.Eval(c)
	assert.Equal(t, 1.0, out)

	*x = 15
	out, _ = expr.Eval(c)
	assert.Equal(t, 1.0, out) // holds

	*x = 5
	out, _ = expr.Eval(c)
	assert.Equal(t, 0.0, out)
}

func TestDelaySequence(t *testing.T) {
	expr, err := Parse("self", "DELAY($v, 1000)", RoleValue)
	require.NoError(t, err)

	v := f(3)
	values := map[string]*float64{"v": v}

	steps := []struct {
		nowMS    int64
		input    float64
		expected float64
	}{
		{0, 3, 3},
		{500, 16, 3},
		{1499, 16, 3},
		{1500, 16, 16},
	}

	for _, step := range steps {
		*v = step.input
		out, err := expr.Eval(evalCtx(step.nowMS, values))
		require.NoError(t, err)
		assert.Equal(t, step.expected, out, "now=%d", step.nowMS)
	}
}

func TestDelayPausesUntilRelease(t *testing.T) {
	expr, err := Parse("self", "DELAY($v, 1000)", RoleValue)
	require.NoError(t, err)

	v := f(0)
	values := map[string]*float64{"v": v}
	expr.Eval(evalCtx(0, values))

	*v = 1
	expr.Eval(evalCtx(100, values))
	assert.Equal(t, int64(1100), expr.PausedUntil())
}

func TestTimer(t *testing.T) {
	expr, err := Parse("self", "TIMER($v, 5, -5, 1000)", RoleValue)
	require.NoError(t, err)

	v := f(0)
	values := map[string]*float64{"v": v}

	out, _ := expr.Eval(evalCtx(0, values))
	assert.Equal(t, -5.0, out)

	*v = 1
	out, _ = expr.Eval(evalCtx(100, values))
	assert.Equal(t, 5.0, out)

	out, _ = expr.Eval(evalCtx(900, values))
	assert.Equal(t, 5.0, out)

	out, _ = expr.Eval(evalCtx(1200, values))
	assert.Equal(t, -5.0, out) // expired

	*v = 0
	expr.Eval(evalCtx(1300, values))
	*v = 1
	out, _ = expr.Eval(evalCtx(1400, values))
	assert.Equal(t, 5.0, out) // restart on rising input
}

func TestSample(t *testing.T) {
	expr, err := Parse("self", "SAMPLE($v, 1000)", RoleValue)
	require.NoError(t, err)

	v := f(1)
	values := map[string]*float64{"v": v}

	out, _ := expr.Eval(evalCtx(0, values))
	assert.Equal(t, 1.0, out)

	*v = 2
	out, _ = expr.Eval(evalCtx(500, values))
	assert.Equal(t, 1.0, out) // held until next sample time
	assert.Equal(t, int64(1000), expr.PausedUntil())

	out, _ = expr.Eval(evalCtx(1000, values))
	assert.Equal(t, 2.0, out)
}

func TestFreezeDebounces(t *testing.T) {
	expr, err := Parse("self", "FREEZE($v, 1000)", RoleValue)
	require.NoError(t, err)

	v := f(0)
	values := map[string]*float64{"v": v}
	expr.Eval(evalCtx(0, values))

	*v = 1
	out, _ := expr.Eval(evalCtx(100, values))
	assert.Equal(t, 1.0, out)

	*v = 0
	out, _ = expr.Eval(evalCtx(200, values))
	assert.Equal(t, 1.0, out) // change within freeze window ignored

	out, _ = expr.Eval(evalCtx(1200, values))
	assert.Equal(t, 0.0, out)
}

func TestHeld(t *testing.T) {
	expr, err := Parse("self", "HELD($v, 1, 1000)", RoleValue)
	require.NoError(t, err)

	v := f(1)
	values := map[string]*float64{"v": v}

	out, _ := expr.Eval(evalCtx(0, values))
	assert.Equal(t, 0.0, out)

	out, _ = expr.Eval(evalCtx(500, values))
	assert.Equal(t, 0.0, out)

	out, _ = expr.Eval(evalCtx(1000, values))
	assert.Equal(t, 1.0, out)

	*v = 0
	out, _ = expr.Eval(evalCtx(1100, values))
	assert.Equal(t, 0.0, out) // mismatch resets
}

func TestDeriv(t *testing.T) {
	expr, err := Parse("self", "DERIV($v, 1000)", RoleValue)
	require.NoError(t, err)

	v := f(0)
	values := map[string]*float64{"v": v}
	expr.Eval(evalCtx(0, values))

	*v = 10
	out, _ := expr.Eval(evalCtx(1000, values))
	assert.InDelta(t, 10.0, out, 1e-9) // 10 units per second
}

func TestInteg(t *testing.T) {
	expr, err := Parse("self", "INTEG($v, 100, 1000)", RoleValue)
	require.NoError(t, err)

	v := f(10)
	values := map[string]*float64{"v": v}

	out, _ := expr.Eval(evalCtx(0, values))
	assert.Equal(t, 100.0, out) // seeded with acc

	out, _ = expr.Eval(evalCtx(1000, values))
	assert.InDelta(t, 110.0, out, 1e-9) // + (10+10)/2 * 1s
}

func TestMovingWindow(t *testing.T) {
	avg, err := Parse("self", "FMAVG($v, 3, 100)", RoleValue)
	require.NoError(t, err)
	med, err := Parse("self", "FMEDIAN($v, 3, 100)", RoleValue)
	require.NoError(t, err)

	v := f(0)
	values := map[string]*float64{"v": v}

	inputs := []float64{1, 2, 9}
	for i, in := range inputs {
		*v = in
		avg.Eval(evalCtx(int64(i)*100, values))
		med.Eval(evalCtx(int64(i)*100, values))
	}

	out, _ := avg.Eval(evalCtx(299, values)) // paused, window unchanged
	assert.InDelta(t, 4.0, out, 1e-9)
	outM, _ := med.Eval(evalCtx(299, values))
	assert.Equal(t, 2.0, outM)
}

func TestSequenceFunction(t *testing.T) {
	expr, err := Parse("self", "SEQUENCE(10, 1000, 20, 500)", RoleValue)
	require.NoError(t, err)

	out, _ := expr.Eval(evalCtx(0, nil))
	assert.Equal(t, 10.0, out)

	out, _ = expr.Eval(evalCtx(1200, nil))
	assert.Equal(t, 20.0, out)

	out, _ = expr.Eval(evalCtx(1600, nil)) // wrapped around
	assert.Equal(t, 10.0, out)
}

// fakeProvider serves canned samples to HISTORY tests.
type fakeProvider struct {
	samples []Sample
}

func (p fakeProvider) QuerySamples(_ context.Context, _ string, fromMS, toMS *int64,
	limit int, desc bool) ([]Sample, error) {

	var matched []Sample
	for _, s := range p.samples {
		if fromMS != nil && s.TimestampMS < *fromMS {
			continue
		}
		if toMS != nil && s.TimestampMS > *toMS {
			continue
		}
		matched = append(matched, s)
	}
	if desc {
		for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
			matched[i], matched[j] = matched[j], matched[i]
		}
	}
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func TestHistorySearchBias(t *testing.T) {
	provider := fakeProvider{samples: []Sample{
		{10_000, 1}, {20_000, 2}, {30_000, 3},
	}}
	SetSamplesProvider(provider)
	defer SetSamplesProvider(nil)

	c := evalCtx(100_000, map[string]*float64{"p": f(42)})

	tests := []struct {
		name     string
		src      string
		expected float64
	}{
		{"forward bias", "HISTORY(@p, 15, 10)", 2},
		{"backward bias", "HISTORY(@p, 25, -10)", 2},
		{"zero bias earliest after", "HISTORY(@p, 15, 0)", 2},
		{"exact match", "HISTORY(@p, 10, 5)", 1},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, mustEval(t, test.src, c))
		})
	}
}

func TestHistoryLiveFallback(t *testing.T) {
	SetSamplesProvider(fakeProvider{})
	defer SetSamplesProvider(nil)

	// now=100s lies inside [95, 105): fall back to the live value.
	c := evalCtx(100_000, map[string]*float64{"p": f(42)})
	assert.Equal(t, 42.0, mustEval(t, "HISTORY(@p, 95, 10)", c))

	// Backward search with no samples has nothing to fall back to.
	expr, err := Parse("self", "HISTORY(@p, 95, -10)", RoleValue)
	require.NoError(t, err)
	_, err = expr.Eval(c)
	assert.True(t, errors.Is(err, ErrValueUnavailable))
}

func TestHistoryCachesPerArgs(t *testing.T) {
	provider := &countingProvider{}
	SetSamplesProvider(provider)
	defer SetSamplesProvider(nil)

	expr, err := Parse("self", "HISTORY(@p, 10, 5)", RoleValue)
	require.NoError(t, err)

	c := evalCtx(100_000, nil)
	expr.Eval(c)
	expr.Eval(c)
	assert.Equal(t, 1, provider.calls)
}

type countingProvider struct {
	calls int
}

func (p *countingProvider) QuerySamples(context.Context, string, *int64, *int64,
	int, bool) ([]Sample, error) {

	p.calls++
	return []Sample{{10_000, 7}}, nil
}

func TestDerivHoldsOutputAcrossClockJump(t *testing.T) {
	expr, err := Parse("self", "DERIV($v, 1000)", RoleValue)
	require.NoError(t, err)

	v := f(0)
	values := map[string]*float64{"v": v}
	expr.Eval(evalCtx(0, values))

	*v = 10
	out, _ := expr.Eval(evalCtx(1000, values))
	assert.InDelta(t, 10.0, out, 1e-9)

	// A day-plus gap re-primes without disturbing the output.
	*v = 500
	jumpMS := int64(1000) + wallClockJumpMS + 1000
	out, _ = expr.Eval(evalCtx(jumpMS, values))
	assert.InDelta(t, 10.0, out, 1e-9)

	*v = 510
	out, _ = expr.Eval(evalCtx(jumpMS+1000, values))
	assert.InDelta(t, 10.0, out, 1e-9)
}

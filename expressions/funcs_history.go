package expressions

import (
	"context"
	"sync"
)

// Sample is one historic port value point.
type Sample struct {
	TimestampMS int64
	Value       float64
}

// SamplesProvider serves historic port samples to the HISTORY
// function. Set once at startup when the persistence driver supports
// samples; left nil otherwise, which hides HISTORY from the parser.
type SamplesProvider interface {
	QuerySamples(ctx context.Context, portID string, fromMS, toMS *int64,
		limit int, desc bool) ([]Sample, error)
}

var (
	providerMu      sync.RWMutex
	samplesProvider SamplesProvider
)

// SetSamplesProvider wires the history backend into the expression
// engine.
func SetSamplesProvider(p SamplesProvider) {
	providerMu.Lock()
	defer providerMu.Unlock()
	samplesProvider = p
}

func getSamplesProvider() SamplesProvider {
	providerMu.RLock()
	defer providerMu.RUnlock()
	return samplesProvider
}

func init() {
	registerFunc(&FuncDef{
		Name:     "HISTORY",
		MinArgs:  3,
		MaxArgs:  3,
		ArgKinds: []argKindT{kindPortRef, kindAny, kindAny},
		Enabled:  func() bool { return getSamplesProvider() != nil },
		New:      func() funcImpl { return &historyImpl{} },
	})
}

// historyImpl resolves a port's value around a point in time. The
// second argument is the epoch second t, the third the search bias d:
// positive looks forward within [t, t+d], negative backward within
// [t-|d|, t], zero takes the earliest sample at or after t. A query
// reaching past now falls back to the live value. The result is cached
// until (t, d) change.
type historyImpl struct {
	cachedT, cachedD int64
	cachedValue      float64
	cached           bool
}

func (i *historyImpl) eval(s *evalState, c *Context, args []node) (float64, error) {
	ref, ok := args[0].(*portRefNode)
	if !ok {
		return 0, &EvalError{Reason: "first argument must be a port reference"}
	}

	tV, err := args[1].eval(s, c)
	if err != nil {
		return 0, err
	}
	dV, err := args[2].eval(s, c)
	if err != nil {
		return 0, err
	}
	t, d := int64(tV), int64(dV)

	if i.cached && i.cachedT == t && i.cachedD == d {
		return i.cachedValue, nil
	}

	provider := getSamplesProvider()
	if provider == nil {
		return 0, ErrValueUnavailable
	}

	value, err := i.lookup(c, provider, ref.portID, t, d)
	if err != nil {
		return 0, err
	}

	i.cachedT, i.cachedD = t, d
	i.cachedValue = value
	i.cached = true
	return value, nil
}

func (i *historyImpl) lookup(c *Context, provider SamplesProvider,
	portID string, t, d int64) (float64, error) {

	ctx := c.Ctx
	if ctx == nil {
		ctx = context.Background()
	}

	tMS := t * 1000
	nowMS := c.NowMS

	var (
		fromMS, toMS *int64
		desc         bool
	)
	switch {
	case d > 0:
		to := tMS + d*1000
		fromMS, toMS = &tMS, &to
	case d < 0:
		from := tMS + d*1000
		fromMS, toMS, desc = &from, &tMS, true
	default:
		fromMS = &tMS
	}

	samples, err := provider.QuerySamples(ctx, portID, fromMS, toMS, 1, desc)
	if err != nil {
		return 0, &EvalError{Reason: "history query failed: " + err.Error()}
	}
	if len(samples) > 0 {
		return samples[0].Value, nil
	}

	// No stored sample; fall back to the live value when the searched
	// window reaches past the present.
	liveOK := tMS > nowMS
	if d > 0 {
		liveOK = liveOK || (tMS <= nowMS && nowMS < tMS+d*1000)
	}
	if liveOK {
		if v, ok := c.PortValues[portID]; ok && v != nil {
			return *v, nil
		}
	}
	return 0, ErrValueUnavailable
}

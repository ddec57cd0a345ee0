package expressions

import (
	"sort"
)

// Temporally-stateful functions. All depend on the ASAP marker and use
// the cooperative pause to avoid needless per-tick re-evaluation.
// None is allowed in transforms.

const maxQueuedEntries = 1024

// wallClockJumpMS guards DERIV/INTEG against wall-clock jumps: a gap
// larger than 24 hours skips one sample instead of producing a huge
// derivative/integral step.
const wallClockJumpMS = 24 * 3600 * 1000

func init() {
	temporal := func(name string, minArgs, maxArgs int, newImpl func() funcImpl) {
		registerFunc(&FuncDef{
			Name:    name,
			MinArgs: minArgs,
			MaxArgs: maxArgs,
			Deps:    []string{DepASAP},
			New:     newImpl,
		})
	}

	temporal("DELAY", 2, 2, func() funcImpl { return &delayImpl{} })
	temporal("TIMER", 4, 4, func() funcImpl { return &timerImpl{} })
	temporal("SAMPLE", 2, 2, func() funcImpl { return &sampleImpl{} })
	temporal("FREEZE", 2, 2, func() funcImpl { return &freezeImpl{} })
	temporal("HELD", 3, 3, func() funcImpl { return &heldImpl{} })
	temporal("DERIV", 2, 2, func() funcImpl { return &derivImpl{} })
	temporal("INTEG", 3, 3, func() funcImpl { return &integImpl{} })
	temporal("FMAVG", 3, 3, func() funcImpl { return &windowImpl{} })
	temporal("FMEDIAN", 3, 3, func() funcImpl { return &windowImpl{median: true} })
	temporal("SEQUENCE", 2, -1, func() funcImpl { return &seqImpl{} })
}

type timedValue struct {
	timestampMS int64
	value       float64
}

// delayImpl replays input transitions after a fixed delay. Transitions
// queue up (capped, oldest dropped); the output is the newest queued
// entry old enough, otherwise the last emitted output.
type delayImpl struct {
	queue  []timedValue
	output float64
	primed bool
}

func (i *delayImpl) eval(s *evalState, c *Context, args []node) (float64, error) {
	v, err := args[0].eval(s, c)
	if err != nil {
		return 0, err
	}
	ms, err := args[1].eval(s, c)
	if err != nil {
		return 0, err
	}
	delayMS := int64(ms)

	if !i.primed {
		i.output = v
		i.primed = true
		return i.output, nil
	}

	lastQueued := i.output
	if len(i.queue) > 0 {
		lastQueued = i.queue[len(i.queue)-1].value
	}
	if v != lastQueued {
		if len(i.queue) >= maxQueuedEntries {
			i.queue = i.queue[1:]
		}
		i.queue = append(i.queue, timedValue{c.NowMS, v})
	}

	for len(i.queue) > 0 && c.NowMS-i.queue[0].timestampMS >= delayMS {
		i.output = i.queue[0].value
		i.queue = i.queue[1:]
	}

	if len(i.queue) > 0 {
		s.pause(i.queue[0].timestampMS + delayMS)
	}
	return i.output, nil
}

// timerImpl outputs on while the input is truthy and the timer has not
// expired; a falsy-to-truthy transition (re)starts the timer.
type timerImpl struct {
	startMS   int64
	active    bool
	lastInput float64
	primed    bool
}

func (i *timerImpl) eval(s *evalState, c *Context, args []node) (float64, error) {
	values, err := evalArgs(s, c, args)
	if err != nil {
		return 0, err
	}
	v, on, off, ms := values[0], values[1], values[2], int64(values[3])

	if truthy(v) && (!i.primed || !truthy(i.lastInput)) {
		i.startMS = c.NowMS
		i.active = true
	}
	i.lastInput = v
	i.primed = true

	if !truthy(v) {
		i.active = false
	}
	if i.active && c.NowMS-i.startMS >= ms {
		i.active = false
	}

	if i.active {
		s.pause(i.startMS + ms)
		return on, nil
	}
	return off, nil
}

// sampleImpl re-samples the input at most every ms milliseconds.
type sampleImpl struct {
	sampledAtMS int64
	sample      float64
	primed      bool
}

func (i *sampleImpl) eval(s *evalState, c *Context, args []node) (float64, error) {
	ms, err := args[1].eval(s, c)
	if err != nil {
		return 0, err
	}
	intervalMS := int64(ms)

	if !i.primed || c.NowMS-i.sampledAtMS >= intervalMS {
		v, err := args[0].eval(s, c)
		if err != nil {
			return 0, err
		}
		i.sample = v
		i.sampledAtMS = c.NowMS
		i.primed = true
	}

	s.pause(i.sampledAtMS + intervalMS)
	return i.sample, nil
}

// freezeImpl debounces the input: after accepting a change, further
// changes are ignored for ms milliseconds.
type freezeImpl struct {
	output        float64
	frozenUntilMS int64
	primed        bool
}

func (i *freezeImpl) eval(s *evalState, c *Context, args []node) (float64, error) {
	v, err := args[0].eval(s, c)
	if err != nil {
		return 0, err
	}
	ms, err := args[1].eval(s, c)
	if err != nil {
		return 0, err
	}

	if !i.primed {
		i.output = v
		i.primed = true
		return i.output, nil
	}

	if c.NowMS >= i.frozenUntilMS {
		if v != i.output {
			i.output = v
			i.frozenUntilMS = c.NowMS + int64(ms)
		}
	} else {
		s.pause(i.frozenUntilMS)
	}
	return i.output, nil
}

// heldImpl outputs 1 once the input has equaled fixed continuously for
// ms milliseconds, 0 otherwise.
type heldImpl struct {
	matchStartMS int64
	matching     bool
}

func (i *heldImpl) eval(s *evalState, c *Context, args []node) (float64, error) {
	values, err := evalArgs(s, c, args)
	if err != nil {
		return 0, err
	}
	v, fixed, ms := values[0], values[1], int64(values[2])

	if v != fixed {
		i.matching = false
		return 0, nil
	}
	if !i.matching {
		i.matching = true
		i.matchStartMS = c.NowMS
	}
	if c.NowMS-i.matchStartMS >= ms {
		return 1, nil
	}
	s.pause(i.matchStartMS + ms)
	return 0, nil
}

// derivImpl emits the input's rate of change per second, sampling at
// intervals of at least dt milliseconds.
type derivImpl struct {
	lastMS     int64
	lastValue  float64
	output     float64
	primed     bool
}

func (i *derivImpl) eval(s *evalState, c *Context, args []node) (float64, error) {
	v, err := args[0].eval(s, c)
	if err != nil {
		return 0, err
	}
	dt, err := args[1].eval(s, c)
	if err != nil {
		return 0, err
	}
	intervalMS := int64(dt)

	if !i.primed {
		i.lastMS = c.NowMS
		i.lastValue = v
		i.primed = true
		return 0, nil
	}

	elapsed := c.NowMS - i.lastMS
	if elapsed >= intervalMS {
		if elapsed > wallClockJumpMS || elapsed < 0 {
			// Wall clock jumped; re-prime and hold the previous output.
		} else {
			i.output = (v - i.lastValue) / float64(intervalMS) * 1000
		}
		i.lastMS = c.NowMS
		i.lastValue = v
	} else {
		s.pause(i.lastMS + intervalMS)
	}
	return i.output, nil
}

// integImpl integrates the input trapezoidally, seeded with acc, with
// the same wall-clock jump guard as derivImpl.
type integImpl struct {
	lastMS    int64
	lastValue float64
	total     float64
	primed    bool
}

func (i *integImpl) eval(s *evalState, c *Context, args []node) (float64, error) {
	v, err := args[0].eval(s, c)
	if err != nil {
		return 0, err
	}
	acc, err := args[1].eval(s, c)
	if err != nil {
		return 0, err
	}
	dt, err := args[2].eval(s, c)
	if err != nil {
		return 0, err
	}
	intervalMS := int64(dt)

	if !i.primed {
		i.lastMS = c.NowMS
		i.lastValue = v
		i.total = acc
		i.primed = true
		return i.total, nil
	}

	elapsed := c.NowMS - i.lastMS
	if elapsed >= intervalMS {
		if elapsed <= wallClockJumpMS && elapsed >= 0 {
			i.total += (v + i.lastValue) / 2 * float64(elapsed) / 1000
		}
		i.lastMS = c.NowMS
		i.lastValue = v
	} else {
		s.pause(i.lastMS + intervalMS)
	}
	return i.total, nil
}

// windowImpl keeps a sliding window of samples taken no more often
// than dt, outputting their average or median.
type windowImpl struct {
	median    bool
	samples   []float64
	lastMS    int64
	primed    bool
}

func (i *windowImpl) eval(s *evalState, c *Context, args []node) (float64, error) {
	values, err := evalArgs(s, c, args)
	if err != nil {
		return 0, err
	}
	v, width, dt := values[0], int(values[1]), int64(values[2])

	if width > maxQueuedEntries {
		width = maxQueuedEntries
	}
	if width < 1 {
		width = 1
	}

	if !i.primed || c.NowMS-i.lastMS >= dt {
		i.samples = append(i.samples, v)
		if len(i.samples) > width {
			i.samples = i.samples[len(i.samples)-width:]
		}
		i.lastMS = c.NowMS
		i.primed = true
	} else {
		s.pause(i.lastMS + dt)
	}

	if len(i.samples) == 0 {
		return 0, ErrValueUnavailable
	}

	if i.median {
		sorted := append([]float64(nil), i.samples...)
		sort.Float64s(sorted)
		mid := len(sorted) / 2
		if len(sorted)%2 == 1 {
			return sorted[mid], nil
		}
		return (sorted[mid-1] + sorted[mid]) / 2, nil
	}

	sum := 0.0
	for _, sample := range i.samples {
		sum += sample
	}
	return sum / float64(len(i.samples)), nil
}

// seqImpl cycles through value/duration pairs; the slot is determined
// by the time elapsed since the first evaluation, modulo the total
// duration.
type seqImpl struct {
	startMS int64
	primed  bool
}

func (i *seqImpl) eval(s *evalState, c *Context, args []node) (float64, error) {
	values, err := evalArgs(s, c, args)
	if err != nil {
		return 0, err
	}
	if len(values)%2 != 0 {
		return 0, &EvalError{Reason: "sequence needs value/duration pairs"}
	}

	if !i.primed {
		i.startMS = c.NowMS
		i.primed = true
	}

	total := int64(0)
	for j := 1; j < len(values); j += 2 {
		total += int64(values[j])
	}
	if total <= 0 {
		return 0, &EvalError{Reason: "sequence total duration must be positive"}
	}

	offset := (c.NowMS - i.startMS) % total
	acc := int64(0)
	for j := 0; j < len(values); j += 2 {
		acc += int64(values[j+1])
		if offset < acc {
			s.pause(c.NowMS + (acc - offset))
			return values[j], nil
		}
	}
	return values[len(values)-2], nil
}

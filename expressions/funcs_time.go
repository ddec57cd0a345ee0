package expressions

import (
	"time"
)

// Time and calendar functions. All derive from the context time, never
// from the wall clock, so evaluation stays deterministic per tick.

func init() {
	timeFunc := func(name string, minArgs, maxArgs int, dep string, fn statelessImpl) {
		registerFunc(&FuncDef{
			Name:                name,
			MinArgs:             minArgs,
			MaxArgs:             maxArgs,
			Deps:                []string{dep},
			AllowedInTransforms: true,
			Stateless:           fn,
		})
	}

	timeFunc("TIME", 0, 0, DepSecond, func(_ *evalState, c *Context, _ []node) (float64, error) {
		return float64(c.NowS()), nil
	})
	timeFunc("TIMEMS", 0, 0, DepASAP, func(_ *evalState, c *Context, _ []node) (float64, error) {
		return float64(c.NowMS), nil
	})

	timeFunc("YEAR", 0, 0, DepYear, calendarField(func(t time.Time) int { return t.Year() }))
	timeFunc("MONTH", 0, 0, DepMonth, calendarField(func(t time.Time) int { return int(t.Month()) }))
	timeFunc("DAY", 0, 0, DepDay, calendarField(func(t time.Time) int { return t.Day() }))
	timeFunc("DOW", 0, 0, DepDay, calendarField(func(t time.Time) int { return int(t.Weekday()) }))
	timeFunc("LDOM", 0, 0, DepDay, calendarField(lastDayOfMonth))
	timeFunc("HOUR", 0, 0, DepHour, calendarField(func(t time.Time) int { return t.Hour() }))
	timeFunc("MINUTE", 0, 0, DepMinute, calendarField(func(t time.Time) int { return t.Minute() }))
	timeFunc("SECOND", 0, 0, DepSecond, calendarField(func(t time.Time) int { return t.Second() }))
	timeFunc("MILLISECOND", 0, 0, DepASAP, func(_ *evalState, c *Context, _ []node) (float64, error) {
		return float64(c.NowMS % 1000), nil
	})
	timeFunc("MINUTEDAY", 0, 0, DepMinute, calendarField(func(t time.Time) int {
		return t.Hour()*60 + t.Minute()
	}))
	timeFunc("SECONDDAY", 0, 0, DepSecond, calendarField(func(t time.Time) int {
		return t.Hour()*3600 + t.Minute()*60 + t.Second()
	}))

	timeFunc("DATE", 6, 6, DepSecond, func(s *evalState, c *Context, args []node) (float64, error) {
		values, err := evalArgs(s, c, args)
		if err != nil {
			return 0, err
		}
		t := time.Date(int(values[0]), time.Month(values[1]), int(values[2]),
			int(values[3]), int(values[4]), int(values[5]), 0, time.Local)
		return float64(t.Unix()), nil
	})

	// BOY/BOM/BOW/BOD return the Unix epoch at the start of the n-th
	// interval relative to the current one (n defaults to 0).
	timeFunc("BOY", 0, 1, DepSecond, boundaryImpl(func(t time.Time, n int) time.Time {
		return time.Date(t.Year()+n, 1, 1, 0, 0, 0, 0, time.Local)
	}))
	timeFunc("BOM", 0, 1, DepSecond, boundaryImpl(func(t time.Time, n int) time.Time {
		return time.Date(t.Year(), t.Month()+time.Month(n), 1, 0, 0, 0, 0, time.Local)
	}))
	timeFunc("BOD", 0, 1, DepSecond, boundaryImpl(func(t time.Time, n int) time.Time {
		return time.Date(t.Year(), t.Month(), t.Day()+n, 0, 0, 0, 0, time.Local)
	}))
	timeFunc("BOW", 0, 2, DepSecond, func(s *evalState, c *Context, args []node) (float64, error) {
		values, err := evalArgs(s, c, args)
		if err != nil {
			return 0, err
		}
		n := 0
		startDow := 1 // Monday
		if len(values) > 0 {
			n = int(values[0])
		}
		if len(values) > 1 {
			startDow = int(values[1])
		}
		t := time.UnixMilli(c.NowMS).Local()
		back := (int(t.Weekday()) - startDow + 7) % 7
		start := time.Date(t.Year(), t.Month(), t.Day()-back+n*7, 0, 0, 0, 0, time.Local)
		return float64(start.Unix()), nil
	})

	timeFunc("HMSINTERVAL", 6, 6, DepSecond, func(s *evalState, c *Context, args []node) (float64, error) {
		values, err := evalArgs(s, c, args)
		if err != nil {
			return 0, err
		}
		t := time.UnixMilli(c.NowMS).Local()
		now := t.Hour()*3600 + t.Minute()*60 + t.Second()
		start := int(values[0])*3600 + int(values[1])*60 + int(values[2])
		end := int(values[3])*3600 + int(values[4])*60 + int(values[5])
		return b2f(withinWrapped(now, start, end)), nil
	})
	timeFunc("MDINTERVAL", 4, 4, DepDay, func(s *evalState, c *Context, args []node) (float64, error) {
		values, err := evalArgs(s, c, args)
		if err != nil {
			return 0, err
		}
		t := time.UnixMilli(c.NowMS).Local()
		now := int(t.Month())*100 + t.Day()
		start := int(values[0])*100 + int(values[1])
		end := int(values[2])*100 + int(values[3])
		return b2f(withinWrapped(now, start, end)), nil
	})
}

func calendarField(field func(time.Time) int) statelessImpl {
	return func(_ *evalState, c *Context, _ []node) (float64, error) {
		return float64(field(time.UnixMilli(c.NowMS).Local())), nil
	}
}

func boundaryImpl(startOf func(t time.Time, n int) time.Time) statelessImpl {
	return func(s *evalState, c *Context, args []node) (float64, error) {
		values, err := evalArgs(s, c, args)
		if err != nil {
			return 0, err
		}
		n := 0
		if len(values) > 0 {
			n = int(values[0])
		}
		t := time.UnixMilli(c.NowMS).Local()
		return float64(startOf(t, n).Unix()), nil
	}
}

func lastDayOfMonth(t time.Time) int {
	firstOfNext := time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, time.Local)
	return firstOfNext.AddDate(0, 0, -1).Day()
}

// withinWrapped tests membership of now in [start, end], handling
// intervals that wrap around (e.g. 22:00..06:00).
func withinWrapped(now, start, end int) bool {
	if start <= end {
		return now >= start && now <= end
	}
	return now >= start || now <= end
}

//go:build !no_automation

package automation

import (
	"time"

	lua "github.com/yuin/gopher-lua"
)

// clockNow is replaced in tests.
var clockNow = time.Now

// registerClockModule binds the `clock` table. Scripts use it to gate
// reactions to GP and OTA events by local time, e.g. only dimming at night.
func registerClockModule(L *lua.LState) {
	L.SetGlobal("clock", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"now":     clockTable,
		"between": clockBetween,
	}))
}

// clock.now() returns {year, month, day, hour, minute, second, weekday, unix}.
func clockTable(L *lua.LState) int {
	now := clockNow()
	t := L.CreateTable(0, 8)
	for k, v := range map[string]int64{
		"year":    int64(now.Year()),
		"month":   int64(now.Month()),
		"day":     int64(now.Day()),
		"hour":    int64(now.Hour()),
		"minute":  int64(now.Minute()),
		"second":  int64(now.Second()),
		"weekday": int64(now.Weekday()),
		"unix":    now.Unix(),
	} {
		t.RawSetString(k, lua.LNumber(v))
	}
	L.Push(t)
	return 1
}

// clock.between(from, to) reports whether the local time lies in [from, to).
// Bounds are hours or "HH:MM" strings and the range may wrap midnight.
func clockBetween(L *lua.LState) int {
	from := checkMinuteOfDay(L, 1)
	to := checkMinuteOfDay(L, 2)
	now := clockNow()
	L.Push(lua.LBool(minuteBetween(now.Hour()*60+now.Minute(), from, to)))
	return 1
}

func minuteBetween(m, from, to int) bool {
	if from <= to {
		return m >= from && m < to
	}
	return m >= from || m < to
}

func checkMinuteOfDay(L *lua.LState, n int) int {
	switch v := L.CheckAny(n).(type) {
	case lua.LNumber:
		return int(v) * 60
	case lua.LString:
		t, err := time.Parse("15:04", string(v))
		if err != nil {
			L.ArgError(n, err.Error())
		}
		return t.Hour()*60 + t.Minute()
	}
	L.ArgError(n, `hour or "HH:MM" expected`)
	return 0
}

//go:build !no_automation

package automation

import (
	"context"
	"log/slog"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// now is replaced in tests.
var now = time.Now

// registerSystemModule registers the `system` global table in a Lua state.
func registerSystemModule(L *lua.LState, e *Engine) {
	mod := L.NewTable()

	mod.RawSetString("datetime", L.NewFunction(systemDatetime))
	mod.RawSetString("time_between", L.NewFunction(systemTimeBetween))
	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		return systemLog(L, e)
	}))

	L.SetGlobal("system", mod)
}

// datetimeFields are the components system.datetime can return.
var datetimeFields = map[string]func(time.Time) lua.LValue{
	"hour":      func(t time.Time) lua.LValue { return lua.LNumber(t.Hour()) },
	"minute":    func(t time.Time) lua.LValue { return lua.LNumber(t.Minute()) },
	"second":    func(t time.Time) lua.LValue { return lua.LNumber(t.Second()) },
	"weekday":   func(t time.Time) lua.LValue { return lua.LNumber(t.Weekday()) },
	"day":       func(t time.Time) lua.LValue { return lua.LNumber(t.Day()) },
	"month":     func(t time.Time) lua.LValue { return lua.LNumber(t.Month()) },
	"year":      func(t time.Time) lua.LValue { return lua.LNumber(t.Year()) },
	"timestamp": func(t time.Time) lua.LValue { return lua.LNumber(t.Unix()) },
	"time_str":  func(t time.Time) lua.LValue { return lua.LString(t.Format("15:04:05")) },
	"date_str":  func(t time.Time) lua.LValue { return lua.LString(t.Format("2006-01-02")) },
}

// system.datetime([component]) returns one component of the local time, or
// a table of every component when called without arguments.
func systemDatetime(L *lua.LState) int {
	t := now()
	if L.GetTop() == 0 {
		tbl := L.NewTable()
		for name, get := range datetimeFields {
			tbl.RawSetString(name, get(t))
		}
		L.Push(tbl)
		return 1
	}

	name := L.CheckString(1)
	get, ok := datetimeFields[name]
	if !ok {
		L.ArgError(1, "unknown component: "+name)
		return 0
	}
	L.Push(get(t))
	return 1
}

// system.time_between(from_hour, to_hour) checks whether the current hour
// is in [from, to). A range with from > to wraps midnight.
func systemTimeBetween(L *lua.LState) int {
	from := L.CheckInt(1)
	to := L.CheckInt(2)
	L.Push(lua.LBool(hourBetween(now().Hour(), from, to)))
	return 1
}

func hourBetween(hour, from, to int) bool {
	if from <= to {
		return hour >= from && hour < to
	}
	return hour >= from || hour < to
}

var scriptLogLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// system.log(level, msg). Unknown levels log at info.
func systemLog(L *lua.LState, e *Engine) int {
	level, ok := scriptLogLevels[L.CheckString(1)]
	if !ok {
		level = slog.LevelInfo
	}
	e.logger.Log(context.Background(), level, "script log", "msg", L.CheckString(2))
	return 0
}

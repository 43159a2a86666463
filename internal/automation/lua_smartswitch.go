//go:build !no_automation

package automation

import (
	"time"

	"github.com/robfig/cron/v3"
	lua "github.com/yuin/gopher-lua"

	"smart-switch-home/internal/devset"
	"smart-switch-home/internal/events"
)

const maxHandlersPerScript = 100

// registerSmartSwitchModule registers the `smartswitch` global table in a Lua state.
func registerSmartSwitchModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()

	mod.RawSetString("on", L.NewFunction(func(L *lua.LState) int {
		return luaOn(L, vm)
	}))
	mod.RawSetString("members", L.NewFunction(func(L *lua.LState) int {
		return luaMembers(L, e)
	}))
	mod.RawSetString("add", L.NewFunction(func(L *lua.LState) int {
		return luaMutate(L, e, (*devset.Manager).Add)
	}))
	mod.RawSetString("remove", L.NewFunction(func(L *lua.LState) int {
		return luaMutate(L, e, (*devset.Manager).Remove)
	}))
	mod.RawSetString("get_state", L.NewFunction(func(L *lua.LState) int {
		return luaGetState(L, e)
	}))
	mod.RawSetString("set_state", L.NewFunction(func(L *lua.LState) int {
		return luaSetState(L, e)
	}))
	mod.RawSetString("after", L.NewFunction(func(L *lua.LState) int {
		return luaAfter(L, vm, e)
	}))
	mod.RawSetString("cron", L.NewFunction(func(L *lua.LState) int {
		return luaCron(L, vm, e)
	}))
	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		e.logger.Info("script log", "msg", L.CheckString(1))
		return 0
	}))

	L.SetGlobal("smartswitch", mod)
}

// smartswitch.on(type, [filter,] callback)
func luaOn(L *lua.LState, vm *scriptVM) int {
	h := luaEventHandler{eventType: L.CheckString(1)}

	if L.GetTop() >= 3 {
		filter := L.CheckTable(2)
		h.fn = L.CheckFunction(3)
		h.filter = make(map[string]string)
		filter.ForEach(func(k, v lua.LValue) {
			h.filter[k.String()] = v.String()
		})
	} else {
		h.fn = L.CheckFunction(2)
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if len(vm.handlers) >= maxHandlersPerScript {
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	return 0
}

func checkPanel(L *lua.LState, e *Engine) *devset.Manager {
	name := L.CheckString(1)
	m := e.panels.Get(name)
	if m == nil {
		L.ArgError(1, "unknown panel: "+name)
	}
	return m
}

// smartswitch.members(panel, owner) -> {id, ...}
func luaMembers(L *lua.LState, e *Engine) int {
	m := checkPanel(L, e)
	owner := L.CheckString(2)

	ids, err := m.Members(m.Open(owner))
	if err != nil {
		L.RaiseError("members: %v", err)
		return 0
	}
	L.Push(goToLua(L, ids))
	return 1
}

type mutation func(m *devset.Manager, sess devset.Session, id string) (bool, error)

// smartswitch.add/remove(panel, owner, id) -> changed
func luaMutate(L *lua.LState, e *Engine, op mutation) int {
	m := checkPanel(L, e)
	owner := L.CheckString(2)
	id := L.CheckString(3)

	changed, err := op(m, m.Open(owner), id)
	if err != nil {
		L.RaiseError("%v", err)
		return 0
	}
	L.Push(lua.LBool(changed))
	return 1
}

// smartswitch.get_state(device, service, variable [, default]) -> string
func luaGetState(L *lua.LState, e *Engine) int {
	dev := L.CheckString(1)
	service := L.CheckString(2)
	variable := L.CheckString(3)
	def := L.OptString(4, "")

	v, err := e.state.GetDeviceState(dev, service, variable, def)
	if err != nil {
		L.RaiseError("get_state: %v", err)
		return 0
	}
	L.Push(lua.LString(v))
	return 1
}

// smartswitch.set_state(device, service, variable, value)
func luaSetState(L *lua.LState, e *Engine) int {
	change := events.StateChange{
		DeviceID: L.CheckString(1),
		Service:  L.CheckString(2),
		Variable: L.CheckString(3),
		Value:    L.CheckString(4),
	}

	if err := e.state.SetDeviceState(change.DeviceID, change.Service, change.Variable, change.Value); err != nil {
		L.RaiseError("set_state: %v", err)
		return 0
	}
	if e.bus != nil {
		e.bus.Emit(events.Event{Type: events.StateChanged, Data: change})
	}
	return 0
}

// smartswitch.after(seconds, callback)
func luaAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	seconds := L.CheckNumber(1)
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(time.Duration(float64(seconds) * float64(time.Second)))
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}

		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		}:
		default:
			e.logger.Warn("after: command channel full")
		}
	}()

	return 0
}

// smartswitch.cron(spec, callback) -> job id
//
// spec is a standard five-field expression or a descriptor such as
// "@every 10m". One-shot runs validate the expression but schedule nothing and
// return 0.
func luaCron(L *lua.LState, vm *scriptVM, e *Engine) int {
	spec := L.CheckString(1)
	fn := L.CheckFunction(2)

	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		L.ArgError(1, "invalid cron spec: "+err.Error())
		return 0
	}
	if vm.sched == nil {
		L.Push(lua.LNumber(0))
		return 1
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if len(vm.cronIDs) >= maxHandlersPerScript {
		L.RaiseError("too many cron jobs (max %d)", maxHandlersPerScript)
		return 0
	}

	id := vm.sched.Schedule(schedule, cron.FuncJob(func() {
		select {
		case <-vm.ctx.Done():
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
				e.logger.Error("cron callback error", "spec", spec, "err", err)
			}
		}:
		default:
			e.logger.Warn("cron: command channel full", "spec", spec)
		}
	}))
	vm.cronIDs = append(vm.cronIDs, id)

	L.Push(lua.LNumber(id))
	return 1
}

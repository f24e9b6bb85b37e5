//go:build !no_automation

package automation

import (
	"context"
	"fmt"
	"time"

	lua "github.com/yuin/gopher-lua"

	"zigbee-zcl/internal/coordinator"
	"zigbee-zcl/internal/zcl"
	"zigbee-zcl/internal/zcl/clusters"
	"zigbee-zcl/internal/zcl/ota"
)

const (
	maxHandlersPerScript = 100
	callTimeout          = 5 * time.Second
)

// registerZCLModule registers the `zcl` global table in a Lua state.
func registerZCLModule(L *lua.LState, vm *scriptVM, e *Engine) {
	funcs := map[string]lua.LGFunction{
		"on":            func(L *lua.LState) int { return zclOn(L, vm) },
		"send":          func(L *lua.LState) int { return zclSend(L, e) },
		"read":          func(L *lua.LState) int { return zclRead(L, e) },
		"write":         func(L *lua.LState) int { return zclWrite(L, e) },
		"turn_on":       func(L *lua.LState) int { return zclOnOff(L, e, 0x01) },
		"turn_off":      func(L *lua.LState) int { return zclOnOff(L, e, 0x00) },
		"toggle":        func(L *lua.LState) int { return zclOnOff(L, e, 0x02) },
		"set_level":     func(L *lua.LState) int { return zclSetLevel(L, e) },
		"gpds":          func(L *lua.LState) int { return zclGPDs(L, e) },
		"commissioning": func(L *lua.LState) int { return zclCommissioning(L, e) },
		"notify":        func(L *lua.LState) int { return zclNotify(L, e) },
		"after":         func(L *lua.LState) int { return zclAfter(L, vm, e) },
		"log": func(L *lua.LState) int {
			e.logger.Info("script log", "msg", L.CheckString(1))
			return 0
		},
	}
	L.SetGlobal("zcl", L.SetFuncs(L.NewTable(), funcs))
}

// parseTarget turns a Lua address argument into a destination: a number is
// a short address, strings go through coordinator.ParseDestination.
func parseTarget(v lua.LValue, ep uint8) (zcl.Destination, error) {
	switch val := v.(type) {
	case lua.LNumber:
		if val < 0 || val > 0xFFFF {
			return zcl.Destination{}, fmt.Errorf("address out of range: %v", val)
		}
		return zcl.Destination{Mode: zcl.AddrModeShort, ShortAddr: uint16(val), Endpoint: ep}, nil
	case lua.LString:
		return coordinator.ParseDestination(string(val), ep)
	}
	return zcl.Destination{}, fmt.Errorf("unsupported address type %s", v.Type())
}

func checkRange(L *lua.LState, n int, max int, what string) int {
	v := L.CheckInt(n)
	if v < 0 || v > max {
		L.ArgError(n, fmt.Sprintf("%s must be 0-%d", what, max))
	}
	return v
}

func checkTarget(L *lua.LState, n int, ep uint8) (zcl.Destination, bool) {
	dst, err := parseTarget(L.CheckAny(n), ep)
	if err != nil {
		L.ArgError(n, err.Error())
		return dst, false
	}
	return dst, true
}

// pushResult pushes true, or nil plus the error message.
func pushResult(L *lua.LState, err error) int {
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

// zcl.on(type, filter, callback)
func zclOn(L *lua.LState, vm *scriptVM) int {
	eventType := L.CheckString(1)
	filter := L.OptTable(2, L.NewTable())
	fn := L.CheckFunction(3)

	h := luaEventHandler{eventType: eventType, cluster: -1, fn: fn}
	if v := filter.RawGetString("gpd"); v != lua.LNil {
		h.gpd = v.String()
	}
	if v := filter.RawGetString("src"); v != lua.LNil {
		if n, ok := v.(lua.LNumber); ok {
			h.src = fmt.Sprintf("0x%04X", uint16(n))
		} else {
			h.src = v.String()
		}
	}
	if v, ok := filter.RawGetString("cluster").(lua.LNumber); ok {
		h.cluster = int(v)
	}

	vm.mu.Lock()
	if len(vm.handlers) >= maxHandlersPerScript {
		vm.mu.Unlock()
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	vm.mu.Unlock()
	return 0
}

// zcl.send(addr, ep, cluster, cmd [, payload [, direction]])
func zclSend(L *lua.LState, e *Engine) int {
	ep := checkRange(L, 2, 0xFF, "endpoint")
	dst, ok := checkTarget(L, 1, uint8(ep))
	if !ok {
		return 0
	}
	cluster := checkRange(L, 3, 0xFFFF, "cluster")
	cmd := checkRange(L, 4, 0xFF, "command")

	var payload []byte
	if tbl, ok := L.Get(5).(*lua.LTable); ok {
		n := tbl.Len()
		for i := 1; i <= n; i++ {
			if b, ok := tbl.RawGetInt(i).(lua.LNumber); ok {
				payload = append(payload, byte(b))
			}
		}
	}
	dir := zcl.ClientToServer
	if L.OptString(6, "") == "server_to_client" {
		dir = zcl.ServerToClient
	}

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	err := e.node.SendClusterCommand(ctx, dst, uint16(cluster), dir, uint8(cmd), payload)
	if err != nil {
		e.logger.Warn("send command", "cluster", cluster, "cmd", cmd, "err", err)
	}
	return pushResult(L, err)
}

// zcl.read(addr, ep, cluster, {attr ids}) -> {{id, name, value, status}} | nil, err
func zclRead(L *lua.LState, e *Engine) int {
	ep := checkRange(L, 2, 0xFF, "endpoint")
	dst, ok := checkTarget(L, 1, uint8(ep))
	if !ok {
		return 0
	}
	cluster := checkRange(L, 3, 0xFFFF, "cluster")

	var ids []uint16
	switch v := L.CheckAny(4).(type) {
	case lua.LNumber:
		ids = append(ids, uint16(v))
	case *lua.LTable:
		for i := 1; i <= v.Len(); i++ {
			if n, ok := v.RawGetInt(i).(lua.LNumber); ok {
				ids = append(ids, uint16(n))
			}
		}
	default:
		L.ArgError(4, "attribute id or table expected")
		return 0
	}

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	results, err := e.node.ReadAttributes(ctx, dst, uint16(cluster), ids)
	if err != nil {
		return pushResult(L, err)
	}

	tbl := L.NewTable()
	for i, r := range results {
		row := L.NewTable()
		row.RawSetString("id", lua.LNumber(r.AttrID))
		row.RawSetString("name", lua.LString(r.AttrName))
		row.RawSetString("status", lua.LNumber(r.Status))
		row.RawSetString("value", goToLua(L, r.Value))
		tbl.RawSetInt(i+1, row)
	}
	L.Push(tbl)
	return 1
}

// zcl.write(addr, ep, cluster, attr, type, value)
func zclWrite(L *lua.LState, e *Engine) int {
	ep := checkRange(L, 2, 0xFF, "endpoint")
	dst, ok := checkTarget(L, 1, uint8(ep))
	if !ok {
		return 0
	}
	cluster := checkRange(L, 3, 0xFFFF, "cluster")
	attr := checkRange(L, 4, 0xFFFF, "attribute")
	typ := checkRange(L, 5, 0xFF, "type")
	value := luaToGo(L.CheckAny(6))

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	return pushResult(L, e.node.WriteAttribute(ctx, dst, uint16(cluster), uint16(attr), uint8(typ), value))
}

// zcl.turn_on/turn_off/toggle(addr [, ep])
func zclOnOff(L *lua.LState, e *Engine, cmd uint8) int {
	ep := L.OptInt(2, 1)
	dst, ok := checkTarget(L, 1, uint8(ep))
	if !ok {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	err := e.node.SendClusterCommand(ctx, dst, clusters.ClusterOnOff, zcl.ClientToServer, cmd, nil)
	if err != nil {
		e.logger.Warn("on/off command", "cmd", cmd, "err", err)
	}
	return pushResult(L, err)
}

// zcl.set_level(addr, level [, ep [, transition_ds]]) sends MoveToLevelWithOnOff.
func zclSetLevel(L *lua.LState, e *Engine) int {
	level := L.CheckInt(2)
	if level < 0 {
		level = 0
	}
	if level > 254 {
		level = 254
	}
	ep := L.OptInt(3, 1)
	transition := L.OptInt(4, 10)
	dst, ok := checkTarget(L, 1, uint8(ep))
	if !ok {
		return 0
	}

	payload := []byte{byte(level), byte(transition), byte(transition >> 8)}
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	err := e.node.SendClusterCommand(ctx, dst, clusters.ClusterLevelControl, zcl.ClientToServer, 0x04, payload)
	if err != nil {
		e.logger.Warn("set level", "level", level, "err", err)
	}
	return pushResult(L, err)
}

// zcl.gpds() -> list of paired green power devices
func zclGPDs(L *lua.LState, e *Engine) int {
	tbl := L.NewTable()
	for i, g := range e.node.GPDs() {
		d := L.NewTable()
		if g.GPD != nil {
			d.RawSetString("gpd", lua.LString(g.GPD.String()))
		}
		d.RawSetString("device_id", lua.LNumber(g.DeviceID))
		d.RawSetString("comm_mode", lua.LString(g.CommMode.String()))
		d.RawSetString("frame_counter", lua.LNumber(g.FrameCounter))
		tbl.RawSetInt(i+1, d)
	}
	L.Push(tbl)
	return 1
}

// zcl.commissioning(on [, window_s])
func zclCommissioning(L *lua.LState, e *Engine) int {
	on := L.CheckBool(1)
	window := time.Duration(L.OptInt(2, 0)) * time.Second

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	var err error
	if on {
		err = e.node.EnterCommissioning(ctx, window)
	} else {
		err = e.node.ExitCommissioning(ctx)
	}
	return pushResult(L, err)
}

// zcl.notify([addr [, payload_type [, jitter]]]) sends an Image Notify;
// without an address it is broadcast.
func zclNotify(L *lua.LState, e *Engine) int {
	dst := zcl.Destination{Mode: zcl.AddrModeShort, ShortAddr: zcl.BroadcastRxOn, Endpoint: 0xFF}
	if v := L.Get(1); v != lua.LNil {
		var ok bool
		if dst, ok = checkTarget(L, 1, ota.DefaultEndpoint); !ok {
			return 0
		}
	}
	pt := checkOptRange(L, 2, int(ota.NotifyFileVersion), "payload type")
	jitter := L.OptInt(3, 100)

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	return pushResult(L, e.node.NotifyImage(ctx, dst, ota.NotifyPayloadType(pt), uint8(jitter)))
}

func checkOptRange(L *lua.LState, n int, max int, what string) int {
	if L.Get(n) == lua.LNil {
		return 0
	}
	return checkRange(L, n, max, what)
}

// zcl.after(seconds, callback) runs callback on the script's VM later.
func zclAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
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

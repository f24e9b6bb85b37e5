//go:build !no_automation

package automation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"

	"zigbee-zcl/internal/coordinator"
	"zigbee-zcl/internal/zcl"
	"zigbee-zcl/internal/zcl/greenpower"
	"zigbee-zcl/internal/zcl/ota"
)

// Node is the part of the coordinator scripts can drive.
type Node interface {
	Events() *coordinator.EventBus
	SendClusterCommand(ctx context.Context, dst zcl.Destination, clusterID uint16, dir zcl.Direction, commandID uint8, payload []byte) error
	ReadAttributes(ctx context.Context, dst zcl.Destination, clusterID uint16, attrIDs []uint16) ([]coordinator.AttributeResult, error)
	WriteAttribute(ctx context.Context, dst zcl.Destination, clusterID, attrID uint16, dataType uint8, value any) error
	GPDs() []greenpower.SinkEntry
	EnterCommissioning(ctx context.Context, window time.Duration) error
	ExitCommissioning(ctx context.Context) error
	NotifyImage(ctx context.Context, dst zcl.Destination, payloadType ota.NotifyPayloadType, jitter uint8) error
}

// CheckSyntax parses code without running it.
func CheckSyntax(code string) error {
	chunk, err := parse.Parse(strings.NewReader(code), "<script>")
	if err != nil {
		return err
	}
	_, err = lua.Compile(chunk, "<script>")
	return err
}

// RunResult is the result of a one-shot script execution.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

// luaEventHandler is a Lua callback registered with zcl.on. Empty filters
// match anything.
type luaEventHandler struct {
	eventType string
	gpd       string
	src       string
	cluster   int // -1 = any
	fn        *lua.LFunction
}

// scriptVM is a running Lua VM for a single script.
type scriptVM struct {
	state    *lua.LState
	commands chan func(*lua.LState) // serializes Lua access
	handlers []luaEventHandler
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex // protects handlers
}

// Engine runs one Lua VM per enabled script and feeds it node events.
type Engine struct {
	node    Node
	manager *Manager
	logger  *slog.Logger

	mu    sync.Mutex
	vms   map[string]*scriptVM // script ID -> running VM
	unsub func()
}

// NewEngine creates an automation engine.
func NewEngine(node Node, mgr *Manager, logger *slog.Logger) *Engine {
	return &Engine{
		node:    node,
		manager: mgr,
		logger:  logger.With("component", "automation"),
		vms:     make(map[string]*scriptVM),
	}
}

// Start subscribes to node events and loads all enabled scripts.
func (e *Engine) Start() {
	e.unsub = e.node.Events().OnAll(e.dispatchEvent)

	scripts, err := e.manager.List()
	if err != nil {
		e.logger.Error("load scripts", "err", err)
		return
	}
	for _, s := range scripts {
		if !s.Meta.Enabled {
			continue
		}
		if err := e.startScript(s); err != nil {
			e.logger.Error("start script", "id", s.ID, "err", err)
		}
	}

	e.mu.Lock()
	n := len(e.vms)
	e.mu.Unlock()
	e.logger.Info("automation engine started", "scripts", n)
}

// Stop cancels all VMs and unsubscribes from node events.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for id, vm := range e.vms {
		vm.cancel()
		delete(e.vms, id)
	}
	if e.unsub != nil {
		e.unsub()
	}
	e.logger.Info("automation engine stopped")
}

// ReloadScript stops the old VM (if any) and starts the saved version.
func (e *Engine) ReloadScript(id string) error {
	e.stopScript(id)

	s, err := e.manager.Get(id)
	if err != nil {
		return fmt.Errorf("get script: %w", err)
	}
	if !s.Meta.Enabled {
		return nil
	}
	return e.startScript(s)
}

// StopScript stops a running script VM.
func (e *Engine) StopScript(id string) {
	e.stopScript(id)
}

// Running lists the IDs of running scripts.
func (e *Engine) Running() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.vms))
	for id := range e.vms {
		ids = append(ids, id)
	}
	return ids
}

// RunScript executes a saved script once in a temporary VM.
func (e *Engine) RunScript(id string) *RunResult {
	start := time.Now()
	s, err := e.manager.Get(id)
	if err != nil {
		return &RunResult{OK: false, Error: "script not found: " + err.Error(), Duration: time.Since(start).String()}
	}
	return e.RunLuaCode(s.LuaCode)
}

func newSandboxedState() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: false})
	for _, name := range []string{"os", "io", "loadfile", "dofile", "require", "load", "debug", "package"} {
		L.SetGlobal(name, lua.LNil)
	}
	return L
}

// RunLuaCode executes code in a temporary VM. Handlers registered with
// zcl.on are each called once with a synthetic event; log output is captured.
func (e *Engine) RunLuaCode(code string) *RunResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	L := newSandboxedState()
	defer L.Close()
	L.SetContext(ctx)

	vm := &scriptVM{
		state:    L,
		commands: make(chan func(*lua.LState), 64),
		ctx:      ctx,
		cancel:   cancel,
	}

	var logs []string
	var logMu sync.Mutex
	capture := func(line string) {
		logMu.Lock()
		logs = append(logs, line)
		logMu.Unlock()
	}

	registerZCLModule(L, vm, e)
	registerClockModule(L)

	if tbl, ok := L.GetGlobal("zcl").(*lua.LTable); ok {
		tbl.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
			msg := L.CheckString(1)
			capture(msg)
			e.logger.Info("script run log", "msg", msg)
			return 0
		}))
	}
	if tbl, ok := L.GetGlobal("system").(*lua.LTable); ok {
		tbl.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
			capture("[" + L.CheckString(1) + "] " + L.CheckString(2))
			return 0
		}))
	}

	result := func(err error) *RunResult {
		r := &RunResult{OK: err == nil, Logs: logs, Duration: time.Since(start).String()}
		if err != nil {
			r.Error = err.Error()
			if strings.Contains(r.Error, "context deadline exceeded") {
				r.Error = "timeout (5s)"
			}
		}
		return r
	}

	if err := L.DoString(code); err != nil {
		e.logger.Warn("script run error", "err", err)
		return result(err)
	}

	vm.mu.Lock()
	handlers := append([]luaEventHandler(nil), vm.handlers...)
	vm.mu.Unlock()

	for i, h := range handlers {
		if err := L.CallByParam(lua.P{Fn: h.fn, NRet: 0, Protect: true}, syntheticEvent(L, h)); err != nil {
			e.logger.Warn("script run handler error", "index", i, "err", err)
			return result(err)
		}
	}
	return result(nil)
}

// syntheticEvent builds the event passed to handlers by RunLuaCode: the
// handler's own filters plus value = true.
func syntheticEvent(L *lua.LState, h luaEventHandler) *lua.LTable {
	ev := L.NewTable()
	ev.RawSetString("type", lua.LString(h.eventType))
	if h.gpd != "" {
		ev.RawSetString("gpd", lua.LString(h.gpd))
	}
	if h.src != "" {
		ev.RawSetString("src", lua.LString(h.src))
	}
	if h.cluster >= 0 {
		ev.RawSetString("cluster", lua.LNumber(h.cluster))
	}
	ev.RawSetString("value", lua.LTrue)
	return ev
}

func (e *Engine) stopScript(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if vm, ok := e.vms[id]; ok {
		vm.cancel()
		delete(e.vms, id)
		e.logger.Info("script stopped", "id", id)
	}
}

func (e *Engine) startScript(s *Script) error {
	ctx, cancel := context.WithCancel(context.Background())
	L := newSandboxedState()

	vm := &scriptVM{
		state:    L,
		commands: make(chan func(*lua.LState), 64),
		ctx:      ctx,
		cancel:   cancel,
	}
	registerZCLModule(L, vm, e)
	registerClockModule(L)

	if err := L.DoString(s.LuaCode); err != nil {
		cancel()
		L.Close()
		return fmt.Errorf("execute script %s: %w", s.ID, err)
	}

	e.mu.Lock()
	e.vms[s.ID] = vm
	e.mu.Unlock()

	go func() {
		defer L.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case fn := <-vm.commands:
				fn(L)
			}
		}
	}()

	e.logger.Info("script started", "id", s.ID, "name", s.Meta.Name)
	return nil
}

// dispatchEvent routes a node event to all matching Lua handlers.
func (e *Engine) dispatchEvent(event coordinator.Event) {
	e.mu.Lock()
	vms := make([]*scriptVM, 0, len(e.vms))
	for _, vm := range e.vms {
		vms = append(vms, vm)
	}
	e.mu.Unlock()

	for _, vm := range vms {
		vm.mu.Lock()
		handlers := append([]luaEventHandler(nil), vm.handlers...)
		vm.mu.Unlock()

		for _, h := range handlers {
			if !matchesHandler(h, event) {
				continue
			}
			fn := h.fn
			select {
			case <-vm.ctx.Done():
			case vm.commands <- func(L *lua.LState) { e.callHandler(L, fn, event) }:
			default:
				e.logger.Warn("script command channel full, dropping event", "type", event.Type)
			}
		}
	}
}

func matchesHandler(h luaEventHandler, event coordinator.Event) bool {
	if h.eventType != event.Type {
		return false
	}
	data, ok := event.Data.(map[string]any)
	if !ok {
		return h.gpd == "" && h.src == "" && h.cluster < 0
	}
	if h.gpd != "" {
		if gpd, _ := data["gpd"].(string); !strings.EqualFold(gpd, h.gpd) {
			return false
		}
	}
	if h.src != "" && !strings.EqualFold(srcString(data["src"]), h.src) {
		return false
	}
	if h.cluster >= 0 {
		if c, ok := data["cluster"].(uint16); !ok || int(c) != h.cluster {
			return false
		}
	}
	return true
}

// srcString normalizes the src field, which events carry either as a
// formatted string or as a raw short address.
func srcString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case uint16:
		return fmt.Sprintf("0x%04X", s)
	}
	return ""
}

func (e *Engine) callHandler(L *lua.LState, fn *lua.LFunction, event coordinator.Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("lua handler panic", "err", r)
		}
	}()

	ev := L.NewTable()
	ev.RawSetString("type", lua.LString(event.Type))
	if data, ok := event.Data.(map[string]any); ok {
		for k, v := range data {
			ev.RawSetString(k, goToLua(L, v))
		}
	} else if event.Data != nil {
		ev.RawSetString("value", goToLua(L, event.Data))
	}

	if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, ev); err != nil {
		e.logger.Error("lua handler error", "type", event.Type, "err", err)
	}
}

// goToLua converts a Go value to a Lua value.
func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int8:
		return lua.LNumber(val)
	case int16:
		return lua.LNumber(val)
	case int32:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case uint8:
		return lua.LNumber(val)
	case uint16:
		return lua.LNumber(val)
	case uint32:
		return lua.LNumber(val)
	case uint64:
		return lua.LNumber(val)
	case float32:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case []byte:
		return lua.LString(fmt.Sprintf("%X", val))
	case map[string]any:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, goToLua(L, vv))
		}
		return t
	case []any:
		t := L.NewTable()
		for i, vv := range val {
			t.RawSetInt(i+1, goToLua(L, vv))
		}
		return t
	case []zcl.AttributeRecord:
		t := L.NewTable()
		for i, rec := range val {
			r := L.NewTable()
			r.RawSetString("id", lua.LNumber(rec.ID))
			r.RawSetString("type", lua.LNumber(rec.Type))
			r.RawSetString("status", lua.LNumber(rec.Status))
			r.RawSetString("value", goToLua(L, rec.Value))
			t.RawSetInt(i+1, r)
		}
		return t
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}

// luaToGo converts a Lua scalar to the Go value EncodeValue expects.
func luaToGo(v lua.LValue) any {
	switch val := v.(type) {
	case lua.LBool:
		return bool(val)
	case lua.LNumber:
		return float64(val)
	case lua.LString:
		return string(val)
	}
	return nil
}

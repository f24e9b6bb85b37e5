//go:build !no_automation

package automation

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	lua "github.com/yuin/gopher-lua"

	"zigbee-zcl/internal/coordinator"
	"zigbee-zcl/internal/zcl"
	"zigbee-zcl/internal/zcl/greenpower"
	"zigbee-zcl/internal/zcl/ota"
)

type sentCommand struct {
	dst     zcl.Destination
	cluster uint16
	dir     zcl.Direction
	cmd     uint8
	payload []byte
}

type fakeNode struct {
	events *coordinator.EventBus

	mu       sync.Mutex
	sent     []sentCommand
	reads    [][]uint16
	writes   []any
	commish  []bool
	window   time.Duration
	notified []zcl.Destination
	sendErr  error
	gpds     []greenpower.SinkEntry
}

func newFakeNode() *fakeNode {
	return &fakeNode{events: coordinator.NewEventBus(testLogger())}
}

func (n *fakeNode) Events() *coordinator.EventBus { return n.events }

func (n *fakeNode) SendClusterCommand(_ context.Context, dst zcl.Destination, cluster uint16, dir zcl.Direction, cmd uint8, payload []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentCommand{dst, cluster, dir, cmd, payload})
	return n.sendErr
}

func (n *fakeNode) ReadAttributes(_ context.Context, _ zcl.Destination, _ uint16, ids []uint16) ([]coordinator.AttributeResult, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reads = append(n.reads, ids)
	var out []coordinator.AttributeResult
	for _, id := range ids {
		out = append(out, coordinator.AttributeResult{AttrID: id, AttrName: "MeasuredValue", Value: int16(2150)})
	}
	return out, nil
}

func (n *fakeNode) WriteAttribute(_ context.Context, _ zcl.Destination, _, _ uint16, _ uint8, value any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.writes = append(n.writes, value)
	return nil
}

func (n *fakeNode) GPDs() []greenpower.SinkEntry { return n.gpds }

func (n *fakeNode) EnterCommissioning(_ context.Context, window time.Duration) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.commish = append(n.commish, true)
	n.window = window
	return nil
}

func (n *fakeNode) ExitCommissioning(context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.commish = append(n.commish, false)
	return nil
}

func (n *fakeNode) NotifyImage(_ context.Context, dst zcl.Destination, _ ota.NotifyPayloadType, _ uint8) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notified = append(n.notified, dst)
	return nil
}

func (n *fakeNode) sentCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

// newNodeEngine returns an engine over a fake node with its scripts dir.
func newNodeEngine(t *testing.T) (*Engine, *fakeNode, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "scripts")
	mgr, err := NewManager(dir, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	node := newFakeNode()
	return NewEngine(node, mgr, testLogger()), node, dir
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestGoToLua(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	tests := []struct {
		name string
		val  any
		want lua.LValueType
	}{
		{"nil", nil, lua.LTNil},
		{"bool true", true, lua.LTBool},
		{"bool false", false, lua.LTBool},
		{"string", "hello", lua.LTString},
		{"int", 42, lua.LTNumber},
		{"int64", int64(99), lua.LTNumber},
		{"float64", 3.14, lua.LTNumber},
		{"uint8", uint8(255), lua.LTNumber},
		{"uint16", uint16(1024), lua.LTNumber},
		{"uint32", uint32(100000), lua.LTNumber},
		{"int8", int8(-10), lua.LTNumber},
		{"map", map[string]any{"a": 1}, lua.LTTable},
		{"slice", []any{1, 2, 3}, lua.LTTable},
		{"unknown", struct{}{}, lua.LTString},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := goToLua(L, tt.val)
			if result.Type() != tt.want {
				t.Errorf("goToLua(%v) type = %v, want %v", tt.val, result.Type(), tt.want)
			}
		})
	}
}

func TestGoToLuaBoolValues(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	if v := goToLua(L, true); v != lua.LTrue {
		t.Errorf("goToLua(true) = %v, want LTrue", v)
	}
	if v := goToLua(L, false); v != lua.LFalse {
		t.Errorf("goToLua(false) = %v, want LFalse", v)
	}
}

func TestGoToLuaNumberValues(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	v := goToLua(L, 42)
	if n, ok := v.(lua.LNumber); !ok || float64(n) != 42 {
		t.Errorf("goToLua(42) = %v, want LNumber(42)", v)
	}
}

func TestGoToLuaStringValue(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	v := goToLua(L, "hello")
	if s, ok := v.(lua.LString); !ok || string(s) != "hello" {
		t.Errorf("goToLua(hello) = %v, want LString(hello)", v)
	}
}

func TestGoToLuaMap(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	m := map[string]any{"key": "value", "num": 10}
	v := goToLua(L, m)
	tbl, ok := v.(*lua.LTable)
	if !ok {
		t.Fatal("expected LTable")
	}

	keyVal := tbl.RawGetString("key")
	if s, ok := keyVal.(lua.LString); !ok || string(s) != "value" {
		t.Errorf("map[key] = %v, want value", keyVal)
	}

	numVal := tbl.RawGetString("num")
	if n, ok := numVal.(lua.LNumber); !ok || float64(n) != 10 {
		t.Errorf("map[num] = %v, want 10", numVal)
	}
}

func TestGoToLuaSlice(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	s := []any{"a", "b", "c"}
	v := goToLua(L, s)
	tbl, ok := v.(*lua.LTable)
	if !ok {
		t.Fatal("expected LTable")
	}

	if tbl.Len() != 3 {
		t.Errorf("table len = %d, want 3", tbl.Len())
	}

	first := tbl.RawGetInt(1)
	if str, ok := first.(lua.LString); !ok || string(str) != "a" {
		t.Errorf("slice[1] = %v, want a", first)
	}
}

func TestGoToLuaRecords(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	v := goToLua(L, []zcl.AttributeRecord{{ID: 0x0000, Type: zcl.TypeInt16, Value: int16(-150)}})
	tbl, ok := v.(*lua.LTable)
	if !ok || tbl.Len() != 1 {
		t.Fatalf("goToLua(records) = %v", v)
	}
	rec := tbl.RawGetInt(1).(*lua.LTable)
	if n, ok := rec.RawGetString("value").(lua.LNumber); !ok || n != -150 {
		t.Errorf("record value = %v, want -150", rec.RawGetString("value"))
	}
	if n, ok := rec.RawGetString("type").(lua.LNumber); !ok || uint8(n) != zcl.TypeInt16 {
		t.Errorf("record type = %v", rec.RawGetString("type"))
	}
}

func TestLuaToGo(t *testing.T) {
	tests := []struct {
		in   lua.LValue
		want any
	}{
		{lua.LTrue, true},
		{lua.LNumber(12), float64(12)},
		{lua.LString("x"), "x"},
		{lua.LNil, nil},
	}
	for _, tt := range tests {
		if got := luaToGo(tt.in); got != tt.want {
			t.Errorf("luaToGo(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestMatchesHandler(t *testing.T) {
	tests := []struct {
		name    string
		handler luaEventHandler
		event   coordinator.Event
		want    bool
	}{
		{
			"gpd match",
			luaEventHandler{eventType: "gp_notification", gpd: "0x0012ab34", cluster: -1},
			coordinator.Event{Type: "gp_notification", Data: map[string]any{"gpd": "0x0012AB34"}},
			true,
		},
		{
			"wrong event type",
			luaEventHandler{eventType: "gp_notification", cluster: -1},
			coordinator.Event{Type: "attribute_report", Data: map[string]any{}},
			false,
		},
		{
			"gpd mismatch",
			luaEventHandler{eventType: "gp_notification", gpd: "0x0012AB34", cluster: -1},
			coordinator.Event{Type: "gp_notification", Data: map[string]any{"gpd": "0x00000001"}},
			false,
		},
		{
			"src as string",
			luaEventHandler{eventType: "attribute_report", src: "0x1A2B", cluster: -1},
			coordinator.Event{Type: "attribute_report", Data: map[string]any{"src": "0x1A2B", "cluster": uint16(6)}},
			true,
		},
		{
			"src as short address",
			luaEventHandler{eventType: "ota_query", src: "0x1A2B", cluster: -1},
			coordinator.Event{Type: "ota_query", Data: map[string]any{"src": uint16(0x1A2B)}},
			true,
		},
		{
			"cluster match",
			luaEventHandler{eventType: "attribute_report", cluster: 0x0402},
			coordinator.Event{Type: "attribute_report", Data: map[string]any{"cluster": uint16(0x0402)}},
			true,
		},
		{
			"cluster mismatch",
			luaEventHandler{eventType: "attribute_report", cluster: 0x0402},
			coordinator.Event{Type: "attribute_report", Data: map[string]any{"cluster": uint16(0x0006)}},
			false,
		},
		{
			"no filters match any",
			luaEventHandler{eventType: "gp_removed", cluster: -1},
			coordinator.Event{Type: "gp_removed", Data: map[string]any{"gpd": "0x00000001"}},
			true,
		},
		{
			"filter against non-map data",
			luaEventHandler{eventType: "node_state", gpd: "0x1", cluster: -1},
			coordinator.Event{Type: "node_state", Data: "up"},
			false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := matchesHandler(tt.handler, tt.event); got != tt.want {
				t.Errorf("matchesHandler() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRunLuaCodeCapturesLogs(t *testing.T) {
	e, node, _ := newNodeEngine(t)

	res := e.RunLuaCode(`
zcl.log("start")
zcl.on("gp_notification", {gpd="0x0012AB34"}, function(ev)
  zcl.log("handler " .. ev.gpd)
  zcl.toggle("0x1A2B")
end)
`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	if len(res.Logs) != 2 || res.Logs[0] != "start" || res.Logs[1] != "handler 0x0012AB34" {
		t.Errorf("logs = %q", res.Logs)
	}
	if node.sentCount() != 1 {
		t.Errorf("sent = %d, want 1", node.sentCount())
	}
}

func TestRunLuaCodeErrors(t *testing.T) {
	e, _, _ := newNodeEngine(t)

	tests := []struct {
		name string
		code string
	}{
		{"syntax", `zcl.log(`},
		{"sandboxed os", `os.exit(1)`},
		{"handler error", `zcl.on("x", {}, function(ev) error("boom") end)`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := e.RunLuaCode(tt.code)
			if res.OK || res.Error == "" {
				t.Errorf("result = %+v, want error", res)
			}
		})
	}
}

func TestRunLuaCodeTimeout(t *testing.T) {
	e, _, _ := newNodeEngine(t)
	res := e.RunLuaCode(`while true do end`)
	if res.OK {
		t.Fatal("infinite loop reported OK")
	}
	if res.Error != "timeout (5s)" {
		t.Errorf("error = %q", res.Error)
	}
}

func TestEngineDispatchesToScripts(t *testing.T) {
	e, node, dir := newNodeEngine(t)

	script := "--[[\nname: Door\nenabled: true\n]]\n\n" +
		`zcl.on("gp_notification", {gpd="0x0012AB34"}, function(ev)
  if ev.command == 0x21 then zcl.turn_on(0x1A2B, 2) end
end)
`
	if err := os.WriteFile(filepath.Join(dir, "door.lua"), []byte(script), 0o644); err != nil {
		t.Fatal(err)
	}
	disabled := "--[[\nname: Off\nenabled: false\n]]\n\nzcl.on(\"gp_notification\", {}, function(ev) zcl.toggle(1) end)\n"
	if err := os.WriteFile(filepath.Join(dir, "off.lua"), []byte(disabled), 0o644); err != nil {
		t.Fatal(err)
	}

	e.Start()
	defer e.Stop()

	if got := e.Running(); len(got) != 1 || got[0] != "door" {
		t.Fatalf("running = %v, want [door]", got)
	}

	node.events.Emit(coordinator.Event{Type: "gp_notification", Data: map[string]any{
		"gpd": "0x00000001", "command": uint8(0x21),
	}})
	node.events.Emit(coordinator.Event{Type: "gp_notification", Data: map[string]any{
		"gpd": "0x0012AB34", "command": uint8(0x21),
	}})
	waitFor(t, func() bool { return node.sentCount() == 1 })

	node.mu.Lock()
	got := node.sent[0]
	node.mu.Unlock()
	if got.dst.ShortAddr != 0x1A2B || got.dst.Endpoint != 2 || got.cluster != 0x0006 || got.cmd != 0x01 {
		t.Errorf("sent = %+v", got)
	}
}

func TestEngineReloadAndStopScript(t *testing.T) {
	e, _, _ := newNodeEngine(t)
	defer e.Stop()

	s, err := e.manager.Save(&Script{Meta: ScriptMeta{Name: "Temp", Enabled: true}, LuaCode: `zcl.log("x")`})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.ReloadScript(s.ID); err != nil {
		t.Fatal(err)
	}
	if len(e.Running()) != 1 {
		t.Fatalf("running = %v", e.Running())
	}
	e.StopScript(s.ID)
	if len(e.Running()) != 0 {
		t.Errorf("running after stop = %v", e.Running())
	}

	s.Meta.Enabled = false
	if _, err := e.manager.Save(s); err != nil {
		t.Fatal(err)
	}
	if err := e.ReloadScript(s.ID); err != nil {
		t.Fatal(err)
	}
	if len(e.Running()) != 0 {
		t.Errorf("disabled script started: %v", e.Running())
	}
}

func TestEngineStartScriptError(t *testing.T) {
	e, _, _ := newNodeEngine(t)
	if err := e.startScript(&Script{ID: "bad", LuaCode: "zcl.on("}); err == nil {
		t.Fatal("expected error")
	}
	if len(e.Running()) != 0 {
		t.Error("failed script registered")
	}
}

var errUnreachable = errors.New("unreachable")

func TestCheckSyntax(t *testing.T) {
	tests := []struct {
		name    string
		code    string
		wantErr bool
	}{
		{"empty", "", false},
		{"handler", `zcl.on("gp_notification", {gpd = "0x0012AB34"}, function(ev) zcl.toggle(0x1A2B) end)`, false},
		{"unclosed function", `zcl.on("x", nil, function(ev)`, true},
		{"bad token", `local = 1`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := CheckSyntax(tt.code); (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

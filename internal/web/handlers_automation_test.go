//go:build !no_automation

package web

import (
	"net/http"
	"path/filepath"
	"testing"

	"zigbee-zcl/internal/automation"
)

func setupAutomationServer(t *testing.T) *testEnv {
	t.Helper()
	coord, db, tr := newTestCoordinator(t, nil)
	logger := testLogger()
	mgr, err := automation.NewManager(filepath.Join(t.TempDir(), "scripts"), logger)
	if err != nil {
		t.Fatal(err)
	}
	engine := automation.NewEngine(coord, mgr, logger)
	engine.Start()
	t.Cleanup(engine.Stop)

	srv := NewServer(coord, logger, WithAutomation(engine, mgr))
	t.Cleanup(srv.Stop)
	return &testEnv{srv: srv, store: db, coord: coord, transport: tr}
}

type scriptResponse struct {
	ID   string `json:"id"`
	Meta struct {
		Name    string `json:"name"`
		Enabled bool   `json:"enabled"`
	} `json:"meta"`
	LuaCode string `json:"lua_code"`
	Running bool   `json:"running"`
}

const doorScript = `zcl.on("gp_notification", {gpd = "0x0012AB34"}, function(ev) zcl.toggle(0x1A2B) end)`

func TestAutomationLifecycle(t *testing.T) {
	env := setupAutomationServer(t)

	w := env.do(t, "POST", "/api/automations", saveAutomationRequest{Name: "Door switch", LuaCode: doorScript, Enabled: true})
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", w.Code, w.Body.String())
	}
	created := decode[scriptResponse](t, w)
	if created.ID != "door_switch" || !created.Running {
		t.Fatalf("created = %+v", created)
	}

	list := decode[[]scriptResponse](t, env.do(t, "GET", "/api/automations", nil))
	if len(list) != 1 || list[0].Meta.Name != "Door switch" {
		t.Fatalf("list = %+v", list)
	}

	toggled := decode[scriptResponse](t, env.do(t, "POST", "/api/automations/door_switch/toggle", nil))
	if toggled.Meta.Enabled || toggled.Running {
		t.Errorf("after toggle = %+v", toggled)
	}

	w = env.do(t, "PUT", "/api/automations/door_switch", saveAutomationRequest{Name: "Door", LuaCode: doorScript, Enabled: true})
	if w.Code != http.StatusOK {
		t.Fatalf("update status = %d: %s", w.Code, w.Body.String())
	}
	if got := decode[scriptResponse](t, w); got.Meta.Name != "Door" || !got.Running {
		t.Errorf("updated = %+v", got)
	}

	if w := env.do(t, "DELETE", "/api/automations/door_switch", nil); w.Code != http.StatusOK {
		t.Fatalf("delete status = %d", w.Code)
	}
	if w := env.do(t, "GET", "/api/automations/door_switch", nil); w.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", w.Code)
	}
	if w := env.do(t, "DELETE", "/api/automations/door_switch", nil); w.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", w.Code)
	}
}

func TestAutomationValidation(t *testing.T) {
	env := setupAutomationServer(t)

	tests := []struct {
		name string
		req  saveAutomationRequest
	}{
		{"no name", saveAutomationRequest{LuaCode: "zcl.log('x')"}},
		{"syntax error", saveAutomationRequest{Name: "broken", LuaCode: "zcl.on("}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := env.do(t, "POST", "/api/automations", tt.req); w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
		})
	}

	if w := env.do(t, "PUT", "/api/automations/missing", saveAutomationRequest{Name: "x"}); w.Code != http.StatusNotFound {
		t.Errorf("update missing status = %d, want 404", w.Code)
	}
	if w := env.do(t, "GET", "/api/automations/..", nil); w.Code == http.StatusOK {
		t.Errorf("traversal id accepted")
	}
}

func TestAutomationRunInline(t *testing.T) {
	env := setupAutomationServer(t)

	w := env.do(t, "POST", "/api/automations/_inline/run", map[string]string{"lua_code": `zcl.log("hello")`})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	res := decode[automation.RunResult](t, w)
	if !res.OK || len(res.Logs) != 1 || res.Logs[0] != "hello" {
		t.Errorf("result = %+v", res)
	}

	res = decode[automation.RunResult](t, env.do(t, "POST", "/api/automations/_inline/run", map[string]string{"lua_code": `error("boom")`}))
	if res.OK || res.Error == "" {
		t.Errorf("failing run = %+v", res)
	}
}

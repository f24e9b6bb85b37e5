//go:build !no_automation

package automation

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "scripts")
	m, err := NewManager(dir, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestManagerListEmpty(t *testing.T) {
	m := newTestManager(t)
	scripts, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(scripts) != 0 {
		t.Errorf("list count = %d, want 0", len(scripts))
	}
}

func TestManagerSaveAndGet(t *testing.T) {
	m := newTestManager(t)

	s := &Script{
		Meta: ScriptMeta{
			Name:        "Test Script",
			Description: "A test",
			Enabled:     true,
		},
		LuaCode: `zcl.log("hello")`,
	}

	saved, err := m.Save(s)
	if err != nil {
		t.Fatal(err)
	}

	if saved.ID == "" {
		t.Fatal("expected non-empty ID")
	}
	if saved.ID != "test_script" {
		t.Errorf("id = %q, want test_script", saved.ID)
	}

	got, err := m.Get(saved.ID)
	if err != nil {
		t.Fatal(err)
	}

	if got.Meta.Name != "Test Script" {
		t.Errorf("name = %q, want Test Script", got.Meta.Name)
	}
	if got.Meta.Description != "A test" {
		t.Errorf("description = %q, want A test", got.Meta.Description)
	}
	if !got.Meta.Enabled {
		t.Error("enabled = false, want true")
	}
	if !strings.Contains(got.LuaCode, `zcl.log("hello")`) {
		t.Errorf("lua_code = %q, want to contain zcl.log", got.LuaCode)
	}
}

func TestManagerSaveExistingID(t *testing.T) {
	m := newTestManager(t)

	s := &Script{
		ID: "my_script",
		Meta: ScriptMeta{
			Name:    "My Script",
			Enabled: true,
		},
		LuaCode: `zcl.log("v1")`,
	}

	saved, err := m.Save(s)
	if err != nil {
		t.Fatal(err)
	}
	if saved.ID != "my_script" {
		t.Errorf("id = %q, want my_script", saved.ID)
	}

	// Update same script
	saved.LuaCode = `zcl.log("v2")`
	_, err = m.Save(saved)
	if err != nil {
		t.Fatal(err)
	}

	got, err := m.Get("my_script")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got.LuaCode, `zcl.log("v2")`) {
		t.Errorf("lua_code after update = %q", got.LuaCode)
	}
}

func TestManagerList(t *testing.T) {
	m := newTestManager(t)

	for _, name := range []string{"Alpha", "Beta", "Gamma"} {
		_, err := m.Save(&Script{
			Meta:    ScriptMeta{Name: name, Enabled: true},
			LuaCode: `zcl.log("` + name + `")`,
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	scripts, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(scripts) != 3 {
		t.Fatalf("list count = %d, want 3", len(scripts))
	}
}

func TestManagerDelete(t *testing.T) {
	m := newTestManager(t)

	saved, err := m.Save(&Script{
		Meta:    ScriptMeta{Name: "ToDelete", Enabled: true},
		LuaCode: `zcl.log("bye")`,
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := m.Delete(saved.ID); err != nil {
		t.Fatal(err)
	}

	_, err = m.Get(saved.ID)
	if err == nil {
		t.Error("expected error after delete, got nil")
	}
}

func TestManagerGetNotFound(t *testing.T) {
	m := newTestManager(t)

	_, err := m.Get("nonexistent")
	if err == nil {
		t.Error("expected error, got nil")
	}
}

func TestManagerUniqueID(t *testing.T) {
	m := newTestManager(t)

	s1, err := m.Save(&Script{
		Meta:    ScriptMeta{Name: "Dup", Enabled: true},
		LuaCode: `zcl.log("1")`,
	})
	if err != nil {
		t.Fatal(err)
	}

	s2, err := m.Save(&Script{
		Meta:    ScriptMeta{Name: "Dup", Enabled: true},
		LuaCode: `zcl.log("2")`,
	})
	if err != nil {
		t.Fatal(err)
	}

	if s1.ID == s2.ID {
		t.Errorf("expected unique IDs, got %q for both", s1.ID)
	}
}

func TestParseScriptFile(t *testing.T) {
	dir := t.TempDir()
	content := `--[[
name: Door contact
description: Turn the hall light on when the door opens
enabled: true
]]

zcl.on("gp_notification", {gpd="0x0012AB34"}, function(event)
    zcl.turn_on("0x1A2B")
end)
`
	path := filepath.Join(dir, "door.lua")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	m := &Manager{dir: dir, logger: testLogger()}
	s, err := m.parseFile(path)
	if err != nil {
		t.Fatal(err)
	}

	if s.ID != "door" {
		t.Errorf("id = %q, want door", s.ID)
	}
	if s.Meta.Name != "Door contact" {
		t.Errorf("name = %q, want Door contact", s.Meta.Name)
	}
	if s.Meta.Description != "Turn the hall light on when the door opens" {
		t.Errorf("description = %q", s.Meta.Description)
	}
	if !s.Meta.Enabled {
		t.Error("enabled = false, want true")
	}
	if !strings.HasPrefix(s.LuaCode, `zcl.on("gp_notification"`) {
		t.Errorf("lua_code = %q", s.LuaCode)
	}
}

func TestParseScriptHeaderless(t *testing.T) {
	s, err := parseScript("zcl.log(\"x\")\n")
	if err != nil {
		t.Fatal(err)
	}
	if s.Meta.Enabled || s.Meta.Name != "" {
		t.Errorf("meta = %+v, want zero", s.Meta)
	}
	if s.LuaCode != "zcl.log(\"x\")\n" {
		t.Errorf("lua_code = %q", s.LuaCode)
	}
}

func TestParseScriptErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unterminated", "--[[\nname: x\nzcl.log(1)\n"},
		{"bad yaml", "--[[\nname: [x\n]]\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := parseScript(tt.content); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestManagerListSkipsBrokenFiles(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Save(&Script{Meta: ScriptMeta{Name: "Good"}, LuaCode: "zcl.log(1)"}); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(m.dir, "broken.lua"), []byte("--[[\nname: x\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(m.dir, "notes.txt"), []byte("ignored"), 0o644); err != nil {
		t.Fatal(err)
	}

	scripts, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(scripts) != 1 || scripts[0].ID != "good" {
		t.Errorf("scripts = %+v, want only good", scripts)
	}
}

func TestManagerRejectsBadID(t *testing.T) {
	m := newTestManager(t)
	for _, id := range []string{"..", "a/b", `a\b`, "../etc"} {
		if _, err := m.Get(id); !errors.Is(err, ErrInvalidID) {
			t.Errorf("Get(%q) err = %v, want ErrInvalidID", id, err)
		}
		if _, err := m.Save(&Script{ID: id}); err == nil {
			t.Errorf("Save(%q) succeeded", id)
		}
		if err := m.Delete(id); !errors.Is(err, ErrInvalidID) {
			t.Errorf("Delete(%q) err = %v, want ErrInvalidID", id, err)
		}
	}
}

func TestSerializeScriptRoundTrip(t *testing.T) {
	s := &Script{
		Meta: ScriptMeta{
			Name:        "Test",
			Description: "desc",
			Enabled:     true,
		},
		LuaCode: `zcl.log("hi")`,
	}

	content, err := serializeScript(s)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(content), "--[[\nname: Test\n") {
		t.Errorf("content = %q", content)
	}

	got, err := parseScript(string(content))
	if err != nil {
		t.Fatal(err)
	}
	if got.Meta != s.Meta {
		t.Errorf("meta = %+v, want %+v", got.Meta, s.Meta)
	}
	if got.LuaCode != "zcl.log(\"hi\")\n" {
		t.Errorf("lua_code = %q", got.LuaCode)
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"Bathroom Light", "bathroom_light"},
		{"hello world!", "hello_world"},
		{"", ""},
		{"  spaces  ", "spaces"},
		{"UPPER", "upper"},
	}
	for _, tt := range tests {
		got := slugify(tt.input)
		if got != tt.want {
			t.Errorf("slugify(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

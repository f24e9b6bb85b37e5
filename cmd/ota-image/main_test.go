package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"zigbee-zcl/internal/zcl/ota"
)

func executeCommand(args ...string) (string, error) {
	buf := new(bytes.Buffer)
	root := newRootCmd()
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

// buildFixture writes a payload and builds an upgrade file from it.
func buildFixture(t *testing.T, extra ...string) string {
	t.Helper()
	dir := t.TempDir()
	payload := filepath.Join(dir, "fw.bin")
	if err := os.WriteFile(payload, bytes.Repeat([]byte{0xA5}, 100), 0o644); err != nil {
		t.Fatal(err)
	}
	out := filepath.Join(dir, "fw.ota")
	args := append([]string{"build", "--manufacturer", "0x1037", "--type", "0x0102",
		"--version", "0x00000203", "--header-string", "test image", "-o", out}, extra...)
	args = append(args, payload)
	if msg, err := executeCommand(args...); err != nil {
		t.Fatalf("build: %v: %s", err, msg)
	}
	return out
}

func TestBuildWritesValidImage(t *testing.T) {
	path := buildFixture(t)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	h, elements, err := ota.ParseImage(data)
	if err != nil {
		t.Fatal(err)
	}
	if h.Manufacturer != 0x1037 || h.ImageType != 0x0102 || h.FileVersion != 0x203 {
		t.Errorf("header = %+v", h)
	}
	if h.StackVersion != ota.StackZigBeePro || h.HeaderString != "test image" {
		t.Errorf("stack/header string = %d %q", h.StackVersion, h.HeaderString)
	}
	if h.Destination != nil || h.Hardware != nil {
		t.Errorf("optional fields set: %+v", h)
	}
	if len(elements) != 1 || elements[0].Tag != ota.TagUpgradeImage || len(elements[0].Data) != 100 {
		t.Errorf("elements = %+v", elements)
	}
}

func TestBuildOptionalFields(t *testing.T) {
	path := buildFixture(t, "--destination", "00158D00012A3B4C", "--hw-min", "1", "--hw-max", "3")
	data, _ := os.ReadFile(path)
	h, _, err := ota.ParseImage(data)
	if err != nil {
		t.Fatal(err)
	}
	if h.Destination == nil || h.Destination.String() != "00158D00012A3B4C" {
		t.Errorf("destination = %v", h.Destination)
	}
	if h.Hardware == nil || h.Hardware.Min != 1 || h.Hardware.Max != 3 {
		t.Errorf("hardware = %+v", h.Hardware)
	}
}

func TestBuildErrors(t *testing.T) {
	dir := t.TempDir()
	payload := filepath.Join(dir, "fw.bin")
	os.WriteFile(payload, []byte{1}, 0o644)
	out := filepath.Join(dir, "x.ota")

	tests := []struct {
		name string
		args []string
	}{
		{"missing flags", []string{"build", "-o", out, payload}},
		{"long header string", []string{"build", "--manufacturer", "1", "--type", "1", "--version", "1",
			"--header-string", strings.Repeat("x", 33), "-o", out, payload}},
		{"bad destination", []string{"build", "--manufacturer", "1", "--type", "1", "--version", "1",
			"--destination", "nope", "-o", out, payload}},
		{"empty hw range", []string{"build", "--manufacturer", "1", "--type", "1", "--version", "1",
			"--hw-min", "5", "--hw-max", "2", "-o", out, payload}},
		{"missing payload", []string{"build", "--manufacturer", "1", "--type", "1", "--version", "1",
			"-o", out, filepath.Join(dir, "none.bin")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := executeCommand(tt.args...); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestInspectFormats(t *testing.T) {
	path := buildFixture(t)

	out, err := executeCommand("inspect", path)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"0x1037", "0x00000203", "test image", "upgrade image"} {
		if !strings.Contains(out, want) {
			t.Errorf("text output missing %q:\n%s", want, out)
		}
	}

	out, err = executeCommand("inspect", "-o", "json", path)
	if err != nil {
		t.Fatal(err)
	}
	var jv imageView
	if err := json.Unmarshal([]byte(out), &jv); err != nil {
		t.Fatalf("json: %v\n%s", err, out)
	}
	if jv.ImageType != "0x0102" || len(jv.Elements) != 1 || jv.Elements[0].Size != 100 {
		t.Errorf("json view = %+v", jv)
	}

	out, err = executeCommand("inspect", "-o", "yaml", path)
	if err != nil {
		t.Fatal(err)
	}
	var yv imageView
	if err := yaml.Unmarshal([]byte(out), &yv); err != nil {
		t.Fatalf("yaml: %v\n%s", err, out)
	}
	if yv.FileVersion != "0x00000203" {
		t.Errorf("yaml view = %+v", yv)
	}

	if _, err := executeCommand("inspect", "-o", "xml", path); err == nil {
		t.Error("unknown format accepted")
	}
}

func TestInspectRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.ota")
	os.WriteFile(path, []byte("definitely not an ota file, but long enough to parse a header from it"), 0o644)
	if _, err := executeCommand("inspect", path); err == nil {
		t.Error("garbage accepted")
	}
}

func TestUpload(t *testing.T) {
	path := buildFixture(t)
	want, _ := os.ReadFile(path)

	var gotKey string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/ota/images" {
			http.NotFound(w, r)
			return
		}
		gotKey = r.Header.Get("X-API-Key")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"key":"1037-0102-00000203"}`))
	}))
	defer srv.Close()

	out, err := executeCommand("upload", "--server", srv.URL+"/", "--api-key", "k1", path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "1037-0102-00000203") {
		t.Errorf("output = %q", out)
	}
	if gotKey != "k1" {
		t.Errorf("api key = %q", gotKey)
	}
	if !bytes.Equal(gotBody, want) {
		t.Errorf("body differs from file (%d vs %d bytes)", len(gotBody), len(want))
	}
}

func TestUploadServerError(t *testing.T) {
	path := buildFixture(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"bad key"}`))
	}))
	defer srv.Close()

	_, err := executeCommand("upload", "--server", srv.URL, path)
	if err == nil || !strings.Contains(err.Error(), "bad key") {
		t.Errorf("err = %v", err)
	}
}

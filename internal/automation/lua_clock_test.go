//go:build !no_automation

package automation

import (
	"log/slog"
	"os"
	"testing"
	"time"

	lua "github.com/yuin/gopher-lua"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fixClock pins clock.now to t for the rest of the test.
func fixClock(t *testing.T, at time.Time) {
	t.Helper()
	prev := clockNow
	clockNow = func() time.Time { return at }
	t.Cleanup(func() { clockNow = prev })
}

func TestClockNow(t *testing.T) {
	fixClock(t, time.Date(2026, time.March, 7, 22, 15, 30, 0, time.Local))
	L := lua.NewState()
	defer L.Close()
	registerClockModule(L)

	if err := L.DoString(`_t = clock.now()`); err != nil {
		t.Fatal(err)
	}
	tbl, ok := L.GetGlobal("_t").(*lua.LTable)
	if !ok {
		t.Fatalf("clock.now() = %v", L.GetGlobal("_t"))
	}
	want := map[string]int{"year": 2026, "month": 3, "day": 7, "hour": 22, "minute": 15, "second": 30, "weekday": 6}
	for k, v := range want {
		if got, ok := tbl.RawGetString(k).(lua.LNumber); !ok || int(got) != v {
			t.Errorf("clock.now().%s = %v, want %d", k, tbl.RawGetString(k), v)
		}
	}
}

func TestClockBetween(t *testing.T) {
	tests := []struct {
		at       string
		from, to string
		want     bool
	}{
		{"08:30", `8`, `22`, true},
		{"22:00", `8`, `22`, false},
		{"23:10", `"22:30"`, `"06:00"`, true},
		{"05:59", `"22:30"`, `"06:00"`, true},
		{"12:00", `"22:30"`, `"06:00"`, false},
		{"12:00", `0`, `0`, false},
	}
	for _, tt := range tests {
		t.Run(tt.at+"/"+tt.from+"-"+tt.to, func(t *testing.T) {
			at, _ := time.Parse("15:04", tt.at)
			fixClock(t, at)
			L := lua.NewState()
			defer L.Close()
			registerClockModule(L)
			if err := L.DoString("_r = clock.between(" + tt.from + ", " + tt.to + ")"); err != nil {
				t.Fatal(err)
			}
			if got := L.GetGlobal("_r") == lua.LTrue; got != tt.want {
				t.Errorf("between = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClockBetweenBadBound(t *testing.T) {
	L := lua.NewState()
	defer L.Close()
	registerClockModule(L)
	for _, code := range []string{`clock.between("8am", 10)`, `clock.between({}, 10)`} {
		if err := L.DoString(code); err == nil {
			t.Errorf("%s: expected error", code)
		}
	}
}

package session

import (
	"testing"
	"time"

	"github.com/kapu/banchess-server/internal/oracle"
)

func TestParseTimeControl(t *testing.T) {
	cases := []struct {
		in      string
		want    TimeControl
		wantErr bool
	}{
		{"300+5", TimeControl{InitialMs: 300000, IncrementMs: 5000}, false},
		{"60", TimeControl{InitialMs: 60000}, false},
		{" 180+0 ", TimeControl{InitialMs: 180000}, false},
		{"", TimeControl{}, false},
		{"none", TimeControl{}, false},
		{"0+5", TimeControl{}, true},
		{"-10+5", TimeControl{}, true},
		{"abc", TimeControl{}, true},
		{"300+-1", TimeControl{}, true},
	}
	for _, tc := range cases {
		got, err := ParseTimeControl(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseTimeControl(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseTimeControl(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseTimeControl(%q) = %+v, want %+v", tc.in, got, tc.want)
		}
	}
}

func TestTimeControlString(t *testing.T) {
	if s := (TimeControl{InitialMs: 300000, IncrementMs: 5000}).String(); s != "300+5" {
		t.Fatalf("String() = %q", s)
	}
	if s := (TimeControl{}).String(); s != "" {
		t.Fatalf("untimed String() = %q", s)
	}
}

func TestClockRemainingRecomputes(t *testing.T) {
	t0 := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	clk := Clock{WhiteMs: 60000, BlackMs: 60000, ActiveSide: oracle.White, LastUpdate: t0}

	w, b := clk.Remaining(t0.Add(2 * time.Second))
	if w != 58000 || b != 60000 {
		t.Fatalf("Remaining = %d/%d", w, b)
	}
	// reads never mutate the snapshot
	if clk.WhiteMs != 60000 {
		t.Fatalf("snapshot mutated: %d", clk.WhiteMs)
	}
	// clamped at zero
	if w, _ := clk.Remaining(t0.Add(5 * time.Minute)); w != 0 {
		t.Fatalf("expected clamp at zero, got %d", w)
	}
	// paused snapshots do not tick
	clk.Paused = true
	if w, _ := clk.Remaining(t0.Add(time.Hour)); w != 60000 {
		t.Fatalf("paused clock ticked: %d", w)
	}
}

func TestPlayerSide(t *testing.T) {
	sess := &Session{WhiteID: "alice", BlackID: "bob"}
	if side, ok := sess.PlayerSide("alice"); !ok || side != oracle.White {
		t.Fatalf("alice: %s %v", side, ok)
	}
	if side, ok := sess.PlayerSide("bob"); !ok || side != oracle.Black {
		t.Fatalf("bob: %s %v", side, ok)
	}
	if _, ok := sess.PlayerSide("mallory"); ok {
		t.Fatalf("stranger accepted")
	}
	if _, ok := sess.PlayerSide(""); ok {
		t.Fatalf("empty id accepted")
	}

	solo := &Session{WhiteID: "alice", BlackID: "alice"}
	if !solo.Solo() {
		t.Fatalf("expected solo")
	}
	if side, ok := solo.PlayerSide("alice"); !ok || side != "" {
		t.Fatalf("solo member: %s %v", side, ok)
	}
}

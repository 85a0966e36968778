package banchess

import (
	"errors"
	"strings"
	"testing"

	"github.com/kapu/banchess-server/internal/oracle"
)

func TestOpeningSequence(t *testing.T) {
	o := New()
	pos := o.Initial()

	side, phase, err := o.SideToAct(pos)
	if err != nil {
		t.Fatalf("SideToAct: %v", err)
	}
	if side != oracle.Black || phase != oracle.PhaseBan {
		t.Fatalf("expected black to open with a ban, got %s/%s", side, phase)
	}

	// black bans e2e4; white may play anything else
	pos, err = o.Apply(pos, "b:e2e4")
	if err != nil {
		t.Fatalf("Apply ban: %v", err)
	}
	side, phase, err = o.SideToAct(pos)
	if err != nil {
		t.Fatalf("SideToAct after ban: %v", err)
	}
	if side != oracle.White || phase != oracle.PhaseMove {
		t.Fatalf("expected white to move, got %s/%s", side, phase)
	}

	if _, err := o.Apply(pos, "m:e2e4"); !errors.Is(err, oracle.ErrIllegalAction) {
		t.Fatalf("banned move accepted: %v", err)
	}
	pos, err = o.Apply(pos, "m:d2d4")
	if err != nil {
		t.Fatalf("Apply move: %v", err)
	}

	// white bans next, so the actor sequence runs B, W, W, B, ...
	side, phase, err = o.SideToAct(pos)
	if err != nil {
		t.Fatalf("SideToAct after move: %v", err)
	}
	if side != oracle.White || phase != oracle.PhaseBan {
		t.Fatalf("expected white to ban, got %s/%s", side, phase)
	}
}

func TestApplyRejections(t *testing.T) {
	o := New()
	pos := o.Initial()

	cases := []struct {
		name   string
		action string
	}{
		{"unparseable", "x:e2e4"},
		{"wrong phase", "m:e2e4"},
		{"not a legal move", "b:e2e5"},
		{"garbage uci", "b:zzzz"},
	}
	for _, tc := range cases {
		if _, err := o.Apply(pos, tc.action); !errors.Is(err, oracle.ErrIllegalAction) {
			t.Errorf("%s: expected illegal-action error, got %v", tc.name, err)
		}
	}

	// a second ban in the same turn is rejected
	banned, err := o.Apply(pos, "b:e2e4")
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if _, err := o.Apply(banned, "b:d2d4"); !errors.Is(err, oracle.ErrIllegalAction) {
		t.Fatalf("double ban accepted: %v", err)
	}
}

func TestBanOnlyRestrictsDoesNotMutateBoard(t *testing.T) {
	o := New()
	pos, err := o.Apply(o.Initial(), "b:g1f3")
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	fen, _, banned, err := decode(pos)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if fen != startFEN {
		t.Fatalf("ban changed the board: %s", fen)
	}
	if banned != "g1f3" {
		t.Fatalf("banned = %q", banned)
	}
}

func TestBanmate(t *testing.T) {
	o := New()
	// black king a8 in check from the b7 pawn; Kb8 is the only legal move
	pos := encode("k7/1P6/1K6/8/8/8/8/8 b - - 0 1", oracle.PhaseBan, noBan)

	side, phase, err := o.SideToAct(pos)
	if err != nil {
		t.Fatalf("SideToAct: %v", err)
	}
	if side != oracle.White || phase != oracle.PhaseBan {
		t.Fatalf("expected white to ban, got %s/%s", side, phase)
	}

	pos, err = o.Apply(pos, "b:a8b8")
	if err != nil {
		t.Fatalf("Apply ban: %v", err)
	}
	done, reason, winner := o.Terminal(pos)
	if !done || reason != "banmate" || winner != oracle.White {
		t.Fatalf("expected white banmate, got done=%v reason=%q winner=%q", done, reason, winner)
	}
}

func TestCheckmateDetection(t *testing.T) {
	o := New()
	// fool's mate: the final move ends the game regardless of the pending ban
	actions := []string{
		"b:e2e4", "m:f2f3",
		"b:d7d5", "m:e7e5",
		"b:d2d4", "m:g2g4",
		"b:a7a6", "m:d8h4",
	}
	pos, err := o.Replay(actions)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	done, reason, winner := o.Terminal(pos)
	if !done || reason != "checkmate" || winner != oracle.Black {
		t.Fatalf("expected black checkmate, got done=%v reason=%q winner=%q", done, reason, winner)
	}
}

func TestReplayDeterministic(t *testing.T) {
	o := New()
	actions := []string{"b:e2e4", "m:d2d4", "b:e7e5", "m:d7d5"}

	want := o.Initial()
	for _, a := range actions {
		next, err := o.Apply(want, a)
		if err != nil {
			t.Fatalf("Apply %q: %v", a, err)
		}
		want = next
	}
	for i := 0; i < 3; i++ {
		got, err := o.Replay(actions)
		if err != nil {
			t.Fatalf("Replay: %v", err)
		}
		if got != want {
			t.Fatalf("replay diverged: got %q want %q", got, want)
		}
	}

	if _, err := o.Replay([]string{"b:e2e4", "m:e2e4"}); err == nil {
		t.Fatalf("expected replay of an illegal log to fail")
	} else if !strings.Contains(err.Error(), "ply 1") {
		t.Fatalf("error should name the failing ply: %v", err)
	}
}

func TestEncodingRoundTrip(t *testing.T) {
	o := New()
	fen, phase, banned, err := decode(o.Initial())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if fen != startFEN || phase != oracle.PhaseBan || banned != noBan {
		t.Fatalf("unexpected initial decode: %s %s %s", fen, phase, banned)
	}
	if _, _, _, err := decode("not-an-encoding"); err == nil {
		t.Fatalf("expected malformed encoding error")
	}
}

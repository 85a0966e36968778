package oracle

import "strings"

// Side identifies a seat in a session.
type Side string

const (
	White Side = "white"
	Black Side = "black"
)

func (s Side) Opponent() Side {
	if s == White {
		return Black
	}
	return White
}

// Phase is the sub-move expected next: every turn is a ban followed by a move.
type Phase string

const (
	PhaseBan  Phase = "ban"
	PhaseMove Phase = "move"
)

// Oracle is the rules boundary. Implementations must be pure: no I/O, and
// Replay over the same action list always yields the same encoding. The
// coordinator never inspects position encodings, it only passes them around.
type Oracle interface {
	// Initial returns the empty-position encoding.
	Initial() string
	// Apply validates action against position and returns the next encoding.
	// A rejection is reported as an error wrapping ErrIllegalAction.
	Apply(position, action string) (string, error)
	// SideToAct reports whose action is expected next and in which sub-phase.
	SideToAct(position string) (Side, Phase, error)
	// Terminal reports whether the position ends the game, with a reason code
	// and the winning side (empty for draws).
	Terminal(position string) (bool, string, Side)
	// Replay folds an ordered action list from the initial position.
	Replay(actions []string) (string, error)
}

// ErrIllegalAction is the sentinel wrapped by Apply rejections so callers can
// distinguish "oracle said no" from infrastructure failures.
var ErrIllegalAction = staticErr("illegal action")

type staticErr string

func (e staticErr) Error() string { return string(e) }

// Action serialization: "b:<uci>" bans an opponent move, "m:<uci>" plays one.
const (
	actionBanPrefix  = "b:"
	actionMovePrefix = "m:"
)

// EncodeAction serializes a sub-move for the action log.
func EncodeAction(phase Phase, uci string) string {
	if phase == PhaseBan {
		return actionBanPrefix + strings.TrimSpace(uci)
	}
	return actionMovePrefix + strings.TrimSpace(uci)
}

// DecodeAction splits a serialized action into its phase and UCI payload.
func DecodeAction(action string) (Phase, string, bool) {
	action = strings.TrimSpace(action)
	switch {
	case strings.HasPrefix(action, actionBanPrefix):
		return PhaseBan, action[len(actionBanPrefix):], true
	case strings.HasPrefix(action, actionMovePrefix):
		return PhaseMove, action[len(actionMovePrefix):], true
	}
	return "", "", false
}

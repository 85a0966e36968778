package game

import "errors"

// Action-level error taxonomy. These surface synchronously to the acting
// client only and never mutate the session.
var (
	ErrInvalidAction    = staticErr("invalid action")
	ErrSessionNotFound  = staticErr("session not found")
	ErrNotYourTurn      = staticErr("not your turn")
	ErrSessionCompleted = staticErr("session already completed")
	// ErrConflict reports that a concurrent mutation won the race for this
	// ply; the losing call left no partial state behind.
	ErrConflict = staticErr("concurrent update detected")
)

type staticErr string

func (e staticErr) Error() string { return string(e) }

// Kind maps a returned error to its wire-level kind string.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidAction):
		return "InvalidAction"
	case errors.Is(err, ErrSessionNotFound):
		return "SessionNotFound"
	case errors.Is(err, ErrNotYourTurn):
		return "NotYourTurn"
	case errors.Is(err, ErrSessionCompleted):
		return "SessionCompleted"
	case errors.Is(err, ErrConflict):
		return "Conflict"
	}
	return "Internal"
}

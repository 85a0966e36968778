// Package banchess implements the rules-oracle boundary for the ban-chess
// variant: before every move, the opponent bans one legal move of the side to
// move. Black bans first, then white moves, white bans, black moves, and so
// on. The coordinator only sees opaque position encodings and serialized
// actions; all chess knowledge stays behind this package.
package banchess

import (
	"fmt"
	"strings"

	nchess "github.com/corentings/chess/v2"

	"github.com/kapu/banchess-server/internal/oracle"
)

const (
	startFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"
	noBan    = "-"
)

// Oracle is stateless; every call reconstructs from the encoding.
type Oracle struct{}

func New() *Oracle { return &Oracle{} }

var _ oracle.Oracle = (*Oracle)(nil)

// Initial returns the empty-position encoding: start position, ban phase,
// nothing banned yet (so black opens by banning a white move).
func (o *Oracle) Initial() string {
	return encode(startFEN, oracle.PhaseBan, noBan)
}

// encode joins fen, phase and the pending ban. FEN never contains ';'.
func encode(fen string, phase oracle.Phase, banned string) string {
	return fmt.Sprintf("%s;%s;%s", fen, phase, banned)
}

func decode(position string) (fen string, phase oracle.Phase, banned string, err error) {
	parts := strings.Split(position, ";")
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("malformed position encoding")
	}
	phase = oracle.Phase(parts[1])
	if phase != oracle.PhaseBan && phase != oracle.PhaseMove {
		return "", "", "", fmt.Errorf("malformed position phase %q", parts[1])
	}
	return parts[0], phase, parts[2], nil
}

func gameFrom(fen string) (*nchess.Game, error) {
	opt, err := nchess.FEN(fen)
	if err != nil {
		return nil, fmt.Errorf("decode fen: %w", err)
	}
	return nchess.NewGame(opt), nil
}

// SideToAct derives the actor from the underlying side to move and the
// sub-phase: in the ban phase the opponent of the mover acts.
func (o *Oracle) SideToAct(position string) (oracle.Side, oracle.Phase, error) {
	fen, phase, _, err := decode(position)
	if err != nil {
		return "", "", err
	}
	game, err := gameFrom(fen)
	if err != nil {
		return "", "", err
	}
	mover := sideOf(game.Position().Turn())
	if phase == oracle.PhaseBan {
		return mover.Opponent(), phase, nil
	}
	return mover, phase, nil
}

// Apply validates one serialized action and returns the next encoding.
// Rejections wrap oracle.ErrIllegalAction.
func (o *Oracle) Apply(position, action string) (string, error) {
	fen, phase, banned, err := decode(position)
	if err != nil {
		return "", err
	}
	actPhase, uci, ok := oracle.DecodeAction(action)
	if !ok {
		return "", fmt.Errorf("%w: unparseable action %q", oracle.ErrIllegalAction, action)
	}
	if actPhase != phase {
		return "", fmt.Errorf("%w: expected %s sub-move", oracle.ErrIllegalAction, phase)
	}
	game, err := gameFrom(fen)
	if err != nil {
		return "", err
	}
	pos := game.Position()
	uci = strings.ToLower(strings.TrimSpace(uci))

	notation := nchess.UCINotation{}
	mv, derr := notation.Decode(pos, uci)
	if derr != nil || !isValidMove(game, uci) {
		return "", fmt.Errorf("%w: %q is not a legal move here", oracle.ErrIllegalAction, uci)
	}

	if phase == oracle.PhaseBan {
		// A ban restricts the side to move; the board itself is untouched.
		if banned != noBan {
			return "", fmt.Errorf("%w: a move is already banned", oracle.ErrIllegalAction)
		}
		return encode(fen, oracle.PhaseMove, uci), nil
	}

	if banned != noBan && uci == banned {
		return "", fmt.Errorf("%w: %q is banned this turn", oracle.ErrIllegalAction, uci)
	}
	game.Move(mv, nil)
	return encode(game.FEN(), oracle.PhaseBan, noBan), nil
}

// Terminal reports game end. Besides the usual checkmate/stalemate/draw, a
// ban that removes the mover's last legal move ends the game in the banning
// side's favour ("banmate").
func (o *Oracle) Terminal(position string) (bool, string, oracle.Side) {
	fen, phase, banned, err := decode(position)
	if err != nil {
		return false, "", ""
	}
	game, err := gameFrom(fen)
	if err != nil {
		return false, "", ""
	}
	switch game.Outcome() {
	case nchess.WhiteWon:
		return true, reasonOf(game), oracle.White
	case nchess.BlackWon:
		return true, reasonOf(game), oracle.Black
	case nchess.Draw:
		return true, reasonOf(game), ""
	}
	if phase == oracle.PhaseMove && banned != noBan {
		mover := sideOf(game.Position().Turn())
		if remainingMoves(game, banned) == 0 {
			return true, "banmate", mover.Opponent()
		}
	}
	return false, "", ""
}

// Replay folds an action list from the initial position. Pure: the same list
// always yields the same encoding.
func (o *Oracle) Replay(actions []string) (string, error) {
	position := o.Initial()
	for i, a := range actions {
		next, err := o.Apply(position, a)
		if err != nil {
			return "", fmt.Errorf("replay ply %d: %w", i, err)
		}
		position = next
	}
	return position, nil
}

func isValidMove(game *nchess.Game, uci string) bool {
	for _, mv := range game.ValidMoves() {
		if mv.String() == uci {
			return true
		}
	}
	return false
}

func remainingMoves(game *nchess.Game, banned string) int {
	n := 0
	for _, mv := range game.ValidMoves() {
		if mv.String() != banned {
			n++
		}
	}
	return n
}

func sideOf(c nchess.Color) oracle.Side {
	if c == nchess.White {
		return oracle.White
	}
	return oracle.Black
}

func reasonOf(game *nchess.Game) string {
	switch game.Method() {
	case nchess.Checkmate:
		return "checkmate"
	case nchess.Stalemate:
		return "stalemate"
	default:
		return "draw"
	}
}

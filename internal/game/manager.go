// Package game is the single authority for applying actions to sessions.
// Legality and position advancement are delegated to the rules oracle; this
// package owns turn validation, the transactional log append, the clock
// switch, terminal detection and the one-time persistence handoff.
package game

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kapu/banchess-server/internal/clock"
	"github.com/kapu/banchess-server/internal/obslog"
	"github.com/kapu/banchess-server/internal/oracle"
	"github.com/kapu/banchess-server/internal/session"
)

// Persister receives completed sessions exactly once. Implementations retry
// internally; a failed handoff must leave the ephemeral record in place.
type Persister interface {
	Handoff(ctx context.Context, sessionID string) error
}

// TerminalFunc is notified after a session completes server-side (timeout),
// so the transport can broadcast without polling.
type TerminalFunc func(sess *session.Session, clk session.Clock)

type Manager struct {
	store     *session.Store
	orc       oracle.Oracle
	clocks    *clock.Scheduler
	persister Persister
	now       func() time.Time

	onTerminal TerminalFunc
}

type Option func(*Manager)

func WithNow(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(store *session.Store, orc oracle.Oracle, clocks *clock.Scheduler, opts ...Option) *Manager {
	m := &Manager{store: store, orc: orc, clocks: clocks, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AttachPersister wires the durable handoff sink.
func (m *Manager) AttachPersister(p Persister) {
	if m != nil {
		m.persister = p
	}
}

// SetTerminalFunc wires the server-side completion broadcast hook.
func (m *Manager) SetTerminalFunc(fn TerminalFunc) { m.onTerminal = fn }

// Create starts a session once both side identifiers are known. Equal ids
// denote a solo/practice session. The countdown starts immediately for timed
// sessions, anchored on the first actor.
func (m *Manager) Create(ctx context.Context, whiteID, blackID string, tc session.TimeControl) (*session.Session, error) {
	if whiteID == "" || blackID == "" {
		return nil, fmt.Errorf("both side identifiers are required")
	}
	position := m.orc.Initial()
	firstActor, _, err := m.orc.SideToAct(position)
	if err != nil {
		return nil, err
	}
	now := m.now()
	sess := &session.Session{
		ID:          uuid.NewString(),
		WhiteID:     whiteID,
		BlackID:     blackID,
		Position:    position,
		Status:      session.StatusActive,
		TimeControl: tc,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	clk := session.Clock{
		WhiteMs:    tc.InitialMs,
		BlackMs:    tc.InitialMs,
		ActiveSide: firstActor,
		LastUpdate: now,
	}
	if err := m.store.Create(ctx, sess, clk); err != nil {
		return nil, err
	}
	if tc.Timed() {
		m.clocks.Arm(sess.ID, clk)
	}
	obslog.L().Info("session_create",
		zap.String("session_id", sess.ID),
		zap.String("white_id", whiteID),
		zap.String("black_id", blackID),
		zap.Bool("solo", sess.Solo()),
		zap.String("time_control", tc.String()),
	)
	return sess, nil
}

// ApplyResult is the committed outcome of one action. Action is empty when
// the session completed without the submitted action being applied (the
// actor's clock had already run out).
type ApplyResult struct {
	Session *session.Session
	Clock   session.Clock
	Action  string
	Elapsed int64
}

// ApplyAction validates, applies and commits a single action. All side
// effects (log append, position update, clock switch, possible completion)
// commit together or not at all; a losing concurrent call gets ErrConflict
// and mutates nothing.
func (m *Manager) ApplyAction(ctx context.Context, sessionID, playerID, action string) (*ApplyResult, error) {
	var out ApplyResult
	err := m.store.Mutate(ctx, sessionID, func(cur *session.Session, clk *session.Clock) (*session.Mutation, error) {
		if cur.Completed() {
			return nil, ErrSessionCompleted
		}
		actorSide, _, err := m.orc.SideToAct(cur.Position)
		if err != nil {
			return nil, err
		}
		seat, member := cur.PlayerSide(playerID)
		if !member {
			return nil, ErrNotYourTurn
		}
		if !cur.Solo() && seat != actorSide {
			return nil, ErrNotYourTurn
		}

		now := m.now()
		if cur.TimeControl.Timed() && clk.RemainingFor(actorSide, now) <= 0 {
			// the authoritative clock read concludes timeout; the submitted
			// action is not applied
			completeTimeout(cur, clk, actorSide, now)
			out = ApplyResult{Session: cur, Clock: *clk}
			return &session.Mutation{Session: cur, Clock: clk, Deactivate: true}, nil
		}

		next, err := m.orc.Apply(cur.Position, action)
		if err != nil {
			if errors.Is(err, oracle.ErrIllegalAction) {
				return nil, fmt.Errorf("%w: %v", ErrInvalidAction, err)
			}
			return nil, err
		}
		nextActor, _, err := m.orc.SideToAct(next)
		if err != nil {
			return nil, err
		}

		// no increment on a side's first action: black's first is ply 0,
		// white's is ply 1, every action from ply 2 on is a repeat actor
		inc := int64(0)
		if cur.TimeControl.Timed() && cur.Ply >= 2 {
			inc = cur.TimeControl.IncrementMs
		}
		newClk, elapsed := m.clocks.SwitchActive(*clk, nextActor, inc)

		cur.Position = next
		cur.Ply++
		cur.UpdatedAt = now
		done, reason, winner := m.orc.Terminal(next)
		if done {
			cur.Status = session.StatusCompleted
			cur.Outcome = outcomeOf(winner)
			cur.Reason = reason
			newClk.Paused = true
		}
		out = ApplyResult{Session: cur, Clock: newClk, Action: action, Elapsed: elapsed}
		return &session.Mutation{
			Session:         cur,
			AppendAction:    action,
			AppendElapsedMs: elapsed,
			Clock:           &newClk,
			Deactivate:      done,
		}, nil
	})
	if err != nil {
		return nil, mapStoreErr(err)
	}

	sess := out.Session
	obslog.L().Info("action_apply",
		zap.String("session_id", sess.ID),
		zap.String("player_id", playerID),
		zap.Int("ply", sess.Ply),
		zap.String("action", out.Action),
		zap.Int64("elapsed_ms", out.Elapsed),
		zap.String("status", string(sess.Status)),
	)
	if sess.Completed() {
		m.finish(sess, out.Clock)
	} else if sess.TimeControl.Timed() {
		m.clocks.Arm(sess.ID, out.Clock)
	}
	return &out, nil
}

// Resign completes the session in the opponent's favour. Races against
// timeout resolve to whichever transition commits first; the loser sees
// ErrSessionCompleted and no second completion occurs.
func (m *Manager) Resign(ctx context.Context, sessionID, playerID string) (*ApplyResult, error) {
	var out ApplyResult
	err := m.store.Mutate(ctx, sessionID, func(cur *session.Session, clk *session.Clock) (*session.Mutation, error) {
		if cur.Completed() {
			return nil, ErrSessionCompleted
		}
		seat, member := cur.PlayerSide(playerID)
		if !member {
			return nil, ErrNotYourTurn
		}
		now := m.now()
		clk.WhiteMs, clk.BlackMs = clk.Remaining(now)
		clk.Paused = true
		clk.LastUpdate = now
		cur.Status = session.StatusCompleted
		cur.Reason = session.ReasonResignation
		if cur.Solo() {
			cur.Outcome = "none"
		} else {
			cur.Outcome = outcomeOf(seat.Opponent())
		}
		cur.UpdatedAt = now
		out = ApplyResult{Session: cur, Clock: *clk}
		return &session.Mutation{Session: cur, Clock: clk, Deactivate: true}, nil
	})
	if err != nil {
		return nil, mapStoreErr(err)
	}
	obslog.L().Info("session_resign",
		zap.String("session_id", out.Session.ID),
		zap.String("player_id", playerID),
		zap.String("outcome", out.Session.Outcome),
	)
	m.finish(out.Session, out.Clock)
	return &out, nil
}

// HandleTimeout is the scheduler's timeout sink. It re-verifies everything
// from persisted state, so a dangling deadline that lost a race with
// completion is a detectable no-op, never a second terminal transition.
func (m *Manager) HandleTimeout(sessionID string, side oracle.Side) {
	ctx := context.Background()
	var out *ApplyResult
	err := m.store.Mutate(ctx, sessionID, func(cur *session.Session, clk *session.Clock) (*session.Mutation, error) {
		if cur.Completed() {
			if !clk.Paused && !cur.Flagged {
				// a finished session with a still-running clock is a defect:
				// stop the timer and flag the session for inspection
				obslog.L().Error("timer_inconsistency",
					zap.String("session_id", cur.ID),
					zap.String("reason", cur.Reason),
				)
				now := m.now()
				clk.WhiteMs, clk.BlackMs = clk.Remaining(now)
				clk.Paused = true
				clk.LastUpdate = now
				cur.Flagged = true
				return &session.Mutation{Session: cur, Clock: clk, Deactivate: true}, nil
			}
			return nil, nil
		}
		if !cur.TimeControl.Timed() {
			return nil, nil
		}
		now := m.now()
		if clk.Paused || clk.RemainingFor(side, now) > 0 {
			// stale deadline; the real one was re-armed by the last action
			return nil, nil
		}
		completeTimeout(cur, clk, side, now)
		out = &ApplyResult{Session: cur, Clock: *clk}
		return &session.Mutation{Session: cur, Clock: clk, Deactivate: true}, nil
	})
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return
		}
		obslog.L().Warn("timeout_apply_error", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	if out == nil || !out.Session.Completed() || out.Session.Reason != session.ReasonTimeout {
		return
	}
	obslog.L().Info("clock_timeout",
		zap.String("session_id", sessionID),
		zap.String("side", string(side)),
		zap.String("outcome", out.Session.Outcome),
	)
	m.finish(out.Session, out.Clock)
	if m.onTerminal != nil {
		m.onTerminal(out.Session, out.Clock)
	}
}

// ActionsSince returns the serialized actions from ply onward, in append
// order, for gap-fill resyncs.
func (m *Manager) ActionsSince(ctx context.Context, sessionID string, ply int) ([]string, error) {
	actions, err := m.store.Actions(ctx, sessionID, ply)
	if err != nil {
		return nil, err
	}
	return actions, nil
}

// Snapshot reads the ephemeral session and a recomputed clock view.
func (m *Manager) Snapshot(ctx context.Context, sessionID string) (*session.Session, session.Clock, error) {
	sess, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return nil, session.Clock{}, mapStoreErr(err)
	}
	clk, err := m.store.GetClock(ctx, sessionID)
	if err != nil && !errors.Is(err, session.ErrNotFound) {
		return nil, session.Clock{}, err
	}
	return sess, clk, nil
}

// SessionByPlayer resolves a player's current session.
func (m *Manager) SessionByPlayer(ctx context.Context, playerID string) (*session.Session, error) {
	id, err := m.store.SessionIDByPlayer(ctx, playerID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	sess, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return sess, nil
}

// finish stops the deadline and hands the session off for durable storage.
// Only the goroutine that committed the completed transition reaches here,
// so the handoff is invoked exactly once per session.
func (m *Manager) finish(sess *session.Session, clk session.Clock) {
	m.clocks.Stop(sess.ID)
	if m.persister == nil {
		return
	}
	go func() {
		if err := m.persister.Handoff(context.Background(), sess.ID); err != nil {
			obslog.L().Error("handoff_error", zap.String("session_id", sess.ID), zap.Error(err))
		}
	}()
}

func completeTimeout(cur *session.Session, clk *session.Clock, side oracle.Side, now time.Time) {
	clk.WhiteMs, clk.BlackMs = clk.Remaining(now)
	if side == oracle.White {
		clk.WhiteMs = 0
	} else {
		clk.BlackMs = 0
	}
	clk.Paused = true
	clk.LastUpdate = now
	cur.Status = session.StatusCompleted
	cur.Outcome = outcomeOf(side.Opponent())
	cur.Reason = session.ReasonTimeout
	cur.UpdatedAt = now
}

func outcomeOf(winner oracle.Side) string {
	if winner == "" {
		return "draw"
	}
	return string(winner)
}

func mapStoreErr(err error) error {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return ErrSessionNotFound
	case errors.Is(err, session.ErrConflict):
		return ErrConflict
	}
	return err
}

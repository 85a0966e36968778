// Package reconcile is the client half of the sync protocol. A Reconciler
// keeps a local replica of one session: it replays the action log through the
// rules oracle, dedupes redelivered frames on their sequence number, and when
// it detects a gap or divergence asks the server for a gap-fill or a full
// snapshot.
package reconcile

import (
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/kapu/banchess-server/internal/obslog"
	"github.com/kapu/banchess-server/internal/oracle"
	"github.com/kapu/banchess-server/pkg/wire"
)

// seqWindow bounds the dedupe memory. Anything older than highSeq-seqWindow
// is assumed already handled.
const seqWindow = 256

// SendFunc pushes one client → server message over the transport.
type SendFunc func(v any) error

type Reconciler struct {
	orc       oracle.Oracle
	sessionID string
	playerID  string
	send      SendFunc

	mu        sync.Mutex
	actions   []string
	position  string
	completed bool
	outcome   string
	reason    string
	clocks    wire.Clocks
	synced    bool

	highSeq uint64
	seen    map[uint64]struct{}

	onUpdate   func()
	onTerminal func(outcome, reason string)
	onError    func(kind, message string)
}

func New(orc oracle.Oracle, sessionID, playerID string, send SendFunc) *Reconciler {
	return &Reconciler{
		orc:       orc,
		sessionID: sessionID,
		playerID:  playerID,
		send:      send,
		position:  orc.Initial(),
		seen:      make(map[uint64]struct{}),
	}
}

func (r *Reconciler) OnUpdate(fn func()) { r.onUpdate = fn }

func (r *Reconciler) OnTerminal(fn func(outcome, reason string)) { r.onTerminal = fn }

func (r *Reconciler) OnError(fn func(kind, message string)) { r.onError = fn }

// Join announces the replica to the server with the last ply it holds, so a
// reconnect after a short drop costs a gap-fill instead of a full snapshot.
func (r *Reconciler) Join() error {
	r.mu.Lock()
	known := len(r.actions)
	r.synced = false
	r.mu.Unlock()
	return r.send(&wire.Inbound{
		Type:      wire.TypeJoin,
		SessionID: r.sessionID,
		PlayerID:  r.playerID,
		KnownPly:  known,
	})
}

// SubmitBan and SubmitMove send the two sub-move kinds. The local replica is
// not touched; it advances only when the authoritative update comes back.
func (r *Reconciler) SubmitBan(uci string) error {
	return r.submit(oracle.EncodeAction(oracle.PhaseBan, uci))
}

func (r *Reconciler) SubmitMove(uci string) error {
	return r.submit(oracle.EncodeAction(oracle.PhaseMove, uci))
}

func (r *Reconciler) submit(action string) error {
	return r.send(&wire.Inbound{
		Type:      wire.TypeAction,
		SessionID: r.sessionID,
		PlayerID:  r.playerID,
		Action:    action,
	})
}

func (r *Reconciler) Resign() error {
	return r.send(&wire.Inbound{
		Type:      wire.TypeResign,
		SessionID: r.sessionID,
		PlayerID:  r.playerID,
	})
}

// Handle consumes one raw server frame.
func (r *Reconciler) Handle(data []byte) error {
	var head struct {
		Type string `json:"type"`
		Seq  uint64 `json:"seq"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if head.Seq > 0 && !r.admitSeq(head.Seq) {
		obslog.L().Debug("frame_dedup",
			zap.String("session_id", r.sessionID),
			zap.Uint64("seq", head.Seq),
		)
		return nil
	}

	switch head.Type {
	case wire.TypeState:
		var msg wire.State
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}
		return r.applyState(&msg)
	case wire.TypeActionsSince:
		var msg wire.ActionsSince
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}
		return r.applyGapFill(&msg)
	case wire.TypeClockUpdate:
		var msg wire.ClockUpdate
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}
		r.clocks = msg.Clocks
		r.notifyUpdate()
		return nil
	case wire.TypeTerminal:
		var msg wire.Terminal
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}
		r.completed = true
		r.outcome = msg.Outcome
		r.reason = msg.Reason
		if msg.Position != "" {
			r.position = msg.Position
		}
		if r.onTerminal != nil {
			r.onTerminal(msg.Outcome, msg.Reason)
		}
		return nil
	case wire.TypeError:
		var msg wire.Error
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}
		if r.onError != nil {
			r.onError(msg.Kind, msg.Message)
		}
		return nil
	}
	return nil
}

// applyState rebuilds or advances the replica from an authoritative snapshot.
// Caller holds r.mu.
func (r *Reconciler) applyState(msg *wire.State) error {
	switch {
	case msg.History != nil || msg.Ply == 0:
		// full snapshot: rebuild from scratch
		return r.rebuild(msg.History, msg)
	case msg.Ply == len(r.actions):
		// already have this ply; keep clocks fresh
	case msg.Ply == len(r.actions)+1 && msg.LastAction != "":
		next, err := r.orc.Apply(r.position, msg.LastAction)
		if err != nil {
			// local replica diverged from the authority; start over
			obslog.L().Warn("replica_diverged",
				zap.String("session_id", r.sessionID),
				zap.Int("local_ply", len(r.actions)),
				zap.Error(err),
			)
			return r.requestResync()
		}
		r.actions = append(r.actions, msg.LastAction)
		r.position = next
		if msg.Position != "" && msg.Position != r.position {
			obslog.L().Warn("replica_position_mismatch",
				zap.String("session_id", r.sessionID),
				zap.Int("ply", msg.Ply),
			)
			return r.requestResync()
		}
	default:
		// gap or local state ahead of the authority
		return r.requestResync()
	}

	r.finishState(msg)
	return nil
}

// applyGapFill appends the missing suffix of the action log and replays the
// whole log so the resulting position is deterministic. Caller holds r.mu.
func (r *Reconciler) applyGapFill(msg *wire.ActionsSince) error {
	if msg.FromPly > len(r.actions) {
		return r.requestResync()
	}
	if msg.FromPly < len(r.actions) {
		// overlap with what we already hold: trust the authority's suffix
		r.actions = r.actions[:msg.FromPly]
	}
	r.actions = append(r.actions, msg.Actions...)
	pos, err := r.orc.Replay(r.actions)
	if err != nil {
		return r.requestResync()
	}
	r.position = pos
	r.synced = true
	obslog.L().Info("gap_fill_applied",
		zap.String("session_id", r.sessionID),
		zap.Int("from_ply", msg.FromPly),
		zap.Int("actions", len(msg.Actions)),
	)
	r.notifyUpdate()
	return nil
}

func (r *Reconciler) rebuild(history []string, msg *wire.State) error {
	pos, err := r.orc.Replay(history)
	if err != nil {
		return fmt.Errorf("replay authoritative history: %w", err)
	}
	if msg.Position != "" && pos != msg.Position {
		return fmt.Errorf("replay mismatch at ply %d", len(history))
	}
	r.actions = append([]string(nil), history...)
	r.position = pos
	r.finishState(msg)
	return nil
}

func (r *Reconciler) finishState(msg *wire.State) {
	if msg.Clocks != nil {
		r.clocks = *msg.Clocks
	}
	r.completed = msg.Completed
	r.outcome = msg.Outcome
	r.reason = msg.Reason
	r.synced = true
	r.notifyUpdate()
	if msg.Completed && r.onTerminal != nil {
		r.onTerminal(msg.Outcome, msg.Reason)
	}
}

// requestResync discards nothing locally but asks the server for a full
// snapshot, which will overwrite the replica on arrival. Caller holds r.mu.
func (r *Reconciler) requestResync() error {
	r.synced = false
	return r.send(&wire.Inbound{
		Type:      wire.TypeResyncRequest,
		SessionID: r.sessionID,
		PlayerID:  r.playerID,
	})
}

// admitSeq reports whether seq has not been handled yet, recording it if so.
// Seqs are per session and monotonic on the server, but a client only sees a
// subset (targeted replies consume seqs too), so the window tracks individual
// values instead of expecting contiguity. Caller holds r.mu.
func (r *Reconciler) admitSeq(seq uint64) bool {
	if r.highSeq >= seqWindow && seq <= r.highSeq-seqWindow {
		return false
	}
	if _, dup := r.seen[seq]; dup {
		return false
	}
	r.seen[seq] = struct{}{}
	if seq > r.highSeq {
		r.highSeq = seq
		if r.highSeq > seqWindow {
			floor := r.highSeq - seqWindow
			for s := range r.seen {
				if s <= floor {
					delete(r.seen, s)
				}
			}
		}
	}
	return true
}

func (r *Reconciler) notifyUpdate() {
	if r.onUpdate != nil {
		r.onUpdate()
	}
}

// Position returns the replica's current position encoding.
func (r *Reconciler) Position() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.position
}

// Ply returns how many actions the replica has applied.
func (r *Reconciler) Ply() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.actions)
}

// History returns a copy of the replica's action log.
func (r *Reconciler) History() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.actions...)
}

// Clocks returns the latest clock view pushed by the server.
func (r *Reconciler) Clocks() wire.Clocks {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clocks
}

// Completed reports terminal state along with outcome and reason codes.
func (r *Reconciler) Completed() (bool, string, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completed, r.outcome, r.reason
}

// Synced reports whether the replica believes it matches the authority.
func (r *Reconciler) Synced() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.synced
}

// Client glues a Reconciler to the reconnecting transport: frames feed
// Handle, and every (re)connect re-joins with the last known ply.
type Client struct {
	R  *Reconciler
	WS *WS

	onState StateHandler
}

func NewClient(orc oracle.Oracle, wsURL, sessionID, playerID string) *Client {
	ws := NewWS(wsURL, 10)
	r := New(orc, sessionID, playerID, ws.Send)
	c := &Client{R: r, WS: ws}
	ws.OnFrame(func(data []byte) {
		if err := r.Handle(data); err != nil {
			obslog.L().Warn("frame_handle_error", zap.String("session_id", sessionID), zap.Error(err))
		}
	})
	ws.OnState(func(state ConnState) {
		if state == StateConnected {
			if err := r.Join(); err != nil {
				obslog.L().Warn("join_send_error", zap.String("session_id", sessionID), zap.Error(err))
			}
		}
		if c.onState != nil {
			c.onState(state)
		}
	})
	return c
}

// OnState observes transport state changes without displacing the rejoin hook.
func (c *Client) OnState(fn StateHandler) { c.onState = fn }

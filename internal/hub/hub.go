// Package hub is the server side of the sync protocol: it owns the live
// WebSocket connections, fans authoritative updates out per session, and
// answers join/resync requests with either a gap-fill or a full snapshot.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/kapu/banchess-server/internal/game"
	"github.com/kapu/banchess-server/internal/obslog"
	"github.com/kapu/banchess-server/internal/persist"
	"github.com/kapu/banchess-server/internal/session"
	"github.com/kapu/banchess-server/pkg/wire"
)

const writeTimeout = 5 * time.Second

type Hub struct {
	games      *game.Manager
	resolver   *persist.Service
	clockEvery time.Duration

	mu    sync.Mutex
	rooms map[string]*room
}

// room groups the connections attached to one session and owns its outbound
// sequence counter. seq is monotonic per session; clients dedupe on it.
type room struct {
	seq   uint64
	conns map[*conn]struct{}
}

func New(games *game.Manager, resolver *persist.Service, clockEvery time.Duration) *Hub {
	if clockEvery < time.Second {
		// wire contract caps clock updates at one per second
		clockEvery = time.Second
	}
	h := &Hub{
		games:      games,
		resolver:   resolver,
		clockEvery: clockEvery,
		rooms:      make(map[string]*room),
	}
	games.SetTerminalFunc(h.onTerminal)
	return h
}

// Handler upgrades HTTP requests on the ws route.
func (h *Hub) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			CompressionMode: websocket.CompressionNoContextTakeover,
		})
		if err != nil {
			return
		}
		c := newConn(ws)
		go c.writeLoop(r.Context())
		c.readLoop(r.Context(), h)
	})
}

// Run drives the periodic clock-update broadcast until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	t := time.NewTicker(h.clockEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			h.broadcastClocks(ctx)
		}
	}
}

func (h *Hub) dispatch(ctx context.Context, c *conn, msg *wire.Inbound) {
	switch msg.Type {
	case wire.TypeJoin:
		h.handleJoin(ctx, c, msg)
	case wire.TypeAction:
		h.handleAction(ctx, c, msg)
	case wire.TypeResign:
		h.handleResign(ctx, c, msg)
	case wire.TypeResyncRequest:
		h.sendFullState(ctx, c, msg.SessionID)
	default:
		h.sendError(c, msg.SessionID, "", "unknown message type")
	}
}

// handleJoin attaches the connection to the session and reconciles the
// client: a client behind the server gets only the actions it is missing; a
// client that is ahead or unknown gets the full authoritative state.
func (h *Hub) handleJoin(ctx context.Context, c *conn, msg *wire.Inbound) {
	rec, err := h.resolver.Resolve(ctx, msg.SessionID)
	if err != nil {
		if errors.Is(err, persist.ErrNotFound) {
			h.sendError(c, msg.SessionID, game.Kind(game.ErrSessionNotFound), "unknown session")
			return
		}
		h.sendError(c, msg.SessionID, "", "session lookup failed")
		return
	}
	c.sessionID = msg.SessionID
	c.playerID = msg.PlayerID
	h.attach(msg.SessionID, c)

	if msg.KnownPly > 0 && msg.KnownPly < rec.Ply {
		h.sendTo(c, msg.SessionID, func(seq uint64) any {
			return &wire.ActionsSince{
				Type:      wire.TypeActionsSince,
				Seq:       seq,
				SessionID: msg.SessionID,
				FromPly:   msg.KnownPly,
				Actions:   rec.Actions[msg.KnownPly:],
			}
		})
		if !rec.Completed {
			return
		}
		// fall through so a late joiner still learns the outcome
	}
	h.sendTo(c, msg.SessionID, func(seq uint64) any { return stateFromRecord(seq, rec, true) })
}

func (h *Hub) handleAction(ctx context.Context, c *conn, msg *wire.Inbound) {
	res, err := h.games.ApplyAction(ctx, msg.SessionID, msg.PlayerID, msg.Action)
	if err != nil {
		h.sendError(c, msg.SessionID, game.Kind(err), err.Error())
		return
	}
	h.broadcastResult(res)
}

func (h *Hub) handleResign(ctx context.Context, c *conn, msg *wire.Inbound) {
	res, err := h.games.Resign(ctx, msg.SessionID, msg.PlayerID)
	if err != nil {
		h.sendError(c, msg.SessionID, game.Kind(err), err.Error())
		return
	}
	h.broadcastResult(res)
}

// broadcastResult pushes the new authoritative state, then the terminal
// notice when the action ended the game.
func (h *Hub) broadcastResult(res *game.ApplyResult) {
	sess := res.Session
	now := time.Now()
	w, b := res.Clock.Remaining(now)
	h.broadcast(sess.ID, func(seq uint64) any {
		return &wire.State{
			Type:       wire.TypeState,
			Seq:        seq,
			SessionID:  sess.ID,
			Position:   sess.Position,
			Ply:        sess.Ply,
			LastAction: res.Action,
			Clocks:     clocksView(res.Clock, w, b),
			Completed:  sess.Completed(),
			Outcome:    sess.Outcome,
			Reason:     sess.Reason,
		}
	})
	if sess.Completed() {
		h.broadcast(sess.ID, func(seq uint64) any {
			return &wire.Terminal{
				Type:      wire.TypeTerminal,
				Seq:       seq,
				SessionID: sess.ID,
				Outcome:   sess.Outcome,
				Reason:    sess.Reason,
				Position:  sess.Position,
			}
		})
		h.dropRoom(sess.ID)
	}
}

// onTerminal handles server-initiated completions (timeouts): clients did
// not send anything, so the hub has to push.
func (h *Hub) onTerminal(sess *session.Session, clk session.Clock) {
	h.broadcast(sess.ID, func(seq uint64) any {
		return &wire.Terminal{
			Type:      wire.TypeTerminal,
			Seq:       seq,
			SessionID: sess.ID,
			Outcome:   sess.Outcome,
			Reason:    sess.Reason,
			Position:  sess.Position,
		}
	})
	h.dropRoom(sess.ID)
}

func (h *Hub) sendFullState(ctx context.Context, c *conn, sessionID string) {
	rec, err := h.resolver.Resolve(ctx, sessionID)
	if err != nil {
		h.sendError(c, sessionID, game.Kind(game.ErrSessionNotFound), "unknown session")
		return
	}
	h.sendTo(c, sessionID, func(seq uint64) any { return stateFromRecord(seq, rec, true) })
}

func (h *Hub) broadcastClocks(ctx context.Context) {
	h.mu.Lock()
	ids := make([]string, 0, len(h.rooms))
	for id, r := range h.rooms {
		if len(r.conns) > 0 {
			ids = append(ids, id)
		}
	}
	h.mu.Unlock()

	for _, id := range ids {
		sess, clk, err := h.games.Snapshot(ctx, id)
		if err != nil || sess.Completed() || !sess.TimeControl.Timed() || clk.Paused {
			continue
		}
		now := time.Now()
		w, b := clk.Remaining(now)
		h.broadcast(id, func(seq uint64) any {
			return &wire.ClockUpdate{
				Type:      wire.TypeClockUpdate,
				Seq:       seq,
				SessionID: id,
				Clocks:    *clocksView(clk, w, b),
			}
		})
	}
}

func (h *Hub) attach(sessionID string, c *conn) {
	h.mu.Lock()
	r, ok := h.rooms[sessionID]
	if !ok {
		r = &room{conns: make(map[*conn]struct{})}
		h.rooms[sessionID] = r
	}
	r.conns[c] = struct{}{}
	h.mu.Unlock()
}

// dropRoom forgets a completed session's room so h.rooms stays bounded by
// the number of live sessions. Surviving connections detach into nothing; a
// late resync recreates a fresh room from the durable record.
func (h *Hub) dropRoom(sessionID string) {
	h.mu.Lock()
	delete(h.rooms, sessionID)
	h.mu.Unlock()
}

func (h *Hub) detach(c *conn) {
	if c.sessionID == "" {
		return
	}
	h.mu.Lock()
	if r, ok := h.rooms[c.sessionID]; ok {
		delete(r.conns, c)
		if len(r.conns) == 0 && r.seq == 0 {
			delete(h.rooms, c.sessionID)
		}
	}
	h.mu.Unlock()
}

// broadcast enqueues one message to every connection in the room. The seq is
// assigned and the frames enqueued under the hub lock, which fixes the
// per-session delivery order.
func (h *Hub) broadcast(sessionID string, build func(seq uint64) any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[sessionID]
	if !ok {
		return
	}
	r.seq++
	data, err := json.Marshal(build(r.seq))
	if err != nil {
		obslog.L().Error("broadcast_marshal_error", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	for c := range r.conns {
		c.enqueue(data)
	}
}

// sendTo targets a single connection but still draws from the session's seq
// counter so gap-fill replies interleave correctly with broadcasts.
func (h *Hub) sendTo(c *conn, sessionID string, build func(seq uint64) any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[sessionID]
	if !ok {
		r = &room{conns: make(map[*conn]struct{})}
		h.rooms[sessionID] = r
	}
	r.seq++
	data, err := json.Marshal(build(r.seq))
	if err != nil {
		return
	}
	c.enqueue(data)
}

// sendError draws from the session's seq counter when a room exists; errors
// about unknown sessions go out unsequenced.
func (h *Hub) sendError(c *conn, sessionID, kind, message string) {
	msg := &wire.Error{Type: wire.TypeError, SessionID: sessionID, Kind: kind, Message: message}
	h.mu.Lock()
	if r, ok := h.rooms[sessionID]; ok {
		r.seq++
		msg.Seq = r.seq
	}
	h.mu.Unlock()
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.enqueue(data)
}

func stateFromRecord(seq uint64, rec *persist.Record, withHistory bool) *wire.State {
	st := &wire.State{
		Type:      wire.TypeState,
		Seq:       seq,
		SessionID: rec.SessionID,
		Position:  rec.Position,
		Ply:       rec.Ply,
		Completed: rec.Completed,
		Outcome:   rec.Outcome,
		Reason:    rec.Reason,
	}
	if withHistory {
		st.History = rec.Actions
	}
	if n := len(rec.Actions); n > 0 {
		st.LastAction = rec.Actions[n-1]
	}
	return st
}

func clocksView(clk session.Clock, whiteMs, blackMs int64) *wire.Clocks {
	return &wire.Clocks{
		WhiteMs:    whiteMs,
		BlackMs:    blackMs,
		ActiveSide: string(clk.ActiveSide),
		Paused:     clk.Paused,
	}
}

package wire

// Message kinds exchanged over the session WebSocket. Every outbound message
// carries a per-session monotonic Seq so clients can discard redeliveries.
const (
	// server → client
	TypeState        = "state"
	TypeActionsSince = "actions-since"
	TypeClockUpdate  = "clock-update"
	TypeTerminal     = "terminal"
	TypeError        = "error"

	// client → server
	TypeAction        = "action"
	TypeJoin          = "join"
	TypeResyncRequest = "resync-request"
	TypeResign        = "resign"
)

// Clocks is a point-in-time snapshot of both countdowns, recomputed on read.
type Clocks struct {
	WhiteMs    int64  `json:"whiteMs"`
	BlackMs    int64  `json:"blackMs"`
	ActiveSide string `json:"activeSide,omitempty"`
	Paused     bool   `json:"paused"`
}

// Inbound is the decoded shape of any client → server frame.
type Inbound struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	PlayerID  string `json:"playerId,omitempty"`
	Action    string `json:"action,omitempty"`
	KnownPly  int    `json:"knownPly,omitempty"`
}

// State carries the full authoritative view. History is only populated on
// first join or a full resync.
type State struct {
	Type       string   `json:"type"`
	Seq        uint64   `json:"seq"`
	SessionID  string   `json:"sessionId"`
	Position   string   `json:"positionEncoding"`
	Ply        int      `json:"ply"`
	LastAction string   `json:"lastAction,omitempty"`
	History    []string `json:"history,omitempty"`
	Clocks     *Clocks  `json:"clocks,omitempty"`
	Completed  bool     `json:"completed"`
	Outcome    string   `json:"outcome,omitempty"`
	Reason     string   `json:"reason,omitempty"`
}

// ActionsSince is the gap-fill reply to a join with a stale knownPly: the
// actions from FromPly (exclusive of what the client already has) in append
// order.
type ActionsSince struct {
	Type      string   `json:"type"`
	Seq       uint64   `json:"seq"`
	SessionID string   `json:"sessionId"`
	FromPly   int      `json:"fromPly"`
	Actions   []string `json:"actions"`
}

type ClockUpdate struct {
	Type      string `json:"type"`
	Seq       uint64 `json:"seq"`
	SessionID string `json:"sessionId"`
	Clocks    Clocks `json:"clocks"`
}

type Terminal struct {
	Type      string `json:"type"`
	Seq       uint64 `json:"seq"`
	SessionID string `json:"sessionId"`
	Outcome   string `json:"outcome"`
	Reason    string `json:"reason"`
	Position  string `json:"positionEncoding"`
}

type Error struct {
	Type      string `json:"type"`
	Seq       uint64 `json:"seq"`
	SessionID string `json:"sessionId,omitempty"`
	Kind      string `json:"kind,omitempty"`
	Message   string `json:"message"`
}

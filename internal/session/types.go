package session

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kapu/banchess-server/internal/oracle"
)

// Status represents a session lifecycle state. A session transitions to
// COMPLETED exactly once and is immutable afterwards, except for its handoff
// to durable storage and eventual eviction.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusCompleted Status = "COMPLETED"
)

// Outcome reason codes, machine-checkable alongside the free-text outcome.
const (
	ReasonCheckmate   = "checkmate"
	ReasonStalemate   = "stalemate"
	ReasonBanmate     = "banmate"
	ReasonDraw        = "draw"
	ReasonTimeout     = "timeout"
	ReasonResignation = "resignation"
)

// TimeControl is immutable once set. A zero value means untimed.
type TimeControl struct {
	InitialMs   int64 `json:"initial_ms"`
	IncrementMs int64 `json:"increment_ms"`
}

func (tc TimeControl) Timed() bool { return tc.InitialMs > 0 }

func (tc TimeControl) String() string {
	if !tc.Timed() {
		return ""
	}
	return fmt.Sprintf("%d+%d", tc.InitialMs/1000, tc.IncrementMs/1000)
}

// ParseTimeControl accepts "<initial seconds>+<increment seconds>", e.g.
// "300+5". Empty input means untimed.
func ParseTimeControl(s string) (TimeControl, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "none" {
		return TimeControl{}, nil
	}
	base, inc, _ := strings.Cut(s, "+")
	initial, err := strconv.ParseInt(strings.TrimSpace(base), 10, 64)
	if err != nil || initial <= 0 {
		return TimeControl{}, fmt.Errorf("invalid time control %q", s)
	}
	var incMs int64
	if strings.TrimSpace(inc) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(inc), 10, 64)
		if err != nil || n < 0 {
			return TimeControl{}, fmt.Errorf("invalid time control %q", s)
		}
		incMs = n * 1000
	}
	return TimeControl{InitialMs: initial * 1000, IncrementMs: incMs}, nil
}

// Clock is the persisted snapshot of both countdowns. Remaining time for the
// active side is always recomputed from LastUpdate on read; the snapshot is
// only rewritten when the active side changes or the timer pauses.
type Clock struct {
	WhiteMs    int64       `json:"white_ms"`
	BlackMs    int64       `json:"black_ms"`
	ActiveSide oracle.Side `json:"active_side"`
	LastUpdate time.Time   `json:"last_update"`
	Paused     bool        `json:"paused"`
}

// Remaining reports both countdowns as of now without mutating the snapshot.
func (c Clock) Remaining(now time.Time) (whiteMs, blackMs int64) {
	whiteMs, blackMs = c.WhiteMs, c.BlackMs
	if c.Paused || c.ActiveSide == "" {
		return
	}
	elapsed := now.Sub(c.LastUpdate).Milliseconds()
	if elapsed < 0 {
		elapsed = 0
	}
	if c.ActiveSide == oracle.White {
		whiteMs = max64(0, whiteMs-elapsed)
	} else {
		blackMs = max64(0, blackMs-elapsed)
	}
	return
}

func (c Clock) RemainingFor(side oracle.Side, now time.Time) int64 {
	w, b := c.Remaining(now)
	if side == oracle.White {
		return w
	}
	return b
}

// Session is one game instance between two (possibly identical) player ids.
// Equal ids denote a solo/practice session. Ply mirrors the action-log length
// and is the optimistic-concurrency token for mutations.
type Session struct {
	ID          string      `json:"id"`
	WhiteID     string      `json:"white_id"`
	BlackID     string      `json:"black_id"`
	Position    string      `json:"position"`
	Ply         int         `json:"ply"`
	Status      Status      `json:"status"`
	TimeControl TimeControl `json:"time_control"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
	Outcome     string      `json:"outcome,omitempty"`
	Reason      string      `json:"reason,omitempty"`
	Flagged     bool        `json:"flagged,omitempty"`
}

func (s *Session) Solo() bool { return s.WhiteID == s.BlackID }

func (s *Session) Completed() bool { return s.Status == StatusCompleted }

// PlayerSide maps an opaque player id to its seat. Solo sessions resolve to
// whichever side is to act, so the second return reports membership only.
func (s *Session) PlayerSide(playerID string) (oracle.Side, bool) {
	if playerID == "" {
		return "", false
	}
	if s.Solo() {
		if playerID == s.WhiteID {
			return "", true
		}
		return "", false
	}
	switch playerID {
	case s.WhiteID:
		return oracle.White, true
	case s.BlackID:
		return oracle.Black, true
	}
	return "", false
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

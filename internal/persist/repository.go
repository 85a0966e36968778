package persist

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

// Record is one durable, append-once row per completed session. The action
// and elapsed lists carry everything needed to reconstruct the position and
// the full clock history offline.
type Record struct {
	SessionID   string    `json:"session_id"`
	WhiteID     string    `json:"white_id"`
	BlackID     string    `json:"black_id"`
	Actions     []string  `json:"actions"`
	ElapsedMs   []int64   `json:"elapsed_ms"`
	Outcome     string    `json:"outcome"`
	Reason      string    `json:"reason"`
	TimeControl string    `json:"time_control"`
	CreatedAt   time.Time `json:"created_at"`
	EndedAt     time.Time `json:"ended_at"`

	// Completed is true for durable rows and for ephemeral sessions that
	// already transitioned; Position is only populated on ephemeral reads.
	Completed bool   `json:"completed"`
	Position  string `json:"position,omitempty"`
	Ply       int    `json:"ply"`
}

// Durable is the append/read-only storage boundary. Save must be idempotent
// on session id: a duplicate write is a no-op, never a second row.
type Durable interface {
	Save(ctx context.Context, rec *Record) error
	Load(ctx context.Context, sessionID string) (*Record, error)
}

var ErrNotFound = staticErr("durable record not found")

type staticErr string

func (e staticErr) Error() string { return string(e) }

// Repository is the Postgres-backed Durable implementation.
type Repository struct {
	db *sql.DB
}

func NewRepository(databaseURL string) (*Repository, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Repository{db: db}, nil
}

func (r *Repository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// Save inserts the completed session. ON CONFLICT DO NOTHING makes the
// handoff retry-safe: the row is keyed by session id and never rewritten.
func (r *Repository) Save(ctx context.Context, rec *Record) error {
	if r == nil || r.db == nil || rec == nil {
		return nil
	}
	actionsRaw, _ := json.Marshal(rec.Actions)
	elapsedRaw, _ := json.Marshal(rec.ElapsedMs)

	q := `INSERT INTO ban_sessions (
	    session_id, white_id, black_id,
	    actions, elapsed_ms, outcome, reason, time_control,
	    created_at, ended_at
	  ) VALUES (
	    $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
	  ) ON CONFLICT (session_id) DO NOTHING`

	_, err := r.db.ExecContext(ctx, q,
		rec.SessionID,
		rec.WhiteID, rec.BlackID,
		string(actionsRaw), string(elapsedRaw),
		rec.Outcome, rec.Reason, rec.TimeControl,
		rec.CreatedAt, rec.EndedAt,
	)
	return err
}

func (r *Repository) Load(ctx context.Context, sessionID string) (*Record, error) {
	q := `SELECT session_id, white_id, black_id,
	        actions, elapsed_ms, outcome, reason, time_control,
	        created_at, ended_at
	      FROM ban_sessions WHERE session_id = $1`
	var rec Record
	var actionsRaw, elapsedRaw string
	err := r.db.QueryRowContext(ctx, q, sessionID).Scan(
		&rec.SessionID, &rec.WhiteID, &rec.BlackID,
		&actionsRaw, &elapsedRaw, &rec.Outcome, &rec.Reason, &rec.TimeControl,
		&rec.CreatedAt, &rec.EndedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(actionsRaw), &rec.Actions); err != nil {
		return nil, fmt.Errorf("corrupt actions column: %w", err)
	}
	if err := json.Unmarshal([]byte(elapsedRaw), &rec.ElapsedMs); err != nil {
		return nil, fmt.Errorf("corrupt elapsed column: %w", err)
	}
	rec.Completed = true
	rec.Ply = len(rec.Actions)
	return &rec, nil
}

package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Ephemeral store key layout. Per-session keys are the unit of isolation; no
// cross-session transactions exist.
//
//	bc:session:<id>           meta JSON
//	bc:session:<id>:actions   append-only action list (ply order)
//	bc:session:<id>:elapsed   append-only per-action think time, ms
//	bc:session:<id>:clock     clock snapshot JSON
//	bc:index:player:<pid>     player id → current session id
//	bc:sessions:active        restart-recovery index
const defaultTTL = 24 * time.Hour

var (
	ErrNotFound = staticErr("session not found")
	// ErrConflict is returned when a concurrent mutation won the race; the
	// losing caller observes no partial writes.
	ErrConflict = redis.TxFailedErr
)

type staticErr string

func (e staticErr) Error() string { return string(e) }

type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Store{rdb: rdb, ttl: ttl}
}

// NewStoreFromURL dials Redis from a redis:// URL and pings it once.
func NewStoreFromURL(redisURL string, ttl time.Duration) (*Store, error) {
	if strings.TrimSpace(redisURL) == "" {
		return nil, fmt.Errorf("REDIS_URL required for session store")
	}
	opts, err := parseRedisURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewStore(rdb, ttl), nil
}

// Client exposes the underlying connection for collaborators that share it
// (lobby codes live in the same Redis).
func (s *Store) Client() *redis.Client { return s.rdb }

func (s *Store) Close() error {
	if s == nil || s.rdb == nil {
		return nil
	}
	return s.rdb.Close()
}

func (s *Store) keyMeta(id string) string       { return "bc:session:" + strings.TrimSpace(id) }
func (s *Store) keyActions(id string) string    { return s.keyMeta(id) + ":actions" }
func (s *Store) keyElapsed(id string) string    { return s.keyMeta(id) + ":elapsed" }
func (s *Store) keyClock(id string) string      { return s.keyMeta(id) + ":clock" }
func (s *Store) keyPlayerIdx(pid string) string { return "bc:index:player:" + strings.TrimSpace(pid) }
func (s *Store) keyActive() string              { return "bc:sessions:active" }

// Create writes the initial meta, clock and indexes for a new session.
func (s *Store) Create(ctx context.Context, sess *Session, clk Clock) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	clkRaw, err := json.Marshal(&clk)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, s.keyMeta(sess.ID), raw, s.ttl)
	pipe.Set(ctx, s.keyClock(sess.ID), clkRaw, s.ttl)
	pipe.SAdd(ctx, s.keyActive(), sess.ID)
	pipe.Set(ctx, s.keyPlayerIdx(sess.WhiteID), sess.ID, s.ttl)
	if !sess.Solo() {
		pipe.Set(ctx, s.keyPlayerIdx(sess.BlackID), sess.ID, s.ttl)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *Store) Get(ctx context.Context, id string) (*Session, error) {
	raw, err := s.rdb.Get(ctx, s.keyMeta(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *Store) GetClock(ctx context.Context, id string) (Clock, error) {
	var clk Clock
	raw, err := s.rdb.Get(ctx, s.keyClock(id)).Bytes()
	if err == redis.Nil {
		return clk, ErrNotFound
	}
	if err != nil {
		return clk, err
	}
	err = json.Unmarshal(raw, &clk)
	return clk, err
}

// SetClock rewrites the snapshot outside a session mutation. Used only by
// pause/resume and restart re-anchoring; action application goes through
// Mutate so the snapshot commits with the log append.
func (s *Store) SetClock(ctx context.Context, id string, clk Clock) error {
	raw, err := json.Marshal(&clk)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, s.keyClock(id), raw, s.ttl).Err()
}

// Actions returns the serialized actions from ply fromPly onward.
func (s *Store) Actions(ctx context.Context, id string, fromPly int) ([]string, error) {
	if fromPly < 0 {
		fromPly = 0
	}
	return s.rdb.LRange(ctx, s.keyActions(id), int64(fromPly), -1).Result()
}

// ElapsedMs returns the per-action think times in ply order.
func (s *Store) ElapsedMs(ctx context.Context, id string) ([]int64, error) {
	raw, err := s.rdb.LRange(ctx, s.keyElapsed(id), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]int64, 0, len(raw))
	for _, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("corrupt elapsed entry %q: %w", v, err)
		}
		out = append(out, n)
	}
	return out, nil
}

func (s *Store) SessionIDByPlayer(ctx context.Context, playerID string) (string, error) {
	id, err := s.rdb.Get(ctx, s.keyPlayerIdx(playerID)).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	return id, err
}

// ActiveSessionIDs lists sessions whose timers must be re-armed after a
// process restart.
func (s *Store) ActiveSessionIDs(ctx context.Context) ([]string, error) {
	return s.rdb.SMembers(ctx, s.keyActive()).Result()
}

// Evict removes every ephemeral key of a session. Player index entries are
// only removed when they still point at this session.
func (s *Store) Evict(ctx context.Context, sess *Session) error {
	id := sess.ID
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, s.keyMeta(id), s.keyActions(id), s.keyElapsed(id), s.keyClock(id))
	pipe.SRem(ctx, s.keyActive(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	for _, pid := range []string{sess.WhiteID, sess.BlackID} {
		cur, err := s.rdb.Get(ctx, s.keyPlayerIdx(pid)).Result()
		if err == nil && cur == id {
			_ = s.rdb.Del(ctx, s.keyPlayerIdx(pid)).Err()
		}
	}
	return nil
}

// Mutation is the write set committed atomically with a meta update. Either
// everything lands or nothing does.
type Mutation struct {
	Session         *Session
	AppendAction    string
	AppendElapsedMs int64
	Clock           *Clock
	Deactivate      bool
}

// Mutate runs fn under WATCH on the session meta key and commits the
// returned write set in one transaction. A concurrent writer aborts the
// exec and surfaces ErrConflict; fn returning an error commits nothing.
// Returning a nil mutation is a deliberate no-op.
func (s *Store) Mutate(ctx context.Context, id string, fn func(cur *Session, clk *Clock) (*Mutation, error)) error {
	metaK := s.keyMeta(id)
	return s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, metaK).Bytes()
		if err == redis.Nil {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var cur Session
		if jerr := json.Unmarshal(raw, &cur); jerr != nil {
			return jerr
		}
		var clk Clock
		clkRaw, err := tx.Get(ctx, s.keyClock(id)).Bytes()
		if err != nil && err != redis.Nil {
			return err
		}
		if err == nil {
			if jerr := json.Unmarshal(clkRaw, &clk); jerr != nil {
				return jerr
			}
		}

		mut, err := fn(&cur, &clk)
		if err != nil {
			return err
		}
		if mut == nil || mut.Session == nil {
			return nil
		}

		pipe := tx.TxPipeline()
		newRaw, _ := json.Marshal(mut.Session)
		pipe.Set(ctx, metaK, newRaw, s.ttl)
		if mut.AppendAction != "" {
			pipe.RPush(ctx, s.keyActions(id), mut.AppendAction)
			pipe.Expire(ctx, s.keyActions(id), s.ttl)
			pipe.RPush(ctx, s.keyElapsed(id), strconv.FormatInt(mut.AppendElapsedMs, 10))
			pipe.Expire(ctx, s.keyElapsed(id), s.ttl)
		}
		if mut.Clock != nil {
			cr, _ := json.Marshal(mut.Clock)
			pipe.Set(ctx, s.keyClock(id), cr, s.ttl)
		}
		if mut.Deactivate {
			pipe.SRem(ctx, s.keyActive(), id)
		}
		_, err = pipe.Exec(ctx)
		return err
	}, metaK)
}

func parseRedisURL(raw string) (*redis.Options, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	db := 0
	if p := strings.TrimPrefix(u.Path, "/"); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			db = n
		}
	}
	pass, _ := u.User.Password()
	return &redis.Options{Addr: u.Host, Password: pass, DB: db}, nil
}

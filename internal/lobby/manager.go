// Package lobby pairs two players into a competitive session. A creator
// opens a short-code lobby; the first joiner claims it and the session is
// created with both side identifiers known, sides assigned at random.
package lobby

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/kapu/banchess-server/internal/game"
	"github.com/kapu/banchess-server/internal/obslog"
	"github.com/kapu/banchess-server/internal/session"
)

const ttlLobby = time.Hour

type State string

const (
	StateOpen    State = "OPEN"
	StateMatched State = "MATCHED"
)

// Meta is stored as JSON in Redis under bc:lobby:<code>.
type Meta struct {
	Code        string    `json:"code"`
	State       State     `json:"state"`
	CreatorID   string    `json:"creator_id"`
	TimeControl string    `json:"time_control"`
	CreatedAt   time.Time `json:"created_at"`
	SessionID   string    `json:"session_id,omitempty"`
}

var (
	ErrInvalidArgs = errf("invalid arguments")
	ErrLobbyGone   = errf("lobby not found or expired")
	ErrLobbyTaken  = errf("lobby already matched")
	ErrPlayerBusy  = errf("player already has an active session")
	ErrSelfJoin    = errf("cannot join your own lobby")
)

type staticErr string

func (e staticErr) Error() string { return string(e) }
func errf(s string) error         { return staticErr(s) }

type Manager struct {
	rdb   *redis.Client
	games *game.Manager
}

func NewManager(rdb *redis.Client, games *game.Manager) *Manager {
	return &Manager{rdb: rdb, games: games}
}

func keyLobby(code string) string { return "bc:lobby:" + strings.TrimSpace(code) }

// Make opens a lobby and returns its join code.
func (m *Manager) Make(ctx context.Context, creatorID, timeControl string) (*Meta, error) {
	if strings.TrimSpace(creatorID) == "" {
		return nil, ErrInvalidArgs
	}
	if _, err := session.ParseTimeControl(timeControl); err != nil {
		return nil, err
	}
	if m.playerBusy(ctx, creatorID) {
		return nil, ErrPlayerBusy
	}
	for i := 0; i < 5; i++ {
		code, err := codeGen()
		if err != nil {
			return nil, err
		}
		meta := &Meta{
			Code:        code,
			State:       StateOpen,
			CreatorID:   creatorID,
			TimeControl: strings.TrimSpace(timeControl),
			CreatedAt:   time.Now(),
		}
		raw, err := json.Marshal(meta)
		if err != nil {
			return nil, err
		}
		ok, err := m.rdb.SetNX(ctx, keyLobby(code), raw, ttlLobby).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			obslog.L().Info("lobby_make", zap.String("code", code), zap.String("creator_id", creatorID))
			return meta, nil
		}
	}
	return nil, fmt.Errorf("failed to allocate lobby code")
}

// Join claims an open lobby and starts the session. The claim runs under
// WATCH so two concurrent joiners cannot both match.
func (m *Manager) Join(ctx context.Context, code, joinerID string) (*Meta, *session.Session, error) {
	code = strings.TrimSpace(code)
	if code == "" || strings.TrimSpace(joinerID) == "" {
		return nil, nil, ErrInvalidArgs
	}
	if m.playerBusy(ctx, joinerID) {
		return nil, nil, ErrPlayerBusy
	}

	lobbyK := keyLobby(code)
	var meta Meta
	err := m.rdb.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, lobbyK).Bytes()
		if err == redis.Nil {
			return ErrLobbyGone
		}
		if err != nil {
			return err
		}
		if jerr := json.Unmarshal(raw, &meta); jerr != nil {
			return jerr
		}
		if meta.State != StateOpen || meta.SessionID != "" {
			return ErrLobbyTaken
		}
		if meta.CreatorID == joinerID {
			return ErrSelfJoin
		}
		meta.State = StateMatched
		pipe := tx.TxPipeline()
		newRaw, _ := json.Marshal(&meta)
		pipe.Set(ctx, lobbyK, newRaw, ttlLobby)
		_, err = pipe.Exec(ctx)
		return err
	}, lobbyK)
	if err != nil {
		return nil, nil, err
	}

	tc, err := session.ParseTimeControl(meta.TimeControl)
	if err != nil {
		tc = session.TimeControl{}
	}
	whiteID, blackID := meta.CreatorID, joinerID
	if n, _ := rand.Int(rand.Reader, big.NewInt(2)); n != nil && n.Int64() == 0 {
		whiteID, blackID = joinerID, meta.CreatorID
	}
	sess, err := m.games.Create(ctx, whiteID, blackID, tc)
	if err != nil {
		// reopen the claim so a transient failure does not brick the lobby
		meta.State = StateOpen
		meta.SessionID = ""
		if raw, jerr := json.Marshal(&meta); jerr == nil {
			_ = m.rdb.Set(ctx, lobbyK, raw, ttlLobby).Err()
		}
		obslog.L().Warn("lobby_reopen", zap.String("code", code), zap.Error(err))
		return nil, nil, err
	}
	meta.SessionID = sess.ID
	raw, _ := json.Marshal(&meta)
	_ = m.rdb.Set(ctx, lobbyK, raw, ttlLobby).Err()
	obslog.L().Info("lobby_match",
		zap.String("code", code),
		zap.String("session_id", sess.ID),
		zap.String("white_id", whiteID),
		zap.String("black_id", blackID),
	)
	return &meta, sess, nil
}

// Get loads lobby metadata, for polling clients.
func (m *Manager) Get(ctx context.Context, code string) (*Meta, error) {
	raw, err := m.rdb.Get(ctx, keyLobby(code)).Bytes()
	if err == redis.Nil {
		return nil, ErrLobbyGone
	}
	if err != nil {
		return nil, err
	}
	var meta Meta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

func (m *Manager) playerBusy(ctx context.Context, playerID string) bool {
	sess, err := m.games.SessionByPlayer(ctx, playerID)
	return err == nil && sess != nil && !sess.Completed()
}

// codeGen returns `BC-` + 6 upper alnum.
func codeGen() (string, error) {
	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	for i := range b {
		b[i] = letters[int(b[i])%len(letters)]
	}
	return fmt.Sprintf("BC-%s", string(b)), nil
}

package persist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kapu/banchess-server/internal/obslog"
	"github.com/kapu/banchess-server/internal/session"
)

// Service moves a completed session from the ephemeral store to durable
// storage exactly once and reclaims the ephemeral keys afterwards.
// Competitive sessions are evicted immediately; solo sessions keep their
// ephemeral copy for a grace window so a client mid-reconciliation can still
// catch up.
type Service struct {
	store      *session.Store
	durable    Durable
	soloGrace  time.Duration
	maxRetries int
	retryDelay time.Duration
	now        func() time.Time
}

type Option func(*Service)

func WithRetry(maxRetries int, delay time.Duration) Option {
	return func(s *Service) { s.maxRetries, s.retryDelay = maxRetries, delay }
}

func WithNow(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(store *session.Store, durable Durable, soloGrace time.Duration, opts ...Option) *Service {
	s := &Service{
		store:      store,
		durable:    durable,
		soloGrace:  soloGrace,
		maxRetries: 3,
		retryDelay: 500 * time.Millisecond,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handoff migrates one completed session. The durable write is idempotent on
// session id, so retries are safe; the ephemeral record is only evicted once
// the write succeeded.
func (s *Service) Handoff(ctx context.Context, sessionID string) error {
	sess, err := s.store.Get(ctx, sessionID)
	if errors.Is(err, session.ErrNotFound) {
		// already evicted; the durable row is the source of truth now
		if _, derr := s.durable.Load(ctx, sessionID); derr == nil {
			return nil
		}
		return fmt.Errorf("handoff %s: %w", sessionID, err)
	}
	if err != nil {
		return err
	}
	if !sess.Completed() {
		return fmt.Errorf("handoff %s: session not completed", sessionID)
	}
	actions, err := s.store.Actions(ctx, sessionID, 0)
	if err != nil {
		return err
	}
	if len(actions) == 0 {
		// nothing worth archiving; reclaim the keys
		obslog.L().Info("handoff_skip_empty", zap.String("session_id", sessionID))
		return s.store.Evict(ctx, sess)
	}
	elapsed, err := s.store.ElapsedMs(ctx, sessionID)
	if err != nil {
		return err
	}

	rec := &Record{
		SessionID:   sess.ID,
		WhiteID:     sess.WhiteID,
		BlackID:     sess.BlackID,
		Actions:     actions,
		ElapsedMs:   elapsed,
		Outcome:     sess.Outcome,
		Reason:      sess.Reason,
		TimeControl: sess.TimeControl.String(),
		CreatedAt:   sess.CreatedAt,
		EndedAt:     sess.UpdatedAt,
		Completed:   true,
		Ply:         len(actions),
	}

	if err := s.saveWithRetry(ctx, rec); err != nil {
		// the ephemeral record stays; a later retry finds it intact
		return err
	}
	obslog.L().Info("handoff_ok",
		zap.String("session_id", sess.ID),
		zap.String("outcome", sess.Outcome),
		zap.String("reason", sess.Reason),
		zap.Int("plies", len(actions)),
	)

	if sess.Solo() && s.soloGrace > 0 {
		time.AfterFunc(s.soloGrace, func() { s.evictLate(sess.ID) })
		return nil
	}
	return s.store.Evict(ctx, sess)
}

func (s *Service) saveWithRetry(ctx context.Context, rec *Record) error {
	delay := s.retryDelay
	var err error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		if err = s.durable.Save(ctx, rec); err == nil {
			return nil
		}
		obslog.L().Warn("handoff_write_retry",
			zap.String("session_id", rec.SessionID),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	return fmt.Errorf("durable write failed after retries: %w", err)
}

func (s *Service) evictLate(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sess, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return
	}
	if err := s.store.Evict(ctx, sess); err != nil {
		obslog.L().Warn("evict_error", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	obslog.L().Info("evict_after_grace", zap.String("session_id", sessionID))
}

// Resolve is the dual-path read: the durable copy is authoritative once
// present, the ephemeral store is the fallback for sessions still in play or
// inside the solo grace window. Callers always get one consistent answer
// regardless of where the session currently lives.
func (s *Service) Resolve(ctx context.Context, sessionID string) (*Record, error) {
	if rec, err := s.durable.Load(ctx, sessionID); err == nil {
		return rec, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	sess, err := s.store.Get(ctx, sessionID)
	if errors.Is(err, session.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	actions, err := s.store.Actions(ctx, sessionID, 0)
	if err != nil {
		return nil, err
	}
	elapsed, err := s.store.ElapsedMs(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &Record{
		SessionID:   sess.ID,
		WhiteID:     sess.WhiteID,
		BlackID:     sess.BlackID,
		Actions:     actions,
		ElapsedMs:   elapsed,
		Outcome:     sess.Outcome,
		Reason:      sess.Reason,
		TimeControl: sess.TimeControl.String(),
		CreatedAt:   sess.CreatedAt,
		EndedAt:     sess.UpdatedAt,
		Completed:   sess.Completed(),
		Position:    sess.Position,
		Ply:         sess.Ply,
	}, nil
}

// Package clock owns the per-session countdowns. One goroutine services a
// min-heap of next-timeout deadlines for every running timed session, so the
// coordinator never spends a timer goroutine per game. Remaining time is
// always recomputed from the persisted LastUpdate anchor; a missed or
// duplicated tick cannot accumulate drift.
package clock

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kapu/banchess-server/internal/obslog"
	"github.com/kapu/banchess-server/internal/oracle"
	"github.com/kapu/banchess-server/internal/session"
)

const minGranularity = 100 * time.Millisecond

// TimeoutFunc is invoked when the active side's remaining time reaches zero.
// The callee must re-verify session state; a dangling deadline that lost a
// race with completion has to be a no-op there.
type TimeoutFunc func(sessionID string, side oracle.Side)

type Scheduler struct {
	store           *session.Store
	granularity     time.Duration
	freezeOnRestart bool
	now             func() time.Time

	onTimeout TimeoutFunc

	mu      sync.Mutex
	entries map[string]*entry
	heap    deadlineHeap

	wake     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
}

type Option func(*Scheduler)

// WithFreezeOnRestart stops restart downtime from being charged to the side
// that was on the clock: recovery re-anchors LastUpdate instead.
func WithFreezeOnRestart(on bool) Option {
	return func(s *Scheduler) { s.freezeOnRestart = on }
}

// WithNow injects the time source.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func NewScheduler(store *session.Store, granularity time.Duration, opts ...Option) *Scheduler {
	if granularity < minGranularity {
		granularity = minGranularity
	}
	s := &Scheduler{
		store:       store,
		granularity: granularity,
		now:         time.Now,
		entries:     make(map[string]*entry),
		wake:        make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetTimeoutFunc wires the timeout sink after construction; the game manager
// and the scheduler reference each other.
func (s *Scheduler) SetTimeoutFunc(fn TimeoutFunc) { s.onTimeout = fn }

// Run services deadlines until ctx is done or Shutdown is called.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		timer := time.NewTimer(s.untilNext())
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-s.stopCh:
			timer.Stop()
			return nil
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
			s.fireDue(ctx)
		}
	}
}

func (s *Scheduler) Shutdown() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Arm schedules the timeout deadline implied by a clock snapshot. Untimed or
// paused snapshots are ignored.
func (s *Scheduler) Arm(sessionID string, clk session.Clock) {
	if clk.Paused || clk.ActiveSide == "" {
		return
	}
	now := s.now()
	at := now.Add(time.Duration(clk.RemainingFor(clk.ActiveSide, now)) * time.Millisecond)
	s.mu.Lock()
	if e, ok := s.entries[sessionID]; ok {
		e.at = at
		heap.Fix(&s.heap, e.index)
	} else {
		e := &entry{id: sessionID, at: at}
		s.entries[sessionID] = e
		heap.Push(&s.heap, e)
	}
	s.mu.Unlock()
	s.kick()
}

// Stop cancels a session's deadline. Completion and pause both come through
// here; a deadline that already popped is handled by the callee's state check.
func (s *Scheduler) Stop(sessionID string) {
	s.mu.Lock()
	if e, ok := s.entries[sessionID]; ok {
		heap.Remove(&s.heap, e.index)
		delete(s.entries, sessionID)
	}
	s.mu.Unlock()
}

// SwitchActive computes the post-action snapshot: the previously active side
// is charged its wall-clock elapsed (clamped at zero), receives the
// configured increment for the action it just made, and toSide is anchored
// at now. The caller commits the snapshot together with the log append and
// then calls Arm. Returns the new snapshot and the charged think time.
func (s *Scheduler) SwitchActive(clk session.Clock, toSide oracle.Side, incrementMs int64) (session.Clock, int64) {
	now := s.now()
	elapsed := int64(0)
	if !clk.Paused && clk.ActiveSide != "" {
		elapsed = now.Sub(clk.LastUpdate).Milliseconds()
		if elapsed < 0 {
			elapsed = 0
		}
		remaining := clk.RemainingFor(clk.ActiveSide, now)
		if clk.ActiveSide == oracle.White {
			clk.WhiteMs = remaining + incrementMs
		} else {
			clk.BlackMs = remaining + incrementMs
		}
	}
	clk.ActiveSide = toSide
	clk.LastUpdate = now
	clk.Paused = false
	return clk, elapsed
}

// Pause charges the active side up to now and freezes the snapshot.
func (s *Scheduler) Pause(ctx context.Context, sessionID string) error {
	clk, err := s.store.GetClock(ctx, sessionID)
	if err != nil {
		return err
	}
	if clk.Paused {
		return nil
	}
	now := s.now()
	clk.WhiteMs, clk.BlackMs = clk.Remaining(now)
	clk.Paused = true
	clk.LastUpdate = now
	if err := s.store.SetClock(ctx, sessionID, clk); err != nil {
		return err
	}
	s.Stop(sessionID)
	return nil
}

// Resume re-anchors a paused snapshot and re-arms its deadline.
func (s *Scheduler) Resume(ctx context.Context, sessionID string) error {
	clk, err := s.store.GetClock(ctx, sessionID)
	if err != nil {
		return err
	}
	if !clk.Paused {
		return nil
	}
	clk.Paused = false
	clk.LastUpdate = s.now()
	if err := s.store.SetClock(ctx, sessionID, clk); err != nil {
		return err
	}
	s.Arm(sessionID, clk)
	return nil
}

// Read recomputes both countdowns without touching persisted state.
func (s *Scheduler) Read(ctx context.Context, sessionID string) (session.Clock, int64, int64, error) {
	clk, err := s.store.GetClock(ctx, sessionID)
	if err != nil {
		return clk, 0, 0, err
	}
	w, b := clk.Remaining(s.now())
	return clk, w, b, nil
}

// RecoverActive re-arms every persisted running session after a process
// restart. By default the wall-clock anchor stays put, which charges the
// downtime to the side that was on the clock; the freeze policy re-anchors
// instead. Already-expired sessions time out immediately.
func (s *Scheduler) RecoverActive(ctx context.Context) error {
	ids, err := s.store.ActiveSessionIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		sess, err := s.store.Get(ctx, id)
		if err != nil || sess.Completed() || !sess.TimeControl.Timed() {
			continue
		}
		clk, err := s.store.GetClock(ctx, id)
		if err != nil || clk.Paused || clk.ActiveSide == "" {
			continue
		}
		if s.freezeOnRestart {
			clk.LastUpdate = s.now()
			if err := s.store.SetClock(ctx, id, clk); err != nil {
				obslog.L().Warn("clock_recover_anchor_error", zap.String("session_id", id), zap.Error(err))
				continue
			}
		}
		s.Arm(id, clk)
		obslog.L().Info("clock_rearm", zap.String("session_id", id), zap.String("active_side", string(clk.ActiveSide)))
	}
	return nil
}

func (s *Scheduler) untilNext() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.heap.Len() == 0 {
		return time.Hour
	}
	d := s.heap[0].at.Sub(s.now())
	if d < s.granularity {
		// never spin faster than the tick granularity
		return s.granularity
	}
	return d
}

func (s *Scheduler) fireDue(ctx context.Context) {
	now := s.now()
	var due []string
	s.mu.Lock()
	for s.heap.Len() > 0 && !s.heap[0].at.After(now) {
		e := heap.Pop(&s.heap).(*entry)
		delete(s.entries, e.id)
		due = append(due, e.id)
	}
	s.mu.Unlock()

	for _, id := range due {
		clk, err := s.store.GetClock(ctx, id)
		if err != nil {
			// evicted or expired between pop and read; nothing to do
			continue
		}
		if clk.Paused || clk.ActiveSide == "" {
			continue
		}
		if remaining := clk.RemainingFor(clk.ActiveSide, now); remaining > 0 {
			// the snapshot moved since the deadline was queued; re-arm
			s.Arm(id, clk)
			continue
		}
		if s.onTimeout != nil {
			go s.onTimeout(id, clk.ActiveSide)
		}
	}
}

func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

type entry struct {
	id    string
	at    time.Time
	index int
}

type deadlineHeap []*entry

func (h deadlineHeap) Len() int           { return len(h) }
func (h deadlineHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }
func (h deadlineHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *deadlineHeap) Push(x any)        { e := x.(*entry); e.index = len(*h); *h = append(*h, e) }
func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

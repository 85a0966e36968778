package game

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/kapu/banchess-server/internal/clock"
	"github.com/kapu/banchess-server/internal/oracle"
	"github.com/kapu/banchess-server/internal/oracle/banchess"
	"github.com/kapu/banchess-server/internal/session"
)

type testEnv struct {
	store  *session.Store
	clocks *clock.Scheduler
	mgr    *Manager
	now    *fakeNow
}

type fakeNow struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeNow) now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeNow) advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(func() { mr.Close() })
	store, err := session.NewStoreFromURL(fmt.Sprintf("redis://%s/0", mr.Addr()), time.Hour)
	if err != nil {
		t.Fatalf("NewStoreFromURL: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	fn := &fakeNow{t: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	clocks := clock.NewScheduler(store, 100*time.Millisecond, clock.WithNow(fn.now))
	mgr := NewManager(store, banchess.New(), clocks, WithNow(fn.now))
	return &testEnv{store: store, clocks: clocks, mgr: mgr, now: fn}
}

// syncPersister records handoff calls and lets tests wait for the async one.
type syncPersister struct {
	mu    sync.Mutex
	calls []string
	ch    chan string
}

func newSyncPersister() *syncPersister {
	return &syncPersister{ch: make(chan string, 8)}
}

func (p *syncPersister) Handoff(ctx context.Context, sessionID string) error {
	p.mu.Lock()
	p.calls = append(p.calls, sessionID)
	p.mu.Unlock()
	p.ch <- sessionID
	return nil
}

func (p *syncPersister) wait(t *testing.T) string {
	t.Helper()
	select {
	case id := <-p.ch:
		return id
	case <-time.After(2 * time.Second):
		t.Fatalf("handoff never happened")
		return ""
	}
}

func (p *syncPersister) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func TestApplyActionFlow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sess, err := env.mgr.Create(ctx, "alice", "bob", session.TimeControl{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// black opens with a ban
	res, err := env.mgr.ApplyAction(ctx, sess.ID, "bob", "b:e2e4")
	if err != nil {
		t.Fatalf("ApplyAction ban: %v", err)
	}
	if res.Session.Ply != 1 || res.Action != "b:e2e4" {
		t.Fatalf("unexpected result: ply=%d action=%q", res.Session.Ply, res.Action)
	}

	// not white's banned move, so this one lands
	res, err = env.mgr.ApplyAction(ctx, sess.ID, "alice", "m:d2d4")
	if err != nil {
		t.Fatalf("ApplyAction move: %v", err)
	}
	if res.Session.Ply != 2 {
		t.Fatalf("ply = %d", res.Session.Ply)
	}

	actions, err := env.mgr.ActionsSince(ctx, sess.ID, 0)
	if err != nil || len(actions) != 2 {
		t.Fatalf("ActionsSince = %v, %v", actions, err)
	}
	tail, _ := env.mgr.ActionsSince(ctx, sess.ID, 1)
	if len(tail) != 1 || tail[0] != "m:d2d4" {
		t.Fatalf("tail = %v", tail)
	}
}

func TestApplyActionRejections(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sess, err := env.mgr.Create(ctx, "alice", "bob", session.TimeControl{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// it is black's ban, not white's
	if _, err := env.mgr.ApplyAction(ctx, sess.ID, "alice", "b:e2e4"); !errors.Is(err, ErrNotYourTurn) {
		t.Fatalf("expected ErrNotYourTurn, got %v", err)
	}
	// strangers are rejected before legality is even considered
	if _, err := env.mgr.ApplyAction(ctx, sess.ID, "mallory", "b:e2e4"); !errors.Is(err, ErrNotYourTurn) {
		t.Fatalf("expected ErrNotYourTurn, got %v", err)
	}
	// illegal sub-move
	if _, err := env.mgr.ApplyAction(ctx, sess.ID, "bob", "b:e2e5"); !errors.Is(err, ErrInvalidAction) {
		t.Fatalf("expected ErrInvalidAction, got %v", err)
	}
	// unknown session
	if _, err := env.mgr.ApplyAction(ctx, "nope", "bob", "b:e2e4"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}

	// a rejected action leaves no trace
	got, _, err := env.mgr.Snapshot(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if got.Ply != 0 {
		t.Fatalf("rejected action advanced ply: %d", got.Ply)
	}
}

func TestConcurrentSamePlyOneWinner(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sess, err := env.mgr.Create(ctx, "alice", "bob", session.TimeControl{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.mgr.ApplyAction(ctx, sess.ID, "bob", "b:e2e4")
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		if !errors.Is(err, ErrConflict) && !errors.Is(err, ErrNotYourTurn) && !errors.Is(err, ErrInvalidAction) {
			t.Fatalf("unexpected loser error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
	actions, _ := env.mgr.ActionsSince(ctx, sess.ID, 0)
	if len(actions) != 1 {
		t.Fatalf("action log has %d entries", len(actions))
	}
}

func TestClockSwitchAndIncrement(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	tc := session.TimeControl{InitialMs: 60000, IncrementMs: 2000}
	sess, err := env.mgr.Create(ctx, "alice", "bob", tc)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	env.now.advance(3 * time.Second)
	res, err := env.mgr.ApplyAction(ctx, sess.ID, "bob", "b:e2e4")
	if err != nil {
		t.Fatalf("ApplyAction: %v", err)
	}
	if res.Elapsed != 3000 {
		t.Fatalf("elapsed = %d", res.Elapsed)
	}
	// black's first action: charged the 3s think, no increment yet
	if res.Clock.BlackMs != 57000 {
		t.Fatalf("BlackMs = %d", res.Clock.BlackMs)
	}
	if res.Clock.ActiveSide != oracle.White {
		t.Fatalf("active side = %s", res.Clock.ActiveSide)
	}
}

func TestIncrementAppliesFromSecondActionOn(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	tc := session.TimeControl{InitialMs: 60000, IncrementMs: 2000}
	sess, err := env.mgr.Create(ctx, "alice", "bob", tc)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// ply 0, black's first action: T - think, no increment
	env.now.advance(3 * time.Second)
	res, err := env.mgr.ApplyAction(ctx, sess.ID, "bob", "b:e2e4")
	if err != nil {
		t.Fatalf("ban: %v", err)
	}
	if res.Clock.BlackMs != 57000 {
		t.Fatalf("black after first action = %d", res.Clock.BlackMs)
	}

	// ply 1, white's first action: still no increment
	env.now.advance(2 * time.Second)
	res, err = env.mgr.ApplyAction(ctx, sess.ID, "alice", "m:d2d4")
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if res.Clock.WhiteMs != 58000 {
		t.Fatalf("white after first action = %d", res.Clock.WhiteMs)
	}

	// ply 2, white acts again and earns the increment
	env.now.advance(1 * time.Second)
	res, err = env.mgr.ApplyAction(ctx, sess.ID, "alice", "b:e7e5")
	if err != nil {
		t.Fatalf("second ban: %v", err)
	}
	if res.Clock.WhiteMs != 59000 {
		t.Fatalf("white after second action = %d", res.Clock.WhiteMs)
	}
}

func TestTimeoutConcludedOnApply(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	tc := session.TimeControl{InitialMs: 5000}
	sess, err := env.mgr.Create(ctx, "alice", "bob", tc)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// black sat on the opening ban until the flag fell
	env.now.advance(10 * time.Second)
	res, err := env.mgr.ApplyAction(ctx, sess.ID, "bob", "b:e2e4")
	if err != nil {
		t.Fatalf("ApplyAction: %v", err)
	}
	if res.Action != "" {
		t.Fatalf("late action was applied: %q", res.Action)
	}
	if !res.Session.Completed() || res.Session.Reason != session.ReasonTimeout {
		t.Fatalf("expected timeout completion: %+v", res.Session)
	}
	if res.Session.Outcome != "white" {
		t.Fatalf("outcome = %q", res.Session.Outcome)
	}
	actions, _ := env.mgr.ActionsSince(ctx, sess.ID, 0)
	if len(actions) != 0 {
		t.Fatalf("timed-out action appended: %v", actions)
	}
}

func TestResign(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sess, err := env.mgr.Create(ctx, "alice", "bob", session.TimeControl{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	res, err := env.mgr.Resign(ctx, sess.ID, "alice")
	if err != nil {
		t.Fatalf("Resign: %v", err)
	}
	if res.Session.Outcome != "black" || res.Session.Reason != session.ReasonResignation {
		t.Fatalf("unexpected completion: %+v", res.Session)
	}
	// any further transition is rejected
	if _, err := env.mgr.Resign(ctx, sess.ID, "bob"); !errors.Is(err, ErrSessionCompleted) {
		t.Fatalf("second resign: %v", err)
	}
	if _, err := env.mgr.ApplyAction(ctx, sess.ID, "bob", "b:e2e4"); !errors.Is(err, ErrSessionCompleted) {
		t.Fatalf("post-completion action: %v", err)
	}
}

func TestSoloResignHasNoWinner(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sess, err := env.mgr.Create(ctx, "alice", "alice", session.TimeControl{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	res, err := env.mgr.Resign(ctx, sess.ID, "alice")
	if err != nil {
		t.Fatalf("Resign: %v", err)
	}
	if res.Session.Outcome != "none" {
		t.Fatalf("solo outcome = %q", res.Session.Outcome)
	}
}

func TestSoloEitherSeatActs(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sess, err := env.mgr.Create(ctx, "alice", "alice", session.TimeControl{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := env.mgr.ApplyAction(ctx, sess.ID, "alice", "b:e2e4"); err != nil {
		t.Fatalf("solo ban: %v", err)
	}
	if _, err := env.mgr.ApplyAction(ctx, sess.ID, "alice", "m:d2d4"); err != nil {
		t.Fatalf("solo move: %v", err)
	}
}

func TestHandleTimeoutStaleIsNoOp(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	tc := session.TimeControl{InitialMs: 60000}
	sess, err := env.mgr.Create(ctx, "alice", "bob", tc)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// plenty of time left: a dangling deadline must not complete the session
	env.mgr.HandleTimeout(sess.ID, oracle.Black)
	got, _, err := env.mgr.Snapshot(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if got.Completed() {
		t.Fatalf("stale timeout completed the session")
	}
}

func TestHandleTimeoutCompletesOnce(t *testing.T) {
	env := newTestEnv(t)
	p := newSyncPersister()
	env.mgr.AttachPersister(p)
	terminal := make(chan string, 4)
	env.mgr.SetTerminalFunc(func(sess *session.Session, clk session.Clock) {
		terminal <- sess.Reason
	})

	ctx := context.Background()
	tc := session.TimeControl{InitialMs: 5000}
	sess, err := env.mgr.Create(ctx, "alice", "bob", tc)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	env.now.advance(10 * time.Second)
	env.mgr.HandleTimeout(sess.ID, oracle.Black)
	if id := p.wait(t); id != sess.ID {
		t.Fatalf("handoff for %q", id)
	}
	select {
	case reason := <-terminal:
		if reason != session.ReasonTimeout {
			t.Fatalf("terminal reason = %q", reason)
		}
	case <-time.After(time.Second):
		t.Fatalf("terminal notification missing")
	}

	got, _, err := env.mgr.Snapshot(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if !got.Completed() || got.Outcome != "white" || got.Reason != session.ReasonTimeout {
		t.Fatalf("unexpected completion: %+v", got)
	}

	// a duplicate deadline for the same session changes nothing
	env.mgr.HandleTimeout(sess.ID, oracle.Black)
	time.Sleep(100 * time.Millisecond)
	if p.count() != 1 {
		t.Fatalf("handoff ran %d times", p.count())
	}
}

func TestResignTimeoutRaceSingleCompletion(t *testing.T) {
	env := newTestEnv(t)
	p := newSyncPersister()
	env.mgr.AttachPersister(p)

	ctx := context.Background()
	tc := session.TimeControl{InitialMs: 5000}
	sess, err := env.mgr.Create(ctx, "alice", "bob", tc)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	env.now.advance(10 * time.Second)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = env.mgr.Resign(ctx, sess.ID, "alice")
	}()
	go func() {
		defer wg.Done()
		env.mgr.HandleTimeout(sess.ID, oracle.Black)
	}()
	wg.Wait()

	p.wait(t)
	time.Sleep(100 * time.Millisecond)
	if p.count() != 1 {
		t.Fatalf("handoff ran %d times", p.count())
	}
	got, _, err := env.mgr.Snapshot(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if !got.Completed() {
		t.Fatalf("no completion committed")
	}
	if got.Reason != session.ReasonTimeout && got.Reason != session.ReasonResignation {
		t.Fatalf("reason = %q", got.Reason)
	}
}

func TestCheckmateCompletesSession(t *testing.T) {
	env := newTestEnv(t)
	p := newSyncPersister()
	env.mgr.AttachPersister(p)
	ctx := context.Background()
	sess, err := env.mgr.Create(ctx, "alice", "bob", session.TimeControl{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// fool's mate, with throwaway bans in between
	script := []struct{ player, action string }{
		{"bob", "b:e2e4"}, {"alice", "m:f2f3"},
		{"alice", "b:d7d5"}, {"bob", "m:e7e5"},
		{"bob", "b:d2d4"}, {"alice", "m:g2g4"},
		{"alice", "b:a7a6"}, {"bob", "m:d8h4"},
	}
	var last *ApplyResult
	for _, step := range script {
		res, err := env.mgr.ApplyAction(ctx, sess.ID, step.player, step.action)
		if err != nil {
			t.Fatalf("ApplyAction %q: %v", step.action, err)
		}
		last = res
	}
	if !last.Session.Completed() || last.Session.Reason != session.ReasonCheckmate {
		t.Fatalf("expected checkmate completion: %+v", last.Session)
	}
	if last.Session.Outcome != "black" {
		t.Fatalf("outcome = %q", last.Session.Outcome)
	}
	if !last.Clock.Paused {
		t.Fatalf("terminal session left the clock running")
	}
	if id := p.wait(t); id != sess.ID {
		t.Fatalf("handoff for %q", id)
	}
}

func TestSessionByPlayer(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sess, err := env.mgr.Create(ctx, "alice", "bob", session.TimeControl{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, err := env.mgr.SessionByPlayer(ctx, "bob")
	if err != nil || got.ID != sess.ID {
		t.Fatalf("SessionByPlayer: %v, %v", got, err)
	}
	if _, err := env.mgr.SessionByPlayer(ctx, "mallory"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestErrorKinds(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{ErrInvalidAction, "InvalidAction"},
		{ErrSessionNotFound, "SessionNotFound"},
		{ErrNotYourTurn, "NotYourTurn"},
		{ErrSessionCompleted, "SessionCompleted"},
		{ErrConflict, "Conflict"},
		{fmt.Errorf("wrapped: %w", ErrInvalidAction), "InvalidAction"},
		{errors.New("boom"), "Internal"},
	}
	for _, tc := range cases {
		if got := Kind(tc.err); got != tc.want {
			t.Errorf("Kind(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

package session

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/kapu/janken-rush-go/internal/events"
	"github.com/kapu/janken-rush-go/internal/history"
	"github.com/kapu/janken-rush-go/internal/puzzle"
	"github.com/kapu/janken-rush-go/internal/room"
	"github.com/kapu/janken-rush-go/internal/round"
)

type countingWallet struct {
	mu      sync.Mutex
	credits map[string]int
	calls   int
}

func (w *countingWallet) Credit(_ context.Context, userID string, amount int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.credits == nil {
		w.credits = map[string]int{}
	}
	w.credits[userID] += amount
	w.calls++
	return nil
}

type fixture struct {
	mgr  *room.Manager
	bus  events.Bus
	wal  *countingWallet
	repo history.Repository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(func() { mr.Close() })
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	bus := events.NewRedisBus(rdb)
	return &fixture{
		mgr:  room.NewManager(rdb, bus, time.Hour),
		bus:  bus,
		wal:  &countingWallet{},
		repo: history.NewMemoryRepository(),
	}
}

func (f *fixture) newSession(roomID, userID string, notify func(Notice)) *Session {
	return New(f.mgr, f.bus, f.wal, f.repo, roomID, userID, Options{
		RefreshInterval: time.Hour, // tests drive Reconcile directly
		ResultDelay:     0,
		Notify:          notify,
	})
}

// handFor returns the player hand producing the wanted outcome against the
// AI hand.
func handFor(want puzzle.Condition, ai puzzle.Hand) puzzle.Hand {
	switch want {
	case puzzle.Win:
		return (ai + 2) % 3
	case puzzle.Lose:
		return (ai + 1) % 3
	default:
		return ai
	}
}

// clearRound answers every question of the current round correctly.
func clearRound(t *testing.T, ctx context.Context, s *Session) round.Outcome {
	t.Helper()
	if err := s.AdvancePhase(); err != nil {
		t.Fatalf("AdvancePhase: %v", err)
	}
	hands, conds, _ := s.CurrentPuzzle()
	var out round.Outcome
	for i := range hands {
		var err error
		out, err = s.SubmitHand(ctx, handFor(conds[i], hands[i]))
		if err != nil {
			t.Fatalf("SubmitHand %d: %v", i, err)
		}
		if out == round.Cleared || out == round.Eliminated {
			break
		}
	}
	if out != round.Cleared {
		t.Fatalf("round not cleared: %v", out)
	}
	return out
}

func setupGame(t *testing.T, f *fixture, maxRounds int) (roomID string, sc, su *Session) {
	t.Helper()
	ctx := context.Background()
	r, err := f.mgr.Create(ctx, room.CreateParams{
		Name: "game", CreatorID: "c", CreatorName: "Creator",
		MaxPlayers: 2, Mode: puzzle.ModeWin, MaxRounds: maxRounds,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := f.mgr.Join(ctx, r.ID, "u", "Player", ""); err != nil {
		t.Fatalf("Join: %v", err)
	}

	sc = f.newSession(r.ID, "c", nil)
	su = f.newSession(r.ID, "u", nil)
	sc.Reconcile(ctx)
	su.Reconcile(ctx)

	if err := su.SetReady(ctx, true); err != nil {
		t.Fatalf("SetReady: %v", err)
	}
	if err := sc.StartGame(ctx); err != nil {
		t.Fatalf("StartGame: %v", err)
	}
	sc.Reconcile(ctx)
	su.Reconcile(ctx)
	return r.ID, sc, su
}

func TestFullGameRankingAndBonus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	roomID, sc, su := setupGame(t, f, 1)

	if sc.Phase() != round.PhaseMemory {
		t.Fatalf("creator phase = %s, want MEMORY", sc.Phase())
	}

	// Creator clears the single round; the other player blows the first
	// answer.
	clearRound(t, ctx, sc)

	if err := su.AdvancePhase(); err != nil {
		t.Fatalf("AdvancePhase: %v", err)
	}
	hands, conds, _ := su.CurrentPuzzle()
	out, err := su.SubmitHand(ctx, handFor(wrongCondition(conds[0]), hands[0]))
	if err != nil {
		t.Fatalf("SubmitHand: %v", err)
	}
	if out != round.Eliminated {
		t.Fatalf("outcome = %v, want Eliminated", out)
	}

	// Both sessions observe the shared store and finalize independently.
	sc.Reconcile(ctx)
	su.Reconcile(ctx)

	st := sc.Standings()
	if len(st) != 2 {
		t.Fatalf("standings: %d entries", len(st))
	}
	if st[0].UserID != "c" || st[0].Rank != 1 || st[0].Bonus != 10 {
		t.Fatalf("winner standing: %+v", st[0])
	}
	if st[1].UserID != "u" || st[1].Bonus != 0 {
		t.Fatalf("loser standing: %+v", st[1])
	}

	// Coins: 1 for clearing round 1, plus the rank bonus of 10.
	f.wal.mu.Lock()
	if f.wal.credits["c"] != 11 {
		t.Errorf("creator wallet = %d, want 11", f.wal.credits["c"])
	}
	if f.wal.credits["u"] != 0 {
		t.Errorf("loser wallet = %d, want 0", f.wal.credits["u"])
	}
	f.wal.mu.Unlock()

	// The creator's session transitions the room to FINISHED.
	rm, _, err := f.mgr.Snapshot(ctx, roomID)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if rm.Status != room.StatusFinished {
		t.Fatalf("room status = %s, want FINISHED", rm.Status)
	}
}

func TestFinalizeIdempotentAcrossReconciles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, sc, su := setupGame(t, f, 1)

	clearRound(t, ctx, sc)
	eliminate(t, ctx, su)

	for i := 0; i < 5; i++ {
		sc.Reconcile(ctx)
		su.Reconcile(ctx)
	}

	f.wal.mu.Lock()
	got := f.wal.credits["c"]
	f.wal.mu.Unlock()
	if got != 11 {
		t.Fatalf("creator wallet after repeated reconciles = %d, want 11", got)
	}
}

func TestBonusNotRepaidByFreshSession(t *testing.T) {
	// A reload spawns a new session with reset local flags; the persisted
	// bonus_paid flag must still block a second payment.
	f := newFixture(t)
	ctx := context.Background()
	roomID, sc, su := setupGame(t, f, 1)

	clearRound(t, ctx, sc)
	eliminate(t, ctx, su)
	sc.Reconcile(ctx)
	su.Reconcile(ctx)

	reloaded := f.newSession(roomID, "c", nil)
	reloaded.Reconcile(ctx)

	if len(reloaded.Standings()) != 2 {
		t.Fatal("reloaded session should still compute the ranking")
	}
	f.wal.mu.Lock()
	got := f.wal.credits["c"]
	f.wal.mu.Unlock()
	if got != 11 {
		t.Fatalf("creator wallet after reload = %d, want 11 (bonus paid once)", got)
	}
}

func TestEliminationRecordsRoundEntryTime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	roomID, _, su := setupGame(t, f, 10)

	// Eliminated in round 1: the recorded failure time is the round-entry
	// snapshot (0ms), not the live clock.
	time.Sleep(20 * time.Millisecond)
	eliminate(t, ctx, su)

	p, err := f.mgr.Store().LoadParticipant(ctx, roomID, "u")
	if err != nil {
		t.Fatalf("LoadParticipant: %v", err)
	}
	if p.PlayTimeMs != 0 {
		t.Fatalf("recorded failure time = %dms, want round-entry snapshot 0", p.PlayTimeMs)
	}
	if !p.IsDead {
		t.Fatal("participant not marked dead")
	}
}

func TestMultiRoundProgression(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	roomID, sc, su := setupGame(t, f, 3)
	_ = su

	for r := 1; r <= 3; r++ {
		_, _, cur := sc.CurrentPuzzle()
		if cur != r {
			t.Fatalf("session in round %d, want %d", cur, r)
		}
		clearRound(t, ctx, sc)
	}
	p, err := f.mgr.Store().LoadParticipant(ctx, roomID, "c")
	if err != nil {
		t.Fatalf("LoadParticipant: %v", err)
	}
	if !p.IsCleared {
		t.Fatal("creator should be cleared after the final round")
	}
	if p.CurrentRound != 4 {
		t.Fatalf("current_round = %d, want 4", p.CurrentRound)
	}
	// Coins accrued per cleared round: 1+2+3.
	if p.EarnedCoins != 6 {
		t.Fatalf("earned_coins = %d, want 6", p.EarnedCoins)
	}
}

func TestPracticeSoloRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r, err := f.mgr.Create(ctx, room.CreateParams{
		Name: "practice", CreatorID: "solo", CreatorName: "Solo",
		MaxPlayers: 2, Mode: puzzle.ModeShuffle, MaxRounds: 1,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	s := f.newSession(r.ID, "solo", nil)
	s.Reconcile(ctx)
	if err := s.StartGame(ctx); err != nil {
		t.Fatalf("solo StartGame: %v", err)
	}
	s.Reconcile(ctx)
	clearRound(t, ctx, s)
	s.Reconcile(ctx)

	st := s.Standings()
	if len(st) != 1 || st[0].Rank != 1 || st[0].Bonus != 0 {
		t.Fatalf("solo standings: %+v", st)
	}
}

func TestKickedSessionDetectsRemoval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r, err := f.mgr.Create(ctx, room.CreateParams{
		Name: "kicky", CreatorID: "c", CreatorName: "C",
		MaxPlayers: 3, Mode: puzzle.ModeWin,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := f.mgr.Join(ctx, r.ID, "u", "U", ""); err != nil {
		t.Fatalf("Join: %v", err)
	}

	var mu sync.Mutex
	var kinds []NoticeKind
	su := f.newSession(r.ID, "u", func(n Notice) {
		mu.Lock()
		kinds = append(kinds, n.Kind)
		mu.Unlock()
	})

	su.Reconcile(ctx) // observes itself present
	if err := f.mgr.Kick(ctx, r.ID, "c", "u"); err != nil {
		t.Fatalf("Kick: %v", err)
	}
	su.Reconcile(ctx)

	mu.Lock()
	defer mu.Unlock()
	found := false
	for _, k := range kinds {
		if k == NoticeRemoved {
			found = true
		}
	}
	if !found {
		t.Fatalf("no removal notice, got %v", kinds)
	}
}

func TestSetReadyRollsBackOnRejection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _, su := setupGame(t, f, 1)

	// Room is already PLAYING: the write is rejected and the cached flag
	// must return to its confirmed value.
	err := su.SetReady(ctx, false)
	if err == nil {
		t.Fatal("expected rejection while playing")
	}
	p, _ := f.mgr.Store().LoadParticipant(ctx, su.roomID, "u")
	if !p.IsReady {
		t.Fatal("stored ready flag changed despite rejection")
	}
}

func wrongCondition(c puzzle.Condition) puzzle.Condition {
	if c == puzzle.Win {
		return puzzle.Lose
	}
	return puzzle.Win
}

func eliminate(t *testing.T, ctx context.Context, s *Session) {
	t.Helper()
	if err := s.AdvancePhase(); err != nil {
		t.Fatalf("AdvancePhase: %v", err)
	}
	hands, conds, _ := s.CurrentPuzzle()
	out, err := s.SubmitHand(ctx, handFor(wrongCondition(conds[0]), hands[0]))
	if err != nil {
		t.Fatalf("SubmitHand: %v", err)
	}
	if out != round.Eliminated {
		t.Fatalf("outcome = %v, want Eliminated", out)
	}
}

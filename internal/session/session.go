package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kapu/janken-rush-go/internal/events"
	"github.com/kapu/janken-rush-go/internal/history"
	"github.com/kapu/janken-rush-go/internal/obslog"
	"github.com/kapu/janken-rush-go/internal/puzzle"
	"github.com/kapu/janken-rush-go/internal/rank"
	"github.com/kapu/janken-rush-go/internal/room"
	"github.com/kapu/janken-rush-go/internal/round"
	"github.com/kapu/janken-rush-go/internal/wallet"
)

var (
	ErrNotStarted = errors.New("round has not started")
	ErrFinished   = errors.New("session already reached a terminal state")
)

// NoticeKind tags a callback to the presentation layer.
type NoticeKind string

const (
	NoticeRoster  NoticeKind = "roster"
	NoticeStarted NoticeKind = "started"
	NoticeHurryUp NoticeKind = "hurry_up"
	NoticeRemoved NoticeKind = "removed"
	NoticeResult  NoticeKind = "result"
)

// Notice is pushed to the embedding layer (websocket connection, CLI)
// whenever the session's view of the room changes.
type Notice struct {
	Kind      NoticeKind
	Room      *room.Room
	Roster    []*room.Participant
	Standings []rank.Standing
}

type Options struct {
	// RefreshInterval is the reconciliation poll period covering missed
	// notifications.
	RefreshInterval time.Duration
	// ResultDelay is the pause between termination detection and the final
	// result. Zero or negative finalizes inline.
	ResultDelay time.Duration
	Notify      func(Notice)
}

// Session is one player's connection to one room: the only writer of that
// player's participant row, and the sole owner of the private round state
// (current puzzle, answer progress, play clock). Every session detects
// room termination independently; shared state makes that evaluation
// idempotent across sessions.
type Session struct {
	mgr  *room.Manager
	bus  events.Bus
	wal  wallet.Service
	repo history.Repository

	roomID string
	userID string

	opts Options

	mu     sync.Mutex
	rm     *room.Room
	roster []*room.Participant
	eval   *round.Evaluator
	clock  playClock

	// roundEnteredMs is the play-time snapshot at the current round's start;
	// an elimination is recorded with this value, not the live clock.
	roundEnteredMs int64
	earnedCoins    int

	// joinedSeen distinguishes "I was removed" from "I never joined".
	joinedSeen bool
	removed    bool

	finalizeArmed bool
	finalizeDone  bool
	bonusPaid     bool
	standings     []rank.Standing

	stopOnce sync.Once
	stopCh   chan struct{}
}

func New(mgr *room.Manager, bus events.Bus, wal wallet.Service, repo history.Repository, roomID, userID string, opts Options) *Session {
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = 5 * time.Second
	}
	if wal == nil {
		wal = wallet.Noop{}
	}
	return &Session{
		mgr:    mgr,
		bus:    bus,
		wal:    wal,
		repo:   repo,
		roomID: roomID,
		userID: userID,
		opts:   opts,
		stopCh: make(chan struct{}),
	}
}

// Run drives the session until the context ends, the player is removed, or
// Stop is called. Change notifications and the periodic poll both funnel
// into the same reconciliation, so a lost notification only delays an
// update by one poll period.
func (s *Session) Run(ctx context.Context) {
	ch, stop := s.bus.Subscribe(ctx, s.roomID)
	defer stop()

	ticker := time.NewTicker(s.opts.RefreshInterval)
	defer ticker.Stop()

	s.Reconcile(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Type == events.TypeHurryUp {
				if ev.AddressedTo(s.userID) {
					s.notify(Notice{Kind: NoticeHurryUp})
				}
				continue
			}
			s.Reconcile(ctx)
		case <-ticker.C:
			s.Reconcile(ctx)
		}
	}
}

func (s *Session) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Reconcile re-fetches the shared snapshot and reacts to whatever changed.
// Safe to call any number of times.
func (s *Session) Reconcile(ctx context.Context) {
	rm, roster, err := s.mgr.Snapshot(ctx, s.roomID)
	if err != nil {
		if errors.Is(err, room.ErrRoomGone) {
			s.mu.Lock()
			wasIn := s.joinedSeen && !s.removed
			s.removed = true
			s.mu.Unlock()
			if wasIn {
				s.notify(Notice{Kind: NoticeRemoved})
				s.Stop()
			}
			return
		}
		// Transient store failure: keep the stale view, the next poll
		// retries.
		obslog.L().Warn("session_snapshot_error", zap.String("room_id", s.roomID), zap.Error(err))
		return
	}

	s.mu.Lock()
	s.rm = rm
	s.roster = roster

	self := s.self()
	if self != nil {
		s.joinedSeen = true
	} else if s.joinedSeen && !s.removed {
		// My id vanished from a roster I previously appeared in: kicked.
		s.removed = true
		s.mu.Unlock()
		s.notify(Notice{Kind: NoticeRemoved})
		s.Stop()
		return
	}

	if rm.Status == room.StatusPlaying && s.eval == nil && self != nil && !self.Terminal() {
		s.beginPlaying(self)
		s.mu.Unlock()
		s.notify(Notice{Kind: NoticeStarted, Room: rm})
		s.maybeFinalize(ctx)
		return
	}
	s.mu.Unlock()

	s.notify(Notice{Kind: NoticeRoster, Room: rm, Roster: roster})
	s.maybeFinalize(ctx)
}

// beginPlaying resumes local state from my own row. Called with s.mu held.
func (s *Session) beginPlaying(self *room.Participant) {
	now := time.Now()
	s.clock.accumMs = self.PlayTimeMs
	s.clock.start(now)
	s.roundEnteredMs = self.PlayTimeMs
	s.earnedCoins = self.EarnedCoins
	s.eval = round.New(s.rm.Seed, self.CurrentRound, s.rm.Mode)
	obslog.L().Info("session_round_begin",
		zap.String("room_id", s.roomID),
		zap.String("user_id", s.userID),
		zap.Int("round", self.CurrentRound),
	)
}

// self returns my cached row. Called with s.mu held.
func (s *Session) self() *room.Participant {
	for _, p := range s.roster {
		if p.UserID == s.userID {
			return p
		}
	}
	return nil
}

// Evaluator state accessors for the presentation layer.

func (s *Session) Phase() round.Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eval == nil {
		return ""
	}
	return s.eval.Phase()
}

func (s *Session) CurrentPuzzle() ([]puzzle.Hand, []puzzle.Condition, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eval == nil {
		return nil, nil, 0
	}
	return s.eval.Hands(), s.eval.Conditions(), s.eval.Round()
}

func (s *Session) Standings() []rank.Standing {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.standings
}

// SetReady toggles my ready flag with an optimistic local update that rolls
// back if the store rejects the write.
func (s *Session) SetReady(ctx context.Context, ready bool) error {
	s.mu.Lock()
	self := s.self()
	if self == nil {
		s.mu.Unlock()
		return room.ErrNotMember
	}
	err := optimisticApply(self, func(p *room.Participant) { p.IsReady = ready }, func() error {
		return s.mgr.SetReady(ctx, s.roomID, s.userID, ready)
	})
	s.mu.Unlock()
	return err
}

// StartGame asks the coordinator for the WAITING→PLAYING transition.
// Creator only; refusal (not everyone ready) comes back as ErrNotAllReady
// while the hurry-up broadcast goes out to the stragglers.
func (s *Session) StartGame(ctx context.Context) error {
	_, err := s.mgr.Start(ctx, s.roomID, s.userID)
	return err
}

// AdvancePhase moves from memorizing to answering. Idempotent.
func (s *Session) AdvancePhase() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eval == nil {
		return ErrNotStarted
	}
	s.eval.Advance()
	return nil
}

// SubmitHand consumes one answer. A correct final answer clears the round:
// the progress write goes to the store first, then the next round's puzzle
// is rebuilt locally from the same room seed. A wrong answer is instantly
// fatal, recorded with the round-entry time snapshot.
func (s *Session) SubmitHand(ctx context.Context, h puzzle.Hand) (round.Outcome, error) {
	s.mu.Lock()
	if s.eval == nil {
		s.mu.Unlock()
		return round.Progress, ErrNotStarted
	}
	if s.eval.Phase() == round.PhaseCleared || s.eval.Phase() == round.PhaseEliminated {
		s.mu.Unlock()
		return round.Progress, ErrFinished
	}

	out, err := s.eval.Submit(h)
	if err != nil {
		s.mu.Unlock()
		return out, err
	}

	switch out {
	case round.Cleared:
		cleared := s.eval.Round()
		now := time.Now()
		elapsed := s.clock.elapsedMs(now)
		coins := coinsForRound(cleared)
		s.mu.Unlock()

		p, rerr := s.mgr.ReportClear(ctx, s.roomID, s.userID, cleared, elapsed)
		if rerr != nil {
			return out, rerr
		}
		if cerr := s.mgr.AddCoins(ctx, s.roomID, s.userID, coins); cerr != nil {
			obslog.L().Warn("coin_accrual_error", zap.String("user_id", s.userID), zap.Error(cerr))
		}
		if werr := s.wal.Credit(ctx, s.userID, coins); werr != nil {
			obslog.L().Warn("wallet_credit_error", zap.String("user_id", s.userID), zap.Error(werr))
		}

		s.mu.Lock()
		s.earnedCoins += coins
		if p.IsCleared {
			s.clock.stop(time.Now())
			s.eval = nil
			s.mu.Unlock()
			s.maybeFinalize(ctx)
			return out, nil
		}
		s.roundEnteredMs = elapsed
		s.eval = round.New(s.rm.Seed, p.CurrentRound, s.rm.Mode)
		s.mu.Unlock()
		return out, nil

	case round.Eliminated:
		failedAt := s.roundEnteredMs
		s.clock.stop(time.Now())
		s.eval = nil
		s.mu.Unlock()

		if _, rerr := s.mgr.ReportDead(ctx, s.roomID, s.userID, failedAt); rerr != nil {
			return out, rerr
		}
		s.maybeFinalize(ctx)
		return out, nil
	}

	s.mu.Unlock()
	return out, nil
}

// Kick removes another participant. The store enforces that only the
// creator's session may do this.
func (s *Session) Kick(ctx context.Context, targetID string) error {
	return s.mgr.Kick(ctx, s.roomID, s.userID, targetID)
}

// LeaveRoom removes my own row and stops the session.
func (s *Session) LeaveRoom(ctx context.Context) error {
	err := s.mgr.Leave(ctx, s.roomID, s.userID)
	s.Stop()
	return err
}

// maybeFinalize runs the termination check: my run is over AND every known
// participant is terminal. Evaluated reactively and on every poll; the
// armed/done flags keep repeated evaluations from re-ranking or re-paying.
func (s *Session) maybeFinalize(ctx context.Context) {
	s.mu.Lock()
	if s.finalizeArmed || s.finalizeDone {
		s.mu.Unlock()
		return
	}
	self := s.self()
	if self == nil || !self.Terminal() || !room.AllTerminal(s.roster) {
		s.mu.Unlock()
		return
	}
	s.finalizeArmed = true
	delay := s.opts.ResultDelay
	s.mu.Unlock()

	if delay > 0 {
		// Let the last answer's UI settle before switching to results.
		time.AfterFunc(delay, func() { s.finalize(context.WithoutCancel(ctx)) })
		return
	}
	s.finalize(ctx)
}

// finalize computes the ranking once, pays my rank bonus exactly once, and
// persists my own result line.
func (s *Session) finalize(ctx context.Context) {
	rm, roster, err := s.mgr.Snapshot(ctx, s.roomID)
	if err != nil {
		obslog.L().Warn("finalize_snapshot_error", zap.String("room_id", s.roomID), zap.Error(err))
		s.mu.Lock()
		s.finalizeArmed = false // retry on the next poll
		s.mu.Unlock()
		return
	}

	entries := make([]rank.Entry, 0, len(roster))
	for _, p := range roster {
		entries = append(entries, rank.Entry{
			UserID:      p.UserID,
			DisplayName: p.DisplayName,
			Round:       p.CurrentRound,
			PlayTimeMs:  p.PlayTimeMs,
			Cleared:     p.IsCleared,
			EarnedCoins: p.EarnedCoins,
		})
	}
	standings := rank.Compute(entries)

	var mine *rank.Standing
	for i := range standings {
		if standings[i].UserID == s.userID {
			mine = &standings[i]
			break
		}
	}

	s.mu.Lock()
	if s.finalizeDone {
		s.mu.Unlock()
		return
	}
	s.finalizeDone = true
	s.standings = standings
	payBonus := mine != nil && mine.Bonus > 0 && !s.bonusPaid
	if payBonus {
		s.bonusPaid = true
	}
	s.mu.Unlock()

	if payBonus {
		// The persisted flag is the cross-session guard; the claim is what
		// makes a reload or second tab unable to pay again.
		claimed, cerr := s.mgr.ClaimBonus(ctx, s.roomID, s.userID)
		if cerr != nil {
			obslog.L().Warn("bonus_claim_error", zap.String("user_id", s.userID), zap.Error(cerr))
		} else if claimed {
			if werr := s.wal.Credit(ctx, s.userID, mine.Bonus); werr != nil {
				obslog.L().Error("bonus_credit_error", zap.String("user_id", s.userID), zap.Int("bonus", mine.Bonus), zap.Error(werr))
			} else {
				obslog.L().Info("bonus_paid",
					zap.String("room_id", s.roomID),
					zap.String("user_id", s.userID),
					zap.Int("bonus", mine.Bonus),
				)
			}
		}
	}

	if s.repo != nil && mine != nil {
		res := &history.MatchResult{
			RoomID:      s.roomID,
			Mode:        string(rm.Mode),
			UserID:      s.userID,
			DisplayName: mine.DisplayName,
			FinalRound:  mine.Round,
			PlayTimeMs:  mine.PlayTimeMs,
			Cleared:     mine.Cleared,
			EarnedCoins: mine.EarnedCoins,
			Bonus:       mine.Bonus,
			Rank:        mine.Rank,
			Points:      rank.Points(mine.Rank, len(standings)),
			FinishedAt:  time.Now(),
		}
		if serr := s.repo.SaveResult(ctx, res); serr != nil {
			obslog.L().Warn("result_persist_error", zap.String("user_id", s.userID), zap.Error(serr))
		}
	}

	// Only the creator writes the room row.
	if rm.CreatorID == s.userID {
		if ferr := s.mgr.Finish(ctx, s.roomID, s.userID); ferr != nil && !errors.Is(ferr, room.ErrNotPlaying) {
			obslog.L().Warn("room_finish_error", zap.String("room_id", s.roomID), zap.Error(ferr))
		}
	}

	s.notify(Notice{Kind: NoticeResult, Room: rm, Roster: roster, Standings: standings})
}

func (s *Session) notify(n Notice) {
	if s.opts.Notify != nil {
		s.opts.Notify(n)
	}
}

// coinsForRound is the in-game accrual for clearing a round: later rounds
// pay more.
func coinsForRound(r int) int { return r }

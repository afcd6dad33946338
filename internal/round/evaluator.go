package round

import (
	"errors"

	"github.com/kapu/janken-rush-go/internal/puzzle"
)

var (
	ErrNotAnswering = errors.New("evaluator is not in the answer phase")
	ErrTerminal     = errors.New("evaluator already reached a terminal state")
)

// Phase is the local state of a player's current round. Memory and Answer
// are private to the player; Cleared and Eliminated are the reported
// terminal outcomes.
type Phase string

const (
	PhaseMemory     Phase = "MEMORY"
	PhaseAnswer     Phase = "ANSWER"
	PhaseCleared    Phase = "CLEARED"
	PhaseEliminated Phase = "ELIMINATED"
)

// Outcome of a single answer submission.
type Outcome int

const (
	Progress Outcome = iota
	Cleared
	Eliminated
)

// Evaluator consumes one player's answers for one round. It is rebuilt from
// the shared room seed whenever the player enters a new round, so all of its
// state stays on the player's own side.
type Evaluator struct {
	round int
	mode  puzzle.Mode
	hands []puzzle.Hand
	conds []puzzle.Condition

	phase Phase

	// sequential modes
	questionTurn int

	// shuffle modes: greedy matching bookkeeping
	solved    []bool
	demand    map[puzzle.Condition]int
	satisfied map[puzzle.Condition]int

	solvedCount int
}

func New(seed int32, round int, mode puzzle.Mode) *Evaluator {
	hands, conds := puzzle.Generate(seed, round, mode)
	e := &Evaluator{
		round: round,
		mode:  mode,
		hands: hands,
		conds: conds,
		phase: PhaseMemory,
	}
	if mode.Shuffled() {
		e.solved = make([]bool, len(hands))
		e.demand = make(map[puzzle.Condition]int, 3)
		e.satisfied = make(map[puzzle.Condition]int, 3)
		for _, c := range conds {
			e.demand[c]++
		}
	}
	return e
}

func (e *Evaluator) Round() int                     { return e.round }
func (e *Evaluator) Phase() Phase                   { return e.phase }
func (e *Evaluator) Hands() []puzzle.Hand           { return e.hands }
func (e *Evaluator) Conditions() []puzzle.Condition { return e.conds }
func (e *Evaluator) SolvedCount() int               { return e.solvedCount }

// QuestionTurn is the index the next answer is compared against in
// sequential modes.
func (e *Evaluator) QuestionTurn() int { return e.questionTurn }

// Advance moves from the memory phase to the answer phase. Calling it again
// while already answering is a no-op.
func (e *Evaluator) Advance() {
	if e.phase == PhaseMemory {
		e.phase = PhaseAnswer
	}
}

// Submit consumes one hand choice. Every submission either progresses the
// round, clears it, or eliminates the player — there is no retry.
func (e *Evaluator) Submit(h puzzle.Hand) (Outcome, error) {
	switch e.phase {
	case PhaseMemory:
		return Progress, ErrNotAnswering
	case PhaseCleared, PhaseEliminated:
		return Progress, ErrTerminal
	}
	if e.mode.Shuffled() {
		return e.submitShuffled(h), nil
	}
	return e.submitSequential(h), nil
}

func (e *Evaluator) submitSequential(h puzzle.Hand) Outcome {
	got := puzzle.Resolve(h, e.hands[e.questionTurn])
	if got != e.conds[e.questionTurn] {
		e.phase = PhaseEliminated
		return Eliminated
	}
	e.questionTurn++
	e.solvedCount++
	if e.questionTurn == len(e.hands) {
		e.phase = PhaseCleared
		return Cleared
	}
	return Progress
}

// submitShuffled matches the hand against the first unsolved index whose
// resulting outcome still has remaining demand in the target distribution.
func (e *Evaluator) submitShuffled(h puzzle.Hand) Outcome {
	for i, hand := range e.hands {
		if e.solved[i] {
			continue
		}
		got := puzzle.Resolve(h, hand)
		if e.satisfied[got] < e.demand[got] {
			e.solved[i] = true
			e.satisfied[got]++
			e.solvedCount++
			if e.solvedCount == len(e.hands) {
				e.phase = PhaseCleared
				return Cleared
			}
			return Progress
		}
	}
	e.phase = PhaseEliminated
	return Eliminated
}

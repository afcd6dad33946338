package puzzle

import "strings"

// Hand is a rock/paper/scissors throw. Values beat the cyclically next one:
// 0 beats 1, 1 beats 2, 2 beats 0.
type Hand int

const (
	Rock Hand = iota
	Scissors
	Paper
)

// Condition is the target outcome demanded for a question, from the
// answering player's point of view.
type Condition string

const (
	Win  Condition = "WIN"
	Draw Condition = "DRAW"
	Lose Condition = "LOSE"
)

// Mode selects how per-question conditions are generated.
type Mode string

const (
	ModeWin     Mode = "WIN"
	ModeDraw    Mode = "DRAW"
	ModeLose    Mode = "LOSE"
	ModeShuffle Mode = "SHUFFLE"
	ModeExpert  Mode = "EXPERT"
)

// ParseMode accepts labels such as "WIN", "win mode", "SHUFFLE MODE".
func ParseMode(s string) (Mode, bool) {
	v := strings.ToUpper(strings.TrimSpace(s))
	if i := strings.IndexByte(v, ' '); i > 0 {
		v = v[:i]
	}
	switch Mode(v) {
	case ModeWin, ModeDraw, ModeLose, ModeShuffle, ModeExpert:
		return Mode(v), true
	}
	return "", false
}

// Shuffled reports whether the mode draws a random condition per question.
func (m Mode) Shuffled() bool { return m == ModeShuffle || m == ModeExpert }

// FixedCondition is the single repeated condition of a non-shuffle mode.
func (m Mode) FixedCondition() Condition {
	switch m {
	case ModeDraw:
		return Draw
	case ModeLose:
		return Lose
	default:
		return Win
	}
}

// Resolve returns the outcome of the player's hand against the AI hand.
func Resolve(player, ai Hand) Condition {
	if player == ai {
		return Draw
	}
	if (player+1)%3 == ai {
		return Win
	}
	return Lose
}

// Length is the question count for a round.
func Length(round int) int { return round + 2 }

// Generate derives the puzzle sequence for one round of a room. It is pure:
// the same (seed, round, mode) yields bit-identical output on every machine,
// which is what lets each player rebuild the round locally from the shared
// room seed. The draw order is fixed — hands first, then conditions.
func Generate(seed int32, round int, mode Mode) ([]Hand, []Condition) {
	n := Length(round)
	r := newRNG(seed + int32(round))

	hands := make([]Hand, n)
	for i := range hands {
		hands[i] = Hand(r.intn(3))
	}

	conds := make([]Condition, n)
	if mode.Shuffled() {
		for i := range conds {
			switch r.intn(3) {
			case 0:
				conds[i] = Win
			case 1:
				conds[i] = Draw
			default:
				conds[i] = Lose
			}
		}
	} else {
		fixed := mode.FixedCondition()
		for i := range conds {
			conds[i] = fixed
		}
	}
	return hands, conds
}

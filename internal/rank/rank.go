package rank

import "sort"

// BonusStep is the coin increment between adjacent ranks.
const BonusStep = 10

// Entry is one participant's final snapshot, as read from the room store
// once every participant reached a terminal state.
type Entry struct {
	UserID      string
	DisplayName string
	Round       int
	PlayTimeMs  int64
	Cleared     bool
	EarnedCoins int
}

// Standing is one row of the final result.
type Standing struct {
	Entry
	Rank        int
	Bonus       int
	TotalReward int
	Points      float64
}

// Compute sorts participants by round reached (descending), breaking ties by
// play time (ascending, faster first), and assigns rank, bonus and standings
// points. It is pure; calling it repeatedly over the same snapshot yields
// the same result.
func Compute(entries []Entry) []Standing {
	n := len(entries)
	sorted := make([]Entry, n)
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Round != sorted[j].Round {
			return sorted[i].Round > sorted[j].Round
		}
		return sorted[i].PlayTimeMs < sorted[j].PlayTimeMs
	})

	out := make([]Standing, n)
	for i, e := range sorted {
		r := i + 1
		bonus := Bonus(n, r)
		out[i] = Standing{
			Entry:       e,
			Rank:        r,
			Bonus:       bonus,
			TotalReward: e.EarnedCoins + bonus,
			Points:      Points(r, n),
		}
	}
	return out
}

// Bonus is the rank reward: last place gets nothing, each better rank gains
// a fixed step over the rank below it. Never negative.
func Bonus(total, rank int) int {
	b := (total - rank) * BonusStep
	if b < 0 {
		return 0
	}
	return b
}

// pointTable enumerates standings points per (participant count, rank).
// These are fixed values, not a formula.
var pointTable = map[int]map[int]float64{
	2: {1: 1.0, 2: 0.0},
	3: {1: 1.0, 2: 0.5, 3: 0.0},
	4: {1: 1.0, 2: 0.7, 3: 0.4, 4: 0.0},
}

// Points returns the standings points for a rank among total participants.
// Configurations outside 2-4 participants score zero.
func Points(rank, total int) float64 {
	return pointTable[total][rank]
}

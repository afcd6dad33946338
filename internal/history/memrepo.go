package history

import (
	"context"
	"sort"
	"sync"
)

// memrepo is an in-memory repository used when no database is configured,
// and by tests.
type memrepo struct {
	mu      sync.RWMutex
	results map[string]*MatchResult // roomID|userID -> result
}

func NewMemoryRepository() Repository {
	return &memrepo{results: make(map[string]*MatchResult)}
}

func (m *memrepo) key(roomID, userID string) string { return roomID + "|" + userID }

func (m *memrepo) SaveResult(ctx context.Context, res *MatchResult) error {
	if res == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *res
	m.results[m.key(res.RoomID, res.UserID)] = &cp
	return nil
}

func (m *memrepo) Leaderboard(ctx context.Context, mode string, limit int) ([]*LeaderboardRow, error) {
	if limit <= 0 {
		limit = 20
	}
	m.mu.RLock()
	best := make(map[string]*MatchResult)
	for _, res := range m.results {
		if res.Mode != mode {
			continue
		}
		cur, ok := best[res.UserID]
		if !ok || res.FinalRound > cur.FinalRound ||
			(res.FinalRound == cur.FinalRound && res.PlayTimeMs < cur.PlayTimeMs) {
			best[res.UserID] = res
		}
	}
	m.mu.RUnlock()

	out := make([]*LeaderboardRow, 0, len(best))
	for _, res := range best {
		out = append(out, &LeaderboardRow{
			Mode:        res.Mode,
			DisplayName: res.DisplayName,
			BestRound:   res.FinalRound,
			BestTimeMs:  res.PlayTimeMs,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BestRound != out[j].BestRound {
			return out[i].BestRound > out[j].BestRound
		}
		return out[i].BestTimeMs < out[j].BestTimeMs
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memrepo) Close() error { return nil }

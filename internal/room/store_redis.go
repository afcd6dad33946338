package room

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultTTL = 6 * time.Hour

// Store keeps room and participant rows in Redis as JSON aggregates, one key
// per row, plus a member-id set per room and a global lobby index. Every key
// carries a TTL so rooms orphaned by a vanished creator age out on their own.
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Store{rdb: rdb, ttl: ttl}
}

func (s *Store) keyRoom(id string) string { return "jr:room:" + strings.TrimSpace(id) }
func (s *Store) keyMembers(id string) string {
	return s.keyRoom(id) + ":members"
}
func (s *Store) keyParticipant(roomID, userID string) string {
	return s.keyRoom(roomID) + ":p:" + strings.TrimSpace(userID)
}
func (s *Store) keyLobby() string { return "jr:lobby" }

func (s *Store) SaveRoom(ctx context.Context, r *Room) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, s.keyRoom(r.ID), raw, s.ttl).Err(); err != nil {
		return err
	}
	_ = s.rdb.Expire(ctx, s.keyMembers(r.ID), s.ttl).Err()
	return nil
}

func (s *Store) LoadRoom(ctx context.Context, id string) (*Room, error) {
	raw, err := s.rdb.Get(ctx, s.keyRoom(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var r Room
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) SaveParticipant(ctx context.Context, p *Participant) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, s.keyParticipant(p.RoomID, p.UserID), raw, s.ttl).Err()
}

func (s *Store) LoadParticipant(ctx context.Context, roomID, userID string) (*Participant, error) {
	raw, err := s.rdb.Get(ctx, s.keyParticipant(roomID, userID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var p Participant
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) AddMember(ctx context.Context, roomID, userID string) error {
	if err := s.rdb.SAdd(ctx, s.keyMembers(roomID), userID).Err(); err != nil {
		return err
	}
	return s.rdb.Expire(ctx, s.keyMembers(roomID), s.ttl).Err()
}

func (s *Store) RemoveMember(ctx context.Context, roomID, userID string) error {
	if err := s.rdb.SRem(ctx, s.keyMembers(roomID), userID).Err(); err != nil {
		return err
	}
	return s.rdb.Del(ctx, s.keyParticipant(roomID, userID)).Err()
}

func (s *Store) Members(ctx context.Context, roomID string) ([]string, error) {
	return s.rdb.SMembers(ctx, s.keyMembers(roomID)).Result()
}

func (s *Store) MemberCount(ctx context.Context, roomID string) (int64, error) {
	return s.rdb.SCard(ctx, s.keyMembers(roomID)).Result()
}

// Participants loads every member's row. Members whose row has vanished
// (expired or deleted mid-scan) are skipped.
func (s *Store) Participants(ctx context.Context, roomID string) ([]*Participant, error) {
	ids, err := s.Members(ctx, roomID)
	if err != nil {
		return nil, err
	}
	out := make([]*Participant, 0, len(ids))
	for _, id := range ids {
		p, err := s.LoadParticipant(ctx, roomID, id)
		if err != nil {
			return nil, err
		}
		if p == nil {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *Store) AddLobby(ctx context.Context, roomID string) error {
	if err := s.rdb.SAdd(ctx, s.keyLobby(), roomID).Err(); err != nil {
		return err
	}
	return s.rdb.Expire(ctx, s.keyLobby(), s.ttl).Err()
}

func (s *Store) RemoveLobby(ctx context.Context, roomID string) error {
	return s.rdb.SRem(ctx, s.keyLobby(), roomID).Err()
}

// ListLobby returns rooms still waiting for players. Stale index entries
// whose room row has expired are pruned as they are encountered.
func (s *Store) ListLobby(ctx context.Context) ([]*Room, error) {
	ids, err := s.rdb.SMembers(ctx, s.keyLobby()).Result()
	if err != nil {
		return nil, err
	}
	var out []*Room
	for _, id := range ids {
		r, err := s.LoadRoom(ctx, id)
		if err != nil {
			return nil, err
		}
		if r == nil {
			_ = s.RemoveLobby(ctx, id)
			continue
		}
		if r.Status != StatusWaiting {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// DeleteRoom removes the room row, all participant rows, the member set and
// the lobby entry.
func (s *Store) DeleteRoom(ctx context.Context, roomID string) error {
	ids, err := s.Members(ctx, roomID)
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(ids)+2)
	for _, id := range ids {
		keys = append(keys, s.keyParticipant(roomID, id))
	}
	keys = append(keys, s.keyMembers(roomID), s.keyRoom(roomID))
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return err
	}
	return s.RemoveLobby(ctx, roomID)
}

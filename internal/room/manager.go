package room

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/kapu/janken-rush-go/internal/events"
	"github.com/kapu/janken-rush-go/internal/obslog"
	"github.com/kapu/janken-rush-go/internal/puzzle"
)

// DefaultMaxRounds is the round a player must clear to finish the game
// alive, when the creator does not pick one.
const DefaultMaxRounds = 10

// Manager coordinates the room lifecycle against the shared store. Every
// mutation publishes a change notification; consumers also poll, so a lost
// notification is never fatal.
type Manager struct {
	rdb   *redis.Client
	store *Store
	bus   events.Bus
}

func NewManager(rdb *redis.Client, bus events.Bus, ttl time.Duration) *Manager {
	return &Manager{rdb: rdb, store: NewStore(rdb, ttl), bus: bus}
}

// Store exposes the underlying row store for read paths (lobby listing,
// reconciliation snapshots).
func (m *Manager) Store() *Store { return m.store }

type CreateParams struct {
	Name        string
	CreatorID   string
	CreatorName string
	MaxPlayers  int
	Mode        puzzle.Mode
	Password    string
	MaxRounds   int
}

func (m *Manager) Create(ctx context.Context, p CreateParams) (*Room, error) {
	if strings.TrimSpace(p.Name) == "" || strings.TrimSpace(p.CreatorID) == "" {
		return nil, ErrInvalidArgs
	}
	if p.MaxPlayers < 2 || p.MaxPlayers > 4 {
		return nil, ErrInvalidArgs
	}
	if _, ok := puzzle.ParseMode(string(p.Mode)); !ok {
		return nil, ErrInvalidArgs
	}
	if p.MaxRounds <= 0 {
		p.MaxRounds = DefaultMaxRounds
	}

	r := &Room{
		ID:         uuid.NewString(),
		Name:       strings.TrimSpace(p.Name),
		CreatorID:  strings.TrimSpace(p.CreatorID),
		MaxPlayers: p.MaxPlayers,
		Password:   p.Password,
		Mode:       p.Mode,
		MaxRounds:  p.MaxRounds,
		Status:     StatusWaiting,
		CreatedAt:  time.Now(),
	}
	if err := m.store.SaveRoom(ctx, r); err != nil {
		return nil, err
	}
	creator := &Participant{
		RoomID:       r.ID,
		UserID:       r.CreatorID,
		DisplayName:  strings.TrimSpace(p.CreatorName),
		CurrentRound: 1,
		JoinedAt:     time.Now(),
	}
	if err := m.store.SaveParticipant(ctx, creator); err != nil {
		return nil, err
	}
	if err := m.store.AddMember(ctx, r.ID, creator.UserID); err != nil {
		return nil, err
	}
	if err := m.store.AddLobby(ctx, r.ID); err != nil {
		return nil, err
	}
	obslog.L().Info("room_create",
		zap.String("room_id", r.ID),
		zap.String("creator_id", r.CreatorID),
		zap.String("mode", string(r.Mode)),
		zap.Int("max_players", r.MaxPlayers),
	)
	m.publish(ctx, events.Event{Type: events.TypeJoined, RoomID: r.ID, UserID: creator.UserID})
	return r, nil
}

// Join adds a participant to a waiting room. The password check happens
// before any membership write; on mismatch the join is never attempted. The
// status and capacity checks run inside the transaction, watching the room
// key, so a join can never commit after the creator's WAITING→PLAYING write.
func (m *Manager) Join(ctx context.Context, roomID, userID, displayName, password string) (*Participant, error) {
	if strings.TrimSpace(roomID) == "" || strings.TrimSpace(userID) == "" {
		return nil, ErrInvalidArgs
	}
	r, err := m.store.LoadRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, ErrRoomGone
	}
	if r.Password != "" && r.Password != password {
		return nil, ErrBadPassword
	}

	p := &Participant{
		RoomID:       roomID,
		UserID:       strings.TrimSpace(userID),
		DisplayName:  strings.TrimSpace(displayName),
		CurrentRound: 1,
		JoinedAt:     time.Now(),
	}
	roomKey := m.store.keyRoom(roomID)
	memberKey := m.store.keyMembers(roomID)
	err = m.rdb.Watch(ctx, func(tx *redis.Tx) error {
		rawRoom, err := tx.Get(ctx, roomKey).Bytes()
		if err == redis.Nil {
			return ErrRoomGone
		}
		if err != nil {
			return err
		}
		var cur Room
		if err := json.Unmarshal(rawRoom, &cur); err != nil {
			return err
		}
		if cur.Status != StatusWaiting {
			return ErrAlreadyStarted
		}
		cnt, err := tx.SCard(ctx, memberKey).Result()
		if err != nil && err != redis.Nil {
			return err
		}
		if cnt >= int64(cur.MaxPlayers) {
			return ErrRoomFull
		}
		raw, err := json.Marshal(p)
		if err != nil {
			return err
		}
		pipe := tx.TxPipeline()
		pipe.SAdd(ctx, memberKey, p.UserID)
		pipe.Expire(ctx, memberKey, m.store.ttl)
		pipe.Set(ctx, m.store.keyParticipant(roomID, p.UserID), raw, m.store.ttl)
		_, pErr := pipe.Exec(ctx)
		return pErr
	}, roomKey, memberKey)
	if err != nil {
		obslog.L().Warn("room_join_error", zap.String("room_id", roomID), zap.String("user_id", userID), zap.Error(err))
		return nil, err
	}
	obslog.L().Info("room_join", zap.String("room_id", roomID), zap.String("user_id", p.UserID))
	m.publish(ctx, events.Event{Type: events.TypeJoined, RoomID: roomID, UserID: p.UserID})
	return p, nil
}

// SetReady toggles the ready flag. It is meaningful only while the room is
// waiting; the creator does not ready up.
func (m *Manager) SetReady(ctx context.Context, roomID, userID string, ready bool) error {
	r, err := m.store.LoadRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if r == nil {
		return ErrRoomGone
	}
	if r.Status != StatusWaiting {
		return ErrAlreadyStarted
	}
	p, err := m.store.LoadParticipant(ctx, roomID, userID)
	if err != nil {
		return err
	}
	if p == nil {
		return ErrNotMember
	}
	p.IsReady = ready
	if err := m.store.SaveParticipant(ctx, p); err != nil {
		return err
	}
	m.publish(ctx, events.Event{Type: events.TypeParticipantChanged, RoomID: roomID, UserID: userID})
	return nil
}

// Start transitions WAITING→PLAYING with a freshly chosen seed. This single
// write is the synchronization point every other session observes. With two
// or more players it requires every non-creator to be ready, otherwise it
// refuses and sends a targeted hurry-up broadcast. A lone creator starts a
// practice run unconditionally.
func (m *Manager) Start(ctx context.Context, roomID, creatorID string) (*Room, error) {
	roomKey := m.store.keyRoom(roomID)
	memberKey := m.store.keyMembers(roomID)
	var started *Room
	err := m.rdb.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, roomKey).Bytes()
		if err == redis.Nil {
			return ErrRoomGone
		}
		if err != nil {
			return err
		}
		var r Room
		if err := json.Unmarshal(raw, &r); err != nil {
			return err
		}
		if r.CreatorID != creatorID {
			return ErrNotCreator
		}
		if r.Status != StatusWaiting {
			return ErrAlreadyStarted
		}

		parts, err := m.store.Participants(ctx, roomID)
		if err != nil {
			return err
		}
		if len(parts) >= 2 {
			var notReady []string
			for _, p := range parts {
				if p.UserID != r.CreatorID && !p.IsReady {
					notReady = append(notReady, p.UserID)
				}
			}
			if len(notReady) > 0 {
				m.publish(ctx, events.Event{Type: events.TypeHurryUp, RoomID: roomID, Targets: notReady})
				return ErrNotAllReady
			}
		}

		r.Seed = newSeed()
		r.Status = StatusPlaying
		newRaw, err := json.Marshal(&r)
		if err != nil {
			return err
		}
		pipe := tx.TxPipeline()
		pipe.Set(ctx, roomKey, newRaw, m.store.ttl)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		started = &r
		return nil
	}, roomKey, memberKey)
	if err != nil {
		return nil, err
	}
	_ = m.store.RemoveLobby(ctx, roomID)
	obslog.L().Info("room_start",
		zap.String("room_id", roomID),
		zap.Int32("seed", started.Seed),
		zap.String("mode", string(started.Mode)),
	)
	m.publish(ctx, events.Event{Type: events.TypeRoomChanged, RoomID: roomID})
	return started, nil
}

// ReportClear records a round clear: the participant moves to the next
// round, or to the cleared terminal state after the room's final round.
// current_round and play_time only move forward.
func (m *Manager) ReportClear(ctx context.Context, roomID, userID string, clearedRound int, playTimeMs int64) (*Participant, error) {
	r, err := m.store.LoadRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, ErrRoomGone
	}
	if r.Status != StatusPlaying {
		return nil, ErrNotPlaying
	}
	p, err := m.store.LoadParticipant(ctx, roomID, userID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ErrNotMember
	}
	if p.Terminal() {
		return p, nil
	}
	if clearedRound+1 > p.CurrentRound {
		p.CurrentRound = clearedRound + 1
	}
	if playTimeMs > p.PlayTimeMs {
		p.PlayTimeMs = playTimeMs
	}
	if clearedRound >= r.MaxRounds {
		p.IsCleared = true
	}
	if err := m.store.SaveParticipant(ctx, p); err != nil {
		return nil, err
	}
	m.markFirstClear(ctx, roomID)
	obslog.L().Info("round_clear",
		zap.String("room_id", roomID),
		zap.String("user_id", userID),
		zap.Int("round", clearedRound),
		zap.Bool("game_cleared", p.IsCleared),
	)
	m.publish(ctx, events.Event{Type: events.TypeParticipantChanged, RoomID: roomID, UserID: userID})
	return p, nil
}

// ReportDead records an elimination with the final play time. Terminal
// flags are mutually exclusive and immutable once set.
func (m *Manager) ReportDead(ctx context.Context, roomID, userID string, playTimeMs int64) (*Participant, error) {
	p, err := m.store.LoadParticipant(ctx, roomID, userID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ErrNotMember
	}
	if p.Terminal() {
		return p, nil
	}
	p.IsDead = true
	if playTimeMs > p.PlayTimeMs {
		p.PlayTimeMs = playTimeMs
	}
	if err := m.store.SaveParticipant(ctx, p); err != nil {
		return nil, err
	}
	obslog.L().Info("player_dead",
		zap.String("room_id", roomID),
		zap.String("user_id", userID),
		zap.Int("round", p.CurrentRound),
	)
	m.publish(ctx, events.Event{Type: events.TypeParticipantChanged, RoomID: roomID, UserID: userID})
	return p, nil
}

// AddCoins accrues in-game coins on the participant row.
func (m *Manager) AddCoins(ctx context.Context, roomID, userID string, n int) error {
	if n <= 0 {
		return nil
	}
	p, err := m.store.LoadParticipant(ctx, roomID, userID)
	if err != nil {
		return err
	}
	if p == nil {
		return ErrNotMember
	}
	p.EarnedCoins += n
	if err := m.store.SaveParticipant(ctx, p); err != nil {
		return err
	}
	m.publish(ctx, events.Event{Type: events.TypeParticipantChanged, RoomID: roomID, UserID: userID})
	return nil
}

// ClaimBonus flips the persisted bonus_paid flag. It returns true exactly
// once per participant, under WATCH, so a session reload or a second tab can
// never pay the rank bonus twice.
func (m *Manager) ClaimBonus(ctx context.Context, roomID, userID string) (bool, error) {
	key := m.store.keyParticipant(roomID, userID)
	claimed := false
	err := m.rdb.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return ErrNotMember
		}
		if err != nil {
			return err
		}
		var p Participant
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
		if p.BonusPaid {
			return nil
		}
		p.BonusPaid = true
		newRaw, err := json.Marshal(&p)
		if err != nil {
			return err
		}
		pipe := tx.TxPipeline()
		pipe.Set(ctx, key, newRaw, m.store.ttl)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		claimed = true
		return nil
	}, key)
	if err != nil {
		return false, err
	}
	return claimed, nil
}

// Leave removes the caller's own row. A creator leaving as the sole
// remaining participant deletes the whole room (orphan cleanup).
func (m *Manager) Leave(ctx context.Context, roomID, userID string) error {
	r, err := m.store.LoadRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if r == nil {
		return ErrRoomGone
	}
	cnt, err := m.store.MemberCount(ctx, roomID)
	if err != nil {
		return err
	}
	if r.CreatorID == userID && cnt <= 1 {
		if err := m.store.DeleteRoom(ctx, roomID); err != nil {
			return err
		}
		obslog.L().Info("room_delete", zap.String("room_id", roomID))
		return nil
	}
	if err := m.store.RemoveMember(ctx, roomID, userID); err != nil {
		return err
	}
	obslog.L().Info("room_leave", zap.String("room_id", roomID), zap.String("user_id", userID))
	m.publish(ctx, events.Event{Type: events.TypeLeft, RoomID: roomID, UserID: userID})
	return nil
}

// Kick removes another participant. Creator only.
func (m *Manager) Kick(ctx context.Context, roomID, creatorID, targetID string) error {
	r, err := m.store.LoadRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if r == nil {
		return ErrRoomGone
	}
	if r.CreatorID != creatorID {
		return ErrNotCreator
	}
	if targetID == creatorID {
		return ErrInvalidArgs
	}
	if err := m.store.RemoveMember(ctx, roomID, targetID); err != nil {
		return err
	}
	obslog.L().Info("room_kick", zap.String("room_id", roomID), zap.String("target_id", targetID))
	m.publish(ctx, events.Event{Type: events.TypeLeft, RoomID: roomID, UserID: targetID})
	return nil
}

// Finish transitions PLAYING→FINISHED. Only the creator writes the room
// row; calling it again once finished is a no-op.
func (m *Manager) Finish(ctx context.Context, roomID, creatorID string) error {
	roomKey := m.store.keyRoom(roomID)
	err := m.rdb.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, roomKey).Bytes()
		if err == redis.Nil {
			return ErrRoomGone
		}
		if err != nil {
			return err
		}
		var r Room
		if err := json.Unmarshal(raw, &r); err != nil {
			return err
		}
		if r.CreatorID != creatorID {
			return ErrNotCreator
		}
		if r.Status == StatusFinished {
			return nil
		}
		if r.Status != StatusPlaying {
			return ErrNotPlaying
		}
		r.Status = StatusFinished
		newRaw, err := json.Marshal(&r)
		if err != nil {
			return err
		}
		pipe := tx.TxPipeline()
		pipe.Set(ctx, roomKey, newRaw, m.store.ttl)
		_, pErr := pipe.Exec(ctx)
		return pErr
	}, roomKey)
	if err != nil {
		return err
	}
	obslog.L().Info("room_finish", zap.String("room_id", roomID))
	m.publish(ctx, events.Event{Type: events.TypeRoomChanged, RoomID: roomID})
	return nil
}

// Snapshot is the full re-fetch used by the reconciliation poll.
func (m *Manager) Snapshot(ctx context.Context, roomID string) (*Room, []*Participant, error) {
	r, err := m.store.LoadRoom(ctx, roomID)
	if err != nil {
		return nil, nil, err
	}
	if r == nil {
		return nil, nil, ErrRoomGone
	}
	parts, err := m.store.Participants(ctx, roomID)
	if err != nil {
		return nil, nil, err
	}
	return r, parts, nil
}

// markFirstClear stamps the room's first round clear, once.
func (m *Manager) markFirstClear(ctx context.Context, roomID string) {
	roomKey := m.store.keyRoom(roomID)
	err := m.rdb.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, roomKey).Bytes()
		if err != nil {
			return err
		}
		var r Room
		if err := json.Unmarshal(raw, &r); err != nil {
			return err
		}
		if !r.FirstClearedAt.IsZero() {
			return nil
		}
		r.FirstClearedAt = time.Now()
		newRaw, err := json.Marshal(&r)
		if err != nil {
			return err
		}
		pipe := tx.TxPipeline()
		pipe.Set(ctx, roomKey, newRaw, m.store.ttl)
		_, pErr := pipe.Exec(ctx)
		return pErr
	}, roomKey)
	if err != nil {
		obslog.L().Warn("first_clear_stamp_error", zap.String("room_id", roomID), zap.Error(err))
		return
	}
	m.publish(ctx, events.Event{Type: events.TypeRoomChanged, RoomID: roomID})
}

// publish is best-effort: a lost notification degrades to a stale view that
// the next reconciliation poll corrects.
func (m *Manager) publish(ctx context.Context, ev events.Event) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(ctx, ev); err != nil {
		obslog.L().Warn("event_publish_error",
			zap.String("room_id", ev.RoomID),
			zap.String("type", string(ev.Type)),
			zap.Error(err),
		)
	}
}

func newSeed() int32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return int32(time.Now().UnixNano())
	}
	return int32(binary.LittleEndian.Uint32(b[:]))
}

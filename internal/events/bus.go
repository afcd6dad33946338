package events

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/kapu/janken-rush-go/internal/obslog"
)

// Type tags a room notification.
type Type string

const (
	// TypeRoomChanged fires after any write to the room row (status/seed
	// transitions, first-clear stamp).
	TypeRoomChanged Type = "room_changed"
	// TypeParticipantChanged fires after any write to a participant row.
	TypeParticipantChanged Type = "participant_changed"
	TypeJoined             Type = "joined"
	TypeLeft               Type = "left"
	// TypeHurryUp is a best-effort broadcast addressed to the not-ready
	// participants. It is never persisted and may be lost.
	TypeHurryUp Type = "hurry_up"
)

// Event is a room-scoped change notification.
type Event struct {
	Type    Type     `json:"type"`
	RoomID  string   `json:"room_id"`
	UserID  string   `json:"user_id,omitempty"`
	Targets []string `json:"targets,omitempty"`
}

// AddressedTo reports whether the event concerns the given user. Untargeted
// events concern everyone in the room.
func (e Event) AddressedTo(userID string) bool {
	if len(e.Targets) == 0 {
		return true
	}
	for _, t := range e.Targets {
		if t == userID {
			return true
		}
	}
	return false
}

// Bus delivers room change notifications to every subscribed session.
// Delivery is best-effort; sessions run a periodic reconciliation poll to
// cover losses.
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	Subscribe(ctx context.Context, roomID string) (<-chan Event, func())
}

// RedisBus implements Bus over Redis pub/sub, one channel per room.
type RedisBus struct {
	rdb *redis.Client
}

func NewRedisBus(rdb *redis.Client) *RedisBus {
	return &RedisBus{rdb: rdb}
}

func channelKey(roomID string) string { return "room:events:" + roomID }

func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, channelKey(ev.RoomID), raw).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, roomID string) (<-chan Event, func()) {
	ps := b.rdb.Subscribe(ctx, channelKey(roomID))
	out := make(chan Event, 32)
	go func() {
		defer close(out)
		for msg := range ps.Channel() {
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				obslog.L().Warn("event_decode_error", zap.String("room_id", roomID), zap.Error(err))
				continue
			}
			select {
			case out <- ev:
			default:
				// Slow consumer: drop. The reconciliation poll catches up.
				obslog.L().Warn("event_dropped", zap.String("room_id", roomID), zap.String("type", string(ev.Type)))
			}
		}
	}()
	return out, func() { _ = ps.Close() }
}

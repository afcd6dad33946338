package room

import (
	"time"

	"github.com/kapu/janken-rush-go/internal/puzzle"
)

// Status is the room lifecycle state. It only ever moves forward.
type Status string

const (
	StatusWaiting  Status = "WAITING"
	StatusPlaying  Status = "PLAYING"
	StatusFinished Status = "FINISHED"
)

// Room is the shared room row. Only the creator's session writes it. The
// seed is set exactly once, at the WAITING→PLAYING transition, and every
// player derives all puzzle sequences from it.
type Room struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	CreatorID  string      `json:"creator_id"`
	MaxPlayers int         `json:"max_players"`
	Password   string      `json:"password,omitempty"`
	Mode       puzzle.Mode `json:"mode"`
	MaxRounds  int         `json:"max_rounds"`
	Seed       int32       `json:"seed"`
	Status     Status      `json:"status"`

	// FirstClearedAt marks the first round clear by anyone, for UI urgency
	// only.
	FirstClearedAt time.Time `json:"first_cleared_at,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Participant is one player's shared row. During gameplay it is written only
// by that player's own session; the creator may delete it (kick) and the
// player may delete it (leave).
type Participant struct {
	RoomID      string `json:"room_id"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`

	IsReady bool `json:"is_ready"`

	CurrentRound int   `json:"current_round"`
	PlayTimeMs   int64 `json:"play_time_ms"`

	IsCleared bool `json:"is_cleared"`
	IsDead    bool `json:"is_dead"`

	EarnedCoins int  `json:"earned_coins"`
	BonusPaid   bool `json:"bonus_paid"`

	JoinedAt time.Time `json:"joined_at"`
}

// Terminal reports whether the participant has finished their run.
func (p *Participant) Terminal() bool { return p != nil && (p.IsCleared || p.IsDead) }

// AllTerminal reports whether every participant has finished. An empty
// roster is not terminal.
func AllTerminal(parts []*Participant) bool {
	if len(parts) == 0 {
		return false
	}
	for _, p := range parts {
		if !p.Terminal() {
			return false
		}
	}
	return true
}

type staticErr string

func (e staticErr) Error() string { return string(e) }

var (
	ErrInvalidArgs    = staticErr("invalid arguments")
	ErrRoomGone       = staticErr("room not found or expired")
	ErrRoomFull       = staticErr("room is full")
	ErrBadPassword    = staticErr("wrong room password")
	ErrAlreadyStarted = staticErr("room is no longer waiting")
	ErrNotCreator     = staticErr("only the room creator may do this")
	ErrNotAllReady    = staticErr("not every participant is ready")
	ErrNotMember      = staticErr("user is not in the room")
	ErrNotPlaying     = staticErr("room is not playing")
)

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/kapu/janken-rush-go/internal/events"
	"github.com/kapu/janken-rush-go/internal/history"
	"github.com/kapu/janken-rush-go/internal/obslog"
	"github.com/kapu/janken-rush-go/internal/puzzle"
	"github.com/kapu/janken-rush-go/internal/rank"
	"github.com/kapu/janken-rush-go/internal/room"
	"github.com/kapu/janken-rush-go/internal/round"
	"github.com/kapu/janken-rush-go/internal/session"
	"github.com/kapu/janken-rush-go/internal/wallet"
)

// Server exposes the lobby over plain HTTP and the in-room protocol over a
// websocket, one connection per player per room.
type Server struct {
	mgr  *room.Manager
	bus  events.Bus
	wal  wallet.Service
	repo history.Repository

	refreshInterval time.Duration
	resultDelay     time.Duration
	maxRooms        int
}

func NewServer(mgr *room.Manager, bus events.Bus, wal wallet.Service, repo history.Repository, refreshInterval, resultDelay time.Duration, maxRooms int) *Server {
	return &Server{
		mgr:             mgr,
		bus:             bus,
		wal:             wal,
		repo:            repo,
		refreshInterval: refreshInterval,
		resultDelay:     resultDelay,
		maxRooms:        maxRooms,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/rooms", s.handleListRooms)
	mux.HandleFunc("POST /v1/rooms", s.handleCreateRoom)
	mux.HandleFunc("GET /v1/leaderboard", s.handleLeaderboard)
	mux.HandleFunc("GET /v1/rooms/{id}/ws", s.handleRoomSocket)
	return mux
}

// roomView is the lobby representation: the password never leaves the server,
// only whether one is required.
type roomView struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	CreatorID   string    `json:"creator_id"`
	MaxPlayers  int       `json:"max_players"`
	Players     int       `json:"players"`
	Mode        string    `json:"mode"`
	MaxRounds   int       `json:"max_rounds"`
	Status      string    `json:"status"`
	HasPassword bool      `json:"has_password"`
	CreatedAt   time.Time `json:"created_at"`
}

func (s *Server) handleListRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := s.mgr.Store().ListLobby(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]roomView, 0, len(rooms))
	for _, rm := range rooms {
		cnt, err := s.mgr.Store().MemberCount(r.Context(), rm.ID)
		if err != nil {
			writeError(w, err)
			return
		}
		views = append(views, roomView{
			ID:          rm.ID,
			Name:        rm.Name,
			CreatorID:   rm.CreatorID,
			MaxPlayers:  rm.MaxPlayers,
			Players:     int(cnt),
			Mode:        string(rm.Mode),
			MaxRounds:   rm.MaxRounds,
			Status:      string(rm.Status),
			HasPassword: rm.Password != "",
			CreatedAt:   rm.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

type createRoomRequest struct {
	Name        string `json:"name"`
	CreatorID   string `json:"creator_id"`
	CreatorName string `json:"creator_name"`
	MaxPlayers  int    `json:"max_players"`
	Mode        string `json:"mode"`
	Password    string `json:"password"`
	MaxRounds   int    `json:"max_rounds"`
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	var req createRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, room.ErrInvalidArgs)
		return
	}
	mode, ok := puzzle.ParseMode(req.Mode)
	if !ok {
		writeError(w, room.ErrInvalidArgs)
		return
	}
	if s.maxRooms > 0 {
		open, err := s.mgr.Store().ListLobby(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		if len(open) >= s.maxRooms {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "room limit reached"})
			return
		}
	}
	rm, err := s.mgr.Create(r.Context(), room.CreateParams{
		Name:        req.Name,
		CreatorID:   req.CreatorID,
		CreatorName: req.CreatorName,
		MaxPlayers:  req.MaxPlayers,
		Mode:        mode,
		Password:    req.Password,
		MaxRounds:   req.MaxRounds,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": rm.ID})
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	if s.repo == nil {
		writeJSON(w, http.StatusOK, []*history.LeaderboardRow{})
		return
	}
	mode, ok := puzzle.ParseMode(r.URL.Query().Get("mode"))
	if !ok {
		writeError(w, room.ErrInvalidArgs)
		return
	}
	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 100 {
			writeError(w, room.ErrInvalidArgs)
			return
		}
		limit = n
	}
	rows, err := s.repo.Leaderboard(r.Context(), string(mode), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if rows == nil {
		rows = []*history.LeaderboardRow{}
	}
	writeJSON(w, http.StatusOK, rows)
}

// command is one inbound websocket frame.
type command struct {
	Op     string `json:"op"`
	Ready  bool   `json:"ready"`
	Hand   int    `json:"hand"`
	Target string `json:"target"`
}

// serverMsg is one outbound websocket frame.
type serverMsg struct {
	Type      string              `json:"type"`
	Room      *room.Room          `json:"room,omitempty"`
	Roster    []*room.Participant `json:"roster,omitempty"`
	Standings []rank.Standing     `json:"standings,omitempty"`
	Round     int                 `json:"round,omitempty"`
	Hands     []puzzle.Hand       `json:"hands,omitempty"`
	Conds     []puzzle.Condition  `json:"conds,omitempty"`
	Outcome   string              `json:"outcome,omitempty"`
	Error     string              `json:"error,omitempty"`
}

// handleRoomSocket joins the caller into the room (unless already a member,
// e.g. the creator or a reconnect) and binds the connection to a session.
func (s *Server) handleRoomSocket(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("id")
	q := r.URL.Query()
	userID := q.Get("user_id")
	displayName := q.Get("display_name")
	if userID == "" {
		writeError(w, room.ErrInvalidArgs)
		return
	}

	p, err := s.mgr.Store().LoadParticipant(r.Context(), roomID, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	joined := false
	if p == nil {
		if _, err := s.mgr.Join(r.Context(), roomID, userID, displayName, q.Get("password")); err != nil {
			writeError(w, err)
			return
		}
		joined = true
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		// A fresh joiner with no session would otherwise squat in the roster
		// until the TTL; an existing member keeps their row for reconnects.
		if joined {
			if lerr := s.mgr.Leave(r.Context(), roomID, userID); lerr != nil {
				obslog.L().Warn("ws_join_rollback_error", zap.String("room_id", roomID), zap.String("user_id", userID), zap.Error(lerr))
			}
		}
		obslog.L().Warn("ws_accept_error", zap.String("room_id", roomID), zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &client{
		conn:   conn,
		roomID: roomID,
		userID: userID,
	}
	c.sess = session.New(s.mgr, s.bus, s.wal, s.repo, roomID, userID, session.Options{
		RefreshInterval: s.refreshInterval,
		ResultDelay:     s.resultDelay,
		Notify:          func(n session.Notice) { c.onNotice(ctx, n) },
	})

	obslog.L().Info("ws_connect", zap.String("room_id", roomID), zap.String("user_id", userID))

	go func() {
		c.sess.Run(ctx)
		cancel()
	}()
	c.readLoop(ctx)

	c.sess.Stop()
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
	obslog.L().Info("ws_disconnect", zap.String("room_id", roomID), zap.String("user_id", userID))
}

// client is one websocket connection bound to one session. Writes are
// serialized with a mutex; wsjson.Write is not safe for concurrent use.
type client struct {
	conn   *websocket.Conn
	sess   *session.Session
	roomID string
	userID string

	writeMu sync.Mutex
}

func (c *client) send(ctx context.Context, msg serverMsg) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := wsjson.Write(wctx, c.conn, msg); err != nil {
		obslog.L().Debug("ws_write_error", zap.String("user_id", c.userID), zap.Error(err))
	}
}

func (c *client) onNotice(ctx context.Context, n session.Notice) {
	switch n.Kind {
	case session.NoticeStarted:
		c.send(ctx, serverMsg{Type: "started", Room: n.Room})
		c.sendPuzzle(ctx)
	case session.NoticeRoster:
		c.send(ctx, serverMsg{Type: "roster", Room: n.Room, Roster: n.Roster})
	case session.NoticeHurryUp:
		c.send(ctx, serverMsg{Type: "hurry_up"})
	case session.NoticeRemoved:
		c.send(ctx, serverMsg{Type: "removed"})
	case session.NoticeResult:
		c.send(ctx, serverMsg{Type: "result", Room: n.Room, Roster: n.Roster, Standings: n.Standings})
	}
}

// sendPuzzle pushes the current round's memorization content.
func (c *client) sendPuzzle(ctx context.Context) {
	hands, conds, rnd := c.sess.CurrentPuzzle()
	if rnd == 0 {
		return
	}
	c.send(ctx, serverMsg{Type: "puzzle", Round: rnd, Hands: hands, Conds: conds})
}

func (c *client) readLoop(ctx context.Context) {
	for {
		var cmd command
		if err := wsjson.Read(ctx, c.conn, &cmd); err != nil {
			return
		}
		c.handle(ctx, cmd)
		if cmd.Op == "leave" {
			return
		}
	}
}

func (c *client) handle(ctx context.Context, cmd command) {
	switch cmd.Op {
	case "ready":
		if err := c.sess.SetReady(ctx, cmd.Ready); err != nil {
			c.send(ctx, serverMsg{Type: "error", Error: err.Error()})
		}
	case "start":
		if err := c.sess.StartGame(ctx); err != nil {
			c.send(ctx, serverMsg{Type: "error", Error: err.Error()})
		}
	case "advance":
		if err := c.sess.AdvancePhase(); err != nil {
			c.send(ctx, serverMsg{Type: "error", Error: err.Error()})
		}
	case "answer":
		if cmd.Hand < 0 || cmd.Hand > 2 {
			c.send(ctx, serverMsg{Type: "error", Error: "hand must be 0, 1 or 2"})
			return
		}
		out, err := c.sess.SubmitHand(ctx, puzzle.Hand(cmd.Hand))
		if err != nil {
			c.send(ctx, serverMsg{Type: "error", Error: err.Error()})
			return
		}
		c.send(ctx, serverMsg{Type: "outcome", Outcome: outcomeName(out)})
		if out == round.Cleared {
			// A mid-game clear rebuilds the next round locally; after the
			// final round there is no puzzle to push.
			c.sendPuzzle(ctx)
		}
	case "kick":
		if err := c.sess.Kick(ctx, cmd.Target); err != nil {
			c.send(ctx, serverMsg{Type: "error", Error: err.Error()})
		}
	case "leave":
		if err := c.sess.LeaveRoom(ctx); err != nil {
			c.send(ctx, serverMsg{Type: "error", Error: err.Error()})
		}
	default:
		c.send(ctx, serverMsg{Type: "error", Error: "unknown op"})
	}
}

func outcomeName(o round.Outcome) string {
	switch o {
	case round.Cleared:
		return "cleared"
	case round.Eliminated:
		return "eliminated"
	default:
		return "progress"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		obslog.L().Debug("response_encode_error", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, room.ErrInvalidArgs):
		status = http.StatusBadRequest
	case errors.Is(err, room.ErrRoomGone):
		status = http.StatusNotFound
	case errors.Is(err, room.ErrBadPassword), errors.Is(err, room.ErrNotCreator):
		status = http.StatusForbidden
	case errors.Is(err, room.ErrRoomFull), errors.Is(err, room.ErrAlreadyStarted),
		errors.Is(err, room.ErrNotAllReady), errors.Is(err, room.ErrNotPlaying):
		status = http.StatusConflict
	case errors.Is(err, room.ErrNotMember):
		status = http.StatusNotFound
	}
	if status == http.StatusInternalServerError {
		obslog.L().Error("request_error", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

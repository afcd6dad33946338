package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/kapu/janken-rush-go/internal/events"
	"github.com/kapu/janken-rush-go/internal/history"
	"github.com/kapu/janken-rush-go/internal/room"
	"github.com/kapu/janken-rush-go/internal/wallet"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(func() { mr.Close() })
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	bus := events.NewRedisBus(rdb)
	mgr := room.NewManager(rdb, bus, time.Hour)
	srv := NewServer(mgr, bus, wallet.Noop{}, history.NewMemoryRepository(), time.Second, 0, 100)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func createRoomHTTP(t *testing.T, ts *httptest.Server, body string) string {
	t.Helper()
	resp, err := http.Post(ts.URL+"/v1/rooms", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST /v1/rooms: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	var out map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out["id"]
}

func TestCreateAndListRooms(t *testing.T) {
	_, ts := newTestServer(t)

	id := createRoomHTTP(t, ts, `{"name":"lobbytest","creator_id":"c1","creator_name":"C","max_players":2,"mode":"WIN","password":"pw"}`)

	resp, err := http.Get(ts.URL + "/v1/rooms")
	if err != nil {
		t.Fatalf("GET /v1/rooms: %v", err)
	}
	defer resp.Body.Close()
	var views []roomView
	if err := json.NewDecoder(resp.Body).Decode(&views); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(views) != 1 || views[0].ID != id {
		t.Fatalf("lobby views: %+v", views)
	}
	if !views[0].HasPassword {
		t.Error("has_password not set")
	}
	if views[0].Players != 1 {
		t.Errorf("players = %d, want 1", views[0].Players)
	}
}

func TestCreateRoomRejectsBadInput(t *testing.T) {
	_, ts := newTestServer(t)

	for _, body := range []string{
		`{"name":"x","creator_id":"c","max_players":5,"mode":"WIN"}`,
		`{"name":"x","creator_id":"c","max_players":2,"mode":"NOPE"}`,
		`not json`,
	} {
		resp, err := http.Post(ts.URL+"/v1/rooms", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatalf("POST: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, resp.StatusCode)
		}
	}
}

func TestLeaderboardEndpoint(t *testing.T) {
	srv, ts := newTestServer(t)

	res := &history.MatchResult{RoomID: "r", UserID: "u", DisplayName: "U", Mode: "WIN", FinalRound: 4, PlayTimeMs: 12_000}
	if err := srv.repo.SaveResult(context.Background(), res); err != nil {
		t.Fatalf("SaveResult: %v", err)
	}

	resp, err := http.Get(ts.URL + "/v1/leaderboard?mode=WIN&limit=5")
	if err != nil {
		t.Fatalf("GET /v1/leaderboard: %v", err)
	}
	defer resp.Body.Close()
	var rows []history.LeaderboardRow
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(rows) != 1 || rows[0].BestRound != 4 {
		t.Fatalf("rows: %+v", rows)
	}

	// A mode with no recorded runs serves an empty array, not null.
	resp2, err := http.Get(ts.URL + "/v1/leaderboard?mode=DRAW")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("empty mode status = %d", resp2.StatusCode)
	}
	var empty []*history.LeaderboardRow
	if err := json.NewDecoder(resp2.Body).Decode(&empty); err != nil {
		t.Fatalf("decode empty: %v", err)
	}
	if empty == nil || len(empty) != 0 {
		t.Fatalf("empty projection: %+v", empty)
	}

	resp3, err := http.Get(ts.URL + "/v1/leaderboard?mode=BOGUS")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp3.Body.Close()
	if resp3.StatusCode != http.StatusBadRequest {
		t.Fatalf("bogus mode status = %d", resp3.StatusCode)
	}
}

func TestRoomSocketJoinAndRoster(t *testing.T) {
	_, ts := newTestServer(t)
	id := createRoomHTTP(t, ts, `{"name":"wstest","creator_id":"c1","creator_name":"C","max_players":2,"mode":"WIN"}`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/rooms/" + id + "/ws?user_id=u2&display_name=P2"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// First frame is the reconciled roster including the new member.
	var msg serverMsg
	if err := wsjson.Read(ctx, conn, &msg); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if msg.Type != "roster" {
		t.Fatalf("first frame type = %q, want roster", msg.Type)
	}
	if len(msg.Roster) != 2 {
		t.Fatalf("roster size = %d, want 2", len(msg.Roster))
	}
}

func TestRoomSocketFailedUpgradeRollsBackJoin(t *testing.T) {
	srv, ts := newTestServer(t)
	id := createRoomHTTP(t, ts, `{"name":"upfail","creator_id":"c1","creator_name":"C","max_players":2,"mode":"WIN"}`)

	// A plain GET passes the join but fails the websocket upgrade; the fresh
	// joiner's row must be rolled back.
	resp, err := http.Get(ts.URL + "/v1/rooms/" + id + "/ws?user_id=u2&display_name=P2")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	p, err := srv.mgr.Store().LoadParticipant(context.Background(), id, "u2")
	if err != nil {
		t.Fatalf("LoadParticipant: %v", err)
	}
	if p != nil {
		t.Fatalf("joiner row left behind after failed upgrade: %+v", p)
	}

	// An existing member keeps their row so reconnects stay possible.
	resp2, err := http.Get(ts.URL + "/v1/rooms/" + id + "/ws?user_id=c1&display_name=C")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp2.Body.Close()
	creator, err := srv.mgr.Store().LoadParticipant(context.Background(), id, "c1")
	if err != nil {
		t.Fatalf("LoadParticipant: %v", err)
	}
	if creator == nil {
		t.Fatal("existing member removed by failed upgrade")
	}
}

func TestRoomSocketRejectsBadPassword(t *testing.T) {
	_, ts := newTestServer(t)
	id := createRoomHTTP(t, ts, `{"name":"locked","creator_id":"c1","creator_name":"C","max_players":2,"mode":"WIN","password":"secret"}`)

	resp, err := http.Get(ts.URL + "/v1/rooms/" + id + "/ws?user_id=u2&display_name=P2&password=nope")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}

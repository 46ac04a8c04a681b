// Copyright (c) 2026 TTBT Enterprises LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/c2FmZQ/storage"
	"github.com/google/uuid"
	"github.com/ttbt-io/inningbook/backend/scoring"
)

type testClient struct {
	t    *testing.T
	base string
	user string
}

func (c testClient) do(method, path string, body any, header ...string) (int, []byte, http.Header) {
	c.t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			c.t.Fatal(err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.base+path, r)
	if err != nil {
		c.t.Fatal(err)
	}
	if c.user != "" {
		req.AddCookie(&http.Cookie{Name: mockAuthCookie, Value: c.user})
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		c.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, data, resp.Header
}

func (c testClient) as(user string) testClient {
	c.user = user
	return c
}

func newTestServer(t *testing.T) (testClient, *Server) {
	t.Helper()
	dir := t.TempDir()
	s, err := NewServerHandler(Options{
		DataDir:     dir,
		UseMockAuth: true,
		Storage:     storage.New(dir, nil),
	})
	if err != nil {
		t.Fatalf("NewServerHandler: %v", err)
	}
	ts := httptest.NewServer(s.Handler)
	t.Cleanup(func() {
		ts.Close()
		s.Shutdown(context.Background())
	})
	return testClient{t: t, base: ts.URL, user: testOwner}, s
}

func postActions(c testClient, gameId, base string, actions ...json.RawMessage) (int, Message) {
	c.t.Helper()
	code, data, _ := c.do("POST", "/api/action", Message{
		Type:         MsgTypeAction,
		GameId:       gameId,
		BaseRevision: base,
		Actions:      actions,
	})
	var reply Message
	if code == http.StatusOK || code == http.StatusConflict || code == http.StatusUnprocessableEntity {
		if err := json.Unmarshal(data, &reply); err != nil {
			c.t.Fatalf("bad reply %q: %v", data, err)
		}
	}
	return code, reply
}

func TestServerGameLifecycle(t *testing.T) {
	c, _ := newTestServer(t)
	gameId := uuid.NewString()
	ids := newSampleIDs()
	log := sampleGame(t, gameId, ids)
	head := actionID(log[len(log)-1])

	code, reply := postActions(c, gameId, "", log...)
	if code != http.StatusOK || reply.Type != MsgTypeAck || reply.LastRevision != head {
		t.Fatalf("create: %d %+v", code, reply)
	}

	t.Run("Load", func(t *testing.T) {
		code, data, hdr := c.do("GET", "/api/load/"+gameId, nil)
		if code != http.StatusOK {
			t.Fatalf("load: %d %s", code, data)
		}
		var g Game
		if err := json.Unmarshal(data, &g); err != nil {
			t.Fatal(err)
		}
		if g.LastActionID != head || len(g.ActionLog) != len(log) {
			t.Errorf("loaded head %q with %d actions", g.LastActionID, len(g.ActionLog))
		}
		if code, _, _ := c.do("GET", "/api/load/"+gameId, nil, "If-None-Match", hdr.Get("ETag")); code != http.StatusNotModified {
			t.Errorf("conditional load: %d", code)
		}
		if code, _, _ := c.as("other@example.com").do("GET", "/api/load/"+gameId, nil); code != http.StatusForbidden {
			t.Errorf("other user load: %d", code)
		}
		if code, _, _ := c.do("GET", "/api/load/"+uuid.NewString(), nil); code != http.StatusNotFound {
			t.Errorf("unknown game load: %d", code)
		}
		if code, _, _ := c.do("GET", "/api/load/not-a-uuid", nil); code != http.StatusBadRequest {
			t.Errorf("bad id load: %d", code)
		}
	})

	t.Run("Resend", func(t *testing.T) {
		code, reply := postActions(c, gameId, "", log...)
		if code != http.StatusOK || reply.Type != MsgTypeAck || reply.LastRevision != head {
			t.Errorf("resend: %d %+v", code, reply)
		}
	})

	t.Run("Conflict", func(t *testing.T) {
		code, reply := postActions(c, gameId, uuid.NewString(),
			mkAction(t, ActionPAResult, resultPayload{Half: scoring.Half{Inning: 2, Top: true}, Result: scoring.Walk}))
		if code != http.StatusConflict || reply.BaseRevision != head {
			t.Errorf("conflict: %d %+v", code, reply)
		}
	})

	t.Run("Unauthorized", func(t *testing.T) {
		a := mkAction(t, ActionPAResult, resultPayload{Half: scoring.Half{Inning: 2, Top: true}, Result: scoring.Walk})
		if code, _ := postActions(c.as("other@example.com"), gameId, head, a); code != http.StatusForbidden {
			t.Errorf("other user write: %d", code)
		}
		if code, _ := postActions(c.as(""), gameId, head, a); code != http.StatusForbidden {
			t.Errorf("anonymous write: %d", code)
		}
	})

	t.Run("Stats", func(t *testing.T) {
		code, data, _ := c.do("GET", "/api/stats/game/"+gameId, nil)
		if code != http.StatusOK {
			t.Fatalf("game stats: %d %s", code, data)
		}
		var u GameStatsUpdate
		if err := json.Unmarshal(data, &u); err != nil {
			t.Fatal(err)
		}
		if u.Players[ids.Slugger].Totals.Batting.RBI != 2 || u.Players[ids.Pitcher].Derived.IP != "1.0" {
			t.Errorf("game stats = %+v", u.Players)
		}

		code, data, _ = c.do("GET", "/api/stats/season?season=2026", nil)
		if code != http.StatusOK {
			t.Fatalf("season stats: %d %s", code, data)
		}
		var season struct {
			GameIDs []string                  `json:"gameIds"`
			Players map[string]PlayerStatLine `json:"players"`
		}
		if err := json.Unmarshal(data, &season); err != nil {
			t.Fatal(err)
		}
		if len(season.GameIDs) != 1 || season.Players[ids.Leadoff].Totals.Batting.Singles != 1 {
			t.Errorf("season stats = %s", data)
		}
	})

	t.Run("ListGames", func(t *testing.T) {
		code, data, _ := c.do("GET", "/api/list-games?q=rockets", nil)
		if code != http.StatusOK {
			t.Fatalf("list: %d %s", code, data)
		}
		var list struct {
			Data []GameSummary `json:"data"`
			Meta struct {
				Total int `json:"total"`
			} `json:"meta"`
		}
		if err := json.Unmarshal(data, &list); err != nil {
			t.Fatal(err)
		}
		if list.Meta.Total != 1 || len(list.Data) != 1 || list.Data[0].Us != 2 || list.Data[0].Revision != head {
			t.Errorf("list = %s", data)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		if code, _, _ := c.as("other@example.com").do("POST", "/api/delete-game", map[string]string{"id": gameId}); code != http.StatusForbidden {
			t.Errorf("other user delete: %d", code)
		}
		if code, data, _ := c.do("POST", "/api/delete-game", map[string]string{"id": gameId}); code != http.StatusOK {
			t.Fatalf("delete: %d %s", code, data)
		}
		if code, _, _ := c.do("GET", "/api/load/"+gameId, nil); code != http.StatusNotFound {
			t.Errorf("load after delete: %d", code)
		}

		_, data, _ := c.do("POST", "/api/check-deletions", map[string][]string{"gameIds": {gameId, uuid.NewString()}})
		var del struct {
			DeletedGameIDs []string `json:"deletedGameIds"`
		}
		json.Unmarshal(data, &del)
		if len(del.DeletedGameIDs) != 1 || del.DeletedGameIDs[0] != gameId {
			t.Errorf("check-deletions = %s", data)
		}

		_, data, _ = c.do("POST", "/api/list-games", map[string][]string{"knownIds": {gameId}})
		var list struct {
			Data []GameSummary `json:"data"`
		}
		json.Unmarshal(data, &list)
		if len(list.Data) != 1 || list.Data[0].Status != StatusDeleted {
			t.Errorf("list with known ids = %s", data)
		}
	})
}

func TestServerPlayers(t *testing.T) {
	c, _ := newTestServer(t)

	catcher := newTestPlayer("Casey", "", "C")
	pitcher := newTestPlayer("Abe", "", "P")
	for _, p := range []*PlayerRecord{catcher, pitcher} {
		if code, data, _ := c.do("POST", "/api/save-player", p); code != http.StatusOK {
			t.Fatalf("save %s: %d %s", p.Name, code, data)
		}
	}
	if code, _, _ := c.as("other@example.com").do("POST", "/api/save-player", catcher); code != http.StatusForbidden {
		t.Errorf("other user save: %d", code)
	}
	bad := newTestPlayer("", "", "C")
	if code, _, _ := c.do("POST", "/api/save-player", bad); code != http.StatusBadRequest {
		t.Errorf("invalid save: %d", code)
	}

	code, data, _ := c.do("GET", "/api/list-players", nil)
	var list struct {
		Data []*PlayerRecord `json:"data"`
	}
	if err := json.Unmarshal(data, &list); err != nil || code != http.StatusOK {
		t.Fatalf("list-players: %d %v", code, err)
	}
	if len(list.Data) != 2 || list.Data[0].Name != "Abe" || list.Data[0].OwnerID != testOwner {
		t.Errorf("list-players = %s", data)
	}
	if _, data, _ := c.as("other@example.com").do("GET", "/api/list-players", nil); !strings.Contains(string(data), `"data":[]`) {
		t.Errorf("other user list = %s", data)
	}

	gameId := uuid.NewString()
	code, reply := postActions(c, gameId, "",
		createAction(t, gameId, testOwner),
		mkAction(t, ActionLineupAdd, playerPayload{PlayerID: catcher.ID}),
	)
	if code != http.StatusOK {
		t.Fatalf("create: %d %+v", code, reply)
	}
	head := reply.LastRevision

	// A rostered player without the P position can't pitch.
	code, reply = postActions(c, gameId, head,
		mkAction(t, ActionPitcherAssign, pitcherPayload{Half: bottomFirst, PitcherID: catcher.ID}))
	if code != http.StatusUnprocessableEntity || !strings.HasPrefix(reply.Error, "Rejected") {
		t.Errorf("catcher as pitcher: %d %+v", code, reply)
	}

	if code, _, _ := c.do("POST", "/api/delete-player", map[string]string{"id": catcher.ID}); code != http.StatusConflict {
		t.Errorf("delete player in lineup: %d", code)
	}
	if code, _, _ := c.as("other@example.com").do("POST", "/api/delete-player", map[string]string{"id": pitcher.ID}); code != http.StatusForbidden {
		t.Errorf("other user delete: %d", code)
	}
	if code, data, _ := c.do("POST", "/api/delete-player", map[string]string{"id": pitcher.ID}); code != http.StatusOK {
		t.Errorf("delete player: %d %s", code, data)
	}
	if code, _, _ := c.do("POST", "/api/delete-player", map[string]string{"id": pitcher.ID}); code != http.StatusNotFound {
		t.Errorf("delete deleted player: %d", code)
	}

	// Deleted players can't join a lineup.
	code, _ = postActions(c, gameId, head, mkAction(t, ActionLineupAdd, playerPayload{PlayerID: pitcher.ID}))
	if code != http.StatusUnprocessableEntity {
		t.Errorf("add deleted player: %d", code)
	}
}

func TestServerMisc(t *testing.T) {
	c, _ := newTestServer(t)

	code, data, hdr := c.do("GET", "/api/me", nil)
	if code != http.StatusOK || !strings.Contains(string(data), testOwner) {
		t.Errorf("me: %d %s", code, data)
	}
	if hdr.Get("X-Frame-Options") != "DENY" || !strings.HasPrefix(hdr.Get("Cache-Control"), "private") {
		t.Errorf("missing headers: %v", hdr)
	}
	if code, _, _ := c.as("").do("GET", "/api/me", nil); code != http.StatusForbidden {
		t.Errorf("anonymous me: %d", code)
	}
	if code, _, _ := c.do("GET", "/api/cluster/status", nil); code != http.StatusNotImplemented {
		t.Errorf("cluster status without raft: %d", code)
	}
	if code, _, _ := c.do("GET", "/api/action", nil); code != http.StatusMethodNotAllowed {
		t.Errorf("GET action: %d", code)
	}
	if code, _, _ := c.do("POST", "/api/action", Message{Type: MsgTypeAction}); code != http.StatusBadRequest {
		t.Errorf("action without game id: %d", code)
	}
	gameId := uuid.NewString()
	if code, _ := postActions(c, gameId, "", json.RawMessage(`{"id":"x","type":"NOPE"}`)); code != http.StatusBadRequest {
		t.Errorf("malformed action: %d", code)
	}

	resp, err := http.Get(c.base + "/api/login?user=new@example.com")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if ck := resp.Cookies(); len(ck) != 1 || ck[0].Name != mockAuthCookie || ck[0].Value != "new@example.com" {
		t.Errorf("login cookies = %v", ck)
	}
}

func TestReplyStatus(t *testing.T) {
	for _, tc := range []struct {
		msg  Message
		want int
	}{
		{Message{Type: MsgTypeAck}, http.StatusOK},
		{Message{Type: MsgTypeConflict}, http.StatusConflict},
		{Message{Type: MsgTypeError, Error: "Forbidden: no"}, http.StatusForbidden},
		{Message{Type: MsgTypeError, Error: "Unauthenticated: Login required"}, http.StatusForbidden},
		{Message{Type: MsgTypeError, Error: "Malformed action: x"}, http.StatusBadRequest},
		{Message{Type: MsgTypeError, Error: "Rejected: x"}, http.StatusUnprocessableEntity},
		{Message{Type: MsgTypeError, Error: "Server error saving action"}, http.StatusInternalServerError},
	} {
		if got := replyStatus(tc.msg); got != tc.want {
			t.Errorf("replyStatus(%+v) = %d, want %d", tc.msg, got, tc.want)
		}
	}
}

func TestParsePagination(t *testing.T) {
	r := httptest.NewRequest("GET", "/api/list-games?limit=500&offset=-3&sortBy=opponent&q=x", nil)
	limit, offset, sortBy, order, q := parsePagination(r)
	if limit != 100 || offset != 0 || sortBy != "opponent" || order != "" || q != "x" {
		t.Errorf("parsePagination = %d %d %q %q %q", limit, offset, sortBy, order, q)
	}
}

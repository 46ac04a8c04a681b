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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ttbt-io/inningbook/backend/scoring"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024

	hubQueueSize = 64
	hubIdleCheck = 5 * time.Minute
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return u.Host == r.Host
	},
}

// Message types for WebSocket communication
const (
	MsgTypeJoin       = "JOIN"
	MsgTypeAck        = "ACK"
	MsgTypeAction     = "ACTION"
	MsgTypeSyncUpdate = "SYNC_UPDATE"
	MsgTypeConflict   = "CONFLICT"
	MsgTypeError      = "ERROR"
	MsgTypePing       = "PING"
	MsgTypePong       = "PONG"
)

// Message is the envelope of every WebSocket frame and of /api/action
// requests and replies.
type Message struct {
	Type         string             `json:"type"`
	GameId       string             `json:"gameId,omitempty"`
	LastRevision string             `json:"lastRevision,omitempty"`
	BaseRevision string             `json:"baseRevision,omitempty"`
	Action       json.RawMessage    `json:"action,omitempty"`
	Actions      []json.RawMessage  `json:"actions,omitempty"`
	LineScore    *scoring.LineScore `json:"lineScore,omitempty"`
	Error        string             `json:"error,omitempty"`
}

// batch returns the actions carried by the message, single or batched.
func (m Message) batch() []json.RawMessage {
	if len(m.Actions) > 0 {
		return m.Actions
	}
	if len(m.Action) > 0 {
		return []json.RawMessage{m.Action}
	}
	return nil
}

// HubRequest types
const (
	ReqTypeWSJoin     = "WS_JOIN"
	ReqTypeHTTPLoad   = "HTTP_LOAD"
	ReqTypeHTTPAction = "HTTP_ACTION"
	ReqTypeBroadcast  = "BROADCAST"
)

// HubRequest is a unit of work for a Hub goroutine.
type HubRequest struct {
	Type       string
	Client     *wsClient        // WS_JOIN
	UserId     string           // HTTP_ACTION
	Headers    http.Header      // HTTP_ACTION, for forwarding to the leader
	Message    Message          // WS_JOIN, HTTP_ACTION
	Game       *Game            // BROADCAST: state committed by the FSM
	NumActions int              // BROADCAST: actions at the end of the log to send
	Reply      chan HubResponse // HTTP_*
}

// HubResponse is the reply to an HTTP request.
type HubResponse struct {
	Data  []byte
	Game  *Game // HTTP_LOAD: a private copy of the game
	Error error
}

// Hub owns the in-memory state of one game. Every read and mutation of
// that game on this node goes through its run loop.
type Hub struct {
	gameId string

	// Registered clients.
	clients map[*wsClient]bool

	requests   chan HubRequest
	register   chan *wsClient
	unregister chan *wsClient

	gameData *Game

	gs *GameStore
	r  *Registry
	hm *HubManager
	rm *RaftManager
}

func newHub(id string, gs *GameStore, r *Registry, hm *HubManager, rm *RaftManager) *Hub {
	return &Hub{
		gameId:     id,
		requests:   make(chan HubRequest, hubQueueSize),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		clients:    make(map[*wsClient]bool),
		gs:         gs,
		r:          r,
		hm:         hm,
		rm:         rm,
	}
}

func (h *Hub) run() {
	idleTimer := time.NewTicker(hubIdleCheck)
	defer idleTimer.Stop()

	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
			h.hm.monitor.activeWS.Add(1)
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.hm.monitor.activeWS.Add(-1)
			}
		case req := <-h.requests:
			if req.Type == ReqTypeBroadcast {
				h.handleBroadcast(req.Game, req.NumActions)
				continue
			}
			if err := h.ensureLoaded(); err != nil {
				if req.Client != nil {
					req.Client.sendJSON(Message{Type: MsgTypeError, Error: "Server error loading game"})
				}
				if req.Reply != nil {
					req.Reply <- HubResponse{Error: err}
				}
				continue
			}

			switch req.Type {
			case ReqTypeWSJoin:
				if req.Client != nil && h.clients[req.Client] {
					h.handleWSJoin(req.Client, req.Message)
				}
			case ReqTypeHTTPAction:
				h.handleHTTPAction(req)
			case ReqTypeHTTPLoad:
				h.handleHTTPLoad(req.Reply)
			}
		case <-idleTimer.C:
			if len(h.clients) == 0 && h.hm.RemoveHub(h.gameId, h) {
				return
			}
		}
	}
}

// handleBroadcast installs state committed by the FSM and forwards the new
// actions to connected clients.
func (h *Hub) handleBroadcast(g *Game, numActions int) {
	if g == nil {
		return
	}
	h.gameData = g
	if numActions <= 0 {
		return
	}
	h.broadcastTail(numActions)
}

func (h *Hub) broadcastTail(n int) {
	entries := h.gameData.ActionLog
	n = min(n, len(entries))
	for _, action := range entries[len(entries)-n:] {
		h.broadcast(Message{Type: MsgTypeAction, Action: action})
	}
	if n > 0 && h.gameData.Exists() {
		ls := scoring.ComputeLineScore(h.gameData.Game)
		h.broadcast(Message{Type: MsgTypeAck, LastRevision: h.gameData.LastActionID, LineScore: &ls})
	}
}

func (h *Hub) ensureLoaded() error {
	if h.gameData != nil {
		return nil
	}
	g, err := h.gs.LoadGame(h.gameId)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			h.gameData = NewGame(h.gameId)
			return nil
		}
		log.Printf("Hub: Error loading game %s: %v", h.gameId, err)
		return err
	}
	h.gameData = g
	return nil
}

func (h *Hub) handleWSJoin(c *wsClient, msg Message) {
	if h.gameData.Exists() {
		if GetGameAccess(c.userId, h.gameData.Metadata()) < AccessRead {
			log.Printf("Forbidden: User %s attempted to join game %s without permissions", maskEmail(c.userId), h.gameId)
			c.sendJSON(Message{Type: MsgTypeError, Error: "Forbidden: You do not have access to this game"})
			return
		}
	} else if msg.LastRevision != "" {
		c.sendJSON(Message{Type: MsgTypeConflict, Error: "Game not found on server"})
		return
	}

	head := h.gameData.LastActionID
	if msg.LastRevision == "" && h.gameData.Exists() {
		c.sendJSON(Message{Type: MsgTypeSyncUpdate, Actions: h.gameData.ActionLog, LastRevision: head})
		return
	}
	if msg.LastRevision == head {
		c.sendJSON(Message{Type: MsgTypeAck, LastRevision: head})
		return
	}
	missing, ok := actionsSince(h.gameData.ActionLog, msg.LastRevision)
	if !ok {
		c.sendJSON(Message{Type: MsgTypeConflict, Error: "Client history is divergent from server", BaseRevision: head})
		return
	}
	c.sendJSON(Message{Type: MsgTypeSyncUpdate, Actions: missing, LastRevision: head})
}

func (h *Hub) handleHTTPAction(req HubRequest) {
	defer func(start time.Time) {
		h.hm.monitor.ObserveAction(time.Since(start))
	}(time.Now())

	response, err := h.processAction(req.Message, req.UserId)
	if err != nil {
		if errors.Is(err, ErrNotLeader) {
			h.forwardToLeader(req)
			return
		}
		req.Reply <- HubResponse{Error: err}
		return
	}
	data, err := json.Marshal(response)
	req.Reply <- HubResponse{Data: data, Error: err}
}

func (h *Hub) forwardToLeader(req HubRequest) {
	leaderAddr := h.rm.GetLeaderHTTPAddr()
	if leaderAddr == "" {
		req.Reply <- HubResponse{Error: fmt.Errorf("leader not found")}
		return
	}
	if leaderAddr == h.rm.ClusterAdvertise {
		req.Reply <- HubResponse{Error: fmt.Errorf("local node listed as leader but not in leader state")}
		return
	}
	if !strings.HasPrefix(leaderAddr, "http") {
		leaderAddr = "http://" + leaderAddr
	}

	msg := req.Message
	msg.GameId = h.gameId
	body, _ := json.Marshal(msg)
	fwd, err := http.NewRequest(http.MethodPost, leaderAddr+"/api/cluster/action", bytes.NewReader(body))
	if err != nil {
		req.Reply <- HubResponse{Error: err}
		return
	}
	for _, k := range []string{"Cookie", "Authorization", "Content-Type"} {
		if v := req.Headers.Get(k); v != "" {
			fwd.Header.Set(k, v)
		}
	}
	forwarded := h.rm.NodeID
	if prev := req.Headers.Get("X-Raft-Forwarded"); prev != "" {
		forwarded = prev + "," + forwarded
	}
	fwd.Header.Set("X-Raft-Forwarded", forwarded)
	if h.rm.Secret != "" {
		fwd.Header.Set("X-Raft-Secret", h.rm.Secret)
	}

	resp, err := h.rm.GetHTTPClient().Do(fwd)
	if err != nil {
		req.Reply <- HubResponse{Error: err}
		return
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		req.Reply <- HubResponse{Error: fmt.Errorf("leader returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))}
		return
	}
	req.Reply <- HubResponse{Data: data, Error: err}
}

func errorReply(format string, args ...any) *Message {
	return &Message{Type: MsgTypeError, Error: fmt.Sprintf(format, args...)}
}

// authorize checks the user may submit every action of the batch. A
// GAME_CREATE by its owner grants write for the rest of the batch.
func (h *Hub) authorize(actions []json.RawMessage, userId string) *Message {
	access := GetGameAccess(userId, h.gameData.Metadata())
	exists := h.gameData.Exists()
	for _, raw := range actions {
		var a BaseAction
		if err := json.Unmarshal(raw, &a); err != nil {
			continue
		}
		switch a.Type {
		case ActionGameCreate:
			if exists {
				continue
			}
			p, err := decodePayload[gameCreatePayload](a.Payload)
			if err == nil && userId != "" && normalizeEmail(p.OwnerID) == userId {
				access = AccessAdmin
			}
		case ActionGameUpdate:
			p, err := decodePayload[gameUpdatePayload](a.Payload)
			if err == nil && p.Permissions != nil && access < AccessAdmin {
				return errorReply("Forbidden: Only the owner can change sharing")
			}
		}
		if access < AccessWrite {
			log.Printf("Forbidden: User %s attempted to write action %s to game %s", maskEmail(userId), a.Type, h.gameId)
			if userId == "" {
				return errorReply("Unauthenticated: Login required")
			}
			return errorReply("Forbidden: You do not have write access to this game")
		}
	}
	return nil
}

// trimApplied drops the prefix of the batch that is already in the log
// after base. It returns a CONFLICT message when the histories diverge.
func (h *Hub) trimApplied(actions []json.RawMessage, base string) ([]json.RawMessage, *Message) {
	head := h.gameData.LastActionID
	if !h.gameData.Exists() || base == head {
		return actions, nil
	}
	tail, ok := actionsSince(h.gameData.ActionLog, base)
	if !ok {
		log.Printf("Conflict: Base revision %s not found in log of game %s (head %s)", base, h.gameId, head)
		return nil, &Message{Type: MsgTypeConflict, Error: "Base revision not found", BaseRevision: head}
	}
	i := 0
	for ; i < len(tail) && i < len(actions); i++ {
		if actionID(tail[i]) != actionID(actions[i]) {
			return nil, &Message{Type: MsgTypeConflict, Error: "History divergence", BaseRevision: head}
		}
	}
	return actions[i:], nil
}

// prepare runs the batch against a copy of the game. GAME_LOCK actions
// without a roster get one from the player store so that replaying the log
// never depends on the store. It returns the actions as they must be
// logged and the resulting game.
func (h *Hub) prepare(actions []json.RawMessage) ([]json.RawMessage, *Game, error) {
	clone := h.gameData.Clone()
	out := make([]json.RawMessage, 0, len(actions))
	for _, raw := range actions {
		var a BaseAction
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, nil, err
		}
		switch a.Type {
		case ActionPitcherAssign:
			p, _ := decodePayload[pitcherPayload](a.Payload)
			if err := h.checkPlayer(p.PitcherID, true); err != nil {
				return nil, nil, err
			}
		case ActionLineupAdd:
			p, _ := decodePayload[playerPayload](a.Payload)
			if err := h.checkPlayer(p.PlayerID, false); err != nil {
				return nil, nil, err
			}
		case ActionGameLock:
			enriched, err := h.withRoster(a, clone)
			if err != nil {
				return nil, nil, err
			}
			raw = enriched
		}
		changed, err := ApplyAction(clone, raw)
		if err != nil {
			return nil, nil, err
		}
		if changed {
			out = append(out, raw)
		}
	}
	return out, clone, nil
}

// checkPlayer rejects references to deleted players and, for pitchers,
// rostered players without the P position. Unknown ids are allowed; the
// opponent's players are not on any roster.
func (h *Hub) checkPlayer(id string, pitcher bool) error {
	p, ok := h.r.LookupPlayer(id)
	if !ok {
		return nil
	}
	if p.Status == StatusDeleted {
		return fmt.Errorf("%w: player %s was deleted", scoring.ErrInvalidInput, id)
	}
	if pitcher && !p.CanPitch() {
		return fmt.Errorf("%w: %s is not a pitcher", scoring.ErrInvalidInput, p.Name)
	}
	return nil
}

func (h *Hub) withRoster(a BaseAction, g *Game) (json.RawMessage, error) {
	p, err := decodePayload[lockPayload](a.Payload)
	if err != nil {
		return nil, err
	}
	if len(p.Roster) == 0 {
		p.Roster = make(map[string]scoring.RosterEntry)
		for _, id := range g.PlayerIDs() {
			if rec, ok := h.r.LookupPlayer(id); ok && rec.Status != StatusDeleted {
				p.Roster[id] = rec.RosterEntry()
			}
		}
	}
	if a.Payload, err = json.Marshal(p); err != nil {
		return nil, err
	}
	return json.Marshal(a)
}

func (h *Hub) processAction(msg Message, userId string) (*Message, error) {
	actions := msg.batch()
	if len(actions) == 0 {
		return errorReply("Malformed action: no actions"), nil
	}
	if err := ValidateActions(actions); err != nil {
		log.Printf("Invalid actions payload from user %s: %v", maskEmail(userId), err)
		return errorReply("Malformed action: %v", err), nil
	}
	if reply := h.authorize(actions, userId); reply != nil {
		return reply, nil
	}

	// Followers may have a stale copy; only the leader checks revisions.
	if h.rm != nil && !h.rm.IsLeader() {
		return nil, ErrNotLeader
	}

	if h.gameData.LastActionID != msg.BaseRevision {
		if g, err := h.gs.LoadGame(h.gameId); err == nil {
			h.gameData = g
		}
	}
	actions, conflict := h.trimApplied(actions, msg.BaseRevision)
	if conflict != nil {
		return conflict, nil
	}
	if len(actions) == 0 {
		return &Message{Type: MsgTypeAck, LastRevision: h.gameData.LastActionID}, nil
	}

	accepted, next, err := h.prepare(actions)
	if err != nil {
		log.Printf("Rejected action for game %s from %s: %v", h.gameId, maskEmail(userId), err)
		return errorReply("Rejected: %v", err), nil
	}
	if len(next.ActionLog) == len(h.gameData.ActionLog) {
		return &Message{Type: MsgTypeAck, LastRevision: h.gameData.LastActionID}, nil
	}

	if h.rm != nil {
		cmd := RaftCommand{
			Type:   CmdApplyAction,
			ID:     h.gameId,
			Action: &ActionPayload{GameID: h.gameId, Actions: accepted, UserID: userId},
		}
		if _, err := h.rm.Propose(cmd); err != nil {
			return nil, err
		}
		// The FSM installs the committed state through BROADCAST.
		return &Message{Type: MsgTypeAck, LastRevision: next.LastActionID}, nil
	}

	if err := h.gs.SaveGame(next); err != nil {
		log.Printf("Hub: Error saving game %s: %v", h.gameId, err)
		return errorReply("Server error saving action"), nil
	}
	added := len(next.ActionLog) - len(h.gameData.ActionLog)
	h.gameData = next
	h.r.UpdateGame(next)
	h.hm.sinks.Enqueue(NewGameStatsUpdate(next))
	h.broadcastTail(added)
	return &Message{Type: MsgTypeAck, LastRevision: next.LastActionID}, nil
}

func (h *Hub) broadcast(msg Message) {
	for client := range h.clients {
		select {
		case client.send <- msg:
		default:
			close(client.send)
			delete(h.clients, client)
			h.hm.monitor.activeWS.Add(-1)
		}
	}
}

func (h *Hub) handleHTTPLoad(reply chan HubResponse) {
	g := h.gameData.Clone()
	data, err := json.Marshal(g)
	reply <- HubResponse{Data: data, Game: g, Error: err}
}

func actionID(raw json.RawMessage) string {
	var a struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &a); err != nil {
		return ""
	}
	return a.ID
}

// actionsSince returns the actions after revision. An empty revision
// means the whole log. ok is false when the revision isn't in the log.
func actionsSince(log []json.RawMessage, revision string) ([]json.RawMessage, bool) {
	if revision == "" {
		return log, true
	}
	for i := len(log) - 1; i >= 0; i-- {
		if actionID(log[i]) == revision {
			return log[i+1:], true
		}
	}
	return nil, false
}

// HubManager owns the hubs of the games active on this node.
type HubManager struct {
	mu      sync.Mutex
	hubs    map[string]*Hub
	rm      *RaftManager
	sinks   *SinkDispatcher
	monitor *Monitor
}

func NewHubManager(sinks *SinkDispatcher) *HubManager {
	hm := &HubManager{
		hubs:  make(map[string]*Hub),
		sinks: sinks,
	}
	hm.monitor = newMonitor(hm)
	return hm
}

// Monitor returns the metrics collector of this node's hubs.
func (hm *HubManager) Monitor() *Monitor {
	return hm.monitor
}

func (hm *HubManager) SetRaftManager(rm *RaftManager) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.rm = rm
}

func (hm *HubManager) GetHub(id string, gs *GameStore, r *Registry) *Hub {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	if hub, ok := hm.hubs[id]; ok {
		return hub
	}
	hub := newHub(id, gs, r, hm, hm.rm)
	hm.hubs[id] = hub
	go hub.run()
	return hub
}

// RemoveHub unregisters hub if it is still the hub of id. It reports
// whether the hub was removed; a hub that lost the race keeps running.
func (hm *HubManager) RemoveHub(id string, hub *Hub) bool {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	if hm.hubs[id] != hub {
		return false
	}
	if len(hub.requests) > 0 {
		return false
	}
	delete(hm.hubs, id)
	return true
}

// queueStats returns the number of running hubs and the requests waiting
// in their queues.
func (hm *HubManager) queueStats() (hubs, depth int) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	for _, hub := range hm.hubs {
		depth += len(hub.requests)
	}
	return len(hm.hubs), depth
}

// HubCount returns the number of running hubs.
func (hm *HubManager) HubCount() int {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	return len(hm.hubs)
}

// BroadcastToGame hands state committed by the FSM to the game's hub, if
// one is running. It never blocks the FSM.
func (hm *HubManager) BroadcastToGame(g *Game, numActions int) {
	hm.mu.Lock()
	hub, ok := hm.hubs[g.ID]
	hm.mu.Unlock()
	if !ok {
		return
	}
	select {
	case hub.requests <- HubRequest{Type: ReqTypeBroadcast, Game: g, NumActions: numActions}:
	default:
		log.Printf("Warning: Hub channel full, dropping broadcast for game %s", g.ID)
	}
}

// wsClient is a middleman between the websocket connection and the hub.
type wsClient struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	send chan Message

	userId string
}

// readPump pumps messages from the websocket connection to the hub.
func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("error: %v", err)
			}
			return
		}
		switch msg.Type {
		case MsgTypeJoin:
			c.hub.requests <- HubRequest{Type: ReqTypeWSJoin, Client: c, Message: msg}
		case MsgTypePing:
			c.sendJSON(Message{Type: MsgTypePong})
		default:
			c.sendJSON(Message{Type: MsgTypeError, Error: "Unknown message type"})
		}
	}
}

// writePump pumps messages from the hub to the websocket connection.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sendJSON queues msg without blocking. Only the hub goroutine closes
// send, and clients only call this from the hub or before unregistering.
func (c *wsClient) sendJSON(msg Message) {
	select {
	case c.send <- msg:
	default:
	}
}

// ServeWS upgrades the request and attaches the connection to the game's
// hub. The client then sends JOIN with its last known revision.
func ServeWS(gs *GameStore, r *Registry, hm *HubManager, w http.ResponseWriter, req *http.Request) {
	gameId := req.URL.Query().Get("gameId")
	if !isValidUUID(gameId) {
		http.Error(w, "Invalid gameId", http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Println(err)
		return
	}
	hub := hm.GetHub(gameId, gs, r)
	client := &wsClient{hub: hub, conn: conn, send: make(chan Message, 256), userId: getUserID(req)}
	hub.register <- client

	go client.writePump()
	go client.readPump()
}

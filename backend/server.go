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
	"crypto/sha256"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/c2FmZQ/storage"
	"github.com/c2FmZQ/storage/crypto"
	"github.com/ttbt-io/inningbook/backend/stats"
)

const (
	maxRequestBody = 1 << 20

	retryAfterLoad   = "2"
	retryAfterAction = "5"
)

func generateETag(data []byte) string {
	return fmt.Sprintf("\"%x\"", sha256.Sum256(data))
}

func hubBusyResponse(w http.ResponseWriter, retryAfter string) {
	w.Header().Set("Retry-After", retryAfter)
	http.Error(w, "Too Many Requests: Server is busy", http.StatusTooManyRequests)
}

func parsePagination(r *http.Request) (int, int, string, string, string) {
	limit := 50
	offset := 0
	sortBy := r.URL.Query().Get("sortBy")
	order := r.URL.Query().Get("order")
	query := r.URL.Query().Get("q")

	if l := r.URL.Query().Get("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil {
			limit = val
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if val, err := strconv.Atoi(o); err == nil {
			offset = val
		}
	}

	if limit < 1 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset, sortBy, order, query
}

// writeJSON writes v with an ETag, or 304 when the client already has it.
func writeJSON(w http.ResponseWriter, r *http.Request, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("Internal Server Error during JSON Marshal: %v", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	etag := generateETag(data)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("ETag", etag)
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// replyStatus maps a hub reply to an HTTP status code.
func replyStatus(msg Message) int {
	switch msg.Type {
	case MsgTypeConflict:
		return http.StatusConflict
	case MsgTypeError:
		switch {
		case strings.HasPrefix(msg.Error, "Forbidden"), strings.HasPrefix(msg.Error, "Unauthenticated"):
			return http.StatusForbidden
		case strings.HasPrefix(msg.Error, "Malformed"):
			return http.StatusBadRequest
		case strings.HasPrefix(msg.Error, "Rejected"):
			return http.StatusUnprocessableEntity
		default:
			return http.StatusInternalServerError
		}
	}
	return http.StatusOK
}

// Options represent server options.
type Options struct {
	Addr             string
	ClusterAdvertise string
	ClusterAddr      string
	Cert             *tls.Certificate
	DataDir          string
	UseMockAuth      bool
	Debug            bool
	GameStore        *GameStore
	PlayerStore      *PlayerStore
	Storage          *storage.Storage
	MasterKey        crypto.MasterKey
	Registry         *Registry
	Listener         net.Listener

	// Raft Options
	RaftEnabled           bool
	RaftBind              string
	RaftAdvertise         string
	RaftSecret            string
	RaftBootstrap         bool
	RaftManagerChan       chan *RaftManager // For testing: receive the created RaftManager
	UseProductionTimeouts bool              // Set to true to use longer timeouts (e.g. for production)

	// Auth Options
	AuthCookieName string
	AuthJWKSURL    string

	// Stats sinks. Sinks is used as is when set.
	RedisAddr   string
	PostgresURL string
	Sinks       []StatsSink
}

// Server represents the running server instance.
type Server struct {
	Handler http.Handler

	httpServer  *http.Server
	raftMgr     *RaftManager
	registry    *Registry
	sinks       *SinkDispatcher
	stopMonitor context.CancelFunc
}

// Shutdown gracefully shuts down the server and Raft node.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error

	flush := func() {
		if s.raftMgr != nil {
			if err := s.raftMgr.Shutdown(); err != nil {
				errs = append(errs, fmt.Errorf("raft: %w", err))
			}
			if s.raftMgr.FSM != nil {
				if err := s.raftMgr.FSM.FlushAll(); err != nil {
					errs = append(errs, fmt.Errorf("fsm flush: %w", err))
				}
			}
		}
	}
	flush()

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http: %w", err))
		}
	}
	flush()

	if s.registry != nil {
		s.registry.StopGC()
	}
	if s.stopMonitor != nil {
		s.stopMonitor()
	}
	if err := s.sinks.Close(); err != nil {
		errs = append(errs, fmt.Errorf("sinks: %w", err))
	}
	return errors.Join(errs...)
}

// StartServer starts the web server and registers the API handlers.
func StartServer(opts Options) (*Server, error) {
	s, err := NewServerHandler(opts)
	if err != nil {
		return nil, err
	}

	if s.raftMgr != nil {
		// Replay the log before serving so that loads aren't stale.
		if err := s.raftMgr.WaitForSync(30 * time.Second); err != nil {
			log.Printf("Warning: Raft sync timed out: %v", err)
		}
	}

	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if opts.Cert != nil {
		s.httpServer.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{*opts.Cert},
		}
	}

	go func() {
		var err error
		switch {
		case opts.Listener != nil && opts.Cert != nil:
			log.Printf("Starting HTTPS server on provided listener %s...", opts.Listener.Addr())
			err = s.httpServer.ServeTLS(opts.Listener, "", "")
		case opts.Listener != nil:
			log.Printf("Starting HTTP server on provided listener %s...", opts.Listener.Addr())
			err = s.httpServer.Serve(opts.Listener)
		case opts.Cert != nil:
			log.Printf("Starting HTTPS server on %s...", opts.Addr)
			err = s.httpServer.ListenAndServeTLS("", "")
		default:
			log.Printf("Starting HTTP server on %s...", opts.Addr)
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Server error: %v", err)
		}
	}()

	return s, nil
}

// openSinks connects the stats sinks configured in opts.
func openSinks(opts Options) (*SinkDispatcher, error) {
	sinks := opts.Sinks
	if sinks == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if opts.RedisAddr != "" {
			s, err := NewRedisStreamSink(ctx, opts.RedisAddr)
			if err != nil {
				return nil, fmt.Errorf("redis sink: %w", err)
			}
			sinks = append(sinks, s)
		}
		if opts.PostgresURL != "" {
			s, err := NewPostgresStatsSink(ctx, opts.PostgresURL)
			if err != nil {
				for _, prev := range sinks {
					prev.Close()
				}
				return nil, fmt.Errorf("postgres sink: %w", err)
			}
			sinks = append(sinks, s)
		}
	}
	return NewSinkDispatcher(sinks...), nil
}

// NewServerHandler creates the stores, the raft node when enabled, and the
// HTTP handler of the server.
func NewServerHandler(opts Options) (*Server, error) {
	if opts.DataDir == "" {
		opts.DataDir = "data"
	}
	if opts.Storage == nil {
		opts.Storage = storage.New(opts.DataDir, opts.MasterKey)
	}

	store := opts.GameStore
	if store == nil {
		store = NewGameStore(opts.DataDir, opts.Storage)
	}
	pStore := opts.PlayerStore
	if pStore == nil {
		pStore = NewPlayerStore(opts.DataDir, opts.Storage)
	}
	registry := opts.Registry
	if registry == nil {
		registry = NewRegistry(store, pStore)
	}

	sinks, err := openSinks(opts)
	if err != nil {
		return nil, err
	}
	hm := NewHubManager(sinks)

	var raftMgr *RaftManager
	var fsm *FSM
	if opts.RaftEnabled {
		raftDataDir := filepath.Join(opts.DataDir, "raft")
		if err := os.MkdirAll(raftDataDir, 0755); err != nil {
			sinks.Close()
			return nil, fmt.Errorf("failed to create Raft data directory: %w", err)
		}
		fsm = NewFSM(store, pStore, registry, hm, storage.New(raftDataDir, opts.MasterKey))
		raftMgr = NewRaftManager(raftDataDir, opts.RaftBind, opts.RaftAdvertise, opts.ClusterAdvertise, opts.ClusterAddr, opts.RaftSecret, fsm)
		raftMgr.UseProductionTimeouts = opts.UseProductionTimeouts
		raftMgr.MasterKey = opts.MasterKey
		if opts.UseMockAuth {
			raftMgr.AuthMiddleware = func(next http.Handler) http.Handler {
				return mockAuthMiddleware(next)
			}
		} else {
			raftMgr.AuthMiddleware = func(next http.Handler) http.Handler {
				return jwtAuthMiddleware(opts, next)
			}
		}
		if opts.RaftManagerChan != nil {
			go func() { opts.RaftManagerChan <- raftMgr }()
		}
		hm.SetRaftManager(raftMgr)
	} else {
		// Without raft, commands are applied to the local stores directly.
		fsm = NewFSM(store, pStore, registry, hm, nil)
	}

	// commit replicates cmd, or applies it locally when raft is off.
	commit := func(cmd RaftCommand) error {
		if raftMgr != nil {
			_, err := raftMgr.Propose(cmd)
			return err
		}
		if err, ok := fsm.applyCommand(cmd, 0).(error); ok {
			return err
		}
		return nil
	}

	debugf := func(string, ...any) {}
	if opts.Debug {
		debugf = func(f string, a ...any) {
			log.Printf("[DEBUG BACKEND] "+f, a...)
		}
	}

	// hubRequest queues req on the game's hub and waits for the reply. It
	// returns false when a response was already written.
	hubRequest := func(w http.ResponseWriter, r *http.Request, gameId string, req HubRequest, retryAfter string) (HubResponse, bool) {
		hub := hm.GetHub(gameId, store, registry)
		reply := make(chan HubResponse, 1)
		req.Reply = reply
		select {
		case hub.requests <- req:
		default:
			hubBusyResponse(w, retryAfter)
			return HubResponse{}, false
		}
		select {
		case resp := <-reply:
			return resp, true
		case <-r.Context().Done():
			return HubResponse{}, false
		}
	}

	// loadGame returns a readable copy of a game through its hub.
	loadGame := func(w http.ResponseWriter, r *http.Request, gameId, userId string) (*Game, bool) {
		resp, ok := hubRequest(w, r, gameId, HubRequest{Type: ReqTypeHTTPLoad}, retryAfterLoad)
		if !ok {
			return nil, false
		}
		if resp.Error != nil {
			log.Printf("Internal Server Error during Hub Load: %v", resp.Error)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return nil, false
		}
		g := resp.Game
		if g == nil || !g.Exists() || g.Status == StatusDeleted {
			http.Error(w, "Not Found: Game not found", http.StatusNotFound)
			return nil, false
		}
		if GetGameAccess(userId, g.Metadata()) < AccessRead {
			http.Error(w, "Forbidden: You do not have access to this game", http.StatusForbidden)
			return nil, false
		}
		return g, true
	}

	// requireUser writes 403 and returns "" when the request has no user.
	requireUser := func(w http.ResponseWriter, r *http.Request) string {
		userId := getUserID(r)
		if userId == "" || !isValidEmail(userId) {
			http.Error(w, "Forbidden: Invalid User ID", http.StatusForbidden)
			return ""
		}
		return userId
	}

	// forwardOrFail sends a write that reached a follower to the leader.
	forwardOrFail := func(w http.ResponseWriter, r *http.Request, body []byte, err error) {
		if errors.Is(err, ErrNotLeader) && raftMgr != nil {
			r.Body = io.NopCloser(bytes.NewReader(body))
			raftMgr.forwardRequestToLeader(w, r)
			return
		}
		log.Printf("Internal Server Error during commit: %v", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/api/cluster/join", func(w http.ResponseWriter, r *http.Request) {
		if raftMgr == nil {
			http.Error(w, "Raft is not enabled on this node", http.StatusBadRequest)
			return
		}
		raftMgr.handleJoin(w, r)
	})
	mux.HandleFunc("/api/cluster/remove", func(w http.ResponseWriter, r *http.Request) {
		if raftMgr == nil {
			http.Error(w, "Raft is not enabled on this node", http.StatusBadRequest)
			return
		}
		raftMgr.handleRemove(w, r)
	})
	mux.HandleFunc("/api/cluster/status", func(w http.ResponseWriter, r *http.Request) {
		if raftMgr == nil {
			http.Error(w, "Raft is not enabled on this node", http.StatusNotImplemented)
			return
		}
		raftMgr.handleStatus(w, r)
	})

	mux.HandleFunc("/api/me", func(w http.ResponseWriter, r *http.Request) {
		userId := getUserID(r)
		if userId == "" || !isValidEmail(userId) {
			http.Error(w, "Unauthenticated", http.StatusForbidden)
			return
		}
		players, err := pStore.ListPlayers(userId)
		if err != nil {
			log.Printf("Error listing players for %s: %v", maskEmail(userId), err)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":      userId,
			"players": len(players),
		})
	})

	mux.HandleFunc("/api/metrics", func(w http.ResponseWriter, r *http.Request) {
		if requireUser(w, r) == "" {
			return
		}
		report := hm.Monitor().Report()
		if raftMgr != nil {
			report.NodeID = raftMgr.NodeID
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(report)
	})

	mux.HandleFunc("/api/action", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
			return
		}
		userId := getUserID(r)
		if userId == "" || !isValidEmail(userId) {
			http.Error(w, "Unauthenticated", http.StatusForbidden)
			return
		}

		var msg Message
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&msg); err != nil {
			http.Error(w, "Bad Request: Malformed JSON", http.StatusBadRequest)
			return
		}
		if msg.GameId == "" {
			msg.GameId = r.URL.Query().Get("gameId")
		}
		if !isValidUUID(msg.GameId) {
			http.Error(w, "Bad Request: gameId is missing or invalid", http.StatusBadRequest)
			return
		}
		debugf("action for game %s from %s: %d actions", msg.GameId, maskEmail(userId), len(msg.batch()))

		resp, ok := hubRequest(w, r, msg.GameId, HubRequest{
			Type:    ReqTypeHTTPAction,
			UserId:  userId,
			Headers: r.Header,
			Message: msg,
		}, retryAfterAction)
		if !ok {
			return
		}
		if resp.Error != nil {
			log.Printf("Error processing HTTP action: %v", resp.Error)
			http.Error(w, resp.Error.Error(), http.StatusInternalServerError)
			return
		}
		var reply Message
		if err := json.Unmarshal(resp.Data, &reply); err != nil {
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(replyStatus(reply))
		w.Write(resp.Data)
	})

	mux.HandleFunc("/api/load/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		gameId := strings.TrimPrefix(r.URL.Path, "/api/load/")
		if !isValidUUID(gameId) {
			http.Error(w, "Bad Request: gameId is missing or invalid", http.StatusBadRequest)
			return
		}
		g, ok := loadGame(w, r, gameId, getUserID(r))
		if !ok {
			return
		}
		writeJSON(w, r, g)
	})

	mux.HandleFunc("/api/stats/game/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		gameId := strings.TrimPrefix(r.URL.Path, "/api/stats/game/")
		if !isValidUUID(gameId) {
			http.Error(w, "Bad Request: gameId is missing or invalid", http.StatusBadRequest)
			return
		}
		g, ok := loadGame(w, r, gameId, getUserID(r))
		if !ok {
			return
		}
		writeJSON(w, r, NewGameStatsUpdate(g))
	})

	mux.HandleFunc("/api/stats/season", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		userId := requireUser(w, r)
		if userId == "" {
			return
		}
		query := r.URL.Query().Get("q")
		if season := r.URL.Query().Get("season"); season != "" {
			query = strings.TrimSpace(query + ` season:"` + season + `"`)
		}

		totals := stats.Buckets{}
		var gameIds []string
		for _, gid := range registry.ListGames(userId, "date", "asc", query) {
			g, err := store.LoadGame(gid)
			if err != nil {
				continue
			}
			totals.Merge(g.Stats)
			gameIds = append(gameIds, gid)
		}

		type seasonLine struct {
			Name string `json:"name,omitempty"`
			PlayerStatLine
		}
		resp := struct {
			Query   string                `json:"query"`
			GameIDs []string              `json:"gameIds"`
			Players map[string]seasonLine `json:"players"`
		}{
			Query:   query,
			GameIDs: gameIds,
			Players: make(map[string]seasonLine),
		}
		if resp.GameIDs == nil {
			resp.GameIDs = []string{}
		}
		for _, id := range totals.PlayerIDs() {
			t := totals.Get(id)
			line := seasonLine{PlayerStatLine: PlayerStatLine{Totals: t, Derived: stats.Derive(t)}}
			if p, ok := registry.LookupPlayer(id); ok && GetPlayerAccess(userId, p) >= AccessRead {
				line.Name = p.Name
			}
			resp.Players[id] = line
		}
		writeJSON(w, r, resp)
	})

	mux.HandleFunc("/api/list-games", func(w http.ResponseWriter, r *http.Request) {
		userId := requireUser(w, r)
		if userId == "" {
			return
		}

		var knownIds []string
		if r.Method == http.MethodPost {
			var body struct {
				KnownIds []string `json:"knownIds"`
			}
			// An empty body is an empty list.
			if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&body); err == nil {
				knownIds = body.KnownIds
			}
		} else if r.Method != http.MethodGet {
			http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
			return
		}

		limit, offset, sortBy, order, query := parsePagination(r)
		accessibleIds := registry.ListGames(userId, sortBy, order, query)
		total := len(accessibleIds)

		var pageIds []string
		if offset < total {
			pageIds = accessibleIds[offset:min(offset+limit, total)]
		}

		games := make([]GameSummary, 0, len(pageIds))
		for _, gid := range pageIds {
			g, err := store.LoadGame(gid)
			if err != nil {
				continue
			}
			games = append(games, g.Summary())
		}
		for _, kid := range knownIds {
			if registry.IsGameDeleted(kid) {
				games = append(games, GameSummary{ID: kid, Status: StatusDeleted})
			}
		}

		respData := struct {
			Data []GameSummary `json:"data"`
			Meta struct {
				Total  int `json:"total"`
				Offset int `json:"offset"`
				Limit  int `json:"limit"`
			} `json:"meta"`
		}{
			Data: games,
		}
		respData.Meta.Total = total
		respData.Meta.Offset = offset
		respData.Meta.Limit = limit
		writeJSON(w, r, respData)
	})

	mux.HandleFunc("/api/delete-game", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
			return
		}
		userId := requireUser(w, r)
		if userId == "" {
			return
		}
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
		if err != nil {
			http.Error(w, "Bad Request", http.StatusBadRequest)
			return
		}
		var data struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(body, &data); err != nil {
			http.Error(w, "Bad Request: Malformed JSON", http.StatusBadRequest)
			return
		}
		if !isValidUUID(data.ID) {
			http.Error(w, "Bad Request: gameId is missing or invalid", http.StatusBadRequest)
			return
		}

		meta, ok := registry.GameMeta(data.ID)
		if !ok || meta.Status == StatusDeleted {
			http.Error(w, "Not Found: Game not found", http.StatusNotFound)
			return
		}
		if GetGameAccess(userId, &meta) < AccessAdmin {
			http.Error(w, "Forbidden: Only the owner can delete this game", http.StatusForbidden)
			return
		}
		if err := commit(RaftCommand{Type: CmdDeleteGame, ID: data.ID}); err != nil {
			forwardOrFail(w, r, body, err)
			return
		}
		fmt.Fprintf(w, "Game %s deleted successfully", data.ID)
	})

	mux.HandleFunc("/api/check-deletions", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
			return
		}
		userId := requireUser(w, r)
		if userId == "" {
			return
		}
		var req struct {
			GameIDs []string `json:"gameIds"`
		}
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
			http.Error(w, "Bad Request", http.StatusBadRequest)
			return
		}
		resp := struct {
			DeletedGameIDs []string `json:"deletedGameIds"`
		}{
			DeletedGameIDs: make([]string, 0),
		}
		for _, gid := range req.GameIDs {
			// A game the user lost access to is gone as far as they can tell.
			if registry.IsGameDeleted(gid) || (registry.GameExists(gid) && registry.GetAccessLevel(userId, gid) < AccessRead) {
				resp.DeletedGameIDs = append(resp.DeletedGameIDs, gid)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})

	mux.HandleFunc("/api/save-player", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
			return
		}
		userId := requireUser(w, r)
		if userId == "" {
			return
		}
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
		if err != nil {
			http.Error(w, "Bad Request", http.StatusBadRequest)
			return
		}
		var p PlayerRecord
		if err := json.Unmarshal(body, &p); err != nil {
			http.Error(w, "Bad Request: Malformed JSON", http.StatusBadRequest)
			return
		}
		if err := p.Validate(); err != nil {
			http.Error(w, fmt.Sprintf("Bad Request: %v", err), http.StatusBadRequest)
			return
		}

		existing, err := pStore.LoadPlayer(p.ID)
		switch {
		case err == nil:
			if GetPlayerAccess(userId, existing) < AccessAdmin {
				http.Error(w, "Forbidden: You do not own this player", http.StatusForbidden)
				return
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			log.Printf("Error checking existing player %s: %v", p.ID, err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		p.OwnerID = userId
		p.Status = ""
		p.DeletedAt = 0
		p.LastRaftIndex = 0
		p.UpdatedAt = time.Now().UnixMilli()

		if err := commit(RaftCommand{Type: CmdSavePlayer, ID: p.ID, Player: &p}); err != nil {
			forwardOrFail(w, r, body, err)
			return
		}
		fmt.Fprintf(w, "Player %s saved successfully", p.ID)
	})

	mux.HandleFunc("/api/list-players", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
			return
		}
		userId := requireUser(w, r)
		if userId == "" {
			return
		}
		players, err := pStore.ListPlayers(userId)
		if err != nil {
			log.Printf("Internal Server Error during ListPlayers: %v", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		if players == nil {
			players = []*PlayerRecord{}
		}
		writeJSON(w, r, struct {
			Data []*PlayerRecord `json:"data"`
		}{Data: players})
	})

	mux.HandleFunc("/api/delete-player", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
			return
		}
		userId := requireUser(w, r)
		if userId == "" {
			return
		}
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
		if err != nil {
			http.Error(w, "Bad Request", http.StatusBadRequest)
			return
		}
		var data struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(body, &data); err != nil || !isValidUUID(data.ID) {
			http.Error(w, "Bad Request: playerId is missing or invalid", http.StatusBadRequest)
			return
		}

		p, err := pStore.LoadPlayer(data.ID)
		if err != nil || p.Status == StatusDeleted {
			http.Error(w, "Not Found: Player not found", http.StatusNotFound)
			return
		}
		if GetPlayerAccess(userId, p) < AccessAdmin {
			http.Error(w, "Forbidden: You do not own this player", http.StatusForbidden)
			return
		}
		if games := registry.GamesInLineup(data.ID); len(games) > 0 {
			http.Error(w, fmt.Sprintf("Conflict: player is in the lineup of %d open game(s)", len(games)), http.StatusConflict)
			return
		}
		if err := commit(RaftCommand{Type: CmdDeletePlayer, ID: data.ID}); err != nil {
			forwardOrFail(w, r, body, err)
			return
		}
		fmt.Fprintf(w, "Player %s deleted successfully", data.ID)
	})

	mux.HandleFunc("/api/ws", func(w http.ResponseWriter, r *http.Request) {
		ServeWS(store, registry, hm, w, r)
	})

	if opts.UseMockAuth {
		mux.HandleFunc("/api/login", func(w http.ResponseWriter, r *http.Request) {
			user := r.URL.Query().Get("user")
			if user == "" {
				user = "test@example.com"
			}
			if !isValidEmail(user) {
				http.Error(w, "Bad Request: invalid user", http.StatusBadRequest)
				return
			}
			http.SetCookie(w, &http.Cookie{
				Name:  mockAuthCookie,
				Value: user,
				Path:  "/",
			})
			fmt.Fprintf(w, "Logged in as %s", user)
		})
	}

	handler := http.Handler(mux)
	if opts.UseMockAuth {
		handler = mockAuthMiddleware(handler)
	} else {
		handler = jwtAuthMiddleware(opts, handler)
	}
	handler = loggingMiddleware(handler)
	handler = securityMiddleware(handler)
	handler = cacheControlMiddleware(handler)

	if raftMgr != nil {
		raftMgr.AppHandler = handler
		if err := raftMgr.Start(opts.RaftBootstrap); err != nil {
			sinks.Close()
			return nil, fmt.Errorf("failed to start Raft: %w", err)
		}
	}

	ctx, stopMonitor := context.WithCancel(context.Background())
	go hm.Monitor().Run(ctx, metricsInterval)

	return &Server{
		Handler:     handler,
		raftMgr:     raftMgr,
		registry:    registry,
		sinks:       sinks,
		stopMonitor: stopMonitor,
	}, nil
}

const mockAuthCookie = "mock_auth_user"

// cacheControlMiddleware keeps API responses out of shared caches.
func cacheControlMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") {
			w.Header().Set("Cache-Control", "private, no-cache, no-transform")
		}
		next.ServeHTTP(w, r)
	})
}

// securityMiddleware adds HTTP security headers to responses.
func securityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// mockAuthMiddleware takes the user id from a plain cookie. It is only
// used in development and tests.
func mockAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if cookie, err := r.Cookie(mockAuthCookie); err == nil && cookie.Value != "" {
			ctx := context.WithValue(r.Context(), userIDKey, normalizeEmail(cookie.Value))
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs the method and URL path of every incoming HTTP request.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("Received request: %s %s", r.Method, r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

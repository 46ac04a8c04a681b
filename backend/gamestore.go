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
	"encoding/json"
	"fmt"
	"iter"
	"log"
	"maps"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/c2FmZQ/storage"
	"github.com/ttbt-io/inningbook/backend/scoring"
	"github.com/ttbt-io/inningbook/backend/stats"
)

// Permissions defines access control for a game.
type Permissions struct {
	Public string            `json:"public"` // "", "read"
	Users  map[string]string `json:"users"`  // "email": "read"|"write"
}

// Game is the stored game: the scoring state rebuilt from ActionLog, plus
// ownership and replication bookkeeping.
type Game struct {
	scoring.Game
	SchemaVersion int               `json:"schemaVersion"`
	Status        string            `json:"status"`
	OwnerID       string            `json:"ownerId"`
	Permissions   Permissions       `json:"permissions"`
	ActionLog     []json.RawMessage `json:"actionLog,omitempty"`
	LastActionID  string            `json:"lastActionId,omitempty"`

	// DeletedAt is the timestamp (Unix Nano) when the game was deleted.
	DeletedAt int64 `json:"deletedAt,omitempty"`

	// LastRaftIndex is the index of the last Raft log entry applied to this
	// game. Entries at or below it are skipped on replay.
	LastRaftIndex uint64 `json:"lastRaftIndex,omitempty"`
}

// NewGame returns an empty game with no owner and no actions.
func NewGame(id string) *Game {
	g := &Game{
		Game:          scoring.NewGame(id),
		SchemaVersion: CurrentSchemaVersion,
	}
	g.normalize()
	return g
}

func (g *Game) normalize() {
	if g.SchemaVersion == 0 {
		g.SchemaVersion = CurrentSchemaVersion
	}
	if g.Permissions.Users == nil {
		g.Permissions.Users = make(map[string]string)
	}
	if g.ActionLog == nil {
		g.ActionLog = make([]json.RawMessage, 0)
	}
	if g.Lineup == nil {
		g.Lineup = []string{}
	}
	if g.Halves == nil {
		g.Halves = []scoring.HalfInning{}
	}
	if g.Stats == nil {
		g.Stats = stats.Buckets{}
	}
}

// Exists reports whether the game has been created.
func (g *Game) Exists() bool {
	return len(g.ActionLog) > 0 || g.OwnerID != ""
}

// Clone returns a deep copy. Action log entries are shared; they are never
// modified in place.
func (g *Game) Clone() *Game {
	out := *g
	out.Game = g.Game.Clone()
	out.ActionLog = slices.Clone(g.ActionLog)
	out.Permissions.Users = maps.Clone(g.Permissions.Users)
	return &out
}

// Metadata returns the fields the Registry indexes.
func (g *Game) Metadata() *GameMetadata {
	return &GameMetadata{
		ID:          g.ID,
		OwnerID:     g.OwnerID,
		Permissions: g.Permissions,
		Status:      g.Status,
		DeletedAt:   g.DeletedAt,
		Date:        g.Date,
		Opponent:    g.Opponent,
		Season:      g.Season,
		Tag:         g.Tag,
		Locked:      g.Locked,
	}
}

// Summary returns the game's row in the game list.
func (g *Game) Summary() GameSummary {
	ls := scoring.ComputeLineScore(g.Game)
	return GameSummary{
		ID:       g.ID,
		Date:     g.Date,
		Opponent: g.Opponent,
		Season:   g.Season,
		Tag:      g.Tag,
		Revision: g.LastActionID,
		Status:   g.Status,
		Locked:   g.Locked,
		OwnerID:  g.OwnerID,
		Us:       ls.UsTotal,
		Them:     ls.ThemTotal,
	}
}

// GameStore manages game persistence to disk.
type GameStore struct {
	DataDir string
	Debug   bool
	storage *storage.Storage
	mu      sync.Map // *sync.RWMutex per game id
	cache   sync.Map // latest JSON per game id; authoritative for dirty games

	dirtyMu sync.Mutex
	dirty   map[string]bool
}

// NewGameStore creates a new GameStore.
func NewGameStore(dataDir string, s *storage.Storage) *GameStore {
	return &GameStore{
		DataDir: dataDir,
		storage: s,
		dirty:   make(map[string]bool),
	}
}

func gameFiles(gameId string) (string, string) {
	encoded := url.PathEscape(gameId)
	return filepath.Join("games", encoded+".json"), filepath.Join("games", encoded+".meta.json")
}

func (gs *GameStore) lock(gameId string) *sync.RWMutex {
	m, _ := gs.mu.LoadOrStore(gameId, &sync.RWMutex{})
	return m.(*sync.RWMutex)
}

// SaveGame writes the game and its metadata sidecar to disk.
func (gs *GameStore) SaveGame(game *Game) error {
	mutex := gs.lock(game.ID)
	mutex.Lock()
	defer mutex.Unlock()

	filename, metaFilename := gameFiles(game.ID)
	if err := gs.storage.SaveDataFile(filename, game); err != nil {
		return fmt.Errorf("storage.SaveDataFile: %w", err)
	}
	if err := gs.storage.SaveDataFile(metaFilename, game.Metadata()); err != nil {
		// The main file is enough to rebuild the index.
		log.Printf("Warning: Failed to save metadata sidecar for game %s: %v", game.ID, err)
	}

	if jsonBytes, err := json.Marshal(game); err == nil {
		gs.cache.Store(game.ID, jsonBytes)
	}

	gs.dirtyMu.Lock()
	delete(gs.dirty, game.ID)
	gs.dirtyMu.Unlock()
	return nil
}

// SaveGameInMemory updates the cache and marks the game dirty. With
// forceSync it writes through to disk.
func (gs *GameStore) SaveGameInMemory(game *Game, forceSync bool) error {
	jsonBytes, err := json.Marshal(game)
	if err != nil {
		return err
	}
	gs.cache.Store(game.ID, jsonBytes)

	if forceSync {
		return gs.SaveGame(game)
	}

	gs.dirtyMu.Lock()
	gs.dirty[game.ID] = true
	gs.dirtyMu.Unlock()
	return nil
}

// Flush persists a game to disk if it is dirty.
func (gs *GameStore) Flush(gameId string) error {
	gs.dirtyMu.Lock()
	isDirty := gs.dirty[gameId]
	gs.dirtyMu.Unlock()
	if !isDirty {
		return nil
	}

	val, ok := gs.cache.Load(gameId)
	if !ok {
		gs.dirtyMu.Lock()
		delete(gs.dirty, gameId)
		gs.dirtyMu.Unlock()
		return fmt.Errorf("game %s marked dirty but not found in cache", gameId)
	}

	var g Game
	if err := json.Unmarshal(val.([]byte), &g); err != nil {
		return fmt.Errorf("failed to unmarshal game from cache for flush: %w", err)
	}
	return gs.SaveGame(&g)
}

// FlushAll persists all dirty games to disk.
func (gs *GameStore) FlushAll() error {
	gs.dirtyMu.Lock()
	dirtyIds := slices.Collect(maps.Keys(gs.dirty))
	gs.dirtyMu.Unlock()

	for _, id := range dirtyIds {
		if err := gs.Flush(id); err != nil {
			return fmt.Errorf("failed to flush game %s: %w", id, err)
		}
	}
	return nil
}

// LoadGame loads a game by id. It returns os.ErrNotExist for unknown games.
func (gs *GameStore) LoadGame(gameId string) (*Game, error) {
	if val, ok := gs.cache.Load(gameId); ok {
		var g Game
		if err := json.Unmarshal(val.([]byte), &g); err == nil {
			if gs.Debug {
				log.Printf("[CACHE] Hit for game %s", gameId)
			}
			g.normalize()
			return &g, nil
		}
		gs.cache.Delete(gameId)
	}
	if gs.Debug {
		log.Printf("[CACHE] Miss for game %s", gameId)
	}

	mutex := gs.lock(gameId)
	mutex.RLock()
	defer mutex.RUnlock()

	filename, _ := gameFiles(gameId)
	var g Game
	if err := gs.storage.ReadDataFile(filename, &g); err != nil {
		if os.IsNotExist(err) {
			return nil, os.ErrNotExist
		}
		return nil, fmt.Errorf("ReadDataFile: %w", err)
	}
	if g.SchemaVersion > CurrentSchemaVersion {
		return nil, fmt.Errorf("game %s has unsupported schema version %d", gameId, g.SchemaVersion)
	}
	g.normalize()

	if jsonBytes, err := json.Marshal(&g); err == nil {
		gs.cache.Store(gameId, jsonBytes)
	}
	return &g, nil
}

// RestoreGame writes a game received from a snapshot.
func (gs *GameStore) RestoreGame(g *Game) error {
	g.normalize()
	return gs.SaveGame(g)
}

// DeleteGame replaces a game with a tombstone that keeps its owner.
func (gs *GameStore) DeleteGame(gameId string) error {
	g, err := gs.LoadGame(gameId)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	tombstone := NewGame(gameId)
	tombstone.Status = StatusDeleted
	tombstone.OwnerID = g.OwnerID
	tombstone.DeletedAt = time.Now().UnixNano()
	tombstone.LastRaftIndex = g.LastRaftIndex

	return gs.SaveGame(tombstone)
}

// PurgeGame permanently deletes the game files.
func (gs *GameStore) PurgeGame(gameId string) error {
	mutex := gs.lock(gameId)
	mutex.Lock()
	defer mutex.Unlock()

	gs.cache.Delete(gameId)
	gs.dirtyMu.Lock()
	delete(gs.dirty, gameId)
	gs.dirtyMu.Unlock()

	filename, metaFilename := gameFiles(gameId)
	if err := os.Remove(filepath.Join(gs.DataDir, filename)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("could not purge game file: %w", err)
	}
	if err := os.Remove(filepath.Join(gs.DataDir, metaFilename)); err != nil && !os.IsNotExist(err) {
		log.Printf("Warning: could not purge meta file for game %s: %v", gameId, err)
	}
	return nil
}

// GameSummary is one row of the game list.
type GameSummary struct {
	ID       string `json:"id"`
	Date     string `json:"date"`
	Opponent string `json:"opponent"`
	Season   string `json:"season"`
	Tag      string `json:"tag"`
	Revision string `json:"revision"`
	Status   string `json:"status"`
	Locked   bool   `json:"locked"`
	OwnerID  string `json:"ownerId"`
	Us       int    `json:"us"`
	Them     int    `json:"them"`
}

// GameMetadata contains only the fields needed for indexing.
type GameMetadata struct {
	ID          string      `json:"id"`
	OwnerID     string      `json:"ownerId"`
	Permissions Permissions `json:"permissions"`
	Status      string      `json:"status"`
	DeletedAt   int64       `json:"deletedAt"`
	Date        string      `json:"date"`
	Opponent    string      `json:"opponent"`
	Season      string      `json:"season"`
	Tag         string      `json:"tag"`
	Locked      bool        `json:"locked"`
}

// ListAllGameIDs returns the ids of every game on disk or pending in memory.
func (gs *GameStore) ListAllGameIDs() ([]string, error) {
	files, err := os.ReadDir(filepath.Join(gs.DataDir, "games"))
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("could not read games directory: %w", err)
	}
	seen := make(map[string]bool)
	var ids []string
	for _, file := range files {
		name := file.Name()
		if file.IsDir() || strings.HasSuffix(name, ".meta.json") || !strings.HasSuffix(name, ".json") {
			continue
		}
		id, err := url.PathUnescape(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}

	gs.dirtyMu.Lock()
	for id := range gs.dirty {
		if !seen[id] {
			ids = append(ids, id)
		}
	}
	gs.dirtyMu.Unlock()
	slices.Sort(ids)
	return ids, nil
}

// ListAllGameMetadata yields metadata for every game, reading sidecars where
// present so action logs are not loaded.
func (gs *GameStore) ListAllGameMetadata() iter.Seq2[GameMetadata, error] {
	return func(yield func(GameMetadata, error) bool) {
		ids, err := gs.ListAllGameIDs()
		if err != nil {
			yield(GameMetadata{}, err)
			return
		}
		for _, id := range ids {
			gs.dirtyMu.Lock()
			isDirty := gs.dirty[id]
			gs.dirtyMu.Unlock()

			if !isDirty {
				_, metaFilename := gameFiles(id)
				var meta GameMetadata
				if err := gs.storage.ReadDataFile(metaFilename, &meta); err == nil {
					if !yield(meta, nil) {
						return
					}
					continue
				} else if !os.IsNotExist(err) {
					log.Printf("Registry Warning: failed to load metadata for %s: %v. Falling back to main file.", id, err)
				}
			}

			g, err := gs.LoadGame(id)
			if err != nil {
				log.Printf("Registry Warning: failed to load game %s: %v", id, err)
				continue
			}
			if !yield(*g.Metadata(), nil) {
				return
			}
		}
	}
}

// ListAllGames yields every game, including ones not yet flushed.
func (gs *GameStore) ListAllGames() iter.Seq2[*Game, error] {
	return func(yield func(*Game, error) bool) {
		ids, err := gs.ListAllGameIDs()
		if err != nil {
			yield(nil, err)
			return
		}
		for _, id := range ids {
			g, err := gs.LoadGame(id)
			if err != nil {
				log.Printf("Warning: could not load game '%s': %v", id, err)
				continue
			}
			if !yield(g, nil) {
				return
			}
		}
	}
}

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
	"cmp"
	"log"
	"slices"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/ttbt-io/inningbook/backend/search"
)

const tombstoneTTL = 30 * 24 * time.Hour
const gcInterval = 12 * time.Hour

// Registry is the in-memory index of games and players. It answers list
// and access queries without reading every game file.
type Registry struct {
	gameStore   *GameStore
	playerStore *PlayerStore

	mu sync.RWMutex
	// live holds the id of every game that isn't deleted.
	live map[string]struct{}

	// Metadata caches. Tombstones are cached too (Status="deleted").
	gameMetadata *lru.Cache[string, GameMetadata]
	players      *lru.Cache[string, PlayerRecord]

	stopChan chan struct{}
	stopOnce sync.Once
}

// NewRegistry creates a Registry and indexes everything on disk.
func NewRegistry(gs *GameStore, ps *PlayerStore) *Registry {
	gmCache, _ := lru.New[string, GameMetadata](5000)
	pCache, _ := lru.New[string, PlayerRecord](2000)

	r := &Registry{
		gameStore:    gs,
		playerStore:  ps,
		live:         make(map[string]struct{}),
		gameMetadata: gmCache,
		players:      pCache,
		stopChan:     make(chan struct{}),
	}
	r.Rebuild()
	r.StartGC()
	return r
}

// StartGC starts the background tombstone garbage collector.
func (r *Registry) StartGC() {
	go func() {
		ticker := time.NewTicker(gcInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				r.PurgeOldTombstones()
			case <-r.stopChan:
				return
			}
		}
	}()
}

// StopGC stops the background tombstone garbage collector.
func (r *Registry) StopGC() {
	r.stopOnce.Do(func() {
		close(r.stopChan)
	})
}

func tombstoneCutoff() int64 {
	return time.Now().Add(-tombstoneTTL).UnixNano()
}

// PurgeOldTombstones permanently deletes expired tombstones from disk.
func (r *Registry) PurgeOldTombstones() {
	cutoff := tombstoneCutoff()
	var purgedGames, purgedPlayers int

	for g, err := range r.gameStore.ListAllGameMetadata() {
		if err == nil && g.Status == StatusDeleted && g.DeletedAt > 0 && g.DeletedAt < cutoff {
			if err := r.gameStore.PurgeGame(g.ID); err == nil {
				r.gameMetadata.Remove(g.ID)
				purgedGames++
			}
		}
	}
	for p, err := range r.playerStore.ListAllPlayers() {
		if err == nil && p.Status == StatusDeleted && p.DeletedAt > 0 && p.DeletedAt < cutoff {
			if err := r.playerStore.PurgePlayer(p.ID); err == nil {
				r.players.Remove(p.ID)
				purgedPlayers++
			}
		}
	}
	if purgedGames > 0 || purgedPlayers > 0 {
		log.Printf("Registry: GC complete. Purged %d games, %d players.", purgedGames, purgedPlayers)
	}
}

// Rebuild reconstructs the index by scanning the underlying stores.
func (r *Registry) Rebuild() {
	cutoff := tombstoneCutoff()
	live := make(map[string]struct{})
	r.gameMetadata.Purge()
	r.players.Purge()

	for g, err := range r.gameStore.ListAllGameMetadata() {
		if err != nil {
			log.Printf("Registry: Error listing games: %v", err)
			break
		}
		if g.Status == StatusDeleted && g.DeletedAt > 0 && g.DeletedAt < cutoff {
			r.gameStore.PurgeGame(g.ID)
			continue
		}
		r.gameMetadata.Add(g.ID, g)
		if g.Status != StatusDeleted {
			live[g.ID] = struct{}{}
		}
	}
	var playerCount int
	for p, err := range r.playerStore.ListAllPlayers() {
		if err != nil {
			log.Printf("Registry: Error listing players: %v", err)
			break
		}
		r.players.Add(p.ID, *p)
		if p.Status != StatusDeleted {
			playerCount++
		}
	}

	r.mu.Lock()
	r.live = live
	r.mu.Unlock()
	log.Printf("Registry: Indexed %d games, %d players.", len(live), playerCount)
}

// UpdateGame indexes the current metadata of g.
func (r *Registry) UpdateGame(g *Game) {
	m := *g.Metadata()
	r.gameMetadata.Add(m.ID, m)
	r.mu.Lock()
	defer r.mu.Unlock()
	if m.Status == StatusDeleted {
		delete(r.live, m.ID)
	} else {
		r.live[m.ID] = struct{}{}
	}
}

// DeleteGame records a game tombstone.
func (r *Registry) DeleteGame(gameId string) {
	r.markGameDeleted(gameId, time.Now().UnixNano())
}

func (r *Registry) markGameDeleted(id string, ts int64) {
	m, _ := r.gameMetadata.Peek(id)
	m.ID = id
	m.Status = StatusDeleted
	m.DeletedAt = ts
	r.gameMetadata.Add(id, m)

	r.mu.Lock()
	delete(r.live, id)
	r.mu.Unlock()
}

// UpdatePlayer caches the current state of a player.
func (r *Registry) UpdatePlayer(p *PlayerRecord) {
	r.players.Add(p.ID, *p)
}

// LookupPlayer returns a player, tombstones included.
func (r *Registry) LookupPlayer(id string) (*PlayerRecord, bool) {
	if p, ok := r.players.Get(id); ok {
		return &p, true
	}
	p, err := r.playerStore.LoadPlayer(id)
	if err != nil {
		return nil, false
	}
	r.players.Add(id, *p)
	return p, true
}

// GameMeta returns the indexed metadata of a game, loading it on a cache
// miss.
func (r *Registry) GameMeta(id string) (GameMetadata, bool) {
	if m, ok := r.gameMetadata.Get(id); ok {
		return m, true
	}
	g, err := r.gameStore.LoadGame(id)
	if err != nil {
		return GameMetadata{}, false
	}
	m := *g.Metadata()
	r.gameMetadata.Add(id, m)
	return m, true
}

func (r *Registry) IsGameDeleted(id string) bool {
	m, ok := r.GameMeta(id)
	return ok && m.Status == StatusDeleted
}

func (r *Registry) GameExists(id string) bool {
	m, ok := r.GameMeta(id)
	return ok && m.Status != StatusDeleted
}

// GetAccessLevel returns the effective access of a user on a game using
// indexed metadata.
func (r *Registry) GetAccessLevel(userId, gameId string) AccessLevel {
	m, ok := r.GameMeta(gameId)
	if !ok {
		return AccessNone
	}
	return GetGameAccess(userId, &m)
}

// GamesInLineup returns the open (unlocked) games whose lineup holds the
// player.
func (r *Registry) GamesInLineup(playerId string) []string {
	var out []string
	for _, id := range r.liveIDs() {
		m, ok := r.GameMeta(id)
		if !ok || m.Locked {
			continue
		}
		g, err := r.gameStore.LoadGame(id)
		if err != nil {
			continue
		}
		if g.InLineup(playerId) {
			out = append(out, id)
		}
	}
	return out
}

func (r *Registry) CountTotalGames() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.live)
}

func (r *Registry) liveIDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.live))
	for id := range r.live {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// ListGames returns the ids of the games userId can read that match the
// query, sorted by sortBy ("date", "opponent" or "season") and order.
func (r *Registry) ListGames(userId, sortBy, order, query string) []string {
	if sortBy == "" {
		sortBy = "date"
	}
	if order == "" {
		if sortBy == "date" {
			order = "desc"
		} else {
			order = "asc"
		}
	}

	q := search.Parse(query)
	for i, t := range q.FreeText {
		q.FreeText[i] = strings.ToLower(t)
	}
	for i, f := range q.Filters {
		if f.Key != "date" {
			q.Filters[i].Value = strings.ToLower(f.Value)
		}
	}

	var metas []GameMetadata
	for _, id := range r.liveIDs() {
		m, ok := r.GameMeta(id)
		if !ok || GetGameAccess(userId, &m) < AccessRead || !matchesGame(m, q) {
			continue
		}
		metas = append(metas, m)
	}

	key := func(m GameMetadata) string {
		switch sortBy {
		case "opponent":
			return strings.ToLower(m.Opponent)
		case "season":
			return m.Season
		}
		return m.Date
	}
	slices.SortFunc(metas, func(a, b GameMetadata) int {
		c := cmp.Or(cmp.Compare(key(a), key(b)), cmp.Compare(a.ID, b.ID))
		if order == "desc" {
			return -c
		}
		return c
	})

	ids := make([]string, len(metas))
	for i, m := range metas {
		ids[i] = m.ID
	}
	return ids
}

func containsLower(s, substrLower string) bool {
	return strings.Contains(strings.ToLower(s), substrLower)
}

func matchesGame(m GameMetadata, q search.Query) bool {
	for _, token := range q.FreeText {
		if !containsLower(m.Opponent, token) && !containsLower(m.Tag, token) && !containsLower(m.Season, token) {
			return false
		}
	}
	for _, f := range q.Filters {
		if matchesFilter(m, f) == f.Negate {
			return false
		}
	}
	return true
}

func matchesFilter(m GameMetadata, f search.Filter) bool {
	switch f.Key {
	case "opponent":
		return containsLower(m.Opponent, f.Value)
	case "tag":
		return containsLower(m.Tag, f.Value)
	case "season":
		return strings.ToLower(m.Season) == f.Value
	case "date":
		return checkDateFilter(m.Date, f)
	case "is":
		switch f.Value {
		case "locked", "final":
			return m.Locked
		case "open":
			return !m.Locked
		case "public":
			return m.Permissions.Public != ""
		}
	}
	// Unknown keys don't narrow the result.
	return !f.Negate
}

func checkDateFilter(dateVal string, f search.Filter) bool {
	switch f.Operator {
	case search.OpEqual:
		return strings.HasPrefix(dateVal, f.Value)
	case search.OpGreater:
		return dateVal > f.Value
	case search.OpGreaterOrEqual:
		return dateVal >= f.Value
	case search.OpLess:
		return dateVal < f.Value
	case search.OpLessOrEqual:
		return dateVal <= f.Value
	case search.OpRange:
		return dateVal >= f.Value && dateVal <= f.MaxValue+"~"
	}
	return true
}

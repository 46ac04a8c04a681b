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
	"fmt"
	"iter"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/c2FmZQ/storage"
	"github.com/ttbt-io/inningbook/backend/scoring"
)

var validPositions = []string{"P", "C", "1B", "2B", "3B", "SS", "LF", "CF", "RF", "DH", "UT"}

// PlayerRecord is a roster player owned by one user.
type PlayerRecord struct {
	scoring.Player
	SchemaVersion int    `json:"schemaVersion"`
	Number        string `json:"number,omitempty"`
	OwnerID       string `json:"ownerId"`
	UpdatedAt     int64  `json:"updatedAt,omitempty"`

	// Status can be "active" (default/empty) or "deleted"
	Status string `json:"status,omitempty"`
	// DeletedAt is the timestamp (Unix Nano) when the player was deleted.
	DeletedAt int64 `json:"deletedAt,omitempty"`

	LastRaftIndex uint64 `json:"lastRaftIndex,omitempty"`
}

func (p *PlayerRecord) normalize() {
	if p.SchemaVersion == 0 {
		p.SchemaVersion = CurrentSchemaVersion
	}
	if p.Positions == nil {
		p.Positions = make([]string, 0)
	}
}

// Validate checks the fields a client may set.
func (p *PlayerRecord) Validate() error {
	if !isValidUUID(p.ID) {
		return fmt.Errorf("invalid player ID")
	}
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("missing player name")
	}
	if err := validateStringLen(p.Name, maxNameLen, "player name"); err != nil {
		return err
	}
	if err := validateStringLen(p.Number, 10, "player number"); err != nil {
		return err
	}
	if len(p.Positions) > len(validPositions) {
		return fmt.Errorf("too many positions")
	}
	for _, pos := range p.Positions {
		if !slices.Contains(validPositions, pos) {
			return fmt.Errorf("invalid position %q", pos)
		}
	}
	if p.Bats != "" && p.Bats != "L" && p.Bats != "R" && p.Bats != "S" {
		return fmt.Errorf("invalid bats %q", p.Bats)
	}
	if p.Throws != "" && p.Throws != "L" && p.Throws != "R" {
		return fmt.Errorf("invalid throws %q", p.Throws)
	}
	return nil
}

// RosterEntry returns the snapshot stored in a game when it is locked.
func (p *PlayerRecord) RosterEntry() scoring.RosterEntry {
	return scoring.RosterEntry{Name: p.Name, Positions: slices.Clone(p.Positions)}
}

// PlayerStore manages player persistence to disk.
type PlayerStore struct {
	DataDir string
	storage *storage.Storage
	mu      sync.Map // *sync.Mutex per player id
}

// NewPlayerStore creates a new PlayerStore.
func NewPlayerStore(dataDir string, s *storage.Storage) *PlayerStore {
	return &PlayerStore{
		DataDir: dataDir,
		storage: s,
	}
}

func playerFile(playerId string) string {
	return filepath.Join("players", url.PathEscape(playerId)+".json")
}

func (ps *PlayerStore) lock(playerId string) *sync.Mutex {
	m, _ := ps.mu.LoadOrStore(playerId, &sync.Mutex{})
	return m.(*sync.Mutex)
}

// SavePlayer saves the player atomically.
func (ps *PlayerStore) SavePlayer(p *PlayerRecord) error {
	mutex := ps.lock(p.ID)
	mutex.Lock()
	defer mutex.Unlock()

	if err := ps.storage.SaveDataFile(playerFile(p.ID), p); err != nil {
		return fmt.Errorf("storage.SaveDataFile: %w", err)
	}
	return nil
}

// LoadPlayer loads a player by id. It returns os.ErrNotExist for unknown
// players.
func (ps *PlayerStore) LoadPlayer(playerId string) (*PlayerRecord, error) {
	var p PlayerRecord
	if err := ps.storage.ReadDataFile(playerFile(playerId), &p); err != nil {
		if os.IsNotExist(err) {
			return nil, os.ErrNotExist
		}
		return nil, fmt.Errorf("ReadDataFile: %w", err)
	}
	p.normalize()
	return &p, nil
}

// ListAllPlayers yields every stored player, tombstones included.
func (ps *PlayerStore) ListAllPlayers() iter.Seq2[*PlayerRecord, error] {
	return func(yield func(*PlayerRecord, error) bool) {
		files, err := os.ReadDir(filepath.Join(ps.DataDir, "players"))
		if err != nil {
			if !os.IsNotExist(err) {
				yield(nil, fmt.Errorf("could not read players directory: %w", err))
			}
			return
		}
		for _, file := range files {
			if file.IsDir() || !strings.HasSuffix(file.Name(), ".json") {
				continue
			}
			playerId, err := url.PathUnescape(strings.TrimSuffix(file.Name(), ".json"))
			if err != nil {
				continue
			}
			p, err := ps.LoadPlayer(playerId)
			if err != nil {
				log.Printf("Warning: could not load player '%s': %v", playerId, err)
				continue
			}
			if !yield(p, nil) {
				return
			}
		}
	}
}

// ListPlayers returns the live players of one owner sorted by name.
func (ps *PlayerStore) ListPlayers(ownerId string) ([]*PlayerRecord, error) {
	ownerId = normalizeEmail(ownerId)
	var out []*PlayerRecord
	for p, err := range ps.ListAllPlayers() {
		if err != nil {
			return nil, err
		}
		if p.Status == StatusDeleted || normalizeEmail(p.OwnerID) != ownerId {
			continue
		}
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b *PlayerRecord) int {
		if c := strings.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name)); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

// DeletePlayer replaces a player with a tombstone that keeps its owner.
func (ps *PlayerStore) DeletePlayer(playerId string) error {
	p, err := ps.LoadPlayer(playerId)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	tombstone := &PlayerRecord{
		Player:        scoring.Player{ID: playerId},
		SchemaVersion: CurrentSchemaVersion,
		OwnerID:       p.OwnerID,
		Status:        StatusDeleted,
		DeletedAt:     time.Now().UnixNano(),
		LastRaftIndex: p.LastRaftIndex,
	}
	return ps.SavePlayer(tombstone)
}

// PurgePlayer permanently deletes the player file.
func (ps *PlayerStore) PurgePlayer(playerId string) error {
	mutex := ps.lock(playerId)
	mutex.Lock()
	defer mutex.Unlock()

	if err := os.Remove(filepath.Join(ps.DataDir, playerFile(playerId))); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("could not purge player file: %w", err)
	}
	return nil
}

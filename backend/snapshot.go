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
	"archive/tar"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/url"
	"runtime"
	"strings"

	"golang.org/x/sync/errgroup"
)

const maxSnapshotEntry = 10 * 1024 * 1024

type snapshotManifest struct {
	NodeMap     map[string]*NodeMeta `json:"nodeMap"`
	Initialized bool                 `json:"initialized"`
	RaftIndex   uint64               `json:"raftIndex"`
}

// fsmState is the local marker written at each snapshot.
type fsmState struct {
	LastAppliedIndex uint64 `json:"lastAppliedIndex"`
	Timestamp        int64  `json:"timestamp"`
}

// persist writes a gzipped tar with manifest.json, games/<id>.json and
// players/<id>.json.
func (f *FSM) persist(w io.Writer) error {
	if err := f.FlushAll(); err != nil {
		return fmt.Errorf("failed to flush games: %w", err)
	}

	gw := gzip.NewWriter(w)
	tw := tar.NewWriter(gw)

	manifest := snapshotManifest{
		NodeMap:     f.nodes(),
		Initialized: f.initialized.Load(),
		RaftIndex:   f.LastAppliedIndex(),
	}
	if err := writeJSONToTar(tw, "manifest.json", manifest); err != nil {
		return err
	}

	gameIDs, err := f.gs.ListAllGameIDs()
	if err != nil {
		return err
	}
	for _, id := range gameIDs {
		g, err := f.gs.LoadGame(id)
		if err != nil {
			log.Printf("Snapshot Warning: failed to load game %s: %v", id, err)
			continue
		}
		if err := writeJSONToTar(tw, "games/"+url.PathEscape(id)+".json", g); err != nil {
			return err
		}
	}

	for p, err := range f.ps.ListAllPlayers() {
		if err != nil {
			return err
		}
		if err := writeJSONToTar(tw, "players/"+url.PathEscape(p.ID)+".json", p); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return err
	}
	return gw.Close()
}

// restoredGame rebuilds the scoring state of a snapshot game from its
// action log. The stored bookkeeping fields are kept.
func restoredGame(g *Game) (*Game, error) {
	if g.Status == StatusDeleted || !g.Exists() {
		return g, nil
	}
	rebuilt, err := RebuildGame(g.ID, g.ActionLog)
	if err != nil {
		return nil, fmt.Errorf("replay of game %s: %w", g.ID, err)
	}
	rebuilt.LastRaftIndex = g.LastRaftIndex
	rebuilt.DeletedAt = g.DeletedAt
	return rebuilt, nil
}

func (f *FSM) localIndex() (uint64, bool) {
	if f.storage == nil {
		return 0, false
	}
	var state fsmState
	if err := f.storage.ReadDataFile("fsm_state.json", &state); err != nil {
		return 0, false
	}
	return state.LastAppliedIndex, true
}

func (f *FSM) restore(rc io.Reader) error {
	gz, err := gzip.NewReader(rc)
	if err != nil {
		return err
	}
	defer gz.Close()
	tr := tar.NewReader(gz)

	games := make(map[string]bool)
	players := make(map[string]bool)

	var eg errgroup.Group
	eg.SetLimit(runtime.NumCPU())

	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			eg.Wait()
			return err
		}
		if header.Size > maxSnapshotEntry {
			eg.Wait()
			return fmt.Errorf("snapshot entry %s too large: %d bytes", header.Name, header.Size)
		}

		switch {
		case header.Name == "manifest.json":
			var manifest snapshotManifest
			if err := json.NewDecoder(tr).Decode(&manifest); err != nil {
				eg.Wait()
				return err
			}
			for k, v := range manifest.NodeMap {
				f.nodeMap.Store(k, v)
			}
			if manifest.Initialized {
				f.setInitialized()
			}
			if local, ok := f.localIndex(); ok && f.IsInitialized() && manifest.RaftIndex > 0 && local >= manifest.RaftIndex {
				log.Printf("Smart Restore: Local state (Index %d) is fresh enough. Skipping.", local)
				f.saveNodes()
				return eg.Wait()
			}

		case strings.HasPrefix(header.Name, "games/"):
			var g Game
			if err := json.NewDecoder(tr).Decode(&g); err != nil {
				log.Printf("Restore Warning: bad game entry %s: %v", header.Name, err)
				continue
			}
			games[g.ID] = true
			eg.Go(func() error {
				restored, err := restoredGame(&g)
				if err != nil {
					return err
				}
				return f.gs.RestoreGame(restored)
			})

		case strings.HasPrefix(header.Name, "players/"):
			var p PlayerRecord
			if err := json.NewDecoder(tr).Decode(&p); err != nil {
				log.Printf("Restore Warning: bad player entry %s: %v", header.Name, err)
				continue
			}
			players[p.ID] = true
			if err := f.ps.SavePlayer(&p); err != nil {
				eg.Wait()
				return err
			}
		}
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	f.saveNodes()

	// Anything not in the snapshot didn't exist at its index.
	if ids, err := f.gs.ListAllGameIDs(); err == nil {
		for _, id := range ids {
			if !games[id] {
				f.gs.PurgeGame(id)
			}
		}
	} else {
		log.Printf("Restore Cleanup Warning: failed to list games: %v", err)
	}
	for p, err := range f.ps.ListAllPlayers() {
		if err != nil {
			break
		}
		if !players[p.ID] {
			f.ps.PurgePlayer(p.ID)
		}
	}
	return nil
}

func writeJSONToTar(tw *tar.Writer, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	header := &tar.Header{
		Name: name,
		Size: int64(len(data)),
		Mode: 0644,
	}
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = tw.Write(data)
	return err
}

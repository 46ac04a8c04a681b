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
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c2FmZQ/storage"
	"github.com/hashicorp/raft"
)

// FSM implements raft.FSM over the game and player stores.
type FSM struct {
	gs          *GameStore
	ps          *PlayerStore
	r           *Registry
	hm          *HubManager
	storage     *storage.Storage
	initialized atomic.Bool
	rm          *RaftManager

	nodeMap          sync.Map // map[string]*NodeMeta
	lastAppliedIndex atomic.Uint64
}

// NewFSM creates a new FSM.
func NewFSM(gs *GameStore, ps *PlayerStore, r *Registry, hm *HubManager, s *storage.Storage) *FSM {
	f := &FSM{
		gs:      gs,
		ps:      ps,
		r:       r,
		hm:      hm,
		storage: s,
	}
	if s != nil {
		if _, err := os.Stat(filepath.Join(s.Dir(), "initialized")); err == nil {
			f.initialized.Store(true)
		}
		f.loadNodes()
	}
	return f
}

// LastAppliedIndex returns the index of the last applied log entry.
func (f *FSM) LastAppliedIndex() uint64 {
	return f.lastAppliedIndex.Load()
}

func (f *FSM) loadNodes() {
	var nodes map[string]*NodeMeta
	if err := f.storage.ReadDataFile("nodes.json", &nodes); err != nil {
		if !os.IsNotExist(err) {
			log.Printf("FSM Error: failed to read nodes.json: %v", err)
		}
		return
	}
	for k, v := range nodes {
		f.nodeMap.Store(k, v)
	}
}

func (f *FSM) saveNodes() {
	if f.storage == nil {
		return
	}
	if err := f.storage.SaveDataFile("nodes.json", f.nodes()); err != nil {
		log.Printf("FSM Error: failed to save nodes.json: %v", err)
	}
}

func (f *FSM) nodes() map[string]*NodeMeta {
	nodes := make(map[string]*NodeMeta)
	f.nodeMap.Range(func(k, v any) bool {
		nodes[k.(string)] = v.(*NodeMeta)
		return true
	})
	return nodes
}

// IsInitialized reports whether the node has seen another node's metadata
// or bootstrapped a cluster.
func (f *FSM) IsInitialized() bool {
	return f.initialized.Load()
}

func (f *FSM) setInitialized() {
	if f.initialized.Swap(true) {
		return
	}
	if f.storage != nil {
		if err := f.storage.SaveDataFile("initialized", "true"); err != nil {
			log.Printf("FSM Error: failed to save initialized state: %v", err)
		}
	}
}

// Apply applies a Raft log entry.
func (f *FSM) Apply(l *raft.Log) any {
	if len(l.Data) == 0 {
		return nil
	}
	var cmd RaftCommand
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		log.Printf("FSM Apply Error: failed to decode command: %v", err)
		return err
	}
	res := f.applyCommand(cmd, l.Index)
	f.lastAppliedIndex.Store(l.Index)
	return res
}

func (f *FSM) GetHub(id string) *Hub {
	return f.hm.GetHub(id, f.gs, f.r)
}

// GetAllNodes returns the cluster address of every known node.
func (f *FSM) GetAllNodes() map[string]string {
	out := make(map[string]string)
	for id, meta := range f.nodes() {
		out[id] = meta.HttpAddr
	}
	return out
}

func (f *FSM) GetNodeAddr(nodeID string) string {
	if val, ok := f.nodeMap.Load(nodeID); ok {
		return val.(*NodeMeta).HttpAddr
	}
	return ""
}

func (f *FSM) GetNodeMeta(nodeID string) *NodeMeta {
	if val, ok := f.nodeMap.Load(nodeID); ok {
		return val.(*NodeMeta)
	}
	return nil
}

func (f *FSM) storeNodeMeta(meta *NodeMeta) {
	f.nodeMap.Store(meta.NodeID, meta)
	f.saveNodes()
}

// leader reports whether this node should publish side effects that must
// happen once per cluster.
func (f *FSM) leader() bool {
	return f.rm == nil || f.rm.IsLeader()
}

func (f *FSM) loadOrNewGame(gameId string) (*Game, error) {
	g, err := f.gs.LoadGame(gameId)
	if errors.Is(err, os.ErrNotExist) {
		return NewGame(gameId), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load game %s: %w", gameId, err)
	}
	if g.ID != gameId {
		return nil, fmt.Errorf("data consistency error: loaded game ID %s does not match expected %s", g.ID, gameId)
	}
	return g, nil
}

func (f *FSM) applyActions(gameId string, actions []json.RawMessage, index uint64) error {
	g, err := f.loadOrNewGame(gameId)
	if err != nil {
		return err
	}
	if index > 0 && index <= g.LastRaftIndex {
		return nil // Already applied
	}

	before := len(g.ActionLog)
	next := g.Clone()
	if _, err := ApplyActions(next, actions); err != nil {
		return err
	}
	next.LastRaftIndex = max(index, next.LastRaftIndex)

	if err := f.gs.SaveGameInMemory(next, f.rm == nil); err != nil {
		return err
	}
	f.r.UpdateGame(next)
	f.hm.BroadcastToGame(next.Clone(), len(next.ActionLog)-before)
	if f.leader() && len(next.ActionLog) > before {
		f.hm.sinks.Enqueue(NewGameStatsUpdate(next))
	}
	return nil
}

func (f *FSM) applyDeleteGame(id string, index uint64) error {
	existing, err := f.gs.LoadGame(id)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if index > 0 && index <= existing.LastRaftIndex {
		return nil
	}
	if err := f.gs.DeleteGame(id); err != nil {
		return err
	}
	tomb, err := f.gs.LoadGame(id)
	if err != nil {
		return err
	}
	tomb.LastRaftIndex = max(index, tomb.LastRaftIndex)
	if err := f.gs.SaveGame(tomb); err != nil {
		return err
	}
	f.r.DeleteGame(id)
	f.hm.BroadcastToGame(tomb, 0)
	if f.leader() {
		f.hm.sinks.Enqueue(NewGameStatsUpdate(tomb))
	}
	return nil
}

func (f *FSM) applySavePlayer(p *PlayerRecord, index uint64) error {
	if p == nil {
		return fmt.Errorf("missing player")
	}
	if existing, err := f.ps.LoadPlayer(p.ID); err == nil && index > 0 && index <= existing.LastRaftIndex {
		return nil
	}
	p.LastRaftIndex = max(index, p.LastRaftIndex)
	if err := f.ps.SavePlayer(p); err != nil {
		return err
	}
	f.r.UpdatePlayer(p)
	return nil
}

func (f *FSM) applyDeletePlayer(id string, index uint64) error {
	existing, err := f.ps.LoadPlayer(id)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if index > 0 && index <= existing.LastRaftIndex {
		return nil
	}
	if err := f.ps.DeletePlayer(id); err != nil {
		return err
	}
	tomb, err := f.ps.LoadPlayer(id)
	if err != nil {
		return err
	}
	tomb.LastRaftIndex = max(index, tomb.LastRaftIndex)
	if err := f.ps.SavePlayer(tomb); err != nil {
		return err
	}
	f.r.UpdatePlayer(tomb)
	return nil
}

func (f *FSM) applyCommand(cmd RaftCommand, index uint64) any {
	switch cmd.Type {
	case CmdApplyAction:
		if cmd.Action == nil {
			return fmt.Errorf("missing action payload")
		}
		return f.applyActions(cmd.Action.GameID, cmd.Action.Actions, index)
	case CmdDeleteGame:
		return f.applyDeleteGame(cmd.ID, index)
	case CmdSavePlayer:
		return f.applySavePlayer(cmd.Player, index)
	case CmdDeletePlayer:
		return f.applyDeletePlayer(cmd.ID, index)
	case CmdNodeMeta:
		if cmd.NodeMeta == nil {
			return fmt.Errorf("missing node meta")
		}
		f.storeNodeMeta(cmd.NodeMeta)
		if f.rm != nil && (cmd.NodeMeta.NodeID != f.rm.NodeID || f.rm.Bootstrap) {
			f.setInitialized()
		}
		return nil
	case CmdNodeLeft:
		if cmd.NodeMeta == nil {
			return fmt.Errorf("missing node meta for leave")
		}
		f.nodeMap.Delete(cmd.NodeMeta.NodeID)
		f.saveNodes()
		return nil
	default:
		return fmt.Errorf("unknown command type: %s", cmd.Type)
	}
}

// FSMSnapshot represents a snapshot of the FSM state.
type FSMSnapshot struct {
	fsm *FSM
}

// Persist saves the snapshot to the given sink.
func (s *FSMSnapshot) Persist(sink raft.SnapshotSink) error {
	if err := s.fsm.persist(sink); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

// Release releases the snapshot.
func (s *FSMSnapshot) Release() {}

func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	if err := f.FlushAll(); err != nil {
		log.Printf("FSM Snapshot Error: flushing games failed: %v", err)
		return nil, err
	}
	if f.storage != nil {
		state := fsmState{
			LastAppliedIndex: f.LastAppliedIndex(),
			Timestamp:        time.Now().UnixNano(),
		}
		if err := f.storage.SaveDataFile("fsm_state.json", state); err != nil {
			log.Printf("Warning: failed to save fsm_state.json: %v", err)
		}
	}
	return &FSMSnapshot{fsm: f}, nil
}

func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	if err := f.restore(rc); err != nil {
		return err
	}
	f.r.Rebuild()
	return nil
}

// FlushAll writes every game held only in memory to disk.
func (f *FSM) FlushAll() error {
	return f.gs.FlushAll()
}

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
	"path/filepath"
	"testing"

	"github.com/c2FmZQ/storage"
	"github.com/google/uuid"
	"github.com/hashicorp/raft"
	"github.com/ttbt-io/inningbook/backend/scoring"
)

func newTestFSM(t *testing.T) (*FSM, *GameStore, *PlayerStore, *Registry) {
	t.Helper()
	gs, ps, r := newTestStores(t)
	raftDir := filepath.Join(t.TempDir(), "raft")
	fsm := NewFSM(gs, ps, r, NewHubManager(nil), storage.New(raftDir, nil))
	return fsm, gs, ps, r
}

func raftLog(t *testing.T, index uint64, cmd RaftCommand) *raft.Log {
	t.Helper()
	data, err := json.Marshal(cmd)
	if err != nil {
		t.Fatal(err)
	}
	return &raft.Log{Index: index, Data: data}
}

func actionCmd(gameId string, actions ...json.RawMessage) RaftCommand {
	return RaftCommand{
		Type:   CmdApplyAction,
		ID:     gameId,
		Action: &ActionPayload{GameID: gameId, Actions: actions, UserID: testOwner},
	}
}

func TestFSMApplyActions(t *testing.T) {
	fsm, gs, _, r := newTestFSM(t)
	gameId := uuid.NewString()
	log := sampleGame(t, gameId, newSampleIDs())

	if res := fsm.Apply(raftLog(t, 5, actionCmd(gameId, log[:5]...))); res != nil {
		t.Fatalf("Apply: %v", res)
	}
	if fsm.LastAppliedIndex() != 5 {
		t.Errorf("LastAppliedIndex = %d, want 5", fsm.LastAppliedIndex())
	}
	g, err := gs.LoadGame(gameId)
	if err != nil {
		t.Fatal(err)
	}
	if len(g.ActionLog) != 5 || g.LastRaftIndex != 5 {
		t.Errorf("game has %d actions at index %d", len(g.ActionLog), g.LastRaftIndex)
	}
	if !r.GameExists(gameId) {
		t.Error("registry should index the new game")
	}

	// Replaying an entry at or below the game's index is a no-op.
	if res := fsm.Apply(raftLog(t, 5, actionCmd(gameId, log[5:]...))); res != nil {
		t.Fatalf("replay: %v", res)
	}
	if g, _ := gs.LoadGame(gameId); len(g.ActionLog) != 5 {
		t.Errorf("replayed entry changed the game: %d actions", len(g.ActionLog))
	}

	if res := fsm.Apply(raftLog(t, 6, actionCmd(gameId, log[5:]...))); res != nil {
		t.Fatalf("Apply: %v", res)
	}
	g, _ = gs.LoadGame(gameId)
	if len(g.ActionLog) != len(log) || g.LastRaftIndex != 6 {
		t.Errorf("game has %d actions at index %d", len(g.ActionLog), g.LastRaftIndex)
	}

	// A failing batch leaves the game untouched.
	bad := mkAction(t, ActionPAChange, resultPayload{Half: topFirst, Index: 7, Result: scoring.Walk})
	if res := fsm.Apply(raftLog(t, 7, actionCmd(gameId, bad))); res == nil {
		t.Error("invalid batch should return an error")
	}
	if g, _ := gs.LoadGame(gameId); g.LastRaftIndex != 6 {
		t.Errorf("failed entry moved the index to %d", g.LastRaftIndex)
	}
}

func TestFSMDeleteGame(t *testing.T) {
	fsm, gs, _, r := newTestFSM(t)
	gameId := uuid.NewString()
	fsm.Apply(raftLog(t, 1, actionCmd(gameId, sampleGame(t, gameId, newSampleIDs())...)))

	// An old entry doesn't delete a newer game.
	if res := fsm.Apply(raftLog(t, 1, RaftCommand{Type: CmdDeleteGame, ID: gameId})); res != nil {
		t.Fatal(res)
	}
	if !r.GameExists(gameId) {
		t.Fatal("stale delete removed the game")
	}

	if res := fsm.Apply(raftLog(t, 2, RaftCommand{Type: CmdDeleteGame, ID: gameId})); res != nil {
		t.Fatal(res)
	}
	g, err := gs.LoadGame(gameId)
	if err != nil {
		t.Fatal(err)
	}
	if g.Status != StatusDeleted || g.LastRaftIndex != 2 || !r.IsGameDeleted(gameId) {
		t.Errorf("tombstone = %q at %d", g.Status, g.LastRaftIndex)
	}
	if res := fsm.Apply(raftLog(t, 3, RaftCommand{Type: CmdDeleteGame, ID: uuid.NewString()})); res != nil {
		t.Errorf("deleting an unknown game: %v", res)
	}
}

func TestFSMPlayers(t *testing.T) {
	fsm, _, ps, r := newTestFSM(t)
	p := newTestPlayer("Casey", testOwner, "P")

	if res := fsm.Apply(raftLog(t, 3, RaftCommand{Type: CmdSavePlayer, ID: p.ID, Player: p})); res != nil {
		t.Fatal(res)
	}
	stale := *p
	stale.Name = "Stale"
	fsm.Apply(raftLog(t, 2, RaftCommand{Type: CmdSavePlayer, ID: p.ID, Player: &stale}))
	got, err := ps.LoadPlayer(p.ID)
	if err != nil || got.Name != "Casey" || got.LastRaftIndex != 3 {
		t.Errorf("player = %+v, %v", got, err)
	}

	if res := fsm.Apply(raftLog(t, 4, RaftCommand{Type: CmdDeletePlayer, ID: p.ID})); res != nil {
		t.Fatal(res)
	}
	if got, ok := r.LookupPlayer(p.ID); !ok || got.Status != StatusDeleted {
		t.Errorf("registry player = %+v", got)
	}
	if res := fsm.Apply(raftLog(t, 5, RaftCommand{Type: CmdSavePlayer})); res == nil {
		t.Error("save without a player should fail")
	}
}

func TestFSMNodes(t *testing.T) {
	fsm, _, _, _ := newTestFSM(t)
	meta := &NodeMeta{NodeID: "n1", HttpAddr: "10.0.0.1:8443", RaftAddr: "10.0.0.1:8081"}

	if res := fsm.Apply(raftLog(t, 1, RaftCommand{Type: CmdNodeMeta, NodeMeta: meta})); res != nil {
		t.Fatal(res)
	}
	if fsm.GetNodeAddr("n1") != meta.HttpAddr || fsm.GetNodeMeta("n1").RaftAddr != meta.RaftAddr {
		t.Errorf("nodes = %v", fsm.GetAllNodes())
	}

	// Node metadata survives a restart.
	reloaded := NewFSM(fsm.gs, fsm.ps, fsm.r, fsm.hm, fsm.storage)
	if reloaded.GetNodeAddr("n1") != meta.HttpAddr {
		t.Error("node metadata was not persisted")
	}

	fsm.Apply(raftLog(t, 2, RaftCommand{Type: CmdNodeLeft, NodeMeta: &NodeMeta{NodeID: "n1"}}))
	if fsm.GetNodeAddr("n1") != "" {
		t.Error("node should be gone")
	}

	if res := fsm.Apply(raftLog(t, 3, RaftCommand{Type: "BOGUS"})); res == nil {
		t.Error("unknown command should fail")
	}
	if res := fsm.Apply(&raft.Log{Index: 4, Data: []byte("{")}); res == nil {
		t.Error("bad entry should fail")
	}
	if res := fsm.Apply(&raft.Log{Index: 5}); res != nil {
		t.Errorf("empty entry: %v", res)
	}
}

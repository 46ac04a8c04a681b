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
	"os"
	"testing"
	"time"

	"github.com/c2FmZQ/storage"
	"github.com/google/uuid"
	"github.com/ttbt-io/inningbook/backend/scoring"
)

const testOwner = "owner@example.com"

var (
	topFirst    = scoring.Half{Inning: 1, Top: true}
	bottomFirst = scoring.Half{Inning: 1, Top: false}
)

func mkAction(t testing.TB, typ string, payload any) json.RawMessage {
	t.Helper()
	p, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	raw, err := json.Marshal(BaseAction{
		ID:        uuid.NewString(),
		Type:      typ,
		Payload:   p,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		t.Fatalf("marshal action: %v", err)
	}
	return raw
}

func createAction(t testing.TB, gameId, owner string) json.RawMessage {
	return mkAction(t, ActionGameCreate, gameCreatePayload{
		ID:       gameId,
		OwnerID:  owner,
		Date:     "2026-04-12",
		Opponent: "Rockets",
		Season:   "2026",
	})
}

type sampleIDs struct {
	Leadoff, Slugger, Pitcher string
}

func newSampleIDs() sampleIDs {
	return sampleIDs{uuid.NewString(), uuid.NewString(), uuid.NewString()}
}

// sampleGame returns the log of one inning: a single and a two-run homer
// in the top of the first, then three strikeouts against our pitcher.
func sampleGame(t testing.TB, gameId string, ids sampleIDs) []json.RawMessage {
	t.Helper()
	return []json.RawMessage{
		createAction(t, gameId, testOwner),
		mkAction(t, ActionLineupAdd, playerPayload{PlayerID: ids.Leadoff}),
		mkAction(t, ActionLineupAdd, playerPayload{PlayerID: ids.Slugger}),
		mkAction(t, ActionPAResult, resultPayload{Half: topFirst, Result: scoring.Single}),
		mkAction(t, ActionPAResult, resultPayload{Half: topFirst, Result: scoring.HomeRun}),
		mkAction(t, ActionPitcherAssign, pitcherPayload{Half: bottomFirst, PitcherID: ids.Pitcher}),
		mkAction(t, ActionPAResult, resultPayload{Half: bottomFirst, Result: scoring.Strikeout}),
		mkAction(t, ActionPAResult, resultPayload{Half: bottomFirst, Result: scoring.Strikeout}),
		mkAction(t, ActionPAResult, resultPayload{Half: bottomFirst, Result: scoring.Strikeout}),
	}
}

func newTestStores(t *testing.T) (*GameStore, *PlayerStore, *Registry) {
	t.Helper()
	dir := t.TempDir()
	st := storage.New(dir, nil)
	gs := NewGameStore(dir, st)
	ps := NewPlayerStore(dir, st)
	r := NewRegistry(gs, ps)
	t.Cleanup(r.StopGC)
	return gs, ps, r
}

func newTestPlayer(name, owner string, positions ...string) *PlayerRecord {
	return &PlayerRecord{
		Player: scoring.Player{
			ID:        uuid.NewString(),
			Name:      name,
			Positions: positions,
		},
		OwnerID: owner,
	}
}

func mustNotExist(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("%s should not exist, stat err = %v", path, err)
	}
}

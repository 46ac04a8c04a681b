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

package scoring

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/ttbt-io/inningbook/backend/stats"
)

// playedGame scores a full first inning: the tracked team bats in the top
// and pitches in the bottom.
func playedGame(t *testing.T) Game {
	t.Helper()
	g := mustApply(t, newTestGame(),
		RecordResult{Half: top1, Result: Triple},
		RecordResult{Half: top1, Result: SacrificeFly},
		RecordResult{Half: top1, Result: Double},
		RecordResult{Half: top1, Result: Single},
		RecordResult{Half: top1, Result: DoublePlay, Plan: &AdvancePlan{}},
		AssignPitcher{Half: bottom1, PitcherID: "p1"},
	)
	g = mustApply(t, g, pitches(bottom1, Ball, Strike)...)
	g = mustApply(t, g, RecordResult{Half: bottom1, Result: Single})
	g = mustApply(t, g, RecordResult{Half: bottom1, Result: HomeRun})
	g = mustApply(t, g, pitches(bottom1, Ball, Ball, Ball, Ball)...)
	g = mustApply(t, g, pitches(bottom1, Strike, Strike, Strike)...)
	return mustApply(t, g,
		RecordResult{Half: bottom1, Result: SacrificeFly},
		RecordResult{Half: bottom1, Result: GroundOut},
	)
}

func TestRecomputeBattingLine(t *testing.T) {
	g := playedGame(t)
	tests := []struct {
		id   string
		want stats.Batting
	}{
		{"b1", stats.Batting{Triples: 1}},
		{"b2", stats.Batting{SF: 1, RBI: 1}},
		{"b3", stats.Batting{Doubles: 1}},
		{"b4", stats.Batting{Singles: 1, RBI: 1}},
		{"b5", stats.Batting{}},
	}
	for _, tc := range tests {
		if got := g.Stats.Get(tc.id).Batting; got != tc.want {
			t.Errorf("%s batting = %+v, want %+v", tc.id, got, tc.want)
		}
	}
	if h := mustHalf(t, g, top1); !h.Closed() || h.Runs() != 2 {
		t.Errorf("top half: closed %v runs %d", h.Closed(), h.Runs())
	}
}

func TestRecomputePitchingLine(t *testing.T) {
	g := playedGame(t)
	want := stats.Pitching{IP: 1, H: 2, ER: 2, BB: 1, K: 1, HR: 1, AB: 4, PC: 9}
	if got := g.Stats.Get("p1").Pitching; got != want {
		t.Errorf("p1 pitching = %+v, want %+v", got, want)
	}
	d := stats.Derive(g.Stats.Get("p1"))
	if d.IP != "1.0" || d.ERA != "18.00" || d.WHIP != "3.00" {
		t.Errorf("derived pitching line = %+v", d)
	}
}

func TestRecomputeIsIdempotent(t *testing.T) {
	g := playedGame(t)
	a := Recompute(g)
	b := Recompute(g)
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("recompute is not deterministic:\n%+v\n%+v", a, b)
	}
	if !reflect.DeepEqual(a, g.Stats) {
		t.Errorf("recompute differs from stored stats")
	}
}

func TestRecomputeFromJSON(t *testing.T) {
	g := playedGame(t)
	g = mustApply(t, g, RecordPitch{Half: Half{Inning: 2, Top: true}, Pitch: Foul})
	data, err := json.Marshal(g)
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	var decoded Game
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("json.Unmarshal: %v", err)
	}
	if got := Recompute(decoded); !reflect.DeepEqual(got, g.Stats) {
		t.Errorf("recompute from decoded game differs:\n%+v\n%+v", got, g.Stats)
	}
	if h, ok := decoded.HalfAt(Half{Inning: 2, Top: true}); !ok || !h.PAs[0].Open() {
		t.Errorf("open PA did not survive round trip")
	}
}

func TestDecodeRejectsUnknownCodes(t *testing.T) {
	var pa PlateAppearance
	if err := json.Unmarshal([]byte(`{"pitches":["B"],"result":"XX"}`), &pa); err == nil {
		t.Errorf("expected error for unknown result")
	}
	if err := json.Unmarshal([]byte(`{"pitches":["Q"]}`), &pa); err == nil {
		t.Errorf("expected error for unknown pitch")
	}
}

func TestPitchCountWithoutResult(t *testing.T) {
	g := mustApply(t, newTestGame(), AssignPitcher{Half: bottom1, PitcherID: "p1"})
	g = mustApply(t, g, pitches(bottom1,
		Ball, Strike, Foul, Ball, Foul, Foul, Foul, Ball, Foul, Foul, Foul, Foul)...)
	if h := mustHalf(t, g, bottom1); len(h.PAs) != 1 || !h.PAs[0].Open() {
		t.Fatalf("expected one open PA")
	}
	want := stats.Triple{Pitching: stats.Pitching{PC: 12}}
	if got := g.Stats.Get("p1"); got != want {
		t.Errorf("p1 = %+v, want %+v", got, want)
	}
}

func TestRBISuppression(t *testing.T) {
	score := &AdvancePlan{On3: Score}
	g := mustApply(t, newTestGame(),
		RecordResult{Half: top1, Result: Triple},
		RecordResult{Half: top1, Result: Strikeout, Plan: score},
		RecordResult{Half: top1, Result: Triple},
		RecordResult{Half: top1, Result: ReachedOnError},
		RecordResult{Half: top1, Result: Triple},
		RecordResult{Half: top1, Result: CaughtStealing, Plan: score},
		RecordResult{Half: top1, Result: Triple},
		RecordResult{Half: top1, Result: DoublePlay, Plan: score},
	)
	h := mustHalf(t, g, top1)
	for _, i := range []int{1, 3, 5, 7} {
		pa := h.PAs[i]
		if pa.Runs != 1 {
			t.Fatalf("PA %d (%s) scored %d runs, want 1", i, pa.Result, pa.Runs)
		}
		if pa.RBI() != 0 {
			t.Errorf("PA %d (%s) RBI = %d, want 0", i, pa.Result, pa.RBI())
		}
		if got := g.Stats.Get(pa.BatterID).Batting.RBI; got != 0 {
			t.Errorf("%s credited %d RBI", pa.BatterID, got)
		}
	}
	if h.Outs != 3 || h.PAs[7].OutsAdded != 1 {
		t.Errorf("outs %d, last PA added %d", h.Outs, h.PAs[7].OutsAdded)
	}
}

func TestOverridePrecedence(t *testing.T) {
	g := mustApply(t, newTestGame(),
		RecordResult{Half: top1, Result: Triple},
		RecordResult{Half: top1, Result: Strikeout, Plan: &AdvancePlan{On3: Score}},
		SetOverrides{Half: top1, Index: 1, RBI: intPtr(1)},
	)
	if got := g.Stats.Get("b2").Batting.RBI; got != 1 {
		t.Errorf("RBI override ignored: %d", got)
	}

	g = mustApply(t, g,
		AssignPitcher{Half: bottom1, PitcherID: "p1"},
		RecordResult{Half: bottom1, Result: Triple},
		RecordResult{Half: bottom1, Result: ReachedOnError},
		SetOverrides{Half: bottom1, Index: 1, ER: intPtr(1)},
	)
	if got := g.Stats.Get("p1").Pitching.ER; got != 0 {
		t.Errorf("ER override applied on an error play: %d", got)
	}
	g = mustApply(t, g, SetOverrides{Half: bottom1, Index: 0, ER: intPtr(2)})
	if got := g.Stats.Get("p1").Pitching.ER; got != 2 {
		t.Errorf("ER override ignored: %d", got)
	}
}

func TestBatterRun(t *testing.T) {
	g := mustApply(t, newTestGame(),
		RecordResult{Half: top1, Result: Walk},
		RecordResult{Half: top1, Result: HomeRun},
	)
	if got := g.Stats.Get("b2").Batting; got.HR != 1 || got.R != 1 || got.RBI != 2 {
		t.Errorf("home run batter = %+v", got)
	}
	if got := g.Stats.Get("b1").Batting; got.R != 0 || got.BB != 1 {
		t.Errorf("walked runner = %+v", got)
	}
}

func TestComputeLineScore(t *testing.T) {
	g := playedGame(t)
	g = mustApply(t, g, RecordResult{Half: Half{Inning: 3, Top: true}, Result: HomeRun})
	ls := ComputeLineScore(g)
	want := LineScore{Us: []int{2, 0, 1}, Them: []int{2, 0, 0}, UsTotal: 3, ThemTotal: 2}
	if !reflect.DeepEqual(ls, want) {
		t.Errorf("line score = %+v, want %+v", ls, want)
	}
}

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
	"slices"

	"github.com/ttbt-io/inningbook/backend/stats"
)

// MaxLineup is the number of batting-order slots.
const MaxLineup = 9

// Player is a roster member. Positions gate the defensive roles a player
// may take, including pitcher of record.
type Player struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Positions []string `json:"positions,omitempty"`
	Bats      string   `json:"bats,omitempty"`
	Throws    string   `json:"throws,omitempty"`
}

// CanPitch reports whether the player lists the pitcher position.
func (p Player) CanPitch() bool {
	for _, pos := range p.Positions {
		if pos == "P" {
			return true
		}
	}
	return false
}

// RosterEntry is the name and positions captured when a game is locked.
type RosterEntry struct {
	Name      string   `json:"name"`
	Positions []string `json:"positions,omitempty"`
}

// Decisions names the pitchers of record.
type Decisions struct {
	Win  string `json:"win,omitempty"`
	Loss string `json:"loss,omitempty"`
	Save string `json:"save,omitempty"`
}

// Half addresses one half-inning.
type Half struct {
	Inning int  `json:"inning"`
	Top    bool `json:"top"`
}

// CreditStat is a fielding or baserunning counter attached to a PA.
type CreditStat string

const (
	CreditPutout         CreditStat = "PO"
	CreditAssist         CreditStat = "A"
	CreditError          CreditStat = "E"
	CreditStolenBase     CreditStat = "SB"
	CreditCaughtStealing CreditStat = "CS"
)

// Valid reports whether s is a known credit.
func (s CreditStat) Valid() bool {
	switch s {
	case CreditPutout, CreditAssist, CreditError, CreditStolenBase, CreditCaughtStealing:
		return true
	}
	return false
}

// Credit attributes one fielding or baserunning counter to a player.
type Credit struct {
	PlayerID string     `json:"playerId"`
	Stat     CreditStat `json:"stat"`
}

// PlateAppearance is one batter's turn. Everything below Plan is derived
// and rebuilt whenever the half-inning is replayed.
type PlateAppearance struct {
	BatterID  string       `json:"batterId,omitempty"`
	PitcherID string       `json:"pitcherId,omitempty"`
	Pitches   []Pitch      `json:"pitches"`
	Result    Result       `json:"result,omitempty"`
	Plan      *AdvancePlan `json:"plan,omitempty"`

	RBIOverride *int     `json:"rbi,omitempty"`
	EROverride  *int     `json:"er,omitempty"`
	Credits     []Credit `json:"credits,omitempty"`

	OutsAdded    int       `json:"outsAdded"`
	Before       BaseState `json:"before"`
	After        BaseState `json:"after"`
	Runs         int       `json:"runs"`
	EarnedRuns   int       `json:"earnedRuns"`
	ErrorFlag    bool      `json:"hasError"`
	BatterScored bool      `json:"batterScored,omitempty"`
}

// Open reports whether the PA still awaits a result.
func (pa PlateAppearance) Open() bool {
	return pa.Result == ""
}

// RBI returns the batter's runs batted in: the scorer's override when set,
// otherwise the runs scored unless an error or a suppressing result voids
// them.
func (pa PlateAppearance) RBI() int {
	if pa.Open() {
		return 0
	}
	if pa.RBIOverride != nil {
		return max(0, *pa.RBIOverride)
	}
	if pa.ErrorFlag || pa.Result.suppressesRBI() {
		return 0
	}
	return pa.Runs
}

// ER returns the earned runs charged for the PA. An error flag forces zero
// even when the scorer entered an override.
func (pa PlateAppearance) ER() int {
	if pa.Open() || pa.ErrorFlag {
		return 0
	}
	if pa.EROverride != nil {
		return max(0, *pa.EROverride)
	}
	return pa.EarnedRuns
}

// HalfInning holds the plate appearances of one half of an inning.
type HalfInning struct {
	Inning    int               `json:"inning"`
	Top       bool              `json:"top"`
	Outs      int               `json:"outs"`
	PitcherID string            `json:"pitcherId,omitempty"`
	Bases     BaseState         `json:"bases"`
	PAs       []PlateAppearance `json:"pas"`
}

// Address returns the half's address.
func (h HalfInning) Address() Half {
	return Half{Inning: h.Inning, Top: h.Top}
}

// Closed reports whether three outs have been recorded.
func (h HalfInning) Closed() bool {
	return h.Outs >= 3
}

// Runs returns the runs scored in the half.
func (h HalfInning) Runs() int {
	n := 0
	for _, pa := range h.PAs {
		n += pa.Runs
	}
	return n
}

// openPA returns the index of the PA in progress, or -1.
func (h HalfInning) openPA() int {
	if n := len(h.PAs); n > 0 && h.PAs[n-1].Open() {
		return n - 1
	}
	return -1
}

// Game is the full scorekeeping state of one game. Stats is derived from
// Halves and recomputed after every mutation.
type Game struct {
	ID               string                 `json:"id"`
	Date             string                 `json:"date,omitempty"`
	Opponent         string                 `json:"opponent,omitempty"`
	Season           string                 `json:"season,omitempty"`
	Tag              string                 `json:"tag,omitempty"`
	StartedOnDefense bool                   `json:"startedOnDefense"`
	Lineup           []string               `json:"lineup"`
	NextBatter       int                    `json:"nextBatter"`
	Locked           bool                   `json:"locked"`
	Roster           map[string]RosterEntry `json:"roster,omitempty"`
	Decisions        Decisions              `json:"decisions"`
	Halves           []HalfInning           `json:"halves"`
	Stats            stats.Buckets          `json:"stats"`
}

// NewGame returns an empty unlocked game.
func NewGame(id string) Game {
	return Game{
		ID:     id,
		Lineup: []string{},
		Halves: []HalfInning{},
		Stats:  stats.Buckets{},
	}
}

// Offense reports whether the tracked team bats in the given half.
func (g Game) Offense(top bool) bool {
	if g.StartedOnDefense {
		return !top
	}
	return top
}

// HalfAt returns the half-inning at addr, if it has been started.
func (g Game) HalfAt(addr Half) (HalfInning, bool) {
	if i := g.halfIndex(addr); i >= 0 {
		return g.Halves[i], true
	}
	return HalfInning{}, false
}

func (g Game) halfIndex(addr Half) int {
	for i, h := range g.Halves {
		if h.Inning == addr.Inning && h.Top == addr.Top {
			return i
		}
	}
	return -1
}

// ensureHalf returns a pointer to the half at addr, creating it in inning
// order when absent.
func (g *Game) ensureHalf(addr Half) *HalfInning {
	if i := g.halfIndex(addr); i >= 0 {
		return &g.Halves[i]
	}
	h := HalfInning{Inning: addr.Inning, Top: addr.Top, PAs: []PlateAppearance{}}
	pos := len(g.Halves)
	for i, cur := range g.Halves {
		if addr.Inning < cur.Inning || (addr.Inning == cur.Inning && addr.Top && !cur.Top) {
			pos = i
			break
		}
	}
	g.Halves = append(g.Halves, HalfInning{})
	copy(g.Halves[pos+1:], g.Halves[pos:])
	g.Halves[pos] = h
	return &g.Halves[pos]
}

// InLineup reports whether playerID holds a batting-order slot.
func (g Game) InLineup(playerID string) bool {
	for _, id := range g.Lineup {
		if id == playerID {
			return true
		}
	}
	return false
}

// PlayerIDs returns every player referenced by the lineup, the pitchers or
// the plate appearances.
func (g Game) PlayerIDs() []string {
	seen := make(map[string]bool)
	var ids []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for _, id := range g.Lineup {
		add(id)
	}
	for _, h := range g.Halves {
		add(h.PitcherID)
		for _, pa := range h.PAs {
			add(pa.BatterID)
			add(pa.PitcherID)
			for _, c := range pa.Credits {
				add(c.PlayerID)
			}
		}
	}
	add(g.Decisions.Win)
	add(g.Decisions.Loss)
	add(g.Decisions.Save)
	return ids
}

// Clone returns a deep copy.
func (g Game) Clone() Game {
	out := g
	out.Lineup = slices.Clone(g.Lineup)
	if g.Roster != nil {
		out.Roster = make(map[string]RosterEntry, len(g.Roster))
		for id, e := range g.Roster {
			e.Positions = slices.Clone(e.Positions)
			out.Roster[id] = e
		}
	}
	out.Halves = make([]HalfInning, len(g.Halves))
	for i, h := range g.Halves {
		out.Halves[i] = h.clone()
	}
	out.Stats = make(stats.Buckets, len(g.Stats))
	for id, t := range g.Stats {
		if t != nil {
			c := *t
			out.Stats[id] = &c
		}
	}
	return out
}

func (h HalfInning) clone() HalfInning {
	out := h
	out.PAs = make([]PlateAppearance, len(h.PAs))
	for i, pa := range h.PAs {
		out.PAs[i] = pa.clone()
	}
	return out
}

func (pa PlateAppearance) clone() PlateAppearance {
	out := pa
	out.Pitches = slices.Clone(pa.Pitches)
	out.Credits = slices.Clone(pa.Credits)
	if pa.Plan != nil {
		p := *pa.Plan
		out.Plan = &p
	}
	if pa.RBIOverride != nil {
		v := *pa.RBIOverride
		out.RBIOverride = &v
	}
	if pa.EROverride != nil {
		v := *pa.EROverride
		out.EROverride = &v
	}
	return out
}

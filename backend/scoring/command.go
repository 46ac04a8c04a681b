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
	"fmt"
	"slices"
)

// Command is a mutation of a Game. The set of commands is closed.
type Command interface {
	apply(g *Game) error
}

// Apply returns the game that results from running cmd against g. On
// failure it returns g unchanged together with the reason. The player
// buckets of the returned game are always rebuilt from scratch.
func Apply(g Game, cmd Command) (Game, error) {
	if g.Locked {
		return g, ErrLocked
	}
	next := g.Clone()
	if err := cmd.apply(&next); err != nil {
		return g, err
	}
	next.Stats = Recompute(next)
	return next, nil
}

// playHalf returns the half at addr for recording play, creating it when
// needed.
func (g *Game) playHalf(addr Half) (*HalfInning, error) {
	if addr.Inning < 1 {
		return nil, fmt.Errorf("%w: inning %d", ErrInvalidInput, addr.Inning)
	}
	h := g.ensureHalf(addr)
	if h.Closed() {
		return nil, ErrHalfClosed
	}
	if !g.Offense(addr.Top) && h.PitcherID == "" {
		return nil, ErrNoPitcher
	}
	return h, nil
}

// editHalf returns an existing half and the PA at index for a retroactive
// edit.
func (g *Game) editHalf(addr Half, index int) (*HalfInning, error) {
	i := g.halfIndex(addr)
	if i < 0 {
		return nil, ErrNoSuchHalf
	}
	h := &g.Halves[i]
	if h.Closed() {
		return nil, ErrHalfClosed
	}
	if !g.Offense(addr.Top) && h.PitcherID == "" {
		return nil, ErrNoPitcher
	}
	if index < 0 || index >= len(h.PAs) {
		return nil, fmt.Errorf("%w: index %d", ErrNoSuchPA, index)
	}
	return h, nil
}

func (g *Game) newPA(h *HalfInning) PlateAppearance {
	pa := PlateAppearance{Pitches: []Pitch{}, Before: h.Bases}
	if g.Offense(h.Top) {
		if len(g.Lineup) > 0 {
			pa.BatterID = g.Lineup[g.NextBatter%len(g.Lineup)]
		}
	} else {
		pa.PitcherID = h.PitcherID
	}
	return pa
}

// currentPA returns the index of the open PA, starting one if needed.
func (g *Game) currentPA(h *HalfInning) int {
	if i := h.openPA(); i >= 0 {
		return i
	}
	h.PAs = append(h.PAs, g.newPA(h))
	return len(h.PAs) - 1
}

func (g *Game) advanceBatter() {
	n := len(g.Lineup)
	if n == 0 {
		n = MaxLineup
	}
	g.NextBatter = (g.NextBatter + 1) % n
}

// resolve settles the PA at index i and moves the batting order on offense.
func (g *Game) resolve(h *HalfInning, i int, r Result, plan *AdvancePlan) {
	pa := &h.PAs[i]
	pa.Result = r
	pa.Plan = nil
	if plan != nil && r.acceptsPlan() {
		p := *plan
		pa.Plan = &p
	}
	settle(h, pa)
	if g.Offense(h.Top) {
		g.advanceBatter()
	}
}

// settle derives a PA's outcome from the half's current state and applies
// it. Outs never go past three.
func settle(h *HalfInning, pa *PlateAppearance) {
	pa.Before = h.Bases
	res := Resolve(h.Bases, pa.Result, pa.Plan)
	pa.OutsAdded = min(res.Outs, max(0, 3-h.Outs))
	pa.After = res.After
	pa.Runs = res.Runs
	pa.EarnedRuns = res.EarnedRuns
	pa.ErrorFlag = res.ErrorFlag
	pa.BatterScored = res.BatterScored
	h.Outs += pa.OutsAdded
	h.Bases = res.After
}

// replay rebuilds every derived field of the half from its PAs in order. It
// fails when the third out is recorded before the last PA.
func replay(h *HalfInning) error {
	h.Outs = 0
	h.Bases = BaseState{}
	for i := range h.PAs {
		if h.Closed() {
			return fmt.Errorf("%w: half closes before PA %d", ErrInvalidInput, i)
		}
		pa := &h.PAs[i]
		if pa.Open() {
			pa.Before = h.Bases
			pa.After = BaseState{}
			pa.OutsAdded, pa.Runs, pa.EarnedRuns = 0, 0, 0
			pa.ErrorFlag, pa.BatterScored = false, false
			continue
		}
		settle(h, pa)
	}
	return nil
}

func validPlan(p *AdvancePlan) error {
	if p != nil && !p.Valid() {
		return fmt.Errorf("%w: advance plan %+v", ErrInvalidInput, *p)
	}
	return nil
}

// AssignPitcher sets the pitcher for a half-inning. PAs already started
// keep the pitcher they were created with.
type AssignPitcher struct {
	Half      Half
	PitcherID string
}

func (c AssignPitcher) apply(g *Game) error {
	if c.PitcherID == "" {
		return fmt.Errorf("%w: empty pitcher", ErrInvalidInput)
	}
	if c.Half.Inning < 1 {
		return fmt.Errorf("%w: inning %d", ErrInvalidInput, c.Half.Inning)
	}
	h := g.ensureHalf(c.Half)
	if h.Closed() {
		return ErrHalfClosed
	}
	h.PitcherID = c.PitcherID
	return nil
}

// RecordPitch appends a pitch mark to the PA in progress. Four balls and
// three strikes resolve the PA on their own.
type RecordPitch struct {
	Half  Half
	Pitch Pitch
}

func (c RecordPitch) apply(g *Game) error {
	if !c.Pitch.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownPitch, c.Pitch)
	}
	h, err := g.playHalf(c.Half)
	if err != nil {
		return err
	}
	i := g.currentPA(h)
	h.PAs[i].Pitches = append(h.PAs[i].Pitches, c.Pitch)
	balls, strikes := Count(h.PAs[i].Pitches)
	switch {
	case balls >= 4:
		g.resolve(h, i, Walk, nil)
	case strikes >= 3:
		g.resolve(h, i, Strikeout, nil)
	}
	return nil
}

// RecordResult resolves the PA in progress, or a new PA with no pitches.
type RecordResult struct {
	Half   Half
	Result Result
	Plan   *AdvancePlan
}

func (c RecordResult) apply(g *Game) error {
	if !c.Result.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownResult, c.Result)
	}
	if err := validPlan(c.Plan); err != nil {
		return err
	}
	h, err := g.playHalf(c.Half)
	if err != nil {
		return err
	}
	g.resolve(h, g.currentPA(h), c.Result, c.Plan)
	return nil
}

// ChangeResult replaces the result of a resolved PA and replays the half.
type ChangeResult struct {
	Half   Half
	Index  int
	Result Result
	Plan   *AdvancePlan
}

func (c ChangeResult) apply(g *Game) error {
	if !c.Result.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownResult, c.Result)
	}
	if err := validPlan(c.Plan); err != nil {
		return err
	}
	h, err := g.editHalf(c.Half, c.Index)
	if err != nil {
		return err
	}
	pa := &h.PAs[c.Index]
	if pa.Open() {
		return ErrPAOpen
	}
	pa.Result = c.Result
	pa.Plan = nil
	if c.Plan != nil && c.Result.acceptsPlan() {
		p := *c.Plan
		pa.Plan = &p
	}
	return replay(h)
}

// DeletePA removes a PA and replays the half. The batting order is not
// rewound.
type DeletePA struct {
	Half  Half
	Index int
}

func (c DeletePA) apply(g *Game) error {
	h, err := g.editHalf(c.Half, c.Index)
	if err != nil {
		return err
	}
	h.PAs = slices.Delete(h.PAs, c.Index, c.Index+1)
	return replay(h)
}

// SetOverrides stores the scorer's RBI and earned-run corrections for a
// resolved PA. A nil value clears the override.
type SetOverrides struct {
	Half  Half
	Index int
	RBI   *int
	ER    *int
}

func clampPtr(v *int) *int {
	if v == nil {
		return nil
	}
	n := max(0, *v)
	return &n
}

func (c SetOverrides) apply(g *Game) error {
	h, err := g.editHalf(c.Half, c.Index)
	if err != nil {
		return err
	}
	pa := &h.PAs[c.Index]
	if pa.Open() {
		return ErrPAOpen
	}
	pa.RBIOverride = clampPtr(c.RBI)
	pa.EROverride = clampPtr(c.ER)
	return nil
}

// SetCredits replaces the fielding and baserunning credits of a PA.
type SetCredits struct {
	Half    Half
	Index   int
	Credits []Credit
}

func (c SetCredits) apply(g *Game) error {
	for _, cr := range c.Credits {
		if cr.PlayerID == "" || !cr.Stat.Valid() {
			return fmt.Errorf("%w: credit %+v", ErrInvalidInput, cr)
		}
	}
	h, err := g.editHalf(c.Half, c.Index)
	if err != nil {
		return err
	}
	h.PAs[c.Index].Credits = slices.Clone(c.Credits)
	return nil
}

// AddToLineup appends a player to the batting order.
type AddToLineup struct {
	PlayerID string
}

func (c AddToLineup) apply(g *Game) error {
	if c.PlayerID == "" {
		return fmt.Errorf("%w: empty player", ErrInvalidInput)
	}
	if g.InLineup(c.PlayerID) {
		return ErrDuplicatePlayer
	}
	if len(g.Lineup) >= MaxLineup {
		return ErrLineupFull
	}
	g.Lineup = append(g.Lineup, c.PlayerID)
	return nil
}

// RemoveFromLineup drops a player from the batting order. The next batter
// keeps pointing at the same player when possible.
type RemoveFromLineup struct {
	PlayerID string
}

func (c RemoveFromLineup) apply(g *Game) error {
	i := slices.Index(g.Lineup, c.PlayerID)
	if i < 0 {
		return ErrNotInLineup
	}
	g.Lineup = slices.Delete(g.Lineup, i, i+1)
	if i < g.NextBatter {
		g.NextBatter--
	}
	if g.NextBatter >= len(g.Lineup) {
		g.NextBatter = 0
	}
	return nil
}

// ReorderLineup replaces the batting order.
type ReorderLineup struct {
	Order []string
}

func (c ReorderLineup) apply(g *Game) error {
	if len(c.Order) > MaxLineup {
		return ErrLineupFull
	}
	seen := make(map[string]bool, len(c.Order))
	for _, id := range c.Order {
		if id == "" {
			return fmt.Errorf("%w: empty player", ErrInvalidInput)
		}
		if seen[id] {
			return ErrDuplicatePlayer
		}
		seen[id] = true
	}
	g.Lineup = slices.Clone(c.Order)
	if g.NextBatter >= len(g.Lineup) {
		g.NextBatter = 0
	}
	return nil
}

// SetNextBatter selects the batting-order slot that bats next.
type SetNextBatter struct {
	Index int
}

func (c SetNextBatter) apply(g *Game) error {
	n := len(g.Lineup)
	if n == 0 {
		n = MaxLineup
	}
	if c.Index < 0 || c.Index >= n {
		return fmt.Errorf("%w: lineup index %d", ErrInvalidInput, c.Index)
	}
	g.NextBatter = c.Index
	return nil
}

// SetDecisions records the winning, losing and saving pitchers.
type SetDecisions struct {
	Decisions Decisions
}

func (c SetDecisions) apply(g *Game) error {
	g.Decisions = c.Decisions
	return nil
}

// UpdateDetails changes the descriptive fields of a game. The side the team
// starts on can only change before any PA is recorded.
type UpdateDetails struct {
	Date             string
	Opponent         string
	Season           string
	Tag              string
	StartedOnDefense bool
}

func (c UpdateDetails) apply(g *Game) error {
	if c.StartedOnDefense != g.StartedOnDefense {
		for _, h := range g.Halves {
			if len(h.PAs) > 0 {
				return fmt.Errorf("%w: cannot switch sides after play has started", ErrInvalidInput)
			}
		}
	}
	g.Date = c.Date
	g.Opponent = c.Opponent
	g.Season = c.Season
	g.Tag = c.Tag
	g.StartedOnDefense = c.StartedOnDefense
	return nil
}

// Lock finalizes the game. Name and positions of every player the game
// references are copied from Roster so the box score survives later roster
// edits.
type Lock struct {
	Roster map[string]RosterEntry
}

func (c Lock) apply(g *Game) error {
	g.Roster = make(map[string]RosterEntry)
	for _, id := range g.PlayerIDs() {
		if e, ok := c.Roster[id]; ok {
			e.Positions = slices.Clone(e.Positions)
			g.Roster[id] = e
		}
	}
	g.Locked = true
	return nil
}

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

// BaseState records which bases are occupied.
type BaseState struct {
	First  bool `json:"on1"`
	Second bool `json:"on2"`
	Third  bool `json:"on3"`
}

// Runners returns the number of occupied bases.
func (b BaseState) Runners() int {
	n := 0
	for _, on := range []bool{b.First, b.Second, b.Third} {
		if on {
			n++
		}
	}
	return n
}

func (b BaseState) occupied(base int) bool {
	switch base {
	case 1:
		return b.First
	case 2:
		return b.Second
	case 3:
		return b.Third
	}
	return false
}

func (b *BaseState) set(base int, on bool) {
	switch base {
	case 1:
		b.First = on
	case 2:
		b.Second = on
	case 3:
		b.Third = on
	}
}

// Advance values used in an AdvancePlan.
const (
	Stay  = 0
	Score = 4
)

// AdvancePlan is the scorer's per-runner movement on an out-type result.
// Each value is Stay, a number of bases to advance (1 to 3) or Score.
type AdvancePlan struct {
	On1    int `json:"on1"`
	On2    int `json:"on2"`
	On3    int `json:"on3"`
	Batter int `json:"batter"`
}

// Valid reports whether every value is within Stay..Score.
func (p AdvancePlan) Valid() bool {
	for _, v := range []int{p.On1, p.On2, p.On3, p.Batter} {
		if v < Stay || v > Score {
			return false
		}
	}
	return true
}

// Resolution is the effect of one plate appearance on the bases.
type Resolution struct {
	After        BaseState
	Runs         int
	EarnedRuns   int
	ErrorFlag    bool
	Outs         int
	BatterScored bool
}

// shift moves every runner forward n bases, lead runner first. Runners
// pushed past third score.
func shift(b BaseState, n int) (BaseState, int) {
	var out BaseState
	runs := 0
	for base := 3; base >= 1; base-- {
		if !b.occupied(base) {
			continue
		}
		if to := base + n; to >= Score {
			runs++
		} else {
			out.set(to, true)
		}
	}
	return out, runs
}

// force advances only runners that the batter forces off their base.
func force(b BaseState) (BaseState, int) {
	out := b
	runs := 0
	if b.First {
		if b.Second {
			if b.Third {
				runs++
			}
			out.Third = true
		}
		out.Second = true
	}
	out.First = true
	return out, runs
}

// single moves every runner up one base and puts the batter on first. A
// runner starting on second scores.
func single(b BaseState) (BaseState, int) {
	out, runs := shift(b, 1)
	if b.Second {
		out.Third = false
		runs++
	}
	out.First = true
	return out, runs
}

// applyPlan moves each runner and the batter by the planned amount, third
// base first. A runner with a zero value stays put.
func applyPlan(b BaseState, p AdvancePlan) (BaseState, int, bool) {
	var out BaseState
	runs := 0
	moves := []struct{ from, by int }{{3, p.On3}, {2, p.On2}, {1, p.On1}}
	for _, m := range moves {
		if !b.occupied(m.from) {
			continue
		}
		if to := m.from + m.by; to >= Score {
			runs++
		} else {
			out.set(to, true)
		}
	}
	batterScored := false
	switch {
	case p.Batter >= Score:
		runs++
		batterScored = true
	case p.Batter > Stay:
		out.set(p.Batter, true)
	}
	return out, runs, batterScored
}

// Resolve computes the base state, runs and earned runs produced by a
// result. The plan is consulted only for out-type results.
func Resolve(before BaseState, r Result, plan *AdvancePlan) Resolution {
	res := Resolution{After: before, Outs: r.Outs()}
	switch r {
	case Single, ReachedOnError, FieldersChoice:
		res.After, res.Runs = single(before)
		res.ErrorFlag = r == ReachedOnError
	case Double, Triple:
		n := 2
		if r == Triple {
			n = 3
		}
		res.After, res.Runs = shift(before, n)
		res.After.set(n, true)
	case HomeRun:
		res.Runs = before.Runners() + 1
		res.After = BaseState{}
		res.BatterScored = true
	case Walk, IntentionalWalk, HitByPitch:
		res.After, res.Runs = force(before)
	case SacrificeFly:
		if before.Third {
			res.After.Third = false
			res.Runs = 1
		}
	case SacrificeBunt:
		res.After, res.Runs = shift(before, 1)
	default:
		if plan != nil && r.acceptsPlan() {
			res.After, res.Runs, res.BatterScored = applyPlan(before, *plan)
		}
	}
	if !res.ErrorFlag {
		res.EarnedRuns = res.Runs
	}
	return res
}

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
	"github.com/ttbt-io/inningbook/backend/stats"
)

// Recompute rebuilds every player's counters from the plate appearances of
// the game. It never reads g.Stats.
func Recompute(g Game) stats.Buckets {
	b := stats.Buckets{}
	outs := make(map[string]int)
	for _, h := range g.Halves {
		for _, pa := range h.PAs {
			if pa.PitcherID != "" {
				b.For(pa.PitcherID).Pitching.PC += len(pa.Pitches)
			}
			if pa.Open() {
				continue
			}
			if pa.BatterID != "" {
				creditBatter(&b.For(pa.BatterID).Batting, pa)
			}
			if pa.PitcherID != "" {
				creditPitcher(&b.For(pa.PitcherID).Pitching, pa)
				outs[pa.PitcherID] += pa.OutsAdded
			}
			for _, c := range pa.Credits {
				t := b.For(c.PlayerID)
				switch c.Stat {
				case CreditPutout:
					t.Fielding.PO++
				case CreditAssist:
					t.Fielding.A++
				case CreditError:
					t.Fielding.E++
				case CreditStolenBase:
					t.Baserunning.SB++
				case CreditCaughtStealing:
					t.Baserunning.CS++
				}
			}
		}
	}
	for id, n := range outs {
		b.For(id).Pitching.IP = stats.ThirdsFromOuts(float64(n))
	}
	return b
}

func creditBatter(s *stats.Batting, pa PlateAppearance) {
	switch pa.Result {
	case Single:
		s.Singles++
	case Double:
		s.Doubles++
	case Triple:
		s.Triples++
	case HomeRun:
		s.HR++
	case Walk, IntentionalWalk:
		s.BB++
	case HitByPitch:
		s.HBP++
	case Strikeout:
		s.SO++
	case GroundOut:
		s.GO++
	case FlyOut:
		s.FO++
	case SacrificeFly:
		s.SF++
	case SacrificeBunt:
		s.SH++
	}
	s.RBI += pa.RBI()
	if pa.BatterScored {
		s.R++
	}
}

func creditPitcher(s *stats.Pitching, pa PlateAppearance) {
	switch {
	case pa.Result.IsHit():
		s.H++
		if pa.Result == HomeRun {
			s.HR++
		}
	case pa.Result == Walk || pa.Result == IntentionalWalk:
		s.BB++
	case pa.Result == Strikeout:
		s.K++
	}
	if pa.Result.IsAtBat() {
		s.AB++
	}
	s.ER += pa.ER()
}

// LineScore is the runs per inning for the tracked team and its opponent.
type LineScore struct {
	Us        []int `json:"us"`
	Them      []int `json:"them"`
	UsTotal   int   `json:"usTotal"`
	ThemTotal int   `json:"themTotal"`
}

// ComputeLineScore sums runs by inning. Innings without a recorded half
// show zero.
func ComputeLineScore(g Game) LineScore {
	innings := 0
	for _, h := range g.Halves {
		innings = max(innings, h.Inning)
	}
	ls := LineScore{Us: make([]int, innings), Them: make([]int, innings)}
	for _, h := range g.Halves {
		r := h.Runs()
		if g.Offense(h.Top) {
			ls.Us[h.Inning-1] += r
			ls.UsTotal += r
		} else {
			ls.Them[h.Inning-1] += r
			ls.ThemTotal += r
		}
	}
	return ls
}

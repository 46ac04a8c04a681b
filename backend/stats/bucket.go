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

package stats

import "sort"

// Batting holds a player's offensive counters for one game.
type Batting struct {
	Singles int `json:"1B"`
	Doubles int `json:"2B"`
	Triples int `json:"3B"`
	HR      int `json:"HR"`
	BB      int `json:"BB"`
	SO      int `json:"SO"`
	HBP     int `json:"HBP"`
	SF      int `json:"SF"`
	SH      int `json:"SH"`
	GO      int `json:"GO"`
	FO      int `json:"FO"`
	R       int `json:"R"`
	RBI     int `json:"RBI"`
}

// Pitching holds the counters charged to a pitcher. IP is in thirds notation.
type Pitching struct {
	IP float64 `json:"IP"`
	H  int     `json:"H"`
	ER int     `json:"ER"`
	BB int     `json:"BB"`
	K  int     `json:"K"`
	HR int     `json:"HR"`
	AB int     `json:"AB"`
	PC int     `json:"PC"`
}

// Fielding holds putouts, assists and errors.
type Fielding struct {
	PO int `json:"PO"`
	A  int `json:"A"`
	E  int `json:"E"`
}

// Baserunning holds stolen base attempts.
type Baserunning struct {
	SB int `json:"SB"`
	CS int `json:"CS"`
}

// Triple is the full raw counting-stat bucket of one player in one game.
type Triple struct {
	Batting     Batting     `json:"batting"`
	Pitching    Pitching    `json:"pitching"`
	Fielding    Fielding    `json:"fielding"`
	Baserunning Baserunning `json:"baserunning"`
}

// NewTriple returns the default bucket: every counter at zero.
func NewTriple() *Triple {
	return &Triple{}
}

// IsZero reports whether no counter has been credited.
func (t Triple) IsZero() bool {
	return t == (Triple{})
}

// Buckets maps a player id to that player's bucket. A missing entry reads
// the same as an entry with every counter at zero.
type Buckets map[string]*Triple

// For returns the bucket of playerID, creating it when absent.
func (b Buckets) For(playerID string) *Triple {
	t, ok := b[playerID]
	if !ok {
		t = NewTriple()
		b[playerID] = t
	}
	return t
}

// Get returns a copy of the bucket of playerID.
func (b Buckets) Get(playerID string) Triple {
	if t, ok := b[playerID]; ok && t != nil {
		return *t
	}
	return Triple{}
}

// PlayerIDs returns the keys in sorted order.
func (b Buckets) PlayerIDs() []string {
	ids := make([]string, 0, len(b))
	for id := range b {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Sum adds buckets together. Innings are added as outs so that thirds carry
// into whole innings.
func Sum(ts ...Triple) Triple {
	var out Triple
	outs := 0
	for _, t := range ts {
		b := &out.Batting
		b.Singles += t.Batting.Singles
		b.Doubles += t.Batting.Doubles
		b.Triples += t.Batting.Triples
		b.HR += t.Batting.HR
		b.BB += t.Batting.BB
		b.SO += t.Batting.SO
		b.HBP += t.Batting.HBP
		b.SF += t.Batting.SF
		b.SH += t.Batting.SH
		b.GO += t.Batting.GO
		b.FO += t.Batting.FO
		b.R += t.Batting.R
		b.RBI += t.Batting.RBI

		p := &out.Pitching
		outs += OutsFromThirds(t.Pitching.IP)
		p.H += t.Pitching.H
		p.ER += t.Pitching.ER
		p.BB += t.Pitching.BB
		p.K += t.Pitching.K
		p.HR += t.Pitching.HR
		p.AB += t.Pitching.AB
		p.PC += t.Pitching.PC

		out.Fielding.PO += t.Fielding.PO
		out.Fielding.A += t.Fielding.A
		out.Fielding.E += t.Fielding.E
		out.Baserunning.SB += t.Baserunning.SB
		out.Baserunning.CS += t.Baserunning.CS
	}
	out.Pitching.IP = ThirdsFromOuts(float64(outs))
	return out
}

// Merge adds every bucket of other into b.
func (b Buckets) Merge(other Buckets) {
	for id, t := range other {
		if t == nil {
			continue
		}
		cur := b.For(id)
		*cur = Sum(*cur, *t)
	}
}

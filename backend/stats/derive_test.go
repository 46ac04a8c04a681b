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

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/pmezard/go-difflib/difflib"
)

func renderStats(s Stats) string {
	var sb strings.Builder
	b, _ := json.MarshalIndent(s, "", "  ")
	sb.Write(b)
	sb.WriteString("\n")
	return sb.String()
}

func assertGolden(t *testing.T, name, got, want string) {
	t.Helper()
	if got == want {
		return
	}
	diff, _ := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(want),
		B:        difflib.SplitLines(got),
		FromFile: name + ".golden",
		ToFile:   name + ".actual",
		Context:  2,
	})
	t.Errorf("%s mismatch:\n%s", name, diff)
}

func TestDeriveZeroDefaults(t *testing.T) {
	s := Derive(Triple{})
	want := Stats{
		AVG:  "0.000", OBP: "0.000", SLG: "0.000", OPS: "0.000", BBK: "0.00", RC: "0.0",
		IP:   "0.0", ERA: "0.00", WHIP: "0.00", K9: "0.00", BB9: "0.00", H9: "0.00",
		FIP:  "0.00", KBB: "0.00", OBA: "0.000",
		FPCT: "1.000", SBP: "0%",
	}
	assertGolden(t, "zero", renderStats(s), renderStats(want))
}

func TestDeriveBatting(t *testing.T) {
	s := Derive(Triple{Batting: Batting{
		Singles: 2, Doubles: 1, HR: 1, BB: 1, SO: 2, GO: 3, FO: 1, HBP: 1, SF: 1,
	}})
	got := fmt.Sprintf("H=%d AB=%d PA=%d TB=%d TOB=%d AVG=%s OBP=%s SLG=%s OPS=%s BB/K=%s RC=%s",
		s.H, s.AB, s.PA, s.TB, s.TOB, s.AVG, s.OBP, s.SLG, s.OPS, s.BBK, s.RC)
	want := "H=4 AB=10 PA=13 TB=8 TOB=6 AVG=0.400 OBP=0.462 SLG=0.800 OPS=1.262 BB/K=0.50 RC=3.6"
	if got != want {
		t.Errorf("got  %s\nwant %s", got, want)
	}
}

func TestDeriveOPSAddsRoundedParts(t *testing.T) {
	s := Derive(Triple{Batting: Batting{Singles: 1, GO: 2}})
	if s.OBP != "0.333" || s.SLG != "0.333" || s.OPS != "0.666" {
		t.Errorf("OBP=%s SLG=%s OPS=%s, want 0.333 0.333 0.666", s.OBP, s.SLG, s.OPS)
	}
}

func TestDerivePitching(t *testing.T) {
	s := Derive(Triple{Pitching: Pitching{IP: 6.2, H: 6, ER: 2, BB: 2, K: 8, AB: 22, PC: 95}})
	got := fmt.Sprintf("IP=%s ERA=%s WHIP=%s K/9=%s BB/9=%s H/9=%s FIP=%s K/BB=%s OBA=%s PC=%d",
		s.IP, s.ERA, s.WHIP, s.K9, s.BB9, s.H9, s.FIP, s.KBB, s.OBA, s.PC)
	want := "IP=6.2 ERA=2.70 WHIP=1.20 K/9=10.80 BB/9=2.70 H/9=8.10 FIP=1.70 K/BB=4.00 OBA=0.273 PC=95"
	if got != want {
		t.Errorf("got  %s\nwant %s", got, want)
	}
}

func TestDeriveFieldingAndBaserunning(t *testing.T) {
	s := Derive(Triple{
		Fielding:    Fielding{PO: 8, A: 3, E: 1},
		Baserunning: Baserunning{SB: 2, CS: 1},
	})
	if s.FPCT != "0.917" {
		t.Errorf("FPCT = %s, want 0.917", s.FPCT)
	}
	if s.SBP != "66.7%" {
		t.Errorf("SB%% = %s, want 66.7%%", s.SBP)
	}

	s = Derive(Triple{Fielding: Fielding{E: 2}, Baserunning: Baserunning{SB: 3}})
	if s.FPCT != "0.000" {
		t.Errorf("FPCT with only errors = %s, want 0.000", s.FPCT)
	}
	if s.SBP != "100.0%" {
		t.Errorf("SB%% = %s, want 100.0%%", s.SBP)
	}
}

func TestDeriveClampsBadInput(t *testing.T) {
	s := Derive(Triple{
		Batting:  Batting{Singles: -3, GO: -1},
		Pitching: Pitching{IP: math.NaN(), ER: 4},
		Fielding: Fielding{PO: -2},
	})
	if s.H != 0 || s.AB != 0 || s.AVG != "0.000" {
		t.Errorf("negative batting counts not clamped: %+v", s)
	}
	if s.IP != "0.0" || s.ERA != "0.00" {
		t.Errorf("non-finite IP not clamped: IP=%s ERA=%s", s.IP, s.ERA)
	}
	if s.FPCT != "1.000" {
		t.Errorf("negative putouts not clamped: FPCT=%s", s.FPCT)
	}
}

func TestDeriveAllAndSum(t *testing.T) {
	b := Buckets{}
	b.For("p1").Pitching.IP = 1.2
	b.For("p1").Batting.Singles = 1
	other := Buckets{"p1": &Triple{Pitching: Pitching{IP: 2.2, PC: 10}}, "p2": &Triple{Batting: Batting{HR: 1}}}
	b.Merge(other)

	p1 := b.Get("p1")
	if p1.Pitching.IP != 4.1 {
		t.Errorf("IP = %v, want 4.1", p1.Pitching.IP)
	}
	if p1.Pitching.PC != 10 || p1.Batting.Singles != 1 {
		t.Errorf("unexpected merge result: %+v", p1)
	}
	if got := b.Get("missing"); !got.IsZero() {
		t.Errorf("missing bucket should read as zero")
	}
	if ids := b.PlayerIDs(); len(ids) != 2 || ids[0] != "p1" || ids[1] != "p2" {
		t.Errorf("PlayerIDs = %v", ids)
	}

	derived := DeriveAll(b)
	if derived["p2"].SLG != "4.000" {
		t.Errorf("p2 SLG = %s, want 4.000", derived["p2"].SLG)
	}
}

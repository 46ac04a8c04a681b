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

// Package scoring implements the half-inning scorekeeping engine: pitch and
// plate-appearance events, base advancement, outs and runs, and the full
// recomputation of every player's counting stats from the event log.
//
// Mutations are commands applied to an immutable Game snapshot; see Apply.
package scoring

import (
	"encoding/json"
	"fmt"
)

// Result is the outcome code of a plate appearance. The set is closed; the
// zero value marks a plate appearance that is still in progress.
type Result string

const (
	Single          Result = "1B"
	Double          Result = "2B"
	Triple          Result = "3B"
	HomeRun         Result = "HR"
	Walk            Result = "BB"
	IntentionalWalk Result = "IBB"
	HitByPitch      Result = "HBP"
	Strikeout       Result = "SO"
	GroundOut       Result = "GO"
	FlyOut          Result = "FO"
	SacrificeFly    Result = "SF"
	SacrificeBunt   Result = "SH"
	DoublePlay      Result = "DP"
	TriplePlay      Result = "TP"
	CaughtStealing  Result = "CS"
	ReachedOnError  Result = "E"
	FieldersChoice  Result = "FC"
)

// Results lists every outcome code in display order.
var Results = []Result{
	Single, Double, Triple, HomeRun, Walk, IntentionalWalk, HitByPitch,
	Strikeout, GroundOut, FlyOut, SacrificeFly, SacrificeBunt,
	DoublePlay, TriplePlay, CaughtStealing, ReachedOnError, FieldersChoice,
}

// Valid reports whether r is one of the outcome codes.
func (r Result) Valid() bool {
	switch r {
	case Single, Double, Triple, HomeRun, Walk, IntentionalWalk, HitByPitch,
		Strikeout, GroundOut, FlyOut, SacrificeFly, SacrificeBunt,
		DoublePlay, TriplePlay, CaughtStealing, ReachedOnError, FieldersChoice:
		return true
	}
	return false
}

// ParseResult converts a code to a Result.
func ParseResult(s string) (Result, error) {
	r := Result(s)
	if !r.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownResult, s)
	}
	return r, nil
}

// UnmarshalJSON rejects unknown codes. An empty string is an open PA.
func (r *Result) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == "" {
		*r = ""
		return nil
	}
	v, err := ParseResult(s)
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// Outs returns the outs the result records.
func (r Result) Outs() int {
	switch r {
	case DoublePlay:
		return 2
	case TriplePlay:
		return 3
	case Strikeout, GroundOut, FlyOut, SacrificeFly, SacrificeBunt, CaughtStealing:
		return 1
	}
	return 0
}

// IsHit reports whether r is a base hit.
func (r Result) IsHit() bool {
	return r == Single || r == Double || r == Triple || r == HomeRun
}

// IsAtBat reports whether r is charged as an at-bat against the pitcher.
func (r Result) IsAtBat() bool {
	switch r {
	case Walk, IntentionalWalk, HitByPitch, SacrificeFly, SacrificeBunt:
		return false
	}
	return true
}

// acceptsPlan reports whether the scorer's advance plan drives base movement.
func (r Result) acceptsPlan() bool {
	switch r {
	case Strikeout, GroundOut, FlyOut, DoublePlay, TriplePlay, CaughtStealing:
		return true
	}
	return false
}

// suppressesRBI reports whether runs on this result never earn the batter an RBI.
func (r Result) suppressesRBI() bool {
	switch r {
	case DoublePlay, TriplePlay, CaughtStealing, Strikeout:
		return true
	}
	return false
}

// Pitch is a single pitch mark.
type Pitch string

const (
	Ball   Pitch = "B"
	Strike Pitch = "S"
	Foul   Pitch = "F"
)

// Valid reports whether p is a known pitch mark.
func (p Pitch) Valid() bool {
	return p == Ball || p == Strike || p == Foul
}

// Count returns balls and strikes for a pitch sequence. A foul adds a
// strike only while there are fewer than two.
func Count(pitches []Pitch) (balls, strikes int) {
	for _, p := range pitches {
		switch p {
		case Ball:
			balls++
		case Strike:
			strikes++
		case Foul:
			if strikes < 2 {
				strikes++
			}
		}
	}
	return balls, strikes
}

// UnmarshalJSON rejects unknown pitch marks.
func (p *Pitch) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if !Pitch(s).Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownPitch, s)
	}
	*p = Pitch(s)
	return nil
}

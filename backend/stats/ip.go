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

// Package stats holds the raw counting-stat buckets kept per player and the
// formulas that turn them into rate statistics.
//
// Innings pitched are stored in thirds notation: W.t where t is 0, 1 or 2
// extra outs. The tenths digit is not a decimal fraction, so any arithmetic
// that divides by innings must go through RealInnings.
package stats

import (
	"math"
	"strconv"
)

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// OutsFromThirds converts a thirds-notation value to a number of outs.
// Tenths digits other than 1 and 2 contribute no extra outs.
func OutsFromThirds(ip float64) int {
	if !finite(ip) || ip <= 0 {
		return 0
	}
	tenths := int64(math.Round(ip * 10))
	extra := tenths % 10
	if extra > 2 {
		extra = 0
	}
	return int((tenths/10)*3 + extra)
}

// ThirdsFromOuts converts outs to thirds notation. Outs are clamped to zero
// and rounded first.
func ThirdsFromOuts(outs float64) float64 {
	if !finite(outs) || outs <= 0 {
		return 0
	}
	o := int64(math.Round(outs))
	return float64((o/3)*10+o%3) / 10
}

// NormalizeIP turns an arbitrary manual entry into legal thirds notation.
// A .3 carries into the next whole inning; .7, .8 and .9 are read as typos
// for .0, .1 and .2 of the same inning; .4 to .6 saturate at .2.
func NormalizeIP(raw float64) float64 {
	if !finite(raw) || raw <= 0 {
		return 0
	}
	t := int64(math.Round(raw * 10))
	base, r := t/10, t%10
	var outs int64
	switch {
	case r <= 2:
		outs = base*3 + r
	case r == 3:
		outs = (base + 1) * 3
	case r == 9:
		outs = base*3 + 2
	case r == 8:
		outs = base*3 + 1
	case r == 7:
		outs = base * 3
	default:
		outs = base*3 + 2
	}
	return ThirdsFromOuts(float64(outs))
}

// StepIP applies an increment or decrement entered through a stepper. A
// change of exactly one tenth moves one out; anything else is treated as a
// fresh manual value.
func StepIP(prev, raw float64) float64 {
	diff := math.Round((raw - prev) * 10)
	outs := OutsFromThirds(prev)
	switch diff {
	case 1:
		outs++
	case -1:
		outs = max(0, outs-1)
	default:
		return NormalizeIP(raw)
	}
	return ThirdsFromOuts(float64(outs))
}

// RealInnings returns the true fractional innings for use as a denominator.
func RealInnings(ip float64) float64 {
	return float64(OutsFromThirds(ip)) / 3
}

// FormatIP renders a thirds-notation value for display.
func FormatIP(ip float64) string {
	return strconv.FormatFloat(ThirdsFromOuts(float64(OutsFromThirds(ip))), 'f', 1, 64)
}

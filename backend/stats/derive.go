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

import "strconv"

// Stats is the derived record for one bucket. Rate statistics are
// preformatted strings with fixed precision.
type Stats struct {
	// Batting
	H   int    `json:"H"`
	AB  int    `json:"AB"`
	PA  int    `json:"PA"`
	TB  int    `json:"TB"`
	TOB int    `json:"TOB"`
	AVG string `json:"AVG"`
	OBP string `json:"OBP"`
	SLG string `json:"SLG"`
	OPS string `json:"OPS"`
	BBK string `json:"BB/K"`
	RC  string `json:"RC"`

	// Pitching
	IP   string `json:"IP"`
	ERA  string `json:"ERA"`
	WHIP string `json:"WHIP"`
	K9   string `json:"K/9"`
	BB9  string `json:"BB/9"`
	H9   string `json:"H/9"`
	FIP  string `json:"FIP"`
	KBB  string `json:"K/BB"`
	OBA  string `json:"OBA"`
	PC   int    `json:"PC"`

	// Fielding and baserunning
	FPCT string `json:"FPCT"`
	SBP  string `json:"SB%"`
}

// FIPConstant is the fixed league constant added to FIP.
const FIPConstant = 3.2

func count(v int) float64 {
	if v < 0 {
		return 0
	}
	return float64(v)
}

func fixed(v float64, prec int) string {
	return strconv.FormatFloat(v, 'f', prec, 64)
}

// ratio formats a/b with prec decimals, or the zero value of that precision
// when b is zero.
func ratio(a, b float64, prec int) string {
	if b <= 0 {
		return fixed(0, prec)
	}
	return fixed(a/b, prec)
}

// sumFixed adds two already rounded values, so OPS always equals the
// displayed OBP plus the displayed SLG.
func sumFixed(a, b string, prec int) string {
	x, _ := strconv.ParseFloat(a, 64)
	y, _ := strconv.ParseFloat(b, 64)
	return fixed(x+y, prec)
}

func safeDiv(a, b float64) float64 {
	if b <= 0 {
		return 0
	}
	return a / b
}

// Derive computes the rate statistics of a bucket.
func Derive(t Triple) Stats {
	b := t.Batting
	s1, s2, s3, hr := count(b.Singles), count(b.Doubles), count(b.Triples), count(b.HR)
	bb, so, hbp := count(b.BB), count(b.SO), count(b.HBP)
	sf, sh, gob, fob := count(b.SF), count(b.SH), count(b.GO), count(b.FO)

	h := s1 + s2 + s3 + hr
	ab := h + gob + fob + so
	pa := ab + bb + hbp + sf + sh
	tb := s1 + 2*s2 + 3*s3 + 4*hr

	obp := fixed(safeDiv(h+bb+hbp, ab+bb+hbp+sf), 3)
	slg := fixed(safeDiv(tb, ab), 3)

	out := Stats{
		H:   int(h),
		AB:  int(ab),
		PA:  int(pa),
		TB:  int(tb),
		TOB: int(h + bb + hbp),
		AVG: ratio(h, ab, 3),
		OBP: obp,
		SLG: slg,
		OPS: sumFixed(obp, slg, 3),
		BBK: ratio(bb, so, 2),
		RC:  ratio((h+bb)*tb, ab+bb, 1),
	}

	p := t.Pitching
	ip := 0.0
	if finite(p.IP) {
		ip = RealInnings(p.IP)
	}
	ph, per, pbb := count(p.H), count(p.ER), count(p.BB)
	pk, phr, pab := count(p.K), count(p.HR), count(p.AB)

	out.IP = FormatIP(p.IP)
	out.ERA = ratio(per*9, ip, 2)
	out.WHIP = ratio(pbb+ph, ip, 2)
	out.K9 = ratio(pk*9, ip, 2)
	out.BB9 = ratio(pbb*9, ip, 2)
	out.H9 = ratio(ph*9, ip, 2)
	out.FIP = fixed(0, 2)
	if ip > 0 {
		out.FIP = fixed((13*phr+3*pbb-2*pk)/ip+FIPConstant, 2)
	}
	out.KBB = ratio(pk, pbb, 2)
	out.OBA = ratio(ph, pab, 3)
	out.PC = int(count(p.PC))

	f := t.Fielding
	po, a, e := count(f.PO), count(f.A), count(f.E)
	out.FPCT = "1.000"
	if chances := po + a + e; chances > 0 {
		out.FPCT = fixed((po+a)/chances, 3)
	}

	sb, cs := count(t.Baserunning.SB), count(t.Baserunning.CS)
	out.SBP = "0%"
	if attempts := sb + cs; attempts > 0 {
		out.SBP = fixed(sb/attempts*100, 1) + "%"
	}
	return out
}

// DeriveAll derives every bucket in b.
func DeriveAll(b Buckets) map[string]Stats {
	out := make(map[string]Stats, len(b))
	for id, t := range b {
		if t == nil {
			continue
		}
		out[id] = Derive(*t)
	}
	return out
}

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

// Package search parses the game list query language.
//
// A query is a whitespace separated list of terms. A term is either free
// text or a key:value filter. Values may be quoted and may carry a
// comparison prefix (>, >=, <, <=) or a lo..hi range. A leading '-' negates
// a filter.
//
//	opponent:"Blue Sox" season:2026 date:2026-04..2026-06 -is:locked
package search

import (
	"strings"
	"unicode"
)

// Operator is the comparison a filter applies.
type Operator string

const (
	OpEqual          Operator = "="
	OpGreater        Operator = ">"
	OpGreaterOrEqual Operator = ">="
	OpLess           Operator = "<"
	OpLessOrEqual    Operator = "<="
	OpRange          Operator = ".."
)

// prefixOps is ordered so that two character operators win.
var prefixOps = []Operator{OpGreaterOrEqual, OpLessOrEqual, OpGreater, OpLess}

// Filter is one key:value term.
type Filter struct {
	Key      string
	Value    string
	MaxValue string // OpRange only
	Operator Operator
	Negate   bool
}

// Query is a parsed search string.
type Query struct {
	Filters  []Filter
	FreeText []string
}

// Empty reports whether the query has no terms.
func (q Query) Empty() bool {
	return len(q.Filters) == 0 && len(q.FreeText) == 0
}

// Get returns the filters with the given key, in query order.
func (q Query) Get(key string) []Filter {
	var out []Filter
	for _, f := range q.Filters {
		if f.Key == key {
			out = append(out, f)
		}
	}
	return out
}

// Parse turns a query string into a Query. It never fails: anything that
// isn't a well formed filter is kept as free text.
func Parse(input string) Query {
	q := Query{
		Filters:  make([]Filter, 0),
		FreeText: make([]string, 0),
	}
	for _, tok := range splitTerms(input) {
		if f, ok := parseFilter(tok); ok {
			q.Filters = append(q.Filters, f)
			continue
		}
		q.FreeText = append(q.FreeText, unquote(tok))
	}
	return q
}

func parseFilter(tok string) (Filter, bool) {
	var f Filter
	body := tok
	if strings.HasPrefix(body, "-") && len(body) > 1 {
		f.Negate = true
		body = body[1:]
	}
	key, val, found := strings.Cut(body, ":")
	if !found {
		return Filter{}, false
	}
	f.Key = strings.ToLower(strings.TrimSpace(key))
	val = strings.TrimSpace(val)
	if f.Key == "" || val == "" || strings.ContainsAny(f.Key, `"'`) {
		return Filter{}, false
	}
	// An unquoted value with another colon is ambiguous.
	if !isQuoted(val) && strings.Contains(val, ":") {
		return Filter{}, false
	}

	if !isQuoted(val) {
		if lo, hi, ok := strings.Cut(val, ".."); ok {
			f.Value = unquote(lo)
			f.MaxValue = unquote(hi)
			f.Operator = OpRange
			return f, true
		}
	}
	for _, op := range prefixOps {
		if rest, ok := strings.CutPrefix(val, string(op)); ok {
			f.Value = unquote(rest)
			f.Operator = op
			return f, true
		}
	}
	f.Value = unquote(val)
	f.Operator = OpEqual
	return f, true
}

// splitTerms splits on whitespace outside of quotes. Quote characters are
// kept in the returned terms.
func splitTerms(input string) []string {
	var (
		terms []string
		cur   strings.Builder
		quote rune
	)
	flush := func() {
		if cur.Len() > 0 {
			terms = append(terms, cur.String())
			cur.Reset()
		}
	}
	for _, r := range input {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
			cur.WriteRune(r)
		case unicode.IsSpace(r):
			flush()
		case r == '"' || r == '\'':
			quote = r
			cur.WriteRune(r)
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return terms
}

func isQuoted(s string) bool {
	return strings.HasPrefix(s, `"`) || strings.HasPrefix(s, "'")
}

func unquote(s string) string {
	if len(s) < 2 {
		return s
	}
	if first, last := s[0], s[len(s)-1]; first == last && (first == '"' || first == '\'') {
		return s[1 : len(s)-1]
	}
	return s
}

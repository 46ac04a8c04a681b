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

package search

import (
	"reflect"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  Query
	}{
		{
			name:  "single filter",
			input: "opponent:Bears",
			want: Query{
				Filters: []Filter{{Key: "opponent", Value: "Bears", Operator: OpEqual}},
			},
		},
		{
			name:  "quoted values",
			input: `opponent:"Blue Sox" tag:'spring league'`,
			want: Query{
				Filters: []Filter{
					{Key: "opponent", Value: "Blue Sox", Operator: OpEqual},
					{Key: "tag", Value: "spring league", Operator: OpEqual},
				},
			},
		},
		{
			name:  "key is lowercased",
			input: "Season:2026",
			want: Query{
				Filters: []Filter{{Key: "season", Value: "2026", Operator: OpEqual}},
			},
		},
		{
			name:  "flag and free text",
			input: "is:locked tigers",
			want: Query{
				Filters:  []Filter{{Key: "is", Value: "locked", Operator: OpEqual}},
				FreeText: []string{"tigers"},
			},
		},
		{
			name:  "comparison with quotes",
			input: `date:>="2026-04-01"`,
			want: Query{
				Filters: []Filter{{Key: "date", Value: "2026-04-01", Operator: OpGreaterOrEqual}},
			},
		},
		{
			name:  "all comparison operators",
			input: "date:>2026 date:<2027 date:<=2026-06",
			want: Query{
				Filters: []Filter{
					{Key: "date", Value: "2026", Operator: OpGreater},
					{Key: "date", Value: "2027", Operator: OpLess},
					{Key: "date", Value: "2026-06", Operator: OpLessOrEqual},
				},
			},
		},
		{
			name:  "range",
			input: "date:2026-04..2026-06",
			want: Query{
				Filters: []Filter{{Key: "date", Value: "2026-04", MaxValue: "2026-06", Operator: OpRange}},
			},
		},
		{
			name:  "negated filter",
			input: "-is:locked",
			want: Query{
				Filters: []Filter{{Key: "is", Value: "locked", Operator: OpEqual, Negate: true}},
			},
		},
		{
			name:  "mixed",
			input: `doubleheader "game two" season:2026`,
			want: Query{
				Filters:  []Filter{{Key: "season", Value: "2026", Operator: OpEqual}},
				FreeText: []string{"doubleheader", "game two"},
			},
		},
		{
			name:  "empty value is free text",
			input: "opponent:",
			want:  Query{FreeText: []string{"opponent:"}},
		},
		{
			name:  "unquoted colon is free text",
			input: "start:7:05",
			want:  Query{FreeText: []string{"start:7:05"}},
		},
		{
			name:  "quoted colon is a filter",
			input: `start:"7:05"`,
			want: Query{
				Filters: []Filter{{Key: "start", Value: "7:05", Operator: OpEqual}},
			},
		},
		{
			name:  "blank input",
			input: "   ",
			want:  Query{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Parse(tt.input)
			if len(got.Filters) == 0 && len(tt.want.Filters) == 0 {
				got.Filters, tt.want.Filters = nil, nil
			}
			if len(got.FreeText) == 0 && len(tt.want.FreeText) == 0 {
				got.FreeText, tt.want.FreeText = nil, nil
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Parse(%q)\ngot  %#v\nwant %#v", tt.input, got, tt.want)
			}
		})
	}
}

func TestQueryHelpers(t *testing.T) {
	q := Parse("date:>=2026-04-01 opponent:Bears date:<2026-05-01")
	if q.Empty() {
		t.Fatal("Empty() = true")
	}
	if got := q.Get("date"); len(got) != 2 || got[0].Operator != OpGreaterOrEqual || got[1].Operator != OpLess {
		t.Errorf("Get(date) = %+v", got)
	}
	if got := q.Get("season"); len(got) != 0 {
		t.Errorf("Get(season) = %+v", got)
	}
	if !Parse("").Empty() {
		t.Error("Parse(\"\").Empty() = false")
	}
}

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

package backend

const (
	CurrentSchemaVersion   = 1
	CurrentProtocolVersion = 1
	CurrentAppVersion      = "0.1.0"
)

// Action types accepted in a game's action log.
const (
	ActionGameCreate    = "GAME_CREATE"
	ActionGameUpdate    = "GAME_UPDATE"
	ActionPitcherAssign = "PITCHER_ASSIGN"
	ActionPitch         = "PITCH"
	ActionPAResult      = "PA_RESULT"
	ActionPAChange      = "PA_CHANGE"
	ActionPADelete      = "PA_DELETE"
	ActionPAOverride    = "PA_OVERRIDE"
	ActionPACredits     = "PA_CREDITS"
	ActionLineupAdd     = "LINEUP_ADD"
	ActionLineupRemove  = "LINEUP_REMOVE"
	ActionLineupReorder = "LINEUP_REORDER"
	ActionNextBatter    = "NEXT_BATTER"
	ActionDecisions     = "DECISIONS"
	ActionGameLock      = "GAME_LOCK"
)

// Game status values.
const (
	StatusActive  = ""
	StatusFinal   = "final"
	StatusDeleted = "deleted"
)

// Field limits.
const (
	maxNameLen     = 100
	maxTagLen      = 50
	maxInning      = 99
	maxPAIndex     = 999
	maxBatchSize   = 100
	maxIdempotency = 100
)

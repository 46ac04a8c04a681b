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

import "errors"

// Precondition failures. A command that fails with one of these leaves the
// game unchanged and may be retried once the caller fixes the cause.
var (
	ErrLocked          = errors.New("game is locked")
	ErrHalfClosed      = errors.New("half-inning is closed")
	ErrNoPitcher       = errors.New("no pitcher assigned for defensive half-inning")
	ErrLineupFull      = errors.New("lineup is full")
	ErrDuplicatePlayer = errors.New("player already in lineup")
	ErrNotInLineup     = errors.New("player not in lineup")
	ErrNoSuchPA        = errors.New("no such plate appearance")
	ErrPAOpen          = errors.New("plate appearance has no result")
	ErrNoSuchHalf      = errors.New("half-inning not started")
	ErrInvalidInput    = errors.New("invalid input")
	ErrUnknownResult   = errors.New("unknown result code")
	ErrUnknownPitch    = errors.New("unknown pitch mark")
)

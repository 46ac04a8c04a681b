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

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"regexp"
	"time"

	"github.com/ttbt-io/inningbook/backend/scoring"
)

// uuidRegex is a regex for standard UUIDs (8-4-4-4-12 hex digits)
var uuidRegex = regexp.MustCompile(`^[a-fA-F0-9]{8}-[a-fA-F0-9]{4}-[a-fA-F0-9]{4}-[a-fA-F0-9]{4}-[a-fA-F0-9]{12}$`)

// isValidUUID checks if the string is a valid UUID.
func isValidUUID(id string) bool {
	return uuidRegex.MatchString(id)
}

// isValidEmail checks if the string is a valid email address.
func isValidEmail(email string) bool {
	_, err := mail.ParseAddress(email)
	return err == nil
}

var (
	errGameExists   = errors.New("game already created")
	errGameNotFound = errors.New("game not created")
)

// BaseAction represents the common fields of an action.
type BaseAction struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload"`
	Timestamp     int64           `json:"timestamp"`
	SchemaVersion int             `json:"schemaVersion,omitempty"`
}

// Payloads

type gameCreatePayload struct {
	ID               string       `json:"id"`
	OwnerID          string       `json:"ownerId"`
	Date             string       `json:"date"`
	Opponent         string       `json:"opponent"`
	Season           string       `json:"season"`
	Tag              string       `json:"tag"`
	StartedOnDefense bool         `json:"startedOnDefense"`
	Permissions      *Permissions `json:"permissions"`
}

type gameUpdatePayload struct {
	Date             *string      `json:"date"`
	Opponent         *string      `json:"opponent"`
	Season           *string      `json:"season"`
	Tag              *string      `json:"tag"`
	StartedOnDefense *bool        `json:"startedOnDefense"`
	Permissions      *Permissions `json:"permissions"`
}

func (p gameUpdatePayload) hasDetails() bool {
	return p.Date != nil || p.Opponent != nil || p.Season != nil || p.Tag != nil || p.StartedOnDefense != nil
}

type pitcherPayload struct {
	Half      scoring.Half `json:"half"`
	PitcherID string       `json:"pitcherId"`
}

type pitchPayload struct {
	Half  scoring.Half  `json:"half"`
	Pitch scoring.Pitch `json:"pitch"`
}

type resultPayload struct {
	Half   scoring.Half         `json:"half"`
	Index  int                  `json:"index"`
	Result scoring.Result       `json:"result"`
	Plan   *scoring.AdvancePlan `json:"plan,omitempty"`
}

type paPayload struct {
	Half  scoring.Half `json:"half"`
	Index int          `json:"index"`
}

type overridePayload struct {
	Half  scoring.Half `json:"half"`
	Index int          `json:"index"`
	RBI   *int         `json:"rbi"`
	ER    *int         `json:"er"`
}

type creditsPayload struct {
	Half    scoring.Half     `json:"half"`
	Index   int              `json:"index"`
	Credits []scoring.Credit `json:"credits"`
}

type playerPayload struct {
	PlayerID string `json:"playerId"`
}

type reorderPayload struct {
	Order []string `json:"order"`
}

type nextBatterPayload struct {
	Index int `json:"index"`
}

type lockPayload struct {
	Roster map[string]scoring.RosterEntry `json:"roster"`
}

func decodePayload[T any](payload json.RawMessage) (T, error) {
	var p T
	if len(payload) == 0 {
		return p, fmt.Errorf("missing payload")
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return p, fmt.Errorf("malformed payload: %w", err)
	}
	return p, nil
}

// validateStringLen checks if the string length is within the limit.
func validateStringLen(s string, max int, name string) error {
	if len(s) > max {
		return fmt.Errorf("%s too long (max %d chars)", name, max)
	}
	return nil
}

func validateDate(s string) error {
	if s == "" {
		return nil
	}
	if _, err := time.Parse(time.DateOnly, s); err == nil {
		return nil
	}
	if _, err := time.Parse(time.RFC3339, s); err != nil {
		return fmt.Errorf("invalid date format: %q", s)
	}
	return nil
}

func validateHalf(h scoring.Half) error {
	if h.Inning < 1 || h.Inning > maxInning {
		return fmt.Errorf("invalid inning: %d", h.Inning)
	}
	return nil
}

func validateIndex(i int) error {
	if i < 0 || i > maxPAIndex {
		return fmt.Errorf("invalid plate appearance index: %d", i)
	}
	return nil
}

func validatePlayerID(id, name string) error {
	if !isValidUUID(id) {
		return fmt.Errorf("invalid %s ID: %q", name, id)
	}
	return nil
}

func validateDetails(date, opponent, season, tag string) error {
	if err := validateDate(date); err != nil {
		return err
	}
	if err := validateStringLen(opponent, maxNameLen, "opponent"); err != nil {
		return err
	}
	if err := validateStringLen(season, maxTagLen, "season"); err != nil {
		return err
	}
	return validateStringLen(tag, maxTagLen, "tag")
}

func validatePermissions(p *Permissions) error {
	if p == nil {
		return nil
	}
	if p.Public != "" && p.Public != "read" {
		return fmt.Errorf("invalid public access: %q", p.Public)
	}
	for u, role := range p.Users {
		if !isValidEmail(u) {
			return fmt.Errorf("invalid user in permissions")
		}
		if role != "read" && role != "write" {
			return fmt.Errorf("invalid role %q", role)
		}
	}
	return nil
}

// ValidateGameData validates a stored game and every action in its log.
func ValidateGameData(data []byte) error {
	var game struct {
		ID        string            `json:"id"`
		ActionLog []json.RawMessage `json:"actionLog"`
	}
	if err := json.Unmarshal(data, &game); err != nil {
		return fmt.Errorf("invalid game JSON: %w", err)
	}
	if !isValidUUID(game.ID) {
		return fmt.Errorf("invalid game ID format: %s", game.ID)
	}
	for i, rawAction := range game.ActionLog {
		if err := ValidateAction(rawAction); err != nil {
			return fmt.Errorf("invalid action at index %d: %w", i, err)
		}
	}
	return nil
}

// ValidateAction validates a single action from raw JSON. It checks the
// envelope and the payload shape; game rules are checked when the action is
// applied.
func ValidateAction(raw json.RawMessage) error {
	var action BaseAction
	if err := json.Unmarshal(raw, &action); err != nil {
		return fmt.Errorf("malformed action JSON")
	}
	if !isValidUUID(action.ID) {
		return fmt.Errorf("invalid action ID: %s", action.ID)
	}
	if action.Type == "" {
		return fmt.Errorf("missing action type")
	}
	if action.SchemaVersion > CurrentSchemaVersion {
		return fmt.Errorf("unsupported schema version: %d", action.SchemaVersion)
	}

	switch action.Type {
	case ActionGameCreate:
		p, err := decodePayload[gameCreatePayload](action.Payload)
		if err != nil {
			return err
		}
		if !isValidUUID(p.ID) {
			return fmt.Errorf("invalid game ID in payload")
		}
		if !isValidEmail(p.OwnerID) {
			return fmt.Errorf("invalid owner")
		}
		if err := validateDetails(p.Date, p.Opponent, p.Season, p.Tag); err != nil {
			return err
		}
		return validatePermissions(p.Permissions)
	case ActionGameUpdate:
		p, err := decodePayload[gameUpdatePayload](action.Payload)
		if err != nil {
			return err
		}
		deref := func(s *string) string {
			if s == nil {
				return ""
			}
			return *s
		}
		if err := validateDetails(deref(p.Date), deref(p.Opponent), deref(p.Season), deref(p.Tag)); err != nil {
			return err
		}
		return validatePermissions(p.Permissions)
	}

	_, err := commandFor(action)
	return err
}

// ValidateActions validates a batch of actions.
func ValidateActions(actions []json.RawMessage) error {
	if len(actions) > maxBatchSize {
		return fmt.Errorf("batch size too large (max %d)", maxBatchSize)
	}
	for i, raw := range actions {
		if err := ValidateAction(raw); err != nil {
			return fmt.Errorf("action %d: %w", i, err)
		}
	}
	return nil
}

// commandFor decodes the payload of a play or lineup action into the
// scoring command it stands for.
func commandFor(a BaseAction) (scoring.Command, error) {
	switch a.Type {
	case ActionPitcherAssign:
		p, err := decodePayload[pitcherPayload](a.Payload)
		if err != nil {
			return nil, err
		}
		if err := validateHalf(p.Half); err != nil {
			return nil, err
		}
		if err := validatePlayerID(p.PitcherID, "pitcher"); err != nil {
			return nil, err
		}
		return scoring.AssignPitcher{Half: p.Half, PitcherID: p.PitcherID}, nil

	case ActionPitch:
		p, err := decodePayload[pitchPayload](a.Payload)
		if err != nil {
			return nil, err
		}
		if err := validateHalf(p.Half); err != nil {
			return nil, err
		}
		if p.Pitch == "" {
			return nil, fmt.Errorf("missing pitch")
		}
		return scoring.RecordPitch{Half: p.Half, Pitch: p.Pitch}, nil

	case ActionPAResult, ActionPAChange:
		p, err := decodePayload[resultPayload](a.Payload)
		if err != nil {
			return nil, err
		}
		if err := validateHalf(p.Half); err != nil {
			return nil, err
		}
		if p.Result == "" {
			return nil, fmt.Errorf("missing result")
		}
		if p.Plan != nil && !p.Plan.Valid() {
			return nil, fmt.Errorf("invalid advance plan")
		}
		if a.Type == ActionPAResult {
			return scoring.RecordResult{Half: p.Half, Result: p.Result, Plan: p.Plan}, nil
		}
		if err := validateIndex(p.Index); err != nil {
			return nil, err
		}
		return scoring.ChangeResult{Half: p.Half, Index: p.Index, Result: p.Result, Plan: p.Plan}, nil

	case ActionPADelete:
		p, err := decodePayload[paPayload](a.Payload)
		if err != nil {
			return nil, err
		}
		if err := validateHalf(p.Half); err != nil {
			return nil, err
		}
		if err := validateIndex(p.Index); err != nil {
			return nil, err
		}
		return scoring.DeletePA{Half: p.Half, Index: p.Index}, nil

	case ActionPAOverride:
		p, err := decodePayload[overridePayload](a.Payload)
		if err != nil {
			return nil, err
		}
		if err := validateHalf(p.Half); err != nil {
			return nil, err
		}
		if err := validateIndex(p.Index); err != nil {
			return nil, err
		}
		return scoring.SetOverrides{Half: p.Half, Index: p.Index, RBI: p.RBI, ER: p.ER}, nil

	case ActionPACredits:
		p, err := decodePayload[creditsPayload](a.Payload)
		if err != nil {
			return nil, err
		}
		if err := validateHalf(p.Half); err != nil {
			return nil, err
		}
		if err := validateIndex(p.Index); err != nil {
			return nil, err
		}
		for _, c := range p.Credits {
			if err := validatePlayerID(c.PlayerID, "credited player"); err != nil {
				return nil, err
			}
			if !c.Stat.Valid() {
				return nil, fmt.Errorf("invalid credit stat %q", c.Stat)
			}
		}
		return scoring.SetCredits{Half: p.Half, Index: p.Index, Credits: p.Credits}, nil

	case ActionLineupAdd, ActionLineupRemove:
		p, err := decodePayload[playerPayload](a.Payload)
		if err != nil {
			return nil, err
		}
		if err := validatePlayerID(p.PlayerID, "player"); err != nil {
			return nil, err
		}
		if a.Type == ActionLineupAdd {
			return scoring.AddToLineup{PlayerID: p.PlayerID}, nil
		}
		return scoring.RemoveFromLineup{PlayerID: p.PlayerID}, nil

	case ActionLineupReorder:
		p, err := decodePayload[reorderPayload](a.Payload)
		if err != nil {
			return nil, err
		}
		for _, id := range p.Order {
			if err := validatePlayerID(id, "player"); err != nil {
				return nil, err
			}
		}
		return scoring.ReorderLineup{Order: p.Order}, nil

	case ActionNextBatter:
		p, err := decodePayload[nextBatterPayload](a.Payload)
		if err != nil {
			return nil, err
		}
		return scoring.SetNextBatter{Index: p.Index}, nil

	case ActionDecisions:
		p, err := decodePayload[scoring.Decisions](a.Payload)
		if err != nil {
			return nil, err
		}
		for _, id := range []string{p.Win, p.Loss, p.Save} {
			if id == "" {
				continue
			}
			if err := validatePlayerID(id, "decision"); err != nil {
				return nil, err
			}
		}
		return scoring.SetDecisions{Decisions: p}, nil

	case ActionGameLock:
		var p lockPayload
		if len(a.Payload) > 0 {
			if err := json.Unmarshal(a.Payload, &p); err != nil {
				return nil, fmt.Errorf("malformed payload: %w", err)
			}
		}
		for id, e := range p.Roster {
			if err := validatePlayerID(id, "roster"); err != nil {
				return nil, err
			}
			if err := validateStringLen(e.Name, maxNameLen, "player name"); err != nil {
				return nil, err
			}
		}
		return scoring.Lock{Roster: p.Roster}, nil
	}
	return nil, fmt.Errorf("unknown action type: %s", a.Type)
}

// ApplyActions applies a batch in order and stops at the first error.
func ApplyActions(g *Game, actions []json.RawMessage) (bool, error) {
	anyChanged := false
	for _, raw := range actions {
		changed, err := ApplyAction(g, raw)
		if err != nil {
			return anyChanged, err
		}
		if changed {
			anyChanged = true
		}
	}
	return anyChanged, nil
}

// ApplyAction runs one action against the game and appends it to the log.
// It assumes validation and authorization have already been performed.
// Returns false when the action id is already among the recent actions. On
// error g is left unchanged.
func ApplyAction(g *Game, raw json.RawMessage) (bool, error) {
	var action BaseAction
	if err := json.Unmarshal(raw, &action); err != nil {
		return false, fmt.Errorf("failed to unmarshal action for apply: %w", err)
	}

	// Retries and double submissions arrive close to the head of the log.
	for i, count := len(g.ActionLog)-1, 0; i >= 0 && count < maxIdempotency; i, count = i-1, count+1 {
		var existing BaseAction
		if err := json.Unmarshal(g.ActionLog[i], &existing); err == nil && existing.ID == action.ID {
			return false, nil
		}
	}

	if action.Type != ActionGameCreate && !g.Exists() {
		return false, errGameNotFound
	}

	var (
		cmd      scoring.Command
		metadata func(*Game)
	)
	switch action.Type {
	case ActionGameCreate:
		p, err := decodePayload[gameCreatePayload](action.Payload)
		if err != nil {
			return false, err
		}
		if g.Exists() {
			return false, errGameExists
		}
		if g.ID != "" && g.ID != p.ID {
			return false, fmt.Errorf("%w: payload game %s does not match %s", scoring.ErrInvalidInput, p.ID, g.ID)
		}
		cmd = scoring.UpdateDetails{
			Date:             p.Date,
			Opponent:         p.Opponent,
			Season:           p.Season,
			Tag:              p.Tag,
			StartedOnDefense: p.StartedOnDefense,
		}
		metadata = func(g *Game) {
			g.ID = p.ID
			g.OwnerID = normalizeEmail(p.OwnerID)
			g.SchemaVersion = action.SchemaVersion
			if g.SchemaVersion == 0 {
				g.SchemaVersion = CurrentSchemaVersion
			}
			if p.Permissions != nil {
				g.Permissions = *p.Permissions
			}
		}

	case ActionGameUpdate:
		p, err := decodePayload[gameUpdatePayload](action.Payload)
		if err != nil {
			return false, err
		}
		if p.hasDetails() {
			d := scoring.UpdateDetails{
				Date:             g.Date,
				Opponent:         g.Opponent,
				Season:           g.Season,
				Tag:              g.Tag,
				StartedOnDefense: g.StartedOnDefense,
			}
			if p.Date != nil {
				d.Date = *p.Date
			}
			if p.Opponent != nil {
				d.Opponent = *p.Opponent
			}
			if p.Season != nil {
				d.Season = *p.Season
			}
			if p.Tag != nil {
				d.Tag = *p.Tag
			}
			if p.StartedOnDefense != nil {
				d.StartedOnDefense = *p.StartedOnDefense
			}
			cmd = d
		}
		metadata = func(g *Game) {
			if p.Permissions != nil {
				g.Permissions = *p.Permissions
			}
		}

	default:
		c, err := commandFor(action)
		if err != nil {
			return false, err
		}
		cmd = c
		if action.Type == ActionGameLock {
			metadata = func(g *Game) { g.Status = StatusFinal }
		}
	}

	if cmd != nil {
		next, err := scoring.Apply(g.Game, cmd)
		if err != nil {
			return false, err
		}
		g.Game = next
	}
	if metadata != nil {
		metadata(g)
	}
	if g.Permissions.Users == nil {
		g.Permissions.Users = make(map[string]string)
	}

	g.ActionLog = append(g.ActionLog, raw)
	g.LastActionID = action.ID
	return true, nil
}

// RebuildGame replays an action log from an empty game. The result depends
// only on the log.
func RebuildGame(id string, actions []json.RawMessage) (*Game, error) {
	g := NewGame(id)
	if _, err := ApplyActions(g, actions); err != nil {
		return nil, err
	}
	return g, nil
}

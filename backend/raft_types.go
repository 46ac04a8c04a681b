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
)

// ErrNotLeader is returned by Propose on a node that isn't the raft leader.
var ErrNotLeader = errors.New("not leader")

// CommandType represents the type of operation to perform on the FSM.
type CommandType string

const (
	CmdApplyAction  CommandType = "APPLY_ACTION"
	CmdDeleteGame   CommandType = "DELETE_GAME"
	CmdSavePlayer   CommandType = "SAVE_PLAYER"
	CmdDeletePlayer CommandType = "DELETE_PLAYER"
	CmdNodeMeta     CommandType = "NODE_META"
	CmdNodeLeft     CommandType = "NODE_LEFT"
)

// RaftCommand is a unified structure for all Raft log entries.
type RaftCommand struct {
	Type     CommandType    `json:"type"`
	ID       string         `json:"id,omitempty"`
	NodeMeta *NodeMeta      `json:"nodeMeta,omitempty"`
	Action   *ActionPayload `json:"action,omitempty"`
	Player   *PlayerRecord  `json:"player,omitempty"`
}

// NodeMeta contains metadata about a cluster node.
type NodeMeta struct {
	NodeID          string `json:"nodeId"`
	HttpAddr        string `json:"httpAddr"`
	RaftAddr        string `json:"raftAddr,omitempty"`
	AppVersion      string `json:"appVersion,omitempty"`
	ProtocolVersion int    `json:"protocolVersion,omitempty"`
	SchemaVersion   int    `json:"schemaVersion,omitempty"`
}

// ActionPayload carries the actions accepted by the leader for one game.
// The actions are applied in order on every node.
type ActionPayload struct {
	GameID  string            `json:"gameId"`
	Actions []json.RawMessage `json:"actions"`
	UserID  string            `json:"userId"`
}

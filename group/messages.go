// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package group

import "encoding/json"

// Server actions
const (
	ActionOpened      = "OPENED"
	ActionJoined      = "JOINED"
	ActionLeft        = "LEFT"
	ActionSession     = "SESSION"
	ActionSessionAck  = "SESSION_ACK"
	ActionSessionFail = "SESSION_FAIL"
	ActionFixed       = "FIXED"
	ActionUnfixed     = "UNFIXED"
	ActionClosed      = "CLOSED"
	ActionError       = "ERROR"
)

// Message is everything the server sends over a group channel. Application
// messages carry GroupMsg and the sender in MemberID, and have no action.
type Message struct {
	Action         string          `json:"action,omitempty"`
	GroupResultID  string          `json:"groupResultId,omitempty"`
	MemberID       string          `json:"memberId,omitempty"`
	Members        []string        `json:"members,omitempty"`
	GroupState     string          `json:"groupState,omitempty"`
	SessionData    json.RawMessage `json:"sessionData,omitempty"`
	SessionVersion int64           `json:"sessionVersion,omitempty"`
	GroupMsg       json.RawMessage `json:"groupMsg,omitempty"`
	ErrorMsg       string          `json:"errorMsg,omitempty"`
}

// ClientMessage is what a member sends over its channel.
//
//	{"action":"SESSION","sessionData":{...},"sessionVersion":3}
//	{"action":"FIXED"}
//	{"action":"UNFIXED"}
//	{"groupMsg":{...}}
//	{"groupMsg":{...},"recipient":"<studyResultId>"}
//	{"heartbeat":"ping"}
type ClientMessage struct {
	Action         string          `json:"action,omitempty"`
	SessionData    json.RawMessage `json:"sessionData,omitempty"`
	SessionVersion int64           `json:"sessionVersion,omitempty"`
	GroupMsg       json.RawMessage `json:"groupMsg,omitempty"`
	Recipient      string          `json:"recipient,omitempty"`
	Heartbeat      string          `json:"heartbeat,omitempty"`
}

// IsHeartbeat reports whether the message only keeps the channel alive.
func (m *ClientMessage) IsHeartbeat() bool {
	return m.Heartbeat != "" && m.Action == "" && len(m.GroupMsg) == 0
}

// Package protocol defines the JSON frames exchanged between the server
// and game clients. Frames are routed by their type field; unknown types
// are ignored so either side can be upgraded independently.
package protocol

import "encoding/json"

const Version = "1"

// Frame types.
const (
	TypeHello          = "HELLO"
	TypeWelcome        = "WELCOME"
	TypeTeamMeta       = "TEAM_META"
	TypeMsgBatch       = "MSG_BATCH"
	TypeRequestOlder   = "REQ_OLDER"
	TypeResolve        = "RESOLVE"
	TypeResolveResult  = "RESOLVE_RESULT"
	TypeTyping         = "TYPING"
	TypeMarkRead       = "MARK_READ"
	TypeConsumeActions = "CONSUME_ACTIONS"
	TypeError          = "ERROR"
)

// Base lets us route unknown JSON frames by type.
type Base struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (Base, error) {
	var m Base
	err := json.Unmarshal(b, &m)
	return m, err
}

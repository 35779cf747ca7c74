package protocol

import "parleydb/pkg/models"

// HELLO (client -> server)
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	PlayerID        string `json:"player_id"`
	Token           string `json:"token,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	PlayerID        string `json:"player_id"`
	TeamID          string `json:"team_id"`
}

// ConvSummary is one conversation's entry in the metadata frame. Slice
// order in TeamMetaMsg is display order (most recent first).
type ConvSummary struct {
	EntityID   string `json:"entity"`
	TotalCount int    `json:"total_count"`
	LastDay    int64  `json:"last_day,omitempty"`
	Unread     int    `json:"unread,omitempty"`
}

// TEAM_META (server -> client): sent once on join or team switch, and again
// whenever team-level state (title, color, membership, data) changes.
type TeamMetaMsg struct {
	Type     string         `json:"type"`
	TeamID   string         `json:"team_id"`
	Title    string         `json:"title,omitempty"`
	Color    string         `json:"color,omitempty"`
	Members  []string       `json:"members,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	Convs    []ConvSummary  `json:"conversations,omitempty"`
	Revision uint64         `json:"revision"`
}

// MSG_BATCH (server -> client): a contiguous slice of one conversation.
// The same shape carries the initial recent window, pagination responses
// and live appends (a batch of one); the client merge logic needs no
// special cases. hasOlder is derived client-side as startIndex > 0.
type MsgBatchMsg struct {
	Type       string               `json:"type"`
	TeamID     string               `json:"team_id"`
	EntityID   string               `json:"entity"`
	StartIndex int                  `json:"start_index"`
	TotalCount int                  `json:"total_count"`
	Messages   []models.ChatMessage `json:"messages"`
}

// REQ_OLDER (client -> server)
type RequestOlderMsg struct {
	Type        string `json:"type"`
	EntityID    string `json:"entity"`
	BeforeIndex int    `json:"before_index"`
	Count       int    `json:"count"`
}

// RESOLVE (client -> server): ask for the authoritative value of one
// message text field.
type ResolveMsg struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
	FieldKey  string `json:"field_key"`
}

// RESOLVE_RESULT (server -> client)
type ResolveResultMsg struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
	FieldKey  string `json:"field_key"`
	Value     string `json:"value"`
}

// TYPING (both directions): ephemeral, never persisted, never bumps the
// team revision.
type TypingMsg struct {
	Type     string `json:"type"`
	PlayerID string `json:"player_id,omitempty"`
	EntityID string `json:"entity"`
}

// CONSUME_ACTIONS (client -> server): the player clicked one of a
// message's action buttons; the server strips the actions and rebroadcasts
// the message.
type ConsumeActionsMsg struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
}

// MARK_READ (client -> server)
type MarkReadMsg struct {
	Type      string `json:"type"`
	EntityID  string `json:"entity"`
	ReadCount int    `json:"read_count"`
}

// ERROR (server -> client)
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

package models

// MessageType says who authored a message.
type MessageType string

const (
	MessageEntity MessageType = "entity"
	MessagePlayer MessageType = "player"
	MessageSystem MessageType = "system"
)

// ChatMessage is one immutable entry of a conversation log. The only legal
// mutation is WithoutActions, which produces a new value; the stored row is
// then replaced in place without changing id, index or ordering.
type ChatMessage struct {
	ID       string      `json:"id"`
	Type     MessageType `json:"type"`
	EntityID string      `json:"entity"`
	// PlayerID is set only for player-authored messages.
	PlayerID string `json:"player,omitempty"`

	SenderName TextField `json:"sender_name,omitempty"`
	Subtitle   TextField `json:"subtitle,omitempty"`
	Avatar     TextField `json:"avatar,omitempty"`
	Content    TextField `json:"content"`

	// WorldDay is the logical timestamp of the game world, not wall clock.
	WorldDay int64 `json:"world_day"`

	Actions []ChatAction `json:"actions,omitempty"`

	InputItems  []string `json:"input_items,omitempty"`
	OutputItems []string `json:"output_items,omitempty"`
}

// FromPlayer reports whether the message was authored by a player.
func (m ChatMessage) FromPlayer() bool { return m.Type == MessagePlayer }

// HasActions reports whether the message still carries clickable actions.
func (m ChatMessage) HasActions() bool { return len(m.Actions) > 0 }

// WithoutActions returns a copy of the message with all actions stripped.
func (m ChatMessage) WithoutActions() ChatMessage {
	m.Actions = nil
	return m
}

// ChatAction is one clickable choice attached to an entity message.
type ChatAction struct {
	Label    TextField  `json:"label"`
	Commands []string   `json:"commands,omitempty"`
	Reply    *TextField `json:"reply,omitempty"`

	VisualItems []string `json:"visual_items,omitempty"`
	InputItems  []string `json:"input_items,omitempty"`
	OutputItems []string `json:"output_items,omitempty"`

	NextState string `json:"next_state,omitempty"`
	Condition string `json:"condition,omitempty"`

	Input *PlayerInputConfig `json:"input,omitempty"`
}

// PlayerInputConfig describes a free-text input an action may request from
// the player before it fires.
type PlayerInputConfig struct {
	ID           string `json:"id"`
	MaxLength    int    `json:"max_length,omitempty"`
	Pattern      string `json:"pattern,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	// SaveAsData stores the validated input under the team data key ID.
	SaveAsData bool `json:"save_as_data,omitempty"`
}

// ConversationMeta is the cached summary row for one (team, entity)
// conversation. MessageCount is authoritative for index allocation: the
// next appended message receives index MessageCount.
type ConversationMeta struct {
	EntityID     string       `json:"entity"`
	MessageCount int          `json:"message_count"`
	LastMessage  *ChatMessage `json:"last_message,omitempty"`
	// LastEntityMessage is the newest message not authored by a player,
	// used for display name / avatar / subtitle lookups.
	LastEntityMessage *ChatMessage `json:"last_entity_message,omitempty"`
	// UpdatedTS is the wall-clock time (ns) of the last append, used by the
	// retention runner only.
	UpdatedTS int64 `json:"updated_ts,omitempty"`
}

// PlayerReadState tracks, per player and entity, the index boundary below
// which messages count as read. Its lifecycle is tied to the player, not
// the conversation.
type PlayerReadState struct {
	PlayerID  string `json:"player"`
	EntityID  string `json:"entity"`
	ReadCount int    `json:"read_count"`
	Revision  uint64 `json:"revision"`
}

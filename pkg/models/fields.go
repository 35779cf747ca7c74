package models

import (
	"strconv"
	"strings"
)

// Field keys address the resolvable text fields of a message. Action fields
// are addressed positionally: "action:2:label", "action:0:reply".
const (
	FieldContent    = "content"
	FieldSenderName = "sender_name"
	FieldSubtitle   = "subtitle"
	FieldAvatar     = "avatar"
)

// FieldByKey returns the addressed text field of a message. ok=false for
// unknown keys and out-of-range action indices.
func FieldByKey(m ChatMessage, key string) (TextField, bool) {
	switch key {
	case FieldContent:
		return m.Content, true
	case FieldSenderName:
		return m.SenderName, true
	case FieldSubtitle:
		return m.Subtitle, true
	case FieldAvatar:
		return m.Avatar, true
	}
	rest, ok := strings.CutPrefix(key, "action:")
	if !ok {
		return TextField{}, false
	}
	idxStr, part, ok := strings.Cut(rest, ":")
	if !ok {
		return TextField{}, false
	}
	idx, err := strconv.Atoi(idxStr)
	if err != nil || idx < 0 || idx >= len(m.Actions) {
		return TextField{}, false
	}
	switch part {
	case "label":
		return m.Actions[idx].Label, true
	case "reply":
		if m.Actions[idx].Reply == nil {
			return TextField{}, false
		}
		return *m.Actions[idx].Reply, true
	}
	return TextField{}, false
}

// ActionFieldKey builds the positional key for an action text field.
func ActionFieldKey(index int, part string) string {
	return "action:" + strconv.Itoa(index) + ":" + part
}

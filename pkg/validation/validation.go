// Package validation checks inbound append payloads before they reach the
// registry. Limits are deliberately generous; the point is rejecting
// garbage, not policing content.
package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"parleydb/pkg/models"
)

// Limits bounds one message.
type Limits struct {
	MaxContentLen  int
	MaxFieldLen    int
	MaxActions     int
	MaxCommands    int
	MaxEntityIDLen int
}

// DefaultLimits matches what game clients can actually display.
var DefaultLimits = Limits{
	MaxContentLen:  8192,
	MaxFieldLen:    512,
	MaxActions:     16,
	MaxCommands:    8,
	MaxEntityIDLen: 128,
}

var entityIDRe = regexp.MustCompile(`^[a-zA-Z0-9:_\-\.]+$`)

// ValidateMessage checks one append candidate against lim. A nil error
// means the message may be handed to the registry.
func ValidateMessage(m models.ChatMessage, lim Limits) error {
	var errs []string

	if m.EntityID == "" {
		errs = append(errs, "entity id is required")
	} else {
		if len(m.EntityID) > lim.MaxEntityIDLen {
			errs = append(errs, fmt.Sprintf("entity id too long: %d > %d", len(m.EntityID), lim.MaxEntityIDLen))
		}
		if !entityIDRe.MatchString(m.EntityID) {
			errs = append(errs, "entity id has invalid characters")
		}
	}

	switch m.Type {
	case models.MessageEntity, models.MessageSystem:
	case models.MessagePlayer:
		if m.PlayerID == "" {
			errs = append(errs, "player message missing player id")
		}
	default:
		errs = append(errs, fmt.Sprintf("invalid message type %q", m.Type))
	}

	if m.Content.IsZero() && len(m.Actions) == 0 && len(m.OutputItems) == 0 {
		errs = append(errs, "message has no content, actions or items")
	}
	if n := len(m.Content.Compiled) + len(m.Content.Runtime); n > lim.MaxContentLen {
		errs = append(errs, fmt.Sprintf("content too long: %d > %d", n, lim.MaxContentLen))
	}
	for _, f := range []struct {
		name  string
		field models.TextField
	}{
		{"sender_name", m.SenderName},
		{"subtitle", m.Subtitle},
		{"avatar", m.Avatar},
	} {
		if n := len(f.field.Compiled) + len(f.field.Runtime); n > lim.MaxFieldLen {
			errs = append(errs, fmt.Sprintf("%s too long: %d > %d", f.name, n, lim.MaxFieldLen))
		}
	}

	if len(m.Actions) > lim.MaxActions {
		errs = append(errs, fmt.Sprintf("too many actions: %d > %d", len(m.Actions), lim.MaxActions))
	}
	for i, a := range m.Actions {
		if a.Label.IsZero() {
			errs = append(errs, fmt.Sprintf("action %d missing label", i))
		}
		if len(a.Commands) > lim.MaxCommands {
			errs = append(errs, fmt.Sprintf("action %d has too many commands: %d > %d", i, len(a.Commands), lim.MaxCommands))
		}
	}

	if m.WorldDay < 0 {
		errs = append(errs, "world day must not be negative")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

package models

import "strings"

// TeamColor is the small display color ordinal attached to a team.
type TeamColor uint8

const (
	ColorWhite TeamColor = iota
	ColorRed
	ColorOrange
	ColorYellow
	ColorGreen
	ColorCyan
	ColorBlue
	ColorPurple
)

var colorNames = [...]string{"white", "red", "orange", "yellow", "green", "cyan", "blue", "purple"}

func (c TeamColor) String() string {
	if int(c) < len(colorNames) {
		return colorNames[c]
	}
	return "white"
}

// ParseTeamColor maps a color name back to its ordinal; unknown names fall
// back to white.
func ParseTeamColor(s string) TeamColor {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, n := range colorNames {
		if n == s {
			return TeamColor(i)
		}
	}
	return ColorWhite
}

// Team is the persisted identity of a player group. Runtime state that is
// derived or ephemeral (conversation summaries, typing, revision counter)
// lives in the registry, not here.
type Team struct {
	ID      string    `json:"id"`
	Title   string    `json:"title,omitempty"`
	Color   TeamColor `json:"color,omitempty"`
	Members []string  `json:"members,omitempty"`
	// Data is arbitrary team-scoped key/value state (string, number, bool)
	// written by dialogue actions and read by template resolvers.
	Data map[string]any `json:"data,omitempty"`
}

// HasMember reports whether playerID belongs to the team.
func (t Team) HasMember(playerID string) bool {
	for _, m := range t.Members {
		if m == playerID {
			return true
		}
	}
	return false
}

package utils

import (
	"strings"

	"github.com/google/uuid"
)

// GenMessageID returns a globally unique message id.
func GenMessageID() string {
	return "m_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// GenTeamID returns a new team id.
func GenTeamID() string {
	return "team_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

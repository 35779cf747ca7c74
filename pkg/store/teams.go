package store

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"

	"parleydb/pkg/logger"
	"parleydb/pkg/models"
)

// SaveTeam persists the team row.
func (s *Store) SaveTeam(t models.Team) error {
	if s.db == nil {
		return fmt.Errorf("store not opened")
	}
	b, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal team: %w", err)
	}
	if err := s.db.Set(teamRowKey(t.ID), b, pebble.Sync); err != nil {
		logger.Error("save_team_failed", "team", t.ID, "error", err)
		return err
	}
	return nil
}

// LoadTeam returns the persisted team row, or ErrNotFound.
func (s *Store) LoadTeam(teamID string) (models.Team, error) {
	var t models.Team
	if s.db == nil {
		return t, fmt.Errorf("store not opened")
	}
	v, closer, err := s.db.Get(teamRowKey(teamID))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return t, ErrNotFound
		}
		return t, err
	}
	uerr := json.Unmarshal(v, &t)
	_ = closer.Close()
	if uerr != nil {
		return t, fmt.Errorf("invalid team row: %w", uerr)
	}
	return t, nil
}

// LoadAllTeams returns every persisted team row.
func (s *Store) LoadAllTeams() ([]models.Team, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not opened")
	}
	prefix := []byte("teams:")
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = iter.Close() }()
	var out []models.Team
	for iter.First(); iter.Valid(); iter.Next() {
		var t models.Team
		if err := json.Unmarshal(iter.Value(), &t); err != nil {
			logger.Warn("load_teams_bad_row", "key", string(iter.Key()), "error", err)
			continue
		}
		out = append(out, t)
	}
	return out, iter.Error()
}

// SaveReadState persists one player's read boundary for an entity.
func (s *Store) SaveReadState(teamID string, rs models.PlayerReadState) error {
	if s.db == nil {
		return fmt.Errorf("store not opened")
	}
	b, err := json.Marshal(rs)
	if err != nil {
		return fmt.Errorf("marshal read state: %w", err)
	}
	return s.db.Set(readStateKey(teamID, rs.PlayerID, rs.EntityID), b, pebble.Sync)
}

// LoadReadStates returns every read boundary a player has inside a team.
func (s *Store) LoadReadStates(teamID, playerID string) ([]models.PlayerReadState, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not opened")
	}
	prefix := readStatePrefix(teamID, playerID)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = iter.Close() }()
	var out []models.PlayerReadState
	for iter.First(); iter.Valid(); iter.Next() {
		var rs models.PlayerReadState
		if err := json.Unmarshal(iter.Value(), &rs); err == nil {
			out = append(out, rs)
		}
	}
	return out, iter.Error()
}

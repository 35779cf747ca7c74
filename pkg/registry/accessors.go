package registry

import (
	"errors"
	"sort"
	"strings"

	"parleydb/pkg/logger"
	"parleydb/pkg/models"
	"parleydb/pkg/store"
)

func cloneTeam(t models.Team) models.Team {
	out := t
	out.Members = append([]string(nil), t.Members...)
	if t.Data != nil {
		out.Data = make(map[string]any, len(t.Data))
		for k, v := range t.Data {
			out.Data[k] = v
		}
	}
	return out
}

// Team returns a snapshot copy of one team.
func (r *Registry) Team(teamID string) (models.Team, bool) {
	ts, ok := r.state(teamID)
	if !ok {
		return models.Team{}, false
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return cloneTeam(ts.team), true
}

// AllTeams returns snapshot copies of every team. Read-only; never touches
// revisions.
func (r *Registry) AllTeams() []models.Team {
	r.mu.RLock()
	states := make([]*teamState, 0, len(r.teams))
	for _, ts := range r.teams {
		states = append(states, ts)
	}
	r.mu.RUnlock()

	out := make([]models.Team, 0, len(states))
	for _, ts := range states {
		ts.mu.Lock()
		out = append(out, cloneTeam(ts.team))
		ts.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FindTeamByIDOrTitle resolves a team by exact id, then by case-insensitive
// title.
func (r *Registry) FindTeamByIDOrTitle(q string) (models.Team, bool) {
	if t, ok := r.Team(q); ok {
		return t, true
	}
	lq := strings.ToLower(strings.TrimSpace(q))
	for _, t := range r.AllTeams() {
		if strings.ToLower(t.Title) == lq {
			return t, true
		}
	}
	return models.Team{}, false
}

// Revision returns the team's change counter. Lock-free; meant to be polled
// every tick.
func (r *Registry) Revision(teamID string) uint64 {
	ts, ok := r.state(teamID)
	if !ok {
		return 0
	}
	return ts.rev.Load()
}

// MessageCount returns the cached message count for one conversation.
func (r *Registry) MessageCount(teamID, entityID string) int {
	ts, ok := r.state(teamID)
	if !ok {
		return 0
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if meta, ok := ts.convs[entityID]; ok {
		return meta.MessageCount
	}
	return 0
}

// MessageByID resolves a message anywhere in the team through the store's
// secondary index.
func (r *Registry) MessageByID(teamID, messageID string) (models.ChatMessage, bool) {
	_, _, msg, err := r.store.LoadMessageByID(teamID, messageID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			logger.Error("message_lookup_failed", "team", teamID, "id", messageID, "error", err)
		}
		return models.ChatMessage{}, false
	}
	return msg, true
}

// Conversations returns snapshot summaries in display order (most recent
// first).
func (r *Registry) Conversations(teamID string) []models.ConversationMeta {
	ts, ok := r.state(teamID)
	if !ok {
		return nil
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	out := make([]models.ConversationMeta, 0, len(ts.order))
	for _, e := range ts.order {
		if meta, ok := ts.convs[e]; ok {
			out = append(out, *meta)
		}
	}
	return out
}

// SetTitle renames the team and bumps its revision.
func (r *Registry) SetTitle(teamID, title string) error {
	return r.mutateTeam(teamID, func(t *models.Team) { t.Title = title })
}

// SetColor recolors the team and bumps its revision.
func (r *Registry) SetColor(teamID string, c models.TeamColor) error {
	return r.mutateTeam(teamID, func(t *models.Team) { t.Color = c })
}

// SetTeamData writes one team data key and bumps the revision. A nil value
// deletes the key.
func (r *Registry) SetTeamData(teamID, key string, value any) error {
	return r.mutateTeam(teamID, func(t *models.Team) {
		if t.Data == nil {
			t.Data = map[string]any{}
		}
		if value == nil {
			delete(t.Data, key)
			return
		}
		t.Data[key] = value
	})
}

func (r *Registry) mutateTeam(teamID string, fn func(*models.Team)) error {
	ts, ok := r.state(teamID)
	if !ok {
		return ErrUnknownTeam
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	fn(&ts.team)
	if err := r.store.SaveTeam(ts.team); err != nil {
		return err
	}
	ts.rev.Add(1)
	return nil
}

// SetTyping records which conversation a player is typing into. Ephemeral:
// the revision counter is untouched. An empty entityID clears the marker.
func (r *Registry) SetTyping(teamID, playerID, entityID string) {
	ts, ok := r.state(teamID)
	if !ok {
		return
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if entityID == "" {
		delete(ts.typing, playerID)
		return
	}
	ts.typing[playerID] = entityID
}

// Typing returns a copy of the team's typing markers.
func (r *Registry) Typing(teamID string) map[string]string {
	ts, ok := r.state(teamID)
	if !ok {
		return nil
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	out := make(map[string]string, len(ts.typing))
	for k, v := range ts.typing {
		out[k] = v
	}
	return out
}

// MarkRead advances a player's read boundary for an entity. The boundary
// never moves backwards. Read state has its own revision and does not touch
// the team's.
func (r *Registry) MarkRead(teamID, playerID, entityID string, readCount int) error {
	ts, ok := r.state(teamID)
	if !ok {
		return ErrUnknownTeam
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	byEntity, ok := ts.reads[playerID]
	if !ok {
		byEntity = make(map[string]*models.PlayerReadState)
		ts.reads[playerID] = byEntity
	}
	rs, ok := byEntity[entityID]
	if !ok {
		rs = &models.PlayerReadState{PlayerID: playerID, EntityID: entityID}
		byEntity[entityID] = rs
	}
	if readCount <= rs.ReadCount {
		return nil
	}
	rs.ReadCount = readCount
	rs.Revision++
	return r.store.SaveReadState(teamID, *rs)
}

// ReadStates returns copies of a player's read boundaries, loading
// persisted rows on first access (read state survives relog).
func (r *Registry) ReadStates(teamID, playerID string) []models.PlayerReadState {
	ts, ok := r.state(teamID)
	if !ok {
		return nil
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if _, ok := ts.reads[playerID]; !ok {
		byEntity := make(map[string]*models.PlayerReadState)
		if rows, err := r.store.LoadReadStates(teamID, playerID); err == nil {
			for i := range rows {
				rs := rows[i]
				byEntity[rs.EntityID] = &rs
			}
		}
		ts.reads[playerID] = byEntity
	}
	out := make([]models.PlayerReadState, 0, len(ts.reads[playerID]))
	for _, rs := range ts.reads[playerID] {
		out = append(out, *rs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

// UnreadCount reports how many messages of one conversation a player has
// not read yet.
func (r *Registry) UnreadCount(teamID, playerID, entityID string) int {
	total := r.MessageCount(teamID, entityID)
	for _, rs := range r.ReadStates(teamID, playerID) {
		if rs.EntityID == entityID {
			if n := total - rs.ReadCount; n > 0 {
				return n
			}
			return 0
		}
	}
	return total
}

// ClearConversation wipes one conversation and bumps the revision so
// clients resync.
func (r *Registry) ClearConversation(teamID, entityID string) error {
	ts, ok := r.state(teamID)
	if !ok {
		return ErrUnknownTeam
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if err := r.store.ClearConversation(teamID, entityID); err != nil {
		return err
	}
	delete(ts.convs, entityID)
	for i, e := range ts.order {
		if e == entityID {
			ts.order = append(ts.order[:i], ts.order[i+1:]...)
			break
		}
	}
	ts.rev.Add(1)
	return nil
}

// ClearAllConversations wipes every conversation of a team.
func (r *Registry) ClearAllConversations(teamID string) error {
	ts, ok := r.state(teamID)
	if !ok {
		return ErrUnknownTeam
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if err := r.store.ClearAllConversations(teamID); err != nil {
		return err
	}
	ts.convs = make(map[string]*models.ConversationMeta)
	ts.order = nil
	ts.rev.Add(1)
	return nil
}

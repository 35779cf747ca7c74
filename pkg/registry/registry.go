// Package registry is the single authoritative in-memory view of every
// active team. It bridges live session activity and the store: every
// conversation append goes through Registry.AppendMessage, and every
// client-observable mutation bumps the team's revision counter so senders
// can detect change cheaply.
package registry

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"parleydb/pkg/logger"
	"parleydb/pkg/models"
	"parleydb/pkg/store"
	"parleydb/pkg/utils"
)

// ErrUnknownTeam is returned for operations on a team id the registry has
// never seen.
var ErrUnknownTeam = errors.New("unknown team")

// Registry owns every team's runtime state. Constructed once per server
// session and passed down; there is no package-level instance.
type Registry struct {
	store *store.Store

	mu    sync.RWMutex
	teams map[string]*teamState

	// createMu serializes team creation so two first sessions for the same
	// player cannot both miss the membership lookup and create twice.
	createMu sync.Mutex
}

// teamState carries a team's mutable runtime state. rev is read lock-free;
// all other fields are guarded by mu. Typing state is deliberately outside
// the revision counter: it is ephemeral and must not cause resync churn.
type teamState struct {
	mu   sync.Mutex
	team models.Team
	rev  atomic.Uint64

	convs map[string]*models.ConversationMeta
	// order holds entity ids by recency, newest first. Reordering happens
	// on append only; older-history traffic never moves a conversation.
	order []string

	typing map[string]string // playerID -> entityID
	reads  map[string]map[string]*models.PlayerReadState
}

// New builds the registry from persisted team and conversation rows.
func New(st *store.Store) (*Registry, error) {
	r := &Registry{store: st, teams: make(map[string]*teamState)}
	teams, err := st.LoadAllTeams()
	if err != nil {
		return nil, fmt.Errorf("load teams: %w", err)
	}
	for _, t := range teams {
		ts := newTeamState(t)
		metas, err := st.ListConversations(t.ID)
		if err != nil {
			return nil, fmt.Errorf("load conversations for %s: %w", t.ID, err)
		}
		for i := range metas {
			m := metas[i]
			ts.convs[m.EntityID] = &m
		}
		ts.order = orderByRecency(ts.convs)
		ts.rev.Store(1)
		r.teams[t.ID] = ts
	}
	logger.Info("registry_loaded", "teams", len(teams))
	return r, nil
}

func newTeamState(t models.Team) *teamState {
	return &teamState{
		team:   t,
		convs:  make(map[string]*models.ConversationMeta),
		typing: make(map[string]string),
		reads:  make(map[string]map[string]*models.PlayerReadState),
	}
}

func orderByRecency(convs map[string]*models.ConversationMeta) []string {
	out := make([]string, 0, len(convs))
	for e := range convs {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := convs[out[i]], convs[out[j]]
		ad, bd := lastDay(a), lastDay(b)
		if ad != bd {
			return ad > bd
		}
		if a.MessageCount != b.MessageCount {
			return a.MessageCount > b.MessageCount
		}
		return out[i] < out[j]
	})
	return out
}

func lastDay(m *models.ConversationMeta) int64 {
	if m.LastMessage == nil {
		return -1
	}
	return m.LastMessage.WorldDay
}

func (r *Registry) state(teamID string) (*teamState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ts, ok := r.teams[teamID]
	return ts, ok
}

// AppendMessage is the only legal path to grow a conversation. The store
// append happens first; in-memory state and the revision counter advance
// only after the write is durable, so the cache is never ahead of disk.
func (r *Registry) AppendMessage(teamID string, msg models.ChatMessage) (int, error) {
	ts, ok := r.state(teamID)
	if !ok {
		return store.NotAppended, ErrUnknownTeam
	}
	if msg.ID == "" {
		msg.ID = utils.GenMessageID()
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()

	nowNS := time.Now().UTC().UnixNano()
	index, err := r.store.AppendMessage(teamID, msg, nowNS)
	if err != nil {
		return store.NotAppended, err
	}

	meta, ok := ts.convs[msg.EntityID]
	if !ok {
		meta = &models.ConversationMeta{EntityID: msg.EntityID}
		ts.convs[msg.EntityID] = meta
	}
	meta.MessageCount = index + 1
	meta.LastMessage = &msg
	meta.UpdatedTS = nowNS
	if !msg.FromPlayer() {
		meta.LastEntityMessage = &msg
	}
	ts.moveToFront(msg.EntityID)
	ts.rev.Add(1)
	return index, nil
}

func (ts *teamState) moveToFront(entityID string) {
	for i, e := range ts.order {
		if e == entityID {
			copy(ts.order[1:i+1], ts.order[:i])
			ts.order[0] = entityID
			return
		}
	}
	ts.order = append([]string{entityID}, ts.order...)
}

// GetOrCreateTeam returns the team the player belongs to, creating a fresh
// single-member team when they have none. Lookup and create run under a
// creation lock, with the membership re-checked inside it, so concurrent
// first sessions for one player resolve to a single team.
func (r *Registry) GetOrCreateTeam(playerID string) (models.Team, error) {
	if t, ok := r.TeamOfPlayer(playerID); ok {
		return t, nil
	}

	r.createMu.Lock()
	defer r.createMu.Unlock()
	if t, ok := r.TeamOfPlayer(playerID); ok {
		return t, nil
	}

	t := models.Team{
		ID:      utils.GenTeamID(),
		Title:   "Team " + playerID,
		Color:   colorFor(playerID),
		Members: []string{playerID},
		Data:    map[string]any{},
	}
	if err := r.store.SaveTeam(t); err != nil {
		return models.Team{}, err
	}

	r.mu.Lock()
	ts := newTeamState(t)
	ts.rev.Store(1)
	r.teams[t.ID] = ts
	r.mu.Unlock()
	logger.Info("team_created", "team", t.ID, "player", playerID)
	return t, nil
}

func colorFor(s string) models.TeamColor {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return models.TeamColor(h.Sum32() % 8)
}

// TeamOfPlayer finds the team containing playerID.
func (r *Registry) TeamOfPlayer(playerID string) (models.Team, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ts := range r.teams {
		ts.mu.Lock()
		ok := ts.team.HasMember(playerID)
		t := cloneTeam(ts.team)
		ts.mu.Unlock()
		if ok {
			return t, true
		}
	}
	return models.Team{}, false
}

// ChangeTeam moves a player to another team. Membership is updated under
// both team locks (taken in id order) so no reader ever observes the player
// in zero or two teams. Both revisions bump.
func (r *Registry) ChangeTeam(playerID, teamID string) error {
	dst, ok := r.state(teamID)
	if !ok {
		return ErrUnknownTeam
	}
	cur, hasCur := models.Team{}, false
	if t, ok := r.TeamOfPlayer(playerID); ok {
		cur, hasCur = t, true
	}
	if hasCur && cur.ID == teamID {
		return nil
	}

	var src *teamState
	if hasCur {
		src, _ = r.state(cur.ID)
	}

	lockPair(src, dst)
	defer unlockPair(src, dst)

	if src != nil {
		members := src.team.Members[:0]
		for _, m := range src.team.Members {
			if m != playerID {
				members = append(members, m)
			}
		}
		src.team.Members = members
	}
	if !dst.team.HasMember(playerID) {
		dst.team.Members = append(dst.team.Members, playerID)
	}

	if src != nil {
		if err := r.store.SaveTeam(src.team); err != nil {
			logger.Error("save_team_failed", "team", src.team.ID, "error", err)
		}
		src.rev.Add(1)
	}
	if err := r.store.SaveTeam(dst.team); err != nil {
		logger.Error("save_team_failed", "team", dst.team.ID, "error", err)
	}
	dst.rev.Add(1)
	logger.Info("player_moved", "player", playerID, "team", teamID)
	return nil
}

func lockPair(a, b *teamState) {
	if a == nil {
		b.mu.Lock()
		return
	}
	if a.team.ID < b.team.ID {
		a.mu.Lock()
		b.mu.Lock()
	} else {
		b.mu.Lock()
		a.mu.Lock()
	}
}

func unlockPair(a, b *teamState) {
	b.mu.Unlock()
	if a != nil && a != b {
		a.mu.Unlock()
	}
}

// ConsumeActions strips the actions off a message once a player has clicked
// one. Idempotent: a second call finds no actions, makes no write and
// returns false.
func (r *Registry) ConsumeActions(teamID, messageID string) (bool, error) {
	ts, ok := r.state(teamID)
	if !ok {
		return false, ErrUnknownTeam
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()

	entityID, index, msg, err := r.store.LoadMessageByID(teamID, messageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if !msg.HasActions() {
		return false, nil
	}
	stripped := msg.WithoutActions()
	if err := r.store.UpdateMessagePayload(teamID, entityID, index, stripped); err != nil {
		return false, err
	}
	if meta, ok := ts.convs[entityID]; ok {
		if meta.LastMessage != nil && meta.LastMessage.ID == messageID {
			meta.LastMessage = &stripped
		}
		if meta.LastEntityMessage != nil && meta.LastEntityMessage.ID == messageID {
			meta.LastEntityMessage = &stripped
		}
	}
	ts.rev.Add(1)
	return true, nil
}

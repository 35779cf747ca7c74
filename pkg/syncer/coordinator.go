// Package syncer turns registry and store state into the minimal set of
// outbound frames for each online client, and turns inbound pagination and
// resolution requests into store reads. One coordinator serves one server
// process.
package syncer

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"parleydb/pkg/logger"
	"parleydb/pkg/models"
	"parleydb/pkg/registry"
	"parleydb/pkg/store"
	"parleydb/pkg/telemetry"
	"parleydb/pkg/template"
)

// Config bounds what the coordinator sends.
type Config struct {
	// InitialWindow is the recent-message count per conversation on join.
	InitialWindow int
	// MaxPageSize caps one older-history request.
	MaxPageSize int
	// SessionBuffer is the outbound frame queue length per session.
	SessionBuffer int
	// RequestRPS/RequestBurst rate-limit inbound requests per session.
	RequestRPS   float64
	RequestBurst int
}

type sessionState int

const (
	stateDisconnected sessionState = iota
	stateMetadataSent
	stateLive
)

var (
	errSessionClosed   = errors.New("session closed")
	errSessionOverflow = errors.New("session queue full")
)

// session is one connected client. out is drained by the transport's
// writer goroutine. teamID, state and closed are read from broadcast
// goroutines and mutated from the session's reader goroutine, so all
// three sit behind mu.
type session struct {
	playerID string
	out      chan []byte
	limiter  *rate.Limiter

	mu     sync.Mutex
	teamID string
	state  sessionState
	closed bool
}

func (s *session) snapshot() (string, sessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.teamID, s.state
}

func (s *session) setState(st sessionState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *session) setTeam(teamID string, st sessionState) {
	s.mu.Lock()
	s.teamID = teamID
	s.state = st
	s.mu.Unlock()
}

// push queues one encoded frame. On a full queue the session is closed so
// the transport ends the connection; a client with a gap in its live tail
// must reconnect into a full resync, never limp along silently.
func (s *session) push(b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSessionClosed
	}
	select {
	case s.out <- b:
		return nil
	default:
		s.closed = true
		s.state = stateDisconnected
		close(s.out)
		return errSessionOverflow
	}
}

// shutdown closes the outbound queue; buffered frames still drain before
// the transport sees the close.
func (s *session) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.state = stateDisconnected
	close(s.out)
}

// Coordinator fans registry changes out to sessions. Appends to the same
// team are serialized with their broadcast so a live tail never shows a
// gap.
type Coordinator struct {
	reg       *registry.Registry
	store     *store.Store
	resolvers *template.Registry
	evaluator *template.Evaluator
	cfg       Config

	mu       sync.RWMutex
	sessions map[string]*session

	teamMu    sync.Mutex
	teamLocks map[string]*sync.Mutex
}

// New builds a coordinator. resolvers is the server-side template registry
// used to answer RESOLVE round-trips; evaluator answers action conditions
// at message creation time and may be nil when no script host embeds the
// server.
func New(reg *registry.Registry, st *store.Store, resolvers *template.Registry, evaluator *template.Evaluator, cfg Config) *Coordinator {
	if cfg.InitialWindow <= 0 {
		cfg.InitialWindow = 10
	}
	if cfg.MaxPageSize <= 0 {
		cfg.MaxPageSize = 50
	}
	if cfg.SessionBuffer <= 0 {
		cfg.SessionBuffer = 64
	}
	if cfg.RequestRPS <= 0 {
		cfg.RequestRPS = 10
	}
	if cfg.RequestBurst <= 0 {
		cfg.RequestBurst = 20
	}
	return &Coordinator{
		reg:       reg,
		store:     st,
		resolvers: resolvers,
		evaluator: evaluator,
		cfg:       cfg,
		sessions:  make(map[string]*session),
		teamLocks: make(map[string]*sync.Mutex),
	}
}

func (c *Coordinator) teamLock(teamID string) *sync.Mutex {
	c.teamMu.Lock()
	defer c.teamMu.Unlock()
	mu, ok := c.teamLocks[teamID]
	if !ok {
		mu = &sync.Mutex{}
		c.teamLocks[teamID] = mu
	}
	return mu
}

// SessionBuffer returns the configured outbound queue length, for the
// transport to size its channel.
func (c *Coordinator) SessionBuffer() int { return c.cfg.SessionBuffer }

// Attach registers a connected player, resolves (or creates) their team and
// runs the initial metadata+recent sync. A previous session for the same
// player is replaced.
func (c *Coordinator) Attach(playerID string, out chan []byte) (string, error) {
	team, err := c.reg.GetOrCreateTeam(playerID)
	if err != nil {
		return "", fmt.Errorf("resolve team: %w", err)
	}
	s := &session{
		playerID: playerID,
		teamID:   team.ID,
		state:    stateDisconnected,
		out:      out,
		limiter:  rate.NewLimiter(rate.Limit(c.cfg.RequestRPS), c.cfg.RequestBurst),
	}
	c.mu.Lock()
	prev := c.sessions[playerID]
	c.sessions[playerID] = s
	c.mu.Unlock()
	if prev != nil {
		// Reconnect. Closing the old queue makes the stale transport end
		// its connection; the gauge already counts this player.
		prev.shutdown()
		logger.Debug("session_replaced", "player", playerID)
	} else {
		telemetry.SessionsActive.Inc()
	}

	if err := c.SyncMetadataAndRecent(playerID); err != nil {
		c.Detach(playerID, out)
		return "", err
	}
	return team.ID, nil
}

// Detach drops a player's session, but only while the registered session
// still owns out. A reconnect replaces the session inside Attach, and the
// stale connection's late Detach must not remove the live replacement.
// Safe to call twice.
func (c *Coordinator) Detach(playerID string, out chan []byte) {
	c.mu.Lock()
	s, ok := c.sessions[playerID]
	if ok && s.out == out {
		delete(c.sessions, playerID)
	} else {
		ok = false
	}
	c.mu.Unlock()
	if ok {
		s.setState(stateDisconnected)
		telemetry.SessionsActive.Dec()
		logger.Debug("session_detached", "player", playerID)
	}
}

// dropSession removes an overflowed session whose queue push already
// closed it. No-op when a replacement has since taken the map slot.
func (c *Coordinator) dropSession(s *session) {
	c.mu.Lock()
	cur, ok := c.sessions[s.playerID]
	if ok && cur == s {
		delete(c.sessions, s.playerID)
	} else {
		ok = false
	}
	c.mu.Unlock()
	if ok {
		telemetry.SessionsActive.Dec()
		logger.Warn("session_dropped_overflow", "player", s.playerID)
	}
}

func (c *Coordinator) session(playerID string) (*session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sessions[playerID]
	return s, ok
}

// teamSessions snapshots the team's attached sessions so fanout can run
// without the session map lock.
func (c *Coordinator) teamSessions(teamID string) []*session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*session
	for _, s := range c.sessions {
		sTeam, st := s.snapshot()
		if sTeam == teamID && st != stateDisconnected {
			out = append(out, s)
		}
	}
	return out
}

// SyncMetadataAndRecent sends the team metadata frame followed by one
// recent-window batch per non-empty conversation. Conversation order in the
// metadata frame is display order.
func (c *Coordinator) SyncMetadataAndRecent(playerID string) error {
	s, ok := c.session(playerID)
	if !ok {
		return fmt.Errorf("no session for %s", playerID)
	}
	teamID, _ := s.snapshot()
	mu := c.teamLock(teamID)
	mu.Lock()
	defer mu.Unlock()

	team, ok := c.reg.Team(teamID)
	if !ok {
		return registry.ErrUnknownTeam
	}
	convs := c.reg.Conversations(teamID)

	meta := protocolTeamMeta(team, convs, c.reg.Revision(team.ID))
	for _, rs := range c.reg.ReadStates(team.ID, playerID) {
		for i := range meta.Convs {
			if meta.Convs[i].EntityID == rs.EntityID {
				if n := meta.Convs[i].TotalCount - rs.ReadCount; n > 0 {
					meta.Convs[i].Unread = n
				}
			}
		}
	}
	if !c.send(s, meta) {
		return fmt.Errorf("session unavailable during metadata sync")
	}
	s.setState(stateMetadataSent)

	for _, cv := range convs {
		if cv.MessageCount == 0 {
			continue
		}
		start := cv.MessageCount - c.cfg.InitialWindow
		if start < 0 {
			start = 0
		}
		msgs, err := c.store.LoadMessages(team.ID, cv.EntityID, start, cv.MessageCount-start)
		if err != nil {
			logger.Error("initial_sync_load_failed", "team", team.ID, "entity", cv.EntityID, "error", err)
			continue
		}
		c.send(s, batchFrame(team.ID, cv.EntityID, start, cv.MessageCount, msgs))
	}
	s.setState(stateLive)
	logger.Info("session_synced", "player", playerID, "team", team.ID, "conversations", len(convs))
	return nil
}

// SendMessageToTeam appends through the registry and broadcasts the new
// message to every online member as a batch of one. The append and the
// fanout run under the team's broadcast lock so two concurrent appends
// cannot interleave their batches out of index order.
func (c *Coordinator) SendMessageToTeam(teamID string, msg models.ChatMessage) (int, error) {
	mu := c.teamLock(teamID)
	mu.Lock()
	defer mu.Unlock()

	msg.Actions = c.visibleActions(teamID, msg)
	index, err := c.reg.AppendMessage(teamID, msg)
	if err != nil {
		return index, err
	}
	total := index + 1
	c.broadcast(teamID, batchFrame(teamID, msg.EntityID, index, total, []models.ChatMessage{msg}))
	return index, nil
}

// RequestOlderMessages serves one pagination request. An empty window sends
// nothing.
func (c *Coordinator) RequestOlderMessages(playerID, entityID string, beforeIndex, count int) {
	s, ok := c.session(playerID)
	if !ok {
		return
	}
	if !s.limiter.Allow() {
		logger.Warn("pagination_rate_limited", "player", playerID)
		return
	}
	if count <= 0 {
		return
	}
	if count > c.cfg.MaxPageSize {
		count = c.cfg.MaxPageSize
	}
	teamID, _ := s.snapshot()
	total := c.reg.MessageCount(teamID, entityID)
	end := beforeIndex
	if end > total {
		end = total
	}
	start := end - count
	if start < 0 {
		start = 0
	}
	if start >= end {
		return
	}
	msgs, err := c.store.LoadMessages(teamID, entityID, start, end-start)
	if err != nil {
		logger.Error("pagination_load_failed", "team", teamID, "entity", entityID, "error", err)
		return
	}
	telemetry.PaginationRequests.Inc()
	c.send(s, batchFrame(teamID, entityID, start, total, msgs))
}

// ChangeTeam moves a player to another team and resyncs their session from
// scratch.
func (c *Coordinator) ChangeTeam(playerID, teamID string) error {
	if err := c.reg.ChangeTeam(playerID, teamID); err != nil {
		return err
	}
	s, ok := c.session(playerID)
	if !ok {
		return nil
	}
	s.setTeam(teamID, stateDisconnected)
	return c.SyncMetadataAndRecent(playerID)
}

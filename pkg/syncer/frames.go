package syncer

import (
	"encoding/json"

	"github.com/valyala/bytebufferpool"

	"parleydb/pkg/logger"
	"parleydb/pkg/models"
	"parleydb/pkg/protocol"
	"parleydb/pkg/telemetry"
	"parleydb/pkg/template"
)

func protocolTeamMeta(team models.Team, convs []models.ConversationMeta, rev uint64) *protocol.TeamMetaMsg {
	meta := &protocol.TeamMetaMsg{
		Type:     protocol.TypeTeamMeta,
		TeamID:   team.ID,
		Title:    team.Title,
		Color:    team.Color.String(),
		Members:  team.Members,
		Data:     team.Data,
		Revision: rev,
	}
	for _, cv := range convs {
		s := protocol.ConvSummary{EntityID: cv.EntityID, TotalCount: cv.MessageCount}
		if cv.LastMessage != nil {
			s.LastDay = cv.LastMessage.WorldDay
		}
		meta.Convs = append(meta.Convs, s)
	}
	return meta
}

func batchFrame(teamID, entityID string, startIndex, totalCount int, msgs []models.ChatMessage) *protocol.MsgBatchMsg {
	return &protocol.MsgBatchMsg{
		Type:       protocol.TypeMsgBatch,
		TeamID:     teamID,
		EntityID:   entityID,
		StartIndex: startIndex,
		TotalCount: totalCount,
		Messages:   msgs,
	}
}

// encodeFrame marshals through a pooled buffer and returns an owned copy.
func encodeFrame(v any) ([]byte, error) {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	_, _ = buf.Write(b)
	out := make([]byte, buf.Len())
	copy(out, buf.B)
	return out, nil
}

// send queues one frame on a session.
func (c *Coordinator) send(s *session, frame any) bool {
	b, err := encodeFrame(frame)
	if err != nil {
		logger.Error("frame_encode_failed", "error", err)
		return false
	}
	return c.enqueue(s, b, frame)
}

// enqueue pushes an encoded frame. An overflowing session is closed and
// removed so its transport disconnects and the client resyncs from
// scratch instead of keeping a silent gap in its live tail.
func (c *Coordinator) enqueue(s *session, b []byte, frame any) bool {
	switch s.push(b) {
	case nil:
		if _, ok := frame.(*protocol.MsgBatchMsg); ok {
			telemetry.BatchesSent.Inc()
		}
		return true
	case errSessionOverflow:
		logger.Warn("session_queue_full", "player", s.playerID)
		c.dropSession(s)
		return false
	default:
		return false
	}
}

// broadcast encodes a frame once and fans it out to every live session of
// the team.
func (c *Coordinator) broadcast(teamID string, frame any) {
	b, err := encodeFrame(frame)
	if err != nil {
		logger.Error("frame_encode_failed", "error", err)
		return
	}
	for _, s := range c.teamSessions(teamID) {
		c.enqueue(s, b, frame)
	}
}

// BroadcastTeamMeta pushes a fresh metadata frame to every online member
// after an out-of-band mutation (admin edit, retention purge). Per-player
// unread counts are omitted; clients keep their own running counts between
// full syncs.
func (c *Coordinator) BroadcastTeamMeta(teamID string) {
	team, ok := c.reg.Team(teamID)
	if !ok {
		return
	}
	convs := c.reg.Conversations(teamID)
	c.broadcast(teamID, protocolTeamMeta(team, convs, c.reg.Revision(teamID)))
}

// HandleResolve answers one template resolution round-trip with the
// authoritative server-side value for a message field.
func (c *Coordinator) HandleResolve(playerID, messageID, fieldKey string) {
	s, ok := c.session(playerID)
	if !ok {
		return
	}
	if !s.limiter.Allow() {
		logger.Warn("resolve_rate_limited", "player", playerID)
		return
	}
	teamID, _ := s.snapshot()
	msg, ok := c.reg.MessageByID(teamID, messageID)
	if !ok {
		logger.Debug("resolve_unknown_message", "team", teamID, "id", messageID)
		return
	}
	field, ok := models.FieldByKey(msg, fieldKey)
	if !ok {
		logger.Debug("resolve_unknown_field", "id", messageID, "field", fieldKey)
		return
	}

	value := field.Compiled
	if field.NeedsRuntime() {
		team, _ := c.reg.Team(teamID)
		ctx := template.Context{
			"team_id":    team.ID,
			"team_title": team.Title,
			"team_data":  team.Data,
			"player_id":  playerID,
		}
		value, _ = c.resolvers.Substitute(field.Runtime, ctx)
	}
	telemetry.ResolveRequests.Inc()
	c.send(s, &protocol.ResolveResultMsg{
		Type:      protocol.TypeResolveResult,
		MessageID: messageID,
		FieldKey:  fieldKey,
		Value:     value,
	})
}

// visibleActions checks each action's condition against the script host
// once, at message creation time. Actions whose condition evaluates false
// are dropped before the message persists; empty conditions and anything
// the evaluator cannot answer stay visible.
func (c *Coordinator) visibleActions(teamID string, msg models.ChatMessage) []models.ChatAction {
	if len(msg.Actions) == 0 || c.evaluator == nil {
		return msg.Actions
	}
	team, _ := c.reg.Team(teamID)
	ctx := template.Context{
		"team_id":    team.ID,
		"team_title": team.Title,
		"team_data":  team.Data,
		"entity_id":  msg.EntityID,
		"world_day":  msg.WorldDay,
	}
	kept := make([]models.ChatAction, 0, len(msg.Actions))
	for _, a := range msg.Actions {
		if a.Condition == "" || c.evaluator.Evaluate(a.Condition, ctx) {
			kept = append(kept, a)
		}
	}
	if len(kept) == len(msg.Actions) {
		return msg.Actions
	}
	logger.Debug("actions_filtered", "team", teamID, "id", msg.ID, "kept", len(kept), "of", len(msg.Actions))
	return kept
}

// HandleTyping records ephemeral typing state and relays it to teammates.
// No revision bump, nothing persisted.
func (c *Coordinator) HandleTyping(playerID, entityID string) {
	s, ok := c.session(playerID)
	if !ok {
		return
	}
	teamID, _ := s.snapshot()
	c.reg.SetTyping(teamID, playerID, entityID)
	frame := &protocol.TypingMsg{Type: protocol.TypeTyping, PlayerID: playerID, EntityID: entityID}
	b, err := encodeFrame(frame)
	if err != nil {
		return
	}
	for _, other := range c.teamSessions(teamID) {
		_, st := other.snapshot()
		if other.playerID == playerID || st != stateLive {
			continue
		}
		c.enqueue(other, b, frame)
	}
}

// HandleMarkRead advances the player's read boundary.
func (c *Coordinator) HandleMarkRead(playerID, entityID string, readCount int) {
	s, ok := c.session(playerID)
	if !ok {
		return
	}
	teamID, _ := s.snapshot()
	if err := c.reg.MarkRead(teamID, playerID, entityID, readCount); err != nil {
		logger.Error("mark_read_failed", "player", playerID, "entity", entityID, "error", err)
	}
}

// ConsumeActions strips a message's actions after a click and broadcasts
// the replacement row so every member's view updates.
func (c *Coordinator) ConsumeActions(playerID, messageID string) bool {
	s, ok := c.session(playerID)
	if !ok {
		return false
	}
	teamID, _ := s.snapshot()
	mu := c.teamLock(teamID)
	mu.Lock()
	defer mu.Unlock()

	changed, err := c.reg.ConsumeActions(teamID, messageID)
	if err != nil {
		logger.Error("consume_actions_failed", "team", teamID, "id", messageID, "error", err)
		return false
	}
	if !changed {
		return false
	}
	entityID, index, msg, err := c.storeMessage(teamID, messageID)
	if err == nil {
		total := c.reg.MessageCount(teamID, entityID)
		c.broadcast(teamID, batchFrame(teamID, entityID, index, total, []models.ChatMessage{msg}))
	}
	return true
}

func (c *Coordinator) storeMessage(teamID, messageID string) (string, int, models.ChatMessage, error) {
	return c.store.LoadMessageByID(teamID, messageID)
}

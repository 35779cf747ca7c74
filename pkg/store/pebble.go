// Package store is the durable, indexed conversation log. Each (team,
// entity) pair owns an append-only, zero-indexed message sequence plus a
// summary row; a secondary index maps message ids to their location.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"

	"parleydb/pkg/logger"
	"parleydb/pkg/models"
	"parleydb/pkg/telemetry"
)

// ErrNotFound is returned for unknown teams, conversations or message ids.
// It is a normal outcome, not a failure.
var ErrNotFound = errors.New("not found")

// NotAppended is the sentinel index returned when an append did not reach
// durable storage.
const NotAppended = -1

// Store wraps a pebble DB. It is safe for concurrent use; appends to the
// same conversation are serialized by a per-conversation mutex so index
// allocation and insert form one atomic unit.
type Store struct {
	db   *pebble.DB
	path string

	mu    sync.Mutex
	convs map[string]*sync.Mutex
}

// locator is the secondary-index row pointing a message id at its slot.
type locator struct {
	EntityID string `json:"entity"`
	Index    int    `json:"index"`
}

// Open opens (or creates) a pebble database at the given path with the
// default block cache.
func Open(path string) (*Store, error) {
	return OpenSized(path, 0)
}

// OpenSized opens the database with an explicit block cache size.
// cacheBytes <= 0 keeps pebble's default.
func OpenSized(path string, cacheBytes int64) (*Store, error) {
	logger.Info("opening_pebble_db", "path", path)
	opts := &pebble.Options{}
	if cacheBytes > 0 {
		cache := pebble.NewCache(cacheBytes)
		defer cache.Unref()
		opts.Cache = cache
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		logger.Error("pebble_open_failed", "path", path, "error", err)
		return nil, err
	}
	return &Store{db: db, path: path, convs: make(map[string]*sync.Mutex)}, nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	logger.Info("pebble_closed", "path", s.path)
	return err
}

// Ready reports whether the store is opened and usable.
func (s *Store) Ready() bool { return s != nil && s.db != nil }

func (s *Store) convLock(teamID, entityID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := teamID + "/" + entityID
	mu, ok := s.convs[k]
	if !ok {
		mu = &sync.Mutex{}
		s.convs[k] = mu
	}
	return mu
}

// AppendMessage allocates the next index for the message's conversation,
// persists the payload under that index and atomically updates the summary
// row and the message-id index. On any failure the batch is discarded and
// NotAppended is returned; no partial rows become visible.
func (s *Store) AppendMessage(teamID string, msg models.ChatMessage, nowNS int64) (int, error) {
	if s.db == nil {
		return NotAppended, fmt.Errorf("store not opened")
	}
	mu := s.convLock(teamID, msg.EntityID)
	mu.Lock()
	defer mu.Unlock()

	meta, err := s.ConversationMeta(teamID, msg.EntityID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		telemetry.AppendFailures.Inc()
		return NotAppended, err
	}
	index := meta.MessageCount

	meta.EntityID = msg.EntityID
	meta.MessageCount = index + 1
	meta.LastMessage = &msg
	if !msg.FromPlayer() {
		meta.LastEntityMessage = &msg
	}
	meta.UpdatedTS = nowNS

	msgB, err := json.Marshal(msg)
	if err != nil {
		telemetry.AppendFailures.Inc()
		return NotAppended, fmt.Errorf("marshal message: %w", err)
	}
	metaB, _ := json.Marshal(meta)
	locB, _ := json.Marshal(locator{EntityID: msg.EntityID, Index: index})

	b := s.db.NewBatch()
	defer func() { _ = b.Close() }()
	_ = b.Set(msgKey(teamID, msg.EntityID, index), msgB, nil)
	_ = b.Set(locatorKey(teamID, msg.ID), locB, nil)
	_ = b.Set(convMetaKey(teamID, msg.EntityID), metaB, nil)
	if err := b.Commit(pebble.Sync); err != nil {
		logger.Error("append_message_failed", "team", teamID, "entity", msg.EntityID, "index", index, "error", err)
		telemetry.AppendFailures.Inc()
		return NotAppended, err
	}
	telemetry.MessagesAppended.Inc()
	logger.Debug("message_appended", "team", teamID, "entity", msg.EntityID, "index", index, "id", msg.ID)
	return index, nil
}

// LoadMessages returns up to count messages starting at startIndex in
// ascending index order. Fewer than count are returned at the tail.
func (s *Store) LoadMessages(teamID, entityID string, startIndex, count int) ([]models.ChatMessage, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not opened")
	}
	if count <= 0 || startIndex < 0 {
		return nil, nil
	}
	prefix := msgPrefix(teamID, entityID)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: msgKey(teamID, entityID, startIndex),
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = iter.Close() }()

	var out []models.ChatMessage
	for iter.First(); iter.Valid() && len(out) < count; iter.Next() {
		var m models.ChatMessage
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			logger.Error("load_messages_bad_row", "team", teamID, "entity", entityID, "error", err)
			return nil, fmt.Errorf("invalid message row: %w", err)
		}
		out = append(out, m)
	}
	return out, iter.Error()
}

// LoadOlderMessages returns up to count messages with index < beforeIndex,
// in ascending order. The window is picked by scanning backwards from
// beforeIndex and then reversed.
func (s *Store) LoadOlderMessages(teamID, entityID string, beforeIndex, count int) ([]models.ChatMessage, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not opened")
	}
	if count <= 0 || beforeIndex <= 0 {
		return nil, nil
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: msgPrefix(teamID, entityID),
		UpperBound: msgKey(teamID, entityID, beforeIndex),
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = iter.Close() }()

	var rev []models.ChatMessage
	for iter.Last(); iter.Valid() && len(rev) < count; iter.Prev() {
		var m models.ChatMessage
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			return nil, fmt.Errorf("invalid message row: %w", err)
		}
		rev = append(rev, m)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	out := make([]models.ChatMessage, len(rev))
	for i, m := range rev {
		out[len(rev)-1-i] = m
	}
	return out, nil
}

// LoadMessageByID resolves a message id anywhere in the team via the
// secondary index. Returns ErrNotFound when the id is unknown.
func (s *Store) LoadMessageByID(teamID, messageID string) (string, int, models.ChatMessage, error) {
	var none models.ChatMessage
	if s.db == nil {
		return "", 0, none, fmt.Errorf("store not opened")
	}
	v, closer, err := s.db.Get(locatorKey(teamID, messageID))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return "", 0, none, ErrNotFound
		}
		return "", 0, none, err
	}
	var loc locator
	uerr := json.Unmarshal(v, &loc)
	_ = closer.Close()
	if uerr != nil {
		return "", 0, none, fmt.Errorf("invalid locator row: %w", uerr)
	}

	mv, mcloser, err := s.db.Get(msgKey(teamID, loc.EntityID, loc.Index))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return "", 0, none, ErrNotFound
		}
		return "", 0, none, err
	}
	var m models.ChatMessage
	uerr = json.Unmarshal(mv, &m)
	_ = mcloser.Close()
	if uerr != nil {
		return "", 0, none, fmt.Errorf("invalid message row: %w", uerr)
	}
	return loc.EntityID, loc.Index, m, nil
}

// UpdateMessagePayload replaces the stored payload at (entity, index) in
// place. Index, id and ordering are preserved; the summary row is refreshed
// when the replaced message is the conversation's latest.
func (s *Store) UpdateMessagePayload(teamID, entityID string, index int, msg models.ChatMessage) error {
	if s.db == nil {
		return fmt.Errorf("store not opened")
	}
	mu := s.convLock(teamID, entityID)
	mu.Lock()
	defer mu.Unlock()

	if _, closer, err := s.db.Get(msgKey(teamID, entityID, index)); err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return ErrNotFound
		}
		return err
	} else {
		_ = closer.Close()
	}

	msgB, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	b := s.db.NewBatch()
	defer func() { _ = b.Close() }()
	_ = b.Set(msgKey(teamID, entityID, index), msgB, nil)

	meta, err := s.ConversationMeta(teamID, entityID)
	if err == nil {
		changed := false
		if meta.LastMessage != nil && meta.LastMessage.ID == msg.ID {
			meta.LastMessage = &msg
			changed = true
		}
		if meta.LastEntityMessage != nil && meta.LastEntityMessage.ID == msg.ID {
			meta.LastEntityMessage = &msg
			changed = true
		}
		if changed {
			metaB, _ := json.Marshal(meta)
			_ = b.Set(convMetaKey(teamID, entityID), metaB, nil)
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		logger.Error("update_message_failed", "team", teamID, "entity", entityID, "index", index, "error", err)
		return err
	}
	return nil
}

// ConversationMeta loads the summary row for one conversation. A missing
// row returns an empty meta and ErrNotFound.
func (s *Store) ConversationMeta(teamID, entityID string) (models.ConversationMeta, error) {
	var meta models.ConversationMeta
	if s.db == nil {
		return meta, fmt.Errorf("store not opened")
	}
	v, closer, err := s.db.Get(convMetaKey(teamID, entityID))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return meta, ErrNotFound
		}
		return meta, err
	}
	uerr := json.Unmarshal(v, &meta)
	_ = closer.Close()
	if uerr != nil {
		return meta, fmt.Errorf("invalid conversation meta: %w", uerr)
	}
	return meta, nil
}

// MessageCount returns the number of messages in a conversation; zero for
// unknown conversations.
func (s *Store) MessageCount(teamID, entityID string) (int, error) {
	meta, err := s.ConversationMeta(teamID, entityID)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return meta.MessageCount, nil
}

// ListConversations returns every conversation summary row of a team.
func (s *Store) ListConversations(teamID string) ([]models.ConversationMeta, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not opened")
	}
	prefix := []byte("team:" + teamID + ":conv:")
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = iter.Close() }()

	var out []models.ConversationMeta
	for iter.First(); iter.Valid(); iter.Next() {
		k := iter.Key()
		if len(k) < 5 || string(k[len(k)-5:]) != ":meta" {
			continue
		}
		var meta models.ConversationMeta
		if err := json.Unmarshal(iter.Value(), &meta); err != nil {
			logger.Warn("list_conversations_bad_row", "team", teamID, "key", string(k), "error", err)
			continue
		}
		out = append(out, meta)
	}
	return out, iter.Error()
}

// ClearConversation deletes every message, locator and the summary row of
// one conversation.
func (s *Store) ClearConversation(teamID, entityID string) error {
	if s.db == nil {
		return fmt.Errorf("store not opened")
	}
	mu := s.convLock(teamID, entityID)
	mu.Lock()
	defer mu.Unlock()
	return s.clearConversationLocked(teamID, entityID)
}

func (s *Store) clearConversationLocked(teamID, entityID string) error {
	ids, err := s.messageIDs(teamID, entityID)
	if err != nil {
		return err
	}
	b := s.db.NewBatch()
	defer func() { _ = b.Close() }()
	for _, id := range ids {
		_ = b.Delete(locatorKey(teamID, id), nil)
	}
	prefix := convPrefix(teamID, entityID)
	_ = b.DeleteRange(prefix, prefixUpperBound(prefix), nil)
	if err := b.Commit(pebble.Sync); err != nil {
		logger.Error("clear_conversation_failed", "team", teamID, "entity", entityID, "error", err)
		return err
	}
	logger.Info("conversation_cleared", "team", teamID, "entity", entityID, "messages", len(ids))
	return nil
}

// ClearAllConversations deletes every conversation of a team. The team row
// itself survives.
func (s *Store) ClearAllConversations(teamID string) error {
	if s.db == nil {
		return fmt.Errorf("store not opened")
	}
	metas, err := s.ListConversations(teamID)
	if err != nil {
		return err
	}
	for _, meta := range metas {
		if err := s.ClearConversation(teamID, meta.EntityID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) messageIDs(teamID, entityID string) ([]string, error) {
	prefix := msgPrefix(teamID, entityID)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = iter.Close() }()
	var ids []string
	for iter.First(); iter.Valid(); iter.Next() {
		var m struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(iter.Value(), &m); err == nil && m.ID != "" {
			ids = append(ids, m.ID)
		}
	}
	return ids, iter.Error()
}

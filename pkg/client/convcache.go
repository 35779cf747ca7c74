package client

import (
	"sort"
	"sync"

	"parleydb/pkg/models"
)

// convEntry is one conversation's sparse local window. messages is keyed by
// server-assigned index; the loaded set need not be contiguous with index 0.
type convEntry struct {
	messages   map[int]models.ChatMessage
	totalCount int
	hasOlder   bool
}

// ConversationCache reconstructs a locally consistent, possibly sparse view
// of a team's conversations from batches that may arrive in any order. The
// server tags every batch with (startIndex, totalCount); live appends are
// just a batch of one, so merging needs no special cases.
//
// Reads snapshot under a lock so an asynchronously arriving batch never
// corrupts an in-progress iteration.
type ConversationCache struct {
	mu    sync.RWMutex
	convs map[string]*convEntry
}

func NewConversationCache() *ConversationCache {
	return &ConversationCache{convs: make(map[string]*convEntry)}
}

// AddMessages merges one batch. messages[i] lands at index startIndex+i.
// Re-delivery of already loaded indices overwrites with the same value, so
// the call is idempotent; hasOlder is recomputed from scratch each time.
func (c *ConversationCache) AddMessages(entityID string, messages []models.ChatMessage, totalCount, startIndex int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.convs[entityID]
	if !ok {
		e = &convEntry{messages: make(map[int]models.ChatMessage)}
		c.convs[entityID] = e
	}
	for i, m := range messages {
		e.messages[startIndex+i] = m
	}
	if totalCount > e.totalCount {
		e.totalCount = totalCount
	}
	e.hasOlder = e.totalCount > len(e.messages)
}

// HasOlderMessages reports whether history exists below the loaded window.
func (c *ConversationCache) HasOlderMessages(entityID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.convs[entityID]
	return ok && e.hasOlder
}

// GetOldestLoadedIndex returns the lowest loaded index, or ok=false for an
// empty conversation. Callers use it as beforeIndex when paging up.
func (c *ConversationCache) GetOldestLoadedIndex(entityID string) (int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.convs[entityID]
	if !ok || len(e.messages) == 0 {
		return 0, false
	}
	oldest := -1
	for idx := range e.messages {
		if oldest < 0 || idx < oldest {
			oldest = idx
		}
	}
	return oldest, true
}

// GetTotalMessageCount returns the server-reported conversation length.
func (c *ConversationCache) GetTotalMessageCount(entityID string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if e, ok := c.convs[entityID]; ok {
		return e.totalCount
	}
	return 0
}

// LoadedCount returns how many messages are held locally.
func (c *ConversationCache) LoadedCount(entityID string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if e, ok := c.convs[entityID]; ok {
		return len(e.messages)
	}
	return 0
}

// Message returns the message at one index, if loaded.
func (c *ConversationCache) Message(entityID string, index int) (models.ChatMessage, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if e, ok := c.convs[entityID]; ok {
		m, ok := e.messages[index]
		return m, ok
	}
	return models.ChatMessage{}, false
}

// MessageByID scans the loaded windows for a message id.
func (c *ConversationCache) MessageByID(messageID string) (string, int, models.ChatMessage, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for entityID, e := range c.convs {
		for idx, m := range e.messages {
			if m.ID == messageID {
				return entityID, idx, m, true
			}
		}
	}
	return "", 0, models.ChatMessage{}, false
}

// Messages returns the loaded window in ascending index order. The slice is
// a snapshot; later batches do not mutate it.
func (c *ConversationCache) Messages(entityID string) []models.ChatMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.convs[entityID]
	if !ok {
		return nil
	}
	idxs := make([]int, 0, len(e.messages))
	for idx := range e.messages {
		idxs = append(idxs, idx)
	}
	sort.Ints(idxs)
	out := make([]models.ChatMessage, 0, len(idxs))
	for _, idx := range idxs {
		out = append(out, e.messages[idx])
	}
	return out
}

// Entities lists conversations with at least one loaded message.
func (c *ConversationCache) Entities() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.convs))
	for entityID, e := range c.convs {
		if len(e.messages) > 0 {
			out = append(out, entityID)
		}
	}
	sort.Strings(out)
	return out
}

// TrimToLatest discards the oldest loaded entries of every conversation
// beyond maxPerConversation and returns the ids of the messages that
// remain, so the resolution cache can be pruned in lockstep.
func (c *ConversationCache) TrimToLatest(maxPerConversation int) map[string]bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	retained := make(map[string]bool)
	for _, e := range c.convs {
		if maxPerConversation > 0 && len(e.messages) > maxPerConversation {
			idxs := make([]int, 0, len(e.messages))
			for idx := range e.messages {
				idxs = append(idxs, idx)
			}
			sort.Ints(idxs)
			for _, idx := range idxs[:len(idxs)-maxPerConversation] {
				delete(e.messages, idx)
			}
			e.hasOlder = e.totalCount > len(e.messages)
		}
		for _, m := range e.messages {
			retained[m.ID] = true
		}
	}
	return retained
}

// Clear drops every conversation, for a team switch.
func (c *ConversationCache) Clear() {
	c.mu.Lock()
	c.convs = make(map[string]*convEntry)
	c.mu.Unlock()
}

package client

import (
	"sync"

	"golang.org/x/time/rate"

	"parleydb/pkg/logger"
	"parleydb/pkg/models"
	"parleydb/pkg/template"
)

// ResolveKey addresses one resolvable text field of one message.
type ResolveKey struct {
	MessageID string
	FieldKey  string
}

// keyState is the per-key resolution state machine. Transitions only move
// forward: unresolved -> localOnly -> pending -> serverResolved. A key in
// statePending has exactly one outstanding server request.
type keyState int

const (
	stateUnresolved keyState = iota
	stateLocalOnly
	statePending
	stateServerResolved
)

// ResolutionCache is the client's two-tier value cache for message text
// fields. The local tier holds client-computed values that may still
// contain placeholder literals; the server tier holds authoritative,
// placeholder-free values and always wins. Outbound requests are queued and
// flushed at a capped per-tick rate instead of firing inline, so a burst of
// newly displayed messages cannot flood the link.
type ResolutionCache struct {
	resolvers *template.Registry

	mu     sync.Mutex
	state  map[ResolveKey]keyState
	local  map[ResolveKey]string
	server map[ResolveKey]string
	queue  []ResolveKey

	limiter    *rate.Limiter
	maxPerTick int
}

// NewResolutionCache builds a cache over the client-known resolver
// registry. requestsPerSecond/burst pace the outbound flush; maxPerTick
// hard-caps one tick's sends.
func NewResolutionCache(resolvers *template.Registry, requestsPerSecond float64, burst, maxPerTick int) *ResolutionCache {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 20
	}
	if burst <= 0 {
		burst = 10
	}
	if maxPerTick <= 0 {
		maxPerTick = 4
	}
	return &ResolutionCache{
		resolvers:  resolvers,
		state:      make(map[ResolveKey]keyState),
		local:      make(map[ResolveKey]string),
		server:     make(map[ResolveKey]string),
		limiter:    rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
		maxPerTick: maxPerTick,
	}
}

// Resolve returns the best currently known value for one field of msg and,
// when the field needs authoritative data the client cannot compute, queues
// at most one server request for it. The returned string is always
// displayable; worst case it still contains a {prefix:name} literal until
// the server answers.
func (c *ResolutionCache) Resolve(msg models.ChatMessage, fieldKey string, ctx template.Context) string {
	key := ResolveKey{MessageID: msg.ID, FieldKey: fieldKey}
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state[key] {
	case stateServerResolved:
		return c.server[key]
	case stateLocalOnly, statePending:
		return c.local[key]
	}

	field, ok := models.FieldByKey(msg, fieldKey)
	if !ok {
		return ""
	}
	if !field.NeedsRuntime() {
		// Terminal: nothing a server round-trip could improve.
		c.local[key] = field.Compiled
		c.state[key] = stateLocalOnly
		return field.Compiled
	}

	value, done := c.resolvers.Substitute(field.Runtime, ctx)
	c.local[key] = value
	if done {
		c.state[key] = stateLocalOnly
		return value
	}
	c.state[key] = statePending
	c.queue = append(c.queue, key)
	return value
}

// HandleResult installs a server answer. The server tier overwrites any
// local value and is returned for every later read of the key.
func (c *ResolutionCache) HandleResult(messageID, fieldKey, value string) {
	key := ResolveKey{MessageID: messageID, FieldKey: fieldKey}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.server[key] = value
	c.state[key] = stateServerResolved
	delete(c.local, key)
}

// FlushQueued sends up to maxPerTick queued requests through send,
// respecting the rate limiter. Keys stay pending until their result
// arrives; a key whose send is deferred by the limiter stays queued for the
// next tick. Returns how many requests went out.
func (c *ResolutionCache) FlushQueued(send func(messageID, fieldKey string) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	sent := 0
	for len(c.queue) > 0 && sent < c.maxPerTick {
		if !c.limiter.Allow() {
			break
		}
		key := c.queue[0]
		c.queue = c.queue[1:]
		if c.state[key] != statePending {
			continue
		}
		if !send(key.MessageID, key.FieldKey) {
			// Transport refused; keep the key pending and retry next tick.
			c.queue = append(c.queue, key)
			break
		}
		sent++
	}
	if sent > 0 {
		logger.Debug("resolve_requests_flushed", "count", sent, "queued", len(c.queue))
	}
	return sent
}

// PendingCount reports keys with an outstanding or queued request.
func (c *ResolutionCache) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, st := range c.state {
		if st == statePending {
			n++
		}
	}
	return n
}

// RetainMessages drops every tier and pending mark for message ids absent
// from retained, keeping the cache bounded to the history window the
// conversation cache still holds.
func (c *ResolutionCache) RetainMessages(retained map[string]bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.state {
		if !retained[key.MessageID] {
			delete(c.state, key)
			delete(c.local, key)
			delete(c.server, key)
		}
	}
	kept := c.queue[:0]
	for _, key := range c.queue {
		if retained[key.MessageID] {
			kept = append(kept, key)
		}
	}
	c.queue = kept
}

// ClearPending resets every in-flight request on disconnect. Resolved tiers
// survive; pending keys fall back to wanting resolution, so the next
// Resolve after reconnect re-queues them.
func (c *ResolutionCache) ClearPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, st := range c.state {
		if st == statePending {
			delete(c.state, key)
			delete(c.local, key)
		}
	}
	c.queue = c.queue[:0]
}

// Package template resolves {prefix:name} placeholders embedded in message
// text. Resolution is two-phase: a compile pass at message creation time
// substitutes everything the creation context can answer, and a runtime pass
// (client- or server-side) handles the rest. Unknown prefixes and names are
// left in place as literal text.
package template

import (
	"regexp"
	"sync"

	"parleydb/pkg/logger"
	"parleydb/pkg/models"
)

// Context carries the values resolvers may consult: team data, player
// identity, world state. Keys are resolver-defined.
type Context map[string]any

// ResolverFunc answers one (prefix, name) lookup. ok=false means the
// placeholder stays as-is.
type ResolverFunc func(name string, ctx Context) (string, bool)

var placeholderRe = regexp.MustCompile(`\{([A-Za-z0-9_]+):([^{}]*)\}`)

// HasPlaceholder reports whether s still contains any {prefix:name} token.
func HasPlaceholder(s string) bool { return placeholderRe.MatchString(s) }

// Registry maps placeholder prefixes to resolvers. Safe for concurrent use;
// external hosts may register prefixes at runtime.
type Registry struct {
	mu       sync.RWMutex
	prefixes map[string]ResolverFunc
}

func NewRegistry() *Registry {
	return &Registry{prefixes: make(map[string]ResolverFunc)}
}

// Register installs (or replaces) the resolver for a prefix.
func (r *Registry) Register(prefix string, fn ResolverFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prefixes[prefix] = fn
}

// Unregister removes a prefix; pending text keeps its literal placeholders.
func (r *Registry) Unregister(prefix string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.prefixes, prefix)
}

func (r *Registry) lookup(prefix string) (ResolverFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.prefixes[prefix]
	return fn, ok
}

// Substitute resolves every placeholder in text that the registry can
// answer, leaving the rest literal. The second return reports whether the
// result is fully resolved.
func (r *Registry) Substitute(text string, ctx Context) (string, bool) {
	unresolved := false
	out := placeholderRe.ReplaceAllStringFunc(text, func(tok string) string {
		m := placeholderRe.FindStringSubmatch(tok)
		prefix, name := m[1], m[2]
		fn, ok := r.lookup(prefix)
		if !ok {
			logger.Debug("template_unknown_prefix", "prefix", prefix, "name", name)
			unresolved = true
			return tok
		}
		v, ok := fn(name, ctx)
		if !ok {
			unresolved = true
			return tok
		}
		return v
	})
	return out, !unresolved
}

// Compile runs the creation-time pass over raw text and returns the field
// in its final shape: fully resolved, or partially resolved with the raw
// text kept as the runtime template.
func (r *Registry) Compile(text string, ctx Context) models.TextField {
	if !HasPlaceholder(text) {
		return models.ResolvedText(text)
	}
	compiled, done := r.Substitute(text, ctx)
	if done {
		return models.ResolvedText(compiled)
	}
	return models.PartialText(compiled, text)
}

package template

import (
	"strings"
	"sync"

	"parleydb/pkg/logger"
)

// ScriptHost is the opaque callback service an embedding host registers.
// Evaluate runs a named callback; error or unknown name never blocks the
// surrounding operation.
type ScriptHost interface {
	Evaluate(name string, ctx Context) (any, error)
}

// IsTruthy applies the host truthiness rules used for action conditions.
func IsTruthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		s := strings.ToLower(strings.TrimSpace(t))
		return s != "" && s != "false" && s != "0"
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	default:
		return true
	}
}

// Evaluator decides whether conditional actions are shown. Conditions are
// prefix-keyed like placeholders ("prefix:name"); anything the evaluator
// cannot answer passes by default.
type Evaluator struct {
	mu    sync.RWMutex
	hosts map[string]ScriptHost
}

func NewEvaluator() *Evaluator {
	return &Evaluator{hosts: make(map[string]ScriptHost)}
}

// RegisterHost installs the script host answering conditions under prefix.
func (e *Evaluator) RegisterHost(prefix string, h ScriptHost) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hosts[prefix] = h
}

// UnregisterHost removes a prefix; its conditions fall back to default-allow.
func (e *Evaluator) UnregisterHost(prefix string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.hosts, prefix)
}

// Evaluate resolves a condition expression of the form "prefix:name".
// Unknown prefixes, missing callbacks and evaluation errors all resolve to
// true so a misconfigured condition can never hide a conversation.
func (e *Evaluator) Evaluate(expr string, ctx Context) bool {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true
	}
	prefix, name, ok := strings.Cut(expr, ":")
	if !ok {
		logger.Debug("condition_malformed", "expr", expr)
		return true
	}
	e.mu.RLock()
	h := e.hosts[prefix]
	e.mu.RUnlock()
	if h == nil {
		logger.Debug("condition_unknown_prefix", "prefix", prefix)
		return true
	}
	v, err := h.Evaluate(name, ctx)
	if err != nil {
		logger.Warn("condition_eval_failed", "expr", expr, "error", err)
		return true
	}
	return IsTruthy(v)
}

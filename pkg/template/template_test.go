package template

import (
	"errors"
	"testing"
)

func newTestRegistry() *Registry {
	r := NewRegistry()
	r.Register("team", func(name string, ctx Context) (string, bool) {
		switch name {
		case "title":
			return "Night Watch", true
		default:
			return "", false
		}
	})
	r.Register("player", func(name string, ctx Context) (string, bool) {
		if name == "id" {
			if v, ok := ctx["player_id"].(string); ok {
				return v, true
			}
		}
		return "", false
	})
	return r
}

// TestSubstituteResolvesKnownPrefixes covers the happy path where every
// placeholder has a registered resolver that answers.
func TestSubstituteResolvesKnownPrefixes(t *testing.T) {
	r := newTestRegistry()
	out, done := r.Substitute("Welcome to {team:title}, {player:id}!", Context{"player_id": "p1"})
	if !done {
		t.Fatalf("expected fully resolved, got done=false")
	}
	if out != "Welcome to Night Watch, p1!" {
		t.Fatalf("unexpected output: %q", out)
	}
}

// TestSubstituteLeavesUnknownLiteral verifies that unknown prefixes and
// unanswered names stay in the text verbatim and flip done to false.
func TestSubstituteLeavesUnknownLiteral(t *testing.T) {
	r := newTestRegistry()
	out, done := r.Substitute("{team:title} says {runtime:repLevel}", nil)
	if done {
		t.Fatalf("expected done=false with unknown prefix")
	}
	if out != "Night Watch says {runtime:repLevel}" {
		t.Fatalf("unexpected output: %q", out)
	}

	out, done = r.Substitute("{team:motto}", nil)
	if done || out != "{team:motto}" {
		t.Fatalf("unanswered name should stay literal: %q done=%v", out, done)
	}
}

// TestSubstituteEmptyValue checks that a resolver may legitimately return
// the empty string.
func TestSubstituteEmptyValue(t *testing.T) {
	r := NewRegistry()
	r.Register("x", func(name string, ctx Context) (string, bool) { return "", true })
	out, done := r.Substitute("a{x:y}b", nil)
	if !done || out != "ab" {
		t.Fatalf("got %q done=%v", out, done)
	}
}

// TestCompilePlainText verifies text without placeholders compiles to a
// resolved field with no runtime template.
func TestCompilePlainText(t *testing.T) {
	r := newTestRegistry()
	f := r.Compile("hello there", nil)
	if f.NeedsRuntime() {
		t.Fatalf("plain text should not need runtime: %+v", f)
	}
	if f.Compiled != "hello there" {
		t.Fatalf("unexpected compiled text: %q", f.Compiled)
	}
}

// TestCompileFullyResolved verifies a field whose placeholders all resolve
// at compile time drops the runtime template.
func TestCompileFullyResolved(t *testing.T) {
	r := newTestRegistry()
	f := r.Compile("Go see {team:title}", nil)
	if f.NeedsRuntime() {
		t.Fatalf("fully resolved field should not carry runtime: %+v", f)
	}
	if f.Compiled != "Go see Night Watch" {
		t.Fatalf("unexpected compiled text: %q", f.Compiled)
	}
}

// TestCompilePartial verifies a partially resolvable field keeps the raw
// text as its runtime template while the compiled text carries the partial
// substitution.
func TestCompilePartial(t *testing.T) {
	r := newTestRegistry()
	raw := "{team:title} rep: {runtime:repLevel}"
	f := r.Compile(raw, nil)
	if !f.NeedsRuntime() {
		t.Fatalf("expected runtime template, got %+v", f)
	}
	if f.Runtime != raw {
		t.Fatalf("runtime should keep raw text: %q", f.Runtime)
	}
	if f.Compiled != "Night Watch rep: {runtime:repLevel}" {
		t.Fatalf("unexpected compiled text: %q", f.Compiled)
	}
}

// TestUnregister verifies removed prefixes fall back to literal output.
func TestUnregister(t *testing.T) {
	r := newTestRegistry()
	r.Unregister("team")
	out, done := r.Substitute("{team:title}", nil)
	if done || out != "{team:title}" {
		t.Fatalf("got %q done=%v after unregister", out, done)
	}
}

func TestHasPlaceholder(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"plain", false},
		{"{team:title}", true},
		{"{runtime:a:b}", true},
		{"{notatoken}", false},
		{"{}", false},
		{"open { brace", false},
	}
	for _, c := range cases {
		if got := HasPlaceholder(c.in); got != c.want {
			t.Fatalf("HasPlaceholder(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

type scriptFunc func(name string, ctx Context) (any, error)

func (f scriptFunc) Evaluate(name string, ctx Context) (any, error) { return f(name, ctx) }

// TestEvaluatorDefaultAllow checks that empty, malformed and unknown
// conditions all pass rather than hiding content.
func TestEvaluatorDefaultAllow(t *testing.T) {
	e := NewEvaluator()
	for _, expr := range []string{"", "   ", "noprefix", "ghost:anything"} {
		if !e.Evaluate(expr, nil) {
			t.Fatalf("expected default-allow for %q", expr)
		}
	}
}

// TestEvaluatorHost verifies a registered host decides visibility and that
// host errors fall back to allow.
func TestEvaluatorHost(t *testing.T) {
	e := NewEvaluator()
	e.RegisterHost("quest", scriptFunc(func(name string, ctx Context) (any, error) {
		switch name {
		case "done":
			return true, nil
		case "locked":
			return false, nil
		default:
			return nil, errors.New("no such callback")
		}
	}))
	if !e.Evaluate("quest:done", nil) {
		t.Fatalf("truthy callback should allow")
	}
	if e.Evaluate("quest:locked", nil) {
		t.Fatalf("falsy callback should deny")
	}
	if !e.Evaluate("quest:missing", nil) {
		t.Fatalf("error should fall back to allow")
	}
}

func TestIsTruthy(t *testing.T) {
	truthy := []any{true, 1, int64(2), 3.5, "yes", struct{}{}}
	for _, v := range truthy {
		if !IsTruthy(v) {
			t.Fatalf("expected %v (%T) truthy", v, v)
		}
	}
	falsy := []any{nil, false, 0, int64(0), 0.0, "", "  ", "false", "0", "FALSE"}
	for _, v := range falsy {
		if IsTruthy(v) {
			t.Fatalf("expected %v (%T) falsy", v, v)
		}
	}
}

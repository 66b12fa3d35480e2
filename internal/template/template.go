// Package template loads stored email templates and expands {{name}}
// variables in them.
package template

import (
	"context"
	"errors"
	"strings"
)

// ErrNotFound is returned when no template matches the lookup.
var ErrNotFound = errors.New("template not found")

// Template is a stored subject and body owned by a team.
type Template struct {
	ID      string
	TeamID  int64
	Name    string
	Subject string
	Content string
}

// Store loads templates.
type Store interface {
	Get(ctx context.Context, id string, teamID int64) (*Template, error)
}

// Renderer expands a template body with variable bindings.
type Renderer interface {
	Render(ctx context.Context, content string, vars map[string]string) (string, error)
}

// VariableRenderer is the default Renderer. It substitutes {{name}} tokens in
// the content and otherwise returns it unchanged.
type VariableRenderer struct{}

// Render implements Renderer.
func (VariableRenderer) Render(_ context.Context, content string, vars map[string]string) (string, error) {
	return ReplaceVariables(content, vars), nil
}

// ReplaceVariables substitutes every {{name}} token whose name is bound in
// vars. Unbound tokens are left verbatim and substituted values are not
// rescanned.
func ReplaceVariables(text string, vars map[string]string) string {
	if len(vars) == 0 || !strings.Contains(text, "{{") {
		return text
	}

	var b strings.Builder
	b.Grow(len(text))
	rest := text
	for {
		open := strings.Index(rest, "{{")
		if open < 0 {
			b.WriteString(rest)
			break
		}
		end := strings.Index(rest[open+2:], "}}")
		if end < 0 {
			b.WriteString(rest)
			break
		}
		name := rest[open+2 : open+2+end]
		// A nested "{{" means the first one is literal text.
		if inner := strings.LastIndex(name, "{{"); inner >= 0 {
			b.WriteString(rest[:open+2+inner])
			rest = rest[open+2+inner:]
			continue
		}
		b.WriteString(rest[:open])
		if v, ok := vars[name]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(rest[open : open+2+end+2])
		}
		rest = rest[open+2+end+2:]
	}
	return b.String()
}

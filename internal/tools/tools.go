// Package tools provides the built-in tool implementations and the
// immutable registry the turn orchestrator dispatches through.
//
// A Tool owns its declaration (name, description, user notice, input
// schema) and its execution. Tools never fail the turn: the orchestrator
// converts any returned error into an error-flagged tool result the model
// can react to.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/calliope-chat/calliope/internal/chat"
)

// Tool is one callable tool.
//
// Call receives the raw JSON arguments exactly as the model produced them.
// Implementations validate and unmarshal their own input; a returned error
// becomes an error-flagged result, never a turn failure.
type Tool interface {
	Declaration() chat.Declaration
	Call(ctx context.Context, args json.RawMessage) (string, error)
}

// Registry is the immutable tool set for the process lifetime.
//
// It is built once at startup and never mutated, so it is safe for
// concurrent use across turns without synchronization. It implements
// chat.ToolSource.
type Registry struct {
	byName map[string]Tool
	decls  []chat.Declaration
}

// NewRegistry builds a registry from the given tools. Duplicate names are a
// startup bug and rejected. Declarations are exposed in sorted name order
// so the model-input view is deterministic.
func NewRegistry(ts ...Tool) (*Registry, error) {
	byName := make(map[string]Tool, len(ts))
	for _, t := range ts {
		decl := t.Declaration()
		if decl.Name == "" {
			return nil, fmt.Errorf("tool with empty name")
		}
		if _, dup := byName[decl.Name]; dup {
			return nil, fmt.Errorf("duplicate tool name %q", decl.Name)
		}
		byName[decl.Name] = t
	}

	decls := make([]chat.Declaration, 0, len(byName))
	for _, t := range byName {
		decls = append(decls, t.Declaration())
	}
	sort.Slice(decls, func(i, j int) bool { return decls[i].Name < decls[j].Name })

	return &Registry{byName: byName, decls: decls}, nil
}

// Declarations returns the tool declarations in sorted name order. The
// returned slice is shared; callers must not modify it.
func (r *Registry) Declarations() []chat.Declaration {
	return r.decls
}

// Lookup resolves a tool name to its executor.
func (r *Registry) Lookup(name string) (chat.Executor, bool) {
	t, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	return t, true
}

// Describe returns the declaration for a single tool.
func (r *Registry) Describe(name string) (chat.Declaration, bool) {
	t, ok := r.byName[name]
	if !ok {
		return chat.Declaration{}, false
	}
	return t.Declaration(), true
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	return len(r.byName)
}

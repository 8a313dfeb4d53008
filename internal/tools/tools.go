// Package tools resolves and executes the functions a conversation engine
// asks for, with at-most-once execution per invocation.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Definition is the schema advertised to the conversation engine.
type Definition struct {
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description" yaml:"description"`
	Parameters  map[string]any `json:"parameters" yaml:"parameters"`
}

// Tool is an executable capability looked up by name.
type Tool interface {
	Definition() Definition
	Execute(ctx context.Context, args json.RawMessage) (json.RawMessage, error)
}

// Registry resolves tools by name.
type Registry interface {
	Lookup(name string) (Tool, bool)
}

// Invocation is one tool call requested by the engine.
type Invocation struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// Result is the outcome delivered back into the conversation. Output is
// always valid JSON, including for failures.
type Result struct {
	InvocationID string
	Name         string
	Output       json.RawMessage
	Err          error
	// Duplicate is set when the invocation had already been dispatched.
	Duplicate bool
}

func (r Result) Failed() bool { return r.Err != nil }

// StaticRegistry is a fixed set of tools.
type StaticRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewStaticRegistry(tools ...Tool) *StaticRegistry {
	r := &StaticRegistry{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		r.Register(t)
	}
	return r
}

func (r *StaticRegistry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Definition().Name] = t
}

func (r *StaticRegistry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns registered tool names in sorted order.
func (r *StaticRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions resolves the schemas for the enabled tool names. Every name
// must resolve to a tool with a usable definition.
func Definitions(reg Registry, names []string) ([]Definition, error) {
	defs := make([]Definition, 0, len(names))
	for _, name := range names {
		t, ok := reg.Lookup(name)
		if !ok {
			return nil, fmt.Errorf("tool %q is not registered", name)
		}
		def := t.Definition()
		if def.Name == "" {
			return nil, fmt.Errorf("tool %q has no name in its definition", name)
		}
		if def.Parameters == nil {
			def.Parameters = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// Func adapts a plain function into a Tool.
type Func struct {
	Def Definition
	Fn  func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)
}

func (f Func) Definition() Definition { return f.Def }

func (f Func) Execute(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	return f.Fn(ctx, args)
}

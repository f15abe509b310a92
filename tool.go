package driftkit

import (
	"context"
	"encoding/json"
	"sync"
)

// Tool is a callable capability exposed to the model during a tool loop.
type Tool interface {
	// Definition describes the tool to the model.
	Definition() ToolDefinition
	// Execute runs the tool with the model-supplied arguments and returns the
	// result text fed back into the conversation.
	Execute(ctx context.Context, args json.RawMessage) (string, error)
}

// ToolFunc adapts a function to the Tool interface.
type ToolFunc struct {
	Def ToolDefinition
	Fn  func(ctx context.Context, args json.RawMessage) (string, error)
}

// Definition implements Tool.
func (t ToolFunc) Definition() ToolDefinition { return t.Def }

// Execute implements Tool.
func (t ToolFunc) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	return t.Fn(ctx, args)
}

// NewTool builds a Tool from a name, description, JSON Schema parameters
// document, and handler.
func NewTool(name, description string, params json.RawMessage, fn func(ctx context.Context, args json.RawMessage) (string, error)) Tool {
	return ToolFunc{
		Def: ToolDefinition{Name: name, Description: description, Parameters: params},
		Fn:  fn,
	}
}

// ToolRegistry holds an agent's tools indexed by name.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry(tools ...Tool) *ToolRegistry {
	r := &ToolRegistry{tools: make(map[string]Tool)}
	for _, t := range tools {
		r.Add(t)
	}
	return r
}

// Add registers a tool. A tool with the same name replaces the previous one.
func (r *ToolRegistry) Add(t Tool) {
	name := t.Definition().Name
	r.mu.Lock()
	if _, exists := r.tools[name]; !exists {
		r.order = append(r.order, name)
	}
	r.tools[name] = t
	r.mu.Unlock()
}

// Get returns the tool registered under name.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	return t, ok
}

// Definitions returns all tool definitions in registration order.
func (r *ToolRegistry) Definitions() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].Definition())
	}
	return defs
}

// Len returns the number of registered tools.
func (r *ToolRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// ToolDefinition describes a tool offered to the model. Parameters is a JSON
// schema object.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToolPipeline executes the tools an agent may call during a run.
type ToolPipeline interface {
	Definitions() []ToolDefinition
	Execute(ctx context.Context, name string, input json.RawMessage) (string, error)
}

// ToolHandler runs one tool call.
type ToolHandler func(ctx context.Context, input json.RawMessage) (string, error)

// Toolset is a map-backed ToolPipeline.
type Toolset struct {
	mu       sync.RWMutex
	defs     map[string]ToolDefinition
	handlers map[string]ToolHandler
}

// NewToolset creates an empty toolset.
func NewToolset() *Toolset {
	return &Toolset{
		defs:     make(map[string]ToolDefinition),
		handlers: make(map[string]ToolHandler),
	}
}

// Register adds or replaces a tool.
func (t *Toolset) Register(def ToolDefinition, h ToolHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.defs[def.Name] = def
	t.handlers[def.Name] = h
}

// Definitions returns the tools sorted by name.
func (t *Toolset) Definitions() []ToolDefinition {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]ToolDefinition, 0, len(t.defs))
	for _, d := range t.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (t *Toolset) Execute(ctx context.Context, name string, input json.RawMessage) (string, error) {
	t.mu.RLock()
	h, ok := t.handlers[name]
	t.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("unknown tool %q", name)
	}
	return h(ctx, input)
}

// runTool executes a tool call and converts a failure into text for the model.
func runTool(ctx context.Context, tools ToolPipeline, name string, input json.RawMessage) (string, bool) {
	if tools == nil {
		return fmt.Sprintf("tool %q is not available", name), true
	}
	out, err := tools.Execute(ctx, name, input)
	if err != nil {
		return "error: " + err.Error(), true
	}
	return out, false
}

func definitions(tools ToolPipeline) []ToolDefinition {
	if tools == nil {
		return nil
	}
	return tools.Definitions()
}

// Package toolkit resolves tool calls made by the assistant agent. Tools are
// registered in a Registry, a name-keyed capability table that also carries
// the JSON-schema definitions advertised to the model.
package toolkit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/martinemde/roleplay/llm"
)

// ErrUnknownTool is returned when a call names a tool that is not registered.
var ErrUnknownTool = errors.New("unknown tool")

// Toolkit resolves a named tool call to its textual output.
type Toolkit interface {
	Invoke(ctx context.Context, name string, args json.RawMessage) (string, error)
}

// Executor runs one tool with raw JSON arguments.
type Executor func(ctx context.Context, args json.RawMessage) (string, error)

// Tool pairs a definition with its executor.
type Tool struct {
	Definition llm.ToolDefinition
	Executor   Executor
}

// ToolInvocationError reports a failed tool call. It is rendered into the
// tool result shown to the model rather than aborting the turn.
type ToolInvocationError struct {
	Tool string
	Err  error
}

func (e *ToolInvocationError) Error() string {
	return fmt.Sprintf("tool %s: %v", e.Tool, e.Err)
}

func (e *ToolInvocationError) Unwrap() error { return e.Err }

// Registry is a concurrency-safe set of tools keyed by name.
type Registry struct {
	tools map[string]*Tool
	mu    sync.RWMutex
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds or replaces a tool.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Definition.Name] = &tool
}

// RegisterToolkit exposes the tools described by defs, all served by tk.
func (r *Registry) RegisterToolkit(tk Toolkit, defs ...llm.ToolDefinition) {
	for _, def := range defs {
		name := def.Name
		r.Register(Tool{
			Definition: def,
			Executor: func(ctx context.Context, args json.RawMessage) (string, error) {
				return tk.Invoke(ctx, name, args)
			},
		})
	}
}

// Get returns the named tool, or nil.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Definitions returns every tool definition sorted by name, ready to send to
// the model.
func (r *Registry) Definitions() []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]llm.ToolDefinition, 0, len(r.tools))
	for _, tool := range r.tools {
		defs = append(defs, tool.Definition)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Invoke runs the named tool. Every failure, including an unknown name, is
// returned as a *ToolInvocationError.
func (r *Registry) Invoke(ctx context.Context, name string, args json.RawMessage) (string, error) {
	tool := r.Get(name)
	if tool == nil {
		return "", &ToolInvocationError{Tool: name, Err: ErrUnknownTool}
	}
	out, err := tool.Executor(ctx, args)
	if err != nil {
		var tie *ToolInvocationError
		if errors.As(err, &tie) {
			return out, err
		}
		return out, &ToolInvocationError{Tool: name, Err: err}
	}
	return out, nil
}

var _ Toolkit = (*Registry)(nil)

// Package toolkit implements the tool registry and execution envelope
// (component C): registration, capability/policy gating, JSON-schema
// argument validation, and concurrency-bounded dispatch.
package toolkit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/quorumrun/nexus/pkg/contract"
	"github.com/quorumrun/nexus/pkg/model"
)

// Tool name/argument limits, carried over from the teacher's
// tool_registry.go resource-exhaustion guards.
const (
	MaxToolNameLength = 256
	MaxToolArgsSize    = 10 << 20
)

// Registry is a thread-safe name-to-Tool map, grounded on
// internal/agent/tool_registry.go's ToolRegistry.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]contract.Tool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]contract.Tool)}
}

// Register adds or replaces a tool by name.
func (r *Registry) Register(t contract.Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a tool and whether it was found.
func (r *Registry) Get(name string) (contract.Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns every registered tool's definition, for passing to a
// ChatProvider alongside the conversation.
func (r *Registry) List() []model.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.Definition())
	}
	return out
}

// Dispatch validates name/args size, looks the tool up, checks its
// capabilities against the context's gate, validates args against its
// JSON schema, and calls it. It never returns a Go error for a
// request-shaped problem (unknown tool, bad args, denied capability) —
// those become an error ToolResult string, matching
// internal/agent/tool_registry.go's Execute contract of "errors are
// results, not Go errors" for anything the caller didn't cause.
func (r *Registry) Dispatch(ctx context.Context, tc contract.ToolContext, name string, argsJSON json.RawMessage) (content string, isError bool) {
	if len(name) > MaxToolNameLength {
		return fmt.Sprintf("tool name exceeds maximum length of %d characters", MaxToolNameLength), true
	}
	if len(argsJSON) > MaxToolArgsSize {
		return fmt.Sprintf("tool arguments exceed maximum size of %d bytes", MaxToolArgsSize), true
	}

	t, ok := r.Get(name)
	if !ok {
		return "tool not found: " + name, true
	}

	if tc.IsReadOnly() && !t.IsReadOnly() {
		return fmt.Sprintf("tool %q is not permitted in a read-only session", name), true
	}

	if tc.Gate != nil {
		for _, cap := range t.RequiredCapabilities() {
			if !tc.Gate.Allow(cap) {
				return fmt.Sprintf("tool %q requires capability %q, which is denied", name, cap), true
			}
		}
	}

	if err := ValidateArgs(t.Definition(), argsJSON); err != nil {
		return fmt.Sprintf("invalid arguments for tool %q: %v", name, err), true
	}

	out, err := t.Call(tc, argsJSON)
	if err != nil {
		return err.Error(), true
	}
	return out, false
}

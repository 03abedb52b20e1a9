package toolkit

import (
	"encoding/json"
	"testing"

	"github.com/quorumrun/nexus/pkg/contract"
	"github.com/quorumrun/nexus/pkg/model"
)

type stubTool struct {
	name       string
	readOnly   bool
	caps       []model.Capability
	params     json.RawMessage
	call       func(tc contract.ToolContext, args json.RawMessage) (string, error)
}

func (s *stubTool) Name() string { return s.name }
func (s *stubTool) Definition() model.ToolDefinition {
	params := s.params
	if params == nil {
		params = json.RawMessage(`{}`)
	}
	return model.ToolDefinition{Name: s.name, Description: "stub", Parameters: params}
}
func (s *stubTool) RequiredCapabilities() []model.Capability { return s.caps }
func (s *stubTool) IsReadOnly() bool                         { return s.readOnly }
func (s *stubTool) Call(tc contract.ToolContext, args json.RawMessage) (string, error) {
	if s.call != nil {
		return s.call(tc, args)
	}
	return "ok", nil
}

type stubGate struct{ deny map[model.Capability]bool }

func (g stubGate) Allow(cap model.Capability) bool { return !g.deny[cap] }

func TestRegistry_DispatchUnknownTool(t *testing.T) {
	r := NewRegistry()
	content, isErr := r.Dispatch(nil, contract.ToolContext{}, "missing", nil)
	if !isErr || content == "" {
		t.Fatalf("expected error result for unknown tool, got %q, %v", content, isErr)
	}
}

func TestRegistry_DispatchDeniedCapability(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubTool{name: "writer", readOnly: false, caps: []model.Capability{model.CapFilesystem}})

	tc := contract.ToolContext{Gate: stubGate{deny: map[model.Capability]bool{model.CapFilesystem: true}}}
	content, isErr := r.Dispatch(nil, tc, "writer", json.RawMessage(`{}`))
	if !isErr {
		t.Fatalf("expected capability denial, got content %q", content)
	}
}

func TestRegistry_DispatchReadOnlySessionRejectsWriteTool(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubTool{name: "writer", readOnly: false})

	content, isErr := r.Dispatch(nil, contract.ToolContext{ReadOnly: true}, "writer", json.RawMessage(`{}`))
	if !isErr {
		t.Fatalf("expected read-only rejection, got content %q", content)
	}
}

func TestRegistry_DispatchValidatesArgsAgainstSchema(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubTool{
		name:     "needs_name",
		readOnly: true,
		params:   json.RawMessage(`{"type":"object","properties":{"name":{"type":"string"}},"required":["name"]}`),
	})

	_, isErr := r.Dispatch(nil, contract.ToolContext{}, "needs_name", json.RawMessage(`{}`))
	if !isErr {
		t.Fatal("expected missing required field to fail validation")
	}

	content, isErr := r.Dispatch(nil, contract.ToolContext{}, "needs_name", json.RawMessage(`{"name":"x"}`))
	if isErr {
		t.Fatalf("expected valid args to pass, got error %q", content)
	}
}

func TestRegistry_DispatchSucceeds(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubTool{name: "ok", readOnly: true})

	content, isErr := r.Dispatch(nil, contract.ToolContext{}, "ok", json.RawMessage(`{}`))
	if isErr || content != "ok" {
		t.Fatalf("unexpected dispatch result: %q, %v", content, isErr)
	}
}

package contract

import (
	"encoding/json"

	"github.com/quorumrun/nexus/pkg/model"
)

// PathResolver resolves a tool-relative path against a session's cwd,
// so built-ins never construct absolute paths themselves.
type PathResolver interface {
	Resolve(path string) (string, error)
}

// CapabilityGate is the sandbox capability check a tool context carries a
// reference to. The concrete sandbox (filesystem/network enforcement) is
// out of scope for the core (§1); this is the narrow interface the
// engine and tools see.
type CapabilityGate interface {
	Allow(cap model.Capability) bool
}

// ToolContext is passed to every tool call.
type ToolContext struct {
	SessionID  string
	Cwd        string
	ReadOnly   bool
	Resolver   PathResolver
	Gate       CapabilityGate
}

// IsReadOnly reports whether write-class tools must refuse to run.
func (c ToolContext) IsReadOnly() bool { return c.ReadOnly }

// Tool is the execution envelope every built-in, MCP, or delegated tool
// implements.
type Tool interface {
	Name() string
	Definition() model.ToolDefinition
	RequiredCapabilities() []model.Capability
	Call(ctx ToolContext, argsJSON json.RawMessage) (string, error)
	// IsReadOnly reports whether this tool may run when the session's
	// ToolContext.ReadOnly is set.
	IsReadOnly() bool
}

package model

import "encoding/json"

// Capability is a coarse permission a tool may require.
type Capability string

const (
	CapFilesystem Capability = "filesystem"
	CapNetwork    Capability = "network"
	CapShell      Capability = "shell"
)

// ToolDefinition is the LLM-facing shape of a tool: name, description, and
// JSON-schema parameters.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolPolicy gates which tool sources are offered to the LLM for a given
// session.
type ToolPolicy string

const (
	ToolPolicyBuiltInOnly      ToolPolicy = "builtin_only"
	ToolPolicyProviderOnly     ToolPolicy = "provider_only"
	ToolPolicyBuiltInAndProvider ToolPolicy = "builtin_and_provider"
)

// ToolConfig gates tool availability for a session.
type ToolConfig struct {
	Policy    ToolPolicy `json:"policy"`
	Allowlist []string   `json:"allowlist,omitempty"`
	Denylist  []string   `json:"denylist,omitempty"`
}

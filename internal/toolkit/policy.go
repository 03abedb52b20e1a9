package toolkit

import (
	"strings"

	"github.com/quorumrun/nexus/pkg/model"
)

// PolicyFilter narrows a tool list down to what a session's
// model.ToolConfig allows, grounded on
// internal/agent/tool_registry.go's filterToolsByPolicy +
// matchesToolPatterns/matchToolPattern glob matching (a trailing ".*"
// matches a prefix; "mcp:*" matches anything mcp:-namespaced).
type PolicyFilter struct {
	cfg model.ToolConfig
}

// NewPolicyFilter wraps a ToolConfig.
func NewPolicyFilter(cfg model.ToolConfig) PolicyFilter {
	return PolicyFilter{cfg: cfg}
}

// Allowed reports whether name passes the allowlist/denylist/policy
// configured for the session. Denylist always wins over allowlist.
func (f PolicyFilter) Allowed(name string, builtin bool) bool {
	if matchesAny(f.cfg.Denylist, name) {
		return false
	}
	switch f.cfg.Policy {
	case model.ToolPolicyBuiltInOnly:
		if !builtin {
			return false
		}
	case model.ToolPolicyProviderOnly:
		if builtin {
			return false
		}
	case model.ToolPolicyBuiltInAndProvider, "":
		// no restriction beyond allow/deny lists
	}
	if len(f.cfg.Allowlist) == 0 {
		return true
	}
	return matchesAny(f.cfg.Allowlist, name)
}

func matchesAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if matchPattern(p, name) {
			return true
		}
	}
	return false
}

func matchPattern(pattern, name string) bool {
	if pattern == "" || name == "" {
		return false
	}
	if pattern == "mcp:*" {
		return strings.HasPrefix(name, "mcp:")
	}
	if strings.HasSuffix(pattern, ".*") {
		return strings.HasPrefix(name, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == name
}

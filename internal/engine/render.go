package engine

import (
	"strings"

	"github.com/quorumrun/nexus/pkg/contract"
	"github.com/quorumrun/nexus/pkg/model"
)

// renderMessages flattens stored history into the provider-facing
// ChatMessage shape, stripping part bookkeeping (snapshot brackets,
// compaction-request markers) that has no textual rendering.
func renderMessages(history []*model.AgentMessage) []contract.ChatMessage {
	out := make([]contract.ChatMessage, 0, len(history))
	for _, m := range history {
		cm := contract.ChatMessage{Role: m.Role}
		var text strings.Builder
		for _, p := range m.Parts {
			switch v := p.(type) {
			case model.Text:
				text.WriteString(v.Content)
			case model.Reasoning:
				// thinking is not replayed back to the provider as content
			case model.ToolUse:
				cm.ToolCalls = append(cm.ToolCalls, v)
			case *model.ToolResult:
				cm.ToolResults = append(cm.ToolResults, v)
			case model.Compaction:
				text.WriteString(v.Summary)
			}
		}
		cm.Content = text.String()
		out = append(out, cm)
	}
	return out
}

// buildAssistantMessage assembles the parts of one provider reply into
// a storable message: reasoning first, then text, then any tool calls
// the model requested.
func buildAssistantMessage(sessionID string, resp contract.ChatResponse) *model.AgentMessage {
	parts := make([]model.Part, 0, 2+len(resp.ToolCalls))
	if resp.Thinking != "" {
		parts = append(parts, model.Reasoning{Content: resp.Thinking})
	}
	if resp.TextOut != "" {
		parts = append(parts, model.Text{Content: resp.TextOut})
	}
	for _, tc := range resp.ToolCalls {
		parts = append(parts, tc)
	}
	return model.NewAgentMessage(sessionID, model.RoleAssistant, parts...)
}

// textOf returns the concatenated Text parts of a message, the form a
// caller expecting "the final assistant text" wants.
func textOf(msg *model.AgentMessage) string {
	if msg == nil {
		return ""
	}
	var b strings.Builder
	for _, p := range msg.Parts {
		if t, ok := p.(model.Text); ok {
			b.WriteString(t.Content)
		}
	}
	return b.String()
}

// countUserTurns counts completed user turns in history, used to seed
// ConversationContext.Stats.Turns before LimitsMiddleware's OnTurnStart
// check runs.
func countUserTurns(history []*model.AgentMessage) int {
	n := 0
	for _, m := range history {
		if m.Role != model.RoleUser {
			continue
		}
		for _, p := range m.Parts {
			if _, ok := p.(model.Text); ok {
				n++
				break
			}
		}
	}
	return n
}

package compaction

import "github.com/quorumrun/nexus/pkg/model"

// EstimateStringTokens estimates the token count of a string via the
// char-count/4 heuristic (ceiling division).
func EstimateStringTokens(s string) int {
	if s == "" {
		return 0
	}
	return (len(s) + CharsPerToken - 1) / CharsPerToken
}

// EstimateMessageTokens estimates the token footprint of one message by
// summing its parts' rendered text.
func EstimateMessageTokens(msg *model.AgentMessage) int {
	if msg == nil {
		return 0
	}
	total := 0
	for _, part := range msg.Parts {
		total += EstimateStringTokens(renderPart(part))
	}
	return total
}

// renderPart flattens a part to the text an estimator or summarizer
// prompt should count/see. Parts with no natural text rendering
// (snapshot brackets, compaction requests) contribute nothing.
func renderPart(part model.Part) string {
	switch p := part.(type) {
	case model.Text:
		return p.Content
	case *model.Text:
		return p.Content
	case model.Reasoning:
		return p.Content
	case *model.Reasoning:
		return p.Content
	case model.ToolUse:
		return p.Name + " " + string(p.ArgumentsRaw)
	case *model.ToolUse:
		return p.Name + " " + string(p.ArgumentsRaw)
	case *model.ToolResult:
		return p.Content
	case model.ToolResult:
		return p.Content
	case model.Compaction:
		return p.Summary
	case *model.Compaction:
		return p.Summary
	default:
		return ""
	}
}

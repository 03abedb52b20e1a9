package compaction

import (
	"strings"
	"testing"

	"github.com/quorumrun/nexus/pkg/model"
)

func userMsg(text string) *model.AgentMessage {
	return &model.AgentMessage{ID: "u-" + text, Role: model.RoleUser, Parts: []model.Part{model.Text{Content: text}}}
}

func toolMsg(callID, toolName, content string) *model.AgentMessage {
	return &model.AgentMessage{
		ID:   "a-" + callID,
		Role: model.RoleAssistant,
		Parts: []model.Part{
			model.ToolUse{CallID: callID, Name: toolName},
			&model.ToolResult{CallID: callID, ToolName: toolName, Content: content},
		},
	}
}

func TestPlanPrune_SkipsMostRecentTwoUserTurns(t *testing.T) {
	big := strings.Repeat("x", 20000)
	history := []*model.AgentMessage{
		userMsg("turn1"),
		toolMsg("c1", "read_file", big),
		userMsg("turn2"),
		toolMsg("c2", "read_file", big),
		userMsg("turn3"),
		toolMsg("c3", "read_file", big),
	}

	cfg := PruneConfig{ProtectTokens: 0, MinimumTokens: 100, ProtectedTools: map[string]bool{}}
	got := PlanPrune(history, cfg)

	if len(got) != 1 || got[0] != "c1" {
		t.Fatalf("expected only c1 to be a prune candidate, got %v", got)
	}
}

func TestPlanPrune_BelowMinimumReturnsNil(t *testing.T) {
	small := "short output"
	history := []*model.AgentMessage{
		userMsg("turn1"),
		toolMsg("c1", "read_file", small),
		userMsg("turn2"),
		userMsg("turn3"),
	}

	cfg := PruneConfig{ProtectTokens: 0, MinimumTokens: 100000, ProtectedTools: map[string]bool{}}
	got := PlanPrune(history, cfg)
	if got != nil {
		t.Fatalf("expected nil below minimum, got %v", got)
	}
}

func TestPlanPrune_ProtectTokensShieldsNewestCandidate(t *testing.T) {
	big := strings.Repeat("x", 20000)
	history := []*model.AgentMessage{
		userMsg("turn1"),
		toolMsg("c1", "read_file", big),
		toolMsg("c2", "read_file", big),
		userMsg("turn2"),
		userMsg("turn3"),
	}

	// Walking backward, c2 is encountered before c1. A protect budget
	// large enough to absorb c2's tokens entirely should shield only c2.
	tokensPerResult := EstimateStringTokens(big)
	cfg := PruneConfig{ProtectTokens: tokensPerResult, MinimumTokens: 1, ProtectedTools: map[string]bool{}}
	got := PlanPrune(history, cfg)

	if len(got) != 1 || got[0] != "c1" {
		t.Fatalf("expected only c1 to survive the protect budget, got %v", got)
	}
}

func TestPlanPrune_ProtectedToolNeverCandidate(t *testing.T) {
	big := strings.Repeat("x", 20000)
	history := []*model.AgentMessage{
		userMsg("turn1"),
		toolMsg("c1", "skill", big),
		userMsg("turn2"),
		userMsg("turn3"),
	}

	cfg := PruneConfig{ProtectTokens: 0, MinimumTokens: 1, ProtectedTools: map[string]bool{"skill": true}}
	got := PlanPrune(history, cfg)
	if got != nil {
		t.Fatalf("expected protected tool result to never be a candidate, got %v", got)
	}
}

func TestPlanPrune_HaltsAtCompactionBoundary(t *testing.T) {
	big := strings.Repeat("x", 20000)
	history := []*model.AgentMessage{
		userMsg("ancient"),
		toolMsg("old", "read_file", big),
		{ID: "boundary", Role: model.RoleAssistant, Parts: []model.Part{model.Compaction{Summary: "prior summary"}}},
		userMsg("turn1"),
		toolMsg("c1", "read_file", big),
		userMsg("turn2"),
		userMsg("turn3"),
	}

	cfg := PruneConfig{ProtectTokens: 0, MinimumTokens: 1, ProtectedTools: map[string]bool{}}
	got := PlanPrune(history, cfg)

	for _, id := range got {
		if id == "old" {
			t.Fatalf("pruning walked past the compaction boundary: %v", got)
		}
	}
}

func TestPlanPrune_AlreadyCompactedSkipped(t *testing.T) {
	now := model.Compaction{}
	_ = now
	big := strings.Repeat("x", 20000)
	history := []*model.AgentMessage{
		userMsg("turn1"),
		toolMsg("c1", "read_file", big),
		userMsg("turn2"),
		userMsg("turn3"),
	}
	tr := history[1].Parts[1].(*model.ToolResult)
	ts := history[1].CreatedAt
	tr.CompactedAt = &ts

	cfg := PruneConfig{ProtectTokens: 0, MinimumTokens: 1, ProtectedTools: map[string]bool{}}
	got := PlanPrune(history, cfg)
	if got != nil {
		t.Fatalf("expected already-compacted result excluded, got %v", got)
	}
}

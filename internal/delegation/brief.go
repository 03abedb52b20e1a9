package delegation

import (
	"context"
	"fmt"

	"github.com/quorumrun/nexus/internal/compaction"
	"github.com/quorumrun/nexus/pkg/contract"
	"github.com/quorumrun/nexus/pkg/model"
)

// BriefConfig parameterizes the three-branch implementation-brief rule
// from spec.md §4.7 step 2.
type BriefConfig struct {
	// MinHistoryTokens is the threshold below which raw formatted
	// history is injected instead of invoking a summarizer.
	MinHistoryTokens int
	Summarizer       compaction.SummarizeConfig
}

// BuildBrief synthesizes the child session's first user message from
// the parent's history, per §4.7 step 2:
//  1. If the most recent message already carries a Compaction part,
//     its summary is the brief.
//  2. Else if parent history is below MinHistoryTokens, the raw
//     formatted history is the brief.
//  3. Else invoke the summarizer LLM with a brief-writing prompt.
func BuildBrief(ctx context.Context, store contract.SessionStore, parentSessionID string, cfg BriefConfig) (string, error) {
	history, err := store.GetEffectiveHistory(ctx, parentSessionID)
	if err != nil {
		return "", fmt.Errorf("delegation: loading parent history: %w", err)
	}
	if len(history) == 0 {
		return "", nil
	}

	if summary, ok := lastCompactionSummary(history); ok {
		return summary, nil
	}

	total := 0
	for _, m := range history {
		total += compaction.EstimateMessageTokens(m)
	}
	if total < cfg.MinHistoryTokens {
		return compaction.RenderHistory(history), nil
	}

	result, err := compaction.Summarize(ctx, history, cfg.Summarizer)
	if err != nil {
		return "", fmt.Errorf("delegation: summarizing brief: %w", err)
	}
	return result.Summary, nil
}

func lastCompactionSummary(history []*model.AgentMessage) (string, bool) {
	last := history[len(history)-1]
	for _, part := range last.Parts {
		switch p := part.(type) {
		case model.Compaction:
			return p.Summary, true
		case *model.Compaction:
			return p.Summary, true
		}
	}
	return "", false
}

package compaction

import (
	"github.com/quorumrun/nexus/pkg/model"
)

// PruneConfig parameterizes Layer 2.
type PruneConfig struct {
	// ProtectTokens is how many of the newest (by walk order) tool
	// result tokens are kept untouched regardless of age.
	ProtectTokens int
	// MinimumTokens is the floor below which pruning doesn't bother —
	// pruning a handful of tokens isn't worth the soft-delete bookkeeping.
	MinimumTokens int
	// ProtectedTools never get pruned, no matter how old.
	ProtectedTools map[string]bool
}

// DefaultPruneConfig returns reasonable defaults.
func DefaultPruneConfig() PruneConfig {
	return PruneConfig{ProtectTokens: 4000, MinimumTokens: 2000, ProtectedTools: map[string]bool{"skill": true}}
}

// PlanPrune walks history backwards and decides which ToolResult call
// ids are prune candidates, per spec.md §4.6 Layer 2:
//  1. Skip the most recent two user turns.
//  2. Halt at the first Compaction or CompactionRequest marker.
//  3. Skip already-compacted results and protected tool names.
//  4. Accumulate the newest results into a protected window of
//     ProtectTokens; everything older is a candidate.
//  5. Only return candidates if their total is >= MinimumTokens.
//
// It does not mutate history; callers apply the result via
// MarkToolResultCompacted.
func PlanPrune(history []*model.AgentMessage, cfg PruneConfig) []string {
	if len(history) == 0 {
		return nil
	}

	userTurnsSeen := 0
	protectedBudget := cfg.ProtectTokens
	var candidates []string
	candidateTokens := 0

	for i := len(history) - 1; i >= 0; i-- {
		msg := history[i]

		if halted := haltsWalk(msg); halted {
			break
		}

		if msg.Role == model.RoleUser && userTurnsSeen < 2 {
			userTurnsSeen++
			continue
		}
		if userTurnsSeen < 2 {
			// Still inside the protected recency window (no user
			// message seen yet means we haven't left the tail turns).
			continue
		}

		for _, part := range msg.Parts {
			tr, ok := part.(*model.ToolResult)
			if !ok {
				continue
			}
			if tr.Compacted() {
				continue
			}
			if cfg.ProtectedTools[tr.ToolName] {
				continue
			}

			tokens := EstimateStringTokens(tr.Content)
			if protectedBudget > 0 {
				take := tokens
				if take > protectedBudget {
					take = protectedBudget
				}
				protectedBudget -= take
				tokens -= take
				if tokens <= 0 {
					continue
				}
			}
			candidates = append(candidates, tr.CallID)
			candidateTokens += tokens
		}
	}

	if candidateTokens < cfg.MinimumTokens {
		return nil
	}
	return candidates
}

func haltsWalk(msg *model.AgentMessage) bool {
	for _, part := range msg.Parts {
		switch part.(type) {
		case model.Compaction, *model.Compaction, model.CompactionRequest, *model.CompactionRequest:
			return true
		}
	}
	return false
}

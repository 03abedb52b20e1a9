package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/quorumrun/nexus/internal/compaction"
	"github.com/quorumrun/nexus/pkg/model"
)

// runCompaction executes Layer 2 then Layer 3 over a session's effective
// history: prune candidates are soft-deleted first (never bytes, only
// compacted_at), then the remaining history is summarized into a new
// Compaction part. Per S6, this runs synchronously as part of the turn
// that tripped ContextMiddleware's threshold; the *next* Prompt call is
// the one that actually sees the shrunk effective history.
func (e *Engine) runCompaction(ctx context.Context, sessionID string) error {
	history, err := e.store.GetEffectiveHistory(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("engine: loading history for compaction: %w", err)
	}

	if ids := compaction.PlanPrune(history, e.cfg.Prune); len(ids) > 0 {
		now := time.Now()
		for _, id := range ids {
			if err := e.store.MarkToolResultCompacted(ctx, sessionID, id, now); err != nil {
				e.log.Error("marking tool result compacted failed", "session_id", sessionID, "call_id", id, "error", err)
			}
		}
		history, err = e.store.GetEffectiveHistory(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("engine: reloading history after pruning: %w", err)
		}
	}

	result, err := compaction.Summarize(ctx, history, e.cfg.Summarizer)
	if err != nil {
		return fmt.Errorf("engine: summarizing: %w", err)
	}

	msg := model.NewAgentMessage(sessionID, model.RoleAssistant, result)
	if err := e.store.AppendMessage(ctx, msg); err != nil {
		return fmt.Errorf("engine: storing compaction: %w", err)
	}
	return nil
}

package middleware

import (
	"context"

	"github.com/quorumrun/nexus/pkg/model"
)

// PlanModeReminder is the text injected when plan mode is enabled.
const PlanModeReminder = "Plan mode is active: describe your intended changes and ask for confirmation before editing files or running commands that mutate state."

// PlanModeMiddleware injects a reminder message when plan mode is
// enabled for the session. Like DelegationMiddleware's available-agents
// note, the reminder text is exposed for the engine to splice into the
// provider request rather than mutated into ConversationContext.Messages
// directly, since only the engine knows how to render a synthetic system
// note for the active provider.
type PlanModeMiddleware struct {
	enabled bool

	// Reminder is populated by OnTurnStart when plan mode is active.
	Reminder string
}

// NewPlanModeMiddleware returns a Factory producing a PlanModeMiddleware
// bound to whether plan mode is enabled for this turn.
func NewPlanModeMiddleware(enabled bool) Factory {
	return func() Middleware { return &PlanModeMiddleware{enabled: enabled} }
}

func (m *PlanModeMiddleware) OnTurnStart(ctx context.Context, state model.TurnState) (model.TurnState, error) {
	if m.enabled {
		m.Reminder = PlanModeReminder
	}
	return state, nil
}

func (m *PlanModeMiddleware) NextState(ctx context.Context, state model.TurnState) (model.TurnState, error) {
	return state, nil
}

func (m *PlanModeMiddleware) OnAfterLLM(ctx context.Context, state model.TurnState) (model.TurnState, error) {
	return state, nil
}

package middleware

import (
	"context"

	"github.com/quorumrun/nexus/pkg/model"
)

// LimitsConfig bounds a single turn's resource consumption.
type LimitsConfig struct {
	MaxSteps   int
	MaxTurns   int
	MaxCostUSD float64

	// Estimate, when MaxCostUSD is set, is called once per step to price
	// the running ConversationContext by its provider/model; being
	// caller-supplied, it keeps LimitsMiddleware free of a direct
	// catalog dependency.
	Estimate func(ctx model.ConversationContext) float64
}

// LimitsMiddleware enforces max steps, max turns, and max USD cost.
// It is stateless across the turn beyond the config it was built with;
// its Factory builds a new instance over the same config for each turn.
type LimitsMiddleware struct {
	cfg LimitsConfig
}

// NewLimitsMiddleware returns a Factory producing LimitsMiddleware
// instances bound to cfg.
func NewLimitsMiddleware(cfg LimitsConfig) Factory {
	return func() Middleware { return &LimitsMiddleware{cfg: cfg} }
}

func (m *LimitsMiddleware) OnTurnStart(ctx context.Context, state model.TurnState) (model.TurnState, error) {
	if m.cfg.MaxTurns > 0 && state.Context.Stats.Turns >= m.cfg.MaxTurns {
		return state.Stopped(model.StopMaxTurnRequests, "max turns reached"), nil
	}
	return state, nil
}

func (m *LimitsMiddleware) NextState(ctx context.Context, state model.TurnState) (model.TurnState, error) {
	if m.cfg.MaxSteps > 0 && state.Context.Stats.Steps >= m.cfg.MaxSteps {
		return state.Stopped(model.StopMaxTurnRequests, "max steps reached"), nil
	}
	if m.cfg.MaxCostUSD > 0 {
		cost := state.Context.Stats.EstimatedCostUSD
		if m.cfg.Estimate != nil {
			cost += m.cfg.Estimate(state.Context)
		}
		if cost >= m.cfg.MaxCostUSD {
			return state.Stopped(model.StopMaxTokens, "max cost reached"), nil
		}
	}
	return state, nil
}

func (m *LimitsMiddleware) OnAfterLLM(ctx context.Context, state model.TurnState) (model.TurnState, error) {
	return state, nil
}

// Package middleware implements the ordered interceptor chain that
// transforms engine state at defined turn phases (component E).
//
// A Middleware intercepts the turn state machine at three hooks —
// OnTurnStart, NextState, OnAfterLLM — and may transform the state it is
// given or short-circuit the turn by returning a Stopped state. Yielding
// a terminal state from any hook ends the turn immediately; middleware
// later in the chain does not run for that hook.
//
// Middleware instances are stateful across a single turn (a
// ContextMiddleware remembers whether it already warned this session,
// a DelegationMiddleware tracks whether it already injected the
// available-agents block this turn), so the chain is rebuilt fresh for
// every turn from a list of Factory functions rather than reused across
// turns.
package middleware

import (
	"context"

	"github.com/quorumrun/nexus/pkg/model"
)

// Middleware is one interceptor in the chain.
type Middleware interface {
	// OnTurnStart runs once per turn, after the session's history and the
	// new user message are loaded into the ConversationContext and before
	// the first NextState.
	OnTurnStart(ctx context.Context, state model.TurnState) (model.TurnState, error)

	// NextState runs before every LLM call (so once per step, not once
	// per turn): this is where step/cost/context-window limits bite.
	NextState(ctx context.Context, state model.TurnState) (model.TurnState, error)

	// OnAfterLLM runs after the provider responds, before tool
	// dispatch.
	OnAfterLLM(ctx context.Context, state model.TurnState) (model.TurnState, error)
}

// Factory builds a fresh Middleware instance for one turn.
type Factory func() Middleware

// Chain is an ordered list of middleware factories.
type Chain struct {
	factories []Factory
}

// NewChain builds a Chain from factories, applied in the given order.
func NewChain(factories ...Factory) *Chain {
	return &Chain{factories: factories}
}

// NewTurn instantiates one Middleware per factory for a single turn.
func (c *Chain) NewTurn() []Middleware {
	mws := make([]Middleware, len(c.factories))
	for i, f := range c.factories {
		mws[i] = f()
	}
	return mws
}

// RunOnTurnStart runs OnTurnStart across the chain, stopping early if any
// middleware yields a terminal state.
func RunOnTurnStart(ctx context.Context, mws []Middleware, state model.TurnState) (model.TurnState, error) {
	return run(ctx, mws, state, Middleware.OnTurnStart)
}

// RunNextState runs NextState across the chain, stopping early on a
// terminal state.
func RunNextState(ctx context.Context, mws []Middleware, state model.TurnState) (model.TurnState, error) {
	return run(ctx, mws, state, Middleware.NextState)
}

// RunOnAfterLLM runs OnAfterLLM across the chain, stopping early on a
// terminal state.
func RunOnAfterLLM(ctx context.Context, mws []Middleware, state model.TurnState) (model.TurnState, error) {
	return run(ctx, mws, state, Middleware.OnAfterLLM)
}

type hookFunc func(Middleware, context.Context, model.TurnState) (model.TurnState, error)

func run(ctx context.Context, mws []Middleware, state model.TurnState, hook hookFunc) (model.TurnState, error) {
	for _, mw := range mws {
		next, err := hook(mw, ctx, state)
		if err != nil {
			return state, err
		}
		state = next
		if state.IsTerminal() {
			return state, nil
		}
	}
	return state, nil
}

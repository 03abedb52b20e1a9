package middleware

import (
	"context"
	"testing"

	"github.com/quorumrun/nexus/pkg/model"
)

type recordingMiddleware struct {
	name string
	log  *[]string
}

func (r *recordingMiddleware) OnTurnStart(ctx context.Context, state model.TurnState) (model.TurnState, error) {
	*r.log = append(*r.log, r.name+".turn_start")
	return state, nil
}
func (r *recordingMiddleware) NextState(ctx context.Context, state model.TurnState) (model.TurnState, error) {
	*r.log = append(*r.log, r.name+".next_state")
	return state, nil
}
func (r *recordingMiddleware) OnAfterLLM(ctx context.Context, state model.TurnState) (model.TurnState, error) {
	*r.log = append(*r.log, r.name+".after_llm")
	return state, nil
}

func TestChain_RunsInOrder(t *testing.T) {
	var log []string
	c := NewChain(
		func() Middleware { return &recordingMiddleware{name: "a", log: &log} },
		func() Middleware { return &recordingMiddleware{name: "b", log: &log} },
	)
	mws := c.NewTurn()

	state := model.BeforeTurn(model.ConversationContext{SessionID: "s1"})
	state, err := RunOnTurnStart(context.Background(), mws, state)
	if err != nil {
		t.Fatalf("RunOnTurnStart: %v", err)
	}
	if len(log) != 2 || log[0] != "a.turn_start" || log[1] != "b.turn_start" {
		t.Fatalf("unexpected order: %v", log)
	}
	if state.IsTerminal() {
		t.Fatal("expected non-terminal state")
	}
}

type stoppingMiddleware struct{ calls *int }

func (s *stoppingMiddleware) OnTurnStart(ctx context.Context, state model.TurnState) (model.TurnState, error) {
	return state, nil
}
func (s *stoppingMiddleware) NextState(ctx context.Context, state model.TurnState) (model.TurnState, error) {
	*s.calls++
	return state.Stopped(model.StopMaxTurnRequests, "stop here"), nil
}
func (s *stoppingMiddleware) OnAfterLLM(ctx context.Context, state model.TurnState) (model.TurnState, error) {
	return state, nil
}

func TestChain_StopsEarlyOnTerminalState(t *testing.T) {
	var calls int
	c := NewChain(
		func() Middleware { return &stoppingMiddleware{calls: &calls} },
		func() Middleware { return &stoppingMiddleware{calls: &calls} },
	)
	mws := c.NewTurn()
	state := model.BeforeTurn(model.ConversationContext{})

	state, err := RunNextState(context.Background(), mws, state)
	if err != nil {
		t.Fatalf("RunNextState: %v", err)
	}
	if !state.IsTerminal() || state.StopReason != model.StopMaxTurnRequests {
		t.Fatalf("expected terminal MaxTurnRequests state, got %+v", state)
	}
	if calls != 1 {
		t.Fatalf("expected chain to stop after first middleware, but NextState was called %d times", calls)
	}
}

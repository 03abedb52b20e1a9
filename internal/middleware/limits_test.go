package middleware

import (
	"context"
	"testing"

	"github.com/quorumrun/nexus/pkg/model"
)

func TestLimitsMiddleware_MaxStepsStops(t *testing.T) {
	mw := NewLimitsMiddleware(LimitsConfig{MaxSteps: 3})()
	state := model.BeforeTurn(model.ConversationContext{Stats: model.Stats{Steps: 3}})

	state, err := mw.NextState(context.Background(), state)
	if err != nil {
		t.Fatalf("NextState: %v", err)
	}
	if state.StopReason != model.StopMaxTurnRequests {
		t.Fatalf("expected MaxTurnRequests, got %+v", state)
	}
}

func TestLimitsMiddleware_MaxTurnsStopsOnTurnStart(t *testing.T) {
	mw := NewLimitsMiddleware(LimitsConfig{MaxTurns: 5})()
	state := model.BeforeTurn(model.ConversationContext{Stats: model.Stats{Turns: 5}})

	state, err := mw.OnTurnStart(context.Background(), state)
	if err != nil {
		t.Fatalf("OnTurnStart: %v", err)
	}
	if !state.IsTerminal() {
		t.Fatal("expected turn limit to stop the turn")
	}
}

func TestLimitsMiddleware_MaxCostStops(t *testing.T) {
	mw := NewLimitsMiddleware(LimitsConfig{MaxCostUSD: 1.0})()
	state := model.BeforeTurn(model.ConversationContext{Stats: model.Stats{EstimatedCostUSD: 1.5}})

	state, err := mw.NextState(context.Background(), state)
	if err != nil {
		t.Fatalf("NextState: %v", err)
	}
	if state.StopReason != model.StopMaxTokens {
		t.Fatalf("expected MaxTokens stop reason for cost cap, got %+v", state)
	}
}

func TestLimitsMiddleware_UnderLimitsContinues(t *testing.T) {
	mw := NewLimitsMiddleware(LimitsConfig{MaxSteps: 10, MaxTurns: 10, MaxCostUSD: 5.0})()
	state := model.BeforeTurn(model.ConversationContext{Stats: model.Stats{Steps: 1, Turns: 1, EstimatedCostUSD: 0.1}})

	state, err := mw.NextState(context.Background(), state)
	if err != nil {
		t.Fatalf("NextState: %v", err)
	}
	if state.IsTerminal() {
		t.Fatalf("expected turn to continue, got terminal state %+v", state)
	}
}

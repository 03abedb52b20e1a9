package middleware

import (
	"context"
	"testing"

	"github.com/quorumrun/nexus/pkg/model"
)

func TestPlanModeMiddleware_InjectsReminderWhenEnabled(t *testing.T) {
	mw := NewPlanModeMiddleware(true)().(*PlanModeMiddleware)
	if _, err := mw.OnTurnStart(context.Background(), model.BeforeTurn(model.ConversationContext{})); err != nil {
		t.Fatalf("OnTurnStart: %v", err)
	}
	if mw.Reminder == "" {
		t.Fatal("expected reminder text when plan mode enabled")
	}
}

func TestPlanModeMiddleware_NoReminderWhenDisabled(t *testing.T) {
	mw := NewPlanModeMiddleware(false)().(*PlanModeMiddleware)
	if _, err := mw.OnTurnStart(context.Background(), model.BeforeTurn(model.ConversationContext{})); err != nil {
		t.Fatalf("OnTurnStart: %v", err)
	}
	if mw.Reminder != "" {
		t.Fatal("expected no reminder when plan mode disabled")
	}
}

package middleware

import (
	"context"
	"testing"

	"github.com/quorumrun/nexus/pkg/model"
)

func TestContextMiddleware_WarnsOncePerSession(t *testing.T) {
	var warnings int
	factory := NewContextMiddleware(ContextConfig{
		DefaultContextWindow: 1000,
		WarnAtPercent:        0.5,
		CompactAtPercent:     0.9,
		OnWarn:               func(sessionID string, used, window int) { warnings++ },
	})

	cc := model.ConversationContext{SessionID: "s1", Stats: model.Stats{ContextTokens: 600}}

	// Turn 1.
	mw := factory()
	state, err := mw.NextState(context.Background(), model.BeforeTurn(cc))
	if err != nil {
		t.Fatalf("NextState: %v", err)
	}
	if state.IsTerminal() {
		t.Fatal("warn threshold should not stop the turn")
	}

	// Turn 2, fresh middleware instance, same session.
	mw2 := factory()
	if _, err := mw2.NextState(context.Background(), model.BeforeTurn(cc)); err != nil {
		t.Fatalf("NextState: %v", err)
	}

	if warnings != 1 {
		t.Fatalf("expected exactly one warning across turns, got %d", warnings)
	}
}

func TestContextMiddleware_RequestsCompactionPastThreshold(t *testing.T) {
	factory := NewContextMiddleware(ContextConfig{DefaultContextWindow: 1000, CompactAtPercent: 0.9})
	mw := factory()

	cc := model.ConversationContext{SessionID: "s1", Stats: model.Stats{ContextTokens: 950}}
	state, err := mw.NextState(context.Background(), model.BeforeTurn(cc))
	if err != nil {
		t.Fatalf("NextState: %v", err)
	}
	if state.StopReason != model.StopMaxTokens {
		t.Fatalf("expected MaxTokens stop reason, got %+v", state)
	}
}

type stubCatalog struct{ info model.ModelInfo }

func (c stubCatalog) Lookup(provider, modelID string) (model.ModelInfo, bool) {
	return c.info, true
}

func TestContextMiddleware_UsesCatalogContextWindow(t *testing.T) {
	factory := NewContextMiddleware(ContextConfig{
		Catalog:          stubCatalog{info: model.ModelInfo{ContextWindow: 200}},
		CompactAtPercent: 0.5,
	})
	mw := factory()

	cc := model.ConversationContext{Provider: "anthropic", Model: "claude", Stats: model.Stats{ContextTokens: 150}}
	state, err := mw.NextState(context.Background(), model.BeforeTurn(cc))
	if err != nil {
		t.Fatalf("NextState: %v", err)
	}
	if !state.IsTerminal() {
		t.Fatal("expected catalog-sourced context window to trigger compaction")
	}
}

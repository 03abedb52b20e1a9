package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/quorumrun/nexus/internal/journal"
	"github.com/quorumrun/nexus/internal/middleware"
	"github.com/quorumrun/nexus/internal/sessionstore"
	"github.com/quorumrun/nexus/internal/toolkit"
	"github.com/quorumrun/nexus/pkg/contract"
	"github.com/quorumrun/nexus/pkg/model"
)

// scriptedProvider replies with a fixed sequence of responses, one per
// ChatWithTools call, so a test can script a multi-step turn.
type scriptedProvider struct {
	name      string
	responses []contract.ChatResponse
	calls     int
}

func (p *scriptedProvider) Name() string           { return p.name }
func (p *scriptedProvider) SupportsStreaming() bool { return false }
func (p *scriptedProvider) ChatStreamWithTools(ctx context.Context, messages []contract.ChatMessage, tools []model.ToolDefinition) (<-chan contract.StreamChunk, error) {
	return nil, errors.New("not implemented")
}
func (p *scriptedProvider) ChatWithTools(ctx context.Context, messages []contract.ChatMessage, tools []model.ToolDefinition) (contract.ChatResponse, error) {
	if p.calls >= len(p.responses) {
		return contract.ChatResponse{}, errors.New("scriptedProvider: out of responses")
	}
	resp := p.responses[p.calls]
	p.calls++
	return resp, nil
}

type staticResolver struct {
	providers map[string]contract.ChatProvider
}

func (r *staticResolver) Resolve(name string) (contract.ChatProvider, bool) {
	p, ok := r.providers[name]
	return p, ok
}

type echoTool struct{ called int }

func (t *echoTool) Name() string { return "echo" }
func (t *echoTool) Definition() model.ToolDefinition {
	return model.ToolDefinition{Name: "echo", Description: "echoes its input", Parameters: json.RawMessage(`{"type":"object"}`)}
}
func (t *echoTool) RequiredCapabilities() []model.Capability { return nil }
func (t *echoTool) IsReadOnly() bool                         { return true }
func (t *echoTool) Call(ctx contract.ToolContext, argsJSON json.RawMessage) (string, error) {
	t.called++
	return "echoed", nil
}

// testRig bundles a freshly wired Engine with the collaborators a test
// needs direct access to.
type testRig struct {
	engine   *Engine
	store    *sessionstore.MemoryStore
	provider *scriptedProvider
	sess     *model.Session
}

func newTestRig(t *testing.T, responses []contract.ChatResponse) *testRig {
	t.Helper()
	store := sessionstore.NewMemoryStore()
	ctx := context.Background()

	cfg, err := store.GetOrCreateLLMConfig(ctx, model.LLMConfig{Provider: "stub", Model: "m1"})
	if err != nil {
		t.Fatalf("GetOrCreateLLMConfig: %v", err)
	}
	sess := model.NewSession(t.TempDir(), cfg.ID)
	if err := store.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	provider := &scriptedProvider{name: "stub", responses: responses}
	resolver := &staticResolver{providers: map[string]contract.ChatProvider{"stub": provider}}

	registry := toolkit.NewRegistry()
	registry.Register(&echoTool{})
	executor := toolkit.NewExecutor(registry, toolkit.DefaultExecutorConfig(), nil)

	chain := middleware.NewChain(
		middleware.NewLimitsMiddleware(middleware.LimitsConfig{MaxSteps: 10}),
	)

	fanout := journal.NewFanout(16)
	sink := journal.NewSink(journal.NewMemoryJournal(), fanout, nil)

	eng := New(store, resolver, registry, executor, chain, nil, sink, fanout, DefaultConfig(), nil)
	eng.CacheLLMConfig(cfg)

	return &testRig{engine: eng, store: store, provider: provider, sess: sess}
}

func TestPrompt_SimpleCompletionEndsTurn(t *testing.T) {
	rig := newTestRig(t, []contract.ChatResponse{
		{TextOut: "hello there", StopReason: "end_turn"},
	})

	msg, err := rig.engine.Prompt(context.Background(), rig.sess.ID, "hi")
	if err != nil {
		t.Fatalf("Prompt: %v", err)
	}
	if textOf(msg) != "hello there" {
		t.Fatalf("unexpected reply: %q", textOf(msg))
	}
	if rig.provider.calls != 1 {
		t.Fatalf("expected exactly one provider call, got %d", rig.provider.calls)
	}

	history, err := rig.store.GetHistory(context.Background(), rig.sess.ID, 0)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected user+assistant messages stored, got %d", len(history))
	}
}

func TestPrompt_SingleToolCallCycleLoopsBackToProvider(t *testing.T) {
	toolCall := model.ToolUse{CallID: "call-1", Name: "echo", ArgumentsRaw: json.RawMessage(`{}`)}
	rig := newTestRig(t, []contract.ChatResponse{
		{ToolCalls: []model.ToolUse{toolCall}, StopReason: "tool_use"},
		{TextOut: "done", StopReason: "end_turn"},
	})

	msg, err := rig.engine.Prompt(context.Background(), rig.sess.ID, "do the thing")
	if err != nil {
		t.Fatalf("Prompt: %v", err)
	}
	if textOf(msg) != "done" {
		t.Fatalf("unexpected final reply: %q", textOf(msg))
	}
	if rig.provider.calls != 2 {
		t.Fatalf("expected two provider calls (pre- and post-tool), got %d", rig.provider.calls)
	}

	history, err := rig.store.GetHistory(context.Background(), rig.sess.ID, 0)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	// user, assistant(tool_use), assistant(tool_result), assistant(final text)
	if len(history) != 4 {
		t.Fatalf("expected 4 stored messages, got %d", len(history))
	}
	results := history[2].ToolResults()
	if len(results) != 1 || results[0].CallID != "call-1" || results[0].Content != "echoed" {
		t.Fatalf("unexpected tool result message: %+v", history[2])
	}
}

func TestPrompt_UnknownToolReturnsErrorResultWithoutFailingTurn(t *testing.T) {
	badCall := model.ToolUse{CallID: "call-1", Name: "does-not-exist", ArgumentsRaw: json.RawMessage(`{}`)}
	rig := newTestRig(t, []contract.ChatResponse{
		{ToolCalls: []model.ToolUse{badCall}, StopReason: "tool_use"},
		{TextOut: "recovered", StopReason: "end_turn"},
	})

	msg, err := rig.engine.Prompt(context.Background(), rig.sess.ID, "call a bad tool")
	if err != nil {
		t.Fatalf("Prompt: %v", err)
	}
	if textOf(msg) != "recovered" {
		t.Fatalf("unexpected reply: %q", textOf(msg))
	}

	history, _ := rig.store.GetHistory(context.Background(), rig.sess.ID, 0)
	results := history[2].ToolResults()
	if len(results) != 1 || !results[0].IsError {
		t.Fatalf("expected an error tool result, got %+v", results)
	}
}

func TestPrompt_ProviderErrorEscapesTheTurn(t *testing.T) {
	rig := newTestRig(t, nil) // no scripted responses: the first call errors

	_, err := rig.engine.Prompt(context.Background(), rig.sess.ID, "hi")
	if err == nil {
		t.Fatal("expected the provider error to escape Prompt")
	}
}

func TestPrompt_CancellationStopsTheTurn(t *testing.T) {
	store := sessionstore.NewMemoryStore()
	ctx := context.Background()
	cfg, err := store.GetOrCreateLLMConfig(ctx, model.LLMConfig{Provider: "stub", Model: "m1"})
	if err != nil {
		t.Fatalf("GetOrCreateLLMConfig: %v", err)
	}
	sess := model.NewSession(t.TempDir(), cfg.ID)
	if err := store.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	blocking := &blockingProvider{name: "stub"}
	resolver := &staticResolver{providers: map[string]contract.ChatProvider{"stub": blocking}}
	registry := toolkit.NewRegistry()
	executor := toolkit.NewExecutor(registry, toolkit.DefaultExecutorConfig(), nil)
	chain := middleware.NewChain()
	fanout := journal.NewFanout(16)
	sink := journal.NewSink(journal.NewMemoryJournal(), fanout, nil)

	eng := New(store, resolver, registry, executor, chain, nil, sink, fanout, DefaultConfig(), nil)
	eng.CacheLLMConfig(cfg)

	done := make(chan error, 1)
	go func() {
		_, err := eng.Prompt(context.Background(), sess.ID, "hi")
		done <- err
	}()

	deadline := time.Now().Add(time.Second)
	for !blocking.started() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !eng.Cancel(sess.ID) {
		t.Fatal("expected an active turn to cancel")
	}

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Prompt did not return after cancellation")
	}
}

// blockingProvider blocks ChatWithTools until its context is cancelled,
// simulating a slow provider call a cancellation must interrupt.
type blockingProvider struct {
	name     string
	startedC chan struct{}
}

func (p *blockingProvider) started() bool {
	return p.startedC != nil && func() bool {
		select {
		case <-p.startedC:
			return true
		default:
			return false
		}
	}()
}

func (p *blockingProvider) Name() string           { return p.name }
func (p *blockingProvider) SupportsStreaming() bool { return false }
func (p *blockingProvider) ChatStreamWithTools(ctx context.Context, messages []contract.ChatMessage, tools []model.ToolDefinition) (<-chan contract.StreamChunk, error) {
	return nil, errors.New("not implemented")
}
func (p *blockingProvider) ChatWithTools(ctx context.Context, messages []contract.ChatMessage, tools []model.ToolDefinition) (contract.ChatResponse, error) {
	if p.startedC == nil {
		p.startedC = make(chan struct{})
	}
	close(p.startedC)
	<-ctx.Done()
	return contract.ChatResponse{}, ctx.Err()
}

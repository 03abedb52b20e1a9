package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/quorumrun/nexus/internal/delegation"
	"github.com/quorumrun/nexus/internal/journal"
	"github.com/quorumrun/nexus/internal/middleware"
	"github.com/quorumrun/nexus/internal/sessionstore"
	"github.com/quorumrun/nexus/internal/toolkit"
	"github.com/quorumrun/nexus/pkg/contract"
	"github.com/quorumrun/nexus/pkg/model"
)

// delegationRig wires an Engine and a delegation.Manager against a
// shared store, sink, and fanout, the way a real deployment wires them
// through internal/agenthandle.
type delegationRig struct {
	engine *Engine
	store  *sessionstore.MemoryStore
	sess   *model.Session
}

func newDelegationRig(t *testing.T, policy WaitPolicy, inactivityTimeout time.Duration, runner delegation.SessionRunner, parentResponses []contract.ChatResponse) *delegationRig {
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

	provider := &scriptedProvider{name: "stub", responses: parentResponses}
	resolver := &staticResolver{providers: map[string]contract.ChatProvider{"stub": provider}}

	registry := toolkit.NewRegistry()
	executor := toolkit.NewExecutor(registry, toolkit.DefaultExecutorConfig(), nil)
	chain := middleware.NewChain()

	fanout := journal.NewFanout(16)
	sink := journal.NewSink(journal.NewMemoryJournal(), fanout, nil)

	mgr := delegation.NewManager(store, runner, sink, delegation.DefaultConfig(), nil)

	engCfg := DefaultConfig()
	engCfg.DelegationWaitPolicy = policy
	engCfg.DelegationInactivityTimeout = inactivityTimeout

	eng := New(store, resolver, registry, executor, chain, mgr, sink, fanout, engCfg, nil)
	eng.CacheLLMConfig(cfg)

	return &delegationRig{engine: eng, store: store, sess: sess}
}

func delegateCall(id, target, objective string) model.ToolUse {
	args, _ := json.Marshal(map[string]string{"target_agent_id": target, "objective": objective})
	return model.ToolUse{CallID: id, Name: DelegateToolName, ArgumentsRaw: args}
}

// neverRunner never returns, simulating a child session that makes no
// progress for S4's timeout scenario.
type neverRunner struct{}

func (neverRunner) RunTurn(ctx context.Context, sessionID, userText string) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

// instantRunner completes immediately with a fixed result, for S3.
type instantRunner struct{ result string }

func (r instantRunner) RunTurn(ctx context.Context, sessionID, userText string) (string, error) {
	return r.result, nil
}

func TestPrompt_DelegationAnyPolicyResumesOnFirstCompletion(t *testing.T) {
	rig := newDelegationRig(t, WaitAny, time.Minute, instantRunner{result: "done"}, []contract.ChatResponse{
		{ToolCalls: []model.ToolUse{delegateCall("call-1", "reviewer", "check the diff")}, StopReason: "tool_use"},
		{TextOut: "delegation finished", StopReason: "end_turn"},
	})

	msg, err := rig.engine.Prompt(context.Background(), rig.sess.ID, "please delegate")
	if err != nil {
		t.Fatalf("Prompt: %v", err)
	}
	if textOf(msg) != "delegation finished" {
		t.Fatalf("unexpected final reply: %q", textOf(msg))
	}

	history, err := rig.store.GetHistory(context.Background(), rig.sess.ID, 0)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	found := false
	for _, m := range history {
		for _, r := range m.ToolResults() {
			if r.CallID == "call-1" && r.Content == "done" && !r.IsError {
				found = true
			}
		}
	}
	if !found {
		t.Fatalf("expected a delegate tool result containing %q in history, got %+v", "done", history)
	}
}

func TestPrompt_DelegationAllPolicyTimesOutAndResumes(t *testing.T) {
	rig := newDelegationRig(t, WaitAll, 150*time.Millisecond, neverRunner{}, []contract.ChatResponse{
		{ToolCalls: []model.ToolUse{
			delegateCall("call-1", "reviewer", "check the diff"),
			delegateCall("call-2", "tester", "run the suite"),
		}, StopReason: "tool_use"},
		{TextOut: "both timed out", StopReason: "end_turn"},
	})

	msg, err := rig.engine.Prompt(context.Background(), rig.sess.ID, "please delegate both")
	if err != nil {
		t.Fatalf("Prompt: %v", err)
	}
	if textOf(msg) != "both timed out" {
		t.Fatalf("unexpected final reply: %q", textOf(msg))
	}

	history, err := rig.store.GetHistory(context.Background(), rig.sess.ID, 0)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	errored := map[string]bool{}
	for _, m := range history {
		for _, r := range m.ToolResults() {
			if r.IsError {
				errored[r.CallID] = true
			}
		}
	}
	if !errored["call-1"] || !errored["call-2"] {
		t.Fatalf("expected both delegate calls to resolve as timed-out errors, got %+v", errored)
	}

	delegations, err := rig.store.ListDelegationsByParent(context.Background(), rig.sess.ID)
	if err != nil {
		t.Fatalf("ListDelegationsByParent: %v", err)
	}
	if len(delegations) != 2 {
		t.Fatalf("expected 2 delegations recorded, got %d", len(delegations))
	}
	for _, d := range delegations {
		if d.Status != model.DelegationCancelled {
			t.Fatalf("expected delegation %s to be Cancelled after timeout, got %s", d.ID, d.Status)
		}
	}
}

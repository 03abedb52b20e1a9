package engine

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/quorumrun/nexus/internal/compaction"
	"github.com/quorumrun/nexus/internal/middleware"
	"github.com/quorumrun/nexus/internal/snapshot"
	"github.com/quorumrun/nexus/pkg/model"
)

// Prompt drives one user turn on sessionID to completion: it stores the
// user message, runs the BeforeTurn/BeforeLlmCall/AfterLlm state machine
// against the middleware chain, dispatches any tool/delegate calls the
// model requests, and returns the last assistant message the turn stored.
// When a middleware stops the turn with StopMaxTokens, compaction runs
// before Prompt returns and the returned message is still the turn's last
// assistant message, nil if the stop came before the first provider call.
func (e *Engine) Prompt(ctx context.Context, sessionID, text string) (retMsg *model.AgentMessage, retErr error) {
	if e.cfg.Tracer != nil {
		var span trace.Span
		ctx, span = e.cfg.Tracer.Start(ctx, "engine.prompt", attribute.String("session_id", sessionID))
		defer func() {
			if retErr != nil {
				span.SetStatus(codes.Error, retErr.Error())
			}
			span.End()
		}()
	}

	turnCtx, cancel := context.WithCancel(ctx)
	e.setCancel(sessionID, cancel)
	defer e.clearCancel(sessionID)
	defer cancel()

	sess, err := e.store.GetSession(turnCtx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("engine: loading session: %w", err)
	}

	provider, modelID, err := e.resolveProvider(sess.LLMConfigID)
	if err != nil {
		return nil, err
	}

	priorHistory, err := e.store.GetEffectiveHistory(turnCtx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("engine: loading history: %w", err)
	}
	turnsSoFar := countUserTurns(priorHistory)

	userMsg := model.NewAgentMessage(sessionID, model.RoleUser, model.Text{Content: text})
	if err := e.store.AppendMessage(turnCtx, userMsg); err != nil {
		return nil, fmt.Errorf("engine: storing user message: %w", err)
	}
	userEvt := model.NewEvent(sessionID, model.KindUserMessageStored)
	userEvt.Payload = model.Payload{MessageID: userMsg.ID, Text: text}
	e.sink.Emit(turnCtx, userEvt)

	history := append(append([]*model.AgentMessage{}, priorHistory...), userMsg)
	contextTokens := 0
	for _, m := range history {
		contextTokens += compaction.EstimateMessageTokens(m)
	}

	convCtx := model.ConversationContext{
		SessionID: sessionID,
		Messages:  history,
		Stats:     model.Stats{Turns: turnsSoFar, ContextTokens: contextTokens},
		Provider:  provider.Name(),
		Model:     modelID,
	}

	var bracket *snapshot.TurnBracket
	if e.cfg.Snapshots != nil {
		b, err := e.cfg.Snapshots.BeginTurn(sess.Cwd)
		if err != nil {
			e.log.Error("snapshot BeginTurn failed", "session_id", sessionID, "error", err)
		} else {
			bracket = &b
			startMsg := model.NewAgentMessage(sessionID, model.RoleAssistant, model.TurnSnapshotStart{
				TurnID: b.TurnID, SnapshotID: b.PreSnapshotID,
			})
			if err := e.store.AppendMessage(turnCtx, startMsg); err != nil {
				e.log.Error("storing turn snapshot start failed", "session_id", sessionID, "error", err)
			}
		}
	}

	mws := e.chain.NewTurn()
	state := model.BeforeTurn(convCtx)
	state, err = middleware.RunOnTurnStart(turnCtx, mws, state)
	if err != nil {
		return nil, fmt.Errorf("engine: turn-start middleware: %w", err)
	}

	var finalMsg *model.AgentMessage

	for !state.IsTerminal() {
		if turnCtx.Err() != nil {
			state = state.Cancelled()
			break
		}

		state = state.BeforeLlmCall()
		state, err = middleware.RunNextState(turnCtx, mws, state)
		if err != nil {
			return nil, fmt.Errorf("engine: next-state middleware: %w", err)
		}
		if state.IsTerminal() {
			break
		}

		tools := e.toolsForSession()
		chatMsgs := renderMessages(state.Context.Messages)

		llmCtx := turnCtx
		var llmSpan trace.Span
		if e.cfg.Tracer != nil {
			llmCtx, llmSpan = e.cfg.Tracer.Start(turnCtx, "engine.llm_call",
				attribute.String("session_id", sessionID),
				attribute.String("provider", provider.Name()),
				attribute.String("model", modelID),
			)
		}
		e.sink.Emit(turnCtx, model.NewEvent(sessionID, model.KindLlmRequestStart))
		resp, err := provider.ChatWithTools(llmCtx, chatMsgs, tools)
		if llmSpan != nil {
			if err != nil {
				llmSpan.SetStatus(codes.Error, err.Error())
			}
			llmSpan.End()
		}
		if err != nil {
			errEvt := model.NewEvent(sessionID, model.KindError)
			errEvt.Payload = model.Payload{ErrorMessage: err.Error()}
			e.sink.Emit(turnCtx, errEvt)
			return nil, fmt.Errorf("engine: provider call: %w", err)
		}
		usageEvt := model.NewEvent(sessionID, model.KindLlmRequestFinish)
		u := resp.Usage
		usageEvt.Payload = model.Payload{Usage: &u}
		e.sink.Emit(turnCtx, usageEvt)

		state.Context.Stats.Steps++
		state.Context.Stats.TotalInputTokens += resp.Usage.InputTokens
		state.Context.Stats.TotalOutputTokens += resp.Usage.OutputTokens
		state.Context.Stats.ContextTokens += resp.Usage.InputTokens + resp.Usage.OutputTokens

		asstMsg := buildAssistantMessage(sessionID, resp)
		if err := e.store.AppendMessage(turnCtx, asstMsg); err != nil {
			return nil, fmt.Errorf("engine: storing assistant message: %w", err)
		}
		amEvt := model.NewEvent(sessionID, model.KindAssistantMessageStored)
		amEvt.Payload = model.Payload{MessageID: asstMsg.ID, Text: resp.TextOut}
		e.sink.Emit(turnCtx, amEvt)
		finalMsg = asstMsg

		state.Context = state.Context.WithMessages(append(state.Context.Messages, asstMsg))
		state, err = middleware.RunOnAfterLLM(turnCtx, mws, state.AfterLlm(&model.LlmResponse{
			Message: asstMsg, ToolCalls: resp.ToolCalls, Usage: state.Context.Stats,
		}))
		if err != nil {
			return nil, fmt.Errorf("engine: after-llm middleware: %w", err)
		}
		if state.IsTerminal() {
			break
		}

		if len(resp.ToolCalls) == 0 {
			state = state.Stopped(model.StopEndTurn, "")
			break
		}

		normalCalls, delegateCalls := splitDelegateCalls(resp.ToolCalls)

		if len(normalCalls) > 0 {
			resultMsg := e.dispatchTools(turnCtx, sess, normalCalls)
			if err := e.store.AppendMessage(turnCtx, resultMsg); err != nil {
				return nil, fmt.Errorf("engine: storing tool results: %w", err)
			}
			state.Context = state.Context.WithMessages(append(state.Context.Messages, resultMsg))
		}

		if len(delegateCalls) > 0 {
			if e.delegations == nil {
				return nil, fmt.Errorf("engine: model requested delegation but no delegation manager is configured")
			}
			state = state.Waiting("delegation")
			resultMsg, err := e.dispatchDelegations(turnCtx, sess, delegateCalls)
			if errors.Is(err, context.Canceled) {
				state = state.Cancelled()
				break
			}
			if err != nil {
				return nil, fmt.Errorf("engine: dispatching delegations: %w", err)
			}
			if err := e.store.AppendMessage(turnCtx, resultMsg); err != nil {
				return nil, fmt.Errorf("engine: storing delegation results: %w", err)
			}
			state.Context = state.Context.WithMessages(append(state.Context.Messages, resultMsg))
			state = state.BeforeLlmCall() // resume the loop from WaitingForEvent
		}
	}

	if state.Kind == model.StateStopped && state.StopReason == model.StopMaxTokens {
		if err := e.runCompaction(turnCtx, sessionID); err != nil {
			e.log.Error("compaction failed", "session_id", sessionID, "error", err)
			return nil, fmt.Errorf("engine: compaction: %w", err)
		}
		return finalMsg, nil
	}

	// Finalization (snapshot close, the Cancelled event, best-effort
	// delegation cleanup) must persist even when turnCtx itself is the
	// thing that just got cancelled, so it runs against a context that
	// keeps turnCtx's values but drops its cancellation signal.
	finalizeCtx := context.WithoutCancel(turnCtx)

	if bracket != nil {
		finished, err := e.cfg.Snapshots.EndTurn(sess.Cwd, *bracket)
		if err != nil {
			e.log.Error("snapshot EndTurn failed", "session_id", sessionID, "error", err)
		} else {
			patchMsg := model.NewAgentMessage(sessionID, model.RoleAssistant, model.TurnSnapshotPatch{
				TurnID: finished.TurnID, SnapshotID: finished.PostSnapshotID, ChangedPaths: finished.ChangedPaths,
			})
			if err := e.store.AppendMessage(finalizeCtx, patchMsg); err != nil {
				e.log.Error("storing turn snapshot patch failed", "session_id", sessionID, "error", err)
			}
		}
	}

	if state.Kind == model.StateCancelled {
		e.sink.Emit(finalizeCtx, model.NewEvent(sessionID, model.KindCancelled))
		if e.delegations != nil {
			e.cancelInFlightDelegations(finalizeCtx, sessionID)
		}
		return finalMsg, context.Canceled
	}

	return finalMsg, nil
}

// cancelInFlightDelegations best-effort cancels any non-terminal
// delegation rooted at sessionID, per §5's cancellation semantics.
func (e *Engine) cancelInFlightDelegations(ctx context.Context, sessionID string) {
	delegations, err := e.store.ListDelegationsByParent(ctx, sessionID)
	if err != nil {
		e.log.Error("listing delegations for cancellation failed", "session_id", sessionID, "error", err)
		return
	}
	for _, d := range delegations {
		if d.Status.Terminal() {
			continue
		}
		if err := e.delegations.Cancel(ctx, d, "parent turn cancelled"); err != nil {
			e.log.Error("cancelling delegation failed", "delegation_id", d.ID, "error", err)
		}
	}
}

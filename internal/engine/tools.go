package engine

import (
	"context"
	"encoding/json"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/quorumrun/nexus/internal/compaction"
	"github.com/quorumrun/nexus/internal/delegation"
	"github.com/quorumrun/nexus/pkg/contract"
	"github.com/quorumrun/nexus/pkg/model"
)

// DelegateToolName is the special tool the engine intercepts before
// handing calls to the registry: it never reaches toolkit.Executor,
// since dispatching it means spawning a child session rather than
// calling a contract.Tool.
const DelegateToolName = "delegate"

var delegateToolSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"target_agent_id": {"type": "string", "description": "the agent to delegate the objective to"},
		"objective": {"type": "string", "description": "a focused, self-contained task description"}
	},
	"required": ["target_agent_id", "objective"]
}`)

// DelegateToolDefinition is the LLM-facing definition of the delegate
// tool, offered alongside the registry's tools whenever a delegation
// manager is configured.
func DelegateToolDefinition() model.ToolDefinition {
	return model.ToolDefinition{
		Name:        DelegateToolName,
		Description: "Delegate a focused objective to another agent and wait for its result.",
		Parameters:  delegateToolSchema,
	}
}

// toolsForSession returns the tool definitions to offer the provider
// this step: every registered tool, plus the delegate tool when
// delegation is configured at all for this engine.
func (e *Engine) toolsForSession() []model.ToolDefinition {
	defs := e.registry.List()
	if e.delegations != nil {
		defs = append(defs, DelegateToolDefinition())
	}
	return defs
}

func splitDelegateCalls(calls []model.ToolUse) (normal, delegate []model.ToolUse) {
	for _, c := range calls {
		if c.Name == DelegateToolName {
			delegate = append(delegate, c)
		} else {
			normal = append(normal, c)
		}
	}
	return normal, delegate
}

// dispatchTools runs every ordinary tool call through the executor,
// emitting ToolCallStart/End around each, applying Layer-1 truncation to
// each result, and returns the single message the results are stored
// under (matching call_id to the preceding ToolUse).
func (e *Engine) dispatchTools(ctx context.Context, sess *model.Session, calls []model.ToolUse) *model.AgentMessage {
	if e.cfg.Tracer != nil {
		var span trace.Span
		ctx, span = e.cfg.Tracer.Start(ctx, "engine.tool_dispatch",
			attribute.String("session_id", sess.ID),
			attribute.Int("call_count", len(calls)),
		)
		defer span.End()
	}
	tc := contract.ToolContext{SessionID: sess.ID, Cwd: sess.Cwd}

	for _, c := range calls {
		evt := model.NewEvent(sess.ID, model.KindToolCallStart)
		evt.Payload = model.Payload{CallID: c.CallID, ToolName: c.Name}
		e.sink.Emit(ctx, evt)
	}

	results := e.executor.ExecuteAll(ctx, tc, calls, nil)

	parts := make([]model.Part, 0, len(results))
	for _, r := range results {
		tr := r.ToolResult
		compaction.TruncateToolResult(&tr, e.cfg.ToolOutputMaxBytes, e.cfg.ProtectedTools)
		parts = append(parts, &tr)

		evt := model.NewEvent(sess.ID, model.KindToolCallEnd)
		evt.Payload = model.Payload{CallID: tr.CallID, ToolName: tr.ToolName, Text: tr.Content}
		e.sink.Emit(ctx, evt)
	}
	return model.NewAgentMessage(sess.ID, model.RoleAssistant, parts...)
}

// dispatchDelegations starts each delegate call, waits on the
// configured policy, and returns the message carrying one ToolResult per
// call (matching its call_id), never a Go error for a per-call failure —
// a blocked duplicate, a malformed argument, or a timed-out wait all
// become an error ToolResult, per §7's propagation rule that in-band
// tool failures never escape the turn.
func (e *Engine) dispatchDelegations(ctx context.Context, sess *model.Session, calls []model.ToolUse) (*model.AgentMessage, error) {
	type slot struct {
		call       model.ToolUse
		delegation *model.Delegation
		errText    string
	}
	slots := make([]slot, len(calls))
	pendingIDs := make([]string, 0, len(calls))

	for i, c := range calls {
		var args struct {
			TargetAgentID string `json:"target_agent_id"`
			Objective     string `json:"objective"`
		}
		if err := json.Unmarshal(c.ArgumentsRaw, &args); err != nil {
			slots[i] = slot{call: c, errText: "invalid delegate arguments: " + err.Error()}
			continue
		}

		d, err := e.delegations.Start(ctx, sess.ID, args.TargetAgentID, args.Objective)
		if err != nil {
			var dup *delegation.DuplicateError
			if errors.As(err, &dup) {
				slots[i] = slot{call: c, errText: dup.Reason}
			} else {
				slots[i] = slot{call: c, errText: "starting delegation: " + err.Error()}
			}
			continue
		}
		slots[i] = slot{call: c, delegation: d}
		pendingIDs = append(pendingIDs, d.ID)
	}

	var resolved map[string]*model.Delegation
	if len(pendingIDs) > 0 {
		var err error
		resolved, err = e.waitForDelegations(ctx, sess.ID, pendingIDs, e.cfg.DelegationWaitPolicy)
		if err != nil {
			return nil, err
		}
	}

	parts := make([]model.Part, 0, len(slots))
	for _, s := range slots {
		if s.errText != "" {
			parts = append(parts, &model.ToolResult{CallID: s.call.CallID, ToolName: DelegateToolName, Content: s.errText, IsError: true})
			continue
		}
		d := resolved[s.delegation.ID]
		if d == nil {
			parts = append(parts, &model.ToolResult{
				CallID: s.call.CallID, ToolName: DelegateToolName,
				Content: "delegation did not finish before the wait policy gave up", IsError: true,
			})
			continue
		}
		if d.Status == model.DelegationComplete {
			parts = append(parts, &model.ToolResult{CallID: s.call.CallID, ToolName: DelegateToolName, Content: d.Result})
		} else {
			parts = append(parts, &model.ToolResult{CallID: s.call.CallID, ToolName: DelegateToolName, Content: d.Error, IsError: true})
		}
	}
	return model.NewAgentMessage(sess.ID, model.RoleAssistant, parts...), nil
}

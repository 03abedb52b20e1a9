package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Role is who a message is attributed to.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// PartKind discriminates the tagged union of message parts.
type PartKind string

const (
	PartText              PartKind = "text"
	PartPrompt            PartKind = "prompt"
	PartToolUse           PartKind = "tool_use"
	PartToolResult        PartKind = "tool_result"
	PartReasoning         PartKind = "reasoning"
	PartCompaction        PartKind = "compaction"
	PartCompactionRequest PartKind = "compaction_request"
	PartTurnSnapshotStart PartKind = "turn_snapshot_start"
	PartTurnSnapshotPatch PartKind = "turn_snapshot_patch"
)

// Part is one element of an AgentMessage's ordered part list.
type Part interface {
	Kind() PartKind
}

// Text is a plain rendered text part.
type Text struct {
	Content string `json:"content"`
}

func (Text) Kind() PartKind { return PartText }

// PromptBlock is one structured block within a Prompt part (e.g. a code
// fence, a file reference) that may render differently for a human
// versus for the LLM.
type PromptBlock struct {
	Kind string `json:"kind"`
	Data string `json:"data"`
}

// Prompt holds structured prompt blocks distinct from plain rendered text.
type Prompt struct {
	Blocks []PromptBlock `json:"blocks"`
}

func (Prompt) Kind() PartKind { return PartPrompt }

// ToolUse is an assistant-issued tool call.
type ToolUse struct {
	CallID       string          `json:"call_id"`
	Name         string          `json:"name"`
	ArgumentsRaw json.RawMessage `json:"arguments_json"`
}

func (ToolUse) Kind() PartKind { return PartToolUse }

// ToolResult matches a prior ToolUse by CallID. CompactedAt is write-once:
// once set it must never be cleared or changed.
type ToolResult struct {
	CallID        string     `json:"call_id"`
	Content       string     `json:"content"`
	IsError       bool       `json:"is_error"`
	ToolName      string     `json:"tool_name"`
	ToolArguments string     `json:"tool_arguments,omitempty"`
	CompactedAt   *time.Time `json:"compacted_at,omitempty"`
}

func (ToolResult) Kind() PartKind { return PartToolResult }

// Compacted reports whether this result has already been soft-pruned.
func (r *ToolResult) Compacted() bool { return r.CompactedAt != nil }

// Reasoning carries model thinking tokens.
type Reasoning struct {
	Content   string `json:"content"`
	Signature string `json:"signature,omitempty"`
}

func (Reasoning) Kind() PartKind { return PartReasoning }

// Compaction is an AI-generated conversation summary. Once present,
// earlier turns in the same session are logically below the boundary it
// defines; Compaction parts are append-only and never rewrite history.
type Compaction struct {
	Summary            string `json:"summary"`
	OriginalTokenCount int    `json:"original_token_count"`
}

func (Compaction) Kind() PartKind { return PartCompaction }

// CompactionRequest marks a user-initiated compaction boundary.
type CompactionRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (CompactionRequest) Kind() PartKind { return PartCompactionRequest }

// TurnSnapshotStart brackets the beginning of a turn's workspace diff.
type TurnSnapshotStart struct {
	TurnID     string `json:"turn_id"`
	SnapshotID string `json:"snapshot_id"`
}

func (TurnSnapshotStart) Kind() PartKind { return PartTurnSnapshotStart }

// TurnSnapshotPatch brackets the end of a turn's workspace diff, carrying
// the post-turn snapshot id and the paths that changed.
type TurnSnapshotPatch struct {
	TurnID       string   `json:"turn_id"`
	SnapshotID   string   `json:"snapshot_id"`
	ChangedPaths []string `json:"changed_paths"`
}

func (TurnSnapshotPatch) Kind() PartKind { return PartTurnSnapshotPatch }

// AgentMessage is one message in a session's history.
type AgentMessage struct {
	ID              string    `json:"id"`
	SessionID       string    `json:"session_id"`
	Role            Role      `json:"role"`
	Parts           []Part    `json:"parts"`
	CreatedAt       time.Time `json:"created_at"`
	ParentMessageID string    `json:"parent_message_id,omitempty"`
}

// NewAgentMessage creates a message with a fresh id and timestamp.
func NewAgentMessage(sessionID string, role Role, parts ...Part) *AgentMessage {
	return &AgentMessage{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      role,
		Parts:     parts,
		CreatedAt: time.Now(),
	}
}

// ToolUses returns every ToolUse part in the message, in order.
func (m *AgentMessage) ToolUses() []ToolUse {
	var out []ToolUse
	for _, p := range m.Parts {
		if tu, ok := p.(ToolUse); ok {
			out = append(out, tu)
		}
	}
	return out
}

// ToolResults returns every ToolResult part in the message, in order.
func (m *AgentMessage) ToolResults() []*ToolResult {
	var out []*ToolResult
	for _, p := range m.Parts {
		if tr, ok := p.(*ToolResult); ok {
			out = append(out, tr)
		}
	}
	return out
}

// IsCompactionBoundary reports whether this message carries a Compaction
// or CompactionRequest part, i.e. is a halt point for pruning and for
// effective-history computation.
func (m *AgentMessage) IsCompactionBoundary() bool {
	for _, p := range m.Parts {
		switch p.(type) {
		case Compaction, CompactionRequest:
			return true
		}
	}
	return false
}

// partEnvelope is the wire/storage shape for a Part: a kind discriminator
// plus the kind-specific payload, matching the persisted layout's
// "message-parts (typed, ordered by sort_order)" description in §6.
type partEnvelope struct {
	Kind PartKind        `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// MarshalJSON encodes the message with its parts as tagged envelopes.
func (m AgentMessage) MarshalJSON() ([]byte, error) {
	type alias struct {
		ID              string         `json:"id"`
		SessionID       string         `json:"session_id"`
		Role            Role           `json:"role"`
		Parts           []partEnvelope `json:"parts"`
		CreatedAt       time.Time      `json:"created_at"`
		ParentMessageID string         `json:"parent_message_id,omitempty"`
	}
	a := alias{ID: m.ID, SessionID: m.SessionID, Role: m.Role, CreatedAt: m.CreatedAt, ParentMessageID: m.ParentMessageID}
	for _, p := range m.Parts {
		data, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		a.Parts = append(a.Parts, partEnvelope{Kind: p.Kind(), Data: data})
	}
	return json.Marshal(a)
}

// UnmarshalJSON decodes tagged part envelopes back into concrete Part
// values.
func (m *AgentMessage) UnmarshalJSON(data []byte) error {
	type alias struct {
		ID              string         `json:"id"`
		SessionID       string         `json:"session_id"`
		Role            Role           `json:"role"`
		Parts           []partEnvelope `json:"parts"`
		CreatedAt       time.Time      `json:"created_at"`
		ParentMessageID string         `json:"parent_message_id,omitempty"`
	}
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	m.ID, m.SessionID, m.Role, m.CreatedAt, m.ParentMessageID = a.ID, a.SessionID, a.Role, a.CreatedAt, a.ParentMessageID
	m.Parts = make([]Part, 0, len(a.Parts))
	for _, env := range a.Parts {
		p, err := decodePart(env)
		if err != nil {
			return err
		}
		m.Parts = append(m.Parts, p)
	}
	return nil
}

func decodePart(env partEnvelope) (Part, error) {
	switch env.Kind {
	case PartText:
		var v Text
		return v, json.Unmarshal(env.Data, &v)
	case PartPrompt:
		var v Prompt
		return v, json.Unmarshal(env.Data, &v)
	case PartToolUse:
		var v ToolUse
		return v, json.Unmarshal(env.Data, &v)
	case PartToolResult:
		var v ToolResult
		return &v, json.Unmarshal(env.Data, &v)
	case PartReasoning:
		var v Reasoning
		return v, json.Unmarshal(env.Data, &v)
	case PartCompaction:
		var v Compaction
		return v, json.Unmarshal(env.Data, &v)
	case PartCompactionRequest:
		var v CompactionRequest
		return v, json.Unmarshal(env.Data, &v)
	case PartTurnSnapshotStart:
		var v TurnSnapshotStart
		return v, json.Unmarshal(env.Data, &v)
	case PartTurnSnapshotPatch:
		var v TurnSnapshotPatch
		return v, json.Unmarshal(env.Data, &v)
	default:
		return nil, fmt.Errorf("model: unknown part kind %q", env.Kind)
	}
}

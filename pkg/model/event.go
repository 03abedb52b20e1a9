package model

import (
	"time"

	"github.com/google/uuid"
)

// EventOrigin distinguishes events raised by this process from ones
// relayed from a remote mesh node.
type EventOrigin string

const (
	OriginLocal  EventOrigin = "local"
	OriginRemote EventOrigin = "remote"
)

// EventKind enumerates both durable and ephemeral event kinds. Whether a
// kind is durable or ephemeral is a pure function of the kind, computed by
// Ephemeral().
type EventKind string

const (
	KindSessionCreated          EventKind = "SessionCreated"
	KindUserMessageStored       EventKind = "UserMessageStored"
	KindAssistantMessageStored  EventKind = "AssistantMessageStored"
	KindLlmRequestStart         EventKind = "LlmRequestStart"
	KindLlmRequestFinish        EventKind = "LlmRequestFinish"
	KindToolCallStart           EventKind = "ToolCallStart"
	KindToolCallEnd             EventKind = "ToolCallEnd"
	KindDelegationRequested     EventKind = "DelegationRequested"
	KindDelegationCompleted     EventKind = "DelegationCompleted"
	KindDelegationFailed        EventKind = "DelegationFailed"
	KindDelegationCancelled     EventKind = "DelegationCancelled"
	KindDelegationCancelRequest EventKind = "DelegationCancelRequested"
	KindElicitationRequested    EventKind = "ElicitationRequested"
	KindProviderChanged         EventKind = "ProviderChanged"
	KindToolsAvailable          EventKind = "ToolsAvailable"
	KindCancelled               EventKind = "Cancelled"
	KindError                   EventKind = "Error"

	// Ephemeral kinds, never persisted to the journal.
	KindAssistantContentDelta  EventKind = "AssistantContentDelta"
	KindAssistantThinkingDelta EventKind = "AssistantThinkingDelta"
)

// Ephemeral reports whether a kind is live-only (no stream_seq, never
// journaled). Classification is a pure function of kind, matching §3's
// invariant.
func (k EventKind) Ephemeral() bool {
	switch k {
	case KindAssistantContentDelta, KindAssistantThinkingDelta:
		return true
	default:
		return false
	}
}

// Payload carries the kind-specific data for an Event. Exactly the fields
// relevant to the event's Kind are populated; the rest are zero.
type Payload struct {
	Text           string          `json:"text,omitempty"`
	MessageID      string          `json:"message_id,omitempty"`
	CallID         string          `json:"call_id,omitempty"`
	ToolName       string          `json:"tool_name,omitempty"`
	DelegationID   string          `json:"delegation_id,omitempty"`
	ChildSessionID string          `json:"child_session_id,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	Usage          *Usage          `json:"usage,omitempty"`
	Extra          map[string]any  `json:"extra,omitempty"`
}

// Usage reports token accounting for one LLM request.
type Usage struct {
	InputTokens     int `json:"input_tokens"`
	OutputTokens    int `json:"output_tokens"`
	CacheReadTokens int `json:"cache_read_tokens,omitempty"`
	ReasoningTokens int `json:"reasoning_tokens,omitempty"`
}

// Event is the tagged union described in §3: durable events carry a
// stream_seq and event_id assigned at append time; ephemeral events carry
// neither and are never journaled.
type Event struct {
	SessionID  string      `json:"session_id"`
	Kind       EventKind   `json:"kind"`
	Timestamp  time.Time   `json:"timestamp"`
	Origin     EventOrigin `json:"origin"`
	SourceNode string      `json:"source_node,omitempty"`
	Payload    Payload     `json:"payload"`

	// Set only for durable events, assigned by the journal at append time.
	StreamSeq int64  `json:"stream_seq,omitempty"`
	EventID   string `json:"event_id,omitempty"`
}

// NewEvent builds an event with the given kind, timestamped now, with
// local origin. The caller sets Payload afterward.
func NewEvent(sessionID string, kind EventKind) Event {
	return Event{
		SessionID: sessionID,
		Kind:      kind,
		Timestamp: time.Now(),
		Origin:    OriginLocal,
	}
}

// NewDurableEvent is an event not yet appended: it carries no stream_seq
// or event_id until the journal assigns them inside the persistence
// transaction.
type NewDurableEvent = Event

// newEventID is used by journal implementations that want a stable id
// independent of the store's own primary key.
func newEventID() string { return uuid.NewString() }

// NewEventID returns a fresh event id for use by Journal implementations.
func NewEventID() string { return newEventID() }

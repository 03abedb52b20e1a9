package model

// StopReason explains why a turn stopped.
type StopReason string

const (
	StopEndTurn         StopReason = "end_turn"
	StopMaxTurnRequests StopReason = "max_turn_requests"
	StopMaxTokens       StopReason = "max_tokens"
	StopError           StopReason = "error"
	StopUserCancelled   StopReason = "user_cancelled"
)

// TurnStateKind discriminates the engine's public state-machine labels.
type TurnStateKind string

const (
	StateBeforeTurn      TurnStateKind = "BeforeTurn"
	StateBeforeLlmCall   TurnStateKind = "BeforeLlmCall"
	StateAfterLlm        TurnStateKind = "AfterLlm"
	StateWaitingForEvent TurnStateKind = "WaitingForEvent"
	StateStopped         TurnStateKind = "Stopped"
	StateCancelled       TurnStateKind = "Cancelled"
)

// TurnState is the value threaded through the middleware chain at each
// hook. Exactly one of the payload fields is meaningful, selected by Kind.
// It is immutable; middleware returns a new TurnState rather than mutating
// the one it received.
type TurnState struct {
	Kind TurnStateKind

	Context ConversationContext

	// AfterLlm payload.
	Response *LlmResponse

	// WaitingForEvent payload: a human-readable description of the
	// condition the engine is parked on (e.g. a delegation id).
	Condition string

	// Stopped payload.
	StopReason  StopReason
	StopMessage string
}

// LlmResponse is the provider's reply for one step: assembled message
// parts plus whatever tool calls it requested.
type LlmResponse struct {
	Message   *AgentMessage
	ToolCalls []ToolUse
	Usage     Stats
}

// BeforeTurn constructs the initial state for a turn.
func BeforeTurn(ctx ConversationContext) TurnState {
	return TurnState{Kind: StateBeforeTurn, Context: ctx}
}

// BeforeLlmCall transitions into the pre-call hook, carrying the context
// forward unchanged.
func (s TurnState) BeforeLlmCall() TurnState {
	return TurnState{Kind: StateBeforeLlmCall, Context: s.Context}
}

// AfterLlm transitions into the post-call hook with the provider's response.
func (s TurnState) AfterLlm(resp *LlmResponse) TurnState {
	return TurnState{Kind: StateAfterLlm, Context: s.Context, Response: resp}
}

// Stopped terminates the turn with a reason and optional human-readable
// message.
func (s TurnState) Stopped(reason StopReason, message string) TurnState {
	return TurnState{Kind: StateStopped, Context: s.Context, StopReason: reason, StopMessage: message}
}

// Waiting parks the turn on a named condition (e.g. a delegation to finish).
func (s TurnState) Waiting(condition string) TurnState {
	return TurnState{Kind: StateWaitingForEvent, Context: s.Context, Condition: condition}
}

// Cancelled marks the turn as cooperatively cancelled.
func (s TurnState) Cancelled() TurnState {
	return TurnState{Kind: StateCancelled, Context: s.Context}
}

// IsTerminal reports whether this state ends the turn (Stopped or
// Cancelled); no further hooks run after it.
func (s TurnState) IsTerminal() bool {
	return s.Kind == StateStopped || s.Kind == StateCancelled
}

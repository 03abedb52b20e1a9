// Package contract holds the narrow interfaces the session engine
// consumes but does not implement: the LLM provider, the session store,
// and the tool contract. Concrete collaborators (HTTP wire formats,
// SQL backends, sandboxed tool execution) live behind these interfaces in
// sibling packages; the engine only ever depends on contract.
package contract

import (
	"context"

	"github.com/quorumrun/nexus/pkg/model"
)

// ChatMessage is the provider-facing rendering of one AgentMessage: role
// plus flattened content, tool calls, and tool results, stripped of the
// engine's part bookkeeping.
type ChatMessage struct {
	Role        model.Role
	Content     string
	ToolCalls   []model.ToolUse
	ToolResults []*model.ToolResult
}

// StreamChunkKind discriminates the StreamChunk union from §6.
type StreamChunkKind string

const (
	ChunkText             StreamChunkKind = "text"
	ChunkThinking         StreamChunkKind = "thinking"
	ChunkToolUseStart     StreamChunkKind = "tool_use_start"
	ChunkToolUseDelta     StreamChunkKind = "tool_use_input_delta"
	ChunkToolUseComplete  StreamChunkKind = "tool_use_complete"
	ChunkUsage            StreamChunkKind = "usage"
	ChunkDone             StreamChunkKind = "done"
)

// StreamChunk is one element of a chat_stream_with_tools stream. Only the
// fields relevant to Kind are populated.
type StreamChunk struct {
	Kind StreamChunkKind

	Text string // ChunkText / ChunkThinking

	// Tool-use accumulation, keyed by index within the assistant turn.
	Index       int    // ChunkToolUseStart / Delta / Complete
	ToolCallID  string // ChunkToolUseStart
	ToolName    string // ChunkToolUseStart
	PartialJSON string // ChunkToolUseDelta
	ToolCall    *model.ToolUse // ChunkToolUseComplete

	Usage *model.Usage // ChunkUsage

	StopReason string // ChunkDone
	Err        error  // set on stream-terminating error
}

// ChatResponse is the non-streaming response shape.
type ChatResponse struct {
	TextOut    string
	ToolCalls  []model.ToolUse
	Thinking   string
	Usage      model.Usage
	StopReason string
}

// ChatProvider is the engine's only view of an LLM backend. Concrete wire
// formats, sampling, and tokenization are out of scope for the core
// (§1) and live behind this interface.
type ChatProvider interface {
	Name() string
	SupportsStreaming() bool
	ChatWithTools(ctx context.Context, messages []ChatMessage, tools []model.ToolDefinition) (ChatResponse, error)
	ChatStreamWithTools(ctx context.Context, messages []ChatMessage, tools []model.ToolDefinition) (<-chan StreamChunk, error)
}

// ModelCatalog resolves context-window and pricing metadata for a
// provider/model pair. Returns ok=false when the pair is unknown, in
// which case callers fall back to a configured default.
type ModelCatalog interface {
	Lookup(provider, modelID string) (info model.ModelInfo, ok bool)
}

// ProviderResolver looks a ChatProvider up by its configured provider
// name (e.g. "anthropic", "openai", "bedrock"), as named on a session's
// model.LLMConfig.Provider. Returns ok=false for a name with no
// registered provider. The engine depends on this rather than a
// concrete provider so it never needs to know which wire formats are
// actually deployed.
type ProviderResolver interface {
	Resolve(provider string) (ChatProvider, bool)
}

// Package remoteproxy implements the optional Remote Proxy (component
// K): a transparent contract.ChatProvider wrapper that forwards
// chat_with_tools / chat_stream_with_tools calls to a mesh-hosted model
// over gRPC, so the engine never has to know whether a provider it
// resolved is local or reached across the network.
//
// The wire format rides on google.golang.org/protobuf's well-known
// wrapperspb.BytesValue message: the domain payload (chat messages,
// tool definitions, stream chunks) is encoded as JSON and carried
// inside the bytes field. This keeps the mesh contract narrow — one
// proto message, two RPCs — while leaving the payload shape free to
// evolve alongside contract.ChatMessage without a .proto recompile.
package remoteproxy

import (
	"encoding/json"
	"fmt"

	"github.com/quorumrun/nexus/pkg/contract"
	"github.com/quorumrun/nexus/pkg/model"
)

// wireRequest is the JSON payload carried inside a chat RPC's request
// frame.
type wireRequest struct {
	Provider string                  `json:"provider"`
	Messages []contract.ChatMessage  `json:"messages"`
	Tools    []model.ToolDefinition  `json:"tools"`
}

// wireResponse is the JSON payload carried inside ChatRelay's unary
// response frame.
type wireResponse struct {
	TextOut    string         `json:"text_out"`
	ToolCalls  []model.ToolUse `json:"tool_calls,omitempty"`
	Thinking   string         `json:"thinking,omitempty"`
	Usage      model.Usage    `json:"usage"`
	StopReason string         `json:"stop_reason"`
	ErrMsg     string         `json:"err,omitempty"`
}

// wireChunk mirrors contract.StreamChunk but swaps the unserializable
// error value for a string, since StreamChunk.Err can't round-trip
// through JSON directly.
type wireChunk struct {
	Kind        contract.StreamChunkKind `json:"kind"`
	Text        string                   `json:"text,omitempty"`
	Index       int                      `json:"index,omitempty"`
	ToolCallID  string                   `json:"tool_call_id,omitempty"`
	ToolName    string                   `json:"tool_name,omitempty"`
	PartialJSON string                   `json:"partial_json,omitempty"`
	ToolCall    *model.ToolUse           `json:"tool_call,omitempty"`
	Usage       *model.Usage             `json:"usage,omitempty"`
	StopReason  string                   `json:"stop_reason,omitempty"`
	ErrMsg      string                   `json:"err,omitempty"`
}

func chunkToWire(c contract.StreamChunk) wireChunk {
	w := wireChunk{
		Kind:        c.Kind,
		Text:        c.Text,
		Index:       c.Index,
		ToolCallID:  c.ToolCallID,
		ToolName:    c.ToolName,
		PartialJSON: c.PartialJSON,
		ToolCall:    c.ToolCall,
		Usage:       c.Usage,
		StopReason:  c.StopReason,
	}
	if c.Err != nil {
		w.ErrMsg = c.Err.Error()
	}
	return w
}

func chunkFromWire(w wireChunk) contract.StreamChunk {
	c := contract.StreamChunk{
		Kind:        w.Kind,
		Text:        w.Text,
		Index:       w.Index,
		ToolCallID:  w.ToolCallID,
		ToolName:    w.ToolName,
		PartialJSON: w.PartialJSON,
		ToolCall:    w.ToolCall,
		Usage:       w.Usage,
		StopReason:  w.StopReason,
	}
	if w.ErrMsg != "" {
		c.Err = fmt.Errorf("remoteproxy: %s", w.ErrMsg)
	}
	return c
}

func encodeRequest(provider string, messages []contract.ChatMessage, tools []model.ToolDefinition) ([]byte, error) {
	return json.Marshal(wireRequest{Provider: provider, Messages: messages, Tools: tools})
}

func decodeRequest(b []byte) (wireRequest, error) {
	var req wireRequest
	if err := json.Unmarshal(b, &req); err != nil {
		return wireRequest{}, fmt.Errorf("remoteproxy: decoding request: %w", err)
	}
	return req, nil
}

func encodeResponse(resp contract.ChatResponse, respErr error) ([]byte, error) {
	w := wireResponse{
		TextOut:    resp.TextOut,
		ToolCalls:  resp.ToolCalls,
		Thinking:   resp.Thinking,
		Usage:      resp.Usage,
		StopReason: resp.StopReason,
	}
	if respErr != nil {
		w.ErrMsg = respErr.Error()
	}
	return json.Marshal(w)
}

func decodeResponse(b []byte) (contract.ChatResponse, error) {
	var w wireResponse
	if err := json.Unmarshal(b, &w); err != nil {
		return contract.ChatResponse{}, fmt.Errorf("remoteproxy: decoding response: %w", err)
	}
	if w.ErrMsg != "" {
		return contract.ChatResponse{}, fmt.Errorf("remoteproxy: remote provider error: %s", w.ErrMsg)
	}
	return contract.ChatResponse{
		TextOut:    w.TextOut,
		ToolCalls:  w.ToolCalls,
		Thinking:   w.Thinking,
		Usage:      w.Usage,
		StopReason: w.StopReason,
	}, nil
}

func encodeChunk(c contract.StreamChunk) ([]byte, error) {
	return json.Marshal(chunkToWire(c))
}

func decodeChunk(b []byte) (contract.StreamChunk, error) {
	var w wireChunk
	if err := json.Unmarshal(b, &w); err != nil {
		return contract.StreamChunk{}, fmt.Errorf("remoteproxy: decoding chunk: %w", err)
	}
	return chunkFromWire(w), nil
}

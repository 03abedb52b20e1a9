// Package providers holds real ChatProvider adapters — the wire-format
// plugins the core explicitly treats as an external collaborator (§1's
// "concrete LLM provider plugins... HTTP wire formats, sampling,
// tokenization"). Each adapter here translates contract.ChatMessage/
// contract.StreamChunk into one vendor's SDK calls and back; none of
// them know anything about sessions, turns, or the event journal.
package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/quorumrun/nexus/pkg/contract"
	"github.com/quorumrun/nexus/pkg/model"
)

// AnthropicConfig configures an AnthropicProvider.
type AnthropicConfig struct {
	APIKey    string
	Model     string
	MaxTokens int64
	BaseURL   string
}

// AnthropicProvider implements contract.ChatProvider against the
// Anthropic Messages API. It always streams internally — even
// ChatWithTools folds a stream to completion — since that's the only
// request shape the SDK's event model exposes without an extra round
// trip.
type AnthropicProvider struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropicProvider builds a provider from cfg.
func NewAnthropicProvider(cfg AnthropicConfig) *AnthropicProvider {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &AnthropicProvider{
		client:    anthropic.NewClient(opts...),
		model:     cfg.Model,
		maxTokens: maxTokens,
	}
}

func (p *AnthropicProvider) Name() string            { return "anthropic" }
func (p *AnthropicProvider) SupportsStreaming() bool { return true }

func (p *AnthropicProvider) convertMessages(messages []contract.ChatMessage) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		var blocks []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
		}
		for _, tr := range msg.ToolResults {
			blocks = append(blocks, anthropic.NewToolResultBlock(tr.CallID, tr.Content, tr.IsError))
		}
		for _, tc := range msg.ToolCalls {
			var args any
			_ = json.Unmarshal(tc.ArgumentsRaw, &args)
			blocks = append(blocks, anthropic.NewToolUseBlock(tc.CallID, args, tc.Name))
		}
		if len(blocks) == 0 {
			continue
		}
		if msg.Role == model.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	return out
}

func (p *AnthropicProvider) convertTools(tools []model.ToolDefinition) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		var schema anthropic.ToolInputSchemaParam
		_ = json.Unmarshal(t.Parameters, &schema)
		tp := anthropic.ToolUnionParamOfTool(schema, t.Name)
		tp.OfTool.Description = anthropic.String(t.Description)
		out = append(out, tp)
	}
	return out
}

func (p *AnthropicProvider) newStream(ctx context.Context, messages []contract.ChatMessage, tools []model.ToolDefinition) *ssestream.Stream[anthropic.MessageStreamEventUnion] {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: p.maxTokens,
		Messages:  p.convertMessages(messages),
		Tools:     p.convertTools(tools),
	}
	return p.client.Messages.NewStreaming(ctx, params)
}

// ChatWithTools drains a stream to completion and folds its events
// into one ChatResponse, for callers that don't want incremental
// delivery.
func (p *AnthropicProvider) ChatWithTools(ctx context.Context, messages []contract.ChatMessage, tools []model.ToolDefinition) (contract.ChatResponse, error) {
	stream := p.newStream(ctx, messages, tools)

	var resp contract.ChatResponse
	var text, thinking strings.Builder
	var currentToolCall *model.ToolUse
	var currentToolInput strings.Builder

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				tu := block.AsToolUse()
				currentToolCall = &model.ToolUse{CallID: tu.ID, Name: tu.Name}
				currentToolInput.Reset()
			}
		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				text.WriteString(delta.Text)
			case "thinking_delta":
				thinking.WriteString(delta.Thinking)
			case "input_json_delta":
				currentToolInput.WriteString(delta.PartialJSON)
			}
		case "content_block_stop":
			if currentToolCall != nil {
				currentToolCall.ArgumentsRaw = json.RawMessage(currentToolInput.String())
				resp.ToolCalls = append(resp.ToolCalls, *currentToolCall)
				currentToolCall = nil
			}
		case "message_delta":
			md := event.AsMessageDelta()
			resp.Usage.OutputTokens = int(md.Usage.OutputTokens)
			resp.StopReason = string(md.Delta.StopReason)
		case "message_start":
			resp.Usage.InputTokens = int(event.AsMessageStart().Message.Usage.InputTokens)
		}
	}
	if err := stream.Err(); err != nil {
		return contract.ChatResponse{}, fmt.Errorf("anthropic: stream: %w", err)
	}
	resp.TextOut = text.String()
	resp.Thinking = thinking.String()
	return resp, nil
}

// ChatStreamWithTools translates the SDK's SSE events into
// contract.StreamChunk values, delivered on the returned channel as
// they arrive.
func (p *AnthropicProvider) ChatStreamWithTools(ctx context.Context, messages []contract.ChatMessage, tools []model.ToolDefinition) (<-chan contract.StreamChunk, error) {
	stream := p.newStream(ctx, messages, tools)
	out := make(chan contract.StreamChunk)

	go func() {
		defer close(out)
		var toolIndex int
		var currentCallID, currentToolName string
		var currentToolInput strings.Builder
		var usage model.Usage

		emit := func(c contract.StreamChunk) bool {
			select {
			case out <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for stream.Next() {
			event := stream.Current()
			switch event.Type {
			case "message_start":
				usage.InputTokens = int(event.AsMessageStart().Message.Usage.InputTokens)
			case "content_block_start":
				block := event.AsContentBlockStart().ContentBlock
				if block.Type == "tool_use" {
					tu := block.AsToolUse()
					currentCallID, currentToolName = tu.ID, tu.Name
					currentToolInput.Reset()
					if !emit(contract.StreamChunk{Kind: contract.ChunkToolUseStart, Index: toolIndex, ToolCallID: currentCallID, ToolName: currentToolName}) {
						return
					}
				}
			case "content_block_delta":
				delta := event.AsContentBlockDelta().Delta
				switch delta.Type {
				case "text_delta":
					if delta.Text != "" && !emit(contract.StreamChunk{Kind: contract.ChunkText, Text: delta.Text}) {
						return
					}
				case "thinking_delta":
					if delta.Thinking != "" && !emit(contract.StreamChunk{Kind: contract.ChunkThinking, Text: delta.Thinking}) {
						return
					}
				case "input_json_delta":
					if delta.PartialJSON != "" {
						currentToolInput.WriteString(delta.PartialJSON)
						if !emit(contract.StreamChunk{Kind: contract.ChunkToolUseDelta, Index: toolIndex, PartialJSON: delta.PartialJSON}) {
							return
						}
					}
				}
			case "content_block_stop":
				if currentCallID != "" {
					tc := model.ToolUse{CallID: currentCallID, Name: currentToolName, ArgumentsRaw: json.RawMessage(currentToolInput.String())}
					if !emit(contract.StreamChunk{Kind: contract.ChunkToolUseComplete, Index: toolIndex, ToolCall: &tc}) {
						return
					}
					currentCallID, currentToolName = "", ""
					toolIndex++
				}
			case "message_delta":
				usage.OutputTokens = int(event.AsMessageDelta().Usage.OutputTokens)
				if !emit(contract.StreamChunk{Kind: contract.ChunkUsage, Usage: &usage}) {
					return
				}
			case "message_stop":
				emit(contract.StreamChunk{Kind: contract.ChunkDone, StopReason: "end_turn"})
				return
			case "error":
				emit(contract.StreamChunk{Kind: contract.ChunkDone, Err: fmt.Errorf("anthropic: stream error event")})
				return
			}
		}
		if err := stream.Err(); err != nil {
			emit(contract.StreamChunk{Kind: contract.ChunkDone, Err: fmt.Errorf("anthropic: stream: %w", err)})
		}
	}()

	return out, nil
}

package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/sashabaranov/go-openai"

	"github.com/quorumrun/nexus/pkg/contract"
	"github.com/quorumrun/nexus/pkg/model"
)

// OpenAIConfig configures an OpenAIProvider.
type OpenAIConfig struct {
	APIKey    string
	Model     string
	MaxTokens int
	BaseURL   string
}

// OpenAIProvider implements contract.ChatProvider against the OpenAI
// chat completions API.
type OpenAIProvider struct {
	client    *openai.Client
	model     string
	maxTokens int
}

// NewOpenAIProvider builds a provider from cfg.
func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	var client *openai.Client
	if cfg.BaseURL != "" {
		oaiCfg := openai.DefaultConfig(cfg.APIKey)
		oaiCfg.BaseURL = cfg.BaseURL
		client = openai.NewClientWithConfig(oaiCfg)
	} else {
		client = openai.NewClient(cfg.APIKey)
	}
	return &OpenAIProvider{client: client, model: cfg.Model, maxTokens: cfg.MaxTokens}
}

func (p *OpenAIProvider) Name() string            { return "openai" }
func (p *OpenAIProvider) SupportsStreaming() bool { return true }

func (p *OpenAIProvider) convertMessages(messages []contract.ChatMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		role := openai.ChatMessageRoleUser
		if msg.Role == model.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		oaiMsg := openai.ChatCompletionMessage{Role: role, Content: msg.Content}
		for _, tc := range msg.ToolCalls {
			oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
				ID:   tc.CallID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.ArgumentsRaw),
				},
			})
		}
		if len(oaiMsg.ToolCalls) > 0 || oaiMsg.Content != "" {
			out = append(out, oaiMsg)
		}
		for _, tr := range msg.ToolResults {
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    tr.Content,
				ToolCallID: tr.CallID,
			})
		}
	}
	return out
}

func (p *OpenAIProvider) convertTools(tools []model.ToolDefinition) []openai.Tool {
	out := make([]openai.Tool, len(tools))
	for i, t := range tools {
		var params map[string]any
		_ = json.Unmarshal(t.Parameters, &params)
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		}
	}
	return out
}

func (p *OpenAIProvider) request(messages []contract.ChatMessage, tools []model.ToolDefinition, stream bool) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model:    p.model,
		Messages: p.convertMessages(messages),
		Stream:   stream,
	}
	if p.maxTokens > 0 {
		req.MaxTokens = p.maxTokens
	}
	if len(tools) > 0 {
		req.Tools = p.convertTools(tools)
	}
	return req
}

// ChatWithTools issues a single non-streaming completion request.
func (p *OpenAIProvider) ChatWithTools(ctx context.Context, messages []contract.ChatMessage, tools []model.ToolDefinition) (contract.ChatResponse, error) {
	resp, err := p.client.CreateChatCompletion(ctx, p.request(messages, tools, false))
	if err != nil {
		return contract.ChatResponse{}, fmt.Errorf("openai: %w", err)
	}
	if len(resp.Choices) == 0 {
		return contract.ChatResponse{}, fmt.Errorf("openai: empty choices")
	}
	choice := resp.Choices[0]

	var toolCalls []model.ToolUse
	for _, tc := range choice.Message.ToolCalls {
		toolCalls = append(toolCalls, model.ToolUse{
			CallID:       tc.ID,
			Name:         tc.Function.Name,
			ArgumentsRaw: json.RawMessage(tc.Function.Arguments),
		})
	}

	return contract.ChatResponse{
		TextOut:    choice.Message.Content,
		ToolCalls:  toolCalls,
		StopReason: string(choice.FinishReason),
		Usage: model.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}

// ChatStreamWithTools opens a streaming completion and accumulates
// per-index tool call fragments the way delta chunks arrive, emitting
// a ChunkToolUseComplete once a tool call's arguments close out.
func (p *OpenAIProvider) ChatStreamWithTools(ctx context.Context, messages []contract.ChatMessage, tools []model.ToolDefinition) (<-chan contract.StreamChunk, error) {
	stream, err := p.client.CreateChatCompletionStream(ctx, p.request(messages, tools, true))
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}

	out := make(chan contract.StreamChunk)
	go func() {
		defer close(out)
		defer stream.Close()

		type building struct {
			callID, name string
			args         string
			started      bool
		}
		calls := make(map[int]*building)

		emit := func(c contract.StreamChunk) bool {
			select {
			case out <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		flush := func() {
			for idx, b := range calls {
				if b.callID == "" || b.name == "" {
					continue
				}
				tc := model.ToolUse{CallID: b.callID, Name: b.name, ArgumentsRaw: json.RawMessage(b.args)}
				emit(contract.StreamChunk{Kind: contract.ChunkToolUseComplete, Index: idx, ToolCall: &tc})
			}
			calls = make(map[int]*building)
		}

		for {
			resp, err := stream.Recv()
			if err != nil {
				if err == io.EOF {
					flush()
					emit(contract.StreamChunk{Kind: contract.ChunkDone, StopReason: "stop"})
					return
				}
				emit(contract.StreamChunk{Kind: contract.ChunkDone, Err: fmt.Errorf("openai: stream: %w", err)})
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			choice := resp.Choices[0]
			delta := choice.Delta

			if delta.Content != "" {
				if !emit(contract.StreamChunk{Kind: contract.ChunkText, Text: delta.Content}) {
					return
				}
			}

			for _, tc := range delta.ToolCalls {
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}
				b, ok := calls[idx]
				if !ok {
					b = &building{}
					calls[idx] = b
				}
				if tc.ID != "" {
					b.callID = tc.ID
				}
				if tc.Function.Name != "" {
					b.name = tc.Function.Name
				}
				if tc.Function.Arguments != "" {
					b.args += tc.Function.Arguments
					if !emit(contract.StreamChunk{Kind: contract.ChunkToolUseDelta, Index: idx, PartialJSON: tc.Function.Arguments}) {
						return
					}
				}
				if !b.started {
					b.started = true
					if !emit(contract.StreamChunk{Kind: contract.ChunkToolUseStart, Index: idx, ToolCallID: b.callID, ToolName: b.name}) {
						return
					}
				}
			}

			if choice.FinishReason == "tool_calls" {
				flush()
			}
		}
	}()

	return out, nil
}

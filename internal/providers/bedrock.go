package providers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/quorumrun/nexus/pkg/contract"
	"github.com/quorumrun/nexus/pkg/model"
)

// BedrockClientAPI is the subset of the generated Bedrock runtime
// client this provider depends on. It matches *bedrockruntime.Client
// so callers can pass either the real client or a fake in tests.
type BedrockClientAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (ConverseStreamOutput, error)
}

// ConverseStreamOutput is the subset of *bedrockruntime.ConverseStreamOutput
// this provider needs, narrow enough that tests can substitute a fake event
// stream without constructing a real one.
type ConverseStreamOutput interface {
	GetStream() *bedrockruntime.ConverseStreamEventStream
}

// realBedrockClient adapts *bedrockruntime.Client to BedrockClientAPI: the
// SDK's own ConverseStream returns the concrete *ConverseStreamOutput type,
// which already satisfies ConverseStreamOutput, but Go requires the adapter
// to spell that out since interface methods aren't covariant on return type.
type realBedrockClient struct {
	*bedrockruntime.Client
}

func (c realBedrockClient) ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (ConverseStreamOutput, error) {
	return c.Client.ConverseStream(ctx, params, optFns...)
}

// BedrockConfig configures a BedrockProvider.
type BedrockConfig struct {
	Region    string
	ModelID   string
	MaxTokens int32
}

// BedrockProvider implements contract.ChatProvider against the Bedrock
// Converse API, which presents a single message shape across every
// foundation model Bedrock hosts rather than a per-vendor wire format.
type BedrockProvider struct {
	client    BedrockClientAPI
	modelID   string
	maxTokens int32
}

// NewBedrockProvider loads the default AWS config for cfg.Region and
// builds a provider on top of it.
func NewBedrockProvider(ctx context.Context, cfg BedrockConfig) (*BedrockProvider, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("bedrock: loading aws config: %w", err)
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &BedrockProvider{
		client:    realBedrockClient{bedrockruntime.NewFromConfig(awsCfg)},
		modelID:   cfg.ModelID,
		maxTokens: maxTokens,
	}, nil
}

// NewBedrockProviderWithClient builds a provider over an
// already-constructed client, for tests that substitute a fake.
func NewBedrockProviderWithClient(client BedrockClientAPI, cfg BedrockConfig) *BedrockProvider {
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &BedrockProvider{client: client, modelID: cfg.ModelID, maxTokens: maxTokens}
}

func (p *BedrockProvider) Name() string            { return "bedrock" }
func (p *BedrockProvider) SupportsStreaming() bool { return true }

func (p *BedrockProvider) convertMessages(messages []contract.ChatMessage) []types.Message {
	out := make([]types.Message, 0, len(messages))
	for _, msg := range messages {
		role := types.ConversationRoleUser
		if msg.Role == model.RoleAssistant {
			role = types.ConversationRoleAssistant
		}
		var blocks []types.ContentBlock
		if msg.Content != "" {
			blocks = append(blocks, &types.ContentBlockMemberText{Value: msg.Content})
		}
		for _, tc := range msg.ToolCalls {
			var input document.Interface
			var raw map[string]any
			_ = json.Unmarshal(tc.ArgumentsRaw, &raw)
			input = document.NewLazyDocument(raw)
			blocks = append(blocks, &types.ContentBlockMemberToolUse{Value: types.ToolUseBlock{
				ToolUseId: aws.String(tc.CallID),
				Name:      aws.String(tc.Name),
				Input:     input,
			}})
		}
		for _, tr := range msg.ToolResults {
			status := types.ToolResultStatusSuccess
			if tr.IsError {
				status = types.ToolResultStatusError
			}
			blocks = append(blocks, &types.ContentBlockMemberToolResult{Value: types.ToolResultBlock{
				ToolUseId: aws.String(tr.CallID),
				Status:    status,
				Content:   []types.ToolResultContentBlock{&types.ToolResultContentBlockMemberText{Value: tr.Content}},
			}})
		}
		if len(blocks) == 0 {
			continue
		}
		out = append(out, types.Message{Role: role, Content: blocks})
	}
	return out
}

func (p *BedrockProvider) convertTools(tools []model.ToolDefinition) *types.ToolConfiguration {
	if len(tools) == 0 {
		return nil
	}
	specs := make([]types.Tool, 0, len(tools))
	for _, t := range tools {
		var schema map[string]any
		_ = json.Unmarshal(t.Parameters, &schema)
		specs = append(specs, &types.ToolMemberToolSpec{Value: types.ToolSpec{
			Name:        aws.String(t.Name),
			Description: aws.String(t.Description),
			InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schema)},
		}})
	}
	return &types.ToolConfiguration{Tools: specs}
}

// ChatWithTools issues a single Converse call.
func (p *BedrockProvider) ChatWithTools(ctx context.Context, messages []contract.ChatMessage, tools []model.ToolDefinition) (contract.ChatResponse, error) {
	out, err := p.client.Converse(ctx, &bedrockruntime.ConverseInput{
		ModelId:         aws.String(p.modelID),
		Messages:        p.convertMessages(messages),
		ToolConfig:      p.convertTools(tools),
		InferenceConfig: &types.InferenceConfiguration{MaxTokens: aws.Int32(p.maxTokens)},
	})
	if err != nil {
		return contract.ChatResponse{}, fmt.Errorf("bedrock: converse: %w", err)
	}

	resp := contract.ChatResponse{StopReason: string(out.StopReason)}
	msgOutput, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return resp, nil
	}
	for _, block := range msgOutput.Value.Content {
		switch b := block.(type) {
		case *types.ContentBlockMemberText:
			resp.TextOut += b.Value
		case *types.ContentBlockMemberToolUse:
			raw, _ := b.Value.Input.MarshalSmithyDocument()
			resp.ToolCalls = append(resp.ToolCalls, model.ToolUse{
				CallID:       aws.ToString(b.Value.ToolUseId),
				Name:         aws.ToString(b.Value.Name),
				ArgumentsRaw: raw,
			})
		}
	}
	if out.Usage != nil {
		resp.Usage = model.Usage{
			InputTokens:  int(aws.ToInt32(out.Usage.InputTokens)),
			OutputTokens: int(aws.ToInt32(out.Usage.OutputTokens)),
		}
	}
	return resp, nil
}

// ChatStreamWithTools opens a ConverseStream call and translates each
// event into a contract.StreamChunk.
func (p *BedrockProvider) ChatStreamWithTools(ctx context.Context, messages []contract.ChatMessage, tools []model.ToolDefinition) (<-chan contract.StreamChunk, error) {
	out, err := p.client.ConverseStream(ctx, &bedrockruntime.ConverseStreamInput{
		ModelId:         aws.String(p.modelID),
		Messages:        p.convertMessages(messages),
		ToolConfig:      p.convertTools(tools),
		InferenceConfig: &types.InferenceConfiguration{MaxTokens: aws.Int32(p.maxTokens)},
	})
	if err != nil {
		return nil, fmt.Errorf("bedrock: converse stream: %w", err)
	}

	ch := make(chan contract.StreamChunk)
	go func() {
		defer close(ch)
		var toolIndex int
		var currentCallID, currentToolName string
		var usage model.Usage

		emit := func(c contract.StreamChunk) bool {
			select {
			case ch <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		stream := out.GetStream()
		defer stream.Close()
		for event := range stream.Events() {
			switch e := event.(type) {
			case *types.ConverseStreamOutputMemberContentBlockStart:
				if tu, ok := e.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
					currentCallID = aws.ToString(tu.Value.ToolUseId)
					currentToolName = aws.ToString(tu.Value.Name)
					if !emit(contract.StreamChunk{Kind: contract.ChunkToolUseStart, Index: toolIndex, ToolCallID: currentCallID, ToolName: currentToolName}) {
						return
					}
				}
			case *types.ConverseStreamOutputMemberContentBlockDelta:
				switch d := e.Value.Delta.(type) {
				case *types.ContentBlockDeltaMemberText:
					if !emit(contract.StreamChunk{Kind: contract.ChunkText, Text: d.Value}) {
						return
					}
				case *types.ContentBlockDeltaMemberToolUse:
					if !emit(contract.StreamChunk{Kind: contract.ChunkToolUseDelta, Index: toolIndex, PartialJSON: aws.ToString(d.Value.Input)}) {
						return
					}
				}
			case *types.ConverseStreamOutputMemberContentBlockStop:
				if currentCallID != "" {
					tc := model.ToolUse{CallID: currentCallID, Name: currentToolName}
					if !emit(contract.StreamChunk{Kind: contract.ChunkToolUseComplete, Index: toolIndex, ToolCall: &tc}) {
						return
					}
					currentCallID, currentToolName = "", ""
					toolIndex++
				}
			case *types.ConverseStreamOutputMemberMetadata:
				if e.Value.Usage != nil {
					usage.InputTokens = int(aws.ToInt32(e.Value.Usage.InputTokens))
					usage.OutputTokens = int(aws.ToInt32(e.Value.Usage.OutputTokens))
					if !emit(contract.StreamChunk{Kind: contract.ChunkUsage, Usage: &usage}) {
						return
					}
				}
			case *types.ConverseStreamOutputMemberMessageStop:
				emit(contract.StreamChunk{Kind: contract.ChunkDone, StopReason: string(e.Value.StopReason)})
				return
			}
		}
		if err := stream.Err(); err != nil {
			emit(contract.StreamChunk{Kind: contract.ChunkDone, Err: fmt.Errorf("bedrock: stream: %w", err)})
		}
	}()

	return ch, nil
}

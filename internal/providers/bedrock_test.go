package providers

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/quorumrun/nexus/pkg/contract"
	"github.com/quorumrun/nexus/pkg/model"
)

type fakeBedrockClient struct {
	captured     *bedrockruntime.ConverseInput
	output       *bedrockruntime.ConverseOutput
	outputErr    error
	streamOutput ConverseStreamOutput
	streamErr    error
}

func (f *fakeBedrockClient) Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	f.captured = params
	return f.output, f.outputErr
}

func (f *fakeBedrockClient) ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (ConverseStreamOutput, error) {
	f.captured = &bedrockruntime.ConverseInput{ModelId: params.ModelId}
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	return f.streamOutput, nil
}

type fakeStreamOutput struct {
	stream *bedrockruntime.ConverseStreamEventStream
}

func (f *fakeStreamOutput) GetStream() *bedrockruntime.ConverseStreamEventStream { return f.stream }

type fakeStreamReader struct {
	events chan types.ConverseStreamOutput
	err    error
}

func (r *fakeStreamReader) Events() <-chan types.ConverseStreamOutput { return r.events }
func (r *fakeStreamReader) Close() error                              { return nil }
func (r *fakeStreamReader) Err() error                                { return r.err }

func newFakeStream(events []types.ConverseStreamOutput, err error) ConverseStreamOutput {
	ch := make(chan types.ConverseStreamOutput, len(events))
	for _, e := range events {
		ch <- e
	}
	close(ch)
	stream := bedrockruntime.NewConverseStreamEventStream(func(es *bedrockruntime.ConverseStreamEventStream) {
		es.Reader = &fakeStreamReader{events: ch, err: err}
	})
	return &fakeStreamOutput{stream: stream}
}

func TestBedrockChatWithTools_TranslatesTextAndToolUse(t *testing.T) {
	client := &fakeBedrockClient{
		output: &bedrockruntime.ConverseOutput{
			StopReason: types.StopReasonToolUse,
			Output: &types.ConverseOutputMemberMessage{Value: types.Message{
				Role: types.ConversationRoleAssistant,
				Content: []types.ContentBlock{
					&types.ContentBlockMemberText{Value: "hello"},
				},
			}},
			Usage: &types.TokenUsage{InputTokens: aws.Int32(10), OutputTokens: aws.Int32(4)},
		},
	}
	p := NewBedrockProviderWithClient(client, BedrockConfig{ModelID: "anthropic.claude-3-sonnet"})

	resp, err := p.ChatWithTools(context.Background(), []contract.ChatMessage{
		{Role: model.RoleUser, Content: "hi"},
	}, nil)
	if err != nil {
		t.Fatalf("ChatWithTools: %v", err)
	}
	if resp.TextOut != "hello" {
		t.Fatalf("expected text 'hello', got %q", resp.TextOut)
	}
	if resp.Usage.InputTokens != 10 || resp.Usage.OutputTokens != 4 {
		t.Fatalf("unexpected usage: %+v", resp.Usage)
	}
	if client.captured == nil || aws.ToString(client.captured.ModelId) != "anthropic.claude-3-sonnet" {
		t.Fatalf("expected model id to be forwarded, got %+v", client.captured)
	}
}

func TestBedrockChatWithTools_PropagatesError(t *testing.T) {
	client := &fakeBedrockClient{outputErr: errors.New("throttled")}
	p := NewBedrockProviderWithClient(client, BedrockConfig{ModelID: "m"})

	_, err := p.ChatWithTools(context.Background(), []contract.ChatMessage{{Role: model.RoleUser, Content: "hi"}}, nil)
	if err == nil {
		t.Fatal("expected an error")
	}
}

func TestBedrockChatStreamWithTools_EmitsTextToolUseAndUsage(t *testing.T) {
	events := []types.ConverseStreamOutput{
		&types.ConverseStreamOutputMemberContentBlockDelta{Value: types.ContentBlockDeltaEvent{
			Delta: &types.ContentBlockDeltaMemberText{Value: "Hello"},
		}},
		&types.ConverseStreamOutputMemberContentBlockStart{Value: types.ContentBlockStartEvent{
			Start: &types.ContentBlockStartMemberToolUse{Value: types.ToolUseBlockStart{
				Name:      aws.String("search"),
				ToolUseId: aws.String("call-1"),
			}},
		}},
		&types.ConverseStreamOutputMemberContentBlockDelta{Value: types.ContentBlockDeltaEvent{
			Delta: &types.ContentBlockDeltaMemberToolUse{Value: types.ToolUseBlockDelta{
				Input: aws.String(`{"q":"go"}`),
			}},
		}},
		&types.ConverseStreamOutputMemberContentBlockStop{},
		&types.ConverseStreamOutputMemberMetadata{Value: types.ConverseStreamMetadataEvent{
			Usage: &types.TokenUsage{InputTokens: aws.Int32(5), OutputTokens: aws.Int32(2)},
		}},
		&types.ConverseStreamOutputMemberMessageStop{Value: types.MessageStopEvent{StopReason: types.StopReasonToolUse}},
	}
	client := &fakeBedrockClient{streamOutput: newFakeStream(events, nil)}
	p := NewBedrockProviderWithClient(client, BedrockConfig{ModelID: "m"})

	ch, err := p.ChatStreamWithTools(context.Background(), []contract.ChatMessage{{Role: model.RoleUser, Content: "hi"}}, []model.ToolDefinition{
		{Name: "search", Description: "search", Parameters: []byte(`{"type":"object"}`)},
	})
	if err != nil {
		t.Fatalf("ChatStreamWithTools: %v", err)
	}

	var kinds []contract.StreamChunkKind
	var toolCallSeen bool
	var usageSeen bool
	for chunk := range ch {
		kinds = append(kinds, chunk.Kind)
		if chunk.Kind == contract.ChunkToolUseComplete {
			toolCallSeen = true
			if chunk.ToolCall == nil || chunk.ToolCall.Name != "search" {
				t.Fatalf("expected tool call named search, got %+v", chunk.ToolCall)
			}
		}
		if chunk.Kind == contract.ChunkUsage {
			usageSeen = true
			if chunk.Usage == nil || chunk.Usage.InputTokens != 5 {
				t.Fatalf("unexpected usage chunk: %+v", chunk.Usage)
			}
		}
	}
	if !toolCallSeen {
		t.Fatal("expected a ChunkToolUseComplete")
	}
	if !usageSeen {
		t.Fatal("expected a ChunkUsage")
	}
	if kinds[len(kinds)-1] != contract.ChunkDone {
		t.Fatalf("expected stream to end with ChunkDone, got %v", kinds[len(kinds)-1])
	}
}

func TestBedrockChatStreamWithTools_DialErrorSurfacesImmediately(t *testing.T) {
	client := &fakeBedrockClient{streamErr: errors.New("connection refused")}
	p := NewBedrockProviderWithClient(client, BedrockConfig{ModelID: "m"})

	_, err := p.ChatStreamWithTools(context.Background(), []contract.ChatMessage{{Role: model.RoleUser, Content: "hi"}}, nil)
	if err == nil {
		t.Fatal("expected an error")
	}
}

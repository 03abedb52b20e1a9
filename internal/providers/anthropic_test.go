package providers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/quorumrun/nexus/pkg/contract"
)

func newAnthropicTestProvider(t *testing.T, events []string) (*AnthropicProvider, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "messages") {
			t.Errorf("expected a /messages request, got %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") == "" {
			t.Error("missing x-api-key header")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher, ok := w.(http.Flusher)
		if !ok {
			t.Fatal("expected http.Flusher")
		}
		for _, e := range events {
			fmt.Fprintln(w, e)
		}
		flusher.Flush()
	}))
	t.Cleanup(server.Close)

	p := NewAnthropicProvider(AnthropicConfig{APIKey: "test-key", Model: "claude-test", BaseURL: server.URL})
	return p, server
}

func sseLines(pairs ...string) []string {
	var out []string
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, "event: "+pairs[i], "data: "+pairs[i+1], "")
	}
	return out
}

func TestAnthropicChatWithTools_FoldsTextStream(t *testing.T) {
	events := sseLines(
		"message_start", `{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","usage":{"input_tokens":12,"output_tokens":0}}}`,
		"content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}`,
		"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" world"}}`,
		"content_block_stop", `{"type":"content_block_stop","index":0}`,
		"message_delta", `{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":2}}`,
		"message_stop", `{"type":"message_stop"}`,
	)
	p, _ := newAnthropicTestProvider(t, events)

	resp, err := p.ChatWithTools(context.Background(), []contract.ChatMessage{{Role: "user", Content: "hi"}}, nil)
	if err != nil {
		t.Fatalf("ChatWithTools returned error: %v", err)
	}
	if resp.TextOut != "Hello world" {
		t.Fatalf("expected folded text %q, got %q", "Hello world", resp.TextOut)
	}
	if resp.Usage.InputTokens != 12 || resp.Usage.OutputTokens != 2 {
		t.Fatalf("unexpected usage: %+v", resp.Usage)
	}
}

func TestAnthropicChatStreamWithTools_EmitsToolUseAndDone(t *testing.T) {
	events := sseLines(
		"message_start", `{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","usage":{"input_tokens":5,"output_tokens":0}}}`,
		"content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"call_1","name":"search","input":{}}}`,
		"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"q\":\"go\"}"}}`,
		"content_block_stop", `{"type":"content_block_stop","index":0}`,
		"message_delta", `{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":3}}`,
		"message_stop", `{"type":"message_stop"}`,
	)
	p, _ := newAnthropicTestProvider(t, events)

	ch, err := p.ChatStreamWithTools(context.Background(), []contract.ChatMessage{{Role: "user", Content: "search go"}}, nil)
	if err != nil {
		t.Fatalf("ChatStreamWithTools returned error: %v", err)
	}

	var sawToolStart, sawToolComplete, sawDone bool
	for chunk := range ch {
		switch chunk.Kind {
		case contract.ChunkToolUseStart:
			sawToolStart = true
			if chunk.ToolName != "search" {
				t.Fatalf("expected tool name %q, got %q", "search", chunk.ToolName)
			}
		case contract.ChunkToolUseComplete:
			sawToolComplete = true
			if chunk.ToolCall == nil || string(chunk.ToolCall.ArgumentsRaw) != `{"q":"go"}` {
				t.Fatalf("unexpected tool call args: %+v", chunk.ToolCall)
			}
		case contract.ChunkDone:
			sawDone = true
			if chunk.Err != nil {
				t.Fatalf("unexpected stream error: %v", chunk.Err)
			}
		}
	}
	if !sawToolStart || !sawToolComplete || !sawDone {
		t.Fatalf("missing expected chunks: start=%v complete=%v done=%v", sawToolStart, sawToolComplete, sawDone)
	}
}

func TestAnthropicProvider_NameAndStreaming(t *testing.T) {
	p := NewAnthropicProvider(AnthropicConfig{APIKey: "k", Model: "m"})
	if p.Name() != "anthropic" {
		t.Fatalf("expected name %q, got %q", "anthropic", p.Name())
	}
	if !p.SupportsStreaming() {
		t.Fatal("expected SupportsStreaming to be true")
	}
}

package remoteproxy

import (
	"context"
	"errors"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/quorumrun/nexus/pkg/contract"
	"github.com/quorumrun/nexus/pkg/model"
)

// fakeDialer implements Dialer directly against a local Server,
// skipping the network entirely, the way the corpus's in-process test
// doubles for gRPC-shaped clients work.
type fakeDialer struct {
	server     *Server
	failNTimes int
}

func (d *fakeDialer) Invoke(ctx context.Context, method string, args, reply interface{}, opts ...grpc.CallOption) error {
	if d.failNTimes > 0 {
		d.failNTimes--
		return errors.New("transient dial failure")
	}
	req := args.(*wrapperspb.BytesValue)
	out, err := d.server.handleChat(ctx, req)
	if err != nil {
		return err
	}
	*(reply.(*wrapperspb.BytesValue)) = *out
	return nil
}

func (d *fakeDialer) NewStream(ctx context.Context, desc *grpc.StreamDesc, method string, opts ...grpc.CallOption) (grpc.ClientStream, error) {
	return nil, errors.New("fakeDialer does not support streaming")
}

type echoProvider struct{ name string }

func (p *echoProvider) Name() string            { return p.name }
func (p *echoProvider) SupportsStreaming() bool { return false }
func (p *echoProvider) ChatWithTools(ctx context.Context, msgs []contract.ChatMessage, tools []model.ToolDefinition) (contract.ChatResponse, error) {
	return contract.ChatResponse{TextOut: "echo:" + msgs[0].Content, StopReason: "end_turn"}, nil
}
func (p *echoProvider) ChatStreamWithTools(ctx context.Context, msgs []contract.ChatMessage, tools []model.ToolDefinition) (<-chan contract.StreamChunk, error) {
	ch := make(chan contract.StreamChunk)
	close(ch)
	return ch, nil
}

type staticResolver struct{ providers map[string]contract.ChatProvider }

func (r *staticResolver) Resolve(name string) (contract.ChatProvider, bool) {
	p, ok := r.providers[name]
	return p, ok
}

func TestProvider_ChatWithTools_RoundTrips(t *testing.T) {
	resolver := &staticResolver{providers: map[string]contract.ChatProvider{"mesh-a": &echoProvider{name: "mesh-a"}}}
	server := NewServer(resolver, nil)
	dialer := &fakeDialer{server: server}

	p := New(Config{ProviderName: "mesh-a"}, dialer)
	resp, err := p.ChatWithTools(context.Background(), []contract.ChatMessage{{Role: model.RoleUser, Content: "hi"}}, nil)
	if err != nil {
		t.Fatalf("ChatWithTools: %v", err)
	}
	if resp.TextOut != "echo:hi" {
		t.Fatalf("expected echo:hi, got %q", resp.TextOut)
	}
}

func TestProvider_ChatWithTools_UnknownProviderErrors(t *testing.T) {
	resolver := &staticResolver{providers: map[string]contract.ChatProvider{}}
	server := NewServer(resolver, nil)
	dialer := &fakeDialer{server: server}

	p := New(Config{ProviderName: "ghost"}, dialer)
	if _, err := p.ChatWithTools(context.Background(), []contract.ChatMessage{{Role: model.RoleUser, Content: "hi"}}, nil); err == nil {
		t.Fatal("expected an error for an unresolvable remote provider")
	}
}

func TestProvider_ChatWithTools_RetriesTransientFailures(t *testing.T) {
	resolver := &staticResolver{providers: map[string]contract.ChatProvider{"mesh-a": &echoProvider{name: "mesh-a"}}}
	server := NewServer(resolver, nil)
	dialer := &fakeDialer{server: server, failNTimes: 2}

	cfg := Config{ProviderName: "mesh-a"}
	cfg.Retry.MaxAttempts = 3
	cfg.Retry.InitialDelay = 1
	cfg.Retry.MaxDelay = 1
	cfg.Retry.Factor = 1
	p := New(cfg, dialer)

	resp, err := p.ChatWithTools(context.Background(), []contract.ChatMessage{{Role: model.RoleUser, Content: "hi"}}, nil)
	if err != nil {
		t.Fatalf("expected eventual success after retries, got %v", err)
	}
	if resp.TextOut != "echo:hi" {
		t.Fatalf("expected echo:hi, got %q", resp.TextOut)
	}
}

func TestProvider_Name(t *testing.T) {
	p := New(Config{ProviderName: "mesh-a"}, &fakeDialer{})
	if p.Name() != "mesh-a" {
		t.Fatalf("expected mesh-a, got %q", p.Name())
	}
	if !p.SupportsStreaming() {
		t.Fatal("expected SupportsStreaming to be true")
	}
}

package remoteproxy

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/quorumrun/nexus/internal/retry"
	"github.com/quorumrun/nexus/pkg/contract"
	"github.com/quorumrun/nexus/pkg/model"
)

// Dialer abstracts grpc.ClientConn enough to let tests fake a mesh peer
// without opening a real socket.
type Dialer interface {
	Invoke(ctx context.Context, method string, args, reply interface{}, opts ...grpc.CallOption) error
	NewStream(ctx context.Context, desc *grpc.StreamDesc, method string, opts ...grpc.CallOption) (grpc.ClientStream, error)
}

// Config configures a Provider.
type Config struct {
	// Addr is the mesh peer's gRPC address, e.g. "node-b.mesh:7443".
	Addr string
	// ProviderName is the remote provider name to request, as
	// registered in the peer's own ProviderResolver.
	ProviderName string
	// Retry governs reconnect/retry behavior for the unary path; the
	// zero value falls back to retry.DefaultConfig().
	Retry retry.Config
	Log   *slog.Logger
}

// Provider is a contract.ChatProvider that forwards every call across
// the mesh to a remote node, so the engine can treat a mesh-hosted
// model exactly like a local one (§9's "mesh/remote provider case
// wraps an RPC call site as a ChatProvider").
type Provider struct {
	name   string
	dialer Dialer
	retry  retry.Config
	log    *slog.Logger
}

// Dial opens a gRPC connection to cfg.Addr and returns a Provider built
// on it. The caller owns closing the underlying connection by holding
// onto it separately; Dial does not expose a Close because contract.
// ChatProvider has none — callers that need lifecycle control should
// construct the *grpc.ClientConn themselves and use New instead.
func Dial(cfg Config) (*Provider, *grpc.ClientConn, error) {
	conn, err := grpc.NewClient(cfg.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, fmt.Errorf("remoteproxy: dialing %s: %w", cfg.Addr, err)
	}
	return New(cfg, conn), conn, nil
}

// New builds a Provider over an already-established Dialer (typically
// a *grpc.ClientConn, but any Dialer works — tests pass a fake).
func New(cfg Config, dialer Dialer) *Provider {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	r := cfg.Retry
	if r.MaxAttempts == 0 {
		r = retry.DefaultConfig()
	}
	return &Provider{
		name:   cfg.ProviderName,
		dialer: dialer,
		retry:  r,
		log:    log.With("component", "remoteproxy.client", "remote_provider", cfg.ProviderName),
	}
}

// Name satisfies contract.ChatProvider; it reports the remote
// provider's name so a ProviderResolver can register this Provider
// under the same name sessions already reference.
func (p *Provider) Name() string { return p.name }

// SupportsStreaming always reports true: ChatStream is proxied
// transparently, and a caller that doesn't want streaming can always
// use ChatWithTools instead.
func (p *Provider) SupportsStreaming() bool { return true }

// ChatWithTools relays a non-streaming chat call to the mesh peer,
// retrying transient failures per p.retry. A remote-side application
// error (the provider itself failing) is never retried — only the RPC
// is.
func (p *Provider) ChatWithTools(ctx context.Context, messages []contract.ChatMessage, tools []model.ToolDefinition) (contract.ChatResponse, error) {
	reqBytes, err := encodeRequest(p.name, messages, tools)
	if err != nil {
		return contract.ChatResponse{}, err
	}
	req := wrapperspb.Bytes(reqBytes)

	resp, result := retry.DoWithValue(ctx, p.retry, func() (contract.ChatResponse, error) {
		reply := new(wrapperspb.BytesValue)
		if err := p.dialer.Invoke(ctx, methodChat, req, reply); err != nil {
			return contract.ChatResponse{}, fmt.Errorf("remoteproxy: rpc: %w", err)
		}
		out, err := decodeResponse(reply.GetValue())
		if err != nil {
			return contract.ChatResponse{}, retry.Permanent(err)
		}
		return out, nil
	})
	if result.Err != nil {
		p.log.Warn("remoteproxy: chat call failed", "attempts", result.Attempts, "err", result.Err)
		return contract.ChatResponse{}, result.Err
	}
	return resp, nil
}

// ChatStreamWithTools opens a server-streaming RPC and translates each
// frame back into a contract.StreamChunk. Streams are not retried:
// resuming a partial stream would duplicate already-delivered chunks,
// so a mid-stream failure surfaces as a ChunkDone chunk carrying the error and
// the caller (the engine's stream consumer) decides whether to retry
// the whole turn.
func (p *Provider) ChatStreamWithTools(ctx context.Context, messages []contract.ChatMessage, tools []model.ToolDefinition) (<-chan contract.StreamChunk, error) {
	reqBytes, err := encodeRequest(p.name, messages, tools)
	if err != nil {
		return nil, err
	}

	streamDesc := &grpc.StreamDesc{StreamName: methodChatSide, ServerStreams: true}
	cs, err := p.dialer.NewStream(ctx, streamDesc, methodStream)
	if err != nil {
		return nil, fmt.Errorf("remoteproxy: opening stream: %w", err)
	}
	if err := cs.SendMsg(wrapperspb.Bytes(reqBytes)); err != nil {
		return nil, fmt.Errorf("remoteproxy: sending stream request: %w", err)
	}
	if err := cs.CloseSend(); err != nil {
		return nil, fmt.Errorf("remoteproxy: closing send side: %w", err)
	}

	out := make(chan contract.StreamChunk)
	go func() {
		defer close(out)
		for {
			frame := new(wrapperspb.BytesValue)
			if err := cs.RecvMsg(frame); err != nil {
				if err != io.EOF {
					select {
					case out <- contract.StreamChunk{Kind: contract.ChunkDone, Err: fmt.Errorf("remoteproxy: stream recv: %w", err)}:
					case <-ctx.Done():
					}
				}
				return
			}
			chunk, decErr := decodeChunk(frame.GetValue())
			if decErr != nil {
				select {
				case out <- contract.StreamChunk{Kind: contract.ChunkDone, Err: decErr}:
				case <-ctx.Done():
				}
				return
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

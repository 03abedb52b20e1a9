package remoteproxy

import (
	"context"
	"fmt"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/quorumrun/nexus/pkg/contract"
)

const (
	serviceName    = "nexus.remoteproxy.ChatRelay"
	methodChat     = "/" + serviceName + "/Chat"
	methodChatSide = "ChatStream"
	methodStream   = "/" + serviceName + "/" + methodChatSide
)

// Server exposes a local contract.ProviderResolver to the mesh: a peer
// node dials in and relays chat_with_tools / chat_stream_with_tools
// calls against whichever provider name it asks for, by Provider field
// on the request frame.
type Server struct {
	resolver contract.ProviderResolver
	log      *slog.Logger
}

// NewServer builds a Server backed by resolver. log may be nil.
func NewServer(resolver contract.ProviderResolver, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{resolver: resolver, log: log.With("component", "remoteproxy.server")}
}

// Register attaches the ChatRelay service to an existing grpc.Server,
// the way a generated _grpc.pb.go's RegisterXServer helper would.
func (s *Server) Register(gs *grpc.Server) {
	gs.RegisterService(&serviceDesc, s)
}

func (s *Server) handleChat(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	in, err := decodeRequest(req.GetValue())
	if err != nil {
		return nil, err
	}
	provider, ok := s.resolver.Resolve(in.Provider)
	if !ok {
		return nil, fmt.Errorf("remoteproxy: unknown provider %q", in.Provider)
	}
	resp, err := provider.ChatWithTools(ctx, in.Messages, in.Tools)
	out, encErr := encodeResponse(resp, err)
	if encErr != nil {
		return nil, encErr
	}
	return wrapperspb.Bytes(out), nil
}

func (s *Server) handleChatStream(req *wrapperspb.BytesValue, stream grpc.ServerStream) error {
	in, err := decodeRequest(req.GetValue())
	if err != nil {
		return err
	}
	provider, ok := s.resolver.Resolve(in.Provider)
	if !ok {
		return fmt.Errorf("remoteproxy: unknown provider %q", in.Provider)
	}
	chunks, err := provider.ChatStreamWithTools(stream.Context(), in.Messages, in.Tools)
	if err != nil {
		return err
	}
	for c := range chunks {
		b, encErr := encodeChunk(c)
		if encErr != nil {
			return encErr
		}
		if sendErr := stream.SendMsg(wrapperspb.Bytes(b)); sendErr != nil {
			s.log.Warn("remoteproxy: stream send failed", "err", sendErr)
			return sendErr
		}
	}
	return nil
}

func chatHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	return srv.(*Server).handleChat(ctx, in)
}

func chatStreamHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(wrapperspb.BytesValue)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(*Server).handleChatStream(in, stream)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Chat", Handler: chatHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: methodChatSide, Handler: chatStreamHandler, ServerStreams: true},
	},
	Metadata: "nexus/remoteproxy.proto",
}

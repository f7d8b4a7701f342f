package grpcstream

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/keepalive"

	"github.com/nodenexus/nodenexus/internal/protocol"
)

const (
	// keepalivePingInterval and keepaliveTimeout implement the 10s ping /
	// 30s timeout keepalive contract, applied symmetrically on both the
	// server and client dial options.
	keepalivePingInterval = 10 * time.Second
	keepaliveTimeout      = 30 * time.Second

	// ServiceName and StreamMethod identify the hand-registered bidi
	// streaming RPC in lieu of a generated .proto service.
	ServiceName  = "nodenexus.AgentStream"
	StreamMethod = "Session"
)

// StreamHandler is implemented by the server-side wiring that runs one
// session.Session per accepted stream.
type StreamHandler interface {
	HandleStream(stream grpc.ServerStream) error
}

// ServiceDesc is registered against a *grpc.Server in place of a
// protoc-generated service descriptor.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*StreamHandler)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    StreamMethod,
			Handler:       streamHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "nodenexus/grpcstream",
}

func streamHandler(srv any, stream grpc.ServerStream) error {
	return srv.(StreamHandler).HandleStream(stream)
}

// NewServer constructs a *grpc.Server with the ServiceDesc registered,
// the frame Codec forced for every call, TLS transport credentials, and
// the keepalive enforcement policy (a misbehaving client that pings more
// often than once per MinTime is disconnected).
func NewServer(tlsConfig *tls.Config, handler StreamHandler) *grpc.Server {
	creds := credentials.NewTLS(tlsConfig)
	srv := grpc.NewServer(
		grpc.Creds(creds),
		grpc.ForceServerCodec(Codec{}),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    keepalivePingInterval,
			Timeout: keepaliveTimeout,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             keepalivePingInterval / 2,
			PermitWithoutStream: true,
		}),
	)
	srv.RegisterService(&ServiceDesc, handler)
	return srv
}

// ServerStream adapts a grpc.ServerStream to session.Stream. Close is a
// no-op: a gRPC server stream's lifetime is tied to the Handler call
// returning, not to an explicit close from the session.
type ServerStream struct {
	stream grpc.ServerStream
	msgID  uint64
}

// NewServerStream wraps stream for use as a session.Stream.
func NewServerStream(stream grpc.ServerStream) *ServerStream {
	return &ServerStream{stream: stream}
}

func (s *ServerStream) Recv() (protocol.Frame, error) {
	var frame protocol.Frame
	if err := s.stream.RecvMsg(&frame); err != nil {
		return protocol.Frame{}, err
	}
	return frame, nil
}

func (s *ServerStream) Send(typ protocol.PayloadType, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("grpcstream: marshal %s: %w", typ, err)
	}
	frame := &protocol.Frame{MessageID: atomic.AddUint64(&s.msgID, 1), Type: typ, Body: body}
	return s.stream.SendMsg(frame)
}

func (s *ServerStream) Close() error { return nil }

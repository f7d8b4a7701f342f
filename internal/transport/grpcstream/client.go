package grpcstream

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/keepalive"

	"github.com/nodenexus/nodenexus/internal/protocol"
)

// Dial opens a ClientConn to addr with TLS transport credentials, the
// frame Codec forced for every call, and the keepalive ping contract;
// used by the agent's connection controller (agent/conn).
func Dial(ctx context.Context, addr string, tlsConfig *tls.Config) (*grpc.ClientConn, error) {
	creds := credentials.NewTLS(tlsConfig)
	conn, err := grpc.DialContext(ctx, addr,
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(Codec{})),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                keepalivePingInterval,
			Timeout:             keepaliveTimeout,
			PermitWithoutStream: true,
		}),
		grpc.WithBlock(),
	)
	if err != nil {
		return nil, fmt.Errorf("grpcstream: dial %s: %w", addr, err)
	}
	return conn, nil
}

// ClientStream adapts a grpc.ClientStream to session.Stream.
type ClientStream struct {
	stream grpc.ClientStream
	msgID  uint64
}

// OpenClientStream opens the single bidi-streaming RPC against conn.
func OpenClientStream(ctx context.Context, conn *grpc.ClientConn) (*ClientStream, error) {
	stream, err := conn.NewStream(ctx, &ServiceDesc.Streams[0], fmt.Sprintf("/%s/%s", ServiceName, StreamMethod))
	if err != nil {
		return nil, fmt.Errorf("grpcstream: open stream: %w", err)
	}
	return &ClientStream{stream: stream}, nil
}

func (c *ClientStream) Recv() (protocol.Frame, error) {
	var frame protocol.Frame
	if err := c.stream.RecvMsg(&frame); err != nil {
		return protocol.Frame{}, err
	}
	return frame, nil
}

func (c *ClientStream) Send(typ protocol.PayloadType, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("grpcstream: marshal %s: %w", typ, err)
	}
	frame := &protocol.Frame{MessageID: atomic.AddUint64(&c.msgID, 1), Type: typ, Body: body}
	return c.stream.SendMsg(frame)
}

// Close implements session.Stream by half-closing the send direction; the
// underlying ClientConn is owned and closed by the reconnection controller.
func (c *ClientStream) Close() error {
	return c.stream.CloseSend()
}

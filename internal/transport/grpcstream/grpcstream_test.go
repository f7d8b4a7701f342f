package grpcstream

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/stretchr/testify/require"

	"github.com/nodenexus/nodenexus/internal/protocol"
)

func TestCodecRoundTrip(t *testing.T) {
	in := &protocol.Frame{MessageID: 7, Type: protocol.TypeHeartbeat, Body: []byte(`{"foo":"bar"}`)}

	c := Codec{}
	data, err := c.Marshal(in)
	require.NoError(t, err)

	var out protocol.Frame
	require.NoError(t, c.Unmarshal(data, &out))
	require.Equal(t, in.MessageID, out.MessageID)
	require.Equal(t, in.Type, out.Type)
	require.Equal(t, in.Body, out.Body)
}

type echoHandler struct{}

func (echoHandler) HandleStream(stream grpc.ServerStream) error {
	s := NewServerStream(stream)
	for {
		frame, err := s.Recv()
		if err != nil {
			return nil
		}
		if err := s.Send(frame.Type, json.RawMessage(frame.Body)); err != nil {
			return err
		}
	}
}

func dialBufconn(t *testing.T, lis *bufconn.Listener) *grpc.ClientConn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := grpc.DialContext(ctx, "bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.Dial() }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(Codec{})),
		grpc.WithBlock(),
	)
	require.NoError(t, err)
	return conn
}

func TestBidiStreamRoundTrip(t *testing.T) {
	lis := bufconn.Listen(1024 * 1024)

	srv := grpc.NewServer(grpc.ForceServerCodec(Codec{}))
	srv.RegisterService(&ServiceDesc, echoHandler{})
	go func() { _ = srv.Serve(lis) }()
	defer srv.Stop()

	conn := dialBufconn(t, lis)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := OpenClientStream(ctx, conn)
	require.NoError(t, err)

	require.NoError(t, client.Send(protocol.TypeHeartbeat, map[string]string{"foo": "bar"}))

	frame, err := client.Recv()
	require.NoError(t, err)
	require.Equal(t, protocol.TypeHeartbeat, frame.Type)
}

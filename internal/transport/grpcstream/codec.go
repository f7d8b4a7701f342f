// Package grpcstream implements the gRPC transport adapter: a single
// bidirectional-streaming method registered by hand against a
// grpc.ServiceDesc, with the protocol's own frame encoding forced as the
// wire codec instead of protobuf, TLS transport credentials, and the
// 10s ping / 30s timeout keepalive contract.
package grpcstream

import (
	"encoding/binary"
	"fmt"

	"google.golang.org/grpc/encoding"

	"github.com/nodenexus/nodenexus/internal/protocol"
)

// codecName is the gRPC content-subtype every call on this service is
// forced to use in place of protobuf.
const codecName = "nodenexus-frame"

func init() {
	encoding.RegisterCodec(Codec{})
}

// Codec serializes a *protocol.Frame directly: an 8-byte big-endian
// message id, a 2-byte big-endian type tag, then the already-JSON-encoded
// body. gRPC supplies its own outer length-prefixed framing, so unlike
// protocol.Encode/Decode this codec carries no length header of its own.
type Codec struct{}

func (Codec) Name() string { return codecName }

func (Codec) Marshal(v any) ([]byte, error) {
	frame, ok := v.(*protocol.Frame)
	if !ok {
		return nil, fmt.Errorf("grpcstream: codec cannot marshal %T", v)
	}
	out := make([]byte, 10+len(frame.Body))
	binary.BigEndian.PutUint64(out[0:8], frame.MessageID)
	binary.BigEndian.PutUint16(out[8:10], uint16(frame.Type))
	copy(out[10:], frame.Body)
	return out, nil
}

func (Codec) Unmarshal(data []byte, v any) error {
	frame, ok := v.(*protocol.Frame)
	if !ok {
		return fmt.Errorf("grpcstream: codec cannot unmarshal into %T", v)
	}
	if len(data) < 10 {
		return fmt.Errorf("grpcstream: frame too short: %d bytes", len(data))
	}
	frame.MessageID = binary.BigEndian.Uint64(data[0:8])
	frame.Type = protocol.PayloadType(binary.BigEndian.Uint16(data[8:10]))
	frame.Body = append([]byte(nil), data[10:]...)
	return nil
}

// Package protocol implements the framed, tagged-union wire codec shared
// by both transports. A Frame is a length-prefixed binary record carrying
// a monotonic per-direction message id, a payload type tag, and a
// JSON-encoded payload body; the framing, ordering, and type-tagging are
// hand-rolled binary. Decode failures are always fatal to the session;
// callers must not attempt to resynchronize a corrupted stream.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// PayloadType tags the concrete payload carried by a Frame.
type PayloadType uint16

// Server -> Agent payload types.
const (
	TypeServerHandshakeAck PayloadType = iota + 1
	TypeUpdateConfigRequest
	TypeCommandRequest
	TypeBatchAgentCommandRequest
	TypeBatchTerminateCommandRequest
	TypeTriggerUpdateCheck
)

// Agent -> Server payload types.
const (
	TypeAgentHandshake PayloadType = iota + 100
	TypeHeartbeat
	TypePerformanceSnapshotBatch
	TypeDockerInfoBatch
	TypeUpdateConfigResponse
	TypeCommandResponse
	TypeBatchCommandOutputStream
	TypeBatchCommandResult
	TypeServiceMonitorResult
	TypeGenericMetricsBatch
)

func (t PayloadType) String() string {
	switch t {
	case TypeServerHandshakeAck:
		return "ServerHandshakeAck"
	case TypeUpdateConfigRequest:
		return "UpdateConfigRequest"
	case TypeCommandRequest:
		return "CommandRequest"
	case TypeBatchAgentCommandRequest:
		return "BatchAgentCommandRequest"
	case TypeBatchTerminateCommandRequest:
		return "BatchTerminateCommandRequest"
	case TypeTriggerUpdateCheck:
		return "TriggerUpdateCheck"
	case TypeAgentHandshake:
		return "AgentHandshake"
	case TypeHeartbeat:
		return "Heartbeat"
	case TypePerformanceSnapshotBatch:
		return "PerformanceSnapshotBatch"
	case TypeDockerInfoBatch:
		return "DockerInfoBatch"
	case TypeUpdateConfigResponse:
		return "UpdateConfigResponse"
	case TypeCommandResponse:
		return "CommandResponse"
	case TypeBatchCommandOutputStream:
		return "BatchCommandOutputStream"
	case TypeBatchCommandResult:
		return "BatchCommandResult"
	case TypeServiceMonitorResult:
		return "ServiceMonitorResult"
	case TypeGenericMetricsBatch:
		return "GenericMetricsBatch"
	default:
		return fmt.Sprintf("Unknown(%d)", uint16(t))
	}
}

// MaxFrameBytes bounds a single frame's payload to defend against a
// corrupted or hostile length prefix allocating unbounded memory.
const MaxFrameBytes = 16 * 1024 * 1024

// Frame is the decoded wire record: a monotonic message id, a type tag, and
// the still-encoded payload body (decode it with DecodePayload once the tag
// is known).
type Frame struct {
	MessageID uint64
	Type      PayloadType
	Body      []byte
}

// Encode writes msg to w as a length-prefixed record:
// [4-byte BE total length][8-byte BE message id][2-byte BE type][payload].
func Encode(w io.Writer, messageID uint64, typ PayloadType, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload %s: %w", typ, err)
	}
	return EncodeRaw(w, messageID, typ, body)
}

// EncodeRaw writes a frame whose payload is already JSON-encoded bytes.
func EncodeRaw(w io.Writer, messageID uint64, typ PayloadType, body []byte) error {
	total := 8 + 2 + len(body)
	header := make([]byte, 4+8+2)
	binary.BigEndian.PutUint32(header[0:4], uint32(total))
	binary.BigEndian.PutUint64(header[4:12], messageID)
	binary.BigEndian.PutUint16(header[12:14], uint16(typ))
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			return fmt.Errorf("write frame body: %w", err)
		}
	}
	return nil
}

// Decode reads one Frame from r. Any error (including io.EOF on a clean
// stream end) terminates the session; callers must not retry.
func Decode(r io.Reader) (Frame, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return Frame{}, err
	}
	total := binary.BigEndian.Uint32(lenBuf)
	if total < 10 {
		return Frame{}, fmt.Errorf("frame too short: %d bytes", total)
	}
	if total > MaxFrameBytes {
		return Frame{}, fmt.Errorf("frame exceeds max size: %d bytes", total)
	}
	rest := make([]byte, total)
	if _, err := io.ReadFull(r, rest); err != nil {
		return Frame{}, fmt.Errorf("read frame body: %w", err)
	}
	messageID := binary.BigEndian.Uint64(rest[0:8])
	typ := PayloadType(binary.BigEndian.Uint16(rest[8:10]))
	body := rest[10:]
	return Frame{MessageID: messageID, Type: typ, Body: body}, nil
}

// DecodePayload unmarshals a Frame's body into the concrete Go type
// associated with its Type tag. An unrecognized type is always a decode
// error; the union is closed, with no unknown-type tolerance.
func DecodePayload(f Frame) (any, error) {
	var v any
	switch f.Type {
	case TypeServerHandshakeAck:
		v = &ServerHandshakeAck{}
	case TypeUpdateConfigRequest:
		v = &UpdateConfigRequest{}
	case TypeCommandRequest:
		v = &CommandRequest{}
	case TypeBatchAgentCommandRequest:
		v = &BatchAgentCommandRequest{}
	case TypeBatchTerminateCommandRequest:
		v = &BatchTerminateCommandRequest{}
	case TypeTriggerUpdateCheck:
		v = &TriggerUpdateCheck{}
	case TypeAgentHandshake:
		v = &AgentHandshake{}
	case TypeHeartbeat:
		v = &Heartbeat{}
	case TypePerformanceSnapshotBatch:
		v = &PerformanceSnapshotBatch{}
	case TypeDockerInfoBatch:
		v = &DockerInfoBatch{}
	case TypeUpdateConfigResponse:
		v = &UpdateConfigResponse{}
	case TypeCommandResponse:
		v = &CommandResponse{}
	case TypeBatchCommandOutputStream:
		v = &BatchCommandOutputStream{}
	case TypeBatchCommandResult:
		v = &BatchCommandResult{}
	case TypeServiceMonitorResult:
		v = &ServiceMonitorResult{}
	case TypeGenericMetricsBatch:
		v = &GenericMetricsBatch{}
	default:
		return nil, fmt.Errorf("unknown payload type tag %d", uint16(f.Type))
	}
	if len(f.Body) > 0 {
		if err := json.Unmarshal(f.Body, v); err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", f.Type, err)
		}
	}
	return v, nil
}

// UnixMillis is the wire time representation: unix milliseconds as int64.
type UnixMillis = int64

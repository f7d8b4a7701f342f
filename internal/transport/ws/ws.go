// Package ws adapts a gorilla/websocket connection to session.Stream,
// with a write-pump/ping-pong keepalive discipline.
package ws

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/nodenexus/nodenexus/internal/protocol"
)

const (
	// writeWait is the time allowed to write one message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// pingPeriod must stay under pongWait so a missed pong is detected
	// before the peer's own deadline would have fired anyway.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageBytes allows some header slack over the largest frame the
	// codec will ever produce.
	maxMessageBytes = protocol.MaxFrameBytes + 4096
)

// Upgrader is shared by callers that accept inbound agent connections.
// Origin checking is left to callers that sit behind their own auth layer;
// sessions authenticate with the handshake's agent secret, not Origin.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Stream implements session.Stream over one gorilla/websocket connection.
// Every protocol frame is carried as exactly one binary WebSocket message; only
// binary frames carry payloads, and an unexpected text frame from the peer
// is ignored rather than treated as an error. writeMu serializes
// the ping keepalive goroutine against the session's own outbound Send
// calls, since gorilla/websocket permits only one writer at a time.
type Stream struct {
	conn    *websocket.Conn
	log     *logrus.Entry
	msgID   uint64
	writeMu sync.Mutex

	closeOnce sync.Once
	stopPing  chan struct{}
}

// New wraps conn, configures read limits/deadlines, and starts the ping
// keepalive loop.
func New(conn *websocket.Conn, log *logrus.Entry) *Stream {
	s := &Stream{
		conn:     conn,
		log:      log,
		stopPing: make(chan struct{}),
	}

	conn.SetReadLimit(maxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go s.pingLoop()
	return s
}

func (s *Stream) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopPing:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := s.conn.WriteMessage(websocket.PingMessage, nil)
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Recv implements session.Stream: blocks for the next binary message and
// decodes it as one protocol frame. Non-binary messages are skipped.
func (s *Stream) Recv() (protocol.Frame, error) {
	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			return protocol.Frame{}, err
		}
		if kind != websocket.BinaryMessage {
			s.log.WithField("message_type", kind).Debug("ws: ignoring non-binary websocket message")
			continue
		}
		return protocol.Decode(bytes.NewReader(data))
	}
}

// Send implements session.Stream: encodes one protocol frame and writes
// it as a single binary message.
func (s *Stream) Send(typ protocol.PayloadType, payload any) error {
	id := atomic.AddUint64(&s.msgID, 1)

	var buf bytes.Buffer
	if err := protocol.Encode(&buf, id, typ, payload); err != nil {
		return fmt.Errorf("ws: encode %s: %w", typ, err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.BinaryMessage, buf.Bytes())
}

// Close implements session.Stream, safely stopping the ping loop exactly
// once before closing the underlying connection.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stopPing)
		err = s.conn.Close()
	})
	return err
}

// Upgrade accepts w/r as a WebSocket connection and returns a ready-to-run
// Stream. Callers still own running session.Session.Run on the result.
func Upgrade(w http.ResponseWriter, r *http.Request, log *logrus.Entry) (*Stream, error) {
	conn, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("ws: upgrade: %w", err)
	}
	return New(conn, log), nil
}

// Dial opens a client-side WebSocket connection to url (ws:// or wss://)
// and returns a ready-to-use Stream, for the agent's connection controller
// (agent/conn) — the mirror of grpcstream.Dial/OpenClientStream for the
// gRPC transport.
func Dial(ctx context.Context, url string, tlsConfig *tls.Config, log *logrus.Entry) (*Stream, error) {
	dialer := &websocket.Dialer{
		TLSClientConfig:  tlsConfig,
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("ws: dial %s: %w", url, err)
	}
	return New(conn, log), nil
}

package ws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/nodenexus/nodenexus/internal/protocol"
)

func newTestLogger() *logrus.Entry {
	return logrus.NewEntry(logrus.New())
}

func TestStreamRoundTripsFrames(t *testing.T) {
	serverDone := make(chan *Stream, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s, err := Upgrade(w, r, newTestLogger())
		require.NoError(t, err)
		serverDone <- s
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer clientConn.Close()

	client := New(clientConn, newTestLogger())
	defer client.Close()

	server := <-serverDone
	defer server.Close()

	hb := protocol.AgentHandshake{HostID: 99, AgentSecret: "s3cr3t", OS: "linux"}
	require.NoError(t, client.Send(protocol.TypeAgentHandshake, hb))

	frame, err := server.Recv()
	require.NoError(t, err)
	require.Equal(t, protocol.TypeAgentHandshake, frame.Type)

	payload, err := protocol.DecodePayload(frame)
	require.NoError(t, err)
	got := payload.(*protocol.AgentHandshake)
	require.Equal(t, hb.HostID, got.HostID)
	require.Equal(t, hb.AgentSecret, got.AgentSecret)
}

func TestStreamIgnoresTextMessages(t *testing.T) {
	serverDone := make(chan *Stream, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s, err := Upgrade(w, r, newTestLogger())
		require.NoError(t, err)
		serverDone <- s
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer clientConn.Close()

	server := <-serverDone
	defer server.Close()

	require.NoError(t, clientConn.WriteMessage(websocket.TextMessage, []byte("not a frame")))

	client := New(clientConn, newTestLogger())
	defer client.Close()
	require.NoError(t, client.Send(protocol.TypeHeartbeat, protocol.Heartbeat{SentAt: 1}))

	frame, err := server.Recv()
	require.NoError(t, err, "text frames must be skipped, not treated as errors")
	require.Equal(t, protocol.TypeHeartbeat, frame.Type)
}

func TestCloseIsIdempotent(t *testing.T) {
	serverDone := make(chan *Stream, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s, err := Upgrade(w, r, newTestLogger())
		require.NoError(t, err)
		serverDone <- s
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer clientConn.Close()

	server := <-serverDone
	require.NoError(t, server.Close())
	require.NoError(t, server.Close())
}

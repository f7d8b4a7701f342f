package session

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/nodenexus/nodenexus/internal/obsmetrics"
	"github.com/nodenexus/nodenexus/internal/protocol"
	"github.com/nodenexus/nodenexus/internal/registry"
)

// fakeStream is an in-memory Stream backed by inbound/outbound queues.
type fakeStream struct {
	mu       sync.Mutex
	inbound  []protocol.Frame
	inboundI int
	sent     []sentMessage
	closed   bool

	nextMessageID uint64
}

type sentMessage struct {
	Type    protocol.PayloadType
	Payload any
}

func newFakeStream(inbound ...protocol.Frame) *fakeStream {
	return &fakeStream{inbound: inbound}
}

func frameFor(t *testing.T, typ protocol.PayloadType, payload any) protocol.Frame {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	return protocol.Frame{MessageID: 1, Type: typ, Body: body}
}

func (f *fakeStream) Recv() (protocol.Frame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inboundI >= len(f.inbound) {
		return protocol.Frame{}, io.EOF
	}
	fr := f.inbound[f.inboundI]
	f.inboundI++
	return fr, nil
}

func (f *fakeStream) Send(typ protocol.PayloadType, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{Type: typ, Payload: payload})
	return nil
}

func (f *fakeStream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeStream) sentMessages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

type fakeAuth struct {
	ok     bool
	reason string
	cfg    protocol.EffectiveConfig
}

func (a *fakeAuth) Authenticate(context.Context, protocol.AgentHandshake) (protocol.EffectiveConfig, bool, string) {
	return a.cfg, a.ok, a.reason
}

type recordingHooks struct {
	mu              sync.Mutex
	handshakes      []int64
	heartbeats      []int64
	terminations    []int64
	batchResults    []protocol.BatchCommandResult
	monitorResults  []protocol.ServiceMonitorResult
}

func (h *recordingHooks) OnHandshakeSuccess(_ context.Context, hostID int64, _ protocol.AgentHandshake) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handshakes = append(h.handshakes, hostID)
}
func (h *recordingHooks) OnHeartbeat(_ context.Context, hostID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.heartbeats = append(h.heartbeats, hostID)
}
func (h *recordingHooks) OnPerformanceSnapshotBatch(context.Context, int64, protocol.PerformanceSnapshotBatch) {}
func (h *recordingHooks) OnDockerInfo(context.Context, int64, protocol.DockerInfoBatch)                        {}
func (h *recordingHooks) OnGenericMetrics(context.Context, int64, protocol.GenericMetricsBatch)                {}
func (h *recordingHooks) OnUpdateConfigResponse(context.Context, int64, protocol.UpdateConfigResponse)         {}
func (h *recordingHooks) OnCommandResponse(context.Context, int64, protocol.CommandResponse)                  {}
func (h *recordingHooks) OnBatchCommandOutputStream(context.Context, int64, protocol.BatchCommandOutputStream) {
}
func (h *recordingHooks) OnBatchCommandResult(_ context.Context, _ int64, result protocol.BatchCommandResult) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.batchResults = append(h.batchResults, result)
}
func (h *recordingHooks) OnServiceMonitorResult(_ context.Context, _ int64, result protocol.ServiceMonitorResult) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.monitorResults = append(h.monitorResults, result)
}
func (h *recordingHooks) OnTermination(_ context.Context, hostID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.terminations = append(h.terminations, hostID)
}

func testMetrics() *obsmetrics.Metrics {
	return obsmetrics.NewWithRegistry(prometheus.NewRegistry())
}

func newTestSession(stream Stream, reg *registry.Registry, auth Authenticator, hooks Hooks) *Session {
	return New(stream, "test", reg, auth, hooks, 16, rate.Inf, 1, testMetrics(), logrus.NewEntry(logrus.New()))
}

func TestRunRejectsBadHandshake(t *testing.T) {
	stream := newFakeStream(frameFor(t, protocol.TypeAgentHandshake, protocol.AgentHandshake{HostID: 1, AgentSecret: "wrong"}))
	reg := registry.New()
	auth := &fakeAuth{ok: false, reason: "bad secret"}
	hooks := &recordingHooks{}

	s := newTestSession(stream, reg, auth, hooks)
	err := s.Run(context.Background())
	require.Error(t, err)

	sent := stream.sentMessages()
	require.Len(t, sent, 1)
	ack := sent[0].Payload.(protocol.ServerHandshakeAck)
	assert.False(t, ack.AuthenticationSuccessful)
	assert.Equal(t, "bad secret", ack.ErrorMessage)
	assert.Equal(t, 0, reg.Len())
}

func TestRunAcceptsHandshakeAndRoutesHeartbeat(t *testing.T) {
	stream := newFakeStream(
		frameFor(t, protocol.TypeAgentHandshake, protocol.AgentHandshake{HostID: 7, AgentSecret: "good"}),
		frameFor(t, protocol.TypeHeartbeat, protocol.Heartbeat{}),
	)
	reg := registry.New()
	auth := &fakeAuth{ok: true, cfg: protocol.EffectiveConfig{HeartbeatIntervalSeconds: 30}}
	hooks := &recordingHooks{}

	s := newTestSession(stream, reg, auth, hooks)
	err := s.Run(context.Background())
	require.NoError(t, err)

	hooks.mu.Lock()
	defer hooks.mu.Unlock()
	assert.Equal(t, []int64{7}, hooks.handshakes)
	assert.Equal(t, []int64{7}, hooks.heartbeats)
	assert.Equal(t, []int64{7}, hooks.terminations)
	assert.Equal(t, 0, reg.Len(), "session must be dropped from the registry on teardown")

	sent := stream.sentMessages()
	require.Len(t, sent, 1)
	ack := sent[0].Payload.(protocol.ServerHandshakeAck)
	assert.True(t, ack.AuthenticationSuccessful)
	require.NotNil(t, ack.InitialConfig)
	assert.Equal(t, 30, ack.InitialConfig.HeartbeatIntervalSeconds)
}

func TestRunRoutesBatchAndMonitorPayloads(t *testing.T) {
	stream := newFakeStream(
		frameFor(t, protocol.TypeAgentHandshake, protocol.AgentHandshake{HostID: 1, AgentSecret: "good"}),
		frameFor(t, protocol.TypeBatchCommandResult, protocol.BatchCommandResult{ChildUUID: "c1", Status: "CompletedSuccessfully"}),
		frameFor(t, protocol.TypeServiceMonitorResult, protocol.ServiceMonitorResult{MonitorID: 9}),
	)
	reg := registry.New()
	auth := &fakeAuth{ok: true}
	hooks := &recordingHooks{}

	s := newTestSession(stream, reg, auth, hooks)
	require.NoError(t, s.Run(context.Background()))

	hooks.mu.Lock()
	defer hooks.mu.Unlock()
	require.Len(t, hooks.batchResults, 1)
	assert.Equal(t, "c1", hooks.batchResults[0].ChildUUID)
	require.Len(t, hooks.monitorResults, 1)
	assert.Equal(t, int64(9), hooks.monitorResults[0].MonitorID)
}

// blockingStream lets a test push outbound traffic through a session's sink:
// once its queued inbound frames are used up, Recv blocks until block is
// closed and then returns io.EOF, so the session stays alive for outbound
// pump tests.
type blockingStream struct {
	fakeStream
	block chan struct{}
}

func (b *blockingStream) Recv() (protocol.Frame, error) {
	b.mu.Lock()
	if b.inboundI < len(b.inbound) {
		fr := b.inbound[b.inboundI]
		b.inboundI++
		b.mu.Unlock()
		return fr, nil
	}
	b.mu.Unlock()

	<-b.block
	return protocol.Frame{}, io.EOF
}

func TestOutboundLoopForwardsSinkMessages(t *testing.T) {
	handshake := frameFor(t, protocol.TypeAgentHandshake, protocol.AgentHandshake{HostID: 3, AgentSecret: "good"})
	stream := &blockingStream{fakeStream: fakeStream{inbound: []protocol.Frame{handshake}}, block: make(chan struct{})}
	reg := registry.New()
	auth := &fakeAuth{ok: true}
	hooks := &recordingHooks{}

	s := newTestSession(stream, reg, auth, hooks)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	require.Eventually(t, func() bool { return reg.Len() == 1 }, time.Second, 5*time.Millisecond)
	sess, ok := reg.Lookup(3)
	require.True(t, ok)
	require.NoError(t, sess.Sink.Send(context.Background(), protocol.TypeUpdateConfigRequest, protocol.UpdateConfigRequest{ConfigVersionID: "v1"}))

	require.Eventually(t, func() bool {
		for _, m := range stream.sentMessages() {
			if m.Type == protocol.TypeUpdateConfigRequest {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	close(stream.block)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("session did not terminate after stream closed")
	}
}

func TestTeardownSkipsOfflineMarkWhenSuperseded(t *testing.T) {
	handshake := frameFor(t, protocol.TypeAgentHandshake, protocol.AgentHandshake{HostID: 4, AgentSecret: "good"})
	stream := &blockingStream{fakeStream: fakeStream{inbound: []protocol.Frame{handshake}}, block: make(chan struct{})}
	reg := registry.New()
	auth := &fakeAuth{ok: true}
	hooks := &recordingHooks{}

	s := newTestSession(stream, reg, auth, hooks)
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	require.Eventually(t, func() bool { return reg.Len() == 1 }, time.Second, 5*time.Millisecond)

	// A reconnect replaces the session before the old one tears down.
	newer := registry.NewSession(4, "newer-token", "test", protocol.AgentHandshake{HostID: 4}, 4)
	reg.Register(4, newer)

	close(stream.block)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("session did not terminate after stream closed")
	}

	hooks.mu.Lock()
	defer hooks.mu.Unlock()
	assert.Empty(t, hooks.terminations, "a displaced session must not mark the host offline")

	got, ok := reg.Lookup(4)
	require.True(t, ok)
	assert.Same(t, newer, got, "the newer session must survive the old one's teardown")
}

func TestSweeperMarksOfflineAfterMissedHeartbeats(t *testing.T) {
	reg := registry.New()
	sess := registry.NewSession(1, "tok", "test", protocol.AgentHandshake{}, 4)
	sess.SetConfig(protocol.EffectiveConfig{HeartbeatIntervalSeconds: 0})
	// Force a stale last-seen by constructing far enough in the past: the
	// registry doesn't expose a setter, so we rely on a tiny default
	// heartbeat and a real sleep instead.
	reg.Register(1, sess)

	detected := make(chan int64, 1)
	detector := detectorFunc(func(_ context.Context, hostID int64) { detected <- hostID })

	sw := NewSweeper(reg, detector, 5*time.Millisecond, 1, logrus.NewEntry(logrus.New()))
	time.Sleep(20 * time.Millisecond)
	sw.Sweep(context.Background())

	select {
	case hostID := <-detected:
		assert.Equal(t, int64(1), hostID)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not detect stale session")
	}
}

func TestSweeperIgnoresFreshSessions(t *testing.T) {
	reg := registry.New()
	sess := registry.NewSession(1, "tok", "test", protocol.AgentHandshake{}, 4)
	sess.SetConfig(protocol.EffectiveConfig{HeartbeatIntervalSeconds: 30})
	reg.Register(1, sess)

	detector := detectorFunc(func(context.Context, int64) { t.Fatal("must not detect a fresh session as offline") })
	sw := NewSweeper(reg, detector, 30*time.Second, 3, logrus.NewEntry(logrus.New()))
	sw.Sweep(context.Background())
}

type detectorFunc func(ctx context.Context, hostID int64)

func (f detectorFunc) OnSessionWentOffline(ctx context.Context, hostID int64) { f(ctx, hostID) }

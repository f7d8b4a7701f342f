// Package session implements the per-connection task that runs the
// handshake, steady-state message pump, and teardown, transport-agnostically
// over the Stream abstraction both transport adapters implement.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/nodenexus/nodenexus/internal/obsmetrics"
	"github.com/nodenexus/nodenexus/internal/protocol"
	"github.com/nodenexus/nodenexus/internal/registry"
)

// Stream is the transport capability an adapter exposes: a decoded inbound frame
// sequence and an encoded outbound sink, with graceful close. Both the
// gRPC and WebSocket adapters implement this; Session itself never touches
// wire bytes.
type Stream interface {
	Recv() (protocol.Frame, error)
	Send(typ protocol.PayloadType, payload any) error
	Close() error
}

// Authenticator validates an AgentHandshake and, on success, resolves the
// host's effective config to hand back in the ack.
type Authenticator interface {
	Authenticate(ctx context.Context, hs protocol.AgentHandshake) (cfg protocol.EffectiveConfig, ok bool, reason string)
}

// Hooks routes decoded steady-state payloads (and lifecycle events) to the
// rest of the system (metrics writer, traffic accountant, batch
// orchestrator, service-monitor ingester, live-state bus). Every method must
// return quickly — session code does not fan these out concurrently per
// session, so a slow hook throttles this session's own inbound loop only.
type Hooks interface {
	OnHandshakeSuccess(ctx context.Context, hostID int64, meta protocol.AgentHandshake)
	OnHeartbeat(ctx context.Context, hostID int64)
	OnPerformanceSnapshotBatch(ctx context.Context, hostID int64, batch protocol.PerformanceSnapshotBatch)
	OnDockerInfo(ctx context.Context, hostID int64, batch protocol.DockerInfoBatch)
	OnGenericMetrics(ctx context.Context, hostID int64, batch protocol.GenericMetricsBatch)
	OnUpdateConfigResponse(ctx context.Context, hostID int64, resp protocol.UpdateConfigResponse)
	OnCommandResponse(ctx context.Context, hostID int64, resp protocol.CommandResponse)
	OnBatchCommandOutputStream(ctx context.Context, hostID int64, evt protocol.BatchCommandOutputStream)
	OnBatchCommandResult(ctx context.Context, hostID int64, result protocol.BatchCommandResult)
	OnServiceMonitorResult(ctx context.Context, hostID int64, result protocol.ServiceMonitorResult)
	OnTermination(ctx context.Context, hostID int64)
}

// ErrUnexpectedFirstMessage is returned when the first inbound frame is not
// an AgentHandshake.
var ErrUnexpectedFirstMessage = errors.New("session: first message must be AgentHandshake")

// Session runs one accepted connection end to end.
type Session struct {
	stream       Stream
	transport    string
	registry     *registry.Registry
	auth         Authenticator
	hooks        Hooks
	metrics      *obsmetrics.Metrics
	log          *logrus.Entry
	sinkCapacity int
	limiter      *rate.Limiter
}

// New constructs a Session for one freshly accepted Stream.
func New(stream Stream, transport string, reg *registry.Registry, auth Authenticator, hooks Hooks, sinkCapacity int, inboundRate rate.Limit, inboundBurst int, metrics *obsmetrics.Metrics, log *logrus.Entry) *Session {
	return &Session{
		stream:       stream,
		transport:    transport,
		registry:     reg,
		auth:         auth,
		hooks:        hooks,
		metrics:      metrics,
		log:          log,
		sinkCapacity: sinkCapacity,
		limiter:      rate.NewLimiter(inboundRate, inboundBurst),
	}
}

// Run executes the handshake then the steady-state pump until
// termination. It always closes the stream before returning.
func (s *Session) Run(ctx context.Context) error {
	defer s.stream.Close()

	hostID, regSession, err := s.handshake(ctx)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- s.inboundLoop(ctx, hostID, regSession) }()
	go func() { errCh <- s.outboundLoop(ctx, regSession) }()

	firstErr := <-errCh
	cancel()
	<-errCh // wait for the other loop to observe cancellation and exit

	// ctx is cancelled by now; teardown's store and snapshot writes need a live one.
	s.teardown(context.WithoutCancel(ctx), hostID, regSession)
	return firstErr
}

func (s *Session) handshake(ctx context.Context) (int64, *registry.Session, error) {
	frame, err := s.stream.Recv()
	if err != nil {
		return 0, nil, fmt.Errorf("session: read handshake: %w", err)
	}
	if frame.Type != protocol.TypeAgentHandshake {
		s.metrics.HandshakeFailuresTotal.WithLabelValues("unexpected_message").Inc()
		return 0, nil, ErrUnexpectedFirstMessage
	}

	payload, err := protocol.DecodePayload(frame)
	if err != nil {
		s.metrics.HandshakeFailuresTotal.WithLabelValues("decode_error").Inc()
		return 0, nil, fmt.Errorf("session: decode handshake: %w", err)
	}
	hs := *payload.(*protocol.AgentHandshake)

	cfg, ok, reason := s.auth.Authenticate(ctx, hs)
	if !ok {
		s.metrics.HandshakeFailuresTotal.WithLabelValues("rejected").Inc()
		_ = s.stream.Send(protocol.TypeServerHandshakeAck, protocol.ServerHandshakeAck{
			AuthenticationSuccessful: false,
			ErrorMessage:             reason,
		})
		return 0, nil, fmt.Errorf("session: handshake rejected for host %d: %s", hs.HostID, reason)
	}

	token := newSessionToken()
	regSession := registry.NewSession(hs.HostID, token, s.transport, hs, s.sinkCapacity)
	regSession.SetConfig(cfg)
	s.registry.Register(hs.HostID, regSession)

	if err := s.stream.Send(protocol.TypeServerHandshakeAck, protocol.ServerHandshakeAck{
		AuthenticationSuccessful: true,
		InitialConfig:            &cfg,
	}); err != nil {
		s.registry.Drop(hs.HostID, token)
		return 0, nil, fmt.Errorf("session: send handshake ack: %w", err)
	}

	s.metrics.SessionsActive.Inc()
	s.hooks.OnHandshakeSuccess(ctx, hs.HostID, hs)
	return hs.HostID, regSession, nil
}

// inboundLoop reads and dispatches frames until the stream ends or a decode
// error occurs; both are fatal to the session.
func (s *Session) inboundLoop(ctx context.Context, hostID int64, regSession *registry.Session) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}

		frame, err := s.stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("session: read frame: %w", err)
		}

		regSession.Touch()

		payload, err := protocol.DecodePayload(frame)
		if err != nil {
			return fmt.Errorf("session: decode frame type %s: %w", frame.Type, err)
		}

		s.dispatch(ctx, hostID, frame.Type, payload)
	}
}

func (s *Session) dispatch(ctx context.Context, hostID int64, typ protocol.PayloadType, payload any) {
	switch typ {
	case protocol.TypeHeartbeat:
		s.hooks.OnHeartbeat(ctx, hostID)
	case protocol.TypePerformanceSnapshotBatch:
		s.hooks.OnPerformanceSnapshotBatch(ctx, hostID, *payload.(*protocol.PerformanceSnapshotBatch))
	case protocol.TypeDockerInfoBatch:
		s.hooks.OnDockerInfo(ctx, hostID, *payload.(*protocol.DockerInfoBatch))
	case protocol.TypeGenericMetricsBatch:
		s.hooks.OnGenericMetrics(ctx, hostID, *payload.(*protocol.GenericMetricsBatch))
	case protocol.TypeUpdateConfigResponse:
		s.hooks.OnUpdateConfigResponse(ctx, hostID, *payload.(*protocol.UpdateConfigResponse))
	case protocol.TypeCommandResponse:
		s.hooks.OnCommandResponse(ctx, hostID, *payload.(*protocol.CommandResponse))
	case protocol.TypeBatchCommandOutputStream:
		s.hooks.OnBatchCommandOutputStream(ctx, hostID, *payload.(*protocol.BatchCommandOutputStream))
	case protocol.TypeBatchCommandResult:
		s.hooks.OnBatchCommandResult(ctx, hostID, *payload.(*protocol.BatchCommandResult))
	case protocol.TypeServiceMonitorResult:
		s.hooks.OnServiceMonitorResult(ctx, hostID, *payload.(*protocol.ServiceMonitorResult))
	default:
		s.log.WithField("type", typ.String()).Warn("session: unhandled inbound payload type")
	}
}

// outboundLoop drains the registered session's sink to the wire until the
// sink closes or the context is cancelled. A send error on the wire is
// fatal — the session tears down.
func (s *Session) outboundLoop(ctx context.Context, regSession *registry.Session) error {
	out := regSession.Sink.Outbound()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-regSession.Sink.Closed():
			return nil
		case msg, ok := <-out:
			if !ok {
				return nil
			}
			if err := s.stream.Send(msg.Type, msg.Payload); err != nil {
				return fmt.Errorf("session: send %s: %w", msg.Type, err)
			}
		}
	}
}

func (s *Session) teardown(ctx context.Context, hostID int64, regSession *registry.Session) {
	regSession.Sink.Close()
	if !s.registry.Drop(hostID, regSession.Token) {
		// A newer session already replaced this one; it owns the host's
		// state now, so a displaced session must not mark the host offline.
		return
	}
	s.metrics.SessionsActive.Dec()
	s.hooks.OnTermination(ctx, hostID)
}

var tokenSeq atomic.Int64

// newSessionToken generates a unique-enough session token without taking a
// dependency beyond what the registry already needs; uniqueness only has to
// hold within one process lifetime (tokens are compared to detect
// supersession, never persisted or compared across restarts).
func newSessionToken() string {
	return fmt.Sprintf("%d-%d", time.Now().UnixNano(), tokenSeq.Add(1))
}

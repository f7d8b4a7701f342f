// Package conn implements the agent's reconnection controller:
// dial either transport per config, perform the client side of the
// handshake, run the steady-state session for as long as it lasts, and
// reconnect with exponential backoff when it ends — except when the
// server rejected the handshake outright, which is never retried.
package conn

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sirupsen/logrus"

	"github.com/nodenexus/nodenexus/agent/batchexec"
	agentconfig "github.com/nodenexus/nodenexus/agent/config"
	"github.com/nodenexus/nodenexus/agent/monitorrunner"
	"github.com/nodenexus/nodenexus/agent/sampler"
	"github.com/nodenexus/nodenexus/internal/protocol"
	"github.com/nodenexus/nodenexus/internal/session"
	"github.com/nodenexus/nodenexus/internal/transport/grpcstream"
	"github.com/nodenexus/nodenexus/internal/transport/ws"
)

const (
	initialBackoff = 5 * time.Second
	maxBackoff     = 300 * time.Second
)

// errAuthFailed marks a handshake rejection; Run never retries after this.
var errAuthFailed = errors.New("agent: handshake rejected")

// Controller owns one agent identity and drives its connect/run/reconnect
// loop for the lifetime of the process.
type Controller struct {
	cfg       *agentconfig.Config
	tlsConfig *tls.Config
	log       *logrus.Entry

	// dialFn defaults to c.dial; tests substitute an in-memory transport.
	dialFn func(context.Context) (session.Stream, func(), error)
}

// New constructs a Controller. tlsConfig may leave certificates unset for a
// plain wss/grpcs dial against a publicly trusted CA.
func New(cfg *agentconfig.Config, tlsConfig *tls.Config, log *logrus.Entry) *Controller {
	c := &Controller{cfg: cfg, tlsConfig: tlsConfig, log: log}
	c.dialFn = c.dial
	return c
}

// Run dials, handshakes, and serves sessions until ctx is canceled or the
// server rejects the agent's credentials.
func (c *Controller) Run(ctx context.Context) error {
	backoff := initialBackoff
	for {
		err := c.runOnce(ctx)
		if err == nil || ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, errAuthFailed) {
			c.log.WithError(err).Error("agent: authentication rejected, giving up")
			return err
		}

		c.log.WithError(err).WithField("retry_in", backoff).Warn("agent: session ended, reconnecting")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (c *Controller) runOnce(ctx context.Context) error {
	stream, closeStream, err := c.dialFn(ctx)
	if err != nil {
		return fmt.Errorf("agent: dial: %w", err)
	}
	defer closeStream()

	snd := &sender{stream: stream}

	if err := snd.send(protocol.TypeAgentHandshake, c.handshake()); err != nil {
		return fmt.Errorf("agent: send handshake: %w", err)
	}

	frame, err := stream.Recv()
	if err != nil {
		return fmt.Errorf("agent: read handshake ack: %w", err)
	}
	if frame.Type != protocol.TypeServerHandshakeAck {
		return fmt.Errorf("agent: unexpected first message type %s", frame.Type)
	}
	payload, err := protocol.DecodePayload(frame)
	if err != nil {
		return fmt.Errorf("agent: decode handshake ack: %w", err)
	}
	ack := payload.(*protocol.ServerHandshakeAck)
	if !ack.AuthenticationSuccessful {
		return fmt.Errorf("%w: %s", errAuthFailed, ack.ErrorMessage)
	}
	if ack.InitialConfig == nil {
		return fmt.Errorf("agent: handshake accepted with no initial config")
	}

	c.log.Info("agent: handshake accepted, session starting")
	return c.serve(ctx, stream, snd, *ack.InitialConfig)
}

// dial opens the configured transport and returns a session.Stream plus a
// close func that tears down the underlying connection.
func (c *Controller) dial(ctx context.Context) (session.Stream, func(), error) {
	switch c.cfg.Transport {
	case agentconfig.TransportGRPC:
		grpcConn, err := grpcstream.Dial(ctx, c.cfg.Host, c.tlsConfig)
		if err != nil {
			return nil, func() {}, err
		}
		stream, err := grpcstream.OpenClientStream(ctx, grpcConn)
		if err != nil {
			grpcConn.Close()
			return nil, func() {}, err
		}
		return stream, func() { grpcConn.Close() }, nil

	case agentconfig.TransportWS:
		// Dial against the original server_address, not Host: the path
		// component (e.g. /agent/ws) is part of the server's routing and
		// Host alone drops it.
		stream, err := ws.Dial(ctx, c.cfg.ServerAddress, c.tlsConfig, c.log)
		if err != nil {
			return nil, func() {}, err
		}
		return stream, func() { stream.Close() }, nil

	default:
		return nil, func() {}, fmt.Errorf("agent: unknown transport %q", c.cfg.Transport)
	}
}

func (c *Controller) handshake() protocol.AgentHandshake {
	hs := protocol.AgentHandshake{
		HostID:      c.cfg.VPSID,
		AgentSecret: c.cfg.AgentSecret,
		OS:          runtime.GOOS,
		Arch:        runtime.GOARCH,
	}
	if info, err := cpu.Info(); err == nil && len(info) > 0 {
		hs.CPUBrand = info[0].ModelName
	}
	if counts, err := cpu.Counts(true); err == nil {
		hs.CPUCores = counts
	}
	if vmem, err := mem.VirtualMemory(); err == nil {
		hs.MemoryTotal = vmem.Total
	}
	return hs
}

// serve spawns the four core tasks and runs them until the first one
// ends, then tears the rest down.
func (c *Controller) serve(ctx context.Context, stream session.Stream, snd *sender, cfg protocol.EffectiveConfig) error {
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	batchRunner := batchexec.New(snd, c.log.WithField("task", "batch"))
	monitorRunner := monitorrunner.New(c.cfg.VPSID, snd, c.log.WithField("task", "monitor"))
	monitorRunner.Start()
	monitorRunner.Reconcile(cfg.ServiceMonitorTasks)
	defer monitorRunner.Stop()

	heartbeatInterval := c.cfg.HeartbeatInterval
	if cfg.HeartbeatIntervalSeconds > 0 {
		heartbeatInterval = time.Duration(cfg.HeartbeatIntervalSeconds) * time.Second
	}

	samp := sampler.New()

	errCh := make(chan error, 3)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		errCh <- runHeartbeat(sessionCtx, snd, heartbeatInterval)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		samp.Run(sessionCtx, heartbeatInterval, func(s protocol.PerformanceSample) {
			_ = snd.send(protocol.TypePerformanceSnapshotBatch, protocol.PerformanceSnapshotBatch{Samples: []protocol.PerformanceSample{s}})
		})
		errCh <- sessionCtx.Err()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		errCh <- c.inboundLoop(sessionCtx, stream, snd, batchRunner, monitorRunner)
	}()

	firstErr := <-errCh
	cancel()
	wg.Wait()
	return firstErr
}

func runHeartbeat(ctx context.Context, snd *sender, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := snd.send(protocol.TypeHeartbeat, protocol.Heartbeat{SentAt: time.Now().UnixMilli()}); err != nil {
				return fmt.Errorf("agent: send heartbeat: %w", err)
			}
		}
	}
}

// inboundLoop reads frames from the server until the stream ends, routing
// each to the component that owns it.
func (c *Controller) inboundLoop(ctx context.Context, stream session.Stream, snd *sender, batchRunner *batchexec.Runner, monitorRunner *monitorrunner.Runner) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		frame, err := stream.Recv()
		if err != nil {
			return fmt.Errorf("agent: read frame: %w", err)
		}

		payload, err := protocol.DecodePayload(frame)
		if err != nil {
			return fmt.Errorf("agent: decode frame type %s: %w", frame.Type, err)
		}

		switch frame.Type {
		case protocol.TypeUpdateConfigRequest:
			req := payload.(*protocol.UpdateConfigRequest)
			monitorRunner.Reconcile(req.NewConfig.ServiceMonitorTasks)
			_ = snd.send(protocol.TypeUpdateConfigResponse, protocol.UpdateConfigResponse{
				ConfigVersionID: req.ConfigVersionID, Success: true,
			})
		case protocol.TypeCommandRequest:
			req := payload.(*protocol.CommandRequest)
			go func() { _ = snd.send(protocol.TypeCommandResponse, runAdHocCommand(ctx, *req)) }()
		case protocol.TypeBatchAgentCommandRequest:
			batchRunner.Execute(*payload.(*protocol.BatchAgentCommandRequest))
		case protocol.TypeBatchTerminateCommandRequest:
			batchRunner.Terminate(payload.(*protocol.BatchTerminateCommandRequest).ChildUUID)
		case protocol.TypeTriggerUpdateCheck:
			c.log.Info("agent: update check requested")
		default:
			c.log.WithField("type", frame.Type.String()).Warn("agent: unhandled inbound payload type")
		}
	}
}

// sender serializes outbound frames across the heartbeat, sampler, batch,
// and monitor tasks, which all write concurrently onto one stream.
type sender struct {
	mu     sync.Mutex
	stream session.Stream
}

func (s *sender) send(typ protocol.PayloadType, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream.Send(typ, payload)
}

func (s *sender) EmitOutput(evt protocol.BatchCommandOutputStream) {
	_ = s.send(protocol.TypeBatchCommandOutputStream, evt)
}

func (s *sender) EmitResult(result protocol.BatchCommandResult) {
	_ = s.send(protocol.TypeBatchCommandResult, result)
}

func (s *sender) EmitMonitorResult(result protocol.ServiceMonitorResult) {
	_ = s.send(protocol.TypeServiceMonitorResult, result)
}

// runAdHocCommand executes a single non-batch command to completion,
// capturing its full output rather than streaming it; CommandRequest is
// the simple one-shot sibling of batch execution.
func runAdHocCommand(ctx context.Context, req protocol.CommandRequest) protocol.CommandResponse {
	scriptPath, cleanup, err := batchexec.WriteAdHocScript(req.Content)
	if err != nil {
		return protocol.CommandResponse{RequestID: req.RequestID, ExitCode: -1, ErrorMessage: err.Error()}
	}
	defer cleanup()

	cmd := batchexec.BuildAdHocCommand(ctx, scriptPath, req.WorkingDirectory)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	resp := protocol.CommandResponse{RequestID: req.RequestID}
	if err := cmd.Run(); err != nil {
		resp.ExitCode = -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			resp.ExitCode = exitErr.ExitCode()
		} else {
			resp.ErrorMessage = err.Error()
		}
	}
	resp.Stdout = stdout.String()
	resp.Stderr = stderr.String()
	return resp
}

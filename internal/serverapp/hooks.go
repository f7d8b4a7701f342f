// Package serverapp wires every server-side component (config, store,
// registry, session hooks, both transports, the live-state bus, the batch
// orchestrator, the service-monitor ingester, the reset scheduler, and the
// admin HTTP mux) into one running process behind a single Start/Stop
// lifecycle.
package serverapp

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/nodenexus/nodenexus/internal/batch"
	"github.com/nodenexus/nodenexus/internal/effconfig"
	"github.com/nodenexus/nodenexus/internal/livestate"
	"github.com/nodenexus/nodenexus/internal/metricswriter"
	"github.com/nodenexus/nodenexus/internal/monitor"
	"github.com/nodenexus/nodenexus/internal/protocol"
)

// hostStatusStore is the narrow store capability Hooks needs beyond what
// the Store type already satisfies for metricswriter/batch/monitor.
type hostStatusStore interface {
	RecordHandshakeMetadata(ctx context.Context, hs protocol.AgentHandshake) error
	SetStatus(ctx context.Context, hostID int64, status string) error
	SetConfigStatus(ctx context.Context, hostID int64, status effconfig.ConfigStatus, errorMessage string) error
	Child(ctx context.Context, childUUID string) (batch.Child, error)
}

// hooks implements session.Hooks, routing every steady-state payload and
// lifecycle event to the component that owns it.
type hooks struct {
	store    hostStatusStore
	writer   *metricswriter.Writer
	bus      *livestate.Bus
	orch     *batch.Orchestrator
	monitors *monitor.Ingester
	pending  *effconfig.PendingVersions
	log      *logrus.Entry
}

func newHooks(store hostStatusStore, writer *metricswriter.Writer, bus *livestate.Bus, orch *batch.Orchestrator, monitors *monitor.Ingester, pending *effconfig.PendingVersions, log *logrus.Entry) *hooks {
	return &hooks{store: store, writer: writer, bus: bus, orch: orch, monitors: monitors, pending: pending, log: log}
}

// OnHandshakeSuccess records the reported host facts and rebuilds the
// live-state snapshot so dashboards immediately see the host go online.
func (h *hooks) OnHandshakeSuccess(ctx context.Context, hostID int64, meta protocol.AgentHandshake) {
	if err := h.store.RecordHandshakeMetadata(ctx, meta); err != nil {
		h.log.WithError(err).WithField("host_id", hostID).Error("record handshake metadata")
	}
	if err := h.bus.RefreshSnapshot(ctx); err != nil {
		h.log.WithError(err).Error("refresh snapshot after handshake")
	}
}

// OnHeartbeat is a no-op: last-seen is already advanced by the session's
// inbound loop before hooks are invoked.
func (h *hooks) OnHeartbeat(ctx context.Context, hostID int64) {}

// OnPerformanceSnapshotBatch feeds every sample to both the durable
// batched writer and the live per-tick broadcast buffer.
func (h *hooks) OnPerformanceSnapshotBatch(ctx context.Context, hostID int64, batchMsg protocol.PerformanceSnapshotBatch) {
	for _, sample := range batchMsg.Samples {
		h.writer.Submit(metricswriter.Sample{HostID: hostID, PerformanceSample: sample})
		h.bus.IngestSample(hostID, sample)
	}
}

// OnDockerInfo and OnGenericMetrics accept the opaque passthrough
// payloads: this server has no persistence sink for them, so both are
// logged at debug level and otherwise discarded.
func (h *hooks) OnDockerInfo(ctx context.Context, hostID int64, batchMsg protocol.DockerInfoBatch) {
	h.log.WithField("host_id", hostID).Debug("docker info batch received, no sink configured")
}

func (h *hooks) OnGenericMetrics(ctx context.Context, hostID int64, batchMsg protocol.GenericMetricsBatch) {
	h.log.WithField("host_id", hostID).WithField("source", batchMsg.Source).Debug("generic metrics batch received, no sink configured")
}

// OnUpdateConfigResponse implements the ack half of the config push/ack discipline.
func (h *hooks) OnUpdateConfigResponse(ctx context.Context, hostID int64, resp protocol.UpdateConfigResponse) {
	if err := effconfig.ApplyAck(ctx, h.pending, h.store, hostID, resp); err != nil {
		h.log.WithError(err).WithField("host_id", hostID).Error("apply config ack")
	}
}

// OnCommandResponse logs the result of an ad-hoc (non-batch) command;
// unlike batch children, a single CommandRequest has no persisted row of
// its own to update.
func (h *hooks) OnCommandResponse(ctx context.Context, hostID int64, resp protocol.CommandResponse) {
	entry := h.log.WithField("host_id", hostID).WithField("request_id", resp.RequestID).WithField("exit_code", resp.ExitCode)
	if resp.ErrorMessage != "" {
		entry.WithField("error", resp.ErrorMessage).Warn("ad-hoc command failed")
		return
	}
	entry.Info("ad-hoc command completed")
}

// OnBatchCommandOutputStream and OnBatchCommandResult resolve the owning
// batch uuid via the child row (the wire payload only carries child_uuid)
// before delegating to the orchestrator.
func (h *hooks) OnBatchCommandOutputStream(ctx context.Context, hostID int64, evt protocol.BatchCommandOutputStream) {
	child, err := h.store.Child(ctx, evt.ChildUUID)
	if err != nil {
		h.log.WithError(err).WithField("child_uuid", evt.ChildUUID).Error("resolve child for output stream")
		return
	}
	if err := h.orch.HandleOutput(ctx, child.ParentUUID, evt); err != nil {
		h.log.WithError(err).WithField("child_uuid", evt.ChildUUID).Error("handle batch output stream")
	}
}

func (h *hooks) OnBatchCommandResult(ctx context.Context, hostID int64, result protocol.BatchCommandResult) {
	child, err := h.store.Child(ctx, result.ChildUUID)
	if err != nil {
		h.log.WithError(err).WithField("child_uuid", result.ChildUUID).Error("resolve child for result")
		return
	}
	if err := h.orch.HandleResult(ctx, child.ParentUUID, result); err != nil {
		h.log.WithError(err).WithField("child_uuid", result.ChildUUID).Error("handle batch command result")
	}
}

// OnServiceMonitorResult hands a probe result to the monitor ingester.
func (h *hooks) OnServiceMonitorResult(ctx context.Context, hostID int64, result protocol.ServiceMonitorResult) {
	h.monitors.Ingest(ctx, result)
}

// OnTermination marks the host offline and rebuilds the live-state
// snapshot. The session only invokes it after its own registry drop
// succeeded, so a session displaced by a reconnect never reaches here.
func (h *hooks) OnTermination(ctx context.Context, hostID int64) {
	if err := h.store.SetStatus(ctx, hostID, "offline"); err != nil {
		h.log.WithError(err).WithField("host_id", hostID).Error("mark host offline")
	}
	if err := h.bus.RefreshSnapshot(ctx); err != nil {
		h.log.WithError(err).Error("refresh snapshot after termination")
	}
}

// Package monitor implements the server side of service monitoring:
// ingesting ServiceMonitorResult events from agents, persisting them, and
// broadcasting an enriched update to the live bus.
package monitor

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/nodenexus/nodenexus/internal/livestate"
	"github.com/nodenexus/nodenexus/internal/obsmetrics"
	"github.com/nodenexus/nodenexus/internal/protocol"
)

// Store persists results and resolves display names for the broadcast
// enrichment step.
type Store interface {
	InsertResult(ctx context.Context, result protocol.ServiceMonitorResult) error
	MonitorName(ctx context.Context, monitorID int64) (string, error)
	AgentName(ctx context.Context, agentID int64) (string, error)
}

// Broadcaster is the narrow livestate.Bus capability Ingester needs.
type Broadcaster interface {
	PublishMonitorResult(update livestate.ServiceMonitorUpdate)
}

// Ingester persists and rebroadcasts probe results.
type Ingester struct {
	store   Store
	bus     Broadcaster
	metrics *obsmetrics.Metrics
	log     *logrus.Entry
}

// New constructs an Ingester.
func New(store Store, bus Broadcaster, metrics *obsmetrics.Metrics, log *logrus.Entry) *Ingester {
	return &Ingester{store: store, bus: bus, metrics: metrics, log: log}
}

// Ingest persists result and broadcasts it enriched with display names. A
// persistence failure is logged and the result dropped from storage but
// still broadcast — a live dashboard update losing one history row is
// preferable to blocking the session's inbound loop on a retry.
func (in *Ingester) Ingest(ctx context.Context, result protocol.ServiceMonitorResult) {
	status := "down"
	if result.IsUp {
		status = "up"
	}

	if err := in.store.InsertResult(ctx, result); err != nil {
		in.log.WithError(err).WithField("monitor_id", result.MonitorID).Error("persist service monitor result")
	}
	in.metrics.SchedulerProbesTotal.WithLabelValues(status).Inc()

	monitorName, err := in.store.MonitorName(ctx, result.MonitorID)
	if err != nil {
		monitorName = fmt.Sprintf("monitor-%d", result.MonitorID)
	}
	agentName, err := in.store.AgentName(ctx, result.AgentID)
	if err != nil {
		agentName = fmt.Sprintf("host-%d", result.AgentID)
	}

	in.bus.PublishMonitorResult(livestate.ServiceMonitorUpdate{
		Result:      result,
		MonitorName: monitorName,
		AgentName:   agentName,
	})
}

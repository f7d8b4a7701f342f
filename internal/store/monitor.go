package store

import (
	"context"
	"fmt"
	"time"

	"github.com/nodenexus/nodenexus/internal/protocol"
)

// InsertResult implements monitor.Store: persist one service-monitor probe
// result as a time-indexed row.
func (s *Store) InsertResult(ctx context.Context, result protocol.ServiceMonitorResult) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO service_monitor_results (monitor_id, agent_id, is_up, latency_ms, details, time)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		result.MonitorID, result.AgentID, result.IsUp, result.LatencyMs, result.Details,
		time.UnixMilli(result.Time).UTC())
	if err != nil {
		return fmt.Errorf("store: insert service monitor result: %w", err)
	}
	return nil
}

// MonitorName implements monitor.Store.
func (s *Store) MonitorName(ctx context.Context, monitorID int64) (string, error) {
	var name string
	if err := s.db.GetContext(ctx, &name, `SELECT name FROM service_monitors WHERE id = $1`, monitorID); err != nil {
		return "", fmt.Errorf("store: load monitor name %d: %w", monitorID, err)
	}
	return name, nil
}

// AgentName implements monitor.Store.
func (s *Store) AgentName(ctx context.Context, agentID int64) (string, error) {
	var name string
	if err := s.db.GetContext(ctx, &name, `SELECT name FROM vps WHERE id = $1`, agentID); err != nil {
		return "", fmt.Errorf("store: load agent name %d: %w", agentID, err)
	}
	return name, nil
}

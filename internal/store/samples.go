package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nodenexus/nodenexus/internal/metricswriter"
	"github.com/nodenexus/nodenexus/internal/traffic"
)

// InsertSamples implements metricswriter.Store: one transaction, one
// prepared insert per row, plus the traffic-delta accounting for each
// sampled host inside the same transaction. A failure aborts the whole
// batch; the caller (the writer) logs and drops it rather than retrying.
func (s *Store) InsertSamples(ctx context.Context, samples []metricswriter.Sample) error {
	if len(samples) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin insert samples tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op once Commit succeeds

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO performance_metrics
			(time, host_id, cpu_percent, mem_used, mem_total, swap_used, swap_total,
			 disk_io_rd_bps, disk_io_wr_bps, net_rx_cum, net_tx_cum, net_rx_bps, net_tx_bps,
			 uptime_seconds, procs, running_procs, tcp_established, disk_used, disk_total)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
		ON CONFLICT (host_id, time) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("store: prepare insert sample: %w", err)
	}
	defer stmt.Close()

	for _, sm := range samples {
		p := sm.PerformanceSample
		_, err := stmt.ExecContext(ctx,
			time.UnixMilli(p.Time).UTC(), sm.HostID, p.CPUPercent,
			int64(p.MemUsed), int64(p.MemTotal), int64(p.SwapUsed), int64(p.SwapTotal),
			int64(p.DiskIORdBps), int64(p.DiskIOWrBps), int64(p.NetRxCum), int64(p.NetTxCum),
			int64(p.NetRxBps), int64(p.NetTxBps), int64(p.UptimeSeconds),
			p.Procs, p.RunningProcs, p.TCPEstablished, int64(p.DiskUsed), int64(p.DiskTotal))
		if err != nil {
			return fmt.Errorf("store: insert sample for host %d: %w", sm.HostID, err)
		}

		if err := applyTrafficAccounting(ctx, tx, sm.HostID, p.NetRxCum, p.NetTxCum); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit insert samples tx: %w", err)
	}
	return nil
}

// applyTrafficAccounting runs internal/traffic.Apply against the host's
// current counter state, persisting the updated cycle/last-processed
// values in the same transaction as the metric row.
func applyTrafficAccounting(ctx context.Context, tx *sqlx.Tx, hostID int64, rx, tx_ uint64) error {
	row, err := trafficStateForUpdate(ctx, tx, hostID)
	if err != nil {
		return err
	}

	st := row.toState()
	traffic.Apply(&st, traffic.Cumulative{Rx: rx, Tx: tx_})

	return saveTrafficState(ctx, tx, hostID, trafficStateFrom(st))
}

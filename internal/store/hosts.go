package store

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/nodenexus/nodenexus/internal/effconfig"
	"github.com/nodenexus/nodenexus/internal/livestate"
	"github.com/nodenexus/nodenexus/internal/protocol"
	"github.com/nodenexus/nodenexus/internal/traffic"
)

// hostRow mirrors the vps table's authentication/config-relevant columns.
type hostRow struct {
	ID                      int64          `db:"id"`
	UserID                  int64          `db:"user_id"`
	Name                    string         `db:"name"`
	Status                  string         `db:"status"`
	AgentSecret             string         `db:"agent_secret"`
	IP                      string         `db:"ip"`
	OS                      string         `db:"os"`
	Arch                    string         `db:"arch"`
	CPUBrand                string         `db:"cpu_brand"`
	CPUCores                int            `db:"cpu_cores"`
	MemoryTotalBytes        int64          `db:"memory_total_bytes"`
	Country                 string         `db:"country"`
	OverrideHeartbeatSecs   int            `db:"override_heartbeat_seconds"`
	OverrideReportSecs      int            `db:"override_report_seconds"`
	OverrideFeatureFlags    []byte         `db:"override_feature_flags"`
	OverrideExtraSettings   []byte         `db:"override_extra_settings"`
	TrafficLimitBytes       int64          `db:"traffic_limit_bytes"`
	BillingRule             string         `db:"billing_rule"`
	CycleRx                 int64          `db:"cycle_rx"`
	CycleTx                 int64          `db:"cycle_tx"`
	ConfigStatus            string         `db:"config_status"`
	ConfigError             string         `db:"config_error"`
	LastProcessedRx         int64          `db:"last_processed_rx"`
	LastProcessedTx         int64          `db:"last_processed_tx"`
}

// Authenticate implements session.Authenticator: validate host_id +
// agent_secret and, on success, resolve the effective config to embed in
// the handshake ack.
func (s *Store) Authenticate(ctx context.Context, hs protocol.AgentHandshake) (protocol.EffectiveConfig, bool, string) {
	var row hostRow
	err := s.db.GetContext(ctx, &row, `SELECT id, agent_secret FROM vps WHERE id = $1`, hs.HostID)
	if err == sql.ErrNoRows {
		return protocol.EffectiveConfig{}, false, "unknown host"
	}
	if err != nil {
		return protocol.EffectiveConfig{}, false, "authentication error"
	}

	if subtle.ConstantTimeCompare([]byte(row.AgentSecret), []byte(hs.AgentSecret)) != 1 {
		return protocol.EffectiveConfig{}, false, "invalid agent secret"
	}

	cfg, err := s.EffectiveConfig(ctx, hs.HostID)
	if err != nil {
		return protocol.EffectiveConfig{}, false, "failed to resolve config"
	}
	return cfg, true, ""
}

// RecordHandshakeMetadata persists the handshake-reported host facts and
// marks the host online.
func (s *Store) RecordHandshakeMetadata(ctx context.Context, hs protocol.AgentHandshake) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE vps SET status = 'online', ip = $2, os = $3, arch = $4,
			cpu_brand = $5, cpu_cores = $6, memory_total_bytes = $7, updated_at = now()
		WHERE id = $1`,
		hs.HostID, hs.IP, hs.OS, hs.Arch, hs.CPUBrand, hs.CPUCores, int64(hs.MemoryTotal))
	if err != nil {
		return fmt.Errorf("store: record handshake metadata: %w", err)
	}
	return nil
}

// SetStatus updates a host's status column (online/offline/rebooting).
func (s *Store) SetStatus(ctx context.Context, hostID int64, status string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE vps SET status = $2, updated_at = now() WHERE id = $1`, hostID, status)
	if err != nil {
		return fmt.Errorf("store: set status: %w", err)
	}
	return nil
}

// SetConfigStatus implements effconfig.StatusRecorder.
func (s *Store) SetConfigStatus(ctx context.Context, hostID int64, status effconfig.ConfigStatus, errorMessage string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE vps SET config_status = $2, config_error = $3, updated_at = now() WHERE id = $1`,
		hostID, string(status), errorMessage)
	if err != nil {
		return fmt.Errorf("store: set config status: %w", err)
	}
	return nil
}

// EffectiveConfig resolves the merged config for hostID: global settings
// deep-merged with the host's override, plus the replaced
// service_monitor_tasks list from current assignments.
func (s *Store) EffectiveConfig(ctx context.Context, hostID int64) (protocol.EffectiveConfig, error) {
	global, err := s.globalConfig(ctx)
	if err != nil {
		return protocol.EffectiveConfig{}, err
	}

	var row hostRow
	err = s.db.GetContext(ctx, &row, `
		SELECT override_heartbeat_seconds, override_report_seconds,
		       override_feature_flags, override_extra_settings
		FROM vps WHERE id = $1`, hostID)
	if err != nil {
		return protocol.EffectiveConfig{}, fmt.Errorf("store: load host override %d: %w", hostID, err)
	}

	override := effconfig.Override{
		HeartbeatIntervalSeconds: row.OverrideHeartbeatSecs,
		ReportIntervalSeconds:    row.OverrideReportSecs,
		FeatureFlags:             map[string]bool{},
		ExtraSettings:            map[string]string{},
	}
	_ = json.Unmarshal(row.OverrideFeatureFlags, &override.FeatureFlags)
	_ = json.Unmarshal(row.OverrideExtraSettings, &override.ExtraSettings)

	monitors, err := s.MonitorsForHost(ctx, hostID)
	if err != nil {
		return protocol.EffectiveConfig{}, err
	}

	resolve := effconfig.Resolve{Global: global, Override: override, Monitors: monitors}
	return resolve.EffectiveConfig(), nil
}

func (s *Store) globalConfig(ctx context.Context) (effconfig.Global, error) {
	var raw []byte
	err := s.db.GetContext(ctx, &raw, `SELECT value_json FROM settings WHERE key = 'global_config'`)
	if err != nil {
		return effconfig.Global{}, fmt.Errorf("store: load global config: %w", err)
	}

	var parsed struct {
		HeartbeatIntervalSeconds int               `json:"heartbeat_interval_seconds"`
		ReportIntervalSeconds    int               `json:"report_interval_seconds"`
		FeatureFlags             map[string]bool   `json:"feature_flags"`
		ExtraSettings            map[string]string `json:"extra_settings"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return effconfig.Global{}, fmt.Errorf("store: parse global config: %w", err)
	}
	return effconfig.Global{
		HeartbeatIntervalSeconds: parsed.HeartbeatIntervalSeconds,
		ReportIntervalSeconds:    parsed.ReportIntervalSeconds,
		FeatureFlags:             parsed.FeatureFlags,
		ExtraSettings:            parsed.ExtraSettings,
	}, nil
}

// monitorRow mirrors service_monitors for assignment resolution.
type monitorRow struct {
	ID               int64          `db:"id"`
	Name             string         `db:"name"`
	Type             string         `db:"type"`
	Target           string         `db:"target"`
	FrequencySeconds int            `db:"frequency_seconds"`
	TimeoutSeconds   int            `db:"timeout_seconds"`
	MonitorConfig    string         `db:"monitor_config"`
	HostIDs          []byte         `db:"host_ids"`
	Tags             []byte         `db:"tags"`
}

// MonitorsForHost resolves every ServiceMonitor assigned to hostID, by
// explicit host-id membership or tag match.
func (s *Store) MonitorsForHost(ctx context.Context, hostID int64) ([]protocol.ServiceMonitorTask, error) {
	var rows []monitorRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT id, name, type, target, frequency_seconds, timeout_seconds, monitor_config, host_ids, tags FROM service_monitors`); err != nil {
		return nil, fmt.Errorf("store: list service monitors: %w", err)
	}

	hostTags, err := s.tagsForHost(ctx, hostID)
	if err != nil {
		return nil, err
	}
	tagSet := make(map[string]bool, len(hostTags))
	for _, t := range hostTags {
		tagSet[t] = true
	}

	out := make([]protocol.ServiceMonitorTask, 0)
	for _, row := range rows {
		var hostIDs []int64
		_ = json.Unmarshal(row.HostIDs, &hostIDs)
		var tags []string
		_ = json.Unmarshal(row.Tags, &tags)

		assigned := false
		for _, id := range hostIDs {
			if id == hostID {
				assigned = true
				break
			}
		}
		if !assigned {
			for _, t := range tags {
				if tagSet[t] {
					assigned = true
					break
				}
			}
		}
		if !assigned {
			continue
		}

		out = append(out, protocol.ServiceMonitorTask{
			MonitorID:        row.ID,
			Name:             row.Name,
			Type:             row.Type,
			Target:           row.Target,
			FrequencySeconds: row.FrequencySeconds,
			TimeoutSeconds:   row.TimeoutSeconds,
			MonitorConfig:    row.MonitorConfig,
		})
	}
	return out, nil
}

func (s *Store) tagsForHost(ctx context.Context, hostID int64) ([]string, error) {
	var tags []string
	err := s.db.SelectContext(ctx, &tags, `
		SELECT t.name FROM tags t
		JOIN vps_tags vt ON vt.tag_id = t.id
		WHERE vt.vps_id = $1`, hostID)
	if err != nil {
		return nil, fmt.Errorf("store: load tags for host %d: %w", hostID, err)
	}
	return tags, nil
}

// snapshotRow mirrors the denormalized join Snapshot reads.
type snapshotRow struct {
	ID               int64          `db:"id"`
	Name             string         `db:"name"`
	Status           string         `db:"status"`
	IP               string         `db:"ip"`
	OS               string         `db:"os"`
	Arch             string         `db:"arch"`
	CPUCores         int            `db:"cpu_cores"`
	MemoryTotalBytes int64          `db:"memory_total_bytes"`
	CycleRx          int64          `db:"cycle_rx"`
	CycleTx          int64          `db:"cycle_tx"`
	TrafficLimit     int64          `db:"traffic_limit_bytes"`
	BillingRule      string         `db:"billing_rule"`
	ConfigStatus     string         `db:"config_status"`
	ConfigError      string         `db:"config_error"`
	NextRenewalDate  sql.NullTime   `db:"next_renewal_date"`
	AutoRenewEnabled sql.NullBool   `db:"auto_renew_enabled"`
}

// Snapshot implements livestate.Snapshotter: a full rebuild of every
// host's denormalized rendered view.
func (s *Store) Snapshot(ctx context.Context) ([]livestate.HostView, error) {
	var rows []snapshotRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT v.id, v.name, v.status, v.ip, v.os, v.arch, v.cpu_cores, v.memory_total_bytes,
		       v.cycle_rx, v.cycle_tx, v.traffic_limit_bytes, v.billing_rule,
		       v.config_status, v.config_error,
		       r.next_renewal_date, r.auto_renew_enabled
		FROM vps v
		LEFT JOIN vps_renewal_info r ON r.vps_id = v.id`)
	if err != nil {
		return nil, fmt.Errorf("store: snapshot hosts: %w", err)
	}

	out := make([]livestate.HostView, 0, len(rows))
	for _, row := range rows {
		tags, err := s.tagsForHost(ctx, row.ID)
		if err != nil {
			return nil, err
		}

		view := livestate.HostView{
			HostID:           row.ID,
			Name:             row.Name,
			Status:           row.Status,
			IP:               row.IP,
			OS:               row.OS,
			Arch:             row.Arch,
			CPUCores:         row.CPUCores,
			MemoryTotal:      uint64(row.MemoryTotalBytes),
			Tags:             tags,
			TrafficCycleRx:   uint64(row.CycleRx),
			TrafficCycleTx:   uint64(row.CycleTx),
			TrafficBillable:  traffic.BillableUsage(traffic.BillingRule(row.BillingRule), uint64(row.CycleRx), uint64(row.CycleTx)),
			TrafficLimit:     uint64(row.TrafficLimit),
			BillingRule:      row.BillingRule,
			ConfigStatus:     row.ConfigStatus,
			ConfigError:      row.ConfigError,
			AutoRenewEnabled: row.AutoRenewEnabled.Bool,
		}
		if row.NextRenewalDate.Valid {
			t := row.NextRenewalDate.Time
			view.NextRenewalDate = &t
		}
		out = append(out, view)
	}
	return out, nil
}

// trafficStateForUpdate loads the host's current counter-accounting
// state, used by InsertSamples to run the delta accounting inside the
// same transaction as the metric insert; this prevents torn updates
// against concurrent resets.
func trafficStateForUpdate(ctx context.Context, tx *sqlx.Tx, hostID int64) (trafficState, error) {
	var st trafficState
	err := tx.GetContext(ctx, &st, `
		SELECT cycle_rx, cycle_tx, last_processed_rx, last_processed_tx
		FROM vps WHERE id = $1 FOR UPDATE`, hostID)
	if err != nil {
		return trafficState{}, fmt.Errorf("store: load traffic state for host %d: %w", hostID, err)
	}
	return st, nil
}

func saveTrafficState(ctx context.Context, tx *sqlx.Tx, hostID int64, st trafficState) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE vps SET cycle_rx = $2, cycle_tx = $3, last_processed_rx = $4, last_processed_tx = $5, updated_at = now()
		WHERE id = $1`, hostID, int64(st.CycleRx), int64(st.CycleTx), int64(st.LastProcessedRx), int64(st.LastProcessedTx))
	if err != nil {
		return fmt.Errorf("store: save traffic state for host %d: %w", hostID, err)
	}
	return nil
}

// trafficState mirrors internal/traffic.State's fields for sqlx scanning;
// kept distinct from traffic.State itself so this package has no `db`-tag
// dependency on that package's public type.
type trafficState struct {
	CycleRx         int64 `db:"cycle_rx"`
	CycleTx         int64 `db:"cycle_tx"`
	LastProcessedRx int64 `db:"last_processed_rx"`
	LastProcessedTx int64 `db:"last_processed_tx"`
}

func (t trafficState) toState() traffic.State {
	return traffic.State{
		CycleRx:         uint64(t.CycleRx),
		CycleTx:         uint64(t.CycleTx),
		LastProcessedRx: uint64(t.LastProcessedRx),
		LastProcessedTx: uint64(t.LastProcessedTx),
	}
}

func trafficStateFrom(st traffic.State) trafficState {
	return trafficState{
		CycleRx:         int64(st.CycleRx),
		CycleTx:         int64(st.CycleTx),
		LastProcessedRx: int64(st.LastProcessedRx),
		LastProcessedTx: int64(st.LastProcessedTx),
	}
}

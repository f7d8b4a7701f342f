// Package effconfig merges global defaults with a per-host override into
// the EffectiveConfig pushed to an agent, and implements the push/ack
// discipline that tracks whether the push applied.
package effconfig

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/nodenexus/nodenexus/internal/protocol"
)

// Override is the per-host config override. Int/string
// fields with their zero value are treated as "not set" and never shadow
// the global default.
type Override struct {
	HeartbeatIntervalSeconds int
	ReportIntervalSeconds    int
	FeatureFlags             map[string]bool
	ExtraSettings            map[string]string
}

// Global is the fleet-wide default config.
type Global struct {
	HeartbeatIntervalSeconds int
	ReportIntervalSeconds    int
	FeatureFlags             map[string]bool
	ExtraSettings            map[string]string
}

// Merge deep-merges global and override:
//   - zero-valued override ints / empty override strings do not shadow global
//   - feature_flags and extra_settings are merged key-by-key, override wins
//   - service_monitor_tasks is always replaced wholesale by the caller (not
//     part of this merge — see Resolve)
func Merge(global Global, override Override) protocol.EffectiveConfig {
	out := protocol.EffectiveConfig{
		HeartbeatIntervalSeconds: global.HeartbeatIntervalSeconds,
		ReportIntervalSeconds:    global.ReportIntervalSeconds,
		FeatureFlags:             map[string]bool{},
		ExtraSettings:            map[string]string{},
	}

	if override.HeartbeatIntervalSeconds != 0 {
		out.HeartbeatIntervalSeconds = override.HeartbeatIntervalSeconds
	}
	if override.ReportIntervalSeconds != 0 {
		out.ReportIntervalSeconds = override.ReportIntervalSeconds
	}

	for k, v := range global.FeatureFlags {
		out.FeatureFlags[k] = v
	}
	for k, v := range override.FeatureFlags {
		out.FeatureFlags[k] = v
	}

	for k, v := range global.ExtraSettings {
		out.ExtraSettings[k] = v
	}
	for k, v := range override.ExtraSettings {
		if v != "" {
			out.ExtraSettings[k] = v
		}
	}

	return out
}

// Resolve bundles the global and override config with the
// ServiceMonitorTask values that apply to a given host (by explicit
// host-id membership or tag match); the monitor list is computed upstream
// and passed in here since tag resolution is a store concern.
type Resolve struct {
	Global    Global
	Override  Override
	Monitors  []protocol.ServiceMonitorTask
}

// EffectiveConfig computes the full config to push to a host: the merged
// settings plus the (always-replaced) service monitor task list.
func (r Resolve) EffectiveConfig() protocol.EffectiveConfig {
	cfg := Merge(r.Global, r.Override)
	cfg.ServiceMonitorTasks = append([]protocol.ServiceMonitorTask{}, r.Monitors...)
	return cfg
}

// Sink is the narrow send capability Pusher needs; registry.Session
// satisfies it via its Sink field.
type Sink interface {
	Send(ctx context.Context, typ protocol.PayloadType, payload any) error
}

// ConfigStatus mirrors the host's config-status column.
type ConfigStatus string

const (
	StatusPending ConfigStatus = "pending"
	StatusApplied ConfigStatus = "applied"
	StatusFailed  ConfigStatus = "failed"
)

// StatusRecorder persists config-push outcomes onto the host row.
type StatusRecorder interface {
	SetConfigStatus(ctx context.Context, hostID int64, status ConfigStatus, errorMessage string) error
}

// PendingVersions tracks the most recent config_version_id sent per host so
// that a late UpdateConfigResponse for a superseded version can be ignored
// (at-most-once config version acknowledgement).
type PendingVersions struct {
	mu       sync.Mutex
	versions map[int64]string
}

// NewPendingVersions constructs an empty tracker.
func NewPendingVersions() *PendingVersions {
	return &PendingVersions{versions: make(map[int64]string)}
}

// Push records that configVersionID is now the outstanding version for hostID,
// returning it so callers can embed it in the outbound UpdateConfigRequest.
func (p *PendingVersions) Push(hostID int64) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	v := uuid.NewString()
	p.versions[hostID] = v
	return v
}

// Ack reports whether configVersionID is still the outstanding version for
// hostID (i.e. this ack is not stale) and clears it if so.
func (p *PendingVersions) Ack(hostID int64, configVersionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	cur, ok := p.versions[hostID]
	if !ok || cur != configVersionID {
		return false
	}
	delete(p.versions, hostID)
	return true
}

// Push sends a freshly resolved config to the session identified by sink,
// recording the pending version and marking the host's config-status
// pending. If sink is nil (agent not connected), the push is marked failed
// immediately and the send is skipped.
func Push(ctx context.Context, pending *PendingVersions, recorder StatusRecorder, hostID int64, sink Sink, cfg protocol.EffectiveConfig) error {
	if sink == nil {
		return recorder.SetConfigStatus(ctx, hostID, StatusFailed, "Agent not connected")
	}

	versionID := pending.Push(hostID)
	if err := sink.Send(ctx, protocol.TypeUpdateConfigRequest, protocol.UpdateConfigRequest{
		ConfigVersionID: versionID,
		NewConfig:       cfg,
	}); err != nil {
		return recorder.SetConfigStatus(ctx, hostID, StatusFailed, err.Error())
	}
	return recorder.SetConfigStatus(ctx, hostID, StatusPending, "")
}

// ApplyAck processes an UpdateConfigResponse, ignoring it if it acknowledges
// a superseded config_version_id.
func ApplyAck(ctx context.Context, pending *PendingVersions, recorder StatusRecorder, hostID int64, resp protocol.UpdateConfigResponse) error {
	if !pending.Ack(hostID, resp.ConfigVersionID) {
		return nil // stale ack for a superseded version
	}
	if resp.Success {
		return recorder.SetConfigStatus(ctx, hostID, StatusApplied, "")
	}
	return recorder.SetConfigStatus(ctx, hostID, StatusFailed, resp.ErrorMessage)
}

package effconfig

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodenexus/nodenexus/internal/protocol"
)

func TestMergeZeroValuesDoNotShadowGlobal(t *testing.T) {
	global := Global{
		HeartbeatIntervalSeconds: 30,
		ReportIntervalSeconds:    5,
		FeatureFlags:             map[string]bool{"docker": true, "alerts": false},
		ExtraSettings:            map[string]string{"region": "us-east"},
	}
	override := Override{
		HeartbeatIntervalSeconds: 0, // not set
		ReportIntervalSeconds:    10,
		FeatureFlags:             map[string]bool{"alerts": true},
		ExtraSettings:            map[string]string{"region": ""},
	}

	got := Merge(global, override)
	assert.Equal(t, 30, got.HeartbeatIntervalSeconds, "zero override must not shadow global")
	assert.Equal(t, 10, got.ReportIntervalSeconds)
	assert.True(t, got.FeatureFlags["docker"])
	assert.True(t, got.FeatureFlags["alerts"], "override wins key-by-key")
	assert.Equal(t, "us-east", got.ExtraSettings["region"], "empty override string must not shadow global")
}

func TestResolveReplacesMonitorTasks(t *testing.T) {
	r := Resolve{
		Global: Global{HeartbeatIntervalSeconds: 30},
		Monitors: []protocol.ServiceMonitorTask{
			{MonitorID: 1, Name: "ping-gw"},
		},
	}
	cfg := r.EffectiveConfig()
	require.Len(t, cfg.ServiceMonitorTasks, 1)
	assert.Equal(t, int64(1), cfg.ServiceMonitorTasks[0].MonitorID)
}

type recorderSpy struct {
	hostID  int64
	status  ConfigStatus
	message string
	calls   int
}

func (r *recorderSpy) SetConfigStatus(_ context.Context, hostID int64, status ConfigStatus, msg string) error {
	r.hostID = hostID
	r.status = status
	r.message = msg
	r.calls++
	return nil
}

type fakeSink struct {
	sent    []protocol.UpdateConfigRequest
	sendErr error
}

func (f *fakeSink) Send(_ context.Context, _ protocol.PayloadType, payload any) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, payload.(protocol.UpdateConfigRequest))
	return nil
}

func TestPushMarksFailedWhenAgentNotConnected(t *testing.T) {
	rec := &recorderSpy{}
	pending := NewPendingVersions()
	err := Push(context.Background(), pending, rec, 42, nil, protocol.EffectiveConfig{})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, rec.status)
	assert.Contains(t, rec.message, "not connected")
}

func TestPushAndAckHappyPath(t *testing.T) {
	rec := &recorderSpy{}
	pending := NewPendingVersions()
	sink := &fakeSink{}

	err := Push(context.Background(), pending, rec, 1, sink, protocol.EffectiveConfig{HeartbeatIntervalSeconds: 30})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, rec.status)
	require.Len(t, sink.sent, 1)

	versionID := sink.sent[0].ConfigVersionID
	err = ApplyAck(context.Background(), pending, rec, 1, protocol.UpdateConfigResponse{ConfigVersionID: versionID, Success: true})
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, rec.status)
}

func TestApplyAckIgnoresStaleVersion(t *testing.T) {
	rec := &recorderSpy{}
	pending := NewPendingVersions()
	sink := &fakeSink{}

	require.NoError(t, Push(context.Background(), pending, rec, 1, sink, protocol.EffectiveConfig{}))
	// A second push supersedes the first pending version.
	require.NoError(t, Push(context.Background(), pending, rec, 1, sink, protocol.EffectiveConfig{}))

	staleVersion := sink.sent[0].ConfigVersionID
	rec.calls = 0
	err := ApplyAck(context.Background(), pending, rec, 1, protocol.UpdateConfigResponse{ConfigVersionID: staleVersion, Success: true})
	require.NoError(t, err)
	assert.Equal(t, 0, rec.calls, "a late ack for a superseded version must be ignored")
}

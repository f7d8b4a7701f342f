package livestate

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodenexus/nodenexus/internal/obsmetrics"
	"github.com/nodenexus/nodenexus/internal/protocol"
)

type fakeSnap struct {
	views []HostView
}

func (f *fakeSnap) Snapshot(context.Context) ([]HostView, error) {
	return f.views, nil
}

func testMetrics() *obsmetrics.Metrics {
	return obsmetrics.NewWithRegistry(prometheus.NewRegistry())
}

func testBus(views []HostView) *Bus {
	return New(&fakeSnap{views: views}, testMetrics(), logrus.NewEntry(logrus.New()))
}

func TestSubscribeSendsImmediateSnapshot(t *testing.T) {
	bus := testBus(nil)
	require.NoError(t, bus.RefreshSnapshot(context.Background()))

	sub := &Subscriber{}
	unsub := bus.Subscribe(sub)
	defer unsub()

	select {
	case env := <-sub.Envelopes():
		assert.Equal(t, EventFullServerList, env.Type)
	case <-time.After(time.Second):
		t.Fatal("no immediate snapshot delivered")
	}
}

func TestPublicSubscriberGetsDesensitizedView(t *testing.T) {
	views := []HostView{{HostID: 1, IP: "10.0.0.1", ConfigError: "boom", TrafficBillable: 300, TrafficLimit: 1000, BillingRule: "sum"}}
	bus := testBus(views)
	require.NoError(t, bus.RefreshSnapshot(context.Background()))

	sub := &Subscriber{Public: true}
	unsub := bus.Subscribe(sub)
	defer unsub()

	env := <-sub.Envelopes()
	got := env.Data.([]HostView)
	require.Len(t, got, 1)
	assert.Empty(t, got[0].IP)
	assert.Empty(t, got[0].ConfigError)
	assert.Zero(t, got[0].TrafficBillable)
	assert.Zero(t, got[0].TrafficLimit)
	assert.Empty(t, got[0].BillingRule)
}

func TestAuthenticatedSubscriberSeesSensitiveFields(t *testing.T) {
	views := []HostView{{HostID: 1, IP: "10.0.0.1"}}
	bus := testBus(views)
	require.NoError(t, bus.RefreshSnapshot(context.Background()))

	sub := &Subscriber{}
	unsub := bus.Subscribe(sub)
	defer unsub()

	env := <-sub.Envelopes()
	got := env.Data.([]HostView)
	require.Len(t, got, 1)
	assert.Equal(t, "10.0.0.1", got[0].IP)
}

func TestHostIDFilterRestrictsSnapshot(t *testing.T) {
	views := []HostView{{HostID: 1}, {HostID: 2}}
	bus := testBus(views)
	require.NoError(t, bus.RefreshSnapshot(context.Background()))

	sub := &Subscriber{HostIDs: map[int64]bool{1: true}}
	unsub := bus.Subscribe(sub)
	defer unsub()

	env := <-sub.Envelopes()
	got := env.Data.([]HostView)
	require.Len(t, got, 1)
	assert.Equal(t, int64(1), got[0].HostID)
}

func TestRefreshSnapshotBroadcastsToAllSubscribers(t *testing.T) {
	bus := testBus(nil)
	sub := &Subscriber{}
	unsub := bus.Subscribe(sub)
	defer unsub()
	<-sub.Envelopes() // drain initial empty snapshot

	bus.snap = &fakeSnap{views: []HostView{{HostID: 9}}}
	require.NoError(t, bus.RefreshSnapshot(context.Background()))

	env := <-sub.Envelopes()
	got := env.Data.([]HostView)
	require.Len(t, got, 1)
	assert.Equal(t, int64(9), got[0].HostID)
}

// TestMetricTickerDrainsAllBuffersAtomically checks that after a tick,
// every buffer is empty and the emitted sample count equals the ingested
// count.
func TestMetricTickerDrainsAllBuffersAtomically(t *testing.T) {
	bus := testBus(nil)
	sub := &Subscriber{}
	unsub := bus.Subscribe(sub)
	defer unsub()
	<-sub.Envelopes() // drain initial snapshot

	for i := 0; i < 5; i++ {
		bus.IngestSample(1, protocol.PerformanceSample{CPUPercent: float64(i)})
	}
	for i := 0; i < 3; i++ {
		bus.IngestSample(2, protocol.PerformanceSample{CPUPercent: float64(i)})
	}

	bus.drainAndBroadcast()

	env := <-sub.Envelopes()
	assert.Equal(t, EventPerformanceMetricBatch, env.Type)
	batch := env.Data.(PerformanceMetricBatch)
	assert.Len(t, batch.Samples[1], 5)
	assert.Len(t, batch.Samples[2], 3)

	// Buffers must now be empty: a second drain produces nothing.
	bus.drainAndBroadcast()
	select {
	case env := <-sub.Envelopes():
		t.Fatalf("unexpected second emission: %+v", env)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMetricTickerClearsBuffersEvenWithoutSubscribers(t *testing.T) {
	bus := testBus(nil)
	bus.IngestSample(1, protocol.PerformanceSample{})
	bus.drainAndBroadcast()

	v, ok := bus.buffers.Load(int64(1))
	require.True(t, ok)
	buf := v.(*metricBuffer)
	assert.Empty(t, buf.samples)
}

func TestPublishMonitorResultBroadcastsToSubscribers(t *testing.T) {
	bus := testBus(nil)
	sub := &Subscriber{}
	unsub := bus.Subscribe(sub)
	defer unsub()
	<-sub.Envelopes()

	bus.PublishMonitorResult(ServiceMonitorUpdate{Result: protocol.ServiceMonitorResult{MonitorID: 42, IsUp: true}, MonitorName: "ping-gw"})

	env := <-sub.Envelopes()
	assert.Equal(t, EventServiceMonitorResult, env.Type)
	update := env.Data.(ServiceMonitorUpdate)
	assert.Equal(t, int64(42), update.Result.MonitorID)
	assert.Equal(t, "ping-gw", update.MonitorName)
}

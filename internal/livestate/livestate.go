// Package livestate implements the in-memory denormalized host cache and
// its two broadcast streams — authoritative snapshots on mutation, and a
// high-frequency metrics batch emitted once per tick.
package livestate

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nodenexus/nodenexus/internal/obsmetrics"
	"github.com/nodenexus/nodenexus/internal/protocol"
)

// HostView is the denormalized per-host row rendered to dashboard clients.
type HostView struct {
	HostID           int64
	Name             string
	Status           string
	IP               string
	OS               string
	Arch             string
	CPUCores         int
	MemoryTotal      uint64
	Tags             []string
	TrafficCycleRx   uint64
	TrafficCycleTx   uint64
	TrafficBillable  uint64 // cycle counters combined per the billing rule
	TrafficLimit     uint64
	BillingRule      string
	ConfigStatus     string
	ConfigError      string
	NextRenewalDate  *time.Time
	AutoRenewEnabled bool
}

// Desensitize returns a copy with the fields reserved for authenticated
// owners stripped, for the public-dashboard view.
func (h HostView) Desensitize() HostView {
	d := h
	d.IP = ""
	d.TrafficBillable = 0
	d.TrafficLimit = 0
	d.BillingRule = ""
	d.ConfigError = ""
	d.NextRenewalDate = nil
	d.AutoRenewEnabled = false
	return d
}

// Snapshotter rebuilds the full set of HostViews from durable storage.
// Implemented by internal/store.
type Snapshotter interface {
	Snapshot(ctx context.Context) ([]HostView, error)
}

// Envelope is the `WsMessage{type, data}` JSON envelope of the
// live-subscribe surface.
type Envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

const (
	EventFullServerList        = "full_server_list"
	EventPerformanceMetricBatch = "performance_metric_batch"
	EventServiceMonitorResult   = "service_monitor_result"
	EventNewLogOutput           = "new_log_output"
	EventChildTaskUpdate        = "child_task_update"
	EventBatchTaskUpdate        = "batch_task_update"
)

// PerformanceMetricBatch is the drained-buffer payload for one tick.
type PerformanceMetricBatch struct {
	Samples map[int64][]protocol.PerformanceSample `json:"samples"`
}

// Subscriber is one accepted WebSocket client's delivery channel.
type Subscriber struct {
	ch     chan Envelope
	Public bool // true: desensitized view, no ownership filter
	// HostIDs restricts an authenticated subscriber's snapshot/metrics to a
	// set of owned hosts; nil means unrestricted (resolved upstream by the
	// REST/auth boundary).
	HostIDs map[int64]bool
}

// Envelopes is the subscriber's read side.
func (s *Subscriber) Envelopes() <-chan Envelope {
	return s.ch
}

func (s *Subscriber) visible(hostID int64) bool {
	if s.HostIDs == nil {
		return true
	}
	return s.HostIDs[hostID]
}

func (s *Subscriber) send(e Envelope) {
	select {
	case s.ch <- e:
	default:
		// A slow dashboard client drops its own stale tick rather than
		// blocking the broadcaster for everyone else.
	}
}

type metricBuffer struct {
	mu      sync.Mutex
	samples []protocol.PerformanceSample
}

// Bus is the live-state cache plus its two broadcast streams.
type Bus struct {
	snap    Snapshotter
	metrics *obsmetrics.Metrics
	log     *logrus.Entry

	mu    sync.Mutex
	cache []HostView
	subs  map[*Subscriber]struct{}

	buffers sync.Map // hostID int64 -> *metricBuffer
}

// New constructs a Bus backed by snap.
func New(snap Snapshotter, metrics *obsmetrics.Metrics, log *logrus.Entry) *Bus {
	return &Bus{
		snap:    snap,
		metrics: metrics,
		log:     log,
		subs:    make(map[*Subscriber]struct{}),
	}
}

// Subscribe registers sub, sends it one immediate snapshot of the current
// cache, and returns an unsubscribe func.
func (b *Bus) Subscribe(sub *Subscriber) func() {
	sub.ch = make(chan Envelope, 32)

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	view := append([]HostView(nil), b.cache...)
	b.mu.Unlock()

	b.metrics.BroadcastSubscribers.Inc()
	sub.send(Envelope{Type: EventFullServerList, Data: b.filterAndDesensitize(sub, view)})

	return func() {
		b.mu.Lock()
		delete(b.subs, sub)
		b.mu.Unlock()
		b.metrics.BroadcastSubscribers.Dec()
	}
}

func (b *Bus) filterAndDesensitize(sub *Subscriber, views []HostView) []HostView {
	out := make([]HostView, 0, len(views))
	for _, v := range views {
		if !sub.visible(v.HostID) {
			continue
		}
		if sub.Public {
			v = v.Desensitize()
		}
		out = append(out, v)
	}
	return out
}

// RefreshSnapshot rebuilds the cache from storage and broadcasts it to every
// subscriber. Called after any mutation that could alter the rendered host
// list (host create/update/delete, tag change, status change, config
// status change, renewal change).
func (b *Bus) RefreshSnapshot(ctx context.Context) error {
	views, err := b.snap.Snapshot(ctx)
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.cache = views
	subs := make([]*Subscriber, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.send(Envelope{Type: EventFullServerList, Data: b.filterAndDesensitize(sub, views)})
	}
	return nil
}

// IngestSample appends a sample to hostID's per-host buffer for the next
// metric-batch tick. It never blocks on the broadcaster.
func (b *Bus) IngestSample(hostID int64, sample protocol.PerformanceSample) {
	v, _ := b.buffers.LoadOrStore(hostID, &metricBuffer{})
	buf := v.(*metricBuffer)
	buf.mu.Lock()
	buf.samples = append(buf.samples, sample)
	buf.mu.Unlock()
}

// RunMetricTicker drains every per-host buffer once per tick and broadcasts
// a single PerformanceMetricBatch, until ctx is canceled. When no
// subscriber is connected the buffers are still drained (and discarded) to
// bound memory.
func (b *Bus) RunMetricTicker(ctx context.Context, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.drainAndBroadcast()
		}
	}
}

func (b *Bus) drainAndBroadcast() {
	drained := make(map[int64][]protocol.PerformanceSample)
	b.buffers.Range(func(key, value any) bool {
		hostID := key.(int64)
		buf := value.(*metricBuffer)
		buf.mu.Lock()
		if len(buf.samples) > 0 {
			drained[hostID] = buf.samples
			buf.samples = nil
		}
		buf.mu.Unlock()
		return true
	})

	if len(drained) == 0 {
		return
	}

	b.mu.Lock()
	subs := make([]*Subscriber, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	if len(subs) == 0 {
		return
	}

	for _, sub := range subs {
		perHost := drained
		if sub.HostIDs != nil {
			perHost = make(map[int64][]protocol.PerformanceSample, len(drained))
			for hostID, samples := range drained {
				if sub.visible(hostID) {
					perHost[hostID] = samples
				}
			}
			if len(perHost) == 0 {
				continue
			}
		}
		sub.send(Envelope{Type: EventPerformanceMetricBatch, Data: PerformanceMetricBatch{Samples: perHost}})
	}
	b.metrics.BroadcastBatchesEmittedTotal.Inc()
}

// ServiceMonitorUpdate is the broadcast-ready projection of a
// ServiceMonitorResult, enriched with the monitor and agent display names.
type ServiceMonitorUpdate struct {
	Result      protocol.ServiceMonitorResult `json:"result"`
	MonitorName string                        `json:"monitor_name"`
	AgentName   string                        `json:"agent_name"`
}

// Broadcast sends envelope to every subscriber unfiltered. Used for the
// batch-command event family (NEW_LOG_OUTPUT, CHILD_TASK_UPDATE,
// BATCH_TASK_UPDATE), whose ownership is by batch owner-user-id rather than
// the per-host membership Subscriber.HostIDs models; that filtering is
// resolved upstream by the REST/auth boundary.
func (b *Bus) Broadcast(eventType string, data any) {
	b.mu.Lock()
	subs := make([]*Subscriber, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.send(Envelope{Type: eventType, Data: data})
	}
}

// PublishMonitorResult broadcasts a single service-monitor result to every
// subscriber as it arrives, independent of the metric-batch tick.
func (b *Bus) PublishMonitorResult(update ServiceMonitorUpdate) {
	b.mu.Lock()
	subs := make([]*Subscriber, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		if !sub.visible(update.Result.AgentID) {
			continue
		}
		sub.send(Envelope{Type: EventServiceMonitorResult, Data: update})
	}
}

// Package obsmetrics provides the Prometheus collectors shared by every
// server-side component, with a New / NewWithRegistry split so tests can
// register into an isolated registry.
package obsmetrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds every collector the core emits.
type Metrics struct {
	SessionsActive               prometheus.Gauge
	HandshakeFailuresTotal       *prometheus.CounterVec
	SamplesIngestedTotal         prometheus.Counter
	SamplesDroppedTotal          *prometheus.CounterVec
	WriterFlushDuration          prometheus.Histogram
	WriterBatchSize              prometheus.Histogram
	BroadcastSubscribers         prometheus.Gauge
	BroadcastBatchesEmittedTotal prometheus.Counter
	BatchChildrenDispatchedTotal *prometheus.CounterVec
	BatchParentTransitionsTotal *prometheus.CounterVec
	ConfigPushTotal              *prometheus.CounterVec
	SchedulerProbesTotal         *prometheus.CounterVec
	ResetSweepsTotal             prometheus.Counter
}

// New registers all collectors against prometheus.DefaultRegisterer.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry registers all collectors against a caller-supplied
// registerer, allowing isolated registries in tests.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nodenexus_sessions_active",
			Help: "Number of agent sessions currently registered.",
		}),
		HandshakeFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nodenexus_handshake_failures_total",
			Help: "Handshake attempts rejected, by reason.",
		}, []string{"reason"}),
		SamplesIngestedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nodenexus_samples_ingested_total",
			Help: "Performance samples accepted for persistence.",
		}),
		SamplesDroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nodenexus_samples_dropped_total",
			Help: "Performance samples dropped, by reason.",
		}, []string{"reason"}),
		WriterFlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "nodenexus_writer_flush_duration_seconds",
			Help:    "Duration of a metrics-writer flush transaction.",
			Buckets: prometheus.DefBuckets,
		}),
		WriterBatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "nodenexus_writer_batch_size",
			Help:    "Number of samples flushed per writer batch.",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 200},
		}),
		BroadcastSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nodenexus_broadcast_subscribers",
			Help: "Current number of live-state bus subscribers.",
		}),
		BroadcastBatchesEmittedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nodenexus_broadcast_batches_emitted_total",
			Help: "Metric broadcast ticks that emitted a batch.",
		}),
		BatchChildrenDispatchedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nodenexus_batch_children_dispatched_total",
			Help: "Child commands dispatched, by outcome.",
		}, []string{"outcome"}),
		BatchParentTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nodenexus_batch_parent_transitions_total",
			Help: "Parent batch command status transitions.",
		}, []string{"status"}),
		ConfigPushTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nodenexus_config_push_total",
			Help: "Config pushes, by outcome.",
		}, []string{"outcome"}),
		SchedulerProbesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nodenexus_scheduler_probes_total",
			Help: "Service monitor results ingested, by status.",
		}, []string{"status"}),
		ResetSweepsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nodenexus_reset_sweeps_total",
			Help: "Reset/reminder sweep ticks executed.",
		}),
	}

	collectors := []prometheus.Collector{
		m.SessionsActive, m.HandshakeFailuresTotal, m.SamplesIngestedTotal,
		m.SamplesDroppedTotal, m.WriterFlushDuration, m.WriterBatchSize,
		m.BroadcastSubscribers, m.BroadcastBatchesEmittedTotal,
		m.BatchChildrenDispatchedTotal, m.BatchParentTransitionsTotal,
		m.ConfigPushTotal, m.SchedulerProbesTotal, m.ResetSweepsTotal,
	}
	for _, c := range collectors {
		reg.MustRegister(c)
	}
	return m
}

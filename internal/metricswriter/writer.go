// Package metricswriter implements a dedicated batched writer owning the
// single time-series write connection. Session handlers enqueue samples
// through a bounded channel; the writer itself decides when to flush.
package metricswriter

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nodenexus/nodenexus/internal/obsmetrics"
	"github.com/nodenexus/nodenexus/internal/protocol"
)

// Sample is one PerformanceSample tagged with its owning host.
type Sample struct {
	HostID int64
	protocol.PerformanceSample
}

// Store persists a batch of samples in one transaction. Implemented by
// internal/store against the lib/pq + sqlx connection pool.
type Store interface {
	InsertSamples(ctx context.Context, samples []Sample) error
}

// Writer buffers samples and flushes them to Store every BatchSize rows or
// FlushInterval, whichever comes first. On Close it flushes whatever
// remains and exits; a flush that errors is logged and the batch is
// dropped, never retried and never blocking producers.
type Writer struct {
	store         Store
	batchSize     int
	flushInterval time.Duration
	metrics       *obsmetrics.Metrics
	log           *logrus.Entry

	ch       chan Sample
	closeOne sync.Once
	done     chan struct{}
}

// New constructs a Writer. queueCapacity bounds the inbound channel;
// callers that find it full must drop the sample rather than block the hot
// network path (see Submit).
func New(store Store, batchSize int, flushInterval time.Duration, queueCapacity int, metrics *obsmetrics.Metrics, log *logrus.Entry) *Writer {
	return &Writer{
		store:         store,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		metrics:       metrics,
		log:           log,
		ch:            make(chan Sample, queueCapacity),
		done:          make(chan struct{}),
	}
}

// Submit enqueues a sample without blocking. If the queue is full the
// sample is dropped and SamplesDroppedTotal{reason="queue_full"} is
// incremented — producers on the ingest hot path must never stall waiting
// for the writer.
func (w *Writer) Submit(s Sample) {
	select {
	case w.ch <- s:
	default:
		w.metrics.SamplesDroppedTotal.WithLabelValues("queue_full").Inc()
	}
}

// Close stops accepting new samples. Run drains and flushes whatever is
// left before returning. Idempotent.
func (w *Writer) Close() {
	w.closeOne.Do(func() {
		close(w.ch)
	})
}

// Run consumes the inbound channel until it is closed, flushing on
// BatchSize or FlushInterval, then flushes any remainder and returns. Run
// also exits (without draining further) if ctx is canceled.
func (w *Writer) Run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	buf := make([]Sample, 0, w.batchSize)

	flush := func() {
		if len(buf) == 0 {
			return
		}
		start := time.Now()
		if err := w.store.InsertSamples(ctx, buf); err != nil {
			w.log.WithError(err).WithField("batch_size", len(buf)).Error("metrics batch flush failed, dropping batch")
		} else {
			w.metrics.SamplesIngestedTotal.Add(float64(len(buf)))
		}
		w.metrics.WriterFlushDuration.Observe(time.Since(start).Seconds())
		w.metrics.WriterBatchSize.Observe(float64(len(buf)))
		buf = buf[:0]
	}

	for {
		select {
		case s, ok := <-w.ch:
			if !ok {
				flush()
				return
			}
			buf = append(buf, s)
			if len(buf) >= w.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			flush()
			return
		}
	}
}

// Done is closed once Run has returned.
func (w *Writer) Done() <-chan struct{} {
	return w.done
}

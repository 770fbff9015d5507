package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records pipeline throughput and failure counters. A nil *Metrics is
// valid and records nothing, which keeps tests free of registry setup.
type Metrics struct {
	delivered      *prometheus.CounterVec
	acked          *prometheus.CounterVec
	requeued       *prometheus.CounterVec
	deadLettered   *prometheus.CounterVec
	flushDuration  *prometheus.HistogramVec
	batchSize      *prometheus.HistogramVec
	vendorCalls    *prometheus.CounterVec
	receiptSkipped *prometheus.CounterVec
}

// New registers the pipeline metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	m := &Metrics{
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "courier",
			Name:      "messages_delivered_total",
			Help:      "Messages handed to a consumer, including redeliveries.",
		}, []string{"queue"}),
		acked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "courier",
			Name:      "messages_acked_total",
			Help:      "Messages acknowledged after successful processing.",
		}, []string{"queue"}),
		requeued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "courier",
			Name:      "messages_requeued_total",
			Help:      "Messages left pending for redelivery after a failed write.",
		}, []string{"queue"}),
		deadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "courier",
			Name:      "messages_dead_lettered_total",
			Help:      "Messages moved to a dead-letter stream.",
		}, []string{"queue", "reason"}),
		flushDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "courier",
			Name:      "batch_flush_duration_seconds",
			Help:      "Time spent applying one batch to the document store.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"consumer", "outcome"}),
		batchSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "courier",
			Name:      "batch_size",
			Help:      "Number of messages per flushed batch.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}, []string{"consumer"}),
		vendorCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "courier",
			Name:      "vendor_calls_total",
			Help:      "Send calls made to the delivery vendor.",
		}, []string{"outcome"}),
		receiptSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "courier",
			Name:      "receipts_not_aggregated_total",
			Help:      "Receipts that did not contribute to campaign stats.",
		}, []string{"reason"}),
	}
	reg.MustRegister(
		m.delivered, m.acked, m.requeued, m.deadLettered,
		m.flushDuration, m.batchSize, m.vendorCalls, m.receiptSkipped,
	)
	return m
}

func (m *Metrics) Delivered(queue string) {
	if m == nil {
		return
	}
	m.delivered.WithLabelValues(queue).Inc()
}

func (m *Metrics) Acked(queue string, n int) {
	if m == nil {
		return
	}
	m.acked.WithLabelValues(queue).Add(float64(n))
}

func (m *Metrics) Requeued(queue string, n int) {
	if m == nil {
		return
	}
	m.requeued.WithLabelValues(queue).Add(float64(n))
}

func (m *Metrics) DeadLettered(queue, reason string) {
	if m == nil {
		return
	}
	m.deadLettered.WithLabelValues(queue, normalizeLabel(reason)).Inc()
}

// ObserveFlush records one batch write.
func (m *Metrics) ObserveFlush(consumer string, size int, d time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.flushDuration.WithLabelValues(consumer, outcome).Observe(d.Seconds())
	m.batchSize.WithLabelValues(consumer).Observe(float64(size))
}

func (m *Metrics) VendorCall(outcome string) {
	if m == nil {
		return
	}
	m.vendorCalls.WithLabelValues(normalizeLabel(outcome)).Inc()
}

func (m *Metrics) ReceiptSkipped(reason string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.receiptSkipped.WithLabelValues(normalizeLabel(reason)).Add(float64(n))
}

func normalizeLabel(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}

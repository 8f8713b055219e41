// Package metrics defines the Prometheus collectors for the collector.
//
// All recording methods are safe to call on a nil *Metrics, so components
// can take an optional *Metrics and record unconditionally.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "nmealog"

// Line results.
const (
	ResultAccepted = "accepted"
	ResultRejected = "rejected"
)

// Compression and eviction results.
const (
	ResultOK       = "ok"
	ResultFailed   = "failed"
	ResultMissing  = "missing"
	ResultDeferred = "deferred"
)

// DefaultCompressedSizeBuckets cover artifacts from a few KB (short drained
// segments) to a few hundred MB (large line limits).
var DefaultCompressedSizeBuckets = prometheus.ExponentialBuckets(4096, 4, 10)

// Metrics holds all collectors. Create with New.
type Metrics struct {
	Lines           *prometheus.CounterVec
	Annotations     *prometheus.CounterVec
	SegmentsOpened  prometheus.Counter
	Rotations       *prometheus.CounterVec
	Compressions    *prometheus.CounterVec
	CompressedBytes prometheus.Histogram
	Evictions       *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
// Pass prometheus.DefaultRegisterer in production and a fresh
// prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Lines: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lines_total",
			Help:      "Lines read from the stream source, by acceptance result.",
		}, []string{"result"}),
		Annotations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "annotations_total",
			Help:      "Out-of-band annotation blocks written into segments.",
		}, []string{"kind"}),
		SegmentsOpened: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "segment",
			Name:      "opened_total",
			Help:      "Segments opened for writing.",
		}),
		Rotations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "segment",
			Name:      "closed_total",
			Help:      "Segments closed, by trigger (lines, age, drain).",
		}, []string{"trigger"}),
		Compressions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compressions_total",
			Help:      "Compression tasks finished, by result.",
		}, []string{"result"}),
		CompressedBytes: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "compressed_bytes",
			Help:      "Size of written compressed artifacts in bytes.",
			Buckets:   DefaultCompressedSizeBuckets,
		}),
		Evictions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evictions_total",
			Help:      "Retention eviction attempts, by result.",
		}, []string{"result"}),
	}
}

// Line records one line read from the source.
func (m *Metrics) Line(result string) {
	if m == nil {
		return
	}
	m.Lines.WithLabelValues(result).Inc()
}

// Annotation records one annotation block of the given kind.
func (m *Metrics) Annotation(kind string) {
	if m == nil {
		return
	}
	m.Annotations.WithLabelValues(kind).Inc()
}

// SegmentOpened records a newly opened segment.
func (m *Metrics) SegmentOpened() {
	if m == nil {
		return
	}
	m.SegmentsOpened.Inc()
}

// SegmentClosed records a closed segment and what closed it.
func (m *Metrics) SegmentClosed(trigger string) {
	if m == nil {
		return
	}
	m.Rotations.WithLabelValues(trigger).Inc()
}

// Compression records a finished compression task. size is the artifact
// size and is ignored unless result is ResultOK.
func (m *Metrics) Compression(result string, size int64) {
	if m == nil {
		return
	}
	m.Compressions.WithLabelValues(result).Inc()
	if result == ResultOK {
		m.CompressedBytes.Observe(float64(size))
	}
}

// Eviction records one retention attempt.
func (m *Metrics) Eviction(result string) {
	if m == nil {
		return
	}
	m.Evictions.WithLabelValues(result).Inc()
}

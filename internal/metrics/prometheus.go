package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tsobe/pooled/types"
)

// PrometheusCollector implements types.MetricsCollector backed by Prometheus.
type PrometheusCollector struct {
	batchSize      *prometheus.HistogramVec
	batchDuration  *prometheus.HistogramVec
	tokensStored   *prometheus.CounterVec
	claimsExtended *prometheus.CounterVec
	claimEvents    *prometheus.CounterVec
	packageAborts  *prometheus.CounterVec
	activeSegments prometheus.Gauge
	eventsIngested prometheus.Counter
}

// Compile-time assertion that PrometheusCollector implements MetricsCollector.
var _ types.MetricsCollector = (*PrometheusCollector)(nil)

// NewPrometheus creates a Prometheus-backed metrics collector.
//
// Uses prometheus.DefaultRegisterer when reg is nil and the "pooled"
// namespace when namespace is empty.
func NewPrometheus(reg prometheus.Registerer, namespace string) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "pooled"
	}

	c := &PrometheusCollector{
		batchSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      "Number of events per processed batch.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}, []string{"segment"}),
		batchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Time spent processing an event batch.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"segment"}),
		tokensStored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_stored_total",
			Help:      "Token store writes per segment.",
		}, []string{"segment"}),
		claimsExtended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_extended_total",
			Help:      "Idle claim extensions per segment.",
		}, []string{"segment"}),
		claimEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claim_events_total",
			Help:      "Segment claim lifecycle events.",
		}, []string{"segment", "event"}),
		packageAborts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "package_aborts_total",
			Help:      "Work package terminations.",
		}, []string{"segment", "cause"}),
		activeSegments: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_segments",
			Help:      "Segments currently claimed by this instance.",
		}),
		eventsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_ingested_total",
			Help:      "Events pulled from the message source.",
		}),
	}

	reg.MustRegister(
		c.batchSize, c.batchDuration, c.tokensStored, c.claimsExtended,
		c.claimEvents, c.packageAborts, c.activeSegments, c.eventsIngested,
	)

	return c
}

func segmentLabel(segmentID int) string {
	return strconv.Itoa(segmentID)
}

func (c *PrometheusCollector) RecordBatch(segmentID, size int, duration float64) {
	label := segmentLabel(segmentID)
	c.batchSize.WithLabelValues(label).Observe(float64(size))
	c.batchDuration.WithLabelValues(label).Observe(duration)
}

func (c *PrometheusCollector) RecordTokenStored(segmentID int) {
	c.tokensStored.WithLabelValues(segmentLabel(segmentID)).Inc()
}

func (c *PrometheusCollector) RecordClaimExtended(segmentID int) {
	c.claimsExtended.WithLabelValues(segmentLabel(segmentID)).Inc()
}

func (c *PrometheusCollector) RecordClaimAcquired(segmentID int) {
	c.claimEvents.WithLabelValues(segmentLabel(segmentID), "acquired").Inc()
}

func (c *PrometheusCollector) RecordClaimReleased(segmentID int) {
	c.claimEvents.WithLabelValues(segmentLabel(segmentID), "released").Inc()
}

func (c *PrometheusCollector) RecordClaimFailed(segmentID int) {
	c.claimEvents.WithLabelValues(segmentLabel(segmentID), "failed").Inc()
}

func (c *PrometheusCollector) RecordPackageAborted(segmentID int, withError bool) {
	cause := "shutdown"
	if withError {
		cause = "error"
	}
	c.packageAborts.WithLabelValues(segmentLabel(segmentID), cause).Inc()
}

func (c *PrometheusCollector) RecordActiveSegments(count int) {
	c.activeSegments.Set(float64(count))
}

func (c *PrometheusCollector) RecordEventsIngested(count int) {
	c.eventsIngested.Add(float64(count))
}

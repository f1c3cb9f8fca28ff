// Package metrics provides types.MetricsCollector implementations.
package metrics

import "github.com/tsobe/pooled/types"

// NopMetrics implements types.MetricsCollector with no-op methods.
type NopMetrics struct{}

// Compile-time assertion that NopMetrics implements MetricsCollector.
var _ types.MetricsCollector = (*NopMetrics)(nil)

// NewNop returns a metrics collector that records nothing.
func NewNop() *NopMetrics {
	return &NopMetrics{}
}

func (*NopMetrics) RecordBatch(int, int, float64)  {}
func (*NopMetrics) RecordTokenStored(int)          {}
func (*NopMetrics) RecordClaimExtended(int)        {}
func (*NopMetrics) RecordClaimAcquired(int)        {}
func (*NopMetrics) RecordClaimReleased(int)        {}
func (*NopMetrics) RecordClaimFailed(int)          {}
func (*NopMetrics) RecordPackageAborted(int, bool) {}
func (*NopMetrics) RecordActiveSegments(int)       {}
func (*NopMetrics) RecordEventsIngested(int)       {}

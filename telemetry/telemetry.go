// Package telemetry exposes BucketStatsReporter and RecyclerTelemetryInfo
// as Prometheus metrics, grounded
// on talyz-systemd_exporter's client_golang-based cgroup exporter.
package telemetry

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/vire-lang/recycler/heap"
)

// BucketNameCode packs a bucket's block-type and size class into one
// value for the ETW-style GC_BUCKET_STATS event: block type in the
// high bits, size class in the low.
func BucketNameCode(family heap.BlockType, sizeCat uintptr) uint64 {
	return uint64(family)<<48 | uint64(sizeCat)
}

// Reporter registers and updates the per-bucket gauges. One Reporter
// serves one Recycler/HeapInfo pair; multiple Recyclers in the same
// process should each use their own prometheus.Registry.
type Reporter struct {
	objectBytes *prometheus.GaugeVec
	totalBytes  *prometheus.GaugeVec

	passDuration      prometheus.Histogram
	uiThreadBlocked    *prometheus.HistogramVec
	passesTransmitted prometheus.Counter
}

// NewReporter constructs and registers a Reporter's metrics on reg.
func NewReporter(reg prometheus.Registerer, recyclerID string) *Reporter {
	labels := prometheus.Labels{"recycler_id": recyclerID}
	r := &Reporter{
		objectBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "recycler",
			Name:        "bucket_object_bytes",
			Help:        "Live object bytes per bucket, after the last aggregation pass.",
			ConstLabels: labels,
		}, []string{"family", "size_cat"}),
		totalBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "recycler",
			Name:        "bucket_total_bytes",
			Help:        "Reserved bytes per bucket (committed pages), after the last aggregation pass.",
			ConstLabels: labels,
		}, []string{"family", "size_cat"}),
		passDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "recycler",
			Name:        "pass_duration_seconds",
			Help:        "Wall-clock duration of a full collection pass.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.0001, 4, 12),
		}),
		uiThreadBlocked: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "recycler",
			Name:        "ui_thread_blocked_seconds",
			Help:        "Time the mutator was blocked by the collector, by reason.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.0001, 4, 12),
		}, []string{"reason"}),
		passesTransmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "recycler",
			Name:        "telemetry_passes_transmitted_total",
			Help:        "Number of telemetry passes transmitted, batched at the 16-pass threshold.",
			ConstLabels: labels,
		}),
	}
	reg.MustRegister(r.objectBytes, r.totalBytes, r.passDuration, r.uiThreadBlocked, r.passesTransmitted)
	return r
}

// ObserveBucketStats updates the per-bucket gauges from a HeapInfo
// snapshot.
func (r *Reporter) ObserveBucketStats(reports []heap.BucketReport) {
	for _, rep := range reports {
		labels := prometheus.Labels{
			"family":   rep.Family.String(),
			"size_cat": sizeCatLabel(rep.SizeCat),
		}
		r.objectBytes.With(labels).Set(float64(rep.Stats.ObjectBytes))
		r.totalBytes.With(labels).Set(float64(rep.Stats.TotalBytes))
	}
}

func sizeCatLabel(sizeCat uintptr) string {
	if sizeCat == 0 {
		return "large"
	}
	return strconv.FormatUint(uint64(sizeCat), 10)
}

// ObservePassDuration records one full collection pass's wall time.
func (r *Reporter) ObservePassDuration(d time.Duration) {
	r.passDuration.Observe(d.Seconds())
}

// ObserveUIThreadBlocked records time the mutator spent blocked for the
// given reason (e.g. "rescan", "finalize", "dispose").
func (r *Reporter) ObserveUIThreadBlocked(reason string, d time.Duration) {
	r.uiThreadBlocked.WithLabelValues(reason).Observe(d.Seconds())
}

// PassTransmitted increments the batched-transmit counter, called once
// per pass when a 16-pass batch flushes.
func (r *Reporter) PassTransmitted() {
	r.passesTransmitted.Inc()
}

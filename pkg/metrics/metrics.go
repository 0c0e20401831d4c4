// Copyright 2025 Certen Protocol
//
// Prometheus metrics for the block storage engine: operation counters,
// latency histograms, and the pending-assembly gauge.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the engine records into. All collectors
// are registered against the registerer passed to NewMetrics.
type Metrics struct {
	Writes        prometheus.Counter
	Reads         prometheus.Counter
	RangeReads    prometheus.Counter
	Finalizations prometheus.Counter

	AssemblyCompletions prometheus.Counter
	AssemblyTimeouts    prometheus.Counter
	AssemblyEvictions   prometheus.Counter

	CorruptionEvents       prometheus.Counter
	DiskFullEvents         prometheus.Counter
	UnauthorizedRejections prometheus.Counter
	DeadLetters            prometheus.Counter

	WriteLatency    prometheus.Histogram
	ReadLatency     prometheus.Histogram
	AssemblyLatency prometheus.Histogram // first slot to durable write

	PendingAssemblies prometheus.Gauge
}

// NewMetrics creates and registers all engine collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		Writes: factory.NewCounter(prometheus.CounterOpts{
			Name: "bse_writes_total",
			Help: "Successful record writes.",
		}),
		Reads: factory.NewCounter(prometheus.CounterOpts{
			Name: "bse_reads_total",
			Help: "Successful record reads.",
		}),
		RangeReads: factory.NewCounter(prometheus.CounterOpts{
			Name: "bse_range_reads_total",
			Help: "Successful range reads.",
		}),
		Finalizations: factory.NewCounter(prometheus.CounterOpts{
			Name: "bse_finalizations_total",
			Help: "Successful height finalizations.",
		}),
		AssemblyCompletions: factory.NewCounter(prometheus.CounterOpts{
			Name: "bse_assembly_completions_total",
			Help: "Assemblies completed and written.",
		}),
		AssemblyTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "bse_assembly_timeouts_total",
			Help: "Pending assemblies purged by timeout.",
		}),
		AssemblyEvictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "bse_assembly_evictions_total",
			Help: "Pending assemblies evicted at capacity.",
		}),
		CorruptionEvents: factory.NewCounter(prometheus.CounterOpts{
			Name: "bse_corruption_events_total",
			Help: "Checksum mismatches detected on read.",
		}),
		DiskFullEvents: factory.NewCounter(prometheus.CounterOpts{
			Name: "bse_disk_full_events_total",
			Help: "Writes refused for insufficient disk headroom.",
		}),
		UnauthorizedRejections: factory.NewCounter(prometheus.CounterOpts{
			Name: "bse_unauthorized_rejections_total",
			Help: "Messages rejected by sender authorization.",
		}),
		DeadLetters: factory.NewCounter(prometheus.CounterOpts{
			Name: "bse_dead_letters_total",
			Help: "Critical events routed to the dead-letter queue.",
		}),
		WriteLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "bse_write_latency_seconds",
			Help:    "Record write latency.",
			Buckets: prometheus.DefBuckets,
		}),
		ReadLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "bse_read_latency_seconds",
			Help:    "Record read latency.",
			Buckets: prometheus.DefBuckets,
		}),
		AssemblyLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "bse_assembly_latency_seconds",
			Help:    "Time from first assembly slot to durable write.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		PendingAssemblies: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bse_pending_assemblies",
			Help: "Current pending assembly buffer size.",
		}),
	}
}

// NewNopMetrics returns metrics registered against a private registry.
// Used in tests.
func NewNopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

// Package simmetrics defines the prometheus metric types the core updates
// inline as it runs. Mirrors metrics/metrics.go in the teacher repository:
// a package of promauto-registered instruments that library code updates
// directly, with no HTTP server started here -- a caller wires a
// promhttp.Handler if it wants these scraped.
package simmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DeliveredPackets counts packets that reached their destination.
	DeliveredPackets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "htsim_delivered_packets_total",
		Help: "Packets successfully delivered to their destination node.",
	})

	// DeliveredBytes counts bytes in packets that reached their destination.
	DeliveredBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "htsim_delivered_bytes_total",
		Help: "Bytes in packets successfully delivered to their destination node.",
	})

	// DroppedPackets counts packets discarded for exceeding queue capacity.
	DroppedPackets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "htsim_dropped_packets_total",
		Help: "Packets dropped because an egress queue was at capacity.",
	})

	// DroppedBytes counts bytes in packets discarded at a full queue.
	DroppedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "htsim_dropped_bytes_total",
		Help: "Bytes in packets dropped because an egress queue was at capacity.",
	})

	// ActiveTCPConns is a gauge of TCP connections with done_at unset.
	ActiveTCPConns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "htsim_active_tcp_conns",
		Help: "TCP connections that have started and not yet completed.",
	})

	// ActiveDCTCPConns is a gauge of DCTCP connections with done_at unset.
	ActiveDCTCPConns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "htsim_active_dctcp_conns",
		Help: "DCTCP connections that have started and not yet completed.",
	})

	// RetransmitCount counts segments retransmitted, by cause.
	RetransmitCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "htsim_retransmit_total",
		Help: "Segments retransmitted, broken down by the trigger.",
	}, []string{"cause"}) // "rto" | "fast_retransmit" | "partial_ack"

	// CwndBytes samples a connection's congestion window after every new
	// cumulative ACK; changes made on duplicate ACKs and RTOs are not
	// sampled. Buckets are chosen for typical simulated MSS*cwnd ranges
	// (a handful of MSS up to a few hundred).
	CwndBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "htsim_cwnd_bytes",
		Help:    "Observed congestion window sizes, in bytes, across all connections.",
		Buckets: prometheus.ExponentialBuckets(512, 2, 12),
	})

	// FlowCompletionNanos samples flow completion time for every flow
	// started through a transport's start_flow entry point, including
	// ring-collective member flows.
	FlowCompletionNanos = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "htsim_flow_completion_nanos",
		Help:    "Flow completion time in nanoseconds.",
		Buckets: prometheus.ExponentialBuckets(1_000, 4, 16),
	})

	// CollectiveMakespanNanos samples a ring collective's total makespan.
	CollectiveMakespanNanos = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "htsim_collective_makespan_nanos",
		Help:    "Ring collective makespan (done_at - start_at) in nanoseconds.",
		Buckets: prometheus.ExponentialBuckets(10_000, 4, 16),
	})

	// CollectiveStepNanos samples the duration of a single barriered
	// collective step, distinct from CollectiveMakespanNanos's
	// start-to-done total.
	CollectiveStepNanos = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "htsim_collective_step_nanos",
		Help:    "Ring collective per-step duration in nanoseconds.",
		Buckets: prometheus.ExponentialBuckets(1_000, 4, 16),
	})
)
